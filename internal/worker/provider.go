package worker

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/orgmirror/orgmirror/internal/gei"
	"github.com/orgmirror/orgmirror/internal/github"
	"github.com/orgmirror/orgmirror/internal/state"
)

// Provider is the slice of the GitHub client the workers consume. Tests
// substitute fakes.
type Provider interface {
	ValidateToken(ctx context.Context) (github.TokenInfo, error)
	CheckOrg(ctx context.Context, org string) error
	OrgRepos(ctx context.Context, org string) ([]github.RemoteRepo, error)
	RepoTimes(ctx context.Context, org, name string) (github.RepoTimes, error)
	RepoMetadata(ctx context.Context, org, name string) (*state.RepoMetadata, error)
	Migration(ctx context.Context, id string) (github.MigrationNode, error)
	DeleteRepo(ctx context.Context, org, name string) error
}

// ClientFactory builds a provider client for one endpoint and token.
// Clients are constructed per iteration so token rotation takes effect
// without a restart.
type ClientFactory func(ep state.Endpoint, token string) (Provider, error)

// GitHubClientFactory is the production factory, wiring every client to
// the shared rate-limit tracker.
func GitHubClientFactory(tracker *github.RateLimitTracker, log logr.Logger) ClientFactory {
	return func(ep state.Endpoint, token string) (Provider, error) {
		return github.NewClient(ep, token, tracker, log)
	}
}

// Enqueuer submits one migration to the bulk importer and returns the
// provider-assigned migration ID.
type Enqueuer interface {
	Enqueue(ctx context.Context, req gei.Request) (string, error)
}
