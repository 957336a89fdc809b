package github

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shurcooL/githubv4"

	"github.com/orgmirror/orgmirror/internal/state"
)

// ErrMigrationNotFound means the provider no longer resolves the
// migration node, usually because it aged out of retention.
var ErrMigrationNotFound = errors.New("migration not found")

// RemoteRepo is one repository as listed by the source org.
type RemoteRepo struct {
	Name       string
	Visibility string
	IsArchived bool
	IsDisabled bool
	IsFork     bool
}

const orgReposPageSize = 100

// OrgRepos lists every repository of an org, name-ascending, paging 100
// at a time.
func (c *Client) OrgRepos(ctx context.Context, org string) ([]RemoteRepo, error) {
	var q struct {
		Organization struct {
			Repositories struct {
				Nodes []struct {
					Name       githubv4.String
					Visibility githubv4.String
					IsArchived githubv4.Boolean
					IsDisabled githubv4.Boolean
					IsFork     githubv4.Boolean
				}
				PageInfo struct {
					EndCursor   githubv4.String
					HasNextPage githubv4.Boolean
				}
			} `graphql:"repositories(first: $pageSize, after: $cursor, orderBy: {field: NAME, direction: ASC})"`
		} `graphql:"organization(login: $org)"`
	}

	vars := map[string]interface{}{
		"org":      githubv4.String(org),
		"pageSize": githubv4.Int(orgReposPageSize),
		"cursor":   (*githubv4.String)(nil),
	}

	var repos []RemoteRepo
	for {
		if err := c.gql.Query(ctx, &q, vars); err != nil {
			return nil, fmt.Errorf("listing repos of %s: %w", org, err)
		}
		for _, n := range q.Organization.Repositories.Nodes {
			repos = append(repos, RemoteRepo{
				Name:       string(n.Name),
				Visibility: strings.ToLower(string(n.Visibility)),
				IsArchived: bool(n.IsArchived),
				IsDisabled: bool(n.IsDisabled),
				IsFork:     bool(n.IsFork),
			})
		}
		if !q.Organization.Repositories.PageInfo.HasNextPage {
			return repos, nil
		}
		vars["cursor"] = githubv4.NewString(q.Organization.Repositories.PageInfo.EndCursor)
	}
}

// MigrationNode is the provider-side view of one queued migration.
type MigrationNode struct {
	ID            string
	State         string
	CreatedAt     time.Time
	FailureReason string
	LogURL        string
}

// Migration resolves a migration by its node ID.
func (c *Client) Migration(ctx context.Context, id string) (MigrationNode, error) {
	var q struct {
		Node struct {
			Migration struct {
				ID              githubv4.String
				State           githubv4.String
				CreatedAt       githubv4.DateTime
				FailureReason   githubv4.String
				MigrationLogURL githubv4.String `graphql:"migrationLogUrl"`
			} `graphql:"... on Migration"`
		} `graphql:"node(id: $id)"`
	}
	vars := map[string]interface{}{"id": githubv4.ID(id)}

	if err := c.gql.Query(ctx, &q, vars); err != nil {
		if isUnresolvedNode(err) {
			return MigrationNode{}, ErrMigrationNotFound
		}
		return MigrationNode{}, fmt.Errorf("resolving migration %s: %w", id, err)
	}
	if q.Node.Migration.ID == "" {
		return MigrationNode{}, ErrMigrationNotFound
	}
	return MigrationNode{
		ID:            string(q.Node.Migration.ID),
		State:         string(q.Node.Migration.State),
		CreatedAt:     q.Node.Migration.CreatedAt.Time,
		FailureReason: string(q.Node.Migration.FailureReason),
		LogURL:        string(q.Node.Migration.MigrationLogURL),
	}, nil
}

func isUnresolvedNode(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not resolve to a node")
}

// RepoMetadata fetches the source-side details shown in the UI: size,
// languages, commit and branch counts.
func (c *Client) RepoMetadata(ctx context.Context, org, name string) (*state.RepoMetadata, error) {
	var q struct {
		Repository struct {
			Description     githubv4.String
			DiskUsage       githubv4.Int
			IsArchived      githubv4.Boolean
			PrimaryLanguage *struct {
				Name githubv4.String
			}
			Languages struct {
				Edges []struct {
					Size githubv4.Int
					Node struct {
						Name githubv4.String
					}
				}
			} `graphql:"languages(first: 20, orderBy: {field: SIZE, direction: DESC})"`
			DefaultBranchRef *struct {
				Target struct {
					Commit struct {
						History struct {
							TotalCount githubv4.Int
						}
					} `graphql:"... on Commit"`
				}
			}
			Refs struct {
				TotalCount githubv4.Int
			} `graphql:"refs(refPrefix: \"refs/heads/\")"`
		} `graphql:"repository(owner: $org, name: $name)"`
	}
	vars := map[string]interface{}{
		"org":  githubv4.String(org),
		"name": githubv4.String(name),
	}

	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return nil, fmt.Errorf("fetching metadata of %s/%s: %w", org, name, err)
	}

	md := &state.RepoMetadata{
		Description:      string(q.Repository.Description),
		DiskSizeKB:       int64(q.Repository.DiskUsage),
		ArchivedAtSource: bool(q.Repository.IsArchived),
		BranchCount:      int(q.Repository.Refs.TotalCount),
	}
	if q.Repository.PrimaryLanguage != nil {
		md.PrimaryLanguage = string(q.Repository.PrimaryLanguage.Name)
	}
	if len(q.Repository.Languages.Edges) > 0 {
		md.Languages = make(map[string]int64, len(q.Repository.Languages.Edges))
		for _, e := range q.Repository.Languages.Edges {
			md.Languages[string(e.Node.Name)] = int64(e.Size)
		}
	}
	if q.Repository.DefaultBranchRef != nil {
		md.CommitCount = int(q.Repository.DefaultBranchRef.Target.Commit.History.TotalCount)
	}
	return md, nil
}

// MapMigrationState translates a provider migration state into a repo
// status. ok is false when the state is not recognized.
func MapMigrationState(providerState string) (status state.Status, ok bool) {
	switch strings.ToLower(providerState) {
	case "pending", "pending_validation", "queued":
		return state.StatusQueued, true
	case "in_progress", "exporting", "exported", "importing":
		return state.StatusSyncing, true
	case "succeeded", "imported":
		return state.StatusSynced, true
	case "failed":
		return state.StatusFailed, true
	default:
		return state.StatusUnknown, false
	}
}
