package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	gh "github.com/google/go-github/v55/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/orgmirror/orgmirror/internal/state"
)

const apiTimeout = 30 * time.Second

// TokenInfo is what a token validation probe learns about a credential.
type TokenInfo struct {
	Login  string
	Scopes []string
}

// Client talks to one GitHub instance (public or GHES) with one token.
// REST goes through go-github, GraphQL through githubv4; both share a
// transport that feeds the rate-limit tracker.
type Client struct {
	rest *gh.Client
	gql  *githubv4.Client
	ep   state.Endpoint
	log  logr.Logger
}

// NewClient builds a client for one endpoint. The tracker may be nil.
func NewClient(ep state.Endpoint, token string, tracker *RateLimitTracker, log logr.Logger) (*Client, error) {
	base := &http.Client{
		Transport: &captureTransport{
			base:    http.DefaultTransport,
			tracker: tracker,
			host:    ep.HostLabel,
		},
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	hc.Timeout = apiTimeout

	c := &Client{ep: ep, log: log.WithValues("host", ep.HostLabel)}
	if ep.IsPublicHost() {
		c.rest = gh.NewClient(hc)
		c.gql = githubv4.NewClient(hc)
		return c, nil
	}

	rest, err := gh.NewClient(hc).WithEnterpriseURLs(ep.RESTBase, ep.RESTBase)
	if err != nil {
		return nil, fmt.Errorf("building enterprise client for %s: %w", ep.HostLabel, err)
	}
	c.rest = rest
	c.gql = githubv4.NewEnterpriseClient(ep.GraphQLURL, hc)
	return c, nil
}

// Host returns the host label this client talks to.
func (c *Client) Host() string { return c.ep.HostLabel }

// ValidateToken checks the credential by fetching the authenticated user.
// Tokens without an X-OAuth-Scopes response header are fine-grained PATs,
// which the bulk importer cannot use, so they are rejected here.
func (c *Client) ValidateToken(ctx context.Context) (TokenInfo, error) {
	var info TokenInfo
	err := c.withRetry(ctx, "validate token", func() error {
		user, resp, err := c.rest.Users.Get(ctx, "")
		if err != nil {
			return err
		}
		if resp.Header.Get("X-OAuth-Scopes") == "" {
			return backoff.Permanent(fmt.Errorf("token for %s has no OAuth scopes; fine-grained tokens are not supported, use a classic PAT", c.ep.HostLabel))
		}
		info.Login = user.GetLogin()
		info.Scopes = splitScopes(resp.Header.Get("X-OAuth-Scopes"))
		return nil
	})
	return info, err
}

func splitScopes(header string) []string {
	var scopes []string
	for _, s := range strings.Split(header, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// CheckOrg verifies the org exists and the token can list its
// repositories.
func (c *Client) CheckOrg(ctx context.Context, org string) error {
	return c.withRetry(ctx, "check org", func() error {
		if _, _, err := c.rest.Organizations.Get(ctx, org); err != nil {
			return fmt.Errorf("reading org %s: %w", org, err)
		}
		_, _, err := c.rest.Repositories.ListByOrg(ctx, org, &gh.RepositoryListByOrgOptions{
			ListOptions: gh.ListOptions{PerPage: 1},
		})
		if err != nil {
			return fmt.Errorf("listing repos of %s: %w", org, err)
		}
		return nil
	})
}

// RepoTimes is the lightweight existence-and-freshness probe result.
type RepoTimes struct {
	Exists   bool
	PushedAt *time.Time
}

// RepoTimes fetches a repo's last-push time. A missing repo is not an
// error.
func (c *Client) RepoTimes(ctx context.Context, org, name string) (RepoTimes, error) {
	var rt RepoTimes
	err := c.withRetry(ctx, "get repo", func() error {
		repo, _, err := c.rest.Repositories.Get(ctx, org, name)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		rt.Exists = true
		if t := repo.GetPushedAt(); !t.IsZero() {
			ts := t.Time
			rt.PushedAt = &ts
		} else if t := repo.GetUpdatedAt(); !t.IsZero() {
			ts := t.Time
			rt.PushedAt = &ts
		}
		return nil
	})
	return rt, err
}

// DeleteRepo removes a repository. Deleting an absent repo succeeds.
func (c *Client) DeleteRepo(ctx context.Context, org, name string) error {
	return c.withRetry(ctx, "delete repo", func() error {
		_, err := c.rest.Repositories.Delete(ctx, org, name)
		if IsNotFound(err) {
			return nil
		}
		return err
	})
}

// withRetry runs fn with exponential backoff on transient failures.
// Permanent classifications (auth, not-found, 4xx) abort immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		c.log.V(1).Info("retrying provider call", "op", op, "wait", wait, "error", err.Error())
	})
}
