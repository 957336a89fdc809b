package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/orgmirror/orgmirror/internal/gei"
	"github.com/orgmirror/orgmirror/internal/github"
	"github.com/orgmirror/orgmirror/internal/secrets"
	"github.com/orgmirror/orgmirror/internal/state"
)

// fixture wires a real store over a temp-dir backend with a frozen clock.
type fixture struct {
	t     *testing.T
	store *state.Store
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	backend, err := state.NewLocalBackend(dir, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	creds := secrets.NewFileStore(filepath.Join(dir, "credentials.json"))
	f := &fixture{
		t:   t,
		now: time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC),
	}
	f.store = state.NewStore(backend, creds, logr.Discard())
	f.store.SetNow(func() time.Time { return f.now })
	if err := f.store.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = f.store.Close() })
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) sync(name, srcOrg, tgtOrg string) state.SyncConfig {
	f.t.Helper()
	src, _ := state.DeriveEndpoint("", srcOrg, "")
	tgt, _ := state.DeriveEndpoint("", tgtOrg, "")
	sc, err := f.store.CreateSync(context.Background(), state.SyncConfig{
		Name: name, Source: src, Target: tgt, Enabled: true,
	})
	if err != nil {
		f.t.Fatal(err)
	}
	err = f.store.SetTokens(context.Background(), sc.ID, secrets.TokenPair{
		SourceToken: "src-token", TargetToken: "tgt-token",
	})
	if err != nil {
		f.t.Fatal(err)
	}
	return sc
}

func (f *fixture) repo(syncID, name string, status state.Status) state.RepoRecord {
	f.t.Helper()
	rec, err := f.store.CreateRepo(context.Background(), syncID, name, "private")
	if err != nil {
		f.t.Fatal(err)
	}
	if status != state.StatusUnknown {
		if err := f.store.SetStatus(context.Background(), rec.ID, status, ""); err != nil {
			f.t.Fatal(err)
		}
		rec, _ = f.store.GetRepo(rec.ID)
	}
	return rec
}

// testRun returns a manual Run handle that never asks the tick to stop.
func testRun() *Run {
	l := newLoop(context.Background(), "test", func() time.Duration { return time.Minute }, nil, logr.Discard())
	return &Run{loop: l, manual: true}
}

// fakeProvider is a canned Provider keyed by repo name.
type fakeProvider struct {
	orgRepos    []github.RemoteRepo
	orgReposErr error

	times    map[string]github.RepoTimes
	timesErr map[string]error
	// onRepoTimes runs before each RepoTimes reply so a test can
	// interleave store mutations with a probe in flight.
	onRepoTimes func(org, name string)

	metadata map[string]*state.RepoMetadata

	migrations   map[string]github.MigrationNode
	migrationErr map[string]error

	deleted   []string
	deleteErr error
}

func (p *fakeProvider) ValidateToken(context.Context) (github.TokenInfo, error) {
	return github.TokenInfo{Login: "fake"}, nil
}

func (p *fakeProvider) CheckOrg(context.Context, string) error { return nil }

func (p *fakeProvider) OrgRepos(context.Context, string) ([]github.RemoteRepo, error) {
	return p.orgRepos, p.orgReposErr
}

func (p *fakeProvider) RepoTimes(_ context.Context, org, name string) (github.RepoTimes, error) {
	if p.onRepoTimes != nil {
		p.onRepoTimes(org, name)
	}
	if err := p.timesErr[name]; err != nil {
		return github.RepoTimes{}, err
	}
	return p.times[name], nil
}

func (p *fakeProvider) RepoMetadata(_ context.Context, _, name string) (*state.RepoMetadata, error) {
	if md, ok := p.metadata[name]; ok {
		return md, nil
	}
	return nil, fmt.Errorf("no metadata for %s", name)
}

func (p *fakeProvider) Migration(_ context.Context, id string) (github.MigrationNode, error) {
	if err := p.migrationErr[id]; err != nil {
		return github.MigrationNode{}, err
	}
	if node, ok := p.migrations[id]; ok {
		return node, nil
	}
	return github.MigrationNode{}, github.ErrMigrationNotFound
}

func (p *fakeProvider) DeleteRepo(_ context.Context, org, name string) error {
	if p.deleteErr != nil {
		return p.deleteErr
	}
	p.deleted = append(p.deleted, org+"/"+name)
	return nil
}

// factoryFor routes client construction by org name.
func factoryFor(byOrg map[string]*fakeProvider) ClientFactory {
	return func(ep state.Endpoint, _ string) (Provider, error) {
		p, ok := byOrg[ep.Org]
		if !ok {
			return nil, fmt.Errorf("no fake provider for org %s", ep.Org)
		}
		return p, nil
	}
}

// fakeEnqueuer replays scripted enqueue results in call order.
type fakeEnqueuer struct {
	results []enqueueResult
	reqs    []gei.Request
}

type enqueueResult struct {
	id  string
	err error
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, req gei.Request) (string, error) {
	e.reqs = append(e.reqs, req)
	if len(e.results) == 0 {
		return "", fmt.Errorf("unscripted enqueue for %s", req.SourceRepo)
	}
	r := e.results[0]
	e.results = e.results[1:]
	return r.id, r.err
}
