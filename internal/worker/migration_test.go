package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"github.com/orgmirror/orgmirror/internal/gei"
	"github.com/orgmirror/orgmirror/internal/state"
)

func setMigrationCap(t *testing.T, f *fixture, maxQueued int) {
	t.Helper()
	wc := f.store.WorkerConfig()
	wc.Migration.MaxConcurrentQueued = maxQueued
	if _, err := f.store.SetWorkerConfig(context.Background(), wc); err != nil {
		t.Fatal(err)
	}
}

func newMigrationWorker(f *fixture, byOrg map[string]*fakeProvider, enq *fakeEnqueuer) *MigrationWorker {
	return NewMigrationWorker(f.store, factoryFor(byOrg), enq, nil, logr.Discard())
}

func TestMigrationTickEnqueuesUpToCap(t *testing.T) {
	f := newFixture(t)
	sc := f.sync("mirror", "octo-src", "octo-tgt")
	for _, name := range []string{"a", "b", "c", "d"} {
		f.repo(sc.ID, name, state.StatusUnsynced)
	}
	setMigrationCap(t, f, 3)

	enq := &fakeEnqueuer{results: []enqueueResult{
		{id: "101"}, {id: "102"}, {id: "103"}, {id: "104"},
	}}
	w := newMigrationWorker(f, nil, enq)

	if _, err := w.Tick(context.Background(), testRun()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(enq.reqs) != 3 {
		t.Fatalf("enqueued %d repos, want 3 (cap)", len(enq.reqs))
	}
	queued := 0
	unsynced := 0
	for _, rec := range f.store.ActiveReposBySync(sc.ID) {
		switch rec.Status {
		case state.StatusQueued:
			queued++
		case state.StatusUnsynced:
			unsynced++
		}
	}
	if queued != 3 || unsynced != 1 {
		t.Errorf("queued=%d unsynced=%d, want 3/1", queued, unsynced)
	}
}

func TestMigrationCapCountsExistingInFlight(t *testing.T) {
	f := newFixture(t)
	sc := f.sync("mirror", "octo-src", "octo-tgt")
	// Two already in flight, cap 3: only one admission left.
	inflight1 := f.repo(sc.ID, "busy1", state.StatusUnknown)
	inflight2 := f.repo(sc.ID, "busy2", state.StatusUnknown)
	_ = f.store.MarkQueued(context.Background(), inflight1.ID, "1")
	_ = f.store.MarkQueued(context.Background(), inflight2.ID, "2")
	f.repo(sc.ID, "waiting1", state.StatusUnsynced)
	f.repo(sc.ID, "waiting2", state.StatusUnsynced)
	setMigrationCap(t, f, 3)

	enq := &fakeEnqueuer{results: []enqueueResult{{id: "3"}, {id: "4"}}}
	w := newMigrationWorker(f, nil, enq)
	if _, err := w.Tick(context.Background(), testRun()); err != nil {
		t.Fatal(err)
	}
	if len(enq.reqs) != 1 {
		t.Errorf("enqueued %d, want 1 remaining admission", len(enq.reqs))
	}
}

func TestMigrationCapZeroFreezes(t *testing.T) {
	f := newFixture(t)
	sc := f.sync("mirror", "octo-src", "octo-tgt")
	f.repo(sc.ID, "alpha", state.StatusUnsynced)
	setMigrationCap(t, f, 0)

	enq := &fakeEnqueuer{results: []enqueueResult{{id: "1"}}}
	w := newMigrationWorker(f, nil, enq)
	if _, err := w.Tick(context.Background(), testRun()); err != nil {
		t.Fatal(err)
	}
	if len(enq.reqs) != 0 {
		t.Errorf("cap 0 admitted %d enqueues", len(enq.reqs))
	}
}

func TestMigrationCollisionDeletesAndRetries(t *testing.T) {
	f := newFixture(t)
	sc := f.sync("mirror", "octo-src", "octo-tgt")
	rec := f.repo(sc.ID, "alpha", state.StatusUnsynced)

	tgt := &fakeProvider{}
	enq := &fakeEnqueuer{results: []enqueueResult{
		{err: gei.ErrTargetExists},
		{id: "4242"},
	}}
	w := newMigrationWorker(f, map[string]*fakeProvider{"octo-tgt": tgt}, enq)

	if err := w.EnqueueRepo(context.Background(), rec.ID); err != nil {
		t.Fatalf("enqueue after collision: %v", err)
	}
	if len(tgt.deleted) != 1 || tgt.deleted[0] != "octo-tgt/alpha" {
		t.Errorf("deleted = %v, want the colliding target repo", tgt.deleted)
	}
	if len(enq.reqs) != 2 {
		t.Errorf("enqueue attempts = %d, want exactly 2", len(enq.reqs))
	}
	got, _ := f.store.GetRepo(rec.ID)
	if got.Status != state.StatusQueued || got.MigrationID != "4242" {
		t.Errorf("record = %s/%s, want queued/4242", got.Status, got.MigrationID)
	}
}

func TestMigrationCollisionDeleteFailure(t *testing.T) {
	f := newFixture(t)
	sc := f.sync("mirror", "octo-src", "octo-tgt")
	rec := f.repo(sc.ID, "alpha", state.StatusUnsynced)

	tgt := &fakeProvider{deleteErr: fmt.Errorf("permission denied")}
	enq := &fakeEnqueuer{results: []enqueueResult{{err: gei.ErrTargetExists}}}
	w := newMigrationWorker(f, map[string]*fakeProvider{"octo-tgt": tgt}, enq)

	err := w.EnqueueRepo(context.Background(), rec.ID)
	if !errors.Is(err, gei.ErrTargetExists) {
		t.Errorf("err = %v, want the original collision error", err)
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("delete failure not carried: %v", err)
	}
	if len(enq.reqs) != 1 {
		t.Errorf("enqueue attempts = %d, want 1 (no retry after failed delete)", len(enq.reqs))
	}
	got, _ := f.store.GetRepo(rec.ID)
	if got.Status != state.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestMigrationEnqueueFailureRecorded(t *testing.T) {
	f := newFixture(t)
	sc := f.sync("mirror", "octo-src", "octo-tgt")
	rec := f.repo(sc.ID, "alpha", state.StatusUnsynced)

	enq := &fakeEnqueuer{results: []enqueueResult{{err: fmt.Errorf("importer unreachable")}}}
	w := newMigrationWorker(f, nil, enq)

	if err := w.EnqueueRepo(context.Background(), rec.ID); err == nil {
		t.Fatal("enqueue failure swallowed")
	}
	got, _ := f.store.GetRepo(rec.ID)
	if got.Status != state.StatusFailed || !strings.Contains(got.ErrorMessage, "importer unreachable") {
		t.Errorf("record = %s %q", got.Status, got.ErrorMessage)
	}
}

func TestMigrationRequestShape(t *testing.T) {
	f := newFixture(t)
	sc := f.sync("mirror", "octo-src", "octo-tgt")
	rec := f.repo(sc.ID, "alpha", state.StatusUnsynced)

	enq := &fakeEnqueuer{results: []enqueueResult{{id: "1"}}}
	w := newMigrationWorker(f, nil, enq)
	if err := w.EnqueueRepo(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}

	req := enq.reqs[0]
	if req.SourceOrg != "octo-src" || req.TargetOrg != "octo-tgt" {
		t.Errorf("orgs = %s/%s", req.SourceOrg, req.TargetOrg)
	}
	if req.SourceRepo != "alpha" || req.TargetRepo != "alpha" {
		t.Errorf("repos = %s/%s", req.SourceRepo, req.TargetRepo)
	}
	if req.Visibility != "private" {
		t.Errorf("visibility = %q", req.Visibility)
	}
	if req.SourceToken != "src-token" || req.TargetToken != "tgt-token" {
		t.Error("tokens not carried")
	}
	// Both sides are public GitHub here, so no GHES API URLs.
	if req.SourceAPIURL != "" || req.TargetAPIURL != "" {
		t.Errorf("api urls = %q/%q, want empty for public hosts", req.SourceAPIURL, req.TargetAPIURL)
	}
	_ = sc
}

func TestMigrationTickSurfacesFirstError(t *testing.T) {
	f := newFixture(t)
	sc := f.sync("mirror", "octo-src", "octo-tgt")
	f.repo(sc.ID, "a", state.StatusUnsynced)
	f.repo(sc.ID, "b", state.StatusUnsynced)

	enq := &fakeEnqueuer{results: []enqueueResult{
		{err: fmt.Errorf("first failure")},
		{id: "2"},
	}}
	w := newMigrationWorker(f, nil, enq)

	_, err := w.Tick(context.Background(), testRun())
	if err == nil || !strings.Contains(err.Error(), "first failure") {
		t.Errorf("tick error = %v, want the first enqueue failure", err)
	}
	// The second repo was still attempted.
	if len(enq.reqs) != 2 {
		t.Errorf("attempts = %d, want 2", len(enq.reqs))
	}
}
