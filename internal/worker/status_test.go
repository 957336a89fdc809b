package worker

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/orgmirror/orgmirror/internal/github"
	"github.com/orgmirror/orgmirror/internal/state"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestSelectBatch(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	cfg := state.StatusConfig{RunIntervalMinutes: 1, RecheckAgeMinutes: 5, BatchSize: 2}
	fresh := timePtr(now.Add(-time.Minute))
	old := timePtr(now.Add(-time.Hour))
	older := timePtr(now.Add(-2 * time.Hour))

	t.Run("unknowns take priority and are capped", func(t *testing.T) {
		repos := []state.RepoRecord{
			{ID: "1", Name: "a", Status: state.StatusUnknown},
			{ID: "2", Name: "b", Status: state.StatusUnknown},
			{ID: "3", Name: "c", Status: state.StatusUnknown},
			{ID: "4", Name: "d", Status: state.StatusSynced, LastChecked: older},
		}
		batch := selectBatch(repos, cfg, now)
		if len(batch) != 2 {
			t.Fatalf("batch = %d, want batchSize 2", len(batch))
		}
		for _, r := range batch {
			if r.Status != state.StatusUnknown {
				t.Errorf("non-unknown %s in priority batch", r.Name)
			}
		}
	})

	t.Run("stale recheck ordering", func(t *testing.T) {
		repos := []state.RepoRecord{
			{ID: "1", Name: "fresh", Status: state.StatusSynced, LastChecked: fresh},
			{ID: "2", Name: "old", Status: state.StatusSynced, LastChecked: old},
			{ID: "3", Name: "older", Status: state.StatusUnsynced, LastChecked: older},
			{ID: "4", Name: "never", Status: state.StatusFailed},
		}
		batch := selectBatch(repos, cfg, now)
		if len(batch) != 2 {
			t.Fatalf("batch = %d, want 2", len(batch))
		}
		if batch[0].Name != "never" {
			t.Errorf("batch[0] = %s, never-checked must come first", batch[0].Name)
		}
		if batch[1].Name != "older" {
			t.Errorf("batch[1] = %s, want the oldest check", batch[1].Name)
		}
	})

	t.Run("in-flight repos are not rechecked", func(t *testing.T) {
		repos := []state.RepoRecord{
			{ID: "1", Name: "queued", Status: state.StatusQueued},
			{ID: "2", Name: "syncing", Status: state.StatusSyncing},
		}
		if batch := selectBatch(repos, cfg, now); len(batch) != 0 {
			t.Errorf("in-flight repos selected: %v", batch)
		}
	})
}

func newStatusWorker(f *fixture, byOrg map[string]*fakeProvider) *StatusWorker {
	w := NewStatusWorker(f.store, factoryFor(byOrg), nil, logr.Discard())
	w.now = func() time.Time { return f.now }
	return w
}

func TestStatusTickClassifies(t *testing.T) {
	f := newFixture(t)
	sc := f.sync("mirror", "octo-src", "octo-tgt")
	ahead := f.repo(sc.ID, "ahead", state.StatusUnknown)
	current := f.repo(sc.ID, "current", state.StatusUnknown)
	missingTgt := f.repo(sc.ID, "missing-target", state.StatusUnknown)

	srcPush := f.now.Add(-time.Hour)
	tgtBehind := srcPush.Add(-24 * time.Hour)
	tgtCaughtUp := srcPush.Add(time.Minute)

	src := &fakeProvider{
		times: map[string]github.RepoTimes{
			"ahead":          {Exists: true, PushedAt: timePtr(srcPush)},
			"current":        {Exists: true, PushedAt: timePtr(srcPush)},
			"missing-target": {Exists: true, PushedAt: timePtr(srcPush)},
		},
		metadata: map[string]*state.RepoMetadata{
			"ahead": {Description: "service"},
		},
	}
	tgt := &fakeProvider{
		times: map[string]github.RepoTimes{
			"ahead":   {Exists: true, PushedAt: timePtr(tgtBehind)},
			"current": {Exists: true, PushedAt: timePtr(tgtCaughtUp)},
			// missing-target absent: Exists false.
		},
	}

	w := newStatusWorker(f, map[string]*fakeProvider{"octo-src": src, "octo-tgt": tgt})
	// batchSize defaults to 1; raise it so one tick covers all three.
	wc := f.store.WorkerConfig()
	wc.Status.BatchSize = 10
	if _, err := f.store.SetWorkerConfig(context.Background(), wc); err != nil {
		t.Fatal(err)
	}

	worked, err := w.Tick(context.Background(), testRun())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !worked {
		t.Error("tick reported no work despite a backlog")
	}

	assertStatus := func(id string, want state.Status) state.RepoRecord {
		t.Helper()
		rec, err := f.store.GetRepo(id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != want {
			t.Errorf("%s = %s, want %s", rec.Name, rec.Status, want)
		}
		return rec
	}
	got := assertStatus(ahead.ID, state.StatusUnsynced)
	assertStatus(current.ID, state.StatusSynced)
	assertStatus(missingTgt.ID, state.StatusUnsynced)

	if got.LastChecked == nil || !got.LastChecked.Equal(f.now) {
		t.Errorf("LastChecked = %v, want %v", got.LastChecked, f.now)
	}
	if got.LastPushed == nil || !got.LastPushed.Equal(srcPush) {
		t.Errorf("LastPushed = %v, want %v", got.LastPushed, srcPush)
	}
	if got.Metadata == nil || got.Metadata.Description != "service" {
		t.Errorf("metadata not refreshed: %+v", got.Metadata)
	}
}

func TestStatusCheckDoesNotRevertConcurrentEnqueue(t *testing.T) {
	f := newFixture(t)
	sc := f.sync("mirror", "octo-src", "octo-tgt")
	rec := f.repo(sc.ID, "alpha", state.StatusUnsynced)

	pushed := f.now.Add(-time.Hour)
	src := &fakeProvider{
		times: map[string]github.RepoTimes{
			"alpha": {Exists: true, PushedAt: timePtr(pushed)},
		},
		metadata: map[string]*state.RepoMetadata{"alpha": {}},
	}
	tgt := &fakeProvider{
		times: map[string]github.RepoTimes{
			"alpha": {Exists: true, PushedAt: timePtr(pushed)},
		},
	}
	// A migration enqueue lands while the status probe is on the wire.
	tgt.onRepoTimes = func(string, string) {
		if err := f.store.MarkQueued(context.Background(), rec.ID, "4242"); err != nil {
			t.Fatal(err)
		}
	}

	w := newStatusWorker(f, map[string]*fakeProvider{"octo-src": src, "octo-tgt": tgt})
	if _, err := w.Tick(context.Background(), testRun()); err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.GetRepo(rec.ID)
	if got.Status != state.StatusQueued || got.MigrationID != "4242" {
		t.Fatalf("record = %s/%q, want queued/4242 preserved", got.Status, got.MigrationID)
	}
	if got.LastChecked == nil || !got.LastChecked.Equal(f.now) {
		t.Errorf("check bookkeeping lost: LastChecked = %v", got.LastChecked)
	}
}

func TestStatusVanishedSourceIsTerminal(t *testing.T) {
	f := newFixture(t)
	sc := f.sync("mirror", "octo-src", "octo-tgt")
	rec := f.repo(sc.ID, "alpha", state.StatusUnknown)

	src := &fakeProvider{times: map[string]github.RepoTimes{
		"alpha": {Exists: false},
	}}
	tgt := &fakeProvider{times: map[string]github.RepoTimes{
		"alpha": {Exists: true, PushedAt: timePtr(f.now)},
	}}
	w := newStatusWorker(f, map[string]*fakeProvider{"octo-src": src, "octo-tgt": tgt})

	if _, err := w.Tick(context.Background(), testRun()); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.GetRepo(rec.ID)
	if got.Status != state.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "source repository not found" {
		t.Errorf("error = %q", got.ErrorMessage)
	}
}

func TestStatusMetadataFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	sc := f.sync("mirror", "octo-src", "octo-tgt")
	rec := f.repo(sc.ID, "alpha", state.StatusUnknown)

	push := timePtr(f.now.Add(-time.Hour))
	src := &fakeProvider{
		times: map[string]github.RepoTimes{"alpha": {Exists: true, PushedAt: push}},
		// No metadata configured: RepoMetadata errors.
	}
	tgt := &fakeProvider{times: map[string]github.RepoTimes{
		"alpha": {Exists: true, PushedAt: push},
	}}
	w := newStatusWorker(f, map[string]*fakeProvider{"octo-src": src, "octo-tgt": tgt})

	if _, err := w.Tick(context.Background(), testRun()); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.GetRepo(rec.ID)
	if got.Status != state.StatusSynced {
		t.Errorf("status = %s, classification must survive a metadata failure", got.Status)
	}
}
