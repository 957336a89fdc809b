package state

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/orgmirror/orgmirror/internal/secrets"
)

// memBackend is an in-memory Backend for store tests.
type memBackend struct {
	syncs  map[string]SyncConfig
	repos  map[string]RepoRecord
	worker WorkerConfig
	admin  AdminConfig
}

func newMemBackend() *memBackend {
	return &memBackend{
		syncs:  map[string]SyncConfig{},
		repos:  map[string]RepoRecord{},
		worker: DefaultWorkerConfig(),
	}
}

func (b *memBackend) Load(context.Context) (Snapshot, WorkerConfig, AdminConfig, error) {
	return Snapshot{Version: 2, Syncs: b.syncs, Repos: b.repos}, b.worker, b.admin, nil
}
func (b *memBackend) SaveSync(_ context.Context, sc SyncConfig) error {
	b.syncs[sc.ID] = sc
	return nil
}
func (b *memBackend) DeleteSync(_ context.Context, id string) error {
	delete(b.syncs, id)
	return nil
}
func (b *memBackend) SaveRepo(_ context.Context, r RepoRecord) error {
	b.repos[r.ID] = r
	return nil
}
func (b *memBackend) DeleteRepo(_ context.Context, id string) error {
	delete(b.repos, id)
	return nil
}
func (b *memBackend) SaveWorkerConfig(_ context.Context, wc WorkerConfig) error {
	b.worker = wc
	return nil
}
func (b *memBackend) SaveAdminConfig(_ context.Context, ac AdminConfig) error {
	b.admin = ac
	return nil
}
func (b *memBackend) Flush(context.Context) error { return nil }
func (b *memBackend) LogDir() (string, bool)      { return "", false }
func (b *memBackend) Close() error                { return nil }

// memCreds is an in-memory secrets.Store.
type memCreds struct {
	pairs map[string]secrets.TokenPair
}

func newMemCreds() *memCreds { return &memCreds{pairs: map[string]secrets.TokenPair{}} }

func (c *memCreds) Tokens(_ context.Context, syncID string) (secrets.TokenPair, error) {
	return c.pairs[syncID], nil
}
func (c *memCreds) SetTokens(_ context.Context, syncID string, pair secrets.TokenPair) error {
	c.pairs[syncID] = pair
	return nil
}
func (c *memCreds) DeleteTokens(_ context.Context, syncID string) error {
	delete(c.pairs, syncID)
	return nil
}

type storeFixture struct {
	store *Store
	creds *memCreds
	now   time.Time
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	f := &storeFixture{
		creds: newMemCreds(),
		now:   time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC),
	}
	f.store = NewStore(newMemBackend(), f.creds, logr.Discard())
	f.store.SetNow(func() time.Time { return f.now })
	if err := f.store.Load(context.Background()); err != nil {
		t.Fatalf("loading store: %v", err)
	}
	return f
}

func (f *storeFixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *storeFixture) mustCreateSync(t *testing.T, name string) SyncConfig {
	t.Helper()
	src, _ := DeriveEndpoint("", "src-org", "")
	tgt, _ := DeriveEndpoint("", "tgt-org", "")
	sc, err := f.store.CreateSync(context.Background(), SyncConfig{
		Name: name, Source: src, Target: tgt, Enabled: true,
	})
	if err != nil {
		t.Fatalf("creating sync: %v", err)
	}
	return sc
}

func (f *storeFixture) mustCreateRepo(t *testing.T, syncID, name string) RepoRecord {
	t.Helper()
	r, err := f.store.CreateRepo(context.Background(), syncID, name, "private")
	if err != nil {
		t.Fatalf("creating repo: %v", err)
	}
	return r
}

func TestSetStatusTerminalTiming(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc := f.mustCreateSync(t, "mirror")
	rec := f.mustCreateRepo(t, sc.ID, "epsilon")

	start := f.now
	if err := f.store.SetStatus(ctx, rec.ID, StatusSyncing, ""); err != nil {
		t.Fatalf("entering syncing: %v", err)
	}
	got, _ := f.store.GetRepo(rec.ID)
	if got.StartedAt == nil || !got.StartedAt.Equal(start) {
		t.Fatalf("StartedAt = %v, want %v", got.StartedAt, start)
	}

	f.advance(615 * time.Second)
	if err := f.store.SetStatus(ctx, rec.ID, StatusSynced, ""); err != nil {
		t.Fatalf("entering synced: %v", err)
	}
	got, _ = f.store.GetRepo(rec.ID)
	if got.EndedAt == nil || !got.EndedAt.Equal(start.Add(615*time.Second)) {
		t.Errorf("EndedAt = %v, want %v", got.EndedAt, start.Add(615*time.Second))
	}
	if got.ElapsedSeconds == nil || *got.ElapsedSeconds != 615 {
		t.Errorf("ElapsedSeconds = %v, want 615", got.ElapsedSeconds)
	}

	owner, _ := f.store.GetSync(sc.ID)
	if owner.LastSyncedAt == nil || !owner.LastSyncedAt.Equal(start.Add(615*time.Second)) {
		t.Errorf("sync LastSyncedAt = %v, want %v", owner.LastSyncedAt, start.Add(615*time.Second))
	}
}

func TestSetStatusIdempotent(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc := f.mustCreateSync(t, "mirror")
	rec := f.mustCreateRepo(t, sc.ID, "alpha")

	if err := f.store.SetStatus(ctx, rec.ID, StatusSyncing, ""); err != nil {
		t.Fatal(err)
	}
	f.advance(10 * time.Second)
	if err := f.store.SetStatus(ctx, rec.ID, StatusSynced, ""); err != nil {
		t.Fatal(err)
	}
	first, _ := f.store.GetRepo(rec.ID)

	f.advance(time.Hour)
	if err := f.store.SetStatus(ctx, rec.ID, StatusSynced, ""); err != nil {
		t.Fatal(err)
	}
	second, _ := f.store.GetRepo(rec.ID)

	if !second.EndedAt.Equal(*first.EndedAt) || *second.ElapsedSeconds != *first.ElapsedSeconds {
		t.Errorf("repeated synced transition changed timing: first %+v second %+v", first, second)
	}
}

func TestSetStatusKeepsErrorMessageUnlessReplaced(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc := f.mustCreateSync(t, "mirror")
	rec := f.mustCreateRepo(t, sc.ID, "alpha")

	if err := f.store.SetStatus(ctx, rec.ID, StatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetStatus(ctx, rec.ID, StatusUnsynced, ""); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.GetRepo(rec.ID)
	if got.ErrorMessage != "boom" {
		t.Errorf("ErrorMessage = %q, want preserved %q", got.ErrorMessage, "boom")
	}

	if err := f.store.SetStatus(ctx, rec.ID, StatusFailed, "worse"); err != nil {
		t.Fatal(err)
	}
	got, _ = f.store.GetRepo(rec.ID)
	if got.ErrorMessage != "worse" {
		t.Errorf("ErrorMessage = %q, want replaced %q", got.ErrorMessage, "worse")
	}
}

func TestMarkQueuedResetsTiming(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc := f.mustCreateSync(t, "mirror")
	rec := f.mustCreateRepo(t, sc.ID, "alpha")

	// Drive one full run, then requeue.
	_ = f.store.SetStatus(ctx, rec.ID, StatusSyncing, "")
	f.advance(time.Minute)
	_ = f.store.SetStatus(ctx, rec.ID, StatusFailed, "first attempt")
	_ = f.store.SetStatus(ctx, rec.ID, StatusUnsynced, "")

	f.advance(time.Minute)
	if err := f.store.MarkQueued(ctx, rec.ID, "4242"); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.GetRepo(rec.ID)
	if got.Status != StatusQueued || got.MigrationID != "4242" {
		t.Fatalf("record = %+v, want queued with migration 4242", got)
	}
	if got.QueuedAt == nil || !got.QueuedAt.Equal(f.now) {
		t.Errorf("QueuedAt = %v, want %v", got.QueuedAt, f.now)
	}
	if got.StartedAt != nil || got.EndedAt != nil || got.ElapsedSeconds != nil {
		t.Errorf("timing fields not cleared: %+v", got)
	}
	if got.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want cleared", got.ErrorMessage)
	}
}

func TestArchiveCascade(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc := f.mustCreateSync(t, "mirror")
	other := f.mustCreateSync(t, "other")
	a := f.mustCreateRepo(t, sc.ID, "alpha")
	b := f.mustCreateRepo(t, sc.ID, "beta")
	c := f.mustCreateRepo(t, other.ID, "gamma")

	if err := f.store.ArchiveSync(ctx, sc.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.GetSync(sc.ID)
	if !got.Archived || got.Enabled {
		t.Errorf("archived sync = %+v, want archived and disabled", got)
	}
	for _, id := range []string{a.ID, b.ID} {
		r, _ := f.store.GetRepo(id)
		if !r.Archived {
			t.Errorf("repo %s not archived with its sync", r.Name)
		}
	}
	r, _ := f.store.GetRepo(c.ID)
	if r.Archived {
		t.Error("repo of unrelated sync was archived")
	}

	if err := f.store.UnarchiveSync(ctx, sc.ID); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{a.ID, b.ID} {
		r, _ := f.store.GetRepo(id)
		if r.Archived {
			t.Errorf("repo %s still archived after unarchive", r.Name)
		}
	}
	got, _ = f.store.GetSync(sc.ID)
	if got.Enabled {
		t.Error("unarchive must not re-enable the sync")
	}
}

func TestRecordCheckResultPreservesInFlightFields(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc := f.mustCreateSync(t, "mirror")
	rec := f.mustCreateRepo(t, sc.ID, "alpha")
	if err := f.store.MarkQueued(ctx, rec.ID, "4242"); err != nil {
		t.Fatal(err)
	}

	// A probe result written after the enqueue must not touch the
	// migration fields.
	pushed := f.now.Add(-time.Hour)
	err := f.store.RecordCheckResult(ctx, rec.ID, f.now, &pushed, &RepoMetadata{Description: "mirror of alpha"})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.GetRepo(rec.ID)
	if got.Status != StatusQueued || got.MigrationID != "4242" {
		t.Fatalf("record = %s/%q, want queued/4242", got.Status, got.MigrationID)
	}
	if got.LastChecked == nil || !got.LastChecked.Equal(f.now) {
		t.Errorf("LastChecked = %v, want %v", got.LastChecked, f.now)
	}
	if got.LastPushed == nil || !got.LastPushed.Equal(pushed) {
		t.Errorf("LastPushed = %v, want %v", got.LastPushed, pushed)
	}
	if got.Metadata == nil || got.Metadata.Description != "mirror of alpha" {
		t.Errorf("Metadata = %+v", got.Metadata)
	}
}

func TestSetClassificationSkipsInFlight(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc := f.mustCreateSync(t, "mirror")
	rec := f.mustCreateRepo(t, sc.ID, "alpha")
	if err := f.store.MarkQueued(ctx, rec.ID, "4242"); err != nil {
		t.Fatal(err)
	}

	if err := f.store.SetClassification(ctx, rec.ID, StatusUnsynced, ""); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.GetRepo(rec.ID)
	if got.Status != StatusQueued || got.MigrationID != "4242" {
		t.Fatalf("in-flight record reverted: %s/%q", got.Status, got.MigrationID)
	}

	// Settled records still take the verdict.
	other := f.mustCreateRepo(t, sc.ID, "beta")
	if err := f.store.SetClassification(ctx, other.ID, StatusUnsynced, ""); err != nil {
		t.Fatal(err)
	}
	got, _ = f.store.GetRepo(other.ID)
	if got.Status != StatusUnsynced {
		t.Errorf("settled record = %s, want unsynced", got.Status)
	}
}

func TestUnarchiveRestoresOnlyCascadedRepos(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc := f.mustCreateSync(t, "mirror")
	kept := f.mustCreateRepo(t, sc.ID, "alpha")
	vanished := f.mustCreateRepo(t, sc.ID, "beta")

	// beta was archived on its own (vanished from the source) before
	// the whole sync was archived.
	r, _ := f.store.GetRepo(vanished.ID)
	r.Archived = true
	if err := f.store.UpdateRepo(ctx, r); err != nil {
		t.Fatal(err)
	}

	if err := f.store.ArchiveSync(ctx, sc.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UnarchiveSync(ctx, sc.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.GetRepo(kept.ID)
	if got.Archived {
		t.Error("repo archived with the sync not restored")
	}
	got, _ = f.store.GetRepo(vanished.ID)
	if !got.Archived {
		t.Error("individually archived repo resurrected by unarchive")
	}
}

func TestUpdateSyncEndpointChangeResetsClassification(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc := f.mustCreateSync(t, "mirror")
	rec := f.mustCreateRepo(t, sc.ID, "alpha")
	_ = f.store.SetStatus(ctx, rec.ID, StatusSyncing, "")
	_ = f.store.MarkQueued(ctx, rec.ID, "77")

	upd := sc
	upd.Source.Org = "new-org"
	if _, err := f.store.UpdateSync(ctx, upd); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.GetRepo(rec.ID)
	if got.Status != StatusUnknown {
		t.Errorf("status = %s, want unknown after endpoint change", got.Status)
	}
	if got.MigrationID != "" {
		t.Errorf("migrationId = %q, want cleared after endpoint change", got.MigrationID)
	}
}

func TestUpdateSyncNameChangeKeepsClassification(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc := f.mustCreateSync(t, "mirror")
	rec := f.mustCreateRepo(t, sc.ID, "alpha")
	_ = f.store.SetStatus(ctx, rec.ID, StatusSynced, "")

	upd := sc
	upd.Name = "renamed"
	if _, err := f.store.UpdateSync(ctx, upd); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.GetRepo(rec.ID)
	if got.Status != StatusSynced {
		t.Errorf("status = %s, rename must not reset classification", got.Status)
	}
}

func TestCreateRepoUniqueness(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc := f.mustCreateSync(t, "mirror")
	f.mustCreateRepo(t, sc.ID, "alpha")

	if _, err := f.store.CreateRepo(ctx, sc.ID, "alpha", "private"); err == nil {
		t.Fatal("duplicate (sync, name) pair was accepted")
	}
}

func TestIncompleteRepos(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc := f.mustCreateSync(t, "mirror")
	a := f.mustCreateRepo(t, sc.ID, "alpha")
	b := f.mustCreateRepo(t, sc.ID, "beta")
	f.mustCreateRepo(t, sc.ID, "gamma")

	_ = f.store.MarkQueued(ctx, a.ID, "1")
	_ = f.store.SetStatus(ctx, b.ID, StatusSyncing, "")

	got := f.store.IncompleteRepos()
	if len(got) != 2 {
		t.Fatalf("IncompleteRepos() = %d records, want 2", len(got))
	}
}

func TestDeleteSyncPermanent(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc := f.mustCreateSync(t, "mirror")
	rec := f.mustCreateRepo(t, sc.ID, "alpha")
	_ = f.creds.SetTokens(ctx, sc.ID, secrets.TokenPair{SourceToken: "s", TargetToken: "t"})

	if err := f.store.DeleteSyncPermanent(ctx, sc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.GetSync(sc.ID); err == nil {
		t.Error("sync still readable after permanent delete")
	}
	if _, err := f.store.GetRepo(rec.ID); err == nil {
		t.Error("repo still readable after permanent delete")
	}
	if pair, _ := f.creds.Tokens(ctx, sc.ID); pair.SourceToken != "" {
		t.Error("credentials survived permanent delete")
	}
}
