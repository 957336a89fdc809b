// Package state owns the canonical replication state: sync configs, repo
// records, and the persisted worker/admin config singletons. All workers
// and the HTTP surface read and mutate through the Store; only the Store
// touches the persistence backend.
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/orgmirror/orgmirror/internal/secrets"
)

// Backend persists the state. The local file implementation debounces a
// whole-document rewrite; the DynamoDB implementation writes rows through
// synchronously. Workers never see which one is bound.
type Backend interface {
	// Load reads the full persisted state at startup.
	Load(ctx context.Context) (Snapshot, WorkerConfig, AdminConfig, error)

	SaveSync(ctx context.Context, sc SyncConfig) error
	DeleteSync(ctx context.Context, id string) error
	SaveRepo(ctx context.Context, r RepoRecord) error
	DeleteRepo(ctx context.Context, id string) error
	SaveWorkerConfig(ctx context.Context, wc WorkerConfig) error
	SaveAdminConfig(ctx context.Context, ac AdminConfig) error

	// Flush forces any pending writes to durable storage. Write-through
	// backends treat it as a no-op.
	Flush(ctx context.Context) error

	// LogDir returns the directory for downloaded migration logs and
	// whether the backend has a durable local filesystem at all.
	LogDir() (string, bool)

	Close() error
}

// RuntimeView joins a sync config with its current credentials. It is
// produced at worker call sites and must not outlive the operation.
type RuntimeView struct {
	Sync        SyncConfig
	SourceToken string
	TargetToken string
}

// ErrNotFound is returned for lookups of unknown sync or repo IDs.
var ErrNotFound = fmt.Errorf("not found")

// Store is the in-memory authoritative state plus its backend. Safe for
// concurrent use; a single mutex serializes cache access and backend calls
// are issued outside the workers' sight.
type Store struct {
	backend Backend
	creds   secrets.Store
	log     logr.Logger
	now     func() time.Time

	mu        sync.Mutex
	syncs     map[string]SyncConfig
	repos     map[string]RepoRecord
	workerCfg WorkerConfig
	adminCfg  AdminConfig

	changed chan struct{}
}

// NewStore creates a Store bound to a backend and credential store.
func NewStore(backend Backend, creds secrets.Store, log logr.Logger) *Store {
	s := &Store{
		backend: backend,
		creds:   creds,
		log:     log.WithName("state"),
		now:     time.Now,
		syncs:   map[string]SyncConfig{},
		repos:   map[string]RepoRecord{},
		changed: make(chan struct{}, 1),
	}
	s.workerCfg = DefaultWorkerConfig()
	return s
}

// SetNow overrides the clock. Test hook.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// Load populates the cache from the backend. Must be called once before
// any worker starts.
func (s *Store) Load(ctx context.Context) error {
	snap, wc, ac, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Syncs != nil {
		s.syncs = snap.Syncs
	}
	if snap.Repos != nil {
		s.repos = snap.Repos
	}
	s.workerCfg = wc.Clamp()
	s.adminCfg = ac
	s.log.Info("state loaded", "syncs", len(s.syncs), "repos", len(s.repos))
	return nil
}

// Changes returns a channel that receives a (coalesced) signal after every
// mutation. Consumed by the SSE broadcaster.
func (s *Store) Changes() <-chan struct{} { return s.changed }

func (s *Store) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
		// A signal is already pending.
	}
}

// Snapshot returns a deep copy of the full state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Version: 2,
		Syncs:   make(map[string]SyncConfig, len(s.syncs)),
		Repos:   make(map[string]RepoRecord, len(s.repos)),
	}
	for id, sc := range s.syncs {
		snap.Syncs[id] = sc
	}
	for id, r := range s.repos {
		snap.Repos[id] = r
	}
	return snap
}

// Syncs lists sync configs sorted by name. Archived syncs are included
// only when includeArchived is set.
func (s *Store) Syncs(includeArchived bool) []SyncConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncConfig, 0, len(s.syncs))
	for _, sc := range s.syncs {
		if sc.Archived && !includeArchived {
			continue
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnabledSyncs lists active syncs eligible for worker iterations.
func (s *Store) EnabledSyncs() []SyncConfig {
	var out []SyncConfig
	for _, sc := range s.Syncs(false) {
		if sc.Enabled {
			out = append(out, sc)
		}
	}
	return out
}

// GetSync returns one sync config.
func (s *Store) GetSync(id string) (SyncConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.syncs[id]
	if !ok {
		return SyncConfig{}, fmt.Errorf("sync %s: %w", id, ErrNotFound)
	}
	return sc, nil
}

// CreateSync stores a new sync pair. The ID and timestamps are assigned
// here; the caller provides name, endpoints, and filters.
func (s *Store) CreateSync(ctx context.Context, sc SyncConfig) (SyncConfig, error) {
	now := s.now().UTC()
	sc.ID = uuid.NewString()
	sc.CreatedAt = now
	sc.UpdatedAt = now
	sc.Archived = false

	s.mu.Lock()
	s.syncs[sc.ID] = sc
	s.mu.Unlock()
	s.notify()
	return sc, s.backend.SaveSync(ctx, sc)
}

// UpdateSync replaces the mutable fields of a sync. Changing either org or
// enterprise invalidates classification: every owned active record drops
// back to unknown and loses its migration ID so the progress worker will
// not poll a job from the old endpoints.
func (s *Store) UpdateSync(ctx context.Context, upd SyncConfig) (SyncConfig, error) {
	s.mu.Lock()
	cur, ok := s.syncs[upd.ID]
	if !ok {
		s.mu.Unlock()
		return SyncConfig{}, fmt.Errorf("sync %s: %w", upd.ID, ErrNotFound)
	}

	invalidated := cur.Source.Org != upd.Source.Org ||
		cur.Source.Enterprise != upd.Source.Enterprise ||
		cur.Target.Org != upd.Target.Org ||
		cur.Target.Enterprise != upd.Target.Enterprise

	cur.Name = upd.Name
	cur.Source = upd.Source
	cur.Target = upd.Target
	cur.IncludePatterns = upd.IncludePatterns
	cur.ExcludePatterns = upd.ExcludePatterns
	cur.Enabled = upd.Enabled
	cur.UpdatedAt = s.now().UTC()
	s.syncs[cur.ID] = cur

	var reset []RepoRecord
	if invalidated {
		for id, r := range s.repos {
			if r.SyncID != cur.ID || r.Archived {
				continue
			}
			r.Status = StatusUnknown
			r.MigrationID = ""
			r.LastUpdate = s.now().UTC()
			s.repos[id] = r
			reset = append(reset, r)
		}
	}
	s.mu.Unlock()
	s.notify()

	if err := s.backend.SaveSync(ctx, cur); err != nil {
		return cur, err
	}
	for _, r := range reset {
		if err := s.backend.SaveRepo(ctx, r); err != nil {
			return cur, err
		}
	}
	if invalidated {
		s.log.Info("sync endpoints changed, classification reset", "sync", cur.ID, "repos", len(reset))
	}
	return cur, nil
}

// setSyncArchived flips the archived flag on a sync and cascades it to
// every owned repo record. Archiving also disables the sync.
func (s *Store) setSyncArchived(ctx context.Context, id string, archived bool) error {
	s.mu.Lock()
	sc, ok := s.syncs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("sync %s: %w", id, ErrNotFound)
	}
	sc.Archived = archived
	if archived {
		sc.Enabled = false
	}
	sc.UpdatedAt = s.now().UTC()
	s.syncs[id] = sc

	var cascaded []RepoRecord
	for rid, r := range s.repos {
		if r.SyncID != id {
			continue
		}
		if archived {
			if r.Archived {
				// Archived individually before the sync was; not ours
				// to restore later.
				continue
			}
			r.Archived = true
			r.ArchivedWithSync = true
		} else {
			if !r.Archived || !r.ArchivedWithSync {
				continue
			}
			r.Archived = false
			r.ArchivedWithSync = false
		}
		r.LastUpdate = s.now().UTC()
		s.repos[rid] = r
		cascaded = append(cascaded, r)
	}
	s.mu.Unlock()
	s.notify()

	if err := s.backend.SaveSync(ctx, sc); err != nil {
		return err
	}
	for _, r := range cascaded {
		if err := s.backend.SaveRepo(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveSync soft-deletes a sync and all of its repo records.
func (s *Store) ArchiveSync(ctx context.Context, id string) error {
	return s.setSyncArchived(ctx, id, true)
}

// UnarchiveSync restores a sync and the records archived with it. The
// sync comes back disabled; enabling is a separate operator action.
func (s *Store) UnarchiveSync(ctx context.Context, id string) error {
	return s.setSyncArchived(ctx, id, false)
}

// DeleteSyncPermanent removes a sync, its repo records, and its
// credentials for good.
func (s *Store) DeleteSyncPermanent(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.syncs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("sync %s: %w", id, ErrNotFound)
	}
	delete(s.syncs, id)
	var repoIDs []string
	for rid, r := range s.repos {
		if r.SyncID == id {
			delete(s.repos, rid)
			repoIDs = append(repoIDs, rid)
		}
	}
	s.mu.Unlock()
	s.notify()

	if err := s.backend.DeleteSync(ctx, id); err != nil {
		return err
	}
	for _, rid := range repoIDs {
		if err := s.backend.DeleteRepo(ctx, rid); err != nil {
			return err
		}
	}
	if err := s.creds.DeleteTokens(ctx, id); err != nil {
		s.log.Error(err, "deleting credentials for removed sync", "sync", id)
	}
	return nil
}

// GetRepo returns one repo record.
func (s *Store) GetRepo(id string) (RepoRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[id]
	if !ok {
		return RepoRecord{}, fmt.Errorf("repo %s: %w", id, ErrNotFound)
	}
	return r, nil
}

// Repos lists all repo records, sorted by name for stable iteration.
func (s *Store) Repos() []RepoRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RepoRecord, 0, len(s.repos))
	for _, r := range s.repos {
		out = append(out, r)
	}
	sortRepos(out)
	return out
}

// ActiveReposBySync lists the non-archived records of one sync, sorted by
// name.
func (s *Store) ActiveReposBySync(syncID string) []RepoRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RepoRecord
	for _, r := range s.repos {
		if r.SyncID == syncID && !r.Archived {
			out = append(out, r)
		}
	}
	sortRepos(out)
	return out
}

// IncompleteRepos lists every non-archived record with an in-flight
// status, across all syncs. The migration worker rereads this immediately
// before each enqueue to enforce the global cap.
func (s *Store) IncompleteRepos() []RepoRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RepoRecord
	for _, r := range s.repos {
		if !r.Archived && r.Status.InFlight() {
			out = append(out, r)
		}
	}
	sortRepos(out)
	return out
}

func sortRepos(rs []RepoRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].SyncID != rs[j].SyncID {
			return rs[i].SyncID < rs[j].SyncID
		}
		return rs[i].Name < rs[j].Name
	})
}

// CreateRepo adds a newly discovered repository in state unknown. The
// (syncID, name) pair must be unique among non-archived records.
func (s *Store) CreateRepo(ctx context.Context, syncID, name, visibility string) (RepoRecord, error) {
	s.mu.Lock()
	for _, r := range s.repos {
		if r.SyncID == syncID && r.Name == name && !r.Archived {
			s.mu.Unlock()
			return RepoRecord{}, fmt.Errorf("repo %s already tracked under sync %s", name, syncID)
		}
	}
	r := RepoRecord{
		ID:         uuid.NewString(),
		SyncID:     syncID,
		Name:       name,
		Visibility: visibility,
		Status:     StatusUnknown,
		LastUpdate: s.now().UTC(),
	}
	s.repos[r.ID] = r
	s.mu.Unlock()
	s.notify()
	return r, s.backend.SaveRepo(ctx, r)
}

// UpdateRepo replaces a whole record. Used for field updates that carry no
// status side effects (metadata, timestamps, archival).
func (s *Store) UpdateRepo(ctx context.Context, r RepoRecord) error {
	s.mu.Lock()
	if _, ok := s.repos[r.ID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("repo %s: %w", r.ID, ErrNotFound)
	}
	r.LastUpdate = s.now().UTC()
	s.repos[r.ID] = r
	s.mu.Unlock()
	s.notify()
	return s.backend.SaveRepo(ctx, r)
}

// MarkQueued records a successful enqueue: the repo enters queued with a
// fresh migration ID and cleared timing fields.
func (s *Store) MarkQueued(ctx context.Context, repoID, migrationID string) error {
	s.mu.Lock()
	r, ok := s.repos[repoID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("repo %s: %w", repoID, ErrNotFound)
	}
	now := s.now().UTC()
	r.Status = StatusQueued
	r.MigrationID = migrationID
	r.QueuedAt = &now
	r.StartedAt = nil
	r.EndedAt = nil
	r.ElapsedSeconds = nil
	r.ErrorMessage = ""
	r.LastUpdate = now
	s.repos[repoID] = r
	s.mu.Unlock()
	s.notify()
	return s.backend.SaveRepo(ctx, r)
}

// RecordCheckResult stores the outcome of a status probe: check
// timestamp, observed source push time, and refreshed metadata. The
// record is re-read under the lock, so fields owned by the migration
// path (status, migrationId, timing) are never clobbered by a probe
// that raced with an enqueue.
func (s *Store) RecordCheckResult(ctx context.Context, repoID string, checkedAt time.Time, lastPushed *time.Time, md *RepoMetadata) error {
	s.mu.Lock()
	r, ok := s.repos[repoID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("repo %s: %w", repoID, ErrNotFound)
	}
	r.LastChecked = &checkedAt
	r.LastPushed = lastPushed
	if md != nil {
		r.Metadata = md
	}
	r.LastUpdate = s.now().UTC()
	s.repos[repoID] = r
	s.mu.Unlock()
	s.notify()
	return s.backend.SaveRepo(ctx, r)
}

// RecordPollResult stamps the poll timestamps on an in-flight record,
// leaving every other field to the status side effects.
func (s *Store) RecordPollResult(ctx context.Context, repoID string, polledAt time.Time) error {
	s.mu.Lock()
	r, ok := s.repos[repoID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("repo %s: %w", repoID, ErrNotFound)
	}
	r.LastPolledAt = &polledAt
	r.LastChecked = &polledAt
	r.LastUpdate = s.now().UTC()
	s.repos[repoID] = r
	s.mu.Unlock()
	s.notify()
	return s.backend.SaveRepo(ctx, r)
}

// SetStatus transitions a record and applies the timing side effects:
// entering syncing stamps startedAt; entering a terminal state stamps
// endedAt, derives elapsedSeconds, and (on synced) advances the owning
// sync's lastSyncedAt. A repeated transition to the same status with no
// error message is a no-op, which keeps terminal timing idempotent.
func (s *Store) SetStatus(ctx context.Context, repoID string, status Status, errMsg string) error {
	return s.setStatus(ctx, repoID, status, errMsg, false)
}

// SetClassification applies a status-check verdict. The transition is
// dropped when the record has gone in flight since the check started:
// reverting queued or syncing would erase the migration ID, orphan the
// provider-side job, and open the door to a second enqueue.
func (s *Store) SetClassification(ctx context.Context, repoID string, status Status, errMsg string) error {
	return s.setStatus(ctx, repoID, status, errMsg, true)
}

func (s *Store) setStatus(ctx context.Context, repoID string, status Status, errMsg string, skipInFlight bool) error {
	s.mu.Lock()
	r, ok := s.repos[repoID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("repo %s: %w", repoID, ErrNotFound)
	}
	if skipInFlight && r.Status.InFlight() {
		s.mu.Unlock()
		return nil
	}
	if r.Status == status && errMsg == "" {
		s.mu.Unlock()
		return nil
	}

	now := s.now().UTC()
	r.Status = status
	r.LastUpdate = now
	if errMsg != "" {
		r.ErrorMessage = errMsg
	}

	var syncToSave *SyncConfig
	switch {
	case status == StatusSyncing:
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	case status.Terminal():
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
		r.EndedAt = &now
		elapsed := int64(now.Sub(*r.StartedAt) / time.Second)
		r.ElapsedSeconds = &elapsed
		if status == StatusSynced {
			if sc, ok := s.syncs[r.SyncID]; ok {
				if sc.LastSyncedAt == nil || sc.LastSyncedAt.Before(now) {
					sc.LastSyncedAt = &now
					s.syncs[r.SyncID] = sc
					syncToSave = &sc
				}
			}
		}
	}
	s.repos[repoID] = r
	s.mu.Unlock()
	s.notify()

	if err := s.backend.SaveRepo(ctx, r); err != nil {
		return err
	}
	if syncToSave != nil {
		return s.backend.SaveSync(ctx, *syncToSave)
	}
	return nil
}

// WorkerConfig returns the persisted worker tuning.
func (s *Store) WorkerConfig() WorkerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerCfg
}

// SetWorkerConfig clamps and persists new worker tuning.
func (s *Store) SetWorkerConfig(ctx context.Context, wc WorkerConfig) (WorkerConfig, error) {
	wc = wc.Clamp()
	s.mu.Lock()
	s.workerCfg = wc
	s.mu.Unlock()
	s.notify()
	return wc, s.backend.SaveWorkerConfig(ctx, wc)
}

// AdminConfig returns the persisted admin policy.
func (s *Store) AdminConfig() AdminConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminCfg
}

// SetAdminConfig persists a new admin policy.
func (s *Store) SetAdminConfig(ctx context.Context, ac AdminConfig) error {
	s.mu.Lock()
	s.adminCfg = ac
	s.mu.Unlock()
	s.notify()
	return s.backend.SaveAdminConfig(ctx, ac)
}

// SetTokens stores credentials for a sync.
func (s *Store) SetTokens(ctx context.Context, syncID string, pair secrets.TokenPair) error {
	if _, err := s.GetSync(syncID); err != nil {
		return err
	}
	return s.creds.SetTokens(ctx, syncID, pair)
}

// RuntimeView joins a sync with its current credentials and derived
// endpoint URLs. The returned value must not be cached by callers.
func (s *Store) RuntimeView(ctx context.Context, syncID string) (RuntimeView, error) {
	sc, err := s.GetSync(syncID)
	if err != nil {
		return RuntimeView{}, err
	}
	pair, err := s.creds.Tokens(ctx, syncID)
	if err != nil {
		return RuntimeView{}, fmt.Errorf("loading credentials for sync %s: %w", syncID, err)
	}
	return RuntimeView{Sync: sc, SourceToken: pair.SourceToken, TargetToken: pair.TargetToken}, nil
}

// FlushNow forces pending writes to durable storage, bypassing the local
// backend's debounce. Used for operator-initiated actions and shutdown.
func (s *Store) FlushNow(ctx context.Context) error {
	return s.backend.Flush(ctx)
}

// LogDir exposes the backend's local log directory, when it has one.
func (s *Store) LogDir() (string, bool) {
	return s.backend.LogDir()
}

// Close flushes and releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
