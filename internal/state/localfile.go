package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

const (
	stateFileName       = "migrations-state.json"
	workerConfigName    = "worker-config.json"
	adminConfigName     = "admin-config.json"
	logSubdir           = "migration-logs"
	flushDebounce       = 10 * time.Second
	backupInterval      = time.Hour
	backupKeep          = 24
	backupPrefix        = "migrations-state-"
	backupTimestampName = "2006-01-02-15-04"
)

// persistedState is the on-disk document shape (version 2).
type persistedState struct {
	Version int                   `json:"version"`
	Syncs   map[string]SyncConfig `json:"syncs"`
	Repos   map[string]RepoRecord `json:"repos"`
}

// LocalBackend keeps the whole state in a single JSON file. Mutations mark
// the document dirty; a debounced flush rewrites the file atomically
// (write-to-temp then rename). Flushes are serialized by a single-writer
// chain so a slow disk never produces interleaved writes.
type LocalBackend struct {
	dir string
	log logr.Logger

	mu      sync.Mutex
	cur     persistedState
	worker  WorkerConfig
	admin   AdminConfig
	dirty   bool
	timer   *time.Timer
	writing chan struct{} // single-writer token

	stopBackups chan struct{}
}

// NewLocalBackend creates a file-backed state store rooted at dir. The
// hourly backup loop starts immediately and stops at Close.
func NewLocalBackend(dir string, log logr.Logger) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	b := &LocalBackend{
		dir:         dir,
		log:         log.WithName("local-state"),
		writing:     make(chan struct{}, 1),
		stopBackups: make(chan struct{}),
	}
	b.cur = persistedState{Version: 2, Syncs: map[string]SyncConfig{}, Repos: map[string]RepoRecord{}}
	b.worker = DefaultWorkerConfig()
	go b.backupLoop()
	return b, nil
}

func (b *LocalBackend) statePath() string { return filepath.Join(b.dir, stateFileName) }

// Load reads the state document and the config sidecar files. Missing
// files read as empty state.
func (b *LocalBackend) Load(ctx context.Context) (Snapshot, WorkerConfig, AdminConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.statePath())
	switch {
	case os.IsNotExist(err):
		// First run.
	case err != nil:
		return Snapshot{}, WorkerConfig{}, AdminConfig{}, fmt.Errorf("reading state file: %w", err)
	default:
		var doc persistedState
		if err := json.Unmarshal(data, &doc); err != nil {
			return Snapshot{}, WorkerConfig{}, AdminConfig{}, fmt.Errorf("parsing state file: %w", err)
		}
		if doc.Version != 2 {
			return Snapshot{}, WorkerConfig{}, AdminConfig{}, fmt.Errorf("unsupported state file version %d", doc.Version)
		}
		if doc.Syncs == nil {
			doc.Syncs = map[string]SyncConfig{}
		}
		if doc.Repos == nil {
			doc.Repos = map[string]RepoRecord{}
		}
		b.cur = doc
	}

	wc := DefaultWorkerConfig()
	if err := readJSONFile(filepath.Join(b.dir, workerConfigName), &wc); err != nil {
		return Snapshot{}, WorkerConfig{}, AdminConfig{}, err
	}
	b.worker = wc

	var ac AdminConfig
	if err := readJSONFile(filepath.Join(b.dir, adminConfigName), &ac); err != nil {
		return Snapshot{}, WorkerConfig{}, AdminConfig{}, err
	}
	b.admin = ac

	// The caller adopts the snapshot maps as its own cache; hand out
	// copies so its mutations and our flushes never share storage.
	syncs := make(map[string]SyncConfig, len(b.cur.Syncs))
	for id, sc := range b.cur.Syncs {
		syncs[id] = sc
	}
	repos := make(map[string]RepoRecord, len(b.cur.Repos))
	for id, r := range b.cur.Repos {
		repos[id] = r
	}
	return Snapshot{Version: 2, Syncs: syncs, Repos: repos}, wc, ac, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// SaveSync updates the in-memory document and arms the debounced flush.
func (b *LocalBackend) SaveSync(_ context.Context, sc SyncConfig) error {
	b.mu.Lock()
	b.cur.Syncs[sc.ID] = sc
	b.markDirtyLocked()
	b.mu.Unlock()
	return nil
}

func (b *LocalBackend) DeleteSync(_ context.Context, id string) error {
	b.mu.Lock()
	delete(b.cur.Syncs, id)
	b.markDirtyLocked()
	b.mu.Unlock()
	return nil
}

func (b *LocalBackend) SaveRepo(_ context.Context, r RepoRecord) error {
	b.mu.Lock()
	b.cur.Repos[r.ID] = r
	b.markDirtyLocked()
	b.mu.Unlock()
	return nil
}

func (b *LocalBackend) DeleteRepo(_ context.Context, id string) error {
	b.mu.Lock()
	delete(b.cur.Repos, id)
	b.markDirtyLocked()
	b.mu.Unlock()
	return nil
}

// SaveWorkerConfig writes the sidecar file immediately; config changes are
// operator actions and too rare to debounce.
func (b *LocalBackend) SaveWorkerConfig(_ context.Context, wc WorkerConfig) error {
	b.mu.Lock()
	b.worker = wc
	b.mu.Unlock()
	return b.writeSidecar(workerConfigName, wc)
}

func (b *LocalBackend) SaveAdminConfig(_ context.Context, ac AdminConfig) error {
	b.mu.Lock()
	b.admin = ac
	b.mu.Unlock()
	return b.writeSidecar(adminConfigName, ac)
}

func (b *LocalBackend) writeSidecar(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return atomicWrite(filepath.Join(b.dir, name), data, 0o644)
}

// markDirtyLocked arms the debounce timer unless a flush is already
// scheduled. Callers hold b.mu.
func (b *LocalBackend) markDirtyLocked() {
	if b.dirty {
		return
	}
	b.dirty = true
	b.timer = time.AfterFunc(flushDebounce, func() {
		if err := b.Flush(context.Background()); err != nil {
			b.log.Error(err, "debounced state flush failed")
		}
	})
}

// Flush writes the state file now if it is dirty. Safe to call from any
// goroutine; the single-writer token serializes concurrent flushes.
func (b *LocalBackend) Flush(_ context.Context) error {
	b.writing <- struct{}{}
	defer func() { <-b.writing }()

	b.mu.Lock()
	if !b.dirty {
		b.mu.Unlock()
		return nil
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	data, err := json.MarshalIndent(b.cur, "", "  ")
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("encoding state: %w", err)
	}
	b.dirty = false
	b.mu.Unlock()

	if err := atomicWrite(b.statePath(), data, 0o644); err != nil {
		// Keep the dirty flag so the next mutation retries the write.
		b.mu.Lock()
		b.markDirtyLocked()
		b.mu.Unlock()
		return err
	}
	b.log.V(1).Info("state flushed", "bytes", len(data))
	return nil
}

// LogDir returns the migration-log directory beside the state file.
func (b *LocalBackend) LogDir() (string, bool) {
	dir := filepath.Join(b.dir, logSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		b.log.Error(err, "creating migration log dir")
		return "", false
	}
	return dir, true
}

// Close stops the backup loop and flushes pending writes.
func (b *LocalBackend) Close() error {
	close(b.stopBackups)
	return b.Flush(context.Background())
}

// backupLoop copies the state file once an hour, keeping the most recent
// backupKeep copies.
func (b *LocalBackend) backupLoop() {
	ticker := time.NewTicker(backupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopBackups:
			return
		case <-ticker.C:
			if err := b.backupOnce(time.Now().UTC()); err != nil {
				b.log.Error(err, "state backup failed")
			}
		}
	}
}

// backupOnce writes one timestamped backup and prunes old ones.
func (b *LocalBackend) backupOnce(now time.Time) error {
	data, err := os.ReadFile(b.statePath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading state for backup: %w", err)
	}
	name := backupPrefix + now.Format(backupTimestampName) + ".json"
	if err := atomicWrite(filepath.Join(b.dir, name), data, 0o644); err != nil {
		return err
	}
	return b.pruneBackups()
}

func (b *LocalBackend) pruneBackups() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("listing state dir: %w", err)
	}
	var backups []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && len(name) > len(backupPrefix) && name[:len(backupPrefix)] == backupPrefix {
			backups = append(backups, name)
		}
	}
	if len(backups) <= backupKeep {
		return nil
	}
	// Timestamped names sort chronologically.
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-backupKeep] {
		if err := os.Remove(filepath.Join(b.dir, name)); err != nil {
			return fmt.Errorf("pruning backup %s: %w", name, err)
		}
	}
	return nil
}

// atomicWrite replaces path via a temp file in the same directory so the
// rename is atomic on the same filesystem.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}
