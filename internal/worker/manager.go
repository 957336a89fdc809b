package worker

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/orgmirror/orgmirror/internal/state"
)

// Worker names as exposed on the API.
const (
	NameDiscovery = "discovery"
	NameStatus    = "status"
	NameMigration = "migration"
	NameProgress  = "progress"
)

// Manager owns the four loops and the operations the HTTP layer invokes
// on them.
type Manager struct {
	store *state.Store
	log   logr.Logger

	discovery *Discovery
	migration *MigrationWorker

	loops map[string]*Loop
	order []string
}

// NewManager wires the four workers onto generational loops. Intervals
// are read from the store on every reschedule, so config changes apply
// without a restart.
func NewManager(ctx context.Context, store *state.Store, clients ClientFactory, runner Enqueuer, metrics *Metrics, log logr.Logger) *Manager {
	m := &Manager{
		store: store,
		log:   log.WithName("workers"),
		loops: map[string]*Loop{},
		order: []string{NameDiscovery, NameStatus, NameMigration, NameProgress},
	}

	m.discovery = NewDiscovery(store, clients, log)
	statusW := NewStatusWorker(store, clients, metrics, log)
	m.migration = NewMigrationWorker(store, clients, runner, metrics, log)
	progress := NewProgressWorker(store, clients, metrics, log)

	interval := func(minutes func(state.WorkerConfig) int) func() time.Duration {
		return func() time.Duration {
			return time.Duration(minutes(store.WorkerConfig())) * time.Minute
		}
	}

	m.loops[NameDiscovery] = newLoop(ctx, NameDiscovery,
		interval(func(wc state.WorkerConfig) int { return wc.Discovery.RunIntervalMinutes }),
		metrics.instrument(NameDiscovery, m.discovery.Tick), m.log)
	m.loops[NameStatus] = newLoop(ctx, NameStatus,
		interval(func(wc state.WorkerConfig) int { return wc.Status.RunIntervalMinutes }),
		metrics.instrument(NameStatus, statusW.Tick), m.log)
	m.loops[NameMigration] = newLoop(ctx, NameMigration,
		interval(func(wc state.WorkerConfig) int { return wc.Migration.RunIntervalMinutes }),
		metrics.instrument(NameMigration, m.migration.Tick), m.log)
	m.loops[NameProgress] = newLoop(ctx, NameProgress,
		interval(func(wc state.WorkerConfig) int { return wc.Progress.RunIntervalMinutes }),
		metrics.instrument(NameProgress, progress.Tick), m.log)

	return m
}

// StartAll starts every loop.
func (m *Manager) StartAll() {
	for _, name := range m.order {
		m.loops[name].Start()
	}
}

// StopAll stops every loop.
func (m *Manager) StopAll() {
	for _, name := range m.order {
		m.loops[name].Stop()
	}
}

// Loop returns one loop by API name.
func (m *Manager) Loop(name string) (*Loop, bool) {
	l, ok := m.loops[name]
	return l, ok
}

// Statuses reports every loop's status in a stable order.
func (m *Manager) Statuses() []LoopStatus {
	out := make([]LoopStatus, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.loops[name].Status())
	}
	return out
}

// DiscoverSync runs discovery for one sync synchronously. Used by the
// per-sync trigger endpoint.
func (m *Manager) DiscoverSync(ctx context.Context, syncID string) error {
	return m.discovery.DiscoverSync(ctx, nil, syncID)
}

// RetryRepo resets a record to unsynced and runs the single-repo enqueue
// path synchronously, honoring the global cap.
func (m *Manager) RetryRepo(ctx context.Context, repoID string) error {
	if err := m.store.SetStatus(ctx, repoID, state.StatusUnsynced, ""); err != nil {
		return err
	}
	return m.migration.EnqueueRepo(ctx, repoID)
}
