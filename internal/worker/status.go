package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/orgmirror/orgmirror/internal/state"
)

// StatusWorker classifies repos as synced or unsynced by comparing the
// source's last push against the target's, and refreshes source-side
// metadata while it is there.
type StatusWorker struct {
	store   *state.Store
	clients ClientFactory
	log     logr.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewStatusWorker creates the status worker.
func NewStatusWorker(store *state.Store, clients ClientFactory, metrics *Metrics, log logr.Logger) *StatusWorker {
	return &StatusWorker{
		store:   store,
		clients: clients,
		log:     log.WithName("status"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Tick checks one batch per enabled sync. Reports rerunSoon when any
// repo was processed, so backlogs drain at 100 ms instead of waiting a
// full interval.
func (w *StatusWorker) Tick(ctx context.Context, run *Run) (bool, error) {
	cfg := w.store.WorkerConfig().Status
	worked := false
	for _, sc := range w.store.EnabledSyncs() {
		if run.ShouldStop() {
			break
		}
		did, err := w.checkSync(ctx, run, sc, cfg)
		if err != nil {
			w.log.Error(err, "status pass failed", "sync", sc.Name)
		}
		worked = worked || did
	}
	w.metrics.ObserveStatusCounts(w.store.Repos())
	return worked, nil
}

// checkSync selects and checks one batch for a sync.
func (w *StatusWorker) checkSync(ctx context.Context, run *Run, sc state.SyncConfig, cfg state.StatusConfig) (bool, error) {
	batch := selectBatch(w.store.ActiveReposBySync(sc.ID), cfg, w.now().UTC())
	if len(batch) == 0 {
		return false, nil
	}

	rv, err := w.store.RuntimeView(ctx, sc.ID)
	if err != nil {
		return false, err
	}
	if rv.SourceToken == "" || rv.TargetToken == "" {
		w.log.V(1).Info("sync missing credentials, skipping", "sync", sc.Name)
		return false, nil
	}
	src, err := w.clients(rv.Sync.Source, rv.SourceToken)
	if err != nil {
		return false, fmt.Errorf("building source client: %w", err)
	}
	tgt, err := w.clients(rv.Sync.Target, rv.TargetToken)
	if err != nil {
		return false, fmt.Errorf("building target client: %w", err)
	}

	worked := false
	for _, rec := range batch {
		if run.ShouldStop() {
			break
		}
		run.SetActivity(sc.Name, rec.Name)
		if err := w.checkRepo(ctx, rv.Sync, src, tgt, rec); err != nil {
			w.log.Error(err, "repo check failed", "sync", sc.Name, "repo", rec.Name)
		}
		worked = true
	}
	return worked, nil
}

// selectBatch picks the repos to check this tick: all unknowns first,
// otherwise the stalest rechecks. Both capped at batchSize.
func selectBatch(repos []state.RepoRecord, cfg state.StatusConfig, now time.Time) []state.RepoRecord {
	var unknown []state.RepoRecord
	for _, r := range repos {
		if r.Status == state.StatusUnknown {
			unknown = append(unknown, r)
		}
	}
	if len(unknown) > 0 {
		if len(unknown) > cfg.BatchSize {
			unknown = unknown[:cfg.BatchSize]
		}
		return unknown
	}

	cutoff := now.Add(-time.Duration(cfg.RecheckAgeMinutes) * time.Minute)
	var stale []state.RepoRecord
	for _, r := range repos {
		switch r.Status {
		case state.StatusUnknown, state.StatusQueued, state.StatusSyncing:
			continue
		}
		if r.LastChecked == nil || r.LastChecked.Before(cutoff) {
			stale = append(stale, r)
		}
	}
	// Never-checked records first, then oldest check first.
	sort.SliceStable(stale, func(i, j int) bool {
		a, b := stale[i].LastChecked, stale[j].LastChecked
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	if len(stale) > cfg.BatchSize {
		stale = stale[:cfg.BatchSize]
	}
	return stale
}

// checkRepo classifies one repo. Transient provider errors leave the
// record untouched for the next tick; a vanished source repo is
// terminal.
func (w *StatusWorker) checkRepo(ctx context.Context, sc state.SyncConfig, src, tgt Provider, rec state.RepoRecord) error {
	tgtTimes, err := tgt.RepoTimes(ctx, sc.Target.Org, rec.Name)
	if err != nil {
		return fmt.Errorf("probing target: %w", err)
	}
	srcTimes, err := src.RepoTimes(ctx, sc.Source.Org, rec.Name)
	if err != nil {
		return fmt.Errorf("probing source: %w", err)
	}
	if !srcTimes.Exists {
		return w.store.SetClassification(ctx, rec.ID, state.StatusFailed, "source repository not found")
	}

	// Metadata refresh is best-effort; classification proceeds without
	// it.
	md, err := src.RepoMetadata(ctx, sc.Source.Org, rec.Name)
	if err != nil {
		w.log.V(1).Info("metadata fetch failed", "repo", rec.Name, "error", err.Error())
		md = rec.Metadata
	}

	needs := !tgtTimes.Exists || tgtTimes.PushedAt == nil ||
		srcTimes.PushedAt == nil || srcTimes.PushedAt.After(*tgtTimes.PushedAt)

	if err := w.store.RecordCheckResult(ctx, rec.ID, w.now().UTC(), srcTimes.PushedAt, md); err != nil {
		return err
	}

	next := state.StatusSynced
	if needs {
		next = state.StatusUnsynced
	}
	// The store drops the verdict if a migration enqueue landed while
	// the probes were on the wire.
	return w.store.SetClassification(ctx, rec.ID, next, "")
}
