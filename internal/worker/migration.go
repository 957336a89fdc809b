package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/orgmirror/orgmirror/internal/gei"
	"github.com/orgmirror/orgmirror/internal/state"
)

// ErrCapReached means the global in-flight count is at the configured
// maximum and no further enqueue is admitted this tick.
var ErrCapReached = errors.New("concurrent migration cap reached")

// MigrationWorker converts unsynced repos into provider-side migration
// jobs through the bulk-import CLI, under the global concurrency cap.
type MigrationWorker struct {
	store   *state.Store
	clients ClientFactory
	runner  Enqueuer
	log     logr.Logger
	metrics *Metrics
}

// NewMigrationWorker creates the migration worker.
func NewMigrationWorker(store *state.Store, clients ClientFactory, runner Enqueuer, metrics *Metrics, log logr.Logger) *MigrationWorker {
	return &MigrationWorker{
		store:   store,
		clients: clients,
		runner:  runner,
		log:     log.WithName("migration"),
		metrics: metrics,
	}
}

// Tick enqueues unsynced repos across all enabled syncs until the cap
// fills or the backlog empties. Repos are visited in stable
// (sync, name) order.
func (w *MigrationWorker) Tick(ctx context.Context, run *Run) (bool, error) {
	var firstErr error
	for _, sc := range w.store.EnabledSyncs() {
		if run.ShouldStop() {
			return false, firstErr
		}
		for _, rec := range w.store.ActiveReposBySync(sc.ID) {
			if rec.Status != state.StatusUnsynced {
				continue
			}
			if run.ShouldStop() {
				return false, firstErr
			}
			run.SetActivity(sc.Name, rec.Name)
			err := w.EnqueueRepo(ctx, rec.ID)
			if errors.Is(err, ErrCapReached) {
				return false, firstErr
			}
			if err != nil {
				w.log.Error(err, "enqueue failed", "sync", sc.Name, "repo", rec.Name)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return false, firstErr
}

// EnqueueRepo runs the single-repo enqueue path, also used by the retry
// endpoint. The global cap is reread from the store immediately before
// admission, never from a cached count.
func (w *MigrationWorker) EnqueueRepo(ctx context.Context, repoID string) error {
	rec, err := w.store.GetRepo(repoID)
	if err != nil {
		return err
	}
	maxQueued := w.store.WorkerConfig().Migration.MaxConcurrentQueued
	if len(w.store.IncompleteRepos()) >= maxQueued {
		return ErrCapReached
	}

	rv, err := w.store.RuntimeView(ctx, rec.SyncID)
	if err != nil {
		return err
	}
	if rv.SourceToken == "" || rv.TargetToken == "" {
		return fmt.Errorf("sync %s is missing credentials", rv.Sync.Name)
	}

	req := gei.Request{
		SourceOrg:   rv.Sync.Source.Org,
		SourceRepo:  rec.Name,
		TargetOrg:   rv.Sync.Target.Org,
		TargetRepo:  rec.Name,
		Visibility:  rec.Visibility,
		SourceToken: rv.SourceToken,
		TargetToken: rv.TargetToken,
	}
	if !rv.Sync.Source.IsPublicHost() {
		req.SourceAPIURL = rv.Sync.Source.RESTBase
	}
	if !rv.Sync.Target.IsPublicHost() {
		req.TargetAPIURL = rv.Sync.Target.RESTBase
	}

	migrationID, err := w.runner.Enqueue(ctx, req)
	if errors.Is(err, gei.ErrTargetExists) {
		migrationID, err = w.retryAfterCollision(ctx, rv, rec, req, err)
	}
	if err != nil {
		w.metrics.ObserveEnqueue("failed")
		if serr := w.store.SetStatus(ctx, rec.ID, state.StatusFailed, err.Error()); serr != nil {
			w.log.Error(serr, "recording enqueue failure", "repo", rec.Name)
		}
		return err
	}

	w.metrics.ObserveEnqueue("queued")
	return w.store.MarkQueued(ctx, rec.ID, migrationID)
}

// retryAfterCollision handles the "target already contains a repository"
// rejection: delete the target repo, then enqueue exactly once more. A
// failed delete surfaces the original collision error.
func (w *MigrationWorker) retryAfterCollision(ctx context.Context, rv state.RuntimeView, rec state.RepoRecord, req gei.Request, collision error) (string, error) {
	w.log.Info("target repo exists, deleting and retrying", "sync", rv.Sync.Name, "repo", rec.Name)
	w.metrics.ObserveEnqueue("collision_retry")

	tgt, err := w.clients(rv.Sync.Target, rv.TargetToken)
	if err != nil {
		return "", fmt.Errorf("building target client: %w", err)
	}
	if err := tgt.DeleteRepo(ctx, rv.Sync.Target.Org, rec.Name); err != nil {
		return "", fmt.Errorf("%w (delete of existing target failed: %v)", collision, err)
	}
	return w.runner.Enqueue(ctx, req)
}
