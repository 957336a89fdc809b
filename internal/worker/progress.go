package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/orgmirror/orgmirror/internal/github"
	"github.com/orgmirror/orgmirror/internal/state"
)

// staleMessage is the error recorded when an in-flight record can no
// longer be matched to a provider-side job.
const staleMessage = "migration status not found"

// logDownloader fetches a signed migration log URL to a local path.
// Swapped out in tests.
type logDownloader func(ctx context.Context, url, destPath string) error

// ProgressWorker polls the provider for every in-flight migration and
// drives the records to terminal. In-flight jobs of disabled syncs are
// still polled; only archived syncs are ignored.
type ProgressWorker struct {
	store    *state.Store
	clients  ClientFactory
	log      logr.Logger
	metrics  *Metrics
	now      func() time.Time
	download logDownloader
}

// NewProgressWorker creates the progress worker.
func NewProgressWorker(store *state.Store, clients ClientFactory, metrics *Metrics, log logr.Logger) *ProgressWorker {
	return &ProgressWorker{
		store:    store,
		clients:  clients,
		log:      log.WithName("progress"),
		metrics:  metrics,
		now:      time.Now,
		download: github.DownloadLog,
	}
}

// Tick polls each sync's in-flight records serially. A returned error
// backs the loop off to 10 s before the next attempt.
func (w *ProgressWorker) Tick(ctx context.Context, run *Run) (bool, error) {
	staleAfter := time.Duration(w.store.WorkerConfig().Progress.StaleTimeoutMinutes) * time.Minute

	var firstErr error
	for _, sc := range w.store.Syncs(false) {
		if run.ShouldStop() {
			break
		}
		var inflight []state.RepoRecord
		for _, rec := range w.store.ActiveReposBySync(sc.ID) {
			if rec.Status.InFlight() {
				inflight = append(inflight, rec)
			}
		}
		if len(inflight) == 0 {
			continue
		}

		run.SetActivity(sc.Name, "")
		if err := w.pollSync(ctx, run, sc, inflight, staleAfter); err != nil {
			w.log.Error(err, "progress pass failed", "sync", sc.Name)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	w.metrics.ObserveStatusCounts(w.store.Repos())
	return false, firstErr
}

func (w *ProgressWorker) pollSync(ctx context.Context, run *Run, sc state.SyncConfig, inflight []state.RepoRecord, staleAfter time.Duration) error {
	rv, err := w.store.RuntimeView(ctx, sc.ID)
	if err != nil {
		return err
	}
	if rv.TargetToken == "" {
		w.log.V(1).Info("sync has no target token, cannot poll", "sync", sc.Name)
		return nil
	}
	// Migration nodes live on the target instance: the job is an import
	// into the target org.
	tgt, err := w.clients(rv.Sync.Target, rv.TargetToken)
	if err != nil {
		return fmt.Errorf("building target client: %w", err)
	}

	for _, rec := range inflight {
		if run.ShouldStop() {
			return nil
		}
		run.SetActivity(sc.Name, rec.Name)
		if err := w.pollRepo(ctx, tgt, rec, staleAfter); err != nil {
			w.log.Error(err, "poll failed", "sync", sc.Name, "repo", rec.Name)
		}
	}
	return nil
}

// inFlightSince picks the reference instant for the stale timeout.
func inFlightSince(rec state.RepoRecord) *time.Time {
	if rec.StartedAt != nil {
		return rec.StartedAt
	}
	return rec.QueuedAt
}

func (w *ProgressWorker) isStale(rec state.RepoRecord, staleAfter time.Duration) bool {
	since := inFlightSince(rec)
	return since != nil && rec.EndedAt == nil && w.now().UTC().Sub(*since) > staleAfter
}

// pollRepo advances one in-flight record. Records whose provider job
// cannot be found fall back to unknown after the stale timeout; they are
// never silently promoted to synced.
func (w *ProgressWorker) pollRepo(ctx context.Context, tgt Provider, rec state.RepoRecord, staleAfter time.Duration) error {
	if rec.MigrationID == "" {
		if w.isStale(rec, staleAfter) {
			return w.store.SetStatus(ctx, rec.ID, state.StatusUnknown, staleMessage)
		}
		return nil
	}

	node, err := tgt.Migration(ctx, rec.MigrationID)
	if errors.Is(err, github.ErrMigrationNotFound) {
		if w.isStale(rec, staleAfter) {
			return w.store.SetStatus(ctx, rec.ID, state.StatusUnknown, staleMessage)
		}
		return nil
	}
	if err != nil {
		// Transient; the next tick retries.
		return err
	}

	if err := w.store.RecordPollResult(ctx, rec.ID, w.now().UTC()); err != nil {
		return err
	}

	mapped, ok := github.MapMigrationState(node.State)
	if !ok {
		w.log.Info("unrecognized provider migration state", "repo", rec.Name, "state", node.State)
		return w.store.SetStatus(ctx, rec.ID, state.StatusUnknown, fmt.Sprintf("unrecognized migration state %q", node.State))
	}
	if mapped == rec.Status {
		return nil
	}

	errMsg := ""
	if mapped == state.StatusFailed {
		errMsg = node.FailureReason
	}
	if err := w.store.SetStatus(ctx, rec.ID, mapped, errMsg); err != nil {
		return err
	}

	if mapped.Terminal() {
		if updated, err := w.store.GetRepo(rec.ID); err == nil && updated.ElapsedSeconds != nil {
			w.metrics.ObserveMigrationDuration(time.Duration(*updated.ElapsedSeconds) * time.Second)
		}
		w.downloadLog(ctx, rec, node)
	}
	return nil
}

// downloadLog is the post-terminal hook: fetch the migration log next to
// the state file. Skipped when the backend has no local filesystem;
// failures are logged and never escalated.
func (w *ProgressWorker) downloadLog(ctx context.Context, rec state.RepoRecord, node github.MigrationNode) {
	dir, ok := w.store.LogDir()
	if !ok || node.LogURL == "" {
		return
	}
	dest := filepath.Join(dir, fmt.Sprintf("%s-%s.log", rec.Name, rec.MigrationID))
	if err := w.download(ctx, node.LogURL, dest); err != nil {
		w.log.Info("migration log download failed", "repo", rec.Name, "error", err.Error())
		return
	}

	updated, err := w.store.GetRepo(rec.ID)
	if err != nil {
		return
	}
	updated.Logs = &state.LogDescriptor{Path: dest, DownloadedAt: w.now().UTC()}
	if err := w.store.UpdateRepo(ctx, updated); err != nil {
		w.log.Error(err, "recording log descriptor", "repo", rec.Name)
	}
}
