package worker

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-logr/logr"

	"github.com/orgmirror/orgmirror/internal/github"
	"github.com/orgmirror/orgmirror/internal/state"
)

// Discovery enumerates the source org of every enabled sync and
// reconciles the tracked records: new repos are created in state
// unknown, vanished or filtered-out repos are archived.
type Discovery struct {
	store   *state.Store
	clients ClientFactory
	log     logr.Logger
}

// NewDiscovery creates the discovery worker.
func NewDiscovery(store *state.Store, clients ClientFactory, log logr.Logger) *Discovery {
	return &Discovery{store: store, clients: clients, log: log.WithName("discovery")}
}

// Tick reconciles every enabled sync once. Per-sync failures are logged
// and do not stop the remaining syncs; discovery always reschedules at
// its idle interval.
func (d *Discovery) Tick(ctx context.Context, run *Run) (bool, error) {
	for _, sc := range d.store.EnabledSyncs() {
		if run.ShouldStop() {
			break
		}
		run.SetActivity(sc.Name, "")
		if err := d.DiscoverSync(ctx, run, sc.ID); err != nil {
			d.log.Error(err, "sync discovery failed", "sync", sc.Name)
		}
	}
	return false, nil
}

// DiscoverSync reconciles a single sync. Also invoked directly by the
// manual per-sync trigger endpoint.
func (d *Discovery) DiscoverSync(ctx context.Context, run *Run, syncID string) error {
	rv, err := d.store.RuntimeView(ctx, syncID)
	if err != nil {
		return err
	}
	if rv.SourceToken == "" {
		d.log.V(1).Info("sync has no source token yet, skipping", "sync", rv.Sync.Name)
		return nil
	}

	src, err := d.clients(rv.Sync.Source, rv.SourceToken)
	if err != nil {
		return fmt.Errorf("building source client: %w", err)
	}
	listed, err := src.OrgRepos(ctx, rv.Sync.Source.Org)
	if err != nil {
		return fmt.Errorf("listing source org: %w", err)
	}

	discovered := make(map[string]github.RemoteRepo, len(listed))
	for _, r := range listed {
		if r.IsDisabled {
			continue
		}
		if !matchesFilters(rv.Sync, r.Name) {
			continue
		}
		discovered[r.Name] = r
	}

	existing := d.store.ActiveReposBySync(syncID)
	known := make(map[string]bool, len(existing))
	var created, archived int

	// Archive tracked repos that vanished from (or stopped matching)
	// the source listing. Status is left untouched.
	for _, rec := range existing {
		known[rec.Name] = true
		if rec.Status == state.StatusDeleted {
			continue
		}
		if _, ok := discovered[rec.Name]; ok {
			continue
		}
		if run != nil && run.ShouldStop() {
			return nil
		}
		rec.Archived = true
		if err := d.store.UpdateRepo(ctx, rec); err != nil {
			return fmt.Errorf("archiving vanished repo %s: %w", rec.Name, err)
		}
		archived++
	}

	// Track newly appeared repos. listed is name-ascending from the
	// provider, so creation order is stable.
	for _, r := range listed {
		rr, ok := discovered[r.Name]
		if !ok || known[r.Name] {
			continue
		}
		if run != nil && run.ShouldStop() {
			return nil
		}
		if _, err := d.store.CreateRepo(ctx, syncID, rr.Name, rr.Visibility); err != nil {
			return fmt.Errorf("tracking new repo %s: %w", rr.Name, err)
		}
		created++
	}

	if created > 0 || archived > 0 {
		d.log.Info("sync reconciled", "sync", rv.Sync.Name, "created", created, "archived", archived, "listed", len(discovered))
	}
	return nil
}

// matchesFilters applies the sync's include/exclude globs to a repo
// name. No include patterns means everything is included.
func matchesFilters(sc state.SyncConfig, name string) bool {
	if len(sc.IncludePatterns) > 0 {
		included := false
		for _, p := range sc.IncludePatterns {
			if ok, err := doublestar.Match(p, name); err == nil && ok {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	for _, p := range sc.ExcludePatterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return false
		}
	}
	return true
}
