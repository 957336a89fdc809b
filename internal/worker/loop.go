// Package worker runs the four cooperating loops (discovery, status,
// migration, progress) that drive repositories from discovered to
// synced. Loops coordinate only through the state store.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

const (
	// errorBackoff delays the next tick after a tick-level failure.
	errorBackoff = 10 * time.Second
	// rerunDelay reschedules almost immediately when a tick reports
	// unfinished work.
	rerunDelay = 100 * time.Millisecond
)

// tickFunc is one worker iteration. rerunSoon asks for an immediate
// reschedule; a non-nil error backs the loop off before the next tick.
type tickFunc func(ctx context.Context, run *Run) (rerunSoon bool, err error)

// LoopStatus is the per-worker view served by the API.
type LoopStatus struct {
	Name        string     `json:"name"`
	Running     bool       `json:"running"`
	Busy        bool       `json:"busy"`
	CurrentSync string     `json:"currentSync,omitempty"`
	CurrentRepo string     `json:"currentRepo,omitempty"`
	LastRun     *time.Time `json:"lastRun,omitempty"`
	NextRunAt   *time.Time `json:"nextRunAt,omitempty"`
}

// Loop is a cooperative worker with exactly one outstanding timer.
// Every start/stop bumps a generation counter; a scheduled continuation
// carrying a stale generation discards itself, so rapid stop/start
// cycles cannot leave ghost timers running.
type Loop struct {
	name     string
	log      logr.Logger
	ctx      context.Context
	interval func() time.Duration
	tick     tickFunc

	mu          sync.Mutex
	running     bool
	busy        bool
	gen         uint64
	timer       *time.Timer
	lastRun     *time.Time
	nextRunAt   *time.Time
	currentSync string
	currentRepo string
}

func newLoop(ctx context.Context, name string, interval func() time.Duration, tick tickFunc, log logr.Logger) *Loop {
	return &Loop{
		name:     name,
		log:      log.WithName(name),
		ctx:      ctx,
		interval: interval,
		tick:     tick,
	}
}

// Name returns the loop's API name.
func (l *Loop) Name() string { return l.name }

// Start begins periodic ticking. The first tick runs immediately.
// Starting a running loop is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.gen++
	l.log.Info("worker started")
	l.scheduleLocked(0)
}

// Stop cancels the pending tick and asks an in-progress tick to yield at
// its next check. Provider-side jobs already submitted are unaffected.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.nextRunAt = nil
	l.log.Info("worker stopped")
}

// RunNow executes one iteration immediately without touching the
// scheduled timer. Works on a stopped loop too; a concurrent tick makes
// it a no-op.
func (l *Loop) RunNow() {
	l.mu.Lock()
	gen := l.gen
	l.mu.Unlock()
	go l.run(gen, false, true)
}

// Status reports the loop's current state.
func (l *Loop) Status() LoopStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LoopStatus{
		Name:        l.name,
		Running:     l.running,
		Busy:        l.busy,
		CurrentSync: l.currentSync,
		CurrentRepo: l.currentRepo,
		LastRun:     l.lastRun,
		NextRunAt:   l.nextRunAt,
	}
}

// scheduleLocked arms the single outstanding timer. Callers hold l.mu.
func (l *Loop) scheduleLocked(d time.Duration) {
	if l.timer != nil {
		l.timer.Stop()
	}
	gen := l.gen
	next := time.Now().UTC().Add(d)
	l.nextRunAt = &next
	l.timer = time.AfterFunc(d, func() { l.run(gen, true, false) })
}

// run executes one tick. Scheduled runs reschedule themselves; manual
// runs do not. The generation gate makes a continuation from a prior
// start/stop cycle a no-op.
func (l *Loop) run(gen uint64, reschedule, manual bool) {
	l.mu.Lock()
	if reschedule && (!l.running || gen != l.gen) {
		l.mu.Unlock()
		return
	}
	if l.busy {
		if reschedule {
			l.scheduleLocked(rerunDelay)
		}
		l.mu.Unlock()
		return
	}
	l.busy = true
	started := time.Now().UTC()
	l.lastRun = &started
	l.nextRunAt = nil
	l.mu.Unlock()

	rerun, err := l.safeTick(&Run{loop: l, gen: gen, manual: manual})

	l.mu.Lock()
	l.busy = false
	l.currentSync = ""
	l.currentRepo = ""
	if reschedule && l.running && gen == l.gen {
		switch {
		case err != nil:
			l.scheduleLocked(errorBackoff)
		case rerun:
			l.scheduleLocked(rerunDelay)
		default:
			l.scheduleLocked(l.interval())
		}
	}
	l.mu.Unlock()
}

// safeTick keeps panics and errors inside the tick boundary.
func (l *Loop) safeTick(run *Run) (rerun bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
			l.log.Error(err, "worker tick panicked")
		}
	}()
	rerun, err = l.tick(l.ctx, run)
	if err != nil {
		l.log.Error(err, "worker tick failed")
	}
	return rerun, err
}

// Run is the handle a tick uses to cooperate with its loop.
type Run struct {
	loop   *Loop
	gen    uint64
	manual bool
}

// ShouldStop reports whether the tick should yield: the loop was stopped
// or restarted since this iteration began. Checked between repos.
func (r *Run) ShouldStop() bool {
	r.loop.mu.Lock()
	defer r.loop.mu.Unlock()
	if r.gen != r.loop.gen {
		return true
	}
	return !r.manual && !r.loop.running
}

// SetActivity publishes what the tick is working on for the status API.
func (r *Run) SetActivity(syncName, repoName string) {
	r.loop.mu.Lock()
	r.loop.currentSync = syncName
	r.loop.currentRepo = repoName
	r.loop.mu.Unlock()
}
