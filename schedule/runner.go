// Package schedule drives scrape cycles on a fixed cadence.
//
// Each runner owns one job on one interval. A tick that fires while the
// previous one is still running is skipped, never queued: a slow fetch
// costs a missed tick, not a growing backlog. Tick failures are isolated;
// the next tick is attempted regardless, unless the job reports a fatal
// error (a browser that cannot launch will not heal by retrying).
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the runner's lifecycle state.
type State int32

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Job is one scrape cycle. It returns the number of new records notified.
type Job func(ctx context.Context) (newRecords int, err error)

// Hooks observe tick transitions. All fields optional. Hooks run on the
// tick goroutine; keep them fast.
type Hooks struct {
	OnStart   func()
	OnSuccess func(newRecords int, elapsed time.Duration)
	OnFailure func(err error, elapsed time.Duration)
	OnSkip    func()
}

// Config configures a Runner.
type Config struct {
	// Name labels the runner in logs (usually the target name).
	Name string
	// Interval is the tick cadence. Default: 2 minutes.
	Interval time.Duration
	// InitialDelay before the first tick. Default: 5s, so the process is
	// fully wired before the first browser use.
	InitialDelay time.Duration
	// IsFatal, when set, classifies job errors that should stop the
	// runner instead of waiting for the next tick.
	IsFatal func(error) bool

	Hooks  Hooks
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Minute
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Runner executes a Job on a fixed interval with an overlap guard.
type Runner struct {
	job    Job
	config Config

	running atomic.Bool
	state   atomic.Int32
	wg      sync.WaitGroup

	// fatal carries the first fatal job error to Run's return value.
	fatalMu sync.Mutex
	fatal   error
	cancel  context.CancelFunc // set by Run, guarded by fatalMu
}

// New creates a Runner for the job.
func New(job Job, cfg Config) *Runner {
	cfg.defaults()
	return &Runner{job: job, config: cfg}
}

// State returns the runner's current state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Run blocks until ctx is cancelled or the job reports a fatal error.
// The in-flight tick, if any, is waited for before returning, so a
// released ctx means no cycle is still touching the browser or the
// seen-set.
func (r *Runner) Run(ctx context.Context) error {
	log := r.config.Logger.With("runner", r.config.Name)

	runCtx, cancel := context.WithCancel(ctx)
	r.fatalMu.Lock()
	r.cancel = cancel
	r.fatalMu.Unlock()
	defer cancel()

	select {
	case <-time.After(r.config.InitialDelay):
	case <-runCtx.Done():
		r.state.Store(int32(Stopped))
		return r.fatalErr()
	}

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.tick(runCtx, log)

	for {
		select {
		case <-runCtx.Done():
			r.wg.Wait()
			r.state.Store(int32(Stopped))
			log.Info("schedule: stopped")
			return r.fatalErr()
		case <-ticker.C:
			r.tick(runCtx, log)
		}
	}
}

// TryRunNow triggers an immediate tick if none is running. Returns false
// when a tick is already in flight. Used by the admin force-run endpoint.
func (r *Runner) TryRunNow(ctx context.Context) bool {
	log := r.config.Logger.With("runner", r.config.Name, "forced", true)
	return r.tick(ctx, log)
}

// tick starts one cycle unless one is already running. Returns whether
// the cycle was started.
func (r *Runner) tick(ctx context.Context, log *slog.Logger) bool {
	if ctx.Err() != nil {
		return false
	}
	if !r.running.CompareAndSwap(false, true) {
		log.Warn("schedule: tick skipped, previous cycle still running")
		if h := r.config.Hooks.OnSkip; h != nil {
			h()
		}
		return false
	}

	r.state.Store(int32(Running))
	r.wg.Add(1)
	go func() {
		defer func() {
			r.running.Store(false)
			if r.State() == Running {
				r.state.Store(int32(Idle))
			}
			r.wg.Done()
		}()

		log.Info("schedule: tick start")
		if h := r.config.Hooks.OnStart; h != nil {
			h()
		}

		start := time.Now()
		n, err := r.job(ctx)
		elapsed := time.Since(start)

		if err != nil {
			log.Error("schedule: tick failed",
				"error", err, "error_kind", ErrorKind(err), "elapsed", elapsed)
			if h := r.config.Hooks.OnFailure; h != nil {
				h(err, elapsed)
			}
			if r.config.IsFatal != nil && r.config.IsFatal(err) {
				r.fatalMu.Lock()
				if r.fatal == nil {
					r.fatal = err
				}
				cancel := r.cancel
				r.fatalMu.Unlock()
				if cancel != nil {
					cancel()
				}
			}
			return
		}

		log.Info("schedule: tick ok", "new_records", n, "elapsed", elapsed)
		if h := r.config.Hooks.OnSuccess; h != nil {
			h(n, elapsed)
		}
	}()
	return true
}

func (r *Runner) fatalErr() error {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatal
}
