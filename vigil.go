// Package vigil wires the watcher together: a browser manager, a render
// unit, extraction rules, a persisted seen-set, and a dispatcher, driven
// by one scheduler per watched target.
//
// The cycle invariant lives here: records reach the seen-set only after
// delivery succeeds, so a failed notification is retried as a fresh
// discovery on a later tick instead of being silently dropped.
package vigil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/vigil/admin"
	"github.com/hazyhaar/vigil/browser"
	"github.com/hazyhaar/vigil/dbopen"
	"github.com/hazyhaar/vigil/dispatch"
	"github.com/hazyhaar/vigil/extract"
	"github.com/hazyhaar/vigil/observability"
	"github.com/hazyhaar/vigil/render"
	"github.com/hazyhaar/vigil/schedule"
	"github.com/hazyhaar/vigil/seenset"
)

const workerName = "vigil"

// Watcher is the assembled daemon.
type Watcher struct {
	cfg      *Config
	logger   *slog.Logger
	db       *sql.DB
	browsers *browser.Manager
	store    *seenset.Store
	disp     *dispatch.Dispatcher
	recorder *observability.Recorder
	started  time.Time

	targets map[string]*target
	order   []string

	// fetch renders one target page. Overridable in tests; the default
	// acquires the shared browser session.
	fetch func(ctx context.Context, t *target) (*render.Snapshot, error)

	mu     sync.Mutex
	runCtx context.Context
}

type target struct {
	cfg    TargetConfig
	rules  []extract.Rule
	runner *schedule.Runner

	mu       sync.Mutex
	lastSnap *render.Snapshot
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// channelFactories maps config platform names to channel constructors.
var channelFactories = map[string]dispatch.ChannelFactory{
	"telegram": dispatch.TelegramFactory(),
	"webhook":  dispatch.WebhookFactory(),
}

// New assembles a Watcher from config. The state database is opened and
// its schema applied; channels are constructed and validated.
func New(cfg *Config, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		cfg:     cfg,
		logger:  slog.Default(),
		targets: make(map[string]*target, len(cfg.Targets)),
		started: time.Now(),
	}
	for _, o := range opts {
		o(w)
	}
	w.fetch = w.browserFetch

	db, err := dbopen.Open(cfg.StatePath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(seenset.Schema),
		dbopen.WithSchema(observability.Schema),
	)
	if err != nil {
		return nil, fmt.Errorf("vigil: open state db: %w", err)
	}
	w.db = db
	w.store = seenset.NewStore(db)
	w.recorder = observability.NewRecorder(db)

	w.browsers = browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.RemoteURL,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		UserAgent:        cfg.Browser.UserAgent,
		Locale:           cfg.Browser.Locale,
		NoSandbox:        cfg.Browser.NoSandbox,
		Logger:           w.logger,
	})

	channels := make(map[string]dispatch.Channel, len(cfg.Channels))
	for name, chCfg := range cfg.Channels {
		factory, ok := channelFactories[chCfg.Platform]
		if !ok {
			db.Close()
			return nil, fmt.Errorf("vigil: channel %q: unknown platform %q", name, chCfg.Platform)
		}
		raw, err := chCfg.RawConfig()
		if err != nil {
			db.Close()
			return nil, err
		}
		ch, err := factory(name, raw)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("vigil: channel %q: %w", name, err)
		}
		channels[name] = ch
	}
	w.disp = dispatch.NewDispatcher(channels, dispatch.Config{
		MaxRetries:     cfg.Dispatch.MaxRetries,
		Backoff:        cfg.Dispatch.Backoff,
		MaxMessageSize: cfg.Dispatch.MaxMessageSize,
		Logger:         w.logger,
	})

	for _, tc := range cfg.Targets {
		rules, err := extract.CompileRules(tc.Rules)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("vigil: target %q: %w", tc.Name, err)
		}
		t := &target{cfg: tc, rules: rules}
		t.runner = schedule.New(w.jobFor(t), schedule.Config{
			Name:         tc.Name,
			Interval:     tc.PollInterval,
			InitialDelay: tc.InitialDelay,
			IsFatal:      isFatal,
			Hooks:        w.hooksFor(tc.Name),
			Logger:       w.logger,
		})
		w.targets[tc.Name] = t
		w.order = append(w.order, tc.Name)
	}
	return w, nil
}

// isFatal marks errors that stop the watcher: a browser that cannot
// launch will not heal by retrying the tick.
func isFatal(err error) bool {
	var le *browser.LaunchError
	return errors.As(err, &le)
}

func (w *Watcher) hooksFor(name string) schedule.Hooks {
	return schedule.Hooks{
		OnSuccess: func(n int, elapsed time.Duration) {
			w.recorder.RecordTick(context.Background(), observability.TickEvent{
				Target: name, Status: observability.StatusOK,
				NewRecords: n, Elapsed: elapsed,
			})
		},
		OnFailure: func(err error, elapsed time.Duration) {
			w.recorder.RecordTick(context.Background(), observability.TickEvent{
				Target: name, Status: observability.StatusFailed, Elapsed: elapsed,
				ErrorKind: schedule.ErrorKind(err), ErrorMessage: err.Error(),
			})
		},
		OnSkip: func() {
			w.recorder.RecordTick(context.Background(), observability.TickEvent{
				Target: name, Status: observability.StatusSkipped,
			})
		},
	}
}

func (w *Watcher) jobFor(t *target) schedule.Job {
	return func(ctx context.Context) (int, error) {
		return w.cycle(ctx, t)
	}
}

// browserFetch renders the target page through the shared session.
func (w *Watcher) browserFetch(ctx context.Context, t *target) (*render.Snapshot, error) {
	sess, err := w.browsers.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer w.browsers.Release(sess)

	return render.Fetch(ctx, sess, t.cfg.URL, render.Options{
		Timeout:          t.cfg.RenderTimeout,
		WaitSelector:     t.cfg.WaitSelector,
		Settle:           t.cfg.Settle,
		DismissSelectors: t.cfg.DismissSelectors,
		Logger:           w.logger,
	})
}

// cycle is one scrape: render, extract, filter against the seen-set,
// notify, and only then commit.
func (w *Watcher) cycle(ctx context.Context, t *target) (int, error) {
	snap, err := w.fetch(ctx, t)
	if err != nil {
		return 0, err
	}
	t.setSnapshot(snap)

	records, err := extract.Extract(snap.HTML, snap.Text, t.rules)
	if err != nil {
		return 0, err
	}

	fresh, err := w.store.FilterNew(ctx, t.cfg.Name, records)
	if err != nil {
		return 0, err
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	if err := w.disp.Send(ctx, t.cfg.Subject, fresh); err != nil {
		// Not committed: the records stay new and are redelivered on a
		// later tick.
		return 0, err
	}
	if err := w.store.Commit(ctx, t.cfg.Name, fresh); err != nil {
		return 0, err
	}

	if t.cfg.EvictKeep > 0 {
		if _, err := w.store.Evict(ctx, t.cfg.Name, t.cfg.EvictKeep); err != nil {
			w.logger.Warn("vigil: evict failed", "target", t.cfg.Name, "error", err)
		}
	}
	return len(fresh), nil
}

func (t *target) setSnapshot(s *render.Snapshot) {
	t.mu.Lock()
	t.lastSnap = s
	t.mu.Unlock()
}

func (t *target) snapshot() *render.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSnap
}

// Run starts all target schedulers, the heartbeat writer, the retention
// sweeper, and the admin server, and blocks until ctx is cancelled or a
// scheduler reports a fatal error.
func (w *Watcher) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.runCtx = runCtx
	w.mu.Unlock()

	hb := observability.NewHeartbeatWriter(w.db, workerName, 15*time.Second)
	hb.Start(runCtx)
	defer hb.Stop()

	go w.retentionLoop(runCtx)

	var adminSrv *http.Server
	if w.cfg.Admin.Addr != "" {
		api := admin.New(w, admin.WithLogger(w.logger))
		adminSrv = &http.Server{
			Addr:              w.cfg.Admin.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			w.logger.Info("vigil: admin listening", "addr", adminSrv.Addr)
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				w.logger.Error("vigil: admin server failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, len(w.targets))
	var wg sync.WaitGroup
	for _, name := range w.order {
		t := w.targets[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.runner.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("vigil: target %s: %w", t.cfg.Name, err)
				cancel()
			}
		}()
	}
	wg.Wait()

	if adminSrv != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		adminSrv.Shutdown(shutCtx)
		shutCancel()
	}

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// retentionLoop sweeps observability tables daily.
func (w *Watcher) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := observability.Cleanup(ctx, w.db, observability.RetentionConfig{
				TickEventsDays: w.cfg.Retention.TickEventsDays,
				HeartbeatsDays: w.cfg.Retention.HeartbeatsDays,
			})
			if err != nil {
				w.logger.Warn("vigil: retention cleanup failed", "error", err)
			}
		}
	}
}

// Close releases the watcher's resources. Call after Run returns.
func (w *Watcher) Close() error {
	var first error
	if err := w.disp.Close(); err != nil {
		first = err
	}
	if err := w.browsers.Close(); err != nil && first == nil {
		first = err
	}
	if err := w.db.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Healthz implements admin.Service.
func (w *Watcher) Healthz(r *http.Request) admin.Health {
	h := admin.Health{OK: true, Uptime: time.Since(w.started).Round(time.Second).String()}
	if err := w.db.PingContext(r.Context()); err != nil {
		h.OK = false
		return h
	}
	hb, err := observability.LatestHeartbeat(r.Context(), w.db, workerName, time.Minute)
	if err == nil {
		h.Heartbeat = hb
		if hb != nil && !hb.Alive {
			h.OK = false
		}
	}
	return h
}

// Status implements admin.Service.
func (w *Watcher) Status(r *http.Request) ([]admin.TargetStatus, error) {
	ctx := r.Context()
	out := make([]admin.TargetStatus, 0, len(w.order))
	for _, name := range w.order {
		t := w.targets[name]
		ts := admin.TargetStatus{
			Name:     name,
			URL:      t.cfg.URL,
			State:    t.runner.State().String(),
			Interval: t.cfg.PollInterval.String(),
		}
		count, err := w.store.Count(ctx, name)
		if err != nil {
			return nil, err
		}
		ts.SeenCount = count

		last, err := observability.LastSuccess(ctx, w.db, name)
		if err != nil {
			return nil, err
		}
		if !last.IsZero() {
			ts.LastSuccess = &last
		}
		recent, err := observability.RecentTicks(ctx, w.db, name, 5)
		if err != nil {
			return nil, err
		}
		ts.Recent = recent
		out = append(out, ts)
	}
	return out, nil
}

// RunNow implements admin.Service. An empty target resolves when exactly
// one target is configured.
func (w *Watcher) RunNow(name string) (bool, error) {
	if name == "" && len(w.order) == 1 {
		name = w.order[0]
	}
	t, ok := w.targets[name]
	if !ok {
		return false, admin.ErrUnknownTarget
	}
	w.mu.Lock()
	ctx := w.runCtx
	w.mu.Unlock()
	if ctx == nil {
		return false, fmt.Errorf("vigil: watcher not running")
	}
	return t.runner.TryRunNow(ctx), nil
}

// debugTextLimit bounds the /debug response body.
const debugTextLimit = 3500

// DebugSnapshot implements admin.Service.
func (w *Watcher) DebugSnapshot(name string) (*admin.SnapshotInfo, error) {
	if name == "" && len(w.order) == 1 {
		name = w.order[0]
	}
	t, ok := w.targets[name]
	if !ok {
		return nil, admin.ErrUnknownTarget
	}
	snap := t.snapshot()
	if snap == nil {
		return nil, nil
	}
	text := snap.Text
	if len(text) > debugTextLimit {
		cut := text[:debugTextLimit]
		for len(cut) > 0 && !utf8.ValidString(cut) {
			cut = cut[:len(cut)-1]
		}
		text = cut
	}
	return &admin.SnapshotInfo{
		Target:     name,
		URL:        snap.TargetURL,
		CapturedAt: snap.CapturedAt,
		Text:       text,
	}, nil
}
