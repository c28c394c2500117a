// Package browser manages the headless Chrome lifecycle behind vigil's
// scrape cycles: lazy launch, single-tenant session handover, health
// checking with transparent relaunch, and time-based recycling.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// RecycleInterval is the maximum lifetime of a Chrome process before
	// it is torn down and relaunched. Default: 4h.
	RecycleInterval time.Duration

	// ResourceBlocking lists resource types to block on new pages
	// (images, fonts, media, stylesheets). Watched pages are read, never
	// shown, so pixels are wasted bandwidth.
	ResourceBlocking []string

	// UserAgent overrides the browser's User-Agent on new pages.
	UserAgent string

	// Locale sets Accept-Language and JS locale on new pages (e.g. "ja-JP").
	Locale string

	// NoSandbox passes --no-sandbox to Chrome. Required in most containers.
	NoSandbox bool

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Chrome process and hands out at most one Session at a
// time. Single-tenant by design: one cycle runs at a time, and one browser
// context bounds memory on small hosts.
type Manager struct {
	cfg Config

	sem chan struct{} // capacity 1: session handover

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	closed  bool
}

// NewManager creates a browser Manager. Chrome is launched lazily on the
// first Acquire.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	m := &Manager{cfg: cfg, sem: make(chan struct{}, 1)}
	m.sem <- struct{}{}
	return m
}

// Session is exclusive access to the managed browser between Acquire and
// Release.
type Session struct {
	browser *rod.Browser
	mgr     *Manager
}

// Browser returns the Rod browser handle backing the session.
func (s *Session) Browser() *rod.Browser { return s.browser }

// Acquire returns the singleton browser session, launching or relaunching
// Chrome first if needed. It blocks until the previous session is released
// or ctx is done. A failed (re)launch returns a LaunchError, which callers
// must treat as fatal: retrying cannot succeed without environment repair.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	select {
	case <-m.sem:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		m.sem <- struct{}{}
		return nil, fmt.Errorf("browser: manager is closed")
	}

	if err := m.ensureHealthyLocked(ctx); err != nil {
		m.sem <- struct{}{}
		return nil, err
	}

	return &Session{browser: m.browser, mgr: m}, nil
}

// Release returns the session to the manager. Safe to call once per
// Acquire; the scheduler does this on every tick exit path.
func (m *Manager) Release(s *Session) {
	if s == nil || s.mgr != m {
		return
	}
	s.mgr = nil
	m.sem <- struct{}{}
}

// Close shuts down Chrome. Subsequent Acquire calls fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanupLocked()
	return nil
}

// ensureHealthyLocked launches Chrome if absent, relaunches it when the
// health probe fails or the recycle interval has passed.
func (m *Manager) ensureHealthyLocked(ctx context.Context) error {
	log := m.cfg.Logger

	if m.browser != nil {
		if time.Since(m.startAt) > m.cfg.RecycleInterval {
			log.Info("browser: recycle interval reached", "uptime", time.Since(m.startAt))
			m.cleanupLocked()
		} else if err := healthCheck(m.browser); err != nil {
			log.Warn("browser: health check failed, relaunching", "error", err)
			m.cleanupLocked()
		}
	}

	if m.browser != nil {
		return nil
	}

	b, lnch, err := m.launch(ctx)
	if err != nil {
		return &LaunchError{Cause: err}
	}
	m.browser = b
	m.lnch = lnch
	m.startAt = time.Now()
	return nil
}

func (m *Manager) launch(ctx context.Context) (*rod.Browser, *launcher.Launcher, error) {
	log := m.cfg.Logger

	var wsURL string
	var lnch *launcher.Launcher

	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(true)
		l = l.Set("disable-blink-features", "AutomationControlled")
		if m.cfg.NoSandbox {
			l = l.NoSandbox(true)
		}

		u, err := l.Context(ctx).Launch()
		if err != nil {
			return nil, nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		lnch = l
		log.Info("browser: launched local chrome", "url", wsURL)
	}

	b := rod.New().Context(ctx).ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if lnch != nil {
			lnch.Cleanup()
		}
		return nil, nil, fmt.Errorf("browser: connect: %w", err)
	}

	return b, lnch, nil
}

// healthCheck probes the browser over CDP. Any error means the process is
// gone or unresponsive.
func healthCheck(b *rod.Browser) error {
	if _, err := b.Version(); err != nil {
		return fmt.Errorf("browser: version probe: %w", err)
	}
	return nil
}

func (m *Manager) cleanupLocked() {
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.cfg.Logger.Debug("browser: close", "error", err)
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}
