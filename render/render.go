// Package render navigates a browser session to a target page and captures
// a snapshot once the page reaches a stable rendered state.
//
// Stability is a condition, not a fixed sleep: either a configured selector
// becomes present, or the load event fires followed by a short settle
// delay for client-side rendering. Both paths are bounded by the fetch
// timeout, so a hung page costs one failed tick, never a stuck scheduler.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/vigil/browser"
	"github.com/hazyhaar/vigil/idgen"
)

// Snapshot is the rendered state of a page at one point in time. Owned by
// the capturing cycle and discarded after extraction.
type Snapshot struct {
	ID         string
	TargetURL  string
	HTML       []byte
	Text       string // document.body.innerText after rendering
	CapturedAt time.Time
}

// Options bound and shape a single fetch.
type Options struct {
	// Timeout covers navigation, the wait condition, and capture.
	// Default: 45s.
	Timeout time.Duration

	// WaitSelector, when set, is the stable condition: the fetch waits
	// until an element matching it exists. Empty falls back to the load
	// event plus Settle.
	WaitSelector string

	// Settle is the delay after load for client-side rendering when no
	// WaitSelector is configured. Default: 800ms.
	Settle time.Duration

	// DismissSelectors are clicked if present shortly after load
	// (cookie banners, consent overlays). Failures are ignored; the
	// first successful click stops the list.
	DismissSelectors []string

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 45 * time.Second
	}
	if o.Settle <= 0 {
		o.Settle = 800 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Fetch navigates a tab on the session to pageURL, waits for the stable
// condition, and captures a Snapshot. The tab is closed on every exit
// path. Returns a NavigationError for network failures and a TimeoutError
// when the stable condition is not reached in time.
func Fetch(ctx context.Context, sess *browser.Session, pageURL string, opts Options) (*Snapshot, error) {
	opts.defaults()
	log := opts.Logger

	fetchCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	page, err := sess.NewPage(fetchCtx)
	if err != nil {
		return nil, &NavigationError{URL: pageURL, Cause: err}
	}
	defer page.Close()

	if err := page.Navigate(pageURL); err != nil {
		return nil, classify(fetchCtx, pageURL, "navigate", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, classify(fetchCtx, pageURL, "load", err)
	}

	dismissOverlays(page, opts.DismissSelectors, log)

	if opts.WaitSelector != "" {
		if _, err := page.Element(opts.WaitSelector); err != nil {
			return nil, classify(fetchCtx, pageURL, "wait selector "+opts.WaitSelector, err)
		}
	} else {
		select {
		case <-time.After(opts.Settle):
		case <-fetchCtx.Done():
			return nil, &TimeoutError{URL: pageURL, Stage: "settle"}
		}
	}

	htmlStr, err := page.HTML()
	if err != nil {
		return nil, classify(fetchCtx, pageURL, "capture html", err)
	}
	text, err := page.Eval(`() => document.body.innerText`)
	if err != nil {
		return nil, classify(fetchCtx, pageURL, "capture text", err)
	}

	snap := &Snapshot{
		ID:         idgen.New(),
		TargetURL:  pageURL,
		HTML:       []byte(htmlStr),
		Text:       text.Value.Str(),
		CapturedAt: time.Now(),
	}
	log.Debug("render: captured", "url", pageURL, "html_bytes", len(snap.HTML))
	return snap, nil
}

// dismissOverlays clicks the first matching dismiss selector, if any.
// Each probe gets a short budget so a missing banner costs little.
func dismissOverlays(page *rod.Page, selectors []string, log *slog.Logger) {
	for _, sel := range selectors {
		el, err := page.Timeout(time.Second).Element(sel)
		if err != nil {
			continue
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			log.Debug("render: dismiss click failed", "selector", sel, "error", err)
			continue
		}
		log.Debug("render: dismissed overlay", "selector", sel)
		return
	}
}

// classify turns a rod/CDP error into the package's error taxonomy: the
// deadline expiring means the stable condition was not reached (timeout);
// anything else during navigation is a navigation failure.
func classify(ctx context.Context, pageURL, stage string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{URL: pageURL, Stage: stage}
	}
	return &NavigationError{URL: pageURL, Cause: fmt.Errorf("%s: %w", stage, err)}
}
