package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// NewPage opens a fresh tab on the session with stealth applied, the
// configured user agent, locale, and resource blocking. The caller owns
// the page and must Close it on every exit path.
func (s *Session) NewPage(ctx context.Context) (*rod.Page, error) {
	cfg := s.mgrConfig()

	page, err := stealth.Page(s.browser)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	page = page.Context(ctx)

	if cfg.UserAgent != "" || cfg.Locale != "" {
		override := &proto.NetworkSetUserAgentOverride{UserAgent: cfg.UserAgent}
		if cfg.Locale != "" {
			override.AcceptLanguage = cfg.Locale
		}
		if override.UserAgent == "" {
			override.UserAgent = defaultUserAgent
		}
		if err := page.SetUserAgent(override); err != nil {
			page.Close()
			return nil, fmt.Errorf("browser: set user agent: %w", err)
		}
	}

	if len(cfg.ResourceBlocking) > 0 {
		if err := applyResourceBlocking(page, cfg.ResourceBlocking); err != nil {
			cfg.Logger.Warn("browser: resource blocking failed", "error", err)
		}
	}

	return page, nil
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

func (s *Session) mgrConfig() Config {
	if s.mgr == nil {
		c := Config{}
		c.defaults()
		return c
	}
	return s.mgr.cfg
}
