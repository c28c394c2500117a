package vigil

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/vigil/extract"
)

// Config is the top-level watcher configuration.
type Config struct {
	// StatePath is the SQLite file holding the seen-set and the
	// observability tables. Default: vigil.db.
	StatePath string `yaml:"state_path"`

	Browser   BrowserConfig            `yaml:"browser"`
	Dispatch  DispatchConfig           `yaml:"dispatch"`
	Channels  map[string]ChannelConfig `yaml:"channels"`
	Admin     AdminConfig              `yaml:"admin"`
	Retention RetentionConfig          `yaml:"retention"`
	Targets   []TargetConfig           `yaml:"targets"`
}

// BrowserConfig controls Chrome lifecycle and page environment.
type BrowserConfig struct {
	RemoteURL        string        `yaml:"remote_url"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	UserAgent        string        `yaml:"user_agent"`
	Locale           string        `yaml:"locale"`
	NoSandbox        bool          `yaml:"no_sandbox"`
}

// DispatchConfig controls notification retry behavior.
type DispatchConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	Backoff        time.Duration `yaml:"backoff"`
	MaxMessageSize int           `yaml:"max_message_size"`
}

// ChannelConfig declares one delivery channel. Platform selects the
// factory (telegram, webhook); Config is passed through to it.
type ChannelConfig struct {
	Platform string    `yaml:"platform"`
	Config   yaml.Node `yaml:"config"`
}

// RawConfig renders the channel's config node as JSON for the factory.
func (c ChannelConfig) RawConfig() (json.RawMessage, error) {
	if c.Config.IsZero() {
		return json.RawMessage("{}"), nil
	}
	var v map[string]any
	if err := c.Config.Decode(&v); err != nil {
		return nil, fmt.Errorf("vigil: decode channel config: %w", err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("vigil: encode channel config: %w", err)
	}
	return raw, nil
}

// AdminConfig controls the admin HTTP surface. An empty Addr disables it.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// RetentionConfig controls observability table cleanup, in days.
type RetentionConfig struct {
	TickEventsDays int `yaml:"tick_events_days"`
	HeartbeatsDays int `yaml:"heartbeats_days"`
}

// TargetConfig defines one watched page.
type TargetConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Subject heads each notification message (e.g. "Vacancy update").
	Subject      string        `yaml:"subject"`
	PollInterval time.Duration `yaml:"poll_interval"`
	InitialDelay time.Duration `yaml:"initial_delay"`

	RenderTimeout    time.Duration `yaml:"render_timeout"`
	WaitSelector     string        `yaml:"wait_selector"`
	Settle           time.Duration `yaml:"settle"`
	DismissSelectors []string      `yaml:"dismiss_selectors"`

	Rules []extract.RuleConfig `yaml:"rules"`

	// EvictKeep bounds the stored seen-set per target; zero disables
	// eviction.
	EvictKeep int `yaml:"evict_keep"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vigil: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("vigil: parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StatePath == "" {
		c.StatePath = "vigil.db"
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Dispatch.MaxRetries <= 0 {
		c.Dispatch.MaxRetries = 3
	}
	if c.Dispatch.Backoff <= 0 {
		c.Dispatch.Backoff = 2 * time.Second
	}
	if c.Dispatch.MaxMessageSize <= 0 {
		c.Dispatch.MaxMessageSize = 4000
	}
	if c.Retention.TickEventsDays == 0 {
		c.Retention.TickEventsDays = 14
	}
	if c.Retention.HeartbeatsDays == 0 {
		c.Retention.HeartbeatsDays = 7
	}
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.PollInterval <= 0 {
			t.PollInterval = 2 * time.Minute
		}
		if t.RenderTimeout <= 0 {
			t.RenderTimeout = 45 * time.Second
		}
		if t.Subject == "" {
			t.Subject = t.Name
		}
	}
}

func (c *Config) validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("vigil: config has no targets")
	}
	seen := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("vigil: target without a name")
		}
		if seen[t.Name] {
			return fmt.Errorf("vigil: duplicate target name %q", t.Name)
		}
		seen[t.Name] = true
		if t.URL == "" {
			return fmt.Errorf("vigil: target %q has no url", t.Name)
		}
		if len(t.Rules) == 0 {
			return fmt.Errorf("vigil: target %q has no extraction rules", t.Name)
		}
	}
	for name, ch := range c.Channels {
		if ch.Platform == "" {
			return fmt.Errorf("vigil: channel %q has no platform", name)
		}
	}
	return nil
}
