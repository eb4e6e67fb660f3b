package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Partition policies understood by the shard section.
const (
	PolicyContiguous  = "contiguous"
	PolicyInterleaved = "interleaved"
)

// Identity providers understood by the identity section.
const (
	ProviderNone     = ""
	ProviderWebshare = "webshare"
	ProviderStatic   = "static"
)

// Config captures the full configuration required to run one harvesting worker.
type Config struct {
	Input      InputConfig      `yaml:"input"`
	Shard      ShardConfig      `yaml:"shard"`
	Worker     WorkerConfig     `yaml:"worker"`
	Throttle   ThrottleConfig   `yaml:"throttle"`
	Session    SessionConfig    `yaml:"session"`
	Identity   IdentityConfig   `yaml:"identity"`
	Retry      RetryConfig      `yaml:"retry"`
	Request    RequestConfig    `yaml:"request"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Output     OutputConfig     `yaml:"output"`
	Robots     RobotsConfig     `yaml:"robots"`
	Rendering  RenderingConfig  `yaml:"rendering"`
	Extract    ExtractConfig    `yaml:"extract"`
	Logging    LoggingConfig    `yaml:"logging"`
	Status     StatusConfig     `yaml:"status"`
	Progress   ProgressConfig   `yaml:"progress"`
}

// InputConfig locates the static identifier list.
type InputConfig struct {
	Path      string `yaml:"path"`
	JSONField string `yaml:"json_field"`
}

// ShardConfig selects which slice of the identifier space this worker owns.
type ShardConfig struct {
	Index       int    `yaml:"index"`
	Count       int    `yaml:"count"`
	Policy      string `yaml:"policy"`
	TotalItems  int    `yaml:"total_items"`
	StartOffset int    `yaml:"start_offset"`
}

// WorkerConfig controls the concurrency budget of the executor.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
	QueueSize   int `yaml:"queue_size"`
}

// ThrottleConfig tunes pacing and ban detection.
type ThrottleConfig struct {
	MinDelay         Duration        `yaml:"min_delay"`
	MaxDelay         Duration        `yaml:"max_delay"`
	FailureThreshold int             `yaml:"failure_threshold"`
	Cooldown         Duration        `yaml:"cooldown"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig applies an optional token bucket on top of the randomized pacer.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// SessionConfig bounds how long one connection context lives and how it presents itself.
type SessionConfig struct {
	RequestLimit int               `yaml:"request_limit"`
	UserAgents   []string          `yaml:"user_agents"`
	Headers      map[string]string `yaml:"headers"`
	Referer      string            `yaml:"referer"`
	RefererRate  float64           `yaml:"referer_rate"`
}

// IdentityConfig describes where egress identities come from.
type IdentityConfig struct {
	Provider string   `yaml:"provider"`
	APIKey   string   `yaml:"api_key"`
	Endpoint string   `yaml:"endpoint"`
	Limit    int      `yaml:"limit"`
	Proxies  []string `yaml:"proxies"`
	Required bool     `yaml:"required"`
	Timeout  Duration `yaml:"timeout"`
}

// RetryConfig parametrises the per-class retry policy table.
type RetryConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	BlockedBackoff Duration `yaml:"blocked_backoff"`
	TimeoutBackoff Duration `yaml:"timeout_backoff"`
	OtherBackoff   Duration `yaml:"other_backoff"`
}

// RequestConfig controls individual HTTP requests and outcome classification.
type RequestConfig struct {
	Timeout          Duration `yaml:"timeout"`
	MaxBodyBytes     int64    `yaml:"max_body_bytes"`
	BlockedStatuses  []int    `yaml:"blocked_statuses"`
	NotFoundStatuses []int    `yaml:"not_found_statuses"`
	ChallengeMarkers []string `yaml:"challenge_markers"`
}

// CheckpointConfig locates the durable completion store.
type CheckpointConfig struct {
	Dir          string    `yaml:"dir"`
	CompactEvery int       `yaml:"compact_every"`
	SQL          SQLConfig `yaml:"sql"`
}

// SQLConfig describes an optional relational mirror of the checkpoint.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
	ResumeFromSQL   bool     `yaml:"resume_from_sql"`
}

// Enabled reports whether a SQL mirror is configured.
func (s SQLConfig) Enabled() bool {
	return s.Driver != "" && s.DSN != ""
}

// OutputConfig names the per-worker files consumed by the aggregator.
type OutputConfig struct {
	Dir          string `yaml:"dir"`
	ResultsFile  string `yaml:"results_file"`
	FailuresFile string `yaml:"failures_file"`
	MetadataFile string `yaml:"metadata_file"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// RenderingConfig controls the optional headless browser fetch mode.
type RenderingConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Timeout            Duration `yaml:"timeout"`
	WaitForSelector    string   `yaml:"wait_for_selector"`
	ConcurrentSessions int      `yaml:"concurrent_sessions"`
	DisableHeadless    bool     `yaml:"disable_headless"`
}

// ExtractConfig maps record fields to CSS selectors and names the required ones.
type ExtractConfig struct {
	RequiredFields []string            `yaml:"required_fields"`
	Fields         map[string][]string `yaml:"fields"`
	MaxTextLength  int                 `yaml:"max_text_length"`
	MaxImages      int                 `yaml:"max_images"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// StatusConfig enables the read-only status endpoint.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// ProgressConfig sets the progress reporting cadence.
type ProgressConfig struct {
	Every            int      `yaml:"every"`
	SnapshotInterval Duration `yaml:"snapshot_interval"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Input: InputConfig{
			JSONField: "product_urls",
		},
		Shard: ShardConfig{
			Index:  0,
			Count:  1,
			Policy: PolicyInterleaved,
		},
		Worker: WorkerConfig{
			Concurrency: 10,
			QueueSize:   256,
		},
		Throttle: ThrottleConfig{
			MinDelay:         DurationFrom(2 * time.Second),
			MaxDelay:         DurationFrom(5 * time.Second),
			FailureThreshold: 5,
			Cooldown:         DurationFrom(300 * time.Second),
		},
		Session: SessionConfig{
			RequestLimit: 50,
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
				"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
			},
			Headers: map[string]string{
				"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
				"Accept-Language": "en-US,en;q=0.5",
			},
			RefererRate: 0.3,
		},
		Identity: IdentityConfig{
			Endpoint: "https://proxy.webshare.io/api/v2/proxy/list/",
			Limit:    100,
			Timeout:  DurationFrom(10 * time.Second),
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			BlockedBackoff: DurationFrom(30 * time.Second),
			TimeoutBackoff: DurationFrom(5 * time.Second),
			OtherBackoff:   DurationFrom(10 * time.Second),
		},
		Request: RequestConfig{
			Timeout:          DurationFrom(30 * time.Second),
			MaxBodyBytes:     6 * 1024 * 1024,
			BlockedStatuses:  []int{403, 429},
			NotFoundStatuses: []int{404, 410},
			ChallengeMarkers: []string{"just a moment", "checking your browser", "cf-chl-"},
		},
		Checkpoint: CheckpointConfig{
			CompactEvery: 1000,
			SQL: SQLConfig{
				AutoMigrate: true,
			},
		},
		Output: OutputConfig{
			Dir:          "output",
			ResultsFile:  "results.json",
			FailuresFile: "failures.json",
			MetadataFile: "metadata.json",
		},
		Robots: RobotsConfig{
			Respect:   true,
			Overrides: []string{},
			UserAgent: "*",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Rendering: RenderingConfig{
			Enabled:            false,
			Timeout:            DurationFrom(45 * time.Second),
			ConcurrentSessions: 2,
		},
		Extract: ExtractConfig{
			RequiredFields: []string{"name"},
			Fields: map[string][]string{
				"name":        {"h1.product-title", "h1.product-name", "h1[itemprop='name']", "h1"},
				"price":       {"[itemprop='price']", ".product-price", "p.price", ".price", "span.money"},
				"sku":         {"[itemprop='sku']", ".product-sku", ".sku"},
				"brand":       {"[itemprop='brand']", ".brand", ".manufacturer"},
				"description": {"[itemprop='description']", ".product-description", ".description"},
			},
			MaxTextLength: 500,
			MaxImages:     5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
		Progress: ProgressConfig{
			Every:            100,
			SnapshotInterval: DurationFrom(30 * time.Second),
		},
	}
}

// Override adjusts a loaded configuration before it is normalised.
type Override func(*Config)

// Load reads configuration from an optional YAML file, applies per-worker
// environment overrides and then overrides, and validates the result.
func Load(path string, overrides ...Override) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		fh, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer fh.Close()
		if err := decodeYAML(fh, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	for _, override := range overrides {
		override(&cfg)
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromReader decodes configuration from an arbitrary reader without consulting the environment.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the worker configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Input.Path) == "" {
		return errors.New("input.path must be set")
	}
	if c.Shard.Count <= 0 {
		return fmt.Errorf("shard.count must be > 0 (got %d)", c.Shard.Count)
	}
	if c.Shard.Index < 0 || c.Shard.Index >= c.Shard.Count {
		return fmt.Errorf("shard.index must be in [0,%d) (got %d)", c.Shard.Count, c.Shard.Index)
	}
	switch c.Shard.Policy {
	case PolicyContiguous, PolicyInterleaved:
	default:
		return fmt.Errorf("unsupported shard.policy %q", c.Shard.Policy)
	}
	if c.Shard.StartOffset < 0 {
		return fmt.Errorf("shard.start_offset must be >= 0 (got %d)", c.Shard.StartOffset)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker.queue_size must be > 0 (got %d)", c.Worker.QueueSize)
	}
	if c.Throttle.MinDelay.Duration < 0 || c.Throttle.MaxDelay.Duration < c.Throttle.MinDelay.Duration {
		return fmt.Errorf("throttle delays must satisfy 0 <= min_delay <= max_delay (got %s, %s)",
			c.Throttle.MinDelay, c.Throttle.MaxDelay)
	}
	if c.Throttle.FailureThreshold <= 0 {
		return fmt.Errorf("throttle.failure_threshold must be > 0 (got %d)", c.Throttle.FailureThreshold)
	}
	if c.Throttle.Cooldown.Duration < 0 {
		return fmt.Errorf("throttle.cooldown must be >= 0 (got %s)", c.Throttle.Cooldown)
	}
	if rl := c.Throttle.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("throttle.rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Session.RequestLimit <= 0 {
		return fmt.Errorf("session.request_limit must be > 0 (got %d)", c.Session.RequestLimit)
	}
	if len(c.Session.UserAgents) == 0 {
		return errors.New("session.user_agents must include at least one value")
	}
	if c.Session.RefererRate < 0 || c.Session.RefererRate > 1 {
		return fmt.Errorf("session.referer_rate must be within [0,1] (got %v)", c.Session.RefererRate)
	}
	switch c.Identity.Provider {
	case ProviderNone, ProviderWebshare:
	case ProviderStatic:
		if len(c.Identity.Proxies) == 0 {
			return errors.New("identity.proxies must be set when identity.provider is static")
		}
	default:
		return fmt.Errorf("unsupported identity.provider %q", c.Identity.Provider)
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("retry.max_retries must be > 0 (got %d)", c.Retry.MaxRetries)
	}
	if c.Request.Timeout.Duration <= 0 {
		return fmt.Errorf("request.timeout must be > 0 (got %s)", c.Request.Timeout)
	}
	if c.Request.MaxBodyBytes <= 0 {
		return fmt.Errorf("request.max_body_bytes must be > 0 (got %d)", c.Request.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		return errors.New("output.dir must be set")
	}
	if len(c.Extract.RequiredFields) == 0 {
		return errors.New("extract.required_fields must include at least one field")
	}
	if c.Progress.Every <= 0 {
		return fmt.Errorf("progress.every must be > 0 (got %d)", c.Progress.Every)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set")
	}
	return nil
}

func (c *Config) normalise() {
	c.Input.Path = strings.TrimSpace(c.Input.Path)
	c.Input.JSONField = strings.TrimSpace(c.Input.JSONField)
	c.Shard.Policy = strings.ToLower(strings.TrimSpace(c.Shard.Policy))
	c.Identity.Provider = strings.ToLower(strings.TrimSpace(c.Identity.Provider))
	c.Identity.APIKey = strings.TrimSpace(c.Identity.APIKey)
	c.Output.Dir = strings.TrimSpace(c.Output.Dir)
	c.Checkpoint.Dir = strings.TrimSpace(c.Checkpoint.Dir)
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = c.Output.Dir
	}
	if c.Session.Headers == nil {
		c.Session.Headers = make(map[string]string)
	}

	agents := make([]string, 0, len(c.Session.UserAgents))
	for _, ua := range c.Session.UserAgents {
		if ua = strings.TrimSpace(ua); ua != "" {
			agents = append(agents, ua)
		}
	}
	c.Session.UserAgents = agents

	// Overrides are de-duplicated and normalised to lower case.
	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
	if len(c.Request.ChallengeMarkers) > 0 {
		c.Request.ChallengeMarkers = dedupeLower(c.Request.ChallengeMarkers)
	}
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}

// Enabled reports whether the token bucket ceiling is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}
