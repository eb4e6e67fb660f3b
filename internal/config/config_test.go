package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromReaderAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
input:
  path: urls.json
shard:
  index: 2
  count: 4
  policy: Contiguous
throttle:
  min_delay: 1
  max_delay: 2.5
  cooldown: 5m
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Shard.Policy != PolicyContiguous {
		t.Fatalf("policy = %q, want %q", cfg.Shard.Policy, PolicyContiguous)
	}
	if cfg.Throttle.MinDelay.Duration != time.Second {
		t.Fatalf("min_delay = %s, want 1s", cfg.Throttle.MinDelay)
	}
	if cfg.Throttle.MaxDelay.Duration != 2500*time.Millisecond {
		t.Fatalf("max_delay = %s, want 2.5s", cfg.Throttle.MaxDelay)
	}
	if cfg.Throttle.Cooldown.Duration != 5*time.Minute {
		t.Fatalf("cooldown = %s, want 5m", cfg.Throttle.Cooldown)
	}
	if cfg.Throttle.FailureThreshold != 5 {
		t.Fatalf("failure_threshold = %d, want default 5", cfg.Throttle.FailureThreshold)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Fatalf("max_retries = %d, want default 3", cfg.Retry.MaxRetries)
	}
	if cfg.Checkpoint.Dir != cfg.Output.Dir {
		t.Fatalf("checkpoint dir = %q, want output dir %q", cfg.Checkpoint.Dir, cfg.Output.Dir)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("input:\n  path: a\nbogus: 1\n"))
	if err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestValidateRejectsBadShard(t *testing.T) {
	cases := map[string]func(*Config){
		"zero count":     func(c *Config) { c.Shard.Count = 0 },
		"index too big":  func(c *Config) { c.Shard.Index = 3; c.Shard.Count = 3 },
		"negative index": func(c *Config) { c.Shard.Index = -1 },
		"bad policy":     func(c *Config) { c.Shard.Policy = "random" },
		"delays swapped": func(c *Config) {
			c.Throttle.MinDelay = DurationFrom(3 * time.Second)
			c.Throttle.MaxDelay = DurationFrom(time.Second)
		},
		"no retries":   func(c *Config) { c.Retry.MaxRetries = 0 },
		"no agents":    func(c *Config) { c.Session.UserAgents = nil },
		"static empty": func(c *Config) { c.Identity.Provider = ProviderStatic },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Input.Path = "urls.txt"
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestApplyEnvOverridesWorkerParameters(t *testing.T) {
	env := map[string]string{
		"WORKER_INDEX":          "3",
		"WORKER_COUNT":          "8",
		"TOTAL_ITEMS":           "1000",
		"START_OFFSET":          "200",
		"SESSION_REQUEST_LIMIT": "25",
		"MIN_DELAY":             "0.5",
		"MAX_DELAY":             "2s",
		"WEBSHARE_API_KEY":      "secret",
		"HARVEST_INPUT":         "  urls.json ",
		"MAX_RETRIES":           "",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Shard.Index != 3 || cfg.Shard.Count != 8 {
		t.Fatalf("shard = %d/%d, want 3/8", cfg.Shard.Index, cfg.Shard.Count)
	}
	if cfg.Shard.TotalItems != 1000 || cfg.Shard.StartOffset != 200 {
		t.Fatalf("window = %d+%d, want 200+1000", cfg.Shard.StartOffset, cfg.Shard.TotalItems)
	}
	if cfg.Session.RequestLimit != 25 {
		t.Fatalf("request_limit = %d, want 25", cfg.Session.RequestLimit)
	}
	if cfg.Throttle.MinDelay.Duration != 500*time.Millisecond || cfg.Throttle.MaxDelay.Duration != 2*time.Second {
		t.Fatalf("delays = %s..%s", cfg.Throttle.MinDelay, cfg.Throttle.MaxDelay)
	}
	if cfg.Identity.Provider != ProviderWebshare || cfg.Identity.APIKey != "secret" {
		t.Fatalf("identity = %q/%q", cfg.Identity.Provider, cfg.Identity.APIKey)
	}
	if cfg.Input.Path != "urls.json" {
		t.Fatalf("input path = %q", cfg.Input.Path)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Fatalf("blank MAX_RETRIES should keep default, got %d", cfg.Retry.MaxRetries)
	}
}

func TestApplyEnvRejectsMalformedNumbers(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(key string) (string, bool) {
		if key == "WORKER_COUNT" {
			return "many", true
		}
		return "", false
	})
	if err == nil || !strings.Contains(err.Error(), "WORKER_COUNT") {
		t.Fatalf("expected WORKER_COUNT error, got %v", err)
	}
}

func TestLoadAppliesOverridesAfterEnv(t *testing.T) {
	t.Setenv("WORKER_COUNT", "4")
	t.Setenv("WORKER_INDEX", "1")
	t.Setenv("HARVEST_INPUT", "urls.txt")
	out := t.TempDir()

	cfg, err := Load("", func(c *Config) {
		c.Shard.Index = 3
		c.Output.Dir = out
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Shard.Count != 4 || cfg.Shard.Index != 3 {
		t.Fatalf("shard = %+v, want count from env and index from override", cfg.Shard)
	}
	if cfg.Checkpoint.Dir != out {
		t.Fatalf("checkpoint dir = %q, want it to follow output dir %q", cfg.Checkpoint.Dir, out)
	}
}
