package config

import (
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc resolves an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays the per-worker environment variables on top of c.
// Unset or blank variables leave the current value untouched.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"WORKER_INDEX", &c.Shard.Index},
		{"WORKER_COUNT", &c.Shard.Count},
		{"TOTAL_ITEMS", &c.Shard.TotalItems},
		{"START_OFFSET", &c.Shard.StartOffset},
		{"CONCURRENCY", &c.Worker.Concurrency},
		{"SESSION_REQUEST_LIMIT", &c.Session.RequestLimit},
		{"FAILURE_THRESHOLD", &c.Throttle.FailureThreshold},
		{"MAX_RETRIES", &c.Retry.MaxRetries},
	}
	for _, item := range ints {
		raw, ok := envValue(lookup, item.key)
		if !ok {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("env %s: %w", item.key, err)
		}
		*item.dst = v
	}

	durations := []struct {
		key string
		dst *Duration
	}{
		{"MIN_DELAY", &c.Throttle.MinDelay},
		{"MAX_DELAY", &c.Throttle.MaxDelay},
		{"COOLDOWN", &c.Throttle.Cooldown},
	}
	for _, item := range durations {
		raw, ok := envValue(lookup, item.key)
		if !ok {
			continue
		}
		v, err := ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("env %s: %w", item.key, err)
		}
		item.dst.Duration = v
	}

	if raw, ok := envValue(lookup, "SHARD_POLICY"); ok {
		c.Shard.Policy = raw
	}
	if raw, ok := envValue(lookup, "WEBSHARE_API_KEY"); ok {
		c.Identity.APIKey = raw
		if c.Identity.Provider == ProviderNone {
			c.Identity.Provider = ProviderWebshare
		}
	}
	if raw, ok := envValue(lookup, "HARVEST_OUTPUT_DIR"); ok {
		c.Output.Dir = raw
	}
	if raw, ok := envValue(lookup, "HARVEST_INPUT"); ok {
		c.Input.Path = raw
	}
	if raw, ok := envValue(lookup, "CHECKPOINT_DSN"); ok {
		c.Checkpoint.SQL.DSN = raw
		if c.Checkpoint.SQL.Driver == "" {
			c.Checkpoint.SQL.Driver = "postgres"
		}
	}
	if raw, ok := envValue(lookup, "LOG_LEVEL"); ok {
		c.Logging.Level = raw
	}
	if raw, ok := envValue(lookup, "STATUS_ADDR"); ok {
		c.Status.Addr = raw
	}
	return nil
}

func envValue(lookup LookupFunc, key string) (string, bool) {
	raw, ok := lookup(key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}
