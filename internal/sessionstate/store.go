// Package sessionstate publishes worker progress snapshots so an operator can
// watch every shard of a distributed run from one place.
package sessionstate

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Snapshot is the progress of one worker at a point in time.
type Snapshot struct {
	RunID       string `json:"run_id"`
	WorkerIndex int    `json:"worker_index"`
	WorkerCount int    `json:"worker_count"`
	Status      string `json:"status"`

	Total       int64 `json:"total"`
	Processed   int64 `json:"processed"`
	Success     int64 `json:"success"`
	Failed      int64 `json:"failed"`
	Skipped     int64 `json:"skipped"`
	RateLimited int64 `json:"rate_limited"`

	RatePerSecond float64 `json:"rate_per_second"`
	ETASeconds    float64 `json:"eta_seconds"`

	Mode          string    `json:"mode"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	BansDetected  int       `json:"bans_detected"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key identifies the snapshot within a store.
func (s Snapshot) Key() string {
	return fmt.Sprintf("%s/worker-%d", s.RunID, s.WorkerIndex)
}

// Store persists snapshots.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, key string) (Snapshot, bool, error)
	List(ctx context.Context) ([]Snapshot, error)
	Remove(ctx context.Context, key string) error
	Close() error
}

// RedisConfig configures a Redis-backed store.
type RedisConfig struct {
	Host     string
	Port     string
	DB       int
	Password string
	Key      string
	Timeout  time.Duration
}

// NewRedisStoreFromEnv builds a store from REDIS_HOST, REDIS_PORT, REDIS_DB,
// REDIS_PASSWORD and REDIS_KEY. It returns nil when REDIS_HOST is unset.
func NewRedisStoreFromEnv() (Store, error) {
	host := strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if host == "" {
		return nil, nil
	}
	db := 0
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("REDIS_DB: %w", err)
		}
		db = value
	}
	store, err := NewRedisStore(RedisConfig{
		Host:     host,
		Port:     strings.TrimSpace(os.Getenv("REDIS_PORT")),
		DB:       db,
		Password: os.Getenv("REDIS_PASSWORD"),
		Key:      strings.TrimSpace(os.Getenv("REDIS_KEY")),
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}
