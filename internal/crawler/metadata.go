package crawler

import (
	"time"

	"mro-harvester/internal/identity"
)

// Metadata is the per-worker run summary written next to the results.
type Metadata struct {
	RunID       string `json:"run_id"`
	WorkerIndex int    `json:"worker_index"`
	WorkerCount int    `json:"worker_count"`
	Policy      string `json:"policy"`
	ShardSize   int    `json:"shard_size"`
	// Resumed counts shard items already checkpointed before this run.
	Resumed     int64 `json:"resumed"`
	Success     int64 `json:"success"`
	Failed      int64 `json:"failed"`
	Skipped     int64 `json:"skipped"`
	RateLimited int64 `json:"rate_limited"`
	Abandoned   int64 `json:"abandoned"`
	// Results is the number of records in results.json, resumed ones included.
	Results          int              `json:"results"`
	SessionRotations int              `json:"session_rotations"`
	BansDetected     int              `json:"bans_detected"`
	Identities       []identity.Stats `json:"identities,omitempty"`
	StartedAt        time.Time        `json:"started_at"`
	FinishedAt       time.Time        `json:"finished_at"`
	DurationSeconds  float64          `json:"duration_seconds"`
	RatePerSecond    float64          `json:"rate_per_second"`
	Cancelled        bool             `json:"cancelled"`
}
