package harvest

import (
	"time"

	"mro-harvester/internal/config"
	"mro-harvester/pkg/types"
)

// RetryPolicy is the single table of retry behaviour per outcome class.
// MaxAttempts counts every attempt including the first.
type RetryPolicy struct {
	MaxAttempts int
	Base        map[types.Class]time.Duration
}

// PolicyFromConfig builds the retry table: blocked, timeout and other errors
// back off linearly from their configured base; parse failures share the
// other-error base.
func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxRetries,
		Base: map[types.Class]time.Duration{
			types.ClassBlocked:      cfg.BlockedBackoff.Duration,
			types.ClassTimeout:      cfg.TimeoutBackoff.Duration,
			types.ClassOtherError:   cfg.OtherBackoff.Duration,
			types.ClassParseFailure: cfg.OtherBackoff.Duration,
		},
	}
}

// Retryable reports whether class may be retried at all.
func (p RetryPolicy) Retryable(class types.Class) bool {
	_, ok := p.Base[class]
	return ok
}

// Backoff returns the wait after the zero-based attempt failed with class:
// (attempt+1) * base.
func (p RetryPolicy) Backoff(class types.Class, attempt int) time.Duration {
	return time.Duration(attempt+1) * p.Base[class]
}
