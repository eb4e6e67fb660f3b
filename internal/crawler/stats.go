package crawler

import (
	"sync/atomic"
	"time"

	"mro-harvester/pkg/types"
)

// Stats holds the live counters of one run. All fields are updated atomically
// from worker goroutines.
type Stats struct {
	total       atomic.Int64
	resumed     atomic.Int64
	processed   atomic.Int64
	success     atomic.Int64
	failed      atomic.Int64
	skipped     atomic.Int64
	rateLimited atomic.Int64
	abandoned   atomic.Int64
}

// record folds one outcome into the counters and returns the processed count
// after it, or zero for an abandoned item.
func (s *Stats) record(out types.Outcome) int64 {
	s.rateLimited.Add(int64(out.Blocked))
	switch out.State {
	case types.StateDone:
		s.success.Add(1)
	case types.StateFailed:
		s.failed.Add(1)
	case types.StateSkipped:
		s.skipped.Add(1)
	default:
		s.abandoned.Add(1)
		return 0
	}
	return s.processed.Add(1)
}

// rate returns completions per second and the estimated time left.
func (s *Stats) rate(elapsed time.Duration) (float64, time.Duration) {
	processed := s.processed.Load()
	if processed == 0 || elapsed <= 0 {
		return 0, 0
	}
	perSecond := float64(processed) / elapsed.Seconds()
	remaining := s.total.Load() - processed
	if remaining <= 0 {
		return perSecond, 0
	}
	return perSecond, time.Duration(float64(remaining) / perSecond * float64(time.Second))
}
