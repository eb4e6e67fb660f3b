package throttle

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterSettings configures the optional process-wide token bucket.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

// PacerOptions configures a Pacer.
type PacerOptions struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	Rate     RateLimiterSettings
	Now      func() time.Time
	Sleep    SleepFunc
	Rand     *rand.Rand
}

// Pacer spaces requests of each session by a random delay drawn from
// [MinDelay, MaxDelay], measured from that session's previous request.
type Pacer struct {
	minDelay time.Duration
	maxDelay time.Duration
	now      func() time.Time
	sleep    SleepFunc
	limiter  *rate.Limiter

	mu   sync.Mutex
	rng  *rand.Rand
	last map[string]time.Time
}

// NewPacer creates a pacer with an optional token bucket ceiling.
func NewPacer(opts PacerOptions) *Pacer {
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	p := &Pacer{
		minDelay: opts.MinDelay,
		maxDelay: opts.MaxDelay,
		now:      opts.Now,
		sleep:    opts.Sleep,
		rng:      opts.Rand,
		last:     make(map[string]time.Time),
	}
	if opts.Rate.Requests > 0 && opts.Rate.Window > 0 {
		interval := opts.Rate.Window / time.Duration(opts.Rate.Requests)
		if interval <= 0 {
			interval = time.Millisecond
		}
		p.limiter = rate.NewLimiter(rate.Every(interval), opts.Rate.Requests)
	}
	return p
}

// Reserve claims the next request slot for session and returns how long the
// caller must wait for it. Concurrent callers on one session get distinct slots.
func (p *Pacer) Reserve(session string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	delay := p.drawLocked()
	now := p.now()
	last, ok := p.last[session]
	if !ok {
		p.last[session] = now
		return 0
	}
	slot := last.Add(delay)
	if !slot.After(now) {
		p.last[session] = now
		return 0
	}
	p.last[session] = slot
	return slot.Sub(now)
}

// Wait blocks until session may issue its next request.
func (p *Pacer) Wait(ctx context.Context, session string) (time.Duration, error) {
	if p == nil {
		return 0, nil
	}
	wait := p.Reserve(session)
	if wait > 0 {
		if err := p.sleep(ctx, wait); err != nil {
			return 0, err
		}
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return wait, err
		}
	}
	return wait, nil
}

func (p *Pacer) drawLocked() time.Duration {
	span := p.maxDelay - p.minDelay
	if span <= 0 {
		return p.minDelay
	}
	return p.minDelay + time.Duration(p.rng.Int63n(int64(span)+1))
}
