// Package throttle paces outgoing requests and suspends them while the target
// appears to be banning the worker.
package throttle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mro-harvester/pkg/types"
)

// ErrCoolingDown is returned by Admit while a cooldown is in effect.
var ErrCoolingDown = errors.New("throttle: cooling down")

// Mode is the ban-detection state.
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModeCooldown Mode = "COOLDOWN"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep waits for d, returning early with ctx.Err() on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State is a point-in-time view of the governor.
type State struct {
	Mode                Mode      `json:"mode"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	BansDetected        int       `json:"bans_detected"`
}

// GovernorOptions configures a Governor.
type GovernorOptions struct {
	Threshold int
	Cooldown  time.Duration
	Now       func() time.Time
	Sleep     SleepFunc
	Logger    *slog.Logger
}

// Governor is the process-wide ban detector. It counts consecutive failed
// attempts and refuses new attempts for a cooldown once the threshold is hit.
type Governor struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	sleep     SleepFunc
	logger    *slog.Logger

	mu            sync.Mutex
	mode          Mode
	consecutive   int
	cooldownUntil time.Time
	bans          int
}

// NewGovernor builds a governor in NORMAL mode.
func NewGovernor(opts GovernorOptions) *Governor {
	if opts.Threshold <= 0 {
		opts.Threshold = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Governor{
		threshold: opts.Threshold,
		cooldown:  opts.Cooldown,
		now:       opts.Now,
		sleep:     opts.Sleep,
		logger:    opts.Logger,
		mode:      ModeNormal,
	}
}

// Admit reports whether an attempt may start now. During a cooldown it
// returns the remaining time and ErrCoolingDown. An expired cooldown is
// cleared here, resetting the failure counter.
func (g *Governor) Admit() (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if g.expireLocked(now) {
		return 0, nil
	}
	return g.cooldownUntil.Sub(now), ErrCoolingDown
}

// expireLocked clears a cooldown that ended at or before now and reports
// whether the governor is in NORMAL mode.
func (g *Governor) expireLocked(now time.Time) bool {
	if g.mode != ModeCooldown {
		return true
	}
	if now.Before(g.cooldownUntil) {
		return false
	}
	g.mode = ModeNormal
	g.consecutive = 0
	g.cooldownUntil = time.Time{}
	g.logger.Info("cooldown ended, resuming")
	return true
}

// Wait blocks until Admit succeeds. It returns the total time spent waiting.
func (g *Governor) Wait(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	for {
		remaining, err := g.Admit()
		if err == nil {
			return waited, nil
		}
		if err := g.sleep(ctx, remaining); err != nil {
			return waited, err
		}
		waited += remaining
	}
}

// Observe folds a completed attempt into the failure counter. Success and
// not-found reset it; every other class increments it.
func (g *Governor) Observe(class types.Class) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !class.Failure() {
		g.consecutive = 0
		return
	}
	g.consecutive++
	if g.mode == ModeCooldown || g.consecutive < g.threshold {
		return
	}
	g.mode = ModeCooldown
	g.cooldownUntil = g.now().Add(g.cooldown)
	g.bans++
	g.logger.Warn("ban suspected, entering cooldown",
		"consecutive_failures", g.consecutive,
		"cooldown", g.cooldown,
		"until", g.cooldownUntil,
	)
}

// Snapshot returns the current state. A cooldown that has run out is
// reported, and cleared, as NORMAL.
func (g *Governor) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLocked(g.now())
	return State{
		Mode:                g.mode,
		ConsecutiveFailures: g.consecutive,
		CooldownUntil:       g.cooldownUntil,
		BansDetected:        g.bans,
	}
}
