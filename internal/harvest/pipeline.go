// Package harvest runs the fetch, parse and retry state machine for a single
// identifier.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"mro-harvester/internal/fetcher"
	"mro-harvester/internal/identity"
	"mro-harvester/internal/session"
	"mro-harvester/internal/throttle"
	"mro-harvester/pkg/types"
)

// Committer durably records a completed identifier.
type Committer interface {
	Commit(ctx context.Context, id string, record types.Record) error
}

// FailureRecorder keeps the last failure of identifiers that ended FAILED.
type FailureRecorder interface {
	Record(id string, class types.Class, message string, attempts int) error
}

// Extractor turns a successful page into a validated record.
type Extractor interface {
	Extract(page *types.Page) (types.Record, error)
}

// Gate decides whether an identifier may be fetched at all.
type Gate interface {
	Allowed(ctx context.Context, target *url.URL) bool
}

// Deps wires a Pipeline to the shared engine state.
type Deps struct {
	Fetcher    fetcher.Fetcher
	Extractor  Extractor
	Checkpoint Committer
	Failures   FailureRecorder
	Identities *identity.Pool
	Lanes      *session.Lanes
	Governor   *throttle.Governor
	Pacer      *throttle.Pacer
	Robots     Gate
	Classifier Classifier
	Policy     RetryPolicy
	Render     bool
	Logger     *slog.Logger
	Now        func() time.Time
	Sleep      throttle.SleepFunc
}

// Pipeline processes identifiers one at a time per caller; it is safe for
// concurrent use.
type Pipeline struct {
	deps Deps
}

// New validates deps and builds a pipeline.
func New(deps Deps) (*Pipeline, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("harvest: fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("harvest: extractor is required")
	case deps.Checkpoint == nil:
		return nil, errors.New("harvest: checkpoint is required")
	case deps.Failures == nil:
		return nil, errors.New("harvest: failure recorder is required")
	case deps.Lanes == nil:
		return nil, errors.New("harvest: session lanes are required")
	case deps.Governor == nil:
		return nil, errors.New("harvest: governor is required")
	case deps.Policy.MaxAttempts <= 0:
		return nil, errors.New("harvest: retry policy needs at least one attempt")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = throttle.Sleep
	}
	if deps.Classifier.blocked == nil {
		deps.Classifier = NewClassifier(nil, nil, nil)
	}
	return &Pipeline{deps: deps}, nil
}

// Process drives id to a terminal state. Per-item errors never escape: they
// end as SKIPPED or FAILED. Only cancellation yields ABANDONED.
func (p *Pipeline) Process(ctx context.Context, id string) types.Outcome {
	start := p.deps.Now()
	out := p.process(ctx, id)
	out.ID = id
	out.Elapsed = p.deps.Now().Sub(start)
	return out
}

func (p *Pipeline) process(ctx context.Context, id string) types.Outcome {
	logger := p.deps.Logger.With("url", id)

	target, err := url.Parse(id)
	if err != nil || !target.IsAbs() {
		if err == nil {
			err = errors.New("identifier is not an absolute URL")
		}
		return p.fail(logger, id, types.ClassOtherError, err, 0, 0)
	}
	if p.deps.Robots != nil && !p.deps.Robots.Allowed(ctx, target) {
		logger.Info("skipped by robots.txt")
		return types.Outcome{State: types.StateSkipped, Err: ErrDisallowed}
	}

	lane, err := p.deps.Lanes.Take(ctx)
	if err != nil {
		return abandoned(err, 0, 0)
	}
	defer p.deps.Lanes.Put(lane)

	var (
		lastClass types.Class
		lastErr   error
		blocked   int
		ran       int
	)
	for attempt := 0; attempt < p.deps.Policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := p.deps.Policy.Backoff(lastClass, attempt-1)
			logger.Debug("backing off", "attempt", attempt, "class", lastClass, "wait", wait)
			if err := p.deps.Sleep(ctx, wait); err != nil {
				return abandoned(err, attempt, blocked)
			}
		}
		if _, err := p.deps.Pacer.Wait(ctx, lane.Lane()); err != nil {
			return abandoned(err, attempt, blocked)
		}
		// Other lanes may start a cooldown while this one sleeps, so the
		// governor is consulted last.
		if waited, err := p.deps.Governor.Wait(ctx); err != nil {
			return abandoned(err, attempt, blocked)
		} else if waited > 0 {
			logger.Debug("waited out cooldown", "wait", waited)
		}

		sess := lane.Acquire()
		ident := p.deps.Identities.Next()
		ran = attempt + 1
		page, ferr := p.deps.Fetcher.Fetch(ctx, fetcher.Request{
			URL:      target,
			Session:  sess,
			Identity: ident,
			Render:   p.deps.Render,
		})
		if ctx.Err() != nil {
			return abandoned(ctx.Err(), attempt+1, blocked)
		}

		class, cerr := p.deps.Classifier.Classify(page, ferr)
		var record types.Record
		if class == types.ClassSuccess {
			if record, cerr = p.deps.Extractor.Extract(page); cerr != nil {
				class = types.ClassParseFailure
			}
		}
		p.deps.Identities.RecordOutcome(ident, identityHealthy(class))
		p.deps.Governor.Observe(class)
		if class == types.ClassBlocked {
			blocked++
		}

		attemptLog := logger.With("attempt", attempt+1, "class", class, "identity", ident.String(), "session", sess.ID)
		switch class {
		case types.ClassNotFound:
			attemptLog.Info("not found, skipping")
			return types.Outcome{State: types.StateSkipped, Class: class, Attempts: attempt + 1, Blocked: blocked, Err: cerr}
		case types.ClassSuccess:
			record["scraped_at"] = p.deps.Now().UTC().Format(time.RFC3339)
			if err := p.deps.Checkpoint.Commit(ctx, id, record); err != nil {
				if ctx.Err() != nil {
					return abandoned(ctx.Err(), attempt+1, blocked)
				}
				class, cerr = types.ClassOtherError, fmt.Errorf("commit checkpoint: %w", err)
				attemptLog.Warn("checkpoint commit failed", "error", err)
				break
			}
			attemptLog.Info("harvested", "name", record.String("name"))
			return types.Outcome{State: types.StateDone, Class: class, Attempts: attempt + 1, Blocked: blocked, Record: record}
		default:
			attemptLog.Warn("attempt failed", "error", cerr)
		}

		lastClass, lastErr = class, cerr
		if !p.deps.Policy.Retryable(class) {
			break
		}
	}
	return p.fail(logger, id, lastClass, lastErr, ran, blocked)
}

func (p *Pipeline) fail(logger *slog.Logger, id string, class types.Class, cause error, attempts, blocked int) types.Outcome {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := p.deps.Failures.Record(id, class, msg, attempts); err != nil {
		logger.Error("failed to persist failure entry", "error", err)
	}
	logger.Warn("giving up", "class", class, "attempts", attempts, "error", msg)
	return types.Outcome{State: types.StateFailed, Class: class, Attempts: attempts, Blocked: blocked, Err: cause}
}

func abandoned(err error, attempts, blocked int) types.Outcome {
	return types.Outcome{State: types.StateAbandoned, Attempts: attempts, Blocked: blocked, Err: err}
}

// identityHealthy reports whether the egress identity did its job, regardless
// of what the page contained.
func identityHealthy(class types.Class) bool {
	switch class {
	case types.ClassSuccess, types.ClassNotFound, types.ClassParseFailure:
		return true
	}
	return false
}
