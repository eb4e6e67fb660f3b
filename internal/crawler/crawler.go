// Package crawler runs one worker's shard through the harvest pipeline with a
// bounded pool of goroutines and writes the per-worker output files.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"mro-harvester/internal/checkpoint"
	"mro-harvester/internal/config"
	"mro-harvester/internal/extract"
	"mro-harvester/internal/fetcher"
	"mro-harvester/internal/harvest"
	"mro-harvester/internal/identity"
	"mro-harvester/internal/partition"
	robotsclient "mro-harvester/internal/robots"
	"mro-harvester/internal/session"
	"mro-harvester/internal/sessionstate"
	"mro-harvester/internal/status"
	"mro-harvester/internal/throttle"
	"mro-harvester/pkg/types"
)

// Options overrides engine collaborators. The zero value builds everything
// from configuration.
type Options struct {
	Logger *slog.Logger
	// Fetcher replaces the HTTP and rendering fetchers.
	Fetcher fetcher.Fetcher
	// Progress receives periodic snapshots. Nil disables publishing.
	Progress sessionstate.Store
	Now      func() time.Time
	Sleep    throttle.SleepFunc
}

// Engine executes one worker's shard.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger
	runID  string
	now    func() time.Time

	pipeline   *harvest.Pipeline
	store      *checkpoint.Store
	failures   *checkpoint.Failures
	identities *identity.Pool
	lanes      *session.Lanes
	governor   *throttle.Governor
	progress   sessionstate.Store

	stats     Stats
	shardSize int
	started   time.Time

	closers   []func() error
	closeOnce sync.Once
}

// NewEngine wires the harvest pipeline and its shared state from cfg. It
// fails when the checkpoint is corrupt or when identities are required but
// the provider cannot supply them.
func NewEngine(ctx context.Context, cfg config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		if logger, err = NewLogger(cfg.Logging); err != nil {
			return nil, err
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		cfg:      cfg,
		runID:    uuid.NewString(),
		now:      opts.Now,
		progress: opts.Progress,
	}
	e.logger = logger.With("worker", cfg.Shard.Index, "run_id", e.runID)

	pool, err := e.initIdentities(ctx)
	if err != nil {
		return nil, err
	}
	e.identities = pool

	var mirror checkpoint.Mirror
	if cfg.Checkpoint.SQL.Enabled() {
		sqlMirror, err := checkpoint.NewSQLMirror(cfg.Checkpoint.SQL)
		if err != nil {
			return nil, fmt.Errorf("checkpoint mirror: %w", err)
		}
		mirror = sqlMirror
	}
	store, err := checkpoint.Open(ctx, cfg.Checkpoint.Dir, checkpoint.Options{
		CompactEvery:     cfg.Checkpoint.CompactEvery,
		Mirror:           mirror,
		ResumeFromMirror: cfg.Checkpoint.SQL.ResumeFromSQL,
		Logger:           e.logger,
		Now:              opts.Now,
	})
	if err != nil {
		if mirror != nil {
			_ = mirror.Close()
		}
		return nil, err
	}
	e.store = store
	e.closers = append(e.closers, store.Close)

	failures, err := checkpoint.OpenFailures(filepath.Join(cfg.Output.Dir, cfg.Output.FailuresFile), opts.Now)
	switch {
	case errors.Is(err, checkpoint.ErrUnreadableFailures):
		e.logger.Warn("starting with an empty failure ledger", "error", err)
	case err != nil:
		_ = e.Close()
		return nil, err
	}
	e.failures = failures

	e.lanes = session.NewLanes(cfg.Worker.Concurrency, session.Options{
		RequestLimit: cfg.Session.RequestLimit,
		UserAgents:   cfg.Session.UserAgents,
		Headers:      cfg.Session.Headers,
		Referer:      cfg.Session.Referer,
		RefererRate:  cfg.Session.RefererRate,
		Timeout:      cfg.Request.Timeout.Duration,
		Logger:       e.logger,
	})
	e.closers = append(e.closers, func() error { e.lanes.Close(); return nil })

	e.governor = throttle.NewGovernor(throttle.GovernorOptions{
		Threshold: cfg.Throttle.FailureThreshold,
		Cooldown:  cfg.Throttle.Cooldown.Duration,
		Now:       opts.Now,
		Sleep:     opts.Sleep,
		Logger:    e.logger,
	})
	pacer := throttle.NewPacer(throttle.PacerOptions{
		MinDelay: cfg.Throttle.MinDelay.Duration,
		MaxDelay: cfg.Throttle.MaxDelay.Duration,
		Rate: throttle.RateLimiterSettings{
			Requests: cfg.Throttle.RateLimit.Requests,
			Window:   cfg.Throttle.RateLimit.Window.Duration,
		},
		Now:   opts.Now,
		Sleep: opts.Sleep,
	})

	var gate harvest.Gate
	if cfg.Robots.Respect {
		gate = robotsclient.NewAgent(cfg.Robots, &http.Client{Timeout: cfg.Request.Timeout.Duration}, e.logger)
	}

	pipeline, err := harvest.New(harvest.Deps{
		Fetcher:    e.buildFetcher(opts.Fetcher),
		Extractor:  extract.New(cfg.Extract),
		Checkpoint: store,
		Failures:   failures,
		Identities: pool,
		Lanes:      e.lanes,
		Governor:   e.governor,
		Pacer:      pacer,
		Robots:     gate,
		Classifier: harvest.NewClassifier(cfg.Request.BlockedStatuses, cfg.Request.NotFoundStatuses, cfg.Request.ChallengeMarkers),
		Policy:     harvest.PolicyFromConfig(cfg.Retry),
		Render:     cfg.Rendering.Enabled,
		Logger:     e.logger,
		Now:        opts.Now,
		Sleep:      opts.Sleep,
	})
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	e.pipeline = pipeline

	if e.progress != nil {
		e.closers = append(e.closers, e.progress.Close)
	}
	return e, nil
}

func (e *Engine) initIdentities(ctx context.Context) (*identity.Pool, error) {
	provider, err := identity.NewProvider(e.cfg.Identity)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		if e.cfg.Identity.Required {
			return nil, fmt.Errorf("%w: identities required but no provider configured", identity.ErrNoIdentities)
		}
		e.logger.Info("no identity provider configured, using direct egress")
		return nil, nil
	}
	pool, err := identity.Initialize(ctx, provider)
	if err != nil {
		if e.cfg.Identity.Required {
			return nil, fmt.Errorf("initialize identities: %w", err)
		}
		e.logger.Warn("identity provider unavailable, using direct egress", "error", err)
		return nil, nil
	}
	e.logger.Info("identity pool ready", "identities", pool.Len())
	return pool, nil
}

func (e *Engine) buildFetcher(override fetcher.Fetcher) fetcher.Fetcher {
	if override != nil {
		return override
	}
	httpFetcher := fetcher.NewHTTPFetcher(fetcher.Options{
		Timeout:      e.cfg.Request.Timeout.Duration,
		MaxBodyBytes: e.cfg.Request.MaxBodyBytes,
	})
	var renderer fetcher.Renderer
	if e.cfg.Rendering.Enabled {
		renderer = fetcher.NewChromedpRenderer(fetcher.RenderOptions{
			Timeout:            e.cfg.Rendering.Timeout.Duration,
			WaitForSelector:    e.cfg.Rendering.WaitForSelector,
			MaxBodyBytes:       e.cfg.Request.MaxBodyBytes,
			DisableHeadless:    e.cfg.Rendering.DisableHeadless,
			ConcurrentSessions: e.cfg.Rendering.ConcurrentSessions,
			Logger:             e.logger,
		})
	}
	return fetcher.NewComposite(httpFetcher, renderer, e.logger)
}

// RunID identifies this execution in logs, snapshots and metadata.
func (e *Engine) RunID() string { return e.runID }

// Run harvests the pending part of the shard and writes the output files.
// Cancellation abandons in-flight items; outputs are still written and
// ctx.Err() is returned.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Close()
	e.started = e.now()

	shard, pending, err := e.plan()
	if err != nil {
		return err
	}
	e.shardSize = len(shard)
	e.stats.total.Store(int64(len(pending)))
	e.stats.resumed.Store(int64(len(shard) - len(pending)))
	e.logger.Info("starting shard",
		"policy", e.cfg.Shard.Policy,
		"workers", e.cfg.Shard.Count,
		"shard_size", len(shard),
		"already_done", len(shard)-len(pending),
		"pending", len(pending),
		"concurrency", e.cfg.Worker.Concurrency,
		"identities", e.identities.Len(),
	)

	runCtx, stop := context.WithCancel(ctx)
	var background sync.WaitGroup
	e.startBackground(runCtx, &background)

	e.execute(ctx, pending)

	stop()
	background.Wait()

	cancelled := ctx.Err() != nil
	if err := e.finish(cancelled); err != nil {
		return err
	}
	if cancelled {
		return ctx.Err()
	}
	return nil
}

func (e *Engine) plan() (shard, pending []string, err error) {
	ids, err := partition.Load(e.cfg.Input.Path, e.cfg.Input.JSONField)
	if err != nil {
		return nil, nil, err
	}
	window := partition.Window(ids, e.cfg.Shard.StartOffset, e.cfg.Shard.TotalItems)
	shard, err = partition.Assign(window, e.cfg.Shard.Count, e.cfg.Shard.Index, partition.Policy(e.cfg.Shard.Policy))
	if err != nil {
		return nil, nil, err
	}
	return shard, partition.Pending(shard, e.store.IsDone), nil
}

func (e *Engine) execute(ctx context.Context, pending []string) {
	pool, err := NewWorkerPool(ctx, e.cfg.Worker.Concurrency, e.cfg.Worker.QueueSize)
	if err != nil {
		e.logger.Error("worker pool", "error", err)
		return
	}
	defer pool.Close()

	for _, id := range pending {
		if err := pool.Submit(ctx, func(workerCtx context.Context) {
			if workerCtx.Err() != nil {
				e.stats.abandoned.Add(1)
				return
			}
			e.handle(e.pipeline.Process(workerCtx, id))
		}); err != nil {
			e.logger.Warn("stopped submitting", "error", err)
			return
		}
	}
}

func (e *Engine) handle(out types.Outcome) {
	processed := e.stats.record(out)
	every := int64(e.cfg.Progress.Every)
	if processed > 0 && every > 0 && processed%every == 0 {
		e.logProgress()
	}
}

func (e *Engine) logProgress() {
	snap := e.Snapshot()
	e.logger.Info("progress",
		"processed", snap.Processed,
		"total", snap.Total,
		"success", snap.Success,
		"failed", snap.Failed,
		"skipped", snap.Skipped,
		"rate_limited", snap.RateLimited,
		"rate_per_sec", fmt.Sprintf("%.2f", snap.RatePerSecond),
		"eta", (time.Duration(snap.ETASeconds) * time.Second).String(),
		"mode", snap.Mode,
	)
}

func (e *Engine) startBackground(ctx context.Context, wg *sync.WaitGroup) {
	if addr := e.cfg.Status.Addr; addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := status.NewServer(e, e.logger).ListenAndServe(ctx, addr); err != nil {
				e.logger.Error("status endpoint stopped", "addr", addr, "error", err)
			}
		}()
	}

	interval := e.cfg.Progress.SnapshotInterval.Duration
	if e.progress == nil || interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		e.publish(ctx, "running")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.publish(ctx, "running")
			}
		}
	}()
}

func (e *Engine) publish(ctx context.Context, state string) {
	if e.progress == nil {
		return
	}
	snap := e.Snapshot()
	snap.Status = state
	if err := e.progress.Save(ctx, snap); err != nil {
		e.logger.Warn("publish progress snapshot", "error", err)
	}
}

// Snapshot reports the live counters and governor state.
func (e *Engine) Snapshot() sessionstate.Snapshot {
	now := e.now()
	perSecond, eta := e.stats.rate(now.Sub(e.started))
	gov := e.governor.Snapshot()
	return sessionstate.Snapshot{
		RunID:         e.runID,
		WorkerIndex:   e.cfg.Shard.Index,
		WorkerCount:   e.cfg.Shard.Count,
		Status:        "running",
		Total:         e.stats.total.Load(),
		Processed:     e.stats.processed.Load(),
		Success:       e.stats.success.Load(),
		Failed:        e.stats.failed.Load(),
		Skipped:       e.stats.skipped.Load(),
		RateLimited:   e.stats.rateLimited.Load(),
		RatePerSecond: perSecond,
		ETASeconds:    eta.Round(time.Second).Seconds(),
		Mode:          string(gov.Mode),
		CooldownUntil: gov.CooldownUntil,
		BansDetected:  gov.BansDetected,
		StartedAt:     e.started,
		UpdatedAt:     now,
	}
}

// IdentityStats reports the per-identity counters; empty for direct egress.
func (e *Engine) IdentityStats() []identity.Stats {
	return e.identities.Stats()
}

func (e *Engine) finish(cancelled bool) error {
	finished := e.now()
	out := e.cfg.Output

	results, err := e.store.ExportResults(filepath.Join(out.Dir, out.ResultsFile))
	if err != nil {
		return err
	}
	if err := e.failures.Flush(); err != nil {
		return fmt.Errorf("write failures: %w", err)
	}

	gov := e.governor.Snapshot()
	perSecond, _ := e.stats.rate(finished.Sub(e.started))
	meta := Metadata{
		RunID:            e.runID,
		WorkerIndex:      e.cfg.Shard.Index,
		WorkerCount:      e.cfg.Shard.Count,
		Policy:           e.cfg.Shard.Policy,
		ShardSize:        e.shardSize,
		Resumed:          e.stats.resumed.Load(),
		Success:          e.stats.success.Load(),
		Failed:           e.stats.failed.Load(),
		Skipped:          e.stats.skipped.Load(),
		RateLimited:      e.stats.rateLimited.Load(),
		Abandoned:        e.stats.abandoned.Load(),
		Results:          results,
		SessionRotations: e.lanes.Rotations(),
		BansDetected:     gov.BansDetected,
		Identities:       e.identities.Stats(),
		StartedAt:        e.started.UTC(),
		FinishedAt:       finished.UTC(),
		DurationSeconds:  finished.Sub(e.started).Seconds(),
		RatePerSecond:    perSecond,
		Cancelled:        cancelled,
	}
	if err := checkpoint.WriteJSON(filepath.Join(out.Dir, out.MetadataFile), meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	state := "completed"
	if cancelled {
		state = "cancelled"
	}
	e.publish(context.Background(), state)
	e.logger.Info("run finished",
		"status", state,
		"success", meta.Success,
		"failed", meta.Failed,
		"skipped", meta.Skipped,
		"rate_limited", meta.RateLimited,
		"abandoned", meta.Abandoned,
		"resumed", meta.Resumed,
		"results", meta.Results,
		"session_rotations", meta.SessionRotations,
		"bans_detected", meta.BansDetected,
		"rate_per_sec", fmt.Sprintf("%.2f", meta.RatePerSecond),
		"duration", finished.Sub(e.started).Round(time.Second).String(),
	)
	return nil
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if cerr := closer(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}
