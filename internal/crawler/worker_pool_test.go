package crawler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mro-harvester/internal/config"
	"mro-harvester/pkg/types"
)

func TestWorkerPoolRunsQueuedTasksBeforeClose(t *testing.T) {
	pool, err := NewWorkerPool(context.Background(), 3, 2)
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	var ran atomic.Int64
	for i := 0; i < 20; i++ {
		if err := pool.Submit(context.Background(), func(context.Context) { ran.Add(1) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	pool.Close()
	if ran.Load() != 20 {
		t.Fatalf("ran %d tasks, want 20", ran.Load())
	}
	if err := pool.Submit(context.Background(), func(context.Context) {}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Submit after Close = %v, want ErrPoolClosed", err)
	}
}

func TestWorkerPoolRejectsInvalidSizes(t *testing.T) {
	if _, err := NewWorkerPool(context.Background(), 0, 1); err == nil {
		t.Fatal("expected error for zero concurrency")
	}
}

func TestStatsRecordAndRate(t *testing.T) {
	var s Stats
	s.total.Store(10)
	s.record(types.Outcome{State: types.StateDone})
	s.record(types.Outcome{State: types.StateFailed, Blocked: 3})
	s.record(types.Outcome{State: types.StateSkipped})
	if n := s.record(types.Outcome{State: types.StateAbandoned}); n != 0 {
		t.Fatalf("abandoned outcome returned %d", n)
	}
	if s.processed.Load() != 3 || s.rateLimited.Load() != 3 || s.abandoned.Load() != 1 {
		t.Fatalf("processed=%d rateLimited=%d abandoned=%d", s.processed.Load(), s.rateLimited.Load(), s.abandoned.Load())
	}
	perSecond, eta := s.rate(3 * time.Second)
	if perSecond != 1 || eta != 7*time.Second {
		t.Fatalf("rate = %v/s eta %v, want 1/s and 7s", perSecond, eta)
	}
}

func TestBuildLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := buildLogger(config.LoggingConfig{Level: "warn", Structured: true}, &buf)
	if err != nil {
		t.Fatalf("buildLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "url", "https://shop.example/p/1")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("log output = %q", out)
	}
	if _, err := buildLogger(config.LoggingConfig{Level: "loud"}, &buf); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
