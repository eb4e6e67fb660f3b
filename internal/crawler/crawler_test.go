package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mro-harvester/internal/config"
	"mro-harvester/internal/fetcher"
	"mro-harvester/pkg/types"
)

type shop struct {
	mu   sync.Mutex
	hits map[string]int
}

func (s *shop) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	s.mu.Unlock()
	if strings.HasPrefix(r.URL.Path, "/missing") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<html><body><h1 class="product-title">Item %s</h1><span class="price">$12.50</span></body></html>`, r.URL.Path)
}

func (s *shop) Hits() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.hits))
	for k, v := range s.hits {
		out[k] = v
	}
	return out
}

func testConfig(t *testing.T, urls []string) config.Config {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "urls.txt")
	if err := os.WriteFile(input, []byte(strings.Join(urls, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	cfg := config.Default()
	cfg.Input.Path = input
	cfg.Shard.Count = 2
	cfg.Shard.Index = 0
	cfg.Shard.Policy = config.PolicyInterleaved
	cfg.Worker.Concurrency = 2
	cfg.Worker.QueueSize = 4
	cfg.Throttle.MinDelay = config.DurationFrom(0)
	cfg.Throttle.MaxDelay = config.DurationFrom(0)
	cfg.Retry.MaxRetries = 1
	cfg.Robots.Respect = false
	cfg.Output.Dir = filepath.Join(dir, "out")
	cfg.Checkpoint.Dir = cfg.Output.Dir
	cfg.Progress.Every = 1
	cfg.Progress.SnapshotInterval = config.DurationFrom(0)
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runEngine(t *testing.T, cfg config.Config, opts Options) error {
	t.Helper()
	opts.Logger = quietLogger()
	engine, err := NewEngine(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine.Run(context.Background())
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestRunHarvestsOwnShardAndWritesOutputs(t *testing.T) {
	site := &shop{hits: map[string]int{}}
	srv := httptest.NewServer(site)
	defer srv.Close()

	urls := []string{srv.URL + "/p/1", srv.URL + "/p/2", srv.URL + "/missing/3", srv.URL + "/p/4", srv.URL + "/p/5", srv.URL + "/p/6"}
	cfg := testConfig(t, urls)
	if err := runEngine(t, cfg, Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var results map[string]types.Record
	readJSON(t, filepath.Join(cfg.Output.Dir, "results.json"), &results)
	if len(results) != 2 {
		t.Fatalf("results = %v, want the two found items of shard 0", results)
	}
	for _, id := range []string{urls[0], urls[4]} {
		if results[id]["name"] == nil {
			t.Fatalf("missing record for %s: %v", id, results)
		}
	}

	hits := site.Hits()
	for _, path := range []string{"/p/2", "/p/4", "/p/6"} {
		if hits[path] != 0 {
			t.Fatalf("%s belongs to worker 1 but was fetched", path)
		}
	}

	var failures []types.FailureEntry
	readJSON(t, filepath.Join(cfg.Output.Dir, "failures.json"), &failures)
	if len(failures) != 0 {
		t.Fatalf("failures = %v, want none", failures)
	}

	var meta Metadata
	readJSON(t, filepath.Join(cfg.Output.Dir, "metadata.json"), &meta)
	if meta.WorkerIndex != 0 || meta.Success != 2 || meta.Skipped != 1 || meta.Failed != 0 || meta.ShardSize != 3 {
		t.Fatalf("metadata = %+v", meta)
	}
	if meta.RunID == "" || meta.Cancelled || meta.RatePerSecond <= 0 {
		t.Fatalf("metadata = %+v", meta)
	}
}

func TestRunResumeIsIdempotent(t *testing.T) {
	site := &shop{hits: map[string]int{}}
	srv := httptest.NewServer(site)
	defer srv.Close()

	urls := []string{srv.URL + "/p/1", srv.URL + "/p/2", srv.URL + "/p/3", srv.URL + "/p/4"}
	cfg := testConfig(t, urls)
	cfg.Shard.Count = 1

	if err := runEngine(t, cfg, Options{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "results.json"))
	if err != nil {
		t.Fatalf("read results: %v", err)
	}
	hitsAfterFirst := site.Hits()

	if err := runEngine(t, cfg, Options{}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "results.json"))
	if err != nil {
		t.Fatalf("read results: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("results changed on resume:\n%s\n---\n%s", first, second)
	}
	if fmt.Sprint(site.Hits()) != fmt.Sprint(hitsAfterFirst) {
		t.Fatalf("resume refetched completed items: %v -> %v", hitsAfterFirst, site.Hits())
	}

	var meta Metadata
	readJSON(t, filepath.Join(cfg.Output.Dir, "metadata.json"), &meta)
	if meta.Resumed != 4 || meta.Success != 0 || meta.Results != 4 {
		t.Fatalf("metadata = %+v", meta)
	}
}

func TestRunRecordsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := testConfig(t, []string{srv.URL + "/p/1"})
	cfg.Shard.Count = 1
	cfg.Retry.BlockedBackoff = config.DurationFrom(0)
	cfg.Retry.MaxRetries = 2
	if err := runEngine(t, cfg, Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var failures []types.FailureEntry
	readJSON(t, filepath.Join(cfg.Output.Dir, "failures.json"), &failures)
	if len(failures) != 1 || failures[0].ErrorClass != "Blocked" || failures[0].Attempts != 2 {
		t.Fatalf("failures = %+v", failures)
	}
	var meta Metadata
	readJSON(t, filepath.Join(cfg.Output.Dir, "metadata.json"), &meta)
	if meta.Failed != 1 || meta.RateLimited != 2 {
		t.Fatalf("metadata = %+v", meta)
	}
}

// productFetcher serves a product page for every URL and cancels the run on
// call cancelAt, if set.
type productFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	n        int
	cancelAt int
	cancel   context.CancelFunc
}

func (f *productFetcher) Fetch(ctx context.Context, req fetcher.Request) (*types.Page, error) {
	f.mu.Lock()
	f.n++
	n := f.n
	f.calls[req.URL.String()]++
	f.mu.Unlock()
	if f.cancel != nil && n == f.cancelAt {
		f.cancel()
		return nil, ctx.Err()
	}
	body := fmt.Sprintf(`<html><body><h1 class="product-title">Item %s</h1></body></html>`, req.URL.Path)
	return &types.Page{URL: req.URL, FinalURL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (f *productFetcher) Calls() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.calls))
	for k, v := range f.calls {
		out[k] = v
	}
	return out
}

func TestRunResumesAfterInterruption(t *testing.T) {
	const total, committed = 6, 3
	urls := make([]string, total)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://shop.example/p/%d", i+1)
	}
	cfg := testConfig(t, urls)
	cfg.Shard.Count = 1
	cfg.Worker.Concurrency = 1

	ctx, cancel := context.WithCancel(context.Background())
	first := &productFetcher{calls: map[string]int{}, cancelAt: committed + 1, cancel: cancel}
	engine, err := NewEngine(context.Background(), cfg, Options{Logger: quietLogger(), Fetcher: first})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := engine.Run(ctx); err != context.Canceled {
		t.Fatalf("interrupted run = %v, want context.Canceled", err)
	}
	var partial map[string]types.Record
	readJSON(t, filepath.Join(cfg.Output.Dir, "results.json"), &partial)
	if len(partial) != committed {
		t.Fatalf("committed %d items before interruption, want %d", len(partial), committed)
	}

	second := &productFetcher{calls: map[string]int{}}
	if err := runEngine(t, cfg, Options{Fetcher: second}); err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	calls := second.Calls()
	for id := range partial {
		if calls[id] != 0 {
			t.Fatalf("%s was committed before the interruption but fetched again", id)
		}
	}
	if len(calls) != total-committed {
		t.Fatalf("resumed run fetched %v, want the %d remaining items", calls, total-committed)
	}

	var results map[string]types.Record
	readJSON(t, filepath.Join(cfg.Output.Dir, "results.json"), &results)
	if len(results) != total {
		t.Fatalf("results = %d, want %d as in an uninterrupted run", len(results), total)
	}
	var meta Metadata
	readJSON(t, filepath.Join(cfg.Output.Dir, "metadata.json"), &meta)
	if meta.Resumed != committed || meta.Success != total-committed || meta.Results != total {
		t.Fatalf("metadata = %+v", meta)
	}
}

func TestRunToleratesUnreadableFailuresLedger(t *testing.T) {
	cfg := testConfig(t, []string{"https://shop.example/p/1"})
	cfg.Shard.Count = 1
	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Output.Dir, "failures.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write failures: %v", err)
	}
	if err := runEngine(t, cfg, Options{Fetcher: &productFetcher{calls: map[string]int{}}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var failures []types.FailureEntry
	readJSON(t, filepath.Join(cfg.Output.Dir, "failures.json"), &failures)
	if len(failures) != 0 {
		t.Fatalf("failures = %v, want a fresh empty ledger", failures)
	}
}

type blockingFetcher struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingFetcher) Fetch(ctx context.Context, _ fetcher.Request) (*types.Page, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunCancellationAbandonsInFlight(t *testing.T) {
	cfg := testConfig(t, []string{"https://shop.example/p/1", "https://shop.example/p/2", "https://shop.example/p/3"})
	cfg.Shard.Count = 1
	block := &blockingFetcher{started: make(chan struct{})}

	engine, err := NewEngine(context.Background(), cfg, Options{Logger: quietLogger(), Fetcher: block})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	select {
	case <-block.started:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch never started")
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	var results map[string]types.Record
	readJSON(t, filepath.Join(cfg.Output.Dir, "results.json"), &results)
	if len(results) != 0 {
		t.Fatalf("results = %v, want nothing committed", results)
	}
	var failures []types.FailureEntry
	readJSON(t, filepath.Join(cfg.Output.Dir, "failures.json"), &failures)
	if len(failures) != 0 {
		t.Fatalf("failures = %v, want none for abandoned items", failures)
	}
	var meta Metadata
	readJSON(t, filepath.Join(cfg.Output.Dir, "metadata.json"), &meta)
	if !meta.Cancelled || meta.Success != 0 {
		t.Fatalf("metadata = %+v", meta)
	}
}

func TestNewEngineFailsWhenIdentitiesRequired(t *testing.T) {
	cfg := testConfig(t, []string{"https://shop.example/p/1"})
	cfg.Identity.Required = true
	if _, err := NewEngine(context.Background(), cfg, Options{Logger: quietLogger()}); err == nil {
		t.Fatal("expected error when identities are required but unavailable")
	}
}
