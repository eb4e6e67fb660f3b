package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"mro-harvester/internal/config"
)

func robotsServer(t *testing.T, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAllowedHonoursDisallowAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := robotsServer(t, "User-agent: *\nDisallow: /checkout\nCrawl-delay: 3\n", &hits)
	agent := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "*", CacheTTL: config.DurationFrom(time.Hour)}, srv.Client(), nil)

	ctx := context.Background()
	product, _ := url.Parse(srv.URL + "/products/valve")
	checkout, _ := url.Parse(srv.URL + "/checkout?step=1")
	if !agent.Allowed(ctx, product) {
		t.Fatal("product page should be allowed")
	}
	if agent.Allowed(ctx, checkout) {
		t.Fatal("checkout should be disallowed")
	}
	if got := agent.CrawlDelay(ctx, product); got != 3*time.Second {
		t.Fatalf("CrawlDelay = %s, want 3s", got)
	}
	if hits.Load() != 1 {
		t.Fatalf("robots fetched %d times, want cached after first", hits.Load())
	}
}

func TestAllowedOverridesAndDisabled(t *testing.T) {
	var hits atomic.Int32
	srv := robotsServer(t, "User-agent: *\nDisallow: /\n", &hits)
	target, _ := url.Parse(srv.URL + "/products/valve")

	off := NewAgent(config.RobotsConfig{Respect: false, UserAgent: "*"}, srv.Client(), nil)
	if !off.Allowed(context.Background(), target) {
		t.Fatal("disabled agent must allow")
	}
	over := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "*", Overrides: []string{target.Hostname()}}, srv.Client(), nil)
	if !over.Allowed(context.Background(), target) {
		t.Fatal("override host must allow")
	}
	if hits.Load() != 0 {
		t.Fatalf("robots fetched %d times, want none", hits.Load())
	}
}

func TestAllowedFailsOpen(t *testing.T) {
	agent := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "*"}, &http.Client{Timeout: 100 * time.Millisecond}, nil)
	target, _ := url.Parse("http://127.0.0.1:1/products/valve")
	if !agent.Allowed(context.Background(), target) {
		t.Fatal("unreachable robots.txt should allow")
	}
}
