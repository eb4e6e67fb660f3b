// Package session bounds how many requests share one connection context and
// gives every new context a freshly randomized client fingerprint.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"mro-harvester/internal/identity"
)

// Options configures session construction and rotation.
type Options struct {
	RequestLimit int
	UserAgents   []string
	Headers      map[string]string
	Referer      string
	RefererRate  float64
	Timeout      time.Duration
	// NewTransport overrides the transport built for each session.
	NewTransport func() http.RoundTripper
	Rand         *rand.Rand
	Logger       *slog.Logger
}

// Session is one logical connection context: a client plus the headers it presents.
type Session struct {
	ID        string
	UserAgent string

	client  *http.Client
	headers http.Header
}

// Client returns the HTTP client bound to the session.
func (s *Session) Client() *http.Client { return s.client }

// Headers returns a copy of the headers the session presents.
func (s *Session) Headers() http.Header { return s.headers.Clone() }

// Apply sets the session headers on req.
func (s *Session) Apply(req *http.Request) {
	for k, values := range s.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
}

func (s *Session) close() {
	if s == nil || s.client == nil {
		return
	}
	s.client.CloseIdleConnections()
}

// Manager owns the current session of one lane and rotates it after
// RequestLimit acquisitions.
type Manager struct {
	lane string
	opts Options

	mu        sync.Mutex
	rng       *rand.Rand
	current   *Session
	requests  int
	seq       int
	rotations int
}

// NewManager builds a manager for lane. The first session is created lazily.
func NewManager(lane string, opts Options) *Manager {
	if opts.RequestLimit <= 0 {
		opts.RequestLimit = 50
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{lane: lane, opts: opts, rng: opts.Rand}
}

// Lane returns the lane name used for pacing.
func (m *Manager) Lane() string { return m.lane }

// Acquire returns the session to use for the next request, retiring the
// current one first when it has reached the request limit.
func (m *Manager) Acquire() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.requests >= m.opts.RequestLimit {
		if m.current != nil {
			m.opts.Logger.Debug("rotating session", "session", m.current.ID, "requests", m.requests)
			m.current.close()
			m.rotations++
		}
		m.current = m.newSessionLocked()
		m.requests = 0
	}
	m.requests++
	return m.current
}

// Requests returns how many requests the current session has served.
func (m *Manager) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// Rotations returns how many sessions have been retired.
func (m *Manager) Rotations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotations
}

// Close releases the current session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.close()
	m.current = nil
	m.requests = 0
}

func (m *Manager) newSessionLocked() *Session {
	m.seq++
	headers := make(http.Header, len(m.opts.Headers)+2)
	for k, v := range m.opts.Headers {
		headers.Set(k, v)
	}
	var ua string
	if n := len(m.opts.UserAgents); n > 0 {
		ua = m.opts.UserAgents[m.rng.Intn(n)]
		headers.Set("User-Agent", ua)
	}
	if m.opts.Referer != "" && m.rng.Float64() < m.opts.RefererRate {
		headers.Set("Referer", m.opts.Referer)
	}

	var transport http.RoundTripper
	if m.opts.NewTransport != nil {
		transport = m.opts.NewTransport()
	} else {
		transport = NewTransport()
	}
	return &Session{
		ID:        fmt.Sprintf("%s-%d", m.lane, m.seq),
		UserAgent: ua,
		client:    &http.Client{Timeout: m.opts.Timeout, Transport: transport},
		headers:   headers,
	}
}

// NewTransport builds a transport that proxies each request through the
// identity carried in its context.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 identity.ProxyFromRequest,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Lanes is a fixed set of managers handed out one per in-flight item, so each
// logical session serves a single pipeline at a time.
type Lanes struct {
	all  []*Manager
	free chan *Manager
}

// NewLanes creates n managers named lane-0 .. lane-(n-1).
func NewLanes(n int, opts Options) *Lanes {
	if n <= 0 {
		n = 1
	}
	l := &Lanes{free: make(chan *Manager, n)}
	for i := 0; i < n; i++ {
		laneOpts := opts
		if opts.Rand != nil {
			laneOpts.Rand = rand.New(rand.NewSource(opts.Rand.Int63()))
		}
		m := NewManager(fmt.Sprintf("lane-%d", i), laneOpts)
		l.all = append(l.all, m)
		l.free <- m
	}
	return l
}

// Take blocks until a lane is free.
func (l *Lanes) Take(ctx context.Context) (*Manager, error) {
	select {
	case m := <-l.free:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a lane taken with Take.
func (l *Lanes) Put(m *Manager) {
	if m == nil {
		return
	}
	l.free <- m
}

// Rotations sums session rotations across lanes.
func (l *Lanes) Rotations() int {
	total := 0
	for _, m := range l.all {
		total += m.Rotations()
	}
	return total
}

// Close releases every lane's session.
func (l *Lanes) Close() {
	for _, m := range l.all {
		m.Close()
	}
}
