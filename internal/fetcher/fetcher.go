package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"

	"mro-harvester/internal/identity"
	"mro-harvester/internal/session"
	"mro-harvester/pkg/types"
)

// ErrBodyTooLarge is returned when a response exceeds MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// Request describes one fetch attempt.
type Request struct {
	URL      *url.URL
	Session  *session.Session
	Identity *identity.Identity
	Render   bool
}

// Fetcher retrieves a page for the pipeline.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*types.Page, error)
}

// Options controls HTTP fetching behaviour.
type Options struct {
	Timeout      time.Duration
	MaxBodyBytes int64
}

// HTTPFetcher issues requests through the session's client, proxied via the
// request's identity.
type HTTPFetcher struct {
	timeout      time.Duration
	maxBodyBytes int64
	fallback     *http.Client
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 * 1024 * 1024
	}
	return &HTTPFetcher{
		timeout:      opts.Timeout,
		maxBodyBytes: opts.MaxBodyBytes,
		fallback:     &http.Client{Transport: session.NewTransport()},
	}
}

// Fetch downloads a single URL. The response is returned for every HTTP
// status; only transport failures produce an error.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*types.Page, error) {
	if req.URL == nil {
		return nil, errors.New("request URL is nil")
	}
	ctx, cancel := context.WithTimeout(identity.WithIdentity(ctx, req.Identity), f.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.8")
	client := f.fallback
	sessionID := ""
	if req.Session != nil {
		req.Session.Apply(httpReq)
		client = req.Session.Client()
		sessionID = req.Session.ID
	}
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, err
	}
	contentType := resp.Header.Get("Content-Type")

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	return &types.Page{
		URL:             req.URL,
		FinalURL:        finalURL,
		Body:            toUTF8(body, contentType),
		ContentType:     contentType,
		StatusCode:      resp.StatusCode,
		Headers:         resp.Header.Clone(),
		FetchedAt:       time.Now(),
		ResponseLatency: time.Since(start),
		Identity:        req.Identity.String(),
		SessionID:       sessionID,
	}, nil
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, f.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w of %d bytes", ErrBodyTooLarge, f.maxBodyBytes)
	}
	return body, nil
}

// toUTF8 decodes body using the charset declared in the Content-Type header,
// falling back to sniffing BOMs and meta tags.
func toUTF8(body []byte, contentType string) []byte {
	if len(body) == 0 {
		return body
	}
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if name := strings.ToLower(strings.TrimSpace(params["charset"])); name != "" {
			if name == "utf-8" || name == "utf8" {
				return body
			}
			if enc, err := htmlindex.Get(name); err == nil {
				if decoded, err := enc.NewDecoder().Bytes(body); err == nil {
					return decoded
				}
			}
			return body
		}
	}
	enc, name, _ := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" || enc == nil {
		return body
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil || bytes.Equal(decoded, body) {
		return body
	}
	return decoded
}

// Composite chooses between raw HTTP and a renderer per request.
type Composite struct {
	defaultFetcher Fetcher
	renderer       Renderer
	logger         *slog.Logger
}

// Renderer executes JavaScript and returns the rendered DOM.
type Renderer interface {
	Render(ctx context.Context, req Request) (*types.Page, error)
}

// NewComposite builds a composite fetcher from HTTP and optional renderer components.
func NewComposite(httpFetcher Fetcher, renderer Renderer, logger *slog.Logger) *Composite {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composite{defaultFetcher: httpFetcher, renderer: renderer, logger: logger}
}

// Fetch delegates to either the renderer (if requested) or the HTTP fetcher.
func (c *Composite) Fetch(ctx context.Context, req Request) (*types.Page, error) {
	if req.Render && c.renderer != nil {
		page, err := c.renderer.Render(ctx, req)
		if err == nil {
			return page, nil
		}
		c.logger.Warn("renderer failed, falling back to HTTP fetch", "url", req.URL.String(), "error", err)
	}
	req.Render = false
	return c.defaultFetcher.Fetch(ctx, req)
}
