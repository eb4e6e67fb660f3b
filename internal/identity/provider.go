package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"mro-harvester/internal/config"
)

// Provider supplies the identities a pool rotates over.
type Provider interface {
	Fetch(ctx context.Context) ([]*Identity, error)
}

// NewProvider builds the provider selected by cfg. It returns nil when no
// provider is configured, or when the webshare provider has no API key.
func NewProvider(cfg config.IdentityConfig) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderNone:
		return nil, nil
	case config.ProviderWebshare:
		if cfg.APIKey == "" {
			return nil, nil
		}
		return &WebshareProvider{
			APIKey:   cfg.APIKey,
			Endpoint: cfg.Endpoint,
			Limit:    cfg.Limit,
			Client:   &http.Client{Timeout: cfg.Timeout.Duration},
		}, nil
	case config.ProviderStatic:
		return StaticProvider(cfg.Proxies), nil
	default:
		return nil, fmt.Errorf("unknown identity provider %q", cfg.Provider)
	}
}

// WebshareProvider lists proxies from the Webshare v2 API.
type WebshareProvider struct {
	APIKey   string
	Endpoint string
	Limit    int
	Client   *http.Client
}

type webshareProxy struct {
	ProxyAddress string `json:"proxy_address"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Valid        *bool  `json:"valid"`
}

type webshareList struct {
	Count   int             `json:"count"`
	Results []webshareProxy `json:"results"`
}

// Fetch requests one page of direct-mode proxies bounded by Limit.
func (w *WebshareProvider) Fetch(ctx context.Context) ([]*Identity, error) {
	if w.APIKey == "" {
		return nil, fmt.Errorf("%w: missing api key", ErrProvider)
	}
	endpoint := w.Endpoint
	if endpoint == "" {
		endpoint = "https://proxy.webshare.io/api/v2/proxy/list/"
	}
	limit := w.Limit
	if limit <= 0 {
		limit = 100
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: parse endpoint: %v", ErrProvider, err)
	}
	q := u.Query()
	q.Set("mode", "direct")
	q.Set("page", "1")
	q.Set("page_size", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrProvider, err)
	}
	req.Header.Set("Authorization", "Token "+w.APIKey)
	req.Header.Set("Accept", "application/json")

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, snippet)
	}

	var list webshareList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("%w: decode proxy list: %v", ErrProvider, err)
	}
	identities := make([]*Identity, 0, len(list.Results))
	for _, p := range list.Results {
		if p.ProxyAddress == "" || p.Port == 0 {
			continue
		}
		if p.Valid != nil && !*p.Valid {
			continue
		}
		identities = append(identities, New(p.ProxyAddress, p.Port, p.Username, p.Password))
		if len(identities) == limit {
			break
		}
	}
	if len(identities) == 0 {
		return nil, ErrNoIdentities
	}
	return identities, nil
}

// StaticProvider serves a fixed list of proxy URLs.
type StaticProvider []string

// Fetch parses every configured proxy URL.
func (s StaticProvider) Fetch(context.Context) ([]*Identity, error) {
	identities := make([]*Identity, 0, len(s))
	var errs []error
	for _, raw := range s {
		id, err := Parse(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		identities = append(identities, id)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrProvider, errors.Join(errs...))
	}
	if len(identities) == 0 {
		return nil, ErrNoIdentities
	}
	return identities, nil
}
