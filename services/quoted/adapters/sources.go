package adapters

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"priceguard/pricing"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Directory routes feed reads to the source registered for each reference.
type Directory struct {
	mu      sync.RWMutex
	sources map[string]pricing.FeedReader
}

// NewDirectory constructs an empty feed directory.
func NewDirectory() *Directory {
	return &Directory{sources: make(map[string]pricing.FeedReader)}
}

// Register installs a source for a feed reference, replacing any previous one.
func (d *Directory) Register(feedRef string, source pricing.FeedReader) {
	if d == nil || source == nil {
		return
	}
	ref := strings.ToUpper(strings.TrimSpace(feedRef))
	if ref == "" {
		return
	}
	d.mu.Lock()
	d.sources[ref] = source
	d.mu.Unlock()
}

// Read implements pricing.FeedReader.
func (d *Directory) Read(feedRef string) (pricing.Reading, error) {
	if d == nil {
		return pricing.Reading{}, fmt.Errorf("feed directory not configured")
	}
	ref := strings.ToUpper(strings.TrimSpace(feedRef))
	d.mu.RLock()
	source := d.sources[ref]
	d.mu.RUnlock()
	if source == nil {
		return pricing.Reading{}, fmt.Errorf("%w: no source for %s", pricing.ErrFeedUnavailable, ref)
	}
	return source.Read(ref)
}

// Registry constructs feed sources based on configuration.
type Registry struct {
	HTTPClient HTTPDoer
	Manual     *pricing.ManualFeed
}

// NewRegistry builds a registry with sane defaults. The manual feed instance
// is shared across all manual references so operator overrides apply at once.
func NewRegistry(manual *pricing.ManualFeed) *Registry {
	if manual == nil {
		manual = pricing.NewManualFeed()
	}
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}, Manual: manual}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(typ, endpoint, apiKey string, decimals uint8) (pricing.FeedReader, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "manual":
		return r.Manual, nil
	case "http":
		return NewHTTPFeed(r.client(), endpoint, apiKey, decimals)
	default:
		return nil, fmt.Errorf("unknown feed type %q", typ)
	}
}

func (r *Registry) client() HTTPDoer {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// HTTPFeed reads a price from a JSON quote endpoint. The endpoint is expected
// to answer with {"price": "<integer or decimal>", "decimals": n,
// "updated_at": <unix seconds>}; the reading's age is measured from
// updated_at at fetch time.
type HTTPFeed struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
	decimals uint8
	now      func() time.Time
}

// NewHTTPFeed constructs an HTTP feed adapter. When decimals is non-zero it
// overrides whatever precision the endpoint reports.
func NewHTTPFeed(client HTTPDoer, endpoint, apiKey string, decimals uint8) (*HTTPFeed, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("http feed endpoint required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFeed{
		client:   client,
		endpoint: trimmed,
		apiKey:   strings.TrimSpace(apiKey),
		decimals: decimals,
		now:      time.Now,
	}, nil
}

// SetClock overrides the feed clock, primarily for deterministic testing.
func (f *HTTPFeed) SetClock(now func() time.Time) {
	if f == nil || now == nil {
		return
	}
	f.now = now
}

// Read implements pricing.FeedReader.
func (f *HTTPFeed) Read(feedRef string) (pricing.Reading, error) {
	if f == nil {
		return pricing.Reading{}, fmt.Errorf("http feed not configured")
	}
	req, err := http.NewRequest(http.MethodGet, f.endpoint, nil)
	if err != nil {
		return pricing.Reading{}, err
	}
	values := url.Values{}
	values.Set("feed", strings.ToUpper(strings.TrimSpace(feedRef)))
	req.URL.RawQuery = values.Encode()
	if f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return pricing.Reading{}, fmt.Errorf("%w: %s: %v", pricing.ErrFeedUnavailable, feedRef, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return pricing.Reading{}, fmt.Errorf("%w: %s: status %d: %s", pricing.ErrFeedUnavailable, feedRef, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Price     string `json:"price"`
		Decimals  uint8  `json:"decimals"`
		UpdatedAt int64  `json:"updated_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return pricing.Reading{}, fmt.Errorf("%w: %s: decode: %v", pricing.ErrFeedUnavailable, feedRef, err)
	}
	priceStr := strings.TrimSpace(payload.Price)
	if priceStr == "" {
		return pricing.Reading{}, fmt.Errorf("%w: %s: empty price", pricing.ErrFeedUnavailable, feedRef)
	}
	decimals := payload.Decimals
	if f.decimals > 0 {
		decimals = f.decimals
	}
	price, err := parsePrice(priceStr, decimals)
	if err != nil {
		return pricing.Reading{}, fmt.Errorf("%w: %s: %v", pricing.ErrFeedUnavailable, feedRef, err)
	}
	age := time.Duration(0)
	if payload.UpdatedAt > 0 {
		age = f.now().Sub(time.Unix(payload.UpdatedAt, 0))
		if age < 0 {
			age = 0
		}
	}
	return pricing.Reading{Price: price, Decimals: decimals, Age: age}, nil
}

// parsePrice accepts either a raw integer in the feed's native scale or a
// decimal string, which is scaled up to the feed's precision.
func parsePrice(raw string, decimals uint8) (*big.Int, error) {
	if !strings.Contains(raw, ".") {
		price, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("invalid price %q", raw)
		}
		return price, nil
	}
	rat, ok := new(big.Rat).SetString(raw)
	if !ok {
		return nil, fmt.Errorf("invalid price %q", raw)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(scale))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}
