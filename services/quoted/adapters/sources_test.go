package adapters

import (
	"bytes"
	"errors"
	"io"
	"math/big"
	"net/http"
	"testing"
	"time"

	"priceguard/pricing"
)

type stubDoer struct {
	lastReq *http.Request
	status  int
	body    string
	err     error
}

func (s *stubDoer) Do(req *http.Request) (*http.Response, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &http.Response{
		StatusCode: s.status,
		Body:       io.NopCloser(bytes.NewReader([]byte(s.body))),
	}, nil
}

func TestHTTPFeedReadsPayload(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	doer := &stubDoer{status: http.StatusOK, body: `{"price":"0.5","decimals":8,"updated_at":1699999970}`}
	feed, err := NewHTTPFeed(doer, "https://quotes.example.com/price", "secret-key", 0)
	if err != nil {
		t.Fatalf("new http feed: %v", err)
	}
	feed.SetClock(func() time.Time { return now })

	reading, err := feed.Read("well/usd")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reading.Price.Cmp(big.NewInt(50_000_000)) != 0 {
		t.Fatalf("unexpected price: %s", reading.Price)
	}
	if reading.Decimals != 8 {
		t.Fatalf("unexpected decimals: %d", reading.Decimals)
	}
	if reading.Age != 30*time.Second {
		t.Fatalf("unexpected age: %s", reading.Age)
	}
	if got := doer.lastReq.URL.Query().Get("feed"); got != "WELL/USD" {
		t.Fatalf("unexpected feed query: %q", got)
	}
	if got := doer.lastReq.Header.Get("x-api-key"); got != "secret-key" {
		t.Fatalf("unexpected api key header: %q", got)
	}
}

func TestHTTPFeedFutureTimestampClampsAge(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	doer := &stubDoer{status: http.StatusOK, body: `{"price":"100","decimals":8,"updated_at":1700000100}`}
	feed, err := NewHTTPFeed(doer, "https://quotes.example.com/price", "", 0)
	if err != nil {
		t.Fatalf("new http feed: %v", err)
	}
	feed.SetClock(func() time.Time { return now })

	reading, err := feed.Read("BTC/USD")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reading.Age != 0 {
		t.Fatalf("expected clamped age, got %s", reading.Age)
	}
}

func TestHTTPFeedUpstreamFailure(t *testing.T) {
	doer := &stubDoer{status: http.StatusServiceUnavailable, body: "down for maintenance"}
	feed, err := NewHTTPFeed(doer, "https://quotes.example.com/price", "", 0)
	if err != nil {
		t.Fatalf("new http feed: %v", err)
	}
	if _, err := feed.Read("BTC/USD"); !errors.Is(err, pricing.ErrFeedUnavailable) {
		t.Fatalf("expected feed unavailable, got %v", err)
	}

	doer = &stubDoer{err: errors.New("connection refused")}
	feed, err = NewHTTPFeed(doer, "https://quotes.example.com/price", "", 0)
	if err != nil {
		t.Fatalf("new http feed: %v", err)
	}
	if _, err := feed.Read("BTC/USD"); !errors.Is(err, pricing.ErrFeedUnavailable) {
		t.Fatalf("expected feed unavailable on transport error, got %v", err)
	}
}

func TestHTTPFeedDecimalsOverride(t *testing.T) {
	doer := &stubDoer{status: http.StatusOK, body: `{"price":"1.5","decimals":2,"updated_at":0}`}
	feed, err := NewHTTPFeed(doer, "https://quotes.example.com/price", "", 6)
	if err != nil {
		t.Fatalf("new http feed: %v", err)
	}
	reading, err := feed.Read("ETH/USD")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reading.Decimals != 6 {
		t.Fatalf("expected override decimals, got %d", reading.Decimals)
	}
	if reading.Price.Cmp(big.NewInt(1_500_000)) != 0 {
		t.Fatalf("unexpected scaled price: %s", reading.Price)
	}
}

func TestDirectoryRouting(t *testing.T) {
	manual := pricing.NewManualFeed()
	if err := manual.Set("WELL/USD", big.NewInt(42), 8, time.Now()); err != nil {
		t.Fatalf("seed manual: %v", err)
	}
	dir := NewDirectory()
	dir.Register("well/usd", manual)

	reading, err := dir.Read("WELL/USD")
	if err != nil {
		t.Fatalf("read registered feed: %v", err)
	}
	if reading.Price.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("unexpected price: %s", reading.Price)
	}

	if _, err := dir.Read("BTC/USD"); !errors.Is(err, pricing.ErrFeedUnavailable) {
		t.Fatalf("expected unavailable for unregistered feed, got %v", err)
	}
}

func TestRegistryBuild(t *testing.T) {
	manual := pricing.NewManualFeed()
	registry := NewRegistry(manual)

	source, err := registry.Build("manual", "", "", 0)
	if err != nil {
		t.Fatalf("build manual: %v", err)
	}
	if source != pricing.FeedReader(manual) {
		t.Fatalf("expected shared manual feed instance")
	}

	if _, err := registry.Build("http", "https://quotes.example.com", "key", 8); err != nil {
		t.Fatalf("build http: %v", err)
	}
	if _, err := registry.Build("http", "", "", 0); err == nil {
		t.Fatalf("expected error for http feed without endpoint")
	}
	if _, err := registry.Build("carrier-pigeon", "", "", 0); err == nil {
		t.Fatalf("expected error for unknown feed type")
	}
}

func TestParsePrice(t *testing.T) {
	cases := []struct {
		raw      string
		decimals uint8
		want     string
		wantErr  bool
	}{
		{raw: "50000000", decimals: 8, want: "50000000"},
		{raw: "0.5", decimals: 8, want: "50000000"},
		{raw: "1234.5678", decimals: 4, want: "12345678"},
		{raw: "0.0000001", decimals: 8, want: "10"},
		{raw: "not-a-number", decimals: 8, wantErr: true},
		{raw: "1.2.3", decimals: 8, wantErr: true},
	}
	for _, tc := range cases {
		got, err := parsePrice(tc.raw, tc.decimals)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parsePrice(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parsePrice(%q): %v", tc.raw, err)
		}
		if got.String() != tc.want {
			t.Fatalf("parsePrice(%q): got %s want %s", tc.raw, got, tc.want)
		}
	}
}
