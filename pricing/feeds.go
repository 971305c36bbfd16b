package pricing

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Reading captures a single observation from an external price feed: the raw
// integer price, the feed's native decimal precision, and how old the
// observation was at read time.
type Reading struct {
	Price    *big.Int
	Decimals uint8
	Age      time.Duration
}

// Clone returns a deep copy of the reading to prevent accidental mutations.
func (r Reading) Clone() Reading {
	clone := Reading{Decimals: r.Decimals, Age: r.Age}
	if r.Price != nil {
		clone.Price = new(big.Int).Set(r.Price)
	}
	return clone
}

// FeedReader resolves the latest observation for a feed reference. Reads are
// side-effect-free value reads; implementations must not block on the caller.
type FeedReader interface {
	Read(feedRef string) (Reading, error)
}

// FeedReaderFunc adapts ordinary functions to FeedReader.
type FeedReaderFunc func(feedRef string) (Reading, error)

// Read implements FeedReader.
func (f FeedReaderFunc) Read(feedRef string) (Reading, error) {
	if f == nil {
		return Reading{}, fmt.Errorf("pricing: feed reader not configured")
	}
	return f(feedRef)
}

// AssetMetadata reports the native decimal precision for an asset symbol.
type AssetMetadata interface {
	Decimals(asset string) (uint8, error)
}

// StaticAssetMetadata is a fixed symbol-to-decimals table.
type StaticAssetMetadata struct {
	decimals map[string]uint8
}

// NewStaticAssetMetadata builds a metadata table from the supplied mapping.
// Symbols are stored uppercase so lookups remain consistent regardless of the
// configuration casing.
func NewStaticAssetMetadata(decimals map[string]uint8) *StaticAssetMetadata {
	table := make(map[string]uint8, len(decimals))
	for symbol, dec := range decimals {
		trimmed := normaliseSymbol(symbol)
		if trimmed == "" {
			continue
		}
		table[trimmed] = dec
	}
	return &StaticAssetMetadata{decimals: table}
}

// Decimals implements AssetMetadata.
func (m *StaticAssetMetadata) Decimals(asset string) (uint8, error) {
	if m == nil {
		return 0, fmt.Errorf("pricing: asset metadata not configured")
	}
	dec, ok := m.decimals[normaliseSymbol(asset)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, normaliseSymbol(asset))
	}
	return dec, nil
}

type manualEntry struct {
	price      *big.Int
	decimals   uint8
	observedAt time.Time
}

// ManualFeed provides an in-memory feed implementation used for tests and
// manual overrides during incident response.
type ManualFeed struct {
	mu      sync.RWMutex
	entries map[string]manualEntry
	now     func() time.Time
}

// NewManualFeed constructs an empty manual feed instance.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{entries: make(map[string]manualEntry), now: time.Now}
}

// SetClock overrides the feed clock, primarily for deterministic testing.
func (m *ManualFeed) SetClock(now func() time.Time) {
	if m == nil || now == nil {
		return
	}
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Set records the supplied price for the feed reference with the given
// observation time. Non-positive prices are stored as-is so staleness and
// validity checks remain the evaluator's responsibility.
func (m *ManualFeed) Set(feedRef string, price *big.Int, decimals uint8, observedAt time.Time) error {
	if m == nil {
		return fmt.Errorf("pricing: manual feed not configured")
	}
	ref := normaliseFeedRef(feedRef)
	if ref == "" {
		return fmt.Errorf("pricing: feed reference required")
	}
	if price == nil {
		return fmt.Errorf("pricing: price required for feed %s", ref)
	}
	entry := manualEntry{price: new(big.Int).Set(price), decimals: decimals, observedAt: observedAt}
	m.mu.Lock()
	m.entries[ref] = entry
	m.mu.Unlock()
	return nil
}

// SetDecimal parses a decimal string and stores it scaled to the feed's
// native precision.
func (m *ManualFeed) SetDecimal(feedRef, price string, decimals uint8, observedAt time.Time) error {
	if m == nil {
		return fmt.Errorf("pricing: manual feed not configured")
	}
	trimmed := strings.TrimSpace(price)
	if trimmed == "" {
		return fmt.Errorf("pricing: price required for feed %s", normaliseFeedRef(feedRef))
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("pricing: invalid price %q for feed %s", price, normaliseFeedRef(feedRef))
	}
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(pow10(decimals)))
	value := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	return m.Set(feedRef, value, decimals, observedAt)
}

// Read implements FeedReader. The reported age is measured against the feed
// clock at read time.
func (m *ManualFeed) Read(feedRef string) (Reading, error) {
	if m == nil {
		return Reading{}, fmt.Errorf("pricing: manual feed not configured")
	}
	ref := normaliseFeedRef(feedRef)
	m.mu.RLock()
	entry, ok := m.entries[ref]
	now := m.now
	m.mu.RUnlock()
	if !ok {
		return Reading{}, fmt.Errorf("%w: %s", ErrFeedUnavailable, ref)
	}
	age := time.Duration(0)
	if !entry.observedAt.IsZero() {
		age = now().Sub(entry.observedAt)
		if age < 0 {
			age = 0
		}
	}
	reading := Reading{Decimals: entry.decimals, Age: age}
	if entry.price != nil {
		reading.Price = new(big.Int).Set(entry.price)
	}
	return reading, nil
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func normaliseFeedRef(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
