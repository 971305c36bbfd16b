package pricing

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// FeedHop is one conversion step sourced from one external feed reference.
// Reverse marks a feed whose native quotation direction is inverse to the
// direction needed by the chain, so the raw reading is inverted before
// composition. MaxAge bounds how old the hop's reading may be.
type FeedHop struct {
	FeedRef string
	Reverse bool
	MaxAge  time.Duration
}

// FeedChain is the ordered hop sequence for one source asset together with
// the per-asset aggregate staleness bound. Both the hop bound and the chain
// bound are enforced on every read.
type FeedChain struct {
	Hops         []FeedHop
	MaxStaleness time.Duration
}

// Clone returns a deep copy of the chain.
func (c FeedChain) Clone() FeedChain {
	clone := FeedChain{MaxStaleness: c.MaxStaleness}
	if len(c.Hops) > 0 {
		clone.Hops = append([]FeedHop{}, c.Hops...)
	}
	return clone
}

// ChainStore holds the operator-curated asset-to-chain mapping. Mutation is a
// single-writer path that replaces the whole mapping wholesale, so readers
// never coordinate with the writer: lookups load an immutable snapshot.
type ChainStore struct {
	mu     sync.Mutex
	chains atomic.Pointer[map[string]FeedChain]
}

// NewChainStore constructs an empty store.
func NewChainStore() *ChainStore {
	store := &ChainStore{}
	empty := make(map[string]FeedChain)
	store.chains.Store(&empty)
	return store
}

// SetChain replaces the entire chain for fromAsset atomically. The hop list
// must be non-empty, every hop must name a feed reference and carry a
// positive age bound, and the aggregate staleness bound must be positive.
func (s *ChainStore) SetChain(fromAsset string, hops []FeedHop, maxStaleness time.Duration) error {
	if s == nil {
		return fmt.Errorf("pricing: chain store not configured")
	}
	asset := normaliseSymbol(fromAsset)
	if asset == "" {
		return fmt.Errorf("%w: asset required", ErrInvalidChain)
	}
	if len(hops) == 0 {
		return fmt.Errorf("%w: %s: at least one hop required", ErrInvalidChain, asset)
	}
	if maxStaleness <= 0 {
		return fmt.Errorf("%w: %s: max staleness must be positive", ErrInvalidChain, asset)
	}
	cleaned := make([]FeedHop, 0, len(hops))
	for i, hop := range hops {
		ref := normaliseFeedRef(hop.FeedRef)
		if ref == "" {
			return fmt.Errorf("%w: %s: hop %d missing feed reference", ErrInvalidChain, asset, i)
		}
		if hop.MaxAge <= 0 {
			return fmt.Errorf("%w: %s: hop %d max age must be positive", ErrInvalidChain, asset, i)
		}
		cleaned = append(cleaned, FeedHop{FeedRef: ref, Reverse: hop.Reverse, MaxAge: hop.MaxAge})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cloneLocked()
	next[asset] = FeedChain{Hops: cleaned, MaxStaleness: maxStaleness}
	s.chains.Store(&next)
	return nil
}

// RemoveChain clears all hops for fromAsset. Removing an absent chain is a
// no-op.
func (s *ChainStore) RemoveChain(fromAsset string) error {
	if s == nil {
		return fmt.Errorf("pricing: chain store not configured")
	}
	asset := normaliseSymbol(fromAsset)
	if asset == "" {
		return fmt.Errorf("%w: asset required", ErrInvalidChain)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cloneLocked()
	delete(next, asset)
	s.chains.Store(&next)
	return nil
}

// Chain returns the configured chain for fromAsset. The returned value is a
// snapshot; later mutations do not affect it.
func (s *ChainStore) Chain(fromAsset string) (FeedChain, bool) {
	if s == nil {
		return FeedChain{}, false
	}
	snapshot := s.chains.Load()
	if snapshot == nil {
		return FeedChain{}, false
	}
	chain, ok := (*snapshot)[normaliseSymbol(fromAsset)]
	if !ok {
		return FeedChain{}, false
	}
	return chain.Clone(), true
}

// Assets lists the configured source assets in sorted order.
func (s *ChainStore) Assets() []string {
	if s == nil {
		return nil
	}
	snapshot := s.chains.Load()
	if snapshot == nil {
		return nil
	}
	assets := make([]string, 0, len(*snapshot))
	for asset := range *snapshot {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

func (s *ChainStore) cloneLocked() map[string]FeedChain {
	current := s.chains.Load()
	next := make(map[string]FeedChain, len(*current)+1)
	for asset, chain := range *current {
		next[asset] = chain
	}
	return next
}
