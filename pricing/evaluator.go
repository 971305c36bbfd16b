package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Evaluator composes configured feed chains into expected conversion amounts.
// Every call re-reads every hop from scratch; there is no cached price, so a
// result is only as fresh as the feeds consulted while computing it.
type Evaluator struct {
	chains *ChainStore
	feeds  FeedReader
	meta   AssetMetadata
}

// NewEvaluator constructs an evaluator over the supplied collaborators.
func NewEvaluator(chains *ChainStore, feeds FeedReader, meta AssetMetadata) (*Evaluator, error) {
	if chains == nil {
		return nil, fmt.Errorf("pricing: chain store required")
	}
	if feeds == nil {
		return nil, fmt.Errorf("pricing: feed reader required")
	}
	if meta == nil {
		return nil, fmt.Errorf("pricing: asset metadata required")
	}
	return &Evaluator{chains: chains, feeds: feeds, meta: meta}, nil
}

// ExpectedOut converts amountIn of fromAsset into toAsset's native precision
// by walking the configured feed chain for fromAsset. Identical assets
// short-circuit before any chain lookup. Every division rounds down: the
// returned amount never overstates what the feeds support.
func (e *Evaluator) ExpectedOut(amountIn *big.Int, fromAsset, toAsset string) (*big.Int, error) {
	if e == nil {
		return nil, fmt.Errorf("pricing: evaluator not configured")
	}
	if amountIn == nil {
		return nil, fmt.Errorf("pricing: amount required")
	}
	if amountIn.Sign() < 0 {
		return nil, fmt.Errorf("pricing: amount must not be negative")
	}
	from := normaliseSymbol(fromAsset)
	to := normaliseSymbol(toAsset)
	if from == "" || to == "" {
		return nil, fmt.Errorf("pricing: from and to assets required")
	}
	if from == to {
		return new(big.Int).Set(amountIn), nil
	}
	chain, ok := e.chains.Chain(from)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainNotConfigured, from)
	}
	running := new(big.Int).Set(amountIn)
	for _, hop := range chain.Hops {
		price, scale, err := e.readHop(hop, chain.MaxStaleness)
		if err != nil {
			return nil, err
		}
		running.Mul(running, price)
		running.Quo(running, scale)
	}
	fromDec, err := e.meta.Decimals(from)
	if err != nil {
		return nil, err
	}
	toDec, err := e.meta.Decimals(to)
	if err != nil {
		return nil, err
	}
	running.Mul(running, pow10(toDec))
	running.Quo(running, pow10(fromDec))
	return running, nil
}

// readHop reads one hop's feed, enforces both the hop age bound and the
// chain's aggregate staleness bound, and returns the effective price together
// with the hop's scale. A reading with age exactly at a bound is accepted.
func (e *Evaluator) readHop(hop FeedHop, maxStaleness time.Duration) (*big.Int, *big.Int, error) {
	reading, err := e.feeds.Read(hop.FeedRef)
	if err != nil {
		if errors.Is(err, ErrFeedUnavailable) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrFeedUnavailable, hop.FeedRef, err)
	}
	if hop.MaxAge > 0 && reading.Age > hop.MaxAge {
		return nil, nil, fmt.Errorf("%w: feed %s age %s exceeds hop bound %s", ErrStalePrice, hop.FeedRef, reading.Age, hop.MaxAge)
	}
	if maxStaleness > 0 && reading.Age > maxStaleness {
		return nil, nil, fmt.Errorf("%w: feed %s age %s exceeds asset bound %s", ErrStalePrice, hop.FeedRef, reading.Age, maxStaleness)
	}
	// A zero or negative price must never compose: multiplying by zero would
	// authorise unlimited slippage downstream.
	if reading.Price == nil || reading.Price.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: feed %s returned non-positive price", ErrFeedUnavailable, hop.FeedRef)
	}
	scale := pow10(reading.Decimals)
	price := new(big.Int).Set(reading.Price)
	if hop.Reverse {
		// Invert while preserving the feed's native scale: scale^2 / price.
		inverted := new(big.Int).Mul(scale, scale)
		inverted.Quo(inverted, price)
		if inverted.Sign() <= 0 {
			return nil, nil, fmt.Errorf("%w: feed %s inverted price rounds to zero", ErrFeedUnavailable, hop.FeedRef)
		}
		price = inverted
	}
	return price, scale, nil
}
