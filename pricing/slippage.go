package pricing

import (
	"fmt"
	"math/big"
)

// MaxToleranceBps is the ceiling for slippage tolerances: 10000 basis points,
// or 100% of the reference price.
const MaxToleranceBps = 10_000

var bpsDenominator = big.NewInt(MaxToleranceBps)

// CheckPrice reports whether proposedMinOut clears the slippage floor derived
// from the live reference price. The floor is computed with integer floor
// division, so rounding always favours rejection on borderline values. A
// tolerance above MaxToleranceBps is a hard failure, distinct from an
// economic rejection. The result is perishable: it holds only for the feed
// readings consulted during this call.
func (e *Evaluator) CheckPrice(amountIn *big.Int, fromAsset, toAsset string, proposedMinOut *big.Int, toleranceBps uint64) (bool, error) {
	if e == nil {
		return false, fmt.Errorf("pricing: evaluator not configured")
	}
	if toleranceBps > MaxToleranceBps {
		return false, fmt.Errorf("%w: %d bps", ErrToleranceTooHigh, toleranceBps)
	}
	if proposedMinOut == nil {
		return false, fmt.Errorf("pricing: proposed min out required")
	}
	if proposedMinOut.Sign() < 0 {
		return false, fmt.Errorf("pricing: proposed min out must not be negative")
	}
	expected, err := e.ExpectedOut(amountIn, fromAsset, toAsset)
	if err != nil {
		return false, err
	}
	return proposedMinOut.Cmp(slippageFloor(expected, toleranceBps)) >= 0, nil
}

// slippageFloor computes floor(expected * (10000 - toleranceBps) / 10000).
func slippageFloor(expected *big.Int, toleranceBps uint64) *big.Int {
	floor := new(big.Int).SetUint64(MaxToleranceBps - toleranceBps)
	floor.Mul(floor, expected)
	floor.Quo(floor, bpsDenominator)
	return floor
}
