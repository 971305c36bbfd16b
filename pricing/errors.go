package pricing

import "errors"

var (
	// ErrChainNotConfigured indicates no feed chain exists for the requested asset.
	ErrChainNotConfigured = errors.New("pricing: no feed chain configured")
	// ErrInvalidChain indicates a chain mutation carried malformed hops or bounds.
	ErrInvalidChain = errors.New("pricing: invalid feed chain")
	// ErrToleranceTooHigh indicates the requested slippage tolerance exceeds the ceiling.
	ErrToleranceTooHigh = errors.New("pricing: slippage tolerance above ceiling")
	// ErrFeedUnavailable indicates a hop returned no price or a non-positive price.
	ErrFeedUnavailable = errors.New("pricing: feed unavailable")
	// ErrStalePrice indicates a hop reading exceeded its age bound.
	ErrStalePrice = errors.New("pricing: stale price")
	// ErrUnknownAsset indicates no decimal metadata is registered for an asset.
	ErrUnknownAsset = errors.New("pricing: unknown asset")
	// ErrInvalidOrder indicates the supplied order payload could not be decoded.
	ErrInvalidOrder = errors.New("pricing: invalid order payload")
	// ErrDigestMismatch indicates the claimed digest does not cover the supplied payload.
	ErrDigestMismatch = errors.New("pricing: order digest mismatch")
	// ErrOrderExpired indicates the order's validity window has passed.
	ErrOrderExpired = errors.New("pricing: order expired")
	// ErrSlippageExceeded indicates the proposed execution price fell outside tolerance.
	ErrSlippageExceeded = errors.New("pricing: proposed price outside tolerance")
)
