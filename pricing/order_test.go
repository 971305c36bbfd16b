package pricing

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"
)

func testChecker(t *testing.T, toleranceBps uint64) *OrderChecker {
	t.Helper()
	eval, _ := slippageFixture(t)
	checker, err := NewOrderChecker(eval, toleranceBps)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	return checker
}

func testOrder(minOut int64) Order {
	return Order{
		Domain:       OrderDomainV1,
		SellAsset:    "WELL",
		BuyAsset:     "BTC",
		SellAmount:   new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		MinBuyAmount: big.NewInt(minOut),
		Receiver:     "0x9fd4a2c1a4eb7b8a6b3c0d2e1f00aa55bb66cc77",
		ValidTo:      time.Now().Add(time.Hour).Unix(),
		Nonce:        []byte{0x01, 0x02},
	}
}

func encodeOrder(t *testing.T, order Order) []byte {
	t.Helper()
	encoded, err := json.Marshal(order)
	if err != nil {
		t.Fatalf("marshal order: %v", err)
	}
	return encoded
}

func TestIsValidOrderReturnsAcceptanceSentinel(t *testing.T) {
	checker := testChecker(t, 100)
	order := testOrder(999)
	token, err := checker.IsValidOrder(order.Hash(), encodeOrder(t, order))
	if err != nil {
		t.Fatalf("is valid order: %v", err)
	}
	if token != AcceptedOrder {
		t.Fatalf("expected acceptance sentinel, got %x", token)
	}
}

func TestIsValidOrderDigestMismatch(t *testing.T) {
	checker := testChecker(t, 100)
	priced := testOrder(999)
	// Claim the digest of a priced-in order while submitting a worse one.
	worse := priced
	worse.MinBuyAmount = big.NewInt(1)
	if _, err := checker.IsValidOrder(priced.Hash(), encodeOrder(t, worse)); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestIsValidOrderDigestCheckedBeforePricing(t *testing.T) {
	checker := testChecker(t, 100)
	order := testOrder(999)
	order.SellAsset = "UNCONFIGURED"
	bogusDigest := testOrder(1).Hash()
	// The pair has no chain, but the digest mismatch must win: pricing is
	// never consulted for unverified payloads.
	if _, err := checker.IsValidOrder(bogusDigest, encodeOrder(t, order)); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestIsValidOrderSlippageIsHardFailure(t *testing.T) {
	checker := testChecker(t, 100)
	order := testOrder(500)
	if _, err := checker.IsValidOrder(order.Hash(), encodeOrder(t, order)); !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}
}

func TestIsValidOrderExpired(t *testing.T) {
	checker := testChecker(t, 100)
	checker.SetClock(func() time.Time { return time.Unix(2_000_000_000, 0) })
	order := testOrder(999)
	order.ValidTo = 1_999_999_999
	if _, err := checker.IsValidOrder(order.Hash(), encodeOrder(t, order)); !errors.Is(err, ErrOrderExpired) {
		t.Fatalf("expected ErrOrderExpired, got %v", err)
	}
}

func TestIsValidOrderRejectsUnknownDomain(t *testing.T) {
	checker := testChecker(t, 100)
	order := testOrder(999)
	order.Domain = "PRICEGUARD_ORDER_V0"
	if _, err := checker.IsValidOrder(order.Hash(), encodeOrder(t, order)); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
}

func TestIsValidOrderMalformedPayload(t *testing.T) {
	checker := testChecker(t, 100)
	digest := testOrder(999).Hash()
	if _, err := checker.IsValidOrder(digest, []byte("{not json")); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
}

func TestNewOrderCheckerRejectsExcessTolerance(t *testing.T) {
	eval, _ := slippageFixture(t)
	if _, err := NewOrderChecker(eval, MaxToleranceBps+1); !errors.Is(err, ErrToleranceTooHigh) {
		t.Fatalf("expected ErrToleranceTooHigh, got %v", err)
	}
}

func TestOrderJSONRoundTripPreservesDigest(t *testing.T) {
	order := testOrder(999)
	encoded := encodeOrder(t, order)
	decoded, err := DecodeOrder(encoded)
	if err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if string(decoded.Hash()) != string(order.Hash()) {
		t.Fatalf("digest changed across encode/decode")
	}
}
