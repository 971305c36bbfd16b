package pricing

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// OrderDomainV1 defines the order domain string for the first order version.
const OrderDomainV1 = "PRICEGUARD_ORDER_V1"

// AcceptedOrder is the fixed acceptance sentinel returned for approved
// orders. It is deliberately distinct from a plain boolean so "not
// authorised" can never be confused with "not an authorisation endpoint".
var AcceptedOrder = [4]byte{0x16, 0x26, 0xba, 0x7e}

// Order captures the structured trade payload submitted by a settlement
// counterpart for authorisation.
type Order struct {
	Domain       string
	SellAsset    string
	BuyAsset     string
	SellAmount   *big.Int
	MinBuyAmount *big.Int
	Receiver     string
	ValidTo      int64
	Nonce        []byte
}

type orderJSON struct {
	Domain       string `json:"domain"`
	SellAsset    string `json:"sellAsset"`
	BuyAsset     string `json:"buyAsset"`
	SellAmount   string `json:"sellAmount"`
	MinBuyAmount string `json:"minBuyAmount"`
	Receiver     string `json:"receiver"`
	ValidTo      int64  `json:"validTo"`
	Nonce        string `json:"nonce"`
}

// MarshalJSON encodes the order into the on-wire representation.
func (o Order) MarshalJSON() ([]byte, error) {
	sellStr := "0"
	if o.SellAmount != nil {
		sellStr = strings.TrimSpace(o.SellAmount.String())
	}
	minOutStr := "0"
	if o.MinBuyAmount != nil {
		minOutStr = strings.TrimSpace(o.MinBuyAmount.String())
	}
	payload := orderJSON{
		Domain:       strings.TrimSpace(o.Domain),
		SellAsset:    normaliseSymbol(o.SellAsset),
		BuyAsset:     normaliseSymbol(o.BuyAsset),
		SellAmount:   sellStr,
		MinBuyAmount: minOutStr,
		Receiver:     strings.TrimSpace(o.Receiver),
		ValidTo:      o.ValidTo,
		Nonce:        strings.ToLower(hex.EncodeToString(o.Nonce)),
	}
	return json.Marshal(payload)
}

// UnmarshalJSON decodes the on-wire representation into the canonical struct.
func (o *Order) UnmarshalJSON(data []byte) error {
	if o == nil {
		return fmt.Errorf("order: nil receiver")
	}
	var payload orderJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	domain := strings.TrimSpace(payload.Domain)
	if domain == "" {
		return fmt.Errorf("order: domain required")
	}
	sellAsset := normaliseSymbol(payload.SellAsset)
	if sellAsset == "" {
		return fmt.Errorf("order: sell asset required")
	}
	buyAsset := normaliseSymbol(payload.BuyAsset)
	if buyAsset == "" {
		return fmt.Errorf("order: buy asset required")
	}
	sellStr := strings.TrimSpace(payload.SellAmount)
	if sellStr == "" {
		return fmt.Errorf("order: sell amount required")
	}
	sellAmount, ok := new(big.Int).SetString(sellStr, 10)
	if !ok {
		return fmt.Errorf("order: invalid sell amount %q", payload.SellAmount)
	}
	if sellAmount.Sign() <= 0 {
		return fmt.Errorf("order: sell amount must be positive")
	}
	minOutStr := strings.TrimSpace(payload.MinBuyAmount)
	if minOutStr == "" {
		return fmt.Errorf("order: min buy amount required")
	}
	minBuyAmount, ok := new(big.Int).SetString(minOutStr, 10)
	if !ok {
		return fmt.Errorf("order: invalid min buy amount %q", payload.MinBuyAmount)
	}
	if minBuyAmount.Sign() < 0 {
		return fmt.Errorf("order: min buy amount must not be negative")
	}
	var nonce []byte
	if nonceStr := strings.TrimSpace(payload.Nonce); nonceStr != "" {
		normalised := strings.TrimPrefix(strings.ToLower(nonceStr), "0x")
		decoded, err := hex.DecodeString(normalised)
		if err != nil {
			return fmt.Errorf("order: nonce: %w", err)
		}
		nonce = decoded
	}
	*o = Order{
		Domain:       domain,
		SellAsset:    sellAsset,
		BuyAsset:     buyAsset,
		SellAmount:   sellAmount,
		MinBuyAmount: minBuyAmount,
		Receiver:     strings.TrimSpace(payload.Receiver),
		ValidTo:      payload.ValidTo,
		Nonce:        nonce,
	}
	return nil
}

// Hash computes the canonical keccak256 digest covering every order field.
func (o Order) Hash() []byte {
	sellStr := "0"
	if o.SellAmount != nil {
		sellStr = o.SellAmount.String()
	}
	minOutStr := "0"
	if o.MinBuyAmount != nil {
		minOutStr = o.MinBuyAmount.String()
	}
	payload := fmt.Sprintf("%s|sell=%s|buy=%s|amount=%s|minOut=%s|receiver=%s|validTo=%d|nonce=%s",
		strings.TrimSpace(o.Domain),
		normaliseSymbol(o.SellAsset),
		normaliseSymbol(o.BuyAsset),
		sellStr,
		minOutStr,
		strings.TrimSpace(o.Receiver),
		o.ValidTo,
		strings.ToLower(hex.EncodeToString(o.Nonce)),
	)
	return ethcrypto.Keccak256([]byte(payload))
}

// DecodeOrder parses an encoded order payload.
func DecodeOrder(encoded []byte) (*Order, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidOrder)
	}
	order := &Order{}
	if err := json.Unmarshal(encoded, order); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	return order, nil
}

// OrderChecker is the settlement-facing authorisation entry point. It holds
// no state between calls: each order is evaluated against the live chain
// configuration and live feeds, so identical orders may resolve differently
// as prices move.
type OrderChecker struct {
	evaluator    *Evaluator
	toleranceBps uint64
	now          func() time.Time
}

// NewOrderChecker constructs a checker that authorises orders whose proposed
// minimum output stays within toleranceBps of the reference price.
func NewOrderChecker(evaluator *Evaluator, toleranceBps uint64) (*OrderChecker, error) {
	if evaluator == nil {
		return nil, fmt.Errorf("pricing: evaluator required")
	}
	if toleranceBps > MaxToleranceBps {
		return nil, fmt.Errorf("%w: %d bps", ErrToleranceTooHigh, toleranceBps)
	}
	return &OrderChecker{evaluator: evaluator, toleranceBps: toleranceBps, now: time.Now}, nil
}

// SetClock overrides the checker clock, primarily for deterministic testing.
func (c *OrderChecker) SetClock(now func() time.Time) {
	if c == nil || now == nil {
		return
	}
	c.now = now
}

// ToleranceBps reports the configured slippage tolerance.
func (c *OrderChecker) ToleranceBps() uint64 {
	if c == nil {
		return 0
	}
	return c.toleranceBps
}

// IsValidOrder authorises one specific proposed order. The canonical digest
// of the supplied payload is recomputed and compared against the claimed
// digest before any price is consulted, so authorisation evidence for one
// trade can never approve another. Economic rejection is a hard failure
// here: no out-of-tolerance order proceeds from this entry point.
func (c *OrderChecker) IsValidOrder(digest []byte, encodedOrder []byte) ([4]byte, error) {
	var zero [4]byte
	if c == nil {
		return zero, fmt.Errorf("pricing: order checker not configured")
	}
	if len(digest) != 32 {
		return zero, fmt.Errorf("%w: digest must be 32 bytes", ErrDigestMismatch)
	}
	order, err := DecodeOrder(encodedOrder)
	if err != nil {
		return zero, err
	}
	if !bytes.Equal(order.Hash(), digest) {
		return zero, ErrDigestMismatch
	}
	if !strings.EqualFold(strings.TrimSpace(order.Domain), OrderDomainV1) {
		return zero, fmt.Errorf("%w: unsupported domain %q", ErrInvalidOrder, order.Domain)
	}
	if order.ValidTo > 0 && c.now().Unix() > order.ValidTo {
		return zero, fmt.Errorf("%w: valid until %d", ErrOrderExpired, order.ValidTo)
	}
	ok, err := c.evaluator.CheckPrice(order.SellAmount, order.SellAsset, order.BuyAsset, order.MinBuyAmount, c.toleranceBps)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, fmt.Errorf("%w: %s -> %s", ErrSlippageExceeded, order.SellAsset, order.BuyAsset)
	}
	return AcceptedOrder, nil
}
