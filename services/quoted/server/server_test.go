package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"priceguard/pricing"
	"priceguard/services/quoted/storage"
)

func TestQuoteEndpoint(t *testing.T) {
	mux, _ := newTestServer(t)

	resp := doRequest(t, mux, http.MethodPost, "/v1/quote", `{"amount_in":"1000000000000000000","from":"WELL","to":"BTC"}`, "")
	assertStatus(t, resp.Code, http.StatusOK)
	var body struct {
		ExpectedOut string `json:"expected_out"`
	}
	decodeBody(t, resp, &body)
	if body.ExpectedOut != "1000" {
		t.Fatalf("unexpected expected_out: %s", body.ExpectedOut)
	}
}

func TestQuoteEndpointUnconfiguredAsset(t *testing.T) {
	mux, _ := newTestServer(t)

	resp := doRequest(t, mux, http.MethodPost, "/v1/quote", `{"amount_in":"100","from":"DOGE","to":"BTC"}`, "")
	assertStatus(t, resp.Code, http.StatusBadRequest)
}

func TestCheckEndpoint(t *testing.T) {
	mux, _ := newTestServer(t)

	resp := doRequest(t, mux, http.MethodPost, "/v1/check", `{"amount_in":"1000000000000000000","from":"WELL","to":"BTC","min_out":"999","tolerance_bps":100}`, "")
	assertStatus(t, resp.Code, http.StatusOK)
	var body struct {
		Authorized bool `json:"authorized"`
	}
	decodeBody(t, resp, &body)
	if !body.Authorized {
		t.Fatalf("expected min out within tolerance to be authorized")
	}

	resp = doRequest(t, mux, http.MethodPost, "/v1/check", `{"amount_in":"1000000000000000000","from":"WELL","to":"BTC","min_out":"500","tolerance_bps":100}`, "")
	assertStatus(t, resp.Code, http.StatusOK)
	decodeBody(t, resp, &body)
	if body.Authorized {
		t.Fatalf("expected min out far below tolerance to be rejected")
	}
}

func TestCheckEndpointToleranceCeiling(t *testing.T) {
	mux, _ := newTestServer(t)

	resp := doRequest(t, mux, http.MethodPost, "/v1/check", `{"amount_in":"100","from":"WELL","to":"BTC","min_out":"0","tolerance_bps":10001}`, "")
	assertStatus(t, resp.Code, http.StatusBadRequest)
}

func TestOrderEndpointAcceptsAndRecords(t *testing.T) {
	mux, srv := newTestServer(t)

	order := testOrder()
	digest := "0x" + hex.EncodeToString(order.Hash())
	resp := doRequest(t, mux, http.MethodPost, "/v1/order", orderPayload(t, digest, order), "")
	assertStatus(t, resp.Code, http.StatusOK)
	var body struct {
		Accepted string `json:"accepted"`
	}
	decodeBody(t, resp, &body)
	if body.Accepted != "0x1626ba7e" {
		t.Fatalf("unexpected acceptance token: %s", body.Accepted)
	}

	decisions, err := srv.rt.Storage.RecentDecisions(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent decisions: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("expected one recorded decision, got %d", len(decisions))
	}
	if decisions[0].Outcome != "accepted" {
		t.Fatalf("unexpected outcome: %s", decisions[0].Outcome)
	}
	if decisions[0].Digest != strings.TrimPrefix(digest, "0x") {
		t.Fatalf("unexpected digest: %s", decisions[0].Digest)
	}
	if decisions[0].SellAsset != "WELL" || decisions[0].BuyAsset != "BTC" {
		t.Fatalf("unexpected assets: %s -> %s", decisions[0].SellAsset, decisions[0].BuyAsset)
	}
}

func TestOrderEndpointDigestMismatch(t *testing.T) {
	mux, srv := newTestServer(t)

	priced := testOrder()
	digest := "0x" + hex.EncodeToString(priced.Hash())
	worse := testOrder()
	worse.MinBuyAmount = big.NewInt(1)
	resp := doRequest(t, mux, http.MethodPost, "/v1/order", orderPayload(t, digest, worse), "")
	assertStatus(t, resp.Code, http.StatusForbidden)

	decisions, err := srv.rt.Storage.RecentDecisions(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Outcome != "digest_mismatch" {
		t.Fatalf("expected digest mismatch to be recorded, got %+v", decisions)
	}
}

func TestOrderEndpointSlippageRejected(t *testing.T) {
	mux, _ := newTestServer(t)

	order := testOrder()
	order.MinBuyAmount = big.NewInt(500)
	digest := "0x" + hex.EncodeToString(order.Hash())
	resp := doRequest(t, mux, http.MethodPost, "/v1/order", orderPayload(t, digest, order), "")
	assertStatus(t, resp.Code, http.StatusConflict)
}

func TestOrderEndpointInvalidDigest(t *testing.T) {
	mux, _ := newTestServer(t)

	order := testOrder()
	resp := doRequest(t, mux, http.MethodPost, "/v1/order", orderPayload(t, "0xdead", order), "")
	assertStatus(t, resp.Code, http.StatusBadRequest)
}

func TestAdminChainsRequireAuth(t *testing.T) {
	mux, _ := newTestServer(t)

	putBody := `{"from":"ETH","max_staleness_seconds":120,"hops":[{"feed":"ETH/USD","max_age_seconds":120}]}`
	resp := doRequest(t, mux, http.MethodPut, "/admin/chains", putBody, "")
	assertStatus(t, resp.Code, http.StatusUnauthorized)

	resp = doRequest(t, mux, http.MethodPut, "/admin/chains", putBody, testBearerToken)
	assertStatus(t, resp.Code, http.StatusNoContent)

	resp = doRequest(t, mux, http.MethodGet, "/admin/chains", "", testBearerToken)
	assertStatus(t, resp.Code, http.StatusOK)
	var listing struct {
		Assets []string `json:"assets"`
	}
	decodeBody(t, resp, &listing)
	found := false
	for _, asset := range listing.Assets {
		if asset == "ETH" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ETH chain in listing, got %v", listing.Assets)
	}

	resp = doRequest(t, mux, http.MethodDelete, "/admin/chains?from=ETH", "", testBearerToken)
	assertStatus(t, resp.Code, http.StatusNoContent)
}

func TestAdminChainsRejectInvalid(t *testing.T) {
	mux, _ := newTestServer(t)

	resp := doRequest(t, mux, http.MethodPut, "/admin/chains", `{"from":"ETH","max_staleness_seconds":120,"hops":[]}`, testBearerToken)
	assertStatus(t, resp.Code, http.StatusBadRequest)
}

func TestAdminManualFeedOverride(t *testing.T) {
	mux, srv := newTestServer(t)

	body := `{"feed":"WELL/USD","price":"1.0","decimals":8}`
	resp := doRequest(t, mux, http.MethodPut, "/admin/feeds/manual", body, testBearerToken)
	assertStatus(t, resp.Code, http.StatusNoContent)

	out, err := srv.rt.Evaluator.ExpectedOut(big.NewInt(1e18), "WELL", "BTC")
	if err != nil {
		t.Fatalf("expected out after override: %v", err)
	}
	if out.String() != "2000" {
		t.Fatalf("unexpected output after doubling feed price: %s", out)
	}
}

func TestPublicEndpointsRateLimited(t *testing.T) {
	mux, _ := newTestServerWithConfig(t, Config{
		ListenAddress: ":0",
		RateLimit:     RateLimit{RequestsPerMinute: 60, Burst: 1},
	})

	body := `{"amount_in":"1000000000000000000","from":"WELL","to":"BTC"}`
	resp := doRequest(t, mux, http.MethodPost, "/v1/quote", body, "")
	assertStatus(t, resp.Code, http.StatusOK)

	resp = doRequest(t, mux, http.MethodPost, "/v1/quote", body, "")
	assertStatus(t, resp.Code, http.StatusTooManyRequests)
}

const testBearerToken = "test-admin-token"

func newTestServer(t *testing.T) (*http.ServeMux, *Server) {
	t.Helper()
	return newTestServerWithConfig(t, Config{ListenAddress: ":0"})
}

func newTestServerWithConfig(t *testing.T, cfg Config) (*http.ServeMux, *Server) {
	t.Helper()

	manual := pricing.NewManualFeed()
	observed := time.Now()
	if err := manual.Set("WELL/USD", big.NewInt(50_000_000), 8, observed); err != nil {
		t.Fatalf("seed WELL/USD: %v", err)
	}
	if err := manual.Set("BTC/USD", new(big.Int).Mul(big.NewInt(50_000), big.NewInt(100_000_000)), 8, observed); err != nil {
		t.Fatalf("seed BTC/USD: %v", err)
	}
	if err := manual.Set("ETH/USD", new(big.Int).Mul(big.NewInt(3_000), big.NewInt(100_000_000)), 8, observed); err != nil {
		t.Fatalf("seed ETH/USD: %v", err)
	}

	chains := pricing.NewChainStore()
	hops := []pricing.FeedHop{
		{FeedRef: "WELL/USD", MaxAge: 2 * time.Minute},
		{FeedRef: "BTC/USD", Reverse: true, MaxAge: 2 * time.Minute},
	}
	if err := chains.SetChain("WELL", hops, 2*time.Minute); err != nil {
		t.Fatalf("set chain: %v", err)
	}

	meta := pricing.NewStaticAssetMetadata(map[string]uint8{"WELL": 18, "BTC": 8, "ETH": 18})
	evaluator, err := pricing.NewEvaluator(chains, manual, meta)
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	checker, err := pricing.NewOrderChecker(evaluator, 100)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	store, err := storage.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	auth, err := NewAuthenticator(AuthConfig{BearerToken: testBearerToken})
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}

	srv, err := New(cfg, Runtime{
		Chains:    chains,
		Evaluator: evaluator,
		Checker:   checker,
		Manual:    manual,
		Storage:   store,
	}, log.New(io.Discard, "", 0), auth)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	mux := http.NewServeMux()
	srv.registerHandlers(mux)
	return mux, srv
}

func testOrder() pricing.Order {
	return pricing.Order{
		Domain:       pricing.OrderDomainV1,
		SellAsset:    "WELL",
		BuyAsset:     "BTC",
		SellAmount:   big.NewInt(1e18),
		MinBuyAmount: big.NewInt(999),
		Receiver:     "0x00000000000000000000000000000000000000aa",
		ValidTo:      time.Now().Add(time.Hour).Unix(),
		Nonce:        []byte{0x01, 0x02},
	}
}

func orderPayload(t *testing.T, digest string, order pricing.Order) string {
	t.Helper()
	encoded, err := json.Marshal(order)
	if err != nil {
		t.Fatalf("marshal order: %v", err)
	}
	payload, err := json.Marshal(map[string]json.RawMessage{
		"digest": json.RawMessage(`"` + digest + `"`),
		"order":  json.RawMessage(encoded),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return string(payload)
}

func doRequest(t *testing.T, mux *http.ServeMux, method, target, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func assertStatus(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Fatalf("unexpected status: got %d want %d", got, want)
	}
}
