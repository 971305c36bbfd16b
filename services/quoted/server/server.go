package server

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"priceguard/observability"
	"priceguard/pricing"
	"priceguard/services/quoted/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	RateLimit     RateLimit
	TLS           TLSConfig
}

// TLSConfig describes TLS settings for the listener.
type TLSConfig struct {
	Disabled bool
	CertFile string
	KeyFile  string
	Config   *tls.Config
}

// Runtime bundles the collaborators the server exposes over HTTP.
type Runtime struct {
	Chains    *pricing.ChainStore
	Evaluator *pricing.Evaluator
	Checker   *pricing.OrderChecker
	Manual    *pricing.ManualFeed
	Storage   *storage.Storage
}

// Server hosts the quoting, authorization, and admin endpoints for quoted.
type Server struct {
	cfg       Config
	rt        Runtime
	logger    *log.Logger
	adminAuth *Authenticator
	limiter   *rateLimiter
	metrics   *observability.AuthorizationMetrics
}

// New constructs a new HTTP server.
func New(cfg Config, rt Runtime, logger *log.Logger, auth *Authenticator) (*Server, error) {
	if rt.Chains == nil || rt.Evaluator == nil || rt.Checker == nil {
		return nil, fmt.Errorf("chain store, evaluator, and order checker required")
	}
	if rt.Storage == nil {
		return nil, fmt.Errorf("storage required")
	}
	if auth == nil {
		return nil, fmt.Errorf("admin authenticator required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:       cfg,
		rt:        rt,
		logger:    logger,
		adminAuth: auth,
		limiter:   newRateLimiter(cfg.RateLimit),
		metrics:   observability.AuthMetrics(),
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	mux := http.NewServeMux()
	s.registerHandlers(mux)

	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: mux, TLSConfig: s.cfg.TLS.Config}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Printf("quoted: http server listening on %s", s.cfg.ListenAddress)
	var err error
	if s.cfg.TLS.Disabled {
		err = srv.ListenAndServe()
	} else {
		err = srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.Handle("/healthz", otelhttp.NewHandler(http.HandlerFunc(s.handleHealth), "quoted.health"))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/v1/quote", otelhttp.NewHandler(s.limiter.middleware(http.HandlerFunc(s.handleQuote)), "quoted.quote"))
	mux.Handle("/v1/check", otelhttp.NewHandler(s.limiter.middleware(http.HandlerFunc(s.handleCheck)), "quoted.check"))
	mux.Handle("/v1/order", otelhttp.NewHandler(s.limiter.middleware(http.HandlerFunc(s.handleOrder)), "quoted.order"))
	mux.Handle("/admin/chains", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handleChains)), "quoted.chains"))
	mux.Handle("/admin/feeds/manual", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handleManualFeed)), "quoted.manual"))
	mux.Handle("/admin/decisions", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handleDecisions)), "quoted.decisions"))
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	if s.adminAuth == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
		})
	}
	return s.adminAuth.Middleware(next)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		AmountIn string `json:"amount_in"`
		From     string `json:"from"`
		To       string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	amountIn, ok := parseAmount(req.AmountIn)
	if !ok {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}
	started := time.Now()
	out, err := s.rt.Evaluator.ExpectedOut(amountIn, req.From, req.To)
	if err != nil {
		s.metrics.ObserveDecision("quote", classifyError(err), time.Since(started))
		s.writeEvaluationError(w, err)
		return
	}
	s.metrics.ObserveDecision("quote", "ok", time.Since(started))
	json.NewEncoder(w).Encode(map[string]string{"expected_out": out.String()})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		AmountIn     string `json:"amount_in"`
		From         string `json:"from"`
		To           string `json:"to"`
		MinOut       string `json:"min_out"`
		ToleranceBps uint64 `json:"tolerance_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	amountIn, ok := parseAmount(req.AmountIn)
	if !ok {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}
	minOut, ok := parseAmount(req.MinOut)
	if !ok {
		http.Error(w, "invalid min out", http.StatusBadRequest)
		return
	}
	started := time.Now()
	authorized, err := s.rt.Evaluator.CheckPrice(amountIn, req.From, req.To, minOut, req.ToleranceBps)
	if err != nil {
		s.metrics.ObserveDecision("check", classifyError(err), time.Since(started))
		s.writeEvaluationError(w, err)
		return
	}
	outcome := "rejected"
	if authorized {
		outcome = "authorized"
	}
	s.metrics.ObserveDecision("check", outcome, time.Since(started))
	json.NewEncoder(w).Encode(map[string]any{"authorized": authorized})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Digest string          `json:"digest"`
		Order  json.RawMessage `json:"order"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	digest, err := parseDigest(req.Digest)
	if err != nil {
		http.Error(w, "invalid digest", http.StatusBadRequest)
		return
	}
	started := time.Now()
	token, err := s.rt.Checker.IsValidOrder(digest, req.Order)
	elapsed := time.Since(started)
	outcome := "accepted"
	reason := ""
	if err != nil {
		outcome = classifyError(err)
		reason = err.Error()
	}
	s.metrics.ObserveDecision("order", outcome, elapsed)
	s.recordOrderDecision(r.Context(), req.Digest, req.Order, outcome, reason)
	if err != nil {
		s.writeOrderError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"accepted": "0x" + hex.EncodeToString(token[:]),
	})
}

func (s *Server) recordOrderDecision(ctx context.Context, digest string, encoded []byte, outcome, reason string) {
	dec := storage.Decision{
		Digest:    strings.TrimPrefix(strings.ToLower(strings.TrimSpace(digest)), "0x"),
		Outcome:   outcome,
		Reason:    reason,
		DecidedAt: time.Now().UTC(),
	}
	if order, err := pricing.DecodeOrder(encoded); err == nil {
		dec.SellAsset = order.SellAsset
		dec.BuyAsset = order.BuyAsset
		if order.SellAmount != nil {
			dec.SellAmount = order.SellAmount.String()
		}
		if order.MinBuyAmount != nil {
			dec.MinBuyOut = order.MinBuyAmount.String()
		}
	}
	if err := s.rt.Storage.RecordDecision(ctx, dec); err != nil {
		s.logger.Printf("quoted: record decision: %v", err)
	}
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		json.NewEncoder(w).Encode(map[string]any{"assets": s.rt.Chains.Assets()})
	case http.MethodPut:
		s.putChain(w, r)
	case http.MethodDelete:
		s.deleteChain(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) putChain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From                string `json:"from"`
		MaxStalenessSeconds int64  `json:"max_staleness_seconds"`
		Hops                []struct {
			Feed          string `json:"feed"`
			Reverse       bool   `json:"reverse"`
			MaxAgeSeconds int64  `json:"max_age_seconds"`
		} `json:"hops"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	hops := make([]pricing.FeedHop, 0, len(req.Hops))
	for _, hop := range req.Hops {
		hops = append(hops, pricing.FeedHop{
			FeedRef: hop.Feed,
			Reverse: hop.Reverse,
			MaxAge:  time.Duration(hop.MaxAgeSeconds) * time.Second,
		})
	}
	if err := s.rt.Chains.SetChain(req.From, hops, time.Duration(req.MaxStalenessSeconds)*time.Second); err != nil {
		if errors.Is(err, pricing.ErrInvalidChain) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Printf("quoted: set chain: %v", err)
		http.Error(w, "failed to set chain", http.StatusInternalServerError)
		return
	}
	s.logger.Printf("quoted: chain replaced for %s (%d hops)", strings.ToUpper(strings.TrimSpace(req.From)), len(hops))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteChain(w http.ResponseWriter, r *http.Request) {
	from := strings.TrimSpace(r.URL.Query().Get("from"))
	if from == "" {
		http.Error(w, "from required", http.StatusBadRequest)
		return
	}
	if err := s.rt.Chains.RemoveChain(from); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Printf("quoted: chain removed for %s", strings.ToUpper(from))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleManualFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.rt.Manual == nil {
		http.Error(w, "manual feed not configured", http.StatusNotFound)
		return
	}
	var req struct {
		Feed       string `json:"feed"`
		Price      string `json:"price"`
		Decimals   uint8  `json:"decimals"`
		ObservedAt int64  `json:"observed_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	observed := time.Now()
	if req.ObservedAt > 0 {
		observed = time.Unix(req.ObservedAt, 0)
	}
	if err := s.rt.Manual.SetDecimal(req.Feed, req.Price, req.Decimals, observed); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.rt.Storage.RecordReading(r.Context(), req.Feed, req.Price, req.Decimals, 0, observed); err != nil {
		s.logger.Printf("quoted: record manual reading: %v", err)
	}
	s.logger.Printf("quoted: manual feed override for %s", strings.ToUpper(strings.TrimSpace(req.Feed)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	decisions, err := s.rt.Storage.RecentDecisions(r.Context(), 100)
	if err != nil {
		s.logger.Printf("quoted: list decisions: %v", err)
		http.Error(w, "failed to list decisions", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"decisions": decisions})
}

func (s *Server) writeEvaluationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pricing.ErrToleranceTooHigh),
		errors.Is(err, pricing.ErrChainNotConfigured),
		errors.Is(err, pricing.ErrInvalidChain),
		errors.Is(err, pricing.ErrUnknownAsset):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, pricing.ErrFeedUnavailable), errors.Is(err, pricing.ErrStalePrice):
		s.metrics.ObserveFeedError(classifyError(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) writeOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pricing.ErrDigestMismatch):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, pricing.ErrSlippageExceeded):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, pricing.ErrOrderExpired), errors.Is(err, pricing.ErrInvalidOrder):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.writeEvaluationError(w, err)
	}
}

func classifyError(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, pricing.ErrDigestMismatch):
		return "digest_mismatch"
	case errors.Is(err, pricing.ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, pricing.ErrOrderExpired):
		return "expired"
	case errors.Is(err, pricing.ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, pricing.ErrStalePrice):
		return "stale_price"
	case errors.Is(err, pricing.ErrFeedUnavailable):
		return "feed_unavailable"
	case errors.Is(err, pricing.ErrToleranceTooHigh),
		errors.Is(err, pricing.ErrChainNotConfigured),
		errors.Is(err, pricing.ErrInvalidChain),
		errors.Is(err, pricing.ErrUnknownAsset):
		return "config_error"
	default:
		return "error"
	}
}

func parseAmount(raw string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, false
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, false
	}
	return amount, true
}

func parseDigest(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
	digest, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes")
	}
	return digest, nil
}
