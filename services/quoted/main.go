package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"priceguard/observability/logging"
	telemetry "priceguard/observability/otel"
	"priceguard/pricing"
	"priceguard/services/quoted/adapters"
	"priceguard/services/quoted/config"
	"priceguard/services/quoted/server"
	"priceguard/services/quoted/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/quoted/config.yaml", "path to quoted configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("PRICEGUARD_ENV"))
	logging.Setup("quoted", env)
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "quoted",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("quoted: load config: %v", err)
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("quoted: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("quoted: open storage: %v", err)
	}
	defer store.Close()
	if err := store.PruneReadings(context.Background(), time.Now().Add(-30*24*time.Hour)); err != nil {
		log.Printf("quoted: prune feed readings: %v", err)
	}

	decimals := make(map[string]uint8, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		decimals[asset.Symbol] = asset.Decimals
	}
	meta := pricing.NewStaticAssetMetadata(decimals)

	manual := pricing.NewManualFeed()
	registry := adapters.NewRegistry(manual)
	directory := adapters.NewDirectory()
	for _, feed := range cfg.Feeds {
		source, err := registry.Build(feed.Type, feed.Endpoint, feed.APIKey, feed.Decimals)
		if err != nil {
			log.Fatalf("quoted: build feed %s: %v", feed.Ref, err)
		}
		directory.Register(feed.Ref, source)
	}

	chains := pricing.NewChainStore()
	for _, chain := range cfg.Chains {
		hops := make([]pricing.FeedHop, 0, len(chain.Hops))
		for _, hop := range chain.Hops {
			hops = append(hops, pricing.FeedHop{
				FeedRef: hop.Feed,
				Reverse: hop.Reverse,
				MaxAge:  hop.MaxAge.Duration,
			})
		}
		if err := chains.SetChain(chain.FromAsset, hops, chain.MaxStaleness.Duration); err != nil {
			log.Fatalf("quoted: configure chain for %s: %v", chain.FromAsset, err)
		}
	}

	evaluator, err := pricing.NewEvaluator(chains, directory, meta)
	if err != nil {
		log.Fatalf("quoted: evaluator: %v", err)
	}
	checker, err := pricing.NewOrderChecker(evaluator, cfg.ToleranceBps)
	if err != nil {
		log.Fatalf("quoted: order checker: %v", err)
	}

	authenticator, err := server.NewAuthenticator(server.AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		AllowMTLS:   cfg.Admin.MTLS.Enabled,
	})
	if err != nil {
		log.Fatalf("quoted: configure admin auth: %v", err)
	}

	var tlsConfig *tls.Config
	if !cfg.Admin.TLS.Disable {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.Admin.MTLS.Enabled {
			caPath := strings.TrimSpace(cfg.Admin.MTLS.ClientCAPath)
			if caPath == "" {
				log.Fatalf("quoted: admin mTLS requires client_ca to be configured")
			}
			caData, err := os.ReadFile(caPath)
			if err != nil {
				log.Fatalf("quoted: load admin client CA: %v", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				log.Fatalf("quoted: parse admin client CA: %s", caPath)
			}
			tlsConfig.ClientCAs = pool
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		TLS: server.TLSConfig{
			Disabled: cfg.Admin.TLS.Disable,
			CertFile: cfg.Admin.TLS.CertPath,
			KeyFile:  cfg.Admin.TLS.KeyPath,
			Config:   tlsConfig,
		},
	}, server.Runtime{
		Chains:    chains,
		Evaluator: evaluator,
		Checker:   checker,
		Manual:    manual,
		Storage:   store,
	}, log.Default(), authenticator)
	if err != nil {
		log.Fatalf("quoted: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("quoted: http server error: %v", err)
		os.Exit(1)
	}
}
