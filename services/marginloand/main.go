package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"marginloan/core/events"
	"marginloan/crypto"
	"marginloan/native/custody"
	"marginloan/native/exchange"
	"marginloan/native/margin"
	"marginloan/native/oracle"
	"marginloan/native/registry"
	"marginloan/observability"
	"marginloan/observability/logging"
	telemetry "marginloan/observability/otel"
	"marginloan/services/marginloand/broker"
	"marginloan/services/marginloand/config"
	"marginloan/services/marginloand/journal"
	"marginloan/services/marginloand/middleware"
	"marginloan/services/marginloand/server"
	"marginloan/storage"
)

const (
	serviceName      = "marginloand"
	endpointPosted   = "posted"
	endpointVenue    = "venue"
	venueAddressSeed = "marginloand/exchange-venue"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/marginloand/config.yaml", "path to marginloand config")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("marginloand exited", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.SetupWithOptions(serviceName, cfg.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logCloser.Close()
	logger.Info("configuration loaded",
		logging.MaskField("jwt_secret", cfg.Auth.JWTSecret),
		logging.MaskDSN("journal_dsn", cfg.Journal.DSN),
		slog.String("listen", cfg.ListenAddress))

	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Attributes:  cfg.Telemetry.Attributes,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	admin, err := cfg.AdminAddress()
	if err != nil {
		return err
	}

	db, err := openState(cfg.State.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	audit, err := journal.Open(cfg.Journal.DSN)
	if err != nil {
		return err
	}
	defer audit.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger := custody.NewLedger(db)
	rateOpts := []oracle.Option{oracle.WithHistory(audit)}
	if cfg.Oracle.MaxAgeSeconds > 0 {
		rateOpts = append(rateOpts, oracle.WithMaxAge(time.Duration(cfg.Oracle.MaxAgeSeconds)*time.Second))
	}
	rates := oracle.NewPosted(rateOpts...)
	restored, err := audit.Replay(ctx, rates)
	if err != nil {
		return fmt.Errorf("replay rates: %w", err)
	}
	if err := seedRates(ctx, rates, cfg.Oracle.Seed); err != nil {
		return err
	}

	venueAddr := crypto.NewAddress(crypto.ParticipantPrefix, crypto.DeriveCustodyAddress(venueAddressSeed).Bytes())
	venue, err := exchange.NewVenue(venueAddr, rates, ledger, cfg.Exchange.FeeBps)
	if err != nil {
		return fmt.Errorf("configure exchange: %w", err)
	}
	if err := stockVenue(ctx, ledger, venueAddr, cfg.Exchange.Inventory); err != nil {
		return err
	}

	resolver, closeResolver, err := buildResolver(ctx, cfg.Registry)
	if err != nil {
		return err
	}
	defer closeResolver()
	directory := registry.NewDirectory(resolver)
	directory.Register(endpointPosted, rates)
	directory.Register(endpointVenue, venue)

	emitters := events.Fanout{observability.Events()}
	var publisher *broker.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = broker.NewPublisher(broker.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger)
		emitters = append(emitters, publisher)
	}

	pauses := server.NewPauseSwitch()
	book := margin.NewBook(admin, storage.NewLoanStore(db))
	book.SetLedger(ledger)
	book.SetRegistry(directory)
	book.SetEmitter(emitters)
	book.SetPauses(pauses)
	if err := bootstrapLoans(book, cfg.Loans.Bootstrap, logger); err != nil {
		return err
	}
	if cfg.Paused {
		pauses.Set(margin.ModuleName, true)
		logger.Warn("margin module starting paused")
	}
	metrics := observability.Loans()
	if ids, err := book.IDs(); err == nil {
		metrics.SetOpenLoans(len(ids))
	}

	var faucet server.Faucet
	if !cfg.Production() {
		faucet = ledger
	}
	limit := middleware.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst}
	handler, err := server.New(server.Config{
		Book:    book,
		Rates:   rates,
		Journal: audit,
		Faucet:  faucet,
		Pauses:  pauses,
		Metrics: metrics,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: cfg.Auth.JWTSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			server.LimitReads:  limit,
			server.LimitLoans:  limit,
			server.LimitAdmin:  limit,
			server.LimitFaucet: {RequestsPerMinute: limit.RequestsPerMinute / 10, Burst: 1},
		}, metrics, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: serviceName}, logger),
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(handler, serviceName)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if cfg.TLS.AllowInsecure {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if cfg.Production() && !loopback {
			listener.Close()
			return errors.New("plaintext marginloand mode is restricted to loopback listeners in production")
		}
	}
	tlsCfg, err := loadServerTLS(cfg.TLS)
	if err != nil {
		listener.Close()
		return fmt.Errorf("configure tls: %w", err)
	}
	if tlsCfg != nil {
		listener = tls.NewListener(listener, tlsCfg)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("marginloand listening", "listen", cfg.ListenAddress, "restored_quotes", restored)
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forcing server stop", "error", err)
		_ = httpServer.Close()
	}
	if publisher != nil {
		if err := publisher.Close(shutdownCtx); err != nil {
			logger.Warn("kafka publisher close", "error", err)
		}
		if dropped := publisher.Dropped(); dropped > 0 {
			logger.Warn("kafka events dropped during run", "count", dropped)
		}
	}
	return nil
}

func openState(path string) (storage.Database, error) {
	if path == "" {
		return storage.NewMemDB(), nil
	}
	db, err := storage.NewLevelDB(path)
	if err != nil {
		return nil, fmt.Errorf("open state %s: %w", path, err)
	}
	return db, nil
}

func buildResolver(ctx context.Context, cfg config.RegistryConfig) (registry.Resolver, func(), error) {
	if cfg.RedisAddr == "" {
		static := registry.Static{
			margin.EndpointRateOracle: endpointPosted,
			margin.EndpointExchange:   endpointVenue,
		}
		for key, name := range cfg.Static {
			static[key] = name
		}
		return static, func() {}, nil
	}
	client, err := registry.OpenRedis(cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	resolver := registry.NewRedis(client, cfg.HashKey)
	for key, name := range cfg.Static {
		if err := resolver.Bind(ctx, key, name); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("bind registry key %s: %w", key, err)
		}
	}
	return resolver, func() { _ = client.Close() }, nil
}

func seedRates(ctx context.Context, rates *oracle.Posted, seed map[string]string) error {
	for asset, raw := range seed {
		id := margin.NormalizeAsset(asset)
		if len(rates.Latest(id)) > 0 {
			continue
		}
		rate, err := server.ParseAmount(raw)
		if err != nil {
			return fmt.Errorf("seed rate %s: %w", asset, err)
		}
		if err := rates.Publish(ctx, oracle.Quote{Asset: id, Rate: rate, Source: "seed"}); err != nil {
			return fmt.Errorf("seed rate %s: %w", asset, err)
		}
	}
	return nil
}

// stockVenue credits configured inventory only for assets the venue does not
// hold yet, so restarts never mint inventory twice.
func stockVenue(ctx context.Context, ledger *custody.Ledger, venue crypto.Address, inventory map[string]string) error {
	for asset, raw := range inventory {
		id := margin.NormalizeAsset(asset)
		held, err := ledger.BalanceOf(ctx, id, venue)
		if err != nil {
			return err
		}
		if !held.IsZero() {
			continue
		}
		qty, err := server.ParseAmount(raw)
		if err != nil {
			return fmt.Errorf("venue inventory %s: %w", asset, err)
		}
		if qty.IsZero() {
			continue
		}
		if err := ledger.Credit(id, venue, qty); err != nil {
			return fmt.Errorf("venue inventory %s: %w", asset, err)
		}
	}
	return nil
}

func bootstrapLoans(book *margin.Book, paths []string, logger *slog.Logger) error {
	for _, path := range paths {
		termsCfg, terms, err := margin.LoadTerms(path)
		if err != nil {
			return err
		}
		id := strings.TrimSpace(termsCfg.LoanID)
		if id == "" {
			return fmt.Errorf("%w: %s has no LoanID", margin.ErrInvalidTerms, path)
		}
		if _, err := book.Engine(id); err == nil {
			continue
		} else if !errors.Is(err, margin.ErrLoanNotFound) {
			return err
		}
		if _, _, err := book.Open(id, terms); err != nil {
			return fmt.Errorf("bootstrap loan %s: %w", id, err)
		}
		logger.Info("loan bootstrapped", "loan", id, "trader", terms.Trader.String())
	}
	return nil
}

func loadServerTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls credentials are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.ClientCAPath != "" {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsCfg.ClientAuth = tls.NoClientCert
	}
	return tlsCfg, nil
}
