package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"gomarketplace/pkg/cart"
	"gomarketplace/pkg/cart/memory"
	pg "gomarketplace/pkg/cart/postgres"
	rds "gomarketplace/pkg/cart/redis"
	"gomarketplace/pkg/cart/sqlite"
	"gomarketplace/pkg/config"
	"gomarketplace/pkg/logger"
	"gomarketplace/pkg/metrics"
	"gomarketplace/pkg/otel"
)

const serviceName = "gomarketplace-cart"

var (
	store   *cart.Store
	backend cart.Storage
	log    *logger.Logger
	tracer trace.Tracer
)

// @title GoMarketplace Cart API
// @version 1.0
// @description Loopback bridge exposing the device cart to the UI shell
// @host localhost:8443
// @BasePath /
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	newLogger := logger.New
	if cfg.IsDev() {
		newLogger = logger.NewDevelopment
	}
	log = newLogger(os.Stdout, logger.ParseLevel(cfg.LogLevel), serviceName, otel.GetTraceID)
	defer log.Sync()

	if err := run(cfg); err != nil {
		log.Error(context.Background(), "cart host stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := otel.InitTracing(log, otel.Config{
		ServiceName: serviceName,
		Host:        cfg.OTELHost,
		Probability: cfg.OTELProbability,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())
	tracer = tp.Tracer(serviceName)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	storage, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStorage()
	backend = storage

	store, err = cart.Open(ctx, storage,
		cart.WithKey(cfg.StorageKey),
		cart.WithLogger(log),
		cart.WithMetrics(metrics.NewCartMetrics(reg)),
		cart.WithRetryAttempts(cfg.PersistAttempts),
	)
	if err != nil {
		return fmt.Errorf("open cart: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(reg),
		ReadHeaderTimeout: 5 * time.Second,
		// request contexts end on shutdown so event streams close
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gctx, "listening", "addr", cfg.HTTPAddr, "tls", cfg.TLSEnabled(), "storage", cfg.StorageDriver)
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		log.Info(shutdownCtx, "shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "server shutdown", "error", err)
		}
		if err := store.Close(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "final cart flush", "error", err)
		}
		return nil
	})
	return g.Wait()
}

func openStorage(ctx context.Context, cfg *config.Config) (cart.Storage, func() error, error) {
	noop := func() error { return nil }
	switch cfg.StorageDriver {
	case config.DriverMemory:
		return memory.New(), noop, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, cfg.StorageNamespace)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := pg.Open(ctx, cfg.DatabaseURL, cfg.StorageNamespace)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverRedis:
		s, err := rds.New(ctx, rds.Options{
			URL:          cfg.RedisURL,
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}, cfg.StorageNamespace)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}
