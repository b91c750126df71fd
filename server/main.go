package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/logging"
	"collabtext/internal/metrics"
	"collabtext/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	zap.ReplaceGlobals(logger.Desugar())
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("relay stopped", "error", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Connect to Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Relay.RedisAddr})
	defer multierr.AppendInvoke(&err, multierr.Close(rdb))
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.Relay.RedisAddr, err)
	}
	log.Infow("connected to redis", "addr", cfg.Relay.RedisAddr)

	// --- Connect to PostgreSQL (optional event log) ---
	var events relay.EventLog = relay.NopEventLog{}
	if cfg.Relay.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Relay.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		pgLog, err := relay.NewPostgresEventLog(ctx, pool)
		if err != nil {
			return err
		}
		events = pgLog
		log.Info("connected to postgres, event log enabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv := relay.NewServer(relay.NewRedisBroker(rdb), events, reg, metrics.NewRelay(reg), log)
	defer srv.Close()

	if cfg.Relay.Advertise {
		port, err := listenPort(cfg.Relay.ListenAddr)
		if err != nil {
			return err
		}
		adv, err := discovery.Advertise(config.ServiceName, port)
		if err != nil {
			return err
		}
		defer adv.Shutdown()
		log.Infow("advertising relay over mDNS", "service", config.ServiceName, "port", port)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Relay.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- httpSrv.ListenAndServe() }()
	log.Infow("relay listening", "addr", cfg.Relay.ListenAddr)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	return strconv.Atoi(port)
}
