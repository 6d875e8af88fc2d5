package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ledgerpos/backend/internal/cache"
	"ledgerpos/backend/internal/cashbox"
	"ledgerpos/backend/internal/clock"
	"ledgerpos/backend/internal/cloud"
	"ledgerpos/backend/internal/config"
	"ledgerpos/backend/internal/connectivity"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/events"
	"ledgerpos/backend/internal/httpapi"
	"ledgerpos/backend/internal/localstore"
	"ledgerpos/backend/internal/logging"
	"ledgerpos/backend/internal/queue"
	"ledgerpos/backend/internal/service"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/store/memory"
	pgstore "ledgerpos/backend/internal/store/postgres"
)

// remoteStore is what the server needs from a remote ledger backend.
type remoteStore interface {
	store.Remote
	store.Pinger
	httpapi.UserStore
	Close() error
}

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	logger, err := logging.New(logging.Config{Service: "ledgerpos", Env: cfg.AppEnv, Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStart()

	closers := make([]func() error, 0, 3)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("close", zap.Error(err))
			}
		}
	}()

	var remote remoteStore
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		closers = append(closers, pg.Close)
		if err := pg.EnsureSchema(startCtx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		remote = pg
		logger.Info("remote ledger: postgres")
	} else {
		remote = memory.NewSeeded(cfg.OwnerID)
		logger.Info("remote ledger: in-memory")
	}

	clk := clock.Real{}
	var (
		local     localstore.Store
		products  cache.Cache[[]domain.Product]
		customers cache.Cache[[]domain.Customer]
		partners  cache.Cache[[]domain.Partner]
	)

	redisClient := connectRedis(startCtx, cfg, logger)
	if redisClient != nil {
		closers = append(closers, redisClient.Close)
		local = localstore.NewRedis(redisClient, "ledgerpos:"+cfg.OwnerID)
		products = cache.NewRedis[[]domain.Product](redisClient, "products", cfg.CacheTTL, logger)
		customers = cache.NewRedis[[]domain.Customer](redisClient, "customers", cfg.CacheTTL, logger)
		partners = cache.NewRedis[[]domain.Partner](redisClient, "partners", cfg.PartnerCacheTTL, logger)
	} else {
		fileStore, err := localstore.NewFile(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("local store: %w", err)
		}
		local = fileStore
		products = cache.NewTTL[[]domain.Product](cfg.CacheTTL, clk)
		customers = cache.NewTTL[[]domain.Customer](cfg.CacheTTL, clk)
		partners = cache.NewTTL[[]domain.Partner](cfg.PartnerCacheTTL, clk)
		logger.Info("local store: file", zap.String("dir", cfg.DataDir))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := queue.NewMetrics(registry)

	gateway := cloud.New(remote, local, cloud.Options{
		Products:  products,
		Customers: customers,
		Partners:  partners,
		Clock:     clk,
		Timeout:   cfg.RemoteTimeout,
		Log:       logger,
	})
	bus := events.NewBus(logger)
	hub := events.NewHub(cfg.AllowedOrigin, logger)
	detach := hub.Attach(bus)
	defer detach()

	monitor := connectivity.New(remote, connectivity.Config{Interval: cfg.ConnectivityInterval, Timeout: cfg.RemoteTimeout}, logger)
	svc := service.New(service.Deps{
		Gateway:     gateway,
		Queue:       queue.New(local, clk, cfg.QueueMaxAttempts, logger),
		Cashbox:     cashbox.New(local, clk, logger),
		Monitor:     monitor,
		Bus:         bus,
		Metrics:     metrics,
		Clock:       clk,
		DeviceOwner: cfg.OwnerID,
		DebtDueDays: cfg.DebtDueDays,
		Log:         logger,
	})
	monitor.OnRestored(svc.OnConnectivityRestored)

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, remote, logger)
	api := httpapi.New(httpapi.Options{
		Service:       svc,
		Auth:          auth,
		Hub:           hub,
		Metrics:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		AllowedOrigin: cfg.AllowedOrigin,
		Log:           logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go hub.Run(ctx)
	go monitor.Run(ctx)
	go runSyncLoop(ctx, svc, monitor, cfg.SyncInterval, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ledger backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

// connectRedis returns nil when redis is not configured or does not answer;
// the server then keeps its queue on disk.
func connectRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, using file store", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = client.Close()
		return nil
	}
	logger.Info("local store: redis", zap.String("addr", cfg.RedisAddr))
	return client
}

// runSyncLoop drains the queue on every tick while the monitor reports
// the remote as reachable.
func runSyncLoop(ctx context.Context, svc *service.Service, monitor *connectivity.Monitor, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !monitor.Online() {
				continue
			}
			report := svc.SyncNow(ctx)
			if report.Result.Processed > 0 || report.Result.Failed > 0 {
				logger.Info("periodic sync",
					zap.Int("processed", report.Result.Processed),
					zap.Int("failed", report.Result.Failed))
			}
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.OwnerID == "" {
		return fmt.Errorf("OWNER_ID must be set")
	}
	return nil
}
