package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/greenpoint/ledgerops/internal/api"
	"github.com/greenpoint/ledgerops/internal/cache"
	"github.com/greenpoint/ledgerops/internal/config"
	"github.com/greenpoint/ledgerops/internal/events"
	"github.com/greenpoint/ledgerops/internal/gateway"
	"github.com/greenpoint/ledgerops/internal/logger"
	"github.com/greenpoint/ledgerops/internal/service"
	"github.com/greenpoint/ledgerops/internal/store"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// backend is what both store drivers provide.
type backend interface {
	service.Repository
	service.Ledger
	service.CategoryTable
	api.Pinger
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(".")
	if err != nil {
		logger.Fatalf("config load failed: %v", err)
	}
	logger.Init(cfg.LogLevel)
	log := logger.Component("bootstrap")

	ctx := context.Background()

	var db backend
	switch cfg.StoreDriver {
	case config.DriverMemory:
		mem := store.NewMemoryStore()
		report := mem.Seed()
		log.Warn("using in-memory store; state is lost on restart",
			"categories", report.Categories, "merchants", report.Merchants, "users", report.Users)
		db = mem
	default:
		pg, err := store.NewStore(ctx, cfg.DBSource)
		if err != nil {
			logger.Fatalf("database connection failed: %v", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatalf("schema migration failed: %v", err)
		}
		log.Info("database connected")
		db = pg
	}

	var categories service.CategoryTable = db
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Warn("redis url missing; category cache disabled")
	} else if opts, err := redis.ParseURL(cfg.RedisURL); err != nil {
		log.Warn("redis url parse failed; category cache disabled", "error", err)
	} else {
		rdb := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis ping failed; category cache disabled", "error", err)
			rdb.Close()
		} else {
			defer rdb.Close()
			categories = cache.NewCategories(rdb, db, cfg.CategoryCacheTTL(), "")
			log.Info("redis connected")
		}
		cancel()
	}

	var publisher events.Publisher = &events.Fallback{Log: logger.Component("events")}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Warn("rabbitmq url missing; using fallback publisher")
	} else if producer, err := events.NewProducer(cfg.RabbitMQURL, cfg.EventsExchange); err != nil {
		log.Warn("rabbitmq producer unavailable; using fallback publisher", "error", err)
	} else {
		publisher = producer
		log.Info("rabbitmq producer connected", "exchange", cfg.EventsExchange)
	}
	defer publisher.Close()

	gw := gateway.NewClient(gateway.Config{
		BaseURL:      cfg.GatewayBaseURL,
		ReadyPath:    cfg.GatewayReadyPath,
		ApprovePath:  cfg.GatewayApprovePath,
		SecretKey:    cfg.GatewaySecretKey,
		CID:          cfg.GatewayCID,
		Timeout:      cfg.GatewayTimeout(),
		CallbackHost: cfg.CallbackHost,
		ApprovalPath: cfg.CallbackApprovalPath,
		CancelPath:   cfg.CallbackCancelPath,
		FailPath:     cfg.CallbackFailPath,
	})

	svc := service.NewTransactionService(service.Deps{
		Repo:          db,
		Ledger:        db,
		Categories:    categories,
		Gateway:       gw,
		Events:        publisher,
		PendingExpiry: cfg.PendingExpiry(),
	})

	scheduler := service.NewExpiryScheduler(svc, cfg.PendingExpirySchedule, logger.Component("scheduler"))
	if err := scheduler.Start(); err != nil {
		logger.Fatalf("expiry job schedule %q invalid: %v", cfg.PendingExpirySchedule, err)
	}

	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET is empty; every authenticated request will be rejected")
	}
	handler := api.NewHandler(svc, db, cfg.FrontendBaseURL)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, []byte(cfg.JWTSecret)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("server starting on :%s (env=%s, store=%s)", cfg.Port, cfg.Env, cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server stopped unexpectedly: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown failed: %v", err)
	}
	<-scheduler.Stop().Done()
	logger.Info("shutdown complete")
}
