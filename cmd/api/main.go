package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"salon-loyalty/internal/audit"
	"salon-loyalty/internal/auth"
	"salon-loyalty/internal/config"
	"salon-loyalty/internal/events"
	"salon-loyalty/internal/httpapi"
	"salon-loyalty/internal/policy"
	"salon-loyalty/internal/reporting"
	"salon-loyalty/internal/settlement"
	"salon-loyalty/internal/wallet"
	"salon-loyalty/pkg/logger"
	"salon-loyalty/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Optional sinks: without them events are dropped and audit stays in memory.
	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.Rabbit.URL != "" {
		conn, ch, err := events.Dial(cfg.Rabbit.URL)
		if err != nil {
			log.Error("rabbitmq init failed", "err", err)
			os.Exit(1)
		}
		defer conn.Close()
		defer ch.Close()
		rp, err := events.NewRabbitPublisher(ch, cfg.Rabbit.Exchange, log)
		if err != nil {
			log.Error("rabbitmq exchange declare failed", "err", err)
			os.Exit(1)
		}
		publisher = rp
	}

	var auditRepo audit.Repository = audit.NewMemoryRepo()
	if cfg.Mongo.URI != "" {
		mc, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			log.Error("mongo init failed", "err", err)
			os.Exit(1)
		}
		defer func() {
			if err := mc.Disconnect(context.Background()); err != nil {
				log.Warn("mongo disconnect failed", "err", err)
			}
		}()
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		err = mc.Ping(pingCtx, nil)
		cancel()
		if err != nil {
			log.Error("mongo ping failed", "err", err)
			os.Exit(1)
		}
		auditRepo = audit.NewMongoRepo(mc, cfg.Mongo.Database)
	}
	auditSvc := audit.NewService(auditRepo)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var locker settlement.Locker = settlement.NewKeyedMutex()
	if cfg.Settlement.LockBackend == config.LockBackendRedis {
		locker = settlement.NewRedisLocker(rdb, cfg.Settlement.LockTTL, cfg.Settlement.LockWait)
	}

	walletStore := wallet.NewPostgresStore(db)
	engine, err := settlement.NewEngine(settlement.Deps{
		Store:     walletStore,
		Locker:    locker,
		Publisher: publisher,
		Audit:     auditSvc,
		Metrics:   settlement.NewMetrics(reg),
		Log:       log,
	}, settlement.Options{MaxRetries: cfg.Settlement.MaxRetries})
	if err != nil {
		log.Error("settlement engine init failed", "err", err)
		os.Exit(1)
	}

	policies, err := policy.NewService(
		policy.NewPostgresRepo(db),
		policy.NewRedisCache(rdb, cfg.Settlement.PolicyCacheTTL),
		policy.Policy{
			GiftPercentage:         cfg.Settlement.DefaultGiftPercentage,
			CreditExpiryDays:       cfg.Settlement.DefaultCreditExpiryDays,
			WalletEnabledByDefault: cfg.Settlement.WalletEnabledByDefault,
		},
		log,
	)
	if err != nil {
		log.Error("policy service init failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		handlers: httpapi.Handlers{
			Auth:     authManager,
			Wallets:  wallet.NewService(walletStore, log),
			Engine:   engine,
			Policies: policies,
			Reports:  reporting.NewService(walletStore),
			Audit:    auditSvc,
		},
		authMW: auth.RequireAccessToken(authManager),
		ready: func(ctx context.Context) error {
			if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
		metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		devLogin: cfg.App.Env == "local" || cfg.App.Env == "dev",
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "lock_backend", cfg.Settlement.LockBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
