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

	"provider-pool/internal/auth"
	"provider-pool/internal/config"
	"provider-pool/internal/lease"
	"provider-pool/internal/provider"
	"provider-pool/internal/schedule"
	"provider-pool/internal/session"
	"provider-pool/internal/sweep"
	"provider-pool/internal/tasks"
	"provider-pool/internal/telephony"
	"provider-pool/pkg/logger"
	"provider-pool/pkg/metrics"
	"provider-pool/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
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

	if cfg.App.Env == "production" {
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

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Shared dependencies, constructed once and injected; no globals.
	m := metrics.New()
	providers := provider.NewPostgresStore(db)
	sessions := session.NewPostgresStore(db)
	scheduler := schedule.NewRedisScheduler(rdb, cfg.Tasks.QueueKey)

	var calls telephony.Controller = telephony.NopController{}
	if cfg.Telephony.BaseURL != "" {
		calls = telephony.NewHTTPController(cfg.Telephony, logger.Component(log, "telephony"))
	}

	leases := lease.NewService(providers, sessions, scheduler, m, logger.Component(log, "lease"), cfg.Lease.SafetyWindow)

	timeoutTask := tasks.NewTimeoutTask(leases, m, logger.Component(log, "lease_timeout"))
	guardTask := tasks.NewGuardTask(sessions, leases, calls, m, logger.Component(log, "call_guard"))

	reconciler := sweep.NewReconciler(providers, sessions, leases, m, logger.Component(log, "reconcile_sweep"), sweep.ReconcileConfig{
		BusyThreshold: cfg.Sweep.BusyThreshold,
		ExtendedGrace: cfg.Sweep.ExtendedGrace,
		BatchLimit:    cfg.Sweep.ReleaseBatchLimit,
	})
	inactivity := sweep.NewInactivitySweeper(providers, m, logger.Component(log, "inactivity_sweep"), sweep.InactivityConfig{
		RecencyWindow:      cfg.Sweep.RecencyWindow,
		StalenessThreshold: cfg.Sweep.StalenessThreshold,
		BatchLimit:         cfg.Sweep.ReleaseBatchLimit,
	})

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:         cfg,
		metrics:     m,
		authManager: authManager,
		providers:   providers,
		sessions:    sessions,
		leases:      leases,
		timeoutTask: timeoutTask,
		guardTask:   guardTask,
		reconciler:  reconciler,
		inactivity:  inactivity,
	})

	// Delayed-task pump: delivers due task envelopes to our own handlers.
	pumpTarget := cfg.Tasks.TargetBaseURL
	if pumpTarget == "" {
		pumpTarget = "http://127.0.0.1" + cfg.HTTPAddr()
	}
	pump := schedule.NewPump(scheduler, schedule.PumpConfig{
		TargetBaseURL: pumpTarget,
		SharedSecret:  cfg.Tasks.SharedSecret,
		PollInterval:  cfg.Tasks.PollInterval,
		BatchLimit:    cfg.Tasks.BatchLimit,
	}, logger.Component(log, "task_pump"))
	go pump.Run(rootCtx)

	// Local sweep tickers; an external cron hitting the trigger endpoints is
	// equivalent and safe to run alongside (each pass is idempotent).
	go runEvery(rootCtx, cfg.Sweep.ReconcilePeriod, func(ctx context.Context) {
		if _, err := reconciler.Run(ctx); err != nil {
			log.Error("reconcile sweep failed", "err", err)
		}
	})
	go runEvery(rootCtx, cfg.Sweep.InactivityPeriod, func(ctx context.Context) {
		if _, err := inactivity.Run(ctx); err != nil {
			log.Error("inactivity sweep failed", "err", err)
		}
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
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
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

func runEvery(ctx context.Context, period time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
