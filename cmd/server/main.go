package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kjannette/trahn-copytrade/internal/api"
	"github.com/kjannette/trahn-copytrade/internal/bot"
	"github.com/kjannette/trahn-copytrade/internal/config"
	"github.com/kjannette/trahn-copytrade/internal/db"
	"github.com/kjannette/trahn-copytrade/internal/logging"
	"github.com/kjannette/trahn-copytrade/internal/notifications"
	"github.com/kjannette/trahn-copytrade/internal/repository"
)

const banner = `
╔══════════════════════════════════════╗
║     TRAHN Wallet Copy Trader v0.3    ║
║                                      ║
╚══════════════════════════════════════╝
`

func main() {
	fmt.Print(banner)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.For("main")

	if err := cfg.Validate(log); err != nil {
		log.Fatal(err)
	}
	cfg.Print(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := logging.For("db")
	dbLog.WithField("target", fmt.Sprintf("%s:%d/%s", cfg.DBHost, cfg.DBPort, cfg.DBName)).Info("connecting")
	pool, err := db.Connect(ctx, cfg.DSN(), db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		dbLog.WithError(err).Fatal("connection failed")
	}
	defer func() {
		pool.Close()
		dbLog.Info("connection pool closed")
	}()

	serverTime, err := db.ServerTime(ctx, pool)
	if err != nil {
		dbLog.WithError(err).Fatal("test query failed")
	}
	dbLog.WithField("server_time", serverTime.Format(time.RFC3339)).Info("connection successful")

	if err := db.Migrate(ctx, pool); err != nil {
		dbLog.WithError(err).Fatal("migration failed")
	}

	// Repos
	repos := bot.Repos{
		Strategies: repository.NewStrategyRepo(pool),
		Audits:     repository.NewAuditRepo(pool, cfg.DayCutoffHourUTC),
		Positions:  repository.NewPositionRepo(pool),
	}

	// Notifications
	notify := notifications.NewSender(cfg.WebhookURL, cfg.BotName)

	// 1. Copy trader (catalog, executor, scheduler)
	botService := bot.NewService()
	if err := botService.Start(ctx, cfg, repos, notify); err != nil {
		logging.For("bot").WithError(err).Fatal("start failed")
	}

	// 2. API server
	deps := api.Deps{
		DB:         pool,
		Strategies: repos.Strategies,
		Audits:     repos.Audits,
		Positions:  repos.Positions,
		Scheduler:  botService.Scheduler(),
		Paper:      botService.Paper(),
	}
	srv := api.NewServer(deps, cfg.APIPort, cfg.APIKey, cfg.CORSAllowOrigin)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.For("api").WithError(err).Fatal("server error")
		}
	}()

	log.Info("all services started successfully")

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.For("api").WithError(err).Error("shutdown error")
	}

	botService.Stop()
	log.Info("shutdown complete")
}
