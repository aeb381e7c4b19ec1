// Package bot assembles the copy-trading pipeline from configuration and
// owns its lifecycle.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kjannette/trahn-copytrade/internal/config"
	"github.com/kjannette/trahn-copytrade/internal/exchange"
	"github.com/kjannette/trahn-copytrade/internal/executor"
	"github.com/kjannette/trahn-copytrade/internal/external"
	"github.com/kjannette/trahn-copytrade/internal/instruments"
	"github.com/kjannette/trahn-copytrade/internal/logging"
	"github.com/kjannette/trahn-copytrade/internal/notifications"
	"github.com/kjannette/trahn-copytrade/internal/repository"
	"github.com/kjannette/trahn-copytrade/internal/risk"
	"github.com/kjannette/trahn-copytrade/internal/scheduler"
	"github.com/kjannette/trahn-copytrade/internal/sizing"
)

type Repos struct {
	Strategies *repository.StrategyRepo
	Audits     *repository.AuditRepo
	Positions  *repository.PositionRepo
}

type Service struct {
	mu        sync.Mutex
	sched     *scheduler.Scheduler
	paper     *exchange.PaperExchange
	notifier  *notifications.Notifier
	cancelRun context.CancelFunc
	log       *logrus.Entry
}

func NewService() *Service {
	return &Service{log: logging.For("bot")}
}

func (s *Service) Start(ctx context.Context, cfg *config.Config, repos Repos, notify *notifications.Sender) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sched != nil && s.sched.Running() {
		s.log.Warn("already running")
		return nil
	}

	aliases := sizing.NewAliasTable(cfg.QuoteCurrency)
	if cfg.AliasFile != "" {
		loaded, err := sizing.LoadAliasFile(cfg.AliasFile, cfg.QuoteCurrency)
		if err != nil {
			return fmt.Errorf("alias file: %w", err)
		}
		aliases = loaded
	}

	okx := exchange.NewOKXClient(exchange.OKXConfig{
		BaseURL:    cfg.OKXBaseURL,
		APIKey:     cfg.OKXAPIKey,
		Secret:     cfg.OKXAPISecret,
		Passphrase: cfg.OKXPassphrase,
		Simulated:  cfg.OKXSimulated,
		Quote:      cfg.QuoteCurrency,
	})
	var ex exchange.Client = okx
	mode := "LIVE MODE"
	if cfg.PaperTradingEnabled {
		s.paper = exchange.NewPaperExchange(okx, cfg.PaperInitialUSDT, cfg.PaperSlippagePct)
		ex = s.paper
		mode = "PAPER MODE"
	}

	catalog := instruments.NewCatalog(ex, "SWAP")
	if err := refreshWithRetry(ctx, catalog, 3); err != nil {
		return fmt.Errorf("instrument catalog: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	go catalog.Run(runCtx, cfg.CatalogRefreshInterval)

	exec := executor.New(ex, catalog, sizing.NewTranslator(aliases, cfg.DefaultHedgeLeverage),
		repos.Audits, repos.Positions, executor.Config{
			MarginMode:       cfg.MarginMode,
			DayCutoffHourUTC: cfg.DayCutoffHourUTC,
		})
	guard := risk.NewGuardian(repos.Audits, aliases.Base)
	s.notifier = notifications.NewNotifier(notify, 256)

	s.sched = scheduler.New(
		external.NewWalletClient(cfg.WalletAPIURL, cfg.WalletAPIKey),
		repos.Strategies, exec, guard, s.notifier,
		scheduler.Config{
			Interval:           cfg.PollInterval,
			MaxParallelWallets: cfg.MaxParallelWallets,
			SkipAhead:          cfg.SkipAhead,
			MaxSignalAttempts:  cfg.MaxSignalAttempts,
		},
	)
	s.sched.Start()

	notify.Send(fmt.Sprintf("Starting copy trader (%s quote) - %s", cfg.QuoteCurrency, mode))
	s.log.WithField("mode", mode).Info("started successfully")
	return nil
}

func refreshWithRetry(ctx context.Context, catalog *instruments.Catalog, attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		rctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		err = catalog.Refresh(rctx)
		cancel()
		if err == nil || i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 2 * time.Second):
		}
	}
	return err
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sched != nil {
		s.sched.Stop()
	}
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	if s.notifier != nil {
		s.notifier.Close()
		s.notifier = nil
	}
	s.log.Info("stopped")
}

// Scheduler returns the running scheduler, nil before Start.
func (s *Service) Scheduler() *scheduler.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

// Paper returns the simulated exchange, nil in live mode.
func (s *Service) Paper() *exchange.PaperExchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paper
}
