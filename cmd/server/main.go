// papertrader simulates tiered-signal equity trading against live prices:
// sessions hold simulated capital, signals become positions during market
// hours, the scheduler monitors and exits them, and every completed trade
// lands in an append-only ledger.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/papertrader/internal/clients/prices"
	"github.com/aristath/papertrader/internal/clients/telegram"
	"github.com/aristath/papertrader/internal/config"
	"github.com/aristath/papertrader/internal/database"
	"github.com/aristath/papertrader/internal/market"
	"github.com/aristath/papertrader/internal/modules/analytics"
	"github.com/aristath/papertrader/internal/modules/portfolio"
	"github.com/aristath/papertrader/internal/modules/trading"
	"github.com/aristath/papertrader/internal/notify"
	"github.com/aristath/papertrader/internal/scheduler"
	"github.com/aristath/papertrader/internal/server"
	"github.com/aristath/papertrader/internal/signals"
	"github.com/aristath/papertrader/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("data_dir", cfg.DataDir).
		Int("port", cfg.Port).
		Bool("dev_mode", cfg.DevMode).
		Msg("Starting papertrader")

	// Mutable session/position state and the append-only trade ledger live
	// in separate databases with different durability profiles.
	stateDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "state.db"),
		Profile: database.ProfileStandard,
		Name:    "state",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state database")
	}
	defer stateDB.Close()

	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger database")
	}
	defer ledgerDB.Close()

	for _, db := range []*database.DB{stateDB, ledgerDB} {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("db", db.Name()).Msg("Failed to apply schema")
		}
	}

	calendar, err := market.NewCalendar(log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create market calendar")
	}

	// Repositories
	sessionRepo := portfolio.NewSessionRepository(stateDB.Conn(), log)
	positionRepo := portfolio.NewPositionRepository(stateDB.Conn(), log)
	tradeRepo := trading.NewTradeRepository(ledgerDB.Conn(), log)
	orderRepo := trading.NewPendingOrderRepository(stateDB.Conn(), log)
	signalRepo := signals.NewRepository(stateDB.Conn(), log)

	// Notifications: Telegram when a token is configured, log sink otherwise
	var sink notify.Sink
	if cfg.TelegramBotToken != "" {
		sink = telegram.New(cfg.TelegramBotToken, log)
	} else {
		log.Warn().Msg("No Telegram token configured, notifications go to the log")
		sink = notify.NewLogSink(log)
	}
	notifier := notify.NewNotifier(sink, log)

	// Core components
	priceClient := prices.New(stateDB.Conn(), cfg.PriceCacheTTL, log)
	accountant := portfolio.NewAccountant(positionRepo, tradeRepo, log)
	engine := trading.NewEngine(stateDB.Conn(), sessionRepo, positionRepo, tradeRepo, accountant, notifier, log)
	queue := trading.NewQueue(engine, orderRepo, sessionRepo, positionRepo, priceClient, log)
	analyticsEngine := analytics.New(tradeRepo, log)

	sessionService := trading.NewSessionService(
		sessionRepo, positionRepo, engine, queue, calendar, priceClient,
		trading.SessionDefaults{
			Capital:      cfg.DefaultCapital,
			MaxPositions: cfg.DefaultMaxPositions,
			RiskPct:      cfg.DefaultRiskPct,
		},
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go notifier.Run(ctx)

	orchestrator := scheduler.NewOrchestrator(scheduler.Deps{
		Calendar:  calendar,
		Sessions:  sessionRepo,
		Positions: positionRepo,
		Account:   accountant,
		Engine:    engine,
		Queue:     queue,
		Signals:   signalRepo,
		Prices:    priceClient,
		Analytics: analyticsEngine,
		Notifier:  notifier,
	}, log)

	if err := orchestrator.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start orchestrator")
	}

	srv := server.New(server.Config{
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		Log:     log,

		StateDB:  stateDB,
		LedgerDB: ledgerDB,

		Calendar:       calendar,
		Sessions:       sessionRepo,
		Positions:      positionRepo,
		Accountant:     accountant,
		SessionService: sessionService,
		Orders:         orderRepo,
		Trades:         tradeRepo,
		Signals:        signalRepo,
		Analytics:      analyticsEngine,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	orchestrator.Stop()

	for _, db := range []*database.DB{stateDB, ledgerDB} {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			log.Warn().Err(err).Str("db", db.Name()).Msg("WAL checkpoint failed")
		}
	}

	log.Info().Msg("Shutdown complete")
}
