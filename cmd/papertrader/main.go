package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/api"
	"papertrader/internal/broker"
	"papertrader/internal/config"
	"papertrader/internal/engine"
	"papertrader/internal/ledger"
	"papertrader/internal/market"
	"papertrader/internal/regime"
	"papertrader/internal/store"
	"papertrader/internal/strategy"
	"papertrader/internal/strategy/builtins"
	"papertrader/internal/util"
)

// barCacheAge is how long cached daily bars are served without refetching.
const barCacheAge = 12 * time.Hour

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("loading .env: %v", err)
	}

	// Load config.
	cfgPath := "config/papertrader.yaml"
	if p := os.Getenv("PAPERTRADER_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if os.IsNotExist(err) {
		cfg = config.Default()
	} else if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// Setup logging.
	w := io.Writer(os.Stdout)
	if cfg.Logging.Dir != "" {
		if err := os.MkdirAll(cfg.Logging.Dir, 0o755); err != nil {
			log.Fatalf("creating log dir: %v", err)
		}
		logFileName := filepath.Join(cfg.Logging.Dir, fmt.Sprintf("papertrader-%s.log", time.Now().Format("2006-01-02")))
		logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("opening log file: %v", err)
		}
		defer logFile.Close()
		w = io.MultiWriter(os.Stdout, logFile)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, w)
	util.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("papertrader exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Trading calendar.
	cal, err := util.NewTradingCalendar(cfg.Trader.Timezone, cfg.Trader.Sessions, logger)
	if err != nil {
		return fmt.Errorf("trading calendar: %w", err)
	}

	// Market data.
	bars := store.NewParquetStore(cfg.Storage.DataDir)
	var provider market.Provider
	if cfg.Alpaca.APIKey != "" && cfg.Alpaca.APISecret != "" {
		provider = market.NewCachedProvider(market.NewAlpacaProvider(cfg.Alpaca), bars, barCacheAge)
		if cfg.Trader.UseExchangeCalendar {
			cal = cal.WithDayChecker(market.NewAlpacaCalendar(cfg.Alpaca))
		}
	} else {
		logger.Warn("no alpaca credentials, using an empty static market")
		provider = market.NewStaticProvider()
	}

	// Ledger.
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening ledger store: %w", err)
	}
	defer db.Close()

	l, err := ledger.Open(ctx, ledger.Config{
		InitialCapital: decimal.NewFromFloat(cfg.Ledger.InitialCapital),
		Location:       cal.Location(),
	}, db, provider, logger)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer l.Close()

	// Strategy.
	registry := strategy.NewRegistry()
	builtins.Register(registry)
	strat, err := registry.Lookup(cfg.Trader.Strategy)
	if err != nil {
		return err
	}

	// Auto trader.
	detector := regime.New(cfg.Regime, logger)
	risk := engine.NewDynamicRiskManager()
	trader := engine.New(engine.ConfigFrom(cfg), engine.Deps{
		Ledger:   l,
		Market:   provider,
		Strategy: strat,
		Sessions: cal,
		Regime:   detector,
		Risk:     risk,
	}, logger)
	defer trader.Stop()

	srv := api.NewServer(cfg.Server, api.Deps{
		Ledger: l,
		Broker: broker.NewPaperBroker(l, provider, logger),
		Trader: trader,
		Regime: detector,
		Risk:   risk,
	}, logger)

	if cfg.Trader.AutoStart {
		trader.Start()
	}

	logger.Info("papertrader starting",
		"strategy", strat.Name(),
		"universe", len(cfg.Trader.Universe),
		"auto_start", cfg.Trader.AutoStart,
	)
	err = srv.ListenAndServe(ctx)
	logger.Info("shutting down papertrader")
	return err
}
