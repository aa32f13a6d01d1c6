// vaultd runs the leveraged exposure vault engine with its keeper,
// API and metrics servers. The lending venue, swapper and price feed run
// in simulation mode; production deployments substitute live adapters
// behind the same interfaces.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/leveldb"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/vault/pkg/api"
	"github.com/luxfi/vault/pkg/config"
	"github.com/luxfi/vault/pkg/events"
	"github.com/luxfi/vault/pkg/keeper"
	"github.com/luxfi/vault/pkg/metrics"
	"github.com/luxfi/vault/pkg/vault"
)

func main() {
	configPath := flag.String("config", "vaultd.yaml", "path to YAML config")
	simPrice := flag.String("sim-price", "50000", "starting risk asset price in simulation mode")
	flag.Parse()

	logger := log.Root().New("module", "vaultd")

	if err := run(*configPath, *simPrice, logger); err != nil {
		logger.Error("vaultd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, simPrice string, logger log.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	startPrice, err := decimal.NewFromString(simPrice)
	if err != nil || startPrice.Sign() <= 0 {
		return fmt.Errorf("bad sim price %q", simPrice)
	}

	var db database.Database
	if cfg.Database.Path != "" {
		ldb, err := leveldb.New(cfg.Database.Path, 0, 0, 0)
		if err != nil {
			logger.Warn("Falling back to in-memory database", "error", err)
			db = memdb.New()
		} else {
			db = ldb
			defer ldb.Close()
		}
	} else {
		db = memdb.New()
	}

	var pub events.Publisher = events.NoopPublisher{}
	if cfg.NATS.URL != "" {
		natsPub, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger.New("module", "events"))
		if err != nil {
			logger.Warn("NATS unavailable, events disabled", "error", err)
		} else {
			pub = natsPub
			defer natsPub.Close()
		}
	}

	// Simulation-mode collaborators behind the production interfaces.
	primary := vault.NewSimPriceFeed(startPrice)
	secondary := vault.NewSimPriceFeed(startPrice)
	feed := vault.NewFallbackPriceFeed(primary, secondary,
		vault.NewPriceBreaker(cfg.Oracle.BreakerMaxChangeBps, 5*time.Minute),
		logger.New("module", "pricefeed"))
	venue := vault.NewMemoryVenue(cfg.Vault.Account)
	swapper := vault.NewMemorySwapper(feed, cfg.Vault.RiskAsset, cfg.Vault.StableAsset)

	engine, err := vault.NewVaultEngine(vault.EngineConfig{
		Account:                cfg.Vault.Account,
		Owner:                  cfg.Vault.Owner,
		RiskAsset:              cfg.Vault.RiskAsset,
		StableAsset:            cfg.Vault.StableAsset,
		FeeRateBps:             cfg.Vault.FeeRateBps,
		TargetLTVBps:           cfg.Vault.TargetLTVBps,
		MaxLTVBps:              cfg.Vault.MaxLTVBps,
		LiqLTVBps:              cfg.Vault.LiqLTVBps,
		SlippageBps:            cfg.Vault.SlippageBps,
		NAVMinUpdateInterval:   secs(cfg.Oracle.MinUpdateIntervalSecs),
		NAVPriceThresholdBps:   cfg.Oracle.PriceThresholdBps,
		StrikeMinSweepInterval: secs(cfg.Strike.MinSweepIntervalSecs),
	}, vault.ExternalRefs{Venue: venue, Swapper: swapper, Feed: feed}, db, pub, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	m, err := metrics.NewVaultMetrics("vault", logger.New("module", "metrics"))
	if err != nil {
		return fmt.Errorf("build metrics: %w", err)
	}
	engine.SetMetrics(m)

	if prev, err := engine.Oracle.LoadStoredSnapshot(); err != nil {
		logger.Warn("Could not load stored NAV snapshot", "error", err)
	} else if prev != nil {
		logger.Info("Resuming from stored NAV snapshot",
			"navPerShare", prev.NAVPerShare.String(),
			"at", prev.Timestamp)
	}

	k := keeper.New(engine, logger.New("module", "keeper"))
	if err := k.RegisterAll(cfg.Schedule.SweepCron, cfg.Schedule.NAVCron, cfg.Schedule.LTVCron); err != nil {
		return fmt.Errorf("register keeper jobs: %w", err)
	}
	k.Start()
	defer k.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiServer := api.NewServer(engine, logger.New("module", "api"))
	go func() {
		if err := apiServer.Start(cfg.API.Port); err != nil {
			logger.Error("API server failed", "error", err)
			cancel()
		}
	}()
	defer apiServer.Stop()

	go func() {
		if err := m.Serve(ctx, cfg.API.MetricsPort); err != nil {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	logger.Info("vaultd running",
		"riskAsset", cfg.Vault.RiskAsset,
		"stableAsset", cfg.Vault.StableAsset,
		"targetLTVBps", cfg.Vault.TargetLTVBps,
		"apiPort", cfg.API.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("Shutting down", "signal", s.String())
	case <-ctx.Done():
	}
	return nil
}

func secs(n int64) time.Duration { return time.Duration(n) * time.Second }
