// arbbot is the cross-venue arbitrage Task Execution Engine's entry point.
//
// Architecture:
//
//	main.go                     — entry point: loads config, wires both venues, starts the registry, waits for SIGINT/SIGTERM
//	internal/config             — two-venue YAML config with ARB_* env overrides
//	internal/exchange           — REST client, L1/L2 auth + EIP-712 order signing, wallet-WS and chain-WS fill feeds, one instance per venue
//	internal/fanin              — demuxes each venue's fill feeds into per-task channels keyed by order hash
//	internal/book               — shared best-bid/ask cache, REST-refreshed on expiry
//	internal/task               — TaskExecutor: submit, monitor, teardown
//	internal/registry           — TaskRegistry: taskId -> TaskExecutor directory, typed event fan-out
//	internal/diag               — optional terminal-task history persistence
//
// How it makes money:
//
//	Each task represents one cross-venue arbitrage opportunity: buy on the
//	primary venue at a guarded entry price, then hedge the fill on the hedge
//	venue before the opportunity's edge can erode. The engine never discovers
//	these opportunities itself (Non-goal) — it only executes tasks handed to
//	it by an external caller via Registry.Create.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"arb-engine/internal/book"
	"arb-engine/internal/config"
	"arb-engine/internal/exchange"
	"arb-engine/internal/fanin"
	"arb-engine/internal/hedge"
	"arb-engine/internal/registry"
	"arb-engine/internal/task"
	"arb-engine/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	primaryAuth, err := exchange.NewAuth(cfg.Primary)
	if err != nil {
		logger.Error("failed to init primary venue auth", "error", err)
		os.Exit(1)
	}
	hedgeAuth, err := exchange.NewAuth(cfg.Hedge)
	if err != nil {
		logger.Error("failed to init hedge venue auth", "error", err)
		os.Exit(1)
	}

	primaryClient := exchange.NewClient(cfg.Primary, cfg.DryRun, primaryAuth, logger)
	hedgeClient := exchange.NewClient(cfg.Hedge, cfg.DryRun, hedgeAuth, logger)

	bookCache := book.New(cfg.Task.BookCacheTTL, cfg.Task.BookCacheStale)
	bookCache.RegisterRefresher(types.VenuePrimary, primaryClient)
	bookCache.RegisterRefresher(types.VenueHedge, hedgeClient)

	router := fanin.New(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	primaryWallet := exchange.NewWalletEventStream(cfg.Primary.API.WSUserURL, primaryAuth, logger)
	primaryChain := exchange.NewChainEventStream(cfg.Primary.API.WSChainURL,
		common.HexToAddress(cfg.Primary.ExchangeContract), primaryAuth.EthAddress(), logger)

	go runFeed(ctx, logger, "primary wallet ws", primaryWallet.Run)
	go runFeed(ctx, logger, "primary chain ws", primaryChain.Run)
	go router.Pump(ctx, primaryWallet.Events())
	go router.Pump(ctx, primaryChain.Events())

	taskCfg := task.Config{
		CostPollInterval:   cfg.Task.CostPollInterval,
		RestReconcileEvery: cfg.Task.RestReconcileEvery,
		HedgeConfig: hedge.Config{
			TickHedge:        cfg.Task.TickHedge,
			FeeRateBps:       cfg.Task.FeeRateBps,
			PollEvery:        cfg.Task.HedgePollInterval,
			PollTimeout:      cfg.Task.HedgePollTimeout,
			MaxRetries:       cfg.Task.MaxHedgeRetries,
			MinHedgeNotional: cfg.Task.MinHedgeNotional,
		},
	}

	newDeps := func(t *types.Task) task.Deps {
		fillEvents, unregister := router.Register(t.TaskID)
		if err := primaryWallet.Subscribe([]string{t.Params.MarketID}); err != nil {
			logger.Warn("failed to subscribe wallet ws to task's market", "task_id", t.TaskID, "market_id", t.Params.MarketID, "err", err)
		}
		taskLogger := logger.With("task_id", t.TaskID, "market_id", t.Params.MarketID)
		return task.Deps{
			Primary:    primaryClient,
			HedgeVenue: hedgeClient,
			Book:       bookCache,
			FillEvents: fillEvents,
			BindOrderHash: func(orderHash string) {
				router.Bind(orderHash, t.TaskID)
			},
			OnEvent: func(evt types.Event) {
				if evt.Kind == types.EventTerminal {
					unregister()
				}
			},
			Logger: taskLogger,
		}
	}

	reg, err := registry.New(registry.Config{
		HistoryRetention:  cfg.Registry.HistoryRetention,
		CancelWaitTimeout: cfg.Registry.CancelWaitTimeout,
		TaskConfig:        taskCfg,
		HistoryPersistDir: cfg.Registry.HistoryPersistDir,
	}, newDeps, logger)
	if err != nil {
		logger.Error("failed to create task registry", "error", err)
		os.Exit(1)
	}

	go reg.RunReaper(ctx, time.Minute)

	logger.Info("arbitrage task execution engine started",
		"primary_venue", cfg.Primary.Label,
		"hedge_venue", cfg.Hedge.Label,
		"dry_run", cfg.DryRun,
	)

	<-ctx.Done()
	logger.Info("received shutdown signal, stopping all tasks")
	reg.Stop()
}

// runFeed runs a venue feed's Run loop once and logs its return if ctx is
// still live; Run handles its own reconnects, so it is not restarted here.
func runFeed(ctx context.Context, logger *slog.Logger, name string, run func(context.Context) error) {
	if err := run(ctx); err != nil && ctx.Err() == nil {
		logger.Error(fmt.Sprintf("%s exited unexpectedly", name), "error", err)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
