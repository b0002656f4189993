package main

import (
	"bufio"
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeagent/config"
	"tradeagent/internal/adapters/binanceclient"
	"tradeagent/internal/adapters/logger"
	"tradeagent/internal/adapters/sqlite"
	"tradeagent/internal/app"
	"tradeagent/internal/risk"
	"tradeagent/internal/splitter"
	"tradeagent/internal/tools"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Ledger Store (Database Adapter)
	store, err := sqlite.NewStore(sqlite.Config{
		DBPath:       cfg.DBPath,
		Logger:       appLogger,
		SharpeCutoff: cfg.SharpeCutoff,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize ledger store")
		log.Fatalf("FATAL: Failed to initialize ledger store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing ledger store")
		}
	}()
	appLogger.Info(ctx, "Ledger store initialized", map[string]interface{}{"path": cfg.DBPath})

	// 4. Initialize Exchange Client (Binance Adapter)
	exchange, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
		QuoteAsset: cfg.QuoteAsset,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(ctx, "Binance client initialized", map[string]interface{}{"testnet": cfg.IsTestnet})

	// 5. Initialize Risk Validator and Order Splitter
	validator := risk.New(risk.Config{
		MaxLeverage:    cfg.MaxLeverage,
		SupportedCoins: cfg.SupportedCoins,
		MaxMarginPct:   cfg.MaxMarginPct,
		MaxExposurePct: cfg.MaxExposurePct,
	})
	split, err := splitter.New(exchange, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize order splitter")
		log.Fatalf("FATAL: Failed to initialize order splitter: %v", err)
	}

	// 6. Initialize Trade Execution Coordinator
	coordinator, err := app.NewCoordinator(
		app.Config{TakerFeeRate: cfg.TakerFeeRate},
		appLogger,
		exchange,
		store,
		validator,
		split,
	)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize coordinator")
		log.Fatalf("FATAL: Failed to initialize coordinator: %v", err)
	}

	handler, err := tools.NewHandler(coordinator, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize tools handler")
		log.Fatalf("FATAL: Failed to initialize tools handler: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		appLogger.Info(ctx, "Shutdown signal received", map[string]interface{}{"signal": sig.String()})
		cancel()
	}()

	// Periodic account snapshots for the reporting time series.
	go func() {
		ticker := time.NewTicker(cfg.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := coordinator.RecordSnapshot(runCtx); err != nil {
					appLogger.Error(runCtx, err, "Failed to record account snapshot")
				}
			}
		}
	}()

	appLogger.Info(ctx, "Tool loop started, reading JSON tool calls from stdin")
	serveToolLoop(runCtx, handler, appLogger)
	appLogger.Info(ctx, "Shutdown complete")
}

// serveToolLoop reads one JSON tool call per line from stdin and writes one
// JSON response per line to stdout. The agent harness owns the conversation;
// this process is just the execution arm.
func serveToolLoop(ctx context.Context, handler *tools.Handler, appLogger *logger.ZapLogger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	writer := bufio.NewWriter(os.Stdout)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := handler.Handle(ctx, line)
		if _, err := writer.Write(append(resp, '\n')); err != nil {
			appLogger.Error(ctx, err, "Failed to write tool response")
			return
		}
		if err := writer.Flush(); err != nil {
			appLogger.Error(ctx, err, "Failed to flush tool response")
			return
		}
	}
	if err := scanner.Err(); err != nil {
		appLogger.Error(ctx, err, "Tool loop input error")
	}
}
