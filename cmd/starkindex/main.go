// Command starkindex runs the indexer runtime: one adaptive RPC dispatcher
// and historical/realtime sync pair per configured chain, feeding a
// checkpoint-ordered handler pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/0xmhha/starkindex/internal/config"
	"github.com/0xmhha/starkindex/internal/logger"
	"github.com/0xmhha/starkindex/internal/metrics"
	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/orchestrator"
	"github.com/0xmhha/starkindex/pkg/rpc"
	"github.com/0xmhha/starkindex/pkg/store"
	"github.com/0xmhha/starkindex/pkg/store/pebblestore"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		storagePath = flag.String("storage-path", "", "Database path")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
		ordering    = flag.String("ordering", "", "Cross-chain event ordering (omnichain, multichain)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("starkindex version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *storagePath, *logLevel, *logFormat, *ordering)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := initLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting starkindex",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.Int("chains", len(cfg.Chains)),
		zap.String("ordering", cfg.Ordering),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	st, err := pebblestore.Open(pebblestore.Config{Path: cfg.Storage.Path}, log)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("failed to close storage", zap.Error(err))
		}
	}()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr, m, log)
	}

	orderingMode, err := orchestrator.ParseOrdering(cfg.Ordering)
	if err != nil {
		log.Fatal("invalid ordering", zap.Error(err))
	}

	orch, dispatchers, err := buildOrchestrator(cfg, st, m, log, orderingMode)
	if err != nil {
		log.Fatal("failed to build orchestrator", zap.Error(err))
	}
	defer func() {
		for _, d := range dispatchers {
			d.Shutdown()
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- orch.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("orchestrator stopped with error", zap.Error(err))
		}
	}

	log.Info("starkindex stopped")
}

// buildOrchestrator wires one rpc.Dispatcher per configured chain and
// registers no handlers beyond whatever an embedding deployment attaches;
// this binary is the wiring demonstration, not the projection logic.
func buildOrchestrator(cfg *config.Config, st store.SyncStore, m *metrics.Metrics, log *zap.Logger, ordering orchestrator.Ordering) (*orchestrator.Orchestrator, []*rpc.Dispatcher, error) {
	var chains []orchestrator.ChainConfig
	var dispatchers []*rpc.Dispatcher
	for _, cc := range cfg.Chains {
		d, err := rpc.New(rpc.Config{
			Endpoints: cc.RPCEndpoints,
			Logger:    log.With(zap.String("chain", cc.ID)),
			Metrics:   m,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("chain %s: %w", cc.ID, err)
		}
		dispatchers = append(dispatchers, d)
		chains = append(chains, orchestrator.ChainConfig{
			ID:                 cc.ID,
			ChainIDNumeric:     cc.ChainID,
			Client:             d,
			Sources:            []chain.Source{},
			FinalityBlockCount: cc.FinalityBlockCount,
			StartHeight:        cc.StartHeight,
			TracesSupported:    true,
			DisableCache:       cc.DisableCache,
		})
	}

	orch := orchestrator.New(orchestrator.Config{
		Ordering: ordering,
		Store:    st,
		Metrics:  m,
		Logger:   log,
		Chains:   chains,
		Handlers: map[string][]orchestrator.Handler{},
	})
	return orch, dispatchers, nil
}

func serveMetrics(addr string, m *metrics.Metrics, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", zap.Error(err))
	}
}

func loadConfig(configFile string) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func applyFlags(cfg *config.Config, storagePath, logLevel, logFormat, ordering string) {
	if storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if ordering != "" {
		cfg.Ordering = ordering
	}
}

func initLogger(level, format string) (*zap.Logger, error) {
	if format == "json" || format == "production" {
		return logger.NewProduction()
	}
	cfg := logger.Config{
		Level:       level,
		Encoding:    "console",
		Development: true,
	}
	return logger.NewWithConfig(&cfg)
}
