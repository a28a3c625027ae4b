// Noisegate is a self-tuning error-pattern discovery daemon. It clusters
// recurring operational errors, asks a suggestion oracle for candidate
// classification rules, evaluates them in shadow mode against live
// traffic, and serves the human-approved rule set to a first-match-wins
// runtime classifier.
//
// Configuration is loaded from environment variables. See internal/config
// for the full list.
//
// Usage:
//
//	# Start the daemon with defaults
//	noisegate
//
//	# Configure via environment
//	NOISEGATE_SERVER_HTTP_PORT=8080 NOISEGATE_ORACLE_BASE_URL=http://llm:8000/v1 noisegate
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/noisegate/internal/backtest"
	"github.com/fyrsmithlabs/noisegate/internal/cache"
	"github.com/fyrsmithlabs/noisegate/internal/classifier"
	"github.com/fyrsmithlabs/noisegate/internal/cluster"
	"github.com/fyrsmithlabs/noisegate/internal/config"
	httpapi "github.com/fyrsmithlabs/noisegate/internal/http"
	"github.com/fyrsmithlabs/noisegate/internal/lifecycle"
	"github.com/fyrsmithlabs/noisegate/internal/logging"
	"github.com/fyrsmithlabs/noisegate/internal/oracle"
	"github.com/fyrsmithlabs/noisegate/internal/orchestrator"
	"github.com/fyrsmithlabs/noisegate/internal/store"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  noisegate           Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  noisegate version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("noisegate\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon together and blocks until ctx is cancelled.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting noisegate",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Path),
		zap.Bool("oracle_enabled", cfg.OracleEnabled()))

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ruleCache, err := cache.Open(cfg.Cache.Dir, logger)
	if err != nil {
		return fmt.Errorf("opening rule cache: %w", err)
	}
	defer ruleCache.Close()

	backtester, err := backtest.New(st, logger,
		backtest.WithLookback(cfg.Backtest.Lookback),
		backtest.WithCorpusLimit(cfg.Backtest.CorpusLimit),
		backtest.WithOverMatchRate(cfg.Backtest.OverMatchRate))
	if err != nil {
		return fmt.Errorf("creating backtester: %w", err)
	}

	// The oracle is optional: without it, discovery produces no proposals
	// and review explanations fall back to templates.
	var oracleClient *oracle.Client
	if cfg.OracleEnabled() {
		completer, err := oracle.NewLangchainCompleter(oracle.CompleterConfig{
			BaseURL: cfg.Oracle.BaseURL,
			Model:   cfg.Oracle.Model,
			APIKey:  cfg.Oracle.APIKey,
		})
		if err != nil {
			return fmt.Errorf("creating oracle completer: %w", err)
		}
		oracleClient, err = oracle.NewClient(completer, logger,
			oracle.WithTimeout(cfg.Oracle.Timeout))
		if err != nil {
			return fmt.Errorf("creating oracle client: %w", err)
		}
	}

	managerOpts := []lifecycle.Option{
		lifecycle.WithMinShadowMatches(cfg.Lifecycle.MinShadowMatches),
		lifecycle.WithMinMatchDays(cfg.Lifecycle.MinMatchDays),
		lifecycle.WithStaleAfter(cfg.Lifecycle.StaleAfter),
	}
	if oracleClient != nil {
		managerOpts = append(managerOpts, lifecycle.WithExplainer(oracleClient))
	}
	manager, err := lifecycle.NewManager(st, backtester, ruleCache, logger, managerOpts...)
	if err != nil {
		return fmt.Errorf("creating lifecycle manager: %w", err)
	}

	clusterer, err := cluster.New(st, logger,
		cluster.WithCorpusLimit(cfg.Discovery.CorpusLimit),
		cluster.WithMinOccurrences(cfg.Discovery.MinOccurrences),
		cluster.WithMaxClusters(cfg.Discovery.MaxClusters))
	if err != nil {
		return fmt.Errorf("creating clusterer: %w", err)
	}

	var suggester orchestrator.Suggester
	if oracleClient != nil {
		suggester = oracleClient
	}
	orch, err := orchestrator.New(clusterer, suggester, manager, st, logger,
		orchestrator.WithDiscoveryInterval(cfg.Discovery.Interval),
		orchestrator.WithStalenessInterval(cfg.Lifecycle.StalenessInterval))
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	cl, err := classifier.New(ruleCache, st, manager, logger,
		classifier.WithMemoTTL(cfg.Classifier.MemoTTL))
	if err != nil {
		return fmt.Errorf("creating classifier: %w", err)
	}
	defer cl.Close()

	srv, err := httpapi.NewServer(manager, orch, st, cl, logger, &httpapi.Config{
		Host: "0.0.0.0",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	// Warm the rule cache so the classifier is serviceable before the
	// first scheduled run.
	if err := manager.RefreshCache(ctx); err != nil {
		logger.Warn("initial cache refresh failed", zap.Error(err))
	}

	if err := orch.Start(); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	defer orch.Stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
