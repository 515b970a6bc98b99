package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gomatch/internal/config"
	"github.com/3leaps/gomatch/internal/observability"
	"github.com/3leaps/gomatch/internal/server"
	"github.com/3leaps/gomatch/internal/server/handlers"
	"github.com/3leaps/gomatch/pkg/engine/naive"
	"github.com/3leaps/gomatch/pkg/matching/manager"
	"github.com/3leaps/gomatch/pkg/matching/pipeline"
	"github.com/3leaps/gomatch/pkg/pairstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the matching API server",
	Long: `Run the HTTP API server with the background phase driver.

The server exposes the matching commands under /matchings plus health and
version endpoints. The driver advances every running job one step per tick.

Example:
  gomatch serve
  gomatch serve --port 9000
  gomatch serve --pairstore /var/lib/gomatch/pairs.db
  GOMATCH_LOG_PROFILE=console gomatch serve`,
	RunE: runServe,
}

var (
	serveHost      string
	servePort      int
	servePairstore string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	serveCmd.Flags().StringVar(&servePairstore, "pairstore", "", "Training-pair journal path (overrides config)")
}

// serveOverrides turns changed serve flags into config runtime overrides.
func serveOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		overrides["server"] = map[string]any{"host": serveHost}
	}
	if cmd.Flags().Changed("port") {
		srv, _ := overrides["server"].(map[string]any)
		if srv == nil {
			srv = map[string]any{}
		}
		srv["port"] = servePort
		overrides["server"] = srv
	}
	if cmd.Flags().Changed("pairstore") {
		overrides["pairstore"] = map[string]any{"path": servePairstore}
	}
	return overrides
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(ctx, serveOverrides(cmd))
	if err != nil {
		observability.CLILogger.Error("Failed to load configuration", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	log, err := observability.NewLogger(cfg.Logging.Profile, cfg.Logging.Level)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = log.Sync() }()

	var store *pairstore.Store
	var journal manager.Journal
	if cfg.PairStore.Path != "" {
		store, err = pairstore.Open(ctx, pairstore.Config{Path: cfg.PairStore.Path})
		if err != nil {
			log.Error("failed to open pair store", zap.String("path", cfg.PairStore.Path), zap.Error(err))
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open pair store", err)
		}
		defer func() { _ = store.Close() }()
		journal = store
		log.Info("pair store open", zap.String("path", cfg.PairStore.Path))
	}

	mgr, err := manager.New(manager.Config{
		Engine:  naive.New(naive.Config{}),
		Sources: manager.DefaultSources(),
		Journal: journal,
		Pipeline: pipeline.Config{
			SampleSize:          cfg.Matching.SampleSize,
			ScoreBatchSize:      cfg.Matching.ScoreBatchSize,
			RetentionThreshold:  cfg.Matching.RetentionThreshold,
			ClusterThreshold:    cfg.Matching.ClusterThreshold,
			ProposalBatchGroups: cfg.Matching.ProposalBatchGroups,
			RulesMaxColumns:     cfg.Matching.RulesMaxColumns,
		},
		MinLabeledPairs: cfg.Driver.MinLabeledPairs,
		TickPeriod:      cfg.Driver.TickPeriod,
		Log:             log,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manager configuration", err)
	}

	handlers.SetVersion(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	handlers.InitHealthManager(versionInfo.Version)
	if cfg.Health.Enabled {
		registerHealthCheckers(mgr, store)
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port, server.WithLogger(log))
	srv.MountMatchings(handlers.NewMatchings(mgr))
	if cfg.Debug.PprofEnabled {
		srv.EnablePprof()
		log.Info("pprof endpoints enabled")
	}

	if err := mgr.Start(ctx); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to start driver", err)
	}
	defer mgr.Stop()

	httpSrv := &http.Server{
		Addr:         srv.Addr(),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", httpSrv.Addr),
			zap.String("version", versionInfo.Version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server failed", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	case <-ctx.Done():
		log.Info("context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
		return exitError(foundry.ExitSignalInt, "Graceful shutdown failed", err)
	}
	log.Info("server stopped")
	return nil
}

func registerHealthCheckers(mgr *manager.Manager, store *pairstore.Store) {
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signal", signalHealthChecker{})
	hm.RegisterChecker("driver", driverHealthChecker{manager: mgr})

	identity := identityHealthChecker{}
	if id := GetAppIdentity(); id != nil {
		identity = identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		}
	}
	hm.RegisterChecker("identity", identity)

	if store != nil {
		hm.RegisterChecker("pairstore", pairStoreHealthChecker{store: store})
	}
}

// signalHealthChecker reports the signal handling path is wired. It cannot
// fail; its presence keeps the checks map non-empty on a minimal server.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// identityHealthChecker verifies the application identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	if c.binaryName == "" {
		return fmt.Errorf("app identity missing binary name")
	}
	if c.envPrefix == "" {
		return fmt.Errorf("app identity missing env prefix")
	}
	if c.configName == "" {
		return fmt.Errorf("app identity missing config name")
	}
	return nil
}

// driverHealthChecker verifies the background driver loop is running.
type driverHealthChecker struct {
	manager *manager.Manager
}

func (c driverHealthChecker) CheckHealth(ctx context.Context) error {
	if !c.manager.IsRunning() {
		return fmt.Errorf("driver not running")
	}
	return nil
}

// pairStoreHealthChecker verifies the journal database answers.
type pairStoreHealthChecker struct {
	store *pairstore.Store
}

func (c pairStoreHealthChecker) CheckHealth(ctx context.Context) error {
	return c.store.Ping(ctx)
}
