package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/liamcoop/automations/internal/collaborators"
	"github.com/liamcoop/automations/internal/config"
	"github.com/liamcoop/automations/internal/database"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

// ServeOptions holds the server command flags.
type ServeOptions struct {
	ConfigPath string
	Port       int
}

func newRootCommand() *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "automation-server",
		Short: "Automation rule engine HTTP server",
		Long: `Serve the automation rule engine: rule configuration, trigger event
dispatch with staged rollout, and dry-run testing.

Configuration is read from --config (or AUTOMATION_CONFIG) and overridden by
DATABASE_URL, DATABASE_DRIVER, PORT, LOG_LEVEL and ERROR_SAMPLE_RATE.

Example:
  automation-server --config /etc/automations.yaml
  DATABASE_URL=postgres://localhost/automations automation-server`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", os.Getenv("AUTOMATION_CONFIG"), "path to YAML config file")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "listen port (overrides config and PORT)")

	return cmd
}

func loadConfig(opts *ServeOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.SampleRate); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore connects the configured backend. The returned *sql.DB is nil for
// in-memory storage.
func openStore(ctx context.Context, cfg *config.Config) (rules.RuleStore, *sql.DB, error) {
	opts := []rules.StoreOption{rules.WithShadowLogCapacity(cfg.Engine.ShadowLogCapacity)}
	if cfg.Database.Driver == config.DriverMemory {
		logger.Warn("using in-memory rule store; rules are lost on restart")
		store, err := database.NewRuleStore(config.DriverMemory, nil, opts...)
		return store, nil, err
	}

	if cfg.Database.MigrateOnBoot {
		if err := database.Migrate(cfg.Database.Driver, cfg.Database.URL); err != nil {
			return nil, nil, err
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := database.Open(connectCtx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	store, err := database.NewRuleStore(cfg.Database.Driver, db, opts...)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

func serve(ctx context.Context, opts *ServeOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	store, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	collab, resolver := collaborators.New(cfg.Collaborators, cfg.GetCollaboratorTimeout())
	engine, err := rules.NewEngine(store, collab, rules.EngineConfig{
		Cache:         rules.CacheConfig{TTL: cfg.GetCacheTTL()},
		Dispatcher:    rules.DispatcherConfig{MaxParallelActions: cfg.Engine.MaxParallelActions},
		ActionTimeout: cfg.GetActionTimeout(),
		Resolver:      resolver,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	serverOpts := ServerOptions{
		Storage:     cfg.Database.Driver,
		SlowRequest: cfg.GetSlowRequest(),
	}
	if db != nil {
		serverOpts.DB = db
	}
	server := NewServer(engine, serverOpts)

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "storage", cfg.Database.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-sigCtx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		logger.Fatal("automation server failed", "error", err)
	}
}
