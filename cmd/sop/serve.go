package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/artpar/sop/config"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the entity API server",
	Long: `Start the sop server.

The server will:
  - Load configuration from sop.yaml (or --config)
  - Or load configuration from SOP_* environment variables
  - Open the store and initialize the schema
  - Serve the entity API, its rpc endpoints and /_schema

Environment variables:
  SOP_SERVER_PORT       - Server port (default: 8080)
  SOP_APP_PREFIX        - Root prefix of the API tree
  SOP_DATABASE_DRIVER   - memory or sqlite (default: memory)
  SOP_DATABASE_DSN      - SQLite path (default: sop.db)
  SOP_AUTH_ENABLED      - Declare the User type and bearer sessions
  SOP_LOG_LEVEL         - Log level: debug, info, warn, error

Examples:
  sop serve
  sop serve --config /etc/sop/sop.yaml
  SOP_DATABASE_DRIVER=sqlite sop serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error().Err(err).Msg("store close error")
		}
	}()

	if _, statErr := os.Stat(cfgFile); statErr == nil && hotReload {
		holder, err := config.NewHolder(cfgFile, logger)
		if err != nil {
			return err
		}
		defer holder.Stop()
		holder.OnFieldChange("logging.level", func(c *config.Config) { setLogLevel(c.Logging.Level) })
		if rt.metrics != nil {
			holder.Observe(rt.metrics.ObserveReload)
		}
		if err := holder.WatchFile(); err != nil {
			logger.Warn().Err(err).Msg("config file watch disabled")
		}
		holder.WatchSignals()
	}

	logger.Info().
		Str("addr", cfg.Server.Addr()).
		Str("driver", cfg.Database.Driver).
		Int("types", len(rt.app.Types())).
		Msg("starting sop")

	if err := rt.channel.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
