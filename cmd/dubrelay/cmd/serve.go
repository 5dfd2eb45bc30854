package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dubrelay/dubrelay/internal/config"
	"github.com/dubrelay/dubrelay/internal/database"
	internalhttp "github.com/dubrelay/dubrelay/internal/http"
	"github.com/dubrelay/dubrelay/internal/http/handlers"
	"github.com/dubrelay/dubrelay/internal/observability"
	"github.com/dubrelay/dubrelay/internal/repository"
	"github.com/dubrelay/dubrelay/internal/version"
	"github.com/dubrelay/dubrelay/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dubrelay server",
	Long: `Start the dubbing relay.

The server provides:
- Media-router lifecycle hooks that start and stop dubbing workers
- REST API for worker inspection and manual control
- Health check endpoints
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to")
	serveCmd.Flags().Int("port", 0, "Port to listen on")
	serveCmd.Flags().String("database", "", "Codec cache database path")
	serveCmd.Flags().String("sts-url", "", "Speech-to-speech service URL")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd.Root().PersistentFlags(), cmd.Flags(), cfg)

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	logger.Info("starting dubrelay",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit))

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	codecRepo := repository.NewCodecRepository(db.DB)

	manager, err := worker.NewManager(cfg, codecRepo, logger)
	if err != nil {
		return fmt.Errorf("initializing worker manager: %w", err)
	}

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)
	handlers.NewHealthHandler(version.Version).
		WithDB(db.DB).
		WithController(manager).
		Register(server.API())
	handlers.NewHooksHandler(cfg.MediaMTX.App, manager, logger).Register(server.API())
	handlers.NewWorkersHandler(manager, logger).Register(server.API())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Expired codec entries accumulate slowly; one sweep at startup is
	// enough.
	go func() {
		if n, err := codecRepo.DeleteExpired(ctx); err == nil && n > 0 {
			logger.Info("pruned expired codec cache entries", slog.Int64("count", n))
		}
	}()

	serveErr := server.ListenAndServe(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := manager.CleanupAll(shutdownCtx); err != nil {
		logger.Warn("stopping workers on shutdown", slog.String("error", err.Error()))
	}

	return serveErr
}

// applyFlagOverrides applies explicitly set CLI flags on top of the loaded
// configuration, keeping flag > env > config > default precedence.
func applyFlagOverrides(root, flags *pflag.FlagSet, cfg *config.Config) {
	if root.Changed("log-level") {
		cfg.Logging.Level, _ = root.GetString("log-level")
	}
	if root.Changed("log-format") {
		cfg.Logging.Format, _ = root.GetString("log-format")
	}

	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("database") {
		cfg.Database.DSN, _ = flags.GetString("database")
	}
	if flags.Changed("sts-url") {
		cfg.STS.URL, _ = flags.GetString("sts-url")
	}
}
