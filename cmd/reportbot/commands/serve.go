package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/reportbot/pkg/reportbot/bot"
	"github.com/jholhewres/reportbot/pkg/reportbot/config"
	"github.com/jholhewres/reportbot/pkg/reportbot/events"
	"github.com/jholhewres/reportbot/pkg/reportbot/metrics"
	"github.com/jholhewres/reportbot/pkg/reportbot/plugins"
	"github.com/jholhewres/reportbot/pkg/reportbot/supervisor"
)

// newServeCmd creates the `reportbot serve` command.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch the group and serve commands",
		Long: `Start the bot on the configured channel and keep it running,
rebuilding it after fatal channel failures until max_restarts is spent.

Examples:
  reportbot serve
  reportbot serve --driver whatsapp
  reportbot serve --config ./config.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			driver, _ := cmd.Flags().GetString("driver")
			return runBot(cmd, botFlags{driver: driver})
		},
	}

	cmd.Flags().String("driver", "", "override the configured driver (webwhatsapp, whatsapp, console)")
	return cmd
}

// botFlags are per-command overrides of the configured bot.
type botFlags struct {
	driver  string
	console bot.ConsoleIO
}

func runBot(cmd *cobra.Command, flags botFlags) error {
	config.LoadEnvFiles()

	// ── Load config ──
	registry := plugins.NewRegistry()
	path := configPath(cmd)
	initial, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// ── Configure logger ──
	logger, closeLog, err := newLogger(initial.Logging, verbose(cmd))
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	store := config.NewStore(path, validator(registry), logger)
	cfg, err := store.Load()
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", path, "driver", cfg.Driver, "group", cfg.GroupName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics and events ──
	rec := metrics.NewRecorder()
	if addr := cfg.Metrics.Address; addr != "" {
		go func() {
			if err := rec.Serve(ctx, addr, logger); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	var pub events.Publisher
	if cfg.Events.URL != "" {
		p, err := events.DialAMQP(cfg.Events.URL, cfg.Events.Exchange, logger)
		if err != nil {
			logger.Warn("event broker unavailable, lifecycle events disabled", "error", err)
		} else {
			pub = p
		}
	}
	bus := events.NewBus(pub, "reportbot", logger)
	defer bus.Close()

	// ── Supervise ──
	sup := supervisor.New(cfg.MaxRestarts, logger)
	sup.OnRestart = func(attempt int, wait time.Duration, cause error) {
		rec.ProcessRestart()
		ev := events.RestartEvent{Attempt: attempt, Wait: wait.Seconds()}
		if cause != nil {
			ev.Cause = cause.Error()
		}
		bus.Emit(ctx, events.KeyBotRestarting, "", ev)
	}

	err = sup.Run(ctx, func(ctx context.Context) (supervisor.Runner, error) {
		return bot.New(ctx, bot.Options{
			Store:    store,
			Registry: registry,
			Metrics:  rec,
			Events:   bus,
			Logger:   logger,
			Driver:   flags.driver,
			Console:  flags.console,
		})
	})
	if errors.Is(err, supervisor.ErrRestartsExhausted) {
		logger.Error("giving up", "error", err)
		return err
	}
	if err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		return "config.json"
	}
	return path
}

func verbose(cmd *cobra.Command) bool {
	v, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	return v
}

func validator(registry *plugins.Registry) config.Validator {
	return func(cfg *config.Config) error {
		return config.Validate(cfg, config.ValidateOptions{KnownPluginKind: registry.Known})
	}
}
