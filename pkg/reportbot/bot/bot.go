package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jholhewres/reportbot/pkg/reportbot/browser"
	"github.com/jholhewres/reportbot/pkg/reportbot/channels"
	"github.com/jholhewres/reportbot/pkg/reportbot/config"
	"github.com/jholhewres/reportbot/pkg/reportbot/events"
	"github.com/jholhewres/reportbot/pkg/reportbot/plugins"
	"github.com/jholhewres/reportbot/pkg/reportbot/queries"
	"github.com/jholhewres/reportbot/pkg/reportbot/router"
	"github.com/jholhewres/reportbot/pkg/reportbot/supervisor"
)

// Metrics is the full metrics surface a bot reports to.
type Metrics interface {
	Recorder
	PollError()
	ChannelRestart()
}

// DriverFactory opens the channel driver selected by cfg. The default
// factory understands every built-in driver.
type DriverFactory func(ctx context.Context, cfg *config.Config, ws *browser.Workspace, logger *slog.Logger) (channels.Driver, error)

// Options configures New.
type Options struct {
	Store    *config.Store
	Registry *plugins.Registry
	Metrics  Metrics
	Events   *events.Bus
	Logger   *slog.Logger

	// Driver replaces the configured driver name when set.
	Driver string

	// Console is used by the console driver.
	Console ConsoleIO

	// Drivers overrides driver construction.
	Drivers DriverFactory
}

// ConsoleIO are the streams of the console driver.
type ConsoleIO struct {
	In     io.Reader
	Out    io.Writer
	Sender string
}

// Bot is one lifetime of the bot: a browser, a channel driver and the
// control loop on top. It implements supervisor.Runner.
type Bot struct {
	driver  channels.Driver
	browser *browser.Manager
	loop    *Loop
	logger  *slog.Logger
}

var _ supervisor.Runner = (*Bot)(nil)

// New assembles a bot from the store's active configuration and opens its
// channel. Nothing is left running when it fails.
func New(ctx context.Context, opts Options) (*Bot, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = plugins.NewRegistry()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.Events == nil {
		opts.Events = events.NewBus(nil, "reportbot", opts.Logger)
	}
	logger := opts.Logger
	cfg := opts.Store.Current()
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	if opts.Driver != "" && opts.Driver != cfg.Driver {
		c := *cfg
		c.Driver = opts.Driver
		cfg = &c
	}

	if err := os.MkdirAll(cfg.ArtifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifacts dir: %w", err)
	}

	mgr := browser.NewManager(browserOptions(cfg), logger)
	ws := browser.NewWorkspace(mgr, browser.WorkspaceOptions{
		ArtifactsDir: cfg.ArtifactsDir,
		RenderDelay:  time.Duration(cfg.Browser.RenderDelay * float64(time.Second)),
	}, logger)

	drivers := opts.Drivers
	if drivers == nil {
		drivers = openDriver(opts.Console)
	}
	driver, err := drivers(ctx, cfg, ws, logger)
	if err != nil {
		mgr.Stop()
		return nil, fmt.Errorf("opening %s channel: %w", cfg.Driver, err)
	}

	sql := &queries.Service{Executor: queries.NewExecutor(queries.DefaultTimeout, logger)}
	bind := func(c *config.Config) map[string]plugins.Producer {
		producers, err := opts.Registry.Bind(c.Plugins, plugins.Deps{
			SQL:          sql,
			SQLCommands:  c.SQL,
			ArtifactsDir: c.ArtifactsDir,
			Logger:       logger,
		})
		if err != nil {
			logger.Warn("some plugin commands could not be bound", "error", err)
		}
		return producers
	}

	rt := router.New(cfg, driver, sql, bind(cfg), logger)

	guard := supervisor.NewPollGuard(driver, cfg.MaxConsecutiveErrors, cfg.RestartCooldown(), logger)
	guard.OnFailure = func(error) { opts.Metrics.PollError() }
	guard.OnRestart = func(failures int, err error) {
		opts.Metrics.ChannelRestart()
		ev := events.RestartEvent{Attempt: failures}
		if err != nil {
			ev.Cause = err.Error()
		}
		opts.Events.Emit(ctx, events.KeyChannelRestarted, "", ev)
	}

	loop := NewLoop(LoopOptions{
		Driver: driver,
		Router: rt,
		Guard:  guard,
		Config: opts.Store,
		Configure: func(c *config.Config) {
			rt.Update(c, bind(c))
		},
		Events:   opts.Events,
		Recorder: opts.Metrics,
		Logger:   logger,
	})

	logger.Info("bot ready", "config", opts.Store.Path(), "driver", driver.Name(), "group", cfg.GroupName,
		"reports", len(cfg.Reports), "sql", len(cfg.SQL), "plugins", len(cfg.Plugins), "schedule", len(cfg.Schedule))

	return &Bot{driver: driver, browser: mgr, loop: loop, logger: logger.With("component", "bot")}, nil
}

// Run runs the control loop.
func (b *Bot) Run(ctx context.Context) error {
	return b.loop.Run(ctx)
}

// Close closes the channel and stops the browser.
func (b *Bot) Close() error {
	err := b.driver.Close()
	b.browser.Stop()
	if err != nil {
		b.logger.Warn("error closing channel", "error", err)
	}
	return err
}

func browserOptions(cfg *config.Config) browser.Options {
	opts := browser.Options{
		ChromePath:     cfg.Browser.ChromePath,
		Headless:       cfg.Headless,
		Timeout:        time.Duration(cfg.Browser.TimeoutSeconds) * time.Second,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		ExtraArgs:      cfg.Browser.ExtraArgs,
		Endpoint:       cfg.Browser.Endpoint,
	}
	if cfg.UserDataDir != "" {
		opts.UserDataDir = filepath.Join("cookies", cfg.UserDataDir)
	}
	return opts
}
