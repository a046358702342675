// Package router classifies inbound text against the configured command
// tables and dispatches commands to their backends: report pages driven in
// an auxiliary browser context, stored SQL queries and report plugins.
//
// Dispatch outcomes are values. A wrong argument count or a missing
// plugin is a Result, not an error; errors are reserved for commands that
// failed while running and are wrapped in *CommandError.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/reportbot/pkg/reportbot/channels"
	"github.com/jholhewres/reportbot/pkg/reportbot/config"
	"github.com/jholhewres/reportbot/pkg/reportbot/plugins"
)

// Kind is the classification of an inbound text.
type Kind string

const (
	KindReport      Kind = "report"
	KindSQL         Kind = "sql"
	KindSQLWithArgs Kind = "sql_with_args"
	KindPluginImage Kind = "plugin_image"
	KindPluginHTML  Kind = "plugin_html"
	KindAffirmative Kind = "affirmative"
	KindHelp        Kind = "help"
	KindNegative    Kind = "negative"
	KindActivation  Kind = "activation"
	KindUnknown     Kind = "unknown"
)

// IsCommand reports whether k dispatches to a backend.
func (k Kind) IsCommand() bool {
	switch k {
	case KindReport, KindSQL, KindSQLWithArgs, KindPluginImage, KindPluginHTML:
		return true
	}
	return false
}

// Match is the result of Classify.
type Match struct {
	// Text is the normalized inbound text.
	Text string
	Key  string
	Kind Kind
	Args []string
}

// Origin tells who asked for a command.
type Origin int

const (
	OriginHuman Origin = iota
	OriginScheduler
)

func (o Origin) String() string {
	if o == OriginScheduler {
		return "scheduler"
	}
	return "human"
}

// Status is the outcome of a dispatch.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusInvalidArgs
)

func (s Status) String() string {
	switch s {
	case StatusNotFound:
		return "not_found"
	case StatusInvalidArgs:
		return "invalid_args"
	}
	return "ok"
}

// Result is a dispatch outcome ready to be delivered.
type Result struct {
	Status Status
	Match  Match

	// Lines is a text reply, sent as one multiline message.
	Lines []string

	// Image is a PNG reply sent with Caption. The file is removed once sent.
	Image   string
	Caption []string

	// Expected and Got are set for StatusInvalidArgs.
	Expected int
	Got      int
}

// CommandError is a command that failed while running. It is reported in
// the conversation and does not count as a channel failure.
type CommandError struct {
	Key  string
	Kind Kind
	Err  error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q (%s): %v", e.Key, e.Kind, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// SQLRunner runs a stored SQL command and returns its response lines.
type SQLRunner interface {
	Run(ctx context.Context, cmd config.SQLCommand, args []string) ([]string, error)
}

// Router classifies and dispatches commands.
type Router struct {
	driver channels.Driver
	sql    SQLRunner
	logger *slog.Logger

	mu        sync.RWMutex
	cfg       *config.Config
	producers map[string]plugins.Producer

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	// settle is waited after report parameters are bound.
	settle time.Duration

	// detectionTimeout bounds the wait for a report's completion marker.
	detectionTimeout time.Duration
}

// New creates a router.
func New(cfg *config.Config, driver channels.Driver, sql SQLRunner, producers map[string]plugins.Producer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		driver:           driver,
		sql:              sql,
		logger:           logger.With("component", "router"),
		cfg:              cfg,
		producers:        producers,
		now:              time.Now,
		sleep:            sleepCtx,
		settle:           5 * time.Second,
		detectionTimeout: 120 * time.Second,
	}
}

// Update swaps the command tables after a configuration reload.
func (r *Router) Update(cfg *config.Config, producers map[string]plugins.Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.producers = producers
}

func (r *Router) snapshot() (*config.Config, map[string]plugins.Producer) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg, r.producers
}

// Normalize lowercases and trims text the way command keys are stored.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Classify resolves text against the command tables. Precedence: report
// keys, SQL keys, SQL key as first token, image plugins, HTML plugins,
// then the keyword sets.
func (r *Router) Classify(text string) Match {
	cfg, _ := r.snapshot()
	text = Normalize(text)
	m := Match{Text: text, Kind: KindUnknown}
	fields := strings.Fields(text)

	if _, ok := cfg.Reports[text]; ok {
		m.Key, m.Kind = text, KindReport
		return m
	}
	if _, ok := cfg.SQL[text]; ok {
		m.Key, m.Kind = text, KindSQL
		return m
	}
	if len(fields) > 1 {
		if _, ok := cfg.SQL[fields[0]]; ok {
			m.Key, m.Kind, m.Args = fields[0], KindSQLWithArgs, fields[1:]
			return m
		}
	}
	if p, ok := cfg.Plugins[text]; ok && p.OutputType == config.OutputImage {
		m.Key, m.Kind = text, KindPluginImage
		return m
	}
	if p, ok := cfg.Plugins[text]; ok && p.OutputType == config.OutputHTML {
		m.Key, m.Kind = text, KindPluginHTML
		return m
	}

	switch {
	case contains(cfg.AffirmativeKeywords, text):
		m.Kind = KindAffirmative
	case contains(cfg.HelpKeywords, text):
		m.Kind = KindHelp
	case contains(cfg.NegativeKeywords, text):
		m.Kind = KindNegative
	case cfg.ActivationPhrase != "" && strings.Contains(text, cfg.ActivationPhrase):
		m.Kind = KindActivation
	}
	m.Key = text
	return m
}

// LooksLikeCommand reports whether text names a command or carries the
// activation phrase.
func (r *Router) LooksLikeCommand(text string) bool {
	cfg, _ := r.snapshot()
	text = Normalize(text)
	if _, ok := cfg.Reports[text]; ok {
		return true
	}
	if _, ok := cfg.SQL[text]; ok {
		return true
	}
	if fields := strings.Fields(text); len(fields) > 0 {
		if _, ok := cfg.SQL[fields[0]]; ok {
			return true
		}
	}
	if _, ok := cfg.Plugins[text]; ok {
		return true
	}
	return cfg.ActivationPhrase != "" && strings.Contains(text, cfg.ActivationPhrase)
}

// Handle runs a command end to end: processing notice, dispatch, delivery
// and confirmation. Scheduler commands get no notices. The returned error
// is always a *CommandError.
func (r *Router) Handle(ctx context.Context, m Match, origin Origin) (Result, error) {
	cfg, _ := r.snapshot()
	human := origin == OriginHuman

	if human {
		if err := r.send(ctx, cfg.Message("processing", map[string]string{"command": m.Text})); err != nil {
			return Result{Match: m}, &CommandError{Key: m.Key, Kind: m.Kind, Err: err}
		}
	}

	res, err := r.Dispatch(ctx, m)
	if err != nil {
		return res, &CommandError{Key: m.Key, Kind: m.Kind, Err: err}
	}
	if err := r.Deliver(ctx, res); err != nil {
		return res, &CommandError{Key: m.Key, Kind: m.Kind, Err: err}
	}

	if human && res.Status != StatusNotFound {
		if err := r.send(ctx, cfg.Message("confirmation", nil)); err != nil {
			return res, &CommandError{Key: m.Key, Kind: m.Kind, Err: err}
		}
	}
	return res, nil
}

// Dispatch runs the backend of a command and returns its outcome without
// sending anything.
func (r *Router) Dispatch(ctx context.Context, m Match) (Result, error) {
	start := r.now()
	var (
		res Result
		err error
	)
	switch m.Kind {
	case KindReport:
		res, err = r.runReport(ctx, m)
	case KindSQL, KindSQLWithArgs:
		res, err = r.runSQL(ctx, m)
	case KindPluginImage, KindPluginHTML:
		res, err = r.runPlugin(ctx, m)
	default:
		return Result{Match: m}, fmt.Errorf("%s is not a command", m.Kind)
	}
	res.Match = m
	if err != nil {
		r.logger.Error("command failed", "command", m.Key, "kind", m.Kind, "error", err)
		return res, err
	}
	r.logger.Info("command dispatched",
		"command", m.Key, "kind", m.Kind, "status", res.Status, "duration", r.now().Sub(start))
	return res, nil
}

// Deliver converts a result into messages.
func (r *Router) Deliver(ctx context.Context, res Result) error {
	cfg, _ := r.snapshot()
	vars := map[string]string{"command": res.Match.Key}

	switch res.Status {
	case StatusNotFound:
		return r.send(ctx, cfg.Message("service_not_found", vars))
	case StatusInvalidArgs:
		vars["expected"] = strconv.Itoa(res.Expected)
		vars["got"] = strconv.Itoa(res.Got)
		return r.send(ctx, cfg.Message("invalid_args", vars))
	}

	if res.Image != "" {
		defer removeFile(r.logger, res.Image)
		if err := r.driver.SendImage(ctx, res.Image, res.Caption); err != nil {
			return fmt.Errorf("sending image: %w", err)
		}
		return nil
	}
	if len(res.Lines) == 0 {
		return nil
	}
	return r.driver.SendText(ctx, res.Lines, true)
}

func (r *Router) send(ctx context.Context, line string) error {
	return r.driver.SendText(ctx, []string{line}, false)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
