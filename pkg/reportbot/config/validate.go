package config

import (
	"errors"
	"fmt"
	"strings"
)

// SQL drivers understood by the query executor.
var knownSQLDrivers = map[string]bool{
	"":           true, // sqlserver
	"sqlserver":  true,
	"mssql":      true,
	"postgres":   true,
	"postgresql": true,
	"pgx":        true,
	"sqlite":     true,
	"sqlite3":    true,
}

// ValidateOptions carries checks that depend on packages config cannot import.
type ValidateOptions struct {
	// KnownPluginKind reports whether a plugin kind is compiled in.
	KnownPluginKind func(kind string) bool
}

// Validate checks the document for problems that would otherwise surface
// only when a command is dispatched.
func Validate(cfg *Config, opts ValidateOptions) error {
	var errs []error

	switch cfg.Driver {
	case DriverWebWhatsApp, DriverWhatsApp, DriverConsole:
	default:
		errs = append(errs, fmt.Errorf("driver %q: must be one of webwhatsapp, whatsapp, console", cfg.Driver))
	}
	if cfg.Driver == DriverWebWhatsApp && cfg.GroupName == "" {
		errs = append(errs, errors.New("groupname is required"))
	}
	if cfg.ActivationPhrase == "" {
		errs = append(errs, errors.New("activation_phrase must not be empty"))
	}
	if cfg.SessionTimeout <= 0 {
		errs = append(errs, errors.New("session_timeout must be positive"))
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		errs = append(errs, errors.New("max_consecutive_errors must be positive"))
	}
	if cfg.TickDelay < 0 || cfg.RestartDelay < 0 || cfg.MaxRestarts < 0 {
		errs = append(errs, errors.New("tick_delay, restart_delay and max_restarts must not be negative"))
	}

	for key, r := range cfg.Reports {
		if r.URL == "" || r.Detection == "" || r.Body == "" {
			errs = append(errs, fmt.Errorf("reporting_service %q: url, detection and body are required", key))
		}
		for _, p := range r.Parameters {
			if p.Type != "text_input" && p.Type != "select" {
				errs = append(errs, fmt.Errorf("reporting_service %q: parameter %q has unknown type %q", key, p.Name, p.Type))
			}
		}
	}

	for key, s := range cfg.SQL {
		if !knownSQLDrivers[strings.ToLower(s.Driver)] {
			errs = append(errs, fmt.Errorf("sql_service %q: unknown driver %q", key, s.Driver))
		}
		if s.SQLFile == "" {
			errs = append(errs, fmt.Errorf("sql_service %q: sql_file is required", key))
		}
		if strings.ContainsAny(key, " \t") {
			errs = append(errs, fmt.Errorf("sql_service %q: key must be a single word", key))
		}
	}

	for key, p := range cfg.Plugins {
		if p.OutputType != OutputImage && p.OutputType != OutputHTML {
			errs = append(errs, fmt.Errorf("plugin_service %q: output_type must be image or html", key))
		}
		if opts.KnownPluginKind != nil && !opts.KnownPluginKind(p.Kind) {
			errs = append(errs, fmt.Errorf("plugin_service %q: unknown kind %q", key, p.Kind))
		}
	}

	if err := cfg.Schedule.Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, e := range cfg.Schedule {
		for _, cmd := range e.Commands {
			if !cfg.hasCommand(cmd) {
				errs = append(errs, fmt.Errorf("schedule %q: unknown command %q", e.Time, cmd))
			}
		}
	}

	return errors.Join(errs...)
}

// hasCommand reports whether text names a configured command. SQL commands
// may carry trailing arguments.
func (c *Config) hasCommand(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if _, ok := c.Reports[text]; ok {
		return true
	}
	if _, ok := c.SQL[text]; ok {
		return true
	}
	if _, ok := c.Plugins[text]; ok {
		return true
	}
	if fields := strings.Fields(text); len(fields) > 0 {
		_, ok := c.SQL[fields[0]]
		return ok
	}
	return false
}
