// Package config defines the reportbot configuration document and the
// hot-reload store that re-reads it on every control loop tick.
//
// The document is JSON on disk. It is decoded with yaml.v3 (JSON is a YAML
// subset) so that the schedule grid keeps the key order written by the
// operator.
package config

import (
	"strings"
	"time"

	"github.com/jholhewres/reportbot/pkg/reportbot/scheduler"
)

// Driver names accepted in the "driver" key.
const (
	DriverWebWhatsApp = "webwhatsapp"
	DriverWhatsApp    = "whatsapp"
	DriverConsole     = "console"
)

// Output types for plugin commands.
const (
	OutputImage = "image"
	OutputHTML  = "html"
)

// Config holds the whole bot configuration.
type Config struct {
	// GroupName is the title of the monitored group conversation.
	GroupName string `yaml:"groupname"`

	// Headless runs the browser without a visible window.
	Headless bool `yaml:"headless"`

	// UserDataDir is the browser profile directory under ./cookies.
	UserDataDir string `yaml:"userdata_dir"`

	// Driver selects the Channel Driver implementation.
	Driver string `yaml:"driver"`

	// ActivationPhrase opens an interactive session when it appears in a message.
	ActivationPhrase string `yaml:"activation_phrase"`

	// SessionTimeout is the idle timeout of an interactive session, in seconds.
	SessionTimeout int `yaml:"session_timeout"`

	// DefaultTimeout is the default wait for page elements, in seconds.
	DefaultTimeout int `yaml:"default_timeout"`

	// TickDelay is the pause after every control loop tick, in seconds.
	TickDelay float64 `yaml:"tick_delay"`

	// SkipBacklog treats the first polled message after startup as already seen.
	SkipBacklog bool `yaml:"skip_backlog"`

	AffirmativeKeywords []string `yaml:"affirmative_keywords"`
	NegativeKeywords    []string `yaml:"negative_keywords"`
	HelpKeywords        []string `yaml:"help_keywords"`

	// Messages are the fixed response templates, keyed by name.
	Messages map[string]string `yaml:"messages"`

	// HelpText is sent line by line as one multiline message.
	HelpText []string `yaml:"help_text"`

	Reports  map[string]ReportCommand `yaml:"reporting_service"`
	SQL      map[string]SQLCommand    `yaml:"sql_service"`
	Plugins  map[string]PluginCommand `yaml:"plugin_service"`
	Schedule scheduler.Grid           `yaml:"scheduler_service"`

	// MaxConsecutiveErrors is the tier-1 escalation threshold.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`

	// RestartDelay is the cooldown after a driver restart, in seconds.
	RestartDelay int `yaml:"restart_delay"`

	// MaxRestarts bounds process-level reconstructions.
	MaxRestarts int `yaml:"max_restarts"`

	// ArtifactsDir receives screenshots and generated pages.
	ArtifactsDir string `yaml:"artifacts_dir"`

	// AssetDir is emptied after every HTML plugin render.
	AssetDir string `yaml:"asset_dir"`

	Browser  BrowserConfig  `yaml:"browser"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ReportCommand opens a reporting page, fills its parameters and captures a region.
type ReportCommand struct {
	URL        string            `yaml:"url"`
	Detection  string            `yaml:"detection"`
	Parameters []ReportParameter `yaml:"parameter"`

	// Caption is either the literal "xpath" (read the captionbox element)
	// or a prefix followed by the report date.
	Caption string `yaml:"caption"`

	// Body is the selector of the region to capture.
	Body   string `yaml:"body"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// ReportParameter is a single input binding on a report page.
type ReportParameter struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // text_input or select
	Selector string `yaml:"xpath"`
	Value    string `yaml:"value"`
}

// SQLCommand runs a stored query and replies with its first cell.
type SQLCommand struct {
	// Driver is sqlserver (default), postgres or sqlite.
	Driver   string `yaml:"driver"`
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// PasswordKeyring names an OS keyring entry holding the password.
	PasswordKeyring string `yaml:"password_keyring"`

	// DSN overrides every connection field above when set.
	DSN string `yaml:"dsn"`

	SQLFile string   `yaml:"sql_file"`
	Params  []string `yaml:"params"`
}

// PluginCommand binds a command key to a compiled-in report producer.
type PluginCommand struct {
	Kind       string         `yaml:"kind"`
	OutputType string         `yaml:"output_type"`
	Parameter  map[string]any `yaml:"parameter"`
	Width      int            `yaml:"width"`
	Height     int            `yaml:"height"`
}

// BrowserConfig configures the Chrome instance driven over CDP.
type BrowserConfig struct {
	ChromePath     string   `yaml:"chrome_path"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	ViewportWidth  int      `yaml:"viewport_width"`
	ViewportHeight int      `yaml:"viewport_height"`
	RenderDelay    float64  `yaml:"render_delay"`
	ExtraArgs      []string `yaml:"extra_args"`

	// Endpoint attaches to a running browser instead of launching one.
	Endpoint string `yaml:"endpoint"`
}

// WhatsAppConfig configures the native protocol driver.
type WhatsAppConfig struct {
	SessionDB string `yaml:"session_db"`
	GroupJID  string `yaml:"group_jid"`
}

// MetricsConfig configures the Prometheus listener. Empty address disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// EventsConfig configures the lifecycle event publisher. Empty URL disables it.
type EventsConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text or auto
	File   string `yaml:"file"`
}

// DefaultConfig returns a Config populated with defaults. Parsed documents
// are decoded on top of it.
func DefaultConfig() *Config {
	return &Config{
		Driver:               DriverWebWhatsApp,
		ActivationPhrase:     "bot mio",
		SessionTimeout:       60,
		DefaultTimeout:       30,
		TickDelay:            2,
		SkipBacklog:          true,
		HelpKeywords:         []string{"help"},
		Messages:             map[string]string{},
		MaxConsecutiveErrors: 5,
		RestartDelay:         5,
		MaxRestarts:          5,
		ArtifactsDir:         "artifacts",
		AssetDir:             "templates/asset",
		Browser: BrowserConfig{
			TimeoutSeconds: 30,
			ViewportWidth:  1920,
			ViewportHeight: 1080,
			RenderDelay:    5,
		},
		WhatsApp: WhatsAppConfig{
			SessionDB: "./sessions/whatsapp.db",
		},
		Events: EventsConfig{
			Exchange: "reportbot",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
			File:   "logs/reportbot.log",
		},
	}
}

// SessionIdle returns the interactive session idle timeout.
func (c *Config) SessionIdle() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Second
}

// ElementTimeout returns the default element wait.
func (c *Config) ElementTimeout() time.Duration {
	return time.Duration(c.DefaultTimeout) * time.Second
}

// TickInterval returns the pause inserted after every tick.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickDelay * float64(time.Second))
}

// RestartCooldown returns the pause after a tier-1 driver restart.
func (c *Config) RestartCooldown() time.Duration {
	return time.Duration(c.RestartDelay) * time.Second
}

// defaultMessages are used when the document does not define a template.
var defaultMessages = map[string]string{
	"wait":              "Please wait, the bot is currently serving {user}.",
	"confirmation":      "Is there anything else I can help with? Reply yes or no.",
	"processing":        "Processing {command}, please wait...",
	"unknown":           "Sorry, I don't know that command. Type help to see the list.",
	"session_end":       "Session ended. Thank you!",
	"activation":        "Hello {user}, what can I do for you? Type help to see the commands.",
	"no_response":       "No response from {user}, the session has been closed.",
	"ask_help":          "Please type a command, or help to see the list.",
	"not_found":         "Sorry, the data you are looking for was not found or the parameter is wrong.",
	"invalid_args":      "Sorry, command {command} needs {expected} parameter(s), but you gave {got}.",
	"service_not_found": "Sorry, the module for service '{command}' was not found.",
	"failed":            "Failed to process command '{command}'. Please try again later.",
}

// Message renders the named template, replacing {key} placeholders.
func (c *Config) Message(name string, vars map[string]string) string {
	tmpl, ok := c.Messages[name]
	if !ok || tmpl == "" {
		tmpl = defaultMessages[name]
	}
	if len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
