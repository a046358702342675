package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `{
  "groupname": "Ops Reports",
  "activation_phrase": "Bot Mio",
  "affirmative_keywords": ["Yes", "ok"],
  "negative_keywords": ["no"],
  "messages": {"wait": "Wait, serving {user}"},
  "reporting_service": {
    "Daily": {"url": "https://bi.local/daily", "detection": "//div[@id='done']", "body": "#report",
              "parameter": [{"name": "date", "type": "text_input", "xpath": "//input", "value": "getdate"}]}
  },
  "sql_service": {
    "stock": {"driver": "sqlite", "dsn": "file::memory:", "sql_file": "sql/stock.sql", "params": ["store", "sku"]}
  },
  "plugin_service": {
    "map": {"kind": "exec", "output_type": "image", "parameter": {"command": ["./map.sh"]}}
  },
  "scheduler_service": {"08:00": ["daily", "stock 12 99"]}
}`

func writeDoc(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParse_DefaultsAndNormalization(t *testing.T) {
	cfg, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, DriverWebWhatsApp, cfg.Driver)
	assert.Equal(t, "bot mio", cfg.ActivationPhrase)
	assert.Equal(t, 60, cfg.SessionTimeout)
	assert.Equal(t, 5, cfg.MaxConsecutiveErrors)
	assert.True(t, cfg.SkipBacklog)
	assert.Equal(t, []string{"yes", "ok"}, cfg.AffirmativeKeywords)
	assert.Equal(t, []string{"help"}, cfg.HelpKeywords)
	assert.Contains(t, cfg.Reports, "daily")
	require.Len(t, cfg.Schedule, 1)
	assert.Equal(t, []string{"daily", "stock 12 99"}, cfg.Schedule[0].Commands)
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("REPORTBOT_TEST_GROUP", "From Env")

	cfg, err := Parse([]byte(`{"groupname": "${REPORTBOT_TEST_GROUP}", "userdata_dir": "${REPORTBOT_TEST_UNSET:-profile}"}`))
	require.NoError(t, err)
	assert.Equal(t, "From Env", cfg.GroupName)
	assert.Equal(t, "profile", cfg.UserDataDir)

	_, err = Parse([]byte(`{"groupname": "${REPORTBOT_TEST_UNSET:?group is required}"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "group is required")
}

func TestMessage(t *testing.T) {
	cfg, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, "Wait, serving Alice", cfg.Message("wait", map[string]string{"user": "Alice"}))
	assert.Equal(t,
		"Sorry, command stock needs 2 parameter(s), but you gave 0.",
		cfg.Message("invalid_args", map[string]string{"command": "stock", "expected": "2", "got": "0"}))
}

func TestValidate(t *testing.T) {
	known := ValidateOptions{KnownPluginKind: func(k string) bool { return k == "exec" }}

	cfg, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	assert.NoError(t, Validate(cfg, known))

	t.Run("unknown plugin kind", func(t *testing.T) {
		cfg, _ := Parse([]byte(sampleDoc))
		p := cfg.Plugins["map"]
		p.Kind = "python"
		cfg.Plugins["map"] = p
		assert.ErrorContains(t, Validate(cfg, known), `unknown kind "python"`)
	})

	t.Run("scheduled command must exist", func(t *testing.T) {
		cfg, _ := Parse([]byte(sampleDoc))
		cfg.Schedule[0].Commands = append(cfg.Schedule[0].Commands, "weekly")
		assert.ErrorContains(t, Validate(cfg, known), `unknown command "weekly"`)
	})

	t.Run("report needs selectors", func(t *testing.T) {
		cfg, _ := Parse([]byte(sampleDoc))
		r := cfg.Reports["daily"]
		r.Body = ""
		cfg.Reports["daily"] = r
		assert.Error(t, Validate(cfg, known))
	})
}

func TestLoadFile_ResolvesSQLFiles(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFile(writeDoc(t, dir, sampleDoc))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sql", "stock.sql"), cfg.SQL["stock"].SQLFile)
}

func TestStore_Reload(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, sampleDoc)
	store := NewStore(path, func(c *Config) error { return Validate(c, ValidateOptions{}) }, nil)

	first, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), store.Version())

	cfg, changed := store.Reload()
	assert.False(t, changed)
	assert.Same(t, first, cfg)

	// Broken document keeps the previous configuration.
	writeDoc(t, dir, `{"groupname": `)
	cfg, changed = store.Reload()
	assert.False(t, changed)
	assert.Same(t, first, cfg)

	// Valid JSON that fails validation is rejected too.
	writeDoc(t, dir, `{"groupname": "x", "driver": "telegram"}`)
	_, changed = store.Reload()
	assert.False(t, changed)
	assert.Equal(t, "Ops Reports", store.Current().GroupName)

	writeDoc(t, dir, `{"groupname": "Renamed"}`)
	cfg, changed = store.Reload()
	assert.True(t, changed)
	assert.Equal(t, "Renamed", cfg.GroupName)
	assert.Equal(t, uint64(2), store.Version())
}
