package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
//
// Groups: 1=braced name, 2=modifier ("-" or "?"), 3=modifier value, 4=bare name.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadFile reads, expands and parses the configuration document at path.
// It does not validate semantics; see Validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	resolveRelativePaths(cfg, path)
	return cfg, nil
}

// Parse expands environment references in data and decodes it on top of
// DefaultConfig.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Messages == nil {
		cfg.Messages = map[string]string{}
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverWebWhatsApp
	}
	normalizeKeys(cfg)
	return cfg, nil
}

// normalizeKeys lowercases command keys and keywords; matching is
// case-insensitive.
func normalizeKeys(cfg *Config) {
	cfg.Reports = lowerKeys(cfg.Reports)
	cfg.SQL = lowerKeys(cfg.SQL)
	cfg.Plugins = lowerKeys(cfg.Plugins)
	for _, list := range []*[]string{&cfg.AffirmativeKeywords, &cfg.NegativeKeywords, &cfg.HelpKeywords} {
		for i, k := range *list {
			(*list)[i] = strings.ToLower(strings.TrimSpace(k))
		}
	}
	cfg.ActivationPhrase = strings.ToLower(strings.TrimSpace(cfg.ActivationPhrase))
}

func lowerKeys[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

// LoadEnvFiles loads .env and .env.local without overriding variables that
// are already set in the process environment.
func LoadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars substitutes environment references. Unset variables without
// a modifier keep their placeholder. ${VAR:?message} fails when VAR is unset.
func expandEnvVars(input string) (string, error) {
	var missing error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := m[1], m[2], m[3], m[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if missing == nil {
				if value == "" {
					value = "required environment variable not set"
				}
				missing = fmt.Errorf("%s: %s", name, value)
			}
			return ""
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// resolveRelativePaths anchors SQL template files to the config directory so
// the bot can be started from anywhere.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	for key, cmd := range cfg.SQL {
		if cmd.SQLFile == "" {
			continue
		}
		cmd.SQLFile = resolvePath(cmd.SQLFile, dir)
		cfg.SQL[key] = cmd
	}
}

func resolvePath(path, dir string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
