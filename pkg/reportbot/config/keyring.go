package config

import (
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "reportbot"

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// ResolvePassword returns the database password for cmd. A keyring entry
// wins, then REPORTBOT_SQL_PASSWORD_<KEY>, then the plain value.
func ResolvePassword(cmd SQLCommand) string {
	if cmd.PasswordKeyring == "" {
		return cmd.Password
	}
	if v := GetKeyring(cmd.PasswordKeyring); v != "" {
		return v
	}
	env := "REPORTBOT_SQL_PASSWORD_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(cmd.PasswordKeyring))
	if v := os.Getenv(env); v != "" {
		return v
	}
	return cmd.Password
}
