package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Validator checks a parsed document before it is allowed to replace the
// active configuration.
type Validator func(*Config) error

// Store owns the active configuration and re-reads it from disk on demand.
// A document that fails to read, parse or validate never replaces the
// active configuration.
type Store struct {
	path     string
	validate Validator
	logger   *slog.Logger

	mu       sync.RWMutex
	current  *Config
	hash     [sha256.Size]byte
	rejected [sha256.Size]byte
	version  uint64
}

// NewStore creates a store for the document at path. validate may be nil.
func NewStore(path string, validate Validator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:     path,
		validate: validate,
		logger:   logger.With("component", "config"),
	}
}

// Path returns the document path.
func (s *Store) Path() string { return s.path }

// Load performs the initial strict load. Any failure is returned.
func (s *Store) Load() (*Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := s.decode(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.current = cfg
	s.hash = sha256.Sum256(data)
	s.version++
	s.mu.Unlock()
	return cfg, nil
}

// Reload re-reads the document and reports whether the active configuration
// changed. On any failure the previous configuration stays active.
func (s *Store) Reload() (*Config, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("config reload failed, keeping previous", "error", err)
		return s.Current(), false
	}

	sum := sha256.Sum256(data)
	s.mu.RLock()
	unchanged := sum == s.hash || sum == s.rejected
	s.mu.RUnlock()
	if unchanged {
		return s.Current(), false
	}

	cfg, err := s.decode(data)
	if err != nil {
		s.mu.Lock()
		s.rejected = sum
		s.mu.Unlock()
		s.logger.Warn("invalid config document, keeping previous", "error", err)
		return s.Current(), false
	}

	s.mu.Lock()
	s.current = cfg
	s.hash = sum
	s.version++
	version := s.version
	s.mu.Unlock()

	s.logger.Info("configuration reloaded", "version", version)
	return cfg, true
}

// Current returns the active configuration.
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Version increments every time a new document is accepted.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) decode(data []byte) (*Config, error) {
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	resolveRelativePaths(cfg, s.path)
	if s.validate != nil {
		if err := s.validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
