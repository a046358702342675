// Package plugins holds the report producers plugin commands dispatch to.
// Producers are compiled in and selected by kind; configuration binds a
// command key to a kind and its parameters.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jholhewres/reportbot/pkg/reportbot/config"
	"github.com/jholhewres/reportbot/pkg/reportbot/queries"
)

// ErrNotFound means the producer's backing module is missing. It is shown
// to users as "service not found".
var ErrNotFound = errors.New("report service not found")

// Artifact is the output of a producer.
type Artifact struct {
	// Path is the PNG image or HTML page produced.
	Path string

	Caption []string

	// Assets are extra files written next to an HTML page. They are deleted
	// once the page has been captured.
	Assets []string
}

// Producer generates a report artifact.
type Producer interface {
	Produce(ctx context.Context) (Artifact, error)
}

// Deps are shared services available to producers.
type Deps struct {
	// SQL runs queries declared in sql_service.
	SQL *queries.Service

	// SQLCommands are the configured SQL commands.
	SQLCommands map[string]config.SQLCommand

	ArtifactsDir string
	Logger       *slog.Logger
}

// Factory builds a producer from a command's parameters.
type Factory func(params map[string]any, deps Deps) (Producer, error)

// Registry maps plugin kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in kinds registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("exec", newExecProducer)
	r.Register("sql_table", newTableProducer)
	return r
}

// Register adds or replaces a kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(kind)] = f
}

// Known reports whether kind is registered.
func (r *Registry) Known(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(kind)]
	return ok
}

// Kinds lists the registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Bind builds a producer for every plugin command. Errors from individual
// commands are joined; the commands that did bind are still returned.
func (r *Registry) Bind(cmds map[string]config.PluginCommand, deps Deps) (map[string]Producer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Producer, len(cmds))
	var errs []error
	for key, cmd := range cmds {
		f, ok := r.factories[strings.ToLower(cmd.Kind)]
		if !ok {
			errs = append(errs, fmt.Errorf("plugin %q: unknown kind %q", key, cmd.Kind))
			continue
		}
		p, err := f(cmd.Parameter, deps)
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %q: %w", key, err))
			continue
		}
		out[key] = p
	}
	return out, errors.Join(errs...)
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			out = append(out, fmt.Sprint(x))
		}
		return out
	case []string:
		return v
	case string:
		return []string{v}
	}
	return nil
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
