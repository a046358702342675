// Package queries loads stored SQL templates and runs them against the
// databases configured for SQL commands. Connections are opened per call
// and closed before returning.
package queries

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Dialects select the bind parameter syntax.
const (
	DialectSQLServer = "sqlserver"
	DialectPostgres  = "postgres"
	DialectSQLite    = "sqlite"
)

// ErrUnknownPlaceholder is returned when a template names a parameter the
// command does not declare.
var ErrUnknownPlaceholder = errors.New("unknown placeholder")

// FileStore reads templates from disk. Relative paths resolve against Dir.
type FileStore struct {
	Dir string
}

// Load reads the template at sqlFile.
func (s FileStore) Load(sqlFile string) (Template, error) {
	path := sqlFile
	if !filepath.IsAbs(path) && s.Dir != "" {
		path = filepath.Join(s.Dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("loading template: %w", err)
	}
	return Template(data), nil
}

// Template is SQL text with {name} placeholders. "{{" and "}}" stand for
// literal braces.
type Template string

// Bind rewrites placeholders into dialect bind parameters and returns the
// query with its positional arguments. names[i] is bound to values[i].
func (t Template) Bind(dialect string, names, values []string) (string, []any, error) {
	if len(names) != len(values) {
		return "", nil, fmt.Errorf("binding %d values to %d parameters", len(values), len(names))
	}
	lookup := make(map[string]string, len(names))
	for i, n := range names {
		lookup[n] = values[i]
	}

	src := string(t)
	var (
		b    strings.Builder
		args []any
	)
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '{' && i+1 < len(src) && src[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(src) && src[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(src[i:], '}')
			if end < 0 {
				return "", nil, fmt.Errorf("unterminated placeholder at offset %d", i)
			}
			name := strings.TrimSpace(src[i+1 : i+end])
			v, ok := lookup[name]
			if !ok {
				return "", nil, fmt.Errorf("%w %q", ErrUnknownPlaceholder, name)
			}
			args = append(args, v)
			b.WriteString(bindVar(dialect, len(args)))
			i += end
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), args, nil
}

func bindVar(dialect string, n int) string {
	switch dialect {
	case DialectSQLServer:
		return "@p" + strconv.Itoa(n)
	case DialectPostgres:
		return "$" + strconv.Itoa(n)
	default:
		return "?"
	}
}

// SplitLines turns a result cell into response lines: split on ";",
// trimmed, empties dropped.
func SplitLines(cell string) []string {
	var lines []string
	for _, part := range strings.Split(cell, ";") {
		if part = strings.TrimSpace(part); part != "" {
			lines = append(lines, part)
		}
	}
	return lines
}
