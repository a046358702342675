package queries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb" // SQL Server driver

	"github.com/jholhewres/reportbot/pkg/reportbot/config"
)

// DefaultTimeout bounds a single query.
const DefaultTimeout = 60 * time.Second

// ErrNoRows is returned when a query produces no usable first cell.
var ErrNoRows = errors.New("no rows")

// Target is a resolved database connection.
type Target struct {
	// DriverName is the database/sql driver: sqlserver, pgx or sqlite3.
	DriverName string
	Dialect    string
	DSN        string
}

// TargetFor resolves the connection of a SQL command.
func TargetFor(cmd config.SQLCommand) (Target, error) {
	switch strings.ToLower(cmd.Driver) {
	case "", "sqlserver", "mssql":
		return Target{DriverName: "sqlserver", Dialect: DialectSQLServer, DSN: orDSN(cmd, buildSQLServerDSN)}, nil
	case "postgres", "postgresql", "pgx":
		return Target{DriverName: "pgx", Dialect: DialectPostgres, DSN: orDSN(cmd, buildPostgresDSN)}, nil
	case "sqlite", "sqlite3":
		return Target{DriverName: "sqlite3", Dialect: DialectSQLite, DSN: orDSN(cmd, buildSQLiteDSN)}, nil
	}
	return Target{}, fmt.Errorf("unknown sql driver %q", cmd.Driver)
}

func orDSN(cmd config.SQLCommand, build func(config.SQLCommand) string) string {
	if cmd.DSN != "" {
		return cmd.DSN
	}
	return build(cmd)
}

// buildSQLServerDSN builds a sqlserver:// URL. Without a user the driver
// falls back to integrated authentication.
func buildSQLServerDSN(cmd config.SQLCommand) string {
	host := cmd.Server
	if cmd.Port > 0 {
		host += ":" + strconv.Itoa(cmd.Port)
	}
	u := &url.URL{Scheme: "sqlserver", Host: host}
	if cmd.User != "" {
		u.User = url.UserPassword(cmd.User, config.ResolvePassword(cmd))
	}
	q := url.Values{}
	if cmd.Database != "" {
		q.Set("database", cmd.Database)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func buildPostgresDSN(cmd config.SQLCommand) string {
	host := cmd.Server
	if host == "" {
		host = "localhost"
	}
	port := cmd.Port
	if port == 0 {
		port = 5432
	}
	u := &url.URL{
		Scheme:   "postgres",
		Host:     host + ":" + strconv.Itoa(port),
		Path:     "/" + cmd.Database,
		RawQuery: "sslmode=disable",
	}
	if cmd.User != "" {
		u.User = url.UserPassword(cmd.User, config.ResolvePassword(cmd))
	}
	return u.String()
}

func buildSQLiteDSN(cmd config.SQLCommand) string {
	return fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", cmd.Database)
}

// Executor runs queries on short-lived connections.
type Executor struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor creates an executor. A zero timeout uses DefaultTimeout.
func NewExecutor(timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{timeout: timeout, logger: logger.With("component", "queries")}
}

func (e *Executor) open(ctx context.Context, target Target) (*sql.DB, error) {
	db, err := sql.Open(target.DriverName, target.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// QueryFirst runs query and returns the first column of the first row as
// text. NULL, empty and missing rows yield ErrNoRows.
func (e *Executor) QueryFirst(ctx context.Context, target Target, query string, args []any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	db, err := e.open(ctx, target)
	if err != nil {
		return "", err
	}
	defer db.Close()

	start := time.Now()
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", fmt.Errorf("query: %w", err)
		}
		return "", ErrNoRows
	}
	cells := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range cells {
		dest[i] = &cells[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return "", fmt.Errorf("scan: %w", err)
	}
	e.logger.Debug("query finished", "driver", target.DriverName, "duration", time.Since(start))

	if len(cells) == 0 || cells[0] == nil {
		return "", ErrNoRows
	}
	text := cellText(cells[0])
	if strings.TrimSpace(text) == "" {
		return "", ErrNoRows
	}
	return text, nil
}

// QueryTable runs query and returns every row as text.
func (e *Executor) QueryTable(ctx context.Context, target Target, query string, args []any) ([]string, [][]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	db, err := e.open(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var table [][]string
	for rows.Next() {
		cells := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range cells {
			dest[i] = &cells[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, fmt.Errorf("scan: %w", err)
		}
		row := make([]string, len(cells))
		for i, c := range cells {
			if c != nil {
				row[i] = cellText(c)
			}
		}
		table = append(table, row)
	}
	return cols, table, rows.Err()
}

func cellText(v any) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprint(x)
	}
}

// Service loads, binds and runs the template of a SQL command.
type Service struct {
	Store    FileStore
	Executor *Executor
}

// Run executes cmd with positional args and returns the response lines.
func (s *Service) Run(ctx context.Context, cmd config.SQLCommand, args []string) ([]string, error) {
	target, query, bound, err := s.prepare(cmd, args)
	if err != nil {
		return nil, err
	}
	cell, err := s.Executor.QueryFirst(ctx, target, query, bound)
	if err != nil {
		return nil, err
	}
	lines := SplitLines(cell)
	if len(lines) == 0 {
		return nil, ErrNoRows
	}
	return lines, nil
}

// Table executes cmd and returns every row.
func (s *Service) Table(ctx context.Context, cmd config.SQLCommand, args []string) ([]string, [][]string, error) {
	target, query, bound, err := s.prepare(cmd, args)
	if err != nil {
		return nil, nil, err
	}
	return s.Executor.QueryTable(ctx, target, query, bound)
}

func (s *Service) prepare(cmd config.SQLCommand, args []string) (Target, string, []any, error) {
	target, err := TargetFor(cmd)
	if err != nil {
		return Target{}, "", nil, err
	}
	tmpl, err := s.Store.Load(cmd.SQLFile)
	if err != nil {
		return Target{}, "", nil, err
	}
	query, bound, err := tmpl.Bind(target.Dialect, cmd.Params, args)
	if err != nil {
		return Target{}, "", nil, err
	}
	return target, query, bound, nil
}
