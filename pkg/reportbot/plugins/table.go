package plugins

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

var tablePage = template.Must(template.New("table").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 16px; background: #fff; }
h1 { font-size: 20px; margin: 0 0 12px; }
table { border-collapse: collapse; width: 100%; font-size: 14px; }
th { background: #075e54; color: #fff; text-align: left; }
th, td { border: 1px solid #ccc; padding: 6px 8px; }
tr:nth-child(even) td { background: #f3f3f3; }
.footer { margin-top: 8px; font-size: 11px; color: #666; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<table>
<tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</table>
<div class="footer">{{.Generated}}</div>
</body>
</html>
`))

// tableProducer renders the rows of a configured SQL command as an HTML page.
type tableProducer struct {
	sqlKey string
	args   []string
	title  string
	deps   Deps
	now    func() time.Time
}

func newTableProducer(params map[string]any, deps Deps) (Producer, error) {
	p := &tableProducer{
		sqlKey: stringParam(params, "sql"),
		args:   stringsParam(params, "args"),
		title:  stringParam(params, "title"),
		deps:   deps,
		now:    time.Now,
	}
	if p.sqlKey == "" {
		return nil, errors.New("sql_table: sql is required")
	}
	if p.title == "" {
		p.title = p.sqlKey
	}
	return p, nil
}

func (p *tableProducer) Produce(ctx context.Context) (Artifact, error) {
	cmd, ok := p.deps.SQLCommands[p.sqlKey]
	if !ok || p.deps.SQL == nil {
		return Artifact{}, fmt.Errorf("%w: sql command %q", ErrNotFound, p.sqlKey)
	}
	cols, rows, err := p.deps.SQL.Table(ctx, cmd, p.args)
	if err != nil {
		return Artifact{}, err
	}

	dir := p.deps.ArtifactsDir
	if dir == "" {
		dir = "artifacts"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("creating artifacts dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+".html")
	f, err := os.Create(path)
	if err != nil {
		return Artifact{}, err
	}
	defer f.Close()

	now := p.now()
	err = tablePage.Execute(f, map[string]any{
		"Title":     p.title,
		"Columns":   cols,
		"Rows":      rows,
		"Generated": now.Format("2006-01-02 15:04"),
	})
	if err != nil {
		os.Remove(path)
		return Artifact{}, fmt.Errorf("rendering table: %w", err)
	}
	return Artifact{
		Path:    path,
		Caption: []string{p.title, now.Format("2006-01-02")},
	}, nil
}
