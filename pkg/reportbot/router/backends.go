package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jholhewres/reportbot/pkg/reportbot/config"
	"github.com/jholhewres/reportbot/pkg/reportbot/plugins"
	"github.com/jholhewres/reportbot/pkg/reportbot/queries"
)

// htmlBodySelector is captured when rendering HTML artifacts.
const htmlBodySelector = "/html/body"

// runSQL checks the argument count before touching the database.
func (r *Router) runSQL(ctx context.Context, m Match) (Result, error) {
	cfg, _ := r.snapshot()
	cmd := cfg.SQL[m.Key]

	if len(m.Args) != len(cmd.Params) {
		r.logger.Info("sql argument count mismatch",
			"command", m.Key, "expected", len(cmd.Params), "got", len(m.Args))
		return Result{Status: StatusInvalidArgs, Expected: len(cmd.Params), Got: len(m.Args)}, nil
	}
	if r.sql == nil {
		return Result{}, errors.New("sql service is not configured")
	}

	lines, err := r.sql.Run(ctx, cmd, m.Args)
	if errors.Is(err, queries.ErrNoRows) {
		r.logger.Warn("no data found", "command", m.Key, "args", m.Args)
		return Result{Status: StatusOK, Lines: []string{cfg.Message("not_found", nil)}}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Status: StatusOK, Lines: lines}, nil
}

func (r *Router) runPlugin(ctx context.Context, m Match) (Result, error) {
	cfg, producers := r.snapshot()
	cmd := cfg.Plugins[m.Key]

	p, ok := producers[m.Key]
	if !ok {
		r.logger.Warn("plugin not bound", "command", m.Key, "kind", cmd.Kind)
		return Result{Status: StatusNotFound}, nil
	}
	art, err := p.Produce(ctx)
	if errors.Is(err, plugins.ErrNotFound) {
		r.logger.Warn("plugin module not found", "command", m.Key, "error", err)
		return Result{Status: StatusNotFound}, nil
	}
	if err != nil {
		return Result{}, err
	}

	if m.Kind == KindPluginImage {
		return Result{Status: StatusOK, Image: art.Path, Caption: art.Caption}, nil
	}

	defer r.cleanupHTML(cfg, art)
	path, err := r.renderHTML(ctx, art.Path, cmd.Width, cmd.Height)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: StatusOK, Image: path, Caption: art.Caption}, nil
}

// renderHTML opens page in an auxiliary context and captures its body.
func (r *Router) renderHTML(ctx context.Context, page string, width, height int) (string, error) {
	abs, err := filepath.Abs(page)
	if err != nil {
		return "", err
	}
	handle, err := r.driver.OpenAuxiliary(ctx, "file://"+filepath.ToSlash(abs))
	if err != nil {
		return "", fmt.Errorf("opening html artifact: %w", err)
	}

	path, err := func() (string, error) {
		if err := r.driver.SwitchTo(ctx, handle); err != nil {
			return "", err
		}
		if err := r.driver.WaitVisible(ctx, htmlBodySelector, r.detectionTimeout); err != nil {
			return "", err
		}
		return r.driver.CaptureRegion(ctx, htmlBodySelector, width, height)
	}()
	if cerr := r.driver.CloseCurrent(ctx); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("rendering html artifact: %w", err)
	}
	return path, nil
}

// cleanupHTML removes the page, its assets and every file in asset_dir.
func (r *Router) cleanupHTML(cfg *config.Config, art plugins.Artifact) {
	removeFile(r.logger, art.Path)
	for _, a := range art.Assets {
		removeFile(r.logger, a)
	}
	if cfg.AssetDir == "" {
		return
	}
	entries, err := os.ReadDir(cfg.AssetDir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("failed to read asset dir", "dir", cfg.AssetDir, "error", err)
		}
		return
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			removeFile(r.logger, filepath.Join(cfg.AssetDir, e.Name()))
		}
	}
}
