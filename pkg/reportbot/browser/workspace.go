package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Workspace tracks the primary tab and the single auxiliary tab used for
// report pages. Page operations act on the current tab.
type Workspace struct {
	mgr    *Manager
	logger *slog.Logger

	artifactsDir string
	renderDelay  time.Duration
	sleep        func(context.Context, time.Duration) error

	primary *Page
	aux     *Page
	current *Page
}

// WorkspaceOptions configures a Workspace.
type WorkspaceOptions struct {
	// ArtifactsDir receives captured PNG files.
	ArtifactsDir string

	// RenderDelay is waited after a viewport resize before capturing.
	RenderDelay time.Duration
}

// NewWorkspace creates a workspace on top of mgr.
func NewWorkspace(mgr *Manager, opts WorkspaceOptions, logger *slog.Logger) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ArtifactsDir == "" {
		opts.ArtifactsDir = "artifacts"
	}
	return &Workspace{
		mgr:          mgr,
		logger:       logger.With("component", "browser"),
		artifactsDir: opts.ArtifactsDir,
		renderDelay:  opts.RenderDelay,
		sleep:        sleepCtx,
	}
}

// Manager returns the underlying browser manager.
func (w *Workspace) Manager() *Manager { return w.mgr }

// SetPrimary makes p the tab focus returns to when an auxiliary tab closes.
func (w *Workspace) SetPrimary(p *Page) {
	w.primary = p
	if w.aux == nil {
		w.current = p
	}
}

// Primary returns the primary tab, or nil.
func (w *Workspace) Primary() *Page { return w.primary }

// Current returns the tab page operations act on.
func (w *Workspace) Current() (*Page, error) {
	if w.current == nil {
		return nil, errors.New("no browser tab is open")
	}
	return w.current, nil
}

// OpenAuxiliary opens rawURL in a new tab, makes it current and returns its
// handle. An auxiliary tab left open is closed first.
func (w *Workspace) OpenAuxiliary(ctx context.Context, rawURL string) (string, error) {
	if err := w.mgr.Start(ctx); err != nil {
		return "", err
	}
	if w.aux != nil {
		w.logger.Warn("auxiliary tab still open, closing it", "tab", w.aux.ID)
		if err := w.closeAux(ctx); err != nil {
			return "", err
		}
	}

	tab, err := w.mgr.OpenTab(ctx, rawURL)
	if err != nil {
		return "", err
	}
	page, err := w.mgr.Attach(ctx, tab)
	if err != nil {
		_ = w.mgr.CloseTab(ctx, tab.ID)
		return "", err
	}
	w.aux = page
	w.current = page

	if err := page.WaitLoaded(ctx); err != nil {
		return tab.ID, fmt.Errorf("loading %s: %w", rawURL, err)
	}
	w.logger.Debug("auxiliary tab opened", "tab", tab.ID, "url", rawURL)
	return tab.ID, nil
}

// SwitchTo activates the tab with the given handle.
func (w *Workspace) SwitchTo(ctx context.Context, handle string) error {
	var target *Page
	switch {
	case w.aux != nil && w.aux.ID == handle:
		target = w.aux
	case w.primary != nil && w.primary.ID == handle:
		target = w.primary
	default:
		return fmt.Errorf("unknown tab %q", handle)
	}
	if err := w.mgr.ActivateTab(ctx, handle); err != nil {
		return err
	}
	w.current = target
	return nil
}

// CloseCurrent closes the auxiliary tab and returns focus to the primary
// tab. The primary tab itself is never closed here.
func (w *Workspace) CloseCurrent(ctx context.Context) error {
	if w.aux == nil || w.current != w.aux {
		return errors.New("current tab is not an auxiliary tab")
	}
	return w.closeAux(ctx)
}

func (w *Workspace) closeAux(ctx context.Context) error {
	aux := w.aux
	w.aux = nil
	w.current = w.primary
	_ = aux.Close()
	err := w.mgr.CloseTab(ctx, aux.ID)
	if w.primary != nil {
		if aerr := w.mgr.ActivateTab(ctx, w.primary.ID); aerr != nil && err == nil {
			err = aerr
		}
	}
	return err
}

// HasAuxiliary reports whether an auxiliary tab is open.
func (w *Workspace) HasAuxiliary() bool { return w.aux != nil }

// WaitVisible waits for selector on the current tab.
func (w *Workspace) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	p, err := w.Current()
	if err != nil {
		return err
	}
	return p.WaitVisible(ctx, selector, timeout)
}

// Click clicks selector on the current tab.
func (w *Workspace) Click(ctx context.Context, selector string) error {
	p, err := w.Current()
	if err != nil {
		return err
	}
	return p.Click(ctx, selector)
}

// Fill replaces the content of selector on the current tab.
func (w *Workspace) Fill(ctx context.Context, selector, value string) error {
	p, err := w.Current()
	if err != nil {
		return err
	}
	return p.Fill(ctx, selector, value)
}

// Text reads the text of selector on the current tab.
func (w *Workspace) Text(ctx context.Context, selector string) (string, error) {
	p, err := w.Current()
	if err != nil {
		return "", err
	}
	return p.Text(ctx, selector)
}

// CaptureRegion resizes the current tab to width×height (when positive),
// waits for the page to settle, captures selector into a PNG under the
// artifacts directory and restores the default viewport.
func (w *Workspace) CaptureRegion(ctx context.Context, selector string, width, height int) (string, error) {
	p, err := w.Current()
	if err != nil {
		return "", err
	}

	if width > 0 && height > 0 {
		if err := p.SetViewport(ctx, width, height); err != nil {
			return "", err
		}
		defer func() {
			dw, dh := w.mgr.Viewport()
			if err := p.SetViewport(context.WithoutCancel(ctx), dw, dh); err != nil {
				w.logger.Warn("failed to restore viewport", "error", err)
			}
		}()
	}
	if w.renderDelay > 0 {
		if err := w.sleep(ctx, w.renderDelay); err != nil {
			return "", err
		}
	}

	png, err := p.CaptureElement(ctx, selector)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(w.artifactsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifacts dir: %w", err)
	}
	path := filepath.Join(w.artifactsDir, uuid.NewString()+".png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("writing capture: %w", err)
	}
	return path, nil
}

// Reset drops every attached page. Used after the browser is restarted.
func (w *Workspace) Reset() {
	for _, p := range []*Page{w.aux, w.primary} {
		if p != nil {
			_ = p.Close()
		}
	}
	w.aux, w.primary, w.current = nil, nil, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
