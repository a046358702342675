// Package browser drives a Chrome/Chromium instance over the Chrome DevTools
// Protocol (CDP). It launches the browser with a persistent profile, opens
// and closes tabs through the DevTools HTTP endpoints and talks to each tab
// over its own WebSocket.
//
// Architecture:
//
//	Driver ──OpenTab──▶ Manager ──HTTP /json/new──▶ Chrome
//	Driver ──Attach──▶ Page ──CDP WebSocket──▶ tab (Runtime, Input, Page, Emulation)
//
// The browser is launched lazily on first use.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// Options configures the browser process.
type Options struct {
	// ChromePath is the Chrome/Chromium binary. Auto-detected if empty.
	ChromePath string

	// Headless runs without a visible window.
	Headless bool

	// UserDataDir is the profile directory that keeps the login between runs.
	UserDataDir string

	// Timeout bounds a single CDP call.
	Timeout time.Duration

	ViewportWidth  int
	ViewportHeight int

	// ExtraArgs are appended to the Chrome command line.
	ExtraArgs []string

	// Endpoint attaches to an already running browser
	// (e.g. "http://127.0.0.1:9222") instead of launching one.
	Endpoint string
}

// Tab is a DevTools page target.
type Tab struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	WebSocketURL string `json:"webSocketDebuggerUrl"`
}

// Manager owns the Chrome process and its DevTools endpoint.
type Manager struct {
	opts   Options
	logger *slog.Logger
	client *http.Client

	mu      sync.Mutex
	cmd     *exec.Cmd
	base    string
	started bool
}

// NewManager creates a browser manager. Nothing is launched until Start.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = 1920
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = 1080
	}
	return &Manager{
		opts:   opts,
		logger: logger.With("component", "browser"),
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// Viewport returns the default viewport size.
func (m *Manager) Viewport() (int, int) {
	return m.opts.ViewportWidth, m.opts.ViewportHeight
}

// Timeout returns the per-call CDP timeout.
func (m *Manager) Timeout() time.Duration { return m.opts.Timeout }

// findChrome locates the Chrome/Chromium binary.
func (m *Manager) findChrome() string {
	if m.opts.ChromePath != "" {
		return m.opts.ChromePath
	}
	candidates := []string{
		"google-chrome",
		"google-chrome-stable",
		"chromium-browser",
		"chromium",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	}
	for _, c := range candidates {
		if path, err := exec.LookPath(c); err == nil {
			return path
		}
	}
	return ""
}

// allocatePort finds a free TCP port.
func allocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

// Start launches Chrome with remote debugging enabled, or attaches to
// Options.Endpoint. Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}

	if m.opts.Endpoint != "" {
		if err := m.waitForCDP(ctx, m.opts.Endpoint, 10*time.Second); err != nil {
			return err
		}
		m.base = m.opts.Endpoint
		m.started = true
		return nil
	}

	chromePath := m.findChrome()
	if chromePath == "" {
		return fmt.Errorf("chrome/chromium not found; install Chrome or set browser.chrome_path in config")
	}

	port, err := allocatePort()
	if err != nil {
		return fmt.Errorf("failed to allocate CDP port: %w", err)
	}

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-extensions",
		"--disable-translate",
		"--disable-dev-shm-usage",
		"--no-sandbox",
		fmt.Sprintf("--window-size=%d,%d", m.opts.ViewportWidth, m.opts.ViewportHeight),
	}
	if m.opts.UserDataDir != "" {
		dir, err := filepath.Abs(m.opts.UserDataDir)
		if err != nil {
			return fmt.Errorf("resolving user data dir: %w", err)
		}
		args = append(args, "--user-data-dir="+dir)
	}
	if m.opts.Headless {
		args = append(args, "--headless=new")
	}
	args = append(args, m.opts.ExtraArgs...)
	args = append(args, "about:blank")

	// Not bound to ctx: the process outlives the call that started it.
	m.cmd = exec.Command(chromePath, args...)
	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start Chrome: %w", err)
	}

	m.logger.Info("chrome started", "pid", m.cmd.Process.Pid, "port", port)

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := m.waitForCDP(ctx, base, 10*time.Second); err != nil {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
		return fmt.Errorf("CDP not ready: %w", err)
	}

	m.base = base
	m.started = true
	return nil
}

// waitForCDP polls /json/version until the endpoint answers.
func (m *Manager) waitForCDP(ctx context.Context, base string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var info struct {
			Browser string `json:"Browser"`
		}
		if err := m.getJSON(ctx, http.MethodGet, base+"/json/version", &info); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("timeout waiting for CDP at %s", base)
}

// Stop kills the Chrome process. Pages attached to it become unusable.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd != nil && m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
		m.logger.Info("chrome stopped")
	}
	m.cmd = nil
	m.started = false
}

// Restart stops and relaunches the browser.
func (m *Manager) Restart(ctx context.Context) error {
	m.Stop()
	return m.Start(ctx)
}

// Alive reports whether the DevTools endpoint still answers.
func (m *Manager) Alive(ctx context.Context) bool {
	base, err := m.endpoint()
	if err != nil {
		return false
	}
	var info map[string]any
	return m.getJSON(ctx, http.MethodGet, base+"/json/version", &info) == nil
}

// ListTabs returns all open page targets.
func (m *Manager) ListTabs(ctx context.Context) ([]Tab, error) {
	base, err := m.endpoint()
	if err != nil {
		return nil, err
	}
	var targets []Tab
	if err := m.getJSON(ctx, http.MethodGet, base+"/json/list", &targets); err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	tabs := make([]Tab, 0, len(targets))
	for _, t := range targets {
		if t.Type == "page" {
			tabs = append(tabs, t)
		}
	}
	return tabs, nil
}

// OpenTab opens a new tab at rawURL.
func (m *Manager) OpenTab(ctx context.Context, rawURL string) (*Tab, error) {
	base, err := m.endpoint()
	if err != nil {
		return nil, err
	}
	var tab Tab
	if err := m.getJSON(ctx, http.MethodPut, base+"/json/new?"+url.QueryEscape(rawURL), &tab); err != nil {
		return nil, fmt.Errorf("failed to create target: %w", err)
	}
	return &tab, nil
}

// ActivateTab brings a tab to the front.
func (m *Manager) ActivateTab(ctx context.Context, id string) error {
	base, err := m.endpoint()
	if err != nil {
		return err
	}
	if err := m.do(ctx, http.MethodGet, base+"/json/activate/"+id); err != nil {
		return fmt.Errorf("failed to activate target: %w", err)
	}
	return nil
}

// CloseTab closes a tab.
func (m *Manager) CloseTab(ctx context.Context, id string) error {
	base, err := m.endpoint()
	if err != nil {
		return err
	}
	if err := m.do(ctx, http.MethodGet, base+"/json/close/"+id); err != nil {
		return fmt.Errorf("failed to close target: %w", err)
	}
	return nil
}

// Attach opens a CDP session on tab.
func (m *Manager) Attach(ctx context.Context, tab *Tab) (*Page, error) {
	return dialPage(ctx, tab, m.opts.Timeout)
}

func (m *Manager) endpoint() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return "", fmt.Errorf("browser not started")
	}
	return m.base, nil
}

func (m *Manager) getJSON(ctx context.Context, method, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s", method, rawURL, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (m *Manager) do(ctx context.Context, method, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s", method, rawURL, resp.Status)
	}
	return nil
}
