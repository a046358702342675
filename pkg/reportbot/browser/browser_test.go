package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCDP serves the DevTools HTTP endpoints and a WebSocket per tab.
type fakeCDP struct {
	t      *testing.T
	srv    *httptest.Server
	handle func(method string, params map[string]any) any

	mu     sync.Mutex
	nextID int
	opened []string
	closed []string
	calls  []string
	params []map[string]any
}

func newFakeCDP(t *testing.T, handle func(method string, params map[string]any) any) *fakeCDP {
	f := &fakeCDP{t: t, handle: handle}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"Browser": "Fake/1.0"})
	})
	mux.HandleFunc("/json/new", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "use PUT", http.StatusMethodNotAllowed)
			return
		}
		f.mu.Lock()
		f.nextID++
		id := fmt.Sprintf("T%d", f.nextID)
		f.opened = append(f.opened, r.URL.RawQuery)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(Tab{
			ID:           id,
			Type:         "page",
			URL:          r.URL.RawQuery,
			WebSocketURL: "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/devtools/page/" + id,
		})
	})
	mux.HandleFunc("/json/activate/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Target activated")
	})
	mux.HandleFunc("/json/close/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.closed = append(f.closed, strings.TrimPrefix(r.URL.Path, "/json/close/"))
		f.mu.Unlock()
		fmt.Fprint(w, "Target is closing")
	})
	mux.HandleFunc("/devtools/page/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg struct {
				ID     int            `json:"id"`
				Method string         `json:"method"`
				Params map[string]any `json:"params"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.mu.Lock()
			f.calls = append(f.calls, msg.Method)
			f.params = append(f.params, msg.Params)
			f.mu.Unlock()

			// An unrelated event first, like a real browser would send.
			_ = conn.WriteJSON(map[string]any{"method": "Page.frameNavigated", "params": map[string]any{}})
			_ = conn.WriteJSON(map[string]any{"id": msg.ID, "result": f.handle(msg.Method, msg.Params)})
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCDP) methodParams(method string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for i, m := range f.calls {
		if m == method {
			out = append(out, f.params[i])
		}
	}
	return out
}

func (f *fakeCDP) closedTabs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func evalValue(v any) map[string]any {
	return map[string]any{"result": map[string]any{"type": "object", "value": v}}
}

func defaultHandler(method string, params map[string]any) any {
	if method != "Runtime.evaluate" {
		return map[string]any{}
	}
	expr, _ := params["expression"].(string)
	switch {
	case strings.Contains(expr, "readyState"):
		return evalValue(true)
	case strings.Contains(expr, "scrollX"):
		return evalValue(map[string]any{"x": 10, "y": 20, "width": 300, "height": 200})
	case strings.Contains(expr, "r.width > 0"):
		return evalValue(true)
	case strings.Contains(expr, "#missing"):
		return evalValue("not_found")
	case strings.Contains(expr, "innerText"):
		return evalValue(map[string]any{"found": true, "text": "Total: 42"})
	}
	return evalValue("ok")
}

func newTestWorkspace(t *testing.T, f *fakeCDP) *Workspace {
	t.Helper()
	mgr := NewManager(Options{Endpoint: f.srv.URL, Timeout: 5 * time.Second}, nil)
	require.NoError(t, mgr.Start(context.Background()))
	return NewWorkspace(mgr, WorkspaceOptions{ArtifactsDir: t.TempDir()}, nil)
}

func TestWorkspace_AuxiliaryLifecycle(t *testing.T) {
	f := newFakeCDP(t, defaultHandler)
	ws := newTestWorkspace(t, f)
	ctx := context.Background()

	handle, err := ws.OpenAuxiliary(ctx, "https://bi.local/daily")
	require.NoError(t, err)
	assert.Equal(t, "T1", handle)
	assert.True(t, ws.HasAuxiliary())

	// Opening another one closes the first.
	handle2, err := ws.OpenAuxiliary(ctx, "https://bi.local/weekly")
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, f.closedTabs())

	require.NoError(t, ws.SwitchTo(ctx, handle2))
	require.NoError(t, ws.CloseCurrent(ctx))
	assert.False(t, ws.HasAuxiliary())
	assert.Equal(t, []string{"T1", "T2"}, f.closedTabs())

	assert.Error(t, ws.CloseCurrent(ctx), "nothing left to close")
}

func TestWorkspace_PageOperations(t *testing.T) {
	f := newFakeCDP(t, defaultHandler)
	ws := newTestWorkspace(t, f)
	ctx := context.Background()

	_, err := ws.OpenAuxiliary(ctx, "https://bi.local/daily")
	require.NoError(t, err)

	require.NoError(t, ws.WaitVisible(ctx, "//div[@id='done']", time.Second))
	require.NoError(t, ws.Click(ctx, "#submit"))

	err = ws.Click(ctx, "#missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, ws.Fill(ctx, "//input[@name='date']", "2024-03-04"))
	inserted := f.methodParams("Input.insertText")
	require.Len(t, inserted, 1)
	assert.Equal(t, "2024-03-04", inserted[0]["text"])

	text, err := ws.Text(ctx, "#total")
	require.NoError(t, err)
	assert.Equal(t, "Total: 42", text)
}

func TestWorkspace_CaptureRegion(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake")
	f := newFakeCDP(t, func(method string, params map[string]any) any {
		if method == "Page.captureScreenshot" {
			return map[string]any{"data": base64.StdEncoding.EncodeToString(png)}
		}
		return defaultHandler(method, params)
	})
	ws := newTestWorkspace(t, f)
	ctx := context.Background()

	_, err := ws.OpenAuxiliary(ctx, "file:///tmp/report.html")
	require.NoError(t, err)

	path, err := ws.CaptureRegion(ctx, "/html/body", 800, 600)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, png, data)

	shots := f.methodParams("Page.captureScreenshot")
	require.Len(t, shots, 1)
	clip := shots[0]["clip"].(map[string]any)
	assert.EqualValues(t, 300, clip["width"])

	sizes := f.methodParams("Emulation.setDeviceMetricsOverride")
	require.Len(t, sizes, 2)
	assert.EqualValues(t, 800, sizes[0]["width"])
	assert.EqualValues(t, 1920, sizes[1]["width"], "viewport restored")
	assert.EqualValues(t, 1080, sizes[1]["height"])
}

func TestIsXPath(t *testing.T) {
	assert.True(t, IsXPath("//div"))
	assert.True(t, IsXPath("(//div)[last()]"))
	assert.False(t, IsXPath("div.message-in"))
	assert.False(t, IsXPath(""))
	assert.Contains(t, ElementExpr("//a"), "document.evaluate")
	assert.Contains(t, ElementExpr("#a"), "querySelector")
}
