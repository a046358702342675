package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotFound is returned when a selector matches no element.
var ErrNotFound = errors.New("element not found")

// ErrTimeout is returned when a wait runs out of time.
var ErrTimeout = errors.New("timed out waiting for element")

// Modifier bits for key events.
const (
	ModAlt   = 1
	ModCtrl  = 2
	ModMeta  = 4
	ModShift = 8
)

// Page is a CDP session attached to one tab.
type Page struct {
	ID string

	timeout time.Duration

	mu    sync.Mutex
	conn  *websocket.Conn
	msgID int
}

func dialPage(ctx context.Context, tab *Tab, timeout time.Duration) (*Page, error) {
	if tab.WebSocketURL == "" {
		return nil, fmt.Errorf("tab %s has no debugger url", tab.ID)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, tab.WebSocketURL, nil)
	if err != nil {
		return nil, fmt.Errorf("CDP WebSocket dial failed: %w", err)
	}
	return &Page{ID: tab.ID, conn: conn, timeout: timeout}, nil
}

// Close releases the WebSocket. The tab stays open.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// Call sends a CDP command and waits for its response. Events received in
// the meantime are discarded.
func (p *Page) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil, fmt.Errorf("page %s is closed", p.ID)
	}

	p.msgID++
	msg := map[string]any{
		"id":     p.msgID,
		"method": method,
	}
	if params != nil {
		msg["params"] = params
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.conn.SetWriteDeadline(deadline)
	if err := p.conn.WriteJSON(msg); err != nil {
		p.conn.Close()
		p.conn = nil
		return nil, fmt.Errorf("CDP write error: %w", err)
	}

	targetID := p.msgID
	_ = p.conn.SetReadDeadline(deadline)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.conn.Close()
			p.conn = nil
			return nil, fmt.Errorf("CDP read error: %w", err)
		}

		var resp struct {
			ID     int             `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &resp) == nil && resp.ID == targetID {
			if resp.Error != nil {
				return nil, fmt.Errorf("CDP error: %s", resp.Error.Message)
			}
			return resp.Result, nil
		}
	}
}

// Evaluate runs a JavaScript expression and decodes its value into out.
// out may be nil.
func (p *Page) Evaluate(ctx context.Context, expr string, out any) error {
	result, err := p.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return err
	}

	var evalResult struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(result, &evalResult); err != nil {
		return err
	}
	if ex := evalResult.ExceptionDetails; ex != nil {
		if ex.Exception != nil && ex.Exception.Description != "" {
			return fmt.Errorf("javascript error: %s", ex.Exception.Description)
		}
		return fmt.Errorf("javascript error: %s", ex.Text)
	}
	if out == nil || len(evalResult.Result.Value) == 0 {
		return nil
	}
	return json.Unmarshal(evalResult.Result.Value, out)
}

// Navigate loads rawURL and waits for the document to finish loading.
func (p *Page) Navigate(ctx context.Context, rawURL string) error {
	if _, err := p.Call(ctx, "Page.navigate", map[string]any{"url": rawURL}); err != nil {
		return err
	}
	return p.WaitLoaded(ctx)
}

// Reload reloads the current document.
func (p *Page) Reload(ctx context.Context) error {
	if _, err := p.Call(ctx, "Page.reload", map[string]any{"ignoreCache": false}); err != nil {
		return err
	}
	return p.WaitLoaded(ctx)
}

// WaitLoaded polls document.readyState until it is complete.
func (p *Page) WaitLoaded(ctx context.Context) error {
	return p.poll(ctx, p.timeout, `document.readyState === "complete"`)
}

// WaitVisible waits until selector matches an element with a non-empty box.
func (p *Page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	expr := fmt.Sprintf(`(function(){
		var el = %s;
		if (!el) return false;
		var r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0;
	})()`, ElementExpr(selector))
	if err := p.poll(ctx, timeout, expr); err != nil {
		return fmt.Errorf("%s: %w", selector, err)
	}
	return nil
}

// Exists reports whether selector currently matches an element.
func (p *Page) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	err := p.Evaluate(ctx, fmt.Sprintf(`!!(%s)`, ElementExpr(selector)), &found)
	return found, err
}

// Click scrolls the element into view and clicks it.
func (p *Page) Click(ctx context.Context, selector string) error {
	return p.onElement(ctx, selector, `el.scrollIntoView({block: "center"}); el.click();`)
}

// Fill focuses the element, clears it and inserts value as typed text.
func (p *Page) Fill(ctx context.Context, selector, value string) error {
	err := p.onElement(ctx, selector, `
		el.scrollIntoView({block: "center"});
		el.focus();
		if ("value" in el) {
			el.value = "";
		} else {
			document.execCommand("selectAll", false, null);
			document.execCommand("delete", false, null);
		}`)
	if err != nil {
		return err
	}
	if value != "" {
		if err := p.InsertText(ctx, value); err != nil {
			return err
		}
	}
	return p.onElement(ctx, selector, `
		el.dispatchEvent(new Event("input", {bubbles: true}));
		el.dispatchEvent(new Event("change", {bubbles: true}));`)
}

// Text returns the rendered text of the element.
func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	var res struct {
		Found bool   `json:"found"`
		Text  string `json:"text"`
	}
	expr := fmt.Sprintf(`(function(){
		var el = %s;
		if (!el) return {found: false};
		return {found: true, text: el.innerText || el.textContent || ""};
	})()`, ElementExpr(selector))
	if err := p.Evaluate(ctx, expr, &res); err != nil {
		return "", err
	}
	if !res.Found {
		return "", fmt.Errorf("%s: %w", selector, ErrNotFound)
	}
	return res.Text, nil
}

// InsertText types text into the focused element.
func (p *Page) InsertText(ctx context.Context, text string) error {
	_, err := p.Call(ctx, "Input.insertText", map[string]any{"text": text})
	return err
}

// PressKey dispatches a key down/up pair. Only keys in keyCodes are known.
func (p *Page) PressKey(ctx context.Context, key string, modifiers int) error {
	k, ok := keyCodes[key]
	if !ok {
		return fmt.Errorf("unsupported key %q", key)
	}
	down := map[string]any{
		"type":                  "keyDown",
		"key":                   key,
		"code":                  k.code,
		"windowsVirtualKeyCode": k.vk,
		"modifiers":             modifiers,
	}
	if k.text != "" {
		down["text"] = k.text
	}
	if _, err := p.Call(ctx, "Input.dispatchKeyEvent", down); err != nil {
		return fmt.Errorf("key press failed: %w", err)
	}
	_, err := p.Call(ctx, "Input.dispatchKeyEvent", map[string]any{
		"type":                  "keyUp",
		"key":                   key,
		"code":                  k.code,
		"windowsVirtualKeyCode": k.vk,
		"modifiers":             modifiers,
	})
	if err != nil {
		return fmt.Errorf("key release failed: %w", err)
	}
	return nil
}

type keyCode struct {
	code string
	vk   int
	text string
}

var keyCodes = map[string]keyCode{
	"Enter":     {code: "Enter", vk: 13, text: "\r"},
	"Escape":    {code: "Escape", vk: 27},
	"Backspace": {code: "Backspace", vk: 8},
	"Delete":    {code: "Delete", vk: 46},
	"a":         {code: "KeyA", vk: 65, text: "a"},
}

// SetViewport overrides the page viewport size.
func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	_, err := p.Call(ctx, "Emulation.setDeviceMetricsOverride", map[string]any{
		"width":             width,
		"height":            height,
		"deviceScaleFactor": 1,
		"mobile":            false,
	})
	if err != nil {
		return fmt.Errorf("resize failed: %w", err)
	}
	return nil
}

// CaptureElement returns a PNG of the element's bounding box.
func (p *Page) CaptureElement(ctx context.Context, selector string) ([]byte, error) {
	var box *struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	expr := fmt.Sprintf(`(function(){
		var el = %s;
		if (!el) return null;
		var r = el.getBoundingClientRect();
		return {x: r.left + window.scrollX, y: r.top + window.scrollY, width: r.width, height: r.height};
	})()`, ElementExpr(selector))
	if err := p.Evaluate(ctx, expr, &box); err != nil {
		return nil, err
	}
	if box == nil {
		return nil, fmt.Errorf("%s: %w", selector, ErrNotFound)
	}
	if box.Width <= 0 || box.Height <= 0 {
		return nil, fmt.Errorf("%s: element has an empty box", selector)
	}

	result, err := p.Call(ctx, "Page.captureScreenshot", map[string]any{
		"format":                "png",
		"captureBeyondViewport": true,
		"clip": map[string]any{
			"x":      box.X,
			"y":      box.Y,
			"width":  box.Width,
			"height": box.Height,
			"scale":  1,
		},
	})
	if err != nil {
		return nil, err
	}
	var shot struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(result, &shot); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(shot.Data)
}

// onElement runs body with el bound to the element matched by selector.
func (p *Page) onElement(ctx context.Context, selector, body string) error {
	expr := fmt.Sprintf(`(function(){
		var el = %s;
		if (!el) return "not_found";
		%s
		return "ok";
	})()`, ElementExpr(selector), body)
	var status string
	if err := p.Evaluate(ctx, expr, &status); err != nil {
		return err
	}
	if status == "not_found" {
		return fmt.Errorf("%s: %w", selector, ErrNotFound)
	}
	return nil
}

// poll evaluates expr until it yields true or timeout passes.
func (p *Page) poll(ctx context.Context, timeout time.Duration, expr string) error {
	deadline := time.Now().Add(timeout)
	for {
		var ok bool
		if err := p.Evaluate(ctx, expr, &ok); err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// IsXPath reports whether selector is XPath rather than CSS.
func IsXPath(selector string) bool {
	return len(selector) > 0 && (selector[0] == '/' || selector[0] == '(')
}

// ElementExpr builds a JS expression resolving selector to an element or null.
func ElementExpr(selector string) string {
	lit := JSString(selector)
	if IsXPath(selector) {
		return fmt.Sprintf(`document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue`, lit)
	}
	return fmt.Sprintf(`document.querySelector(%s)`, lit)
}

// JSString encodes s as a JavaScript string literal.
func JSString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
