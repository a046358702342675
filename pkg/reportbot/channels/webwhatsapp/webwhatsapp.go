// Package webwhatsapp implements the channel driver on top of WhatsApp Web
// running in a Chrome tab. The login is kept in the browser profile, so the
// QR code only needs to be scanned once per profile.
package webwhatsapp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jholhewres/reportbot/pkg/reportbot/browser"
	"github.com/jholhewres/reportbot/pkg/reportbot/channels"
)

// HomeURL is the WhatsApp Web entry point.
const HomeURL = "https://web.whatsapp.com"

// Page selectors.
const (
	searchBoxXPath    = `//div[@contenteditable="true"][@data-tab="3"]`
	composeBoxXPath   = `//div[@contenteditable="true"][@data-tab="10"]`
	captionBoxXPath   = `//div[@contenteditable="true"][@role="textbox"]`
	photoQualityXPath = `//div[@title="Photo quality"][@role="button"]`
	hdQualityXPath    = `//div[text()='HD quality']`
)

// Config configures the driver.
type Config struct {
	// GroupName is the title of the monitored group.
	GroupName string

	// ElementTimeout bounds waits for page elements.
	ElementTimeout time.Duration

	// LoginTimeout bounds the wait for WhatsApp Web to finish loading,
	// which includes scanning the QR code on a fresh profile.
	LoginTimeout time.Duration
}

// Driver is the WhatsApp Web channel driver.
type Driver struct {
	cfg    Config
	ws     *browser.Workspace
	logger *slog.Logger

	// lastSender attributes continuation bubbles that carry no author.
	lastSender string
}

var _ channels.Driver = (*Driver)(nil)

// New creates a driver. Call Open before use.
func New(cfg Config, ws *browser.Workspace, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ElementTimeout <= 0 {
		cfg.ElementTimeout = 30 * time.Second
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 2 * time.Minute
	}
	return &Driver{
		cfg:    cfg,
		ws:     ws,
		logger: logger.With("component", "webwhatsapp"),
	}
}

// Name returns "webwhatsapp".
func (d *Driver) Name() string { return channels.DriverWebWhatsApp }

// Open launches the browser, loads WhatsApp Web and opens the group.
func (d *Driver) Open(ctx context.Context) error {
	mgr := d.ws.Manager()
	if err := mgr.Start(ctx); err != nil {
		return err
	}

	tabs, err := mgr.ListTabs(ctx)
	if err != nil {
		return err
	}
	var tab *browser.Tab
	if len(tabs) > 0 {
		tab = &tabs[0]
	} else if tab, err = mgr.OpenTab(ctx, "about:blank"); err != nil {
		return err
	}

	page, err := mgr.Attach(ctx, tab)
	if err != nil {
		return err
	}
	d.ws.SetPrimary(page)

	if err := page.Navigate(ctx, HomeURL); err != nil {
		return fmt.Errorf("loading whatsapp web: %w", err)
	}
	d.logger.Info("waiting for whatsapp web, scan the QR code if asked", "timeout", d.cfg.LoginTimeout)
	if err := page.WaitVisible(ctx, searchBoxXPath, d.cfg.LoginTimeout); err != nil {
		return fmt.Errorf("whatsapp web did not finish loading: %w", err)
	}
	return d.openGroup(ctx)
}

// openGroup searches for the group and opens its conversation.
func (d *Driver) openGroup(ctx context.Context) error {
	page := d.ws.Primary()
	if page == nil {
		return errors.New("whatsapp web tab is not open")
	}

	if err := page.Fill(ctx, searchBoxXPath, d.cfg.GroupName); err != nil {
		return fmt.Errorf("searching group: %w", err)
	}
	title := fmt.Sprintf(`//span[@title=%s]`, xpathLiteral(d.cfg.GroupName))
	if err := page.WaitVisible(ctx, title, d.cfg.ElementTimeout); err != nil {
		return fmt.Errorf("group %q not found: %w", d.cfg.GroupName, err)
	}
	if err := page.Click(ctx, title); err != nil {
		return err
	}
	if err := page.WaitVisible(ctx, composeBoxXPath, d.cfg.ElementTimeout); err != nil {
		return fmt.Errorf("opening group %q: %w", d.cfg.GroupName, err)
	}
	d.logger.Info("group opened", "group", d.cfg.GroupName)
	return nil
}

// lastIncomingJS extracts the newest incoming bubble.
const lastIncomingJS = `(function(){
	var nodes = document.querySelectorAll("div.message-in");
	if (!nodes.length) return null;
	var el = nodes[nodes.length - 1];
	var meta = el.querySelector("[data-pre-plain-text]");
	var body = el.querySelector("span.selectable-text");
	return {
		pre: meta ? meta.getAttribute("data-pre-plain-text") : "",
		body: body ? body.innerText : "",
		raw: el.innerText || ""
	};
})()`

// LatestMessage reads the newest incoming message of the open group.
func (d *Driver) LatestMessage(ctx context.Context) (channels.InboundMessage, error) {
	page := d.ws.Primary()
	if page == nil {
		return channels.InboundMessage{}, channels.ErrChannelDisconnected
	}

	var bubble *struct {
		Pre  string `json:"pre"`
		Body string `json:"body"`
		Raw  string `json:"raw"`
	}
	if err := page.Evaluate(ctx, lastIncomingJS, &bubble); err != nil {
		return channels.InboundMessage{}, err
	}
	if bubble == nil {
		return channels.InboundMessage{}, channels.ErrNoMessage
	}

	msg, ok := parsePrePlain(bubble.Pre, bubble.Body)
	if !ok {
		msg = parseRaw(bubble.Raw)
	}
	if msg.Sender == "" {
		msg.Sender = d.lastSender
	} else {
		d.lastSender = msg.Sender
	}
	return msg, nil
}

// prePlainPattern matches WhatsApp's "[10:15, 3/4/2024] Alice: " prefix.
var prePlainPattern = regexp.MustCompile(`^\[([^\]]+)\]\s*(.*?):\s*$`)

// parsePrePlain builds a message from the bubble's data-pre-plain-text.
func parsePrePlain(pre, body string) (channels.InboundMessage, bool) {
	m := prePlainPattern.FindStringSubmatch(strings.TrimSpace(pre) + " ")
	if m == nil || body == "" {
		return channels.InboundMessage{}, false
	}
	return channels.InboundMessage{
		Sender:         strings.TrimSpace(m[2]),
		Text:           strings.TrimSpace(body),
		TimestampLabel: m[1],
	}, true
}

// parseRaw splits the rendered bubble text. A bubble renders as
// "sender\ntext\nHH:MM", continuation bubbles drop the sender line.
func parseRaw(raw string) channels.InboundMessage {
	parts := strings.Split(strings.TrimSpace(raw), "\n")
	switch {
	case len(parts) >= 3:
		return channels.InboundMessage{
			Sender:         strings.TrimSpace(parts[0]),
			Text:           strings.TrimSpace(strings.Join(parts[1:len(parts)-1], "\n")),
			TimestampLabel: strings.TrimSpace(parts[len(parts)-1]),
		}
	case len(parts) == 2:
		return channels.InboundMessage{
			Text:           strings.TrimSpace(parts[0]),
			TimestampLabel: strings.TrimSpace(parts[1]),
		}
	default:
		return channels.InboundMessage{Text: strings.TrimSpace(parts[0])}
	}
}

// SendText types lines into the compose box. Multiline messages separate
// lines with Shift+Enter and are sent once.
func (d *Driver) SendText(ctx context.Context, lines []string, multiline bool) error {
	page := d.ws.Primary()
	if page == nil {
		return channels.ErrChannelDisconnected
	}
	if err := page.Click(ctx, composeBoxXPath); err != nil {
		return err
	}
	for i, line := range lines {
		if line != "" {
			if err := page.InsertText(ctx, line); err != nil {
				return err
			}
		}
		if multiline && i < len(lines)-1 {
			if err := page.PressKey(ctx, "Enter", browser.ModShift); err != nil {
				return err
			}
			continue
		}
		if err := page.PressKey(ctx, "Enter", 0); err != nil {
			return err
		}
	}
	return nil
}

// pasteImageJS pastes a PNG into the element as if copied to the clipboard.
const pasteImageJS = `(function(b64, name){
	var box = %s;
	if (!box) return "not_found";
	var bin = atob(b64);
	var buf = new Uint8Array(bin.length);
	for (var i = 0; i < bin.length; i++) buf[i] = bin.charCodeAt(i);
	var dt = new DataTransfer();
	dt.items.add(new File([buf], name, {type: "image/png"}));
	box.focus();
	box.dispatchEvent(new ClipboardEvent("paste", {clipboardData: dt, bubbles: true, cancelable: true}));
	return "ok";
})(%s, %s)`

// SendImage pastes the image into the conversation, switches to HD when
// offered, types the caption and sends.
func (d *Driver) SendImage(ctx context.Context, path string, caption []string) error {
	page := d.ws.Primary()
	if page == nil {
		return channels.ErrChannelDisconnected
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	expr := fmt.Sprintf(pasteImageJS,
		browser.ElementExpr(composeBoxXPath),
		browser.JSString(base64.StdEncoding.EncodeToString(data)),
		browser.JSString(filepath.Base(path)))
	var status string
	if err := page.Evaluate(ctx, expr, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("compose box: %w", browser.ErrNotFound)
	}

	if err := page.WaitVisible(ctx, captionBoxXPath, d.cfg.ElementTimeout); err != nil {
		return fmt.Errorf("image preview: %w", err)
	}
	if err := d.enableHD(ctx, page); err != nil {
		d.logger.Debug("hd quality not available", "error", err)
	}

	if err := page.Click(ctx, captionBoxXPath); err != nil {
		return err
	}
	for i, line := range caption {
		if err := page.InsertText(ctx, line); err != nil {
			return err
		}
		if i < len(caption)-1 {
			if err := page.PressKey(ctx, "Enter", browser.ModShift); err != nil {
				return err
			}
		}
	}
	return page.PressKey(ctx, "Enter", 0)
}

func (d *Driver) enableHD(ctx context.Context, page *browser.Page) error {
	ok, err := page.Exists(ctx, photoQualityXPath)
	if err != nil || !ok {
		return errors.Join(err, browser.ErrNotFound)
	}
	if err := page.Click(ctx, photoQualityXPath); err != nil {
		return err
	}
	if err := page.WaitVisible(ctx, hdQualityXPath, 5*time.Second); err != nil {
		return err
	}
	return page.Click(ctx, hdQualityXPath)
}

// OpenAuxiliary opens url in a new tab.
func (d *Driver) OpenAuxiliary(ctx context.Context, url string) (string, error) {
	return d.ws.OpenAuxiliary(ctx, url)
}

// SwitchTo focuses a tab.
func (d *Driver) SwitchTo(ctx context.Context, handle string) error {
	return d.ws.SwitchTo(ctx, handle)
}

// CloseCurrent closes the auxiliary tab and makes sure the group is still
// open in the WhatsApp tab.
func (d *Driver) CloseCurrent(ctx context.Context) error {
	if err := d.ws.CloseCurrent(ctx); err != nil {
		return err
	}
	page := d.ws.Primary()
	if page == nil {
		return channels.ErrChannelDisconnected
	}
	if ok, err := page.Exists(ctx, composeBoxXPath); err == nil && ok {
		return nil
	}
	d.logger.Info("group closed while away, reopening")
	return d.openGroup(ctx)
}

// WaitVisible waits for selector in the focused tab.
func (d *Driver) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return d.ws.WaitVisible(ctx, selector, timeout)
}

// Click clicks selector in the focused tab.
func (d *Driver) Click(ctx context.Context, selector string) error {
	return d.ws.Click(ctx, selector)
}

// Fill replaces the value of selector in the focused tab.
func (d *Driver) Fill(ctx context.Context, selector, value string) error {
	return d.ws.Fill(ctx, selector, value)
}

// Text reads selector in the focused tab.
func (d *Driver) Text(ctx context.Context, selector string) (string, error) {
	return d.ws.Text(ctx, selector)
}

// CaptureRegion captures selector in the focused tab.
func (d *Driver) CaptureRegion(ctx context.Context, selector string, width, height int) (string, error) {
	return d.ws.CaptureRegion(ctx, selector, width, height)
}

// HealthCheck reports whether the browser answers and the group is open.
func (d *Driver) HealthCheck(ctx context.Context) bool {
	if !d.ws.Manager().Alive(ctx) {
		return false
	}
	page := d.ws.Primary()
	if page == nil {
		return false
	}
	ok, err := page.Exists(ctx, composeBoxXPath)
	return err == nil && ok
}

// RestartSession relaunches the browser and reopens the group.
func (d *Driver) RestartSession(ctx context.Context) error {
	d.logger.Warn("restarting browser session")
	d.ws.Reset()
	d.ws.Manager().Stop()
	return d.Open(ctx)
}

// Close stops the browser.
func (d *Driver) Close() error {
	d.ws.Reset()
	d.ws.Manager().Stop()
	return nil
}

// xpathLiteral quotes s for use inside an XPath expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, `'`) {
		return `'` + s + `'`
	}
	parts := strings.Split(s, `"`)
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `'"'`)
		}
		if p != "" {
			quoted = append(quoted, `"`+p+`"`)
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
