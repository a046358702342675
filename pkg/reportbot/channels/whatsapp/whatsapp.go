// Package whatsapp implements the channel driver over the native WhatsApp
// protocol using whatsmeow. Messages are sent and received without a
// browser; a browser is only started for report pages.
//
// The session is kept in a SQLite store, so the QR code only has to be
// scanned on the first run.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/reportbot/pkg/reportbot/browser"
	"github.com/jholhewres/reportbot/pkg/reportbot/channels"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds the driver configuration.
type Config struct {
	// SessionDB is the SQLite file holding the linked device session.
	SessionDB string

	// GroupJID selects the monitored group directly (e.g. "1203630...@g.us").
	GroupJID string

	// GroupName is used to find the group among joined groups when
	// GroupJID is empty.
	GroupName string

	// LoginTimeout bounds the wait for a QR code scan.
	LoginTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDB:    "./sessions/whatsapp.db",
		LoginTimeout: 2 * time.Minute,
	}
}

// WhatsApp is the native protocol channel driver.
type WhatsApp struct {
	cfg    Config
	ws     *browser.Workspace
	logger *slog.Logger

	client *whatsmeow.Client
	group  types.JID

	// latest is the newest incoming message of the monitored group.
	latest atomic.Pointer[channels.InboundMessage]

	// connected tracks connection state.
	connected atomic.Bool

	// state tracks detailed connection state.
	state atomic.Value // ConnectionState

	// errorCount tracks send failures since the last connect.
	errorCount atomic.Int64
}

var _ channels.Driver = (*WhatsApp)(nil)

// New creates a driver. ws serves report pages and may be shared.
func New(cfg Config, ws *browser.Workspace, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionDB == "" {
		cfg.SessionDB = DefaultConfig().SessionDB
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 2 * time.Minute
	}
	w := &WhatsApp{
		cfg:    cfg,
		ws:     ws,
		logger: logger.With("component", "whatsapp"),
	}
	w.setState(StateDisconnected)
	return w
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return channels.DriverWhatsApp }

// getState returns the current connection state.
func (w *WhatsApp) getState() ConnectionState {
	if v := w.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

// setState updates the connection state.
func (w *WhatsApp) setState(state ConnectionState) {
	w.state.Store(state)
}

// GetState returns the current connection state.
func (w *WhatsApp) GetState() ConnectionState { return w.getState() }

// Open connects the session, logging in with a QR code when needed, and
// resolves the monitored group.
func (w *WhatsApp) Open(ctx context.Context) error {
	w.setState(StateConnecting)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.SessionDB),
		waLog.Noop)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := getDevice(ctx, container)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}

	// Device name shown in WhatsApp linked devices list.
	store.SetOSInfo("ReportBot", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		if err := w.loginWithQR(ctx); err != nil {
			w.setState(StateDisconnected)
			return err
		}
	} else if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}
	w.connected.Store(true)

	group, err := w.resolveGroup(ctx)
	if err != nil {
		return err
	}
	w.group = group
	w.logger.Info("monitoring group", "jid", group.String())
	return nil
}

// getDevice retrieves an existing device or creates a new one.
func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the QR login flow, logging every code until one is
// scanned or LoginTimeout passes.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.LoginTimeout)
	defer cancel()

	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	w.setState(StateWaitingQR)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for QR scan: %w", ctx.Err())
		case evt, ok := <-qrChan:
			if !ok {
				return errors.New("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				w.logger.Info("scan this code with WhatsApp > Linked devices", "qr", evt.Code)
			case "success":
				w.logger.Info("login successful")
				return nil
			case "timeout":
				return errors.New("QR code timeout")
			default:
				if evt.Error != nil {
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

// resolveGroup finds the monitored group JID.
func (w *WhatsApp) resolveGroup(ctx context.Context) (types.JID, error) {
	if w.cfg.GroupJID != "" {
		return parseJID(w.cfg.GroupJID)
	}
	groups, err := w.client.GetJoinedGroups(ctx)
	if err != nil {
		return types.JID{}, fmt.Errorf("listing groups: %w", err)
	}
	for _, g := range groups {
		if strings.EqualFold(g.Name, w.cfg.GroupName) {
			return g.JID, nil
		}
	}
	return types.JID{}, fmt.Errorf("group %q not found among joined groups", w.cfg.GroupName)
}

// LatestMessage returns the newest message received in the group.
func (w *WhatsApp) LatestMessage(ctx context.Context) (channels.InboundMessage, error) {
	if !w.connected.Load() {
		return channels.InboundMessage{}, channels.ErrChannelDisconnected
	}
	msg := w.latest.Load()
	if msg == nil {
		return channels.InboundMessage{}, channels.ErrNoMessage
	}
	return *msg, nil
}

// SendText sends lines to the group, joined into one message when multiline.
func (w *WhatsApp) SendText(ctx context.Context, lines []string, multiline bool) error {
	if multiline {
		return w.send(ctx, buildTextMessage(strings.Join(lines, "\n")))
	}
	for _, line := range lines {
		if err := w.send(ctx, buildTextMessage(line)); err != nil {
			return err
		}
	}
	return nil
}

// SendImage uploads the image and sends it with the caption.
func (w *WhatsApp) SendImage(ctx context.Context, path string, caption []string) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}
	uploaded, err := w.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("uploading image: %w", err)
	}
	msg := &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(strings.Join(caption, "\n")),
			Mimetype:      proto.String(http.DetectContentType(data)),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		},
	}
	return w.send(ctx, msg)
}

func (w *WhatsApp) send(ctx context.Context, msg *waE2E.Message) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	if _, err := w.client.SendMessage(ctx, w.group, msg); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// buildTextMessage wraps text in a plain conversation message.
func buildTextMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

// OpenAuxiliary opens url in a browser tab.
func (w *WhatsApp) OpenAuxiliary(ctx context.Context, url string) (string, error) {
	return w.ws.OpenAuxiliary(ctx, url)
}

// SwitchTo focuses a tab.
func (w *WhatsApp) SwitchTo(ctx context.Context, handle string) error {
	return w.ws.SwitchTo(ctx, handle)
}

// CloseCurrent closes the auxiliary tab.
func (w *WhatsApp) CloseCurrent(ctx context.Context) error {
	return w.ws.CloseCurrent(ctx)
}

// WaitVisible waits for selector in the focused tab.
func (w *WhatsApp) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return w.ws.WaitVisible(ctx, selector, timeout)
}

// Click clicks selector in the focused tab.
func (w *WhatsApp) Click(ctx context.Context, selector string) error {
	return w.ws.Click(ctx, selector)
}

// Fill replaces the value of selector in the focused tab.
func (w *WhatsApp) Fill(ctx context.Context, selector, value string) error {
	return w.ws.Fill(ctx, selector, value)
}

// Text reads selector in the focused tab.
func (w *WhatsApp) Text(ctx context.Context, selector string) (string, error) {
	return w.ws.Text(ctx, selector)
}

// CaptureRegion captures selector in the focused tab.
func (w *WhatsApp) CaptureRegion(ctx context.Context, selector string, width, height int) (string, error) {
	return w.ws.CaptureRegion(ctx, selector, width, height)
}

// HealthCheck reports whether the protocol session is connected and logged in.
func (w *WhatsApp) HealthCheck(ctx context.Context) bool {
	return w.client != nil && w.connected.Load() &&
		w.client.IsConnected() && w.client.IsLoggedIn()
}

// RestartSession drops and re-establishes the protocol connection and
// restarts the report browser if it stopped answering.
func (w *WhatsApp) RestartSession(ctx context.Context) error {
	if w.client == nil {
		return w.Open(ctx)
	}
	w.logger.Warn("restarting whatsapp session")
	w.setState(StateReconnecting)
	w.client.Disconnect()
	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("reconnecting: %w", err)
	}
	w.connected.Store(true)

	if w.ws.HasAuxiliary() || !w.ws.Manager().Alive(ctx) {
		w.ws.Reset()
		w.ws.Manager().Stop()
	}
	return nil
}

// Close disconnects and stops the report browser.
func (w *WhatsApp) Close() error {
	w.setState(StateDisconnected)
	w.connected.Store(false)
	if w.client != nil {
		w.client.Disconnect()
	}
	w.ws.Reset()
	w.ws.Manager().Stop()
	w.logger.Info("whatsapp: disconnected")
	return nil
}
