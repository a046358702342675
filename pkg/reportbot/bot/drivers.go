package bot

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jholhewres/reportbot/pkg/reportbot/browser"
	"github.com/jholhewres/reportbot/pkg/reportbot/channels"
	"github.com/jholhewres/reportbot/pkg/reportbot/channels/console"
	"github.com/jholhewres/reportbot/pkg/reportbot/channels/webwhatsapp"
	"github.com/jholhewres/reportbot/pkg/reportbot/channels/whatsapp"
	"github.com/jholhewres/reportbot/pkg/reportbot/config"
)

// openDriver returns the factory for the built-in drivers.
func openDriver(cio ConsoleIO) DriverFactory {
	return func(ctx context.Context, cfg *config.Config, ws *browser.Workspace, logger *slog.Logger) (channels.Driver, error) {
		switch cfg.Driver {
		case config.DriverWebWhatsApp:
			d := webwhatsapp.New(webwhatsapp.Config{
				GroupName:      cfg.GroupName,
				ElementTimeout: cfg.ElementTimeout(),
			}, ws, logger)
			if err := d.Open(ctx); err != nil {
				_ = d.Close()
				return nil, err
			}
			return d, nil

		case config.DriverWhatsApp:
			w := whatsapp.New(whatsapp.Config{
				SessionDB: cfg.WhatsApp.SessionDB,
				GroupJID:  cfg.WhatsApp.GroupJID,
				GroupName: cfg.GroupName,
			}, ws, logger)
			if err := w.Open(ctx); err != nil {
				_ = w.Close()
				return nil, err
			}
			return w, nil

		case config.DriverConsole:
			in, out := cio.In, cio.Out
			if in == nil {
				in = os.Stdin
			}
			if out == nil {
				out = os.Stdout
			}
			c := console.New(in, out, cio.Sender, ws, logger)
			c.Start()
			return c, nil

		default:
			return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
		}
	}
}
