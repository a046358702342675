package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jholhewres/reportbot/pkg/reportbot/config"
)

// captionSelector finds the caption element of a report page.
const captionSelector = "//*[contains(text(), 'captionbox')]"

// captionMarker tags caption lines that must not be sent.
const captionMarker = "captionbox"

// dayBoundaryHour is the hour before which reports describe the previous day.
const dayBoundaryHour = 7

// ReportDate returns the business date at now: the calendar date from
// 07:00, the previous one before.
func ReportDate(now time.Time) string {
	if now.Hour() < dayBoundaryHour {
		now = now.AddDate(0, 0, -1)
	}
	return now.Format("2006-01-02")
}

func isDateToken(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "getdate" || v == "getdate()"
}

func (r *Router) runReport(ctx context.Context, m Match) (Result, error) {
	cfg, _ := r.snapshot()
	cmd := cfg.Reports[m.Key]

	handle, err := r.driver.OpenAuxiliary(ctx, cmd.URL)
	if err != nil {
		return Result{}, fmt.Errorf("opening report page: %w", err)
	}
	res, err := r.captureReport(ctx, cfg, cmd, handle)
	if cerr := r.driver.CloseCurrent(ctx); cerr != nil {
		if err == nil {
			return Result{}, fmt.Errorf("closing report page: %w", cerr)
		}
		r.logger.Warn("failed to close report page", "command", m.Key, "error", cerr)
	}
	if err != nil {
		if res.Image != "" {
			removeFile(r.logger, res.Image)
		}
		return Result{}, err
	}
	return res, nil
}

func (r *Router) captureReport(ctx context.Context, cfg *config.Config, cmd config.ReportCommand, handle string) (Result, error) {
	if err := r.driver.SwitchTo(ctx, handle); err != nil {
		return Result{}, err
	}
	timeout := cfg.ElementTimeout()

	for _, p := range cmd.Parameters {
		if err := r.driver.WaitVisible(ctx, p.Selector, timeout); err != nil {
			return Result{}, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		switch p.Type {
		case "text_input":
			value := p.Value
			if isDateToken(value) {
				value = ReportDate(r.now())
			}
			if err := r.driver.Fill(ctx, p.Selector, value); err != nil {
				return Result{}, fmt.Errorf("parameter %s: %w", p.Name, err)
			}
		case "select":
			if err := r.driver.Click(ctx, p.Selector); err != nil {
				return Result{}, fmt.Errorf("parameter %s: %w", p.Name, err)
			}
		}
	}
	if err := r.sleep(ctx, r.settle); err != nil {
		return Result{}, err
	}

	if err := r.driver.WaitVisible(ctx, cmd.Detection, r.detectionTimeout); err != nil {
		return Result{}, fmt.Errorf("waiting for report: %w", err)
	}
	if err := r.driver.Click(ctx, cmd.Detection); err != nil {
		return Result{}, fmt.Errorf("waiting for report: %w", err)
	}

	var caption string
	if strings.EqualFold(cmd.Caption, "xpath") {
		if err := r.driver.WaitVisible(ctx, captionSelector, timeout); err != nil {
			return Result{}, fmt.Errorf("reading caption: %w", err)
		}
		text, err := r.driver.Text(ctx, captionSelector)
		if err != nil {
			return Result{}, fmt.Errorf("reading caption: %w", err)
		}
		caption = strings.TrimSpace(text)
	} else {
		caption = cmd.Caption + ReportDate(r.now())
	}

	if err := r.driver.WaitVisible(ctx, cmd.Body, timeout); err != nil {
		return Result{}, fmt.Errorf("waiting for report body: %w", err)
	}
	path, err := r.driver.CaptureRegion(ctx, cmd.Body, cmd.Width, cmd.Height)
	if err != nil {
		return Result{}, fmt.Errorf("capturing report: %w", err)
	}
	return Result{Status: StatusOK, Image: path, Caption: captionLines(caption)}, nil
}

// captionLines splits caption text and drops marker lines.
func captionLines(caption string) []string {
	var lines []string
	for _, l := range strings.Split(caption, "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.Contains(strings.ToLower(l), captionMarker) {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

func removeFile(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove file", "path", path, "error", err)
	}
}
