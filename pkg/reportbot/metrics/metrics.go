// Package metrics records control loop metrics in Prometheus and serves
// them over HTTP when an address is configured.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the bot metrics. It outlives process-level restarts, so
// it is created once and handed to every bot.
type Recorder struct {
	registry *prometheus.Registry

	ticks           prometheus.Counter
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	pollErrors      prometheus.Counter
	channelRestarts prometheus.Counter
	processRestarts prometheus.Counter
	sessionActive   prometheus.Gauge
}

// NewRecorder registers the metrics on a private registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "reportbot_ticks_total",
			Help: "Control loop ticks completed",
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportbot_commands_total",
			Help: "Commands dispatched by kind, outcome and origin",
		}, []string{"kind", "status", "origin"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reportbot_command_duration_seconds",
			Help:    "Command dispatch duration",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"kind"}),
		pollErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "reportbot_poll_errors_total",
			Help: "Failed reads of the monitored conversation",
		}),
		channelRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "reportbot_channel_restarts_total",
			Help: "Driver-level session restarts",
		}),
		processRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "reportbot_process_restarts_total",
			Help: "Process-level bot reconstructions",
		}),
		sessionActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "reportbot_session_active",
			Help: "1 while an interactive session is open",
		}),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Tick counts a completed tick.
func (r *Recorder) Tick() { r.ticks.Inc() }

// ObserveCommand records a dispatched command.
func (r *Recorder) ObserveCommand(kind, status, origin string, d time.Duration) {
	r.commands.WithLabelValues(kind, status, origin).Inc()
	r.commandDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// PollError counts a failed poll.
func (r *Recorder) PollError() { r.pollErrors.Inc() }

// ChannelRestart counts a driver restart.
func (r *Recorder) ChannelRestart() { r.channelRestarts.Inc() }

// ProcessRestart counts a bot reconstruction.
func (r *Recorder) ProcessRestart() { r.processRestarts.Inc() }

// SessionActive sets the session gauge.
func (r *Recorder) SessionActive(active bool) {
	if active {
		r.sessionActive.Set(1)
		return
	}
	r.sessionActive.Set(0)
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (r *Recorder) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "component", "metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
