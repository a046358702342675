// Package events publishes bot lifecycle events (sessions, dispatched
// commands, restarts) to a RabbitMQ topic exchange. Publishing is best
// effort and happens off the control loop: events are queued and a single
// goroutine hands them to the broker, dropping them when the queue is full.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Routing keys.
const (
	KeySessionActivated  = "session.activated"
	KeySessionEnded      = "session.ended"
	KeyCommandDispatched = "command.dispatched"
	KeyChannelRestarted  = "channel.restarted"
	KeyBotRestarting     = "bot.restarting"
)

// Meta describes an event.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
}

// Envelope is the wire format of every event.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// Publisher sends envelopes under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, string, Envelope) error { return nil }
func (Nop) Close() error                                    { return nil }

// SessionEvent is the payload of session events.
type SessionEvent struct {
	Caller string `json:"caller"`
	Reason string `json:"reason,omitempty"`
}

// CommandEvent is the payload of command.dispatched.
type CommandEvent struct {
	Command  string  `json:"command"`
	Kind     string  `json:"kind"`
	Status   string  `json:"status"`
	Origin   string  `json:"origin"`
	Caller   string  `json:"caller,omitempty"`
	Duration float64 `json:"duration_seconds"`
	Error    string  `json:"error,omitempty"`
}

// RestartEvent is the payload of restart events.
type RestartEvent struct {
	Attempt int     `json:"attempt"`
	Wait    float64 `json:"wait_seconds,omitempty"`
	Cause   string  `json:"cause,omitempty"`
}

// publishTimeout bounds one publish, including the broker confirm.
const publishTimeout = 5 * time.Second

// queueSize is how many events may wait for the broker.
const queueSize = 64

type pending struct {
	ctx context.Context
	key string
	env Envelope
}

// Bus stamps envelopes and publishes them in the background, logging
// failures instead of returning them.
type Bus struct {
	pub      Publisher
	producer string
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan pending
	done   chan struct{}
}

// NewBus wraps pub. A nil pub discards events without starting a worker.
func NewBus(pub Publisher, producer string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{producer: producer, logger: logger.With("component", "events"), now: time.Now}
	if pub == nil {
		b.pub = Nop{}
		return b
	}
	b.pub = pub
	b.queue = make(chan pending, queueSize)
	b.done = make(chan struct{})
	go b.drain()
	return b
}

// Emit queues data under key and returns without waiting for the broker.
// correlationID ties events of one tick or one bot lifetime together and
// may be empty.
func (b *Bus) Emit(ctx context.Context, key, correlationID string, data any) {
	if b.queue == nil {
		return
	}
	env := Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     key + ".v1",
			Producer: b.producer,
			Time:     b.now().UTC(),
		},
		Data: data,
	}
	if correlationID != "" {
		env.Meta.CorrelationID = &correlationID
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Debug("event bus closed, dropping event", "key", key)
		return
	}
	select {
	case b.queue <- pending{ctx: context.WithoutCancel(ctx), key: key, env: env}:
	default:
		b.logger.Warn("event queue full, dropping event", "key", key)
	}
}

func (b *Bus) drain() {
	defer close(b.done)
	for p := range b.queue {
		ctx, cancel := context.WithTimeout(p.ctx, publishTimeout)
		if err := b.pub.Publish(ctx, p.key, p.env); err != nil {
			b.logger.Warn("failed to publish event", "key", p.key, "error", err)
		}
		cancel()
	}
}

// Close publishes the queued events and closes the publisher.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.queue != nil {
		close(b.queue)
	}
	b.mu.Unlock()

	if b.done != nil {
		<-b.done
	}
	return b.pub.Close()
}
