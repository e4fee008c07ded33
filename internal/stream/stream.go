// Package stream turns one event-bus subscription into a heartbeat-augmented,
// rate-capped message sequence for a single remote client.
package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pulse/internal/eventbus"
)

// Message is one output unit of the streaming contract: either a heartbeat
// ({type:"heartbeat", data:"ping"}) or a tagged event.
type Message struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

var heartbeatMessage = Message{Type: "heartbeat", Data: json.RawMessage(`"ping"`)}

const (
	defaultHeartbeatPeriod = 30 * time.Second
	defaultMinDelay        = 50 * time.Millisecond
)

// Adapter owns the lifecycle of one client connection's subscription. Run
// closes the subscription before returning, on any exit path, so a
// disconnect never leaves a dangling bus entry.
type Adapter struct {
	sub       *eventbus.Subscription
	filter    func(eventbus.Event) bool
	heartbeat time.Duration
	limiter   *rate.Limiter
	log       *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithFilter drops events the predicate rejects. Heartbeats are unaffected.
func WithFilter(fn func(eventbus.Event) bool) Option {
	return func(a *Adapter) { a.filter = fn }
}

// WithUserFilter narrows the stream to a single user's events.
func WithUserFilter(userID uuid.UUID) Option {
	return WithFilter(func(evt eventbus.Event) bool {
		return evt.UserID == userID
	})
}

// WithHeartbeat overrides the heartbeat period.
func WithHeartbeat(period time.Duration) Option {
	return func(a *Adapter) {
		if period > 0 {
			a.heartbeat = period
		}
	}
}

// WithMinDelay caps the outbound event rate at one message per delay.
// Heartbeats bypass the cap.
func WithMinDelay(delay time.Duration) Option {
	return func(a *Adapter) {
		if delay > 0 {
			a.limiter = rate.NewLimiter(rate.Every(delay), 1)
		}
	}
}

// WithLogger sets the adapter logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// New wraps an active subscription. The adapter takes ownership: the caller
// must not close the subscription itself.
func New(sub *eventbus.Subscription, opts ...Option) *Adapter {
	a := &Adapter{
		sub:       sub,
		heartbeat: defaultHeartbeatPeriod,
		limiter:   rate.NewLimiter(rate.Every(defaultMinDelay), 1),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run forwards messages to send until ctx is cancelled or send fails.
// Idle periods are bridged by heartbeats so intermediaries do not reap the
// connection. Returns nil on cancellation, the send error otherwise.
func (a *Adapter) Run(ctx context.Context, send func(Message) error) error {
	defer a.sub.Close()

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if err := send(heartbeatMessage); err != nil {
				return err
			}

		case evt, ok := <-a.sub.C():
			if !ok {
				return nil
			}
			if a.filter != nil && !a.filter(evt) {
				continue
			}
			if err := a.limiter.Wait(ctx); err != nil {
				return nil
			}
			msg, err := encode(evt)
			if err != nil {
				a.log.Warn("drop unencodable event", "kind", evt.Kind, "error", err)
				continue
			}
			if err := send(msg); err != nil {
				return err
			}
		}
	}
}

func encode(evt eventbus.Event) (Message, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: string(evt.Kind), ID: evt.ID, Data: data}, nil
}
