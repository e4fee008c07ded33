package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"

	"pulse/internal/eventbus"
	"pulse/pkg/platform/middleware/metadata"
)

const defaultInboxSize = 1024

// Recorder accepts activity records from the write path without blocking it,
// persists them in the background, and mirrors each onto the bus's activity
// topic. Record is fire-and-forget: when the inbox is full the record is
// dropped with a warning rather than stalling a request.
type Recorder struct {
	store Store
	bus   *eventbus.Bus
	log   *slog.Logger
	inbox chan Activity
	now   func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithInboxSize overrides the pending-record buffer capacity.
func WithInboxSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.inbox = make(chan Activity, n)
		}
	}
}

// WithLogger sets the recorder logger.
func WithLogger(log *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if log != nil {
			r.log = log
		}
	}
}

// WithClock sets the clock function, for tests.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder builds a Recorder. Call Run to start draining the inbox.
func NewRecorder(store Store, bus *eventbus.Bus, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store: store,
		bus:   bus,
		log:   slog.Default(),
		inbox: make(chan Activity, defaultInboxSize),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record queues an activity for the given user. Origin metadata comes from
// the request context; the raw agent string is condensed before storage.
// Never blocks and never fails the caller.
func (r *Recorder) Record(ctx context.Context, userID uuid.UUID, action Action, detail string) {
	a := Activity{
		ID:        uuid.New(),
		UserID:    userID,
		Action:    action,
		Detail:    detail,
		IP:        metadata.ClientIP(ctx),
		UserAgent: condenseAgent(metadata.UserAgent(ctx)),
		CreatedAt: r.now(),
	}
	select {
	case r.inbox <- a:
	default:
		r.log.Warn("activity inbox full, dropping record",
			"user_id", userID, "action", action)
	}
}

// Run drains the inbox until ctx is cancelled. A failed append is logged and
// skipped: the log must never take the service down, and the bus mirror is
// suppressed for records that were not persisted.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-r.inbox:
			if err := r.store.Append(ctx, a); err != nil {
				r.log.Error("append activity failed",
					"user_id", a.UserID, "action", a.Action, "error", err)
				continue
			}
			r.bus.Publish(eventbus.TopicActivity, eventbus.Event{
				Kind:    eventbus.ActivityRecorded,
				ID:      a.ID.String(),
				UserID:  a.UserID,
				At:      a.CreatedAt,
				Payload: a,
			})
		}
	}
}

// condenseAgent reduces a raw User-Agent header to "Browser version (OS)".
// Unparseable strings pass through unchanged.
func condenseAgent(raw string) string {
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	if name == "" {
		return raw
	}
	if os := ua.OS(); os != "" {
		return fmt.Sprintf("%s %s (%s)", name, version, os)
	}
	return fmt.Sprintf("%s %s", name, version)
}
