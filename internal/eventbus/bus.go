// Package eventbus is an in-process multicast primitive. Producers publish
// without blocking; every subscriber active at publish time receives the
// event through its own bounded buffer. There is no replay: a subscriber
// sees only events published after it subscribed.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_eventbus_dropped_total",
		Help: "Events dropped because a subscriber buffer overflowed",
	}, []string{"topic"})

	subscribersGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulse_eventbus_subscribers",
		Help: "Currently active subscriptions per topic",
	}, []string{"topic"})
)

// Topic separates the two event streams the service fans out.
type Topic string

const (
	// TopicUsers carries domain events (created/updated/deleted).
	TopicUsers Topic = "users"
	// TopicActivity mirrors persisted activity records.
	TopicActivity Topic = "activity"
)

// Kind tags the event union.
type Kind string

const (
	UserCreated      Kind = "user_created"
	UserUpdated      Kind = "user_updated"
	UserDeleted      Kind = "user_deleted"
	ActivityRecorded Kind = "activity"
)

// Event is transient: it lives only on the bus and is discarded once every
// current subscriber has consumed (or dropped) it.
type Event struct {
	Kind    Kind      `json:"kind"`
	ID      string    `json:"id"`
	UserID  uuid.UUID `json:"user_id"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

const defaultBufferSize = 1000

// Bus holds the subscriber table, the only mutable shared state. It is
// constructed explicitly and passed to producers and consumers; never a
// process-wide singleton.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic]map[uint64]*Subscription
	nextID uint64
	buffer int
	log    *slog.Logger
}

// Option configures the Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber buffer capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets a logger for overflow warnings.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

// New constructs a Bus with a default per-subscriber buffer of 1000.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[Topic]map[uint64]*Subscription),
		buffer: defaultBufferSize,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers evt to every current subscriber of topic. It never blocks
// the producer: a full subscriber buffer drops its oldest event instead.
// Publish never fails observably; a lost event on a slow consumer is a
// documented best-effort trade-off.
func (b *Bus) Publish(topic Topic, evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[topic] {
		sub.offer(evt)
	}
}

// Subscribe registers a new consumer on topic. The returned subscription
// MUST be closed when the consumer is done; an unclosed subscription leaks
// its buffer for the lifetime of the bus.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		bus:   b,
		topic: topic,
		ch:    make(chan Event, b.buffer),
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*Subscription)
	}
	b.subs[topic][sub.id] = sub
	b.mu.Unlock()

	subscribersGauge.WithLabelValues(string(topic)).Inc()
	return sub
}

func (b *Bus) remove(topic Topic, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic][id]; !ok {
		return false
	}
	delete(b.subs[topic], id)
	return true
}

// Subscription is one consumer's handle onto a topic. Events arrive on C()
// in publish order (FIFO per subscriber); there is no cross-subscriber
// ordering guarantee.
type Subscription struct {
	bus   *Bus
	topic Topic
	id    uint64

	mu       sync.Mutex
	ch       chan Event
	closed   bool
	dropped  uint64
	lastWarn time.Time
}

// C returns the receive channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unsubscribes and releases the buffer. Safe to call more than once.
// Pending buffered events are discarded.
func (s *Subscription) Close() {
	if !s.bus.remove(s.topic, s.id) {
		return
	}
	subscribersGauge.WithLabelValues(string(s.topic)).Dec()

	s.mu.Lock()
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
}

// offer enqueues evt, evicting the oldest buffered event when full. The
// mutex serializes offers with Close so we never send on a closed channel.
func (s *Subscription) offer(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- evt:
			return
		default:
		}
		// Buffer full: evict the oldest entry and retry. The consumer may
		// race us for it, in which case the retry will succeed anyway.
		select {
		case <-s.ch:
			droppedTotal.WithLabelValues(string(s.topic)).Inc()
			s.noteDrop()
		default:
		}
	}
}

// noteDrop warns about buffer overflow at most once per second per
// subscription, carrying the running drop count. Called with s.mu held.
func (s *Subscription) noteDrop() {
	s.dropped++
	if now := time.Now(); now.Sub(s.lastWarn) >= time.Second {
		s.lastWarn = now
		s.bus.log.Warn("subscriber buffer overflow, dropping oldest event",
			"topic", s.topic, "dropped_total", s.dropped)
	}
}
