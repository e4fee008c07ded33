package activity

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/eventbus"
	"pulse/pkg/platform/middleware/metadata"
)

func startRecorder(t *testing.T, store Store, bus *eventbus.Bus, opts ...RecorderOption) *Recorder {
	t.Helper()
	r := NewRecorder(store, bus, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()
	return r
}

func TestRecorder_PersistsAndMirrorsToBus(t *testing.T) {
	store := NewMemoryStore()
	bus := eventbus.New()
	r := startRecorder(t, store, bus)

	sub := bus.Subscribe(eventbus.TopicActivity)
	defer sub.Close()

	userID := uuid.New()
	ctx := metadata.WithClientMetadata(context.Background(), "203.0.113.9",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	r.Record(ctx, userID, ActionView, "user viewed")

	select {
	case evt := <-sub.C():
		assert.Equal(t, eventbus.ActivityRecorded, evt.Kind)
		assert.Equal(t, userID, evt.UserID)
		a, ok := evt.Payload.(Activity)
		require.True(t, ok, "payload carries the activity record")
		assert.Equal(t, ActionView, a.Action)
		assert.Equal(t, "203.0.113.9", a.IP)
		assert.Contains(t, a.UserAgent, "Chrome", "agent string is condensed")
		assert.NotContains(t, a.UserAgent, "AppleWebKit")
	case <-time.After(2 * time.Second):
		t.Fatal("activity was not mirrored onto the bus")
	}

	rows, err := store.ListByUser(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "user viewed", rows[0].Detail)
}

func TestRecorder_RecordNeverBlocksWhenInboxFull(t *testing.T) {
	store := NewMemoryStore()
	bus := eventbus.New()
	// Recorder is NOT running: the inbox fills and overflow must drop.
	r := NewRecorder(store, bus, WithInboxSize(2))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			r.Record(context.Background(), uuid.New(), ActionView, "spam")
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked the caller on a full inbox")
	}
}

func TestRecorder_SurvivesStoreFailures(t *testing.T) {
	store := &failingStore{Store: NewMemoryStore(), failFirst: 1}
	bus := eventbus.New()
	r := startRecorder(t, store, bus)

	userID := uuid.New()
	r.Record(context.Background(), userID, ActionCreate, "first, fails")
	r.Record(context.Background(), userID, ActionUpdate, "second, lands")

	require.Eventually(t, func() bool {
		n, err := store.CountByUser(context.Background(), userID)
		return err == nil && n == 1
	}, 2*time.Second, 5*time.Millisecond, "recorder keeps draining after an append failure")
}

func TestCondenseAgent(t *testing.T) {
	assert.Empty(t, condenseAgent(""))
	assert.Contains(t, condenseAgent("curl/8.0"), "curl")

	got := condenseAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36")
	assert.Contains(t, got, "Chrome")
	assert.Contains(t, got, "Windows")
}

// failingStore fails the first failFirst appends, then delegates.
type failingStore struct {
	Store
	failFirst int
	seen      int
}

func (s *failingStore) Append(ctx context.Context, a Activity) error {
	s.seen++
	if s.seen <= s.failFirst {
		return context.DeadlineExceeded
	}
	return s.Store.Append(ctx, a)
}
