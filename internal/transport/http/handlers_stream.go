package httptransport

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pulse/internal/stream"
	"pulse/internal/user"
	dErrors "pulse/pkg/domain-errors"
	"pulse/pkg/platform/httputil"
)

// StreamHandler serves the two long-lived SSE endpoints. Each connection
// gets its own bus subscription, closed by the adapter on disconnect.
type StreamHandler struct {
	svc             *user.Service
	log             *slog.Logger
	heartbeatPeriod time.Duration
	minDelay        time.Duration
}

func NewStreamHandler(svc *user.Service, log *slog.Logger, heartbeat, minDelay time.Duration) *StreamHandler {
	return &StreamHandler{
		svc:             svc,
		log:             log,
		heartbeatPeriod: heartbeat,
		minDelay:        minDelay,
	}
}

// Register mounts the streaming endpoints.
func (h *StreamHandler) Register(r chi.Router) {
	r.Get("/events/stream", h.handleEvents)
	r.Get("/activities/stream", h.handleActivities)
}

// handleEvents streams domain events, optionally filtered to one user via
// ?user_id=.
func (h *StreamHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	opts := []stream.Option{
		stream.WithHeartbeat(h.heartbeatPeriod),
		stream.WithMinDelay(h.minDelay),
		stream.WithLogger(h.log),
	}
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid user_id filter"))
			return
		}
		opts = append(opts, stream.WithUserFilter(userID))
	}
	h.serve(w, r, stream.New(h.svc.UpdateStream(), opts...))
}

// handleActivities streams the activity mirror.
func (h *StreamHandler) handleActivities(w http.ResponseWriter, r *http.Request) {
	adapter := stream.New(h.svc.ActivityStream(),
		stream.WithHeartbeat(h.heartbeatPeriod),
		stream.WithMinDelay(h.minDelay),
		stream.WithLogger(h.log),
	)
	h.serve(w, r, adapter)
}

func (h *StreamHandler) serve(w http.ResponseWriter, r *http.Request, adapter *stream.Adapter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnavailable, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	err := adapter.Run(r.Context(), func(msg stream.Message) error {
		if msg.ID != "" {
			if _, err := fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", msg.Type, msg.ID, msg.Data); err != nil {
				return err
			}
		} else {
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, msg.Data); err != nil {
				return err
			}
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		h.log.Debug("stream closed with write error", "path", r.URL.Path, "error", err)
	}
}
