package httptransport

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pulse/internal/activity"
	"pulse/internal/user"
	dErrors "pulse/pkg/domain-errors"
	"pulse/pkg/platform/httputil"
)

// maxUploadBytes caps multipart avatar uploads.
const maxUploadBytes = 8 << 20

// UserHandler wires the user CRUD endpoints to the service.
type UserHandler struct {
	svc *user.Service
	log *slog.Logger
}

func NewUserHandler(svc *user.Service, log *slog.Logger) *UserHandler {
	return &UserHandler{svc: svc, log: log}
}

// Register mounts the user endpoints.
func (h *UserHandler) Register(r chi.Router) {
	r.Route("/users", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Get("/{id}", h.handleGet)
		r.Patch("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
		r.Get("/{id}/profile", h.handleProfile)
		r.Get("/{id}/activities", h.handleActivities)
		r.Post("/{id}/avatar", h.handleUploadAvatar)
	})
	r.Get("/activities", h.handleRecentActivities)
}

func (h *UserHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	req, err := httputil.Decode[user.CreateRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	u, err := h.svc.Create(r.Context(), req)
	if err != nil {
		h.logError(r, "create user failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, u)
}

func (h *UserHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	users, err := h.svc.List(r.Context(), page, pageSize, q.Get("search"))
	if err != nil {
		h.logError(r, "list users failed", err)
		httputil.WriteError(w, err)
		return
	}
	if users == nil {
		users = []*user.User{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *UserHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	u, err := h.svc.Get(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, u)
}

func (h *UserHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	patch, err := httputil.Decode[user.UpdateRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	u, err := h.svc.Update(r.Context(), id, patch)
	if err != nil {
		h.logError(r, "update user failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, u)
}

func (h *UserHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.logError(r, "delete user failed", err)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) handleProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Profile(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *UserHandler) handleActivities(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rows, err := h.svc.Activities(r.Context(), id)
	if err != nil {
		h.logError(r, "list activities failed", err)
		httputil.WriteError(w, err)
		return
	}
	if rows == nil {
		rows = []activity.Activity{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"activities": rows})
}

func (h *UserHandler) handleRecentActivities(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := h.svc.RecentActivities(r.Context(), limit)
	if err != nil {
		h.logError(r, "list recent activities failed", err)
		httputil.WriteError(w, err)
		return
	}
	if rows == nil {
		rows = []activity.Activity{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"activities": rows})
}

func (h *UserHandler) handleUploadAvatar(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed multipart body"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "missing file field"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "unreadable file"))
		return
	}

	url, err := h.svc.UploadAvatar(r.Context(), id, data, header.Filename)
	if err != nil {
		h.logError(r, "avatar upload failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *UserHandler) logError(r *http.Request, msg string, err error) {
	// 4xx outcomes are expected traffic; only log server-side failures.
	switch dErrors.CodeOf(err) {
	case dErrors.CodeNotFound, dErrors.CodeConflict, dErrors.CodeBadRequest:
		return
	}
	h.log.ErrorContext(r.Context(), msg, "path", r.URL.Path, "error", err)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid user id"))
		return uuid.Nil, false
	}
	return id, true
}
