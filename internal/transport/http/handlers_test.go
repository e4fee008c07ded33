package httptransport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/activity"
	"pulse/internal/eventbus"
	"pulse/internal/upload"
	"pulse/internal/user"
)

func newTestServer(t *testing.T) (*httptest.Server, *user.Service) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(eventbus.WithLogger(log))
	acts := activity.NewMemoryStore()
	recorder := activity.NewRecorder(acts, bus, activity.WithLogger(log))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = recorder.Run(ctx) }()

	uploadDir := t.TempDir()
	pool, err := upload.NewPool(uploadDir, 2, upload.WithLogger(log))
	require.NoError(t, err)

	svc := user.NewService(user.NewMemoryStore(), acts, recorder, bus,
		user.WithLogger(log),
		user.WithUploads(pool),
	)

	users := NewUserHandler(svc, log)
	streams := NewStreamHandler(svc, log, 25*time.Millisecond, time.Millisecond)
	srv := httptest.NewServer(NewRouter(users, streams, uploadDir))
	t.Cleanup(srv.Close)
	return srv, svc
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func createUser(t *testing.T, srv *httptest.Server, name, email string) user.User {
	t.Helper()

	resp := doJSON(t, http.MethodPost, srv.URL+"/users", map[string]string{
		"name": name, "email": email,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[user.User](t, resp)
}

func TestUserCRUDOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	created := createUser(t, srv, "Zhang Wei", "zhang@example.com")
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.True(t, created.Active)

	resp := doJSON(t, http.MethodGet, srv.URL+"/users/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[user.User](t, resp)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "zhang@example.com", got.Email)

	resp = doJSON(t, http.MethodPatch, srv.URL+"/users/"+created.ID.String(), map[string]string{
		"tag": "admin",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeBody[user.User](t, resp)
	assert.Equal(t, "admin", updated.Tag)
	assert.Equal(t, created.Name, updated.Name, "unset fields untouched")

	resp = doJSON(t, http.MethodDelete, srv.URL+"/users/"+created.ID.String(), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/users/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "not_found", body["error"])
}

func TestCreateValidationAndConflict(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/users", map[string]string{"email": "x@example.com"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "bad_request", body["error"])
	assert.NotEmpty(t, body["error_description"])

	createUser(t, srv, "First", "dup@example.com")
	resp = doJSON(t, http.MethodPost, srv.URL+"/users", map[string]string{
		"name": "Second", "email": "DUP@example.com",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "emails are matched case-insensitively")
}

func TestInvalidIDIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/users/not-a-uuid", "/users/not-a-uuid/profile"} {
		resp := doJSON(t, http.MethodGet, srv.URL+path, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestListPaginationOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 5; i++ {
		createUser(t, srv, fmt.Sprintf("User %d", i), fmt.Sprintf("u%d@example.com", i))
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/users?page=0&page_size=3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string][]user.User](t, resp)
	assert.Len(t, body["users"], 3)

	// Out-of-range page is an empty list, not an error.
	resp = doJSON(t, http.MethodGet, srv.URL+"/users?page=99", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[map[string][]user.User](t, resp)
	assert.Empty(t, body["users"])

	resp = doJSON(t, http.MethodGet, srv.URL+"/users?search=u3@", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[map[string][]user.User](t, resp)
	require.Len(t, body["users"], 1)
	assert.Equal(t, "u3@example.com", body["users"][0].Email)
}

func TestProfileOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	created := createUser(t, srv, "Profiled", "profiled@example.com")

	resp := doJSON(t, http.MethodGet, srv.URL+"/users/"+created.ID.String()+"/profile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	profile := decodeBody[map[string]any](t, resp)
	assert.Contains(t, profile, "user")
	assert.Contains(t, profile, "activity_count")
}

func TestAvatarUploadOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	created := createUser(t, srv, "Pic", "pic@example.com")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "avatar.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("pixels"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/users/"+created.ID.String()+"/avatar", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.True(t, strings.HasPrefix(body["url"], "/uploads/"))

	// The stored file is served back over the static route.
	resp, err = http.Get(srv.URL + body["url"])
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pixels", string(data))
}

func TestActivityEndpoints(t *testing.T) {
	srv, svc := newTestServer(t)
	created := createUser(t, srv, "Audited", "audited@example.com")

	// The create activity is recorded asynchronously.
	require.Eventually(t, func() bool {
		rows, err := svc.Activities(context.Background(), created.ID)
		return err == nil && len(rows) == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp := doJSON(t, http.MethodGet, srv.URL+"/users/"+created.ID.String()+"/activities", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string][]activity.Activity](t, resp)
	require.Len(t, body["activities"], 1)
	assert.Equal(t, activity.ActionCreate, body["activities"][0].Action)
	assert.Equal(t, created.ID, body["activities"][0].UserID)

	resp = doJSON(t, http.MethodGet, srv.URL+"/users/"+uuid.NewString()+"/activities", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/activities?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[map[string][]activity.Activity](t, resp)
	require.Len(t, body["activities"], 1)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestHealthzChecksDependencies(t *testing.T) {
	healthy := HealthCheck{Name: "postgres", Check: func(context.Context) error { return nil }}
	broken := HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("down") }}

	t.Run("all checks pass", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handleHealth([]HealthCheck{healthy})(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("failing check names the component", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handleHealth([]HealthCheck{healthy, broken})(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "unavailable", body["status"])
		assert.Equal(t, "redis", body["failed"])
	})
}

// sseEvent is one parsed server-sent event frame.
type sseEvent struct {
	Event string
	ID    string
	Data  string
}

func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()

	var evt sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if evt.Event != "" {
				return evt
			}
		case strings.HasPrefix(line, "event: "):
			evt.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			evt.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			evt.Data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventStreamDeliversCreate(t *testing.T) {
	srv, svc := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	created, err := svc.Create(context.Background(), user.CreateRequest{
		Name: "Streamed", Email: "streamed@example.com",
	})
	require.NoError(t, err)

	reader := bufio.NewReader(resp.Body)
	for {
		evt := readSSE(t, reader)
		if evt.Event == "heartbeat" {
			assert.Equal(t, `"ping"`, evt.Data)
			continue
		}
		assert.Equal(t, "user_created", evt.Event)
		assert.Equal(t, created.ID.String(), evt.ID)
		assert.Contains(t, evt.Data, "streamed@example.com")
		return
	}
}

func TestEventStreamHeartbeatsWhenIdle(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/activities/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for i := 0; i < 2; i++ {
		evt := readSSE(t, reader)
		assert.Equal(t, "heartbeat", evt.Event)
	}
}

func TestEventStreamUserFilter(t *testing.T) {
	srv, svc := newTestServer(t)

	// Invalid filter is rejected up front.
	resp, err := http.Get(srv.URL + "/events/stream?user_id=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	other, err := svc.Create(context.Background(), user.CreateRequest{Name: "Other", Email: "other@example.com"})
	require.NoError(t, err)
	wanted, err := svc.Create(context.Background(), user.CreateRequest{Name: "Wanted", Email: "wanted@example.com"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/events/stream?user_id="+wanted.ID.String(), nil)
	require.NoError(t, err)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = svc.Update(context.Background(), other.ID, user.UpdateRequest{Tag: ptr("x")})
	require.NoError(t, err)
	_, err = svc.Update(context.Background(), wanted.ID, user.UpdateRequest{Tag: ptr("y")})
	require.NoError(t, err)

	reader := bufio.NewReader(resp.Body)
	for {
		evt := readSSE(t, reader)
		if evt.Event == "heartbeat" {
			continue
		}
		assert.Equal(t, "user_updated", evt.Event)
		assert.Equal(t, wanted.ID.String(), evt.ID, "other users' events are filtered out")
		return
	}
}

func ptr[T any](v T) *T { return &v }
