package user

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pulse/internal/activity"
	"pulse/internal/eventbus"
	"pulse/internal/platform/metrics"
	"pulse/internal/upload"
	dErrors "pulse/pkg/domain-errors"
	"pulse/pkg/platform/sentinel"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	defaultCacheTTL     = 30 * time.Minute
	defaultStoreTimeout = 5 * time.Second
	defaultCacheTimeout = 2 * time.Second
	defaultFileTimeout  = 10 * time.Second
)

// allowedExtensions is the avatar upload whitelist.
var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Service orchestrates read-through caching, writes with cache invalidation,
// activity recording, and event emission. It is the sole owner of
// store/cache consistency: every committed write is followed by a
// best-effort cache delete so the next read repopulates from the store.
type Service struct {
	store      Store
	activities activity.Store
	recorder   *activity.Recorder
	bus        *eventbus.Bus
	cache      Cache
	uploads    AvatarSaver
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	cacheTTL     time.Duration
	storeTimeout time.Duration
	cacheTimeout time.Duration
	fileTimeout  time.Duration
}

// AvatarSaver schedules a blocking file write and returns a single-result
// channel to join on. *upload.Pool is the production implementation.
type AvatarSaver interface {
	Save(ctx context.Context, filename string, data []byte) <-chan upload.Result
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithCache enables the snapshot cache. A nil cache keeps always-miss
// behavior.
func WithCache(c Cache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

// WithUploads enables avatar uploads.
func WithUploads(saver AvatarSaver) ServiceOption {
	return func(s *Service) { s.uploads = saver }
}

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics attaches the Prometheus bundle.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock sets the clock function, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCacheTTL overrides the snapshot TTL.
func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithTimeouts overrides the per-suspension-point deadlines.
func WithTimeouts(store, cache, file time.Duration) ServiceOption {
	return func(s *Service) {
		if store > 0 {
			s.storeTimeout = store
		}
		if cache > 0 {
			s.cacheTimeout = cache
		}
		if file > 0 {
			s.fileTimeout = file
		}
	}
}

// NewService wires the entity service. The recorder is fire-and-forget: its
// failures never fail the operation that triggered them.
func NewService(store Store, activities activity.Store, recorder *activity.Recorder, bus *eventbus.Bus, opts ...ServiceOption) *Service {
	s := &Service{
		store:        store,
		activities:   activities,
		recorder:     recorder,
		bus:          bus,
		log:          slog.Default(),
		now:          time.Now,
		cacheTTL:     defaultCacheTTL,
		storeTimeout: defaultStoreTimeout,
		cacheTimeout: defaultCacheTimeout,
		fileTimeout:  defaultFileTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get serves the cached snapshot when present, otherwise reads through to
// the store and repopulates the cache. Emits a "view" activity whose failure
// never fails the read.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, id, activity.ActionView, "user viewed")
	return u, nil
}

// lookup is the read-through path without the view side effect.
func (s *Service) lookup(ctx context.Context, id uuid.UUID) (*User, error) {
	if u := s.cacheGet(ctx, id); u != nil {
		return u, nil
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	u, err := s.store.FindByID(sctx, id)
	if err != nil {
		return nil, s.storeErr(err, "fetch user", "user not found")
	}
	s.cachePut(ctx, u)
	return u, nil
}

// List returns one page of users ordered by creation time descending.
// Negative pages clamp to 0; page sizes outside (0, 100] clamp to the
// default.
func (s *Service) List(ctx context.Context, page, pageSize int, search string) ([]*User, error) {
	if page < 0 {
		page = 0
	}
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	users, err := s.store.Page(sctx, pageSize, page*pageSize, search)
	if err != nil {
		return nil, s.storeErr(err, "list users", "user not found")
	}
	return users, nil
}

// Create normalizes the request, rejects duplicate emails, persists the new
// user, and then publishes the created event and records the activity. The
// existence pre-check is advisory: the store's unique constraint is the
// final arbiter under races, surfacing as conflict.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*User, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	exists, err := s.store.ExistsByEmail(sctx, req.Email)
	if err != nil {
		return nil, s.storeErr(err, "check email", "user not found")
	}
	if exists {
		return nil, dErrors.New(dErrors.CodeConflict, "email already registered")
	}

	u := NewUser(req, s.now())
	if err := s.store.Create(sctx, u); err != nil {
		return nil, s.storeErr(err, "create user", "user not found")
	}

	s.publish(eventbus.UserCreated, u.ID, u)
	s.recorder.Record(ctx, u.ID, activity.ActionCreate, "user created")
	if s.metrics != nil {
		s.metrics.UsersCreated.Inc()
	}
	return u, nil
}

// Update applies a partial patch, invalidates the cache after the store
// write commits, then publishes the updated event and records the activity.
func (s *Service) Update(ctx context.Context, id uuid.UUID, patch UpdateRequest) (*User, error) {
	u, err := s.applyPatch(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, id, activity.ActionUpdate, "user updated")
	return u, nil
}

// applyPatch is the shared write path: fetch, fold patch, advance
// updated-at, commit, invalidate, publish.
func (s *Service) applyPatch(ctx context.Context, id uuid.UUID, patch UpdateRequest) (*User, error) {
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	u, err := s.store.FindByID(sctx, id)
	if err != nil {
		return nil, s.storeErr(err, "fetch user", "user not found")
	}

	u.apply(patch)
	now := s.now()
	if now.Before(u.UpdatedAt) {
		now = u.UpdatedAt
	}
	u.UpdatedAt = now

	if err := s.store.Update(sctx, u); err != nil {
		return nil, s.storeErr(err, "update user", "user not found")
	}

	// Invalidate only after the commit: delete, never re-set, so a failed
	// invalidation is bounded by the TTL instead of pinning a stale value.
	s.cacheDrop(ctx, id)
	s.publish(eventbus.UserUpdated, id, u)
	return u, nil
}

// Delete removes the user's activity records first, then the row, then the
// cache entry, then publishes the deleted event. Each step is idempotent so
// a crash mid-sequence is recovered by re-running the delete; a second call
// for the same id returns not_found.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if _, err := s.store.FindByID(sctx, id); err != nil {
		return s.storeErr(err, "fetch user", "user not found")
	}

	// Cascade before the row delete: no window where activities reference
	// a user that is already gone.
	if err := s.activities.DeleteByUser(sctx, id); err != nil {
		return s.storeErr(err, "delete activities", "user not found")
	}
	if err := s.store.Delete(sctx, id); err != nil {
		return s.storeErr(err, "delete user", "user not found")
	}

	s.cacheDrop(ctx, id)
	s.publish(eventbus.UserDeleted, id, nil)
	if s.metrics != nil {
		s.metrics.UsersDeleted.Inc()
	}
	return nil
}

// UploadAvatar validates the extension, saves the bytes on the upload pool,
// and on success sets the avatar URL through the normal update path
// (including cache invalidation) before recording the upload activity.
func (s *Service) UploadAvatar(ctx context.Context, id uuid.UUID, data []byte, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return "", dErrors.New(dErrors.CodeBadRequest, "file type not allowed: jpg, jpeg, png only")
	}
	if s.uploads == nil {
		return "", dErrors.New(dErrors.CodeUnavailable, "uploads are not enabled")
	}

	// Reject before touching the disk so a missing user never leaves an
	// orphan file behind.
	if _, err := s.lookup(ctx, id); err != nil {
		return "", err
	}

	fctx, cancel := context.WithTimeout(ctx, s.fileTimeout)
	defer cancel()

	// Join on the deadline as well as the result: a write that hangs past
	// the timeout must surface as timeout even if the worker never returns.
	var res upload.Result
	select {
	case res = <-s.uploads.Save(fctx, filename, data):
	case <-fctx.Done():
		if errors.Is(fctx.Err(), context.DeadlineExceeded) {
			return "", dErrors.Wrap(fctx.Err(), dErrors.CodeTimeout, "file save timed out")
		}
		return "", dErrors.Wrap(fctx.Err(), dErrors.CodeInternal, "file save aborted")
	}
	if res.Err != nil {
		if errors.Is(res.Err, context.DeadlineExceeded) {
			return "", dErrors.Wrap(res.Err, dErrors.CodeTimeout, "file save timed out")
		}
		return "", dErrors.Wrap(res.Err, dErrors.CodeInternal, "file save failed")
	}

	// The avatar field is only set after the save completed; a failed save
	// never partially applies the update.
	if _, err := s.applyPatch(ctx, id, UpdateRequest{AvatarURL: &res.URL}); err != nil {
		return "", err
	}
	s.recorder.Record(ctx, id, activity.ActionUpload, "avatar uploaded")
	return res.URL, nil
}

// Profile is the fan-out read: the user snapshot and its activity count are
// fetched concurrently and joined.
type Profile struct {
	User          *User `json:"user"`
	ActivityCount int64 `json:"activity_count"`
}

func (s *Service) Profile(ctx context.Context, id uuid.UUID) (*Profile, error) {
	var (
		u     *User
		count int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		u, err = s.lookup(gctx, id)
		return err
	})
	g.Go(func() error {
		sctx, cancel := context.WithTimeout(gctx, s.storeTimeout)
		defer cancel()
		var err error
		count, err = s.activities.CountByUser(sctx, id)
		if err != nil {
			return s.storeErr(err, "count activities", "user not found")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, id, activity.ActionView, "profile viewed")
	return &Profile{User: u, ActivityCount: count}, nil
}

// UpdateStream subscribes to domain events published after this call. The
// caller owns the subscription and must close it.
func (s *Service) UpdateStream() *eventbus.Subscription {
	return s.bus.Subscribe(eventbus.TopicUsers)
}

// ActivityStream subscribes to the activity mirror. Same ownership rules as
// UpdateStream.
func (s *Service) ActivityStream() *eventbus.Subscription {
	return s.bus.Subscribe(eventbus.TopicActivity)
}

// Activities returns the user's audit trail, newest first. A missing user is
// not_found rather than an empty trail.
func (s *Service) Activities(ctx context.Context, id uuid.UUID) ([]activity.Activity, error) {
	if _, err := s.lookup(ctx, id); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	rows, err := s.activities.ListByUser(sctx, id)
	if err != nil {
		return nil, s.storeErr(err, "list activities", "user not found")
	}
	return rows, nil
}

// RecentActivities returns the newest records across all users. Limits
// outside (0, 100] clamp to the default page size.
func (s *Service) RecentActivities(ctx context.Context, limit int) ([]activity.Activity, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	rows, err := s.activities.ListRecent(sctx, limit)
	if err != nil {
		return nil, s.storeErr(err, "list recent activities", "user not found")
	}
	return rows, nil
}

// PurgeActivities is the retention sweep: it removes activity records older
// than the cutoff and reports how many went away.
func (s *Service) PurgeActivities(ctx context.Context, cutoff time.Time) (int64, error) {
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	n, err := s.activities.PurgeBefore(sctx, cutoff)
	if err != nil {
		return 0, s.storeErr(err, "purge activities", "user not found")
	}
	return n, nil
}

// publish pushes a domain event onto the bus. Payload is the snapshot for
// create/update and nil for delete.
func (s *Service) publish(kind eventbus.Kind, id uuid.UUID, payload any) {
	s.bus.Publish(eventbus.TopicUsers, eventbus.Event{
		Kind:    kind,
		ID:      id.String(),
		UserID:  id,
		At:      s.now(),
		Payload: payload,
	})
}

// storeErr translates infrastructure errors into domain errors. Deadline
// hits surface as timeout, distinct from internal, so callers can retry.
func (s *Service) storeErr(err error, op, notFoundMsg string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, notFoundMsg)
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, "email already registered")
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, op+" timed out")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, op+" unavailable")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, op+" failed")
	}
}

// Cache helpers. Every error here is logged and swallowed: the cache is
// pure optimization and an outage must never fail a read or write.

func (s *Service) cacheGet(ctx context.Context, id uuid.UUID) *User {
	if s.cache == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()

	data, ok, err := s.cache.Get(cctx, CacheKey(id.String()))
	if err != nil {
		s.log.Warn("cache get failed", "user_id", id, "error", err)
		s.cacheMiss()
		return nil
	}
	if !ok {
		s.cacheMiss()
		return nil
	}
	u, err := decodeSnapshot(data)
	if err != nil {
		s.log.Warn("cache snapshot corrupt, dropping", "user_id", id, "error", err)
		s.cacheDrop(ctx, id)
		s.cacheMiss()
		return nil
	}
	if s.metrics != nil {
		s.metrics.CacheHits.Inc()
	}
	return u
}

func (s *Service) cachePut(ctx context.Context, u *User) {
	if s.cache == nil {
		return
	}
	data, err := encodeSnapshot(u)
	if err != nil {
		s.log.Warn("cache encode failed", "user_id", u.ID, "error", err)
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()
	if err := s.cache.Set(cctx, CacheKey(u.ID.String()), data, s.cacheTTL); err != nil {
		s.log.Warn("cache set failed", "user_id", u.ID, "error", err)
	}
}

func (s *Service) cacheDrop(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()
	if err := s.cache.Delete(cctx, CacheKey(id.String())); err != nil {
		s.log.Warn("cache delete failed", "user_id", id, "error", err)
	}
}

func (s *Service) cacheMiss() {
	if s.metrics != nil {
		s.metrics.CacheMisses.Inc()
	}
}
