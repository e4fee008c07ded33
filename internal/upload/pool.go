// Package upload executes blocking file writes on a bounded worker pool so
// slow disk I/O cannot starve request-handling capacity.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Result joins a save back into the caller's flow.
type Result struct {
	// URL is the relative URL of the stored file, e.g. "/uploads/<name>".
	URL string
	Err error
}

// Pool owns the upload directory and the concurrency budget. Partial files
// are the pool's cleanup responsibility, never the caller's.
type Pool struct {
	dir     string
	baseURL string
	sem     *semaphore.Weighted
	log     *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// WithBaseURL overrides the URL prefix returned for stored files.
func WithBaseURL(base string) Option {
	return func(p *Pool) {
		if base != "" {
			p.baseURL = strings.TrimSuffix(base, "/")
		}
	}
}

// NewPool creates the upload directory if needed and caps concurrent saves
// at workers.
func NewPool(dir string, workers int64, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		workers = 4
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	p := &Pool{
		dir:     dir,
		baseURL: "/uploads",
		sem:     semaphore.NewWeighted(workers),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Save schedules a write and returns a single-result channel the caller can
// join. The stored name is generated; only the extension of the original
// filename survives. Cancelling ctx before a worker slot frees aborts the
// save; a failure mid-write removes the partial file.
func (p *Pool) Save(ctx context.Context, filename string, data []byte) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)

		if err := p.sem.Acquire(ctx, 1); err != nil {
			out <- Result{Err: fmt.Errorf("acquire worker: %w", err)}
			return
		}
		defer p.sem.Release(1)

		if err := ctx.Err(); err != nil {
			out <- Result{Err: err}
			return
		}

		stored := uuid.NewString() + strings.ToLower(filepath.Ext(filename))
		path := filepath.Join(p.dir, stored)
		if err := p.write(path, data); err != nil {
			out <- Result{Err: err}
			return
		}
		out <- Result{URL: p.baseURL + "/" + stored}
	}()
	return out
}

// write stages into a temp file and renames, so a crash mid-write never
// leaves a half-file under the final name.
func (p *Pool) write(path string, data []byte) error {
	tmp, err := os.CreateTemp(p.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		p.discard(tmpName)
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		p.discard(tmpName)
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		p.discard(tmpName)
		return fmt.Errorf("finalize file: %w", err)
	}
	return nil
}

func (p *Pool) discard(path string) {
	if err := os.Remove(path); err != nil {
		p.log.Warn("failed to remove partial upload", "path", path, "error", err)
	}
}
