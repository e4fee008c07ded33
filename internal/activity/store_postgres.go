package activity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore persists activity records in the activities table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle. The pool lifecycle is
// managed by the caller.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, a Activity) error {
	query := `
		INSERT INTO activities (id, user_id, action, detail, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.UserID, string(a.Action), a.Detail, a.IP, a.UserAgent, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]Activity, error) {
	query := `
		SELECT id, user_id, action, detail, ip, user_agent, created_at
		FROM activities
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()
	return scanActivities(rows)
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Activity, error) {
	query := `
		SELECT id, user_id, action, detail, ip, user_agent, created_at
		FROM activities
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent activities: %w", err)
	}
	defer rows.Close()
	return scanActivities(rows)
}

func (s *PostgresStore) CountByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activities WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count activities: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteByUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM activities WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete activities: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM activities WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge activities: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge activities: rows affected: %w", err)
	}
	return n, nil
}

func scanActivities(rows *sql.Rows) ([]Activity, error) {
	var out []Activity
	for rows.Next() {
		var a Activity
		var action string
		err := rows.Scan(&a.ID, &a.UserID, &action, &a.Detail, &a.IP, &a.UserAgent, &a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Action = Action(action)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return out, nil
}
