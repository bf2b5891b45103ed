// Package store provides storage backends for CoursePipe.
//
// This file implements a PostgreSQL-backed store for positions, scenarios and subscriptions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/BTreeMap/CoursePipe/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// pqUniqueViolation is the SQLSTATE for unique_violation.
const pqUniqueViolation = "23505"

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func isPostgresUniqueViolation(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && string(pe.Code) == pqUniqueViolation
}

// CreatePosition inserts a new position.
func (s *PostgresStore) CreatePosition(ctx context.Context, p models.UserPosition) error {
	args, err := positionArgs(&p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO user_positions (`+positionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`, args...)
	if isPostgresUniqueViolation(err) {
		slog.Debug("PostgresStore CreatePosition duplicate", "userID", p.UserID, "courseID", p.CourseID)
		return ErrAlreadyExists
	}
	if err != nil {
		slog.Error("PostgresStore CreatePosition failed", "error", err, "userID", p.UserID, "courseID", p.CourseID)
		return fmt.Errorf("failed to insert position: %w", err)
	}
	slog.Debug("PostgresStore CreatePosition succeeded", "userID", p.UserID, "courseID", p.CourseID)
	return nil
}

// GetPosition retrieves the position of a user in a course.
func (s *PostgresStore) GetPosition(ctx context.Context, userID, courseID uuid.UUID) (*models.UserPosition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM user_positions WHERE user_id = $1 AND course_id = $2`, userID, courseID)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetPosition not found", "userID", userID, "courseID", courseID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetPosition failed", "error", err, "userID", userID, "courseID", courseID)
		return nil, err
	}
	return &p, nil
}

// SavePosition updates a position under an optimistic version check.
func (s *PostgresStore) SavePosition(ctx context.Context, p *models.UserPosition) error {
	sessions, err := encodeList(p.CompletedSessions)
	if err != nil {
		return err
	}
	blocks, err := encodeList(p.CompletedBlocks)
	if err != nil {
		return err
	}
	var completedAt interface{}
	if p.CompletedAt != nil {
		completedAt = *p.CompletedAt
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_positions SET
			current_session_id = $1, current_block_index = $2, user_data = $3,
			completed_sessions = $4, completed_blocks = $5, completion_percentage = $6,
			is_completed = $7, completed_at = $8, last_activity_at = $9, updated_at = $10,
			version = version + 1
		WHERE id = $11 AND version = $12`,
		nilIfEmpty(p.CurrentSessionID), p.CurrentBlockIndex, userDataText(p.UserData),
		sessions, blocks, p.CompletionPercentage,
		p.IsCompleted, completedAt, p.LastActivityAt, p.UpdatedAt,
		p.ID, p.Version)
	if err != nil {
		slog.Error("PostgresStore SavePosition failed", "error", err, "userID", p.UserID, "courseID", p.CourseID)
		return fmt.Errorf("failed to update position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		slog.Warn("PostgresStore SavePosition version conflict", "userID", p.UserID, "courseID", p.CourseID, "version", p.Version)
		return ErrVersionConflict
	}
	p.Version++
	slog.Debug("PostgresStore SavePosition succeeded", "userID", p.UserID, "courseID", p.CourseID, "version", p.Version)
	return nil
}

// ListPositions returns all positions of a user.
func (s *PostgresStore) ListPositions(ctx context.Context, userID uuid.UUID) ([]models.UserPosition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM user_positions WHERE user_id = $1 ORDER BY last_activity_at DESC`, userID)
	if err != nil {
		slog.Error("PostgresStore ListPositions query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	return scanPositions(rows)
}

// SaveScenario stores or replaces a course's scenario document.
func (s *PostgresStore) SaveScenario(ctx context.Context, courseID uuid.UUID, raw []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenarios (course_id, document, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (course_id)
		DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		courseID, string(raw), time.Now())
	if err != nil {
		slog.Error("PostgresStore SaveScenario failed", "error", err, "courseID", courseID)
		return fmt.Errorf("failed to save scenario: %w", err)
	}
	slog.Debug("PostgresStore SaveScenario succeeded", "courseID", courseID, "bytes", len(raw))
	return nil
}

// GetScenario returns a course's scenario document.
func (s *PostgresStore) GetScenario(ctx context.Context, courseID uuid.UUID) ([]byte, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM scenarios WHERE course_id = $1`, courseID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetScenario failed", "error", err, "courseID", courseID)
		return nil, err
	}
	return raw, nil
}

// SetSubscription stores or replaces a user's subscription.
func (s *PostgresStore) SetSubscription(ctx context.Context, sub models.Subscription) error {
	var expiresAt interface{}
	if sub.ExpiresAt != nil {
		expiresAt = *sub.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, active, expires_at, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id)
		DO UPDATE SET active = EXCLUDED.active, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
		sub.UserID, sub.Active, expiresAt, time.Now())
	if err != nil {
		slog.Error("PostgresStore SetSubscription failed", "error", err, "userID", sub.UserID)
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// HasActiveSubscription reports whether a user has an unexpired active subscription.
func (s *PostgresStore) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `
		SELECT active AND (expires_at IS NULL OR expires_at > NOW())
		FROM subscriptions WHERE user_id = $1`, userID).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("PostgresStore HasActiveSubscription failed", "error", err, "userID", userID)
		return false, err
	}
	return active, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}
