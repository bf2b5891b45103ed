// Package store provides storage backends for CoursePipe.
//
// This file implements an SQLite-backed store for positions, scenarios and subscriptions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/CoursePipe/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && (se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// CreatePosition inserts a new position.
func (s *SQLiteStore) CreatePosition(ctx context.Context, p models.UserPosition) error {
	args, err := positionArgs(&p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO user_positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if isSQLiteUniqueViolation(err) {
		slog.Debug("SQLiteStore CreatePosition duplicate", "userID", p.UserID, "courseID", p.CourseID)
		return ErrAlreadyExists
	}
	if err != nil {
		slog.Error("SQLiteStore CreatePosition failed", "error", err, "userID", p.UserID, "courseID", p.CourseID)
		return fmt.Errorf("failed to insert position: %w", err)
	}
	slog.Debug("SQLiteStore CreatePosition succeeded", "userID", p.UserID, "courseID", p.CourseID)
	return nil
}

// GetPosition retrieves the position of a user in a course.
func (s *SQLiteStore) GetPosition(ctx context.Context, userID, courseID uuid.UUID) (*models.UserPosition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM user_positions WHERE user_id = ? AND course_id = ?`, userID, courseID)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetPosition not found", "userID", userID, "courseID", courseID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetPosition failed", "error", err, "userID", userID, "courseID", courseID)
		return nil, err
	}
	return &p, nil
}

// SavePosition updates a position under an optimistic version check.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *models.UserPosition) error {
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
			current_session_id = ?, current_block_index = ?, user_data = ?,
			completed_sessions = ?, completed_blocks = ?, completion_percentage = ?,
			is_completed = ?, completed_at = ?, last_activity_at = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		nilIfEmpty(p.CurrentSessionID), p.CurrentBlockIndex, userDataText(p.UserData),
		sessions, blocks, p.CompletionPercentage,
		p.IsCompleted, completedAt, p.LastActivityAt, p.UpdatedAt,
		p.ID, p.Version)
	if err != nil {
		slog.Error("SQLiteStore SavePosition failed", "error", err, "userID", p.UserID, "courseID", p.CourseID)
		return fmt.Errorf("failed to update position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		slog.Warn("SQLiteStore SavePosition version conflict", "userID", p.UserID, "courseID", p.CourseID, "version", p.Version)
		return ErrVersionConflict
	}
	p.Version++
	slog.Debug("SQLiteStore SavePosition succeeded", "userID", p.UserID, "courseID", p.CourseID, "version", p.Version)
	return nil
}

// ListPositions returns all positions of a user.
func (s *SQLiteStore) ListPositions(ctx context.Context, userID uuid.UUID) ([]models.UserPosition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM user_positions WHERE user_id = ? ORDER BY last_activity_at DESC`, userID)
	if err != nil {
		slog.Error("SQLiteStore ListPositions query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	return scanPositions(rows)
}

// SaveScenario stores or replaces a course's scenario document.
func (s *SQLiteStore) SaveScenario(ctx context.Context, courseID uuid.UUID, raw []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenarios (course_id, document, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (course_id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		courseID, string(raw), time.Now())
	if err != nil {
		slog.Error("SQLiteStore SaveScenario failed", "error", err, "courseID", courseID)
		return fmt.Errorf("failed to save scenario: %w", err)
	}
	slog.Debug("SQLiteStore SaveScenario succeeded", "courseID", courseID, "bytes", len(raw))
	return nil
}

// GetScenario returns a course's scenario document.
func (s *SQLiteStore) GetScenario(ctx context.Context, courseID uuid.UUID) ([]byte, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM scenarios WHERE course_id = ?`, courseID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetScenario failed", "error", err, "courseID", courseID)
		return nil, err
	}
	return raw, nil
}

// SetSubscription stores or replaces a user's subscription.
func (s *SQLiteStore) SetSubscription(ctx context.Context, sub models.Subscription) error {
	var expiresAt interface{}
	if sub.ExpiresAt != nil {
		expiresAt = *sub.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, active, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET active = excluded.active, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		sub.UserID, sub.Active, expiresAt, time.Now())
	if err != nil {
		slog.Error("SQLiteStore SetSubscription failed", "error", err, "userID", sub.UserID)
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// HasActiveSubscription reports whether a user has an unexpired active subscription.
func (s *SQLiteStore) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	var sub models.Subscription
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT user_id, active, expires_at FROM subscriptions WHERE user_id = ?`, userID).
		Scan(&sub.UserID, &sub.Active, &expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore HasActiveSubscription failed", "error", err, "userID", userID)
		return false, err
	}
	if expiresAt.Valid {
		sub.ExpiresAt = &expiresAt.Time
	}
	return sub.IsActiveAt(time.Now()), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
