// Package store provides storage backends for CoursePipe.
//
// It holds user course positions, scenario documents and subscriptions, with an in-memory
// implementation for tests and single-process use and SQLite/PostgreSQL implementations
// for persistent deployments.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CoursePipe/internal/models"
)

// Storage errors
var (
	// ErrVersionConflict is returned by SavePosition when the stored position changed since it was read.
	ErrVersionConflict = errors.New("position was modified concurrently")
	// ErrAlreadyExists is returned by CreatePosition when the user already has a position in the course.
	ErrAlreadyExists = errors.New("position already exists")
)

// Store is the persistence boundary of the engine.
type Store interface {
	// CreatePosition inserts a new position. There is at most one per (user, course).
	CreatePosition(ctx context.Context, p models.UserPosition) error
	// GetPosition returns the position, or (nil, nil) when none exists.
	GetPosition(ctx context.Context, userID, courseID uuid.UUID) (*models.UserPosition, error)
	// SavePosition overwrites the stored position if its version still equals p.Version,
	// and increments p.Version on success. Otherwise it returns ErrVersionConflict.
	SavePosition(ctx context.Context, p *models.UserPosition) error
	// ListPositions returns every position of a user, most recently active first.
	ListPositions(ctx context.Context, userID uuid.UUID) ([]models.UserPosition, error)

	// SaveScenario stores the raw JSON scenario document of a course.
	SaveScenario(ctx context.Context, courseID uuid.UUID, raw []byte) error
	// GetScenario returns the raw scenario document, or (nil, nil) when none exists.
	GetScenario(ctx context.Context, courseID uuid.UUID) ([]byte, error)

	// SetSubscription stores a user's subscription state.
	SetSubscription(ctx context.Context, sub models.Subscription) error
	// HasActiveSubscription reports whether the user may pass paywalls now.
	HasActiveSubscription(ctx context.Context, userID string) (bool, error)

	Close() error
}

// Opts holds configuration options for database-backed stores.
type Opts struct {
	DSN string
}

// Option defines a function that configures a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and key/value connection strings,
// and "sqlite" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

type positionKey struct {
	userID   uuid.UUID
	courseID uuid.UUID
}

// InMemoryStore is a simple in-memory store
type InMemoryStore struct {
	mu            sync.RWMutex
	positions     map[positionKey]models.UserPosition
	scenarios     map[uuid.UUID][]byte
	subscriptions map[string]models.Subscription
	now           func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		positions:     make(map[positionKey]models.UserPosition),
		scenarios:     make(map[uuid.UUID][]byte),
		subscriptions: make(map[string]models.Subscription),
		now:           time.Now,
	}
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreatePosition(ctx context.Context, p models.UserPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKey{p.UserID, p.CourseID}
	if _, exists := s.positions[key]; exists {
		return ErrAlreadyExists
	}
	s.positions[key] = p.Clone()
	return nil
}

func (s *InMemoryStore) GetPosition(ctx context.Context, userID, courseID uuid.UUID) (*models.UserPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionKey{userID, courseID}]
	if !ok {
		return nil, nil
	}
	out := p.Clone()
	return &out, nil
}

func (s *InMemoryStore) SavePosition(ctx context.Context, p *models.UserPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKey{p.UserID, p.CourseID}
	current, ok := s.positions[key]
	if !ok || current.Version != p.Version {
		return ErrVersionConflict
	}
	p.Version++
	s.positions[key] = p.Clone()
	return nil
}

func (s *InMemoryStore) ListPositions(ctx context.Context, userID uuid.UUID) ([]models.UserPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.UserPosition
	for key, p := range s.positions {
		if key.userID == userID {
			out = append(out, p.Clone())
		}
	}
	sortByActivity(out)
	return out, nil
}

func (s *InMemoryStore) SaveScenario(ctx context.Context, courseID uuid.UUID, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios[courseID] = append([]byte(nil), raw...)
	return nil
}

func (s *InMemoryStore) GetScenario(ctx context.Context, courseID uuid.UUID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.scenarios[courseID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), raw...), nil
}

func (s *InMemoryStore) SetSubscription(ctx context.Context, sub models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.UserID] = sub
	return nil
}

func (s *InMemoryStore) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[userID]
	return ok && sub.IsActiveAt(s.now()), nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
