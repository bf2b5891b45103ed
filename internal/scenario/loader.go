package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/CoursePipe/internal/models"
)

// Cache lifetimes
const (
	// DefaultCacheTTL is how long a raw document stays in the shared cache.
	DefaultCacheTTL = 10 * time.Minute
	// DefaultLocalTTL bounds how long a replica serves a parsed scenario before it
	// re-reads the shared cache, so uploads on another replica become visible.
	DefaultLocalTTL = time.Minute
)

// Source returns the stored JSON document of a course, or (nil, nil) when none exists.
type Source interface {
	GetScenario(ctx context.Context, courseID uuid.UUID) ([]byte, error)
}

// RawCache holds raw scenario documents shared between replicas.
type RawCache interface {
	Get(ctx context.Context, courseID uuid.UUID) ([]byte, bool, error)
	Set(ctx context.Context, courseID uuid.UUID, raw []byte, ttl time.Duration) error
	Delete(ctx context.Context, courseID uuid.UUID) error
}

// Opts holds configuration options for a Loader.
type Opts struct {
	Cache    RawCache
	CacheTTL time.Duration
	LocalTTL time.Duration
	Clock    func() time.Time
}

// Option defines a function that configures a Loader.
type Option func(*Opts)

// WithRawCache puts a shared raw document cache in front of the source.
func WithRawCache(c RawCache) Option {
	return func(o *Opts) {
		o.Cache = c
	}
}

// WithCacheTTL sets the shared cache entry lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.CacheTTL = ttl
	}
}

// WithLocalTTL sets how long parsed scenarios are kept in process.
func WithLocalTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.LocalTTL = ttl
	}
}

// WithClock overrides the time source used for local expiry.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = now
	}
}

type localEntry struct {
	scenario *models.Scenario
	expires  time.Time
}

// Loader serves parsed scenarios by course id. Parsed scenarios are immutable and kept in
// process for the local TTL or until invalidated; concurrent loads of the same course share
// one fetch.
type Loader struct {
	source   Source
	cache    RawCache
	cacheTTL time.Duration
	localTTL time.Duration
	now      func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	local map[uuid.UUID]localEntry
	// generation is bumped by Invalidate; a fetch that started under an older
	// generation does not populate the caches.
	generation map[uuid.UUID]uint64
}

// NewLoader creates a Loader reading from source.
func NewLoader(source Source, opts ...Option) *Loader {
	cfg := Opts{CacheTTL: DefaultCacheTTL, LocalTTL: DefaultLocalTTL, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Loader{
		source:     source,
		cache:      cfg.Cache,
		cacheTTL:   cfg.CacheTTL,
		localTTL:   cfg.LocalTTL,
		now:        cfg.Clock,
		local:      make(map[uuid.UUID]localEntry),
		generation: make(map[uuid.UUID]uint64),
	}
}

// cachedLocal returns an unexpired parsed scenario.
func (l *Loader) cachedLocal(courseID uuid.UUID) (*models.Scenario, bool) {
	l.mu.RLock()
	e, ok := l.local[courseID]
	l.mu.RUnlock()
	if !ok || !l.now().Before(e.expires) {
		return nil, false
	}
	return e.scenario, true
}

// Load returns the scenario for courseID, or (nil, nil) when the course has none.
func (l *Loader) Load(ctx context.Context, courseID uuid.UUID) (*models.Scenario, error) {
	if sc, ok := l.cachedLocal(courseID); ok {
		return sc, nil
	}

	v, err, shared := l.group.Do(courseID.String(), func() (interface{}, error) {
		return l.fetch(ctx, courseID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("Loader.Load: shared in-flight load", "courseID", courseID)
	}
	sc, _ := v.(*models.Scenario)
	return sc, nil
}

func (l *Loader) fetch(ctx context.Context, courseID uuid.UUID) (*models.Scenario, error) {
	l.mu.RLock()
	gen := l.generation[courseID]
	l.mu.RUnlock()
	if sc, ok := l.cachedLocal(courseID); ok {
		return sc, nil
	}

	raw, fromCache := l.cached(ctx, courseID)
	if raw == nil {
		var err error
		raw, err = l.source.GetScenario(ctx, courseID)
		if err != nil {
			slog.Error("Loader.fetch: failed to read scenario", "courseID", courseID, "error", err)
			return nil, fmt.Errorf("failed to read scenario for course %s: %w", courseID, err)
		}
		if raw == nil {
			return nil, nil
		}
	}

	sc, err := Parse(raw)
	if err != nil {
		slog.Error("Loader.fetch: stored scenario is invalid", "courseID", courseID, "error", err)
		if fromCache && l.cache != nil {
			_ = l.cache.Delete(ctx, courseID)
		}
		return nil, fmt.Errorf("course %s: %w", courseID, err)
	}

	if !l.current(courseID, gen) {
		slog.Debug("Loader.fetch: invalidated while loading, not caching", "courseID", courseID)
		return sc, nil
	}
	if !fromCache && l.cache != nil {
		if err := l.cache.Set(ctx, courseID, raw, l.cacheTTL); err != nil {
			slog.Warn("Loader.fetch: failed to populate scenario cache", "courseID", courseID, "error", err)
		}
	}

	l.mu.Lock()
	if l.generation[courseID] == gen {
		l.local[courseID] = localEntry{scenario: sc, expires: l.now().Add(l.localTTL)}
	}
	l.mu.Unlock()
	slog.Debug("Loader.fetch: scenario loaded", "courseID", courseID, "sessions", len(sc.Order), "fromCache", fromCache)
	return sc, nil
}

func (l *Loader) current(courseID uuid.UUID, gen uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.generation[courseID] == gen
}

// cached consults the shared cache. Cache failures are logged and treated as a miss.
func (l *Loader) cached(ctx context.Context, courseID uuid.UUID) ([]byte, bool) {
	if l.cache == nil {
		return nil, false
	}
	raw, ok, err := l.cache.Get(ctx, courseID)
	if err != nil {
		slog.Warn("Loader.cached: scenario cache read failed", "courseID", courseID, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return raw, true
}

// Invalidate drops courseID from the in-process and shared caches.
func (l *Loader) Invalidate(ctx context.Context, courseID uuid.UUID) {
	l.mu.Lock()
	delete(l.local, courseID)
	l.generation[courseID]++
	l.mu.Unlock()
	if l.cache != nil {
		if err := l.cache.Delete(ctx, courseID); err != nil {
			slog.Warn("Loader.Invalidate: failed to delete cached scenario", "courseID", courseID, "error", err)
		}
	}
	l.group.Forget(courseID.String())
}
