// Package engine drives users through course scenarios.
//
// The engine is stateless: every call loads the scenario and the user's position, runs the
// current block's handler, and writes the position back with a single versioned save.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/BTreeMap/CoursePipe/internal/handler"
	"github.com/BTreeMap/CoursePipe/internal/models"
	"github.com/BTreeMap/CoursePipe/internal/store"
)

// Engine errors
var (
	// ErrNotFound is the root of every lookup failure.
	ErrNotFound = errors.New("not found")
	// ErrProgressNotFound means the user has not started the course.
	ErrProgressNotFound = fmt.Errorf("progress %w", ErrNotFound)
	// ErrCourseNotFound means there is no scenario for the course.
	ErrCourseNotFound = fmt.Errorf("course %w", ErrNotFound)
	// ErrSessionNotFound means the position points at a session the scenario lacks.
	ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)
	// ErrBlockNotFound means a block index or id does not resolve within its session.
	ErrBlockNotFound = fmt.Errorf("block %w", ErrNotFound)
	// ErrProtocolViolation means the caller acted on a block that is not the current one.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrAlreadyStarted means the user already has a position in the course.
	ErrAlreadyStarted = errors.New("course already started")
	// ErrConcurrentUpdate means another request changed the position first.
	ErrConcurrentUpdate = errors.New("concurrent update")
)

// ScenarioLoader returns the scenario of a course, or (nil, nil) when it has none.
type ScenarioLoader interface {
	Load(ctx context.Context, courseID uuid.UUID) (*models.Scenario, error)
}

// PositionStore persists user positions.
type PositionStore interface {
	CreatePosition(ctx context.Context, p models.UserPosition) error
	GetPosition(ctx context.Context, userID, courseID uuid.UUID) (*models.UserPosition, error)
	SavePosition(ctx context.Context, p *models.UserPosition) error
	ListPositions(ctx context.Context, userID uuid.UUID) ([]models.UserPosition, error)
}

// Opts holds configuration options for the Engine.
type Opts struct {
	Clock func() time.Time
}

// Option defines a function that configures the Engine.
type Option func(*Opts)

// WithClock replaces time.Now. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = clock
	}
}

// Engine is the course state machine. It holds no per-user state and is safe for
// concurrent use.
type Engine struct {
	scenarios ScenarioLoader
	positions PositionStore
	handlers  *handler.Registry
	now       func() time.Time
}

// New creates an Engine.
func New(scenarios ScenarioLoader, positions PositionStore, handlers *handler.Registry, opts ...Option) *Engine {
	o := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{scenarios: scenarios, positions: positions, handlers: handlers, now: o.Clock}
}

// cursor is a loaded position resolved against its scenario. session and block are nil
// once the course is finished.
type cursor struct {
	scenario *models.Scenario
	pos      *models.UserPosition
	session  *models.Session
	block    *models.Block
}

func (c *cursor) finished() bool {
	return c.session == nil
}

func (e *Engine) loadScenario(ctx context.Context, courseID uuid.UUID) (*models.Scenario, error) {
	sc, err := e.scenarios.Load(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load scenario for course %s: %w", courseID, err)
	}
	if sc == nil {
		return nil, fmt.Errorf("%w: %s", ErrCourseNotFound, courseID)
	}
	return sc, nil
}

// load reads the scenario and position and resolves the current block. A position that
// has never been used is pointed at the first session in memory only.
func (e *Engine) load(ctx context.Context, userID, courseID uuid.UUID) (*cursor, error) {
	sc, err := e.loadScenario(ctx, courseID)
	if err != nil {
		return nil, err
	}
	pos, err := e.positions.GetPosition(ctx, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	if pos == nil {
		return nil, fmt.Errorf("%w: user %s course %s", ErrProgressNotFound, userID, courseID)
	}

	c := &cursor{scenario: sc, pos: pos}
	if pos.CurrentSessionID == nil {
		if pos.IsCompleted {
			return c, nil
		}
		first := sc.FirstSessionID()
		pos.CurrentSessionID = &first
		pos.CurrentBlockIndex = 0
		slog.Debug("Engine.load: initializing position to first session", "userID", userID, "courseID", courseID, "sessionID", first)
	}

	session, ok := sc.Session(*pos.CurrentSessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, *pos.CurrentSessionID)
	}
	if pos.CurrentBlockIndex < 0 || pos.CurrentBlockIndex >= len(session.Blocks) {
		return nil, fmt.Errorf("%w: session %q has no block at index %d", ErrBlockNotFound, session.ID, pos.CurrentBlockIndex)
	}
	c.session = session
	c.block = &session.Blocks[pos.CurrentBlockIndex]
	return c, nil
}

// dispatch runs the handler of the cursor's block.
func (e *Engine) dispatch(ctx context.Context, userID uuid.UUID, c *cursor, input json.RawMessage) (*models.BlockResult, error) {
	h, err := e.handlers.Lookup(c.block.Type)
	if err != nil {
		return nil, err
	}
	ctx = handler.WithUserID(ctx, userID.String())
	if prompt := gjson.GetBytes(c.scenario.Meta, "system_prompt"); prompt.Type == gjson.String {
		ctx = handler.WithCourseSystemPrompt(ctx, prompt.Str)
	}
	res := h.Handle(ctx, *c.block, c.pos.UserData, input)
	return &res, nil
}

// GetCurrentBlock presents the user's current block. It returns (nil, nil) when the
// course is finished. Nothing is persisted.
func (e *Engine) GetCurrentBlock(ctx context.Context, userID, courseID uuid.UUID) (*models.BlockResult, error) {
	slog.Debug("Engine.GetCurrentBlock: invoked", "userID", userID, "courseID", courseID)
	c, err := e.load(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	if c.finished() {
		slog.Debug("Engine.GetCurrentBlock: course finished", "userID", userID, "courseID", courseID)
		return nil, nil
	}
	return e.dispatch(ctx, userID, c, nil)
}

// SubmitBlockInput hands input to the current block. blockID must name the current block.
// The position advances only when the handler reports the block complete.
func (e *Engine) SubmitBlockInput(ctx context.Context, userID, courseID uuid.UUID, blockID string, input json.RawMessage) (*models.BlockResult, error) {
	slog.Debug("Engine.SubmitBlockInput: invoked", "userID", userID, "courseID", courseID, "blockID", blockID)
	c, err := e.load(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	if c.finished() {
		return nil, fmt.Errorf("%w: course %s is already completed", ErrProtocolViolation, courseID)
	}
	if c.block.ID != blockID {
		slog.Warn("Engine.SubmitBlockInput: block is not current", "userID", userID, "courseID", courseID, "blockID", blockID, "currentBlockID", c.block.ID)
		return nil, fmt.Errorf("%w: block %q is not the current block %q", ErrProtocolViolation, blockID, c.block.ID)
	}

	res, err := e.dispatch(ctx, userID, c, input)
	if err != nil {
		return nil, err
	}

	if !res.IsComplete {
		if res.Error == "" && !res.UpdatedUserData.IsAbsent() && !res.UpdatedUserData.Equal(c.pos.UserData) {
			c.pos.UserData = res.UpdatedUserData
			c.pos.LastActivityAt = e.now()
			c.pos.UpdatedAt = c.pos.LastActivityAt
			if err := e.save(ctx, c.pos); err != nil {
				return nil, err
			}
			slog.Debug("Engine.SubmitBlockInput: saved user data for incomplete block", "userID", userID, "courseID", courseID, "blockID", blockID)
		}
		return res, nil
	}

	if err := e.advance(c, res.NextBlockID, res.UpdatedUserData); err != nil {
		return nil, err
	}
	if err := e.save(ctx, c.pos); err != nil {
		return nil, err
	}
	slog.Info("Engine.SubmitBlockInput: block completed", "userID", userID, "courseID", courseID, "blockID", blockID, "courseCompleted", c.pos.IsCompleted)
	return res, nil
}

// AdvanceBlock moves past the current block without running its handler and returns the
// block that is current afterwards, or nil when the course is finished.
//
// This is a fast path for blocks known to need no input (STATIC and the like). It skips
// validation, so callers must not use it for blocks that collect input.
func (e *Engine) AdvanceBlock(ctx context.Context, userID, courseID uuid.UUID) (*models.BlockResult, error) {
	slog.Debug("Engine.AdvanceBlock: invoked", "userID", userID, "courseID", courseID)
	c, err := e.load(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	if c.finished() {
		return nil, fmt.Errorf("%w: course %s is already completed", ErrProtocolViolation, courseID)
	}
	skipped := c.block.ID
	if err := e.advance(c, "", models.UserData{}); err != nil {
		return nil, err
	}
	if err := e.save(ctx, c.pos); err != nil {
		return nil, err
	}
	slog.Debug("Engine.AdvanceBlock: advanced", "userID", userID, "courseID", courseID, "fromBlockID", skipped, "courseCompleted", c.pos.IsCompleted)

	next, err := e.resolve(c.scenario, c.pos)
	if err != nil {
		return nil, err
	}
	if next.finished() {
		return nil, nil
	}
	return e.dispatch(ctx, userID, next, nil)
}

// resolve rebuilds a cursor from an in-memory position.
func (e *Engine) resolve(sc *models.Scenario, pos *models.UserPosition) (*cursor, error) {
	c := &cursor{scenario: sc, pos: pos}
	if pos.CurrentSessionID == nil {
		return c, nil
	}
	session, ok := sc.Session(*pos.CurrentSessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, *pos.CurrentSessionID)
	}
	if pos.CurrentBlockIndex >= len(session.Blocks) {
		return nil, fmt.Errorf("%w: session %q has no block at index %d", ErrBlockNotFound, session.ID, pos.CurrentBlockIndex)
	}
	c.session = session
	c.block = &session.Blocks[pos.CurrentBlockIndex]
	return c, nil
}

// advance applies a completed block to the position in memory: user data replacement,
// completion tracking, and the move to the next block or session.
func (e *Engine) advance(c *cursor, nextBlockID string, data models.UserData) error {
	pos := c.pos
	next := pos.CurrentBlockIndex + 1
	if nextBlockID != "" {
		next = c.session.IndexOf(nextBlockID)
		if next < 0 {
			return fmt.Errorf("%w: %q in session %q", ErrBlockNotFound, nextBlockID, c.session.ID)
		}
	}

	now := e.now()
	if !data.IsAbsent() {
		pos.UserData = data
	}
	pos.CompletedBlocks = models.AddUnique(pos.CompletedBlocks, models.BlockKey(c.session.ID, c.block.ID))
	pos.CurrentBlockIndex = next

	if next >= len(c.session.Blocks) {
		pos.CompletedSessions = models.AddUnique(pos.CompletedSessions, c.session.ID)
		pos.CurrentBlockIndex = 0
		if c.session.NextSession == nil {
			pos.CurrentSessionID = nil
			pos.IsCompleted = true
			pos.CompletedAt = &now
			slog.Info("Engine.advance: course completed", "userID", pos.UserID, "courseID", pos.CourseID)
		} else {
			nextSession := *c.session.NextSession
			pos.CurrentSessionID = &nextSession
			slog.Debug("Engine.advance: session completed", "userID", pos.UserID, "courseID", pos.CourseID, "sessionID", c.session.ID, "nextSessionID", nextSession)
		}
	}

	pos.CompletionPercentage = completionPercentage(pos, c.scenario)
	pos.LastActivityAt = now
	pos.UpdatedAt = now
	return nil
}

func completionPercentage(pos *models.UserPosition, sc *models.Scenario) int {
	if pos.IsCompleted {
		return 100
	}
	total := sc.TotalBlocks()
	if total == 0 {
		return 0
	}
	pct := len(pos.CompletedBlocks) * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (e *Engine) save(ctx context.Context, pos *models.UserPosition) error {
	if err := e.positions.SavePosition(ctx, pos); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("%w: %w", ErrConcurrentUpdate, err)
		}
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}
