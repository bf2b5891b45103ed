package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/BTreeMap/CoursePipe/internal/models"
	"github.com/BTreeMap/CoursePipe/internal/store"
)

// StartCourse creates a fresh position for the user. The first session is chosen lazily
// on first access so a scenario edited in between is still honored.
func (e *Engine) StartCourse(ctx context.Context, userID, courseID uuid.UUID) (*models.UserPosition, error) {
	if _, err := e.loadScenario(ctx, courseID); err != nil {
		return nil, err
	}
	pos := models.NewUserPosition(userID, courseID, e.now())
	if err := e.positions.CreatePosition(ctx, pos); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: user %s course %s", ErrAlreadyStarted, userID, courseID)
		}
		return nil, fmt.Errorf("failed to create position: %w", err)
	}
	slog.Info("Engine.StartCourse: course started", "userID", userID, "courseID", courseID)
	return &pos, nil
}

// GetProgress returns the user's position in a course.
func (e *Engine) GetProgress(ctx context.Context, userID, courseID uuid.UUID) (*models.UserPosition, error) {
	pos, err := e.positions.GetPosition(ctx, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	if pos == nil {
		return nil, fmt.Errorf("%w: user %s course %s", ErrProgressNotFound, userID, courseID)
	}
	return pos, nil
}

// ListProgress returns every position of the user, most recently active first. With
// activeOnly set, completed courses are left out.
func (e *Engine) ListProgress(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]models.UserPosition, error) {
	all, err := e.positions.ListPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	if !activeOnly {
		return all, nil
	}
	out := make([]models.UserPosition, 0, len(all))
	for _, p := range all {
		if !p.IsCompleted {
			out = append(out, p)
		}
	}
	return out, nil
}

// UpdateUserData writes user data outside of block handling. With merge set, the keys of
// data are laid over the stored document; otherwise data replaces it.
func (e *Engine) UpdateUserData(ctx context.Context, userID, courseID uuid.UUID, data models.UserData, merge bool) (*models.UserPosition, error) {
	pos, err := e.GetProgress(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	next := data
	if merge {
		if next, err = pos.UserData.Merge(data); err != nil {
			return nil, fmt.Errorf("failed to merge user data: %w", err)
		}
	}
	if next.IsAbsent() {
		next = models.NewUserData()
	}
	pos.UserData = next
	pos.LastActivityAt = e.now()
	pos.UpdatedAt = pos.LastActivityAt
	if err := e.save(ctx, pos); err != nil {
		return nil, err
	}
	slog.Debug("Engine.UpdateUserData: user data updated", "userID", userID, "courseID", courseID, "merge", merge)
	return pos, nil
}
