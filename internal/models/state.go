// Package models defines course position structures for CoursePipe.
package models

import (
	"time"

	"github.com/google/uuid"
)

// UserPosition is the persisted cursor of one user in one course, plus the user data
// accumulated so far and completion tracking. There is at most one per (UserID, CourseID).
type UserPosition struct {
	ID                   uuid.UUID  `json:"id"`
	UserID               uuid.UUID  `json:"userId"`
	CourseID             uuid.UUID  `json:"courseId"`
	CurrentSessionID     *string    `json:"currentSessionId"` // nil until first access, and again once the course is finished
	CurrentBlockIndex    int        `json:"currentBlockIndex"`
	UserData             UserData   `json:"userData"`
	CompletedSessions    []string   `json:"completedSessions"`
	CompletedBlocks      []string   `json:"completedBlocks"` // "sessionId:blockId"
	CompletionPercentage int        `json:"completionPercentage"`
	IsCompleted          bool       `json:"isCompleted"`
	Version              int64      `json:"version"` // optimistic concurrency token, bumped on every save
	StartedAt            time.Time  `json:"startedAt"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
	LastActivityAt       time.Time  `json:"lastActivityAt"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// NewUserPosition creates a fresh position with empty user data at index 0.
func NewUserPosition(userID, courseID uuid.UUID, now time.Time) UserPosition {
	return UserPosition{
		ID:                uuid.New(),
		UserID:            userID,
		CourseID:          courseID,
		CurrentBlockIndex: 0,
		UserData:          NewUserData(),
		CompletedSessions: []string{},
		CompletedBlocks:   []string{},
		StartedAt:         now,
		LastActivityAt:    now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Clone returns a deep copy so a caller can mutate it without touching the original.
func (p UserPosition) Clone() UserPosition {
	out := p
	if p.CurrentSessionID != nil {
		s := *p.CurrentSessionID
		out.CurrentSessionID = &s
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		out.CompletedAt = &t
	}
	out.CompletedSessions = append([]string(nil), p.CompletedSessions...)
	out.CompletedBlocks = append([]string(nil), p.CompletedBlocks...)
	return out
}

// BlockKey builds the completedBlocks key for a block.
func BlockKey(sessionID, blockID string) string {
	return sessionID + ":" + blockID
}

// AddUnique appends s to list unless already present.
func AddUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// Subscription is a user's entitlement to paywalled content.
type Subscription struct {
	UserID    string     `json:"userId"`
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// IsActiveAt reports whether the subscription grants access at t.
func (s Subscription) IsActiveAt(t time.Time) bool {
	return s.Active && (s.ExpiresAt == nil || t.Before(*s.ExpiresAt))
}
