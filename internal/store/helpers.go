package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/BTreeMap/CoursePipe/internal/models"
)

// positionColumns is the column list shared by every position query.
const positionColumns = `id, user_id, course_id, current_session_id, current_block_index, user_data,
	completed_sessions, completed_blocks, completion_percentage, is_completed, version,
	started_at, completed_at, last_activity_at, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is nil or empty, otherwise returns *s.
// Used for nullable database columns.
func nilIfEmpty(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

// encodeList marshals a string list for a JSON/TEXT column, never producing null.
func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// userDataText encodes a user data document for storage, writing {} for an absent one.
func userDataText(d models.UserData) string {
	if d.IsAbsent() {
		return "{}"
	}
	return d.String()
}

// positionArgs flattens p into the column order of positionColumns.
func positionArgs(p *models.UserPosition) ([]interface{}, error) {
	sessions, err := encodeList(p.CompletedSessions)
	if err != nil {
		return nil, fmt.Errorf("encode completed sessions: %w", err)
	}
	blocks, err := encodeList(p.CompletedBlocks)
	if err != nil {
		return nil, fmt.Errorf("encode completed blocks: %w", err)
	}
	var completedAt interface{}
	if p.CompletedAt != nil {
		completedAt = *p.CompletedAt
	}
	return []interface{}{
		p.ID, p.UserID, p.CourseID, nilIfEmpty(p.CurrentSessionID), p.CurrentBlockIndex, userDataText(p.UserData),
		sessions, blocks, p.CompletionPercentage, p.IsCompleted, p.Version,
		p.StartedAt, completedAt, p.LastActivityAt, p.CreatedAt, p.UpdatedAt,
	}, nil
}

// scanPosition scans a UserPosition selected with positionColumns.
func scanPosition(row rowScanner) (models.UserPosition, error) {
	var p models.UserPosition
	var sessionID sql.NullString
	var userData, sessions, blocks []byte
	var completedAt sql.NullTime
	err := row.Scan(
		&p.ID, &p.UserID, &p.CourseID, &sessionID, &p.CurrentBlockIndex, &userData,
		&sessions, &blocks, &p.CompletionPercentage, &p.IsCompleted, &p.Version,
		&p.StartedAt, &completedAt, &p.LastActivityAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	if sessionID.Valid {
		s := sessionID.String
		p.CurrentSessionID = &s
	}
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	if p.UserData, err = models.ParseUserData(userData); err != nil {
		return p, fmt.Errorf("decode user data: %w", err)
	}
	if p.UserData.IsAbsent() {
		p.UserData = models.NewUserData()
	}
	p.CompletedSessions = []string{}
	if len(sessions) > 0 {
		if err := json.Unmarshal(sessions, &p.CompletedSessions); err != nil {
			return p, fmt.Errorf("decode completed sessions: %w", err)
		}
	}
	p.CompletedBlocks = []string{}
	if len(blocks) > 0 {
		if err := json.Unmarshal(blocks, &p.CompletedBlocks); err != nil {
			return p, fmt.Errorf("decode completed blocks: %w", err)
		}
	}
	return p, nil
}

// scanPositions drains rows into a slice.
func scanPositions(rows *sql.Rows) ([]models.UserPosition, error) {
	defer rows.Close()
	var out []models.UserPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position failed: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate position rows: %w", err)
	}
	return out, nil
}

// sortByActivity orders positions most recently active first.
func sortByActivity(ps []models.UserPosition) {
	sort.SliceStable(ps, func(i, j int) bool {
		return ps[i].LastActivityAt.After(ps[j].LastActivityAt)
	})
}
