package models

import "encoding/json"

// Session is an ordered sequence of blocks with an optional pointer to the next session.
// A nil NextSession marks the last session of the course.
type Session struct {
	ID          string  `json:"id"`
	Blocks      []Block `json:"blocks"`
	NextSession *string `json:"next_session"`
}

// IndexOf returns the position of the block with the given id, or -1.
func (s *Session) IndexOf(blockID string) int {
	for i := range s.Blocks {
		if s.Blocks[i].ID == blockID {
			return i
		}
	}
	return -1
}

// Scenario is the immutable course document. Order lists session ids in the order they
// are declared in the source document.
type Scenario struct {
	Meta     json.RawMessage     `json:"meta,omitempty"`
	Sessions map[string]*Session `json:"sessions"`
	Order    []string            `json:"-"`
	// First is meta.sessions[0] when the document declares one, otherwise Order[0].
	First string `json:"-"`
}

// FirstSessionID returns the session a fresh position starts in.
func (sc *Scenario) FirstSessionID() string {
	if sc.First != "" {
		return sc.First
	}
	if len(sc.Order) > 0 {
		return sc.Order[0]
	}
	return ""
}

// Session looks up a session by id.
func (sc *Scenario) Session(id string) (*Session, bool) {
	s, ok := sc.Sessions[id]
	return s, ok
}

// TotalBlocks counts blocks across all sessions.
func (sc *Scenario) TotalBlocks() int {
	n := 0
	for _, s := range sc.Sessions {
		n += len(s.Blocks)
	}
	return n
}
