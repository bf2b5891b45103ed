package models

import "encoding/json"

// BlockResult is what one engine call produces for the current block.
type BlockResult struct {
	BlockID   string          `json:"blockId"`
	BlockType BlockType       `json:"blockType"`
	Content   json.RawMessage `json:"content,omitempty"`
	// RequiresInput is true while the block is still waiting on the user.
	RequiresInput bool `json:"requiresInput"`
	// IsComplete is true once the block's work is finished and the engine may advance.
	IsComplete bool `json:"isComplete"`
	// NextBlockID overrides the default advance-by-one rule when non-empty.
	NextBlockID string `json:"nextBlockId,omitempty"`
	// UpdatedUserData is a full replacement of the user data document, not a diff.
	UpdatedUserData UserData `json:"updatedUserData"`
	// Error carries an in-band validation or provider message; the block is re-presented.
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
