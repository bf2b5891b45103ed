package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BTreeMap/CoursePipe/internal/models"
)

// StaticHandler shows the block's messages and completes immediately.
type StaticHandler struct{}

// Type implements Handler.
func (StaticHandler) Type() models.BlockType { return models.BlockTypeStatic }

// Handle implements Handler.
func (StaticHandler) Handle(ctx context.Context, block models.Block, data models.UserData, input json.RawMessage) models.BlockResult {
	slog.Debug("StaticHandler.Handle: processing block", "blockID", block.ID)
	res := completed(block, data)
	res.Content = nil
	if cfg, ok := block.Config.(models.StaticConfig); ok && len(cfg.Messages) > 0 {
		res.Content = cfg.Messages
	}
	return res
}

// PassthroughHandler returns the block config as content and completes immediately. It
// serves EXERCISE, VISUALIZATION and SESSION_COMPLETE, whose interaction happens entirely
// on the client.
type PassthroughHandler struct {
	kind models.BlockType
}

// NewPassthroughHandler creates a passthrough handler for kind.
func NewPassthroughHandler(kind models.BlockType) PassthroughHandler {
	return PassthroughHandler{kind: kind}
}

// Type implements Handler.
func (h PassthroughHandler) Type() models.BlockType { return h.kind }

// Handle implements Handler.
func (h PassthroughHandler) Handle(ctx context.Context, block models.Block, data models.UserData, input json.RawMessage) models.BlockResult {
	slog.Debug("PassthroughHandler.Handle: processing block", "type", h.kind, "blockID", block.ID)
	return completed(block, data)
}

// PaywallHandler lets entitled users through and holds everyone else on the pricing content.
type PaywallHandler struct {
	entitlements Entitlements
}

// NewPaywallHandler creates a paywall handler. A nil Entitlements treats every user as
// not entitled.
func NewPaywallHandler(e Entitlements) *PaywallHandler {
	return &PaywallHandler{entitlements: e}
}

// Type implements Handler.
func (h *PaywallHandler) Type() models.BlockType { return models.BlockTypePaywall }

// Handle implements Handler.
func (h *PaywallHandler) Handle(ctx context.Context, block models.Block, data models.UserData, input json.RawMessage) models.BlockResult {
	if h.entitled(ctx) {
		slog.Debug("PaywallHandler.Handle: user entitled, passing paywall", "blockID", block.ID)
		res := completed(block, data)
		res.Content = nil
		return res
	}
	slog.Debug("PaywallHandler.Handle: showing paywall", "blockID", block.ID)
	return awaiting(block, data)
}

func (h *PaywallHandler) entitled(ctx context.Context) bool {
	if h.entitlements == nil {
		return false
	}
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		slog.Warn("PaywallHandler.entitled: no user id in context")
		return false
	}
	ok, err := h.entitlements.HasActiveSubscription(ctx, userID)
	if err != nil {
		slog.Error("PaywallHandler.entitled: entitlement lookup failed", "userID", userID, "error", err)
		return false
	}
	return ok
}
