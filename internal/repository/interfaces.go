package repository

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/lalith-99/nestchat/internal/apperr"
	"github.com/lalith-99/nestchat/internal/models"
	"github.com/lalith-99/nestchat/internal/pairkey"
)

// DefaultHistoryLimit caps a history page when the caller asks for
// nothing; MaxHistoryLimit caps what a caller may ask for.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// ConversationStore is the durable record of who talks to whom and what
// they said — the system of record that survives realtime transport
// outages. Postgres backs production; the memory implementation backs
// development mode and tests with the same contract.
type ConversationStore interface {
	// FindOrCreate returns the conversation for the pair, creating it
	// with a nil preview if none exists. Safe under concurrent calls
	// from both participants: implementations must upsert atomically on
	// the canonical pair key so simultaneous first contact yields one
	// record. The bool reports whether a new record was created.
	FindOrCreate(ctx context.Context, pair pairkey.Pair) (*models.Conversation, bool, error)

	// Find returns the conversation for the pair, or nil, nil when the
	// two participants have never talked.
	Find(ctx context.Context, pair pairkey.Pair) (*models.Conversation, error)

	// ListForParticipant returns all conversations containing userID,
	// most recently updated first. Empty slice, never nil.
	ListForParticipant(ctx context.Context, userID string) ([]models.Conversation, error)

	// AppendMessage validates that senderID is a participant and that
	// content is non-empty after trimming, persists the message, and
	// updates the conversation's preview and updated_at in the same
	// operation. Returns NOT_FOUND for an unknown conversation and
	// PERMISSION_DENIED for a non-participant sender.
	AppendMessage(ctx context.Context, conversationID uuid.UUID, senderID, content string) (*models.Message, error)

	// History returns messages oldest to newest, capped at limit
	// (DefaultHistoryLimit if limit <= 0).
	History(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error)

	// UpdatePreview overwrites the conversation's last-message preview.
	// Used when the realtime path delivered a message the gateway has
	// not recorded yet, to keep conversation-list previews in sync.
	UpdatePreview(ctx context.Context, pair pairkey.Pair, preview string) error
}

// ValidateContent trims and validates message content. Shared by every
// store backend so the empty-message rule cannot drift between them.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", apperr.InvalidArg("message content is required")
	}
	return content, nil
}

// ClampLimit normalizes a caller-supplied history limit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
