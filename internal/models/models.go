package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is the durable record of a two-party chat relationship.
//
// ParticipantA and ParticipantB are stored in canonical (lexicographic)
// order, and PairKey is derived from that ordering. The unique constraint
// on PairKey is what guarantees at most one conversation per pair, no
// matter which side opened the chat first or whether both opened it at
// the same time.
//
// Participant identifiers are identity-provider subjects — opaque strings,
// not UUIDs. The identity domain is external to this service.
type Conversation struct {
	ID           uuid.UUID `json:"id"`
	PairKey      string    `json:"-"`
	ParticipantA string    `json:"participant_a"`
	ParticipantB string    `json:"participant_b"`
	LastMessage  *string   `json:"last_message"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OtherParticipant returns the participant that is not userID, or ""
// if userID is not part of the conversation.
func (c *Conversation) OtherParticipant(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return ""
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID == c.ParticipantA || userID == c.ParticipantB
}

// Message is a single persisted chat message.
//
// IDs are bigserial: messages are the highest-volume table, and the
// monotonically increasing int64 doubles as the tie-breaker for display
// order when two messages share a created_at timestamp. Messages are
// immutable once written — no edits, no deletes.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// PartnerIdentity is a chat partner's display identity, resolved through
// the user directory service. One shape everywhere: the gateway, the
// conversation list, and the channel client all use this struct instead
// of assembling ad hoc maps per call site.
type PartnerIdentity struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture,omitempty"`
}

// ChannelMessage is the payload published on the realtime channel. It
// mirrors the wire shape the web client consumes, plus an ID used to
// de-duplicate history replay against live delivery.
type ChannelMessage struct {
	ID            string    `json:"id"`
	Sender        string    `json:"sender"`
	SenderID      string    `json:"senderId"`
	SenderEmail   string    `json:"senderEmail"`
	ReceiverID    string    `json:"receiverId"`
	ReceiverEmail string    `json:"receiverEmail"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
}
