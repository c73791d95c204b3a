// Package memory implements the conversation store in process memory.
// It backs STORE=memory development mode and the test suites, honoring
// the same contract as the postgres stores — including atomic
// find-or-create under concurrent first contact.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalith-99/nestchat/internal/apperr"
	"github.com/lalith-99/nestchat/internal/models"
	"github.com/lalith-99/nestchat/internal/pairkey"
	"github.com/lalith-99/nestchat/internal/repository"
)

type ConversationStore struct {
	mu        sync.Mutex
	byPairKey map[string]*models.Conversation
	byID      map[uuid.UUID]*models.Conversation
	messages  map[uuid.UUID][]models.Message
	nextMsgID int64
	lastStamp time.Time
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		byPairKey: make(map[string]*models.Conversation),
		byID:      make(map[uuid.UUID]*models.Conversation),
		messages:  make(map[uuid.UUID][]models.Message),
	}
}

// now returns a monotonically non-decreasing timestamp. Wall clocks can
// step backwards; message ordering within a conversation must not.
func (s *ConversationStore) now() time.Time {
	t := time.Now().UTC()
	if !t.After(s.lastStamp) {
		t = s.lastStamp
	}
	s.lastStamp = t
	return t
}

func (s *ConversationStore) FindOrCreate(_ context.Context, pair pairkey.Pair) (*models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byPairKey[pair.Key()]; ok {
		c := *existing
		return &c, false, nil
	}

	now := s.now()
	conv := &models.Conversation{
		ID:           uuid.New(),
		PairKey:      pair.Key(),
		ParticipantA: pair.A,
		ParticipantB: pair.B,
		LastMessage:  nil,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.byPairKey[pair.Key()] = conv
	s.byID[conv.ID] = conv

	c := *conv
	return &c, true, nil
}

func (s *ConversationStore) Find(_ context.Context, pair pairkey.Pair) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.byPairKey[pair.Key()]
	if !ok {
		return nil, nil
	}
	c := *conv
	return &c, nil
}

func (s *ConversationStore) ListForParticipant(_ context.Context, userID string) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversations := make([]models.Conversation, 0)
	for _, conv := range s.byPairKey {
		if conv.HasParticipant(userID) {
			conversations = append(conversations, *conv)
		}
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
	return conversations, nil
}

func (s *ConversationStore) AppendMessage(_ context.Context, conversationID uuid.UUID, senderID, content string) (*models.Message, error) {
	content, err := repository.ValidateContent(content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.byID[conversationID]
	if !ok {
		return nil, apperr.NotFound("conversation not found")
	}
	if !conv.HasParticipant(senderID) {
		return nil, apperr.Forbidden("sender is not a participant of this conversation")
	}

	s.nextMsgID++
	msg := models.Message{
		ID:             s.nextMsgID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      s.now(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)

	preview := msg.Content
	conv.LastMessage = &preview
	conv.UpdatedAt = msg.CreatedAt

	m := msg
	return &m, nil
}

func (s *ConversationStore) History(_ context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	limit = repository.ClampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.messages[conversationID]
	start := 0
	if len(all) > limit {
		start = len(all) - limit
	}

	messages := make([]models.Message, len(all)-start)
	copy(messages, all[start:])
	return messages, nil
}

func (s *ConversationStore) UpdatePreview(_ context.Context, pair pairkey.Pair, preview string) error {
	preview, err := repository.ValidateContent(preview)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.byPairKey[pair.Key()]
	if !ok {
		return apperr.NotFound("conversation not found")
	}
	conv.LastMessage = &preview
	conv.UpdatedAt = s.now()
	return nil
}
