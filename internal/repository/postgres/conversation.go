package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/nestchat/internal/apperr"
	"github.com/lalith-99/nestchat/internal/models"
	"github.com/lalith-99/nestchat/internal/pairkey"
	"github.com/lalith-99/nestchat/internal/repository"
)

type ConversationStore struct {
	pool *pgxpool.Pool
}

func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{pool: pool}
}

const conversationColumns = `id, pair_key, participant_a, participant_b, last_message, created_at, updated_at`

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(
		&c.ID,
		&c.PairKey,
		&c.ParticipantA,
		&c.ParticipantB,
		&c.LastMessage,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindOrCreate upserts on the pair_key unique constraint. ON CONFLICT DO
// NOTHING makes simultaneous first contact from both participants safe:
// exactly one INSERT wins, the loser's RETURNING comes back empty, and
// the follow-up SELECT picks up the winner's row.
func (s *ConversationStore) FindOrCreate(ctx context.Context, pair pairkey.Pair) (*models.Conversation, bool, error) {
	insert := `
		INSERT INTO conversations (id, pair_key, participant_a, participant_b, last_message, created_at, updated_at)
		VALUES (uuid_generate_v4(), $1, $2, $3, NULL, now(), now())
		ON CONFLICT (pair_key) DO NOTHING
		RETURNING ` + conversationColumns

	conv, err := scanConversation(s.pool.QueryRow(ctx, insert, pair.Key(), pair.A, pair.B))
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}

	conv, err = s.Find(ctx, pair)
	if err != nil {
		return nil, false, err
	}
	if conv == nil {
		// Row vanished between the conflicting insert and the re-read.
		// Conversations are never deleted in normal operation, so treat
		// it as an internal inconsistency rather than retrying forever.
		return nil, false, apperr.Internal("conversation upsert race lost twice")
	}
	return conv, false, nil
}

func (s *ConversationStore) Find(ctx context.Context, pair pairkey.Pair) (*models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE pair_key = $1`

	conv, err := scanConversation(s.pool.QueryRow(ctx, query, pair.Key()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return conv, nil
}

func (s *ConversationStore) ListForParticipant(ctx context.Context, userID string) ([]models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY updated_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(
			&c.ID,
			&c.PairKey,
			&c.ParticipantA,
			&c.ParticipantB,
			&c.LastMessage,
			&c.CreatedAt,
			&c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return conversations, nil
}

// AppendMessage runs in a transaction: the participant check, the message
// insert, and the preview update must be one atomic unit so a failed
// insert never leaves a stale preview and vice versa.
func (s *ConversationStore) AppendMessage(ctx context.Context, conversationID uuid.UUID, senderID, content string) (*models.Message, error) {
	content, err := repository.ValidateContent(content)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var participantA, participantB string
	err = tx.QueryRow(ctx,
		`SELECT participant_a, participant_b FROM conversations WHERE id = $1 FOR UPDATE`,
		conversationID,
	).Scan(&participantA, &participantB)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("conversation not found")
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if senderID != participantA && senderID != participantB {
		return nil, apperr.Forbidden("sender is not a participant of this conversation")
	}

	var msg models.Message
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING id, conversation_id, sender_id, content, created_at`,
		conversationID, senderID, content,
	).Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE conversations SET last_message = $1, updated_at = $2 WHERE id = $3`,
		msg.Content, msg.CreatedAt, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("update conversation preview: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append tx: %w", err)
	}
	return &msg, nil
}

// History returns the newest `limit` messages in oldest-first order. The
// inner query pages from the tail by id (bigserial follows insertion
// order), the outer query flips it for display.
func (s *ConversationStore) History(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	limit = repository.ClampLimit(limit)

	query := `
		SELECT id, conversation_id, sender_id, content, created_at FROM (
			SELECT id, conversation_id, sender_id, content, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY id DESC
			LIMIT $2
		) latest
		ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.SenderID,
			&msg.Content,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

func (s *ConversationStore) UpdatePreview(ctx context.Context, pair pairkey.Pair, preview string) error {
	preview, err := repository.ValidateContent(preview)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET last_message = $1, updated_at = now() WHERE pair_key = $2`,
		preview, pair.Key(),
	)
	if err != nil {
		return fmt.Errorf("update preview: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("conversation not found")
	}
	return nil
}
