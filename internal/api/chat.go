package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/nestchat/internal/apperr"
	"github.com/lalith-99/nestchat/internal/directory"
	"github.com/lalith-99/nestchat/internal/middleware"
	"github.com/lalith-99/nestchat/internal/models"
	"github.com/lalith-99/nestchat/internal/pairkey"
	"github.com/lalith-99/nestchat/internal/repository"
)

// ChatHandler serves the chat gateway endpoints. Participant pairs are
// always derived from the verified caller plus a resolved partner —
// never from a client-supplied conversation id — so a caller can only
// ever touch conversations they are part of.
type ChatHandler struct {
	store    repository.ConversationStore
	resolver directory.Resolver
	logger   *zap.Logger
}

func NewChatHandler(store repository.ConversationStore, resolver directory.Resolver, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{store: store, resolver: resolver, logger: logger}
}

type createChatRequest struct {
	PartnerEmail string `json:"partnerEmail" binding:"required,email"`
}

type sendMessageRequest struct {
	PartnerEmail string `json:"partnerEmail" binding:"required,email"`
	Content      string `json:"content" binding:"required"`
}

type updateChatRequest struct {
	PartnerEmail string `json:"partnerEmail" binding:"required,email"`
	LastMessage  string `json:"lastMessage" binding:"required"`
}

type chatSummary struct {
	ChatID      string                  `json:"chatId"`
	Partner     *models.PartnerIdentity `json:"partner"`
	LastMessage *string                 `json:"lastMessage"`
	UpdatedAt   time.Time               `json:"updatedAt"`
}

type historyEntry struct {
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// callerContext carries the caller's bearer token into directory
// lookups made on their behalf.
func callerContext(c *gin.Context) context.Context {
	return directory.WithToken(c.Request.Context(), middleware.GetToken(c))
}

// resolvePair resolves the partner email and derives the canonical pair
// for (caller, partner). 404 for an unresolvable partner, 400 when the
// partner is the caller.
func (h *ChatHandler) resolvePair(c *gin.Context, partnerEmail string) (pairkey.Pair, *models.PartnerIdentity, bool) {
	ctx := callerContext(c)

	partner, err := h.resolver.ResolveByEmail(ctx, partnerEmail)
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "partner user not found for email: " + partnerEmail})
		} else {
			h.logger.Error("partner resolution failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve partner"})
		}
		return pairkey.Pair{}, nil, false
	}

	pair, err := pairkey.New(middleware.GetUserID(c), partner.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot create chat with yourself"})
		return pairkey.Pair{}, nil, false
	}
	return pair, partner, true
}

// Create handles POST /v1/chats — find-or-create the conversation with
// the partner. 201 when a new conversation was created, 200 when it
// already existed.
func (h *ChatHandler) Create(c *gin.Context) {
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pair, partner, ok := h.resolvePair(c, req.PartnerEmail)
	if !ok {
		return
	}

	conv, created, err := h.store.FindOrCreate(c.Request.Context(), pair)
	if err != nil {
		h.logger.Error("failed to find or create chat", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create chat"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"chatId":  conv.ID.String(),
		"partner": partner,
	})
}

// ListMine handles GET /v1/chats/me — the caller's conversations, most
// recent activity first, each enriched with the partner's display
// identity. A failed directory lookup for one partner degrades that
// entry to a placeholder instead of failing the list.
func (h *ChatHandler) ListMine(c *gin.Context) {
	userID := middleware.GetUserID(c)

	conversations, err := h.store.ListForParticipant(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list chats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list chats"})
		return
	}

	ctx := callerContext(c)
	summaries := make([]chatSummary, 0, len(conversations))
	for _, conv := range conversations {
		partnerID := conv.OtherParticipant(userID)
		summaries = append(summaries, chatSummary{
			ChatID:      conv.ID.String(),
			Partner:     directory.ResolveOrPlaceholder(ctx, h.resolver, partnerID, h.logger),
			LastMessage: conv.LastMessage,
			UpdatedAt:   conv.UpdatedAt,
		})
	}

	c.JSON(http.StatusOK, summaries)
}

// SendMessage handles POST /v1/chats/messages — persist a message to
// the partner, creating the conversation on first contact and updating
// its preview.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pair, _, ok := h.resolvePair(c, req.PartnerEmail)
	if !ok {
		return
	}

	conv, _, err := h.store.FindOrCreate(c.Request.Context(), pair)
	if err != nil {
		h.logger.Error("failed to find or create chat", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send message"})
		return
	}

	msg, err := h.store.AppendMessage(c.Request.Context(), conv.ID, middleware.GetUserID(c), req.Content)
	if err != nil {
		h.writeStoreError(c, err, "failed to send message")
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// History handles GET /v1/chats/messages?partnerEmail= — the persisted
// transcript with the partner, oldest first. A pair that has never
// talked gets an empty array, not an error: a new chat has no history.
func (h *ChatHandler) History(c *gin.Context) {
	partnerEmail := c.Query("partnerEmail")
	if partnerEmail == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "partnerEmail query parameter is required"})
		return
	}

	pair, _, ok := h.resolvePair(c, partnerEmail)
	if !ok {
		return
	}

	conv, err := h.store.Find(c.Request.Context(), pair)
	if err != nil {
		h.logger.Error("failed to find chat", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch messages"})
		return
	}
	if conv == nil {
		c.JSON(http.StatusOK, []historyEntry{})
		return
	}

	messages, err := h.store.History(c.Request.Context(), conv.ID, repository.DefaultHistoryLimit)
	if err != nil {
		h.logger.Error("failed to fetch history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch messages"})
		return
	}

	entries := make([]historyEntry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, historyEntry{
			SenderID:  msg.SenderID,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, entries)
}

// UpdatePreview handles PUT /v1/chats/update — overwrite the
// conversation-list preview. The realtime path can deliver a message
// before the gateway records it; this keeps the list in sync.
func (h *ChatHandler) UpdatePreview(c *gin.Context) {
	var req updateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pair, _, ok := h.resolvePair(c, req.PartnerEmail)
	if !ok {
		return
	}

	if err := h.store.UpdatePreview(c.Request.Context(), pair, req.LastMessage); err != nil {
		h.writeStoreError(c, err, "failed to update chat")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Chat updated"})
}

// writeStoreError maps coded store errors to HTTP statuses; anything
// uncoded is logged and hidden behind a generic 500.
func (h *ChatHandler) writeStoreError(c *gin.Context, err error, fallback string) {
	switch apperr.CodeOf(err) {
	case apperr.CodeInvalidArgument:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperr.CodeNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case apperr.CodePermissionDenied:
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		h.logger.Error(fallback, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
