package chatclient

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/nestchat/internal/apperr"
	"github.com/lalith-99/nestchat/internal/models"
	"github.com/lalith-99/nestchat/internal/pairkey"
	"github.com/lalith-99/nestchat/internal/realtime"
)

// Session is one open conversation view: a realtime channel bound to the
// canonical pair plus the gateway client for durable persistence.
type Session struct {
	channel *realtime.Channel
	gateway *Client
	self    models.PartnerIdentity
	partner models.PartnerIdentity
	logger  *zap.Logger
}

// NewSession derives the canonical channel for (self, partner) and binds
// a channel client to it. Opts carries the caller's message/state
// callbacks; timing fields left zero take the production defaults.
func NewSession(
	manager *realtime.ConnManager,
	gateway *Client,
	self, partner models.PartnerIdentity,
	opts realtime.Options,
	logger *zap.Logger,
) (*Session, error) {
	pair, err := pairkey.New(self.UserID, partner.UserID)
	if err != nil {
		return nil, err
	}

	return &Session{
		channel: realtime.NewChannel(manager, pair.ChannelName(), opts, logger),
		gateway: gateway,
		self:    self,
		partner: partner,
		logger:  logger,
	}, nil
}

// Open attaches the realtime channel: history replay first, then live
// messages, both delivered through the session's OnMessage callback.
// Cancelling ctx is the teardown signal for the whole session.
func (s *Session) Open(ctx context.Context) error {
	return s.channel.Attach(ctx)
}

// Close detaches the channel and releases the shared connection
// reference. Idempotent.
func (s *Session) Close() {
	s.channel.Detach()
}

// Messages returns the merged transcript, oldest first.
func (s *Session) Messages() []models.ChannelMessage {
	return s.channel.Messages()
}

// State reports the channel lifecycle state.
func (s *Session) State() realtime.State {
	return s.channel.State()
}

// Send publishes the message on the live channel and persists it via the
// gateway. The two legs are independent: a publish failure must not
// block persistence and vice versa. Either failure surfaces as a single
// send error; per-leg details stay in the wrapped error and the log.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return apperr.InvalidArg("message content is required")
	}

	msg := models.ChannelMessage{
		ID:            uuid.NewString(),
		Sender:        s.self.Name,
		SenderID:      s.self.UserID,
		SenderEmail:   s.self.Email,
		ReceiverID:    s.partner.UserID,
		ReceiverEmail: s.partner.Email,
		Text:          text,
		Timestamp:     time.Now().UTC(),
	}

	publishErr := s.channel.Publish(ctx, msg)
	if publishErr != nil {
		s.logger.Warn("live publish failed", zap.Error(publishErr))
	}

	_, persistErr := s.gateway.SendMessage(ctx, s.partner.Email, text)
	if persistErr != nil {
		s.logger.Warn("message persistence failed", zap.Error(persistErr))
	}

	if publishErr != nil || persistErr != nil {
		return apperr.Wrap(apperr.CodeUnavailable, "failed to send message",
			errors.Join(publishErr, persistErr))
	}
	return nil
}
