package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/nestchat/internal/directory"
	"github.com/lalith-99/nestchat/internal/middleware"
	"github.com/lalith-99/nestchat/internal/models"
	"github.com/lalith-99/nestchat/internal/realtime"
	"github.com/lalith-99/nestchat/internal/repository"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size.
	maxMessageSize = 4096

	// Outbound queue per socket; a browser this far behind loses frames.
	outBuffer = 64
)

// StreamHandler bridges browsers to the realtime transport over a
// websocket. Each socket gets its own channel client attached on the
// caller's behalf: history replays first, live messages follow, and
// frames written by the browser are published on the channel and
// persisted to the store in one place.
type StreamHandler struct {
	store    repository.ConversationStore
	resolver directory.Resolver
	manager  *realtime.ConnManager
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewStreamHandler(
	store repository.ConversationStore,
	resolver directory.Resolver,
	manager *realtime.ConnManager,
	logger *zap.Logger,
) *StreamHandler {
	return &StreamHandler{
		store:    store,
		resolver: resolver,
		manager:  manager,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The gateway sits behind the marketplace's CORS policy;
			// token auth already gates the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// streamFrame is every frame the bridge writes to the socket.
type streamFrame struct {
	Type    string                 `json:"type"`
	Message *models.ChannelMessage `json:"message,omitempty"`
	State   string                 `json:"state,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// inboundFrame is what the browser writes: message text to send.
type inboundFrame struct {
	Content string `json:"content"`
}

// Stream handles GET /v1/chats/stream?partnerEmail=...
func (h *StreamHandler) Stream(c *gin.Context) {
	partnerEmail := c.Query("partnerEmail")
	if partnerEmail == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "partnerEmail query parameter is required"})
		return
	}

	chatH := &ChatHandler{store: h.store, resolver: h.resolver, logger: h.logger}
	pair, partner, ok := chatH.resolvePair(c, partnerEmail)
	if !ok {
		return
	}

	conv, _, err := h.store.FindOrCreate(c.Request.Context(), pair)
	if err != nil {
		h.logger.Error("failed to find or create chat", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open chat"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	caller := models.PartnerIdentity{
		UserID:  middleware.GetUserID(c),
		Name:    middleware.GetName(c),
		Email:   middleware.GetEmail(c),
		Picture: middleware.GetPicture(c),
	}

	session := &streamSession{
		handler: h,
		conn:    conn,
		caller:  caller,
		partner: *partner,
		convID:  conv.ID,
		out:     make(chan streamFrame, outBuffer),
		logger: h.logger.With(
			zap.String("channel", pair.ChannelName()),
			zap.String("user_id", caller.UserID),
		),
	}
	session.run(pair.ChannelName())
}

type streamSession struct {
	handler *StreamHandler
	conn    *websocket.Conn
	caller  models.PartnerIdentity
	partner models.PartnerIdentity
	convID  uuid.UUID
	out     chan streamFrame
	logger  *zap.Logger
}

func (s *streamSession) run(channelName string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := realtime.NewChannel(s.handler.manager, channelName, realtime.Options{
		OnMessage: func(msg models.ChannelMessage) {
			s.enqueue(streamFrame{Type: "message", Message: &msg})
		},
		OnStateChange: func(state realtime.State, err error) {
			frame := streamFrame{Type: "state", State: state.String()}
			if err != nil {
				frame.Error = err.Error()
			}
			s.enqueue(frame)
		},
	}, s.logger)
	defer channel.Detach()

	writeDone := make(chan struct{})
	go s.writePump(ctx, writeDone)

	if err := channel.Attach(ctx); err != nil {
		// The state frames already told the browser; keep the socket up
		// so it can show the connectivity banner and decide to retry by
		// reconnecting.
		s.logger.Warn("bridge attach failed", zap.Error(err))
	}

	s.readPump(ctx, channel)

	cancel()
	channel.Detach()
	_ = s.conn.Close()
	<-writeDone
}

// enqueue drops frames rather than block the channel forwarder on a
// slow socket.
func (s *streamSession) enqueue(frame streamFrame) {
	select {
	case s.out <- frame:
	default:
		s.logger.Warn("outbound frame dropped, slow websocket consumer")
	}
}

func (s *streamSession) readPump(ctx context.Context, channel *realtime.Channel) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var in inboundFrame
		if err := json.Unmarshal(raw, &in); err != nil {
			s.enqueue(streamFrame{Type: "error", Error: "malformed frame"})
			continue
		}
		s.send(ctx, channel, in.Content)
	}
}

// send mirrors the client send contract: publish live and persist
// durably, independently, with a single error frame when either leg
// fails.
func (s *streamSession) send(ctx context.Context, channel *realtime.Channel, content string) {
	content, err := repository.ValidateContent(content)
	if err != nil {
		s.enqueue(streamFrame{Type: "error", Error: err.Error()})
		return
	}

	msg := models.ChannelMessage{
		ID:            uuid.NewString(),
		Sender:        s.caller.Name,
		SenderID:      s.caller.UserID,
		SenderEmail:   s.caller.Email,
		ReceiverID:    s.partner.UserID,
		ReceiverEmail: s.partner.Email,
		Text:          content,
		Timestamp:     time.Now().UTC(),
	}

	publishErr := channel.Publish(ctx, msg)
	if publishErr != nil {
		s.logger.Warn("live publish failed", zap.Error(publishErr))
	}

	_, persistErr := s.handler.store.AppendMessage(ctx, s.convID, s.caller.UserID, content)
	if persistErr != nil {
		s.logger.Warn("message persistence failed", zap.Error(persistErr))
	}

	if publishErr != nil || persistErr != nil {
		s.enqueue(streamFrame{Type: "error", Error: "failed to send message"})
	}
}

func (s *streamSession) writePump(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Warn("websocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
