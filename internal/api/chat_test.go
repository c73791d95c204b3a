package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/nestchat/internal/apperr"
	"github.com/lalith-99/nestchat/internal/auth"
	"github.com/lalith-99/nestchat/internal/models"
	"github.com/lalith-99/nestchat/internal/realtime"
	"github.com/lalith-99/nestchat/internal/repository/memory"
	"github.com/lalith-99/nestchat/internal/transport"
)

const testSecret = "test-secret"

// stubResolver is an in-memory user directory with per-id failure
// injection for the partial-failure tests.
type stubResolver struct {
	byEmail map[string]models.PartnerIdentity
	byID    map[string]models.PartnerIdentity
	failIDs map[string]bool
}

func newStubResolver(users ...models.PartnerIdentity) *stubResolver {
	r := &stubResolver{
		byEmail: make(map[string]models.PartnerIdentity),
		byID:    make(map[string]models.PartnerIdentity),
		failIDs: make(map[string]bool),
	}
	for _, u := range users {
		r.byEmail[u.Email] = u
		r.byID[u.UserID] = u
	}
	return r
}

func (r *stubResolver) ResolveByEmail(_ context.Context, email string) (*models.PartnerIdentity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if u, ok := r.byEmail[email]; ok {
		return &u, nil
	}
	return nil, apperr.NotFound("user not found in directory")
}

func (r *stubResolver) ResolveByID(_ context.Context, userID string) (*models.PartnerIdentity, error) {
	if r.failIDs[userID] {
		return nil, apperr.Unavailable("directory lookup failed")
	}
	if u, ok := r.byID[userID]; ok {
		return &u, nil
	}
	return nil, apperr.NotFound("user not found in directory")
}

var (
	userX = models.PartnerIdentity{UserID: "u1", Name: "Buyer X", Email: "x@example.com"}
	userY = models.PartnerIdentity{UserID: "u2", Name: "Advertiser Y", Email: "y@example.com", Picture: "https://cdn.example.com/y.png"}
	userZ = models.PartnerIdentity{UserID: "u3", Name: "Advertiser Z", Email: "z@example.com"}
)

type testEnv struct {
	router   *gin.Engine
	store    *memory.ConversationStore
	resolver *stubResolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewConversationStore()
	resolver := newStubResolver(userX, userY, userZ)
	logger := zap.NewNop()

	manager := realtime.NewConnManager(func(context.Context) (transport.Transport, error) {
		return transport.NewMemTransport(), nil
	})

	chats := NewChatHandler(store, resolver, logger)
	stream := NewStreamHandler(store, resolver, manager, logger)

	return &testEnv{
		router:   NewRouter(testSecret, chats, stream),
		store:    store,
		resolver: resolver,
	}
}

func bearerFor(t *testing.T, u models.PartnerIdentity) string {
	t.Helper()
	token, err := auth.GenerateToken(u.UserID, u.Email, u.Name, testSecret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func (e *testEnv) request(t *testing.T, method, path, body string, as models.PartnerIdentity) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", bearerFor(t, as))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/chats/me", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateChat(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/v1/chats", `{"partnerEmail":"y@example.com"}`, userX)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		ChatID  string                 `json:"chatId"`
		Partner models.PartnerIdentity `json:"partner"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ChatID)
	assert.Equal(t, userY, created.Partner)

	// The same pair from the other side finds the same conversation.
	w = env.request(t, http.MethodPost, "/v1/chats", `{"partnerEmail":"x@example.com"}`, userY)
	require.Equal(t, http.StatusOK, w.Code)
	var found struct {
		ChatID string `json:"chatId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &found))
	assert.Equal(t, created.ChatID, found.ChatID)
}

func TestCreateChatRejectsUnknownPartnerAndSelf(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/v1/chats", `{"partnerEmail":"ghost@example.com"}`, userX)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.request(t, http.MethodPost, "/v1/chats", `{"partnerEmail":"x@example.com"}`, userX)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFirstContactScenario(t *testing.T) {
	env := newTestEnv(t)

	// X messages advertiser Y for the first time.
	w := env.request(t, http.MethodPost, "/v1/chats/messages",
		`{"partnerEmail":"y@example.com","content":"Is this available?"}`, userX)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var msg models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, "Is this available?", msg.Content)

	// The transcript now has exactly that one message.
	w = env.request(t, http.MethodGet, "/v1/chats/messages?partnerEmail=y@example.com", "", userX)
	require.Equal(t, http.StatusOK, w.Code)

	var entries []historyEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].SenderID)
	assert.Equal(t, "Is this available?", entries[0].Content)
}

func TestReplyUpdatesConversationList(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/v1/chats/messages",
		`{"partnerEmail":"y@example.com","content":"Is this available?"}`, userX)
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.request(t, http.MethodPost, "/v1/chats/messages",
		`{"partnerEmail":"x@example.com","content":"Yes, come see it Saturday."}`, userY)
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.request(t, http.MethodGet, "/v1/chats/me", "", userX)
	require.Equal(t, http.StatusOK, w.Code)

	var chats []chatSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chats))
	require.Len(t, chats, 1)
	require.NotNil(t, chats[0].LastMessage)
	assert.Equal(t, "Yes, come see it Saturday.", *chats[0].LastMessage)
	assert.Equal(t, userY, *chats[0].Partner)
}

func TestSendMessageValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/v1/chats/messages",
		`{"partnerEmail":"y@example.com","content":"   "}`, userX)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(t, http.MethodPost, "/v1/chats/messages",
		`{"partnerEmail":"ghost@example.com","content":"hello"}`, userX)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistoryEmptyForNewPair(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/v1/chats/messages?partnerEmail=y@example.com", "", userX)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()),
		"a pair that never talked gets an empty array, not an error")
}

func TestHistoryOrder(t *testing.T) {
	env := newTestEnv(t)

	for _, content := range []string{"one", "two", "three"} {
		w := env.request(t, http.MethodPost, "/v1/chats/messages",
			`{"partnerEmail":"y@example.com","content":"`+content+`"}`, userX)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	// Both sides see the same transcript in send order.
	for _, viewer := range []struct {
		as      models.PartnerIdentity
		partner string
	}{
		{userX, "y@example.com"},
		{userY, "x@example.com"},
	} {
		w := env.request(t, http.MethodGet, "/v1/chats/messages?partnerEmail="+viewer.partner, "", viewer.as)
		require.Equal(t, http.StatusOK, w.Code)
		var entries []historyEntry
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
		require.Len(t, entries, 3)
		assert.Equal(t, "one", entries[0].Content)
		assert.Equal(t, "three", entries[2].Content)
	}
}

func TestUpdatePreview(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPut, "/v1/chats/update",
		`{"partnerEmail":"y@example.com","lastMessage":"seen via realtime"}`, userX)
	assert.Equal(t, http.StatusNotFound, w.Code, "no conversation yet")

	w = env.request(t, http.MethodPost, "/v1/chats/messages",
		`{"partnerEmail":"y@example.com","content":"hello"}`, userX)
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.request(t, http.MethodPut, "/v1/chats/update",
		`{"partnerEmail":"y@example.com","lastMessage":"seen via realtime"}`, userX)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodGet, "/v1/chats/me", "", userX)
	var chats []chatSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chats))
	require.Len(t, chats, 1)
	require.NotNil(t, chats[0].LastMessage)
	assert.Equal(t, "seen via realtime", *chats[0].LastMessage)
}

func TestPartnerLookupFailureIsIsolated(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/v1/chats/messages",
		`{"partnerEmail":"y@example.com","content":"hi Y"}`, userX)
	require.Equal(t, http.StatusCreated, w.Code)
	w = env.request(t, http.MethodPost, "/v1/chats/messages",
		`{"partnerEmail":"z@example.com","content":"hi Z"}`, userX)
	require.Equal(t, http.StatusCreated, w.Code)

	// Y's directory record becomes unavailable; the list still returns
	// both conversations, Y degraded to a placeholder.
	env.resolver.failIDs["u2"] = true

	w = env.request(t, http.MethodGet, "/v1/chats/me", "", userX)
	require.Equal(t, http.StatusOK, w.Code)

	var chats []chatSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chats))
	require.Len(t, chats, 2)

	byPartnerID := make(map[string]chatSummary)
	for _, chat := range chats {
		byPartnerID[chat.Partner.UserID] = chat
	}
	assert.Equal(t, "Unknown", byPartnerID["u2"].Partner.Name)
	assert.Equal(t, "unknown@email.com", byPartnerID["u2"].Partner.Email)
	assert.Equal(t, "Advertiser Z", byPartnerID["u3"].Partner.Name)
}
