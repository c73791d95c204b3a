// Package chatclient is the Go client for the chat gateway. The CLI
// client and the websocket bridge use it; it is also the reference for
// what the web front end does against the same endpoints.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lalith-99/nestchat/internal/apperr"
	"github.com/lalith-99/nestchat/internal/models"
)

// TokenSource supplies bearer tokens for gateway calls. Refresh is
// invoked once when the gateway rejects a token as expired; the refresh
// flow itself (Cognito, dev secret, whatever) is the implementation's
// business.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for tokens that outlive the process.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error)   { return string(t), nil }
func (t StaticToken) Refresh(context.Context) (string, error) { return string(t), nil }

// Client calls the chat gateway over HTTP.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ChatSummary is one entry of the caller's conversation list.
type ChatSummary struct {
	ChatID      string                 `json:"chatId"`
	Partner     models.PartnerIdentity `json:"partner"`
	LastMessage *string                `json:"lastMessage"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// ChatRef identifies a created-or-found conversation and its partner.
type ChatRef struct {
	ChatID  string                 `json:"chatId"`
	Partner models.PartnerIdentity `json:"partner"`
}

// HistoryEntry is one persisted message as the gateway serves it.
type HistoryEntry struct {
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateChat finds or creates the conversation with the partner.
func (c *Client) CreateChat(ctx context.Context, partnerEmail string) (*ChatRef, error) {
	var ref ChatRef
	err := c.do(ctx, http.MethodPost, "/v1/chats", map[string]string{
		"partnerEmail": partnerEmail,
	}, &ref)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// ListChats returns the caller's conversations, newest activity first.
func (c *Client) ListChats(ctx context.Context) ([]ChatSummary, error) {
	var chats []ChatSummary
	if err := c.do(ctx, http.MethodGet, "/v1/chats/me", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// SendMessage persists a message to the partner, creating the
// conversation on first contact.
func (c *Client) SendMessage(ctx context.Context, partnerEmail, content string) (*models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodPost, "/v1/chats/messages", map[string]string{
		"partnerEmail": partnerEmail,
		"content":      content,
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// History fetches the persisted transcript with the partner, oldest
// first. An empty slice means the two have not talked yet.
func (c *Client) History(ctx context.Context, partnerEmail string) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	path := "/v1/chats/messages?partnerEmail=" + url.QueryEscape(partnerEmail)
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// UpdatePreview syncs the conversation-list preview for a message that
// arrived over the realtime channel before the gateway recorded it.
func (c *Client) UpdatePreview(ctx context.Context, partnerEmail, lastMessage string) error {
	return c.do(ctx, http.MethodPut, "/v1/chats/update", map[string]string{
		"partnerEmail": partnerEmail,
		"lastMessage":  lastMessage,
	}, nil)
}

// do performs one gateway call. An UNAUTHENTICATED response triggers
// exactly one token refresh and one retry; any second failure surfaces
// to the caller as-is.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}

	err = c.doOnce(ctx, method, path, body, out, token)
	if !apperr.Is(err, apperr.CodeUnauthenticated) {
		return err
	}

	token, refreshErr := c.tokens.Refresh(ctx)
	if refreshErr != nil {
		return apperr.Wrap(apperr.CodeUnauthenticated, "token refresh failed", refreshErr)
	}
	return c.doOnce(ctx, method, path, body, out, token)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any, out any, token string) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, "gateway request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Error == "" {
		payload.Error = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return apperr.InvalidArg(payload.Error)
	case http.StatusUnauthorized:
		return apperr.Unauthenticated(payload.Error)
	case http.StatusForbidden:
		return apperr.Forbidden(payload.Error)
	case http.StatusNotFound:
		return apperr.NotFound(payload.Error)
	default:
		return apperr.New(apperr.CodeInternal, payload.Error)
	}
}
