// Package directory resolves chat partners against the user directory
// service. All partner identification — by id or by email — funnels
// through Resolver so the lookup logic lives in exactly one place.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/nestchat/internal/apperr"
	"github.com/lalith-99/nestchat/internal/models"
)

// Placeholder identity rendered when a lookup fails. A resolution
// failure must never block message delivery or fail a conversation list.
const (
	UnknownName  = "Unknown"
	UnknownEmail = "unknown@email.com"
)

// Resolver looks up a user's display identity. Implementations return a
// NOT_FOUND coded error when the directory has no such user and an
// UNAVAILABLE coded error when the directory itself cannot be reached.
type Resolver interface {
	// ResolveByEmail maps an email to the stable user identifier and
	// profile. Emails are accepted only at the HTTP boundary; everything
	// downstream works with the resolved user id.
	ResolveByEmail(ctx context.Context, email string) (*models.PartnerIdentity, error)

	// ResolveByID fetches the profile for a known user id.
	ResolveByID(ctx context.Context, userID string) (*models.PartnerIdentity, error)
}

// Placeholder returns the fallback identity for a partner whose lookup
// failed.
func Placeholder(userID string) *models.PartnerIdentity {
	return &models.PartnerIdentity{
		UserID: userID,
		Name:   UnknownName,
		Email:  UnknownEmail,
	}
}

// Client is the HTTP implementation of Resolver against the directory
// service (GET {base}/by-email/{email} and GET {base}/by-id/{id}). The
// caller's bearer token is forwarded so the directory applies its own
// authorization.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (c *Client) ResolveByEmail(ctx context.Context, email string) (*models.PartnerIdentity, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, apperr.InvalidArg("partner email is required")
	}
	return c.fetch(ctx, c.baseURL+"/by-email/"+url.PathEscape(email))
}

func (c *Client) ResolveByID(ctx context.Context, userID string) (*models.PartnerIdentity, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.InvalidArg("user id is required")
	}
	return c.fetch(ctx, c.baseURL+"/by-id/"+url.PathEscape(userID))
}

func (c *Client) fetch(ctx context.Context, lookupURL string) (*models.PartnerIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build directory request: %w", err)
	}
	if token, ok := TokenFromContext(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, "directory lookup failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.NotFound("user not found in directory")
	case resp.StatusCode != http.StatusOK:
		return nil, apperr.Wrap(apperr.CodeUnavailable, "directory lookup failed",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var identity models.PartnerIdentity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, "decode directory response", err)
	}
	if identity.UserID == "" {
		return nil, apperr.Wrap(apperr.CodeUnavailable, "directory lookup failed",
			fmt.Errorf("response missing userId"))
	}
	return &identity, nil
}

// ResolveOrPlaceholder resolves a partner id for display, substituting
// the placeholder identity when the lookup fails. Failures are logged
// and isolated: one broken entry never fails a whole conversation list.
func ResolveOrPlaceholder(ctx context.Context, r Resolver, userID string, logger *zap.Logger) *models.PartnerIdentity {
	identity, err := r.ResolveByID(ctx, userID)
	if err != nil {
		logger.Warn("partner lookup failed, using placeholder",
			zap.String("partner_id", userID),
			zap.Error(err),
		)
		return Placeholder(userID)
	}
	return identity
}

type tokenContextKey struct{}

// WithToken stores the caller's bearer token in the context so directory
// lookups performed on the caller's behalf can forward it.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, token)
}

func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenContextKey{}).(string)
	return token, ok && token != ""
}
