package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/nestchat/internal/apperr"
)

func TestResolveByEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/users/by-email/y@example.com":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"userId":"u2","name":"Advertiser Y","email":"y@example.com","picture":"https://cdn.example.com/y.png"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/api/users", zap.NewNop())
	ctx := WithToken(context.Background(), "test-token")

	identity, err := client.ResolveByEmail(ctx, " Y@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "u2", identity.UserID)
	assert.Equal(t, "Advertiser Y", identity.Name)

	_, err = client.ResolveByEmail(ctx, "nobody@example.com")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestResolveByIDUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	_, err := client.ResolveByID(context.Background(), "u2")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUnavailable, apperr.CodeOf(err))
}

func TestResolveOrPlaceholderIsolatesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/by-id/u2" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"userId":"u2","name":"Advertiser Y","email":"y@example.com"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	ctx := context.Background()

	resolved := ResolveOrPlaceholder(ctx, client, "u2", zap.NewNop())
	assert.Equal(t, "Advertiser Y", resolved.Name)

	fallback := ResolveOrPlaceholder(ctx, client, "ghost", zap.NewNop())
	assert.Equal(t, "ghost", fallback.UserID)
	assert.Equal(t, UnknownName, fallback.Name)
	assert.Equal(t, UnknownEmail, fallback.Email)
}

func TestValidationErrors(t *testing.T) {
	client := NewClient("http://directory.invalid", zap.NewNop())

	_, err := client.ResolveByEmail(context.Background(), "   ")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))

	_, err = client.ResolveByID(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}
