package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/RichardoC/teiqr/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSupabaseStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" || r.Header.Get("apikey") != "anon" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"user-1","email":"ada@example.com"}`))
		case "Bearer broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"msg":"invalid JWT"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSupabaseResolver(t *testing.T) {
	srv := newSupabaseStub(t)
	resolver := NewSupabaseResolver(srv.URL+"/", "anon", "sb-access-token")

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		req.Header.Set("Authorization", "Bearer good")

		id, err := resolver.Resolve(req)
		require.NoError(t, err)
		assert.Equal(t, "user-1", id.UserID)
		assert.Equal(t, "ada@example.com", id.Email)
	})

	t.Run("session cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		req.AddCookie(&http.Cookie{Name: "sb-access-token", Value: "good"})

		id, err := resolver.Resolve(req)
		require.NoError(t, err)
		assert.Equal(t, "user-1", id.UserID)
	})

	t.Run("rejected token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		req.Header.Set("Authorization", "Bearer expired")

		_, err := resolver.Resolve(req)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("no credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)

		_, err := resolver.Resolve(req)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("auth server failure", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		req.Header.Set("Authorization", "Bearer broken")

		_, err := resolver.Resolve(req)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnauthenticated)
	})
}

func TestStaticResolver(t *testing.T) {
	resolver := NewStaticResolver(map[string]string{"dev-token": "dev-user"})

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "bearer dev-token")
	id, err := resolver.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "dev-user", id.UserID)

	req = httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Basic dev-token")
	_, err = resolver.Resolve(req)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestNew(t *testing.T) {
	r, err := New(config.AuthConfig{Mode: "static", Tokens: map[string]string{"t": "u"}})
	require.NoError(t, err)
	assert.IsType(t, &StaticResolver{}, r)

	r, err = New(config.AuthConfig{Mode: "supabase", SupabaseURL: "http://localhost"})
	require.NoError(t, err)
	assert.IsType(t, &SupabaseResolver{}, r)

	_, err = New(config.AuthConfig{Mode: "ldap"})
	assert.Error(t, err)
}
