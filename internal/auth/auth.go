package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/RichardoC/teiqr/internal/config"
	"github.com/go-resty/resty/v2"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string
	Email  string
}

// Resolver turns an incoming request into an Identity. It returns
// ErrUnauthenticated when the request carries no valid session.
type Resolver interface {
	Resolve(r *http.Request) (*Identity, error)
}

// New builds the Resolver selected by cfg.Mode.
func New(cfg config.AuthConfig) (Resolver, error) {
	switch cfg.Mode {
	case "supabase":
		return NewSupabaseResolver(cfg.SupabaseURL, cfg.SupabaseAnonKey, cfg.CookieName), nil
	case "static":
		return NewStaticResolver(cfg.Tokens), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
}

// SupabaseResolver validates access tokens against a Supabase auth server.
type SupabaseResolver struct {
	client     *resty.Client
	anonKey    string
	cookieName string
}

func NewSupabaseResolver(baseURL, anonKey, cookieName string) *SupabaseResolver {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10 * time.Second)
	return &SupabaseResolver{
		client:     client,
		anonKey:    anonKey,
		cookieName: cookieName,
	}
}

type supabaseUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (s *SupabaseResolver) Resolve(r *http.Request) (*Identity, error) {
	token := tokenFrom(r, s.cookieName)
	if token == "" {
		return nil, ErrUnauthenticated
	}

	var user supabaseUser
	resp, err := s.client.R().
		SetContext(r.Context()).
		SetHeader("apikey", s.anonKey).
		SetAuthToken(token).
		SetResult(&user).
		Get("/auth/v1/user")
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to reach auth server: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized, resp.StatusCode() == http.StatusForbidden:
		return nil, ErrUnauthenticated
	case resp.IsError():
		return nil, fmt.Errorf("auth server returned %s", resp.Status())
	}
	if user.ID == "" {
		return nil, ErrUnauthenticated
	}

	return &Identity{UserID: user.ID, Email: user.Email}, nil
}

// StaticResolver maps fixed bearer tokens to user ids. It backs local
// development and tests.
type StaticResolver struct {
	tokens map[string]string
}

func NewStaticResolver(tokens map[string]string) *StaticResolver {
	return &StaticResolver{tokens: tokens}
}

func (s *StaticResolver) Resolve(r *http.Request) (*Identity, error) {
	token := tokenFrom(r, "")
	userID, ok := s.tokens[token]
	if token == "" || !ok {
		return nil, ErrUnauthenticated
	}
	return &Identity{UserID: userID}, nil
}

// tokenFrom reads the bearer token from the Authorization header, falling
// back to the named session cookie.
func tokenFrom(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	if cookieName == "" {
		return ""
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}
