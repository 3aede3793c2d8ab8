package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/auth"
	"github.com/iliyamo/realtime-chat/internal/config"
	"github.com/iliyamo/realtime-chat/internal/ratelimit"
)

type stubAuth map[string]auth.Identity

func (s stubAuth) Authenticate(_ context.Context, raw string) (auth.Identity, error) {
	id, ok := s[raw]
	if !ok {
		return auth.Identity{}, apperr.New(apperr.Unauthenticated, "invalid credential")
	}
	return id, nil
}

func serve(e *echo.Echo, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuthAndRole(t *testing.T) {
	a := stubAuth{
		"user-token":  {UserID: "u1", Role: "user", TokenVersion: 2},
		"admin-token": {UserID: "u2", Role: "admin"},
	}
	e := echo.New()
	e.GET("/me", func(c echo.Context) error {
		return c.String(http.StatusOK, userID(c))
	}, JWTAuth(a))
	e.GET("/admin", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, JWTAuth(a), RequireRole("admin"))

	cases := []struct {
		name, path, token string
		code              int
	}{
		{"missing", "/me", "", http.StatusUnauthorized},
		{"invalid", "/me", "nope", http.StatusUnauthorized},
		{"valid", "/me", "user-token", http.StatusOK},
		{"wrong role", "/admin", "user-token", http.StatusForbidden},
		{"admin", "/admin", "admin-token", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(e, http.MethodGet, tc.path, tc.token)
			if rec.Code != tc.code {
				t.Fatalf("code = %d, want %d", rec.Code, tc.code)
			}
			if tc.name == "valid" && rec.Body.String() != "u1" {
				t.Fatalf("user id = %q", rec.Body.String())
			}
		})
	}
}

func TestTokenBucketBlocks(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled:         true,
		HTTP:            config.BucketConfig{Capacity: 2, RefillTokens: 1, RefillInterval: time.Hour, TTL: 2 * time.Hour},
		HTTPKeyStrategy: "ip_route",
	}
	e := echo.New()
	e.POST("/login", func(c echo.Context) error { return c.NoContent(http.StatusOK) },
		NewTokenBucket(cfg, ratelimit.NewLocalBucket(cfg.HTTP), nil))

	for i := 0; i < 2; i++ {
		if rec := serve(e, http.MethodPost, "/login", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
	rec := serve(e, http.MethodPost, "/login", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("headers = %v", rec.Header())
	}
}

func TestTokenBucketDisabled(t *testing.T) {
	e := echo.New()
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) },
		NewTokenBucket(config.RateLimitConfig{Enabled: false}, nil, nil))
	for i := 0; i < 5; i++ {
		if rec := serve(e, http.MethodGet, "/", ""); rec.Code != http.StatusOK {
			t.Fatalf("code = %d", rec.Code)
		}
	}
}

func TestRateKeyStrategies(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/auth/login")
	c.Set("user_id", "u1")

	cases := map[string]string{
		"ip":       "ip:10.0.0.1",
		"user":     "user:u1",
		"ip_route": "ip:10.0.0.1:route:POST /v1/auth/login",
		"":         "ip:10.0.0.1:user:u1:route:POST /v1/auth/login",
	}
	for strategy, want := range cases {
		if got := buildRateKey(config.RateLimitConfig{HTTPKeyStrategy: strategy}, c); got != want {
			t.Errorf("strategy %q: key = %q, want %q", strategy, got, want)
		}
	}
}
