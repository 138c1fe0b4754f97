package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

func serve(h http.Handler, method, path, ip string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = ip + ":4000"
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type tokens map[string]uuid.UUID

func (t tokens) Authenticate(_ context.Context, token string) (uuid.UUID, error) {
	if id, ok := t[token]; ok {
		return id, nil
	}
	return uuid.Nil, apperr.Unauthorized("bad token")
}

func TestRequireUser(t *testing.T) {
	id := uuid.New()
	var seen uuid.UUID
	h := RequireUser(tokens{"good": id})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserID(r.Context())
	}))

	rec := serve(h, http.MethodGet, "/api/users/me", "10.0.0.1", http.Header{"Authorization": {"Bearer good"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, seen)

	rec = serve(h, http.MethodGet, "/api/users/me", "10.0.0.1", http.Header{"Authorization": {"Bearer nope"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"unauthorized"`)

	rec = serve(h, http.MethodGet, "/api/users/me", "10.0.0.1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGlobalRateLimitIsPerIP(t *testing.T) {
	h := GlobalRateLimit(NewLimiters(rate.Every(time.Hour), 2))(ok)

	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, "/", "10.0.0.1", nil).Code)
	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, "/", "10.0.0.1", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodGet, "/", "10.0.0.1", nil).Code)
	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, "/", "10.0.0.2", nil).Code)
}

func TestLoginRateLimitOnlyOnSignIn(t *testing.T) {
	h := LoginRateLimit(NewLimiters(rate.Every(time.Hour), 1))(ok)

	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "/api/auth/login", "10.0.0.1", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodPost, "/api/auth/login", "10.0.0.1", nil).Code)
	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, "/api/users/me", "10.0.0.1", nil).Code)
}

func TestHistoryRateLimitFavoursAuthenticated(t *testing.T) {
	h := HistoryRateLimit(NewHistoryLimiters())(ok)
	path := "/api/conversations/" + uuid.NewString() + "/messages"
	bearer := http.Header{"Authorization": {"Bearer t"}}

	for i := 0; i < historyAnonBurst; i++ {
		require.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, path, "10.0.0.1", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodGet, path, "10.0.0.1", nil).Code)
	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, path, "10.0.0.1", bearer).Code)
	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, "/api/conversations", "10.0.0.1", nil).Code)
}

func TestLimitersSweepDropsIdle(t *testing.T) {
	l := NewLimiters(rate.Every(time.Hour), 1)
	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))

	l.sweep(time.Now().Add(limiterTTL + time.Minute))
	assert.True(t, l.Allow("a"), "a swept bucket starts full")
}

func TestCodeRateLimitBlocksAbuse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	h := CodeRateLimit(client, zap.NewNop())(ok)

	for i := 0; i < CodeRateMaxRequests; i++ {
		require.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "/api/auth/code", "10.0.0.1", nil).Code)
	}
	rec := serve(h, http.MethodPost, "/api/auth/code", "10.0.0.1", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "/api/auth/code", "10.0.0.2", nil).Code)

	mr.FastForward(CodeRateWindow + time.Second)
	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "/api/auth/code", "10.0.0.1", nil).Code)

	for i := 0; i < 2*CodeRateMaxRequests; i++ {
		serve(h, http.MethodPost, "/api/auth/code", "10.0.0.1", nil)
	}
	assert.True(t, mr.Exists(BlockedIPKeyPrefix+"10.0.0.1"))
	mr.FastForward(CodeRateWindow + time.Second)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodPost, "/api/auth/code", "10.0.0.1", nil).Code, "still blocked")
}

func TestCodeRateLimitFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	h := CodeRateLimit(client, zap.NewNop())(ok)
	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "/api/auth/code", "10.0.0.1", nil).Code)
}
