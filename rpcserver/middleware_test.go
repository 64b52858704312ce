package rpcserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientLimiterAllowsUpToBurstThenRejects(t *testing.T) {
	t.Parallel()

	l := newClientLimiter(1, 2)
	require.True(t, l.allow("1.2.3.4"))
	require.True(t, l.allow("1.2.3.4"))
	require.False(t, l.allow("1.2.3.4"))
}

func TestClientLimiterTracksCallersIndependently(t *testing.T) {
	t.Parallel()

	l := newClientLimiter(1, 1)
	require.True(t, l.allow("1.2.3.4"))
	require.False(t, l.allow("1.2.3.4"))
	require.True(t, l.allow("5.6.7.8"))
}

func TestClientLimiterMiddlewareReturns429OnceExhausted(t *testing.T) {
	t.Parallel()

	l := newClientLimiter(1, 1)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := l.middleware(next)

	req := httptest.NewRequest(http.MethodGet, "/v1/loans", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req)
	require.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req)
	require.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestClientIdentityPrefersForwardedFor(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", clientIdentity(req))
}

func TestClientIdentityFallsBackToRemoteAddr(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.2:4444"
	require.Equal(t, "198.51.100.2", clientIdentity(req))
}
