package rpcserver

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
)

// middleware wraps an http.Handler with additional behavior, the plain
// net/http analog of a grpc.UnaryServerInterceptor. chainMiddleware
// applies grpc-middleware's chaining idea (outermost first) to this
// package's JSON handlers, which have no gRPC service descriptor of
// their own to attach real interceptors to.
type middleware func(http.Handler) http.Handler

func chainMiddleware(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// loggingMiddleware logs every JSON request's method, path, status, and
// duration. Never logs request or response bodies, since several carry
// passphrases, signatures, or pubkeys (spec.md §7's "signatures and
// private keys never appear in error messages" extends to access logs).
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Infof("rpcserver: %s %s -> %d (%s)", r.Method, r.URL.Path, sw.status, time.Since(start))
	})
}

// recoveryMiddleware converts a panicking handler into a 500 response
// instead of taking down the whole process, mirroring the isolation
// grpc-middleware's recovery interceptor gives gRPC handlers.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorf("rpcserver: panic handling %s %s: %v", r.Method, r.URL.Path, rec)
				writeJSON(w, http.StatusInternalServerError, errorResponse{
					Kind:    kindInternal.String(),
					Message: "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// clientLimiter token-bucket rate limits requests per caller identity,
// one bucket per client IP, kept for the server's lifetime (escrowd's
// caller set is small and operator-controlled, unlike a public API, so
// unbounded bucket growth is not a concern here the way it is for
// ratelimit.go's per-visitor cleanup). Grounded on
// josephblackelite-nhbchain/gateway/middleware/ratelimit.go's
// RateLimiter, narrowed from its per-route/per-API-key table down to
// the per-client-IP buckets rpcserver's JSON boundary needs — operators
// hit these endpoints directly, there is no tiered API-key scheme here.
type clientLimiter struct {
	ratePerSecond float64
	burst         int

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func newClientLimiter(ratePerSecond float64, burst int) *clientLimiter {
	return &clientLimiter{
		ratePerSecond: ratePerSecond,
		burst:         burst,
		visitors:      make(map[string]*rate.Limiter),
	}
}

func (l *clientLimiter) allow(clientID string) bool {
	l.mu.Lock()
	limiter, ok := l.visitors[clientID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.ratePerSecond), l.burst)
		l.visitors[clientID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// middleware rejects a request with 429 once its client identity
// exceeds the configured rate, the plain-HTTP analog of a gRPC
// interceptor-level quota.
func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIdentity(r)) {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Kind:    kindExternal.String(),
				Message: "rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIdentity extracts a caller identity to key a rate-limit bucket
// on, preferring X-Forwarded-For (escrowd typically sits behind a
// reverse proxy) and otherwise falling back to the raw remote address.
func clientIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusWriter captures the status code an http.ResponseWriter was
// written with, since the stdlib interface doesn't expose it after the
// fact.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// loggingUnaryInterceptor is the grpc-side analog of loggingMiddleware,
// applied (via grpc_middleware.ChainUnaryServer) to the health service,
// the only unary RPC this package's grpc.Server carries.
func loggingUnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	log.Debugf("rpcserver: grpc %s (%s) err=%v", info.FullMethod, time.Since(start), err)
	return resp, err
}
