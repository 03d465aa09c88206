package admin

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goodtune/apconsole/internal/metrics"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// ContextKeyUsername is the context key for username.
	ContextKeyUsername contextKey = "username"

	// ContextKeySession is the context key for session ID.
	ContextKeySession contextKey = "session_id"

	// ContextKeyWhitelistMAC is set instead of a session for clients
	// admitted by their whitelisted MAC.
	ContextKeyWhitelistMAC contextKey = "whitelist_mac"
)

// whitelistPrincipal names a client admitted through the whitelist.
const whitelistPrincipal = "whitelist:"

// SessionMiddleware admits requests carrying a live session cookie or
// coming from a whitelisted MAC, and redirects everything else to the
// login page.
func (s *Server) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if sessionID, username, ok := s.currentSession(r); ok {
			ctx = context.WithValue(ctx, ContextKeyUsername, username)
			ctx = context.WithValue(ctx, ContextKeySession, sessionID)
		} else if mac, ok := s.whitelistedClient(r); ok {
			ctx = context.WithValue(ctx, ContextKeyUsername, whitelistPrincipal+mac)
			ctx = context.WithValue(ctx, ContextKeyWhitelistMAC, mac)
		} else {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// currentSession validates the request's session cookie, refreshing it.
func (s *Server) currentSession(r *http.Request) (sessionID, username string, ok bool) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return "", "", false
	}
	username, err = s.deps.Sessions.Validate(cookie.Value)
	if err != nil {
		return "", "", false
	}
	return cookie.Value, username, true
}

// HeaderSizeMiddleware answers requests whose Cookie header exceeds limit
// with the 431 page.
func HeaderSizeMiddleware(limit int, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			size := 0
			for _, v := range r.Header.Values("Cookie") {
				size += len(v)
			}
			if size > limit {
				logger.Warn().
					Str("remote_addr", r.RemoteAddr).
					Int("cookie_bytes", size).
					Msg("Cookie header too large")
				writeHeaderTooLarge(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware creates middleware for logging HTTP requests.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
			metrics.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Int("status", wrapped.statusCode).
				Dur("duration", duration).
				Msg("Admin request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RateLimiter hands out a token bucket per client for login attempts.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	limit    rate.Limit
	burst    int
	window   time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows attempts per window for each client.
func NewRateLimiter(attempts int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		limit:    rate.Every(window / time.Duration(attempts)),
		burst:    attempts,
		window:   window,
	}
}

// Allow consumes one attempt for client.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for id, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > rl.window*2 {
			delete(rl.limiters, id)
		}
	}

	cl, ok := rl.limiters[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[client] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// clientIP strips the port from the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GetUsernameFromContext extracts the username from the request context.
func GetUsernameFromContext(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(ContextKeyUsername).(string)
	return username, ok
}

// GetWhitelistMACFromContext reports the MAC a whitelisted client was
// admitted with.
func GetWhitelistMACFromContext(ctx context.Context) (string, bool) {
	mac, ok := ctx.Value(ContextKeyWhitelistMAC).(string)
	return mac, ok
}

// GetSessionFromContext extracts the session ID from the request context.
func GetSessionFromContext(ctx context.Context) (string, bool) {
	sessionID, ok := ctx.Value(ContextKeySession).(string)
	return sessionID, ok
}
