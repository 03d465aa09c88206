// Package session holds the bounded table of authenticated admin sessions.
// Sessions live only in memory and expire after a period of inactivity.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goodtune/apconsole/internal/clock"
	"github.com/goodtune/apconsole/internal/registry"
	"github.com/rs/zerolog"
)

const (
	// DefaultMax is the number of concurrent sessions allowed.
	DefaultMax = 20

	// DefaultTimeout is the inactivity period after which a session expires.
	DefaultTimeout = 30 * time.Minute

	tokenBytes  = 16
	maxAttempts = 16
)

// ErrInvalid is returned for unknown or expired session tokens.
var ErrInvalid = errors.New("session: invalid or expired")

// Session is one authenticated login.
type Session struct {
	ID           string    `json:"-"`
	Username     string    `json:"username"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Table is the session table.
type Table struct {
	mu       sync.Mutex
	sessions *registry.Ordered[string, Session]
	timeout  time.Duration
	clock    clock.Clock
	random   io.Reader
	logger   zerolog.Logger
}

// Option configures a Table.
type Option func(*Table)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(t *Table) { t.clock = c }
}

// WithRandom sets the token entropy source.
func WithRandom(r io.Reader) Option {
	return func(t *Table) { t.random = r }
}

// NewTable creates an empty session table.
func NewTable(max int, timeout time.Duration, logger zerolog.Logger, opts ...Option) *Table {
	if max <= 0 {
		max = DefaultMax
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := &Table{
		sessions: registry.NewOrdered[string, Session](max),
		timeout:  timeout,
		clock:    clock.Real{},
		random:   rand.Reader,
		logger:   logger.With().Str("component", "session").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create starts a session for username and returns its token.
func (t *Table) Create(username string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessions.Full() {
		return "", registry.ErrFull
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := t.newToken()
		if err != nil {
			return "", err
		}
		if t.sessions.Has(id) {
			continue
		}

		now := t.clock.Now()
		if err := t.sessions.Insert(id, Session{
			ID:           id,
			Username:     username,
			CreatedAt:    now,
			LastAccessed: now,
		}); err != nil {
			return "", err
		}

		t.logger.Debug().Str("username", username).Int("sessions", t.sessions.Len()).Msg("Session created")
		return id, nil
	}

	return "", fmt.Errorf("session: no unique token after %d attempts", maxAttempts)
}

// Validate returns the username bound to id and refreshes its last access
// time. An expired session is removed and reported as ErrInvalid.
func (t *Table) Validate(id string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions.Get(id)
	if !ok {
		return "", ErrInvalid
	}

	now := t.clock.Now()
	if t.expired(s, now) {
		t.sessions.SwapDelete(id)
		t.logger.Debug().Str("username", s.Username).Msg("Session expired")
		return "", ErrInvalid
	}

	t.sessions.Update(id, func(s Session) Session {
		s.LastAccessed = now
		return s
	})
	return s.Username, nil
}

// Remove ends a session.
func (t *Table) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.sessions.SwapDelete(id) {
		return registry.ErrNotFound
	}
	return nil
}

// Sweep removes every expired session and returns how many were removed.
func (t *Table) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	var stale []string
	t.sessions.Each(func(id string, s Session) bool {
		if t.expired(s, now) {
			stale = append(stale, id)
		}
		return true
	})
	for _, id := range stale {
		t.sessions.SwapDelete(id)
	}

	if len(stale) > 0 {
		t.logger.Debug().Int("removed", len(stale)).Msg("Swept expired sessions")
	}
	return len(stale)
}

// Count returns the number of sessions, expired ones included until swept.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions.Len()
}

// List returns a snapshot of the live sessions.
func (t *Table) List() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	out := make([]Session, 0, t.sessions.Len())
	t.sessions.Each(func(_ string, s Session) bool {
		if !t.expired(s, now) {
			out = append(out, s)
		}
		return true
	})
	return out
}

// Timeout returns the inactivity timeout.
func (t *Table) Timeout() time.Duration {
	return t.timeout
}

func (t *Table) expired(s Session, now time.Time) bool {
	return now.Sub(s.LastAccessed) > t.timeout
}

func (t *Table) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(t.random, buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
