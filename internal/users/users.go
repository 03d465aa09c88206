// Package users stores the admin accounts allowed to log in.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/apconsole/internal/metrics"
	"github.com/goodtune/apconsole/internal/registry"
	"github.com/goodtune/apconsole/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultMax is the number of accounts allowed.
	DefaultMax = 10

	// Namespace and Key locate the persisted document.
	Namespace = "users"
	Key       = "users.json"

	// BcryptCost is the cost factor used when hash_passwords is enabled.
	BcryptCost = 12

	persistTimeout = 5 * time.Second
)

// Role is an account's privilege level.
type Role int

const (
	RoleUser  Role = 0
	RoleAdmin Role = 1
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleUser:
		return "user"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// User is one account. Password holds the plaintext secret unless hashing
// is enabled, in which case it holds a bcrypt hash.
type User struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

type document struct {
	Users []User `json:"users"`
}

// Options configures a Store.
type Options struct {
	Max             int
	Autoflush       bool
	HashPasswords   bool
	InitialUsername string
	InitialPassword string
}

// Store is the user table.
type Store struct {
	mu     sync.Mutex
	users  *registry.Ordered[string, User]
	kv     storage.KVStore
	opts   Options
	logger zerolog.Logger
}

// NewStore creates an empty user store backed by kv. Call Load to populate
// it.
func NewStore(kv storage.KVStore, opts Options, logger zerolog.Logger) *Store {
	if opts.Max <= 0 {
		opts.Max = DefaultMax
	}
	if opts.InitialUsername == "" {
		opts.InitialUsername = "admin"
	}
	if opts.InitialPassword == "" {
		opts.InitialPassword = "admin"
	}
	return &Store{
		users:  registry.NewOrdered[string, User](opts.Max),
		kv:     kv,
		opts:   opts,
		logger: logger.With().Str("component", "users").Logger(),
	}
}

// Authenticate reports whether username exists with exactly password.
func (s *Store) Authenticate(username, password string) bool {
	s.mu.Lock()
	u, ok := s.users.Get(username)
	s.mu.Unlock()

	if !ok {
		return false
	}
	if isBcryptHash(u.Password) {
		return bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) == nil
	}
	return u.Password == password
}

// Add creates an account.
func (s *Store) Add(username, password string, role Role) error {
	if username == "" || !role.Valid() {
		return registry.ErrInvalid
	}

	secret, err := s.secret(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.users.Insert(username, User{Username: username, Password: secret, Role: role}); err != nil {
		return err
	}

	s.logger.Info().Str("username", username).Stringer("role", role).Msg("User added")
	s.persistLocked()
	return nil
}

// Update changes the password and/or role of an account. Nil arguments
// leave the field untouched.
func (s *Store) Update(username string, password *string, role *Role) error {
	if role != nil && !role.Valid() {
		return registry.ErrInvalid
	}

	var secret string
	if password != nil {
		var err error
		if secret, err = s.secret(*password); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.users.Update(username, func(u User) User {
		if password != nil {
			u.Password = secret
		}
		if role != nil {
			u.Role = *role
		}
		return u
	}) {
		return registry.ErrNotFound
	}

	s.logger.Info().Str("username", username).Msg("User updated")
	s.persistLocked()
	return nil
}

// Delete removes an account.
func (s *Store) Delete(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.users.Delete(username) {
		return registry.ErrNotFound
	}

	s.logger.Info().Str("username", username).Msg("User deleted")
	s.persistLocked()
	return nil
}

// Get returns one account.
func (s *Store) Get(username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users.Get(username)
	if !ok {
		return User{}, registry.ErrNotFound
	}
	return u, nil
}

// List returns every account in creation order.
func (s *Store) List() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users.Values()
}

// Count returns the number of accounts.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users.Len()
}

// Load reads the persisted document. When it is missing or unreadable the
// store is reset to the initial admin account, which is saved immediately.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.kv.Get(ctx, Namespace, Key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load users: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.users.Clear()

	if err == nil {
		var doc document
		if jsonErr := json.Unmarshal(data, &doc); jsonErr == nil {
			for _, u := range doc.Users {
				if u.Username == "" || !u.Role.Valid() {
					continue
				}
				if err := s.users.Insert(u.Username, u); err != nil {
					s.logger.Warn().Err(err).Str("username", u.Username).Msg("Skipping persisted user")
				}
			}
			if s.users.Len() > 0 {
				s.logger.Info().Int("users", s.users.Len()).Msg("Loaded users")
				return nil
			}
		} else {
			s.logger.Warn().Err(jsonErr).Msg("Corrupt users document, seeding initial admin")
		}
	}

	secret, err := s.secret(s.opts.InitialPassword)
	if err != nil {
		return err
	}
	_ = s.users.Insert(s.opts.InitialUsername, User{
		Username: s.opts.InitialUsername,
		Password: secret,
		Role:     RoleAdmin,
	})
	s.logger.Warn().Str("username", s.opts.InitialUsername).Msg("Created initial admin user")

	return s.saveLocked(ctx)
}

// Save writes the full document.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx)
}

// Autoflush reports whether mutations persist themselves.
func (s *Store) Autoflush() bool {
	return s.opts.Autoflush
}

func (s *Store) saveLocked(ctx context.Context) error {
	data, err := json.Marshal(document{Users: s.users.Values()})
	if err != nil {
		return fmt.Errorf("failed to encode users: %w", err)
	}
	if err := s.kv.Put(ctx, Namespace, Key, data); err != nil {
		return fmt.Errorf("failed to save users: %w", err)
	}
	return nil
}

func (s *Store) persistLocked() {
	if !s.opts.Autoflush {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.saveLocked(ctx); err != nil {
		metrics.PersistErrors.WithLabelValues(Namespace).Inc()
		s.logger.Error().Err(err).Msg("Failed to persist users")
	}
}

// secret returns the value to store for password.
func (s *Store) secret(password string) (string, error) {
	if !s.opts.HashPasswords {
		return password, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}
