// Package whitelist holds the MAC addresses allowed to reach the dashboard
// without logging in.
package whitelist

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/apconsole/internal/macaddr"
	"github.com/goodtune/apconsole/internal/metrics"
	"github.com/goodtune/apconsole/internal/registry"
	"github.com/goodtune/apconsole/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// Namespace is the storage namespace holding the list.
	Namespace = "whitelist"

	// DefaultDescription is used when an entry is added without one.
	DefaultDescription = "Added via API"

	countKey       = "count"
	persistTimeout = 5 * time.Second
)

// Entry is one whitelisted MAC.
type Entry struct {
	MAC         string `json:"mac"`
	Description string `json:"description"`
}

// Defaults are installed when no list has been persisted yet.
var Defaults = []Entry{
	{MAC: "AA:BB:CC:11:22:33", Description: "Default whitelist entry 1"},
	{MAC: "DD:EE:FF:44:55:66", Description: "Default whitelist entry 2"},
}

// Options configures a Store.
type Options struct {
	Autoflush    bool
	SeedDefaults bool
}

// Store is the whitelist table.
type Store struct {
	mu      sync.Mutex
	entries *registry.Ordered[string, Entry]
	kv      storage.KVStore
	opts    Options
	logger  zerolog.Logger
}

// NewStore creates an empty whitelist backed by kv.
func NewStore(kv storage.KVStore, opts Options, logger zerolog.Logger) *Store {
	return &Store{
		entries: registry.NewOrdered[string, Entry](0),
		kv:      kv,
		opts:    opts,
		logger:  logger.With().Str("component", "whitelist").Logger(),
	}
}

// Check reports whether mac is whitelisted, in any notation or case.
func (s *Store) Check(mac string) bool {
	key, err := macaddr.Canonical(mac)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Has(key)
}

// Add whitelists mac.
func (s *Store) Add(mac, description string) error {
	key, err := macaddr.Canonical(mac)
	if err != nil {
		return fmt.Errorf("%w: %v", registry.ErrInvalid, err)
	}
	if description == "" {
		description = DefaultDescription
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.entries.Insert(key, Entry{MAC: key, Description: description}); err != nil {
		return err
	}

	s.logger.Info().Str("mac", key).Msg("MAC whitelisted")
	s.persistLocked()
	return nil
}

// Remove drops mac from the whitelist.
func (s *Store) Remove(mac string) error {
	key, err := macaddr.Canonical(mac)
	if err != nil {
		return registry.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.entries.Delete(key) {
		return registry.ErrNotFound
	}

	s.logger.Info().Str("mac", key).Msg("MAC removed from whitelist")
	s.persistLocked()
	return nil
}

// List returns the entries in the order they were added.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Values()
}

// Count returns the number of entries.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// Autoflush reports whether mutations persist themselves.
func (s *Store) Autoflush() bool {
	return s.opts.Autoflush
}

// Load reads the persisted list, seeding Defaults when nothing has been
// stored yet.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.kv.GetAll(ctx, Namespace)
	if err != nil {
		return fmt.Errorf("failed to load whitelist: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries.Clear()

	raw, ok := data[countKey]
	if !ok {
		if !s.opts.SeedDefaults {
			return nil
		}
		for _, e := range Defaults {
			_ = s.entries.Insert(e.MAC, e)
		}
		s.logger.Info().Int("entries", len(Defaults)).Msg("Seeded default whitelist")
		return s.saveLocked(ctx)
	}

	count, err := strconv.Atoi(string(raw))
	if err != nil {
		s.logger.Warn().Str("value", string(raw)).Msg("Ignoring corrupt whitelist count")
		return nil
	}

	for i := 0; i < count; i++ {
		value, ok := data[entryKey(i)]
		if !ok {
			continue
		}
		e, err := parseEntry(string(value))
		if err != nil {
			s.logger.Warn().Err(err).Int("index", i).Msg("Skipping whitelist entry")
			continue
		}
		if err := s.entries.Insert(e.MAC, e); err != nil {
			s.logger.Warn().Str("mac", e.MAC).Msg("Skipping duplicate whitelist entry")
		}
	}

	s.logger.Info().Int("entries", s.entries.Len()).Msg("Loaded whitelist")
	return nil
}

// Save writes the full list.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx)
}

func (s *Store) saveLocked(ctx context.Context) error {
	records := make(map[string][]byte, s.entries.Len()+1)
	i := 0
	s.entries.Each(func(_ string, e Entry) bool {
		records[entryKey(i)] = []byte(e.MAC + ";" + e.Description)
		i++
		return true
	})
	records[countKey] = []byte(strconv.Itoa(i))

	if err := s.kv.Commit(ctx, Namespace, records); err != nil {
		return fmt.Errorf("failed to save whitelist: %w", err)
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
		s.logger.Error().Err(err).Msg("Failed to persist whitelist")
	}
}

func parseEntry(value string) (Entry, error) {
	mac, desc, _ := strings.Cut(value, ";")
	key, err := macaddr.Canonical(mac)
	if err != nil {
		return Entry{}, err
	}
	return Entry{MAC: key, Description: desc}, nil
}

func entryKey(i int) string {
	return "mac_" + strconv.Itoa(i)
}
