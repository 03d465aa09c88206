package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/apconsole/internal/config"
	"github.com/goodtune/apconsole/internal/storage"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "apconsole"

// Store implements the storage.Store interface using Redis
type Store struct {
	client    *redis.Client
	kvStore   *kvStore
	dhcpStore *dhcpLeaseStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStore(client, cfg.KeyPrefix), nil
}

func newStore(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	k := keys{prefix: prefix}
	return &Store{
		client:    client,
		kvStore:   &kvStore{client: client, keys: k, commit: redis.NewScript(commitNamespaceScript)},
		dhcpStore: &dhcpLeaseStore{client: client, keys: k, create: redis.NewScript(createDHCPLeaseScript)},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity to Redis
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// KV returns the namespaced key-value store
func (s *Store) KV() storage.KVStore {
	return s.kvStore
}

// DHCPLeases returns the DHCPLeaseStore implementation
func (s *Store) DHCPLeases() storage.DHCPLeaseStore {
	return s.dhcpStore
}
