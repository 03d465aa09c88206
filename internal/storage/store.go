package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Ping(ctx context.Context) error
	KV() KVStore
	DHCPLeases() DHCPLeaseStore
}

// KVStore is namespaced blob storage. Each namespace is committed atomically:
// readers never observe a partially written snapshot.
type KVStore interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	GetAll(ctx context.Context, namespace string) (map[string][]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
	// Commit replaces the whole namespace with records in one step.
	Commit(ctx context.Context, namespace string, records map[string][]byte) error
	Erase(ctx context.Context, namespace string) error
}

// DHCPLeaseStore manages DHCP IP address leases.
type DHCPLeaseStore interface {
	GetByMAC(ctx context.Context, mac string) (*DHCPLease, error)
	GetByIP(ctx context.Context, ip string) (*DHCPLease, error)
	List(ctx context.Context) ([]DHCPLease, error)
	Create(ctx context.Context, lease *DHCPLease) error
	Delete(ctx context.Context, mac string) error
	DeleteExpired(ctx context.Context) (int, error)
}
