// Package storagetest provides a Redis-backed storage.Store on top of
// miniredis for package tests.
package storagetest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/apconsole/internal/config"
	"github.com/goodtune/apconsole/internal/storage"
	"github.com/goodtune/apconsole/internal/storage/redis"
)

// New starts a miniredis server and opens a store against it. Both are
// closed when the test ends.
func New(t testing.TB) (storage.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		PoolSize:     4,
		DialTimeout:  "2s",
		ReadTimeout:  "2s",
		WriteTimeout: "2s",
		KeyPrefix:    "apconsole",
	})
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}
