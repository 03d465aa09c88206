package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/apconsole/internal/config"
	"github.com/goodtune/apconsole/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port" so Port stays zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
		KeyPrefix:    "test",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestOpen_InvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{Host: "127.0.0.1:1", DialTimeout: "soon"})
	if err == nil {
		t.Fatal("expected error for unparsable dial_timeout")
	}
}

func TestKVStore_GetPut(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	kv := store.KV()

	if _, err := kv.Get(ctx, "whitelist", "count"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty namespace, got %v", err)
	}

	if err := kv.Put(ctx, "whitelist", "count", []byte("2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := kv.Get(ctx, "whitelist", "count")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "2" {
		t.Errorf("Expected value 2, got %q", got)
	}

	if !mr.Exists("test:kv:whitelist") {
		t.Error("Expected namespace hash test:kv:whitelist to exist")
	}
}

func TestKVStore_CommitReplacesNamespace(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	kv := store.KV()

	first := map[string][]byte{
		"device_count": []byte("2"),
		"device_0":     []byte("a"),
		"device_1":     []byte("b"),
	}
	if err := kv.Commit(ctx, "devices", first); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	second := map[string][]byte{
		"device_count": []byte("1"),
		"device_0":     []byte("c"),
	}
	if err := kv.Commit(ctx, "devices", second); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	all, err := kv.GetAll(ctx, "devices")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 records after replace, got %d", len(all))
	}
	if string(all["device_0"]) != "c" {
		t.Errorf("Expected device_0=c, got %q", all["device_0"])
	}
	if _, ok := all["device_1"]; ok {
		t.Error("Expected device_1 to be removed by commit")
	}
}

func TestKVStore_CommitEmptyClears(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	kv := store.KV()

	if err := kv.Put(ctx, "users", "users.json", []byte("{}")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := kv.Commit(ctx, "users", nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if mr.Exists("test:kv:users") {
		t.Error("Expected empty commit to remove the namespace")
	}
}

func TestKVStore_Erase(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	kv := store.KV()

	_ = kv.Put(ctx, "devices", "device_count", []byte("0"))
	_ = kv.Put(ctx, "whitelist", "count", []byte("0"))

	if err := kv.Erase(ctx, "devices"); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}

	all, err := kv.GetAll(ctx, "devices")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("Expected empty namespace after erase, got %d records", len(all))
	}

	// Other namespaces are untouched
	if _, err := kv.Get(ctx, "whitelist", "count"); err != nil {
		t.Errorf("Expected whitelist namespace to survive, got %v", err)
	}
}

func TestDHCPLeaseStore_CreateAndGet(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	leases := store.DHCPLeases()

	lease := &storage.DHCPLease{
		MAC:       "AA:BB:CC:DD:EE:01",
		IP:        "192.168.4.10",
		Hostname:  "laptop",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := leases.Create(ctx, lease); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	byMAC, err := leases.GetByMAC(ctx, lease.MAC)
	if err != nil {
		t.Fatalf("GetByMAC failed: %v", err)
	}
	if byMAC.IP != lease.IP || byMAC.Hostname != lease.Hostname {
		t.Errorf("Unexpected lease %+v", byMAC)
	}

	byIP, err := leases.GetByIP(ctx, lease.IP)
	if err != nil {
		t.Fatalf("GetByIP failed: %v", err)
	}
	if byIP.MAC != lease.MAC {
		t.Errorf("Expected MAC %s, got %s", lease.MAC, byIP.MAC)
	}

	if _, err := leases.GetByIP(ctx, "192.168.4.99"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown IP, got %v", err)
	}
}

func TestDHCPLeaseStore_MoveIP(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	leases := store.DHCPLeases()

	lease := &storage.DHCPLease{MAC: "AA:BB:CC:DD:EE:02", IP: "192.168.4.11", ExpiresAt: time.Now().Add(time.Hour)}
	if err := leases.Create(ctx, lease); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	firstCreated := lease.CreatedAt

	moved := &storage.DHCPLease{MAC: lease.MAC, IP: "192.168.4.12", ExpiresAt: time.Now().Add(time.Hour)}
	if err := leases.Create(ctx, moved); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := leases.GetByIP(ctx, "192.168.4.11"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected old IP index to be removed, got %v", err)
	}

	got, err := leases.GetByIP(ctx, "192.168.4.12")
	if err != nil {
		t.Fatalf("GetByIP failed: %v", err)
	}
	if !got.CreatedAt.Equal(firstCreated) {
		t.Errorf("Expected created_at to be preserved, got %v want %v", got.CreatedAt, firstCreated)
	}
}

func TestDHCPLeaseStore_ListAndDelete(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	leases := store.DHCPLeases()

	for _, l := range []storage.DHCPLease{
		{MAC: "AA:BB:CC:DD:EE:03", IP: "192.168.4.13", ExpiresAt: time.Now().Add(time.Hour)},
		{MAC: "AA:BB:CC:DD:EE:04", IP: "192.168.4.14", ExpiresAt: time.Now().Add(time.Hour)},
	} {
		l := l
		if err := leases.Create(ctx, &l); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	all, err := leases.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 leases, got %d", len(all))
	}

	if err := leases.Delete(ctx, "AA:BB:CC:DD:EE:03"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := leases.GetByIP(ctx, "192.168.4.13"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected IP index removed on delete, got %v", err)
	}

	all, _ = leases.List(ctx)
	if len(all) != 1 {
		t.Errorf("Expected 1 lease after delete, got %d", len(all))
	}
}

func TestDHCPLeaseStore_TTLExpiry(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	leases := store.DHCPLeases()

	lease := &storage.DHCPLease{MAC: "AA:BB:CC:DD:EE:05", IP: "192.168.4.15", ExpiresAt: time.Now().Add(10 * time.Second)}
	if err := leases.Create(ctx, lease); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mr.FastForward(11 * time.Second)

	all, err := leases.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("Expected expired lease to disappear, got %d", len(all))
	}
	if ok, _ := mr.SIsMember("test:dhcp:leases", lease.MAC); ok {
		t.Error("Expected dangling set member to be pruned")
	}
}
