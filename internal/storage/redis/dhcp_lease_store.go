package redis

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/apconsole/internal/storage"
	"github.com/redis/go-redis/v9"
)

type dhcpLeaseStore struct {
	client *redis.Client
	keys   keys
	create *redis.Script
}

// GetByMAC retrieves a DHCP lease by MAC address
func (s *dhcpLeaseStore) GetByMAC(ctx context.Context, mac string) (*storage.DHCPLease, error) {
	data, err := s.client.HGetAll(ctx, s.keys.leaseMAC(mac)).Result()
	if err != nil {
		return nil, err
	}

	return parseDHCPLease(data)
}

// GetByIP retrieves a DHCP lease by IP address using secondary index
func (s *dhcpLeaseStore) GetByIP(ctx context.Context, ip string) (*storage.DHCPLease, error) {
	mac, err := s.client.Get(ctx, s.keys.leaseIP(ip)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return s.GetByMAC(ctx, mac)
}

// List retrieves all DHCP leases, dropping set members whose hash has expired
func (s *dhcpLeaseStore) List(ctx context.Context) ([]storage.DHCPLease, error) {
	macs, err := s.client.SMembers(ctx, s.keys.leases()).Result()
	if err != nil {
		return nil, err
	}

	if len(macs) == 0 {
		return []storage.DHCPLease{}, nil
	}

	// Use pipeline for batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(macs))
	for i, mac := range macs {
		cmds[i] = pipe.HGetAll(ctx, s.keys.leaseMAC(mac))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	leases := make([]storage.DHCPLease, 0, len(macs))
	var gone []interface{}
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			gone = append(gone, macs[i])
			continue
		}

		lease, err := parseDHCPLease(data)
		if err == nil {
			leases = append(leases, *lease)
		}
	}

	if len(gone) > 0 {
		s.client.SRem(ctx, s.keys.leases(), gone...)
	}

	return leases, nil
}

// Create creates or updates a DHCP lease
func (s *dhcpLeaseStore) Create(ctx context.Context, lease *storage.DHCPLease) error {
	// Calculate TTL from ExpiresAt
	ttlSeconds := int64(0)
	if !lease.ExpiresAt.IsZero() {
		ttl := time.Until(lease.ExpiresAt)
		if ttl > 0 {
			ttlSeconds = int64(ttl.Seconds())
		}
	}

	now := time.Now()
	if lease.UpdatedAt.IsZero() {
		lease.UpdatedAt = now
	}
	// Overridden by the script when the lease already exists
	if lease.CreatedAt.IsZero() {
		lease.CreatedAt = now
	}

	keys := []string{
		s.keys.leaseMAC(lease.MAC),
		s.keys.leaseIP(lease.IP),
		s.keys.leases(),
		s.keys.leaseIP(""),
	}
	args := []interface{}{
		lease.MAC,
		lease.IP,
		lease.Hostname,
		lease.ExpiresAt.Format(time.RFC3339Nano),
		ttlSeconds,
		lease.UpdatedAt.Format(time.RFC3339Nano),
		lease.CreatedAt.Format(time.RFC3339Nano),
	}

	return s.create.Run(ctx, s.client, keys, args...).Err()
}

// Delete deletes a DHCP lease by MAC address
func (s *dhcpLeaseStore) Delete(ctx context.Context, mac string) error {
	macKey := s.keys.leaseMAC(mac)

	// Get the lease to find the IP for index cleanup
	ip, err := s.client.HGet(ctx, macKey, "ip").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, macKey)
	pipe.SRem(ctx, s.keys.leases(), mac)
	if ip != "" {
		pipe.Del(ctx, s.keys.leaseIP(ip))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// DeleteExpired removes leases whose expiry has passed but whose keys are
// still present (Redis TTLs are second-granular)
func (s *dhcpLeaseStore) DeleteExpired(ctx context.Context) (int, error) {
	leases, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	var deleted int
	for _, lease := range leases {
		if !lease.IsExpired() {
			continue
		}
		if err := s.Delete(ctx, lease.MAC); err != nil {
			return deleted, err
		}
		deleted++
	}

	return deleted, nil
}
