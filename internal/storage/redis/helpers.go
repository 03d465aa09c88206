package redis

import (
	"fmt"
	"time"

	"github.com/goodtune/apconsole/internal/storage"
)

// keys builds every Redis key under a common prefix.
type keys struct {
	prefix string
}

func (k keys) namespace(ns string) string {
	return fmt.Sprintf("%s:kv:%s", k.prefix, ns)
}

func (k keys) leaseMAC(mac string) string {
	return fmt.Sprintf("%s:dhcp:mac:%s", k.prefix, mac)
}

func (k keys) leaseIP(ip string) string {
	return fmt.Sprintf("%s:dhcp:ip:%s", k.prefix, ip)
}

func (k keys) leases() string {
	return k.prefix + ":dhcp:leases"
}

// parseDHCPLease converts a Redis hash to DHCPLease
func parseDHCPLease(data map[string]string) (*storage.DHCPLease, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, data["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse expires_at: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &storage.DHCPLease{
		MAC:       data["mac"],
		IP:        data["ip"],
		Hostname:  data["hostname"],
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}
