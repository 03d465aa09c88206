// Package station turns station association events into device registry
// updates.
package station

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goodtune/apconsole/internal/device"
	"github.com/goodtune/apconsole/internal/macaddr"
	"github.com/goodtune/apconsole/internal/metrics"
	"github.com/goodtune/apconsole/internal/registry"
	"github.com/rs/zerolog"
)

const synthesizedPrefix = "device_"

// Station is a client currently attached to the access point.
type Station struct {
	MAC      string
	IP       string
	Hostname string // As announced by the client, may be empty
}

// Source lists the attached stations.
type Source interface {
	ConnectedStations(ctx context.Context) ([]Station, error)
}

// HostnameResolver maps an address to a name.
type HostnameResolver interface {
	LookupAddr(ctx context.Context, ip string) (string, error)
}

// Tracker applies station events to the device registry.
type Tracker struct {
	devices    *device.Registry
	resolver   HostnameResolver
	synthesize bool
	logger     zerolog.Logger

	mu        sync.Mutex
	connected map[string]struct{}
}

// NewTracker creates a tracker. resolver may be nil.
func NewTracker(devices *device.Registry, resolver HostnameResolver, synthesize bool, logger zerolog.Logger) *Tracker {
	return &Tracker{
		devices:    devices,
		resolver:   resolver,
		synthesize: synthesize,
		logger:     logger.With().Str("component", "station").Logger(),
		connected:  make(map[string]struct{}),
	}
}

// Associated records a station joining. The address is not known yet.
func (t *Tracker) Associated(ctx context.Context, mac, hostname string) error {
	key, err := macaddr.Canonical(mac)
	if err != nil {
		return fmt.Errorf("%w: %v", registry.ErrInvalid, err)
	}

	name := t.name(key, hostname)
	if err := t.devices.Upsert(name, device.UnknownHostname, key); err != nil {
		return fmt.Errorf("failed to record station %s: %w", key, err)
	}

	t.markConnected(key, true)
	metrics.StationEvents.WithLabelValues("associated").Inc()
	t.logger.Info().Str("mac", key).Str("hostname", name).Msg("Station connected")
	return nil
}

// IPAssigned records the address handed to a station, resolving its name
// when none is known.
func (t *Tracker) IPAssigned(ctx context.Context, mac, ip, hostname string) error {
	key, err := macaddr.Canonical(mac)
	if err != nil {
		return fmt.Errorf("%w: %v", registry.ErrInvalid, err)
	}

	err = t.devices.AssignIP(key, ip)
	if errors.Is(err, registry.ErrNotFound) {
		// Station predates this process
		err = t.devices.Upsert(t.name(key, hostname), ip, key)
	}
	if err != nil {
		return fmt.Errorf("failed to assign %s to %s: %w", ip, key, err)
	}

	t.markConnected(key, true)
	metrics.StationEvents.WithLabelValues("ip_assigned").Inc()
	t.logger.Info().Str("mac", key).Str("ip", ip).Msg("Station assigned IP")

	t.resolve(ctx, key, ip)
	return nil
}

// Disassociated records a station leaving. The registry keeps the device;
// staleness handling marks it inactive later.
func (t *Tracker) Disassociated(ctx context.Context, mac string) error {
	key, err := macaddr.Canonical(mac)
	if err != nil {
		return fmt.Errorf("%w: %v", registry.ErrInvalid, err)
	}

	t.markConnected(key, false)
	metrics.StationEvents.WithLabelValues("disassociated").Inc()
	t.logger.Info().Str("mac", key).Msg("Station disconnected")
	return nil
}

// Scan upserts every station reported by src and returns how many were
// recorded.
func (t *Tracker) Scan(ctx context.Context, src Source) (int, error) {
	stations, err := src.ConnectedStations(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list stations: %w", err)
	}

	t.logger.Debug().Int("stations", len(stations)).Msg("Scanning connected stations")

	seen := make(map[string]struct{}, len(stations))
	var recorded int
	for _, st := range stations {
		key, err := macaddr.Canonical(st.MAC)
		if err != nil {
			t.logger.Warn().Str("mac", st.MAC).Msg("Skipping station with invalid MAC")
			continue
		}
		seen[key] = struct{}{}

		name := st.Hostname
		if name == "" && t.resolver != nil && st.IP != "" {
			if resolved, err := t.resolver.LookupAddr(ctx, st.IP); err == nil {
				name = resolved
			}
		}
		name = t.name(key, name)

		ip := st.IP
		if ip == "" {
			ip = device.UnknownHostname
		}

		if err := t.devices.Upsert(name, ip, key); err != nil {
			t.logger.Warn().Err(err).Str("mac", key).Msg("Failed to record scanned station")
			continue
		}
		recorded++
	}

	t.mu.Lock()
	t.connected = seen
	metrics.StationsConnected.Set(float64(len(seen)))
	t.mu.Unlock()

	return recorded, nil
}

// Connected returns the number of associated stations.
func (t *Tracker) Connected() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.connected)
}

// name picks the hostname for key: the announced one, else the name the
// registry already holds, else a placeholder.
func (t *Tracker) name(key, announced string) string {
	if announced != "" && announced != device.UnknownHostname {
		return announced
	}
	if rec, err := t.devices.FindByMAC(key); err == nil && !isPlaceholder(rec.Hostname) {
		return rec.Hostname
	}
	if t.synthesize {
		return synthesizedPrefix + macaddr.Suffix(key)
	}
	return device.UnknownHostname
}

// resolve replaces a placeholder hostname with the PTR name of ip.
func (t *Tracker) resolve(ctx context.Context, key, ip string) {
	if t.resolver == nil {
		return
	}
	rec, err := t.devices.FindByMAC(key)
	if err != nil || !isPlaceholder(rec.Hostname) {
		return
	}

	name, err := t.resolver.LookupAddr(ctx, ip)
	if err != nil {
		t.logger.Debug().Err(err).Str("ip", ip).Msg("No reverse name for station")
		return
	}
	if err := t.devices.Upsert(name, ip, key); err != nil {
		t.logger.Warn().Err(err).Str("mac", key).Msg("Failed to store resolved hostname")
	}
}

func (t *Tracker) markConnected(key string, connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if connected {
		t.connected[key] = struct{}{}
	} else {
		delete(t.connected, key)
	}
	metrics.StationsConnected.Set(float64(len(t.connected)))
}

func isPlaceholder(hostname string) bool {
	return hostname == "" || hostname == device.UnknownHostname || strings.HasPrefix(hostname, synthesizedPrefix)
}
