// Package device tracks the stations seen on the access point.
//
// The registry is keyed by canonical MAC address, iterates in discovery
// order, and mirrors itself to the "devices" storage namespace as
// device_count plus one CBOR record per device_<i>.
package device

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goodtune/apconsole/internal/clock"
	"github.com/goodtune/apconsole/internal/macaddr"
	"github.com/goodtune/apconsole/internal/metrics"
	"github.com/goodtune/apconsole/internal/registry"
	"github.com/goodtune/apconsole/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultMax is the registry capacity.
	DefaultMax = 50

	// UnknownHostname marks a device whose name could not be determined.
	UnknownHostname = "unknown"

	// Namespace is the storage namespace holding the snapshot.
	Namespace = "devices"

	countKey       = "device_count"
	persistTimeout = 5 * time.Second
)

// Record is one discovered device.
type Record struct {
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	MAC      string `json:"mac"`
	LastSeen int64  `json:"last_seen"` // Seconds since process start
	Active   bool   `json:"is_active"`
}

// IsUnknown reports whether the record carries the unknown hostname.
func (r Record) IsUnknown() bool {
	return r.Hostname == UnknownHostname
}

// Registry is the device table.
type Registry struct {
	mu        sync.Mutex
	devices   *registry.Ordered[string, Record]
	kv        storage.KVStore
	autoflush bool
	clock     clock.Clock
	started   time.Time
	logger    zerolog.Logger

	holders map[string]string // IP -> MAC of the last device to claim it
}

// Options configures a Registry.
type Options struct {
	Max       int
	Autoflush bool
	Clock     clock.Clock
}

// NewRegistry creates an empty registry backed by kv.
func NewRegistry(kv storage.KVStore, opts Options, logger zerolog.Logger) *Registry {
	if opts.Max <= 0 {
		opts.Max = DefaultMax
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Registry{
		devices:   registry.NewOrdered[string, Record](opts.Max),
		kv:        kv,
		autoflush: opts.Autoflush,
		clock:     opts.Clock,
		started:   opts.Clock.Now(),
		logger:    logger.With().Str("component", "device").Logger(),
		holders:   make(map[string]string),
	}
}

// Uptime returns whole seconds since the registry was created, the unit of
// Record.LastSeen.
func (r *Registry) Uptime() int64 {
	return int64(r.clock.Now().Sub(r.started) / time.Second)
}

// Upsert records a sighting of mac. An existing record takes the new
// hostname and ip and becomes active; otherwise a record is appended.
func (r *Registry) Upsert(hostname, ip, mac string) error {
	key, err := macaddr.Canonical(mac)
	if err != nil {
		return fmt.Errorf("%w: %v", registry.ErrInvalid, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := Record{
		Hostname: hostname,
		IP:       ip,
		MAC:      key,
		LastSeen: r.Uptime(),
		Active:   true,
	}
	if err := r.devices.Set(key, rec); err != nil {
		return err
	}
	r.claimLocked(ip, key)

	r.logger.Debug().Str("mac", key).Str("hostname", hostname).Str("ip", ip).Msg("Device seen")
	r.persistLocked()
	return nil
}

// AssignIP sets the address of a known device.
func (r *Registry) AssignIP(mac, ip string) error {
	key, err := macaddr.Canonical(mac)
	if err != nil {
		return fmt.Errorf("%w: %v", registry.ErrInvalid, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.Uptime()
	if !r.devices.Update(key, func(rec Record) Record {
		rec.IP = ip
		rec.LastSeen = now
		rec.Active = true
		return rec
	}) {
		return registry.ErrNotFound
	}
	r.claimLocked(ip, key)

	r.persistLocked()
	return nil
}

// FindByMAC returns the device with the given MAC.
func (r *Registry) FindByMAC(mac string) (Record, error) {
	key, err := macaddr.Canonical(mac)
	if err != nil {
		return Record{}, registry.ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices.Get(key)
	if !ok {
		return Record{}, registry.ErrNotFound
	}
	return rec, nil
}

// FindByIP returns the first device, in discovery order, holding ip.
func (r *Registry) FindByIP(ip string) (Record, error) {
	return r.find(func(rec Record) bool { return rec.IP == ip })
}

// FindByHostname returns the first device, in discovery order, named
// hostname. Several devices may share UnknownHostname.
func (r *Registry) FindByHostname(hostname string) (Record, error) {
	return r.find(func(rec Record) bool { return rec.Hostname == hostname })
}

// CurrentHolder returns the active device that most recently claimed ip
// through Upsert or AssignIP. Records still carrying an address another
// device has since taken are not returned.
func (r *Registry) CurrentHolder(ip string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.holders[ip]
	if !ok {
		return Record{}, registry.ErrNotFound
	}
	rec, ok := r.devices.Get(key)
	if !ok || !rec.Active || rec.IP != ip {
		return Record{}, registry.ErrNotFound
	}
	return rec, nil
}

func (r *Registry) find(match func(Record) bool) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices.Find(match)
	if !ok {
		return Record{}, registry.ErrNotFound
	}
	return rec, nil
}

// List returns a snapshot of the registry, without unknown devices when
// excludeUnknown is set.
func (r *Registry) List(excludeUnknown bool) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, r.devices.Len())
	r.devices.Each(func(_ string, rec Record) bool {
		if !excludeUnknown || !rec.IsUnknown() {
			out = append(out, rec)
		}
		return true
	})
	return out
}

// Count returns the number of devices.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices.Len()
}

// RefreshStaleness marks inactive every device not seen within timeout.
// Devices are never removed. It returns how many records changed.
func (r *Registry) RefreshStaleness(timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.Uptime() - int64(timeout/time.Second)
	var stale []string
	r.devices.Each(func(key string, rec Record) bool {
		if rec.Active && rec.LastSeen < cutoff {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		r.devices.Update(key, func(rec Record) Record {
			rec.Active = false
			return rec
		})
	}

	if len(stale) > 0 {
		r.logger.Debug().Int("stale", len(stale)).Msg("Marked devices inactive")
		r.persistLocked()
	}
	return len(stale)
}

// Remove deletes a device, keeping the order of the others.
func (r *Registry) Remove(mac string) error {
	key, err := macaddr.Canonical(mac)
	if err != nil {
		return registry.ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices.Get(key)
	if !ok {
		return registry.ErrNotFound
	}
	r.devices.Delete(key)
	if r.holders[rec.IP] == key {
		delete(r.holders, rec.IP)
	}
	r.persistLocked()
	return nil
}

// Clear empties the registry and erases its storage namespace.
func (r *Registry) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices.Clear()
	r.holders = make(map[string]string)
	if err := r.kv.Erase(ctx, Namespace); err != nil {
		metrics.PersistErrors.WithLabelValues(Namespace).Inc()
		return fmt.Errorf("failed to erase devices: %w", err)
	}
	r.logger.Info().Msg("Device registry cleared")
	return nil
}

// Load replaces the in-memory table with the persisted snapshot. A missing
// snapshot leaves the registry empty. Undecodable records are skipped.
func (r *Registry) Load(ctx context.Context) error {
	data, err := r.kv.GetAll(ctx, Namespace)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices.Clear()
	r.holders = make(map[string]string)
	defer r.rebuildHoldersLocked()

	raw, ok := data[countKey]
	if !ok {
		return nil
	}
	count, err := strconv.Atoi(string(raw))
	if err != nil {
		r.logger.Warn().Str("value", string(raw)).Msg("Ignoring corrupt device count")
		return nil
	}

	for i := 0; i < count; i++ {
		blob, ok := data[recordKey(i)]
		if !ok {
			continue
		}
		rec, err := decodeRecord(blob)
		if err != nil {
			r.logger.Warn().Err(err).Int("index", i).Msg("Skipping device record")
			continue
		}
		key, err := macaddr.Canonical(rec.MAC)
		if err != nil {
			continue
		}
		rec.MAC = key
		if err := r.devices.Set(key, rec); err != nil {
			r.logger.Warn().Err(err).Msg("Device snapshot exceeds capacity")
			break
		}
	}

	r.logger.Info().Int("devices", r.devices.Len()).Msg("Loaded devices")
	return nil
}

// Save writes the full snapshot.
func (r *Registry) Save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked(ctx)
}

func (r *Registry) saveLocked(ctx context.Context) error {
	records := make(map[string][]byte, r.devices.Len()+1)
	i := 0
	var encErr error
	r.devices.Each(func(_ string, rec Record) bool {
		blob, err := encodeRecord(rec)
		if err != nil {
			encErr = err
			return false
		}
		records[recordKey(i)] = blob
		i++
		return true
	})
	if encErr != nil {
		return encErr
	}
	records[countKey] = []byte(strconv.Itoa(i))

	if err := r.kv.Commit(ctx, Namespace, records); err != nil {
		return fmt.Errorf("failed to save devices: %w", err)
	}
	return nil
}

// persistLocked writes the snapshot when autoflush is on. Failures are
// logged and counted; the in-memory change stands.
func (r *Registry) persistLocked() {
	if !r.autoflush {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := r.saveLocked(ctx); err != nil {
		metrics.PersistErrors.WithLabelValues(Namespace).Inc()
		r.logger.Error().Err(err).Msg("Failed to persist devices")
	}
}

// claimLocked makes key the holder of ip. Placeholder addresses are not
// tracked.
func (r *Registry) claimLocked(ip, key string) {
	if ip == "" || ip == UnknownHostname {
		return
	}
	r.holders[ip] = key
}

// rebuildHoldersLocked derives the IP holders from loaded records: the
// latest LastSeen wins, later records win ties.
func (r *Registry) rebuildHoldersLocked() {
	seen := make(map[string]int64)
	r.devices.Each(func(key string, rec Record) bool {
		if last, ok := seen[rec.IP]; !ok || rec.LastSeen >= last {
			seen[rec.IP] = rec.LastSeen
			r.claimLocked(rec.IP, key)
		}
		return true
	})
}

func recordKey(i int) string {
	return "device_" + strconv.Itoa(i)
}
