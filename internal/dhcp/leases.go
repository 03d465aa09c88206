package dhcp

import (
	"context"

	"github.com/goodtune/apconsole/internal/station"
	"github.com/goodtune/apconsole/internal/storage"
)

// LeaseSource reports the holders of unexpired leases as the connected
// stations.
type LeaseSource struct {
	Leases storage.DHCPLeaseStore
}

// ConnectedStations implements station.Source.
func (l LeaseSource) ConnectedStations(ctx context.Context) ([]station.Station, error) {
	leases, err := l.Leases.List(ctx)
	if err != nil {
		return nil, err
	}

	stations := make([]station.Station, 0, len(leases))
	for _, lease := range leases {
		if lease.IsExpired() {
			continue
		}
		stations = append(stations, station.Station{
			MAC:      lease.MAC,
			IP:       lease.IP,
			Hostname: lease.Hostname,
		})
	}
	return stations, nil
}

// MACForIP returns the MAC holding an unexpired lease on ip.
func (l LeaseSource) MACForIP(ctx context.Context, ip string) (string, error) {
	lease, err := l.Leases.GetByIP(ctx, ip)
	if err != nil {
		return "", err
	}
	if lease.IsExpired() {
		return "", storage.ErrNotFound
	}
	return lease.MAC, nil
}
