// Package systemd integrates with socket activation and sd_notify.
package systemd

import (
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// DHCPPort identifies the DHCP datagram socket among the activated ones.
const DHCPPort = 67

// Listeners holds all systemd-activated sockets
type Listeners struct {
	HTTP      net.Listener
	Metrics   net.Listener
	DHCP      net.PacketConn
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns empty listeners when not running under socket activation.
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}

	if len(activation.Files(false)) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	// Stream sockets are named in apconsole.socket with FileDescriptorName=
	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if lns, ok := named["http"]; ok && len(lns) > 0 {
		listeners.HTTP = lns[0]
	}
	if lns, ok := named["metrics"]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}

	// Datagram sockets come back as nil listeners, so match them by port
	packetConns, err := activation.PacketConns()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd packet sockets: %w", err)
	}
	for _, pc := range packetConns {
		if pc == nil {
			continue
		}
		if addr, ok := pc.LocalAddr().(*net.UDPAddr); ok && addr.Port == DHCPPort {
			listeners.DHCP = pc
		}
	}

	return listeners, nil
}

// NotifyReady tells systemd the service has finished starting up.
func NotifyReady() error {
	return notify(daemon.SdNotifyReady)
}

// NotifyStopping tells systemd the service is shutting down.
func NotifyStopping() error {
	return notify(daemon.SdNotifyStopping)
}

// NotifyReloading tells systemd a configuration reload is in progress.
func NotifyReloading() error {
	return notify(daemon.SdNotifyReloading)
}

// NotifyWatchdog pets the systemd watchdog.
func NotifyWatchdog() error {
	return notify(daemon.SdNotifyWatchdog)
}

// WatchdogInterval returns how often to call NotifyWatchdog, zero when the
// unit has no watchdog configured.
func WatchdogInterval() (time.Duration, error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0, fmt.Errorf("failed to read watchdog settings: %w", err)
	}
	return interval / 2, nil
}

// notify is a no-op outside systemd.
func notify(state string) error {
	if _, err := daemon.SdNotify(false, state); err != nil {
		return fmt.Errorf("failed to send sd_notify %q: %w", state, err)
	}
	return nil
}
