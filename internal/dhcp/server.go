// Package dhcp runs the access point's DHCPv4 server. Each client exchange
// doubles as a station event: DISCOVER marks an association, an ACK marks
// the address assignment and RELEASE marks the station leaving.
package dhcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/goodtune/apconsole/internal/macaddr"
	"github.com/goodtune/apconsole/internal/metrics"
	"github.com/goodtune/apconsole/internal/storage"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/rs/zerolog"
)

// Config holds DHCP server configuration
type Config struct {
	Port        int
	BindAddress string
	ServerIP    string
	SubnetMask  string
	Gateway     string
	DNSServers  []string
	LeaseTime   time.Duration
	RangeStart  string
	RangeEnd    string
}

// Events receives station lifecycle notifications.
type Events interface {
	Associated(ctx context.Context, mac, hostname string) error
	IPAssigned(ctx context.Context, mac, ip, hostname string) error
	Disassociated(ctx context.Context, mac string) error
}

// Server is the DHCPv4 server
type Server struct {
	config     Config
	leaseStore storage.DHCPLeaseStore
	events     Events
	logger     zerolog.Logger

	server   *server4.Server
	listener net.PacketConn // Optional pre-created socket (for systemd socket activation)

	// IP pool management
	serverIP  net.IP
	mask      net.IPMask
	poolStart net.IP
	poolEnd   net.IP
	mu        sync.Mutex

	// Shutdown coordination
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new DHCP server instance
func NewServer(config Config, leaseStore storage.DHCPLeaseStore, events Events, logger zerolog.Logger) (*Server, error) {
	poolStart := net.ParseIP(config.RangeStart).To4()
	if poolStart == nil {
		return nil, fmt.Errorf("invalid range_start IP: %s", config.RangeStart)
	}
	poolEnd := net.ParseIP(config.RangeEnd).To4()
	if poolEnd == nil {
		return nil, fmt.Errorf("invalid range_end IP: %s", config.RangeEnd)
	}
	if ipToInt(poolStart) > ipToInt(poolEnd) {
		return nil, fmt.Errorf("range_start %s is after range_end %s", config.RangeStart, config.RangeEnd)
	}

	serverIP := net.ParseIP(config.ServerIP).To4()
	if serverIP == nil {
		return nil, fmt.Errorf("invalid server_ip: %s", config.ServerIP)
	}

	if config.SubnetMask == "" {
		config.SubnetMask = "255.255.255.0"
	}
	mask := net.ParseIP(config.SubnetMask).To4()
	if mask == nil {
		return nil, fmt.Errorf("invalid subnet_mask: %s", config.SubnetMask)
	}

	if config.LeaseTime <= 0 {
		config.LeaseTime = 2 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:     config,
		leaseStore: leaseStore,
		events:     events,
		logger:     logger.With().Str("component", "dhcp").Logger(),
		serverIP:   serverIP,
		mask:       net.IPMask(mask),
		poolStart:  poolStart,
		poolEnd:    poolEnd,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// SetListener sets a pre-created socket for systemd socket activation
func (s *Server) SetListener(conn net.PacketConn) {
	s.listener = conn
}

// Start starts the DHCP server
func (s *Server) Start() error {
	laddr := &net.UDPAddr{
		IP:   net.ParseIP(s.config.BindAddress),
		Port: s.config.Port,
	}

	var opts []server4.ServerOpt
	if s.listener != nil {
		s.logger.Debug().Msg("Using systemd socket-activated DHCP listener")
		opts = append(opts, server4.WithConn(s.listener))
	}

	s.logger.Info().
		Str("addr", laddr.String()).
		Str("range", fmt.Sprintf("%s-%s", s.config.RangeStart, s.config.RangeEnd)).
		Msg("Starting DHCP server")

	server, err := server4.NewServer("", laddr, s.handleDHCP, opts...)
	if err != nil {
		return fmt.Errorf("failed to create DHCP server: %w", err)
	}
	s.server = server

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(); err != nil {
			s.logger.Error().Err(err).Msg("DHCP server error")
			errChan <- err
		}
	}()

	// Wait briefly for startup errors
	select {
	case err := <-errChan:
		return fmt.Errorf("DHCP server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
		s.logger.Info().Msg("DHCP server started successfully")
		return nil
	}
}

// Stop gracefully stops the DHCP server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping DHCP server")
	s.cancel()

	if s.server != nil {
		if err := s.server.Close(); err != nil {
			return fmt.Errorf("failed to stop DHCP server: %w", err)
		}
	}
	return nil
}

// handleDHCP is the server4 handler
func (s *Server) handleDHCP(conn net.PacketConn, peer net.Addr, m *dhcpv4.DHCPv4) {
	response, err := s.Handle(s.ctx, m)
	if err != nil {
		s.logger.Error().Err(err).Str("mac", m.ClientHWAddr.String()).Msg("Error handling DHCP request")
		return
	}
	if response == nil {
		return
	}

	if _, err := conn.WriteTo(response.ToBytes(), peer); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send DHCP response")
		return
	}

	s.logger.Debug().
		Str("type", response.MessageType().String()).
		Str("mac", response.ClientHWAddr.String()).
		Str("ip", response.YourIPAddr.String()).
		Msg("Sent DHCP response")
}

// Handle processes one client message and returns the reply, nil when the
// message needs none.
func (s *Server) Handle(ctx context.Context, m *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	s.logger.Debug().
		Str("type", m.MessageType().String()).
		Str("mac", m.ClientHWAddr.String()).
		Msg("Received DHCP request")

	switch m.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		metrics.DHCPRequestsTotal.WithLabelValues("discover").Inc()
		return s.handleDiscover(ctx, m)
	case dhcpv4.MessageTypeRequest:
		metrics.DHCPRequestsTotal.WithLabelValues("request").Inc()
		return s.handleRequest(ctx, m)
	case dhcpv4.MessageTypeRelease:
		metrics.DHCPRequestsTotal.WithLabelValues("release").Inc()
		return nil, s.handleRelease(ctx, m)
	case dhcpv4.MessageTypeDecline:
		metrics.DHCPRequestsTotal.WithLabelValues("decline").Inc()
		return nil, s.handleDecline(ctx, m)
	default:
		s.logger.Warn().
			Str("type", m.MessageType().String()).
			Msg("Unsupported DHCP message type")
		return nil, nil
	}
}

// handleDiscover offers an address and reports the association
func (s *Server) handleDiscover(ctx context.Context, req *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	mac := macaddr.FromHardwareAddr(req.ClientHWAddr)

	if err := s.events.Associated(ctx, mac, req.HostName()); err != nil {
		s.logger.Warn().Err(err).Str("mac", mac).Msg("Failed to record association")
	}

	offerIP, err := s.offerFor(ctx, mac)
	if err != nil {
		return nil, err
	}

	offer, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply: %w", err)
	}
	offer.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeOffer))
	offer.YourIPAddr = offerIP
	offer.ServerIPAddr = s.serverIP
	s.addStandardOptions(offer)

	return offer, nil
}

// offerFor reuses a live in-pool lease or allocates a fresh address
func (s *Server) offerFor(ctx context.Context, mac string) (net.IP, error) {
	lease, err := s.leaseStore.GetByMAC(ctx, mac)
	if err == nil && !lease.IsExpired() {
		if ip := net.ParseIP(lease.IP); s.isIPInPool(ip) {
			s.logger.Debug().Str("mac", mac).Str("ip", lease.IP).Msg("Reusing existing lease")
			return ip.To4(), nil
		}

		s.logger.Info().Str("mac", mac).Str("old_ip", lease.IP).Msg("Existing lease outside pool range, allocating new IP")
		if err := s.leaseStore.Delete(ctx, mac); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to delete old lease")
		}
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}

	ip, err := s.allocateIP(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("mac", mac).Msg("Failed to allocate IP")
		return nil, err
	}
	s.logger.Debug().Str("mac", mac).Str("ip", ip.String()).Msg("Allocated new IP")
	return ip, nil
}

// handleRequest commits a lease and reports the assignment
func (s *Server) handleRequest(ctx context.Context, req *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	mac := macaddr.FromHardwareAddr(req.ClientHWAddr)
	requestedIP := req.RequestedIPAddress()
	if requestedIP == nil || requestedIP.IsUnspecified() {
		requestedIP = req.ClientIPAddr
	}

	if !s.isIPInPool(requestedIP) {
		s.logger.Warn().Str("mac", mac).Str("ip", requestedIP.String()).Msg("Requested IP not in pool, sending NAK")
		return s.createNAK(req), nil
	}

	if holder, err := s.leaseStore.GetByIP(ctx, requestedIP.String()); err == nil && holder.MAC != mac && !holder.IsExpired() {
		s.logger.Warn().Str("mac", mac).Str("ip", requestedIP.String()).Str("holder", holder.MAC).Msg("Requested IP leased to another client, sending NAK")
		return s.createNAK(req), nil
	}

	lease := &storage.DHCPLease{
		MAC:       mac,
		IP:        requestedIP.String(),
		Hostname:  req.HostName(),
		ExpiresAt: time.Now().Add(s.config.LeaseTime),
	}
	if err := s.leaseStore.Create(ctx, lease); err != nil {
		return nil, fmt.Errorf("failed to save lease: %w", err)
	}
	s.refreshLeaseGauge(ctx)

	s.logger.Info().
		Str("mac", mac).
		Str("ip", lease.IP).
		Str("hostname", lease.Hostname).
		Msg("Assigned IP lease")

	if err := s.events.IPAssigned(ctx, mac, lease.IP, lease.Hostname); err != nil {
		s.logger.Warn().Err(err).Str("mac", mac).Msg("Failed to record IP assignment")
	}

	ack, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply: %w", err)
	}
	ack.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))
	ack.YourIPAddr = requestedIP.To4()
	ack.ServerIPAddr = s.serverIP
	s.addStandardOptions(ack)

	return ack, nil
}

// handleRelease drops the lease and reports the station leaving
func (s *Server) handleRelease(ctx context.Context, req *dhcpv4.DHCPv4) error {
	mac := macaddr.FromHardwareAddr(req.ClientHWAddr)

	if err := s.leaseStore.Delete(ctx, mac); err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	s.refreshLeaseGauge(ctx)

	s.logger.Info().Str("mac", mac).Str("ip", req.ClientIPAddr.String()).Msg("Released IP lease")

	return s.events.Disassociated(ctx, mac)
}

// handleDecline drops a lease the client found in use
func (s *Server) handleDecline(ctx context.Context, req *dhcpv4.DHCPv4) error {
	mac := macaddr.FromHardwareAddr(req.ClientHWAddr)

	s.logger.Warn().
		Str("mac", mac).
		Str("ip", req.RequestedIPAddress().String()).
		Msg("Client declined IP address (possible conflict)")

	return s.leaseStore.Delete(ctx, mac)
}

// addStandardOptions adds standard DHCP options to response
func (s *Server) addStandardOptions(resp *dhcpv4.DHCPv4) {
	resp.UpdateOption(dhcpv4.OptSubnetMask(s.mask))

	if s.config.Gateway != "" {
		resp.UpdateOption(dhcpv4.OptRouter(net.ParseIP(s.config.Gateway)))
	}

	// The access point answers DNS itself unless told otherwise
	dnsServers := []net.IP{s.serverIP}
	if len(s.config.DNSServers) > 0 {
		dnsServers = dnsServers[:0]
		for _, dns := range s.config.DNSServers {
			dnsServers = append(dnsServers, net.ParseIP(dns))
		}
	}
	resp.UpdateOption(dhcpv4.OptDNS(dnsServers...))

	resp.UpdateOption(dhcpv4.OptIPAddressLeaseTime(s.config.LeaseTime))
	resp.UpdateOption(dhcpv4.OptServerIdentifier(s.serverIP))
}

// allocateIP finds the first free address in the pool
func (s *Server) allocateIP(ctx context.Context) (net.IP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	leases, err := s.leaseStore.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}

	allocated := make(map[string]bool, len(leases))
	for _, lease := range leases {
		if !lease.IsExpired() {
			allocated[lease.IP] = true
		}
	}

	end := ipToInt(s.poolEnd)
	for ip := append(net.IP(nil), s.poolStart...); ipToInt(ip) <= end; ip = nextIP(ip) {
		if !allocated[ip.String()] {
			return ip, nil
		}
		if ipToInt(ip) == end {
			break
		}
	}
	return nil, fmt.Errorf("no available IPs in pool")
}

// isIPInPool checks if an IP is within the configured pool range
func (s *Server) isIPInPool(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	v := ipToInt(ip4)
	return v >= ipToInt(s.poolStart) && v <= ipToInt(s.poolEnd)
}

// createNAK creates a DHCP NAK response
func (s *Server) createNAK(req *dhcpv4.DHCPv4) *dhcpv4.DHCPv4 {
	nak, _ := dhcpv4.NewReplyFromRequest(req)
	nak.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeNak))
	nak.ServerIPAddr = s.serverIP
	return nak
}

func (s *Server) refreshLeaseGauge(ctx context.Context) {
	if leases, err := s.leaseStore.List(ctx); err == nil {
		metrics.DHCPLeasesActive.Set(float64(len(leases)))
	}
}

// ipToInt converts IP address to uint32
func ipToInt(ip net.IP) uint32 {
	if len(ip) == 16 {
		ip = ip[12:16]
	}
	return binary.BigEndian.Uint32(ip)
}

// nextIP increments an IP address by one
func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)

	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] > 0 {
			break
		}
	}

	return next
}
