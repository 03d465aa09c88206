package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Admin surface metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apconsole_http_requests_total",
			Help: "Total admin HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apconsole_http_request_duration_seconds",
			Help:    "Admin request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	LoginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apconsole_login_attempts_total",
			Help: "Login attempts by result",
		},
		[]string{"result"},
	)

	APIOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apconsole_api_operations_total",
			Help: "Mutating API operations by table, action and result",
		},
		[]string{"table", "action", "result"},
	)

	PolicyDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apconsole_policy_denials_total",
			Help: "API requests refused by the authorization policy",
		},
		[]string{"method", "path"},
	)

	// Table metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apconsole_sessions_active",
			Help: "Number of live admin sessions",
		},
	)

	DevicesKnown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apconsole_devices",
			Help: "Devices in the registry by category",
		},
		[]string{"category"},
	)

	PersistErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apconsole_persist_errors_total",
			Help: "Failed writes of a table snapshot to storage",
		},
		[]string{"table"},
	)

	// Station metrics
	StationsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apconsole_stations_connected",
			Help: "Number of associated stations",
		},
	)

	StationEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apconsole_station_events_total",
			Help: "Station association events by type",
		},
		[]string{"event"},
	)

	ResolverLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apconsole_resolver_lookups_total",
			Help: "Reverse hostname lookups by result",
		},
		[]string{"result"},
	)

	// DHCP metrics
	DHCPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apconsole_dhcp_requests_total",
			Help: "Total DHCP requests received",
		},
		[]string{"type"},
	)

	DHCPLeasesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apconsole_dhcp_leases_active",
			Help: "Number of active DHCP leases",
		},
	)

	// Maintenance metrics
	MaintenanceRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apconsole_maintenance_runs_total",
			Help: "Scheduled maintenance job runs by result",
		},
		[]string{"job", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		LoginAttempts,
		APIOperations,
		PolicyDenials,
		SessionsActive,
		DevicesKnown,
		PersistErrors,
		StationsConnected,
		StationEvents,
		ResolverLookups,
		DHCPRequestsTotal,
		DHCPLeasesActive,
		MaintenanceRuns,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
