package admin

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/apconsole/internal/device"
	"github.com/goodtune/apconsole/internal/policy"
	"github.com/goodtune/apconsole/internal/session"
	"github.com/goodtune/apconsole/internal/users"
	"github.com/goodtune/apconsole/internal/whitelist"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

//go:embed static
var staticFS embed.FS

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "session_id"

// Config holds the admin server configuration.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxCookieBytes  int
	MaxHeaderBytes  int
	RateLimit       int // Login attempts per window and client; 0 disables
	RateLimitWindow time.Duration
}

// MACResolver maps a client IP to the MAC holding it.
type MACResolver interface {
	MACForIP(ctx context.Context, ip string) (string, error)
}

// Deps are the tables the control surface operates on. Leases may be nil.
type Deps struct {
	Sessions  *session.Table
	Users     *users.Store
	Whitelist *whitelist.Store
	Devices   *device.Registry
	Policy    *policy.Engine
	Leases    MACResolver
}

// Server represents the admin HTTP server.
type Server struct {
	config      Config
	deps        Deps
	rateLimiter *RateLimiter
	server      *http.Server
	listener    net.Listener
	router      *mux.Router
	templates   *template.Template
	logger      zerolog.Logger
}

// NewServer creates a new admin server.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) (*Server, error) {
	if cfg.MaxCookieBytes <= 0 {
		cfg.MaxCookieBytes = 4096
	}

	tmpl, err := template.ParseFS(staticFS, "static/templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	s := &Server{
		config:    cfg,
		deps:      deps,
		router:    mux.NewRouter(),
		templates: tmpl,
		logger:    logger.With().Str("component", "admin").Logger(),
	}
	if cfg.RateLimit > 0 {
		s.rateLimiter = NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        s.Handler(),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	// Public routes
	s.router.HandleFunc("/", s.handleRoot).Methods("GET")
	s.router.HandleFunc("/login", s.handleLoginPage).Methods("GET")
	s.router.HandleFunc("/login", s.handleLogin).Methods("POST")
	s.router.HandleFunc("/logout", s.handleLogout).Methods("GET")
	s.router.HandleFunc("/style.css", s.staticAsset("static/style.css", "text/css; charset=utf-8")).Methods("GET")
	s.router.HandleFunc("/common.js", s.staticAsset("static/common.js", "application/javascript; charset=utf-8")).Methods("GET")
	s.router.HandleFunc("/header_too_large", s.handleHeaderTooLarge).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Pages and API require a live session
	authRouter := s.router.NewRoute().Subrouter()
	authRouter.Use(s.SessionMiddleware)

	for _, page := range pages {
		authRouter.HandleFunc(page.path, s.handlePage(page)).Methods("GET")
	}

	authRouter.HandleFunc("/api/users", s.handleListUsers).Methods("GET")
	authRouter.HandleFunc("/api/users", s.handleModifyUsers).Methods("POST")
	authRouter.HandleFunc("/api/whitelist", s.handleListWhitelist).Methods("GET")
	authRouter.HandleFunc("/api/whitelist", s.handleModifyWhitelist).Methods("POST")
	authRouter.HandleFunc("/api/devices", s.handleListDevices).Methods("GET")
	authRouter.HandleFunc("/api/devices/clear", s.handleClearDevices).Methods("POST")
	authRouter.HandleFunc("/api/sessions", s.handleListSessions).Methods("GET")
}

// Handler returns the root handler, including the oversized header guard
// that must run before routing.
func (s *Server) Handler() http.Handler {
	return HeaderSizeMiddleware(s.config.MaxCookieBytes, s.logger)(s.router)
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the admin HTTP server.
func (s *Server) Start() error {
	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
		}
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated HTTP listener")
	}

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Msg("Starting admin server")

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Admin server error")
		}
	}()

	return nil
}

// Stop gracefully stops the admin HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping admin server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}
