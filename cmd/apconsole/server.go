package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/apconsole/internal/admin"
	"github.com/goodtune/apconsole/internal/config"
	"github.com/goodtune/apconsole/internal/device"
	"github.com/goodtune/apconsole/internal/dhcp"
	"github.com/goodtune/apconsole/internal/maintenance"
	"github.com/goodtune/apconsole/internal/metrics"
	"github.com/goodtune/apconsole/internal/policy"
	"github.com/goodtune/apconsole/internal/resolver"
	"github.com/goodtune/apconsole/internal/session"
	"github.com/goodtune/apconsole/internal/station"
	"github.com/goodtune/apconsole/internal/storage"
	"github.com/goodtune/apconsole/internal/storage/redis"
	"github.com/goodtune/apconsole/internal/systemd"
	"github.com/goodtune/apconsole/internal/users"
	"github.com/goodtune/apconsole/internal/whitelist"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start apconsole server",
	Long:  `Start the administration console with its HTTP, DHCP (optional) and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting apconsole")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	ctx := context.Background()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("storage unreachable: %w", err)
	}

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Msg("Storage initialized")

	// Tables
	userStore := users.NewStore(store.KV(), users.Options{
		Max:             cfg.Users.Max,
		Autoflush:       cfg.Users.Autoflush,
		HashPasswords:   cfg.Users.HashPasswords,
		InitialUsername: cfg.Admin.InitialUsername,
		InitialPassword: cfg.Admin.InitialPassword,
	}, logger)
	if err := userStore.Load(ctx); err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	if !cfg.Users.HashPasswords {
		logger.Warn().Msg("Passwords are stored in plaintext; set users.hash_passwords to store bcrypt hashes")
	}

	whitelistStore := whitelist.NewStore(store.KV(), whitelist.Options{
		Autoflush:    cfg.Whitelist.Autoflush,
		SeedDefaults: cfg.Whitelist.SeedDefaults,
	}, logger)
	if err := whitelistStore.Load(ctx); err != nil {
		return fmt.Errorf("failed to load whitelist: %w", err)
	}

	devices := device.NewRegistry(store.KV(), device.Options{
		Max:       cfg.Devices.Max,
		Autoflush: cfg.Devices.Autoflush,
	}, logger)
	if err := devices.Load(ctx); err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}

	sessions := session.NewTable(cfg.Sessions.Max, parseDuration(cfg.Sessions.Timeout, session.DefaultTimeout), logger)

	logger.Info().
		Int("users", userStore.Count()).
		Int("whitelist", whitelistStore.Count()).
		Int("devices", devices.Count()).
		Msg("Tables loaded")

	// Initialize Policy Engine
	policyEngine, err := policy.NewEngine(policy.Config{
		File:               cfg.Policy.File,
		AdminOnlyMutations: cfg.Policy.AdminOnlyMutations,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Policy Engine: %w", err)
	}

	logger.Info().
		Str("source", policyEngine.Source()).
		Msg("Policy Engine initialized")

	// Station tracking
	var hostnames station.HostnameResolver
	if cfg.Resolver.Enabled {
		res, err := resolver.New(resolver.Config{
			Servers:   cfg.Resolver.Servers,
			Timeout:   parseDuration(cfg.Resolver.Timeout, 2*time.Second),
			CacheSize: cfg.Resolver.CacheSize,
			CacheTTL:  parseDuration(cfg.Resolver.CacheTTL, 10*time.Minute),
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Reverse DNS disabled")
		} else {
			hostnames = res
		}
	}
	tracker := station.NewTracker(devices, hostnames, cfg.Devices.SynthesizeNames, logger)
	leases := dhcp.LeaseSource{Leases: store.DHCPLeases()}

	// Initialize DHCP Server (if enabled)
	var dhcpServer *dhcp.Server
	if cfg.DHCP.Enabled {
		dhcpServer, err = dhcp.NewServer(dhcp.Config{
			Port:        cfg.DHCP.Port,
			BindAddress: cfg.DHCP.BindAddress,
			ServerIP:    cfg.DHCP.ServerIP,
			SubnetMask:  cfg.DHCP.SubnetMask,
			Gateway:     cfg.DHCP.Gateway,
			DNSServers:  cfg.DHCP.DNSServers,
			LeaseTime:   parseDuration(cfg.DHCP.LeaseTime, 2*time.Hour),
			RangeStart:  cfg.DHCP.RangeStart,
			RangeEnd:    cfg.DHCP.RangeEnd,
		}, store.DHCPLeases(), tracker, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize DHCP Server: %w", err)
		}

		if sdListeners.DHCP != nil {
			dhcpServer.SetListener(sdListeners.DHCP)
		}

		if err := dhcpServer.Start(); err != nil {
			return fmt.Errorf("failed to start DHCP Server: %w", err)
		}
	}

	// Maintenance jobs
	deps := maintenance.Deps{Devices: devices, Sessions: sessions}
	if cfg.DHCP.Enabled {
		deps.Tracker = tracker
		deps.Source = leases
		deps.Leases = store.DHCPLeases()
	}
	scheduler, err := maintenance.NewScheduler(maintenance.Config{
		Interval:     parseDuration(cfg.Maintenance.Interval, time.Minute),
		ScanInterval: parseDuration(cfg.Maintenance.ScanInterval, 30*time.Second),
		StaleAfter:   parseDuration(cfg.Devices.StaleAfter, 5*time.Minute),
	}, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize maintenance: %w", err)
	}
	scheduler.RunAll(ctx)
	scheduler.Start()

	// Initialize Admin Server
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	adminServer, err := admin.NewServer(admin.Config{
		ListenAddr:      httpAddr,
		ReadTimeout:     parseDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout:    parseDuration(cfg.Server.WriteTimeout, 15*time.Second),
		IdleTimeout:     parseDuration(cfg.Server.IdleTimeout, 60*time.Second),
		MaxCookieBytes:  cfg.Admin.MaxCookieBytes,
		MaxHeaderBytes:  cfg.Admin.MaxHeaderBytes,
		RateLimit:       cfg.Admin.RateLimit,
		RateLimitWindow: parseDuration(cfg.Admin.RateLimitWindow, time.Minute),
	}, admin.Deps{
		Sessions:  sessions,
		Users:     userStore,
		Whitelist: whitelistStore,
		Devices:   devices,
		Policy:    policyEngine,
		Leases:    leases,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Admin Server: %w", err)
	}

	if sdListeners.HTTP != nil {
		adminServer.SetListener(sdListeners.HTTP)
	}

	if err := adminServer.Start(); err != nil {
		return fmt.Errorf("failed to start Admin Server: %w", err)
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	logger.Info().Msg("apconsole startup complete")
	logger.Info().Msgf("Admin console: http://%s/", httpAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	watchdogCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go runWatchdog(watchdogCtx, logger)

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading policy...")
		_ = systemd.NotifyReloading()
		if err := policyEngine.Reload(); err != nil {
			logger.Error().Err(err).Msg("Failed to reload policy")
		} else {
			logger.Info().Str("source", policyEngine.Source()).Msg("Policy reloaded successfully")
		}
		_ = systemd.NotifyReady()
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, parseDuration(cfg.Server.ShutdownTimeout, 10*time.Second))
	defer cancelShutdown()

	if err := adminServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping Admin Server")
	}

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping maintenance")
	}

	if dhcpServer != nil {
		if err := dhcpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping DHCP Server")
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	flushTables(shutdownCtx, logger, cfg, userStore, whitelistStore, devices)

	logger.Info().Msg("apconsole stopped")
	return nil
}

// flushTables writes the tables that do not persist on every mutation.
func flushTables(ctx context.Context, logger zerolog.Logger, cfg *config.Config, userStore *users.Store, whitelistStore *whitelist.Store, devices *device.Registry) {
	if !cfg.Users.Autoflush {
		if err := userStore.Save(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to save users on shutdown")
		}
	}
	if !cfg.Whitelist.Autoflush {
		if err := whitelistStore.Save(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to save whitelist on shutdown")
		}
	}
	if !cfg.Devices.Autoflush {
		if err := devices.Save(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to save devices on shutdown")
		}
	}
}

// runWatchdog pets the systemd watchdog until ctx is done.
func runWatchdog(ctx context.Context, logger zerolog.Logger) {
	interval, err := systemd.WatchdogInterval()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read systemd watchdog settings")
		return
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to notify systemd watchdog")
			}
		}
	}
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (only 'redis' is supported)", storageType)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
