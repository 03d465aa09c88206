package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Sessions    SessionsConfig    `mapstructure:"sessions"`
	Devices     DevicesConfig     `mapstructure:"devices"`
	Users       UsersConfig       `mapstructure:"users"`
	Whitelist   WhitelistConfig   `mapstructure:"whitelist"`
	DHCP        DHCPConfig        `mapstructure:"dhcp"`
	Resolver    ResolverConfig    `mapstructure:"resolver"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig defines listener ports and HTTP server timeouts
type ServerConfig struct {
	BindAddress     string `mapstructure:"bind_address"`
	HTTPPort        int    `mapstructure:"http_port"`
	MetricsPort     int    `mapstructure:"metrics_port"`
	ReadTimeout     string `mapstructure:"read_timeout"`
	WriteTimeout    string `mapstructure:"write_timeout"`
	IdleTimeout     string `mapstructure:"idle_timeout"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
}

// AdminConfig defines admin interface settings
type AdminConfig struct {
	InitialUsername string `mapstructure:"initial_username"`
	InitialPassword string `mapstructure:"initial_password"`
	MaxCookieBytes  int    `mapstructure:"max_cookie_bytes"` // Cookie header size answered with 431
	MaxHeaderBytes  int    `mapstructure:"max_header_bytes"` // Must exceed MaxCookieBytes
	RateLimit       int    `mapstructure:"rate_limit"`       // Login attempts per window per client, 0 disables
	RateLimitWindow string `mapstructure:"rate_limit_window"`
}

// SessionsConfig bounds the session table
type SessionsConfig struct {
	Max     int    `mapstructure:"max"`
	Timeout string `mapstructure:"timeout"`
}

// DevicesConfig bounds the device registry
type DevicesConfig struct {
	Max             int    `mapstructure:"max"`
	StaleAfter      string `mapstructure:"stale_after"`
	Autoflush       bool   `mapstructure:"autoflush"`
	SynthesizeNames bool   `mapstructure:"synthesize_names"` // Name anonymous stations device_XXYYZZ
}

// UsersConfig bounds the user store
type UsersConfig struct {
	Max           int  `mapstructure:"max"`
	Autoflush     bool `mapstructure:"autoflush"`
	HashPasswords bool `mapstructure:"hash_passwords"`
}

// WhitelistConfig controls the MAC whitelist
type WhitelistConfig struct {
	Autoflush    bool `mapstructure:"autoflush"`
	SeedDefaults bool `mapstructure:"seed_defaults"`
}

// DHCPConfig defines DHCP server settings
type DHCPConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Port        int      `mapstructure:"port"`
	BindAddress string   `mapstructure:"bind_address"`
	ServerIP    string   `mapstructure:"server_ip"`   // DHCP server identifier
	SubnetMask  string   `mapstructure:"subnet_mask"` // Network mask
	Gateway     string   `mapstructure:"gateway"`     // Default gateway
	DNSServers  []string `mapstructure:"dns_servers"` // DNS servers to advertise
	LeaseTime   string   `mapstructure:"lease_time"`  // Default lease duration
	RangeStart  string   `mapstructure:"range_start"` // Start of IP pool
	RangeEnd    string   `mapstructure:"range_end"`   // End of IP pool
}

// ResolverConfig defines reverse DNS lookups for station hostnames
type ResolverConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Servers   []string `mapstructure:"servers"` // Empty means /etc/resolv.conf
	Timeout   string   `mapstructure:"timeout"`
	CacheSize int      `mapstructure:"cache_size"`
	CacheTTL  string   `mapstructure:"cache_ttl"`
}

// MaintenanceConfig defines the periodic jobs
type MaintenanceConfig struct {
	Interval     string `mapstructure:"interval"`      // Staleness refresh and session sweep
	ScanInterval string `mapstructure:"scan_interval"` // Connected station scan
}

// PolicyConfig defines the API authorization policy
type PolicyConfig struct {
	File               string `mapstructure:"file"`
	AdminOnlyMutations bool   `mapstructure:"admin_only_mutations"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the Redis connection
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("APCONSOLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.http_port", 80)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Admin defaults
	v.SetDefault("admin.initial_username", "admin")
	v.SetDefault("admin.initial_password", "admin")
	v.SetDefault("admin.max_cookie_bytes", 4096)
	v.SetDefault("admin.max_header_bytes", 16384)
	v.SetDefault("admin.rate_limit", 0)
	v.SetDefault("admin.rate_limit_window", "1m")

	// Table defaults
	v.SetDefault("sessions.max", 20)
	v.SetDefault("sessions.timeout", "30m")
	v.SetDefault("devices.max", 50)
	v.SetDefault("devices.stale_after", "5m")
	v.SetDefault("devices.autoflush", true)
	v.SetDefault("devices.synthesize_names", false)
	v.SetDefault("users.max", 10)
	v.SetDefault("users.autoflush", false)
	v.SetDefault("users.hash_passwords", false)
	v.SetDefault("whitelist.autoflush", true)
	v.SetDefault("whitelist.seed_defaults", true)

	// DHCP defaults
	v.SetDefault("dhcp.enabled", false)
	v.SetDefault("dhcp.port", 67)
	v.SetDefault("dhcp.bind_address", "0.0.0.0")
	v.SetDefault("dhcp.server_ip", "")
	v.SetDefault("dhcp.subnet_mask", "255.255.255.0")
	v.SetDefault("dhcp.gateway", "")
	v.SetDefault("dhcp.range_start", "")
	v.SetDefault("dhcp.range_end", "")
	v.SetDefault("dhcp.lease_time", "2h")
	v.SetDefault("dhcp.dns_servers", []string{})

	// Resolver defaults
	v.SetDefault("resolver.enabled", true)
	v.SetDefault("resolver.servers", []string{})
	v.SetDefault("resolver.timeout", "2s")
	v.SetDefault("resolver.cache_size", 256)
	v.SetDefault("resolver.cache_ttl", "10m")

	// Maintenance defaults
	v.SetDefault("maintenance.interval", "1m")
	v.SetDefault("maintenance.scan_interval", "30s")

	// Policy defaults
	v.SetDefault("policy.file", "")
	v.SetDefault("policy.admin_only_mutations", false)

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "apconsole")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Sessions.Max <= 0 {
		return fmt.Errorf("sessions.max must be positive")
	}
	if cfg.Devices.Max <= 0 {
		return fmt.Errorf("devices.max must be positive")
	}
	if cfg.Users.Max <= 0 {
		return fmt.Errorf("users.max must be positive")
	}
	if cfg.Admin.InitialUsername == "" {
		return fmt.Errorf("admin.initial_username is required")
	}
	if cfg.Admin.MaxCookieBytes <= 0 {
		return fmt.Errorf("admin.max_cookie_bytes must be positive")
	}
	// Past max_header_bytes net/http answers 431 itself, without the page
	if cfg.Admin.MaxHeaderBytes > 0 && cfg.Admin.MaxHeaderBytes <= cfg.Admin.MaxCookieBytes {
		return fmt.Errorf("admin.max_header_bytes (%d) must exceed admin.max_cookie_bytes (%d)",
			cfg.Admin.MaxHeaderBytes, cfg.Admin.MaxCookieBytes)
	}

	durations := map[string]string{
		"server.read_timeout":       cfg.Server.ReadTimeout,
		"server.write_timeout":      cfg.Server.WriteTimeout,
		"server.idle_timeout":       cfg.Server.IdleTimeout,
		"server.shutdown_timeout":   cfg.Server.ShutdownTimeout,
		"admin.rate_limit_window":   cfg.Admin.RateLimitWindow,
		"sessions.timeout":          cfg.Sessions.Timeout,
		"devices.stale_after":       cfg.Devices.StaleAfter,
		"resolver.timeout":          cfg.Resolver.Timeout,
		"resolver.cache_ttl":        cfg.Resolver.CacheTTL,
		"maintenance.interval":      cfg.Maintenance.Interval,
		"maintenance.scan_interval": cfg.Maintenance.ScanInterval,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if cfg.DHCP.Enabled {
		if _, err := time.ParseDuration(cfg.DHCP.LeaseTime); err != nil {
			return fmt.Errorf("invalid dhcp.lease_time %q: %w", cfg.DHCP.LeaseTime, err)
		}
		for key, value := range map[string]string{
			"dhcp.server_ip":   cfg.DHCP.ServerIP,
			"dhcp.range_start": cfg.DHCP.RangeStart,
			"dhcp.range_end":   cfg.DHCP.RangeEnd,
		} {
			if net.ParseIP(value) == nil {
				return fmt.Errorf("invalid %s: %q", key, value)
			}
		}
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "redis"
	}
	if cfg.Storage.Type != "redis" {
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s", cfg.Logging.Format)
	}

	return nil
}
