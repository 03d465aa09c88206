// Package resolver looks up station hostnames by reverse DNS.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/goodtune/apconsole/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no PTR record exists for an address.
var ErrNotFound = errors.New("resolver: no PTR record")

const resolvConf = "/etc/resolv.conf"

// Config holds resolver configuration
type Config struct {
	Servers   []string // host:port, empty means resolv.conf
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
}

// Resolver performs cached PTR lookups against a set of DNS servers.
type Resolver struct {
	servers []string
	client  *dns.Client
	cache   *lru.LRU[string, string] // "" caches a negative answer
	logger  zerolog.Logger
}

// New creates a resolver.
func New(config Config, logger zerolog.Logger) (*Resolver, error) {
	servers := config.Servers
	if len(servers) == 0 {
		cc, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", resolvConf, err)
		}
		for _, s := range cc.Servers {
			servers = append(servers, net.JoinHostPort(s, cc.Port))
		}
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no DNS servers configured")
	}

	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 256
	}

	return &Resolver{
		servers: servers,
		client: &dns.Client{
			Timeout: config.Timeout,
		},
		cache:  lru.NewLRU[string, string](config.CacheSize, nil, config.CacheTTL),
		logger: logger.With().Str("component", "resolver").Logger(),
	}, nil
}

// LookupAddr returns the hostname for ip without the trailing dot.
func (r *Resolver) LookupAddr(ctx context.Context, ip string) (string, error) {
	if name, ok := r.cache.Get(ip); ok {
		metrics.ResolverLookups.WithLabelValues("cache").Inc()
		if name == "" {
			return "", ErrNotFound
		}
		return name, nil
	}

	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", ip, err)
	}

	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	m.RecursionDesired = true

	resp, err := r.exchange(ctx, m)
	if err != nil {
		metrics.ResolverLookups.WithLabelValues("error").Inc()
		return "", err
	}

	for _, answer := range resp.Answer {
		if ptr, ok := answer.(*dns.PTR); ok {
			name := strings.TrimSuffix(ptr.Ptr, ".")
			r.cache.Add(ip, name)
			metrics.ResolverLookups.WithLabelValues("found").Inc()
			r.logger.Debug().Str("ip", ip).Str("hostname", name).Msg("Resolved station hostname")
			return name, nil
		}
	}

	r.cache.Add(ip, "")
	metrics.ResolverLookups.WithLabelValues("not_found").Inc()
	return "", ErrNotFound
}

// exchange tries each server in turn
func (r *Resolver) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err == nil && resp != nil {
			return resp, nil
		}
		r.logger.Warn().
			Err(err).
			Str("server", server).
			Msg("Reverse lookup failed, trying next")
	}
	return nil, fmt.Errorf("all DNS servers failed")
}
