package resolver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// startPTRServer serves PTR answers from names on a loopback UDP port.
func startPTRServer(t *testing.T, names map[string]string) (string, *atomic.Int32) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var queries atomic.Int32
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			queries.Add(1)
			m := new(dns.Msg)
			m.SetReply(r)
			q := r.Question[0]
			if name, ok := names[q.Name]; ok {
				m.Answer = append(m.Answer, &dns.PTR{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 60},
					Ptr: name,
				})
			} else {
				m.Rcode = dns.RcodeNameError
			}
			_ = w.WriteMsg(m)
		}),
	}

	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("DNS server did not start")
	}

	return pc.LocalAddr().String(), &queries
}

func TestLookupAddr(t *testing.T) {
	addr, queries := startPTRServer(t, map[string]string{
		"10.4.168.192.in-addr.arpa.": "laptop.lan.",
	})

	r, err := New(Config{Servers: []string{addr}, Timeout: time.Second, CacheTTL: time.Minute}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	name, err := r.LookupAddr(ctx, "192.168.4.10")
	if err != nil {
		t.Fatalf("LookupAddr failed: %v", err)
	}
	if name != "laptop.lan" {
		t.Errorf("Expected laptop.lan, got %q", name)
	}

	// Second lookup is served from cache
	if _, err := r.LookupAddr(ctx, "192.168.4.10"); err != nil {
		t.Fatalf("cached LookupAddr failed: %v", err)
	}
	if n := queries.Load(); n != 1 {
		t.Errorf("Expected 1 upstream query, got %d", n)
	}
}

func TestLookupAddr_NotFoundIsCached(t *testing.T) {
	addr, queries := startPTRServer(t, nil)

	r, err := New(Config{Servers: []string{addr}, Timeout: time.Second, CacheTTL: time.Minute}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := r.LookupAddr(ctx, "192.168.4.99"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Expected ErrNotFound, got %v", err)
		}
	}
	if n := queries.Load(); n != 1 {
		t.Errorf("Expected negative answer cached, got %d queries", n)
	}
}

func TestLookupAddr_InvalidIP(t *testing.T) {
	r, err := New(Config{Servers: []string{"127.0.0.1:1"}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := r.LookupAddr(context.Background(), "not-an-ip"); err == nil {
		t.Error("Expected error for invalid IP")
	}
}
