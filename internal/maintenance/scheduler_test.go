package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/apconsole/internal/clock"
	"github.com/goodtune/apconsole/internal/device"
	"github.com/goodtune/apconsole/internal/session"
	"github.com/goodtune/apconsole/internal/station"
	"github.com/goodtune/apconsole/internal/storage"
	"github.com/goodtune/apconsole/internal/storage/storagetest"
	"github.com/rs/zerolog"
)

type fakeSource []station.Station

func (f fakeSource) ConnectedStations(context.Context) ([]station.Station, error) {
	return f, nil
}

func TestNewScheduler_InvalidInterval(t *testing.T) {
	if _, err := NewScheduler(Config{}, Deps{}, zerolog.Nop()); err == nil {
		t.Error("Expected error for zero interval")
	}
}

func TestRunAll(t *testing.T) {
	store, _ := storagetest.New(t)
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	devices := device.NewRegistry(store.KV(), device.Options{Max: 10, Clock: clk}, zerolog.Nop())
	sessions := session.NewTable(5, time.Minute, zerolog.Nop(), session.WithClock(clk))
	tracker := station.NewTracker(devices, nil, false, zerolog.Nop())

	if err := devices.Upsert("old", "192.168.4.20", "AA:00:00:00:00:01"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if _, err := sessions.Create("admin"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_ = store.DHCPLeases().Create(ctx, &storage.DHCPLease{
		MAC:       "AA:00:00:00:00:09",
		IP:        "192.168.4.29",
		ExpiresAt: time.Now().Add(-time.Minute),
	})

	clk.Advance(10 * time.Minute)

	sched, err := NewScheduler(Config{
		Interval:     time.Minute,
		ScanInterval: 30 * time.Second,
		StaleAfter:   5 * time.Minute,
	}, Deps{
		Devices:  devices,
		Sessions: sessions,
		Tracker:  tracker,
		Source:   fakeSource{{MAC: "AA:00:00:00:00:02", IP: "192.168.4.21", Hostname: "laptop"}},
		Leases:   store.DHCPLeases(),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	sched.RunAll(ctx)

	old, err := devices.FindByMAC("AA:00:00:00:00:01")
	if err != nil {
		t.Fatalf("FindByMAC failed: %v", err)
	}
	if old.Active {
		t.Error("Expected stale device to be inactive")
	}

	laptop, err := devices.FindByMAC("AA:00:00:00:00:02")
	if err != nil {
		t.Fatalf("Expected scanned station in registry: %v", err)
	}
	if !laptop.Active || laptop.Hostname != "laptop" {
		t.Errorf("Unexpected scanned record %+v", laptop)
	}

	if sessions.Count() != 0 {
		t.Errorf("Expected expired session swept, %d remain", sessions.Count())
	}

	if _, err := store.DHCPLeases().GetByMAC(ctx, "AA:00:00:00:00:09"); err == nil {
		t.Error("Expected expired lease deleted")
	}
}

func TestStartStop(t *testing.T) {
	store, _ := storagetest.New(t)
	devices := device.NewRegistry(store.KV(), device.Options{Max: 10}, zerolog.Nop())

	sched, err := NewScheduler(Config{Interval: time.Hour, StaleAfter: time.Minute}, Deps{Devices: devices}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	if got := len(sched.cron.Entries()); got != 1 {
		t.Errorf("Expected 1 scheduled job, got %d", got)
	}

	sched.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sched.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
