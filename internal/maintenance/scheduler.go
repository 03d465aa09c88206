// Package maintenance runs the periodic housekeeping jobs: the connected
// station scan, device staleness refresh, session sweep and expired lease
// cleanup.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/apconsole/internal/device"
	"github.com/goodtune/apconsole/internal/metrics"
	"github.com/goodtune/apconsole/internal/session"
	"github.com/goodtune/apconsole/internal/station"
	"github.com/goodtune/apconsole/internal/storage"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job names, also used as metric labels.
const (
	JobScan      = "scan"
	JobStaleness = "staleness"
	JobSessions  = "sessions"
	JobLeases    = "leases"
)

// Config holds the job intervals.
type Config struct {
	Interval     time.Duration // staleness, session sweep and lease cleanup
	ScanInterval time.Duration
	StaleAfter   time.Duration
}

// Deps are the tables the jobs operate on. Tracker, Source and Leases may be
// nil when the DHCP server is disabled; their jobs are then not scheduled.
type Deps struct {
	Devices  *device.Registry
	Sessions *session.Table
	Tracker  *station.Tracker
	Source   station.Source
	Leases   storage.DHCPLeaseStore
}

// Scheduler owns the cron instance driving the jobs.
type Scheduler struct {
	config Config
	deps   Deps
	cron   *cron.Cron
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler registers every applicable job. Nothing runs until Start.
func NewScheduler(config Config, deps Deps, logger zerolog.Logger) (*Scheduler, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("maintenance interval must be positive, got %s", config.Interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		config: config,
		deps:   deps,
		cron:   cron.New(),
		logger: logger.With().Str("component", "maintenance").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	jobs := []struct {
		name  string
		every time.Duration
		run   func(context.Context) error
		ok    bool
	}{
		{JobStaleness, config.Interval, s.refreshStaleness, deps.Devices != nil},
		{JobSessions, config.Interval, s.sweepSessions, deps.Sessions != nil},
		{JobLeases, config.Interval, s.deleteExpiredLeases, deps.Leases != nil},
		{JobScan, config.ScanInterval, s.scanStations, deps.Tracker != nil && deps.Source != nil && config.ScanInterval > 0},
	}

	for _, job := range jobs {
		if !job.ok {
			continue
		}
		name, run := job.name, job.run
		spec := fmt.Sprintf("@every %s", job.every)
		if _, err := s.cron.AddFunc(spec, func() { s.runJob(s.ctx, name, run) }); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to schedule %s job: %w", name, err)
		}
		s.logger.Debug().Str("job", name).Dur("every", job.every).Msg("Scheduled maintenance job")
	}

	return s, nil
}

// Start begins running the scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().
		Int("jobs", len(s.cron.Entries())).
		Msg("Maintenance scheduler started")
}

// Stop halts the scheduler and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.logger.Info().Msg("Maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("maintenance jobs still running: %w", ctx.Err())
	}
}

// RunAll executes every configured job once, in order.
func (s *Scheduler) RunAll(ctx context.Context) {
	if s.deps.Tracker != nil && s.deps.Source != nil {
		s.runJob(ctx, JobScan, s.scanStations)
	}
	if s.deps.Devices != nil {
		s.runJob(ctx, JobStaleness, s.refreshStaleness)
	}
	if s.deps.Sessions != nil {
		s.runJob(ctx, JobSessions, s.sweepSessions)
	}
	if s.deps.Leases != nil {
		s.runJob(ctx, JobLeases, s.deleteExpiredLeases)
	}
}

func (s *Scheduler) runJob(ctx context.Context, name string, run func(context.Context) error) {
	start := time.Now()
	if err := run(ctx); err != nil {
		metrics.MaintenanceRuns.WithLabelValues(name, "error").Inc()
		s.logger.Error().Err(err).Str("job", name).Msg("Maintenance job failed")
		return
	}
	metrics.MaintenanceRuns.WithLabelValues(name, "success").Inc()
	s.logger.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("Maintenance job completed")
}

func (s *Scheduler) scanStations(ctx context.Context) error {
	n, err := s.deps.Tracker.Scan(ctx, s.deps.Source)
	if err != nil {
		return err
	}
	s.logger.Debug().Int("stations", n).Msg("Scanned connected stations")
	return nil
}

func (s *Scheduler) refreshStaleness(context.Context) error {
	if n := s.deps.Devices.RefreshStaleness(s.config.StaleAfter); n > 0 {
		s.logger.Info().Int("devices", n).Msg("Marked stale devices inactive")
	}
	UpdateDeviceGauges(s.deps.Devices)
	return nil
}

func (s *Scheduler) sweepSessions(context.Context) error {
	if n := s.deps.Sessions.Sweep(); n > 0 {
		s.logger.Info().Int("sessions", n).Msg("Swept expired sessions")
	}
	metrics.SessionsActive.Set(float64(s.deps.Sessions.Count()))
	return nil
}

func (s *Scheduler) deleteExpiredLeases(ctx context.Context) error {
	n, err := s.deps.Leases.DeleteExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info().Int("leases", n).Msg("Deleted expired DHCP leases")
	}
	return nil
}

// UpdateDeviceGauges publishes the registry's named, unknown and active
// device counts.
func UpdateDeviceGauges(devices *device.Registry) {
	var named, unknown, active int
	for _, rec := range devices.List(false) {
		if rec.IsUnknown() {
			unknown++
		} else {
			named++
		}
		if rec.Active {
			active++
		}
	}
	metrics.DevicesKnown.WithLabelValues("named").Set(float64(named))
	metrics.DevicesKnown.WithLabelValues("unknown").Set(float64(unknown))
	metrics.DevicesKnown.WithLabelValues("active").Set(float64(active))
}
