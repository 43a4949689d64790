// Package heartbeat runs the periodic hygiene passes: memory retention and
// demotion, scheduler expiry harvest, and SLO checks. All passes are
// idempotent.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/haru0416-dev/asteroniris/pkg/memory/sqlite"
	"github.com/haru0416-dev/asteroniris/pkg/metrics"
	"github.com/haru0416-dev/asteroniris/pkg/sched"
)

// DefaultInterval is the hygiene cadence.
const DefaultInterval = 10 * time.Minute

// Service is the heartbeat loop.
type Service struct {
	store    *sqlite.Store // nil when the backend has no hygiene support
	jobs     *sched.Store  // nil when the scheduler is disabled
	metrics  *metrics.Metrics
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the heartbeat service. store and jobs may be nil; the
// corresponding passes are skipped.
func New(store *sqlite.Store, jobs *sched.Store, met *metrics.Metrics, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{store: store, jobs: jobs, metrics: met, interval: interval}
}

// Start launches the background loop and runs one sweep immediately.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)
	slog.Info("Heartbeat started", "interval", s.interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Heartbeat stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	if s.store != nil {
		report, err := s.store.Hygiene(ctx)
		if err != nil {
			slog.Error("Heartbeat: memory hygiene failed", "error", err)
		} else {
			if s.metrics != nil {
				s.metrics.HygieneSweepsTotal.Inc()
				s.metrics.ContradictionRatio.Set(report.ContradictionRatio)
				if report.SLOViolated {
					s.metrics.SLOViolationsTotal.WithLabelValues("contradiction_ratio").Inc()
				}
			}
			if report.ExpiredSoftDeleted+report.ExpiredHardDeleted+report.RawDemoted+
				report.TrendsDemoted+report.BeliefsDemoted > 0 {
				slog.Info("Heartbeat: hygiene sweep",
					"expired_soft", report.ExpiredSoftDeleted,
					"expired_hard", report.ExpiredHardDeleted,
					"raw_demoted", report.RawDemoted,
					"trends_demoted", report.TrendsDemoted,
					"beliefs_demoted", report.BeliefsDemoted,
					"contradiction_ratio", report.ContradictionRatio)
			}
		}
	}

	if s.jobs != nil {
		if n, err := s.jobs.HarvestExpired(ctx, time.Now().UTC()); err != nil {
			slog.Error("Heartbeat: job expiry harvest failed", "error", err)
		} else if n > 0 {
			slog.Info("Heartbeat: expired jobs harvested", "count", n)
		}
	}
}
