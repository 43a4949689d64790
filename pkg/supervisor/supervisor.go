// Package supervisor owns the long-lived components: it starts them, restarts
// them on unexpected exit with exponential backoff, tracks health, and fans
// out shutdown. Components report upstream through a notification channel
// rather than holding a back-reference.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/haru0416-dev/asteroniris/pkg/metrics"
)

// Restart policy.
const (
	initialRestartDelay = 2 * time.Second
	maxRestartDelay     = 60 * time.Second
	maxRestarts         = 10
)

// Component is one supervised long-lived task. Run blocks until the
// component exits; a nil return is a clean exit and is not restarted.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

// HealthEvent is a component's report to the supervisor.
type HealthEvent struct {
	Component string
	Healthy   bool
	Detail    string
	At        time.Time
}

// Supervisor manages the component set.
type Supervisor struct {
	components []Component
	metrics    *metrics.Metrics

	healthCh chan HealthEvent

	mu     sync.RWMutex
	status map[string]string // component → ok | restarting | circuit_open | stopped

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor.
func New(met *metrics.Metrics) *Supervisor {
	return &Supervisor{
		metrics:  met,
		healthCh: make(chan HealthEvent, 64),
		status:   make(map[string]string),
	}
}

// Add registers a component. Must be called before Start.
func (s *Supervisor) Add(name string, run func(ctx context.Context) error) {
	s.components = append(s.components, Component{Name: name, Run: run})
}

// HealthChannel returns the channel components use to report health upstream.
func (s *Supervisor) HealthChannel() chan<- HealthEvent { return s.healthCh }

// Health returns the current component status map for diagnostics.
func (s *Supervisor) Health() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}

// Start launches every component under restart supervision.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drainHealth(ctx)
	}()

	for _, c := range s.components {
		s.setStatus(c.Name, "ok")
		s.wg.Add(1)
		go func(c Component) {
			defer s.wg.Done()
			s.supervise(ctx, c)
		}(c)
	}
	slog.Info("Supervisor started", "components", len(s.components))
}

// Stop cancels all components and waits for them to finish their current
// atomic unit of work.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	slog.Info("Supervisor stopping")
	s.cancel()
	s.wg.Wait()
	slog.Info("Supervisor stopped")
}

// supervise runs one component with restart-on-failure. The backoff doubles
// from 2s to a 60s cap; after ten restarts the circuit opens and the
// component stays down until operator action.
func (s *Supervisor) supervise(ctx context.Context, c Component) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialRestartDelay
	bo.MaxInterval = maxRestartDelay
	bo.MaxElapsedTime = 0 // restarts are counted, not timed

	restarts := 0
	for {
		err := c.Run(ctx)
		if ctx.Err() != nil {
			s.setStatus(c.Name, "stopped")
			return
		}
		if err == nil {
			slog.Info("Component exited cleanly", "component", c.Name)
			s.setStatus(c.Name, "stopped")
			return
		}

		restarts++
		if restarts > maxRestarts {
			slog.Error("Component exceeded restart budget, circuit open",
				"component", c.Name, "restarts", restarts-1)
			s.setStatus(c.Name, "circuit_open")
			if s.metrics != nil {
				s.metrics.SLOViolationsTotal.WithLabelValues("circuit_open").Inc()
			}
			return
		}

		delay := bo.NextBackOff()
		slog.Warn("Component crashed, restarting",
			"component", c.Name, "error", err, "restart", restarts, "delay", delay)
		s.setStatus(c.Name, "restarting")
		if s.metrics != nil {
			s.metrics.ComponentRestarts.WithLabelValues(c.Name).Inc()
		}

		select {
		case <-ctx.Done():
			s.setStatus(c.Name, "stopped")
			return
		case <-time.After(delay):
		}
		s.setStatus(c.Name, "ok")
	}
}

func (s *Supervisor) drainHealth(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.healthCh:
			status := "ok"
			if !ev.Healthy {
				status = fmt.Sprintf("unhealthy: %s", ev.Detail)
			}
			s.setStatus(ev.Component, status)
		}
	}
}

func (s *Supervisor) setStatus(name, status string) {
	s.mu.Lock()
	s.status[name] = status
	s.mu.Unlock()
}
