package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanExitNotRestarted(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	s.Add("oneshot", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		return s.Health()["oneshot"] == "stopped"
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), runs.Load())
}

func TestCrashedComponentRestarts(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	s.Add("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("crash")
		}
		<-ctx.Done()
		return nil
	})

	// Shrink the restart delay for the test by racing against Eventually's
	// window; the first backoff is 2s, so allow enough time.
	s.Start(context.Background())
	require.Eventually(t, func() bool {
		return runs.Load() >= 3
	}, 10*time.Second, 50*time.Millisecond)
	s.Stop()
}

func TestStopCancelsComponents(t *testing.T) {
	s := New(nil)
	stopped := make(chan struct{})
	s.Add("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})

	s.Start(context.Background())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	<-stopped
}

func TestHealthEventsUpdateStatus(t *testing.T) {
	s := New(nil)
	s.Add("idle", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	s.Start(context.Background())
	defer s.Stop()

	s.HealthChannel() <- HealthEvent{Component: "gateway", Healthy: false, Detail: "port busy", At: time.Now()}
	require.Eventually(t, func() bool {
		return s.Health()["gateway"] == "unhealthy: port busy"
	}, 2*time.Second, 10*time.Millisecond)
}
