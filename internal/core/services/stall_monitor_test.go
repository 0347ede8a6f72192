package services

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/internal/observability"
)

type staticStatus struct {
	mutex  sync.Mutex
	status models.CoordinatorStatus
}

func (s *staticStatus) Status() models.CoordinatorStatus {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.status
}

func (s *staticStatus) set(status models.CoordinatorStatus) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.status = status
}

func TestStallMonitorReportsEachWindowOnce(t *testing.T) {
	metrics, err := observability.NewFLCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	clock := newFakeClock()
	opened := clock.Now()
	source := &staticStatus{status: models.CoordinatorStatus{
		State:           models.CoordinatorStateWindowOpen,
		Round:           4,
		WindowAdmitted:  2,
		WindowThreshold: 10,
		WindowOpenedAt:  opened,
	}}

	monitor := NewStallMonitor(source, metrics)
	monitor.SetStallAfter(time.Minute)
	monitor.clock = clock.Now

	assert.False(t, monitor.Check())

	clock.Advance(2 * time.Minute)
	assert.True(t, monitor.Check())
	assert.True(t, monitor.Check())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.QuorumStalls))

	// A new window resets the report.
	source.set(models.CoordinatorStatus{
		State:          models.CoordinatorStateWindowOpen,
		Round:          5,
		WindowOpenedAt: clock.Now(),
	})
	assert.False(t, monitor.Check())
	clock.Advance(2 * time.Minute)
	assert.True(t, monitor.Check())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.QuorumStalls))

	source.set(models.CoordinatorStatus{State: models.CoordinatorStateStopped})
	assert.False(t, monitor.Check())
}

func TestStallMonitorStartStop(t *testing.T) {
	source := &staticStatus{status: models.CoordinatorStatus{State: models.CoordinatorStateIdle}}
	monitor := NewStallMonitor(source, nil)
	monitor.SetCheckInterval(10 * time.Millisecond)

	require.NoError(t, monitor.Start())
	require.NoError(t, monitor.Start())
	assert.True(t, monitor.IsRunning())

	time.Sleep(30 * time.Millisecond)

	monitor.Stop()
	monitor.Stop()
	assert.False(t, monitor.IsRunning())
}
