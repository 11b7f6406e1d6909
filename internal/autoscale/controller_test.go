package autoscale

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinesis-scaling-controller/ksc/internal/logging"
)

// blockingMonitor runs until stopped, optionally failing instead.
type blockingMonitor struct {
	name    string
	failErr error

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	once    sync.Once
}

func newBlockingMonitor(name string, failErr error) *blockingMonitor {
	return &blockingMonitor{name: name, failErr: failErr, stopCh: make(chan struct{})}
}

func (m *blockingMonitor) StreamName() string { return m.name }

func (m *blockingMonitor) Run(ctx context.Context) error {
	if m.failErr != nil {
		return m.failErr
	}
	select {
	case <-ctx.Done():
		return nil
	case <-m.stopCh:
		return nil
	}
}

func (m *blockingMonitor) Stop() {
	m.once.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		close(m.stopCh)
	})
}

func (m *blockingMonitor) wasStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func TestNewControllerRequiresMonitors(t *testing.T) {
	_, err := NewController(nil, logging.NewNop())
	assert.Error(t, err, "an empty configuration is fatal, not an idle success")
}

func TestControllerStopsAllOnChildFailure(t *testing.T) {
	healthy := newBlockingMonitor("orders", nil)
	failing := newBlockingMonitor("payments", errors.New("monitor blew up"))

	c, err := NewController([]MonitorRunner{healthy, failing}, logging.NewNop(),
		WithHealthInterval(10*time.Millisecond))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "payments")
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not surface the child failure")
	}

	assert.True(t, healthy.wasStopped(), "surviving monitors must be stopped and joined")
}

func TestControllerShutsDownOnCancel(t *testing.T) {
	first := newBlockingMonitor("orders", nil)
	second := newBlockingMonitor("payments", nil)

	c, err := NewController([]MonitorRunner{first, second}, logging.NewNop(),
		WithHealthInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "a host shutdown is a clean exit")
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not shut down")
	}
}

func TestControllerCleanMonitorExit(t *testing.T) {
	only := newBlockingMonitor("orders", nil)

	c, err := NewController([]MonitorRunner{only}, logging.NewNop(),
		WithHealthInterval(10*time.Millisecond))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	only.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not return after its monitors exited")
	}
}
