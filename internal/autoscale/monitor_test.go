package autoscale

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinesis-scaling-controller/ksc/internal/config"
	"github.com/kinesis-scaling-controller/ksc/internal/logging"
	"github.com/kinesis-scaling-controller/ksc/internal/metrics"
	"github.com/kinesis-scaling-controller/ksc/internal/scaler"
	"github.com/kinesis-scaling-controller/ksc/internal/telemetry"
)

func intPtr(v int) *int         { return &v }
func pctPtr(v float64) *float64 { return &v }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type scaleCall struct {
	direction scaler.Direction
	change    scaler.Change
}

type fakeScaling struct {
	mu     sync.Mutex
	calls  []scaleCall
	report *scaler.Report
	err    error
}

func (f *fakeScaling) ScaleUp(ctx context.Context, streamName string, change scaler.Change, minShards, maxShards *int) (*scaler.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scaleCall{direction: scaler.DirectionUp, change: change})
	return f.report, f.err
}

func (f *fakeScaling) ScaleDown(ctx context.Context, streamName string, change scaler.Change, minShards, maxShards *int) (*scaler.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scaleCall{direction: scaler.DirectionDown, change: change})
	return f.report, f.err
}

func (f *fakeScaling) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeMetrics struct {
	mu        sync.Mutex
	ops       []metrics.OperationType
	capacity  map[metrics.OperationType]metrics.Capacity
	util      metrics.Utilisation
	loadCalls int
	queries   int
}

func (f *fakeMetrics) Operations() []metrics.OperationType { return f.ops }

func (f *fakeMetrics) LoadMaxCapacity(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	return nil
}

func (f *fakeMetrics) Capacity() map[metrics.OperationType]metrics.Capacity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capacity
}

func (f *fakeMetrics) QueryCurrentUtilisation(ctx context.Context, start, end time.Time) (metrics.Utilisation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return f.util, nil
}

func (f *fakeMetrics) loads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadCalls
}

func (f *fakeMetrics) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

type fakeNotifier struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
}

func (f *fakeNotifier) Publish(ctx context.Context, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, body)
	return nil
}

func testPolicy() config.StreamPolicy {
	p := config.StreamPolicy{
		StreamName: "orders",
		ScaleUp: &config.ScalingPolicy{
			ScaleThresholdPct: 75,
			ScaleAfterMins:    3,
			ScalePct:          pctPtr(200),
			CoolOffMins:       10,
		},
		ScaleDown: &config.ScalingPolicy{
			ScaleThresholdPct: 25,
			ScaleAfterMins:    3,
			ScalePct:          pctPtr(50),
			CoolOffMins:       15,
		},
	}
	p.ApplyDefaults()
	return p
}

// series builds a per-minute sample series ending at end.
func series(end time.Time, values ...float64) map[time.Time]float64 {
	out := make(map[time.Time]float64, len(values))
	for i, v := range values {
		out[end.Add(-time.Duration(i)*time.Minute)] = v
	}
	return out
}

func emptyUtil(ops ...metrics.OperationType) metrics.Utilisation {
	u := make(metrics.Utilisation)
	for _, op := range ops {
		u[op] = map[metrics.Dimension]map[time.Time]float64{
			metrics.DimensionBytes:   {},
			metrics.DimensionRecords: {},
		}
	}
	return u
}

func noTelemetry(t *testing.T) *telemetry.Telemetry {
	t.Helper()
	tel, err := telemetry.New(telemetry.Config{Enabled: false})
	require.NoError(t, err)
	return tel
}

func TestCombineVotes(t *testing.T) {
	up, down, none := scaler.DirectionUp, scaler.DirectionDown, scaler.DirectionNone

	tests := []struct {
		name  string
		votes []scaler.Direction
		want  scaler.Direction
	}{
		{"both up", []scaler.Direction{up, up}, up},
		{"up and none", []scaler.Direction{up, none}, up},
		{"none and up", []scaler.Direction{none, up}, up},
		{"up and down", []scaler.Direction{up, down}, up},
		{"down and up", []scaler.Direction{down, up}, up},
		{"both none", []scaler.Direction{none, none}, none},
		{"none and down", []scaler.Direction{none, down}, down},
		{"down and none", []scaler.Direction{down, none}, down},
		{"both down", []scaler.Direction{down, down}, down},
		{"single up is final", []scaler.Direction{up}, up},
		{"single down is final", []scaler.Direction{down}, down},
		{"single none is final", []scaler.Direction{none}, none},
		{"no votes", nil, none},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CombineVotes(tt.votes))
		})
	}
}

func TestSummarize(t *testing.T) {
	policy := testPolicy()
	end := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// 1000 capacity: 900 is high (>75%), 100 is low (<25%), 500 is neither
	s := summarize(series(end, 900, 100, 500), 1000, 3, policy.ScaleUp, policy.ScaleDown)
	assert.Equal(t, 1, s.High)
	assert.Equal(t, 1, s.Low)
	assert.InDelta(t, 0.5, s.Avg, 1e-9)

	// missing samples pad the low count to the window
	s = summarize(series(end, 900), 1000, 5, policy.ScaleUp, policy.ScaleDown)
	assert.Equal(t, 1, s.High)
	assert.Equal(t, 4, s.Low)

	// an empty series is all low samples
	s = summarize(nil, 1000, 5, policy.ScaleUp, policy.ScaleDown)
	assert.Equal(t, 0, s.High)
	assert.Equal(t, 5, s.Low)
}

func TestGoverningMetricSelection(t *testing.T) {
	clock := newFakeClock()
	end := clock.Now()
	policy := testPolicy()

	source := &fakeMetrics{
		ops: []metrics.OperationType{metrics.OperationPut},
		capacity: map[metrics.OperationType]metrics.Capacity{
			metrics.OperationPut: {BytesPerSec: 1000, RecordsPerSec: 100},
		},
	}
	m := NewMonitor(policy, &fakeScaling{}, source, nil, logging.NewNop(), noTelemetry(t), WithClock(clock))

	// bytes are quiet, records are saturated: records must govern and
	// vote up
	seriesByDim := map[metrics.Dimension]map[time.Time]float64{
		metrics.DimensionBytes:   series(end, 100, 100, 100),
		metrics.DimensionRecords: series(end, 95, 95, 95),
	}
	vote := m.voteFor(context.Background(), metrics.OperationPut, seriesByDim,
		source.capacity[metrics.OperationPut], 3)
	assert.Equal(t, scaler.DirectionUp, vote)

	// both quiet: bytes govern, low counts trigger the down vote
	seriesByDim = map[metrics.Dimension]map[time.Time]float64{
		metrics.DimensionBytes:   series(end, 10, 10, 10),
		metrics.DimensionRecords: series(end, 1, 1, 1),
	}
	vote = m.voteFor(context.Background(), metrics.OperationPut, seriesByDim,
		source.capacity[metrics.OperationPut], 3)
	assert.Equal(t, scaler.DirectionDown, vote)
}

// Scenario: PUT votes NONE, GET votes DOWN, cooldown elapsed. The final
// decision is DOWN and a Scale Down notification goes out.
func TestCycleVoteMatrixScaleDown(t *testing.T) {
	clock := newFakeClock()
	end := clock.Now()
	policy := testPolicy()

	util := emptyUtil(metrics.OperationPut, metrics.OperationGet)
	// PUT at 50% of byte capacity: neither high nor low
	util[metrics.OperationPut][metrics.DimensionBytes] = series(end, 500, 500, 500)
	// GET reports nothing at all: every sample is a low sample

	source := &fakeMetrics{
		ops: []metrics.OperationType{metrics.OperationPut, metrics.OperationGet},
		capacity: map[metrics.OperationType]metrics.Capacity{
			metrics.OperationPut: {BytesPerSec: 1000, RecordsPerSec: 100},
			metrics.OperationGet: {BytesPerSec: 2000, RecordsPerSec: 200},
		},
		util: util,
	}

	scaling := &fakeScaling{report: &scaler.Report{
		StreamName:     "orders",
		EndStatus:      scaler.StatusOk,
		Direction:      scaler.DirectionDown,
		OperationsMade: 1,
	}}
	notifier := &fakeNotifier{}

	var emitted []*scaler.Report
	m := NewMonitor(policy, scaling, source, notifier, logging.NewNop(), noTelemetry(t),
		WithClock(clock),
		WithListener(func(stream string, r *scaler.Report) { emitted = append(emitted, r) }))
	m.lastCapacityRefresh = clock.Now()

	require.NoError(t, m.runCycle(context.Background()))

	require.Equal(t, 1, scaling.callCount())
	assert.Equal(t, scaler.DirectionDown, scaling.calls[0].direction)
	assert.Equal(t, 50.0, *scaling.calls[0].change.Pct)

	require.Len(t, notifier.subjects, 1)
	assert.Equal(t, "Kinesis Autoscaling - Scale Down", notifier.subjects[0])
	assert.Contains(t, notifier.bodies[0], "Scaling Direction: DOWN")

	require.Len(t, emitted, 1)
	assert.Equal(t, scaler.StatusOk, emitted[0].EndStatus)
}

func TestCooldownDefersSameDirection(t *testing.T) {
	clock := newFakeClock()
	policy := testPolicy()

	source := &fakeMetrics{
		ops: []metrics.OperationType{metrics.OperationGet},
		capacity: map[metrics.OperationType]metrics.Capacity{
			metrics.OperationGet: {BytesPerSec: 2000, RecordsPerSec: 200},
		},
		util: emptyUtil(metrics.OperationGet), // silence votes DOWN
	}
	scaling := &fakeScaling{report: &scaler.Report{
		EndStatus: scaler.StatusOk, Direction: scaler.DirectionDown, OperationsMade: 1,
	}}

	m := NewMonitor(policy, scaling, source, nil, logging.NewNop(), noTelemetry(t), WithClock(clock))
	m.lastCapacityRefresh = clock.Now()

	ctx := context.Background()
	require.NoError(t, m.runCycle(ctx))
	require.Equal(t, 1, scaling.callCount())

	// within the 15 minute cool off: the next DOWN defers
	clock.Advance(time.Minute)
	require.NoError(t, m.runCycle(ctx))
	assert.Equal(t, 1, scaling.callCount(), "scale down must defer during cool off")

	// past the cool off the direction fires again
	clock.Advance(15 * time.Minute)
	require.NoError(t, m.runCycle(ctx))
	assert.Equal(t, 2, scaling.callCount())
}

func TestCappedOutcomeSkipsCooldown(t *testing.T) {
	clock := newFakeClock()
	policy := testPolicy()

	source := &fakeMetrics{
		ops: []metrics.OperationType{metrics.OperationGet},
		capacity: map[metrics.OperationType]metrics.Capacity{
			metrics.OperationGet: {BytesPerSec: 2000, RecordsPerSec: 200},
		},
		util: emptyUtil(metrics.OperationGet),
	}
	scaling := &fakeScaling{
		report: &scaler.Report{EndStatus: scaler.StatusAlreadyAtMinimum, Direction: scaler.DirectionDown},
		err:    scaler.ErrAlreadyOneShard,
	}
	notifier := &fakeNotifier{}

	m := NewMonitor(policy, scaling, source, notifier, logging.NewNop(), noTelemetry(t), WithClock(clock))
	m.lastCapacityRefresh = clock.Now()

	ctx := context.Background()
	require.NoError(t, m.runCycle(ctx))
	assert.True(t, m.lastScaleDown.IsZero(), "capped outcomes never start a cooldown")
	assert.Empty(t, notifier.subjects, "capped outcomes are not notified")

	// with no cooldown recorded, the next cycle tries again immediately
	clock.Advance(time.Minute)
	require.NoError(t, m.runCycle(ctx))
	assert.Equal(t, 2, scaling.callCount())
}

// Scenario: an external actor resizes the stream between cycles. At the
// next refresh boundary the cached capacity reloads.
func TestCapacityRefreshAbsorbsManualResize(t *testing.T) {
	clock := newFakeClock()
	policy := testPolicy()

	util := emptyUtil(metrics.OperationPut)
	// hold utilisation in the dead band so no action interferes
	util[metrics.OperationPut][metrics.DimensionBytes] = series(clock.Now(), 500, 500, 500)

	source := &fakeMetrics{
		ops: []metrics.OperationType{metrics.OperationPut},
		capacity: map[metrics.OperationType]metrics.Capacity{
			metrics.OperationPut: {BytesPerSec: 1000, RecordsPerSec: 100},
		},
		util: util,
	}

	m := NewMonitor(policy, &fakeScaling{}, source, nil, logging.NewNop(), noTelemetry(t), WithClock(clock))
	m.lastCapacityRefresh = clock.Now()

	ctx := context.Background()
	require.NoError(t, m.runCycle(ctx))
	assert.Equal(t, 0, source.loads(), "no refresh before the boundary")

	// refreshShardsAfterMins defaults to 10
	clock.Advance(11 * time.Minute)
	require.NoError(t, m.runCycle(ctx))
	assert.Equal(t, 1, source.loads(), "capacity reloads at the refresh boundary")
}

func TestMonitorRunLoop(t *testing.T) {
	clock := newFakeClock()
	policy := testPolicy()

	source := &fakeMetrics{
		ops: []metrics.OperationType{metrics.OperationPut},
		capacity: map[metrics.OperationType]metrics.Capacity{
			metrics.OperationPut: {BytesPerSec: 1000, RecordsPerSec: 100},
		},
		util: emptyUtil(metrics.OperationPut),
	}
	scaling := &fakeScaling{report: &scaler.Report{
		EndStatus: scaler.StatusOk, Direction: scaler.DirectionDown, OperationsMade: 1,
	}}

	tick := make(chan time.Time)
	m := NewMonitor(policy, scaling, source, nil, logging.NewNop(), noTelemetry(t),
		WithClock(clock),
		WithTicker(func(d time.Duration) (<-chan time.Time, func()) {
			assert.Equal(t, 45*time.Second, d, "default check interval drives the ticker")
			return tick, func() {}
		}))

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	tick <- clock.Now()
	require.Eventually(t, func() bool { return source.queryCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	m.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}

	assert.GreaterOrEqual(t, source.loads(), 1, "capacity loads at startup")
}
