// Package autoscale runs the metrics-driven control loop: one monitor per
// configured stream samples utilisation, votes across operation classes
// and capacity dimensions, and drives the scaler, all supervised by a
// process-wide controller.
package autoscale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kinesis-scaling-controller/ksc/internal/config"
	"github.com/kinesis-scaling-controller/ksc/internal/logging"
	"github.com/kinesis-scaling-controller/ksc/internal/metrics"
	"github.com/kinesis-scaling-controller/ksc/internal/notify"
	"github.com/kinesis-scaling-controller/ksc/internal/scaler"
	"github.com/kinesis-scaling-controller/ksc/internal/telemetry"
)

// Clock abstracts wall time so cooldown and refresh logic is testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Scaling is the scaler capability the monitor drives.
type Scaling interface {
	ScaleUp(ctx context.Context, streamName string, change scaler.Change, minShards, maxShards *int) (*scaler.Report, error)
	ScaleDown(ctx context.Context, streamName string, change scaler.Change, minShards, maxShards *int) (*scaler.Report, error)
}

// MetricsSource is the utilisation and capacity capability the monitor
// samples.
type MetricsSource interface {
	Operations() []metrics.OperationType
	LoadMaxCapacity(ctx context.Context) error
	Capacity() map[metrics.OperationType]metrics.Capacity
	QueryCurrentUtilisation(ctx context.Context, start, end time.Time) (metrics.Utilisation, error)
}

// ReportListener receives every terminal scaling report the monitor
// produces.
type ReportListener func(streamName string, report *scaler.Report)

// tickerFactory builds the cycle ticker; tests swap in a hand-driven
// channel.
type tickerFactory func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Monitor owns the autoscaling loop for one stream. It exclusively holds
// the stream's policy, metric state and cooldown timestamps; nothing is
// shared across monitors.
type Monitor struct {
	policy   config.StreamPolicy
	scaling  Scaling
	metrics  MetricsSource
	notifier notify.Notifier
	log      logging.Logger
	tel      *telemetry.Telemetry

	clock     Clock
	newTicker tickerFactory
	listeners []ReportListener

	lastScaleUp         time.Time
	lastScaleDown       time.Time
	lastCapacityRefresh time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// MonitorOption customizes a Monitor.
type MonitorOption func(*Monitor)

// WithClock injects a clock.
func WithClock(c Clock) MonitorOption {
	return func(m *Monitor) { m.clock = c }
}

// WithTicker injects the cycle ticker factory.
func WithTicker(f tickerFactory) MonitorOption {
	return func(m *Monitor) { m.newTicker = f }
}

// WithListener registers a report listener.
func WithListener(l ReportListener) MonitorOption {
	return func(m *Monitor) { m.listeners = append(m.listeners, l) }
}

// NewMonitor creates a stream monitor. The notifier may be nil.
func NewMonitor(policy config.StreamPolicy, scaling Scaling, source MetricsSource, notifier notify.Notifier,
	log logging.Logger, tel *telemetry.Telemetry, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		policy:    policy,
		scaling:   scaling,
		metrics:   source,
		notifier:  notifier,
		log:       log.With(zap.String("stream", policy.StreamName)),
		tel:       tel,
		clock:     realClock{},
		newTicker: realTicker,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StreamName returns the monitored stream's name.
func (m *Monitor) StreamName() string {
	return m.policy.StreamName
}

// Stop signals the monitor to exit after its current cycle.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Run executes the control loop until stopped or cancelled. A cycle
// failure terminates the monitor and surfaces to the supervisor.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info(ctx, "stream monitor started",
		zap.Duration("check_interval", m.policy.CheckInterval()),
		zap.Duration("capacity_refresh", m.policy.RefreshInterval()))

	if err := m.metrics.LoadMaxCapacity(ctx); err != nil {
		return err
	}
	m.lastCapacityRefresh = m.clock.Now()

	tick, stopTicker := m.newTicker(m.policy.CheckInterval())
	defer stopTicker()

	for {
		select {
		case <-ctx.Done():
			m.log.Info(ctx, "stream monitor cancelled")
			return nil
		case <-m.stopCh:
			m.log.Info(ctx, "stream monitor stopped")
			return nil
		case <-tick:
			if err := m.runCycle(ctx); err != nil {
				m.log.Error(ctx, "monitor cycle failed", zap.Error(err))
				return err
			}
		}
	}
}

// runCycle performs one sample-decide-act pass.
func (m *Monitor) runCycle(ctx context.Context) error {
	ctx, span := m.tel.StartSpan(ctx, "monitor_cycle")
	defer span.End()

	now := m.clock.Now()
	window := m.sampleWindowMins()
	start := now.Add(-time.Duration(window) * time.Minute)

	queryStart := time.Now()
	util, err := m.metrics.QueryCurrentUtilisation(ctx, start, now)
	if err != nil {
		return fmt.Errorf("querying utilisation for stream %s: %w", m.policy.StreamName, err)
	}
	m.tel.ObserveMetricQuery(ctx, m.policy.StreamName, time.Since(queryStart))

	capacity := m.metrics.Capacity()
	var votes []scaler.Direction
	for _, op := range m.metrics.Operations() {
		vote := m.voteFor(ctx, op, util[op], capacity[op], window)
		votes = append(votes, vote)
	}

	decision := CombineVotes(votes)
	if decision != scaler.DirectionNone {
		m.tel.RecordDecision(ctx, m.policy.StreamName, string(decision))
		if err := m.act(ctx, decision, now); err != nil {
			return err
		}
	} else {
		m.log.Debug(ctx, "no scaling directive")
	}

	if now.Sub(m.lastCapacityRefresh) >= m.policy.RefreshInterval() {
		// absorb resizes made outside this process
		if err := m.metrics.LoadMaxCapacity(ctx); err != nil {
			return err
		}
		m.lastCapacityRefresh = now
	}

	return nil
}

// sampleWindowMins is the widest lookback any configured direction needs.
func (m *Monitor) sampleWindowMins() int {
	window := 0
	if m.policy.ScaleUp != nil && m.policy.ScaleUp.ScaleAfterMins > window {
		window = m.policy.ScaleUp.ScaleAfterMins
	}
	if m.policy.ScaleDown != nil && m.policy.ScaleDown.ScaleAfterMins > window {
		window = m.policy.ScaleDown.ScaleAfterMins
	}
	return window
}

// voteFor summarizes one operation's utilisation across both capacity
// dimensions, picks the more utilised dimension as the governing metric
// and casts that operation's vote from its sample counts.
func (m *Monitor) voteFor(ctx context.Context, op metrics.OperationType,
	series map[metrics.Dimension]map[time.Time]float64, capacity metrics.Capacity, window int) scaler.Direction {

	summaries := make(map[metrics.Dimension]dimensionSummary, 2)
	for _, dim := range metrics.Dimensions() {
		summaries[dim] = summarize(series[dim], capacity.For(dim), window, m.policy.ScaleUp, m.policy.ScaleDown)
	}

	governing := metrics.DimensionBytes
	if summaries[metrics.DimensionRecords].Avg > summaries[metrics.DimensionBytes].Avg {
		governing = metrics.DimensionRecords
	}
	s := summaries[governing]

	vote := scaler.DirectionNone
	switch {
	case m.policy.ScaleUp != nil && s.High >= m.policy.ScaleUp.ScaleAfterMins:
		vote = scaler.DirectionUp
	case m.policy.ScaleDown != nil && s.Low >= m.policy.ScaleDown.ScaleAfterMins:
		vote = scaler.DirectionDown
	}

	m.log.Debug(ctx, "operation vote",
		zap.String("operation", string(op)), zap.String("governing_metric", string(governing)),
		zap.Int("high_samples", s.High), zap.Int("low_samples", s.Low),
		zap.String("avg_utilisation", fmt.Sprintf("%.2f%%", s.Avg*100)),
		zap.String("vote", string(vote)))

	return vote
}

// act applies cooldowns and drives the scaler for a non-idle decision.
func (m *Monitor) act(ctx context.Context, decision scaler.Direction, now time.Time) error {
	var (
		report *scaler.Report
		err    error
	)

	switch decision {
	case scaler.DirectionUp:
		if coolingDown(now, m.lastScaleUp, m.policy.ScaleUp.CoolOff()) {
			m.log.Info(ctx, "deferring scale up until cool off elapses",
				zap.Duration("cool_off", m.policy.ScaleUp.CoolOff()))
			return nil
		}
		report, err = m.scaling.ScaleUp(ctx, m.policy.StreamName,
			scaler.Change{Count: m.policy.ScaleUp.ScaleCount, Pct: m.policy.ScaleUp.ScalePct},
			m.policy.MinShards, m.policy.MaxShards)

	case scaler.DirectionDown:
		if coolingDown(now, m.lastScaleDown, m.policy.ScaleDown.CoolOff()) {
			m.log.Info(ctx, "deferring scale down until cool off elapses",
				zap.Duration("cool_off", m.policy.ScaleDown.CoolOff()))
			return nil
		}
		report, err = m.scaling.ScaleDown(ctx, m.policy.StreamName,
			scaler.Change{Count: m.policy.ScaleDown.ScaleCount, Pct: m.policy.ScaleDown.ScalePct},
			m.policy.MinShards, m.policy.MaxShards)
	}

	if err != nil && !errors.Is(err, scaler.ErrAlreadyOneShard) {
		if report != nil {
			m.emit(report)
		}
		return fmt.Errorf("scaling stream %s %s: %w", m.policy.StreamName, decision, err)
	}
	if report == nil {
		return nil
	}

	m.tel.RecordAction(ctx, m.policy.StreamName, string(report.Direction), string(report.EndStatus), report.OperationsMade)

	switch report.EndStatus {
	case scaler.StatusOk:
		// a completed action starts the cooldown and refreshes capacity
		if decision == scaler.DirectionUp {
			m.lastScaleUp = m.clock.Now()
		} else {
			m.lastScaleDown = m.clock.Now()
		}
		if err := m.metrics.LoadMaxCapacity(ctx); err != nil {
			return err
		}
		m.lastCapacityRefresh = m.clock.Now()

		m.log.Info(ctx, "scaling action completed",
			zap.String("direction", string(report.Direction)),
			zap.Int("operations", report.OperationsMade),
			zap.Int("shards", len(report.Layout)))
		m.publish(ctx, report)

	default:
		// capped or idle outcomes never update cooldowns
		m.log.Info(ctx, "scaling action not taken",
			zap.String("direction", string(report.Direction)),
			zap.String("status", string(report.EndStatus)))
	}

	m.emit(report)
	return nil
}

func coolingDown(now, last time.Time, coolOff time.Duration) bool {
	if last.IsZero() || coolOff <= 0 {
		return false
	}
	return now.Sub(last) < coolOff
}

// publish delivers the report to the notification sink.
func (m *Monitor) publish(ctx context.Context, report *scaler.Report) {
	if m.notifier == nil {
		return
	}

	subject := "Kinesis Autoscaling - Scale Up"
	if report.Direction == scaler.DirectionDown {
		subject = "Kinesis Autoscaling - Scale Down"
	}
	if err := m.notifier.Publish(ctx, subject, report.String()); err != nil {
		m.log.Error(ctx, "failed to publish scaling notification", zap.Error(err))
	}
}

func (m *Monitor) emit(report *scaler.Report) {
	for _, l := range m.listeners {
		l(m.policy.StreamName, report)
	}
}

// dimensionSummary aggregates one capacity dimension over the sample
// window.
type dimensionSummary struct {
	High int
	Low  int
	Avg  float64
}

// summarize classifies each sample against the scaling thresholds.
// Samples missing from the window count as low samples: an idle stream
// reports nothing, and silence is the strongest scale down signal.
func summarize(samples map[time.Time]float64, capacity float64, window int,
	up, down *config.ScalingPolicy) dimensionSummary {

	var s dimensionSummary
	var totalPct float64

	for _, value := range samples {
		pct := 0.0
		if capacity > 0 {
			pct = value / capacity
		}
		totalPct += pct

		if up != nil && pct > up.ScaleThresholdPct/100 {
			s.High++
		} else if down != nil && pct < down.ScaleThresholdPct/100 {
			s.Low++
		}
	}

	if down != nil && len(samples) < window {
		s.Low += window - len(samples)
	}
	if window > 0 {
		s.Avg = totalPct / float64(window)
	}
	return s
}

// CombineVotes folds per-operation votes into the final decision: any
// vote to scale up wins outright, otherwise any vote to scale down wins,
// otherwise nothing happens. A single operation in scope makes its vote
// final.
func CombineVotes(votes []scaler.Direction) scaler.Direction {
	decision := scaler.DirectionNone
	for _, v := range votes {
		switch v {
		case scaler.DirectionUp:
			return scaler.DirectionUp
		case scaler.DirectionDown:
			decision = scaler.DirectionDown
		}
	}
	return decision
}
