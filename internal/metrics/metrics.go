// Package metrics maintains the capacity model of a stream and extracts
// its current utilisation from CloudWatch. Capacity is the open shard
// count multiplied by the provider's fixed per-shard limits; utilisation
// is a windowed series of per-second rates aggregated across the metric
// names that feed each operation class.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/kinesis-scaling-controller/ksc/internal/logging"
	"github.com/kinesis-scaling-controller/ksc/internal/streamctl"
)

const (
	// Namespace is the CloudWatch namespace of the stream service.
	Namespace = "AWS/Kinesis"

	// Period is the sample granularity requested from CloudWatch.
	Period = 60 * time.Second
)

// OperationType is a stream operation class tracked for scaling.
type OperationType string

const (
	OperationPut OperationType = "PUT"
	OperationGet OperationType = "GET"
)

// AllOperations returns every operation class, the default tracking set.
func AllOperations() []OperationType {
	return []OperationType{OperationPut, OperationGet}
}

// ParseOperation validates an operation name from configuration.
func ParseOperation(s string) (OperationType, error) {
	switch OperationType(strings.ToUpper(s)) {
	case OperationPut:
		return OperationPut, nil
	case OperationGet:
		return OperationGet, nil
	}
	return "", fmt.Errorf("unknown operation type %q", s)
}

// MaxCapacity returns the provider's fixed per-shard limits for the
// operation class.
func (o OperationType) MaxCapacity() Capacity {
	switch o {
	case OperationPut:
		return Capacity{BytesPerSec: 1_048_576, RecordsPerSec: 1_000}
	default:
		return Capacity{BytesPerSec: 2_097_152, RecordsPerSec: 2_000}
	}
}

// MetricsToFetch returns the CloudWatch metric names whose sum feeds the
// operation's utilisation series.
func (o OperationType) MetricsToFetch() []string {
	switch o {
	case OperationPut:
		return []string{"PutRecord.Bytes", "PutRecords.Bytes", "PutRecord.Success", "PutRecords.Records"}
	default:
		return []string{"GetRecords.Bytes", "GetRecords.Success"}
	}
}

// Dimension distinguishes the two capacity dimensions of an operation.
type Dimension string

const (
	DimensionBytes   Dimension = "Bytes"
	DimensionRecords Dimension = "Records"
)

// Dimensions returns both capacity dimensions.
func Dimensions() []Dimension {
	return []Dimension{DimensionBytes, DimensionRecords}
}

// DimensionFromUnit maps a datapoint's declared unit onto a capacity
// dimension.
func DimensionFromUnit(u cwtypes.StandardUnit) (Dimension, bool) {
	switch u {
	case cwtypes.StandardUnitBytes:
		return DimensionBytes, true
	case cwtypes.StandardUnitCount:
		return DimensionRecords, true
	}
	return "", false
}

// Capacity is a stream's maximum throughput for one operation class.
type Capacity struct {
	BytesPerSec   int64 `json:"bytesPerSec"`
	RecordsPerSec int64 `json:"recordsPerSec"`
}

// For returns the capacity along one dimension.
func (c Capacity) For(d Dimension) float64 {
	if d == DimensionBytes {
		return float64(c.BytesPerSec)
	}
	return float64(c.RecordsPerSec)
}

// Utilisation is a windowed per-second rate series keyed by operation,
// capacity dimension and sample timestamp.
type Utilisation map[OperationType]map[Dimension]map[time.Time]float64

// CloudWatchAPI is the subset of the CloudWatch client the manager uses.
type CloudWatchAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// ShardCounter provides the open shard count that anchors the capacity
// model.
type ShardCounter interface {
	GetOpenShardCount(ctx context.Context, streamName string) (int, error)
}

// Manager owns the capacity cache and the CloudWatch query templates for
// one stream.
type Manager struct {
	streamName string
	operations []OperationType
	cw         CloudWatchAPI
	shards     ShardCounter
	log        logging.Logger
	backoff    streamctl.Backoff
	sleep      func(context.Context, time.Duration) error

	templates map[OperationType][]cloudwatch.GetMetricStatisticsInput

	mu       sync.RWMutex
	capacity map[OperationType]Capacity
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithSleeper overrides the retry sleep. Tests run waits instantly.
func WithSleeper(sleep func(context.Context, time.Duration) error) ManagerOption {
	return func(m *Manager) { m.sleep = sleep }
}

// NewManager builds the query templates for each tracked operation: one
// request per metric name over the service namespace, keyed by the stream
// name dimension, with a 60 second period and the SUM statistic.
func NewManager(streamName string, operations []OperationType, cw CloudWatchAPI, shards ShardCounter, log logging.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		streamName: streamName,
		operations: operations,
		cw:         cw,
		shards:     shards,
		log:        log,
		backoff:    streamctl.DefaultBackoff(),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
		templates: make(map[OperationType][]cloudwatch.GetMetricStatisticsInput),
		capacity:  make(map[OperationType]Capacity),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, op := range m.operations {
		for _, metricName := range op.MetricsToFetch() {
			m.templates[op] = append(m.templates[op], cloudwatch.GetMetricStatisticsInput{
				Namespace:  aws.String(Namespace),
				MetricName: aws.String(metricName),
				Dimensions: []cwtypes.Dimension{{
					Name:  aws.String("StreamName"),
					Value: aws.String(streamName),
				}},
				Period:     aws.Int32(int32(Period.Seconds())),
				Statistics: []cwtypes.Statistic{cwtypes.StatisticSum},
			})
		}
	}

	return m
}

// Operations returns the tracked operation classes.
func (m *Manager) Operations() []OperationType {
	return m.operations
}

// LoadMaxCapacity refreshes the cached stream capacity from the current
// open shard count. Called at startup, after every scaling action and on
// the periodic refresh that absorbs manual resizes.
func (m *Manager) LoadMaxCapacity(ctx context.Context) error {
	open, err := m.shards.GetOpenShardCount(ctx, m.streamName)
	if err != nil {
		return fmt.Errorf("refreshing capacity for stream %s: %w", m.streamName, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.operations {
		max := op.MaxCapacity()
		c := Capacity{
			BytesPerSec:   int64(open) * max.BytesPerSec,
			RecordsPerSec: int64(open) * max.RecordsPerSec,
		}
		m.capacity[op] = c
		m.log.Debug(ctx, "stream capacity",
			zap.String("stream", m.streamName), zap.String("operation", string(op)),
			zap.Int("open_shards", open),
			zap.Int64("bytes_per_sec", c.BytesPerSec), zap.Int64("records_per_sec", c.RecordsPerSec))
	}
	return nil
}

// Capacity returns the cached per-operation capacity.
func (m *Manager) Capacity() map[OperationType]Capacity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[OperationType]Capacity, len(m.capacity))
	for op, c := range m.capacity {
		out[op] = c
	}
	return out
}

// QueryCurrentUtilisation executes each query template once over the
// window and folds the datapoints into per-second rates. Metric names
// sharing an operation and a unit are summed when their samples carry the
// same timestamp, so PutRecord and PutRecords measures combine into a
// single series.
func (m *Manager) QueryCurrentUtilisation(ctx context.Context, start, end time.Time) (Utilisation, error) {
	out := make(Utilisation, len(m.operations))
	for _, op := range m.operations {
		out[op] = map[Dimension]map[time.Time]float64{
			DimensionBytes:   {},
			DimensionRecords: {},
		}
	}

	for op, templates := range m.templates {
		for _, tmpl := range templates {
			req := tmpl
			req.StartTime = aws.Time(start)
			req.EndTime = aws.Time(end)

			m.log.Debug(ctx, "requesting stream metric",
				zap.String("stream", m.streamName),
				zap.String("metric", aws.ToString(req.MetricName)),
				zap.Time("start", start), zap.Time("end", end))

			resp, err := m.getMetricStatistics(ctx, &req)
			if err != nil {
				return nil, err
			}

			for _, d := range resp.Datapoints {
				dim, ok := DimensionFromUnit(d.Unit)
				if !ok {
					continue
				}
				ts := aws.ToTime(d.Timestamp).UTC()
				out[op][dim][ts] += aws.ToFloat64(d.Sum) / Period.Seconds()
			}
		}
	}

	return out, nil
}

// getMetricStatistics retries transient metric backend failures with a
// capped exponential backoff and re-throws validation errors.
func (m *Manager) getMetricStatistics(ctx context.Context, req *cloudwatch.GetMetricStatisticsInput) (*cloudwatch.GetMetricStatisticsOutput, error) {
	attempts := 0
	for {
		attempts++
		resp, err := m.cw.GetMetricStatistics(ctx, req)
		if err == nil {
			return resp, nil
		}
		if isValidationError(err) || attempts >= m.backoff.MaxAttempts {
			return nil, fmt.Errorf("metric %s for stream %s: %w", aws.ToString(req.MetricName), m.streamName, err)
		}

		delay := m.backoff.ThrottleDelay(attempts)
		m.log.Debug(ctx, "metric backend error, backing off",
			zap.String("metric", aws.ToString(req.MetricName)), zap.Duration("delay", delay), zap.Error(err))
		if serr := m.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
}

func isValidationError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ValidationError", "InvalidParameterValue", "InvalidParameterCombination", "MissingRequiredParameter":
			return true
		}
	}
	return false
}
