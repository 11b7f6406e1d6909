package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinesis-scaling-controller/ksc/internal/logging"
)

type fakeCloudWatch struct {
	// datapoints returned per metric name
	datapoints map[string][]cwtypes.Datapoint
	// failures remaining per metric name before success
	failures map[string]int
	failWith error
	calls    []string
}

func (f *fakeCloudWatch) GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
	name := aws.ToString(params.MetricName)
	f.calls = append(f.calls, name)
	if f.failures[name] > 0 {
		f.failures[name]--
		return nil, f.failWith
	}
	return &cloudwatch.GetMetricStatisticsOutput{Datapoints: f.datapoints[name]}, nil
}

type fixedShardCounter int

func (f fixedShardCounter) GetOpenShardCount(ctx context.Context, streamName string) (int, error) {
	return int(f), nil
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func datapoint(ts time.Time, sum float64, unit cwtypes.StandardUnit) cwtypes.Datapoint {
	return cwtypes.Datapoint{
		Timestamp: aws.Time(ts),
		Sum:       aws.Float64(sum),
		Unit:      unit,
	}
}

func TestOperationCaps(t *testing.T) {
	put := OperationPut.MaxCapacity()
	assert.Equal(t, int64(1_048_576), put.BytesPerSec)
	assert.Equal(t, int64(1_000), put.RecordsPerSec)

	get := OperationGet.MaxCapacity()
	assert.Equal(t, int64(2_097_152), get.BytesPerSec)
	assert.Equal(t, int64(2_000), get.RecordsPerSec)
}

func TestMetricsToFetch(t *testing.T) {
	assert.Equal(t, []string{"PutRecord.Bytes", "PutRecords.Bytes", "PutRecord.Success", "PutRecords.Records"},
		OperationPut.MetricsToFetch())
	assert.Equal(t, []string{"GetRecords.Bytes", "GetRecords.Success"},
		OperationGet.MetricsToFetch())
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation("put")
	require.NoError(t, err)
	assert.Equal(t, OperationPut, op)

	op, err = ParseOperation("GET")
	require.NoError(t, err)
	assert.Equal(t, OperationGet, op)

	_, err = ParseOperation("DELETE")
	assert.Error(t, err)
}

func TestLoadMaxCapacity(t *testing.T) {
	m := NewManager("orders", AllOperations(), &fakeCloudWatch{}, fixedShardCounter(4), logging.NewNop(), WithSleeper(noSleep))
	require.NoError(t, m.LoadMaxCapacity(context.Background()))

	capacity := m.Capacity()
	assert.Equal(t, int64(4*1_048_576), capacity[OperationPut].BytesPerSec)
	assert.Equal(t, int64(4*1_000), capacity[OperationPut].RecordsPerSec)
	assert.Equal(t, int64(4*2_097_152), capacity[OperationGet].BytesPerSec)
	assert.Equal(t, int64(4*2_000), capacity[OperationGet].RecordsPerSec)
}

func TestQueryAggregatesSharedTimestamps(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	cw := &fakeCloudWatch{datapoints: map[string][]cwtypes.Datapoint{
		// two PUT byte metrics sharing a timestamp must sum
		"PutRecord.Bytes":  {datapoint(ts, 6000, cwtypes.StandardUnitBytes)},
		"PutRecords.Bytes": {datapoint(ts, 6000, cwtypes.StandardUnitBytes)},
		// record metrics land in the other dimension by unit
		"PutRecords.Records": {datapoint(ts, 1200, cwtypes.StandardUnitCount)},
	}}

	m := NewManager("orders", []OperationType{OperationPut}, cw, fixedShardCounter(1), logging.NewNop(), WithSleeper(noSleep))

	got, err := m.QueryCurrentUtilisation(context.Background(), ts.Add(-5*time.Minute), ts)
	require.NoError(t, err)

	// sums divide by the 60s period to become per-second rates
	assert.InDelta(t, 200.0, got[OperationPut][DimensionBytes][ts], 1e-9)
	assert.InDelta(t, 20.0, got[OperationPut][DimensionRecords][ts], 1e-9)
}

func TestQueryKeepsOperationsSeparate(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	cw := &fakeCloudWatch{datapoints: map[string][]cwtypes.Datapoint{
		"PutRecord.Bytes":  {datapoint(ts, 600, cwtypes.StandardUnitBytes)},
		"GetRecords.Bytes": {datapoint(ts, 1200, cwtypes.StandardUnitBytes)},
	}}

	m := NewManager("orders", AllOperations(), cw, fixedShardCounter(1), logging.NewNop(), WithSleeper(noSleep))

	got, err := m.QueryCurrentUtilisation(context.Background(), ts.Add(-time.Minute), ts)
	require.NoError(t, err)

	assert.InDelta(t, 10.0, got[OperationPut][DimensionBytes][ts], 1e-9)
	assert.InDelta(t, 20.0, got[OperationGet][DimensionBytes][ts], 1e-9)
	assert.Empty(t, got[OperationPut][DimensionRecords])
}

type transientError struct{}

func (transientError) Error() string                 { return "throttled" }
func (transientError) ErrorCode() string             { return "Throttling" }
func (transientError) ErrorMessage() string          { return "rate exceeded" }
func (transientError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

type validationError struct{}

func (validationError) Error() string                 { return "validation" }
func (validationError) ErrorCode() string             { return "InvalidParameterValue" }
func (validationError) ErrorMessage() string          { return "bad parameter" }
func (validationError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func TestQueryRetriesTransientErrors(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	cw := &fakeCloudWatch{
		datapoints: map[string][]cwtypes.Datapoint{
			"GetRecords.Bytes": {datapoint(ts, 600, cwtypes.StandardUnitBytes)},
		},
		failures: map[string]int{"GetRecords.Bytes": 2},
		failWith: transientError{},
	}

	m := NewManager("orders", []OperationType{OperationGet}, cw, fixedShardCounter(1), logging.NewNop(), WithSleeper(noSleep))

	got, err := m.QueryCurrentUtilisation(context.Background(), ts.Add(-time.Minute), ts)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, got[OperationGet][DimensionBytes][ts], 1e-9)
}

func TestQueryRethrowsValidationErrors(t *testing.T) {
	cw := &fakeCloudWatch{
		failures: map[string]int{"GetRecords.Bytes": 100, "GetRecords.Success": 100},
		failWith: validationError{},
	}

	m := NewManager("orders", []OperationType{OperationGet}, cw, fixedShardCounter(1), logging.NewNop(), WithSleeper(noSleep))

	_, err := m.QueryCurrentUtilisation(context.Background(), time.Now().Add(-time.Minute), time.Now())
	require.Error(t, err)

	// a validation error must fail fast, not burn the retry budget
	assert.LessOrEqual(t, len(cw.calls), 2)
}

func TestDimensionFromUnit(t *testing.T) {
	d, ok := DimensionFromUnit(cwtypes.StandardUnitBytes)
	assert.True(t, ok)
	assert.Equal(t, DimensionBytes, d)

	d, ok = DimensionFromUnit(cwtypes.StandardUnitCount)
	assert.True(t, ok)
	assert.Equal(t, DimensionRecords, d)

	_, ok = DimensionFromUnit(cwtypes.StandardUnitSeconds)
	assert.False(t, ok)
}
