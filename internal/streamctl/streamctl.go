// Package streamctl is a thin capability over the Kinesis control plane:
// shard listing and open-shard derivation, split, merge, atomic resize and
// status waits. Describe, list, split and merge calls run under a shared
// retry policy, and describe and list calls under a request rate limit;
// the atomic resize is a single attempt. Mutating calls optionally block
// until the stream returns to ACTIVE, which is how the
// one-mutation-in-flight guarantee is kept.
package streamctl

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kinesis-scaling-controller/ksc/internal/logging"
	"github.com/kinesis-scaling-controller/ksc/internal/shard"
)

// KinesisAPI is the subset of the Kinesis client the controller exercises.
type KinesisAPI interface {
	DescribeStreamSummary(ctx context.Context, params *kinesis.DescribeStreamSummaryInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error)
	ListShards(ctx context.Context, params *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	SplitShard(ctx context.Context, params *kinesis.SplitShardInput, optFns ...func(*kinesis.Options)) (*kinesis.SplitShardOutput, error)
	MergeShards(ctx context.Context, params *kinesis.MergeShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.MergeShardsOutput, error)
	UpdateShardCount(ctx context.Context, params *kinesis.UpdateShardCountInput, optFns ...func(*kinesis.Options)) (*kinesis.UpdateShardCountOutput, error)
}

// ErrRetriesExhausted is returned when the retry budget for a control
// plane call runs out without a terminal answer.
var ErrRetriesExhausted = errors.New("control plane retries exhausted")

// describeRateLimit bounds describe and list traffic; the provider
// throttles these APIs above roughly ten requests a second.
const describeRateLimit = rate.Limit(10)

// Client wraps a Kinesis API with retries, rate limiting and open shard
// derivation.
type Client struct {
	api     KinesisAPI
	log     logging.Logger
	backoff Backoff
	limiter *rate.Limiter

	sleep              func(context.Context, time.Duration) error
	statusPollInitial  time.Duration
	statusPollInterval time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithBackoff overrides the retry policy.
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithSleeper overrides the sleep function. Tests use this to run waits
// instantly.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithStatusPoll overrides the wait-for-active polling cadence.
func WithStatusPoll(initial, interval time.Duration) Option {
	return func(c *Client) {
		c.statusPollInitial = initial
		c.statusPollInterval = interval
	}
}

// New creates a control plane client.
func New(api KinesisAPI, log logging.Logger, opts ...Option) *Client {
	c := &Client{
		api:                api,
		log:                log,
		backoff:            DefaultBackoff(),
		limiter:            rate.NewLimiter(describeRateLimit, 1),
		sleep:              sleepContext,
		statusPollInitial:  20 * time.Second,
		statusPollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type retryClass int

const (
	classFatal retryClass = iota
	classThrottled
	classResourceInUse
)

func classify(err error) retryClass {
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return classResourceInUse
	}
	var limit *types.LimitExceededException
	if errors.As(err, &limit) {
		return classThrottled
	}
	var invalidArg *types.InvalidArgumentException
	if errors.As(err, &invalidArg) {
		return classFatal
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ProvisionedThroughputExceededException", "LimitExceededException":
			return classThrottled
		}
	}
	return classFatal
}

// IsFallbackError reports whether an atomic resize failure should divert
// to the split/merge planner rather than abort: the provider rejected the
// arguments or refused the operation at its limits.
func IsFallbackError(err error) bool {
	var invalidArg *types.InvalidArgumentException
	var limit *types.LimitExceededException
	if errors.As(err, &invalidArg) || errors.As(err, &limit) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ValidationException", "InvalidArgumentException", "LimitExceededException":
			return true
		}
	}
	return false
}

// do runs one logical control plane call under the retry policy. A
// mutation in flight waits a fixed interval; throttling backs off
// exponentially; anything else surfaces immediately.
func (c *Client) do(ctx context.Context, streamName, opName string, waitForActive bool, op func(context.Context) error) error {
	attempts := 0
	for {
		attempts++
		err := op(ctx)
		if err == nil {
			if waitForActive {
				return c.WaitForStatus(ctx, streamName, types.StreamStatusActive)
			}
			return nil
		}

		switch classify(err) {
		case classResourceInUse:
			if attempts >= c.backoff.MaxAttempts {
				return fmt.Errorf("%s on stream %s after %d attempts: %w", opName, streamName, attempts, ErrRetriesExhausted)
			}
			c.log.Debug(ctx, "shard mutation in flight, waiting",
				zap.String("stream", streamName), zap.String("operation", opName))
			if serr := c.sleep(ctx, c.backoff.ResourceInUseDelay); serr != nil {
				return serr
			}
		case classThrottled:
			if attempts >= c.backoff.MaxAttempts {
				return fmt.Errorf("%s on stream %s after %d attempts: %w", opName, streamName, attempts, ErrRetriesExhausted)
			}
			delay := c.backoff.ThrottleDelay(attempts)
			c.log.Debug(ctx, "control plane throttled, backing off",
				zap.String("stream", streamName), zap.String("operation", opName),
				zap.Duration("delay", delay))
			if serr := c.sleep(ctx, delay); serr != nil {
				return serr
			}
		default:
			return fmt.Errorf("%s on stream %s: %w", opName, streamName, err)
		}
	}
}

// StreamStatus returns the stream's current lifecycle status.
func (c *Client) StreamStatus(ctx context.Context, streamName string) (types.StreamStatus, error) {
	var status types.StreamStatus
	err := c.do(ctx, streamName, "describe-stream-summary", false, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		out, err := c.api.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{
			StreamName: aws.String(streamName),
		})
		if err != nil {
			return err
		}
		status = out.StreamDescriptionSummary.StreamStatus
		return nil
	})
	return status, err
}

// WaitForStatus polls until the stream reaches the wanted status. The
// first wait is long because shard mutations take tens of seconds to
// settle; afterwards the poll tightens to one second.
func (c *Client) WaitForStatus(ctx context.Context, streamName string, want types.StreamStatus) error {
	first := true
	for {
		status, err := c.StreamStatus(ctx, streamName)
		if err != nil {
			return err
		}
		if status == want {
			return nil
		}

		delay := c.statusPollInterval
		if first {
			delay = c.statusPollInitial
			first = false
		}
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// GetOpenShardCount returns the provider's open shard count for a stream.
func (c *Client) GetOpenShardCount(ctx context.Context, streamName string) (int, error) {
	var count int
	err := c.do(ctx, streamName, "describe-stream-summary", false, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		out, err := c.api.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{
			StreamName: aws.String(streamName),
		})
		if err != nil {
			return err
		}
		count = int(aws.ToInt32(out.StreamDescriptionSummary.OpenShardCount))
		return nil
	})
	return count, err
}

// listAllShards walks the paginated shard listing. Iteration terminates
// strictly on the absence of a next token.
func (c *Client) listAllShards(ctx context.Context, streamName, afterShardID string) ([]types.Shard, error) {
	var out []types.Shard

	in := &kinesis.ListShardsInput{StreamName: aws.String(streamName)}
	if afterShardID != "" {
		in.ExclusiveStartShardId = aws.String(afterShardID)
	}

	for {
		var page *kinesis.ListShardsOutput
		err := c.do(ctx, streamName, "list-shards", false, func(ctx context.Context) error {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			var err error
			page, err = c.api.ListShards(ctx, in)
			return err
		})
		if err != nil {
			return nil, err
		}

		out = append(out, page.Shards...)
		if page.NextToken == nil {
			return out, nil
		}
		// a continuation request carries only the token
		in = &kinesis.ListShardsInput{NextToken: page.NextToken}
	}
}

// GetOpenShards lists the stream's shards and derives the open subset: a
// shard is open iff listed and not referenced as a parent by any other
// listed shard. The result is sorted ascending by start hash. A non-empty
// afterShardID bounds the listing to shards created after it.
func (c *Client) GetOpenShards(ctx context.Context, streamName, afterShardID string) ([]shard.Info, error) {
	listed, err := c.listAllShards(ctx, streamName, afterShardID)
	if err != nil {
		return nil, err
	}
	return deriveOpen(streamName, listed)
}

// GetOpenShardSet builds the validated, keyspace-ordered open shard set
// from a full enumeration.
func (c *Client) GetOpenShardSet(ctx context.Context, streamName string) (*shard.OpenSet, error) {
	infos, err := c.GetOpenShards(ctx, streamName, "")
	if err != nil {
		return nil, err
	}
	set, err := shard.NewOpenSet(infos)
	if err != nil {
		return nil, fmt.Errorf("stream %s open shard set: %w", streamName, err)
	}
	return set, nil
}

// GetOpenShard finds one open shard by id.
func (c *Client) GetOpenShard(ctx context.Context, streamName, shardID string) (shard.Info, error) {
	infos, err := c.GetOpenShards(ctx, streamName, "")
	if err != nil {
		return shard.Info{}, err
	}
	for _, info := range infos {
		if info.ShardID == shardID {
			return info, nil
		}
	}
	return shard.Info{}, fmt.Errorf("shard %s not open in stream %s", shardID, streamName)
}

// SplitShard splits a shard at the target hash. The target becomes the
// starting hash key of the higher child.
func (c *Client) SplitShard(ctx context.Context, streamName, shardID string, targetHash *big.Int, waitForActive bool) error {
	return c.do(ctx, streamName, "split-shard", waitForActive, func(ctx context.Context) error {
		_, err := c.api.SplitShard(ctx, &kinesis.SplitShardInput{
			StreamName:         aws.String(streamName),
			ShardToSplit:       aws.String(shardID),
			NewStartingHashKey: aws.String(targetHash.String()),
		})
		return err
	})
}

// MergeShards merges two adjacent open shards.
func (c *Client) MergeShards(ctx context.Context, streamName, lowerID, higherID string, waitForActive bool) error {
	return c.do(ctx, streamName, "merge-shards", waitForActive, func(ctx context.Context) error {
		_, err := c.api.MergeShards(ctx, &kinesis.MergeShardsInput{
			StreamName:           aws.String(streamName),
			ShardToMerge:         aws.String(lowerID),
			AdjacentShardToMerge: aws.String(higherID),
		})
		return err
	})
}

// UpdateShardCount requests the provider's atomic uniform resize. It is
// deliberately a single attempt: failures are classified by the caller,
// which falls back to the split/merge planner when the provider rejects
// the request.
func (c *Client) UpdateShardCount(ctx context.Context, streamName string, target int, waitForActive bool) error {
	_, err := c.api.UpdateShardCount(ctx, &kinesis.UpdateShardCountInput{
		StreamName:       aws.String(streamName),
		TargetShardCount: aws.Int32(int32(target)),
		ScalingType:      types.ScalingTypeUniformScaling,
	})
	if err != nil {
		return err
	}
	if waitForActive {
		return c.WaitForStatus(ctx, streamName, types.StreamStatusActive)
	}
	return nil
}

// deriveOpen prunes closed parents from a shard listing and sorts the
// remainder by start hash.
func deriveOpen(streamName string, listed []types.Shard) ([]shard.Info, error) {
	closed := make(map[string]bool)
	for _, s := range listed {
		if p := aws.ToString(s.ParentShardId); p != "" {
			closed[p] = true
		}
		if p := aws.ToString(s.AdjacentParentShardId); p != "" {
			closed[p] = true
		}
	}

	var open []shard.Info
	for _, s := range listed {
		id := aws.ToString(s.ShardId)
		if closed[id] {
			continue
		}
		info, err := shard.NewInfo(streamName, id,
			aws.ToString(s.ParentShardId), aws.ToString(s.AdjacentParentShardId),
			aws.ToString(s.HashKeyRange.StartingHashKey), aws.ToString(s.HashKeyRange.EndingHashKey))
		if err != nil {
			return nil, err
		}
		open = append(open, info)
	}

	sort.Slice(open, func(i, j int) bool {
		return open[i].StartHash.Cmp(open[j].StartHash) < 0
	})
	return open, nil
}
