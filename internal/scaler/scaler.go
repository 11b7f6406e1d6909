// Package scaler implements stream resizing. It prefers the provider's
// atomic uniform resize and falls back to a split/merge rebalance pass
// that converges the open shard set to the target cardinality with
// near-uniform keyspace shares, making only one shard mutation at a time
// and consolidating the early keyspace first.
package scaler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kinesis-scaling-controller/ksc/internal/keyspace"
	"github.com/kinesis-scaling-controller/ksc/internal/logging"
	"github.com/kinesis-scaling-controller/ksc/internal/shard"
	"github.com/kinesis-scaling-controller/ksc/internal/streamctl"
)

var (
	// ErrAlreadyOneShard flags a scale down attempt against a stream that
	// is already at minimum cardinality.
	ErrAlreadyOneShard = errors.New("stream is already at one shard")

	// ErrShardResolution flags a post-mutation listing that failed to
	// identify the shards the mutation created.
	ErrShardResolution = errors.New("unable to resolve shards created by mutation")
)

// Change expresses how far to scale: by an absolute shard count or by a
// percentage of the current count. When both are set the count dominates.
type Change struct {
	Count *int
	Pct   *float64
}

func (c Change) empty() bool {
	return c.Count == nil && c.Pct == nil
}

// Scaler is the public scaling surface over one control plane client.
type Scaler struct {
	ctl               *streamctl.Client
	log               logging.Logger
	now               func() time.Time
	waitForCompletion bool
}

// Option customizes a Scaler.
type Option func(*Scaler)

// WithWaitForCompletion controls whether an atomic resize blocks until
// the stream settles back to ACTIVE. The split/merge pass always waits;
// one mutation in flight is not negotiable there.
func WithWaitForCompletion(wait bool) Option {
	return func(s *Scaler) { s.waitForCompletion = wait }
}

// New creates a Scaler.
func New(ctl *streamctl.Client, log logging.Logger, opts ...Option) *Scaler {
	s := &Scaler{ctl: ctl, log: log, now: time.Now, waitForCompletion: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScaleUp grows a stream by the requested change, bounded by minShards
// and maxShards.
func (s *Scaler) ScaleUp(ctx context.Context, streamName string, change Change, minShards, maxShards *int) (*Report, error) {
	if err := validateChange(change); err != nil {
		return nil, err
	}

	current, err := s.ctl.GetOpenShardCount(ctx, streamName)
	if err != nil {
		return nil, err
	}

	target := NewShardCount(current, change.Count, change.Pct, DirectionUp, minShards, maxShards)
	return s.resizeTo(ctx, streamName, current, target, DirectionUp, minShards, maxShards)
}

// ScaleDown shrinks a stream by the requested change, never below one
// shard.
func (s *Scaler) ScaleDown(ctx context.Context, streamName string, change Change, minShards, maxShards *int) (*Report, error) {
	if err := validateChange(change); err != nil {
		return nil, err
	}

	current, err := s.ctl.GetOpenShardCount(ctx, streamName)
	if err != nil {
		return nil, err
	}
	if current == 1 {
		report, rerr := s.reportFor(ctx, streamName, uuid.NewString(), DirectionDown, StatusAlreadyAtMinimum, 0)
		if rerr != nil {
			return report, rerr
		}
		return report, ErrAlreadyOneShard
	}

	target := NewShardCount(current, change.Count, change.Pct, DirectionDown, minShards, maxShards)
	return s.resizeTo(ctx, streamName, current, target, DirectionDown, minShards, maxShards)
}

// Resize moves a stream to an exact shard count.
func (s *Scaler) Resize(ctx context.Context, streamName string, target int, minShards, maxShards *int) (*Report, error) {
	current, err := s.ctl.GetOpenShardCount(ctx, streamName)
	if err != nil {
		return nil, err
	}

	direction := DirectionNone
	switch {
	case target > current:
		direction = DirectionUp
	case target < current:
		direction = DirectionDown
	}
	if direction == DirectionDown && current == 1 {
		report, rerr := s.reportFor(ctx, streamName, uuid.NewString(), DirectionDown, StatusAlreadyAtMinimum, 0)
		if rerr != nil {
			return report, rerr
		}
		return report, ErrAlreadyOneShard
	}
	if target > 0 {
		target = clampShardCount(target, minShards, maxShards)
	}

	return s.resizeTo(ctx, streamName, current, target, direction, minShards, maxShards)
}

// ScaleShard splits one open shard into count shards of equal share. The
// target share simulates the whole stream having been scaled by the same
// factor.
func (s *Scaler) ScaleShard(ctx context.Context, streamName, shardID string, count int) (*Report, error) {
	if count <= 1 {
		return nil, fmt.Errorf("shard count must be greater than one")
	}

	openCount, err := s.ctl.GetOpenShardCount(ctx, streamName)
	if err != nil {
		return nil, err
	}

	info, err := s.ctl.GetOpenShard(ctx, streamName, shardID)
	if err != nil {
		return nil, err
	}

	actionID := uuid.NewString()
	targetPct := 1 / float64(openCount*count)

	s.log.Info(ctx, "scaling single shard",
		zap.String("stream", streamName), zap.String("shard", shardID),
		zap.Int("into", count), zap.Float64("target_share", targetPct),
		zap.String("action_id", actionID))

	stack := &shard.Stack{}
	stack.Push(info)

	return s.runPlan(ctx, planInput{
		streamName: streamName,
		actionID:   actionID,
		direction:  DirectionUp,
		stack:      stack,
		targetPct:  targetPct,
		count:      openCount,
		target:     openCount + count - 1,
		highestID:  info.ShardID,
	})
}

// ReportFor produces a layout report without mutating the stream.
func (s *Scaler) ReportFor(ctx context.Context, streamName string) (*Report, error) {
	return s.reportFor(ctx, streamName, uuid.NewString(), DirectionNone, StatusReportOnly, 0)
}

func validateChange(change Change) error {
	if change.empty() {
		return fmt.Errorf("either a scaling count or percentage is required")
	}
	if change.Count != nil && *change.Count <= 0 {
		return fmt.Errorf("shard count must be a positive number")
	}
	if change.Pct != nil && *change.Pct <= 0 {
		return fmt.Errorf("scaling percent must be a positive number")
	}
	return nil
}

// resizeTo converges the stream on target open shards. The atomic resize
// is attempted first; the provider rejecting it diverts to the
// split/merge pass.
func (s *Scaler) resizeTo(ctx context.Context, streamName string, current, target int, direction Direction, minShards, maxShards *int) (*Report, error) {
	if target <= 0 {
		return nil, fmt.Errorf("cannot resize stream %s to %d shards", streamName, target)
	}

	actionID := uuid.NewString()
	log := s.log.With(zap.String("stream", streamName), zap.String("action_id", actionID))

	if target == current {
		status := StatusNoActionRequired
		switch {
		case direction == DirectionUp && maxShards != nil && current >= *maxShards:
			status = StatusAlreadyAtMaximum
		case direction == DirectionDown && minShards != nil && current <= *minShards:
			status = StatusAlreadyAtMinimum
		}
		log.Info(ctx, "stream already at target size",
			zap.Int("shards", current), zap.String("status", string(status)))
		return s.reportFor(ctx, streamName, actionID, direction, status, 0)
	}

	log.Info(ctx, "scaling stream",
		zap.Int("from", current), zap.Int("to", target), zap.String("direction", string(direction)))

	// the atomic resize counts as exactly one operation when it lands
	err := s.ctl.UpdateShardCount(ctx, streamName, target, s.waitForCompletion)
	if err == nil {
		return s.reportFor(ctx, streamName, actionID, direction, StatusOk, 1)
	}
	if !streamctl.IsFallbackError(err) {
		report, _ := s.reportFor(ctx, streamName, actionID, direction, StatusError, 0)
		return report, err
	}
	log.Info(ctx, "atomic resize rejected, rebalancing with splits and merges", zap.Error(err))

	set, err := s.ctl.GetOpenShardSet(ctx, streamName)
	if err != nil {
		return nil, err
	}

	return s.runPlan(ctx, planInput{
		streamName: streamName,
		actionID:   actionID,
		direction:  direction,
		stack:      set.DescendingStack(),
		targetPct:  shard.TargetShare(target),
		count:      set.Count(),
		target:     target,
		minShards:  minShards,
		maxShards:  maxShards,
		highestID:  set.HighestShardID(),
	})
}

type planInput struct {
	streamName string
	actionID   string
	direction  Direction
	stack      *shard.Stack
	targetPct  float64
	count      int
	target     int
	minShards  *int
	maxShards  *int
	highestID  string
}

// runPlan executes the rebalance pass. The stack delivers shards from the
// bottom of the keyspace upward; each pop is either complete, too wide
// (split at the target share) or too narrow (merge upward, splitting the
// neighbour first when the combination would overshoot).
func (s *Scaler) runPlan(ctx context.Context, in planInput) (*Report, error) {
	log := s.log.With(zap.String("stream", in.streamName), zap.String("action_id", in.actionID))

	operations := 0
	completed := 0
	count := in.count
	highestID := in.highestID
	startTime := s.now()

	for !in.stack.Empty() {
		if in.minShards != nil && count == *in.minShards && in.target <= *in.minShards {
			return s.capReport(ctx, in, StatusAlreadyAtMinimum, operations)
		}
		if in.maxShards != nil && count == *in.maxShards && in.target >= *in.maxShards {
			return s.capReport(ctx, in, StatusAlreadyAtMaximum, operations)
		}

		if completed > 0 {
			s.reportProgress(ctx, log, completed, in.stack.Len(), startTime)
		}

		lower := in.stack.Pop()

		switch keyspace.SoftCompare(lower.PctWidth, in.targetPct) {
		case -1:
			// too narrow; absorb the neighbour above
			if in.stack.Empty() {
				// the last shard is smaller than the target share, but
				// there is nothing left to merge with
				return s.reportFor(ctx, in.streamName, in.actionID, in.direction, doneStatus(operations), operations)
			}
			higher := in.stack.Pop()

			if keyspace.SoftCompare(lower.PctWidth+higher.PctWidth, in.targetPct) > 0 {
				// the pair overshoots: carve the needed remainder off the
				// neighbour, then merge it downward
				pair, err := s.splitShard(ctx, in.streamName, higher, in.targetPct-lower.PctWidth, &highestID)
				if err != nil {
					return s.failReport(ctx, in, operations, err)
				}
				operations++
				in.stack.Push(pair.Higher)

				if _, err := s.mergeShards(ctx, in.streamName, lower, pair.Lower, &highestID); err != nil {
					return s.failReport(ctx, in, operations, err)
				}
				operations++
				completed++
			} else {
				// still undershooting: merge and keep working the result
				merged, err := s.mergeShards(ctx, in.streamName, lower, higher, &highestID)
				if err != nil {
					return s.failReport(ctx, in, operations, err)
				}
				operations++
				in.stack.Push(merged)
				count--
			}
		case 0:
			// at the target share already
			completed++
		default:
			// too wide: carve off one target share, keep the remainder
			pair, err := s.splitShard(ctx, in.streamName, lower, in.targetPct, &highestID)
			if err != nil {
				return s.failReport(ctx, in, operations, err)
			}
			operations++
			in.stack.Push(pair.Higher)
			completed++
			count++
		}
	}

	return s.reportFor(ctx, in.streamName, in.actionID, in.direction, doneStatus(operations), operations)
}

func doneStatus(operations int) CompletionStatus {
	if operations == 0 {
		return StatusNoActionRequired
	}
	return StatusOk
}

func (s *Scaler) capReport(ctx context.Context, in planInput, capStatus CompletionStatus, operations int) (*Report, error) {
	status := capStatus
	if operations > 0 {
		status = StatusOk
	}
	return s.reportFor(ctx, in.streamName, in.actionID, in.direction, status, operations)
}

func (s *Scaler) failReport(ctx context.Context, in planInput, operations int, err error) (*Report, error) {
	report, _ := s.reportFor(ctx, in.streamName, in.actionID, in.direction, StatusError, operations)
	return report, err
}

// splitShard splits a shard at offsetPct of the keyspace above its start
// and resolves the two children from a bounded relisting.
func (s *Scaler) splitShard(ctx context.Context, streamName string, info shard.Info, offsetPct float64, highestID *string) (shard.AdjacentPair, error) {
	target := info.HashAtPctOffset(offsetPct)
	if target.Cmp(info.StartHash) <= 0 || target.Cmp(info.EndHash) > 0 {
		return shard.AdjacentPair{}, fmt.Errorf("split point %s outside shard %s", target, info.ShardID)
	}

	if err := s.ctl.SplitShard(ctx, streamName, info.ShardID, target, true); err != nil {
		return shard.AdjacentPair{}, err
	}

	created, err := s.ctl.GetOpenShards(ctx, streamName, *highestID)
	if err != nil {
		return shard.AdjacentPair{}, err
	}

	var lower, higher *shard.Info
	for i := range created {
		c := created[i]
		if c.ParentShardID != info.ShardID {
			continue
		}
		if c.StartHash.Cmp(target) == 0 {
			higher = &created[i]
		} else if c.StartHash.Cmp(info.StartHash) == 0 {
			lower = &created[i]
		}
	}
	if lower == nil || higher == nil {
		return shard.AdjacentPair{}, fmt.Errorf("split of %s at %s: %w", info.ShardID, target, ErrShardResolution)
	}

	bumpHighest(highestID, lower.ShardID, higher.ShardID)

	s.log.Debug(ctx, "split shard",
		zap.String("stream", streamName), zap.String("parent", info.ShardID),
		zap.String("lower", lower.ShardID), zap.String("higher", higher.ShardID))

	return shard.NewAdjacentPair(*lower, *higher)
}

// mergeShards merges an adjacent pair and resolves the child from a
// bounded relisting.
func (s *Scaler) mergeShards(ctx context.Context, streamName string, lower, higher shard.Info, highestID *string) (shard.Info, error) {
	pair, err := shard.NewAdjacentPair(lower, higher)
	if err != nil {
		return shard.Info{}, err
	}

	if err := s.ctl.MergeShards(ctx, streamName, pair.Lower.ShardID, pair.Higher.ShardID, true); err != nil {
		return shard.Info{}, err
	}

	created, err := s.ctl.GetOpenShards(ctx, streamName, *highestID)
	if err != nil {
		return shard.Info{}, err
	}

	for _, c := range created {
		if c.ParentShardID == pair.Lower.ShardID && c.AdjacentParentShardID == pair.Higher.ShardID {
			bumpHighest(highestID, c.ShardID)
			s.log.Debug(ctx, "merged shards",
				zap.String("stream", streamName), zap.String("lower", pair.Lower.ShardID),
				zap.String("higher", pair.Higher.ShardID), zap.String("child", c.ShardID))
			return c, nil
		}
	}

	return shard.Info{}, fmt.Errorf("merge of %s and %s: %w", pair.Lower.ShardID, pair.Higher.ShardID, ErrShardResolution)
}

func bumpHighest(highestID *string, candidates ...string) {
	for _, c := range candidates {
		if c > *highestID {
			*highestID = c
		}
	}
}

func (s *Scaler) reportProgress(ctx context.Context, log logging.Logger, completed, remaining int, startTime time.Time) {
	total := completed + remaining
	pctComplete := float64(completed) / float64(total)
	elapsed := s.now().Sub(startTime).Seconds()
	estRemaining := int(elapsed/pctComplete - elapsed)

	log.Info(ctx, "shard modification progress",
		zap.String("complete", fmt.Sprintf("%.1f%%", pctComplete*100)),
		zap.Int("in_process", remaining),
		zap.Int("est_seconds_remaining", estRemaining))
}

func (s *Scaler) reportFor(ctx context.Context, streamName, actionID string, direction Direction, status CompletionStatus, operations int) (*Report, error) {
	set, err := s.ctl.GetOpenShardSet(ctx, streamName)
	if err != nil {
		return &Report{
			ActionID:       actionID,
			StreamName:     streamName,
			EndStatus:      StatusError,
			Direction:      direction,
			OperationsMade: operations,
		}, err
	}

	return &Report{
		ActionID:       actionID,
		StreamName:     streamName,
		EndStatus:      status,
		Direction:      direction,
		OperationsMade: operations,
		Layout:         set.Shards(),
	}, nil
}
