package scaler

import (
	"math"
)

// NewShardCount resolves a scaling request into a target open shard count.
//
// A count request is a plain delta on the current size. A percentage
// request carries two historical interpretations, switched on whether the
// value is above 100:
//
//   - pct <= 100 is the delta form: "change by pct of current". Scaling
//     up by 15% from 1 shard yields 2; scaling down by 20% from 10 yields
//     8.
//   - pct > 100 is the factor form: "move to pct of current". Scaling up
//     by 200% doubles; scaling down by 200% halves.
//
// Scale ups round fractional targets away from the current size, so any
// non zero request produces at least one shard of movement. Factor form
// scale downs round toward fewer shards. The result is clamped to
// [max(minShards, 1), maxShards].
func NewShardCount(current int, scaleCount *int, scalePct *float64, direction Direction, minShards, maxShards *int) int {
	target := current

	switch {
	case scaleCount != nil:
		if direction == DirectionUp {
			target = current + *scaleCount
		} else {
			target = current - *scaleCount
		}
	case scalePct != nil:
		pct := *scalePct / 100
		if direction == DirectionUp {
			if *scalePct > 100 {
				target = int(math.Ceil(float64(current) * pct))
			} else {
				target = int(math.Ceil(float64(current) * (1 + pct)))
			}
		} else {
			if *scalePct > 100 {
				target = int(math.Floor(float64(current) / pct))
			} else {
				target = int(math.Ceil(float64(current) * (1 - pct)))
			}
		}
	}

	return clampShardCount(target, minShards, maxShards)
}

func clampShardCount(target int, minShards, maxShards *int) int {
	floor := 1
	if minShards != nil && *minShards > floor {
		floor = *minShards
	}
	if target < floor {
		target = floor
	}
	if maxShards != nil && target > *maxShards {
		target = *maxShards
	}
	return target
}
