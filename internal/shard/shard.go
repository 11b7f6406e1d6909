// Package shard models the open shard topology of a stream: per-shard hash
// range metadata, ordered open shard sets covering the keyspace, adjacent
// pairs eligible for merging, and the LIFO stack the rebalance planner
// consumes.
package shard

import (
	"fmt"
	"math/big"

	"github.com/kinesis-scaling-controller/ksc/internal/keyspace"
)

// Info carries a shard's identity and its derived hash range metadata. It
// is immutable once built; topology changes always produce fresh Info
// values from a new control plane listing.
type Info struct {
	StreamName            string   `json:"streamName"`
	ShardID               string   `json:"shardId"`
	ParentShardID         string   `json:"parentShardId,omitempty"`
	AdjacentParentShardID string   `json:"adjacentParentShardId,omitempty"`
	StartHash             *big.Int `json:"startHash"`
	EndHash               *big.Int `json:"endHash"`
	Width                 *big.Int `json:"width"`
	PctWidth              float64  `json:"pctWidth"`
}

// NewInfo builds shard metadata from the decimal hash key strings the
// control plane returns.
func NewInfo(streamName, shardID, parentID, adjacentParentID, startKey, endKey string) (Info, error) {
	start, ok := new(big.Int).SetString(startKey, 10)
	if !ok {
		return Info{}, fmt.Errorf("shard %s: invalid starting hash key %q", shardID, startKey)
	}
	end, ok := new(big.Int).SetString(endKey, 10)
	if !ok {
		return Info{}, fmt.Errorf("shard %s: invalid ending hash key %q", shardID, endKey)
	}
	if err := keyspace.ValidateRange(start, end); err != nil {
		return Info{}, fmt.Errorf("shard %s: %w", shardID, err)
	}

	width := keyspace.Width(start, end)
	return Info{
		StreamName:            streamName,
		ShardID:               shardID,
		ParentShardID:         parentID,
		AdjacentParentShardID: adjacentParentID,
		StartHash:             start,
		EndHash:               end,
		Width:                 width,
		PctWidth:              keyspace.PctOfKeyspace(width),
	}, nil
}

// HashAtPctOffset returns the hash key pct of the keyspace above this
// shard's start, the split point for carving off that share.
func (i Info) HashAtPctOffset(pct float64) *big.Int {
	return keyspace.HashAtPctOffset(i.StartHash, pct)
}

// IsFirst reports whether the shard anchors the bottom of the keyspace.
func (i Info) IsFirst() bool {
	return i.StartHash.Sign() == 0
}

// IsLast reports whether the shard reaches the top of the keyspace.
func (i Info) IsLast() bool {
	return i.EndHash.Cmp(keyspace.MaxHash) == 0
}

func (i Info) String() string {
	return fmt.Sprintf("Shard %s - Start: %s, End: %s, Keyspace Width: %s (%.1f%%)",
		i.ShardID, i.StartHash, i.EndHash, i.Width, i.PctWidth*100)
}

// AdjacentPair holds two open shards whose ranges abut by exactly one hash
// unit. It is the only legal input to a merge.
type AdjacentPair struct {
	Lower  Info
	Higher Info
}

// NewAdjacentPair validates the adjacency invariant before accepting the
// pair.
func NewAdjacentPair(lower, higher Info) (AdjacentPair, error) {
	gap := new(big.Int).Sub(higher.StartHash, lower.EndHash)
	if gap.Cmp(big.NewInt(1)) != 0 {
		return AdjacentPair{}, fmt.Errorf("shards %s and %s are not adjacent", lower.ShardID, higher.ShardID)
	}
	return AdjacentPair{Lower: lower, Higher: higher}, nil
}
