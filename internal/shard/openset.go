package shard

import (
	"fmt"
	"math/big"
	"sort"
)

// OpenSet is an ordered sequence of open shards sorted ascending by start
// hash. A full enumeration covers the keyspace exactly; the set is rebuilt
// from the control plane after every mutation rather than patched in place.
type OpenSet struct {
	shards []Info
}

// NewOpenSet sorts the given shards by start hash and validates that no
// two overlap. Adjacency between neighbours is enforced on insertion so a
// malformed listing is rejected before the planner consumes it.
func NewOpenSet(shards []Info) (*OpenSet, error) {
	sorted := make([]Info, len(shards))
	copy(sorted, shards)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StartHash.Cmp(sorted[j].StartHash) < 0
	})

	s := &OpenSet{}
	for _, info := range sorted {
		if err := s.Insert(info); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Insert appends a shard to the top of the set, validating that it abuts
// the current highest shard by exactly one hash unit.
func (s *OpenSet) Insert(info Info) error {
	if len(s.shards) > 0 {
		prev := s.shards[len(s.shards)-1]
		gap := new(big.Int).Sub(info.StartHash, prev.EndHash)
		if gap.Cmp(big.NewInt(1)) != 0 {
			return fmt.Errorf("shard %s does not abut %s: start %s, previous end %s",
				info.ShardID, prev.ShardID, info.StartHash, prev.EndHash)
		}
	}
	s.shards = append(s.shards, info)
	return nil
}

// Shards returns the shards in ascending start hash order.
func (s *OpenSet) Shards() []Info {
	out := make([]Info, len(s.shards))
	copy(out, s.shards)
	return out
}

// Count returns the open shard cardinality.
func (s *OpenSet) Count() int {
	return len(s.shards)
}

// CoversKeyspace reports whether the union of the shard ranges is exactly
// the full keyspace.
func (s *OpenSet) CoversKeyspace() bool {
	if len(s.shards) == 0 {
		return false
	}
	return s.shards[0].IsFirst() && s.shards[len(s.shards)-1].IsLast()
}

// DescendingStack returns a LIFO stack loaded in descending start hash
// order, so pops deliver shards from the bottom of the keyspace upward.
// This is the left-leaning bias of the rebalance planner: the early
// keyspace is consolidated first.
func (s *OpenSet) DescendingStack() *Stack {
	st := &Stack{}
	for i := len(s.shards) - 1; i >= 0; i-- {
		st.Push(s.shards[i])
	}
	return st
}

// HighestShardID returns the lexicographically greatest shard id in the
// set. Shard ids are monotonic, so this bounds a reconciliation listing
// after a mutation.
func (s *OpenSet) HighestShardID() string {
	highest := ""
	for _, info := range s.shards {
		if info.ShardID > highest {
			highest = info.ShardID
		}
	}
	return highest
}

// Stack is the planner's LIFO working structure.
type Stack struct {
	items []Info
}

func (s *Stack) Push(i Info) {
	s.items = append(s.items, i)
}

func (s *Stack) Pop() Info {
	i := s.items[len(s.items)-1]
	s.items = s.items[:len(s.items)-1]
	return i
}

func (s *Stack) Len() int {
	return len(s.items)
}

func (s *Stack) Empty() bool {
	return len(s.items) == 0
}

// TargetShare returns the keyspace share each shard holds when count
// shards divide the keyspace evenly.
func TargetShare(count int) float64 {
	return 1 / float64(count)
}
