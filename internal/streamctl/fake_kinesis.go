package streamctl

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"github.com/kinesis-scaling-controller/ksc/internal/keyspace"
)

// FakeKinesis is an in-memory control plane that mimics the shard
// lifecycle semantics the scaler depends on: splits produce two children
// carrying the parent id, merges produce one child carrying parent and
// adjacent parent ids, shard ids grow monotonically, and every mutation
// drives the stream through an UPDATING status observation before it
// reports ACTIVE again. Tests across packages share it in place of the
// real client.
type FakeKinesis struct {
	mu      sync.Mutex
	streams map[string]*fakeStream

	// ListPageSize forces pagination when > 0.
	ListPageSize int

	// FailUpdateShardCount makes UpdateShardCount return this error,
	// exercising the split/merge fallback path.
	FailUpdateShardCount error

	SplitCalls  int
	MergeCalls  int
	UpdateCalls int

	// MutationsWhileUpdating counts mutations issued while the stream had
	// not yet been observed ACTIVE, which violates the one-in-flight
	// contract.
	MutationsWhileUpdating int
}

type fakeStream struct {
	name     string
	shards   []types.Shard
	nextID   int
	updating bool
}

// NewFakeKinesis creates an empty fake control plane.
func NewFakeKinesis() *FakeKinesis {
	return &FakeKinesis{streams: make(map[string]*fakeStream)}
}

// CreateStream registers a stream with count open shards dividing the
// keyspace evenly.
func (f *FakeKinesis) CreateStream(name string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := &fakeStream{name: name}
	s.shards = evenShards(s, count, "", "")
	f.streams[name] = s
}

func evenShards(s *fakeStream, count int, parentID, adjacentParentID string) []types.Shard {
	size := new(big.Int).Add(keyspace.MaxHash, big.NewInt(1))
	step := new(big.Int).Div(size, big.NewInt(int64(count)))

	var out []types.Shard
	start := big.NewInt(0)
	for i := 0; i < count; i++ {
		end := new(big.Int).Add(start, step)
		end.Sub(end, big.NewInt(1))
		if i == count-1 {
			end = new(big.Int).Set(keyspace.MaxHash)
		}
		out = append(out, newFakeShard(s, start, end, parentID, adjacentParentID))
		start = new(big.Int).Add(end, big.NewInt(1))
	}
	return out
}

func newFakeShard(s *fakeStream, start, end *big.Int, parentID, adjacentParentID string) types.Shard {
	id := fmt.Sprintf("shardId-%012d", s.nextID)
	s.nextID++

	sh := types.Shard{
		ShardId: aws.String(id),
		HashKeyRange: &types.HashKeyRange{
			StartingHashKey: aws.String(start.String()),
			EndingHashKey:   aws.String(end.String()),
		},
	}
	if parentID != "" {
		sh.ParentShardId = aws.String(parentID)
	}
	if adjacentParentID != "" {
		sh.AdjacentParentShardId = aws.String(adjacentParentID)
	}
	return sh
}

func (f *FakeKinesis) stream(name *string) (*fakeStream, error) {
	s, ok := f.streams[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("stream not found: " + aws.ToString(name))}
	}
	return s, nil
}

// OpenShards returns the currently open shards in creation order. Test
// assertion helper.
func (f *FakeKinesis) OpenShards(name string) []types.Shard {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.streams[name]
	if s == nil {
		return nil
	}
	return openSubset(s.shards)
}

func openSubset(all []types.Shard) []types.Shard {
	closed := make(map[string]bool)
	for _, sh := range all {
		if p := aws.ToString(sh.ParentShardId); p != "" {
			closed[p] = true
		}
		if p := aws.ToString(sh.AdjacentParentShardId); p != "" {
			closed[p] = true
		}
	}
	var open []types.Shard
	for _, sh := range all {
		if !closed[aws.ToString(sh.ShardId)] {
			open = append(open, sh)
		}
	}
	return open
}

func (f *FakeKinesis) findShard(s *fakeStream, id string) (types.Shard, bool) {
	for _, sh := range s.shards {
		if aws.ToString(sh.ShardId) == id {
			return sh, true
		}
	}
	return types.Shard{}, false
}

func (f *FakeKinesis) DescribeStreamSummary(ctx context.Context, params *kinesis.DescribeStreamSummaryInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.stream(params.StreamName)
	if err != nil {
		return nil, err
	}

	status := types.StreamStatusActive
	if s.updating {
		status = types.StreamStatusUpdating
		s.updating = false
	}

	return &kinesis.DescribeStreamSummaryOutput{
		StreamDescriptionSummary: &types.StreamDescriptionSummary{
			StreamName:     aws.String(s.name),
			StreamStatus:   status,
			OpenShardCount: aws.Int32(int32(len(openSubset(s.shards)))),
		},
	}, nil
}

func (f *FakeKinesis) ListShards(ctx context.Context, params *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var s *fakeStream
	start := 0

	if params.NextToken != nil {
		var name string
		if _, err := fmt.Sscanf(aws.ToString(params.NextToken), "%s %d", &name, &start); err != nil {
			return nil, &types.InvalidArgumentException{Message: aws.String("bad next token")}
		}
		var err error
		s, err = f.stream(aws.String(name))
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		s, err = f.stream(params.StreamName)
		if err != nil {
			return nil, err
		}
		if after := aws.ToString(params.ExclusiveStartShardId); after != "" {
			for i, sh := range s.shards {
				if aws.ToString(sh.ShardId) > after {
					start = i
					break
				}
				start = i + 1
			}
		}
	}

	end := len(s.shards)
	if f.ListPageSize > 0 && start+f.ListPageSize < end {
		end = start + f.ListPageSize
	}

	out := &kinesis.ListShardsOutput{Shards: append([]types.Shard{}, s.shards[start:end]...)}
	if end < len(s.shards) {
		out.NextToken = aws.String(fmt.Sprintf("%s %d", s.name, end))
	}
	return out, nil
}

func (f *FakeKinesis) SplitShard(ctx context.Context, params *kinesis.SplitShardInput, optFns ...func(*kinesis.Options)) (*kinesis.SplitShardOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.stream(params.StreamName)
	if err != nil {
		return nil, err
	}
	if s.updating {
		f.MutationsWhileUpdating++
	}

	id := aws.ToString(params.ShardToSplit)
	sh, ok := f.findShard(s, id)
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("shard not found: " + id)}
	}

	start, _ := new(big.Int).SetString(aws.ToString(sh.HashKeyRange.StartingHashKey), 10)
	end, _ := new(big.Int).SetString(aws.ToString(sh.HashKeyRange.EndingHashKey), 10)
	target, ok := new(big.Int).SetString(aws.ToString(params.NewStartingHashKey), 10)
	if !ok || target.Cmp(start) <= 0 || target.Cmp(end) > 0 {
		return nil, &types.InvalidArgumentException{
			Message: aws.String("new starting hash key outside shard range"),
		}
	}

	lowEnd := new(big.Int).Sub(target, big.NewInt(1))
	s.shards = append(s.shards, newFakeShard(s, start, lowEnd, id, ""))
	s.shards = append(s.shards, newFakeShard(s, target, end, id, ""))
	s.updating = true
	f.SplitCalls++

	return &kinesis.SplitShardOutput{}, nil
}

func (f *FakeKinesis) MergeShards(ctx context.Context, params *kinesis.MergeShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.MergeShardsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.stream(params.StreamName)
	if err != nil {
		return nil, err
	}
	if s.updating {
		f.MutationsWhileUpdating++
	}

	lowerID := aws.ToString(params.ShardToMerge)
	higherID := aws.ToString(params.AdjacentShardToMerge)

	lower, okL := f.findShard(s, lowerID)
	higher, okH := f.findShard(s, higherID)
	if !okL || !okH {
		return nil, &types.ResourceNotFoundException{Message: aws.String("merge input shard not found")}
	}

	lowerEnd, _ := new(big.Int).SetString(aws.ToString(lower.HashKeyRange.EndingHashKey), 10)
	higherStart, _ := new(big.Int).SetString(aws.ToString(higher.HashKeyRange.StartingHashKey), 10)
	if new(big.Int).Sub(higherStart, lowerEnd).Cmp(big.NewInt(1)) != 0 {
		return nil, &types.InvalidArgumentException{Message: aws.String("shards are not adjacent")}
	}

	start, _ := new(big.Int).SetString(aws.ToString(lower.HashKeyRange.StartingHashKey), 10)
	end, _ := new(big.Int).SetString(aws.ToString(higher.HashKeyRange.EndingHashKey), 10)
	s.shards = append(s.shards, newFakeShard(s, start, end, lowerID, higherID))
	s.updating = true
	f.MergeCalls++

	return &kinesis.MergeShardsOutput{}, nil
}

func (f *FakeKinesis) UpdateShardCount(ctx context.Context, params *kinesis.UpdateShardCountInput, optFns ...func(*kinesis.Options)) (*kinesis.UpdateShardCountOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.UpdateCalls++
	if f.FailUpdateShardCount != nil {
		return nil, f.FailUpdateShardCount
	}

	s, err := f.stream(params.StreamName)
	if err != nil {
		return nil, err
	}

	target := int(aws.ToInt32(params.TargetShardCount))
	if target <= 0 {
		return nil, &types.InvalidArgumentException{Message: aws.String("target shard count must be positive")}
	}

	// the fake models only the end state of the uniform resize
	s.shards = evenShards(s, target, "", "")
	s.updating = true

	return &kinesis.UpdateShardCountOutput{
		CurrentShardCount: params.TargetShardCount,
		TargetShardCount:  params.TargetShardCount,
		StreamName:        params.StreamName,
	}, nil
}
