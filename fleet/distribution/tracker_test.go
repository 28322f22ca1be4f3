package distribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
)

func TestTrackerSplitsLargeShard(t *testing.T) {
	knobs := testKnobs()
	out := make(chan RelocateShard, 64)
	tr := NewShardTracker(knobs, out)
	tr.TrackInitialShards(&InitialDataDistribution{Shards: []ShardInfo{
		{Key: "a"}, {Key: "z"}, {Key: keyspace.NormalKeys.End},
	}})

	tr.UpdateMetrics(keyspace.NewRange("a", "z"), ShardMetrics{Bytes: knobs.MaxShardBytes + 1})
	tr.scan()

	var emitted []RelocateShard
	for len(out) > 0 {
		emitted = append(emitted, <-out)
	}
	require.Len(t, emitted, 2)
	assert.Equal(t, ReasonSplitShard, emitted[0].Reason)
	assert.Equal(t, emitted[0].Keys.End, emitted[1].Keys.Begin)
	assert.Equal(t, keyspace.Key("a"), emitted[0].Keys.Begin)
	assert.Equal(t, keyspace.Key("z"), emitted[1].Keys.End)
	assert.Equal(t, 3, tr.ShardCount())
}

func TestTrackerMergesSmallShards(t *testing.T) {
	knobs := testKnobs()
	out := make(chan RelocateShard, 64)
	tr := NewShardTracker(knobs, out)
	tr.TrackInitialShards(&InitialDataDistribution{Shards: []ShardInfo{
		{Key: "a"}, {Key: "m"}, {Key: "t"}, {Key: keyspace.NormalKeys.End},
	}})

	tr.UpdateMetrics(keyspace.NewRange("a", "m"), ShardMetrics{Bytes: 1})
	tr.UpdateMetrics(keyspace.NewRange("m", "t"), ShardMetrics{Bytes: 1})
	// The tail shard stays large enough not to merge.
	tr.UpdateMetrics(keyspace.NewRange("t", keyspace.NormalKeys.End), ShardMetrics{Bytes: knobs.MinShardBytes})
	tr.scan()

	var emitted []RelocateShard
	for len(out) > 0 {
		emitted = append(emitted, <-out)
	}
	require.Len(t, emitted, 1)
	assert.Equal(t, ReasonMergeShard, emitted[0].Reason)
	assert.Equal(t, keyspace.NewRange("a", "t"), emitted[0].Keys)
	assert.Equal(t, 2, tr.ShardCount())
}

func TestTrackerShardSizes(t *testing.T) {
	knobs := testKnobs()
	out := make(chan RelocateShard, 4)
	tr := NewShardTracker(knobs, out)
	tr.TrackInitialShards(&InitialDataDistribution{Shards: []ShardInfo{
		{Key: "a"}, {Key: "f"}, {Key: "m"}, {Key: keyspace.NormalKeys.End},
	}})
	tr.UpdateMetrics(keyspace.NewRange("a", "f"), ShardMetrics{Bytes: 10})
	tr.UpdateMetrics(keyspace.NewRange("f", "m"), ShardMetrics{Bytes: 30})

	sizes := tr.ShardSizes(keyspace.NormalKeys)
	require.Len(t, sizes, 3)
	assert.Equal(t, int64(10), sizes[0].Bytes)
	assert.Equal(t, int64(30), sizes[1].Bytes)
}
