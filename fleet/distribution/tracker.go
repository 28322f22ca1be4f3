package distribution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/stats"
)

// ShardMetrics are the per-range observations storage servers report.
type ShardMetrics struct {
	Bytes          int64 `json:"bytes"`
	WriteBandwidth int64 `json:"writeBandwidth"`
	ReadBandwidth  int64 `json:"readBandwidth"`
}

type trackedShard struct {
	rng       keyspace.KeyRange
	metrics   ShardMetrics
	updatedAt time.Time
}

// ShardTracker observes per-range size and bandwidth, keeping the latest
// report per shard, and emits split and merge relocations. It does not
// emit rebalance relocations.
type ShardTracker struct {
	mu     sync.Mutex
	shards []trackedShard

	knobs Knobs
	out   chan<- RelocateShard
}

func NewShardTracker(knobs Knobs, out chan<- RelocateShard) *ShardTracker {
	return &ShardTracker{knobs: knobs, out: out}
}

// TrackInitialShards seeds the tracker from the loaded distribution.
func (t *ShardTracker) TrackInitialShards(init *InitialDataDistribution) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shards = nil
	for i := 0; i+1 < len(init.Shards); i++ {
		t.shards = append(t.shards, trackedShard{
			rng: keyspace.KeyRange{Begin: init.Shards[i].Key, End: init.Shards[i+1].Key},
		})
	}
	stats.ShardCountGauge.Set(float64(len(t.shards)))
}

func (t *ShardTracker) findShardLocked(k keyspace.Key) int {
	i := sort.Search(len(t.shards), func(i int) bool { return t.shards[i].rng.End > k })
	if i < len(t.shards) && t.shards[i].rng.ContainsKey(k) {
		return i
	}
	return -1
}

// UpdateMetrics folds one report into the shard containing the range's
// begin key.
func (t *ShardTracker) UpdateMetrics(r keyspace.KeyRange, m ShardMetrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.findShardLocked(r.Begin)
	if i < 0 {
		return
	}
	t.shards[i].metrics = m
	t.shards[i].updatedAt = time.Now()
}

// ShardCount returns the number of tracked shards.
func (t *ShardTracker) ShardCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.shards)
}

// ShardSizes returns each tracked range with its latest byte estimate,
// clipped to r.
func (t *ShardTracker) ShardSizes(r keyspace.KeyRange) []struct {
	Range keyspace.KeyRange
	Bytes int64
} {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []struct {
		Range keyspace.KeyRange
		Bytes int64
	}
	for _, s := range t.shards {
		if !s.rng.Overlaps(r) {
			continue
		}
		out = append(out, struct {
			Range keyspace.KeyRange
			Bytes int64
		}{Range: s.rng.Intersect(r), Bytes: s.metrics.Bytes})
	}
	return out
}

// splitShardLocked replaces shard i with two halves split at mid.
func (t *ShardTracker) splitShardLocked(i int, mid keyspace.Key) {
	s := t.shards[i]
	left := trackedShard{rng: keyspace.KeyRange{Begin: s.rng.Begin, End: mid},
		metrics: ShardMetrics{Bytes: s.metrics.Bytes / 2, WriteBandwidth: s.metrics.WriteBandwidth / 2, ReadBandwidth: s.metrics.ReadBandwidth / 2}}
	right := trackedShard{rng: keyspace.KeyRange{Begin: mid, End: s.rng.End}, metrics: left.metrics}
	t.shards = append(t.shards[:i], append([]trackedShard{left, right}, t.shards[i+1:]...)...)
}

// mergeShardsLocked replaces shards i and i+1 with their union.
func (t *ShardTracker) mergeShardsLocked(i int) {
	merged := trackedShard{
		rng: keyspace.KeyRange{Begin: t.shards[i].rng.Begin, End: t.shards[i+1].rng.End},
		metrics: ShardMetrics{
			Bytes:          t.shards[i].metrics.Bytes + t.shards[i+1].metrics.Bytes,
			WriteBandwidth: t.shards[i].metrics.WriteBandwidth + t.shards[i+1].metrics.WriteBandwidth,
			ReadBandwidth:  t.shards[i].metrics.ReadBandwidth + t.shards[i+1].metrics.ReadBandwidth,
		},
		updatedAt: time.Now(),
	}
	t.shards = append(t.shards[:i], append([]trackedShard{merged}, t.shards[i+2:]...)...)
}

// midpointKey picks a split boundary between begin and end. Without key
// samples the lexicographic midpoint of the diverging byte is used.
func midpointKey(r keyspace.KeyRange) keyspace.Key {
	b, e := []byte(r.Begin), []byte(r.End)
	var out []byte
	for i := 0; ; i++ {
		var bb, eb byte
		if i < len(b) {
			bb = b[i]
		}
		eb = byte(0xff)
		if i < len(e) {
			eb = e[i]
		}
		if bb == eb {
			out = append(out, bb)
			continue
		}
		mid := bb + (eb-bb)/2
		out = append(out, mid)
		if mid != bb {
			return keyspace.Key(out)
		}
		// Adjacent bytes: descend with a suffix.
		return keyspace.Key(append(out, 0x80))
	}
}

// scan walks all shards once, emitting split and merge relocations.
func (t *ShardTracker) scan() {
	t.mu.Lock()
	var emitted []RelocateShard

	for i := 0; i < len(t.shards); i++ {
		s := t.shards[i]
		if s.metrics.Bytes > t.knobs.MaxShardBytes {
			mid := midpointKey(s.rng)
			if mid <= s.rng.Begin || mid >= s.rng.End {
				continue
			}
			glog.V(0).Infof("splitting shard %v (%s)", s.rng, humanize.Bytes(uint64(s.metrics.Bytes)))
			t.splitShardLocked(i, mid)
			emitted = append(emitted,
				NewRelocateShard(t.shards[i].rng, ReasonSplitShard),
				NewRelocateShard(t.shards[i+1].rng, ReasonSplitShard))
			i++
			continue
		}
		if i+1 < len(t.shards) &&
			s.metrics.Bytes+t.shards[i+1].metrics.Bytes < t.knobs.MinShardBytes {
			merged := keyspace.KeyRange{Begin: s.rng.Begin, End: t.shards[i+1].rng.End}
			glog.V(1).Infof("merging shards at %v", merged)
			t.mergeShardsLocked(i)
			emitted = append(emitted, NewRelocateShard(merged, ReasonMergeShard))
		}
	}
	stats.ShardCountGauge.Set(float64(len(t.shards)))
	t.mu.Unlock()

	for _, rs := range emitted {
		t.out <- rs
	}
}

// Run re-scans the shard set on the configured cadence until ctx is done.
func (t *ShardTracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.knobs.ShardTrackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.scan()
		}
	}
}
