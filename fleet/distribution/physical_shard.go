package distribution

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
)

// PhysicalShard groups contiguous ranges that share an owning team, for
// storage engines that encode location metadata locally.
type PhysicalShard struct {
	ID     uint64
	Teams  []Team
	Ranges []keyspace.KeyRange
	Bytes  int64
}

// PhysicalShardCollection maintains the range-to-physical-shard mapping.
// It is only active when location-metadata encoding is enabled.
type PhysicalShardCollection struct {
	mu       sync.Mutex
	shards   map[uint64]*PhysicalShard
	rangeIdx map[keyspace.KeyRange]uint64
	nextID   uint64
}

func NewPhysicalShardCollection() *PhysicalShardCollection {
	return &PhysicalShardCollection{
		shards:   map[uint64]*PhysicalShard{},
		rangeIdx: map[keyspace.KeyRange]uint64{},
		nextID:   1,
	}
}

// InitPhysicalShard registers a range with the physical shard owned by the
// given teams, creating the shard when id is zero or unknown.
func (c *PhysicalShardCollection) InitPhysicalShard(r keyspace.KeyRange, teams []Team, id uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == 0 {
		id = c.nextID
		c.nextID++
	} else if id >= c.nextID {
		c.nextID = id + 1
	}
	ps, ok := c.shards[id]
	if !ok {
		ps = &PhysicalShard{ID: id, Teams: append([]Team(nil), teams...)}
		c.shards[id] = ps
	}
	ps.Ranges = append(ps.Ranges, r)
	c.rangeIdx[r] = id
	return id
}

// MoveRange re-points a range at a different physical shard, dropping the
// old shard once it owns no ranges.
func (c *PhysicalShardCollection) MoveRange(r keyspace.KeyRange, toID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fromID, ok := c.rangeIdx[r]
	if ok && fromID != toID {
		from := c.shards[fromID]
		for i, fr := range from.Ranges {
			if fr == r {
				from.Ranges = append(from.Ranges[:i], from.Ranges[i+1:]...)
				break
			}
		}
		if len(from.Ranges) == 0 {
			delete(c.shards, fromID)
		}
	}
	if to, ok := c.shards[toID]; ok {
		to.Ranges = append(to.Ranges, r)
		c.rangeIdx[r] = toID
	}
}

// ShardCount returns the number of physical shards.
func (c *PhysicalShardCollection) ShardCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shards)
}

// Monitor logs the collection status periodically until ctx is done.
func (c *PhysicalShardCollection) Monitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.mu.Lock()
			count := len(c.shards)
			ranges := len(c.rangeIdx)
			c.mu.Unlock()
			glog.V(2).Infof("physical shards: %d shards over %d ranges", count, ranges)
		}
	}
}
