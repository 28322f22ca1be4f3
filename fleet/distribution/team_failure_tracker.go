package distribution

import (
	"sync"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
)

// TeamFailureTracker records which teams own which shards so that when a
// team loses a server the affected ranges can be relocated. Shards are
// defined by the bootstrap resume path and re-pointed on every move.
type TeamFailureTracker struct {
	mu     sync.Mutex
	shards map[keyspace.KeyRange][]Team
}

func NewTeamFailureTracker() *TeamFailureTracker {
	return &TeamFailureTracker{shards: map[keyspace.KeyRange][]Team{}}
}

// DefineShard declares r as a tracked shard boundary.
func (t *TeamFailureTracker) DefineShard(r keyspace.KeyRange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.shards[r]; !ok {
		t.shards[r] = nil
	}
}

// MoveShard assigns the owning teams of r.
func (t *TeamFailureTracker) MoveShard(r keyspace.KeyRange, teams []Team) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shards[r] = append([]Team(nil), teams...)
}

// RemoveShard forgets r, used when shards merge.
func (t *TeamFailureTracker) RemoveShard(r keyspace.KeyRange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.shards, r)
}

// RangesForServer returns every tracked range one of whose teams contains
// the server.
func (t *TeamFailureTracker) RangesForServer(id ServerID) []keyspace.KeyRange {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []keyspace.KeyRange
	for r, teams := range t.shards {
		for _, team := range teams {
			if team.Contains(id) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// ShardCount returns the number of tracked shards.
func (t *TeamFailureTracker) ShardCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.shards)
}
