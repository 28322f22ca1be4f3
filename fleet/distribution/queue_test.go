package distribution

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
)

func TestQueueSerializesOverlappingRanges(t *testing.T) {
	var mu sync.Mutex
	active := map[keyspace.KeyRange]bool{}
	var overlapped atomic.Bool
	done := make(chan keyspace.KeyRange, 16)

	q := NewRelocationQueue(8, func(ctx context.Context, rs RelocateShard) error {
		mu.Lock()
		for r := range active {
			if r.Overlaps(rs.Keys) {
				overlapped.Store(true)
			}
		}
		active[rs.Keys] = true
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		delete(active, rs.Keys)
		mu.Unlock()
		done <- rs.Keys
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)

	q.Input() <- NewRelocateShard(keyspace.NewRange("a", "m"), ReasonRebalance)
	q.Input() <- NewRelocateShard(keyspace.NewRange("b", "c"), ReasonRebalance)
	q.Input() <- NewRelocateShard(keyspace.NewRange("x", "z"), ReasonRebalance)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("relocation did not complete")
		}
	}
	cancel()
	assert.False(t, overlapped.Load(), "overlapping ranges ran concurrently")
}

func TestQueueBoundsParallelism(t *testing.T) {
	var current, peak atomic.Int64
	done := make(chan struct{}, 64)

	q := NewRelocationQueue(2, func(ctx context.Context, rs RelocateShard) error {
		cur := current.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		done <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)

	for i := 0; i < 10; i++ {
		begin := keyspace.Key(rune('a' + i))
		q.Input() <- NewRelocateShard(keyspace.NewRange(begin, begin+"0"), ReasonRebalance)
	}
	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("relocation did not complete")
		}
	}
	cancel()
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestQueuePrefersHigherPriority(t *testing.T) {
	var order []MovementReason
	var mu sync.Mutex
	release := make(chan struct{})
	done := make(chan struct{}, 8)

	q := NewRelocationQueue(1, func(ctx context.Context, rs RelocateShard) error {
		if rs.Reason == ReasonRecoverMove {
			// First request holds the single slot while the rest queue up.
			<-release
		}
		mu.Lock()
		order = append(order, rs.Reason)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)

	q.Input() <- NewRelocateShard(keyspace.NewRange("a", "b"), ReasonRecoverMove)
	time.Sleep(20 * time.Millisecond)
	q.Input() <- NewRelocateShard(keyspace.NewRange("c", "d"), ReasonMergeShard)
	q.Input() <- NewRelocateShard(keyspace.NewRange("e", "f"), ReasonSplitShard)
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("relocation did not complete")
		}
	}
	cancel()

	require.Len(t, order, 3)
	assert.Equal(t, ReasonRecoverMove, order[0])
	// Split (950) outranks merge (240).
	assert.Equal(t, ReasonSplitShard, order[1])
	assert.Equal(t, ReasonMergeShard, order[2])
}

func TestQueueSurfacesControlErrors(t *testing.T) {
	q := NewRelocationQueue(1, func(ctx context.Context, rs RelocateShard) error {
		return ErrMoveKeysConflict
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(ctx) }()
	q.Input() <- NewRelocateShard(keyspace.NewRange("a", "b"), ReasonRebalance)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrMoveKeysConflict)
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not surface the control error")
	}
}
