package distribution

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/stats"
)

type relocationItem struct {
	rs    RelocateShard
	seq   int64
	index int
}

type relocationHeap []*relocationItem

func (h relocationHeap) Len() int { return len(h) }
func (h relocationHeap) Less(i, j int) bool {
	if h[i].rs.Priority != h[j].rs.Priority {
		return h[i].rs.Priority > h[j].rs.Priority
	}
	return h[i].seq < h[j].seq
}
func (h relocationHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *relocationHeap) Push(x any) {
	it := x.(*relocationItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *relocationHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// RelocationQueue orders pending shard moves by priority, serializes moves
// per key range, bounds total parallelism, and retries failed moves.
type RelocationQueue struct {
	in chan RelocateShard

	mu      sync.Mutex
	pending relocationHeap
	busy    []keyspace.KeyRange
	active  int
	seq     int64

	parallelism int
	execute     func(ctx context.Context, rs RelocateShard) error
	retryDelay  time.Duration

	kick chan struct{}
}

func NewRelocationQueue(parallelism int, execute func(ctx context.Context, rs RelocateShard) error) *RelocationQueue {
	if parallelism < 1 {
		parallelism = 1
	}
	return &RelocationQueue{
		in:          make(chan RelocateShard, 1024),
		parallelism: parallelism,
		execute:     execute,
		retryDelay:  time.Second,
		kick:        make(chan struct{}, 1),
	}
}

// Input is the channel the tracker and the resume path send relocations to.
func (q *RelocationQueue) Input() chan<- RelocateShard {
	return q.in
}

// Enqueue adds one relocation request.
func (q *RelocationQueue) Enqueue(rs RelocateShard) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.pending, &relocationItem{rs: rs, seq: q.seq})
	stats.RelocationQueueLength.Set(float64(len(q.pending)))
	q.mu.Unlock()
	q.wake()
}

func (q *RelocationQueue) wake() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Len returns the number of queued relocations.
func (q *RelocationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *RelocationQueue) overlapsBusy(r keyspace.KeyRange) bool {
	for _, b := range q.busy {
		if b.Overlaps(r) {
			return true
		}
	}
	return false
}

// popEligible removes and returns the highest-priority request whose range
// does not overlap an executing move.
func (q *RelocationQueue) popEligible() (RelocateShard, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active >= q.parallelism {
		return RelocateShard{}, false
	}
	best := -1
	for i := 0; i < len(q.pending); i++ {
		if q.overlapsBusy(q.pending[i].rs.Keys) {
			continue
		}
		if best < 0 || q.pending.Less(i, best) {
			best = i
		}
	}
	if best < 0 {
		return RelocateShard{}, false
	}
	it := heap.Remove(&q.pending, best).(*relocationItem)
	q.busy = append(q.busy, it.rs.Keys)
	q.active++
	stats.RelocationQueueLength.Set(float64(len(q.pending)))
	stats.RelocationsInFlight.Set(float64(q.active))
	return it.rs, true
}

func (q *RelocationQueue) release(r keyspace.KeyRange) {
	q.mu.Lock()
	for i, b := range q.busy {
		if b == r {
			q.busy = append(q.busy[:i], q.busy[i+1:]...)
			break
		}
	}
	q.active--
	stats.RelocationsInFlight.Set(float64(q.active))
	q.mu.Unlock()
	q.wake()
}

// Run drains the input channel and dispatches moves until ctx is done. It
// returns the first expected-control error raised by a move, unwinding the
// distributor to the bootstrap loop.
func (q *RelocationQueue) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		// Start every eligible move.
		for {
			rs, ok := q.popEligible()
			if !ok {
				break
			}
			wg.Add(1)
			go func(rs RelocateShard) {
				defer wg.Done()
				defer q.release(rs.Keys)
				err := q.execute(ctx, rs)
				switch {
				case err == nil:
					stats.RelocationCounter.WithLabelValues(string(rs.Reason), "ok").Inc()
				case ctx.Err() != nil:
					return
				case IsExpectedControlError(err):
					select {
					case errCh <- err:
					default:
					}
				default:
					stats.RelocationCounter.WithLabelValues(string(rs.Reason), "retry").Inc()
					glog.V(1).Infof("relocation %v (%s) failed, requeueing: %v", rs.Keys, rs.Reason, err)
					time.AfterFunc(q.retryDelay, func() { q.Enqueue(rs) })
				}
			}(rs)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case rs := <-q.in:
			q.Enqueue(rs)
		case <-q.kick:
		}
	}
}
