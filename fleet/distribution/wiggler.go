package distribution

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/golang/glog"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/metastore"
)

// WiggleMetadata is what the wiggler orders servers by.
type WiggleMetadata struct {
	CreatedUnix     float64
	StoreType       StoreType
	WrongConfigured bool
}

type wiggleEntry struct {
	id    ServerID
	meta  WiggleMetadata
	index int
}

type wiggleHeap []*wiggleEntry

func (h wiggleHeap) Len() int { return len(h) }

// Mis-configured servers come out first; within each class the oldest
// server wins.
func (h wiggleHeap) Less(i, j int) bool {
	a, b := h[i].meta, h[j].meta
	if a.WrongConfigured != b.WrongConfigured {
		return a.WrongConfigured
	}
	return a.CreatedUnix < b.CreatedUnix
}

func (h wiggleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *wiggleHeap) Push(x any) {
	e := x.(*wiggleEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *wiggleHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// WiggleStats is the persisted per-region wiggle bookkeeping.
type WiggleStats struct {
	LastWiggleStart  int64 `json:"lastWiggleStart"`
	LastWiggleFinish int64 `json:"lastWiggleFinish"`
	LastRoundStart   int64 `json:"lastRoundStart"`
	LastRoundFinish  int64 `json:"lastRoundFinish"`
	FinishedWiggles  int64 `json:"finishedWiggles"`
	FinishedRounds   int64 `json:"finishedRounds"`
}

// StorageWiggler rolls storage servers through replacement one at a time,
// oldest mis-configured first, so engine or locality changes spread through
// the fleet without losing replication.
type StorageWiggler struct {
	mu      sync.Mutex
	pq      wiggleHeap
	handles map[ServerID]*wiggleEntry

	minAge time.Duration
	clock  clock.Clock

	stats WiggleStats
	store *metastore.Store
	// region discriminates the persisted stats row.
	region string
}

func NewStorageWiggler(store *metastore.Store, region string, minAge time.Duration, clk clock.Clock) *StorageWiggler {
	if clk == nil {
		clk = clock.New()
	}
	return &StorageWiggler{
		handles: map[ServerID]*wiggleEntry{},
		minAge:  minAge,
		clock:   clk,
		store:   store,
		region:  region,
	}
}

// AddServer queues a server for wiggling. A server may only be queued once.
func (w *StorageWiggler) AddServer(id ServerID, meta WiggleMetadata) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.handles[id]; ok {
		glog.Errorf("wiggler: server %s added twice", id)
		return
	}
	e := &wiggleEntry{id: id, meta: meta}
	heap.Push(&w.pq, e)
	w.handles[id] = e
}

// RemoveServer drops a server that has not been popped yet.
func (w *StorageWiggler) RemoveServer(id ServerID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.handles[id]; ok {
		heap.Remove(&w.pq, e.index)
		delete(w.handles, id)
	}
}

// UpdateMetadata re-keys a queued server.
func (w *StorageWiggler) UpdateMetadata(id ServerID, meta WiggleMetadata) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.handles[id]
	if !ok || e.meta == meta {
		return
	}
	e.meta = meta
	heap.Fix(&w.pq, e.index)
}

func (w *StorageWiggler) Contains(id ServerID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.handles[id]
	return ok
}

// necessary reports whether wiggling the server is currently warranted: it
// is mis-configured, or old enough that rotation is due.
func (w *StorageWiggler) necessary(meta WiggleMetadata) bool {
	age := float64(w.clock.Now().Unix()) - meta.CreatedUnix
	return meta.WrongConfigured || age > w.minAge.Seconds()
}

// GetNextServerID pops the next server to wiggle. With necessaryOnly set,
// a healthy server younger than the minimum age is left queued and nothing
// is returned.
func (w *StorageWiggler) GetNextServerID(necessaryOnly bool) (ServerID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pq) == 0 {
		return "", false
	}
	top := w.pq[0]
	if necessaryOnly && !w.necessary(top.meta) {
		return "", false
	}
	heap.Pop(&w.pq)
	delete(w.handles, top.id)
	return top.id, true
}

func (w *StorageWiggler) statsKey() keyspace.Key {
	return metastore.StorageWiggleStatsPrefix + keyspace.Key(w.region)
}

// RestoreStats loads the persisted wiggle stats.
func (w *StorageWiggler) RestoreStats(ctx context.Context) error {
	return metastore.RunTransaction(ctx, w.store, "restoreWiggleStats", func(tx *metastore.Transaction) error {
		val, ok, err := tx.Get(w.statsKey())
		if err != nil {
			return err
		}
		if ok {
			w.mu.Lock()
			defer w.mu.Unlock()
			return metastore.DecodeJSON(val, &w.stats)
		}
		return nil
	})
}

// ResetStats clears the persisted wiggle stats.
func (w *StorageWiggler) ResetStats(ctx context.Context) error {
	w.mu.Lock()
	w.stats = WiggleStats{}
	w.mu.Unlock()
	return w.persistStats(ctx)
}

func (w *StorageWiggler) persistStats(ctx context.Context) error {
	w.mu.Lock()
	value := metastore.EncodeJSON(w.stats)
	key := w.statsKey()
	w.mu.Unlock()
	return metastore.RunTransaction(ctx, w.store, "persistWiggleStats", func(tx *metastore.Transaction) error {
		return tx.Set(key, value)
	})
}

// StartWiggle stamps the beginning of one server's wiggle; a new round
// starts when the previous round had finished.
func (w *StorageWiggler) StartWiggle(ctx context.Context) error {
	w.mu.Lock()
	now := w.clock.Now().Unix()
	w.stats.LastWiggleStart = now
	if w.stats.LastRoundFinish >= w.stats.LastRoundStart {
		w.stats.LastRoundStart = now
	}
	w.mu.Unlock()
	return w.persistStats(ctx)
}

// FinishWiggle stamps the completion of one server's wiggle; the round
// finishes when the queue has drained.
func (w *StorageWiggler) FinishWiggle(ctx context.Context) error {
	w.mu.Lock()
	now := w.clock.Now().Unix()
	w.stats.LastWiggleFinish = now
	w.stats.FinishedWiggles++
	if len(w.pq) == 0 {
		w.stats.LastRoundFinish = now
		w.stats.FinishedRounds++
	}
	w.mu.Unlock()
	return w.persistStats(ctx)
}

// Stats returns a copy of the current wiggle stats.
func (w *StorageWiggler) Stats() WiggleStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
