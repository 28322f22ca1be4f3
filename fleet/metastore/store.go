// Package metastore is the client to the system metadata keyspace of the
// cluster. The data distributor persists every piece of its durable state
// through conflict-detecting transactions on this store: the shard map,
// data moves, the move-keys lock, audit rows and progress records, and the
// tenant indexes.
//
// The store here is an ordered in-memory key-value index with optimistic
// concurrency: each transaction records the ranges it read, and commit
// fails with ErrConflict when a later commit wrote into the read set. That
// is the same contract the production transaction system provides, which
// lets the whole distributor run against a single-process store in tests
// and small deployments.
package metastore

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
)

var (
	ErrConflict             = errors.New("transaction conflict")
	ErrTransactionTooOld    = errors.New("transaction too old")
	ErrCommitUnknownResult  = errors.New("commit unknown result")
	ErrKeyOutsideLegalRange = errors.New("key outside legal range")
	ErrUsedDuringCommit     = errors.New("transaction used during commit")
)

// IsRetryable reports whether the transaction loop should re-run the body.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTransactionTooOld) || errors.Is(err, ErrCommitUnknownResult)
}

type KeyValue struct {
	Key   keyspace.Key
	Value []byte
}

type item struct {
	key   keyspace.Key
	value []byte
}

func lessItem(a, b item) bool { return a.key < b.key }

type commitRecord struct {
	version int64
	writes  []keyspace.KeyRange
}

// maxCommitHistory bounds the conflict-detection window. A transaction
// older than the window fails with ErrTransactionTooOld and is retried.
const maxCommitHistory = 8192

type watcher struct {
	key keyspace.Key
	ch  chan struct{}
}

// Store is the in-memory ordered store behind Transaction.
type Store struct {
	mu       sync.Mutex
	data     *btree.BTreeG[item]
	version  int64
	commits  []commitRecord
	watchers []*watcher

	// test hook: fail the next n commits after applying them
	commitUnknownBudget int
}

func NewStore() *Store {
	return &Store{
		data: btree.NewG[item](32, lessItem),
	}
}

// Version returns the latest committed version.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Watch returns a channel that is closed the next time a commit touches
// key. The channel must be obtained before reading the key to avoid
// missing an intervening change.
func (s *Store) Watch(key keyspace.Key) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &watcher{key: key, ch: make(chan struct{})}
	s.watchers = append(s.watchers, w)
	return w.ch
}

// InjectCommitUnknown makes the next n commits apply and then report
// ErrCommitUnknownResult, exercising retry idempotence. Test use only.
func (s *Store) InjectCommitUnknown(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitUnknownBudget = n
}

func (s *Store) snapshotGet(key keyspace.Key) ([]byte, bool) {
	it, ok := s.data.Get(item{key: key})
	if !ok {
		return nil, false
	}
	return it.value, true
}

func (s *Store) snapshotRange(r keyspace.KeyRange, limit int) (kvs []KeyValue, more bool) {
	if r.Empty() {
		return nil, false
	}
	s.data.AscendRange(item{key: r.Begin}, item{key: r.End}, func(it item) bool {
		if limit > 0 && len(kvs) >= limit {
			more = true
			return false
		}
		kvs = append(kvs, KeyValue{Key: it.key, Value: it.value})
		return true
	})
	return kvs, more
}

func (s *Store) notifyLocked(touched func(keyspace.Key) bool) {
	kept := s.watchers[:0]
	for _, w := range s.watchers {
		if touched(w.key) {
			close(w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	s.watchers = kept
}

func (s *Store) pruneCommitsLocked() {
	if len(s.commits) > maxCommitHistory {
		drop := len(s.commits) - maxCommitHistory
		s.commits = append([]commitRecord(nil), s.commits[drop:]...)
	}
}

// DebugDump returns every key with the given prefix, for tests.
func (s *Store) DebugDump(prefix keyspace.Key) []KeyValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	kvs, _ := s.snapshotRange(keyspace.PrefixRange(prefix), 0)
	return kvs
}

// DebugCountPrefix returns the number of keys under prefix, for tests.
func (s *Store) DebugCountPrefix(prefix keyspace.Key) int {
	return len(s.DebugDump(prefix))
}

func hasSystemKey(r keyspace.KeyRange) bool {
	return strings.HasPrefix(string(r.Begin), string(keyspace.SystemPrefix)) ||
		r.End > keyspace.SystemPrefix
}
