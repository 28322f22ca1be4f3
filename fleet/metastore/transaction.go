package metastore

import (
	"encoding/binary"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
)

type opKind int

const (
	opSet opKind = iota
	opClear
	opClearRange
	opAtomicAdd
)

type mutation struct {
	kind  opKind
	key   keyspace.Key
	rng   keyspace.KeyRange
	value []byte
	delta int64
}

// Transaction is one optimistic transaction against a Store. Reads observe
// the committed state plus this transaction's own pending mutations; the
// ranges read are re-validated at commit.
type Transaction struct {
	store *Store

	readVersion int64
	begun       bool
	done        bool

	reads []keyspace.KeyRange
	ops   []mutation

	// Options mirror the flags the production client requires to touch
	// system metadata outside of user rate control.
	accessSystemKeys bool
	lockAware        bool
	systemImmediate  bool
}

func (s *Store) NewTransaction() *Transaction {
	return &Transaction{store: s}
}

// SetAccessSystemKeys allows reads and writes in the system keyspace.
func (t *Transaction) SetAccessSystemKeys() { t.accessSystemKeys = true }

// SetLockAware lets the transaction proceed while the database is locked.
func (t *Transaction) SetLockAware() { t.lockAware = true }

// SetPrioritySystemImmediate bypasses user rate keeping.
func (t *Transaction) SetPrioritySystemImmediate() { t.systemImmediate = true }

func (t *Transaction) begin() {
	if t.begun {
		return
	}
	t.begun = true
	t.store.mu.Lock()
	t.readVersion = t.store.version
	t.store.mu.Unlock()
}

// ReadVersion returns the version this transaction reads at.
func (t *Transaction) ReadVersion() int64 {
	t.begin()
	return t.readVersion
}

func (t *Transaction) checkKeyAccess(r keyspace.KeyRange) error {
	if !t.accessSystemKeys && hasSystemKey(r) {
		return ErrKeyOutsideLegalRange
	}
	return nil
}

// Get returns the value of key, observing pending mutations.
func (t *Transaction) Get(key keyspace.Key) ([]byte, bool, error) {
	if t.done {
		return nil, false, ErrUsedDuringCommit
	}
	t.begin()
	pointRange := keyspace.KeyRange{Begin: key, End: keyspace.KeyAfter(key)}
	if err := t.checkKeyAccess(pointRange); err != nil {
		return nil, false, err
	}
	t.reads = append(t.reads, pointRange)

	t.store.mu.Lock()
	value, present := t.store.snapshotGet(key)
	t.store.mu.Unlock()

	value, present = t.applyPending(key, value, present)
	return value, present, nil
}

// GetRange returns up to limit key-values in r (limit 0 means unlimited),
// observing pending mutations. The second return reports truncation.
func (t *Transaction) GetRange(r keyspace.KeyRange, limit int, reverse bool) ([]KeyValue, bool, error) {
	if t.done {
		return nil, false, ErrUsedDuringCommit
	}
	t.begin()
	if err := t.checkKeyAccess(r); err != nil {
		return nil, false, err
	}
	t.reads = append(t.reads, r)

	t.store.mu.Lock()
	kvs, _ := t.store.snapshotRange(r, 0)
	t.store.mu.Unlock()

	merged := t.mergePending(r, kvs)
	if reverse {
		for i, j := 0, len(merged)-1; i < j; i, j = i+1, j-1 {
			merged[i], merged[j] = merged[j], merged[i]
		}
	}
	if limit > 0 && len(merged) > limit {
		return merged[:limit], true, nil
	}
	return merged, false, nil
}

func (t *Transaction) Set(key keyspace.Key, value []byte) error {
	if t.done {
		return ErrUsedDuringCommit
	}
	if err := t.checkKeyAccess(keyspace.KeyRange{Begin: key, End: keyspace.KeyAfter(key)}); err != nil {
		return err
	}
	t.ops = append(t.ops, mutation{kind: opSet, key: key, value: append([]byte(nil), value...)})
	return nil
}

func (t *Transaction) Clear(key keyspace.Key) error {
	if t.done {
		return ErrUsedDuringCommit
	}
	if err := t.checkKeyAccess(keyspace.KeyRange{Begin: key, End: keyspace.KeyAfter(key)}); err != nil {
		return err
	}
	t.ops = append(t.ops, mutation{kind: opClear, key: key})
	return nil
}

func (t *Transaction) ClearRange(r keyspace.KeyRange) error {
	if t.done {
		return ErrUsedDuringCommit
	}
	if err := t.checkKeyAccess(r); err != nil {
		return err
	}
	t.ops = append(t.ops, mutation{kind: opClearRange, rng: r})
	return nil
}

// AtomicAdd adds delta to the little-endian int64 at key at commit time,
// without taking a read conflict on the key.
func (t *Transaction) AtomicAdd(key keyspace.Key, delta int64) error {
	if t.done {
		return ErrUsedDuringCommit
	}
	if err := t.checkKeyAccess(keyspace.KeyRange{Begin: key, End: keyspace.KeyAfter(key)}); err != nil {
		return err
	}
	t.ops = append(t.ops, mutation{kind: opAtomicAdd, key: key, delta: delta})
	return nil
}

// applyPending folds this transaction's mutations over a committed value.
func (t *Transaction) applyPending(key keyspace.Key, value []byte, present bool) ([]byte, bool) {
	for _, m := range t.ops {
		switch m.kind {
		case opSet:
			if m.key == key {
				value, present = m.value, true
			}
		case opClear:
			if m.key == key {
				value, present = nil, false
			}
		case opClearRange:
			if m.rng.ContainsKey(key) {
				value, present = nil, false
			}
		case opAtomicAdd:
			if m.key == key {
				value, present = addValue(value, m.delta), true
			}
		}
	}
	return value, present
}

func (t *Transaction) mergePending(r keyspace.KeyRange, kvs []KeyValue) []KeyValue {
	merged := make(map[keyspace.Key][]byte, len(kvs))
	for _, kv := range kvs {
		merged[kv.Key] = kv.Value
	}
	for _, m := range t.ops {
		switch m.kind {
		case opSet:
			if r.ContainsKey(m.key) {
				merged[m.key] = m.value
			}
		case opClear:
			delete(merged, m.key)
		case opClearRange:
			for k := range merged {
				if m.rng.ContainsKey(k) {
					delete(merged, k)
				}
			}
		case opAtomicAdd:
			if r.ContainsKey(m.key) {
				merged[m.key] = addValue(merged[m.key], m.delta)
			}
		}
	}
	out := make([]KeyValue, 0, len(merged))
	for k, v := range merged {
		out = append(out, KeyValue{Key: k, Value: v})
	}
	sortKeyValues(out)
	return out
}

func sortKeyValues(kvs []KeyValue) {
	for i := 1; i < len(kvs); i++ {
		for j := i; j > 0 && kvs[j].Key < kvs[j-1].Key; j-- {
			kvs[j], kvs[j-1] = kvs[j-1], kvs[j]
		}
	}
}

func addValue(existing []byte, delta int64) []byte {
	var cur int64
	if len(existing) == 8 {
		cur = int64(binary.LittleEndian.Uint64(existing))
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(cur+delta))
	return out
}

// Commit validates the read set against commits since the read version and
// applies the mutations atomically.
func (t *Transaction) Commit() error {
	if t.done {
		return ErrUsedDuringCommit
	}
	t.begin()
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.commits) > 0 && s.commits[0].version > t.readVersion+1 {
		// The conflict window no longer covers this transaction.
		return ErrTransactionTooOld
	}
	for _, c := range s.commits {
		if c.version <= t.readVersion {
			continue
		}
		for _, w := range c.writes {
			for _, r := range t.reads {
				if w.Overlaps(r) {
					return ErrConflict
				}
			}
		}
	}
	if len(t.ops) == 0 {
		return nil
	}

	var writes []keyspace.KeyRange
	for _, m := range t.ops {
		switch m.kind {
		case opSet:
			s.data.ReplaceOrInsert(item{key: m.key, value: m.value})
			writes = append(writes, keyspace.KeyRange{Begin: m.key, End: keyspace.KeyAfter(m.key)})
		case opClear:
			s.data.Delete(item{key: m.key})
			writes = append(writes, keyspace.KeyRange{Begin: m.key, End: keyspace.KeyAfter(m.key)})
		case opClearRange:
			var doomed []keyspace.Key
			s.data.AscendRange(item{key: m.rng.Begin}, item{key: m.rng.End}, func(it item) bool {
				doomed = append(doomed, it.key)
				return true
			})
			for _, k := range doomed {
				s.data.Delete(item{key: k})
			}
			writes = append(writes, m.rng)
		case opAtomicAdd:
			existing, _ := s.snapshotGet(m.key)
			s.data.ReplaceOrInsert(item{key: m.key, value: addValue(existing, m.delta)})
			writes = append(writes, keyspace.KeyRange{Begin: m.key, End: keyspace.KeyAfter(m.key)})
		}
	}

	s.version++
	s.commits = append(s.commits, commitRecord{version: s.version, writes: writes})
	s.pruneCommitsLocked()
	s.notifyLocked(func(k keyspace.Key) bool {
		point := keyspace.KeyRange{Begin: k, End: keyspace.KeyAfter(k)}
		for _, w := range writes {
			if w.Overlaps(point) {
				return true
			}
		}
		return false
	})

	if s.commitUnknownBudget > 0 {
		s.commitUnknownBudget--
		return ErrCommitUnknownResult
	}
	return nil
}
