package metastore

import (
	"github.com/fleetkv/fleetkv/fleet/keyspace"
)

// A coalesced range map is stored under a key prefix as boundary entries:
// prefix+k -> v means value v is in effect for every key from k up to the
// next boundary. The map for a prefix must be seeded with a boundary at ""
// before use (see RangeMapInit).

type RangeValue struct {
	Range keyspace.KeyRange
	Value []byte
}

// RangeMapInit seeds an empty range map: one boundary at "" and one at end
// so lookups always find a boundary at or before any key.
func RangeMapInit(tx *Transaction, prefix keyspace.Key, end keyspace.Key, value []byte) error {
	if err := tx.Set(prefix, value); err != nil {
		return err
	}
	return tx.Set(prefix+end, nil)
}

// rangeMapValueAt returns the value in effect at key k.
func rangeMapValueAt(tx *Transaction, prefix keyspace.Key, k keyspace.Key) ([]byte, error) {
	kvs, _, err := tx.GetRange(keyspace.KeyRange{Begin: prefix, End: keyspace.KeyAfter(prefix + k)}, 1, true)
	if err != nil {
		return nil, err
	}
	if len(kvs) == 0 {
		return nil, nil
	}
	return kvs[0].Value, nil
}

// RangeMapSet assigns value to r within the map at prefix, preserving the
// value previously in effect at r.End for the remainder of that boundary's
// span.
func RangeMapSet(tx *Transaction, prefix keyspace.Key, r keyspace.KeyRange, value []byte) error {
	if r.Empty() {
		return nil
	}
	endValue, err := rangeMapValueAt(tx, prefix, r.End)
	if err != nil {
		return err
	}
	if err := tx.ClearRange(keyspace.KeyRange{Begin: prefix + r.Begin, End: prefix + r.End}); err != nil {
		return err
	}
	if err := tx.Set(prefix+r.Begin, value); err != nil {
		return err
	}
	return tx.Set(prefix+r.End, endValue)
}

// RangeMapRead returns the spans overlapping r, clipped to r, in order. A
// limit > 0 truncates the result; callers resume from the end of the last
// returned span.
func RangeMapRead(tx *Transaction, prefix keyspace.Key, r keyspace.KeyRange, limit int) ([]RangeValue, error) {
	if r.Empty() {
		return nil, nil
	}
	// The boundary at or before r.Begin carries the first span's value.
	first, _, err := tx.GetRange(keyspace.KeyRange{Begin: prefix, End: keyspace.KeyAfter(prefix + r.Begin)}, 1, true)
	if err != nil {
		return nil, err
	}
	rest, _, err := tx.GetRange(keyspace.KeyRange{Begin: prefix + keyspace.KeyAfter(r.Begin), End: prefix + r.End}, 0, false)
	if err != nil {
		return nil, err
	}

	type boundary struct {
		key   keyspace.Key
		value []byte
	}
	var bounds []boundary
	if len(first) > 0 {
		bounds = append(bounds, boundary{key: r.Begin, value: first[0].Value})
	}
	for _, kv := range rest {
		bounds = append(bounds, boundary{key: kv.Key[len(prefix):], value: kv.Value})
	}

	var out []RangeValue
	for i, b := range bounds {
		end := r.End
		if i+1 < len(bounds) {
			end = bounds[i+1].key
		}
		if b.key >= end {
			continue
		}
		out = append(out, RangeValue{Range: keyspace.KeyRange{Begin: b.key, End: end}, Value: b.value})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
