package metastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
)

func sysTx(s *Store) *Transaction {
	tx := s.NewTransaction()
	tx.SetAccessSystemKeys()
	tx.SetLockAware()
	return tx
}

func TestTransactionReadYourWrites(t *testing.T) {
	s := NewStore()
	tx := sysTx(s)
	require.NoError(t, tx.Set("a", []byte("1")))
	v, ok, err := tx.Get("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, tx.ClearRange(keyspace.NewRange("a", "b")))
	_, ok, err = tx.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, tx.Commit())
}

func TestTransactionConflict(t *testing.T) {
	s := NewStore()

	tx1 := sysTx(s)
	_, _, err := tx1.Get("k")
	require.NoError(t, err)

	tx2 := sysTx(s)
	require.NoError(t, tx2.Set("k", []byte("x")))
	require.NoError(t, tx2.Commit())

	require.NoError(t, tx1.Set("k", []byte("y")))
	assert.ErrorIs(t, tx1.Commit(), ErrConflict)
}

func TestTransactionNoConflictOnDisjointKeys(t *testing.T) {
	s := NewStore()

	tx1 := sysTx(s)
	_, _, err := tx1.Get("a")
	require.NoError(t, err)

	tx2 := sysTx(s)
	require.NoError(t, tx2.Set("b", []byte("x")))
	require.NoError(t, tx2.Commit())

	require.NoError(t, tx1.Set("a", []byte("y")))
	assert.NoError(t, tx1.Commit())
}

func TestAtomicAddDoesNotReadConflict(t *testing.T) {
	s := NewStore()

	tx1 := sysTx(s)
	require.NoError(t, tx1.AtomicAdd("count", 1))

	tx2 := sysTx(s)
	require.NoError(t, tx2.AtomicAdd("count", 1))
	require.NoError(t, tx2.Commit())
	require.NoError(t, tx1.Commit())

	tx3 := sysTx(s)
	v, ok, err := tx3.Get("count")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{2, 0, 0, 0, 0, 0, 0, 0}, v)
}

func TestSystemKeyAccessRequiresOption(t *testing.T) {
	s := NewStore()
	tx := s.NewTransaction()
	_, _, err := tx.Get(DataDistributionModeKey)
	assert.ErrorIs(t, err, ErrKeyOutsideLegalRange)
	assert.ErrorIs(t, tx.Set(DataDistributionModeKey, []byte{1}), ErrKeyOutsideLegalRange)
}

func TestWatchFiresOnCommit(t *testing.T) {
	s := NewStore()
	ch := s.Watch("mode")

	tx := sysTx(s)
	require.NoError(t, tx.Set("mode", []byte{1}))
	require.NoError(t, tx.Commit())

	select {
	case <-ch:
	default:
		t.Fatal("watch did not fire")
	}
}

func TestRangeMap(t *testing.T) {
	s := NewStore()
	prefix := keyspace.Key("p/")

	ctx := context.Background()
	require.NoError(t, RunTransaction(ctx, s, "init", func(tx *Transaction) error {
		return RangeMapInit(tx, prefix, keyspace.MaxKey, nil)
	}))
	require.NoError(t, RunTransaction(ctx, s, "set", func(tx *Transaction) error {
		return RangeMapSet(tx, prefix, keyspace.NewRange("b", "d"), []byte("v1"))
	}))
	require.NoError(t, RunTransaction(ctx, s, "set", func(tx *Transaction) error {
		return RangeMapSet(tx, prefix, keyspace.NewRange("c", "e"), []byte("v2"))
	}))

	tx := sysTx(s)
	spans, err := RangeMapRead(tx, prefix, keyspace.NewRange("a", "z"), 0)
	require.NoError(t, err)
	require.Len(t, spans, 4)
	assert.Equal(t, keyspace.NewRange("a", "b"), spans[0].Range)
	assert.Nil(t, spans[0].Value)
	assert.Equal(t, keyspace.NewRange("b", "c"), spans[1].Range)
	assert.Equal(t, []byte("v1"), spans[1].Value)
	assert.Equal(t, keyspace.NewRange("c", "e"), spans[2].Range)
	assert.Equal(t, []byte("v2"), spans[2].Value)
	assert.Equal(t, keyspace.NewRange("e", "z"), spans[3].Range)
	assert.Nil(t, spans[3].Value)
}

func TestCommitUnknownInjection(t *testing.T) {
	s := NewStore()
	s.InjectCommitUnknown(1)

	tx := sysTx(s)
	require.NoError(t, tx.Set("k", []byte("v")))
	assert.ErrorIs(t, tx.Commit(), ErrCommitUnknownResult)

	// The write was applied despite the unknown result.
	tx2 := sysTx(s)
	v, ok, err := tx2.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}
