package distribution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/metastore"
)

func testKnobs() Knobs {
	return Knobs{
		MoveKeysParallelism:         50,
		MaxShardsOnLargeTeams:       100,
		MaxShardBytes:               500 * 1024 * 1024,
		MinShardBytes:               50 * 1024 * 1024,
		ConcurrentAuditTaskCountMax: 100,
		AuditRetryCountMax:          3,
		PersistFinishAuditCount:     10,
	}
}

func noLocationShardInfo(d float64, hasDest bool) ShardInfo {
	info := ShardInfo{
		Key:        keyspace.DoubleToTestKey(d),
		PrimarySrc: []ServerID{"src"},
		SrcID:      AnonymousMoveID,
	}
	if hasDest {
		info.PrimaryDest = []ServerID{"dest"}
		info.DestID = AnonymousMoveID
		info.HasDest = true
	}
	return info
}

func TestResumeFromShards(t *testing.T) {
	knobs := testKnobs()
	shardNum := 2000

	initData := &InitialDataDistribution{DataMoves: map[MoveID]*DataMove{}}
	for i := 1; i <= knobs.MoveKeysParallelism; i++ {
		initData.Shards = append(initData.Shards, noLocationShardInfo(float64(i), true))
	}
	for i := knobs.MoveKeysParallelism + 1; i <= shardNum; i++ {
		initData.Shards = append(initData.Shards, noLocationShardInfo(float64(i), false))
	}
	initData.Shards = append(initData.Shards, ShardInfo{Key: keyspace.NormalKeys.End})

	out := make(chan RelocateShard, shardNum)
	d := &Distributor{
		ID:             "test-dd",
		knobs:          knobs,
		config:         DatabaseConfig{StorageTeamSize: 1, UsableRegions: 1},
		initData:       initData,
		failureTracker: NewTeamFailureTracker(),
		relocationOut:  out,
	}

	require.NoError(t, d.resumeFromShards(context.Background(), false))
	close(out)

	var emitted []RelocateShard
	for rs := range out {
		emitted = append(emitted, rs)
	}
	require.Len(t, emitted, knobs.MoveKeysParallelism)
	for i, rs := range emitted {
		assert.False(t, rs.IsRestore())
		assert.False(t, rs.Cancelled)
		assert.Equal(t, PriorityRecoverMove, rs.Priority)
		assert.Equal(t, initData.Shards[i].Key, rs.Keys.Begin)
		assert.Equal(t, initData.Shards[i+1].Key, rs.Keys.End)
	}
	assert.Equal(t, shardNum, d.failureTracker.ShardCount())
}

func TestResumeFromShardsUnderReplicated(t *testing.T) {
	knobs := testKnobs()
	initData := &InitialDataDistribution{DataMoves: map[MoveID]*DataMove{}}
	// Two shards: one fully replicated, one under-replicated.
	initData.Shards = append(initData.Shards, ShardInfo{
		Key:        "a",
		PrimarySrc: []ServerID{"s1", "s2", "s3"},
	})
	initData.Shards = append(initData.Shards, ShardInfo{
		Key:        "m",
		PrimarySrc: []ServerID{"s1"},
	})
	initData.Shards = append(initData.Shards, ShardInfo{Key: keyspace.NormalKeys.End})

	out := make(chan RelocateShard, 16)
	d := &Distributor{
		ID:             "test-dd",
		knobs:          knobs,
		config:         DatabaseConfig{StorageTeamSize: 3, UsableRegions: 1},
		initData:       initData,
		failureTracker: NewTeamFailureTracker(),
		relocationOut:  out,
	}
	require.NoError(t, d.resumeFromShards(context.Background(), false))
	close(out)

	var emitted []RelocateShard
	for rs := range out {
		emitted = append(emitted, rs)
	}
	require.Len(t, emitted, 1)
	assert.Equal(t, ReasonTeamUnhealthy, emitted[0].Reason)
	assert.Equal(t, keyspace.Key("m"), emitted[0].Keys.Begin)
}

func TestResumeFromDataMoves(t *testing.T) {
	knobs := testKnobs()
	valid := &DataMove{
		Meta: DataMoveMeta{
			ID:          "move-1",
			Ranges:      []keyspace.KeyRange{keyspace.NewRange("a", "b")},
			PrimaryDest: []ServerID{"d1"},
			Phase:       DataMoveRunning,
		},
		Valid: true,
	}
	cancelled := &DataMove{
		Meta: DataMoveMeta{
			ID:     "move-2",
			Ranges: []keyspace.KeyRange{keyspace.NewRange("c", "d")},
			Phase:  DataMoveRunning,
		},
		Valid:     true,
		Cancelled: true,
	}

	knobs.ShardEncodeLocationMetadata = true
	out := make(chan RelocateShard, 16)
	d := &Distributor{
		ID:    "test-dd",
		store: metastore.NewStore(),
		knobs: knobs,
		config: DatabaseConfig{
			StorageTeamSize: 1,
			UsableRegions:   1,
		},
		initData: &InitialDataDistribution{
			DataMoves: map[MoveID]*DataMove{"move-1": valid, "move-2": cancelled},
		},
		failureTracker: NewTeamFailureTracker(),
		relocationOut:  out,
	}
	require.NoError(t, d.resumeFromDataMoves(context.Background()))
	close(out)

	byID := map[MoveID]RelocateShard{}
	for rs := range out {
		byID[rs.MoveID] = rs
	}
	require.Len(t, byID, 2)
	assert.True(t, byID["move-1"].IsRestore())
	assert.False(t, byID["move-1"].Cancelled)
	assert.True(t, byID["move-2"].Cancelled)
	assert.False(t, byID["move-2"].IsRestore())
}

func TestMoveKeysLockExchange(t *testing.T) {
	store := metastore.NewStore()
	ctx := context.Background()

	lockA, err := TakeMoveKeysLock(ctx, store, "instance-a")
	require.NoError(t, err)
	require.NoError(t, metastore.RunTransaction(ctx, store, "a-claims", func(tx *metastore.Transaction) error {
		return CheckMoveKeysLock(tx, lockA, true, true)
	}))

	// B reads (owner=A, writer=W1) and takes over.
	lockB, err := TakeMoveKeysLock(ctx, store, "instance-b")
	require.NoError(t, err)
	assert.Equal(t, "instance-a", lockB.PrevOwner)
	require.NoError(t, metastore.RunTransaction(ctx, store, "b-claims", func(tx *metastore.Transaction) error {
		return CheckMoveKeysLock(tx, lockB, true, true)
	}))

	// A's next locked operation observes (B, *) and must conflict.
	err = metastore.RunTransaction(ctx, store, "a-writes", func(tx *metastore.Transaction) error {
		return CheckMoveKeysLock(tx, lockA, true, true)
	})
	assert.ErrorIs(t, err, ErrMoveKeysConflict)

	// Read-only checks fail the same way.
	err = metastore.RunTransaction(ctx, store, "a-reads", func(tx *metastore.Transaction) error {
		return CheckMoveKeysLockReadOnly(tx, lockA, true)
	})
	assert.ErrorIs(t, err, ErrMoveKeysConflict)
}

func TestMoveKeysLockDisabledInMemory(t *testing.T) {
	store := metastore.NewStore()
	ctx := context.Background()
	lock, err := TakeMoveKeysLock(ctx, store, "instance-a")
	require.NoError(t, err)

	err = metastore.RunTransaction(ctx, store, "disabled", func(tx *metastore.Transaction) error {
		return CheckMoveKeysLock(tx, lock, false, true)
	})
	assert.ErrorIs(t, err, ErrMoveKeysConflict)
}

func TestStartFinishMoveShards(t *testing.T) {
	store := metastore.NewStore()
	ctx := context.Background()
	require.NoError(t, InitializeShardMap(ctx, store, []ServerID{"s1"}))

	lock, err := TakeMoveKeysLock(ctx, store, "dd")
	require.NoError(t, err)

	move := DataMoveMeta{
		ID:          "m1",
		Ranges:      []keyspace.KeyRange{keyspace.NewRange("b", "d")},
		PrimaryDest: []ServerID{"s2"},
	}
	require.NoError(t, StartMoveShards(ctx, store, lock, true, move))

	// The move id must appear in the shard map's destination for every
	// range it covers.
	init, err := LoadInitialDataDistribution(ctx, store, lock, true)
	require.NoError(t, err)
	covered := false
	for i := 0; i+1 < len(init.Shards); i++ {
		r := keyspace.NewRange(init.Shards[i].Key, init.Shards[i+1].Key)
		if r.Overlaps(keyspace.NewRange("b", "d")) {
			covered = true
			assert.Equal(t, MoveID("m1"), init.Shards[i].DestID)
			assert.Equal(t, []ServerID{"s2"}, init.Shards[i].PrimaryDest)
		}
	}
	assert.True(t, covered)
	require.Len(t, init.DataMoves, 1)
	assert.True(t, init.DataMoves["m1"].Valid)

	require.NoError(t, FinishMoveShards(ctx, store, lock, true, move))
	init, err = LoadInitialDataDistribution(ctx, store, lock, true)
	require.NoError(t, err)
	for i := 0; i+1 < len(init.Shards); i++ {
		r := keyspace.NewRange(init.Shards[i].Key, init.Shards[i+1].Key)
		if r.Overlaps(keyspace.NewRange("b", "d")) {
			assert.False(t, init.Shards[i].HasDest)
			assert.Equal(t, []ServerID{"s2"}, init.Shards[i].PrimarySrc)
		}
	}
	// The finished move is tombstoned for the background sweep.
	require.Len(t, init.ToCleanMoveTombstones, 1)
}
