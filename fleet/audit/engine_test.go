package audit

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkv/fleetkv/fleet/distribution"
	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/metastore"
)

type fakeClient struct {
	auditFn func(ctx context.Context, server distribution.ServerID, req distribution.AuditStorageRequest) error
}

func (f *fakeClient) AuditStorage(ctx context.Context, server distribution.ServerID, req distribution.AuditStorageRequest) error {
	if f.auditFn != nil {
		return f.auditFn(ctx, server, req)
	}
	return nil
}

func (f *fakeClient) FetchKeys(ctx context.Context, server distribution.ServerID, r keyspace.KeyRange, sources []distribution.ServerID) error {
	return nil
}

func (f *fakeClient) Snapshot(ctx context.Context, role distribution.SnapshotRole, address string, uid string, payload string) error {
	return nil
}

func (f *fakeClient) TLogAddresses(ctx context.Context) ([]string, error)       { return nil, nil }
func (f *fakeClient) CoordinatorAddresses(ctx context.Context) ([]string, error) { return nil, nil }

func auditTestKnobs() distribution.Knobs {
	return distribution.Knobs{
		ConcurrentAuditTaskCountMax: 10,
		AuditRetryCountMax:          3,
		PersistFinishAuditCount:     5,
		AuditTimeout:                2 * time.Second,
	}
}

func setupAuditTest(t *testing.T, client *fakeClient, knobs distribution.Knobs) (*metastore.Store, *Manager) {
	t.Helper()
	ctx := context.Background()
	store := metastore.NewStore()
	require.NoError(t, distribution.InitializeShardMap(ctx, store, []distribution.ServerID{"s1", "s2"}))
	require.NoError(t, distribution.RegisterStorageServer(ctx, store, distribution.StorageServerMeta{ID: "s1", Address: "host1:9500"}))
	require.NoError(t, distribution.RegisterStorageServer(ctx, store, distribution.StorageServerMeta{ID: "s2", Address: "host2:9500"}))

	lock, err := distribution.TakeMoveKeysLock(ctx, store, "dd-1")
	require.NoError(t, err)

	m := NewManager(store, client, knobs, "dd-1", func() bool { return true })
	require.NoError(t, m.Bootstrap(ctx, lock))
	return store, m
}

func waitForPhase(t *testing.T, store *metastore.Store, auditType Type, id ID, want Phase) State {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		state, err := GetAuditState(context.Background(), store, auditType, id)
		if err == nil && state.Phase == want {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("audit %s/%d did not reach phase %s", auditType, id, want)
	return State{}
}

func TestLaunchAuditCompletes(t *testing.T) {
	store, m := setupAuditTest(t, &fakeClient{}, auditTestKnobs())
	id, err := m.LaunchAudit(context.Background(), keyspace.NewRange("a", "z"), TypeValidateReplica)
	require.NoError(t, err)
	assert.Equal(t, ID(1), id)

	state := waitForPhase(t, store, TypeValidateReplica, id, PhaseComplete)
	assert.Equal(t, "dd-1", state.DDID)

	// Completion cleared the progress records.
	assert.Equal(t, 0, store.DebugCountPrefix(rangeProgressPrefix(TypeValidateReplica, id)))
}

func TestLaunchAuditEmptyRangeRejected(t *testing.T) {
	_, m := setupAuditTest(t, &fakeClient{}, auditTestKnobs())
	_, err := m.LaunchAudit(context.Background(), keyspace.KeyRange{Begin: "z", End: "a"}, TypeValidateReplica)
	assert.ErrorIs(t, err, ErrAuditFailed)
}

func TestLaunchAuditRequestLimit(t *testing.T) {
	release := make(chan struct{})
	client := &fakeClient{auditFn: func(ctx context.Context, server distribution.ServerID, req distribution.AuditStorageRequest) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return nil
		}
	}}
	store, m := setupAuditTest(t, client, auditTestKnobs())
	defer close(release)

	ctx := context.Background()
	id, err := m.LaunchAudit(ctx, keyspace.NewRange("a", "z"), TypeValidateReplica)
	require.NoError(t, err)

	// A contained range joins the running audit.
	sameID, err := m.LaunchAudit(ctx, keyspace.NewRange("b", "c"), TypeValidateReplica)
	require.NoError(t, err)
	assert.Equal(t, id, sameID)

	// A wider range of the same type is rejected.
	_, err = m.LaunchAudit(ctx, keyspace.NewRange("a", "zz"), TypeValidateReplica)
	assert.ErrorIs(t, err, ErrExceededRequestLimit)

	// A different type runs independently.
	otherID, err := m.LaunchAudit(ctx, keyspace.NewRange("a", "z"), TypeValidateLocationMetadata)
	require.NoError(t, err)
	assert.Equal(t, ID(1), otherID)
	_ = store
}

func TestAuditErrorLatches(t *testing.T) {
	client := &fakeClient{auditFn: func(ctx context.Context, server distribution.ServerID, req distribution.AuditStorageRequest) error {
		return fmt.Errorf("replica mismatch at %v: %w", req.Range, ErrAuditError)
	}}
	store, m := setupAuditTest(t, client, auditTestKnobs())

	ctx := context.Background()
	id, err := m.LaunchAudit(ctx, keyspace.NewRange("a", "z"), TypeValidateReplica)
	require.NoError(t, err)

	waitForPhase(t, store, TypeValidateReplica, id, PhaseError)

	// Progress records survive an Error outcome for post-mortem.
	assert.Greater(t, store.DebugCountPrefix(rangeProgressPrefix(TypeValidateReplica, id)), 0)

	// A subsequent trigger over the same range starts a fresh audit.
	client.auditFn = nil
	newID, err := m.LaunchAudit(ctx, keyspace.NewRange("a", "z"), TypeValidateReplica)
	require.NoError(t, err)
	assert.Equal(t, id+1, newID)
}

func TestAuditRetriesThenFails(t *testing.T) {
	client := &fakeClient{auditFn: func(ctx context.Context, server distribution.ServerID, req distribution.AuditStorageRequest) error {
		return fmt.Errorf("storage server busy")
	}}
	knobs := auditTestKnobs()
	knobs.AuditRetryCountMax = 1
	store, m := setupAuditTest(t, client, knobs)

	id, err := m.LaunchAudit(context.Background(), keyspace.NewRange("a", "z"), TypeValidateReplica)
	require.NoError(t, err)
	waitForPhase(t, store, TypeValidateReplica, id, PhaseFailed)

	// Failure retains progress records (none were completed here, but the
	// row itself must carry the Failed phase for post-mortem).
	state, err := GetAuditState(context.Background(), store, TypeValidateReplica, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, state.Phase)
}

func TestAuditBudgetInvariant(t *testing.T) {
	var current, peak atomic.Int64
	client := &fakeClient{auditFn: func(ctx context.Context, server distribution.ServerID, req distribution.AuditStorageRequest) error {
		cur := current.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return nil
	}}
	knobs := auditTestKnobs()
	knobs.ConcurrentAuditTaskCountMax = 2

	ctx := context.Background()
	store := metastore.NewStore()
	require.NoError(t, distribution.InitializeShardMap(ctx, store, []distribution.ServerID{"s1", "s2"}))
	require.NoError(t, distribution.RegisterStorageServer(ctx, store, distribution.StorageServerMeta{ID: "s1", Address: "host1:9500"}))
	require.NoError(t, distribution.RegisterStorageServer(ctx, store, distribution.StorageServerMeta{ID: "s2", Address: "host2:9500"}))

	// Split the shard map into many spans so the audit issues many tasks.
	lock, err := distribution.TakeMoveKeysLock(ctx, store, "dd-1")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		move := distribution.DataMoveMeta{
			ID:          distribution.MoveID(fmt.Sprintf("m%02d", i)),
			Ranges:      []keyspace.KeyRange{keyspace.NewRange(keyspace.DoubleToTestKey(float64(i)), keyspace.DoubleToTestKey(float64(i)+0.5))},
			PrimaryDest: []distribution.ServerID{"s1", "s2"},
		}
		require.NoError(t, distribution.StartMoveShards(ctx, store, lock, true, move))
		require.NoError(t, distribution.FinishMoveShards(ctx, store, lock, true, move))
	}

	m := NewManager(store, client, knobs, "dd-1", func() bool { return true })
	require.NoError(t, m.Bootstrap(ctx, lock))

	id, err := m.LaunchAudit(ctx, keyspace.NewRange(keyspace.DoubleToTestKey(0), keyspace.DoubleToTestKey(30)), TypeValidateReplica)
	require.NoError(t, err)
	waitForPhase(t, store, TypeValidateReplica, id, PhaseComplete)

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestAuditResumeOnRestart(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	store, m1 := setupAuditTest(t, client, auditTestKnobs())
	_ = m1

	// Persist a Running audit as a prior distributor would have.
	lock, err := distribution.TakeMoveKeysLock(ctx, store, "dd-2")
	require.NoError(t, err)
	state := State{Type: TypeValidateLocationMetadata, Range: keyspace.NewRange("a", "z"), Phase: PhaseRunning, DDID: "dd-old"}
	id, err := PersistNewAuditState(ctx, store, state, lock, true)
	require.NoError(t, err)

	// A new distributor claims and resumes the Running row.
	m2 := NewManager(store, client, auditTestKnobs(), "dd-2", func() bool { return true })
	require.NoError(t, m2.Bootstrap(ctx, lock))

	final := waitForPhase(t, store, TypeValidateLocationMetadata, id, PhaseComplete)
	assert.Equal(t, "dd-2", final.DDID)
}

func TestCancelAuditThenRelaunchGetsFreshID(t *testing.T) {
	release := make(chan struct{})
	client := &fakeClient{auditFn: func(ctx context.Context, server distribution.ServerID, req distribution.AuditStorageRequest) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return nil
		}
	}}
	store, m := setupAuditTest(t, client, auditTestKnobs())
	defer close(release)

	ctx := context.Background()
	id, err := m.LaunchAudit(ctx, keyspace.NewRange("a", "z"), TypeValidateReplica)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, TypeValidateReplica, id))
	state, err := GetAuditState(ctx, store, TypeValidateReplica, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, state.Phase)
	assert.Equal(t, 0, store.DebugCountPrefix(rangeProgressPrefix(TypeValidateReplica, id)))

	client.auditFn = nil
	newID, err := m.LaunchAudit(ctx, keyspace.NewRange("a", "z"), TypeValidateReplica)
	require.NoError(t, err)
	assert.Equal(t, id+1, newID)
	waitForPhase(t, store, TypeValidateReplica, newID, PhaseComplete)
}
