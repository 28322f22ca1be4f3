package distribution

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/metastore"
)

// fakeStorageClient counts snapshot fan-out and lets tests fail selected
// addresses.
type fakeStorageClient struct {
	snapCalls   atomic.Int64
	failAddr    map[string]bool
	auditFn     func(ctx context.Context, server ServerID, req AuditStorageRequest) error
	fetchCalls  atomic.Int64
	tlogs       []string
	coordinators []string
}

func (f *fakeStorageClient) AuditStorage(ctx context.Context, server ServerID, req AuditStorageRequest) error {
	if f.auditFn != nil {
		return f.auditFn(ctx, server, req)
	}
	return nil
}

func (f *fakeStorageClient) FetchKeys(ctx context.Context, server ServerID, r keyspace.KeyRange, sources []ServerID) error {
	f.fetchCalls.Add(1)
	return nil
}

func (f *fakeStorageClient) Snapshot(ctx context.Context, role SnapshotRole, address string, uid string, payload string) error {
	f.snapCalls.Add(1)
	if f.failAddr[address] {
		return assert.AnError
	}
	return nil
}

func (f *fakeStorageClient) TLogAddresses(ctx context.Context) ([]string, error) {
	return f.tlogs, nil
}

func (f *fakeStorageClient) CoordinatorAddresses(ctx context.Context) ([]string, error) {
	return f.coordinators, nil
}

func snapshotTestSetup(t *testing.T, knobs Knobs, client *fakeStorageClient) (*metastore.Store, *Snapshotter) {
	t.Helper()
	store := metastore.NewStore()
	ctx := context.Background()
	require.NoError(t, RegisterStorageServer(ctx, store, StorageServerMeta{ID: "s1", Address: "host1:9500"}))
	require.NoError(t, RegisterStorageServer(ctx, store, StorageServerMeta{ID: "s2", Address: "host2:9500"}))
	return store, NewSnapshotter(store, client, knobs)
}

func TestSnapshotDeduplicatesByUID(t *testing.T) {
	knobs := testKnobs()
	knobs.SnapCreateMaxTimeout = 10 * time.Second
	knobs.SnapMinimumTimeGap = time.Hour
	client := &fakeStorageClient{tlogs: []string{"tlog1:9600"}, coordinators: []string{"coord1:9700"}}
	_, snap := snapshotTestSetup(t, knobs, client)

	ctx := context.Background()
	require.NoError(t, snap.Snapshot(ctx, "uid-1", ""))
	first := client.snapCalls.Load()
	require.Greater(t, first, int64(0))

	// A back-to-back duplicate must replay the cached result and never
	// re-drive the snapshot.
	require.NoError(t, snap.Snapshot(ctx, "uid-1", ""))
	assert.Equal(t, first, client.snapCalls.Load())
}

func TestSnapshotFreshAfterMinimumGap(t *testing.T) {
	knobs := testKnobs()
	knobs.SnapCreateMaxTimeout = 10 * time.Second
	knobs.SnapMinimumTimeGap = 50 * time.Millisecond
	client := &fakeStorageClient{}
	_, snap := snapshotTestSetup(t, knobs, client)

	ctx := context.Background()
	require.NoError(t, snap.Snapshot(ctx, "uid-1", ""))
	first := client.snapCalls.Load()

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, snap.Snapshot(ctx, "uid-1", ""))
	assert.Greater(t, client.snapCalls.Load(), first)
}

func TestSnapshotHonorsStorageFaultTolerance(t *testing.T) {
	knobs := testKnobs()
	knobs.SnapCreateMaxTimeout = 10 * time.Second
	knobs.SnapMinimumTimeGap = time.Hour
	knobs.MaxStorageSnapshotFaultTolerance = 1

	client := &fakeStorageClient{failAddr: map[string]bool{"host1:9500": true}}
	_, snap := snapshotTestSetup(t, knobs, client)
	require.NoError(t, snap.Snapshot(context.Background(), "uid-1", ""))

	client2 := &fakeStorageClient{failAddr: map[string]bool{"host1:9500": true, "host2:9500": true}}
	_, snap2 := snapshotTestSetup(t, knobs, client2)
	assert.Error(t, snap2.Snapshot(context.Background(), "uid-2", ""))
}

func TestSnapshotRestoresDistributionMode(t *testing.T) {
	knobs := testKnobs()
	knobs.SnapCreateMaxTimeout = 10 * time.Second
	knobs.SnapMinimumTimeGap = time.Hour
	client := &fakeStorageClient{}
	store, snap := snapshotTestSetup(t, knobs, client)

	ctx := context.Background()
	require.NoError(t, snap.Snapshot(ctx, "uid-1", ""))

	err := metastore.RunTransaction(ctx, store, "check", func(tx *metastore.Transaction) error {
		mode, err := ReadDistributionMode(tx)
		require.NoError(t, err)
		assert.Equal(t, metastore.DDModeEnabled, mode)
		_, hasRecovery, err := tx.Get(metastore.WriteRecoveryKey)
		require.NoError(t, err)
		assert.False(t, hasRecovery)
		return err
	})
	require.NoError(t, err)
}
