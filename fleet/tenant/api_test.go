package tenant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/metastore"
)

func newTestAPI(t *testing.T) (*API, *metastore.Store, *clock.Mock) {
	t.Helper()
	store := metastore.NewStore()
	clk := clock.NewMock()
	clk.Add(1000 * time.Hour)
	api := NewAPI(store, 1000, time.Hour, clk)
	require.NoError(t, api.SetTenantMode(context.Background(), ModeOptional))
	return api, store, clk
}

func newDataClusterAPI(t *testing.T) (*API, *metastore.Store, *clock.Mock) {
	t.Helper()
	store := metastore.NewStore()
	clk := clock.NewMock()
	clk.Add(1000 * time.Hour)
	api := NewAPI(store, 1000, time.Hour, clk)
	require.NoError(t, api.SetClusterType(context.Background(), ClusterDataOfMetacluster))
	return api, store, clk
}

func TestCreateAndGetTenant(t *testing.T) {
	api, _, _ := newTestAPI(t)
	ctx := context.Background()

	entry, err := api.CreateTenant(ctx, "alpha", "", ClusterStandalone, nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha", entry.Name)
	assert.Equal(t, LockStateUnlocked, entry.LockState)

	got, err := api.GetTenant(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)

	count, err := api.TenantCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCreateTenantRejectsSystemNames(t *testing.T) {
	api, _, _ := newTestAPI(t)
	ctx := context.Background()

	_, err := api.CreateTenant(ctx, "\xffsystem", "", ClusterStandalone, nil)
	assert.ErrorIs(t, err, ErrInvalidTenantName)

	_, err = api.CreateTenant(ctx, "ok", "\xffgroup", ClusterStandalone, nil)
	assert.ErrorIs(t, err, ErrInvalidTenantGroupName)

	// The empty tenant name is allowed.
	_, err = api.CreateTenant(ctx, "", "", ClusterStandalone, nil)
	assert.NoError(t, err)
}

func TestCreateTenantDisabledMode(t *testing.T) {
	store := metastore.NewStore()
	api := NewAPI(store, 1000, time.Hour, nil)
	_, err := api.CreateTenant(context.Background(), "alpha", "", ClusterStandalone, nil)
	assert.ErrorIs(t, err, ErrTenantsDisabled)
}

func TestCreateTenantWrongClusterType(t *testing.T) {
	api, _, _ := newDataClusterAPI(t)
	id := int64(7)
	_, err := api.CreateTenant(context.Background(), "alpha", "", ClusterStandalone, &id)
	assert.ErrorIs(t, err, ErrInvalidMetaclusterOperation)
}

func TestConcurrentCreateSameName(t *testing.T) {
	api, store, _ := newTestAPI(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = api.CreateTenant(ctx, "contested", "g", ClusterStandalone, nil)
		}(i)
	}
	wg.Wait()

	succeeded, alreadyExists := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case err == ErrTenantAlreadyExists:
			alreadyExists++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, alreadyExists)

	count, err := api.TenantCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Group g exists exactly once.
	assert.Equal(t, 1, store.DebugCountPrefix(metastore.TenantGroupMapPrefix))
	groups, err := api.ListTenantGroups(ctx)
	require.NoError(t, err)
	assert.Contains(t, groups, "g")
}

func TestCreateAfterCommitUnknownIsIdempotent(t *testing.T) {
	api, store, _ := newTestAPI(t)
	ctx := context.Background()

	store.InjectCommitUnknown(1)
	entry, err := api.CreateTenant(ctx, "alpha", "", ClusterStandalone, nil)
	require.NoError(t, err)

	count, err := api.TenantCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := api.GetTenant(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
}

func TestDeleteTenant(t *testing.T) {
	api, _, _ := newTestAPI(t)
	ctx := context.Background()

	entry, err := api.CreateTenant(ctx, "alpha", "g", ClusterStandalone, nil)
	require.NoError(t, err)

	require.NoError(t, api.DeleteTenant(ctx, "alpha", nil, ClusterStandalone))

	_, err = api.GetTenant(ctx, "alpha")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	count, err := api.TenantCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	// Deleting the last group member removes the group entry.
	groups, err := api.ListTenantGroups(ctx)
	require.NoError(t, err)
	assert.NotContains(t, groups, "g")

	// Delete then create with the same name succeeds on standalone.
	recreated, err := api.CreateTenant(ctx, "alpha", "", ClusterStandalone, nil)
	require.NoError(t, err)
	assert.Greater(t, recreated.ID, entry.ID)
}

func TestDeleteTenantNotEmpty(t *testing.T) {
	api, store, _ := newTestAPI(t)
	ctx := context.Background()

	entry, err := api.CreateTenant(ctx, "alpha", "", ClusterStandalone, nil)
	require.NoError(t, err)

	// Put user data under the tenant's prefix.
	require.NoError(t, metastore.RunTransaction(ctx, store, "write", func(tx *metastore.Transaction) error {
		return tx.Set(entry.Prefix()+"row", []byte("x"))
	}))

	err = api.DeleteTenant(ctx, "alpha", nil, ClusterStandalone)
	assert.ErrorIs(t, err, ErrTenantNotEmpty)
}

func TestDeleteTenantExpectedID(t *testing.T) {
	api, _, _ := newTestAPI(t)
	ctx := context.Background()

	_, err := api.CreateTenant(ctx, "alpha", "", ClusterStandalone, nil)
	require.NoError(t, err)

	wrong := int64(424242)
	assert.ErrorIs(t, api.DeleteTenant(ctx, "alpha", &wrong, ClusterStandalone), ErrTenantNotFound)
}

func TestPrefixAllocatorConflict(t *testing.T) {
	api, store, _ := newTestAPI(t)
	ctx := context.Background()

	// Pre-existing data where the next tenant's prefix will land.
	require.NoError(t, metastore.RunTransaction(ctx, store, "write", func(tx *metastore.Transaction) error {
		return tx.Set(TenantDataPrefix(1)+"stale", []byte("x"))
	}))

	_, err := api.CreateTenant(ctx, "alpha", "", ClusterStandalone, nil)
	assert.ErrorIs(t, err, ErrPrefixAllocatorConflict)
}

func TestClusterCapacity(t *testing.T) {
	store := metastore.NewStore()
	api := NewAPI(store, 2, time.Hour, nil)
	ctx := context.Background()
	require.NoError(t, api.SetTenantMode(ctx, ModeOptional))

	_, err := api.CreateTenant(ctx, "a", "", ClusterStandalone, nil)
	require.NoError(t, err)
	_, err = api.CreateTenant(ctx, "b", "", ClusterStandalone, nil)
	require.NoError(t, err)
	_, err = api.CreateTenant(ctx, "c", "", ClusterStandalone, nil)
	assert.ErrorIs(t, err, ErrClusterNoCapacity)

	count, err := api.TenantCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRenameRoundTrip(t *testing.T) {
	api, _, _ := newTestAPI(t)
	ctx := context.Background()

	original, err := api.CreateTenant(ctx, "alpha", "g", ClusterStandalone, nil)
	require.NoError(t, err)

	require.NoError(t, api.RenameTenant(ctx, "alpha", "beta", ClusterStandalone))
	_, err = api.GetTenant(ctx, "alpha")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	renamed, err := api.GetTenant(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, original.ID, renamed.ID)

	// Renaming back restores the exact prior entry.
	require.NoError(t, api.RenameTenant(ctx, "beta", "alpha", ClusterStandalone))
	restored, err := api.GetTenant(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, original, restored)

	ids, err := api.ListTenantGroupTenants(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, []int64{original.ID}, ids)
}

func TestRenameIdempotentAcrossCommitUnknown(t *testing.T) {
	api, store, _ := newTestAPI(t)
	ctx := context.Background()

	_, err := api.CreateTenant(ctx, "alpha", "", ClusterStandalone, nil)
	require.NoError(t, err)

	store.InjectCommitUnknown(1)
	require.NoError(t, api.RenameTenant(ctx, "alpha", "beta", ClusterStandalone))

	_, err = api.GetTenant(ctx, "beta")
	assert.NoError(t, err)
	_, err = api.GetTenant(ctx, "alpha")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestRenameConflicts(t *testing.T) {
	api, _, _ := newTestAPI(t)
	ctx := context.Background()

	_, err := api.CreateTenant(ctx, "alpha", "", ClusterStandalone, nil)
	require.NoError(t, err)
	_, err = api.CreateTenant(ctx, "beta", "", ClusterStandalone, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, api.RenameTenant(ctx, "alpha", "beta", ClusterStandalone), ErrTenantAlreadyExists)
	assert.ErrorIs(t, api.RenameTenant(ctx, "missing", "gamma", ClusterStandalone), ErrTenantNotFound)
	assert.ErrorIs(t, api.RenameTenant(ctx, "alpha", "\xffbad", ClusterStandalone), ErrInvalidTenantName)
}

func TestConfigureTenantGroupInvariant(t *testing.T) {
	api, _, _ := newTestAPI(t)
	ctx := context.Background()

	_, err := api.CreateTenant(ctx, "alpha", "g1", ClusterStandalone, nil)
	require.NoError(t, err)

	// Move alpha to a new group; g1 becomes empty and must vanish.
	_, err = api.ConfigureTenant(ctx, "alpha", ClusterStandalone, func(e MapEntry) (MapEntry, error) {
		e.TenantGroup = "g2"
		return e, nil
	})
	require.NoError(t, err)

	groups, err := api.ListTenantGroups(ctx)
	require.NoError(t, err)
	assert.NotContains(t, groups, "g1")
	assert.Contains(t, groups, "g2")

	ids, err := api.ListTenantGroupTenants(ctx, "g2")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestChangeLockState(t *testing.T) {
	api, _, _ := newTestAPI(t)
	ctx := context.Background()

	_, err := api.CreateTenant(ctx, "alpha", "", ClusterStandalone, nil)
	require.NoError(t, err)

	require.NoError(t, api.ChangeLockState(ctx, "alpha", LockStateLocked, "owner-1", ClusterStandalone))
	entry, err := api.GetTenant(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, LockStateLocked, entry.LockState)
	assert.Equal(t, "owner-1", entry.LockID)

	// Same state and owner is a no-op.
	require.NoError(t, api.ChangeLockState(ctx, "alpha", LockStateLocked, "owner-1", ClusterStandalone))

	// A different owner may not change the lock.
	assert.ErrorIs(t, api.ChangeLockState(ctx, "alpha", LockStateUnlocked, "owner-2", ClusterStandalone), ErrTenantLocked)

	// The owner unlocks; the owner id is cleared with it.
	require.NoError(t, api.ChangeLockState(ctx, "alpha", LockStateUnlocked, "owner-1", ClusterStandalone))
	entry, err = api.GetTenant(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, LockStateUnlocked, entry.LockState)
	assert.Empty(t, entry.LockID)
}

func TestTombstoneBlocksRecreation(t *testing.T) {
	api, _, _ := newDataClusterAPI(t)
	ctx := context.Background()

	id := int64(5)
	_, err := api.CreateTenant(ctx, "alpha", "", ClusterDataOfMetacluster, &id)
	require.NoError(t, err)
	require.NoError(t, api.DeleteTenant(ctx, "alpha", nil, ClusterDataOfMetacluster))

	// Recreating the same id within the tombstone window is blocked.
	_, err = api.CreateTenant(ctx, "alpha", "", ClusterDataOfMetacluster, &id)
	assert.ErrorIs(t, err, ErrCreationBlocked)

	// A different id with the same name is fine.
	id6 := int64(6)
	_, err = api.CreateTenant(ctx, "alpha", "", ClusterDataOfMetacluster, &id6)
	assert.NoError(t, err)
}

func TestTombstoneWatermarkPermanentlyFails(t *testing.T) {
	api, _, clk := newDataClusterAPI(t)
	ctx := context.Background()

	id5 := int64(5)
	_, err := api.CreateTenant(ctx, "alpha", "", ClusterDataOfMetacluster, &id5)
	require.NoError(t, err)
	require.NoError(t, api.DeleteTenant(ctx, "alpha", nil, ClusterDataOfMetacluster))

	// After the cleanup interval, the next deletion advances the
	// watermark past id 5.
	clk.Add(2 * time.Hour)
	id7 := int64(7)
	_, err = api.CreateTenant(ctx, "beta", "", ClusterDataOfMetacluster, &id7)
	require.NoError(t, err)
	require.NoError(t, api.DeleteTenant(ctx, "beta", nil, ClusterDataOfMetacluster))

	// Ids at or below the watermark can never be created again.
	id4 := int64(4)
	_, err = api.CreateTenant(ctx, "gamma", "", ClusterDataOfMetacluster, &id4)
	assert.ErrorIs(t, err, ErrCreationPermanentlyFailed)
}

func TestTenantsOverStorageQuota(t *testing.T) {
	api, _, _ := newTestAPI(t)
	ctx := context.Background()

	entry, err := api.CreateTenant(ctx, "alpha", "g", ClusterStandalone, nil)
	require.NoError(t, err)
	require.NoError(t, api.SetTenantGroupQuota(ctx, "g", 100))

	over, err := api.TenantsOverStorageQuota(ctx, func(r keyspace.KeyRange) int64 { return 50 })
	require.NoError(t, err)
	assert.Empty(t, over)

	over, err = api.TenantsOverStorageQuota(ctx, func(r keyspace.KeyRange) int64 { return 500 })
	require.NoError(t, err)
	assert.Equal(t, []int64{entry.ID}, over)
}

func TestListTenants(t *testing.T) {
	api, _, _ := newTestAPI(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := api.CreateTenant(ctx, name, "", ClusterStandalone, nil)
		require.NoError(t, err)
	}
	names, ids, err := api.ListTenants(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)
	assert.Len(t, ids, 3)

	names, _, err = api.ListTenants(ctx, "b", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, names)
}
