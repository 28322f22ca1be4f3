package tenant

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"github.com/golang/glog"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/metastore"
	"github.com/fleetkv/fleetkv/fleet/stats"
)

// OpTimeout bounds the create, delete, configure, lock-state and rename
// operations end to end. Reads, listings, quota and setup calls run under
// the caller's context only.
const OpTimeout = 30 * time.Second

// API is the tenant lifecycle state machine over the metadata store.
type API struct {
	store *metastore.Store
	clock clock.Clock

	maxTenantsPerCluster     int64
	tombstoneCleanupInterval time.Duration
}

func NewAPI(store *metastore.Store, maxTenants int64, tombstoneCleanupInterval time.Duration, clk clock.Clock) *API {
	if clk == nil {
		clk = clock.New()
	}
	return &API{
		store:                    store,
		clock:                    clk,
		maxTenantsPerCluster:     maxTenants,
		tombstoneCleanupInterval: tombstoneCleanupInterval,
	}
}

func (a *API) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, OpTimeout)
}

// readClusterType returns the persisted cluster type, standalone when
// unset.
func readClusterType(tx *metastore.Transaction) (ClusterType, error) {
	val, ok, err := tx.Get(metastore.ClusterTypeKey)
	if err != nil {
		return ClusterStandalone, err
	}
	if !ok {
		return ClusterStandalone, nil
	}
	return ClusterType(val), nil
}

func readTenantMode(tx *metastore.Transaction) (Mode, error) {
	val, ok, err := tx.Get(metastore.TenantModeKey)
	if err != nil {
		return ModeDisabled, err
	}
	if !ok {
		return ModeDisabled, nil
	}
	return Mode(val), nil
}

// checkTenantMode verifies the cluster is the kind the caller expects and,
// on a standalone cluster, that tenants are not disabled.
func checkTenantMode(tx *metastore.Transaction, expected ClusterType) error {
	actual, err := readClusterType(tx)
	if err != nil {
		return err
	}
	if actual != expected {
		return ErrInvalidMetaclusterOperation
	}
	if expected == ClusterStandalone {
		mode, err := readTenantMode(tx)
		if err != nil {
			return err
		}
		if mode == ModeDisabled {
			return ErrTenantsDisabled
		}
	}
	return nil
}

// stampLastModification orders tenant metadata changes.
func stampLastModification(tx *metastore.Transaction) error {
	return tx.Set(metastore.TenantLastModificationKey, encodeID(tx.ReadVersion()+1))
}

func tryGetTenantByName(tx *metastore.Transaction, name string) (int64, bool, error) {
	val, ok, err := tx.Get(tenantNameKey(name))
	if err != nil || !ok {
		return InvalidID, false, err
	}
	id, err := decodeID(val)
	return id, err == nil, err
}

func tryGetTenantByID(tx *metastore.Transaction, id int64) (MapEntry, bool, error) {
	val, ok, err := tx.Get(tenantMapKey(id))
	if err != nil || !ok {
		return MapEntry{}, false, err
	}
	e, err := decodeEntry(val)
	return e, err == nil, err
}

// SetClusterType persists the cluster's type; used at cluster setup.
func (a *API) SetClusterType(ctx context.Context, t ClusterType) error {
	return metastore.RunTransaction(ctx, a.store, "setClusterType", func(tx *metastore.Transaction) error {
		return tx.Set(metastore.ClusterTypeKey, []byte(t))
	})
}

// SetTenantMode persists the tenant mode of a standalone cluster.
func (a *API) SetTenantMode(ctx context.Context, mode Mode) error {
	return metastore.RunTransaction(ctx, a.store, "setTenantMode", func(tx *metastore.Transaction) error {
		return tx.Set(metastore.TenantModeKey, []byte(mode))
	})
}

// SetTenantIDPrefix persists the cluster-assigned id prefix.
func (a *API) SetTenantIDPrefix(ctx context.Context, prefix int64) error {
	return metastore.RunTransaction(ctx, a.store, "setTenantIdPrefix", func(tx *metastore.Transaction) error {
		return tx.Set(metastore.TenantIdPrefixKey, encodeID(prefix))
	})
}

// getNextTenantID advances the id allocator within tx.
func getNextTenantID(tx *metastore.Transaction) (int64, error) {
	val, ok, err := tx.Get(metastore.TenantLastIdKey)
	if err != nil {
		return 0, err
	}
	var lastID int64
	if ok {
		lastID, err = decodeID(val)
		if err != nil {
			return 0, err
		}
	} else {
		prefixVal, hasPrefix, err := tx.Get(metastore.TenantIdPrefixKey)
		if err != nil {
			return 0, err
		}
		var idPrefix int64
		if hasPrefix {
			idPrefix, err = decodeID(prefixVal)
			if err != nil {
				return 0, err
			}
		}
		lastID = idPrefix << 48
	}
	return ComputeNextTenantID(lastID, 1), nil
}

// checkTombstone reports whether id was deleted recently enough that its
// tombstone still exists. An id at or below the cleanup watermark can
// never be created again.
func checkTombstone(tx *metastore.Transaction, id int64) (bool, error) {
	cleanupVal, hasCleanup, err := tx.Get(metastore.TenantTombstoneCleanupKey)
	if err != nil {
		return false, err
	}
	if hasCleanup {
		var cleanup TombstoneCleanupData
		if err := metastore.DecodeJSON(cleanupVal, &cleanup); err != nil {
			return false, err
		}
		if cleanup.TombstonesErasedThrough >= id {
			return false, ErrCreationPermanentlyFailed
		}
	}
	_, ok, err := tx.Get(tombstoneKey(id))
	return ok, err
}

// createTenantBody applies the creation inside tx. Returns the entry and
// whether this call created it; an existing entry with created=false lets
// a retried commit succeed idempotently.
func (a *API) createTenantBody(tx *metastore.Transaction, entry MapEntry, clusterType ClusterType) (MapEntry, bool, error) {
	if strings.HasPrefix(entry.Name, "\xff") {
		return MapEntry{}, false, ErrInvalidTenantName
	}
	if entry.TenantGroup != "" && strings.HasPrefix(entry.TenantGroup, "\xff") {
		return MapEntry{}, false, ErrInvalidTenantGroupName
	}
	if err := checkTenantMode(tx, clusterType); err != nil {
		return MapEntry{}, false, err
	}

	existingID, exists, err := tryGetTenantByName(tx, entry.Name)
	if err != nil {
		return MapEntry{}, false, err
	}
	if exists {
		existing, ok, err := tryGetTenantByID(tx, existingID)
		if err != nil || !ok {
			return MapEntry{}, false, err
		}
		return existing, false, nil
	}

	if clusterType == ClusterDataOfMetacluster {
		hasTombstone, err := checkTombstone(tx, entry.ID)
		if err != nil {
			return MapEntry{}, false, err
		}
		if hasTombstone {
			return MapEntry{}, false, ErrCreationBlocked
		}
	}

	contents, _, err := tx.GetRange(keyspace.PrefixRange(entry.Prefix()), 1, false)
	if err != nil {
		return MapEntry{}, false, err
	}
	if len(contents) > 0 {
		return MapEntry{}, false, ErrPrefixAllocatorConflict
	}

	if err := tx.Set(tenantMapKey(entry.ID), metastore.EncodeJSON(entry)); err != nil {
		return MapEntry{}, false, err
	}
	if err := tx.Set(tenantNameKey(entry.Name), encodeID(entry.ID)); err != nil {
		return MapEntry{}, false, err
	}
	if err := stampLastModification(tx); err != nil {
		return MapEntry{}, false, err
	}

	if entry.TenantGroup != "" {
		if err := tx.Set(groupIndexKey(entry.TenantGroup, entry.Name, entry.ID), nil); err != nil {
			return MapEntry{}, false, err
		}
		_, hasGroup, err := tx.Get(tenantGroupKey(entry.TenantGroup))
		if err != nil {
			return MapEntry{}, false, err
		}
		if !hasGroup {
			if err := tx.Set(tenantGroupKey(entry.TenantGroup), metastore.EncodeJSON(GroupEntry{})); err != nil {
				return MapEntry{}, false, err
			}
		}
	}

	if err := tx.AtomicAdd(metastore.TenantCountKey, 1); err != nil {
		return MapEntry{}, false, err
	}
	countVal, _, err := tx.Get(metastore.TenantCountKey)
	if err != nil {
		return MapEntry{}, false, err
	}
	count, err := decodeCount(countVal)
	if err != nil {
		return MapEntry{}, false, err
	}
	if count > a.maxTenantsPerCluster {
		return MapEntry{}, false, ErrClusterNoCapacity
	}
	return entry, true, nil
}

// CreateTenant creates a tenant. On a standalone cluster the id is
// allocated here; on a data cluster the management tier supplies it.
func (a *API) CreateTenant(ctx context.Context, name string, group string, clusterType ClusterType, assignedID *int64) (MapEntry, error) {
	start := time.Now()
	defer func() { stats.TenantOpHistogram.WithLabelValues("create").Observe(time.Since(start).Seconds()) }()
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	generateID := assignedID == nil
	if !generateID && clusterType == ClusterStandalone && *assignedID < 0 {
		generateID = true
	}

	var (
		myID        int64 = InvalidID
		maybeCommitted bool
		result      MapEntry
	)
	for {
		if err := ctx.Err(); err != nil {
			return MapEntry{}, err
		}
		tx := a.store.NewTransaction()
		tx.SetAccessSystemKeys()
		tx.SetLockAware()

		err := func() error {
			entry := MapEntry{Name: name, TenantGroup: group, LockState: LockStateUnlocked}

			existingID, exists, err := tryGetTenantByName(tx, name)
			if err != nil {
				return err
			}
			if exists {
				if maybeCommitted && existingID == myID {
					// Our earlier commit landed.
					e, ok, err := tryGetTenantByID(tx, existingID)
					if err != nil {
						return err
					}
					if ok {
						result = e
						return nil
					}
				}
				return ErrTenantAlreadyExists
			}

			if generateID {
				id, err := getNextTenantID(tx)
				if err != nil {
					return err
				}
				entry.ID = id
				if err := tx.Set(metastore.TenantLastIdKey, encodeID(id)); err != nil {
					return err
				}
			} else {
				entry.ID = *assignedID
			}
			myID = entry.ID

			created, ok, err := a.createTenantBody(tx, entry, clusterType)
			if err != nil {
				return err
			}
			if !ok && created.ID != entry.ID {
				return ErrTenantAlreadyExists
			}
			result = created
			return nil
		}()
		if err == nil {
			err = tx.Commit()
		}
		if err == nil {
			glog.V(1).Infof("created tenant %q id=%d group=%q", name, result.ID, group)
			stats.TenantCountGauge.Inc()
			return result, nil
		}
		if errors.Is(err, metastore.ErrCommitUnknownResult) {
			maybeCommitted = true
			continue
		}
		if metastore.IsRetryable(err) {
			continue
		}
		return MapEntry{}, err
	}
}

func decodeCount(val []byte) (int64, error) {
	if len(val) != 8 {
		return 0, nil
	}
	var n int64
	for i := 7; i >= 0; i-- {
		n = n<<8 | int64(val[i])
	}
	return n, nil
}

// markTenantTombstones records a tombstone for a deleted id on a data
// cluster, sweeping expired tombstones when the cleanup interval elapsed.
func (a *API) markTenantTombstones(tx *metastore.Transaction, tenantID int64) error {
	prefixVal, hasPrefix, err := tx.Get(metastore.TenantIdPrefixKey)
	if err != nil {
		return err
	}
	var idPrefix int64
	if hasPrefix {
		idPrefix, err = decodeID(prefixVal)
		if err != nil {
			return err
		}
	}
	if idPrefix != GetTenantIDPrefix(tenantID) {
		// A foreign-prefix id can never collide with our allocator.
		return nil
	}

	var cleanup TombstoneCleanupData
	cleanupVal, hasCleanup, err := tx.Get(metastore.TenantTombstoneCleanupKey)
	if err != nil {
		return err
	}
	if hasCleanup {
		if err := metastore.DecodeJSON(cleanupVal, &cleanup); err != nil {
			return err
		}
	}

	now := a.clock.Now().Unix()
	if !hasCleanup || cleanup.NextTombstoneEraseUnix <= now {
		deleteThroughID := int64(-1)
		if hasCleanup {
			deleteThroughID = cleanup.NextTombstoneEraseID
		}
		if deleteThroughID >= 0 {
			if err := tx.ClearRange(keyspace.NewRange(tombstoneKey(0), keyspace.KeyAfter(tombstoneKey(deleteThroughID)))); err != nil {
				return err
			}
		}

		nextDeleteThroughID := deleteThroughID
		if tenantID > nextDeleteThroughID {
			nextDeleteThroughID = tenantID
		}
		latest, _, err := tx.GetRange(keyspace.PrefixRange(metastore.TenantTombstonePrefix), 1, true)
		if err != nil {
			return err
		}
		if len(latest) > 0 {
			latestID, err := decodeID([]byte(latest[0].Key[len(metastore.TenantTombstonePrefix):]))
			if err == nil && latestID > nextDeleteThroughID {
				nextDeleteThroughID = latestID
			}
		}

		updated := TombstoneCleanupData{
			TombstonesErasedThrough: deleteThroughID,
			NextTombstoneEraseID:    nextDeleteThroughID,
			NextTombstoneEraseUnix:  now + int64(a.tombstoneCleanupInterval.Seconds()),
		}
		if err := tx.Set(metastore.TenantTombstoneCleanupKey, metastore.EncodeJSON(updated)); err != nil {
			return err
		}
		if tenantID > updated.TombstonesErasedThrough {
			if err := tx.Set(tombstoneKey(tenantID), nil); err != nil {
				return err
			}
		}
	} else if tenantID > cleanup.TombstonesErasedThrough {
		if err := tx.Set(tombstoneKey(tenantID), nil); err != nil {
			return err
		}
	}
	return nil
}

// deleteTenantBody deletes by id inside tx. Absent tenants are a no-op so
// a retried commit stays idempotent.
func (a *API) deleteTenantBody(tx *metastore.Transaction, tenantID int64, clusterType ClusterType) error {
	if err := checkTenantMode(tx, clusterType); err != nil {
		return err
	}
	entry, ok, err := tryGetTenantByID(tx, tenantID)
	if err != nil {
		return err
	}
	if ok {
		contents, _, err := tx.GetRange(keyspace.PrefixRange(entry.Prefix()), 1, false)
		if err != nil {
			return err
		}
		if len(contents) > 0 {
			return ErrTenantNotEmpty
		}

		if err := tx.Clear(tenantMapKey(tenantID)); err != nil {
			return err
		}
		if err := tx.Clear(tenantNameKey(entry.Name)); err != nil {
			return err
		}
		if err := tx.AtomicAdd(metastore.TenantCountKey, -1); err != nil {
			return err
		}
		if err := stampLastModification(tx); err != nil {
			return err
		}

		if entry.TenantGroup != "" {
			if err := tx.Clear(groupIndexKey(entry.TenantGroup, entry.Name, tenantID)); err != nil {
				return err
			}
			remaining, _, err := tx.GetRange(keyspace.PrefixRange(groupIndexPrefix(entry.TenantGroup)), 1, false)
			if err != nil {
				return err
			}
			if len(remaining) == 0 {
				if err := tx.Clear(tenantGroupKey(entry.TenantGroup)); err != nil {
					return err
				}
			}
		}
	}

	if clusterType == ClusterDataOfMetacluster {
		if err := a.markTenantTombstones(tx, tenantID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTenant deletes the named tenant. With expectedID set, the tenant
// must carry that id.
func (a *API) DeleteTenant(ctx context.Context, name string, expectedID *int64, clusterType ClusterType) error {
	start := time.Now()
	defer func() { stats.TenantOpHistogram.WithLabelValues("delete").Observe(time.Since(start).Seconds()) }()
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	resolvedID := InvalidID
	err := metastore.RunTransaction(ctx, a.store, "deleteTenant", func(tx *metastore.Transaction) error {
		if resolvedID == InvalidID {
			actualID, exists, err := tryGetTenantByName(tx, name)
			if err != nil {
				return err
			}
			if !exists || (expectedID != nil && *expectedID != actualID) {
				return ErrTenantNotFound
			}
			resolvedID = actualID
		}
		return a.deleteTenantBody(tx, resolvedID, clusterType)
	})
	if err == nil {
		glog.V(1).Infof("deleted tenant %q id=%d", name, resolvedID)
		stats.TenantCountGauge.Dec()
	}
	return err
}

// configureTenantBody swaps the entry in place, maintaining the group
// indexes and the "group exists iff non-empty" invariant. Callers must
// have verified the original entry exists.
func configureTenantBody(tx *metastore.Transaction, original, updated MapEntry) error {
	if updated.ID != original.ID {
		return ErrTenantNotFound
	}
	if (updated.LockID != "") != (updated.LockState != LockStateUnlocked) {
		return ErrTenantLocked
	}
	if err := tx.Set(tenantMapKey(updated.ID), metastore.EncodeJSON(updated)); err != nil {
		return err
	}
	if err := stampLastModification(tx); err != nil {
		return err
	}

	if original.TenantGroup != updated.TenantGroup {
		if updated.TenantGroup != "" && strings.HasPrefix(updated.TenantGroup, "\xff") {
			return ErrInvalidTenantGroupName
		}
		if original.TenantGroup != "" {
			if err := tx.Clear(groupIndexKey(original.TenantGroup, original.Name, updated.ID)); err != nil {
				return err
			}
			remaining, _, err := tx.GetRange(keyspace.PrefixRange(groupIndexPrefix(original.TenantGroup)), 1, false)
			if err != nil {
				return err
			}
			if len(remaining) == 0 {
				if err := tx.Clear(tenantGroupKey(original.TenantGroup)); err != nil {
					return err
				}
			}
		}
		if updated.TenantGroup != "" {
			_, hasGroup, err := tx.Get(tenantGroupKey(updated.TenantGroup))
			if err != nil {
				return err
			}
			if !hasGroup {
				if err := tx.Set(tenantGroupKey(updated.TenantGroup), metastore.EncodeJSON(GroupEntry{})); err != nil {
					return err
				}
			}
			if err := tx.Set(groupIndexKey(updated.TenantGroup, updated.Name, updated.ID), nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// ConfigureTenant applies update to the named tenant's entry.
func (a *API) ConfigureTenant(ctx context.Context, name string, clusterType ClusterType, update func(MapEntry) (MapEntry, error)) (MapEntry, error) {
	start := time.Now()
	defer func() { stats.TenantOpHistogram.WithLabelValues("configure").Observe(time.Since(start).Seconds()) }()
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	var result MapEntry
	err := metastore.RunTransaction(ctx, a.store, "configureTenant", func(tx *metastore.Transaction) error {
		if err := checkTenantMode(tx, clusterType); err != nil {
			return err
		}
		id, exists, err := tryGetTenantByName(tx, name)
		if err != nil {
			return err
		}
		if !exists {
			return ErrTenantNotFound
		}
		original, ok, err := tryGetTenantByID(tx, id)
		if err != nil || !ok {
			if err == nil {
				err = ErrTenantNotFound
			}
			return err
		}
		updated, err := update(original)
		if err != nil {
			return err
		}
		updated.ConfigurationSequenceNum = original.ConfigurationSequenceNum + 1
		if err := configureTenantBody(tx, original, updated); err != nil {
			return err
		}
		result = updated
		return nil
	})
	return result, err
}

// checkLockState reports whether the requested transition is a no-op, and
// rejects a change against a different lock owner.
func checkLockState(entry MapEntry, desired LockState, lockID string) (bool, error) {
	if entry.LockID == lockID && entry.LockState == desired {
		return true, nil
	}
	if entry.LockID != "" && entry.LockID != lockID {
		return false, ErrTenantLocked
	}
	return false, nil
}

// ChangeLockState moves the named tenant to the desired lock state on
// behalf of lockID.
func (a *API) ChangeLockState(ctx context.Context, name string, desired LockState, lockID string, clusterType ClusterType) error {
	start := time.Now()
	defer func() { stats.TenantOpHistogram.WithLabelValues("lock").Observe(time.Since(start).Seconds()) }()
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	return metastore.RunTransaction(ctx, a.store, "changeLockState", func(tx *metastore.Transaction) error {
		if err := checkTenantMode(tx, clusterType); err != nil {
			return err
		}
		id, exists, err := tryGetTenantByName(tx, name)
		if err != nil {
			return err
		}
		if !exists {
			return ErrTenantNotFound
		}
		entry, ok, err := tryGetTenantByID(tx, id)
		if err != nil || !ok {
			if err == nil {
				err = ErrTenantNotFound
			}
			return err
		}
		noop, err := checkLockState(entry, desired, lockID)
		if err != nil || noop {
			return err
		}
		updated := entry
		updated.LockState = desired
		if desired == LockStateUnlocked {
			updated.LockID = ""
		} else {
			updated.LockID = lockID
		}
		return configureTenantBody(tx, entry, updated)
	})
}

// RenameTenant renames old to new atomically. Idempotent across a retried
// commit: observing the entry already renamed succeeds silently.
func (a *API) RenameTenant(ctx context.Context, oldName, newName string, clusterType ClusterType) error {
	start := time.Now()
	defer func() { stats.TenantOpHistogram.WithLabelValues("rename").Observe(time.Since(start).Seconds()) }()
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	if strings.HasPrefix(newName, "\xff") {
		return ErrInvalidTenantName
	}

	tenantID := InvalidID
	firstTry := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := a.store.NewTransaction()
		tx.SetAccessSystemKeys()
		tx.SetLockAware()

		done := false
		err := func() error {
			if err := checkTenantMode(tx, clusterType); err != nil {
				return err
			}
			if tenantID == InvalidID {
				id, exists, err := tryGetTenantByName(tx, oldName)
				if err != nil {
					return err
				}
				if !exists {
					return ErrTenantNotFound
				}
				tenantID = id
			}
			entry, ok, err := tryGetTenantByID(tx, tenantID)
			if err != nil {
				return err
			}
			if !ok {
				return ErrTenantNotFound
			}
			newNameID, newExists, err := tryGetTenantByName(tx, newName)
			if err != nil {
				return err
			}

			if !firstTry && entry.Name == newName {
				// A retried rename already landed.
				done = true
				return nil
			}
			if entry.Name != oldName {
				return ErrTenantNotFound
			}
			if newExists && newNameID != tenantID {
				return ErrTenantAlreadyExists
			}

			entry.Name = newName
			if err := tx.Set(tenantMapKey(tenantID), metastore.EncodeJSON(entry)); err != nil {
				return err
			}
			if err := tx.Set(tenantNameKey(newName), encodeID(tenantID)); err != nil {
				return err
			}
			if err := tx.Clear(tenantNameKey(oldName)); err != nil {
				return err
			}
			if entry.TenantGroup != "" {
				if err := tx.Clear(groupIndexKey(entry.TenantGroup, oldName, tenantID)); err != nil {
					return err
				}
				if err := tx.Set(groupIndexKey(entry.TenantGroup, newName, tenantID), nil); err != nil {
					return err
				}
			}
			if err := stampLastModification(tx); err != nil {
				return err
			}
			if clusterType == ClusterDataOfMetacluster {
				return a.markTenantTombstones(tx, tenantID)
			}
			return nil
		}()
		firstTry = false
		if err == nil {
			err = tx.Commit()
		}
		if err == nil {
			if !done {
				glog.V(1).Infof("renamed tenant %q -> %q id=%d", oldName, newName, tenantID)
			}
			return nil
		}
		if metastore.IsRetryable(err) {
			continue
		}
		return err
	}
}

// GetTenant reads the named tenant's entry.
func (a *API) GetTenant(ctx context.Context, name string) (MapEntry, error) {
	var entry MapEntry
	err := metastore.RunTransaction(ctx, a.store, "getTenant", func(tx *metastore.Transaction) error {
		id, exists, err := tryGetTenantByName(tx, name)
		if err != nil {
			return err
		}
		if !exists {
			return ErrTenantNotFound
		}
		e, ok, err := tryGetTenantByID(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrTenantNotFound
		}
		entry = e
		return nil
	})
	return entry, err
}

// TenantCount returns the persisted tenant count.
func (a *API) TenantCount(ctx context.Context) (int64, error) {
	var count int64
	err := metastore.RunTransaction(ctx, a.store, "tenantCount", func(tx *metastore.Transaction) error {
		val, _, err := tx.Get(metastore.TenantCountKey)
		if err != nil {
			return err
		}
		count, err = decodeCount(val)
		return err
	})
	return count, err
}

// ListTenants returns (name, id) pairs in [begin, end), bounded by limit.
func (a *API) ListTenants(ctx context.Context, begin, end string, limit int) (names []string, ids []int64, err error) {
	err = metastore.RunTransaction(ctx, a.store, "listTenants", func(tx *metastore.Transaction) error {
		names, ids = nil, nil
		r := keyspace.NewRange(tenantNameKey(begin), tenantNameKey(end))
		if end == "" {
			r.End = keyspace.PrefixEnd(metastore.TenantNameIndexPrefix)
		}
		kvs, _, err := tx.GetRange(r, limit, false)
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			id, err := decodeID(kv.Value)
			if err != nil {
				return err
			}
			names = append(names, string(kv.Key[len(metastore.TenantNameIndexPrefix):]))
			ids = append(ids, id)
		}
		return nil
	})
	return names, ids, err
}

// ListTenantGroups returns every tenant group and its entry.
func (a *API) ListTenantGroups(ctx context.Context) (map[string]GroupEntry, error) {
	out := map[string]GroupEntry{}
	err := metastore.RunTransaction(ctx, a.store, "listTenantGroups", func(tx *metastore.Transaction) error {
		clear(out)
		kvs, _, err := tx.GetRange(keyspace.PrefixRange(metastore.TenantGroupMapPrefix), 0, false)
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			var ge GroupEntry
			if err := metastore.DecodeJSON(kv.Value, &ge); err != nil {
				return err
			}
			out[string(kv.Key[len(metastore.TenantGroupMapPrefix):])] = ge
		}
		return nil
	})
	return out, err
}

// ListTenantGroupTenants returns the ids of the group's tenants.
func (a *API) ListTenantGroupTenants(ctx context.Context, group string) ([]int64, error) {
	var ids []int64
	err := metastore.RunTransaction(ctx, a.store, "listTenantGroupTenants", func(tx *metastore.Transaction) error {
		ids = nil
		kvs, _, err := tx.GetRange(keyspace.PrefixRange(groupIndexPrefix(group)), 0, false)
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			if len(kv.Key) < 8 {
				continue
			}
			id, err := decodeID([]byte(kv.Key[len(kv.Key)-8:]))
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// SetTenantGroupQuota sets a group's storage quota.
func (a *API) SetTenantGroupQuota(ctx context.Context, group string, quotaBytes int64) error {
	return metastore.RunTransaction(ctx, a.store, "setTenantGroupQuota", func(tx *metastore.Transaction) error {
		_, ok, err := tx.Get(tenantGroupKey(group))
		if err != nil {
			return err
		}
		if !ok {
			return ErrTenantNotFound
		}
		return tx.Set(tenantGroupKey(group), metastore.EncodeJSON(GroupEntry{StorageQuotaBytes: quotaBytes}))
	})
}

// TenantsOverStorageQuota returns the ids of tenants whose group's quota
// is exceeded, given a usage oracle over key ranges.
func (a *API) TenantsOverStorageQuota(ctx context.Context, usage func(r keyspace.KeyRange) int64) ([]int64, error) {
	groups, err := a.ListTenantGroups(ctx)
	if err != nil {
		return nil, err
	}
	var over []int64
	for group, ge := range groups {
		if ge.StorageQuotaBytes <= 0 {
			continue
		}
		ids, err := a.ListTenantGroupTenants(ctx, group)
		if err != nil {
			return nil, err
		}
		var total int64
		for _, id := range ids {
			total += usage(keyspace.PrefixRange(TenantDataPrefix(id)))
		}
		if total > ge.StorageQuotaBytes {
			over = append(over, ids...)
		}
	}
	return over, nil
}
