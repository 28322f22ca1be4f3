package distribution

import (
	"context"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/fleetkv/fleetkv/fleet/metastore"
)

// MoveKeysLock is the two-key singleton lock that admits exactly one
// distributor instance to mutate the shard map, the data-move range, and
// the audit metadata. Owner identifies the holder; Write is a token
// refreshed on every locked mutation so a displaced holder notices the
// takeover on its next write.
type MoveKeysLock struct {
	PrevOwner string
	PrevWrite string
	MyOwner   string
}

// TakeMoveKeysLock reads the current owner and write token and claims the
// lock for a fresh owner id. The claim itself lands with the first
// CheckMoveKeysLock write.
func TakeMoveKeysLock(ctx context.Context, store *metastore.Store, ddId string) (MoveKeysLock, error) {
	var lock MoveKeysLock
	err := metastore.RunTransaction(ctx, store, "takeMoveKeysLock", func(tx *metastore.Transaction) error {
		lock = MoveKeysLock{}
		ownerVal, ok, err := tx.Get(metastore.MoveKeysLockOwnerKey)
		if err != nil {
			return err
		}
		if ok {
			lock.PrevOwner = string(ownerVal)
		}
		writeVal, ok, err := tx.Get(metastore.MoveKeysLockWriteKey)
		if err != nil {
			return err
		}
		if ok {
			lock.PrevWrite = string(writeVal)
		}
		lock.MyOwner = ddId
		// Reading with a conflict range is enough: the claim is written by
		// the first locked mutation, and any concurrent claimant conflicts
		// here first.
		return nil
	})
	if err != nil {
		return MoveKeysLock{}, err
	}
	glog.V(0).Infof("distributor %s observed move-keys lock owner=%q", ddId, lock.PrevOwner)
	return lock, nil
}

// CheckMoveKeysLock verifies within tx that this instance still holds (or
// may now take) the move-keys lock, and when isWrite is set, stamps the
// owner and a fresh write token. Every transaction that mutates locked
// state must call this first.
func CheckMoveKeysLock(tx *metastore.Transaction, lock MoveKeysLock, ddEnabled bool, isWrite bool) error {
	if !ddEnabled {
		glog.V(3).Infof("move-keys lock check rejected: distribution disabled in memory")
		return ErrMoveKeysConflict
	}
	ownerVal, _, err := tx.Get(metastore.MoveKeysLockOwnerKey)
	if err != nil {
		return err
	}
	currentOwner := string(ownerVal)

	switch currentOwner {
	case lock.PrevOwner:
		// Check that the previous owner has not touched the lock since we
		// read it.
		writeVal, _, err := tx.Get(metastore.MoveKeysLockWriteKey)
		if err != nil {
			return err
		}
		if string(writeVal) != lock.PrevWrite {
			glog.V(1).Infof("move-keys lock conflict with previous owner %q", lock.PrevOwner)
			return ErrMoveKeysConflict
		}
		if isWrite {
			if err := tx.Set(metastore.MoveKeysLockOwnerKey, []byte(lock.MyOwner)); err != nil {
				return err
			}
			writer := uuid.NewString()
			if err := tx.Set(metastore.MoveKeysLockWriteKey, []byte(writer)); err != nil {
				return err
			}
			glog.V(2).Infof("move-keys lock taken: owner %q -> %q writer %q", lock.PrevOwner, lock.MyOwner, writer)
		}
		return nil
	case lock.MyOwner:
		if isWrite {
			// Touch the write token so overlapping takeover attempts keyed
			// on the old token fail.
			if err := tx.Set(metastore.MoveKeysLockWriteKey, []byte(uuid.NewString())); err != nil {
				return err
			}
		}
		return nil
	default:
		glog.V(1).Infof("move-keys lock conflict: current owner %q, prev %q, me %q",
			currentOwner, lock.PrevOwner, lock.MyOwner)
		return ErrMoveKeysConflict
	}
}

// CheckMoveKeysLockReadOnly verifies the lock without touching it.
func CheckMoveKeysLockReadOnly(tx *metastore.Transaction, lock MoveKeysLock, ddEnabled bool) error {
	return CheckMoveKeysLock(tx, lock, ddEnabled, false)
}

// ReadDistributionMode returns the persisted dd-mode byte, defaulting to
// enabled when unset.
func ReadDistributionMode(tx *metastore.Transaction) (byte, error) {
	val, ok, err := tx.Get(metastore.DataDistributionModeKey)
	if err != nil {
		return 0, err
	}
	if !ok || len(val) == 0 {
		return metastore.DDModeEnabled, nil
	}
	return val[0], nil
}

// SetDistributionMode persists the dd-mode byte.
func SetDistributionMode(ctx context.Context, store *metastore.Store, mode byte) error {
	return metastore.RunTransaction(ctx, store, "setDistributionMode", func(tx *metastore.Transaction) error {
		return tx.Set(metastore.DataDistributionModeKey, []byte{mode})
	})
}
