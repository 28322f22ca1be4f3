package distribution

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/metastore"
)

func dataMoveKey(id MoveID) keyspace.Key {
	return metastore.DataMovePrefix + keyspace.Key(id)
}

// StartMoveShards persists a data move and stamps its destination into the
// shard map for every range it covers, in one locked transaction. After
// this commit the move survives distributor restarts.
func StartMoveShards(ctx context.Context, store *metastore.Store, lock MoveKeysLock, ddEnabled bool, move DataMoveMeta) error {
	return metastore.RunTransaction(ctx, store, "startMoveShards", func(tx *metastore.Transaction) error {
		if err := CheckMoveKeysLock(tx, lock, ddEnabled, true); err != nil {
			return err
		}
		for _, r := range move.Ranges {
			spans, err := metastore.RangeMapRead(tx, metastore.KeyServersPrefix, r, 0)
			if err != nil {
				return err
			}
			for _, span := range spans {
				v, err := decodeShardMapValue(span.Value)
				if err != nil {
					return err
				}
				if v.DestID != "" && v.DestID != move.ID {
					return fmt.Errorf("range %v already moving under %s: %w", span.Range, v.DestID, ErrDataMoveCancelled)
				}
				v.PrimaryDest = move.PrimaryDest
				v.RemoteDest = move.RemoteDest
				v.DestID = move.ID
				if err := metastore.RangeMapSet(tx, metastore.KeyServersPrefix, span.Range, metastore.EncodeJSON(v)); err != nil {
					return err
				}
			}
		}
		move.Phase = DataMoveRunning
		return tx.Set(dataMoveKey(move.ID), metastore.EncodeJSON(move))
	})
}

// FinishMoveShards hands ownership of the move's ranges to the destination
// team and tombstones the move row; a background sweep deletes the row.
func FinishMoveShards(ctx context.Context, store *metastore.Store, lock MoveKeysLock, ddEnabled bool, move DataMoveMeta) error {
	return metastore.RunTransaction(ctx, store, "finishMoveShards", func(tx *metastore.Transaction) error {
		if err := CheckMoveKeysLock(tx, lock, ddEnabled, true); err != nil {
			return err
		}
		for _, r := range move.Ranges {
			spans, err := metastore.RangeMapRead(tx, metastore.KeyServersPrefix, r, 0)
			if err != nil {
				return err
			}
			for _, span := range spans {
				v, err := decodeShardMapValue(span.Value)
				if err != nil {
					return err
				}
				if v.DestID != move.ID {
					return fmt.Errorf("range %v not owned by move %s: %w", span.Range, move.ID, ErrDataMoveCancelled)
				}
				v.PrimarySrc = move.PrimaryDest
				v.RemoteSrc = move.RemoteDest
				v.PrimaryDest = nil
				v.RemoteDest = nil
				v.SrcID = move.ID
				v.DestID = ""
				if err := metastore.RangeMapSet(tx, metastore.KeyServersPrefix, span.Range, metastore.EncodeJSON(v)); err != nil {
					return err
				}
			}
		}
		move.Phase = DataMoveDeleting
		return tx.Set(dataMoveKey(move.ID), metastore.EncodeJSON(move))
	})
}

// CancelDataMove strips the move's destination from the shard map and
// tombstones the row.
func CancelDataMove(ctx context.Context, store *metastore.Store, lock MoveKeysLock, ddEnabled bool, id MoveID) error {
	return metastore.RunTransaction(ctx, store, "cancelDataMove", func(tx *metastore.Transaction) error {
		if err := CheckMoveKeysLock(tx, lock, ddEnabled, true); err != nil {
			return err
		}
		val, ok, err := tx.Get(dataMoveKey(id))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		var move DataMoveMeta
		if err := metastore.DecodeJSON(val, &move); err != nil {
			return err
		}
		for _, r := range move.Ranges {
			spans, err := metastore.RangeMapRead(tx, metastore.KeyServersPrefix, r, 0)
			if err != nil {
				return err
			}
			for _, span := range spans {
				v, err := decodeShardMapValue(span.Value)
				if err != nil {
					return err
				}
				if v.DestID != id {
					continue
				}
				v.PrimaryDest = nil
				v.RemoteDest = nil
				v.DestID = ""
				if err := metastore.RangeMapSet(tx, metastore.KeyServersPrefix, span.Range, metastore.EncodeJSON(v)); err != nil {
					return err
				}
			}
		}
		move.Phase = DataMoveDeleting
		return tx.Set(dataMoveKey(id), metastore.EncodeJSON(move))
	})
}

// RemoveKeysFromFailedServer reassigns every shard owned by the failed
// server to the given healthy team before the distributor restarts.
func RemoveKeysFromFailedServer(ctx context.Context, store *metastore.Store, lock MoveKeysLock, ddEnabled bool, failed ServerID, team []ServerID) error {
	return metastore.RunTransaction(ctx, store, "removeKeysFromFailedServer", func(tx *metastore.Transaction) error {
		if err := CheckMoveKeysLock(tx, lock, ddEnabled, true); err != nil {
			return err
		}
		spans, err := metastore.RangeMapRead(tx, metastore.KeyServersPrefix, keyspace.NormalKeys, 0)
		if err != nil {
			return err
		}
		for _, span := range spans {
			v, err := decodeShardMapValue(span.Value)
			if err != nil {
				return err
			}
			owned := false
			for _, s := range v.PrimarySrc {
				if s == failed {
					owned = true
				}
			}
			if !owned {
				continue
			}
			v.PrimarySrc = append([]ServerID(nil), team...)
			if err := metastore.RangeMapSet(tx, metastore.KeyServersPrefix, span.Range, metastore.EncodeJSON(v)); err != nil {
				return err
			}
		}
		if err := tx.Clear(metastore.ServerListPrefix + keyspace.Key(failed)); err != nil {
			return err
		}
		glog.V(0).Infof("drained failed server %s to team %v", failed, team)
		return nil
	})
}

// CleanUpDataMoveTombstones deletes tombstoned move rows. Failures are
// logged and swallowed; the sweep reruns on the next resume.
func CleanUpDataMoveTombstones(ctx context.Context, store *metastore.Store, ids []MoveID) {
	if len(ids) == 0 {
		return
	}
	err := metastore.RunTransaction(ctx, store, "cleanUpDataMoveTombstones", func(tx *metastore.Transaction) error {
		for _, id := range ids {
			if err := tx.Clear(dataMoveKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		glog.Warningf("failed to remove %d data move tombstones: %v", len(ids), err)
		return
	}
	glog.V(2).Infof("removed %d data move tombstones", len(ids))
}
