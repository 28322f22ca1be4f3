package audit

import (
	"context"
	"errors"
	"sort"

	"github.com/golang/glog"

	"github.com/fleetkv/fleetkv/fleet/distribution"
	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/metastore"
)

// clearProgress removes every progress record of the audit, both range and
// server based, inside tx.
func clearProgress(tx *metastore.Transaction, t Type, id ID) error {
	if err := tx.ClearRange(keyspace.PrefixRange(rangeProgressPrefix(t, id))); err != nil {
		return err
	}
	allServers := metastore.AuditServerProgressPrefix + keyspace.Key(t) + "/" + keyspace.Uint64Key(uint64(id)) + "/"
	return tx.ClearRange(keyspace.PrefixRange(allServers))
}

// PersistNewAuditState allocates the next audit id in the type's keyspace
// and persists the Running row, holding the move-keys lock. On a retry
// after an unknown commit it detects its own surviving row and returns the
// id instead of allocating again.
func PersistNewAuditState(ctx context.Context, store *metastore.Store, state State, lock distribution.MoveKeysLock, ddEnabled bool) (ID, error) {
	var auditID ID
	err := metastore.RunTransaction(ctx, store, "persistNewAuditState", func(tx *metastore.Transaction) error {
		if err := distribution.CheckMoveKeysLock(tx, lock, ddEnabled, true); err != nil {
			return err
		}
		kvs, _, err := tx.GetRange(keyspace.PrefixRange(auditTypePrefix(state.Type)), 1, true)
		if err != nil {
			return err
		}
		nextID := ID(1)
		if len(kvs) > 0 {
			latest, err := decodeState(kvs[0].Value)
			if err != nil {
				return err
			}
			if auditID != 0 {
				// A previous attempt may have committed.
				if latest.ID == auditID {
					return nil
				}
			}
			nextID = latest.ID + 1
		}
		auditID = nextID
		state.ID = auditID
		state.Phase = PhaseRunning
		return tx.Set(auditKey(state.Type, auditID), metastore.EncodeJSON(state))
	})
	if err != nil {
		if errors.Is(err, distribution.ErrMoveKeysConflict) || ctx.Err() != nil {
			return 0, err
		}
		return 0, ErrPersistNewAuditMetadata
	}
	glog.V(1).Infof("persisted new audit %s/%d over %v", state.Type, auditID, state.Range)
	return auditID, nil
}

// PersistAuditState writes a final audit phase. Complete clears the
// progress records in the same transaction; Error and Failed retain them
// for post-mortem. A row that is gone or already Failed means the audit
// was cancelled underneath us.
func PersistAuditState(ctx context.Context, store *metastore.Store, state State, lock distribution.MoveKeysLock, ddEnabled bool) error {
	if state.Phase != PhaseComplete && state.Phase != PhaseFailed && state.Phase != PhaseError {
		return ErrAuditFailed
	}
	return metastore.RunTransaction(ctx, store, "persistAuditState", func(tx *metastore.Transaction) error {
		if err := distribution.CheckMoveKeysLock(tx, lock, ddEnabled, true); err != nil {
			return err
		}
		if state.Phase == PhaseComplete {
			if err := clearProgress(tx, state.Type, state.ID); err != nil {
				return err
			}
		}
		val, ok, err := tx.Get(auditKey(state.Type, state.ID))
		if err != nil {
			return err
		}
		if !ok {
			return ErrAuditCancelled
		}
		current, err := decodeState(val)
		if err != nil {
			return err
		}
		if current.Phase == PhaseFailed {
			return ErrAuditCancelled
		}
		return tx.Set(auditKey(state.Type, state.ID), metastore.EncodeJSON(state))
	})
}

// GetAuditState reads one audit row.
func GetAuditState(ctx context.Context, store *metastore.Store, t Type, id ID) (State, error) {
	var state State
	found := false
	err := metastore.RunTransaction(ctx, store, "getAuditState", func(tx *metastore.Transaction) error {
		val, ok, err := tx.Get(auditKey(t, id))
		if err != nil {
			return err
		}
		found = ok
		if ok {
			state, err = decodeState(val)
			return err
		}
		return nil
	})
	if err != nil {
		return state, err
	}
	if !found {
		return state, ErrAuditFailed
	}
	return state, nil
}

// GetAuditStates lists audits of a type, newest first when newFirst is
// set, bounded by num (0 for all).
func GetAuditStates(ctx context.Context, store *metastore.Store, t Type, newFirst bool, num int) ([]State, error) {
	var states []State
	err := metastore.RunTransaction(ctx, store, "getAuditStates", func(tx *metastore.Transaction) error {
		states = nil
		kvs, _, err := tx.GetRange(keyspace.PrefixRange(auditTypePrefix(t)), num, newFirst)
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			s, err := decodeState(kv.Value)
			if err != nil {
				return err
			}
			states = append(states, s)
		}
		return nil
	})
	return states, err
}

// CancelAuditMetadata transactionally flips the row to Failed and clears
// its progress records.
func CancelAuditMetadata(ctx context.Context, store *metastore.Store, t Type, id ID) error {
	return metastore.RunTransaction(ctx, store, "cancelAuditMetadata", func(tx *metastore.Transaction) error {
		val, ok, err := tx.Get(auditKey(t, id))
		if err != nil {
			return err
		}
		if !ok {
			return ErrAuditFailed
		}
		state, err := decodeState(val)
		if err != nil {
			return err
		}
		state.Phase = PhaseFailed
		if err := tx.Set(auditKey(t, id), metastore.EncodeJSON(state)); err != nil {
			return err
		}
		return clearProgress(tx, t, id)
	})
}

// PersistProgressByRange records one audited span for a range-based audit.
// A progress write from a stale distributor generation fails; a write
// after the audit completed is silently dropped.
func PersistProgressByRange(ctx context.Context, store *metastore.Store, state State, progress ProgressState, r keyspace.KeyRange) error {
	return metastore.RunTransaction(ctx, store, "persistProgressByRange", func(tx *metastore.Transaction) error {
		val, ok, err := tx.Get(auditKey(state.Type, state.ID))
		if err != nil {
			return err
		}
		if !ok {
			return ErrAuditCancelled
		}
		row, err := decodeState(val)
		if err != nil {
			return err
		}
		if row.DDID != progress.DDID {
			return ErrAuditFailed
		}
		if row.Phase == PhaseComplete {
			return nil
		}
		if row.Phase == PhaseFailed {
			return ErrAuditCancelled
		}
		return metastore.RangeMapSet(tx, rangeProgressPrefix(state.Type, state.ID), r, metastore.EncodeJSON(progress))
	})
}

// PersistProgressByServer records one audited span of one server for the
// per-server shard-map audit.
func PersistProgressByServer(ctx context.Context, store *metastore.Store, state State, server distribution.ServerID, progress ProgressState, r keyspace.KeyRange) error {
	return metastore.RunTransaction(ctx, store, "persistProgressByServer", func(tx *metastore.Transaction) error {
		val, ok, err := tx.Get(auditKey(state.Type, state.ID))
		if err != nil {
			return err
		}
		if !ok {
			return ErrAuditCancelled
		}
		row, err := decodeState(val)
		if err != nil {
			return err
		}
		if row.DDID != progress.DDID {
			return ErrAuditFailed
		}
		if row.Phase == PhaseComplete {
			return nil
		}
		if row.Phase == PhaseFailed {
			return ErrAuditCancelled
		}
		return metastore.RangeMapSet(tx, serverProgressPrefix(state.Type, state.ID, server), r, metastore.EncodeJSON(progress))
	})
}

// RangeProgress is one span of audit progress.
type RangeProgress struct {
	Range keyspace.KeyRange
	Phase Phase
	Error string
}

func decodeProgressSpans(spans []metastore.RangeValue, r keyspace.KeyRange) ([]RangeProgress, error) {
	var out []RangeProgress
	cursor := r.Begin
	for _, span := range spans {
		if span.Range.Begin > cursor {
			out = append(out, RangeProgress{Range: keyspace.KeyRange{Begin: cursor, End: span.Range.Begin}, Phase: PhaseInvalid})
		}
		p := RangeProgress{Range: span.Range, Phase: PhaseInvalid}
		if len(span.Value) > 0 {
			var ps ProgressState
			if err := metastore.DecodeJSON(span.Value, &ps); err != nil {
				return nil, err
			}
			if ps.Phase != "" {
				p.Phase = ps.Phase
			}
			p.Error = ps.Error
		}
		out = append(out, p)
		cursor = span.Range.End
	}
	if cursor < r.End {
		out = append(out, RangeProgress{Range: keyspace.KeyRange{Begin: cursor, End: r.End}, Phase: PhaseInvalid})
	}
	return out, nil
}

// GetAuditStateByRange reads the persisted per-range progress over r;
// spans never audited come back as Invalid.
func GetAuditStateByRange(ctx context.Context, store *metastore.Store, t Type, id ID, r keyspace.KeyRange) ([]RangeProgress, error) {
	var out []RangeProgress
	err := metastore.RunTransaction(ctx, store, "getAuditStateByRange", func(tx *metastore.Transaction) error {
		spans, err := metastore.RangeMapRead(tx, rangeProgressPrefix(t, id), r, 0)
		if err != nil {
			return err
		}
		out, err = decodeProgressSpans(spans, r)
		return err
	})
	return out, err
}

// GetAuditStateByServer reads one server's persisted progress over r.
func GetAuditStateByServer(ctx context.Context, store *metastore.Store, t Type, id ID, server distribution.ServerID, r keyspace.KeyRange) ([]RangeProgress, error) {
	var out []RangeProgress
	err := metastore.RunTransaction(ctx, store, "getAuditStateByServer", func(tx *metastore.Transaction) error {
		spans, err := metastore.RangeMapRead(tx, serverProgressPrefix(t, id, server), r, 0)
		if err != nil {
			return err
		}
		out, err = decodeProgressSpans(spans, r)
		return err
	})
	return out, err
}

// CheckAuditProgressComplete re-reads the persisted progress and reports
// whether the whole audit range has been covered.
func CheckAuditProgressComplete(ctx context.Context, store *metastore.Store, t Type, id ID, r keyspace.KeyRange) (bool, error) {
	progress, err := GetAuditStateByRange(ctx, store, t, id, r)
	if err != nil {
		return false, err
	}
	for _, p := range progress {
		if p.Phase == PhaseInvalid {
			glog.Warningf("audit %s/%d progress incomplete at %v", t, id, p.Range)
			return false, nil
		}
	}
	return true, nil
}

// InitAuditMetadata loads RUNNING audit rows to resume, claims them for
// this distributor, and sweeps finished rows beyond the kept generations.
// Failed rows also drop their progress records; Complete rows cleared
// theirs when they completed.
func InitAuditMetadata(ctx context.Context, store *metastore.Store, lock distribution.MoveKeysLock, ddEnabled bool, ddId string, persistFinishAuditCount int) ([]State, error) {
	var toResume []State
	err := metastore.RunTransaction(ctx, store, "initAuditMetadata", func(tx *metastore.Transaction) error {
		toResume = nil
		if err := distribution.CheckMoveKeysLock(tx, lock, ddEnabled, true); err != nil {
			return err
		}
		kvs, more, err := tx.GetRange(keyspace.PrefixRange(metastore.AuditPrefix), 0, false)
		if err != nil {
			return err
		}
		if more {
			glog.Warningf("audit metadata scan truncated")
		}

		byType := map[Type][]State{}
		for _, kv := range kvs {
			state, err := decodeState(kv.Value)
			if err != nil {
				return err
			}
			if state.Phase == PhaseRunning {
				claimed := state
				claimed.DDID = ddId
				if err := tx.Set(auditKey(claimed.Type, claimed.ID), metastore.EncodeJSON(claimed)); err != nil {
					return err
				}
			}
			byType[state.Type] = append(byType[state.Type], state)
		}

		for t, states := range byType {
			finished := 0
			for _, s := range states {
				if s.Phase == PhaseComplete || s.Phase == PhaseFailed {
					finished++
				}
			}
			toClear := finished - persistFinishAuditCount
			cleared := 0
			sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
			for _, s := range states {
				switch s.Phase {
				case PhaseFailed:
					if cleared < toClear {
						if err := tx.Clear(auditKey(t, s.ID)); err != nil {
							return err
						}
						if err := clearProgress(tx, t, s.ID); err != nil {
							return err
						}
						cleared++
					}
				case PhaseComplete:
					if cleared < toClear {
						if err := tx.Clear(auditKey(t, s.ID)); err != nil {
							return err
						}
						cleared++
					}
				case PhaseRunning:
					resumed := s
					resumed.DDID = ddId
					toResume = append(toResume, resumed)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(toResume, func(i, j int) bool {
		if toResume[i].Type != toResume[j].Type {
			return toResume[i].Type < toResume[j].Type
		}
		return toResume[i].ID < toResume[j].ID
	})
	return toResume, nil
}

// ClearAuditMetadataForType keeps the latest persistFinishAuditCount
// finished audits below currentID, deleting the rest. Best effort; the
// next restart's InitAuditMetadata repeats the sweep.
func ClearAuditMetadataForType(ctx context.Context, store *metastore.Store, t Type, currentID ID, persistFinishAuditCount int) {
	err := metastore.RunTransaction(ctx, store, "clearAuditMetadataForType", func(tx *metastore.Transaction) error {
		kvs, _, err := tx.GetRange(keyspace.PrefixRange(auditTypePrefix(t)), 0, false)
		if err != nil {
			return err
		}
		var finished []State
		for _, kv := range kvs {
			s, err := decodeState(kv.Value)
			if err != nil {
				return err
			}
			if s.ID >= currentID {
				continue
			}
			if s.Phase == PhaseComplete || s.Phase == PhaseFailed {
				finished = append(finished, s)
			}
		}
		toClear := len(finished) - persistFinishAuditCount
		sort.Slice(finished, func(i, j int) bool { return finished[i].ID < finished[j].ID })
		for i := 0; i < toClear; i++ {
			s := finished[i]
			if err := tx.Clear(auditKey(t, s.ID)); err != nil {
				return err
			}
			if s.Phase == PhaseFailed {
				if err := clearProgress(tx, t, s.ID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		glog.V(1).Infof("clearing finished audits of type %s: %v", t, err)
	}
}
