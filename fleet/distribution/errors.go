package distribution

import (
	"errors"

	"github.com/fleetkv/fleetkv/fleet/metastore"
)

// Expected-control errors unwind the distributor back to the bootstrap
// loop; they are part of normal operation and never fatal.
var (
	ErrMoveKeysConflict  = errors.New("movekeys conflict")
	ErrConfigChanged     = errors.New("data distribution config changed")
	ErrDataMoveCancelled = errors.New("data move cancelled")
	ErrDestTeamNotFound  = errors.New("destination team not found")
	ErrDDDisabled        = errors.New("data distribution disabled")
)

// Client-visible errors are surfaced to the control-plane caller.
var (
	ErrSnapshotInProgress  = errors.New("snapshot already in progress")
	ErrBlobRestoreConflict = errors.New("conflicting blob restore")
	ErrNotImplemented      = errors.New("not implemented")
)

// Fatal wraps an error that must kill the distributor so the cluster
// controller respawns a fresh instance.
type Fatal struct {
	Err error
}

func (f Fatal) Error() string { return "fatal: " + f.Err.Error() }
func (f Fatal) Unwrap() error { return f.Err }

// IsExpectedControlError reports whether err should restart the bootstrap
// loop rather than propagate.
func IsExpectedControlError(err error) bool {
	return errors.Is(err, ErrMoveKeysConflict) ||
		errors.Is(err, ErrConfigChanged) ||
		errors.Is(err, ErrDataMoveCancelled) ||
		errors.Is(err, ErrDestTeamNotFound)
}

// IsTransient reports whether err is a transient store error the caller's
// transaction loop will absorb.
func IsTransient(err error) bool {
	return metastore.IsRetryable(err)
}
