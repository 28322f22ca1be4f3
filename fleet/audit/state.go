// Package audit implements the audit storage engine: concurrent,
// retryable, persisted background jobs that verify replica consistency,
// high-availability placement, location metadata, and per-server shard
// maps across arbitrary key ranges.
package audit

import (
	"errors"
	"fmt"

	"github.com/fleetkv/fleetkv/fleet/distribution"
	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/metastore"
)

// Type selects what an audit verifies.
type Type string

const (
	TypeValidateHA                 Type = "ha"
	TypeValidateReplica            Type = "replica"
	TypeValidateLocationMetadata   Type = "locationMetadata"
	TypeValidateStorageServerShard Type = "ssshard"
)

func AllTypes() []Type {
	return []Type{TypeValidateHA, TypeValidateReplica, TypeValidateLocationMetadata, TypeValidateStorageServerShard}
}

func ValidType(t Type) bool {
	switch t {
	case TypeValidateHA, TypeValidateReplica, TypeValidateLocationMetadata, TypeValidateStorageServerShard:
		return true
	}
	return false
}

// IsRangeBased reports whether progress for t is tracked per range rather
// than per server.
func (t Type) IsRangeBased() bool {
	return t != TypeValidateStorageServerShard
}

// Phase is an audit's lifecycle phase. Progress records reuse the same
// values, where Invalid marks a span not yet audited.
type Phase string

const (
	PhaseInvalid  Phase = "invalid"
	PhaseRunning  Phase = "running"
	PhaseComplete Phase = "complete"
	PhaseError    Phase = "error"
	PhaseFailed   Phase = "failed"
)

// ID numbers audits within one type, ascending from 1.
type ID uint64

// State is the persisted audit row.
type State struct {
	ID    ID                `json:"id"`
	Type  Type              `json:"type"`
	Range keyspace.KeyRange `json:"range"`
	Phase Phase             `json:"phase"`
	DDID  string            `json:"ddId"`
	Error string            `json:"error,omitempty"`
}

func (s State) String() string {
	return fmt.Sprintf("Audit{%s/%d %v phase=%s dd=%s}", s.Type, s.ID, s.Range, s.Phase, s.DDID)
}

// ProgressState is one persisted progress record: the phase of one audited
// span, stamped with the auditing distributor.
type ProgressState struct {
	Phase Phase  `json:"phase"`
	DDID  string `json:"ddId"`
	Error string `json:"error,omitempty"`
}

func auditTypePrefix(t Type) keyspace.Key {
	return metastore.AuditPrefix + keyspace.Key(t) + "/"
}

func auditKey(t Type, id ID) keyspace.Key {
	return auditTypePrefix(t) + keyspace.Uint64Key(uint64(id))
}

func rangeProgressPrefix(t Type, id ID) keyspace.Key {
	return metastore.AuditRangeProgressPrefix + keyspace.Key(t) + "/" + keyspace.Uint64Key(uint64(id)) + "/"
}

func serverProgressPrefix(t Type, id ID, server distribution.ServerID) keyspace.Key {
	return metastore.AuditServerProgressPrefix + keyspace.Key(t) + "/" + keyspace.Uint64Key(uint64(id)) + "/" + keyspace.Key(server) + "/"
}

func decodeState(data []byte) (State, error) {
	var s State
	if err := metastore.DecodeJSON(data, &s); err != nil {
		return s, fmt.Errorf("decode audit state: %w", err)
	}
	return s, nil
}

// Context records how a live audit came to exist.
type Context string

const (
	ContextLaunch Context = "launch"
	ContextResume Context = "resume"
	ContextRetry  Context = "retry"
)

// Errors of the audit subsystem.
var (
	// ErrAuditError means a storage server found an actual inconsistency.
	ErrAuditError = errors.New("audit storage error")
	// ErrAuditFailed means the audit machinery itself gave up.
	ErrAuditFailed = errors.New("audit storage failed")
	// ErrAuditCancelled means the audit was cancelled under the task.
	ErrAuditCancelled = errors.New("audit storage cancelled")
	// ErrExceededRequestLimit rejects a second concurrent audit per type.
	ErrExceededRequestLimit = errors.New("audit storage exceeded request limit")
	// ErrPersistNewAuditMetadata means the new audit row may not exist.
	ErrPersistNewAuditMetadata = errors.New("persist new audit metadata error")
	// errRetry restarts dispatch inside the audit core.
	errRetry = errors.New("audit retry")
)
