package distribution

import (
	"context"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
)

// AuditStorageRequest asks one storage server to run a consistency check.
// TargetServers are the replicas the executor compares itself against.
type AuditStorageRequest struct {
	AuditID       uint64         `json:"auditId"`
	AuditType     string         `json:"auditType"`
	Range         keyspace.KeyRange `json:"range"`
	TargetServers []ServerID     `json:"targetServers,omitempty"`
	DDID          string         `json:"ddId"`
}

// SnapshotRole selects which process class a snapshot request addresses.
type SnapshotRole string

const (
	SnapRoleStorage     SnapshotRole = "storage"
	SnapRoleTLog        SnapshotRole = "tlog"
	SnapRoleCoordinator SnapshotRole = "coordinator"
)

// StorageClient is how the distributor talks to the storage fleet. The
// production implementation speaks the cluster wire protocol; tests plug
// in fakes.
type StorageClient interface {
	// AuditStorage runs one audit task on the executor server. A nil error
	// means the task completed clean; the audit engine distinguishes
	// corruption findings from task failures via error identity.
	AuditStorage(ctx context.Context, server ServerID, req AuditStorageRequest) error

	// FetchKeys tells the destination server to pull r from the sources.
	FetchKeys(ctx context.Context, server ServerID, r keyspace.KeyRange, sources []ServerID) error

	// Snapshot asks one process to take a local snapshot for uid.
	Snapshot(ctx context.Context, role SnapshotRole, address string, uid string, payload string) error

	// TLogAddresses and CoordinatorAddresses enumerate the non-storage
	// processes a cluster snapshot must cover.
	TLogAddresses(ctx context.Context) ([]string, error)
	CoordinatorAddresses(ctx context.Context) ([]string, error)
}
