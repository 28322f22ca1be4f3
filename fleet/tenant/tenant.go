// Package tenant implements the transactional tenant lifecycle: create,
// delete, configure, rename, and lock logical tenants, correct under
// concurrent mutators on a standalone cluster or either tier of a
// metacluster.
package tenant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/metastore"
)

// LockState is a tenant's access state.
type LockState string

const (
	LockStateUnlocked LockState = "unlocked"
	LockStateReadOnly LockState = "readOnly"
	LockStateLocked   LockState = "locked"
)

// ClusterType distinguishes a standalone cluster from the tiers of a
// metacluster.
type ClusterType string

const (
	ClusterStandalone            ClusterType = "standalone"
	ClusterManagementOfMetacluster ClusterType = "metaclusterManagement"
	ClusterDataOfMetacluster     ClusterType = "metaclusterData"
)

// Mode gates whether tenants may be used on a standalone cluster.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeOptional Mode = "optional"
	ModeRequired Mode = "required"
)

// InvalidID marks an unassigned tenant id.
const InvalidID int64 = -1

// MapEntry is the persisted tenant record.
type MapEntry struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	TenantGroup string    `json:"tenantGroup,omitempty"`
	LockState   LockState `json:"lockState"`
	LockID      string    `json:"lockId,omitempty"`
	// ConfigurationSequenceNum orders configuration changes driven from a
	// management cluster.
	ConfigurationSequenceNum int64 `json:"configurationSequenceNum"`
}

// Prefix returns the tenant's byte prefix in the user keyspace.
func (e MapEntry) Prefix() keyspace.Key {
	return TenantDataPrefix(e.ID)
}

// TenantDataPrefix is \x02 followed by the big-endian id, so tenant data
// ranges sort by id.
func TenantDataPrefix(id int64) keyspace.Key {
	return "\x02" + keyspace.Uint64Key(uint64(id))
}

// GroupEntry is the persisted tenant-group record.
type GroupEntry struct {
	// StorageQuotaBytes caps the bytes the group's tenants may hold; zero
	// means unlimited.
	StorageQuotaBytes int64 `json:"storageQuotaBytes,omitempty"`
}

// TombstoneCleanupData is the watermark state for tombstone expiry.
type TombstoneCleanupData struct {
	TombstonesErasedThrough int64 `json:"tombstonesErasedThrough"`
	NextTombstoneEraseID    int64 `json:"nextTombstoneEraseId"`
	NextTombstoneEraseUnix  int64 `json:"nextTombstoneEraseUnix"`
}

// GetTenantIDPrefix extracts the cluster-assigned high 16 bits of an id.
func GetTenantIDPrefix(id int64) int64 {
	return id >> 48
}

// ComputeNextTenantID advances the allocator, keeping the prefix bits.
func ComputeNextTenantID(lastID int64, delta int64) int64 {
	return lastID + delta
}

// Client-visible tenant errors.
var (
	ErrTenantAlreadyExists      = errors.New("tenant already exists")
	ErrTenantNotFound           = errors.New("tenant not found")
	ErrTenantNotEmpty           = errors.New("tenant not empty")
	ErrTenantLocked             = errors.New("tenant locked")
	ErrInvalidTenantName        = errors.New("invalid tenant name")
	ErrInvalidTenantGroupName   = errors.New("invalid tenant group name")
	ErrClusterNoCapacity        = errors.New("cluster no capacity")
	ErrTenantsDisabled          = errors.New("tenants disabled")
	ErrInvalidMetaclusterOperation = errors.New("invalid metacluster operation")
	ErrPrefixAllocatorConflict  = errors.New("tenant prefix allocator conflict")
	ErrCreationBlocked          = errors.New("tenant creation blocked by tombstone")
	ErrCreationPermanentlyFailed = errors.New("tenant creation permanently failed")
)

// IsClientError reports whether err is one of the client-visible tenant
// errors.
func IsClientError(err error) bool {
	for _, e := range []error{
		ErrTenantAlreadyExists, ErrTenantNotFound, ErrTenantNotEmpty, ErrTenantLocked,
		ErrInvalidTenantName, ErrInvalidTenantGroupName, ErrClusterNoCapacity, ErrTenantsDisabled,
		ErrInvalidMetaclusterOperation, ErrPrefixAllocatorConflict, ErrCreationBlocked,
		ErrCreationPermanentlyFailed,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func tenantMapKey(id int64) keyspace.Key {
	return metastore.TenantMapPrefix + keyspace.Uint64Key(uint64(id))
}

func tenantNameKey(name string) keyspace.Key {
	return metastore.TenantNameIndexPrefix + keyspace.Key(name)
}

func tenantGroupKey(group string) keyspace.Key {
	return metastore.TenantGroupMapPrefix + keyspace.Key(group)
}

// encodeTupleString escapes embedded zero bytes and terminates, so the
// (group, name, id) index keys keep distinct components distinct.
func encodeTupleString(s string) keyspace.Key {
	return keyspace.Key(strings.ReplaceAll(s, "\x00", "\x00\xff")) + "\x00"
}

func groupIndexKey(group, name string, id int64) keyspace.Key {
	return metastore.TenantGroupIndexPrefix + encodeTupleString(group) + encodeTupleString(name) + keyspace.Uint64Key(uint64(id))
}

func groupIndexPrefix(group string) keyspace.Key {
	return metastore.TenantGroupIndexPrefix + encodeTupleString(group)
}

func tombstoneKey(id int64) keyspace.Key {
	return metastore.TenantTombstonePrefix + keyspace.Uint64Key(uint64(id))
}

func decodeEntry(data []byte) (MapEntry, error) {
	var e MapEntry
	if err := metastore.DecodeJSON(data, &e); err != nil {
		return e, fmt.Errorf("decode tenant entry: %w", err)
	}
	return e, nil
}

func encodeID(id int64) []byte {
	return []byte(keyspace.Uint64Key(uint64(id)))
}

func decodeID(data []byte) (int64, error) {
	u, err := keyspace.DecodeUint64Key(keyspace.Key(data))
	if err != nil {
		return 0, err
	}
	return int64(u), nil
}
