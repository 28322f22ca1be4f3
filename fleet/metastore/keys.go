package metastore

import (
	"encoding/json"
	"fmt"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
)

// Layout of the system metadata keyspace. Every durable piece of
// distributor state lives under one of these prefixes.
const (
	sys = keyspace.SystemPrefix

	DataDistributionModeKey = sys + "/dataDistributionMode"
	MoveKeysLockOwnerKey    = sys + "/moveKeysLock/Owner"
	MoveKeysLockWriteKey    = sys + "/moveKeysLock/Write"
	WriteRecoveryKey        = sys + "/writeRecovery"

	KeyServersPrefix = sys + "/keyServers/"
	DataMovePrefix   = sys + "/dataMoves/"
	ServerListPrefix = sys + "/serverList/"

	AuditPrefix              = sys + "/audits/"
	AuditRangeProgressPrefix = sys + "/auditRanges/"
	AuditServerProgressPrefix = sys + "/auditServers/"

	StorageWiggleStatsPrefix = sys + "/storageWiggleStats/"

	UserRangeConfigPrefix = sys + "/rangeConfig/"

	TenantMapPrefix         = sys + "/tenant/map/"
	TenantNameIndexPrefix   = sys + "/tenant/nameIndex/"
	TenantGroupMapPrefix    = sys + "/tenant/groupMap/"
	TenantGroupIndexPrefix  = sys + "/tenant/groupIndex/"
	TenantTombstonePrefix   = sys + "/tenant/tombstones/"
	TenantLastIdKey         = sys + "/tenant/lastId"
	TenantIdPrefixKey       = sys + "/tenant/idPrefix"
	TenantCountKey          = sys + "/tenant/count"
	TenantModeKey           = sys + "/tenant/mode"
	TenantLastModificationKey = sys + "/tenant/lastModification"
	TenantTombstoneCleanupKey = sys + "/tenant/tombstoneCleanup"

	ClusterTypeKey          = sys + "/clusterType"
	DatabaseConfigKey       = sys + "/conf/database"
)

// Data distribution mode byte values.
const (
	DDModeDisabled byte = 0
	DDModeEnabled  byte = 1
	DDModeSecurity byte = 2
)

// EncodeJSON marshals a metadata value. Values in the system keyspace are
// JSON so they stay debuggable from the CLI tooling.
func EncodeJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encode system value: %v", err))
	}
	return b
}

func DecodeJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
