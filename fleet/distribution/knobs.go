package distribution

import (
	"time"

	"github.com/fleetkv/fleetkv/fleet/util"
)

// Knobs are the distributor tunables. They are loaded once from the
// configuration file and passed into constructors; tests mutate a value
// copy instead of process-wide state.
type Knobs struct {
	// MoveKeysParallelism bounds concurrently executing data moves.
	MoveKeysParallelism int
	// MaxShardsOnLargeTeams bounds over-replicated shards tolerated
	// before they are scheduled for cleanup moves.
	MaxShardsOnLargeTeams int

	// Shard tracker thresholds.
	MaxShardBytes     int64
	MinShardBytes     int64
	ShardTrackInterval time.Duration

	// Audit engine.
	ConcurrentAuditTaskCountMax int
	AuditRetryCountMax          int
	PersistFinishAuditCount     int
	AuditTimeout                time.Duration

	// Storage wiggler.
	StorageWiggleMinAge time.Duration

	// Tenants.
	MaxTenantsPerCluster           int64
	TenantTombstoneCleanupInterval time.Duration

	// Snapshots.
	SnapCreateMaxTimeout                 time.Duration
	SnapMinimumTimeGap                   time.Duration
	MaxStorageSnapshotFaultTolerance     int
	MaxCoordinatorSnapshotFaultTolerance int

	// Physical shards.
	ShardEncodeLocationMetadata bool
	EnableDDPhysicalShard       bool

	// DDEnabledCheckDelay paces polling of the distribution mode byte.
	DDEnabledCheckDelay time.Duration
}

// DefaultKnobs reads knob values from the loaded configuration, falling
// back to the shipped defaults.
func DefaultKnobs() Knobs {
	v := util.GetViper()
	v.SetDefault("distributor.move_keys_parallelism", 50)
	v.SetDefault("distributor.max_shards_on_large_teams", 100)
	v.SetDefault("distributor.max_shard_bytes", 500*1024*1024)
	v.SetDefault("distributor.min_shard_bytes", 50*1024*1024)
	v.SetDefault("distributor.shard_track_interval_seconds", 5)
	v.SetDefault("distributor.concurrent_audit_task_count_max", 100)
	v.SetDefault("distributor.audit_retry_count_max", 30)
	v.SetDefault("distributor.persist_finish_audit_count", 10)
	v.SetDefault("distributor.audit_timeout_seconds", 2)
	v.SetDefault("distributor.storage_wiggle_min_ss_age_seconds", 600)
	v.SetDefault("distributor.max_tenants_per_cluster", 1_000_000)
	v.SetDefault("distributor.tenant_tombstone_cleanup_interval_seconds", 3600)
	v.SetDefault("distributor.snap_create_max_timeout_seconds", 300)
	v.SetDefault("distributor.snap_minimum_time_gap_seconds", 5)
	v.SetDefault("distributor.max_storage_snapshot_fault_tolerance", 1)
	v.SetDefault("distributor.max_coordinator_snapshot_fault_tolerance", 1)
	v.SetDefault("distributor.shard_encode_location_metadata", false)
	v.SetDefault("distributor.enable_dd_physical_shard", false)
	v.SetDefault("distributor.dd_enabled_check_delay_seconds", 1)

	return Knobs{
		MoveKeysParallelism:          v.GetInt("distributor.move_keys_parallelism"),
		MaxShardsOnLargeTeams:        v.GetInt("distributor.max_shards_on_large_teams"),
		MaxShardBytes:                v.GetInt64("distributor.max_shard_bytes"),
		MinShardBytes:                v.GetInt64("distributor.min_shard_bytes"),
		ShardTrackInterval:           time.Duration(v.GetInt("distributor.shard_track_interval_seconds")) * time.Second,
		ConcurrentAuditTaskCountMax:  v.GetInt("distributor.concurrent_audit_task_count_max"),
		AuditRetryCountMax:           v.GetInt("distributor.audit_retry_count_max"),
		PersistFinishAuditCount:      v.GetInt("distributor.persist_finish_audit_count"),
		AuditTimeout:                 time.Duration(v.GetInt("distributor.audit_timeout_seconds")) * time.Second,
		StorageWiggleMinAge:          time.Duration(v.GetInt("distributor.storage_wiggle_min_ss_age_seconds")) * time.Second,
		MaxTenantsPerCluster:         v.GetInt64("distributor.max_tenants_per_cluster"),
		TenantTombstoneCleanupInterval: time.Duration(v.GetInt("distributor.tenant_tombstone_cleanup_interval_seconds")) * time.Second,
		SnapCreateMaxTimeout:         time.Duration(v.GetInt("distributor.snap_create_max_timeout_seconds")) * time.Second,
		SnapMinimumTimeGap:           time.Duration(v.GetInt("distributor.snap_minimum_time_gap_seconds")) * time.Second,
		MaxStorageSnapshotFaultTolerance:     v.GetInt("distributor.max_storage_snapshot_fault_tolerance"),
		MaxCoordinatorSnapshotFaultTolerance: v.GetInt("distributor.max_coordinator_snapshot_fault_tolerance"),
		ShardEncodeLocationMetadata:  v.GetBool("distributor.shard_encode_location_metadata"),
		EnableDDPhysicalShard:        v.GetBool("distributor.enable_dd_physical_shard"),
		DDEnabledCheckDelay:          time.Duration(v.GetInt("distributor.dd_enabled_check_delay_seconds")) * time.Second,
	}
}
