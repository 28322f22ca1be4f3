// Package distribution implements the data distributor: the singleton
// control-plane component that decides where each range of keys lives
// across the storage fleet and executes the moves required to get there.
package distribution

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
)

// ServerID identifies a storage server process.
type ServerID string

// MoveID identifies a persisted data move. AnonymousMoveID marks legacy
// in-flight moves that carry no persisted metadata; such shards are
// re-relocated from scratch instead of resumed.
type MoveID string

const AnonymousMoveID MoveID = "anonymous"

// StoreType is the storage engine kind a server runs.
type StoreType string

const (
	StoreTypeSSDBTreeV2 StoreType = "ssd-btree-v2"
	StoreTypeMemory     StoreType = "memory"
	StoreTypeRocksDB    StoreType = "ssd-rocksdb-v1"
	StoreTypeShardedRocksDB StoreType = "ssd-sharded-rocksdb"
)

// StorageServerMeta is the distributor's view of one storage server.
type StorageServerMeta struct {
	ID      ServerID `json:"id"`
	Address string   `json:"address"`

	// Fault domain tags.
	DataCenter string `json:"dataCenter"`
	Zone       string `json:"zone"`
	Machine    string `json:"machine"`

	StoreType StoreType `json:"storeType"`
	// CreatedUnix is when the server first joined, in unix seconds.
	CreatedUnix int64 `json:"createdUnix"`
	// WrongConfigured marks a server whose engine or locality disagrees
	// with the database configuration; the wiggler replaces these first.
	WrongConfigured bool `json:"wrongConfigured,omitempty"`
	// Excluded servers receive no new shards and are drained.
	Excluded bool `json:"excluded,omitempty"`
	// Failed servers are treated as permanently gone.
	Failed bool `json:"failed,omitempty"`
}

func (m StorageServerMeta) Healthy() bool {
	return !m.Excluded && !m.Failed
}

// Team is one replica group: exactly storageTeamSize servers, one per
// fault domain, within a single region.
type Team struct {
	Servers []ServerID `json:"servers"`
	Primary bool       `json:"primary"`
}

func (t Team) String() string {
	return fmt.Sprintf("Team{primary=%v servers=%v}", t.Primary, t.Servers)
}

func (t Team) Contains(id ServerID) bool {
	for _, s := range t.Servers {
		if s == id {
			return true
		}
	}
	return false
}

func sameServers(a, b []ServerID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShardInfo is one shard of the initial distribution: the range starting
// at Key, its current owners, and any in-flight destination.
type ShardInfo struct {
	Key        keyspace.Key
	PrimarySrc []ServerID
	RemoteSrc  []ServerID
	PrimaryDest []ServerID
	RemoteDest  []ServerID
	SrcID      MoveID
	DestID     MoveID
	HasDest    bool
}

// ShardMapValue is the persisted shard-map entry for a boundary in the
// key-servers range map.
type ShardMapValue struct {
	PrimarySrc  []ServerID `json:"primarySrc"`
	RemoteSrc   []ServerID `json:"remoteSrc,omitempty"`
	PrimaryDest []ServerID `json:"primaryDest,omitempty"`
	RemoteDest  []ServerID `json:"remoteDest,omitempty"`
	SrcID       MoveID     `json:"srcId,omitempty"`
	DestID      MoveID     `json:"destId,omitempty"`
}

func (v ShardMapValue) HasDest() bool {
	return len(v.PrimaryDest) > 0 || v.DestID != ""
}

// DataMovePhase tracks a persisted move through its lifetime.
type DataMovePhase string

const (
	DataMovePrepared DataMovePhase = "prepared"
	DataMoveRunning  DataMovePhase = "running"
	DataMoveDeleting DataMovePhase = "deleting"
)

// DataMoveMeta is the durable record of one data move.
type DataMoveMeta struct {
	ID          MoveID          `json:"id"`
	Ranges      []keyspace.KeyRange `json:"ranges"`
	PrimaryDest []ServerID      `json:"primaryDest"`
	RemoteDest  []ServerID      `json:"remoteDest,omitempty"`
	Phase       DataMovePhase   `json:"phase"`
}

// DataMove is the in-memory wrapper used while resuming.
type DataMove struct {
	Meta      DataMoveMeta
	Valid     bool
	Cancelled bool
}

// ValidateShard cross-checks one shard-map entry against this move. Any
// disagreement cancels the move so it is torn down and reissued rather
// than resumed on stale metadata.
func (dm *DataMove) ValidateShard(shard ShardInfo, r keyspace.KeyRange) {
	if !dm.Valid {
		if shard.HasDest && shard.DestID != AnonymousMoveID {
			glog.Errorf("data move validation: shard %v has dest id %s but no move metadata", r, shard.DestID)
		}
		return
	}

	if !shard.HasDest {
		glog.Warningf("data move validation: move %s covers %v but shard has no dest", dm.Meta.ID, r)
		dm.Cancelled = true
		return
	}
	if shard.DestID != dm.Meta.ID {
		glog.Warningf("data move validation: move %s covers %v but shard dest id is %s", dm.Meta.ID, r, shard.DestID)
		dm.Cancelled = true
		return
	}
	if !sameServers(shard.PrimaryDest, dm.Meta.PrimaryDest) || !sameServers(shard.RemoteDest, dm.Meta.RemoteDest) {
		glog.Errorf("data move validation: move %s dest servers disagree with shard map for %v", dm.Meta.ID, r)
		dm.Cancelled = true
	}
}

// Relocation priorities, higher is more urgent.
const (
	PriorityRecoverMove             = 110
	PriorityRebalanceUnderutilized  = 120
	PriorityRebalanceOverutilized   = 121
	PriorityTeamHealthy             = 140
	PriorityMergeShard              = 240
	PriorityTeamContainsUndesired   = 560
	PriorityTeamUnhealthy           = 700
	PriorityTeamRedundant           = 705
	PriorityTeam2Left               = 709
	PriorityTeam1Left               = 800
	PriorityTeam0Left               = 809
	PrioritySplitShard              = 950
)

// MovementReason says why a relocation was requested.
type MovementReason string

const (
	ReasonRecoverMove   MovementReason = "recover-move"
	ReasonSplitShard    MovementReason = "split-shard"
	ReasonMergeShard    MovementReason = "merge-shard"
	ReasonRebalance     MovementReason = "rebalance"
	ReasonTeamUnhealthy MovementReason = "team-unhealthy"
	ReasonExclusion     MovementReason = "exclusion"
)

func priorityForReason(reason MovementReason) int {
	switch reason {
	case ReasonRecoverMove:
		return PriorityRecoverMove
	case ReasonSplitShard:
		return PrioritySplitShard
	case ReasonMergeShard:
		return PriorityMergeShard
	case ReasonRebalance:
		return PriorityRebalanceUnderutilized
	case ReasonTeamUnhealthy:
		return PriorityTeamUnhealthy
	case ReasonExclusion:
		return PriorityTeamContainsUndesired
	default:
		return PriorityRecoverMove
	}
}

// RelocateShard is one relocation request flowing from the tracker (or the
// resume path) into the relocation queue.
type RelocateShard struct {
	Keys      keyspace.KeyRange
	Priority  int
	Reason    MovementReason
	MoveID    MoveID
	Cancelled bool
	DataMove  *DataMove
}

// NewRelocateShard builds a request with the priority implied by reason.
func NewRelocateShard(keys keyspace.KeyRange, reason MovementReason) RelocateShard {
	return RelocateShard{Keys: keys, Priority: priorityForReason(reason), Reason: reason}
}

func (rs RelocateShard) IsRestore() bool {
	return rs.DataMove != nil
}

// RegionConfig describes one replication region.
type RegionConfig struct {
	DataCenter string `json:"dataCenter"`
	Priority   int    `json:"priority"`
}

// DatabaseConfig is the replication configuration the distributor obeys.
type DatabaseConfig struct {
	StorageTeamSize int            `json:"storageTeamSize"`
	UsableRegions   int            `json:"usableRegions"`
	Regions         []RegionConfig `json:"regions,omitempty"`
	StorageEngine   StoreType      `json:"storageEngine"`
}

// RangeConfig is a user-defined per-range override of the replication
// factor.
type RangeConfig struct {
	ReplicationFactor int `json:"replicationFactor,omitempty"`
}

// InitialDataDistribution is the consistent snapshot the bootstrap loads:
// the shard map, the persisted moves, and range config overrides.
type InitialDataDistribution struct {
	Mode      byte
	Shards    []ShardInfo
	DataMoves map[MoveID]*DataMove
	// RangeConfig lists the user range-config overrides with their ranges.
	RangeConfig []RangeConfigEntry
	// ToCleanMoveTombstones lists deleting moves swept after resume.
	ToCleanMoveTombstones []MoveID
}

type RangeConfigEntry struct {
	Range  keyspace.KeyRange
	Config RangeConfig
}

// ConfigForKey returns the override in effect at k, if any.
func (d *InitialDataDistribution) ConfigForKey(k keyspace.Key) RangeConfig {
	for _, e := range d.RangeConfig {
		if e.Range.ContainsKey(k) {
			return e.Config
		}
	}
	return RangeConfig{}
}
