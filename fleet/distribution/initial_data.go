package distribution

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/metastore"
)

// InitializeShardMap seeds a fresh cluster: one shard covering the whole
// user keyspace owned by the given team, and the distribution mode byte.
func InitializeShardMap(ctx context.Context, store *metastore.Store, primary []ServerID) error {
	return metastore.RunTransaction(ctx, store, "initializeShardMap", func(tx *metastore.Transaction) error {
		if err := metastore.RangeMapInit(tx, metastore.KeyServersPrefix, keyspace.NormalKeys.End, nil); err != nil {
			return err
		}
		value := metastore.EncodeJSON(ShardMapValue{PrimarySrc: primary})
		if err := metastore.RangeMapSet(tx, metastore.KeyServersPrefix, keyspace.NormalKeys, value); err != nil {
			return err
		}
		return tx.Set(metastore.DataDistributionModeKey, []byte{metastore.DDModeEnabled})
	})
}

// RegisterStorageServer persists a server-list row.
func RegisterStorageServer(ctx context.Context, store *metastore.Store, meta StorageServerMeta) error {
	return metastore.RunTransaction(ctx, store, "registerStorageServer", func(tx *metastore.Transaction) error {
		return tx.Set(metastore.ServerListPrefix+keyspace.Key(meta.ID), metastore.EncodeJSON(meta))
	})
}

// GetServerList reads every registered storage server.
func GetServerList(tx *metastore.Transaction) ([]StorageServerMeta, error) {
	kvs, _, err := tx.GetRange(keyspace.PrefixRange(metastore.ServerListPrefix), 0, false)
	if err != nil {
		return nil, err
	}
	servers := make([]StorageServerMeta, 0, len(kvs))
	for _, kv := range kvs {
		var meta StorageServerMeta
		if err := metastore.DecodeJSON(kv.Value, &meta); err != nil {
			return nil, fmt.Errorf("decode server list row %s: %w", kv.Key.Printable(), err)
		}
		servers = append(servers, meta)
	}
	return servers, nil
}

// CheckStorageServerRemoved reports whether the server no longer appears
// in the server list.
func CheckStorageServerRemoved(ctx context.Context, store *metastore.Store, id ServerID) (bool, error) {
	removed := false
	err := metastore.RunTransaction(ctx, store, "checkStorageServerRemoved", func(tx *metastore.Transaction) error {
		_, ok, err := tx.Get(metastore.ServerListPrefix + keyspace.Key(id))
		if err != nil {
			return err
		}
		removed = !ok
		return nil
	})
	return removed, err
}

func decodeShardMapValue(data []byte) (ShardMapValue, error) {
	var v ShardMapValue
	if len(data) == 0 {
		return v, nil
	}
	if err := metastore.DecodeJSON(data, &v); err != nil {
		return v, fmt.Errorf("decode shard map value: %w", err)
	}
	return v, nil
}

// LoadConfiguration reads the persisted database configuration.
func LoadConfiguration(ctx context.Context, store *metastore.Store) (DatabaseConfig, error) {
	config := DatabaseConfig{StorageTeamSize: 3, UsableRegions: 1}
	err := metastore.RunTransaction(ctx, store, "loadDatabaseConfiguration", func(tx *metastore.Transaction) error {
		val, ok, err := tx.Get(metastore.DatabaseConfigKey)
		if err != nil {
			return err
		}
		if ok {
			return metastore.DecodeJSON(val, &config)
		}
		return nil
	})
	return config, err
}

// StoreConfiguration persists the database configuration.
func StoreConfiguration(ctx context.Context, store *metastore.Store, config DatabaseConfig) error {
	return metastore.RunTransaction(ctx, store, "storeDatabaseConfiguration", func(tx *metastore.Transaction) error {
		return tx.Set(metastore.DatabaseConfigKey, metastore.EncodeJSON(config))
	})
}

// LoadInitialDataDistribution reads the shard map, the data-move map, and
// the user range-config overrides in one consistent snapshot, holding the
// move-keys lock.
func LoadInitialDataDistribution(ctx context.Context, store *metastore.Store, lock MoveKeysLock, ddEnabled bool) (*InitialDataDistribution, error) {
	var init *InitialDataDistribution
	err := metastore.RunTransaction(ctx, store, "loadInitialDataDistribution", func(tx *metastore.Transaction) error {
		if err := CheckMoveKeysLock(tx, lock, ddEnabled, true); err != nil {
			return err
		}
		init = &InitialDataDistribution{DataMoves: map[MoveID]*DataMove{}}

		mode, err := ReadDistributionMode(tx)
		if err != nil {
			return err
		}
		init.Mode = mode

		// Data moves first so shard-map validation can consult them.
		moveKvs, _, err := tx.GetRange(keyspace.PrefixRange(metastore.DataMovePrefix), 0, false)
		if err != nil {
			return err
		}
		for _, kv := range moveKvs {
			var meta DataMoveMeta
			if err := metastore.DecodeJSON(kv.Value, &meta); err != nil {
				return fmt.Errorf("decode data move %s: %w", kv.Key.Printable(), err)
			}
			dm := &DataMove{Meta: meta, Valid: meta.Phase != DataMoveDeleting}
			if meta.Phase == DataMoveDeleting {
				init.ToCleanMoveTombstones = append(init.ToCleanMoveTombstones, meta.ID)
			}
			init.DataMoves[meta.ID] = dm
		}

		// Shard map.
		spans, err := metastore.RangeMapRead(tx, metastore.KeyServersPrefix, keyspace.NormalKeys, 0)
		if err != nil {
			return err
		}
		for _, span := range spans {
			v, err := decodeShardMapValue(span.Value)
			if err != nil {
				return err
			}
			info := ShardInfo{
				Key:         span.Range.Begin,
				PrimarySrc:  v.PrimarySrc,
				RemoteSrc:   v.RemoteSrc,
				PrimaryDest: v.PrimaryDest,
				RemoteDest:  v.RemoteDest,
				SrcID:       v.SrcID,
				DestID:      v.DestID,
				HasDest:     v.HasDest(),
			}
			init.Shards = append(init.Shards, info)
			if info.HasDest && info.DestID != "" && info.DestID != AnonymousMoveID {
				dm, ok := init.DataMoves[info.DestID]
				if !ok {
					dm = &DataMove{Valid: false}
				}
				dm.ValidateShard(info, span.Range)
			}
		}
		// Terminal boundary.
		init.Shards = append(init.Shards, ShardInfo{Key: keyspace.NormalKeys.End})

		// Range config overrides.
		configSpans, err := metastore.RangeMapRead(tx, metastore.UserRangeConfigPrefix, keyspace.NormalKeys, 0)
		if err != nil {
			return err
		}
		for _, span := range configSpans {
			if len(span.Value) == 0 {
				continue
			}
			var rc RangeConfig
			if err := metastore.DecodeJSON(span.Value, &rc); err != nil {
				return fmt.Errorf("decode range config: %w", err)
			}
			init.RangeConfig = append(init.RangeConfig, RangeConfigEntry{Range: span.Range, Config: rc})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	glog.V(0).Infof("loaded initial distribution: %d shards, %d data moves, mode=%d",
		len(init.Shards)-1, len(init.DataMoves), init.Mode)
	return init, nil
}

// RangeLocations maps one contiguous range to its replica servers, grouped
// by region: index 0 is the primary region.
type RangeLocations struct {
	Range   keyspace.KeyRange
	Servers [][]StorageServerMeta
}

// GetSourceServersForRange resolves the owning servers of every shard
// overlapping r, grouped by region, from the shard map snapshot.
func GetSourceServersForRange(ctx context.Context, store *metastore.Store, r keyspace.KeyRange) ([]RangeLocations, error) {
	var out []RangeLocations
	err := metastore.RunTransaction(ctx, store, "getSourceServersForRange", func(tx *metastore.Transaction) error {
		out = nil
		servers, err := GetServerList(tx)
		if err != nil {
			return err
		}
		byID := make(map[ServerID]StorageServerMeta, len(servers))
		for _, s := range servers {
			byID[s.ID] = s
		}
		spans, err := metastore.RangeMapRead(tx, metastore.KeyServersPrefix, r, 0)
		if err != nil {
			return err
		}
		for _, span := range spans {
			v, err := decodeShardMapValue(span.Value)
			if err != nil {
				return err
			}
			loc := RangeLocations{Range: span.Range}
			var primary, remote []StorageServerMeta
			for _, id := range v.PrimarySrc {
				if meta, ok := byID[id]; ok {
					primary = append(primary, meta)
				}
			}
			for _, id := range v.RemoteSrc {
				if meta, ok := byID[id]; ok {
					remote = append(remote, meta)
				}
			}
			loc.Servers = append(loc.Servers, primary)
			if len(remote) > 0 {
				loc.Servers = append(loc.Servers, remote)
			}
			out = append(out, loc)
		}
		return nil
	})
	return out, err
}
