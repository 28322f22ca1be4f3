package distribution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/metastore"
	"github.com/fleetkv/fleetkv/fleet/stats"
)

// Distributor is the singleton data distributor. Run drives the bootstrap
// loop: take the move-keys lock, load state, resume in-flight moves, start
// the steady-state actors, and start over whenever an expected control
// error unwinds the instance.
type Distributor struct {
	ID     string
	store  *metastore.Store
	client StorageClient
	knobs  Knobs

	lock     MoveKeysLock
	config   DatabaseConfig
	initData *InitialDataDistribution

	enabled atomic.Bool

	mu              sync.Mutex
	teamCollections []*TeamCollection
	failureTracker  *TeamFailureTracker
	physicalShards  *PhysicalShardCollection
	tracker         *ShardTracker
	queue           *RelocationQueue
	snapshotter     *Snapshotter

	// relocationOut receives requests from the resume paths and the
	// tracker; it is normally the relocation queue's input.
	relocationOut chan<- RelocateShard

	// auditBootstrap is wired by the composition layer; it resumes the
	// persisted audits once the lock is held. Started once per process.
	auditBootstrap     func(ctx context.Context, lock MoveKeysLock) error
	auditInitStarted   bool
	auditInitStartedMu sync.Mutex

	// restartCh carries expected-control errors raised outside the queue,
	// such as a failed-server drain or a blob restore admission.
	restartCh chan error

	halted atomic.Bool
}

func NewDistributor(store *metastore.Store, client StorageClient, knobs Knobs) *Distributor {
	d := &Distributor{
		ID:        uuid.NewString(),
		store:     store,
		client:    client,
		knobs:     knobs,
		restartCh: make(chan error, 1),
	}
	d.enabled.Store(true)
	d.snapshotter = NewSnapshotter(store, client, knobs)
	return d
}

// SetAuditBootstrap wires the audit engine's resume hook.
func (d *Distributor) SetAuditBootstrap(f func(ctx context.Context, lock MoveKeysLock) error) {
	d.auditBootstrap = f
}

// Lock returns the current move-keys lock handle.
func (d *Distributor) Lock() MoveKeysLock {
	return d.lock
}

// Enabled reports the in-memory distribution-enabled flag; it is cleared
// when another instance wins the lock.
func (d *Distributor) Enabled() bool {
	return d.enabled.Load()
}

// Knobs returns the distributor tunables.
func (d *Distributor) Knobs() Knobs { return d.knobs }

// Store returns the metadata store handle.
func (d *Distributor) Store() *metastore.Store { return d.store }

// Client returns the storage fleet client.
func (d *Distributor) Client() StorageClient { return d.client }

// Snapshotter returns the snapshot driver.
func (d *Distributor) Snapshotter() *Snapshotter { return d.snapshotter }

// TeamCollections returns the live team collections.
func (d *Distributor) TeamCollections() []*TeamCollection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*TeamCollection(nil), d.teamCollections...)
}

// Halt requests a graceful shutdown.
func (d *Distributor) Halt(requesterID string) {
	glog.V(0).Infof("distributor %s: halt requested by %s", d.ID, requesterID)
	d.halted.Store(true)
	select {
	case d.restartCh <- ErrDDDisabled:
	default:
	}
}

// PrepareBlobRestore admits a blob restore and forces a restart so the
// next incarnation observes the restore state. It conflicts with an
// in-flight snapshot.
func (d *Distributor) PrepareBlobRestore(requesterID string) error {
	var inSnapshot bool
	err := metastore.RunTransaction(context.Background(), d.store, "prepareBlobRestore", func(tx *metastore.Transaction) error {
		_, ok, err := tx.Get(metastore.WriteRecoveryKey)
		if err != nil {
			return err
		}
		inSnapshot = ok
		return nil
	})
	if err != nil {
		return err
	}
	if inSnapshot {
		return ErrSnapshotInProgress
	}
	glog.V(0).Infof("distributor %s: blob restore admitted by %s, restarting", d.ID, requesterID)
	select {
	case d.restartCh <- ErrConfigChanged:
	default:
	}
	return nil
}

// waitMode blocks until the persisted dd-mode byte satisfies ok. With
// checkLock set, the lock is verified read-only on every poll so a
// displaced instance fails out of the wait.
func (d *Distributor) waitMode(ctx context.Context, checkLock bool, ok func(byte) bool) error {
	for {
		watch := d.store.Watch(metastore.DataDistributionModeKey)
		var mode byte
		err := metastore.RunTransaction(ctx, d.store, "readDistributionMode", func(tx *metastore.Transaction) error {
			m, err := ReadDistributionMode(tx)
			if err != nil {
				return err
			}
			mode = m
			if checkLock {
				return CheckMoveKeysLockReadOnly(tx, d.lock, d.enabled.Load())
			}
			return nil
		})
		if err != nil {
			return err
		}
		if ok(mode) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watch:
		case <-time.After(d.knobs.DDEnabledCheckDelay):
		}
	}
}

// init performs the bootstrap sequence. It returns only after this
// instance holds the move-keys lock, has a consistent configuration and
// initial distribution, and distribution mode is enabled.
func (d *Distributor) init(ctx context.Context) error {
	for {
		if err := d.waitMode(ctx, false, func(m byte) bool { return m != metastore.DDModeDisabled }); err != nil {
			return err
		}
		glog.V(0).Infof("distributor %s: distribution enabled, taking move-keys lock", d.ID)

		lock, err := TakeMoveKeysLock(ctx, d.store, d.ID)
		if err != nil {
			return err
		}
		d.lock = lock
		stats.DistributorIsLockHolder.Set(1)

		// Audit metadata is independent of the database configuration;
		// resume it in parallel with the remaining bootstrap, once per
		// process.
		d.startAuditBootstrap(ctx)

		// Trap security mode (2) before reading configuration.
		if err := d.waitMode(ctx, true, func(m byte) bool { return m != metastore.DDModeSecurity }); err != nil {
			return err
		}

		config, err := LoadConfiguration(ctx, d.store)
		if err != nil {
			return err
		}
		d.config = config
		glog.V(0).Infof("distributor %s: configuration teamSize=%d regions=%d engine=%s",
			d.ID, config.StorageTeamSize, config.UsableRegions, config.StorageEngine)

		if config.StorageEngine == StoreTypeShardedRocksDB && !d.knobs.ShardEncodeLocationMetadata {
			return Fatal{Err: fmt.Errorf("storage engine %s requires location metadata encoding", config.StorageEngine)}
		}

		initData, err := LoadInitialDataDistribution(ctx, d.store, d.lock, d.enabled.Load())
		if err != nil {
			return err
		}
		d.initData = initData

		if initData.Mode == metastore.DDModeEnabled && d.enabled.Load() {
			return nil
		}
		glog.V(0).Infof("distributor %s: distribution disabled (mode=%d), waiting", d.ID, initData.Mode)
	}
}

func (d *Distributor) startAuditBootstrap(ctx context.Context) {
	d.auditInitStartedMu.Lock()
	defer d.auditInitStartedMu.Unlock()
	if d.auditInitStarted || d.auditBootstrap == nil {
		return
	}
	d.auditInitStarted = true
	lock := d.lock
	go func() {
		if err := d.auditBootstrap(ctx, lock); err != nil && ctx.Err() == nil {
			glog.Errorf("distributor %s: audit bootstrap failed: %v", d.ID, err)
			select {
			case d.restartCh <- err:
			default:
			}
		}
	}()
}

// buildTeamCollections constructs per-region collections from the server
// list snapshot.
func (d *Distributor) buildTeamCollections(ctx context.Context) error {
	var servers []StorageServerMeta
	err := metastore.RunTransaction(ctx, d.store, "loadServerList", func(tx *metastore.Transaction) error {
		list, err := GetServerList(tx)
		if err != nil {
			return err
		}
		servers = list
		return nil
	})
	if err != nil {
		return err
	}

	primaryDC := ""
	if len(d.config.Regions) > 0 {
		primaryDC = d.config.Regions[0].DataCenter
	}

	primaryWiggler := NewStorageWiggler(d.store, "primary", d.knobs.StorageWiggleMinAge, nil)
	if err := primaryWiggler.RestoreStats(ctx); err != nil {
		return err
	}
	collections := []*TeamCollection{
		NewTeamCollection(primaryDC, true, d.config.StorageTeamSize, primaryWiggler),
	}
	if d.config.UsableRegions > 1 && len(d.config.Regions) > 1 {
		remoteWiggler := NewStorageWiggler(d.store, "remote", d.knobs.StorageWiggleMinAge, nil)
		if err := remoteWiggler.RestoreStats(ctx); err != nil {
			return err
		}
		collections = append(collections,
			NewTeamCollection(d.config.Regions[1].DataCenter, false, d.config.StorageTeamSize, remoteWiggler))
	}

	for _, meta := range servers {
		placed := false
		for _, tc := range collections {
			if tc.Region() == meta.DataCenter || (tc.IsPrimary() && tc.Region() == "") {
				tc.AddServer(meta)
				placed = true
				break
			}
		}
		if !placed {
			glog.Warningf("server %s in unknown region %q ignored", meta.ID, meta.DataCenter)
		}
	}

	d.mu.Lock()
	d.teamCollections = collections
	d.mu.Unlock()
	return nil
}

// resumeFromShards walks the loaded shard map, registers every shard with
// the failure tracker, and re-enqueues a relocation for each shard that is
// under- or over-replicated or stuck in an anonymous in-flight move.
func (d *Distributor) resumeFromShards(ctx context.Context, traceShard bool) error {
	init := d.initData

	if d.knobs.ShardEncodeLocationMetadata && d.knobs.EnableDDPhysicalShard {
		for i := 0; i+1 < len(init.Shards); i++ {
			iShard := init.Shards[i]
			r := keyspace.KeyRange{Begin: iShard.Key, End: init.Shards[i+1].Key}
			teams := []Team{{Servers: iShard.PrimarySrc, Primary: true}}
			if d.config.UsableRegions > 1 {
				teams = append(teams, Team{Servers: iShard.RemoteSrc})
			}
			d.physicalShards.InitPhysicalShard(r, teams, 0)
		}
	}

	var customBoundaries []keyspace.Key
	for _, e := range init.RangeConfig {
		customBoundaries = append(customBoundaries, e.Range.Begin)
	}
	sort.Slice(customBoundaries, func(i, j int) bool { return customBoundaries[i] < customBoundaries[j] })

	overreplicated := 0
	customBoundary := 0
	for shard := 0; shard+1 < len(init.Shards); shard++ {
		iShard := init.Shards[shard]
		beginKey := iShard.Key
		endKey := init.Shards[shard+1].Key

		var ranges []keyspace.KeyRange
		for customBoundary < len(customBoundaries) && customBoundaries[customBoundary] <= beginKey {
			customBoundary++
		}
		for customBoundary < len(customBoundaries) && customBoundaries[customBoundary] < endKey {
			ranges = append(ranges, keyspace.KeyRange{Begin: beginKey, End: customBoundaries[customBoundary]})
			beginKey = customBoundaries[customBoundary]
			customBoundary++
		}
		ranges = append(ranges, keyspace.KeyRange{Begin: beginKey, End: endKey})

		teams := []Team{{Servers: iShard.PrimarySrc, Primary: true}}
		if d.config.UsableRegions > 1 {
			teams = append(teams, Team{Servers: iShard.RemoteSrc})
		}

		for r, keys := range ranges {
			d.failureTracker.DefineShard(keys)

			customReplicas := d.config.StorageTeamSize
			if rc := init.ConfigForKey(keys.Begin); rc.ReplicationFactor > customReplicas {
				customReplicas = rc.ReplicationFactor
			}

			unhealthy := len(iShard.PrimarySrc) != customReplicas
			if !unhealthy && d.config.UsableRegions > 1 {
				unhealthy = len(iShard.RemoteSrc) != customReplicas
			}
			if !unhealthy && len(iShard.PrimarySrc) > d.config.StorageTeamSize {
				overreplicated++
				if overreplicated > d.knobs.MaxShardsOnLargeTeams {
					unhealthy = true
				}
			}

			if traceShard {
				glog.V(3).Infof("init shard %v primarySrc=%v dest=%v unhealthy=%v", keys, iShard.PrimarySrc, iShard.PrimaryDest, unhealthy)
			}

			d.failureTracker.MoveShard(keys, teams)

			if unhealthy || r > 0 || (iShard.HasDest && iShard.DestID == AnonymousMoveID) {
				reason := ReasonRecoverMove
				if unhealthy {
					reason = ReasonTeamUnhealthy
				} else if r > 0 {
					reason = ReasonSplitShard
				}
				rs := NewRelocateShard(keys, reason)
				select {
				case d.relocationOut <- rs:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
	return nil
}

// resumeFromDataMoves re-emits every persisted move: cancelled or invalid
// moves as cancellations, valid moves as restores with their destination
// teams re-registered.
func (d *Distributor) resumeFromDataMoves(ctx context.Context) error {
	init := d.initData

	ids := make([]MoveID, 0, len(init.DataMoves))
	for id := range init.DataMoves {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		dm := init.DataMoves[id]
		meta := dm.Meta
		if len(meta.Ranges) == 0 {
			glog.V(0).Infof("data move %s has no ranges, skipping", meta.ID)
			continue
		}
		if dm.Cancelled || (dm.Valid && !d.knobs.ShardEncodeLocationMetadata) {
			rs := NewRelocateShard(meta.Ranges[0], ReasonRecoverMove)
			rs.MoveID = meta.ID
			rs.Cancelled = true
			select {
			case d.relocationOut <- rs:
			case <-ctx.Done():
				return ctx.Err()
			}
			glog.V(1).Infof("scheduled cancellation of data move %s", meta.ID)
		} else if dm.Valid {
			rs := NewRelocateShard(meta.Ranges[0], ReasonRecoverMove)
			rs.MoveID = meta.ID
			rs.DataMove = dm

			teams := []Team{{Servers: meta.PrimaryDest, Primary: true}}
			if len(meta.RemoteDest) > 0 {
				teams = append(teams, Team{Servers: meta.RemoteDest})
			}
			// The destination is already determined; register it now so
			// team failures during the restore are captured.
			d.failureTracker.DefineShard(rs.Keys)
			d.failureTracker.MoveShard(rs.Keys, teams)
			for _, tc := range d.TeamCollections() {
				if tc.IsPrimary() {
					tc.RegisterTeamShard(meta.PrimaryDest)
				} else if len(meta.RemoteDest) > 0 {
					tc.RegisterTeamShard(meta.RemoteDest)
				}
			}
			select {
			case d.relocationOut <- rs:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	go CleanUpDataMoveTombstones(ctx, d.store, init.ToCleanMoveTombstones)
	return nil
}

// executeRelocation runs one move end to end: choose destinations, persist
// the move, copy the data, and commit the ownership switch.
func (d *Distributor) executeRelocation(ctx context.Context, rs RelocateShard) error {
	if rs.Cancelled {
		return CancelDataMove(ctx, d.store, d.lock, d.enabled.Load(), rs.MoveID)
	}

	var meta DataMoveMeta
	if rs.IsRestore() {
		meta = rs.DataMove.Meta
	} else {
		avoid := map[ServerID]bool{}
		collections := d.TeamCollections()
		var primaryDest, remoteDest []ServerID
		for _, tc := range collections {
			team, err := tc.PickDestinationTeam(avoid)
			if err != nil {
				return err
			}
			if tc.IsPrimary() {
				primaryDest = team.Servers
			} else {
				remoteDest = team.Servers
			}
		}
		meta = DataMoveMeta{
			ID:          MoveID(uuid.NewString()),
			Ranges:      []keyspace.KeyRange{rs.Keys},
			PrimaryDest: primaryDest,
			RemoteDest:  remoteDest,
		}
		if err := StartMoveShards(ctx, d.store, d.lock, d.enabled.Load(), meta); err != nil {
			return err
		}
	}

	sources := d.sourcesForRange(ctx, rs.Keys)
	for _, dest := range append(append([]ServerID(nil), meta.PrimaryDest...), meta.RemoteDest...) {
		if err := d.client.FetchKeys(ctx, dest, rs.Keys, sources); err != nil {
			return fmt.Errorf("fetch keys on %s: %w", dest, err)
		}
	}

	if err := FinishMoveShards(ctx, d.store, d.lock, d.enabled.Load(), meta); err != nil {
		return err
	}

	teams := []Team{{Servers: meta.PrimaryDest, Primary: true}}
	if len(meta.RemoteDest) > 0 {
		teams = append(teams, Team{Servers: meta.RemoteDest})
	}
	d.failureTracker.MoveShard(rs.Keys, teams)
	glog.V(1).Infof("relocation %v (%s) complete to %v", rs.Keys, rs.Reason, meta.PrimaryDest)
	return nil
}

func (d *Distributor) sourcesForRange(ctx context.Context, r keyspace.KeyRange) []ServerID {
	locs, err := GetSourceServersForRange(ctx, d.store, r)
	if err != nil {
		glog.V(1).Infof("resolving sources for %v: %v", r, err)
		return nil
	}
	var out []ServerID
	for _, loc := range locs {
		for _, meta := range loc.Servers[0] {
			out = append(out, meta.ID)
		}
	}
	return out
}

// RemoveFailedServer drains a failed server's key ownership to a healthy
// team and restarts the bootstrap loop.
func (d *Distributor) RemoveFailedServer(ctx context.Context, id ServerID) error {
	var team []ServerID
	for _, tc := range d.TeamCollections() {
		if !tc.IsPrimary() {
			continue
		}
		t, err := tc.PickDestinationTeam(map[ServerID]bool{id: true})
		if err != nil {
			return err
		}
		team = t.Servers
	}
	if team == nil {
		return ErrDestTeamNotFound
	}
	if err := RemoveKeysFromFailedServer(ctx, d.store, d.lock, d.enabled.Load(), id, team); err != nil {
		return err
	}
	select {
	case d.restartCh <- ErrConfigChanged:
	default:
	}
	return nil
}

// runOnce performs one full incarnation: init, resume, steady state. The
// returned error decides whether Run restarts or exits.
func (d *Distributor) runOnce(ctx context.Context) error {
	if err := d.init(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	d.failureTracker = NewTeamFailureTracker()
	d.physicalShards = NewPhysicalShardCollection()
	d.mu.Unlock()

	if err := d.buildTeamCollections(ctx); err != nil {
		return err
	}

	queue := NewRelocationQueue(d.knobs.MoveKeysParallelism, d.executeRelocation)
	tracker := NewShardTracker(d.knobs, queue.Input())
	d.mu.Lock()
	d.queue = queue
	d.tracker = tracker
	d.mu.Unlock()
	d.relocationOut = queue.Input()

	tracker.TrackInitialShards(d.initData)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The queue must be draining its input before resume floods it.
	actorErr := make(chan error, 4)
	go func() { actorErr <- queue.Run(runCtx) }()

	if err := d.resumeFromShards(ctx, false); err != nil {
		return err
	}
	if err := d.resumeFromDataMoves(ctx); err != nil {
		return err
	}
	glog.V(0).Infof("distributor %s: resume complete, starting steady state", d.ID)

	go func() { actorErr <- tracker.Run(runCtx) }()
	if d.knobs.ShardEncodeLocationMetadata && d.knobs.EnableDDPhysicalShard {
		go func() { actorErr <- d.physicalShards.Monitor(runCtx, time.Minute) }()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-actorErr:
		return err
	case err := <-d.restartCh:
		return err
	}
}

// Run drives the distributor until ctx is cancelled, a halt is requested,
// or a fatal error escapes. Expected control errors restart the bootstrap
// loop with the in-memory shard state cleared.
func (d *Distributor) Run(ctx context.Context) error {
	for {
		err := d.runOnce(ctx)
		stats.DistributorIsLockHolder.Set(0)
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}
		if d.halted.Load() {
			glog.V(0).Infof("distributor %s: halted", d.ID)
			return nil
		}
		var fatal Fatal
		if errors.As(err, &fatal) {
			return err
		}
		if IsExpectedControlError(err) || errors.Is(err, ErrDDDisabled) {
			cause := err.Error()
			if len(cause) > 40 {
				cause = cause[:40]
			}
			stats.DistributorRestartCounter.WithLabelValues(cause).Inc()
			glog.V(0).Infof("distributor %s: restarting bootstrap: %v", d.ID, err)
			// Clear the in-memory shard state synchronously on a
			// cancellation, so the next incarnation reloads from disk.
			d.mu.Lock()
			d.failureTracker = nil
			d.tracker = nil
			d.queue = nil
			d.mu.Unlock()
			continue
		}
		return err
	}
}

// MetricsReply answers GetDataDistributorMetrics.
type MetricsReply struct {
	Shards []ShardMetricsEntry `json:"shards,omitempty"`
	// MedianShardSize is set when only the midpoint was requested.
	MedianShardSize int64 `json:"medianShardSize,omitempty"`
}

type ShardMetricsEntry struct {
	Range keyspace.KeyRange `json:"range"`
	Bytes int64             `json:"bytes"`
}

// Metrics reads per-shard metrics over r, bounded by shardLimit. With
// midOnly, only the median shard size is returned.
func (d *Distributor) Metrics(r keyspace.KeyRange, shardLimit int, midOnly bool) MetricsReply {
	d.mu.Lock()
	tracker := d.tracker
	d.mu.Unlock()
	if tracker == nil {
		return MetricsReply{}
	}
	sizes := tracker.ShardSizes(r)
	var reply MetricsReply
	if midOnly {
		bytes := make([]int64, 0, len(sizes))
		for _, s := range sizes {
			bytes = append(bytes, s.Bytes)
		}
		sort.Slice(bytes, func(i, j int) bool { return bytes[i] < bytes[j] })
		if len(bytes) > 0 {
			reply.MedianShardSize = bytes[len(bytes)/2]
		}
		return reply
	}
	for i, s := range sizes {
		if shardLimit > 0 && i >= shardLimit {
			break
		}
		reply.Shards = append(reply.Shards, ShardMetricsEntry{Range: s.Range, Bytes: s.Bytes})
	}
	return reply
}

// WigglerStates reports the per-region wiggle stats.
type WigglerStates struct {
	Primary    WiggleStats `json:"primary"`
	Remote     WiggleStats `json:"remote,omitempty"`
	LastChange int64       `json:"lastChange"`
}

func (d *Distributor) WigglerState() WigglerStates {
	var out WigglerStates
	for _, tc := range d.TeamCollections() {
		w := tc.Wiggler()
		if w == nil {
			continue
		}
		s := w.Stats()
		if tc.IsPrimary() {
			out.Primary = s
		} else {
			out.Remote = s
		}
		if s.LastWiggleFinish > out.LastChange {
			out.LastChange = s.LastWiggleFinish
		}
		if s.LastWiggleStart > out.LastChange {
			out.LastChange = s.LastWiggleStart
		}
	}
	return out
}

// ExclusionSafe answers the exclusion safety check against the live team
// collections.
func (d *Distributor) ExclusionSafe(addresses []string) bool {
	return ExclusionSafetyCheck(addresses, d.TeamCollections())
}
