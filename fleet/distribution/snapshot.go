package distribution

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/karlseguin/ccache/v2"

	"github.com/fleetkv/fleetkv/fleet/metastore"
	"github.com/fleetkv/fleetkv/fleet/stats"
)

// Snapshotter drives cluster-wide snapshots: quiesce, fan out to every
// stateful process, restore. Requests are deduplicated by UID; a finished
// request's result is served from cache for the minimum time gap so the
// client's retries never re-drive a snapshot.
type Snapshotter struct {
	store  *metastore.Store
	client StorageClient
	knobs  Knobs

	mu       sync.Mutex
	inflight map[string]chan error
	results  *ccache.Cache
}

func NewSnapshotter(store *metastore.Store, client StorageClient, knobs Knobs) *Snapshotter {
	return &Snapshotter{
		store:    store,
		client:   client,
		knobs:    knobs,
		inflight: map[string]chan error{},
		results:  ccache.New(ccache.Configure().MaxSize(1024)),
	}
}

type snapResult struct {
	err error
}

// Snapshot runs (or joins, or replays) the snapshot identified by uid.
func (s *Snapshotter) Snapshot(ctx context.Context, uid string, payload string) error {
	if item := s.results.Get(uid); item != nil && !item.Expired() {
		glog.V(0).Infof("snapshot %s: replaying cached result", uid)
		stats.SnapshotRequestCounter.WithLabelValues("cached").Inc()
		return item.Value().(snapResult).err
	}

	s.mu.Lock()
	if ch, ok := s.inflight[uid]; ok {
		s.mu.Unlock()
		glog.V(0).Infof("snapshot %s: joining in-flight request", uid)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-ch:
			ch <- err
			return err
		}
	}
	ch := make(chan error, 1)
	s.inflight[uid] = ch
	s.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.knobs.SnapCreateMaxTimeout)
	err := s.snapshotCore(runCtx, uid, payload)
	cancel()

	s.results.Set(uid, snapResult{err: err}, s.knobs.SnapMinimumTimeGap)
	s.mu.Lock()
	delete(s.inflight, uid)
	s.mu.Unlock()
	ch <- err

	if err != nil {
		stats.SnapshotRequestCounter.WithLabelValues("failed").Inc()
	} else {
		stats.SnapshotRequestCounter.WithLabelValues("ok").Inc()
	}
	return err
}

func (s *Snapshotter) snapshotCore(ctx context.Context, uid string, payload string) error {
	glog.V(0).Infof("snapshot %s: starting", uid)

	// Quiesce: disable data distribution and mark recovery in progress so
	// a crash mid-snapshot is detectable.
	err := metastore.RunTransaction(ctx, s.store, "snapshotDisableDD", func(tx *metastore.Transaction) error {
		if err := tx.Set(metastore.WriteRecoveryKey, []byte(uid)); err != nil {
			return err
		}
		return tx.Set(metastore.DataDistributionModeKey, []byte{metastore.DDModeSecurity})
	})
	if err != nil {
		return err
	}
	defer func() {
		restoreErr := metastore.RunTransaction(context.Background(), s.store, "snapshotEnableDD", func(tx *metastore.Transaction) error {
			if err := tx.Clear(metastore.WriteRecoveryKey); err != nil {
				return err
			}
			return tx.Set(metastore.DataDistributionModeKey, []byte{metastore.DDModeEnabled})
		})
		if restoreErr != nil {
			glog.Errorf("snapshot %s: failed to re-enable data distribution: %v", uid, restoreErr)
		}
	}()

	// Storage servers, bounded fault tolerance.
	var storageAddrs []string
	err = metastore.RunTransaction(ctx, s.store, "snapshotServerList", func(tx *metastore.Transaction) error {
		storageAddrs = nil
		servers, err := GetServerList(tx)
		if err != nil {
			return err
		}
		for _, meta := range servers {
			if meta.Healthy() {
				storageAddrs = append(storageAddrs, meta.Address)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.snapRole(ctx, SnapRoleStorage, storageAddrs, uid, payload, s.knobs.MaxStorageSnapshotFaultTolerance); err != nil {
		return err
	}

	// Transaction logs tolerate no failures.
	tlogs, err := s.client.TLogAddresses(ctx)
	if err != nil {
		return err
	}
	if err := s.snapRole(ctx, SnapRoleTLog, tlogs, uid, payload, 0); err != nil {
		return err
	}

	coordinators, err := s.client.CoordinatorAddresses(ctx)
	if err != nil {
		return err
	}
	if err := s.snapRole(ctx, SnapRoleCoordinator, coordinators, uid, payload, s.knobs.MaxCoordinatorSnapshotFaultTolerance); err != nil {
		return err
	}

	glog.V(0).Infof("snapshot %s: complete", uid)
	return nil
}

func (s *Snapshotter) snapRole(ctx context.Context, role SnapshotRole, addrs []string, uid, payload string, faultTolerance int) error {
	var wg sync.WaitGroup
	errs := make([]error, len(addrs))
	for i, addr := range addrs {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			errs[i] = s.client.Snapshot(ctx, role, addr, uid, payload)
		}(i, addr)
	}
	wg.Wait()

	failures := 0
	var firstErr error
	for i, err := range errs {
		if err != nil {
			failures++
			if firstErr == nil {
				firstErr = fmt.Errorf("snapshot %s on %s %s: %w", uid, role, addrs[i], err)
			}
		}
	}
	if failures > faultTolerance {
		glog.Warningf("snapshot %s: %d/%d %s processes failed, tolerance %d", uid, failures, len(addrs), role, faultTolerance)
		return firstErr
	}
	if failures > 0 {
		glog.V(0).Infof("snapshot %s: tolerating %d %s failures", uid, failures, role)
	}
	return nil
}
