package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/fleetkv/fleetkv/fleet/distribution"
	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/metastore"
	"github.com/fleetkv/fleetkv/fleet/stats"
)

// liveAudit is the in-memory side of one running audit.
type liveAudit struct {
	state      State
	retryCount int
	context    Context

	foundError     atomic.Bool
	anyChildFailed atomic.Bool
	cancelled      atomic.Bool

	issuedCount    atomic.Int64
	completedCount atomic.Int64

	budget *AsyncInt
	group  *taskGroup
}

func (a *liveAudit) cancel() {
	a.cancelled.Store(true)
	a.group.Cancel()
}

// waitBudget blocks while the audit's task budget is exhausted.
func (a *liveAudit) waitBudget(ctx context.Context) error {
	for {
		if a.budget.Get() > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.budget.OnChange():
		}
	}
}

// Manager owns every live audit, at most one per type, and serves the
// launch, cancel, and resume entry points.
type Manager struct {
	store  *metastore.Store
	client distribution.StorageClient
	knobs  distribution.Knobs
	ddId   string

	lock    distribution.MoveKeysLock
	enabled func() bool

	mu     sync.Mutex
	audits map[Type]map[ID]*liveAudit

	// launchLocks serialize launch and cancel per audit type, making id
	// allocation collision free.
	launchLocks map[Type]*sync.Mutex

	initialized     chan struct{}
	initializedOnce sync.Once

	runCtx context.Context
}

func NewManager(store *metastore.Store, client distribution.StorageClient, knobs distribution.Knobs, ddId string, enabled func() bool) *Manager {
	m := &Manager{
		store:       store,
		client:      client,
		knobs:       knobs,
		ddId:        ddId,
		enabled:     enabled,
		audits:      map[Type]map[ID]*liveAudit{},
		launchLocks: map[Type]*sync.Mutex{},
		initialized: make(chan struct{}),
		runCtx:      context.Background(),
	}
	for _, t := range AllTypes() {
		m.launchLocks[t] = &sync.Mutex{}
	}
	return m
}

// Bootstrap loads the persisted audit metadata under the move-keys lock,
// sweeps finished rows, and resumes every Running audit. Wired as the
// distributor's audit bootstrap hook.
func (m *Manager) Bootstrap(ctx context.Context, lock distribution.MoveKeysLock) error {
	m.lock = lock
	m.runCtx = ctx
	toResume, err := InitAuditMetadata(ctx, m.store, lock, m.enabled(), m.ddId, m.knobs.PersistFinishAuditCount)
	if err != nil {
		return err
	}
	for _, state := range toResume {
		glog.V(0).Infof("resuming audit %v", state)
		m.runAuditStorage(state, 0, ContextResume)
	}
	m.initializedOnce.Do(func() { close(m.initialized) })
	return nil
}

func (m *Manager) waitInitialized(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.initialized:
		return nil
	}
}

func (m *Manager) getAudit(t Type, id ID) *liveAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audits[t][id]
}

func (m *Manager) addAudit(a *liveAudit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audits[a.state.Type] == nil {
		m.audits[a.state.Type] = map[ID]*liveAudit{}
	}
	m.audits[a.state.Type][a.state.ID] = a
}

func (m *Manager) removeAudit(t Type, id ID) {
	m.mu.Lock()
	a := m.audits[t][id]
	delete(m.audits[t], id)
	m.mu.Unlock()
	if a != nil {
		a.cancel()
	}
}

func (m *Manager) auditsForType(t Type) []*liveAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*liveAudit, 0, len(m.audits[t]))
	for _, a := range m.audits[t] {
		out = append(out, a)
	}
	return out
}

// LiveAuditStates reports every in-memory audit, for the admin API.
func (m *Manager) LiveAuditStates() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []State
	for _, byID := range m.audits {
		for _, a := range byID {
			out = append(out, a.state)
		}
	}
	return out
}

// LaunchAudit starts (or joins) an audit of the given type over r and
// returns its id. At most one audit per type may be live: a request whose
// range is contained by the live audit joins it; anything else is
// rejected with ErrExceededRequestLimit.
func (m *Manager) LaunchAudit(ctx context.Context, r keyspace.KeyRange, t Type) (ID, error) {
	if !ValidType(t) {
		return 0, distribution.ErrNotImplemented
	}
	if r.Empty() {
		return 0, ErrAuditFailed
	}
	if err := m.waitInitialized(ctx); err != nil {
		return 0, err
	}

	m.launchLocks[t].Lock()
	defer m.launchLocks[t].Unlock()

	existing := m.auditsForType(t)
	if len(existing) > 0 {
		for _, a := range existing {
			if a.state.Range.Contains(r) {
				glog.V(0).Infof("audit launch joins existing %v", a.state)
				return a.state.ID, nil
			}
		}
		return 0, ErrExceededRequestLimit
	}

	state := State{
		Type:  t,
		Range: r,
		Phase: PhaseRunning,
		DDID:  m.ddId,
	}
	id, err := PersistNewAuditState(ctx, m.store, state, m.lock, m.enabled())
	if err != nil {
		return 0, err
	}
	state.ID = id
	go ClearAuditMetadataForType(m.runCtx, m.store, t, id, m.knobs.PersistFinishAuditCount)

	// A resume racing with this launch may already be running the audit.
	if a := m.getAudit(t, id); a != nil {
		return id, nil
	}
	m.runAuditStorage(state, 0, ContextLaunch)
	return id, nil
}

// Cancel transactionally fails the audit row, clears its progress, and
// tears down the live audit if present.
func (m *Manager) Cancel(ctx context.Context, t Type, id ID) error {
	if !ValidType(t) {
		return distribution.ErrNotImplemented
	}
	m.launchLocks[t].Lock()
	defer m.launchLocks[t].Unlock()

	if err := CancelAuditMetadata(ctx, m.store, t, id); err != nil {
		return err
	}
	if a := m.getAudit(t, id); a != nil {
		m.removeAudit(t, id)
	}
	glog.V(0).Infof("audit %s/%d cancelled", t, id)
	return nil
}

// runAuditStorage is the only entry that starts a live audit: on launch,
// on resume, and on retry.
func (m *Manager) runAuditStorage(state State, retryCount int, auditCtx Context) {
	if !ValidType(state.Type) || state.Range.Empty() || state.Phase != PhaseRunning {
		glog.Errorf("refusing to run malformed audit %v", state)
		return
	}
	state.DDID = m.ddId
	a := &liveAudit{
		state:      state,
		retryCount: retryCount,
		context:    auditCtx,
		budget:     NewAsyncInt(m.knobs.ConcurrentAuditTaskCountMax),
		group:      newTaskGroup(m.runCtx),
	}
	m.addAudit(a)
	go m.auditStorageCore(a)
}

// auditStorageCore drives one audit generation: dispatch, settle, decide.
func (m *Manager) auditStorageCore(a *liveAudit) {
	ctx := a.group.ctx
	t := a.state.Type

	m.loadAndDispatchAudit(a)
	err := a.group.Wait()
	if err == nil {
		err = m.settleAudit(ctx, a)
	}
	if err == nil {
		return
	}

	if a.cancelled.Load() || errors.Is(err, context.Canceled) {
		// Whoever cancelled the audit already removed it from the map.
		return
	}
	glog.V(1).Infof("audit %s/%d core error (retry %d): %v", t, a.state.ID, a.retryCount, err)

	switch {
	case errors.Is(err, distribution.ErrMoveKeysConflict):
		m.removeAudit(t, a.state.ID)
	case errors.Is(err, ErrAuditCancelled):
		// Removed at the cancel site.
	case a.retryCount < m.knobs.AuditRetryCountMax && !errors.Is(err, distribution.ErrNotImplemented):
		retry := a.retryCount + 1
		state := a.state
		m.removeAudit(t, state.ID)
		time.Sleep(100 * time.Millisecond)
		if m.runCtx.Err() != nil {
			return
		}
		m.runAuditStorage(state, retry, ContextRetry)
	default:
		state := a.state
		state.Phase = PhaseFailed
		if persistErr := PersistAuditState(m.runCtx, m.store, state, m.lock, m.enabled()); persistErr != nil {
			// The audit may survive on disk as a Running row with no live
			// actor: a zombie audit, resumed by the next distributor or
			// timed out by the client.
			glog.Warningf("audit %s/%d failed and could not persist Failed: %v", t, state.ID, persistErr)
		} else {
			stats.AuditFinished.WithLabelValues(string(t), string(PhaseFailed)).Inc()
			glog.Warningf("audit %s/%d marked Failed after %d retries", t, state.ID, a.retryCount)
		}
		m.removeAudit(t, state.ID)
	}
}

// settleAudit decides the final phase once every child task settled, and
// persists it.
func (m *Manager) settleAudit(ctx context.Context, a *liveAudit) error {
	t := a.state.Type
	glog.V(1).Infof("audit %s/%d: all tasks settled, issued=%d complete=%d",
		t, a.state.ID, a.issuedCount.Load(), a.completedCount.Load())
	a.issuedCount.Store(0)
	a.completedCount.Store(0)

	if a.foundError.Load() {
		a.state.Phase = PhaseError
	} else if a.anyChildFailed.Load() {
		a.anyChildFailed.Store(false)
		return errRetry
	} else {
		if t.IsRangeBased() {
			// Double check the persisted progress before declaring
			// completion; any unaudited hole forces another generation.
			allFinished, err := CheckAuditProgressComplete(ctx, m.store, t, a.state.ID, a.state.Range)
			if err != nil {
				return err
			}
			if !allFinished {
				return errRetry
			}
		}
		a.state.Phase = PhaseComplete
	}

	if err := PersistAuditState(ctx, m.store, a.state, m.lock, m.enabled()); err != nil {
		return err
	}
	stats.AuditFinished.WithLabelValues(string(t), string(a.state.Phase)).Inc()
	glog.V(0).Infof("audit %s/%d finished with phase %s", t, a.state.ID, a.state.Phase)
	m.removeAudit(t, a.state.ID)
	return nil
}

// loadAndDispatchAudit fans the audit out into child tasks by type.
func (m *Manager) loadAndDispatchAudit(a *liveAudit) {
	switch a.state.Type {
	case TypeValidateHA, TypeValidateReplica:
		r := a.state.Range
		a.group.Go(func(ctx context.Context) error { return m.dispatchAuditRanges(ctx, a, r) })
	case TypeValidateLocationMetadata:
		a.group.Go(func(ctx context.Context) error { return m.dispatchAuditRanges(ctx, a, keyspace.NormalKeys) })
	case TypeValidateStorageServerShard:
		a.group.Go(func(ctx context.Context) error { return m.dispatchPerServerShard(ctx, a) })
	}
}

// dispatchAuditRanges walks the persisted progress of a range-based audit
// and schedules one task per span still Invalid. Complete spans are
// skipped; Error spans latch foundError.
func (m *Manager) dispatchAuditRanges(ctx context.Context, a *liveAudit, r keyspace.KeyRange) error {
	var completed, total int64
	progress, err := GetAuditStateByRange(ctx, m.store, a.state.Type, a.state.ID, r)
	if err != nil {
		a.anyChildFailed.Store(true)
		glog.V(1).Infof("audit %s/%d dispatch failed reading progress: %v", a.state.Type, a.state.ID, err)
		return nil
	}
	for _, p := range progress {
		total++
		switch p.Phase {
		case PhaseComplete:
			completed++
		case PhaseError:
			completed++
			a.foundError.Store(true)
		default:
			if err := a.waitBudget(ctx); err != nil {
				return nil
			}
			span := p.Range
			a.group.Go(func(ctx context.Context) error { return m.scheduleAuditOnRange(ctx, a, span) })
		}
	}
	glog.V(2).Infof("audit %s/%d dispatched %d spans, %d already finished", a.state.Type, a.state.ID, total, completed)
	return nil
}

// scheduleAuditOnRange partitions one span by shard ownership, selects the
// executor and target servers per the audit type, and issues the tasks.
// Failures mark anyChildFailed so the core retries the generation.
func (m *Manager) scheduleAuditOnRange(ctx context.Context, a *liveAudit, rangeToSchedule keyspace.KeyRange) error {
	t := a.state.Type
	locations, err := distribution.GetSourceServersForRange(ctx, m.store, rangeToSchedule)
	if err != nil {
		a.anyChildFailed.Store(true)
		return nil
	}
	for _, loc := range locations {
		progress, err := GetAuditStateByRange(ctx, m.store, t, a.state.ID, loc.Range)
		if err != nil {
			a.anyChildFailed.Store(true)
			return nil
		}
		for _, p := range progress {
			switch p.Phase {
			case PhaseComplete:
				continue
			case PhaseError:
				a.foundError.Store(true)
				continue
			}

			req := distribution.AuditStorageRequest{
				AuditID:   uint64(a.state.ID),
				AuditType: string(t),
				Range:     p.Range,
				DDID:      m.ddId,
			}
			var executor distribution.ServerID
			switch t {
			case TypeValidateHA:
				if len(loc.Servers) < 2 {
					glog.V(1).Infof("audit %s/%d: single region at %v, skipping", t, a.state.ID, loc.Range)
					return nil
				}
				executor = pickServer(loc.Servers[0])
				for _, dc := range loc.Servers[1:] {
					req.TargetServers = append(req.TargetServers, pickServer(dc))
				}
			case TypeValidateReplica:
				primary := loc.Servers[0]
				if len(primary) < 2 {
					glog.V(1).Infof("audit %s/%d: single replica at %v, skipping", t, a.state.ID, loc.Range)
					return nil
				}
				executor = pickServer(primary)
				for _, meta := range primary {
					if meta.ID != executor {
						req.TargetServers = append(req.TargetServers, meta.ID)
					}
				}
			case TypeValidateLocationMetadata:
				if len(loc.Servers[0]) == 0 {
					continue
				}
				executor = pickServer(loc.Servers[0])
			default:
				return distribution.ErrNotImplemented
			}

			// Check and decrement are one atomic step; racing schedulers
			// must not overshoot the budget.
			if err := a.budget.Acquire(ctx); err != nil {
				return nil
			}
			exec := executor
			task := req
			a.group.Go(func(ctx context.Context) error { return m.doAuditOnStorageServer(ctx, a, exec, task) })
		}
	}
	return nil
}

func pickServer(metas []distribution.StorageServerMeta) distribution.ServerID {
	// Deterministic choice keeps retries hitting the same replica, which
	// makes sustained failures visible instead of masked.
	best := metas[0].ID
	for _, meta := range metas[1:] {
		if meta.ID < best {
			best = meta.ID
		}
	}
	return best
}

// doAuditOnStorageServer issues one audit task and folds the outcome into
// the audit: success persists progress, a corruption report latches
// foundError, anything else re-schedules the range until the retry budget
// is gone.
func (m *Manager) doAuditOnStorageServer(ctx context.Context, a *liveAudit, server distribution.ServerID, req distribution.AuditStorageRequest) error {
	t := a.state.Type
	a.issuedCount.Add(1)
	stats.AuditTasksIssued.WithLabelValues(string(t)).Inc()

	taskCtx, cancel := context.WithTimeout(ctx, m.knobs.AuditTimeout)
	err := m.client.AuditStorage(taskCtx, server, req)
	cancel()

	if err == nil {
		progress := ProgressState{Phase: PhaseComplete, DDID: m.ddId}
		if t == TypeValidateStorageServerShard {
			err = PersistProgressByServer(ctx, m.store, a.state, server, progress, req.Range)
		} else {
			err = PersistProgressByRange(ctx, m.store, a.state, progress, req.Range)
		}
	} else if errors.Is(err, ErrAuditError) {
		progress := ProgressState{Phase: PhaseError, DDID: m.ddId, Error: err.Error()}
		var persistErr error
		if t == TypeValidateStorageServerShard {
			persistErr = PersistProgressByServer(ctx, m.store, a.state, server, progress, req.Range)
		} else {
			persistErr = PersistProgressByRange(ctx, m.store, a.state, progress, req.Range)
		}
		if persistErr != nil {
			glog.V(1).Infof("audit %s/%d: persisting error progress: %v", t, a.state.ID, persistErr)
		}
	}

	a.budget.Add(1)

	if err == nil {
		a.completedCount.Add(1)
		stats.AuditTasksCompleted.WithLabelValues(string(t)).Inc()
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	glog.V(1).Infof("audit %s/%d task on %s over %v: %v", t, a.state.ID, server, req.Range, err)

	if t == TypeValidateStorageServerShard {
		// The per-server scheduler owns retry policy for its server.
		return err
	}
	switch {
	case errors.Is(err, distribution.ErrNotImplemented), errors.Is(err, ErrExceededRequestLimit), errors.Is(err, ErrAuditCancelled):
		return err
	case errors.Is(err, ErrAuditError):
		a.foundError.Store(true)
		return nil
	case a.retryCount >= m.knobs.AuditRetryCountMax:
		return ErrAuditFailed
	default:
		a.retryCount++
		r := req.Range
		a.group.Go(func(ctx context.Context) error { return m.scheduleAuditOnRange(ctx, a, r) })
		return nil
	}
}

// dispatchPerServerShard launches one scheduler per storage server, each
// auditing that server's whole shard map.
func (m *Manager) dispatchPerServerShard(ctx context.Context, a *liveAudit) error {
	var servers []distribution.StorageServerMeta
	err := metastore.RunTransaction(ctx, m.store, "auditServerList", func(tx *metastore.Transaction) error {
		list, err := distribution.GetServerList(tx)
		if err != nil {
			return err
		}
		servers = list
		return nil
	})
	if err != nil {
		a.anyChildFailed.Store(true)
		return nil
	}
	for _, meta := range servers {
		if err := a.waitBudget(ctx); err != nil {
			return nil
		}
		server := meta.ID
		a.group.Go(func(ctx context.Context) error { return m.scheduleAuditOnServer(ctx, a, server) })
	}
	return nil
}

// scheduleAuditOnServer audits one server's shard map span by span,
// issuing tasks serially so the remaining work stays one contiguous
// suffix. A failed task on a since-removed server succeeds silently.
func (m *Manager) scheduleAuditOnServer(ctx context.Context, a *liveAudit, server distribution.ServerID) error {
	t := a.state.Type
	progress, err := GetAuditStateByServer(ctx, m.store, t, a.state.ID, server, keyspace.NormalKeys)
	if err != nil {
		a.anyChildFailed.Store(true)
		return nil
	}
	for _, p := range progress {
		switch p.Phase {
		case PhaseComplete:
			continue
		case PhaseError:
			a.foundError.Store(true)
			continue
		}
		if err := a.budget.Acquire(ctx); err != nil {
			return nil
		}
		req := distribution.AuditStorageRequest{
			AuditID:   uint64(a.state.ID),
			AuditType: string(t),
			Range:     p.Range,
			DDID:      m.ddId,
		}
		if err := m.doAuditOnStorageServer(ctx, a, server, req); err != nil {
			if errors.Is(err, distribution.ErrNotImplemented) || errors.Is(err, ErrAuditCancelled) {
				return err
			}
			if errors.Is(err, ErrAuditError) {
				a.foundError.Store(true)
				continue
			}
			if a.retryCount >= m.knobs.AuditRetryCountMax {
				return ErrAuditFailed
			}
			removed, checkErr := distribution.CheckStorageServerRemoved(ctx, m.store, server)
			if checkErr == nil && removed {
				glog.V(1).Infof("audit %s/%d: server %s removed mid-audit, done", t, a.state.ID, server)
				return nil
			}
			a.retryCount++
			srv := server
			a.group.Go(func(ctx context.Context) error { return m.scheduleAuditOnServer(ctx, a, srv) })
			return nil
		}
	}
	return nil
}
