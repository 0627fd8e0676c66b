// Package pool owns the fleet's sandbox state on one node: capacity
// enforcement, LRU eviction, idle sweep, and cold-record cleanup.
package pool

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ash/internal/common/errors"
	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/internal/sandboxmgr"
	"github.com/kandev/ash/internal/snapshot"
	"github.com/kandev/ash/internal/state"
	"github.com/kandev/ash/pkg/apiv1"
)

// Config controls pool timing and capacity.
type Config struct {
	MaxCapacity     int
	IdleTimeout     time.Duration
	ColdCleanupTTL  time.Duration
	SweepInterval   time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the spec's default pool timing.
func DefaultConfig() Config {
	return Config{
		MaxCapacity:     16,
		IdleTimeout:     30 * time.Minute,
		ColdCleanupTTL:  2 * time.Hour,
		SweepInterval:   1 * time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// Pool tracks sandbox lifecycle state for one node.
type Pool struct {
	cfg      Config
	mgr      *sandboxmgr.Manager
	snapshot *snapshot.Store
	store    state.Store
	logger   *logger.Logger

	mu       sync.Mutex
	byID     map[string]*list.Element // sandboxID -> LRU element
	lru      *list.List               // most-recently-used at the back
	held     map[string]bool          // sandboxID currently held by an in-flight caller

	resumeWarmHits atomic.Int64
	resumeColdHits atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type lruEntry struct {
	sandboxID  string
	sessionID  string
	state      apiv1.SandboxState
	lastUsedAt time.Time
}

// New builds a Pool.
func New(cfg Config, mgr *sandboxmgr.Manager, snap *snapshot.Store, store state.Store, log *logger.Logger) *Pool {
	return &Pool{
		cfg:      cfg,
		mgr:      mgr,
		snapshot: snap,
		store:    store,
		logger:   log.WithFields(zap.String("component", "sandbox-pool")),
		byID:     make(map[string]*list.Element),
		lru:      list.New(),
		held:     make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start re-examines every sandbox record on startup and launches the idle
// sweep and cold-record cleanup tickers.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.reconcileOnStartup(ctx); err != nil {
		return err
	}
	p.wg.Add(2)
	go p.idleSweepLoop(ctx)
	go p.coldCleanupLoop(ctx)
	return nil
}

// Stop halts the background loops.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) reconcileOnStartup(ctx context.Context) error {
	for _, st := range []apiv1.SandboxState{apiv1.SandboxWarm, apiv1.SandboxWaiting, apiv1.SandboxRunning, apiv1.SandboxWarming} {
		records, err := p.store.ListSandboxesByState(ctx, st)
		if err != nil {
			return errors.PersistenceError("list_sandboxes", err)
		}
		for _, rec := range records {
			if _, ok := p.mgr.Get(rec.ID); ok {
				p.track(rec.ID, rec.SessionID, st, rec.LastUsedAt)
				continue
			}
			// Process not alive on this node: the record becomes cold
			// (evicted), retaining the snapshot link.
			if err := p.store.MarkSandboxEvicted(ctx, rec.ID); err != nil {
				p.logger.Warn("failed to mark stale sandbox evicted", zap.String("sandbox_id", rec.ID), zap.Error(err))
			}
		}
	}
	return nil
}

func (p *Pool) track(sandboxID, sessionID string, st apiv1.SandboxState, lastUsedAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := &lruEntry{sandboxID: sandboxID, sessionID: sessionID, state: st, lastUsedAt: lastUsedAt}
	el := p.lru.PushBack(e)
	p.byID[sandboxID] = el
}

func (p *Pool) touch(sandboxID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.byID[sandboxID]
	if !ok {
		return
	}
	entry := el.Value.(*lruEntry)
	entry.lastUsedAt = time.Now()
	p.lru.MoveToBack(el)
}

func (p *Pool) setState(sandboxID string, st apiv1.SandboxState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.byID[sandboxID]; ok {
		el.Value.(*lruEntry).state = st
	}
}

// activeCount returns the count of sandboxes in {warming, warm, waiting,
// running}, the set that counts against capacity.
func (p *Pool) activeCount() int {
	n := 0
	for e := p.lru.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*lruEntry)
		if entry.state != apiv1.SandboxCold {
			n++
		}
	}
	return n
}

// Acquire returns a live sandbox for sessionID, resuming a warm/waiting
// sandbox if one exists, otherwise creating cold (and restoring its
// snapshot if present). Evicts the least-recently-used idle sandbox first
// if at capacity.
func (p *Pool) Acquire(ctx context.Context, sessionID string, create func(ctx context.Context) (*sandboxmgr.ManagedSandbox, error)) (*sandboxmgr.ManagedSandbox, error) {
	var reuseID string
	p.mu.Lock()
	for _, el := range p.byID {
		entry := el.Value.(*lruEntry)
		if entry.sessionID == sessionID && (entry.state == apiv1.SandboxWarm || entry.state == apiv1.SandboxWaiting) {
			reuseID = entry.sandboxID
			break
		}
	}
	p.mu.Unlock()

	if reuseID != "" {
		if managed, ok := p.mgr.Get(reuseID); ok {
			p.touch(reuseID)
			p.resumeWarmHits.Add(1)
			return managed, nil
		}
	}

	if err := p.ensureCapacity(ctx); err != nil {
		return nil, err
	}

	managed, err := create(ctx)
	if err != nil {
		return nil, err
	}
	p.resumeColdHits.Add(1)
	p.track(managed.ID, sessionID, managed.State, time.Now())
	return managed, nil
}

// ensureCapacity evicts the least-recently-used evictable sandbox if the
// pool is at max capacity. Running sandboxes and sandboxes currently held
// by a caller are never evicted.
func (p *Pool) ensureCapacity(ctx context.Context) error {
	p.mu.Lock()
	if p.activeCount() < p.cfg.MaxCapacity {
		p.mu.Unlock()
		return nil
	}

	var victim *lruEntry
	for e := p.lru.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*lruEntry)
		if (entry.state == apiv1.SandboxWarm || entry.state == apiv1.SandboxWaiting) && !p.held[entry.sandboxID] {
			victim = entry
			break
		}
	}
	p.mu.Unlock()

	if victim == nil {
		return errors.CapacityExceeded("sandbox pool")
	}
	return p.Evict(ctx, victim.sandboxID)
}

// Evict pauses (snapshot + destroy) a sandbox; its session transitions to
// paused implicitly but remains resumable.
func (p *Pool) Evict(ctx context.Context, sandboxID string) error {
	managed, ok := p.mgr.Get(sandboxID)
	if !ok {
		return nil
	}

	p.mu.Lock()
	el, tracked := p.byID[sandboxID]
	var sessionID, agentName string
	if tracked {
		sessionID = el.Value.(*lruEntry).sessionID
	}
	p.mu.Unlock()

	if p.snapshot != nil {
		p.snapshot.Persist(sessionID, managed.WorkspaceDir, agentName)
	}
	if err := p.mgr.Destroy(ctx, sandboxID, false); err != nil {
		return err
	}
	if err := p.store.MarkSandboxEvicted(ctx, sandboxID); err != nil {
		p.logger.Warn("mark sandbox evicted failed", zap.String("sandbox_id", sandboxID), zap.Error(err))
	}
	if sessionID != "" {
		if err := p.store.UpdateSessionStatus(ctx, sessionID, apiv1.SessionPaused); err != nil {
			p.logger.Warn("mark session paused failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	p.setState(sandboxID, apiv1.SandboxCold)
	return nil
}

// Hold marks a sandbox as held by an in-flight caller, excluding it from
// eviction until Release is called.
func (p *Pool) Hold(sandboxID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.held[sandboxID] = true
}

// Release clears a Hold.
func (p *Pool) Release(sandboxID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.held, sandboxID)
}

// MarkState transitions a tracked sandbox to a new state (e.g. waiting ->
// running on an in-flight query, running -> waiting on done).
func (p *Pool) MarkState(sandboxID string, st apiv1.SandboxState) {
	p.touch(sandboxID)
	p.setState(sandboxID, st)
}

// Untrack removes a sandbox from LRU tracking (e.g. after an explicit
// stop/end destroys it outside of eviction).
func (p *Pool) Untrack(sandboxID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.byID[sandboxID]; ok {
		p.lru.Remove(el)
		delete(p.byID, sandboxID)
	}
	delete(p.held, sandboxID)
}

// ResumeWarmHits returns the count of sandbox acquisitions served by the
// warm/waiting reuse path.
func (p *Pool) ResumeWarmHits() int64 { return p.resumeWarmHits.Load() }

// ResumeColdHits returns the count of sandbox acquisitions that required a
// cold create.
func (p *Pool) ResumeColdHits() int64 { return p.resumeColdHits.Load() }

func (p *Pool) idleSweepLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweepIdle(ctx)
		}
	}
}

func (p *Pool) sweepIdle(ctx context.Context) {
	now := time.Now()
	var toEvict []string

	p.mu.Lock()
	for e := p.lru.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*lruEntry)
		if entry.state == apiv1.SandboxCold || p.held[entry.sandboxID] {
			continue
		}
		if now.Sub(entry.lastUsedAt) > p.cfg.IdleTimeout {
			toEvict = append(toEvict, entry.sandboxID)
		}
	}
	p.mu.Unlock()

	for _, id := range toEvict {
		if err := p.Evict(ctx, id); err != nil {
			p.logger.Warn("idle eviction failed", zap.String("sandbox_id", id), zap.Error(err))
		}
	}
}

func (p *Pool) coldCleanupLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanupCold(ctx)
		}
	}
}

func (p *Pool) cleanupCold(ctx context.Context) {
	stale, err := p.store.ListStaleSandboxes(ctx, p.cfg.ColdCleanupTTL.Milliseconds())
	if err != nil {
		p.logger.Warn("list stale sandboxes failed", zap.Error(err))
		return
	}
	for _, rec := range stale {
		if err := p.store.DeleteSandbox(ctx, rec.ID); err != nil {
			p.logger.Warn("delete stale sandbox record failed", zap.String("sandbox_id", rec.ID), zap.Error(err))
			continue
		}
		p.Untrack(rec.ID)
	}
}
