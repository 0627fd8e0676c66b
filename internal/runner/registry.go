// Package runner implements the coordinator side of multi-node placement:
// runner registration and heartbeat bookkeeping, selection of a runner for
// a new sandbox, and forwarding of lifecycle calls over internal HTTP.
package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ash/internal/common/errors"
	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/internal/state"
	"github.com/kandev/ash/pkg/apiv1"
)

// Registry tracks registered runners in the state store.
type Registry struct {
	store           state.Store
	logger          *logger.Logger
	livenessTimeout time.Duration
}

// New builds a Registry. livenessTimeout is how long since the last
// heartbeat before a runner is considered dead.
func New(store state.Store, livenessTimeout time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		store:           store,
		logger:          log.WithFields(zap.String("component", "runner-registry")),
		livenessTimeout: livenessTimeout,
	}
}

// Register upserts a runner row on (re-)registration.
func (r *Registry) Register(ctx context.Context, id, host string, port, maxSandboxes int) (*apiv1.Runner, error) {
	now := time.Now()
	existing, err := r.store.GetRunner(ctx, id)
	registeredAt := now
	if err == nil && existing != nil {
		registeredAt = existing.RegisteredAt
	}

	rec := &apiv1.Runner{
		ID:              id,
		Host:            host,
		Port:            port,
		MaxSandboxes:    maxSandboxes,
		LastHeartbeatAt: now,
		RegisteredAt:    registeredAt,
	}
	if err := r.store.UpsertRunner(ctx, rec); err != nil {
		return nil, errors.PersistenceError("upsert_runner", err)
	}
	r.logger.Info("runner registered", zap.String("runner_id", id), zap.String("host", host), zap.Int("port", port))
	return rec, nil
}

// Heartbeat updates a runner's liveness timestamp and load counters.
func (r *Registry) Heartbeat(ctx context.Context, id string, activeCount, warmingCount int) error {
	if err := r.store.HeartbeatRunner(ctx, id, activeCount, warmingCount); err != nil {
		if state.IsNotFound(err) {
			return errors.NotFound("runner", id)
		}
		return errors.PersistenceError("heartbeat_runner", err)
	}
	return nil
}

// ListLive returns runners whose last heartbeat is within the liveness
// timeout.
func (r *Registry) ListLive(ctx context.Context) ([]*apiv1.Runner, error) {
	live, err := r.store.ListLiveRunners(ctx, r.livenessTimeout.Milliseconds())
	if err != nil {
		return nil, errors.PersistenceError("list_live_runners", err)
	}
	return live, nil
}

// Get looks up a runner by id regardless of liveness.
func (r *Registry) Get(ctx context.Context, id string) (*apiv1.Runner, error) {
	rec, err := r.store.GetRunner(ctx, id)
	if err != nil {
		if state.IsNotFound(err) {
			return nil, errors.NotFound("runner", id)
		}
		return nil, errors.PersistenceError("get_runner", err)
	}
	return rec, nil
}
