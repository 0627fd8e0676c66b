package runner

import (
	"context"
	"sort"

	"github.com/kandev/ash/internal/common/errors"
	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/pkg/apiv1"
)

// Router selects a runner to host a new sandbox. An empty runner id from
// Select means the coordinator should execute locally.
type Router struct {
	registry *Registry
	logger   *logger.Logger
}

// NewRouter builds a Router over registry.
func NewRouter(registry *Registry, log *logger.Logger) *Router {
	return &Router{registry: registry, logger: log}
}

// Select returns the live runner with the most free slots
// (maxSandboxes - activeCount - warmingCount), ties broken by earliest
// registeredAt. Returns ("", nil) when no runner is registered at all, so
// the caller executes locally. Returns errors.CapacityExceeded when
// runners are registered but all are full.
func (rt *Router) Select(ctx context.Context) (string, error) {
	live, err := rt.registry.ListLive(ctx)
	if err != nil {
		return "", err
	}
	if len(live) == 0 {
		return "", nil
	}

	sort.Slice(live, func(i, j int) bool {
		return live[i].RegisteredAt.Before(live[j].RegisteredAt)
	})

	var best *apiv1.Runner
	bestFree := -1
	for _, r := range live {
		free := r.MaxSandboxes - r.ActiveCount - r.WarmingCount
		if free > bestFree {
			best = r
			bestFree = free
		}
	}
	if best == nil || bestFree <= 0 {
		return "", errors.CapacityExceeded("runners")
	}
	return best.ID, nil
}
