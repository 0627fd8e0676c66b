// Package agentcatalog manages deployed agent bundles: directory
// validation, versioned redeploy, and lookup, backed by the state store.
package agentcatalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kandev/ash/internal/common/errors"
	"github.com/kandev/ash/internal/state"
	"github.com/kandev/ash/pkg/apiv1"
)

// Catalog manages agent bundles for a tenant.
type Catalog struct {
	store state.Store
}

// New returns a Catalog backed by store.
func New(store state.Store) *Catalog {
	return &Catalog{store: store}
}

// requiredFile is the one file whose presence is validated before an agent
// directory is accepted; everything else in the agent's directory layout
// (optional .mcp.json, .claude/settings.json, install.sh) is an external
// packaging concern this layer does not police.
const requiredFile = "CLAUDE.md"

// Deploy validates that path contains CLAUDE.md, then inserts or redeploys
// (bumping version) the agent record.
func (c *Catalog) Deploy(ctx context.Context, tenantID, name, path string) (*apiv1.Agent, error) {
	if err := validateAgentDir(path); err != nil {
		return nil, err
	}

	existing, err := c.store.GetAgent(ctx, tenantID, name)
	version := 1
	if err == nil && existing != nil {
		version = existing.Version + 1
	} else if err != nil && !state.IsNotFound(err) {
		return nil, errors.PersistenceError("get_agent", err)
	}

	agent := &apiv1.Agent{
		Name:      name,
		TenantID:  tenantID,
		Version:   version,
		Path:      path,
		UpdatedAt: time.Now(),
	}
	if version == 1 {
		agent.CreatedAt = agent.UpdatedAt
	} else {
		agent.CreatedAt = existing.CreatedAt
	}

	if err := c.store.UpsertAgent(ctx, agent); err != nil {
		return nil, errors.PersistenceError("upsert_agent", err)
	}
	return agent, nil
}

// Get looks up an agent by tenant and name.
func (c *Catalog) Get(ctx context.Context, tenantID, name string) (*apiv1.Agent, error) {
	agent, err := c.store.GetAgent(ctx, tenantID, name)
	if err != nil {
		if state.IsNotFound(err) {
			return nil, errors.NotFound("agent", name)
		}
		return nil, errors.PersistenceError("get_agent", err)
	}
	return agent, nil
}

// List returns all agents deployed for a tenant.
func (c *Catalog) List(ctx context.Context, tenantID string) ([]*apiv1.Agent, error) {
	agents, err := c.store.ListAgents(ctx, tenantID)
	if err != nil {
		return nil, errors.PersistenceError("list_agents", err)
	}
	return agents, nil
}

// Delete removes an agent record. It does not touch any sandboxes or
// sessions already running against prior versions of it.
func (c *Catalog) Delete(ctx context.Context, tenantID, name string) error {
	if err := c.store.DeleteAgent(ctx, tenantID, name); err != nil {
		return errors.PersistenceError("delete_agent", err)
	}
	return nil
}

func validateAgentDir(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return errors.BadRequest(fmt.Sprintf("agent directory %q does not exist", path))
	}
	if _, err := os.Stat(filepath.Join(path, requiredFile)); err != nil {
		return errors.BadRequest(fmt.Sprintf("agent directory %q is missing %s", path, requiredFile))
	}
	return nil
}
