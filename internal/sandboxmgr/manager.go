// Package sandboxmgr creates and destroys sandboxes on a single node:
// copy agent directory, run install, spawn the bridge process, connect,
// and bookkeep the result.
package sandboxmgr

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	bridgeclient "github.com/kandev/ash/internal/bridge/client"
	"github.com/kandev/ash/internal/common/errors"
	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/internal/credentials"
	"github.com/kandev/ash/internal/events/bus"
	"github.com/kandev/ash/internal/limits"
	"github.com/kandev/ash/internal/snapshot"
	"github.com/kandev/ash/pkg/apiv1"
	"github.com/kandev/ash/pkg/bridgeproto"
)

const (
	readyTimeout   = 15 * time.Second
	installTimeout = 2 * time.Minute
	stopGrace      = 10 * time.Second
)

// CreateOpts describes a sandbox to create.
type CreateOpts struct {
	SessionID     string
	AgentName     string
	AgentDir      string
	CredentialID  string
	ExtraEnv      map[string]string
	StartupScript string

	// RestoreFunc, if set, overlays workspaceDir with prior state (a
	// snapshot) after the agent directory is copied in and before the
	// bridge process is spawned, so a resumed or forked sandbox never
	// starts its agent against a workspace that is missing restored
	// files.
	RestoreFunc func(workspaceDir string) error
}

// ManagedSandbox is the result of a successful create.
type ManagedSandbox struct {
	ID           string
	SocketPath   string
	WorkspaceDir string
	State        apiv1.SandboxState
	ContainerID  string
}

// Manager owns sandboxes local to this node.
type Manager struct {
	dataDir  string
	limits   *limits.Client
	creds    *credentials.Chain
	eventBus bus.EventBus
	logger   *logger.Logger

	mu        sync.RWMutex
	sandboxes map[string]*entry
}

type entry struct {
	managed *ManagedSandbox
	client  *bridgeclient.Client
}

// New builds a Manager.
func New(dataDir string, limitsClient *limits.Client, creds *credentials.Chain, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		dataDir:   dataDir,
		limits:    limitsClient,
		creds:     creds,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "sandbox-manager")),
		sandboxes: make(map[string]*entry),
	}
}

// Create allocates a workspace, installs the agent, spawns the bridge, and
// waits for it to become ready. Any failure after workspace allocation
// rolls back everything already done.
func (m *Manager) Create(ctx context.Context, opts CreateOpts) (*ManagedSandbox, error) {
	id := uuid.New().String()
	workspaceDir := filepath.Join(m.dataDir, "sandboxes", id, "workspace")

	log := m.logger.WithFields(zap.String("sandbox_id", id), zap.String("session_id", opts.SessionID))
	log.Info("creating sandbox")

	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, errors.InternalError("allocate workspace", err)
	}

	managed := &ManagedSandbox{ID: id, WorkspaceDir: workspaceDir, State: apiv1.SandboxWarming}

	rollback := func() {
		_ = os.RemoveAll(filepath.Dir(workspaceDir))
	}

	if err := copyAgentDir(opts.AgentDir, workspaceDir); err != nil {
		rollback()
		return nil, errors.InternalError("copy agent directory", err)
	}

	if opts.RestoreFunc != nil {
		if err := opts.RestoreFunc(workspaceDir); err != nil {
			rollback()
			return nil, errors.InternalError("restore snapshot", err)
		}
	}

	if err := runInstallScript(ctx, workspaceDir); err != nil {
		rollback()
		return nil, errors.InternalError("install.sh failed", err)
	}

	if opts.StartupScript != "" {
		if err := runScript(ctx, workspaceDir, opts.StartupScript, installTimeout); err != nil {
			rollback()
			return nil, errors.InternalError("startup script failed", err)
		}
	}

	socketDir := filepath.Join(m.dataDir, "sandboxes", id)
	socketPath := filepath.Join(socketDir, "bridge.sock")
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		rollback()
		return nil, errors.InternalError("allocate socket path", err)
	}
	managed.SocketPath = socketPath

	// The bridge process runs inside the container, so every path it's
	// told about must be the container-side mount target, not the host
	// path sandboxmgr itself uses to reach the same files.
	const (
		workdirInContainer   = "/workspace"
		socketDirInContainer = "/var/run/ash-bridge"
	)
	env := m.buildEnv(ctx, opts)
	env["ASH_SOCKET_PATH"] = filepath.Join(socketDirInContainer, filepath.Base(socketPath))
	env["ASH_AGENT_DIR"] = workdirInContainer
	env["ASH_WORKSPACE_DIR"] = workdirInContainer
	// The bridge's debug/real-SDK switches are part of the named
	// allowlist, not ambient passthrough, so they're forwarded explicitly
	// here rather than via buildEnv's PATH/HOME/LANG/TERM base set.
	if v := os.Getenv("ASH_DEBUG_TIMING"); v != "" {
		env["ASH_DEBUG_TIMING"] = v
	}
	if v := os.Getenv("ASH_USE_REAL_SDK"); v != "" {
		env["ASH_USE_REAL_SDK"] = v
	}

	handle, err := m.limits.Spawn(ctx, limits.SpawnOpts{
		Name:                 fmt.Sprintf("ash-sandbox-%s", id[:8]),
		Image:                defaultSandboxImage,
		WorkspaceDir:         workspaceDir,
		WorkdirInContainer:   workdirInContainer,
		SocketDir:            socketDir,
		SocketDirInContainer: socketDirInContainer,
		Env:                  env,
		Caps:                 limits.DefaultCaps(),
		Labels:               map[string]string{"ash.managed": "true", "ash.sandbox_id": id, "ash.session_id": opts.SessionID},
	})
	if err != nil {
		rollback()
		return nil, err
	}
	managed.ContainerID = handle.ContainerID

	bc, err := bridgeclient.Dial(ctx, socketPath, readyTimeout, id, m.logger)
	if err != nil {
		_ = m.limits.Kill(ctx, handle.ContainerID)
		_ = m.limits.Remove(ctx, handle.ContainerID)
		rollback()
		return nil, err
	}

	managed.State = apiv1.SandboxWarm

	m.mu.Lock()
	m.sandboxes[id] = &entry{managed: managed, client: bc}
	m.mu.Unlock()

	log.Info("sandbox created", zap.String("container_id", handle.ContainerID))
	return managed, nil
}

// Destroy sends shutdown if connected, then stops the container (SIGTERM,
// then SIGKILL after a grace period), removes it, and drops the in-memory
// entry. The workspace is left on disk when keepWorkspace is set.
func (m *Manager) Destroy(ctx context.Context, id string, keepWorkspace bool) error {
	m.mu.Lock()
	e, ok := m.sandboxes[id]
	if ok {
		delete(m.sandboxes, id)
	}
	m.mu.Unlock()
	if !ok {
		return errors.NotFound("sandbox", id)
	}

	if e.client != nil {
		_ = e.client.WriteCommand(bridgeproto.ShutdownCommand())
		_ = e.client.Close()
	}

	if e.managed.ContainerID != "" {
		if err := m.limits.Stop(ctx, e.managed.ContainerID, stopGrace); err != nil {
			_ = m.limits.Kill(ctx, e.managed.ContainerID)
		}
		_ = m.limits.Remove(ctx, e.managed.ContainerID)
	}

	if !keepWorkspace {
		_ = os.RemoveAll(filepath.Dir(e.managed.WorkspaceDir))
	}
	return nil
}

// GetClient returns the bridge client reused for all commands to a
// sandbox.
func (m *Manager) GetClient(id string) (*bridgeclient.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sandboxes[id]
	if !ok {
		return nil, errors.NotFound("sandbox", id)
	}
	return e.client, nil
}

// Get returns the tracked ManagedSandbox record.
func (m *Manager) Get(id string) (*ManagedSandbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sandboxes[id]
	if !ok {
		return nil, false
	}
	return e.managed, true
}

// Logs returns the sandbox container's combined stdout/stderr. follow
// keeps the stream open for new output; the caller must close the
// returned reader.
func (m *Manager) Logs(ctx context.Context, id string, follow bool, tail string) (io.ReadCloser, error) {
	managed, ok := m.Get(id)
	if !ok {
		return nil, errors.NotFound("sandbox", id)
	}
	return m.limits.ContainerLogs(ctx, managed.ContainerID, follow, tail)
}

// Exec proxies a one-shot command to the sandbox via an exec command.
func (m *Manager) Exec(ctx context.Context, id string, command []string, timeout time.Duration) (*apiv1.ExecResult, error) {
	bc, err := m.GetClient(id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events, err := bc.SendCommand(ctx, bridgeproto.ExecCommand(command, timeout.Milliseconds()))
	if err != nil {
		return nil, errors.BridgeLost(id, err)
	}

	for ev := range events {
		switch ev.Ev {
		case bridgeproto.EvExecResult:
			return &apiv1.ExecResult{ExitCode: ev.ExitCode, Stdout: ev.Stdout, Stderr: ev.Stderr}, nil
		case bridgeproto.EvError:
			return nil, errors.UpstreamError(fmt.Errorf("%s", ev.Error))
		}
	}
	return nil, errors.BridgeLost(id, fmt.Errorf("bridge closed without exec_result"))
}

// ReadFiles lists the live workspace directory on disk, excluding the same
// paths snapshot does. path is relative to the workspace root.
func (m *Manager) ReadFiles(id, path string) ([]apiv1.FileEntry, error) {
	if err := validateRelPath(path); err != nil {
		return nil, err
	}
	managed, ok := m.Get(id)
	if !ok {
		return nil, errors.NotFound("sandbox", id)
	}
	return listDir(filepath.Join(managed.WorkspaceDir, path))
}

// ReadFile reads a single file from the live workspace, capped at 1 MiB.
func (m *Manager) ReadFile(id, path string) ([]byte, error) {
	if err := validateRelPath(path); err != nil {
		return nil, err
	}
	managed, ok := m.Get(id)
	if !ok {
		return nil, errors.NotFound("sandbox", id)
	}
	return readFileCapped(filepath.Join(managed.WorkspaceDir, path), 1<<20)
}

func (m *Manager) buildEnv(ctx context.Context, opts CreateOpts) map[string]string {
	env := make(map[string]string)
	for k := range limits.BaseAllowlist() {
		if v := os.Getenv(k); v != "" {
			env[k] = v
		}
	}
	if opts.CredentialID != "" && m.creds != nil {
		if credEnv, err := m.creds.Resolve(ctx, opts.CredentialID); err == nil {
			for k, v := range credEnv {
				env[k] = v
			}
		} else {
			m.logger.Warn("credential resolution failed", zap.String("credential_id", opts.CredentialID), zap.Error(err))
		}
	}
	for k, v := range opts.ExtraEnv {
		env[k] = v
	}
	return env
}

const defaultSandboxImage = "ash-sandbox:latest"

func copyAgentDir(src, dst string) error {
	return snapshot.CopyTree(src, dst)
}

func runInstallScript(ctx context.Context, workspaceDir string) error {
	path := filepath.Join(workspaceDir, "install.sh")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return runScript(ctx, workspaceDir, "./install.sh", installTimeout)
}

func runScript(ctx context.Context, workspaceDir, script string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = workspaceDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", script, err, string(out))
	}
	return nil
}
