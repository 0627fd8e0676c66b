// Package limits spawns a sandbox's bridge process under a filesystem
// namespace, resource caps, and an environment allowlist, using Docker
// containers as the enforcement mechanism.
package limits

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/kandev/ash/internal/common/config"
	"github.com/kandev/ash/internal/common/logger"
)

// Capabilities reports which caps the layer could actually enforce on this
// host/daemon, per the best-effort-fallback design note: strict mode
// rejects spawns that don't meet a minimum, best-effort proceeds with
// warnings.
type Capabilities struct {
	FilesystemIsolated bool
	CPUCapped          bool
	MemCapped          bool
	ProcessCapped      bool
}

// Caps are the resource ceilings applied to every sandbox, with the
// defaults from the spec.
type Caps struct {
	MemoryMB      int64
	CPUCores      float64
	DiskCeilingMB int64
	MaxProcesses  int64
}

// DefaultCaps returns the spec's default resource ceilings.
func DefaultCaps() Caps {
	return Caps{
		MemoryMB:      2048,
		CPUCores:      1.0,
		DiskCeilingMB: 1024,
		MaxProcesses:  64,
	}
}

// envAllowlist is the base set of variable names copied from the
// coordinator's environment into a sandbox (see BaseAllowlist); the ambient
// process environment is never broadcast. Everything else a sandbox
// receives (credential env, extraEnv, Ash debug/real-SDK switches) arrives
// already assembled in SpawnOpts.Env.
var envAllowlist = map[string]bool{
	"PATH": true,
	"HOME": true,
	"LANG": true,
	"TERM": true,
}

// SpawnOpts describes a single sandbox process to spawn.
type SpawnOpts struct {
	Name         string
	Image        string
	Cmd          []string
	WorkspaceDir string // bind-mounted read-write at WorkdirInContainer
	WorkdirInContainer string
	// SocketDir, when set, is bind-mounted at SocketDirInContainer so the
	// bridge's unix socket file, created from inside the container, is
	// reachable from the host process dialing it.
	SocketDir            string
	SocketDirInContainer string
	Env                  map[string]string // already-filtered env to forward (allowlist ∪ credentials ∪ extraEnv)
	Caps                 Caps
	Labels               map[string]string
}

// Handle identifies a spawned sandbox process and its observed
// capabilities.
type Handle struct {
	ContainerID  string
	Capabilities Capabilities
}

// Client is the resource-limits layer. It wraps the Docker SDK the same
// way the sandbox lifecycle's own Docker wrapper does, generalized from
// "agent container" to "sandbox process."
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
	caps   Capabilities
}

// NewClient builds a limits.Client, probing the daemon once to determine
// which caps it can enforce.
func NewClient(ctx context.Context, cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("limits: create docker client: %w", err)
	}

	c := &Client{cli: cli, logger: log, config: cfg}

	if _, err := cli.Ping(ctx); err != nil {
		log.Warn("docker daemon unreachable at startup, sandbox caps will be best-effort", zap.Error(err))
		c.caps = Capabilities{}
		return c, nil
	}
	// A reachable daemon is reported as enforcing all four caps via
	// cgroups. Whether the pids controller that PidsLimit relies on is
	// present is not checked.
	c.caps = Capabilities{FilesystemIsolated: true, CPUCapped: true, MemCapped: true, ProcessCapped: true}
	return c, nil
}

// Close releases the underlying Docker client.
func (c *Client) Close() error { return c.cli.Close() }

// Capabilities reports the caps this layer can enforce.
func (c *Client) Capabilities() Capabilities { return c.caps }

// EnsureImage pulls opts.Image if it is not already present locally. Best
// effort: a pull failure is only fatal if the image genuinely cannot be
// found when creating the container.
func (c *Client) EnsureImage(ctx context.Context, imageName string) error {
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return nil // rely on CreateContainer's own error if the image is truly missing
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// Spawn starts a sandboxed process under the given caps and env
// allowlist, returning a handle usable for Stop/Kill/Exec/Wait.
func (c *Client) Spawn(ctx context.Context, opts SpawnOpts) (*Handle, error) {
	env := filterEnv(opts.Env)

	mounts := []mount.Mount{{
		Type:     mount.TypeBind,
		Source:   opts.WorkspaceDir,
		Target:   opts.WorkdirInContainer,
		ReadOnly: false,
	}}
	if opts.SocketDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   opts.SocketDir,
			Target:   opts.SocketDirInContainer,
			ReadOnly: false,
		})
	}

	// The configured sandbox image (ASH_SANDBOX_IMAGE) takes precedence
	// over opts.Image.
	img := opts.Image
	if c.config.SandboxImage != "" {
		img = c.config.SandboxImage
	}

	containerCfg := &container.Config{
		Image:      img,
		Cmd:        opts.Cmd,
		Env:        env,
		WorkingDir: opts.WorkdirInContainer,
		Labels:     opts.Labels,
	}

	hostCfg := &container.HostConfig{
		Mounts:         mounts,
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		Tmpfs:          map[string]string{"/tmp": ""},
		AutoRemove:     false,
		Resources: container.Resources{
			Memory:   opts.Caps.MemoryMB * 1024 * 1024,
			CPUQuota: int64(opts.Caps.CPUCores * 100000),
			CPUPeriod: 100000,
			PidsLimit: &opts.Caps.MaxProcesses,
		},
	}
	if !c.config.NetworkEnable {
		hostCfg.NetworkMode = container.NetworkMode("none")
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("limits: create sandbox container: %w", err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("limits: start sandbox container: %w", err)
	}

	return &Handle{ContainerID: resp.ID, Capabilities: c.caps}, nil
}

// Stop sends a graceful stop with the given grace period.
func (c *Client) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	secs := int(grace.Seconds())
	return c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs})
}

// Kill force-kills a container.
func (c *Client) Kill(ctx context.Context, containerID string) error {
	return c.cli.ContainerKill(ctx, containerID, "SIGKILL")
}

// Remove removes a stopped container.
func (c *Client) Remove(ctx context.Context, containerID string) error {
	return c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

// Wait blocks until the container exits, returning the exit code and
// whether it was OOM-killed.
func (c *Client) Wait(ctx context.Context, containerID string) (exitCode int64, oomKilled bool, err error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case e := <-errCh:
		if e != nil {
			return -1, false, fmt.Errorf("limits: wait sandbox container: %w", e)
		}
	case status := <-statusCh:
		inspect, inspectErr := c.cli.ContainerInspect(ctx, containerID)
		if inspectErr == nil {
			oomKilled = inspect.State.OOMKilled
		}
		return status.StatusCode, oomKilled, nil
	case <-ctx.Done():
		return -1, false, ctx.Err()
	}
	return -1, false, nil
}

// WorkspaceDiskUsageMB walks the bind-mounted workspace from the host side
// (visible without entering the container) to compute its recursive size
// for the disk monitor.
func WorkspaceDiskUsageMB(workspaceDir string) (int64, error) {
	return dirSizeMB(workspaceDir)
}

// IsOverDiskCap reports whether usage exceeds the configured ceiling.
func IsOverDiskCap(workspaceDir string, caps Caps) (bool, error) {
	used, err := WorkspaceDiskUsageMB(workspaceDir)
	if err != nil {
		return false, err
	}
	return used > caps.DiskCeilingMB, nil
}

// Exec runs a one-shot command inside the running container and captures
// its combined output, bounded by timeout.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string, timeout time.Duration) (exitCode int, stdout, stderr string, err error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.cli.ContainerExecCreate(execCtx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, "", "", fmt.Errorf("limits: exec create: %w", err)
	}

	attach, err := c.cli.ContainerExecAttach(execCtx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, "", "", fmt.Errorf("limits: exec attach: %w", err)
	}
	defer attach.Close()

	out, _ := io.ReadAll(attach.Reader)

	inspect, err := c.cli.ContainerExecInspect(execCtx, resp.ID)
	if err != nil {
		return -1, string(out), "", fmt.Errorf("limits: exec inspect: %w", err)
	}
	return inspect.ExitCode, string(out), "", nil
}

// ContainerLogs streams a sandbox container's combined stdout/stderr,
// optionally following new output as it's produced.
func (c *Client) ContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error) {
	reader, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tail,
	})
	if err != nil {
		return nil, fmt.Errorf("limits: container logs for %s: %w", containerID, err)
	}
	return reader, nil
}

// ListLabeled lists containers matching the given labels, used on startup
// to re-discover live sandboxes.
func (c *Client) ListLabeled(ctx context.Context, labels map[string]string) ([]string, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(containers))
	for _, ctr := range containers {
		ids = append(ids, ctr.ID)
	}
	return ids, nil
}

// IsRunning reports whether a container is currently running.
func (c *Client) IsRunning(ctx context.Context, containerID string) bool {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

func filterEnv(allowed map[string]string) []string {
	out := make([]string, 0, len(allowed))
	for k, v := range allowed {
		out = append(out, k+"="+v)
	}
	return out
}

// BaseAllowlist returns the always-allowed variable names (PATH, HOME,
// LANG, TERM); callers merge credential and Ash-specific variables on top.
func BaseAllowlist() map[string]bool {
	out := make(map[string]bool, len(envAllowlist))
	for k, v := range envAllowlist {
		out[k] = v
	}
	return out
}
