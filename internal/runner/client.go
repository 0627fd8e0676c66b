package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/pkg/apiv1"
	"github.com/kandev/ash/pkg/bridgeproto"
)

// RemoteClient forwards lifecycle calls to one runner's internal HTTP
// surface, identified by the session's runnerId. Every call carries the
// shared internal secret as a bearer token.
type RemoteClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewRemoteClient builds a RemoteClient targeting host:port.
func NewRemoteClient(host string, port int, secret string, log *logger.Logger) *RemoteClient {
	return &RemoteClient{
		baseURL:    fmt.Sprintf("http://%s:%d", host, port),
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log,
	}
}

func (c *RemoteClient) doRequest(ctx context.Context, method, path string, body io.Reader, timeout time.Duration) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("runner: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.httpClient
	if timeout > 0 {
		client = &http.Client{Timeout: timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner: request failed: %w", err)
	}
	return resp, nil
}

func postJSON(ctx context.Context, c *RemoteClient, path string, reqBody, respBody interface{}, timeout time.Duration) error {
	var buf bytes.Buffer
	if reqBody != nil {
		if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
			return fmt.Errorf("runner: encode request: %w", err)
		}
	}
	resp, err := c.doRequest(ctx, http.MethodPost, path, &buf, timeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, respBody)
}

func decodeOrError(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("runner: remote call failed: HTTP %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateSandboxRequest mirrors sandboxmgr.CreateOpts over the wire.
type CreateSandboxRequest struct {
	SessionID     string            `json:"sessionId"`
	AgentName     string            `json:"agentName"`
	AgentDir      string            `json:"agentDir"`
	CredentialID  string            `json:"credentialId,omitempty"`
	ExtraEnv      map[string]string `json:"extraEnv,omitempty"`
	StartupScript string            `json:"startupScript,omitempty"`
}

// CreateSandbox forwards a sandbox create to the runner.
func (c *RemoteClient) CreateSandbox(ctx context.Context, req CreateSandboxRequest) (*apiv1.Sandbox, error) {
	var sb apiv1.Sandbox
	if err := postJSON(ctx, c, "/api/internal/sandboxes", req, &sb, 0); err != nil {
		return nil, err
	}
	return &sb, nil
}

// DestroySandbox forwards a sandbox destroy to the runner.
func (c *RemoteClient) DestroySandbox(ctx context.Context, sandboxID string, keepWorkspace bool) error {
	path := fmt.Sprintf("/api/internal/sandboxes/%s/destroy?keepWorkspace=%t", sandboxID, keepWorkspace)
	return postJSON(ctx, c, path, nil, nil, 0)
}

// Exec forwards a one-shot command to the runner's sandbox.
func (c *RemoteClient) Exec(ctx context.Context, sandboxID string, command []string, timeout time.Duration) (*apiv1.ExecResult, error) {
	req := struct {
		Command   []string `json:"command"`
		TimeoutMs int64    `json:"timeoutMs"`
	}{Command: command, TimeoutMs: timeout.Milliseconds()}

	var result apiv1.ExecResult
	path := fmt.Sprintf("/api/internal/sandboxes/%s/exec", sandboxID)
	if err := postJSON(ctx, c, path, req, &result, timeout+5*time.Second); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListFiles forwards a directory listing request to the runner.
func (c *RemoteClient) ListFiles(ctx context.Context, sandboxID, path string) ([]apiv1.FileEntry, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/internal/sandboxes/%s/files?path=%s", sandboxID, path), nil, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var entries []apiv1.FileEntry
	if err := decodeOrError(resp, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ReadFile forwards a single-file read request to the runner.
func (c *RemoteClient) ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/internal/sandboxes/%s/files/%s", sandboxID, path), nil, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("runner: read file failed: HTTP %d: %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

// StreamQuery forwards a query to the runner's sandbox and tunnels the
// bridge's event stream back over chunked transfer, one JSON event per
// line, reusing the bridge protocol's own framing so nothing is
// reinterpreted along the way.
func (c *RemoteClient) StreamQuery(ctx context.Context, sandboxID, sessionID, prompt, model string, includePartial bool) (<-chan bridgeproto.Event, error) {
	reqBody := bridgeproto.QueryCommand(sessionID, prompt, model, includePartial)
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return nil, fmt.Errorf("runner: encode query: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/api/internal/sandboxes/%s/query", sandboxID), &buf, 0)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("runner: stream query failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	out := make(chan bridgeproto.Event, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		dec := bridgeproto.NewDecoder(resp.Body)
		for {
			ev, err := dec.NextEvent()
			if err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Ev == bridgeproto.EvDone || ev.Ev == bridgeproto.EvError {
				return
			}
		}
	}()
	return out, nil
}
