// Package credentials resolves a sandbox's credentialId into the set of
// environment variables injected into its bridge process, on top of the
// env allowlist.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Credential is a single resolved secret value.
type Credential struct {
	Key    string
	Value  string
	Source string
}

// Provider resolves a credential id to the environment variables that
// should be injected for it. credential encryption-at-rest is an external
// collaborator's concern; providers here only resolve plaintext values
// already available to this process.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, credentialID string) (map[string]string, error)
}

// knownAPIKeyPatterns lists well-known upstream API config variable names,
// reported by ListKnownKeys. The sandbox env allowlist does not consult it:
// these variables reach a sandbox only as resolved credential env or as
// caller-supplied extraEnv.
var knownAPIKeyPatterns = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
}

// EnvProvider resolves a credentialID of the form "env:VAR_NAME" (or a bare
// VAR_NAME) directly from this process's environment, trying the name as
// given first and then under the prefix, if one is set.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider returns an EnvProvider. prefix may be empty.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "environment" }

func (p *EnvProvider) Resolve(ctx context.Context, credentialID string) (map[string]string, error) {
	key := strings.TrimPrefix(credentialID, "env:")

	if v := os.Getenv(key); v != "" {
		return map[string]string{key: v}, nil
	}
	if p.prefix != "" {
		if v := os.Getenv(p.prefix + key); v != "" {
			return map[string]string{key: v}, nil
		}
	}
	return nil, fmt.Errorf("credentials: %q not found in environment", key)
}

// ListKnownKeys reports the known upstream API key variable names,
// independent of whether they currently hold a value.
func ListKnownKeys() []string {
	out := make([]string, len(knownAPIKeyPatterns))
	copy(out, knownAPIKeyPatterns)
	return out
}

// fileRecord is one entry in a FileProvider's credential store file.
type fileRecord struct {
	Env map[string]string `json:"env"`
}

// FileProvider resolves credentialID against a JSON file on disk mapping
// credential id -> env var map, for deployments that keep a local secrets
// file instead of relying on the process environment.
type FileProvider struct {
	path string
}

// NewFileProvider returns a FileProvider reading from path. The file is
// read fresh on every Resolve call so external rotation takes effect
// without a restart.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Name() string { return "file:" + filepath.Base(p.path) }

func (p *FileProvider) Resolve(ctx context.Context, credentialID string) (map[string]string, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("credentials: read store: %w", err)
	}

	var records map[string]fileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("credentials: parse store: %w", err)
	}

	rec, ok := records[credentialID]
	if !ok {
		return nil, fmt.Errorf("credentials: %q not found in %s", credentialID, p.path)
	}
	return rec.Env, nil
}

// Chain tries each provider in order, returning the first successful
// resolution.
type Chain struct {
	providers []Provider
}

// NewChain builds a Chain over providers, tried in order.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

func (c *Chain) Resolve(ctx context.Context, credentialID string) (map[string]string, error) {
	var lastErr error
	for _, p := range c.providers {
		env, err := p.Resolve(ctx, credentialID)
		if err == nil {
			return env, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("credentials: no providers configured")
	}
	return nil, lastErr
}
