// Command ash-bridge runs inside a sandbox container. It loads the agent's
// system prompt once, listens on a local unix socket, and translates
// bridgeproto commands into calls against an UpstreamAgent, single-threaded
// per connection with cooperative I/O.
package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kandev/ash/internal/common/logger"
)

const systemPromptFile = "CLAUDE.md"

func main() {
	log, err := logger.NewLogger(logger.Config{Level: os.Getenv("ASH_LOG_LEVEL"), Format: os.Getenv("ASH_LOG_FORMAT")})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ash-bridge: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	socketPath := os.Getenv("ASH_SOCKET_PATH")
	agentDir := os.Getenv("ASH_AGENT_DIR")
	workspaceDir := os.Getenv("ASH_WORKSPACE_DIR")
	if socketPath == "" || agentDir == "" || workspaceDir == "" {
		log.Error("missing required environment",
			zap.String("ASH_SOCKET_PATH", socketPath), zap.String("ASH_AGENT_DIR", agentDir), zap.String("ASH_WORKSPACE_DIR", workspaceDir))
		os.Exit(1)
	}

	systemPrompt, err := loadSystemPrompt(agentDir)
	if err != nil {
		log.Error("failed to load system prompt", zap.Error(err))
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		log.Error("failed to create socket directory", zap.Error(err))
		os.Exit(1)
	}
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		log.Error("failed to listen on socket", zap.String("path", socketPath), zap.Error(err))
		os.Exit(1)
	}
	defer listener.Close()

	log.Info("ash-bridge listening", zap.String("socket", socketPath), zap.String("workspace", workspaceDir))

	agent := NewUpstreamAgent()

	for {
		nc, err := listener.Accept()
		if err != nil {
			log.Error("accept failed", zap.Error(err))
			return
		}

		c := newConn(nc, agent, systemPrompt, workspaceDir, log)
		if shutdown := c.serve(); shutdown {
			log.Info("shutdown command received, exiting")
			return
		}
	}
}

// loadSystemPrompt reads CLAUDE.md from the agent directory once at start.
// A missing file is not fatal: a sandbox with no system prompt still runs,
// it just sends an empty one upstream.
func loadSystemPrompt(agentDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(agentDir, systemPromptFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}
