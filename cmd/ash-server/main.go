package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/ash/internal/agentcatalog"
	"github.com/kandev/ash/internal/common/config"
	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/internal/credentials"
	"github.com/kandev/ash/internal/events/bus"
	"github.com/kandev/ash/internal/httpapi"
	"github.com/kandev/ash/internal/limits"
	"github.com/kandev/ash/internal/pool"
	"github.com/kandev/ash/internal/runner"
	"github.com/kandev/ash/internal/sandboxmgr"
	"github.com/kandev/ash/internal/session"
	"github.com/kandev/ash/internal/snapshot"
	"github.com/kandev/ash/internal/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting ash", zap.String("mode", string(cfg.Mode)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := bus.Connect(cfg.NATSURL)
	defer eventBus.Close()
	if eventBus.IsConnected() {
		log.Info("connected to event bus", zap.String("url", cfg.NATSURL))
	} else {
		log.Warn("event bus unreachable, running with a no-op bus", zap.String("url", cfg.NATSURL))
	}

	limitsClient, err := limits.NewClient(ctx, cfg.Docker, log)
	if err != nil {
		log.Error("failed to initialize docker client", zap.Error(err))
		os.Exit(1)
	}
	defer limitsClient.Close()
	log.Info("docker capabilities detected", zap.Any("capabilities", limitsClient.Capabilities()))

	credsChain := credentials.NewChain(buildCredentialProviders()...)

	sandboxMgr := sandboxmgr.New(cfg.DataDir, limitsClient, credsChain, eventBus, log)

	var engine *gin.Engine

	if cfg.IsCoordinator() {
		store, err := state.Open(ctx, cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			log.Error("failed to open state store", zap.Error(err))
			os.Exit(1)
		}
		defer store.Close()

		mirror, err := buildCloudMirror(ctx, cfg.SnapshotURL)
		if err != nil {
			log.Error("failed to initialize cloud mirror", zap.Error(err))
			os.Exit(1)
		}
		snapStore, err := snapshot.New(filepath.Join(cfg.DataDir, "snapshots"), log, mirror)
		if err != nil {
			log.Error("failed to initialize snapshot store", zap.Error(err))
			os.Exit(1)
		}

		p := pool.New(pool.Config{
			MaxCapacity:     cfg.Pool.MaxSandboxes,
			IdleTimeout:     cfg.Pool.IdleTimeout,
			ColdCleanupTTL:  cfg.Pool.ColdCleanupTTL,
			SweepInterval:   cfg.Pool.SweepInterval,
			CleanupInterval: cfg.Pool.CleanupInterval,
		}, sandboxMgr, snapStore, store, log)
		if err := p.Start(ctx); err != nil {
			log.Error("failed to start sandbox pool", zap.Error(err))
			os.Exit(1)
		}
		defer p.Stop()

		catalog := agentcatalog.New(store)
		sessionSvc := session.New(store, p, sandboxMgr, snapStore, catalog, eventBus, log)
		registry := runner.New(store, cfg.Runner.LivenessTimeout, log)
		router := runner.NewRouter(registry, log)

		engine = httpapi.NewRouter(cfg, sessionSvc, catalog, registry, router, store, log)
		log.Info("coordinator surface ready")
	}

	if cfg.IsRunner() {
		runnerServer := runner.NewServer(sandboxMgr, log)
		engine = gin.New()
		engine.Use(httpapi.Recovery(log), httpapi.RequestLogger(log), httpapi.ErrorHandler(log))
		engine.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
		internalGroup := engine.Group("/api/internal")
		internalGroup.Use(httpapi.InternalAuth(cfg.InternalSecret))
		runnerServer.RegisterRoutes(internalGroup)

		go registerAndHeartbeat(ctx, cfg, log)
	}

	if engine == nil {
		log.Error("ash configured with neither coordinator nor runner responsibilities; nothing to serve")
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down ash")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("ash stopped")
}

// buildCredentialProviders assembles the credential chain: an environment
// provider that looks a name up as given and then with the ASH_CRED_
// prefix, plus an optional file provider when ASH_CREDENTIALS_FILE is set.
func buildCredentialProviders() []credentials.Provider {
	providers := []credentials.Provider{credentials.NewEnvProvider("ASH_CRED_")}
	if path := os.Getenv("ASH_CREDENTIALS_FILE"); path != "" {
		providers = append(providers, credentials.NewFileProvider(path))
	}
	return providers
}

// buildCloudMirror parses rawURL into a CloudMirror, or returns a nil
// mirror (local-only persistence) when rawURL is empty.
func buildCloudMirror(ctx context.Context, rawURL string) (snapshot.CloudMirror, error) {
	if rawURL == "" {
		return nil, nil
	}
	if !strings.HasPrefix(rawURL, "s3://") {
		return nil, fmt.Errorf("unsupported snapshot mirror scheme in %q (only s3:// is supported)", rawURL)
	}
	return snapshot.NewS3Mirror(ctx, rawURL)
}

// registerAndHeartbeat registers this runner with its coordinator and
// heartbeats until ctx is cancelled. The heartbeat refreshes liveness only:
// it always reports activeCount and warmingCount as zero, so the
// coordinator's free-slot count for this runner does not reflect the
// sandboxes it is hosting. Registration
// failures are logged and retried rather than treated as fatal, since a
// runner that can't reach its coordinator yet may still come up before the
// coordinator does.
func registerAndHeartbeat(ctx context.Context, cfg *config.Config, log *logger.Logger) {
	advertiseHost := cfg.Runner.AdvertiseHost
	if advertiseHost == "" {
		advertiseHost = cfg.Runner.Host
	}

	register := func() bool {
		body, _ := json.Marshal(struct {
			ID           string `json:"id"`
			Host         string `json:"host"`
			Port         int    `json:"port"`
			MaxSandboxes int    `json:"maxSandboxes"`
		}{ID: cfg.Runner.ID, Host: advertiseHost, Port: cfg.Runner.Port, MaxSandboxes: cfg.Pool.MaxSandboxes})

		if err := postInternal(ctx, cfg, "/api/internal/runners/register", body); err != nil {
			log.Warn("runner registration failed, will retry", zap.Error(err))
			return false
		}
		log.Info("runner registered with coordinator", zap.String("runner_id", cfg.Runner.ID))
		return true
	}

	for !register() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}

	ticker := time.NewTicker(cfg.Runner.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			body, _ := json.Marshal(struct {
				ID           string `json:"id"`
				ActiveCount  int    `json:"activeCount"`
				WarmingCount int    `json:"warmingCount"`
			}{ID: cfg.Runner.ID})
			if err := postInternal(ctx, cfg, "/api/internal/runners/heartbeat", body); err != nil {
				log.Warn("runner heartbeat failed", zap.Error(err))
			}
		}
	}
}

func postInternal(ctx context.Context, cfg *config.Config, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Runner.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.InternalSecret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("coordinator returned HTTP %d", resp.StatusCode)
	}
	return nil
}
