// Package config loads Ash's runtime configuration from environment
// variables via viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects whether this process behaves as a coordinator/standalone
// node or as a runner attached to a coordinator.
type Mode string

const (
	ModeStandalone  Mode = "standalone"
	ModeCoordinator Mode = "coordinator"
	ModeRunner      Mode = "runner"
)

// DockerConfig configures the resource-limits layer's Docker backend.
type DockerConfig struct {
	Host          string
	APIVersion    string
	SandboxImage  string
	NetworkEnable bool
}

// PoolConfig configures the sandbox pool.
type PoolConfig struct {
	MaxSandboxes   int
	IdleTimeout    time.Duration
	ColdCleanupTTL time.Duration
	SweepInterval  time.Duration
	CleanupInterval time.Duration
}

// RunnerConfig configures runner-mode behavior.
type RunnerConfig struct {
	ID            string
	Host          string
	Port          int
	AdvertiseHost string
	ServerURL     string
	HeartbeatEvery time.Duration
	LivenessTimeout time.Duration
}

// Config is the fully parsed runtime configuration for an Ash process.
type Config struct {
	Port    int
	Host    string
	DataDir string

	Mode Mode

	DBDriver string
	DBDSN    string

	NATSURL string

	Docker DockerConfig
	Pool   PoolConfig
	Runner RunnerConfig

	InternalSecret string
	APIKey         string

	SnapshotURL string

	LogLevel  string
	LogFormat string

	DebugTiming bool

	InstallTimeout  time.Duration
	ReadinessTimeout time.Duration
	ExecTimeout     time.Duration
}

// Load reads environment variables (with sensible defaults) into a Config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ash_port", 4100)
	v.SetDefault("ash_host", "0.0.0.0")
	v.SetDefault("ash_data_dir", "./data")
	v.SetDefault("ash_mode", string(ModeStandalone))
	v.SetDefault("ash_max_sandboxes", 16)
	v.SetDefault("ash_idle_timeout_ms", int64(30*time.Minute/time.Millisecond))
	v.SetDefault("ash_cold_cleanup_ttl_ms", int64(2*time.Hour/time.Millisecond))
	v.SetDefault("ash_db_driver", "sqlite")
	v.SetDefault("ash_db_dsn", "./data/ash.db")
	v.SetDefault("ash_nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("ash_docker_host", "")
	v.SetDefault("ash_docker_api_version", "")
	v.SetDefault("ash_docker_network_enable", false)
	v.SetDefault("ash_sandbox_image", "ash-sandbox:latest")
	v.SetDefault("ash_runner_id", "")
	v.SetDefault("ash_runner_port", 4200)
	v.SetDefault("ash_runner_host", "0.0.0.0")
	v.SetDefault("ash_runner_advertise_host", "")
	v.SetDefault("ash_runner_server_url", "")
	v.SetDefault("ash_internal_secret", "")
	v.SetDefault("ash_api_key", "")
	v.SetDefault("ash_snapshot_url", "")
	v.SetDefault("ash_log_level", "info")
	v.SetDefault("ash_log_format", "console")
	v.SetDefault("ash_debug_timing", false)

	cfg := &Config{
		Port:    v.GetInt("ash_port"),
		Host:    v.GetString("ash_host"),
		DataDir: v.GetString("ash_data_dir"),
		Mode:    Mode(v.GetString("ash_mode")),

		DBDriver: v.GetString("ash_db_driver"),
		DBDSN:    v.GetString("ash_db_dsn"),

		NATSURL: v.GetString("ash_nats_url"),

		Docker: DockerConfig{
			Host:          v.GetString("ash_docker_host"),
			APIVersion:    v.GetString("ash_docker_api_version"),
			SandboxImage:  v.GetString("ash_sandbox_image"),
			NetworkEnable: v.GetBool("ash_docker_network_enable"),
		},
		Pool: PoolConfig{
			MaxSandboxes:    v.GetInt("ash_max_sandboxes"),
			IdleTimeout:     time.Duration(v.GetInt64("ash_idle_timeout_ms")) * time.Millisecond,
			ColdCleanupTTL:  time.Duration(v.GetInt64("ash_cold_cleanup_ttl_ms")) * time.Millisecond,
			SweepInterval:   1 * time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
		Runner: RunnerConfig{
			ID:              v.GetString("ash_runner_id"),
			Host:            v.GetString("ash_runner_host"),
			Port:            v.GetInt("ash_runner_port"),
			AdvertiseHost:   v.GetString("ash_runner_advertise_host"),
			ServerURL:       v.GetString("ash_runner_server_url"),
			HeartbeatEvery:  10 * time.Second,
			LivenessTimeout: 30 * time.Second,
		},

		InternalSecret: v.GetString("ash_internal_secret"),
		APIKey:         v.GetString("ash_api_key"),

		SnapshotURL: v.GetString("ash_snapshot_url"),

		LogLevel:  v.GetString("ash_log_level"),
		LogFormat: v.GetString("ash_log_format"),

		DebugTiming: v.GetBool("ash_debug_timing"),

		InstallTimeout:   2 * time.Minute,
		ReadinessTimeout: 15 * time.Second,
		ExecTimeout:      60 * time.Second,
	}

	return cfg, nil
}

// AuthEnabled reports whether API-key authentication is active.
func (c *Config) AuthEnabled() bool { return c.APIKey != "" }

// IsCoordinator reports whether this process accepts runner registrations.
func (c *Config) IsCoordinator() bool { return c.Mode == ModeCoordinator || c.Mode == ModeStandalone }

// IsRunner reports whether this process is a runner attached to a coordinator.
func (c *Config) IsRunner() bool { return c.Mode == ModeRunner }
