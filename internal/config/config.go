// Package config loads and validates the process-wide Config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	_ = godotenv.Load()
}

// Config is the root, immutable-after-Load configuration for the process.
type Config struct {
	Production bool `yaml:"production" json:"production"`

	API          APIConfig          `yaml:"api" json:"api"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" json:"telemetry"`
	ContextStore ContextStoreConfig `yaml:"context_store" json:"context_store"`
	Capability   CapabilityConfig   `yaml:"capability" json:"capability"`
	Sandbox      SandboxConfig      `yaml:"sandbox" json:"sandbox"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
}

// APIConfig controls the execute_intent HTTP listener. An empty APIKeys
// map disables authentication — acceptable for local development, refused
// in production by validate().
type APIConfig struct {
	ListenAddr        string            `yaml:"listen_addr" json:"listen_addr"`
	APIKeys           map[string]string `yaml:"api_keys" json:"api_keys"`
	EnableDocs        bool              `yaml:"enable_docs" json:"enable_docs"`
	MaxRequestSize    int64             `yaml:"max_request_size" json:"max_request_size"`
	RequestsPerMinute int               `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize         int               `yaml:"burst_size" json:"burst_size"`
}

// TelemetryConfig controls metrics, tracing, and the audit sink.
type TelemetryConfig struct {
	MetricsListenAddr string        `yaml:"metrics_listen_addr" json:"metrics_listen_addr"`
	AuditSinkPath     string        `yaml:"audit_sink_path" json:"audit_sink_path"`
	AuditBufferSize   int           `yaml:"audit_buffer_size" json:"audit_buffer_size"`
	Tracing           TracingConfig `yaml:"tracing" json:"tracing"`
}

// TracingConfig controls OTel span export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Protocol    string  `yaml:"protocol" json:"protocol"` // "grpc" or "http"
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
}

// ContextStoreConfig selects and configures the Context/Cache backend.
type ContextStoreConfig struct {
	Backend         string         `yaml:"backend" json:"backend"` // "memory" or "remote_kv"
	MaxValueSize    int            `yaml:"max_value_size" json:"max_value_size"`
	MaxEntries      int            `yaml:"max_entries" json:"max_entries"`
	DefaultTTL      time.Duration  `yaml:"default_ttl" json:"default_ttl"`
	JanitorInterval time.Duration  `yaml:"janitor_interval" json:"janitor_interval"`
	// PerSessionBudget caps the sum of a session's live value sizes, in
	// bytes. Zero disables the check.
	PerSessionBudget int            `yaml:"per_session_budget" json:"per_session_budget"`
	Remote           RemoteKVConfig `yaml:"remote" json:"remote"`
}

// RemoteKVConfig configures the GORM-backed remote_kv driver.
type RemoteKVConfig struct {
	Driver string `yaml:"driver" json:"driver"` // "postgres" or "sqlite"
	DSN    string `yaml:"dsn" json:"dsn"`
}

// CapabilityConfig controls capability-index loading.
type CapabilityConfig struct {
	Dir string `yaml:"dir" json:"dir"`
}

// SandboxConfig controls the sandbox layer.
type SandboxConfig struct {
	Backend         string        `yaml:"backend" json:"backend"` // "container", "syscall_filter", "in_process"
	DefaultTimeout  time.Duration `yaml:"default_timeout" json:"default_timeout"`
	MemoryMB        int64         `yaml:"memory_mb" json:"memory_mb"`
	CPUCores        float64       `yaml:"cpu_cores" json:"cpu_cores"`
	PIDsLimit       int           `yaml:"pids_limit" json:"pids_limit"`
	OutputCapBytes  int           `yaml:"output_cap_bytes" json:"output_cap_bytes"`
	GraceMS         int           `yaml:"grace_ms" json:"grace_ms"`
	Image           string        `yaml:"image" json:"image"`
	SeccompProfile  string        `yaml:"seccomp_profile" json:"seccomp_profile"`
	AppArmorProfile string        `yaml:"apparmor_profile" json:"apparmor_profile"`
	Pool            PoolConfig    `yaml:"pool" json:"pool"`
}

// PoolConfig controls the optional pre-warmed container pool.
type PoolConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Size    int  `yaml:"size" json:"size"`
}

// OrchestratorConfig controls execute_intent routing and concurrency.
type OrchestratorConfig struct {
	Mode             string        `yaml:"mode" json:"mode"` // protocol_only | code_execution | hybrid
	MaxConcurrent    int           `yaml:"max_concurrent" json:"max_concurrent"`
	QueueDepth       int           `yaml:"queue_depth" json:"queue_depth"`
	TokenBudget      int           `yaml:"token_budget" json:"token_budget"`
	FallbackEnabled  bool          `yaml:"fallback_enabled" json:"fallback_enabled"`
	CacheTTL         time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" json:"max_execution_time"`

	Collaborator CollaboratorConfig `yaml:"collaborator" json:"collaborator"`
}

// CollaboratorConfig configures the optional MCP protocol collaborator
// used by hybrid mode's fallback path. Empty Transport disables it.
type CollaboratorConfig struct {
	Name      string            `yaml:"name" json:"name"`
	Transport string            `yaml:"transport" json:"transport"` // "stdio" | "sse" | "streamable_http"
	Command   string            `yaml:"command" json:"command"`
	Args      []string          `yaml:"args" json:"args"`
	Env       map[string]string `yaml:"env" json:"env"`
	URL       string            `yaml:"url" json:"url"`
	Headers   map[string]string `yaml:"headers" json:"headers"`
}

func defaults() Config {
	return Config{
		API: APIConfig{
			ListenAddr: ":8080",
		},
		Telemetry: TelemetryConfig{
			MetricsListenAddr: ":9090",
			AuditSinkPath:     "audit.log",
			AuditBufferSize:   1024,
			Tracing:           TracingConfig{SampleRate: 1.0, Protocol: "grpc"},
		},
		ContextStore: ContextStoreConfig{
			Backend:          "memory",
			MaxValueSize:     100 * 1024,
			MaxEntries:       10_000,
			DefaultTTL:       10 * time.Minute,
			JanitorInterval:  30 * time.Second,
			PerSessionBudget: 1024 * 1024,
		},
		Capability: CapabilityConfig{Dir: "capabilities"},
		Sandbox: SandboxConfig{
			Backend:        "syscall_filter",
			DefaultTimeout: 10 * time.Second,
			MemoryMB:       512,
			CPUCores:       1.0,
			PIDsLimit:      50,
			OutputCapBytes: 1 << 20,
			GraceMS:        2000,
			Image:          "intentsbx/runner:latest",
		},
		Orchestrator: OrchestratorConfig{
			Mode:             "hybrid",
			MaxConcurrent:    runtimeDefaultConcurrency(),
			QueueDepth:       128,
			TokenBudget:      1000,
			FallbackEnabled:  true,
			CacheTTL:         5 * time.Minute,
			MaxExecutionTime: 30 * time.Second,
		},
	}
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables, applied after unmarshal, take
// precedence over file values.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}

		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INTENTSBX_PRODUCTION"); v != "" {
		cfg.Production = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("INTENTSBX_METRICS_ADDR"); v != "" {
		cfg.Telemetry.MetricsListenAddr = v
	}
	if v := os.Getenv("INTENTSBX_LISTEN_ADDR"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v := os.Getenv("INTENTSBX_API_KEY"); v != "" {
		if cfg.API.APIKeys == nil {
			cfg.API.APIKeys = make(map[string]string)
		}
		cfg.API.APIKeys[v] = "default"
	}
	if v := os.Getenv("INTENTSBX_SANDBOX_BACKEND"); v != "" {
		cfg.Sandbox.Backend = v
	}
	if v := os.Getenv("INTENTSBX_CONTEXT_BACKEND"); v != "" {
		cfg.ContextStore.Backend = v
	}
	if v := os.Getenv("INTENTSBX_REMOTE_KV_DSN"); v != "" {
		cfg.ContextStore.Remote.DSN = v
	}
	if v := os.Getenv("INTENTSBX_CAPABILITY_DIR"); v != "" {
		cfg.Capability.Dir = v
	}
}

func (c *Config) validate() error {
	if c.Production && c.Sandbox.Backend == "in_process" {
		return fmt.Errorf("sandbox backend %q is refused in production mode", c.Sandbox.Backend)
	}
	if c.Production && len(c.API.APIKeys) == 0 {
		return fmt.Errorf("api.api_keys must be set in production mode")
	}
	switch c.Sandbox.Backend {
	case "container", "syscall_filter", "in_process":
	default:
		return fmt.Errorf("unknown sandbox backend %q", c.Sandbox.Backend)
	}
	switch c.ContextStore.Backend {
	case "memory", "remote_kv":
	default:
		return fmt.Errorf("unknown context store backend %q", c.ContextStore.Backend)
	}
	if c.ContextStore.Backend == "remote_kv" && c.ContextStore.Remote.DSN == "" {
		return fmt.Errorf("remote_kv backend requires context_store.remote.dsn")
	}
	if c.Orchestrator.MaxConcurrent <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent must be positive")
	}
	switch c.Orchestrator.Mode {
	case "protocol_only", "code_execution", "hybrid":
	default:
		return fmt.Errorf("unknown orchestrator mode %q", c.Orchestrator.Mode)
	}
	return nil
}

func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func runtimeDefaultConcurrency() int {
	n := cpuCount()
	if n < 1 {
		n = 1
	}
	return n * 2
}
