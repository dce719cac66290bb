package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"intentsbx/internal/telemetry"
)

// Config selects and parameterizes exactly one sandbox backend.
type Config struct {
	Production bool
	Backend    string // "container" | "syscall_filter" | "in_process"

	DefaultTimeout time.Duration
	MemoryMB       int64
	PIDsLimit      int
	OutputCapBytes int
	GraceMS        int

	ContainerImage  string
	CPUCores        float64
	SeccompProfile  string
	AppArmorProfile string

	// PoolEnabled pre-warms PoolSize idle containers for the container
	// backend and leases from them instead of paying docker-run latency
	// per call. Ignored by every other backend.
	PoolEnabled bool
	PoolSize    int
}

// New builds the one sandbox backend named by cfg.Backend. Construction is
// the only place the production guard is enforced: an in_process backend
// requested under a production configuration is refused here, not routed
// around at call time. ctx bounds pool warm-up for the container backend;
// it is unused by the other backends.
func New(ctx context.Context, cfg Config, metrics *telemetry.Metrics, logger *slog.Logger) (Sandbox, error) {
	switch cfg.Backend {
	case "container", "":
		containerCfg := ContainerConfig{
			Image:           cfg.ContainerImage,
			DefaultTimeout:  cfg.DefaultTimeout,
			MemoryMB:        cfg.MemoryMB,
			CPUCores:        cfg.CPUCores,
			PIDsLimit:       cfg.PIDsLimit,
			OutputCap:       cfg.OutputCapBytes,
			GraceMS:         cfg.GraceMS,
			SeccompProfile:  cfg.SeccompProfile,
			AppArmorProfile: cfg.AppArmorProfile,
		}

		var pool *Pool
		if cfg.PoolEnabled {
			p, err := NewPool(ctx, PoolConfig{Size: cfg.PoolSize, ContainerConfig: containerCfg}, metrics, logger)
			if err != nil {
				return nil, fmt.Errorf("warming sandbox pool: %w", err)
			}
			pool = p
		}

		return NewContainerSandbox(containerCfg, pool, metrics, logger), nil

	case "syscall_filter":
		return NewSyscallFilterSandbox(SyscallFilterConfig{
			DefaultTimeout: cfg.DefaultTimeout,
			MemoryMB:       cfg.MemoryMB,
			PIDsLimit:      cfg.PIDsLimit,
			OutputCap:      cfg.OutputCapBytes,
			GraceMS:        cfg.GraceMS,
		}, metrics, logger), nil

	case "in_process":
		if cfg.Production {
			return nil, ErrInProcessInProduction
		}
		return newInProcessSandbox(InProcessConfig{
			DefaultTimeout: cfg.DefaultTimeout,
			OutputCap:      cfg.OutputCapBytes,
		}, metrics, logger), nil

	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}
}
