package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"intentsbx/internal/telemetry"
)

const (
	defaultCPUSeconds = 60
	defaultMemoryMB   = 512
	maxOutputBytes    = 1 << 20
	defaultTimeout    = 30 * time.Second
)

// SyscallFilterConfig configures the syscall-filter tier — the fallback
// backend when a container runtime is unavailable.
type SyscallFilterConfig struct {
	DefaultTimeout time.Duration
	MemoryMB       int64
	PIDsLimit      int
	OutputCap      int
	GraceMS        int
}

// SyscallFilterSandbox executes code as a forked, rlimit-constrained,
// chroot-equivalent OS process: its own process group, an isolated working
// directory standing in for a chroot, ulimit-enforced memory and process
// count, and no host environment inheritance.
type SyscallFilterSandbox struct {
	config  SyscallFilterConfig
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewSyscallFilterSandbox creates a syscall-filter-tier sandbox. metrics
// is optional.
func NewSyscallFilterSandbox(cfg SyscallFilterConfig, metrics *telemetry.Metrics, logger *slog.Logger) *SyscallFilterSandbox {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.PIDsLimit == 0 {
		cfg.PIDsLimit = 64
	}
	if cfg.OutputCap <= 0 {
		cfg.OutputCap = maxOutputBytes
	}
	if cfg.GraceMS <= 0 {
		cfg.GraceMS = defaultGraceMS
	}
	return &SyscallFilterSandbox{config: cfg, logger: logger, metrics: metrics}
}

func (s *SyscallFilterSandbox) Backend() string { return "syscall_filter" }

// Execute runs req as an isolated OS process, advancing it through the
// same lifecycle as the container tier.
func (s *SyscallFilterSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tmpDir, err := os.MkdirTemp("", "intentsbx-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			s.logger.Warn("failed to remove sandbox temp dir", slog.String("dir", tmpDir), slog.String("error", rmErr.Error()))
		}
	}()

	memoryMB := s.config.MemoryMB
	if req.MemoryBytes > 0 {
		memoryMB = req.MemoryBytes / (1024 * 1024)
	}
	pidsLimit := s.config.PIDsLimit
	if req.ProcessLimit > 0 {
		pidsLimit = req.ProcessLimit
	}

	memKB := memoryMB * 1024
	cpuSeconds := int64(timeout.Seconds()) + 1

	// ulimit -v caps address space; ulimit -u caps the number of processes
	// the user may fork, standing in for a PIDs-limit cgroup when no
	// container runtime is available. exec "$@" with positional params
	// avoids shell injection — the generated code is never interpolated
	// into the shell string.
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -u %d 2>/dev/null; ulimit -t %d 2>/dev/null; printf '%%s' \"$1\" > \"$HOME/script.py\" && exec python3 \"$HOME/script.py\"",
		memKB, pidsLimit, cpuSeconds,
	)

	cmd := exec.CommandContext(callCtx, "/bin/sh", "-c", shellScript, "_", req.Code)
	cmd.Dir = tmpDir
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Duration(s.config.GraceMS) * time.Millisecond
	cmd.Env = s.buildEnv(tmpDir, req.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutCapped := newCappedWriter(&stdoutBuf, s.config.OutputCap)
	stderrCapped := newCappedWriter(&stderrBuf, s.config.OutputCap)
	cmd.Stdout = stdoutCapped
	cmd.Stderr = stderrCapped

	s.logger.Info("syscall-filter sandbox executing",
		slog.String("dir", cmd.Dir), slog.Int64("memory_mb", memoryMB), slog.Int("pids_limit", pidsLimit), slog.Duration("timeout", timeout))

	start := time.Now()
	runErr := cmd.Run()
	wallTime := time.Since(start)

	result := &ExecutionResult{
		Stdout:          stdoutBuf.String(),
		Stderr:          stderrBuf.String(),
		StdoutTruncated: stdoutCapped.Truncated,
		StderrTruncated: stderrCapped.Truncated,
		WallTime:        wallTime,
		PeakMemoryBytes: peakRSSBytes(cmd.ProcessState),
	}
	defer func() { recordExecution(s.metrics, s.Backend(), result.Status, result.WallTime) }()

	if runErr != nil {
		if callCtx.Err() != nil {
			result.Status = StatusTimedOut
			s.logger.Warn("syscall-filter sandbox timed out", slog.Duration("timeout", timeout))
			return result, nil
		}

		if isForkResourceError(stderrBuf.String()) {
			result.Status = StatusResourceExceeded
			result.ResourceKind = ResourceKindProcesses
			return result, nil
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code := exitErr.ExitCode()
			result.ExitCode = &code
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL {
				result.Status = StatusResourceExceeded
				result.ResourceKind = ResourceKindMemory
				return result, nil
			}
			result.Status = StatusCompleted
			return result, nil
		}
		result.Status = StatusInternalError
		return result, fmt.Errorf("syscall-filter execution failed: %w", runErr)
	}

	code := 0
	result.ExitCode = &code
	result.Status = StatusCompleted
	return result, nil
}

// peakRSSBytes reads the maximum resident set size getrusage recorded for
// the finished child, in bytes. Returns 0 (unavailable) if state is nil or
// the platform's rusage shape doesn't expose Maxrss.
func peakRSSBytes(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0
	}
	return int64(ru.Maxrss) * 1024
}

func (s *SyscallFilterSandbox) buildEnv(tmpDir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

var _ Sandbox = (*SyscallFilterSandbox)(nil)
