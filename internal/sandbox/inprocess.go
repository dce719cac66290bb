package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"intentsbx/internal/telemetry"
)

// ErrInProcessInProduction guards the dev-only tier: it must never be
// constructible when the running configuration is production.
var ErrInProcessInProduction = errors.New("in_process sandbox backend is refused in production")

// InProcessConfig configures the in-process tier.
type InProcessConfig struct {
	DefaultTimeout time.Duration
	OutputCap      int
}

// InProcessSandbox runs code with a bare os/exec call on the host, with
// no namespace, cgroup, or filesystem isolation beyond the timeout. It
// exists so a developer can iterate without docker or rlimit plumbing
// and must never be reachable in a production configuration — newInProcessSandbox
// is the only constructor and it is called exclusively from New, which
// enforces that guard before this type is ever built.
type InProcessSandbox struct {
	config  InProcessConfig
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func newInProcessSandbox(cfg InProcessConfig, metrics *telemetry.Metrics, logger *slog.Logger) *InProcessSandbox {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.OutputCap <= 0 {
		cfg.OutputCap = maxOutputBytes
	}
	return &InProcessSandbox{config: cfg, logger: logger, metrics: metrics}
}

func (s *InProcessSandbox) Backend() string { return "in_process" }

func (s *InProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, "python3", "-c", req.Code)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutCapped := newCappedWriter(&stdoutBuf, s.config.OutputCap)
	stderrCapped := newCappedWriter(&stderrBuf, s.config.OutputCap)
	cmd.Stdout = stdoutCapped
	cmd.Stderr = stderrCapped

	s.logger.Warn("in-process sandbox executing code with no isolation — dev use only")

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
			return result, nil
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code := exitErr.ExitCode()
			result.ExitCode = &code
			result.Status = StatusCompleted
			return result, nil
		}
		result.Status = StatusInternalError
		return result, runErr
	}

	code := 0
	result.ExitCode = &code
	result.Status = StatusCompleted
	return result, nil
}

var _ Sandbox = (*InProcessSandbox)(nil)
