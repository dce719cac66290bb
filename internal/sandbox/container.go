package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"intentsbx/internal/telemetry"
)

const (
	defaultContainerPIDsLimit = 64
	defaultContainerCPUCores  = 1.0
	defaultContainerImage     = "intentsbx/runner:latest"
	dockerOOMExitCode         = 137
	statsSamplePeriod         = 200 * time.Millisecond
)

// ContainerConfig configures the container-tier sandbox — the production
// default backend.
type ContainerConfig struct {
	Image           string
	DefaultTimeout  time.Duration
	MemoryMB        int64
	CPUCores        float64
	PIDsLimit       int
	OutputCap       int
	GraceMS         int
	SeccompProfile  string
	AppArmorProfile string
}

// ContainerSandbox executes code inside ephemeral containers: namespaces,
// no-new-privileges, dropped capabilities, cgroup CPU/memory/PIDs limits,
// a default-deny syscall filter, a MAC profile, no network interfaces, and
// a read-only rootfs with a writable tmpfs scratch. Enforcement itself is
// delegated to the container runtime and kernel; this type only shapes
// the invocation.
type ContainerSandbox struct {
	config  ContainerConfig
	logger  *slog.Logger
	pool    *Pool
	metrics *telemetry.Metrics
}

// NewContainerSandbox creates a container-tier sandbox. pool is optional:
// when non-nil, Execute leases a pre-warmed idle container instead of
// paying docker-run latency on every call. metrics is optional.
func NewContainerSandbox(cfg ContainerConfig, pool *Pool, metrics *telemetry.Metrics, logger *slog.Logger) *ContainerSandbox {
	if cfg.Image == "" {
		cfg.Image = defaultContainerImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultContainerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultContainerPIDsLimit
	}
	if cfg.OutputCap <= 0 {
		cfg.OutputCap = maxOutputBytes
	}
	if cfg.GraceMS <= 0 {
		cfg.GraceMS = defaultGraceMS
	}
	return &ContainerSandbox{config: cfg, logger: logger, pool: pool, metrics: metrics}
}

func (s *ContainerSandbox) Backend() string { return "container" }

// Execute runs req inside a container, leasing from the pool when one is
// configured and launching an ephemeral container otherwise.
func (s *ContainerSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if s.pool != nil {
		return s.executePooled(ctx, req)
	}
	return s.executeFresh(ctx, req)
}

// executeFresh runs req inside a brand-new ephemeral container and advances
// it through the created -> launch -> running -> {exit | killed} -> reaped
// lifecycle. reaped is terminal and reached on every path, including
// rejection.
func (s *ContainerSandbox) executeFresh(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	phase := phaseCreated

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	memoryMB := s.config.MemoryMB
	if req.MemoryBytes > 0 {
		memoryMB = req.MemoryBytes / (1024 * 1024)
	}

	args := s.buildArgs(name, memoryMB, req)
	args = append(args, "sh", "-c", `printf '%s' "$1" > /home/sandbox/script && exec python3 /home/sandbox/script`, "_", req.Code)

	cmd := exec.CommandContext(callCtx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = time.Duration(s.config.GraceMS) * time.Millisecond

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutCapped := newCappedWriter(&stdoutBuf, s.config.OutputCap)
	stderrCapped := newCappedWriter(&stderrBuf, s.config.OutputCap)
	cmd.Stdout = stdoutCapped
	cmd.Stderr = stderrCapped

	phase = phaseLaunch
	s.logger.Info("container sandbox launching",
		slog.String("container", name), slog.String("image", s.config.Image), slog.Duration("timeout", timeout))

	stopPeakSampler := s.samplePeakMemory(callCtx, name)

	start := time.Now()
	phase = phaseRunning
	runErr := cmd.Run()
	wallTime := time.Since(start)
	phase = phaseKilledOrExited(runErr, callCtx)

	peak := stopPeakSampler()
	s.forceRemoveContainer(name)
	phase = phaseReaped

	result := &ExecutionResult{
		Stdout:          stdoutBuf.String(),
		Stderr:          stderrBuf.String(),
		StdoutTruncated: stdoutCapped.Truncated,
		StderrTruncated: stderrCapped.Truncated,
		WallTime:        wallTime,
		PeakMemoryBytes: peak,
	}
	defer func() { recordExecution(s.metrics, s.Backend(), result.Status, result.WallTime) }()

	if runErr != nil {
		if callCtx.Err() != nil {
			result.Status = StatusTimedOut
			s.logger.Warn("container sandbox timed out", slog.String("container", name), slog.Duration("timeout", timeout))
			return result, nil
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code := exitErr.ExitCode()
			result.ExitCode = &code
			result.Status, result.ResourceKind = s.classifyExit(name, code, stderrBuf.String())
			return result, nil
		}
		result.Status = StatusInternalError
		return result, fmt.Errorf("container execution failed: %w", runErr)
	}

	code := 0
	result.ExitCode = &code
	result.Status = StatusCompleted
	_ = phase
	return result, nil
}

// executePooled runs req against a leased, already-running idle container
// via docker exec, returning it to the pool (or having the pool destroy
// and replace it) when done.
func (s *ContainerSandbox) executePooled(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pc, err := s.pool.Lease(callCtx)
	if err != nil {
		return nil, fmt.Errorf("leasing pooled container: %w", err)
	}

	args := []string{"exec", pc.name, "sh", "-c",
		`printf '%s' "$1" > /home/sandbox/script && exec python3 /home/sandbox/script`, "_", req.Code}

	cmd := exec.CommandContext(callCtx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = time.Duration(s.config.GraceMS) * time.Millisecond

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutCapped := newCappedWriter(&stdoutBuf, s.config.OutputCap)
	stderrCapped := newCappedWriter(&stderrBuf, s.config.OutputCap)
	cmd.Stdout = stdoutCapped
	cmd.Stderr = stderrCapped

	stopPeakSampler := s.samplePeakMemory(callCtx, pc.name)

	start := time.Now()
	runErr := cmd.Run()
	wallTime := time.Since(start)
	peak := stopPeakSampler()

	result := &ExecutionResult{
		Stdout:          stdoutBuf.String(),
		Stderr:          stderrBuf.String(),
		StdoutTruncated: stdoutCapped.Truncated,
		StderrTruncated: stderrCapped.Truncated,
		WallTime:        wallTime,
		PeakMemoryBytes: peak,
	}
	defer func() { recordExecution(s.metrics, s.Backend(), result.Status, result.WallTime) }()

	if runErr != nil {
		if callCtx.Err() != nil {
			result.Status = StatusTimedOut
			s.pool.Return(context.Background(), pc, result.Status)
			return result, nil
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code := exitErr.ExitCode()
			result.ExitCode = &code
			result.Status, result.ResourceKind = s.classifyExit(pc.name, code, stderrBuf.String())
			s.pool.Return(context.Background(), pc, result.Status)
			return result, nil
		}
		result.Status = StatusInternalError
		s.pool.Return(context.Background(), pc, result.Status)
		return result, fmt.Errorf("pooled container execution failed: %w", runErr)
	}

	code := 0
	result.ExitCode = &code
	result.Status = StatusCompleted
	s.pool.Return(context.Background(), pc, result.Status)
	return result, nil
}

// classifyExit maps a non-timeout, non-zero container exit onto
// (Status, ResourceKind). Exit code 137 is resource_exceeded{memory}
// unless docker inspect does not report an OOM kill (or inspect itself
// fails) and stderr carries the fork-failure signature, which makes it
// resource_exceeded{processes}. For any other code the fork-failure
// signature alone means resource_exceeded{processes}; anything else is a
// plain completed exit.
func (s *ContainerSandbox) classifyExit(containerName string, code int, stderr string) (Status, ResourceKind) {
	if code == dockerOOMExitCode {
		oomKilled, _ := s.inspectOOMKilled(containerName)
		if !oomKilled && isForkResourceError(stderr) {
			return StatusResourceExceeded, ResourceKindProcesses
		}
		return StatusResourceExceeded, ResourceKindMemory
	}
	if isForkResourceError(stderr) {
		return StatusResourceExceeded, ResourceKindProcesses
	}
	return StatusCompleted, ResourceKindNone
}

// inspectOOMKilled asks the docker daemon whether container was killed by
// the kernel OOM killer, distinguishing a memory kill from a PIDs-limit
// fork failure that also happens to surface as exit code 137.
func (s *ContainerSandbox) inspectOOMKilled(name string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "docker", "inspect", "--format", "{{.State.OOMKilled}}", name).Output()
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

// samplePeakMemory polls `docker stats` for name every statsSamplePeriod
// until the returned stop function is called, tracking the high-water
// mark. Best-effort: a daemon that cannot be reached simply yields zero.
func (s *ContainerSandbox) samplePeakMemory(ctx context.Context, name string) func() int64 {
	var mu sync.Mutex
	var peak int64

	sampleCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(statsSamplePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-sampleCtx.Done():
				return
			case <-ticker.C:
				out, err := exec.CommandContext(sampleCtx, "docker", "stats", "--no-stream", "--format", "{{.MemUsage}}", name).Output()
				if err != nil {
					continue
				}
				if b := parseMemUsageBytes(strings.TrimSpace(string(out))); b > peak {
					mu.Lock()
					if b > peak {
						peak = b
					}
					mu.Unlock()
				}
			}
		}
	}()

	return func() int64 {
		cancel()
		<-done
		mu.Lock()
		defer mu.Unlock()
		return peak
	}
}

func (s *ContainerSandbox) buildArgs(name string, memoryMB int64, req ExecutionRequest) []string {
	memoryFlag := strconv.FormatInt(memoryMB, 10) + "m"
	cpuFlag := strconv.FormatFloat(s.config.CPUCores, 'f', 2, 64)
	pidsLimit := s.config.PIDsLimit
	if req.ProcessLimit > 0 {
		pidsLimit = req.ProcessLimit
	}

	args := []string{
		"run", "--rm",
		"--name", name,
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + cpuFlag,
		"--pids-limit=" + strconv.Itoa(pidsLimit),
		"--network=none",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", "/home/sandbox:rw,noexec,nosuid,size=64m",
		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	if s.config.SeccompProfile != "" {
		args = append(args, "--security-opt", "seccomp="+s.config.SeccompProfile)
	}
	if s.config.AppArmorProfile != "" {
		args = append(args, "--security-opt", "apparmor="+s.config.AppArmorProfile)
	}

	if req.WorkingDir != "" {
		args = append(args, "--workdir", req.WorkingDir)
	} else {
		args = append(args, "--workdir", "/home/sandbox")
	}

	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}

	args = append(args, s.config.Image)
	return args
}

// forceRemoveContainer is a safety net: if --rm did not fire (OOM kill,
// daemon restart, cancel race), this ensures no container leakage.
func (s *ContainerSandbox) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		s.logger.Warn("docker rm -f failed", slog.String("container", name), slog.String("error", err.Error()))
	}
}

func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "intentsbx-sbx-" + hex.EncodeToString(b), nil
}

var _ Sandbox = (*ContainerSandbox)(nil)
