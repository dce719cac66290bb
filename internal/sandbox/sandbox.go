// Package sandbox provides isolated, resource-bounded execution
// environments for generated code. All code from the orchestrator runs
// through a sandbox — never directly on the host.
package sandbox

import (
	"context"
	"time"
)

// Status is the terminal classification of one sandbox call.
type Status string

const (
	StatusCompleted       Status = "completed"
	StatusTimedOut        Status = "timed_out"
	StatusResourceExceeded Status = "resource_exceeded"
	StatusRejected        Status = "rejected"
	StatusInternalError   Status = "internal_error"
)

// ResourceKind distinguishes which resource triggered a resource_exceeded
// outcome.
type ResourceKind string

const (
	ResourceKindNone      ResourceKind = ""
	ResourceKindMemory    ResourceKind = "memory"
	ResourceKindProcesses ResourceKind = "processes"
)

// FSPolicy controls the filesystem the code sees.
type FSPolicy string

const (
	FSPolicyReadOnlyRootWritableScratch FSPolicy = "read_only_root_writable_scratch"
	FSPolicyIsolatedTempDir             FSPolicy = "isolated_temp_dir"
)

// Sandbox executes generated code in an isolated environment. Exactly one
// of the three backends (Container, SyscallFilter, InProcess) satisfies
// this interface per process, selected at construction — never switched
// at call time.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
	Backend() string
}

// ExecutionRequest defines what to run and under what constraints. Network
// access is not configurable per request: the container backend always
// runs with no network interfaces, while the syscall-filter and in-process
// backends do not isolate the network at all.
type ExecutionRequest struct {
	Code         string
	Env          map[string]string
	Timeout      time.Duration
	MemoryBytes  int64
	ProcessLimit int
	FSPolicy     FSPolicy
	WorkingDir   string
}

// ExecutionResult captures the outcome of a sandboxed call.
type ExecutionResult struct {
	Status Status

	ExitCode *int

	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool

	WallTime time.Duration

	// PeakMemoryBytes is a best-effort high-water mark sampled from the
	// backend's own resource accounting (cgroup stats, getrusage). Zero
	// means unavailable, not zero usage.
	PeakMemoryBytes int64

	ResourceKind ResourceKind
}
