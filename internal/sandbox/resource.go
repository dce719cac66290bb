package sandbox

import (
	"strconv"
	"strings"
	"time"

	"intentsbx/internal/telemetry"
)

// recordExecution feeds the per-backend execution counters and duration
// histogram. metrics is nil-safe: a caller with no telemetry wired simply
// skips recording.
func recordExecution(metrics *telemetry.Metrics, backend string, status Status, wallTime time.Duration) {
	if metrics == nil {
		return
	}
	metrics.SandboxExecutionsTotal.WithLabelValues(backend, string(status)).Inc()
	metrics.SandboxExecutionDuration.WithLabelValues(backend).Observe(wallTime.Seconds())
}

// isForkResourceError reports whether stderr carries the signature of a
// fork() rejected by a PIDs/process-count limit rather than a genuine
// application failure.
func isForkResourceError(stderr string) bool {
	return strings.Contains(stderr, "Resource temporarily unavailable") ||
		strings.Contains(stderr, "fork:") ||
		strings.Contains(stderr, "can't fork")
}

// parseMemUsageBytes parses the "used / limit" shape of `docker stats`'s
// MemUsage column (e.g. "12.5MiB / 256MiB") and returns the used side in
// bytes. Returns 0 on any parse failure — callers treat that as "no
// sample available", not as zero usage.
func parseMemUsageBytes(s string) int64 {
	used, _, ok := strings.Cut(s, "/")
	if !ok {
		used = s
	}
	return parseByteSize(strings.TrimSpace(used))
}

var byteUnits = []struct {
	suffix string
	mult   float64
}{
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"GB", 1_000_000_000},
	{"MB", 1_000_000},
	{"KB", 1_000},
	{"B", 1},
}

func parseByteSize(s string) int64 {
	s = strings.TrimSpace(s)
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseFloat(strings.TrimSuffix(s, u.suffix), 64)
			if err != nil {
				return 0
			}
			return int64(n * u.mult)
		}
	}
	return 0
}
