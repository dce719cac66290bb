package sandbox

import "context"

// phase models the sandbox call lifecycle state machine:
//
//	created -> launch -> running -> {exit -> reaped | deadline/memory/pids -> killed -> reaped} -> reaped
//	created -> reject -> killed -> reaped
//
// reaped is terminal. Only the container tier's fresh-container path
// tracks these phases, in a local variable; the pooled path and the other
// backends do not, and no phase change is reported to telemetry.
type phase string

const (
	phaseCreated phase = "created"
	phaseLaunch  phase = "launch"
	phaseRunning phase = "running"
	phaseExited  phase = "exited"
	phaseKilled  phase = "killed"
	phaseReaped  phase = "reaped"
)

// defaultGraceMS bounds the time between issuing a kill and observing the
// process/container reaped.
const defaultGraceMS = 2000

func phaseKilledOrExited(runErr error, callCtx context.Context) phase {
	if callCtx.Err() != nil {
		return phaseKilled
	}
	return phaseExited
}
