package observability

import (
	"sync"
	"time"
)

// Phase is what the process is doing right now, shown on the live status line.
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseSupervising Phase = "SUPERVISE"
	PhaseWorking     Phase = "WORKER"
)

// Snapshot is a copy of the process status at one instant.
type Snapshot struct {
	Phase         Phase
	Task          string
	ActiveRuns    int
	FinishedRuns  int
	LastHeartbeat time.Time
}

type systemStatus struct {
	mu   sync.RWMutex
	snap Snapshot
}

var globalStatus = &systemStatus{
	snap: Snapshot{Phase: PhaseIdle, LastHeartbeat: time.Now()},
}

// SetStatus updates the phase and the task label.
func SetStatus(phase Phase, task string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.snap.Phase = phase
	globalStatus.snap.Task = task
}

// RunBegan marks a run as active for the status line.
func RunBegan(sessionID string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.snap.ActiveRuns++
	globalStatus.snap.Phase = PhaseSupervising
	globalStatus.snap.Task = sessionID
}

// RunEnded is the counterpart of RunBegan. The phase drops back to idle once
// no run is active.
func RunEnded() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	if globalStatus.snap.ActiveRuns > 0 {
		globalStatus.snap.ActiveRuns--
	}
	globalStatus.snap.FinishedRuns++
	if globalStatus.snap.ActiveRuns == 0 {
		globalStatus.snap.Phase = PhaseIdle
		globalStatus.snap.Task = ""
	}
}

// Status returns a copy of the current status.
func Status() Snapshot {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return globalStatus.snap
}

func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.snap.LastHeartbeat = time.Now()
}
