package orchestrator

import "time"

// State is the phase of the orchestrator.
type State int32

const (
	NotRunning State = iota
	Starting
	Compressing
	Uploading
	Pruning
)

var stateNames = map[State]string{
	NotRunning:  "NOT_RUNNING",
	Starting:    "STARTING",
	Compressing: "COMPRESSING",
	Uploading:   "UPLOADING",
	Pruning:     "PRUNING",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Trigger says who started a run.
type Trigger int

const (
	// TriggerUser is an operator action. It bypasses the players-online gate.
	TriggerUser Trigger = iota
	// TriggerTimer is a scheduled run.
	TriggerTimer
)

func (t Trigger) String() string {
	if t == TriggerTimer {
		return "timer"
	}
	return "user"
}

// Status is an immutable snapshot of the current run. File and task counters
// are read from the progress aggregate when the snapshot is taken.
type Status struct {
	State       State
	RunID       string
	Trigger     Trigger
	StartedAt   time.Time
	Target      string
	TargetIndex int
	TargetCount int

	FilesToProcess int64
	FilesProcessed int64
	TasksCompleted int64
}
