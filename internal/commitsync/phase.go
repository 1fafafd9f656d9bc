package commitsync

import (
	"fmt"
	"strings"
)

// Phase is the universal lifecycle a commitment passes through on either system.
type Phase string

const (
	PhasePlan     Phase = "plan"
	PhaseTrack    Phase = "track"
	PhaseComplete Phase = "complete"
	PhaseArchive  Phase = "archive"
)

// System names one side of the synchronization.
type System string

const (
	// SystemTasks is the task service (groups, lists, tasks).
	SystemTasks System = "tasks"
	// SystemIssues is the issue tracker (owners, repositories, issues).
	SystemIssues System = "issues"
)

const (
	TaskNotStarted      = "notStarted"
	TaskInProgress      = "inProgress"
	TaskCompleted       = "completed"
	TaskWaitingOnOthers = "waitingOnOthers"
	TaskDeferred        = "deferred"

	IssueOpen   = "open"
	IssueClosed = "closed"
)

var allPhases = []Phase{PhasePlan, PhaseTrack, PhaseComplete, PhaseArchive}

var allSystems = []System{SystemTasks, SystemIssues}

// write path: every phase has exactly one native status per system.
var phaseToNative = map[System]map[Phase]string{
	SystemTasks: {
		PhasePlan:     TaskNotStarted,
		PhaseTrack:    TaskInProgress,
		PhaseComplete: TaskCompleted,
		PhaseArchive:  TaskCompleted,
	},
	SystemIssues: {
		PhasePlan:     IssueOpen,
		PhaseTrack:    IssueOpen,
		PhaseComplete: IssueClosed,
		PhaseArchive:  IssueClosed,
	},
}

// read path: lossy, several native statuses may collapse into one phase.
var nativeToPhase = map[System]map[string]Phase{
	SystemTasks: {
		TaskNotStarted:      PhasePlan,
		TaskDeferred:        PhasePlan,
		TaskInProgress:      PhaseTrack,
		TaskWaitingOnOthers: PhaseTrack,
		TaskCompleted:       PhaseComplete,
	},
	SystemIssues: {
		IssueOpen:   PhasePlan,
		IssueClosed: PhaseComplete,
	},
}

var actionToPhase = map[string]Phase{
	"opened":   PhasePlan,
	"reopened": PhasePlan,
	"closed":   PhaseComplete,
}

func init() {
	if err := ValidateTable(); err != nil {
		panic(err)
	}
}

// Phases lists every phase in lifecycle order.
func Phases() []Phase {
	out := make([]Phase, len(allPhases))
	copy(out, allPhases)
	return out
}

// ActionToPhase maps an issue tracker webhook action to a phase. Unknown
// actions report false and must be ignored by the caller.
func ActionToPhase(action string) (Phase, bool) {
	phase, ok := actionToPhase[strings.ToLower(strings.TrimSpace(action))]
	return phase, ok
}

func PhaseToNativeStatus(phase Phase, system System) (string, error) {
	table, ok := phaseToNative[system]
	if !ok {
		return "", fmt.Errorf("%w: unknown system %q", ErrInvalidInput, system)
	}
	status, ok := table[phase]
	if !ok {
		return "", fmt.Errorf("%w: unknown phase %q", ErrInvalidInput, phase)
	}
	return status, nil
}

func NativeStatusToPhase(status string, system System) (Phase, bool) {
	table, ok := nativeToPhase[system]
	if !ok {
		return "", false
	}
	phase, ok := table[strings.TrimSpace(status)]
	return phase, ok
}

// ValidateTable checks that the write path is total for every phase and
// system, and that every native status it produces reads back to some phase.
func ValidateTable() error {
	for _, system := range allSystems {
		table, ok := phaseToNative[system]
		if !ok {
			return fmt.Errorf("phase table: no write mapping for system %s", system)
		}
		if len(table) != len(allPhases) {
			return fmt.Errorf("phase table: system %s maps %d phases, want %d", system, len(table), len(allPhases))
		}
		for _, phase := range allPhases {
			status, ok := table[phase]
			if !ok || status == "" {
				return fmt.Errorf("phase table: system %s has no status for phase %s", system, phase)
			}
			if _, ok := nativeToPhase[system][status]; !ok {
				return fmt.Errorf("phase table: system %s status %q has no read mapping", system, status)
			}
		}
	}
	return nil
}
