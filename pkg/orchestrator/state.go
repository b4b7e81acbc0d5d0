package orchestrator

import (
	"fmt"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/oracle"
	"github.com/jllopis/forge/pkg/planner"
)

// Mode selects whether a run may suspend for human input.
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeAutonomous  Mode = "autonomous"
)

// ParseMode maps a configuration value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeInteractive, "":
		return ModeInteractive, nil
	case ModeAutonomous:
		return ModeAutonomous, nil
	default:
		return "", errors.New(errors.CodeInvalidInput, fmt.Sprintf("unknown mode %q", s), nil)
	}
}

// transitions lists the legal subtask state changes. Failed subtasks leave
// their state only on a human answer: back to Pending for a retry or to
// Skipped.
var transitions = map[planner.Status][]planner.Status{
	planner.StatusPending:      {planner.StatusResolving, planner.StatusSkipped},
	planner.StatusResolving:    {planner.StatusReused, planner.StatusSynthesizing, planner.StatusFailed},
	planner.StatusReused:       {planner.StatusSucceeded, planner.StatusFailed},
	planner.StatusSynthesizing: {planner.StatusValidating, planner.StatusFailed},
	planner.StatusValidating:   {planner.StatusSucceeded, planner.StatusCorrecting, planner.StatusFailed},
	planner.StatusCorrecting:   {planner.StatusSucceeded, planner.StatusFailed},
	planner.StatusFailed:       {planner.StatusPending, planner.StatusSkipped},
}

func canTransition(from, to planner.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RunStatus is the terminal or suspended state of a run.
type RunStatus string

const (
	RunFinished  RunStatus = "finished"
	RunFailed    RunStatus = "failed"
	RunSuspended RunStatus = "suspended"
)

// SubtaskResult is the output of a succeeded subtask.
type SubtaskResult struct {
	SubtaskID   int                    `json:"subtask_id"`
	Description string                 `json:"description"`
	Tool        string                 `json:"tool"`
	Reused      bool                   `json:"reused"`
	Cached      bool                   `json:"cached"`
	Arguments   map[string]interface{} `json:"arguments,omitempty"`
	Output      interface{}            `json:"output,omitempty"`
	Stdout      string                 `json:"stdout,omitempty"`
	Attempts    int                    `json:"attempts,omitempty"`
}

// Question is a pending request for human input.
type Question struct {
	SubtaskID int              `json:"subtask_id"`
	Text      string           `json:"text"`
	Code      errors.ErrorCode `json:"code,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Checkpoint is the serializable state of a suspended run.
type Checkpoint struct {
	RunID    string          `json:"run_id"`
	Request  string          `json:"request"`
	Mode     Mode            `json:"mode"`
	Plan     *planner.Plan   `json:"plan"`
	Results  []SubtaskResult `json:"results"`
	Question *Question       `json:"question"`
}

// Result is the outcome of a run.
type Result struct {
	RunID      string                 `json:"run_id"`
	Request    string                 `json:"request"`
	Status     RunStatus              `json:"status"`
	Plan       *planner.Plan          `json:"plan,omitempty"`
	Results    []SubtaskResult        `json:"results"`
	Answer     string                 `json:"answer,omitempty"`
	Review     *oracle.ReviewResponse `json:"review,omitempty"`
	Error      string                 `json:"error,omitempty"`
	// Blocked lists subtasks that cannot run because a dependency failed.
	Blocked    []int                  `json:"blocked,omitempty"`
	Checkpoint *Checkpoint            `json:"checkpoint,omitempty"`
	// Err is the error that ended a failed run.
	Err error `json:"-"`
}

// run is the in-flight state of one request.
type run struct {
	id      string
	request string
	mode    Mode
	plan    *planner.Plan
	results []SubtaskResult
}

func (r *run) result(status RunStatus) *Result {
	return &Result{
		RunID:   r.id,
		Request: r.request,
		Status:  status,
		Plan:    r.plan,
		Results: r.results,
	}
}

func (r *run) checkpoint(q *Question) *Checkpoint {
	return &Checkpoint{
		RunID:    r.id,
		Request:  r.request,
		Mode:     r.mode,
		Plan:     r.plan,
		Results:  r.results,
		Question: q,
	}
}

// next returns the first pending subtask, in plan order, whose dependencies
// are satisfied.
func (r *run) next() *planner.Subtask {
	for i := range r.plan.Subtasks {
		st := &r.plan.Subtasks[i]
		if st.Status == planner.StatusPending && r.plan.Ready(*st) {
			return st
		}
	}
	return nil
}

// blocked returns the unfinished subtasks whose dependencies failed.
func (r *run) blocked() []int {
	if r.plan == nil {
		return nil
	}
	var ids []int
	for _, st := range r.plan.Subtasks {
		if !st.Status.Satisfied() && st.Status != planner.StatusFailed && r.plan.Blocked(st) {
			ids = append(ids, st.ID)
		}
	}
	return ids
}

func (r *run) done() bool {
	for _, st := range r.plan.Subtasks {
		if !st.Status.Satisfied() {
			return false
		}
	}
	return true
}
