package schema

import "time"

// Progress event type constants.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowResumed   = "workflow_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventCheckpointSaved = "checkpoint_saved"

	EventValidationStarted   = "validation_started"
	EventValidationFailed    = "validation_failed"
	EventValidationCompleted = "validation_completed"

	EventPreflightCheckStarted = "preflight_check_started"
	EventPreflightCheckPassed  = "preflight_check_passed"
	EventPreflightCheckFailed  = "preflight_check_failed"
	EventPreflightCompleted    = "preflight_completed"

	EventRollbackStarted   = "rollback_started"
	EventRollbackCompleted = "rollback_completed"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// ProgressEvent is one entry in the ordered stream of execution events.
// Path is the hierarchical step path (`segment/segment/[index]/...`) so an
// observer can attribute nested and parallel events to their position in
// the step tree regardless of interleaving.
type ProgressEvent struct {
	Type      string    `json:"type"`
	Workflow  string    `json:"workflow"`
	RunID     string    `json:"run_id,omitempty"`
	Step      string    `json:"step,omitempty"`
	Path      string    `json:"path,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StepResult summarizes the outcome of a single step. Immutable once
// produced; recorded into the workflow context under the step's name.
type StepResult struct {
	Name       string     `json:"name"`
	Type       StepType   `json:"step_type"`
	Status     StepStatus `json:"status"`
	Success    bool       `json:"success"`
	Output     any        `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Attempts   int        `json:"attempts,omitempty"`
}
