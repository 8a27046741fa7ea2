package mop

import "time"

// Decision is the per-command outcome classification.
type Decision string

const (
	DecisionOK      Decision = "OK"
	DecisionNotOK   Decision = "NOT_OK"
	DecisionSkipped Decision = "SKIPPED"
	DecisionNA      Decision = "N_A"
)

// Known reports whether the decision carries a usable outcome for dependents.
func (d Decision) Known() bool {
	return d == DecisionOK || d == DecisionNotOK
}

// CommandResult is the outcome of one concrete command on one server.
// It is created exactly once and never mutated afterwards.
type CommandResult struct {
	ServerIP        string    `json:"server_ip"`
	ServerName      string    `json:"server_name,omitempty"`
	CommandID       string    `json:"command_id"`
	CommandIDRef    string    `json:"command_id_ref,omitempty"`
	ExpandedFrom    string    `json:"_expanded_from,omitempty"`
	Title           string    `json:"title,omitempty"`
	Command         string    `json:"command"`
	Output          string    `json:"output,omitempty"`
	Stderr          string    `json:"stderr,omitempty"`
	ExitStatus      *int      `json:"exit_status,omitempty"`
	ActualValue     string    `json:"actual_value"`
	ReferenceValue  string    `json:"reference_value,omitempty"`
	Decision        Decision  `json:"decision"`
	Reason          string    `json:"reason,omitempty"`
	SkipReason      string    `json:"skip_reason,omitempty"`
	Error           string    `json:"error,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	RollbackCommand string    `json:"rollback_command,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// JobStatus is the lifecycle state of an assessment job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// AssessmentResult is the final payload of a job.
type AssessmentResult struct {
	JobID      string          `json:"job_id"`
	MOPID      string          `json:"mop_id,omitempty"`
	MOPName    string          `json:"mop_name"`
	Status     JobStatus       `json:"status"`
	Results    []CommandResult `json:"results"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}
