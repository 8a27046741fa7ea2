// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import (
	"time"

	"mopplane/pkg/mop"
)

// SubmitRequest is the request body for starting an assessment.
type SubmitRequest struct {
	MOP     mop.MOP      `json:"mop"`
	Servers []mop.Server `json:"servers"`
}

// SubmitResponse is the response body after submitting an assessment.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// StatusResponse is the response body for assessment status queries.
type StatusResponse struct {
	ID             string        `json:"id"`
	MOPID          string        `json:"mop_id,omitempty"`
	MOPName        string        `json:"mop_name"`
	Status         mop.JobStatus `json:"status"`
	Error          string        `json:"error,omitempty"`
	CurrentCommand int           `json:"current_command"`
	TotalCommands  int           `json:"total_commands"`
	CurrentServer  int           `json:"current_server"`
	TotalServers   int           `json:"total_servers"`
	Percentage     float64       `json:"percentage"`
	// Estimated seconds left, 0 when unknown or terminal
	RemainingSeconds int64      `json:"remaining_seconds"`
	Log              []string   `json:"log,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// ListResponse is the response body for listing assessments.
type ListResponse struct {
	Assessments []StatusResponse `json:"assessments"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
