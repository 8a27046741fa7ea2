// Package report converts an assessment result into the row-oriented shape
// used for export, and renders it as CSV or JSON.
package report

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"mopplane/pkg/mop"
)

// Row is one command result on one server.
type Row struct {
	ServerIP        string       `json:"server_ip"`
	ServerName      string       `json:"server_name,omitempty"`
	CommandID       string       `json:"command_id"`
	ExpandedFrom    string       `json:"expanded_from,omitempty"`
	Title           string       `json:"title,omitempty"`
	Command         string       `json:"command"`
	Reference       string       `json:"reference_value,omitempty"`
	Actual          string       `json:"actual_value"`
	Decision        mop.Decision `json:"decision"`
	Reason          string       `json:"reason,omitempty"`
	SkipReason      string       `json:"skip_reason,omitempty"`
	Error           string       `json:"error,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
	ExitStatus      *int         `json:"exit_status,omitempty"`
	ExecutedAt      time.Time    `json:"executed_at"`
	RollbackCommand string       `json:"rollback_command,omitempty"`
}

// Counts tallies decisions.
type Counts struct {
	Total   int `json:"total"`
	OK      int `json:"ok"`
	NotOK   int `json:"not_ok"`
	Skipped int `json:"skipped"`
	NA      int `json:"n_a"`
}

func (c *Counts) add(d mop.Decision) {
	c.Total++
	switch d {
	case mop.DecisionOK:
		c.OK++
	case mop.DecisionNotOK:
		c.NotOK++
	case mop.DecisionSkipped:
		c.Skipped++
	default:
		c.NA++
	}
}

// ServerSummary is the tally for one server.
type ServerSummary struct {
	ServerIP   string `json:"server_ip"`
	ServerName string `json:"server_name,omitempty"`
	Counts
}

// Report is the export shape of an assessment.
type Report struct {
	JobID      string          `json:"job_id"`
	MOPName    string          `json:"mop_name"`
	Status     mop.JobStatus   `json:"status"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Rows       []Row           `json:"rows"`
	Servers    []ServerSummary `json:"servers"`
	Totals     Counts          `json:"totals"`
}

// Assemble builds the report. Rows keep the result order; servers are listed
// in order of first appearance.
func Assemble(result *mop.AssessmentResult) Report {
	rep := Report{
		JobID:      result.JobID,
		MOPName:    result.MOPName,
		Status:     result.Status,
		Error:      result.Error,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		Rows:       make([]Row, 0, len(result.Results)),
		Servers:    []ServerSummary{},
	}

	index := make(map[string]int)
	for _, r := range result.Results {
		rep.Rows = append(rep.Rows, Row{
			ServerIP:        r.ServerIP,
			ServerName:      r.ServerName,
			CommandID:       r.CommandID,
			ExpandedFrom:    r.ExpandedFrom,
			Title:           r.Title,
			Command:         r.Command,
			Reference:       r.ReferenceValue,
			Actual:          r.ActualValue,
			Decision:        r.Decision,
			Reason:          r.Reason,
			SkipReason:      r.SkipReason,
			Error:           r.Error,
			Recommendations: r.Recommendations,
			ExitStatus:      r.ExitStatus,
			ExecutedAt:      r.Timestamp,
			RollbackCommand: r.RollbackCommand,
		})

		i, ok := index[r.ServerIP]
		if !ok {
			i = len(rep.Servers)
			index[r.ServerIP] = i
			rep.Servers = append(rep.Servers, ServerSummary{ServerIP: r.ServerIP, ServerName: r.ServerName})
		}
		rep.Servers[i].add(r.Decision)
		rep.Totals.add(r.Decision)
	}
	return rep
}

var header = []string{
	"server_ip", "server_name", "command_id", "expanded_from", "title", "command",
	"reference_value", "actual_value", "decision", "reason", "skip_reason", "error",
	"recommendations", "exit_status", "executed_at", "rollback_command",
}

// WriteCSV writes one header line and one line per row.
// Recommendations are joined with "; ".
func WriteCSV(w io.Writer, rep Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, r := range rep.Rows {
		exit := ""
		if r.ExitStatus != nil {
			exit = strconv.Itoa(*r.ExitStatus)
		}
		executed := ""
		if !r.ExecutedAt.IsZero() {
			executed = r.ExecutedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			r.ServerIP, r.ServerName, r.CommandID, r.ExpandedFrom, r.Title, r.Command,
			r.Reference, r.Actual, string(r.Decision), r.Reason, r.SkipReason, r.Error,
			strings.Join(r.Recommendations, "; "), exit, executed, r.RollbackCommand,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the whole report as indented JSON.
func WriteJSON(w io.Writer, rep Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// Write renders rep in the named format: "csv" or anything else for JSON.
func Write(w io.Writer, rep Report, format string) error {
	if strings.EqualFold(format, "csv") {
		return WriteCSV(w, rep)
	}
	return WriteJSON(w, rep)
}
