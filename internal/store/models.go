// Package store contains the job state and result persistence layer for mopplane.
package store

import (
	"math"
	"time"

	"mopplane/pkg/mop"
)

// ServerProgress is one server's position in its command list.
type ServerProgress struct {
	Name             string
	Completed        int // MOP commands finished, expanded templates count once
	Done             bool
	ConnectionFailed bool
}

// Job is a point-in-time snapshot of one assessment job.
// Snapshots handed out by a JobStore are shared and must be treated as read-only;
// JobStore.Update passes a private copy to its mutator.
type Job struct {
	ID      string
	MOPID   string
	MOPName string
	Status  mop.JobStatus
	Error   string

	TotalCommands  int
	TotalServers   int
	CurrentCommand int
	CurrentServer  int
	Percentage     float64
	Servers        []ServerProgress

	// Log holds the most recent lines, oldest first.
	Log []string

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	// Result is set once the job is terminal.
	Result *mop.AssessmentResult
}

// NewJob creates a pending job for the given MOP and servers.
func NewJob(id string, m mop.MOP, servers []mop.Server, now time.Time) *Job {
	progress := make([]ServerProgress, len(servers))
	for i, s := range servers {
		progress[i].Name = s.DisplayName()
	}
	return &Job{
		ID:            id,
		MOPID:         m.ID,
		MOPName:       m.Name,
		Status:        mop.JobPending,
		TotalCommands: len(m.Commands),
		TotalServers:  len(servers),
		Servers:       progress,
		CreatedAt:     now,
	}
}

// Clone returns a deep copy of the job. The result payload is immutable once
// set and is shared.
func (j *Job) Clone() *Job {
	c := *j
	c.Servers = append([]ServerProgress(nil), j.Servers...)
	c.Log = append([]string(nil), j.Log...)
	return &c
}

// AppendLog adds a line, keeping at most limit lines.
func (j *Job) AppendLog(line string, limit int) {
	j.Log = append(j.Log, line)
	if limit > 0 && len(j.Log) > limit {
		j.Log = append([]string(nil), j.Log[len(j.Log)-limit:]...)
	}
}

// SetServerProgress records that server i finished completed commands.
// Counters never move backwards, so updates may arrive in any order.
func (j *Job) SetServerProgress(i, completed int, done, connectionFailed bool) {
	if i < 0 || i >= len(j.Servers) {
		return
	}
	sp := &j.Servers[i]
	if completed > sp.Completed {
		sp.Completed = min(completed, j.TotalCommands)
	}
	if done {
		sp.Done = true
		sp.Completed = j.TotalCommands
	}
	if connectionFailed {
		sp.ConnectionFailed = true
	}
	j.recompute()
}

// recompute derives the aggregate counters from per-server progress.
func (j *Job) recompute() {
	total := j.TotalCommands * j.TotalServers
	if total == 0 {
		return
	}

	sum, finished, current := 0, 0, 0
	for _, sp := range j.Servers {
		sum += sp.Completed
		if sp.Done {
			finished++
			continue
		}
		current = max(current, min(sp.Completed+1, j.TotalCommands))
	}
	if finished == j.TotalServers {
		current = j.TotalCommands
	}

	pct := math.Floor(float64(sum)*10000/float64(total)) / 100
	j.Percentage = max(j.Percentage, pct)
	j.CurrentServer = finished
	j.CurrentCommand = current
}

// EstimatedRemaining extrapolates the time left from the elapsed time and percentage.
func (j *Job) EstimatedRemaining(now time.Time) time.Duration {
	if j.Status.Terminal() || j.StartedAt.IsZero() || j.Percentage <= 0 {
		return 0
	}
	elapsed := now.Sub(j.StartedAt)
	remaining := time.Duration(float64(elapsed) * (100 - j.Percentage) / j.Percentage)
	return remaining.Round(time.Second)
}
