package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mopplane/internal/store"
	"mopplane/pkg/mop"
)

// SaveResult archives a terminal assessment result with all of its command results.
// Saving the same job again replaces the earlier rows.
func (s *Store) SaveResult(ctx context.Context, result *mop.AssessmentResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO assessments (job_id, mop_id, mop_name, status, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO UPDATE
		SET status = EXCLUDED.status, error = EXCLUDED.error, finished_at = EXCLUDED.finished_at, archived_at = NOW()
	`,
		result.JobID,
		result.MOPID,
		result.MOPName,
		result.Status,
		result.Error,
		nullTime(result.StartedAt),
		nullTime(result.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to archive assessment %s: %w", result.JobID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM assessment_results WHERE job_id = $1", result.JobID); err != nil {
		return err
	}

	for i, r := range result.Results {
		if err := s.insertResult(ctx, tx, result.JobID, i, r); err != nil {
			return fmt.Errorf("failed to archive result %s/%s: %w", r.ServerIP, r.CommandID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) insertResult(ctx context.Context, tx store.DBTransaction, jobID string, position int, r mop.CommandResult) error {
	recs, err := json.Marshal(r.Recommendations)
	if err != nil {
		return err
	}
	if r.Recommendations == nil {
		recs = []byte("[]")
	}

	var exitStatus sql.NullInt64
	if r.ExitStatus != nil {
		exitStatus = sql.NullInt64{Int64: int64(*r.ExitStatus), Valid: true}
	}

	_, err = s.getExecutor(tx).ExecContext(ctx, `
		INSERT INTO assessment_results (
			job_id, position, server_ip, server_name, command_id, command_id_ref, expanded_from,
			title, command, output, stderr, exit_status, actual_value, reference_value,
			decision, reason, skip_reason, error, recommendations, rollback_command, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`,
		jobID, position, r.ServerIP, r.ServerName, r.CommandID, r.CommandIDRef, r.ExpandedFrom,
		r.Title, r.Command, r.Output, r.Stderr, exitStatus, r.ActualValue, r.ReferenceValue,
		r.Decision, r.Reason, r.SkipReason, r.Error, recs, r.RollbackCommand, r.Timestamp,
	)
	return err
}

// GetResult loads an archived assessment result.
func (s *Store) GetResult(ctx context.Context, jobID string) (*mop.AssessmentResult, error) {
	var result mop.AssessmentResult
	var startedAt, finishedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, mop_id, mop_name, status, error, started_at, finished_at
		FROM assessments WHERE job_id = $1
	`, jobID).Scan(&result.JobID, &result.MOPID, &result.MOPName, &result.Status, &result.Error, &startedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("assessment %s: %w", jobID, store.ErrNotFound)
		}
		return nil, err
	}
	result.StartedAt = startedAt.Time
	result.FinishedAt = finishedAt.Time

	rows, err := s.db.QueryContext(ctx, `
		SELECT server_ip, server_name, command_id, command_id_ref, expanded_from,
			title, command, output, stderr, exit_status, actual_value, reference_value,
			decision, reason, skip_reason, error, recommendations, rollback_command, executed_at
		FROM assessment_results
		WHERE job_id = $1
		ORDER BY position ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result.Results = []mop.CommandResult{}
	for rows.Next() {
		var r mop.CommandResult
		var exitStatus sql.NullInt64
		var recs []byte
		if err := rows.Scan(
			&r.ServerIP, &r.ServerName, &r.CommandID, &r.CommandIDRef, &r.ExpandedFrom,
			&r.Title, &r.Command, &r.Output, &r.Stderr, &exitStatus, &r.ActualValue, &r.ReferenceValue,
			&r.Decision, &r.Reason, &r.SkipReason, &r.Error, &recs, &r.RollbackCommand, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		if exitStatus.Valid {
			code := int(exitStatus.Int64)
			r.ExitStatus = &code
		}
		if len(recs) > 0 {
			if err := json.Unmarshal(recs, &r.Recommendations); err != nil {
				return nil, fmt.Errorf("invalid recommendations for %s: %w", r.CommandID, err)
			}
			if len(r.Recommendations) == 0 {
				r.Recommendations = nil
			}
		}
		result.Results = append(result.Results, r)
	}

	return &result, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
