package repo

import (
	"context"
	"fmt"
	"time"
)

// InsertWorkflow creates one pending delayed-notification workflow for the
// meeting. The unique meeting_id constraint makes duplicate "insights ready"
// signals no-ops; returns false when a workflow already exists.
func (r *PostgresRepository) InsertWorkflow(ctx context.Context, meetingID, userID string, runAt time.Time) (bool, error) {
	const q = `
INSERT INTO notification_workflows (meeting_id, user_id, run_at)
VALUES ($1, $2, $3)
ON CONFLICT (meeting_id) DO NOTHING;
`
	ct, err := r.pool.Exec(ctx, q, meetingID, userID, runAt)
	if err != nil {
		return false, fmt.Errorf("insert workflow: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// ListDueWorkflows returns pending workflows whose delay has elapsed.
func (r *PostgresRepository) ListDueWorkflows(ctx context.Context, now time.Time, limit int) ([]NotificationWorkflow, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, meeting_id, user_id, run_at, status, attempts, skip_reason, created_at, updated_at
FROM notification_workflows
WHERE status = 'pending' AND run_at <= $1
ORDER BY run_at ASC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due workflows: %w", err)
	}
	defer rows.Close()

	var workflows []NotificationWorkflow
	for rows.Next() {
		var wf NotificationWorkflow
		if err := rows.Scan(&wf.ID, &wf.MeetingID, &wf.UserID, &wf.RunAt, &wf.Status, &wf.Attempts, &wf.SkipReason, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return workflows, nil
}

// ListWorkflowSteps returns the persisted step log for a workflow.
func (r *PostgresRepository) ListWorkflowSteps(ctx context.Context, workflowID string) ([]WorkflowStep, error) {
	const q = `
SELECT workflow_id, step_name, result, completed_at
FROM workflow_steps
WHERE workflow_id = $1
ORDER BY completed_at ASC;
`
	rows, err := r.pool.Query(ctx, q, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []WorkflowStep
	for rows.Next() {
		var step WorkflowStep
		if err := rows.Scan(&step.WorkflowID, &step.StepName, &step.Result, &step.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan workflow step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow steps: %w", err)
	}
	return steps, nil
}

// RecordWorkflowStep appends a completed step to the log. Re-recording the
// same step overwrites the result so a replayed step stays idempotent.
func (r *PostgresRepository) RecordWorkflowStep(ctx context.Context, workflowID, stepName string, result []byte) error {
	const q = `
INSERT INTO workflow_steps (workflow_id, step_name, result)
VALUES ($1, $2, $3)
ON CONFLICT (workflow_id, step_name) DO UPDATE SET
    result = EXCLUDED.result,
    completed_at = NOW();
`
	if _, err := r.pool.Exec(ctx, q, workflowID, stepName, result); err != nil {
		return fmt.Errorf("record workflow step: %w", err)
	}
	return nil
}

// FinishWorkflow moves the workflow to a terminal status.
func (r *PostgresRepository) FinishWorkflow(ctx context.Context, workflowID, status string, skipReason *string) error {
	const q = `
UPDATE notification_workflows
SET status = $2, skip_reason = $3, updated_at = NOW()
WHERE id = $1;
`
	ct, err := r.pool.Exec(ctx, q, workflowID, status, skipReason)
	if err != nil {
		return fmt.Errorf("finish workflow: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("finish workflow: %w", ErrNotFound)
	}
	return nil
}

// BumpWorkflowAttempts increments the attempt counter and returns the new
// value.
func (r *PostgresRepository) BumpWorkflowAttempts(ctx context.Context, workflowID string) (int, error) {
	const q = `
UPDATE notification_workflows
SET attempts = attempts + 1, updated_at = NOW()
WHERE id = $1
RETURNING attempts;
`
	var attempts int
	if err := r.pool.QueryRow(ctx, q, workflowID).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("bump workflow attempts: %w", err)
	}
	return attempts, nil
}
