/*
Copyright 2024 Leadline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/leadline-hq/leadline/internal/apierror"
	"github.com/leadline-hq/leadline/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

const jobColumns = `
	id, job_id, campaign_id, account_id, status,
	total_leads, processed_leads, sent_leads, skipped_leads, failed_leads,
	last_lead_id, paused_reason, error_message, results,
	created_at, started_at, paused_at, completed_at, heartbeat_at
`

// scanJob reads one workflow_jobs row. Works for both sql.Row and sql.Rows.
func scanJob(row interface{ Scan(dest ...interface{}) error }) (*model.WorkflowJob, error) {
	j := &model.WorkflowJob{}
	var lastLeadID, pausedReason, errorMessage sql.NullString
	var resultsJSON []byte
	var startedAt, pausedAt, completedAt, heartbeatAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.JobID, &j.CampaignID, &j.AccountID, &j.Status,
		&j.TotalLeads, &j.ProcessedLeads, &j.SentLeads, &j.SkippedLeads, &j.FailedLeads,
		&lastLeadID, &pausedReason, &errorMessage, &resultsJSON,
		&j.CreatedAt, &startedAt, &pausedAt, &completedAt, &heartbeatAt,
	)
	if err != nil {
		return nil, err
	}

	j.LastLeadID = lastLeadID.String
	j.PausedReason = pausedReason.String
	j.ErrorMessage = errorMessage.String
	if len(resultsJSON) > 0 {
		j.Results = &model.JobResult{}
		if err := json.Unmarshal(resultsJSON, j.Results); err != nil {
			return nil, err
		}
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if pausedAt.Valid {
		j.PausedAt = &pausedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if heartbeatAt.Valid {
		j.HeartbeatAt = &heartbeatAt.Time
	}
	return j, nil
}

// CreateJob inserts a new queued job. The partial unique index on account_id
// rejects the insert when the account already has a queued or processing job;
// the conflict error carries the blocking job so callers can surface it.
func (d Datasource) CreateJob(ctx context.Context, j *model.WorkflowJob) (*model.WorkflowJob, error) {
	ctx, span := otel.Tracer("Job").Start(ctx, "Saving workflow job to db")
	defer span.End()

	if j.JobID == "" {
		j.JobID = model.GenerateUUIDWithSuffix("job")
	}
	if j.Status == "" {
		j.Status = model.JobStatusQueued
	}
	j.CreatedAt = time.Now()

	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO workflow_jobs (job_id, campaign_id, account_id, status, total_leads, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, j.JobID, j.CampaignID, j.AccountID, j.Status, j.TotalLeads, j.CreatedAt).Scan(&j.ID)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code.Name() == "unique_violation" {
			blocking, getErr := d.GetActiveJobForAccount(ctx, j.AccountID)
			if getErr != nil {
				return nil, apierror.NewAPIError(apierror.ErrConflict, "Account already has an active job", err)
			}
			return nil, apierror.NewAPIError(apierror.ErrConflict, "Account already has an active job", blocking)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create workflow job", err)
	}

	return j, nil
}

// GetJob retrieves a workflow job by its ID.
func (d Datasource) GetJob(ctx context.Context, jobID string) (*model.WorkflowJob, error) {
	ctx, span := otel.Tracer("Job").Start(ctx, "Fetching workflow job from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM workflow_jobs
		WHERE job_id = $1
	`, jobID)

	j, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Job not found", jobID)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve workflow job", err)
	}
	return j, nil
}

// GetActiveJobForAccount retrieves the queued or processing job holding the
// account's single active slot, or a not-found error when the slot is free.
func (d Datasource) GetActiveJobForAccount(ctx context.Context, accountID string) (*model.WorkflowJob, error) {
	ctx, span := otel.Tracer("Job").Start(ctx, "Fetching active job for account")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM workflow_jobs
		WHERE account_id = $1 AND status = ANY($2)
	`, accountID, pq.Array(model.ActiveJobStatuses))

	j, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "No active job for account", accountID)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve active job", err)
	}
	return j, nil
}

// GetActiveJobForCampaign retrieves the most recent queued or processing job
// attached to a campaign.
func (d Datasource) GetActiveJobForCampaign(ctx context.Context, campaignID string) (*model.WorkflowJob, error) {
	ctx, span := otel.Tracer("Job").Start(ctx, "Fetching active job for campaign")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM workflow_jobs
		WHERE campaign_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1
	`, campaignID, pq.Array(model.ActiveJobStatuses))

	j, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "No active job for campaign", campaignID)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve active job", err)
	}
	return j, nil
}

// TransitionJob moves a job to patch.Status, but only when its current status
// is one of from. A zero-row update means someone else transitioned the job
// first; callers get a stale-state error and must re-read before retrying.
func (d Datasource) TransitionJob(ctx context.Context, jobID string, from []string, patch model.JobPatch) error {
	ctx, span := otel.Tracer("Job").Start(ctx, "Transitioning workflow job status")
	defer span.End()

	var resultsJSON interface{}
	if patch.Results != nil {
		b, err := json.Marshal(patch.Results)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal job results", err)
		}
		resultsJSON = b
	}

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE workflow_jobs
		SET status = $3,
			paused_reason = COALESCE($4, paused_reason),
			error_message = COALESCE($5, error_message),
			results = COALESCE($6, results),
			started_at = COALESCE($7, started_at),
			paused_at = COALESCE($8, paused_at),
			completed_at = COALESCE($9, completed_at),
			heartbeat_at = COALESCE($10, heartbeat_at)
		WHERE job_id = $1 AND status = ANY($2)
	`, jobID, pq.Array(from), patch.Status,
		patch.PausedReason, patch.ErrorMessage, resultsJSON,
		patch.StartedAt, patch.PausedAt, patch.CompletedAt, patch.HeartbeatAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to transition workflow job", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read transition result", err)
	}
	if affected == 0 {
		current, getErr := d.GetJob(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		return apierror.NewAPIError(apierror.ErrStaleState, "Job is no longer in an expected status", current.Status)
	}
	return nil
}

// RecordLeadOutcome commits one lead attempt: the lead's new invite status and
// the job's counters and cursor move in a single transaction, so
// processed = sent + skipped + failed holds at every commit point. The job
// must still be processing; anything else rolls back with a stale-state error.
func (d Datasource) RecordLeadOutcome(ctx context.Context, jobID string, outcome model.LeadOutcome) (*model.WorkflowJob, error) {
	ctx, span := otel.Tracer("Job").Start(ctx, "Recording lead outcome")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}

	retryBump := 0
	if outcome.BumpRetry {
		retryBump = 1
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE leads
		SET invite_status = $2,
			invite_sent_at = CASE WHEN $2 = 'sent' THEN NOW() ELSE invite_sent_at END,
			retry_count = retry_count + $3
		WHERE lead_id = $1
	`, outcome.LeadID, outcome.InviteStatus, retryBump)
	if err != nil {
		_ = tx.Rollback()
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update lead invite status", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE workflow_jobs
		SET processed_leads = processed_leads + 1,
			sent_leads = sent_leads + CASE WHEN $3 = 'sent' THEN 1 ELSE 0 END,
			skipped_leads = skipped_leads + CASE WHEN $3 = 'skipped' THEN 1 ELSE 0 END,
			failed_leads = failed_leads + CASE WHEN $3 = 'failed' THEN 1 ELSE 0 END,
			last_lead_id = $2,
			heartbeat_at = NOW()
		WHERE job_id = $1 AND status = 'processing'
		RETURNING `+jobColumns+`
	`, jobID, outcome.LeadID, outcome.Kind)

	j, err := scanJob(row)
	if err != nil {
		_ = tx.Rollback()
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrStaleState, "Job is not processing", jobID)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update job counters", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit lead outcome", err)
	}
	return j, nil
}

// Heartbeat refreshes a processing job's liveness marker. A paused or terminal
// job silently ignores the beat.
func (d Datasource) Heartbeat(ctx context.Context, jobID string) error {
	ctx, span := otel.Tracer("Job").Start(ctx, "Updating job heartbeat")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE workflow_jobs
		SET heartbeat_at = NOW()
		WHERE job_id = $1 AND status = 'processing'
	`, jobID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update heartbeat", err)
	}
	return nil
}

// GetOrphanedJobs retrieves processing jobs whose heartbeat is older than
// deadAfter. These belonged to a runner that died without releasing them.
func (d Datasource) GetOrphanedJobs(ctx context.Context, deadAfter time.Duration) ([]*model.WorkflowJob, error) {
	ctx, span := otel.Tracer("Job").Start(ctx, "Fetching orphaned jobs")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM workflow_jobs
		WHERE status = 'processing'
		AND (heartbeat_at IS NULL OR heartbeat_at < NOW() - ($1 * INTERVAL '1 second'))
	`, deadAfter.Seconds())
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve orphaned jobs", err)
	}
	defer rows.Close()

	var jobs []*model.WorkflowJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan orphaned job", err)
		}
		jobs = append(jobs, j)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over orphaned jobs", err)
	}
	return jobs, nil
}

// GetResumableJobs retrieves every queued and processing job. Called once at
// boot so the supervisor can reattach runners to work that survived a restart.
func (d Datasource) GetResumableJobs(ctx context.Context) ([]*model.WorkflowJob, error) {
	ctx, span := otel.Tracer("Job").Start(ctx, "Fetching resumable jobs")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM workflow_jobs
		WHERE status = ANY($1)
		ORDER BY created_at ASC
	`, pq.Array(model.ActiveJobStatuses))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve resumable jobs", err)
	}
	defer rows.Close()

	var jobs []*model.WorkflowJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan resumable job", err)
		}
		jobs = append(jobs, j)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over resumable jobs", err)
	}
	return jobs, nil
}
