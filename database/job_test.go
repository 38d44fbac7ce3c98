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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/leadline-hq/leadline/internal/apierror"
	"github.com/leadline-hq/leadline/model"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

var jobTestColumns = []string{
	"id", "job_id", "campaign_id", "account_id", "status",
	"total_leads", "processed_leads", "sent_leads", "skipped_leads", "failed_leads",
	"last_lead_id", "paused_reason", "error_message", "results",
	"created_at", "started_at", "paused_at", "completed_at", "heartbeat_at",
}

func jobRow(id int64, jobID, status string, total, processed, sent, skipped, failed int, lastLeadID string) *sqlmock.Rows {
	return sqlmock.NewRows(jobTestColumns).AddRow(
		id, jobID, "cmp_1", "acc_1", status,
		total, processed, sent, skipped, failed,
		lastLeadID, nil, nil, nil,
		time.Now(), nil, nil, nil, nil,
	)
}

func TestCreateJob_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("INSERT INTO workflow_jobs").
		WithArgs(sqlmock.AnyArg(), "cmp_1", "acc_1", model.JobStatusQueued, 40, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	created, err := ds.CreateJob(context.Background(), &model.WorkflowJob{
		CampaignID: "cmp_1",
		AccountID:  "acc_1",
		TotalLeads: 40,
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, created.JobID)
	assert.Equal(t, model.JobStatusQueued, created.Status)
	assert.WithinDuration(t, time.Now(), created.CreatedAt, time.Second)
}

func TestCreateJob_ActiveJobConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("INSERT INTO workflow_jobs").
		WillReturnError(&pq.Error{Code: "23505", Message: "unique_violation"})

	mock.ExpectQuery("SELECT (.+) FROM workflow_jobs").
		WithArgs("acc_1", pq.Array(model.ActiveJobStatuses)).
		WillReturnRows(jobRow(7, "job_existing", model.JobStatusProcessing, 40, 12, 10, 1, 1, "lead_12"))

	_, err = ds.CreateJob(context.Background(), &model.WorkflowJob{
		CampaignID: "cmp_1",
		AccountID:  "acc_1",
		TotalLeads: 40,
	})
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)

	blocking, ok := apiErr.Details.(*model.WorkflowJob)
	assert.True(t, ok)
	assert.Equal(t, "job_existing", blocking.JobID)
}

func TestGetJob_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT (.+) FROM workflow_jobs").
		WithArgs("job_missing").
		WillReturnError(sql.ErrNoRows)

	_, err = ds.GetJob(context.Background(), "job_missing")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestTransitionJob_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	now := time.Now()
	mock.ExpectExec("UPDATE workflow_jobs").
		WithArgs("job_1", pq.Array([]string{model.JobStatusQueued}), model.JobStatusProcessing,
			nil, nil, nil, &now, nil, nil, &now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.TransitionJob(context.Background(), "job_1",
		[]string{model.JobStatusQueued},
		model.JobPatch{Status: model.JobStatusProcessing, StartedAt: &now, HeartbeatAt: &now})
	assert.NoError(t, err)
}

func TestTransitionJob_StaleState(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE workflow_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectQuery("SELECT (.+) FROM workflow_jobs").
		WithArgs("job_1").
		WillReturnRows(jobRow(1, "job_1", model.JobStatusCancelled, 40, 5, 4, 1, 0, "lead_5"))

	err = ds.TransitionJob(context.Background(), "job_1",
		[]string{model.JobStatusProcessing},
		model.JobPatch{Status: model.JobStatusPaused})
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrStaleState, apiErr.Code)
	assert.Equal(t, model.JobStatusCancelled, apiErr.Details)
}

func TestRecordLeadOutcome_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE leads").
		WithArgs("lead_13", model.InviteStatusSent, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE workflow_jobs").
		WithArgs("job_1", "lead_13", model.OutcomeSent).
		WillReturnRows(jobRow(1, "job_1", model.JobStatusProcessing, 40, 13, 11, 1, 1, "lead_13"))
	mock.ExpectCommit()

	j, err := ds.RecordLeadOutcome(context.Background(), "job_1", model.LeadOutcome{
		LeadID:       "lead_13",
		Kind:         model.OutcomeSent,
		InviteStatus: model.InviteStatusSent,
	})
	assert.NoError(t, err)
	assert.Equal(t, 13, j.ProcessedLeads)
	assert.Equal(t, j.ProcessedLeads, j.SentLeads+j.SkippedLeads+j.FailedLeads)
	assert.Equal(t, "lead_13", j.LastLeadID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordLeadOutcome_JobNotProcessing(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE leads").
		WithArgs("lead_13", model.InviteStatusFailed, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE workflow_jobs").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err = ds.RecordLeadOutcome(context.Background(), "job_1", model.LeadOutcome{
		LeadID:       "lead_13",
		Kind:         model.OutcomeFailed,
		InviteStatus: model.InviteStatusFailed,
		BumpRetry:    true,
	})
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrStaleState, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeat(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE workflow_jobs").
		WithArgs("job_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, ds.Heartbeat(context.Background(), "job_1"))
}

func TestGetOrphanedJobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	rows := jobRow(3, "job_dead", model.JobStatusProcessing, 40, 20, 18, 1, 1, "lead_20")
	mock.ExpectQuery("SELECT (.+) FROM workflow_jobs").
		WithArgs(float64(60)).
		WillReturnRows(rows)

	jobs, err := ds.GetOrphanedJobs(context.Background(), time.Minute)
	assert.NoError(t, err)
	assert.Len(t, jobs, 1)
	assert.Equal(t, "job_dead", jobs[0].JobID)
}

func TestGetResumableJobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	rows := sqlmock.NewRows(jobTestColumns).
		AddRow(1, "job_a", "cmp_1", "acc_1", model.JobStatusQueued, 10, 0, 0, 0, 0, nil, nil, nil, nil, time.Now(), nil, nil, nil, nil).
		AddRow(2, "job_b", "cmp_2", "acc_2", model.JobStatusProcessing, 25, 9, 8, 0, 1, "lead_9", nil, nil, nil, time.Now(), nil, nil, nil, nil)

	mock.ExpectQuery("SELECT (.+) FROM workflow_jobs").
		WithArgs(pq.Array(model.ActiveJobStatuses)).
		WillReturnRows(rows)

	jobs, err := ds.GetResumableJobs(context.Background())
	assert.NoError(t, err)
	assert.Len(t, jobs, 2)
	assert.Equal(t, "lead_9", jobs[1].LastLeadID)
}
