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
package model

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/leadline-hq/leadline/model"
)

// StartWorkflow is the request body for POST /campaigns/:id/start-workflow.
type StartWorkflow struct {
	AccountID string `json:"account_id"`
}

func (s *StartWorkflow) ValidateStartWorkflow() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.AccountID, validation.Required),
	)
}

// JobStatus is the read model for GET /jobs/:id/status: the persisted job row
// plus the most recent live event, when this process has one.
type JobStatus struct {
	*model.WorkflowJob
	Progress    float64              `json:"progress"`
	LatestEvent *model.ProgressEvent `json:"latest_event,omitempty"`
}

func NewJobStatus(job *model.WorkflowJob, latest *model.ProgressEvent) JobStatus {
	return JobStatus{
		WorkflowJob: job,
		Progress:    job.Progress(),
		LatestEvent: latest,
	}
}

// BlockingJob describes the job occupying an account's active slot in a 409
// response, so the caller can decide whether to wait, resume or cancel it.
type BlockingJob struct {
	JobID        string  `json:"job_id"`
	CampaignID   string  `json:"campaign_id"`
	Status       string  `json:"status"`
	SameCampaign bool    `json:"same_campaign"`
	Progress     float64 `json:"progress"`
}

// Conflict is the body of every 409 returned by the workflow API.
type Conflict struct {
	Error       string       `json:"error"`
	BlockingJob *BlockingJob `json:"blocking_job,omitempty"`
}

func NewConflict(message, campaignID string, blocking *model.WorkflowJob) Conflict {
	body := Conflict{Error: message}
	if blocking != nil {
		body.BlockingJob = &BlockingJob{
			JobID:        blocking.JobID,
			CampaignID:   blocking.CampaignID,
			Status:       blocking.Status,
			SameCampaign: blocking.CampaignID == campaignID,
			Progress:     blocking.Progress(),
		}
	}
	return body
}
