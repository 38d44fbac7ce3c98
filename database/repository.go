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
	"time"

	"github.com/leadline-hq/leadline/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	job      // Interface for workflow job operations
	lead     // Interface for lead cursor operations
	budget   // Interface for invite budget operations
	signal   // Interface for durable control signal operations
	campaign // Interface for campaign reads
	account  // Interface for account session operations
}

// job defines methods for handling workflow jobs.
type job interface {
	CreateJob(ctx context.Context, j *model.WorkflowJob) (*model.WorkflowJob, error)                        // Creates a job; conflicts with an active job for the account
	GetJob(ctx context.Context, jobID string) (*model.WorkflowJob, error)                                   // Retrieves a job by ID
	GetActiveJobForAccount(ctx context.Context, accountID string) (*model.WorkflowJob, error)               // Retrieves the queued/processing job for an account
	GetActiveJobForCampaign(ctx context.Context, campaignID string) (*model.WorkflowJob, error)             // Retrieves the queued/processing job for a campaign
	TransitionJob(ctx context.Context, jobID string, from []string, patch model.JobPatch) error             // Moves a job between statuses, guarded by the current status
	RecordLeadOutcome(ctx context.Context, jobID string, outcome model.LeadOutcome) (*model.WorkflowJob, error) // Commits a lead result and job counters in one transaction
	Heartbeat(ctx context.Context, jobID string) error                                                      // Refreshes a processing job's heartbeat
	GetOrphanedJobs(ctx context.Context, deadAfter time.Duration) ([]*model.WorkflowJob, error)             // Retrieves processing jobs with stale heartbeats
	GetResumableJobs(ctx context.Context) ([]*model.WorkflowJob, error)                                     // Retrieves queued/processing jobs for boot reattach
}

// lead defines methods for cursoring over a campaign's leads.
type lead interface {
	GetEligibleLeads(ctx context.Context, campaignID string, afterLeadID string, batchSize int) ([]*model.Lead, error) // Retrieves the next batch of eligible leads after a cursor
	CountEligibleLeads(ctx context.Context, campaignID string) (int64, error)                                          // Counts eligible leads in a campaign
	GetLead(ctx context.Context, leadID string) (*model.Lead, error)                                                   // Retrieves a lead by ID
}

// budget defines methods for the per-account daily invite budget.
type budget interface {
	ReserveInvite(ctx context.Context, accountID string, day string, dailyLimit int) (*model.InviteBudget, error) // Atomically consumes one invite slot; ErrBudgetExhausted when full
	GetBudget(ctx context.Context, accountID string, day string, dailyLimit int) (*model.InviteBudget, error)     // Retrieves the budget row, zero-valued if absent
}

// signal defines methods for durable job control signals.
type signal interface {
	UpsertControlSignal(ctx context.Context, sig *model.ControlSignal) error              // Records the latest signal for a job; cancel is sticky
	GetLatestControlSignal(ctx context.Context, jobID string) (*model.ControlSignal, error) // Retrieves the latest signal, nil when none recorded
}

// campaign defines read methods for campaigns.
type campaign interface {
	GetCampaign(ctx context.Context, campaignID string) (*model.Campaign, error) // Retrieves a campaign by ID
}

// account defines methods for account sessions.
type account interface {
	GetAccountSession(ctx context.Context, accountID string) (*model.AccountSession, error) // Retrieves an account session by ID
	DeactivateAccount(ctx context.Context, accountID string) error                          // Marks an account session inactive
}
