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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job status values. A job is created as queued, owned by exactly one runner
// while processing, and ends in one of the terminal states.
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusPaused     = "paused"
	JobStatusCompleted  = "completed"
	JobStatusCancelled  = "cancelled"
	JobStatusFailed     = "failed"
	JobStatusTimeout    = "timeout"
)

// Invite status values tracked per lead. Leads in sent, accepted or pending
// are never re-attempted.
const (
	InviteStatusNone     = "none"
	InviteStatusPending  = "pending"
	InviteStatusSent     = "sent"
	InviteStatusAccepted = "accepted"
	InviteStatusFailed   = "failed"
)

// Control signal kinds addressed to a running job.
const (
	SignalPause  = "pause"
	SignalResume = "resume"
	SignalCancel = "cancel"
)

// Pause reasons recorded on the job row.
const (
	PauseReasonUser       = "user_requested"
	PauseReasonDailyLimit = "daily_limit"
)

// ActiveJobStatuses are the statuses counted against the one-active-job-per-account rule.
var ActiveJobStatuses = []string{JobStatusQueued, JobStatusProcessing}

// IsTerminalJobStatus reports whether a job in the given status can never run again.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusCancelled, JobStatusFailed, JobStatusTimeout:
		return true
	}
	return false
}

// WorkflowJob is one execution of the connection-request workflow for a
// (campaign, account) pair. Counters always satisfy
// processed = sent + skipped + failed; the store enforces this by updating
// lead outcome and job counters in a single commit.
type WorkflowJob struct {
	ID             int64      `json:"-"`
	JobID          string     `json:"job_id"`
	CampaignID     string     `json:"campaign_id"`
	AccountID      string     `json:"account_id"`
	Status         string     `json:"status"`
	TotalLeads     int        `json:"total_leads"`
	ProcessedLeads int        `json:"processed_leads"`
	SentLeads      int        `json:"sent_leads"`
	SkippedLeads   int        `json:"skipped_leads"`
	FailedLeads    int        `json:"failed_leads"`
	LastLeadID     string     `json:"last_lead_id,omitempty"`
	PausedReason   string     `json:"paused_reason,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Results        *JobResult `json:"results,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	PausedAt       *time.Time `json:"paused_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt    *time.Time `json:"heartbeat_at,omitempty"`
}

// Progress returns processed/total in [0,1]. A job with no leads reports 1.
func (j *WorkflowJob) Progress() float64 {
	if j.TotalLeads == 0 {
		return 1
	}
	return float64(j.ProcessedLeads) / float64(j.TotalLeads)
}

// IsActive reports whether the job counts against the account's active-job slot.
func (j *WorkflowJob) IsActive() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusProcessing
}

// JobResult is the per-job outcome summary carried by every terminal job.
type JobResult struct {
	Sent             int         `json:"sent"`
	AlreadyConnected int         `json:"already_connected"`
	AlreadyPending   int         `json:"already_pending"`
	Failed           int         `json:"failed"`
	// Skipped marks a job that completed without processing any lead.
	Skipped bool        `json:"skipped,omitempty"`
	Errors  []LeadError `json:"errors,omitempty"`
}

// LeadError records why a single lead could not be invited.
type LeadError struct {
	LeadID string `json:"lead_id"`
	Reason string `json:"reason"`
}

// Lead is an external profile targeted by a campaign.
type Lead struct {
	ID           int64      `json:"-"`
	LeadID       string     `json:"lead_id"`
	CampaignID   string     `json:"campaign_id"`
	ProfileURL   string     `json:"profile_url"`
	DisplayName  string     `json:"display_name"`
	Status       string     `json:"status"`
	InviteStatus string     `json:"invite_status"`
	InviteSentAt *time.Time `json:"invite_sent_at,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

// LeadStatusCompleted marks a lead whose enrichment pipeline finished.
// Only completed leads are eligible for the invite workflow.
const LeadStatusCompleted = "completed"

// Eligible reports whether the lead cursor may emit this lead.
func (l *Lead) Eligible() bool {
	if l.Status != LeadStatusCompleted {
		return false
	}
	return l.InviteStatus == InviteStatusNone || l.InviteStatus == InviteStatusFailed
}

// Campaign is a user-owned collection of leads plus invite settings.
type Campaign struct {
	ID         int64     `json:"-"`
	CampaignID string    `json:"campaign_id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	InviteNote string    `json:"invite_note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AccountSession is the opaque credential bundle the site driver consumes.
// The engine never inspects the blobs; it only loads them, hands them to the
// driver, and flags the account inactive on session loss.
type AccountSession struct {
	ID             int64           `json:"-"`
	AccountID      string          `json:"account_id"`
	UserID         string          `json:"user_id"`
	Cookies        json.RawMessage `json:"cookies,omitempty"`
	LocalStorage   json.RawMessage `json:"local_storage,omitempty"`
	SessionStorage json.RawMessage `json:"session_storage,omitempty"`
	IsActive       bool            `json:"is_active"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// InviteBudget is the per-account counter of invite attempts for one UTC day.
// sent_count never exceeds daily_limit; the store rejects the increment instead.
type InviteBudget struct {
	AccountID  string `json:"account_id"`
	Day        string `json:"day"`
	SentCount  int    `json:"sent_count"`
	DailyLimit int    `json:"daily_limit"`
}

// Remaining returns the number of invites still allowed today.
func (b *InviteBudget) Remaining() int {
	if r := b.DailyLimit - b.SentCount; r > 0 {
		return r
	}
	return 0
}

// BudgetDay keys the budget row; budgets roll implicitly at UTC midnight.
func BudgetDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NextBudgetReset returns the next UTC midnight after t.
func NextBudgetReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// ControlSignal is a pause/resume/cancel addressed to a job. Signals are
// published on the bus and persisted so a runner attaching later still sees
// the latest one. Cancel is sticky: once issued it dominates anything after it.
type ControlSignal struct {
	JobID    string    `json:"job_id"`
	Kind     string    `json:"kind"`
	IssuedAt time.Time `json:"issued_at"`
}

// JobPatch carries the optional fields a status transition may set alongside
// the new status. Nil fields leave the column untouched.
type JobPatch struct {
	Status       string
	PausedReason *string
	ErrorMessage *string
	Results      *JobResult
	StartedAt    *time.Time
	PausedAt     *time.Time
	CompletedAt  *time.Time
	HeartbeatAt  *time.Time
}

// Lead outcome kinds committed against a job. Exactly one is recorded per
// processed lead, and each bumps processed_leads plus one of the
// sent/skipped/failed counters.
const (
	OutcomeSent    = "sent"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// LeadOutcome is the single-commit record of one lead attempt: the lead's new
// invite status, the job counter it bumps, and the cursor advance.
type LeadOutcome struct {
	LeadID       string
	Kind         string // OutcomeSent, OutcomeSkipped or OutcomeFailed
	InviteStatus string
	BumpRetry    bool
	Reason       string
}

// Progress event types.
const (
	ProgressTypeStatus = "status"
	ProgressTypeStage  = "stage"
)

// ProgressEvent is one live update for a job. FractionalProgress equals
// processed leads plus the stage fraction of the lead currently in flight,
// against TotalLeads, which yields a smooth bar across a single lead.
type ProgressEvent struct {
	JobID              string     `json:"job_id"`
	Type               string     `json:"type"`
	Status             string     `json:"status"`
	Stage              string     `json:"stage,omitempty"`
	LeadID             string     `json:"lead_id,omitempty"`
	ProcessedLeads     int        `json:"processed_leads"`
	TotalLeads         int        `json:"total_leads"`
	Progress           float64    `json:"progress"`
	FractionalProgress float64    `json:"fractional_progress"`
	Results            *JobResult `json:"results,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	Timestamp          time.Time  `json:"ts"`
}

// GenerateUUIDWithSuffix generates a prefixed UUID, e.g. "job_9b1c...".
func GenerateUUIDWithSuffix(module string) string {
	return fmt.Sprintf("%s_%s", module, uuid.New().String())
}
