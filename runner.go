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

package leadline

import (
	"context"
	"fmt"
	"time"

	"github.com/leadline-hq/leadline/config"
	"github.com/leadline-hq/leadline/driver"
	"github.com/leadline-hq/leadline/internal/apierror"
	"github.com/leadline-hq/leadline/internal/notification"
	"github.com/leadline-hq/leadline/model"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
)

const maxRecordedLeadErrors = 20

// Runner owns one workflow job from attach to exit. Inside a runner work is
// strictly sequential; the job row has no other writer while the runner
// holds it, which is what makes the loop's read-modify-write cycles safe.
type Runner struct {
	engine *Leadline
	budget *RateBudget
	job    *model.WorkflowJob

	attempts map[string]int
	results  model.JobResult
	onExit   func(jobID string)
}

func NewRunner(engine *Leadline, job *model.WorkflowJob, onExit func(jobID string)) *Runner {
	r := &Runner{
		engine:   engine,
		budget:   NewRateBudget(engine.datasource),
		job:      job,
		attempts: make(map[string]int),
		onExit:   onExit,
	}
	if job.Results != nil {
		r.results = *job.Results
	}
	return r
}

// Run drives the job until a terminal or paused state. Every exit path
// releases the driver session and deregisters the runner; a panic inside the
// loop fails the job instead of leaking it in processing.
func (r *Runner) Run(ctx context.Context) {
	if r.onExit != nil {
		defer r.onExit(r.job.JobID)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("runner panic on job %s: %v", r.job.JobID, rec)
			notification.NotifyError(err)
			r.transition(context.Background(), model.ActiveJobStatuses, model.JobPatch{
				Status:       model.JobStatusFailed,
				ErrorMessage: ptr.String(err.Error()),
				CompletedAt:  ptr.Time(time.Now()),
			})
		}
	}()

	conf, err := config.Fetch()
	if err != nil {
		logrus.Errorf("runner: config unavailable for job %s: %v", r.job.JobID, err)
		return
	}

	// A persisted cancel issued while no runner was attached wins before any
	// work starts.
	if sig, err := r.engine.datasource.GetLatestControlSignal(ctx, r.job.JobID); err == nil && sig != nil && sig.Kind == model.SignalCancel {
		r.transition(ctx, model.ActiveJobStatuses, model.JobPatch{
			Status:      model.JobStatusCancelled,
			CompletedAt: ptr.Time(time.Now()),
		})
		return
	}

	now := time.Now()
	if err := r.transition(ctx, model.ActiveJobStatuses, model.JobPatch{
		Status:      model.JobStatusProcessing,
		StartedAt:   startedAt(r.job, now),
		HeartbeatAt: &now,
	}); err != nil {
		return
	}

	session, ok := r.openSession(ctx)
	if !ok {
		return
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := session.Release(releaseCtx); err != nil {
			logrus.Warnf("runner: release failed for job %s: %v", r.job.JobID, err)
		}
	}
	defer release()

	campaign, err := r.engine.datasource.GetCampaign(ctx, r.job.CampaignID)
	if err != nil {
		r.failJob(ctx, fmt.Sprintf("campaign load failed: %v", err))
		return
	}
	note := campaign.InviteNote
	if note == "" {
		note = conf.Workflow.DefaultInviteNote
	}

	cursor := NewLeadCursor(r.engine.datasource, r.job.CampaignID, conf.Workflow.BatchSize)
	cursor.SeekAfter(r.job.LastLeadID)

	signals, unsubscribe, err := r.engine.bus.SubscribeControl(ctx, r.job.JobID)
	if err != nil {
		logrus.Warnf("runner: control subscribe failed for job %s, relying on durable signals: %v", r.job.JobID, err)
	} else {
		defer unsubscribe()
	}

	stopBeat := r.startHeartbeat(ctx, conf.Workflow.HeartbeatInterval())
	defer stopBeat()

	jobDeadline := r.jobDeadline(conf.Workflow.JobTimeout())
	batchCount := 0

	for {
		select {
		case <-ctx.Done():
			// Process shutdown; the job stays processing and is reattached
			// or swept on next boot.
			return
		default:
		}

		if time.Now().After(jobDeadline) {
			r.transition(ctx, []string{model.JobStatusProcessing}, model.JobPatch{
				Status:       model.JobStatusTimeout,
				ErrorMessage: ptr.String("job deadline exceeded"),
				Results:      r.resultsCopy(),
				CompletedAt:  ptr.Time(time.Now()),
			})
			return
		}

		// Step 1: heartbeat plus a status event for live observers.
		if err := r.engine.datasource.Heartbeat(ctx, r.job.JobID); err != nil {
			logrus.Warnf("runner: heartbeat failed for job %s: %v", r.job.JobID, err)
		}
		r.engine.progress.PublishStatus(ctx, r.job)

		// Step 2: non-blocking control poll. Cancel wins over pause.
		if done := r.handleSignal(ctx, peekSignal(signals)); done {
			return
		}

		// Step 3: next lead. An exhausted cursor completes the job before any
		// budget is touched.
		lead, err := cursor.Next(ctx)
		if err != nil {
			if err == ErrEndOfLeads {
				r.transition(ctx, []string{model.JobStatusProcessing}, model.JobPatch{
					Status:      model.JobStatusCompleted,
					Results:     r.completedResults(),
					CompletedAt: ptr.Time(time.Now()),
				})
				return
			}
			r.failJob(ctx, fmt.Sprintf("lead cursor failed: %v", err))
			return
		}

		// Step 4: budget reservation covers the wire attempt for this lead.
		// On exhaustion the lead goes back unattempted; the cursor position
		// persisted so far re-yields it after the rollover resume.
		if _, err := r.budget.Reserve(ctx, r.job.AccountID, time.Now()); err != nil {
			if limitErr, ok := err.(LimitReachedError); ok {
				cursor.Requeue(lead)
				if txErr := r.transition(ctx, []string{model.JobStatusProcessing}, model.JobPatch{
					Status:       model.JobStatusPaused,
					PausedReason: ptr.String(model.PauseReasonDailyLimit),
					Results:      r.resultsCopy(),
					PausedAt:     ptr.Time(time.Now()),
				}); txErr == nil {
					if qErr := r.engine.queue.queueResumeAtReset(r.job.JobID, r.job.AccountID, limitErr.ResetAt); qErr != nil {
						logrus.Errorf("runner: rollover resume enqueue failed for job %s: %v", r.job.JobID, qErr)
					}
				}
				return
			}
			r.failJob(ctx, fmt.Sprintf("budget reservation failed: %v", err))
			return
		}

		// Step 5: drive the lead under the per-lead deadline, surfacing
		// stage transitions as progress events.
		leadCtx, cancelLead := context.WithTimeout(ctx, conf.Workflow.PerLeadTimeout())
		outcome := session.ProcessLead(leadCtx, lead, note, func(stage string) {
			r.engine.progress.PublishStage(ctx, r.job, lead.LeadID, stage)
		})
		if leadCtx.Err() == context.DeadlineExceeded && outcome.Kind == driver.TransientError {
			outcome.Reason = "lead_timeout"
		}
		cancelLead()

		// Step 6: record the outcome.
		done, recorded := r.recordOutcome(ctx, cursor, lead, outcome)
		if done {
			return
		}
		if !recorded {
			continue
		}

		// Step 7: batch boundary.
		batchCount++
		if conf.Workflow.BatchSize > 0 && batchCount%conf.Workflow.BatchSize == 0 {
			select {
			case <-time.After(conf.Workflow.InterBatchDelay()):
			case <-ctx.Done():
				return
			}
		}
	}
}

// recordOutcome maps a driver outcome onto the store per the outcome table.
// Returns done when the runner must exit, and recorded when a lead outcome
// was committed (transient requeues commit nothing).
func (r *Runner) recordOutcome(ctx context.Context, cursor *LeadCursor, lead *model.Lead, outcome driver.Outcome) (done bool, recorded bool) {
	conf, err := config.Fetch()
	if err != nil {
		r.failJob(ctx, fmt.Sprintf("config unavailable: %v", err))
		return true, false
	}

	var record model.LeadOutcome

	switch outcome.Kind {
	case driver.Sent:
		r.results.Sent++
		record = model.LeadOutcome{LeadID: lead.LeadID, Kind: model.OutcomeSent, InviteStatus: model.InviteStatusSent}

	case driver.AlreadyPending:
		r.results.AlreadyPending++
		record = model.LeadOutcome{LeadID: lead.LeadID, Kind: model.OutcomeSkipped, InviteStatus: model.InviteStatusPending}

	case driver.AlreadyConnected:
		r.results.AlreadyConnected++
		record = model.LeadOutcome{LeadID: lead.LeadID, Kind: model.OutcomeSkipped, InviteStatus: model.InviteStatusAccepted}

	case driver.NotConnectable:
		r.recordLeadError(lead.LeadID, outcome.Reason)
		record = model.LeadOutcome{LeadID: lead.LeadID, Kind: model.OutcomeFailed, InviteStatus: model.InviteStatusFailed, Reason: outcome.Reason}

	case driver.TransientError:
		r.attempts[lead.LeadID]++
		if r.attempts[lead.LeadID] <= conf.Workflow.MaxRetriesPerLead {
			logrus.Infof("runner: retrying lead %s on job %s (%s, attempt %d)", lead.LeadID, r.job.JobID, outcome.Reason, r.attempts[lead.LeadID])
			cursor.Requeue(lead)
			return false, false
		}
		r.recordLeadError(lead.LeadID, outcome.Reason)
		record = model.LeadOutcome{LeadID: lead.LeadID, Kind: model.OutcomeFailed, InviteStatus: model.InviteStatusFailed, BumpRetry: true, Reason: outcome.Reason}

	case driver.FatalError:
		if outcome.Reason == driver.ReasonSessionInvalid {
			if err := r.engine.datasource.DeactivateAccount(ctx, r.job.AccountID); err != nil {
				logrus.Errorf("runner: deactivate account %s failed: %v", r.job.AccountID, err)
			}
		}
		r.failJob(ctx, "driver fatal error: "+outcome.Reason)
		return true, false

	default:
		r.failJob(ctx, "unknown driver outcome: "+outcome.Kind)
		return true, false
	}

	updated, err := r.engine.datasource.RecordLeadOutcome(ctx, r.job.JobID, record)
	if err != nil {
		if apiErr, ok := err.(apierror.APIError); ok && apiErr.Code == apierror.ErrStaleState {
			// Someone flipped the job under us (sweeper, concurrent
			// cancel). The store won; exit quietly.
			logrus.Infof("runner: job %s no longer processing, exiting", r.job.JobID)
			return true, false
		}
		r.failJob(ctx, fmt.Sprintf("record outcome failed: %v", err))
		return true, false
	}

	r.job = updated
	r.job.Results = r.resultsCopy()
	r.engine.progress.PublishStatus(ctx, r.job)
	return false, true
}

// handleSignal applies a control signal at a safe point. Cancel dominates;
// resume while processing is a no-op.
func (r *Runner) handleSignal(ctx context.Context, sig *model.ControlSignal) bool {
	if sig == nil {
		return false
	}
	switch sig.Kind {
	case model.SignalCancel:
		r.transition(ctx, model.ActiveJobStatuses, model.JobPatch{
			Status:      model.JobStatusCancelled,
			Results:     r.resultsCopy(),
			CompletedAt: ptr.Time(time.Now()),
		})
		return true
	case model.SignalPause:
		r.transition(ctx, []string{model.JobStatusProcessing}, model.JobPatch{
			Status:       model.JobStatusPaused,
			PausedReason: ptr.String(model.PauseReasonUser),
			Results:      r.resultsCopy(),
			PausedAt:     ptr.Time(time.Now()),
		})
		return true
	}
	return false
}

// openSession loads the account bundle and opens the driver session. Session
// problems fail the job; an invalid stored session also deactivates the
// account so the owner re-authenticates before the next attempt.
func (r *Runner) openSession(ctx context.Context) (driver.Session, bool) {
	account, err := r.engine.datasource.GetAccountSession(ctx, r.job.AccountID)
	if err != nil {
		r.failJob(ctx, fmt.Sprintf("account session load failed: %v", err))
		return nil, false
	}
	if !account.IsActive {
		r.failJob(ctx, "account session is inactive")
		return nil, false
	}

	session, err := r.engine.driver.ValidateSession(ctx, account)
	if err != nil {
		if invalid, ok := err.(driver.SessionInvalidError); ok {
			if dErr := r.engine.datasource.DeactivateAccount(ctx, r.job.AccountID); dErr != nil {
				logrus.Errorf("runner: deactivate account %s failed: %v", r.job.AccountID, dErr)
			}
			r.failJob(ctx, "session invalid: "+invalid.Reason)
			return nil, false
		}
		r.failJob(ctx, fmt.Sprintf("session validation failed: %v", err))
		return nil, false
	}
	return session, true
}

// startHeartbeat keeps heartbeatAt fresh while a slow driver call is in
// flight, so a healthy runner is never mistaken for an orphan mid-lead.
func (r *Runner) startHeartbeat(ctx context.Context, interval time.Duration) func() {
	beatCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-ticker.C:
				if err := r.engine.datasource.Heartbeat(beatCtx, r.job.JobID); err != nil {
					logrus.Warnf("runner: background heartbeat failed for job %s: %v", r.job.JobID, err)
				}
			}
		}
	}()
	return cancel
}

// transition moves the job and fans out the change: one status event on the
// bus and, for paused and terminal states, a webhook. Stale transitions are
// logged and surfaced; the caller decides whether to exit.
func (r *Runner) transition(ctx context.Context, from []string, patch model.JobPatch) error {
	if err := r.engine.datasource.TransitionJob(ctx, r.job.JobID, from, patch); err != nil {
		logrus.Warnf("runner: transition of job %s to %s refused: %v", r.job.JobID, patch.Status, err)
		return err
	}

	r.job.Status = patch.Status
	if patch.PausedReason != nil {
		r.job.PausedReason = *patch.PausedReason
	}
	if patch.ErrorMessage != nil {
		r.job.ErrorMessage = *patch.ErrorMessage
	}
	if patch.Results != nil {
		r.job.Results = patch.Results
	}

	r.engine.progress.PublishStatus(ctx, r.job)
	if err := SendWebhook(r.engine.queue, r.job); err != nil {
		logrus.Warnf("runner: webhook enqueue failed for job %s: %v", r.job.JobID, err)
	}
	return nil
}

func (r *Runner) failJob(ctx context.Context, message string) {
	r.transition(ctx, model.ActiveJobStatuses, model.JobPatch{
		Status:       model.JobStatusFailed,
		ErrorMessage: ptr.String(message),
		Results:      r.resultsCopy(),
		CompletedAt:  ptr.Time(time.Now()),
	})
}

func (r *Runner) recordLeadError(leadID, reason string) {
	r.results.Failed++
	if len(r.results.Errors) < maxRecordedLeadErrors {
		r.results.Errors = append(r.results.Errors, model.LeadError{LeadID: leadID, Reason: reason})
	}
}

func (r *Runner) resultsCopy() *model.JobResult {
	c := r.results
	c.Errors = append([]model.LeadError(nil), r.results.Errors...)
	return &c
}

// completedResults marks runs that ended without a single processed lead, so
// a job whose leads all became ineligible between runs reads as skipped.
func (r *Runner) completedResults() *model.JobResult {
	c := r.resultsCopy()
	if r.job.ProcessedLeads == 0 {
		c.Skipped = true
	}
	return c
}

func (r *Runner) jobDeadline(timeout time.Duration) time.Time {
	start := r.job.CreatedAt
	if r.job.StartedAt != nil {
		start = *r.job.StartedAt
	}
	return start.Add(timeout)
}

// peekSignal drains the control channel without blocking and returns the
// winning signal: any cancel beats whatever else arrived.
func peekSignal(signals <-chan *model.ControlSignal) *model.ControlSignal {
	if signals == nil {
		return nil
	}
	var latest *model.ControlSignal
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return latest
			}
			if latest == nil || latest.Kind != model.SignalCancel {
				latest = sig
			}
		default:
			return latest
		}
	}
}

func startedAt(job *model.WorkflowJob, now time.Time) *time.Time {
	if job.StartedAt != nil {
		return job.StartedAt
	}
	return &now
}
