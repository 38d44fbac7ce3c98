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
	"encoding/json"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/leadline-hq/leadline/config"
	"github.com/leadline-hq/leadline/internal/apierror"
	redlock "github.com/leadline-hq/leadline/internal/lock"
	"github.com/leadline-hq/leadline/model"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
)

const (
	orphanSweepLockKey  = "orphan-sweep"
	orphanSweepInterval = 30 * time.Second
)

// Supervisor is the engine's front door: it starts workflows, relays control
// signals, reattaches surviving jobs after a restart and sweeps orphans. At
// most one runner per job runs in this process; the partial unique index in
// the store enforces at most one active job per account across processes.
type Supervisor struct {
	engine *Leadline

	mu      sync.Mutex
	runners map[string]struct{}

	sweepMu      sync.Mutex
	sweepRunning bool
	sweepStop    chan struct{}
	sweepWg      sync.WaitGroup
}

func NewSupervisor(engine *Leadline) *Supervisor {
	return &Supervisor{
		engine:  engine,
		runners: make(map[string]struct{}),
	}
}

// StartWorkflowOptions selects the sending account for a workflow start.
type StartWorkflowOptions struct {
	AccountID string
}

// StartWorkflow validates the campaign, creates a queued job and spawns its
// runner. An account with an active job surfaces the blocking job in a
// conflict error.
func (s *Supervisor) StartWorkflow(ctx context.Context, campaignID string, opts StartWorkflowOptions) (*model.WorkflowJob, error) {
	campaign, err := s.engine.datasource.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	account, err := s.engine.datasource.GetAccountSession(ctx, opts.AccountID)
	if err != nil {
		return nil, err
	}
	if !account.IsActive {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Account session is inactive, re-authenticate first", opts.AccountID)
	}

	eligible, err := s.engine.datasource.CountEligibleLeads(ctx, campaign.CampaignID)
	if err != nil {
		return nil, err
	}
	if eligible == 0 {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Campaign has no eligible leads", campaignID)
	}

	job, err := s.engine.datasource.CreateJob(ctx, &model.WorkflowJob{
		CampaignID: campaign.CampaignID,
		AccountID:  account.AccountID,
		TotalLeads: int(eligible),
	})
	if err != nil {
		return nil, err
	}

	s.spawn(job)
	return job, nil
}

// Pause signals a job to stop at its next safe point. The signal is persisted
// first, then published, so a runner that attaches later still sees it.
func (s *Supervisor) Pause(ctx context.Context, jobID string) error {
	job, err := s.engine.datasource.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.IsActive() {
		return apierror.NewAPIError(apierror.ErrConflict, "Job is not running", job.Status)
	}
	return s.signal(ctx, jobID, model.SignalPause)
}

// Resume restarts a paused job. It refuses when another job has taken the
// account's active slot in the meantime; the store's unique index backs this
// check up against races.
func (s *Supervisor) Resume(ctx context.Context, jobID string) (*model.WorkflowJob, error) {
	job, err := s.engine.datasource.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusPaused {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "Only paused jobs can be resumed", job.Status)
	}

	if blocking, err := s.engine.datasource.GetActiveJobForAccount(ctx, job.AccountID); err == nil && blocking.JobID != jobID {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "Another job is active for this account", blocking)
	}

	if err := s.signal(ctx, jobID, model.SignalResume); err != nil {
		return nil, err
	}

	if err := s.engine.datasource.TransitionJob(ctx, jobID, []string{model.JobStatusPaused}, model.JobPatch{
		Status: model.JobStatusQueued,
	}); err != nil {
		return nil, err
	}
	job.Status = model.JobStatusQueued

	s.spawn(job)
	return job, nil
}

// Cancel signals a job to stop for good. A paused or queued job with no live
// runner is flipped directly; a processing one exits at its next poll.
func (s *Supervisor) Cancel(ctx context.Context, jobID string) error {
	job, err := s.engine.datasource.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if model.IsTerminalJobStatus(job.Status) {
		return apierror.NewAPIError(apierror.ErrConflict, "Job already finished", job.Status)
	}

	if err := s.signal(ctx, jobID, model.SignalCancel); err != nil {
		return err
	}

	if job.Status == model.JobStatusPaused || (job.Status == model.JobStatusQueued && !s.attached(jobID)) {
		if err := s.engine.datasource.TransitionJob(ctx, jobID, []string{model.JobStatusPaused, model.JobStatusQueued}, model.JobPatch{
			Status:      model.JobStatusCancelled,
			CompletedAt: ptr.Time(time.Now()),
		}); err != nil {
			return err
		}
		job.Status = model.JobStatusCancelled
		s.engine.progress.PublishStatus(ctx, job)
		if err := SendWebhook(s.engine.queue, job); err != nil {
			logrus.Warnf("supervisor: webhook enqueue failed for job %s: %v", jobID, err)
		}
	}
	return nil
}

// ActiveJob returns the queued or processing job for a campaign, or nil.
func (s *Supervisor) ActiveJob(ctx context.Context, campaignID string) (*model.WorkflowJob, error) {
	job, err := s.engine.datasource.GetActiveJobForCampaign(ctx, campaignID)
	if err != nil {
		if apiErr, ok := err.(apierror.APIError); ok && apiErr.Code == apierror.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// signal persists the control signal (cancel sticky) and publishes it on the
// bus. Persistence first: the store is the durable source of truth.
func (s *Supervisor) signal(ctx context.Context, jobID, kind string) error {
	sig := &model.ControlSignal{JobID: jobID, Kind: kind, IssuedAt: time.Now().UTC()}
	if err := s.engine.datasource.UpsertControlSignal(ctx, sig); err != nil {
		return err
	}
	if err := s.engine.bus.PublishControl(ctx, sig); err != nil {
		logrus.Warnf("supervisor: control publish failed for job %s, durable signal stands: %v", jobID, err)
	}
	return nil
}

// spawn registers and starts a runner for the job unless one is already
// attached in this process.
func (s *Supervisor) spawn(job *model.WorkflowJob) {
	s.mu.Lock()
	if _, exists := s.runners[job.JobID]; exists {
		s.mu.Unlock()
		return
	}
	s.runners[job.JobID] = struct{}{}
	s.mu.Unlock()

	runner := NewRunner(s.engine, job, func(jobID string) {
		s.mu.Lock()
		delete(s.runners, jobID)
		s.mu.Unlock()
	})
	go runner.Run(context.Background())
}

func (s *Supervisor) attached(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runners[jobID]
	return ok
}

// ReattachJobs scans the store on boot. Queued jobs and processing jobs with
// a fresh heartbeat get a runner again; processing jobs whose heartbeat went
// stale while no process was alive are declared timed out.
func (s *Supervisor) ReattachJobs(ctx context.Context) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	jobs, err := s.engine.datasource.GetResumableJobs(ctx)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if job.Status == model.JobStatusProcessing && heartbeatStale(job, conf.Workflow.DeadAfter()) {
			s.timeoutOrphan(ctx, job)
			continue
		}
		logrus.Infof("supervisor: reattaching job %s (status %s, last lead %q)", job.JobID, job.Status, job.LastLeadID)
		s.spawn(job)
	}
	return nil
}

// StartOrphanSweeper runs the periodic orphan sweep until Stop. The redis
// lock serializes the sweep across processes so an orphan is flipped exactly
// once.
func (s *Supervisor) StartOrphanSweeper(ctx context.Context) {
	s.sweepMu.Lock()
	if s.sweepRunning {
		s.sweepMu.Unlock()
		return
	}
	s.sweepRunning = true
	s.sweepStop = make(chan struct{})
	s.sweepMu.Unlock()

	s.sweepWg.Add(1)
	go func() {
		defer s.sweepWg.Done()
		ticker := time.NewTicker(orphanSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.sweepStop:
				return
			case <-ticker.C:
				s.sweepOrphans(ctx)
			}
		}
	}()

	logrus.Info("Orphan sweeper started")
}

// StopOrphanSweeper stops the sweep loop and waits for it to drain.
func (s *Supervisor) StopOrphanSweeper() {
	s.sweepMu.Lock()
	if !s.sweepRunning {
		s.sweepMu.Unlock()
		return
	}
	s.sweepRunning = false
	close(s.sweepStop)
	s.sweepMu.Unlock()

	s.sweepWg.Wait()
	logrus.Info("Orphan sweeper stopped")
}

func (s *Supervisor) sweepOrphans(ctx context.Context) {
	conf, err := config.Fetch()
	if err != nil {
		logrus.Errorf("sweeper: config unavailable: %v", err)
		return
	}

	locker := redlock.NewLocker(s.engine.redis, orphanSweepLockKey, model.GenerateUUIDWithSuffix("lock"))
	if err := locker.Lock(ctx, orphanSweepInterval); err != nil {
		// Another process holds the sweep.
		return
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Warnf("sweeper: unlock failed: %v", err)
		}
	}()

	orphans, err := s.engine.datasource.GetOrphanedJobs(ctx, conf.Workflow.DeadAfter())
	if err != nil {
		logrus.Errorf("sweeper: orphan scan failed: %v", err)
		return
	}

	for _, job := range orphans {
		if s.attached(job.JobID) {
			// Our own runner; the background heartbeat will catch up.
			continue
		}
		s.timeoutOrphan(ctx, job)
	}
}

// timeoutOrphan flips a dead processing job to timeout. A runner that is
// somehow still alive sees StaleStateError on its next write and exits.
func (s *Supervisor) timeoutOrphan(ctx context.Context, job *model.WorkflowJob) {
	err := s.engine.datasource.TransitionJob(ctx, job.JobID, []string{model.JobStatusProcessing}, model.JobPatch{
		Status:       model.JobStatusTimeout,
		ErrorMessage: ptr.String("heartbeat lost"),
		CompletedAt:  ptr.Time(time.Now()),
	})
	if err != nil {
		logrus.Warnf("sweeper: timeout transition refused for job %s: %v", job.JobID, err)
		return
	}
	logrus.Warnf("supervisor: job %s timed out (stale heartbeat)", job.JobID)

	job.Status = model.JobStatusTimeout
	job.ErrorMessage = "heartbeat lost"
	s.engine.progress.PublishStatus(ctx, job)
	if err := SendWebhook(s.engine.queue, job); err != nil {
		logrus.Warnf("sweeper: webhook enqueue failed for job %s: %v", job.JobID, err)
	}
}

// HandleResumeTask is the asynq handler for delayed budget-rollover resumes.
// Conflicts (another job took the slot, job no longer paused) are logged and
// dropped rather than retried.
func (s *Supervisor) HandleResumeTask(ctx context.Context, task *asynq.Task) error {
	var payload ResumeTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}

	job, err := s.engine.datasource.GetJob(ctx, payload.JobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusPaused || job.PausedReason != model.PauseReasonDailyLimit {
		logrus.Infof("resume task: job %s not paused on daily_limit, skipping", payload.JobID)
		return nil
	}

	if _, err := s.Resume(ctx, payload.JobID); err != nil {
		if apiErr, ok := err.(apierror.APIError); ok && apiErr.Code == apierror.ErrConflict {
			logrus.Infof("resume task: job %s blocked, dropping: %s", payload.JobID, apiErr.Message)
			return nil
		}
		return err
	}
	return nil
}

func heartbeatStale(job *model.WorkflowJob, deadAfter time.Duration) bool {
	if job.HeartbeatAt == nil {
		return time.Since(job.CreatedAt) > deadAfter
	}
	return time.Since(*job.HeartbeatAt) > deadAfter
}
