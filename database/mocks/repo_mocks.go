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
package mocks

import (
	"context"
	"time"

	"github.com/leadline-hq/leadline/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Job methods

func (m *MockDataSource) CreateJob(ctx context.Context, j *model.WorkflowJob) (*model.WorkflowJob, error) {
	args := m.Called(ctx, j)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WorkflowJob), args.Error(1)
}

func (m *MockDataSource) GetJob(ctx context.Context, jobID string) (*model.WorkflowJob, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WorkflowJob), args.Error(1)
}

func (m *MockDataSource) GetActiveJobForAccount(ctx context.Context, accountID string) (*model.WorkflowJob, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WorkflowJob), args.Error(1)
}

func (m *MockDataSource) GetActiveJobForCampaign(ctx context.Context, campaignID string) (*model.WorkflowJob, error) {
	args := m.Called(ctx, campaignID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WorkflowJob), args.Error(1)
}

func (m *MockDataSource) TransitionJob(ctx context.Context, jobID string, from []string, patch model.JobPatch) error {
	args := m.Called(ctx, jobID, from, patch)
	return args.Error(0)
}

func (m *MockDataSource) RecordLeadOutcome(ctx context.Context, jobID string, outcome model.LeadOutcome) (*model.WorkflowJob, error) {
	args := m.Called(ctx, jobID, outcome)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WorkflowJob), args.Error(1)
}

func (m *MockDataSource) Heartbeat(ctx context.Context, jobID string) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *MockDataSource) GetOrphanedJobs(ctx context.Context, deadAfter time.Duration) ([]*model.WorkflowJob, error) {
	args := m.Called(ctx, deadAfter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.WorkflowJob), args.Error(1)
}

func (m *MockDataSource) GetResumableJobs(ctx context.Context) ([]*model.WorkflowJob, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.WorkflowJob), args.Error(1)
}

// Lead methods

func (m *MockDataSource) GetEligibleLeads(ctx context.Context, campaignID string, afterLeadID string, batchSize int) ([]*model.Lead, error) {
	args := m.Called(ctx, campaignID, afterLeadID, batchSize)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Lead), args.Error(1)
}

func (m *MockDataSource) CountEligibleLeads(ctx context.Context, campaignID string) (int64, error) {
	args := m.Called(ctx, campaignID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) GetLead(ctx context.Context, leadID string) (*model.Lead, error) {
	args := m.Called(ctx, leadID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Lead), args.Error(1)
}

// Budget methods

func (m *MockDataSource) ReserveInvite(ctx context.Context, accountID string, day string, dailyLimit int) (*model.InviteBudget, error) {
	args := m.Called(ctx, accountID, day, dailyLimit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.InviteBudget), args.Error(1)
}

func (m *MockDataSource) GetBudget(ctx context.Context, accountID string, day string, dailyLimit int) (*model.InviteBudget, error) {
	args := m.Called(ctx, accountID, day, dailyLimit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.InviteBudget), args.Error(1)
}

// Signal methods

func (m *MockDataSource) UpsertControlSignal(ctx context.Context, sig *model.ControlSignal) error {
	args := m.Called(ctx, sig)
	return args.Error(0)
}

func (m *MockDataSource) GetLatestControlSignal(ctx context.Context, jobID string) (*model.ControlSignal, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ControlSignal), args.Error(1)
}

// Campaign methods

func (m *MockDataSource) GetCampaign(ctx context.Context, campaignID string) (*model.Campaign, error) {
	args := m.Called(ctx, campaignID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Campaign), args.Error(1)
}

// Account methods

func (m *MockDataSource) GetAccountSession(ctx context.Context, accountID string) (*model.AccountSession, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AccountSession), args.Error(1)
}

func (m *MockDataSource) DeactivateAccount(ctx context.Context, accountID string) error {
	args := m.Called(ctx, accountID)
	return args.Error(0)
}
