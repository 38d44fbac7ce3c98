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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminalJobStatus(t *testing.T) {
	terminal := []string{JobStatusCompleted, JobStatusCancelled, JobStatusFailed, JobStatusTimeout}
	for _, s := range terminal {
		assert.True(t, IsTerminalJobStatus(s), s)
	}
	live := []string{JobStatusQueued, JobStatusProcessing, JobStatusPaused}
	for _, s := range live {
		assert.False(t, IsTerminalJobStatus(s), s)
	}
}

func TestWorkflowJobProgress(t *testing.T) {
	j := &WorkflowJob{TotalLeads: 5, ProcessedLeads: 2}
	assert.InDelta(t, 0.4, j.Progress(), 0.0001)

	empty := &WorkflowJob{}
	assert.Equal(t, float64(1), empty.Progress())
}

func TestLeadEligible(t *testing.T) {
	tests := []struct {
		name         string
		status       string
		inviteStatus string
		want         bool
	}{
		{"fresh completed lead", LeadStatusCompleted, InviteStatusNone, true},
		{"failed invite can retry", LeadStatusCompleted, InviteStatusFailed, true},
		{"already sent", LeadStatusCompleted, InviteStatusSent, false},
		{"already accepted", LeadStatusCompleted, InviteStatusAccepted, false},
		{"pending invite", LeadStatusCompleted, InviteStatusPending, false},
		{"not enriched yet", "scraping", InviteStatusNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &Lead{Status: tt.status, InviteStatus: tt.inviteStatus}
			assert.Equal(t, tt.want, l.Eligible())
		})
	}
}

func TestBudgetDayAndReset(t *testing.T) {
	at := time.Date(2024, 3, 10, 23, 45, 0, 0, time.FixedZone("CET", 3600))
	// 23:45 CET is 22:45 UTC, still the 10th.
	assert.Equal(t, "2024-03-10", BudgetDay(at))
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), NextBudgetReset(at))
}

func TestInviteBudgetRemaining(t *testing.T) {
	b := &InviteBudget{SentCount: 3, DailyLimit: 10}
	assert.Equal(t, 7, b.Remaining())

	full := &InviteBudget{SentCount: 10, DailyLimit: 10}
	assert.Equal(t, 0, full.Remaining())

	over := &InviteBudget{SentCount: 11, DailyLimit: 10}
	assert.Equal(t, 0, over.Remaining())
}

func TestGenerateUUIDWithSuffix(t *testing.T) {
	id := GenerateUUIDWithSuffix("job")
	assert.True(t, strings.HasPrefix(id, "job_"))
	assert.NotEqual(t, id, GenerateUUIDWithSuffix("job"))
}
