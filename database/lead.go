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

	"github.com/leadline-hq/leadline/internal/apierror"
	"github.com/leadline-hq/leadline/model"
	"go.opentelemetry.io/otel"
)

// eligibleLeadFilter selects completed leads whose invite is still open.
// Leads already sent, accepted or pending are never emitted again.
const eligibleLeadFilter = `
	status = 'completed' AND invite_status IN ('none', 'failed')
`

// GetEligibleLeads retrieves the next batch of eligible leads in insertion
// order, strictly after the lead identified by afterLeadID. An empty
// afterLeadID starts from the beginning of the campaign. The cursor keys off
// the serial id rather than an offset so re-reads after a crash cannot skip
// or repeat leads.
func (d Datasource) GetEligibleLeads(ctx context.Context, campaignID string, afterLeadID string, batchSize int) ([]*model.Lead, error) {
	ctx, span := otel.Tracer("Lead").Start(ctx, "Fetching eligible leads batch")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, lead_id, campaign_id, profile_url, display_name, status,
			invite_status, invite_sent_at, retry_count, created_at
		FROM leads
		WHERE campaign_id = $1 AND `+eligibleLeadFilter+`
		AND id > COALESCE((SELECT id FROM leads WHERE lead_id = $2), 0)
		ORDER BY id ASC
		LIMIT $3
	`, campaignID, afterLeadID, batchSize)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve eligible leads", err)
	}
	defer rows.Close()

	var leads []*model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan lead data", err)
		}
		leads = append(leads, l)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over leads", err)
	}
	return leads, nil
}

// CountEligibleLeads counts how many leads in the campaign the workflow can
// still attempt. Used to size total_leads when a job is created.
func (d Datasource) CountEligibleLeads(ctx context.Context, campaignID string) (int64, error) {
	ctx, span := otel.Tracer("Lead").Start(ctx, "Counting eligible leads")
	defer span.End()

	var count int64
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM leads
		WHERE campaign_id = $1 AND `+eligibleLeadFilter+`
	`, campaignID).Scan(&count)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count eligible leads", err)
	}
	return count, nil
}

// GetLead retrieves a lead by its ID.
func (d Datasource) GetLead(ctx context.Context, leadID string) (*model.Lead, error) {
	ctx, span := otel.Tracer("Lead").Start(ctx, "Fetching lead from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT id, lead_id, campaign_id, profile_url, display_name, status,
			invite_status, invite_sent_at, retry_count, created_at
		FROM leads
		WHERE lead_id = $1
	`, leadID)

	l, err := scanLead(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Lead not found", leadID)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve lead", err)
	}
	return l, nil
}

func scanLead(row interface{ Scan(dest ...interface{}) error }) (*model.Lead, error) {
	l := &model.Lead{}
	var displayName sql.NullString
	var inviteSentAt sql.NullTime

	err := row.Scan(
		&l.ID, &l.LeadID, &l.CampaignID, &l.ProfileURL, &displayName,
		&l.Status, &l.InviteStatus, &inviteSentAt, &l.RetryCount, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.DisplayName = displayName.String
	if inviteSentAt.Valid {
		l.InviteSentAt = &inviteSentAt.Time
	}
	return l, nil
}
