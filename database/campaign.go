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
	"log"
	"time"

	"github.com/leadline-hq/leadline/internal/apierror"
	"github.com/leadline-hq/leadline/model"
	"go.opentelemetry.io/otel"
)

// GetCampaign retrieves a campaign by its ID. Campaigns are immutable once a
// workflow starts, so a short cache in front of postgres is safe.
func (d Datasource) GetCampaign(ctx context.Context, campaignID string) (*model.Campaign, error) {
	ctx, span := otel.Tracer("Campaign").Start(ctx, "Fetching campaign from db")
	defer span.End()

	cacheKey := "campaign:" + campaignID

	c := &model.Campaign{}
	if d.Cache != nil {
		if err := d.Cache.Get(ctx, cacheKey, c); err == nil && c.CampaignID != "" {
			return c, nil
		}
	}
	var inviteNote sql.NullString
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, campaign_id, user_id, name, invite_note, created_at
		FROM campaigns
		WHERE campaign_id = $1
	`, campaignID).Scan(&c.ID, &c.CampaignID, &c.UserID, &c.Name, &inviteNote, &c.CreatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Campaign not found", campaignID)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve campaign", err)
	}

	c.InviteNote = inviteNote.String

	if d.Cache != nil {
		if err := d.Cache.Set(ctx, cacheKey, c, 5*time.Minute); err != nil {
			log.Printf("Failed to cache campaign %s: %v", campaignID, err)
		}
	}
	return c, nil
}
