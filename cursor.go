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
	"errors"

	"github.com/leadline-hq/leadline/database"
	"github.com/leadline-hq/leadline/model"
)

// ErrEndOfLeads is returned by LeadCursor.Next when the campaign has no
// eligible leads left.
var ErrEndOfLeads = errors.New("no eligible leads remaining")

// LeadCursor yields a campaign's eligible leads in ascending insertion order,
// one batch-window at a time. It is lazy and restartable: SeekAfter positions
// it past any persisted lead ID, so a resumed runner continues exactly where
// the previous one committed.
type LeadCursor struct {
	datasource database.IDataSource
	campaignID string
	batchSize  int

	afterLeadID string
	buffer      []*model.Lead
	exhausted   bool
}

func NewLeadCursor(ds database.IDataSource, campaignID string, batchSize int) *LeadCursor {
	return &LeadCursor{
		datasource: ds,
		campaignID: campaignID,
		batchSize:  batchSize,
	}
}

// SeekAfter positions the cursor strictly after the given lead. An empty ID
// rewinds to the start of the campaign.
func (c *LeadCursor) SeekAfter(lastLeadID string) {
	c.afterLeadID = lastLeadID
	c.buffer = nil
	c.exhausted = false
}

// Next returns the next eligible lead, fetching a fresh window from the store
// when the buffer runs dry. Emitted leads advance the cursor immediately, so
// a lead is never handed out twice within one cursor lifetime.
func (c *LeadCursor) Next(ctx context.Context) (*model.Lead, error) {
	if len(c.buffer) == 0 {
		if c.exhausted {
			return nil, ErrEndOfLeads
		}
		batch, err := c.datasource.GetEligibleLeads(ctx, c.campaignID, c.afterLeadID, c.batchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			c.exhausted = true
			return nil, ErrEndOfLeads
		}
		if len(batch) < c.batchSize {
			c.exhausted = true
		}
		c.buffer = batch
	}

	lead := c.buffer[0]
	c.buffer = c.buffer[1:]
	c.afterLeadID = lead.LeadID
	return lead, nil
}

// Requeue puts a lead back at the front of the cursor so the next call to
// Next returns it again. Used for transient retries of the same lead.
func (c *LeadCursor) Requeue(lead *model.Lead) {
	c.buffer = append([]*model.Lead{lead}, c.buffer...)
}
