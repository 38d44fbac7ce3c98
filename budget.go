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
	"fmt"
	"time"

	"github.com/leadline-hq/leadline/config"
	"github.com/leadline-hq/leadline/database"
	"github.com/leadline-hq/leadline/model"
)

// LimitReachedError reports an exhausted daily invite budget and when the
// budget rolls over.
type LimitReachedError struct {
	AccountID string
	ResetAt   time.Time
}

func (e LimitReachedError) Error() string {
	return fmt.Sprintf("daily invite limit reached for account %s, resets at %s", e.AccountID, e.ResetAt.Format(time.RFC3339))
}

// RateBudget enforces the per-account daily invite cap. Reservations consume
// a slot before the driver attempts a send; there is no release. An invite
// that turns out to be a skip still counts, which keeps the budget a hard
// upper bound on outbound actions rather than on successes.
type RateBudget struct {
	datasource database.IDataSource
}

func NewRateBudget(ds database.IDataSource) *RateBudget {
	return &RateBudget{datasource: ds}
}

// Reserve consumes one invite slot for the account on the current UTC day.
// When the limit is hit it returns LimitReachedError carrying the next UTC
// midnight, which the runner uses to schedule the rollover resume.
func (b *RateBudget) Reserve(ctx context.Context, accountID string, now time.Time) (*model.InviteBudget, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	budget, err := b.datasource.ReserveInvite(ctx, accountID, model.BudgetDay(now), conf.Workflow.DailyLimit)
	if err != nil {
		if errors.Is(err, database.ErrBudgetExhausted) {
			return nil, LimitReachedError{AccountID: accountID, ResetAt: model.NextBudgetReset(now)}
		}
		return nil, err
	}
	return budget, nil
}

// Remaining reports the slots left today without consuming one.
func (b *RateBudget) Remaining(ctx context.Context, accountID string, now time.Time) (int, error) {
	conf, err := config.Fetch()
	if err != nil {
		return 0, err
	}

	budget, err := b.datasource.GetBudget(ctx, accountID, model.BudgetDay(now), conf.Workflow.DailyLimit)
	if err != nil {
		return 0, err
	}
	return budget.Remaining(), nil
}
