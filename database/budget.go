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
	"errors"
	"fmt"

	"github.com/leadline-hq/leadline/internal/apierror"
	"github.com/leadline-hq/leadline/model"
	"go.opentelemetry.io/otel"
)

// ErrBudgetExhausted is returned by ReserveInvite when the account has no
// invite slots left for the day.
var ErrBudgetExhausted = errors.New("daily invite budget exhausted")

// ReserveInvite atomically consumes one invite slot for the account on the
// given day. The conditional upsert makes the whole check-and-increment a
// single statement, so concurrent runners can never push sent_count past
// daily_limit: the losing increment simply affects zero rows and reports
// ErrBudgetExhausted.
func (d Datasource) ReserveInvite(ctx context.Context, accountID string, day string, dailyLimit int) (*model.InviteBudget, error) {
	ctx, span := otel.Tracer("Budget").Start(ctx, "Reserving invite slot")
	defer span.End()

	b := &model.InviteBudget{}
	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO invite_budgets (account_id, day, sent_count, daily_limit)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (account_id, day)
		DO UPDATE SET sent_count = invite_budgets.sent_count + 1
		WHERE invite_budgets.sent_count < invite_budgets.daily_limit
		RETURNING account_id, day, sent_count, daily_limit
	`, accountID, day, dailyLimit).Scan(&b.AccountID, &b.Day, &b.SentCount, &b.DailyLimit)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("account %s on %s: %w", accountID, day, ErrBudgetExhausted)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reserve invite slot", err)
	}
	return b, nil
}

// GetBudget retrieves the budget row for the account and day. An absent row
// means nothing has been sent yet and comes back zero-valued with the
// configured limit.
func (d Datasource) GetBudget(ctx context.Context, accountID string, day string, dailyLimit int) (*model.InviteBudget, error) {
	ctx, span := otel.Tracer("Budget").Start(ctx, "Fetching invite budget")
	defer span.End()

	b := &model.InviteBudget{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT account_id, day, sent_count, daily_limit
		FROM invite_budgets
		WHERE account_id = $1 AND day = $2
	`, accountID, day).Scan(&b.AccountID, &b.Day, &b.SentCount, &b.DailyLimit)

	if err != nil {
		if err == sql.ErrNoRows {
			return &model.InviteBudget{
				AccountID:  accountID,
				Day:        day,
				SentCount:  0,
				DailyLimit: dailyLimit,
			}, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve invite budget", err)
	}
	return b, nil
}
