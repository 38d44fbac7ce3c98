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

// GetAccountSession retrieves the stored session bundle for an account. The
// cookie and storage blobs stay opaque; only the site driver interprets them.
func (d Datasource) GetAccountSession(ctx context.Context, accountID string) (*model.AccountSession, error) {
	ctx, span := otel.Tracer("Account").Start(ctx, "Fetching account session from db")
	defer span.End()

	s := &model.AccountSession{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, account_id, user_id, cookies, local_storage, session_storage, is_active, updated_at
		FROM account_sessions
		WHERE account_id = $1
	`, accountID).Scan(
		&s.ID, &s.AccountID, &s.UserID,
		&s.Cookies, &s.LocalStorage, &s.SessionStorage,
		&s.IsActive, &s.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Account session not found", accountID)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve account session", err)
	}
	return s, nil
}

// DeactivateAccount flags an account session as no longer usable. Called when
// the site driver reports the stored session is invalid; the account owner
// must re-authenticate before another workflow can start.
func (d Datasource) DeactivateAccount(ctx context.Context, accountID string) error {
	ctx, span := otel.Tracer("Account").Start(ctx, "Deactivating account session")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE account_sessions
		SET is_active = FALSE, updated_at = NOW()
		WHERE account_id = $1
	`, accountID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to deactivate account", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read deactivation result", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Account session not found", accountID)
	}
	return nil
}
