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
	"time"

	"github.com/leadline-hq/leadline/internal/apierror"
	"github.com/leadline-hq/leadline/model"
	"go.opentelemetry.io/otel"
)

// UpsertControlSignal records the latest signal addressed to a job. Signals
// are last-writer-wins with one exception: a recorded cancel is never
// overwritten, so a job signalled to stop can never be talked back to life
// by a racing pause or resume.
func (d Datasource) UpsertControlSignal(ctx context.Context, sig *model.ControlSignal) error {
	ctx, span := otel.Tracer("Signal").Start(ctx, "Saving control signal to db")
	defer span.End()

	if sig.IssuedAt.IsZero() {
		sig.IssuedAt = time.Now()
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO job_signals (job_id, kind, issued_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id)
		DO UPDATE SET kind = EXCLUDED.kind, issued_at = EXCLUDED.issued_at
		WHERE job_signals.kind != 'cancel'
	`, sig.JobID, sig.Kind, sig.IssuedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record control signal", err)
	}
	return nil
}

// GetLatestControlSignal retrieves the most recent signal for a job, or nil
// when none has ever been issued.
func (d Datasource) GetLatestControlSignal(ctx context.Context, jobID string) (*model.ControlSignal, error) {
	ctx, span := otel.Tracer("Signal").Start(ctx, "Fetching control signal from db")
	defer span.End()

	sig := &model.ControlSignal{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT job_id, kind, issued_at
		FROM job_signals
		WHERE job_id = $1
	`, jobID).Scan(&sig.JobID, &sig.Kind, &sig.IssuedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve control signal", err)
	}
	return sig, nil
}
