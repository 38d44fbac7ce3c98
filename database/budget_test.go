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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestReserveInvite_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("INSERT INTO invite_budgets").
		WithArgs("acc_1", "2026-08-25", 25).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "day", "sent_count", "daily_limit"}).
			AddRow("acc_1", "2026-08-25", 1, 25))

	b, err := ds.ReserveInvite(context.Background(), "acc_1", "2026-08-25", 25)
	assert.NoError(t, err)
	assert.Equal(t, 1, b.SentCount)
	assert.Equal(t, 24, b.Remaining())
}

func TestReserveInvite_Exhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	// The conditional upsert affects no row once sent_count hits the limit.
	mock.ExpectQuery("INSERT INTO invite_budgets").
		WithArgs("acc_1", "2026-08-25", 25).
		WillReturnError(sql.ErrNoRows)

	_, err = ds.ReserveInvite(context.Background(), "acc_1", "2026-08-25", 25)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrBudgetExhausted))
}

func TestGetBudget_AbsentRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT (.+) FROM invite_budgets").
		WithArgs("acc_1", "2026-08-25").
		WillReturnError(sql.ErrNoRows)

	b, err := ds.GetBudget(context.Background(), "acc_1", "2026-08-25", 25)
	assert.NoError(t, err)
	assert.Equal(t, 0, b.SentCount)
	assert.Equal(t, 25, b.Remaining())
}

func TestGetBudget_ExistingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT (.+) FROM invite_budgets").
		WithArgs("acc_1", "2026-08-25").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "day", "sent_count", "daily_limit"}).
			AddRow("acc_1", "2026-08-25", 25, 25))

	b, err := ds.GetBudget(context.Background(), "acc_1", "2026-08-25", 25)
	assert.NoError(t, err)
	assert.Equal(t, 0, b.Remaining())
}
