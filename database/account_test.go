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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/leadline-hq/leadline/internal/apierror"
	"github.com/stretchr/testify/assert"
)

func TestGetAccountSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	cookies := []byte(`[{"name":"sid","value":"abc"}]`)
	mock.ExpectQuery("SELECT (.+) FROM account_sessions").
		WithArgs("acc_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "account_id", "user_id", "cookies", "local_storage", "session_storage", "is_active", "updated_at",
		}).AddRow(1, "acc_1", "usr_1", cookies, nil, nil, true, time.Now()))

	s, err := ds.GetAccountSession(context.Background(), "acc_1")
	assert.NoError(t, err)
	assert.True(t, s.IsActive)
	assert.JSONEq(t, string(cookies), string(s.Cookies))
}

func TestGetAccountSession_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT (.+) FROM account_sessions").
		WithArgs("acc_missing").
		WillReturnError(sql.ErrNoRows)

	_, err = ds.GetAccountSession(context.Background(), "acc_missing")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestDeactivateAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE account_sessions").
		WithArgs("acc_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, ds.DeactivateAccount(context.Background(), "acc_1"))
}

func TestDeactivateAccount_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE account_sessions").
		WithArgs("acc_missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.DeactivateAccount(context.Background(), "acc_missing")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}
