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

func TestGetCampaign(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT (.+) FROM campaigns").
		WithArgs("cmp_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "campaign_id", "user_id", "name", "invite_note", "created_at",
		}).AddRow(1, "cmp_1", "usr_1", "Q3 outreach", "Hi {{first_name}}, great to connect!", time.Now()))

	c, err := ds.GetCampaign(context.Background(), "cmp_1")
	assert.NoError(t, err)
	assert.Equal(t, "Q3 outreach", c.Name)
	assert.Contains(t, c.InviteNote, "{{first_name}}")
}

func TestGetCampaign_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT (.+) FROM campaigns").
		WithArgs("cmp_missing").
		WillReturnError(sql.ErrNoRows)

	_, err = ds.GetCampaign(context.Background(), "cmp_missing")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}
