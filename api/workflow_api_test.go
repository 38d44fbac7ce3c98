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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/leadline-hq/leadline"
	"github.com/leadline-hq/leadline/config"
	"github.com/leadline-hq/leadline/database/mocks"
	"github.com/leadline-hq/leadline/driver"
	"github.com/leadline-hq/leadline/internal/apierror"
	"github.com/leadline-hq/leadline/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type TestRequest struct {
	Payload  io.Reader
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Header   map[string]string
}

func SetUpTestRequest(s TestRequest) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(s.Method, s.Route, s.Payload)
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	if s.Response != nil {
		if err := json.NewDecoder(resp.Body).Decode(&s.Response); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// stubDriver satisfies the driver interface for routing tests; no runner in
// these tests ever reaches the session.
type stubDriver struct{}

func (stubDriver) ValidateSession(_ context.Context, _ *model.AccountSession) (driver.Session, error) {
	return nil, driver.SessionInvalidError{Reason: "stub"}
}

func setupRouter(t *testing.T) (*gin.Engine, *mocks.MockDataSource) {
	t.Helper()
	mr := miniredis.RunT(t)

	config.MockConfig(&config.Configuration{
		Redis:      config.RedisConfig{Dns: mr.Addr()},
		DataSource: config.DataSourceConfig{Dns: "postgres://localhost/leadline"},
		Queue:      config.QueueConfig{WebhookQueue: "webhook", ResumeQueue: "workflow-resume"},
	})

	ds := new(mocks.MockDataSource)
	engine, err := leadline.NewLeadline(ds, stubDriver{})
	require.NoError(t, err)

	api := NewAPI(engine, leadline.NewSupervisor(engine))
	require.NotNil(t, api)
	return api.Router(), ds
}

// expectSpawnedRunnerExits parks any runner the handler spawns on a durable
// cancel so it exits without touching the rest of the mock.
func expectSpawnedRunnerExits(ds *mocks.MockDataSource) {
	ds.On("GetLatestControlSignal", mock.Anything, mock.Anything).
		Return(&model.ControlSignal{Kind: model.SignalCancel}, nil).Maybe()
	ds.On("TransitionJob", mock.Anything, mock.Anything, model.ActiveJobStatuses,
		mock.MatchedBy(func(p model.JobPatch) bool { return p.Status == model.JobStatusCancelled })).
		Return(nil).Maybe()
}

func apiTestJob(status string) *model.WorkflowJob {
	return &model.WorkflowJob{
		JobID:          "job_1",
		CampaignID:     "cmp_1",
		AccountID:      "acc_1",
		Status:         status,
		TotalLeads:     10,
		ProcessedLeads: 4,
	}
}

func TestStartWorkflowAPI_StartsJob(t *testing.T) {
	router, ds := setupRouter(t)
	ds.On("GetCampaign", mock.Anything, "cmp_1").
		Return(&model.Campaign{CampaignID: "cmp_1", Name: gofakeit.Name()}, nil).Once()
	ds.On("GetAccountSession", mock.Anything, "acc_1").
		Return(&model.AccountSession{AccountID: "acc_1", IsActive: true}, nil).Once()
	ds.On("CountEligibleLeads", mock.Anything, "cmp_1").Return(int64(10), nil).Once()
	ds.On("CreateJob", mock.Anything, mock.Anything).Return(apiTestJob(model.JobStatusQueued), nil).Once()
	expectSpawnedRunnerExits(ds)

	var response model.WorkflowJob
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  bytes.NewBufferString(`{"account_id": "acc_1"}`),
		Router:   router,
		Response: &response,
		Method:   "POST",
		Route:    "/campaigns/cmp_1/start-workflow",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "job_1", response.JobID)
}

func TestStartWorkflowAPI_MissingAccountID(t *testing.T) {
	router, _ := setupRouter(t)

	resp, err := SetUpTestRequest(TestRequest{
		Payload: bytes.NewBufferString(`{}`),
		Router:  router,
		Method:  "POST",
		Route:   "/campaigns/cmp_1/start-workflow",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestStartWorkflowAPI_ConflictCarriesBlockingJob(t *testing.T) {
	router, ds := setupRouter(t)
	ds.On("GetCampaign", mock.Anything, "cmp_1").
		Return(&model.Campaign{CampaignID: "cmp_1"}, nil).Once()
	ds.On("GetAccountSession", mock.Anything, "acc_1").
		Return(&model.AccountSession{AccountID: "acc_1", IsActive: true}, nil).Once()
	ds.On("CountEligibleLeads", mock.Anything, "cmp_1").Return(int64(10), nil).Once()

	blocking := apiTestJob(model.JobStatusProcessing)
	ds.On("CreateJob", mock.Anything, mock.Anything).
		Return(nil, apierror.NewAPIError(apierror.ErrConflict, "Account has an active job", blocking)).Once()

	var response struct {
		Error       string `json:"error"`
		BlockingJob *struct {
			JobID        string  `json:"job_id"`
			SameCampaign bool    `json:"same_campaign"`
			Progress     float64 `json:"progress"`
		} `json:"blocking_job"`
	}
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  bytes.NewBufferString(`{"account_id": "acc_1"}`),
		Router:   router,
		Response: &response,
		Method:   "POST",
		Route:    "/campaigns/cmp_1/start-workflow",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusConflict, resp.Code)
	require.NotNil(t, response.BlockingJob)
	assert.Equal(t, "job_1", response.BlockingJob.JobID)
	assert.True(t, response.BlockingJob.SameCampaign)
	assert.Equal(t, 0.4, response.BlockingJob.Progress)
}

func TestGetActiveJobAPI_NoneIsNull(t *testing.T) {
	router, ds := setupRouter(t)
	ds.On("GetActiveJobForCampaign", mock.Anything, "cmp_1").
		Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "no active job", "cmp_1")).Once()

	resp, err := SetUpTestRequest(TestRequest{
		Router: router,
		Method: "GET",
		Route:  "/campaigns/cmp_1/active-job",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "null", resp.Body.String())
}

func TestGetActiveJobAPI_ReturnsJob(t *testing.T) {
	router, ds := setupRouter(t)
	ds.On("GetActiveJobForCampaign", mock.Anything, "cmp_1").
		Return(apiTestJob(model.JobStatusProcessing), nil).Once()

	var response model.WorkflowJob
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Response: &response,
		Method:   "GET",
		Route:    "/campaigns/cmp_1/active-job",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "job_1", response.JobID)
}

func TestGetJobStatusAPI(t *testing.T) {
	router, ds := setupRouter(t)
	ds.On("GetJob", mock.Anything, "job_1").Return(apiTestJob(model.JobStatusProcessing), nil).Once()

	var response struct {
		JobID    string  `json:"job_id"`
		Status   string  `json:"status"`
		Progress float64 `json:"progress"`
	}
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Response: &response,
		Method:   "GET",
		Route:    "/jobs/job_1/status",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.JobStatusProcessing, response.Status)
	assert.Equal(t, 0.4, response.Progress)
}

func TestGetJobStatusAPI_UnknownJob(t *testing.T) {
	router, ds := setupRouter(t)
	ds.On("GetJob", mock.Anything, "job_x").
		Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "Job not found", "job_x")).Once()

	resp, err := SetUpTestRequest(TestRequest{
		Router: router,
		Method: "GET",
		Route:  "/jobs/job_x/status",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestPauseJobAPI_ConflictForFinishedJob(t *testing.T) {
	router, ds := setupRouter(t)
	ds.On("GetJob", mock.Anything, "job_1").Return(apiTestJob(model.JobStatusCompleted), nil).Once()

	resp, err := SetUpTestRequest(TestRequest{
		Router: router,
		Method: "POST",
		Route:  "/jobs/job_1/pause",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestCancelJobAPI_PausedJob(t *testing.T) {
	router, ds := setupRouter(t)
	ds.On("GetJob", mock.Anything, "job_1").Return(apiTestJob(model.JobStatusPaused), nil).Once()
	ds.On("UpsertControlSignal", mock.Anything, mock.MatchedBy(func(sig *model.ControlSignal) bool {
		return sig.Kind == model.SignalCancel
	})).Return(nil).Once()
	ds.On("TransitionJob", mock.Anything, "job_1", []string{model.JobStatusPaused, model.JobStatusQueued},
		mock.MatchedBy(func(p model.JobPatch) bool { return p.Status == model.JobStatusCancelled })).
		Return(nil).Once()

	resp, err := SetUpTestRequest(TestRequest{
		Router: router,
		Method: "POST",
		Route:  "/jobs/job_1/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	ds.AssertExpectations(t)
}

func TestStreamJobAPI_TerminalJobClosesAfterConnected(t *testing.T) {
	router, ds := setupRouter(t)
	ds.On("GetJob", mock.Anything, "job_1").Return(apiTestJob(model.JobStatusCompleted), nil).Once()

	req := httptest.NewRequest("GET", "/jobs/job_1/stream", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, resp.Body.String(), "event:connected")
	assert.Contains(t, resp.Body.String(), "job_1")
}
