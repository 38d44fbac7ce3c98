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
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/jarcoal/httpmock"
	"github.com/leadline-hq/leadline/config"
	"github.com/leadline-hq/leadline/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEventFromStatus(t *testing.T) {
	assert.Equal(t, "job.completed", getEventFromStatus(model.JobStatusCompleted))
	assert.Equal(t, "job.failed", getEventFromStatus(model.JobStatusFailed))
	assert.Equal(t, "job.cancelled", getEventFromStatus(model.JobStatusCancelled))
	assert.Equal(t, "job.timeout", getEventFromStatus(model.JobStatusTimeout))
	assert.Equal(t, "job.paused", getEventFromStatus(model.JobStatusPaused))

	// Non-notifying statuses produce no event.
	assert.Empty(t, getEventFromStatus(model.JobStatusQueued))
	assert.Empty(t, getEventFromStatus(model.JobStatusProcessing))
	assert.Empty(t, getEventFromStatus("unknown"))
}

func TestSendWebhook_NoopWithoutURL(t *testing.T) {
	config.MockConfig(&config.Configuration{
		Redis:      config.RedisConfig{Dns: "localhost:6379"},
		DataSource: config.DataSourceConfig{Dns: "postgres://localhost/leadline"},
	})

	job := runnerTestJob()
	job.Status = model.JobStatusCompleted
	// Nothing is enqueued, so a nil queue is never touched.
	require.NoError(t, SendWebhook(nil, job))
}

func TestSendWebhook_NoopForNonNotifyingStatus(t *testing.T) {
	conf := &config.Configuration{
		Redis:      config.RedisConfig{Dns: "localhost:6379"},
		DataSource: config.DataSourceConfig{Dns: "postgres://localhost/leadline"},
	}
	conf.Notification.Webhook.Url = "https://hooks.example.com/leadline"
	config.MockConfig(conf)

	job := runnerTestJob()
	job.Status = model.JobStatusProcessing
	require.NoError(t, SendWebhook(nil, job))
}

func TestProcessWebhook_DeliversPayload(t *testing.T) {
	conf := &config.Configuration{
		Redis:      config.RedisConfig{Dns: "localhost:6379"},
		DataSource: config.DataSourceConfig{Dns: "postgres://localhost/leadline"},
	}
	conf.Notification.Webhook.Url = "https://hooks.example.com/leadline"
	conf.Notification.Webhook.Headers = map[string]string{"X-Leadline-Signature": "sig"}
	config.MockConfig(conf)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	var received NewWebhook
	var gotSignature string
	httpmock.RegisterResponder("POST", "https://hooks.example.com/leadline",
		func(req *http.Request) (*http.Response, error) {
			gotSignature = req.Header.Get("X-Leadline-Signature")
			body, _ := io.ReadAll(req.Body)
			if err := json.Unmarshal(body, &received); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, "bad json"), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
		})

	job := runnerTestJob()
	job.Status = model.JobStatusCompleted
	payload, err := json.Marshal(NewWebhook{Event: "job.completed", Payload: job})
	require.NoError(t, err)

	err = ProcessWebhook(context.Background(), asynq.NewTask("webhook", payload))
	require.NoError(t, err)

	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Equal(t, "job.completed", received.Event)
	assert.Equal(t, "sig", gotSignature)
}

func TestProcessWebhook_BadPayload(t *testing.T) {
	err := ProcessWebhook(context.Background(), asynq.NewTask("webhook", []byte("{not json")))
	require.Error(t, err)
}
