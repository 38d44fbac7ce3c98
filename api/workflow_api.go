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
	"io"
	"net/http"

	model2 "github.com/leadline-hq/leadline/api/model"
	"github.com/leadline-hq/leadline/internal/apierror"
	"github.com/leadline-hq/leadline/model"

	"github.com/gin-gonic/gin"
	"github.com/leadline-hq/leadline"
)

func (a Api) StartWorkflow(c *gin.Context) {
	campaignID, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var req model2.StartWorkflow
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateStartWorkflow(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	job, err := a.supervisor.StartWorkflow(c.Request.Context(), campaignID, leadline.StartWorkflowOptions{
		AccountID: req.AccountID,
	})
	if err != nil {
		a.respondError(c, campaignID, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (a Api) GetActiveJob(c *gin.Context) {
	campaignID, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	job, err := a.supervisor.ActiveJob(c.Request.Context(), campaignID)
	if err != nil {
		a.respondError(c, campaignID, err)
		return
	}
	// No active job is an ordinary answer for the dashboard, not an error.
	if job == nil {
		c.JSON(http.StatusOK, nil)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (a Api) GetJobStatus(c *gin.Context) {
	jobID, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	job, err := a.engine.Store().GetJob(c.Request.Context(), jobID)
	if err != nil {
		a.respondError(c, "", err)
		return
	}

	c.JSON(http.StatusOK, model2.NewJobStatus(job, a.engine.Progress().Latest(c.Request.Context(), jobID)))
}

func (a Api) PauseJob(c *gin.Context) {
	jobID, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	if err := a.supervisor.Pause(c.Request.Context(), jobID); err != nil {
		a.respondError(c, "", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "pause signal sent", "job_id": jobID})
}

func (a Api) ResumeJob(c *gin.Context) {
	jobID, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	job, err := a.supervisor.Resume(c.Request.Context(), jobID)
	if err != nil {
		a.respondError(c, "", err)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (a Api) CancelJob(c *gin.Context) {
	jobID, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	if err := a.supervisor.Cancel(c.Request.Context(), jobID); err != nil {
		a.respondError(c, "", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "cancel signal sent", "job_id": jobID})
}

// StreamJob serves the live progress feed for a job as server-sent events.
// The stream opens with a connected event, replays the latest snapshot this
// process holds, then forwards bus events until the job reaches a terminal
// status or the client goes away.
func (a Api) StreamJob(c *gin.Context) {
	jobID, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	job, err := a.engine.Store().GetJob(c.Request.Context(), jobID)
	if err != nil {
		a.respondError(c, "", err)
		return
	}

	events, unsubscribe, err := a.engine.Bus().SubscribeProgress(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "progress stream unavailable"})
		return
	}
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("connected", gin.H{"job_id": jobID, "status": job.Status})
	if latest := a.engine.Progress().Latest(c.Request.Context(), jobID); latest != nil {
		c.SSEvent("status", latest)
	}
	c.Writer.Flush()

	if model.IsTerminalJobStatus(job.Status) {
		return
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("status", event)
			return !model.IsTerminalJobStatus(event.Status)
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// respondError translates engine errors to HTTP. Conflicts that carry the
// blocking job surface it in the body so callers can resolve the clash.
func (a Api) respondError(c *gin.Context, campaignID string, err error) {
	status := apierror.MapErrorToHTTPStatus(err)

	if apiErr, ok := err.(apierror.APIError); ok {
		if status == http.StatusConflict {
			blocking, _ := apiErr.Details.(*model.WorkflowJob)
			c.JSON(status, model2.NewConflict(apiErr.Message, campaignID, blocking))
			return
		}
		c.JSON(status, gin.H{"error": apiErr.Message})
		return
	}

	c.JSON(status, gin.H{"error": err.Error()})
}
