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
	"encoding/json"
	"log"
	"time"

	"github.com/leadline-hq/leadline/config"
	redis_db "github.com/leadline-hq/leadline/internal/redis-db"

	"github.com/hibiken/asynq"
)

// Queue wraps the asynq client used for webhook dispatch and delayed
// workflow-resume tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// ResumeTaskPayload is the payload of a delayed workflow:resume task.
type ResumeTaskPayload struct {
	JobID     string    `json:"job_id"`
	AccountID string    `json:"account_id"`
	ResumeAt  time.Time `json:"resume_at"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// queueResumeAtReset enqueues a delayed task that wakes a job paused on
// daily_limit once the budget rolls at the next UTC midnight. The task ID is
// keyed by job so re-pausing the same job replaces rather than duplicates it.
func (q *Queue) queueResumeAtReset(jobID, accountID string, resumeAt time.Time) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(ResumeTaskPayload{JobID: jobID, AccountID: accountID, ResumeAt: resumeAt})
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(jobID),
		asynq.Queue(cfg.Queue.ResumeQueue),
		asynq.ProcessIn(time.Until(resumeAt)),
	}
	task := asynq.NewTask(cfg.Queue.ResumeQueue, payload, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued budget rollover resume for job: %s", jobID)
	return nil
}
