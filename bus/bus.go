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

// Package bus carries live job traffic between API processes and runners:
// control signals flowing toward a job and progress events flowing out of it.
// The bus is transport only. Durability lives in the job store, which keeps
// the latest control signal per job, so a runner that attaches after a signal
// was published still observes it.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/leadline-hq/leadline/model"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	controlChannelPrefix  = "leadline:control:"
	progressChannelPrefix = "leadline:progress:"

	// Progress is lossy on purpose: a slow subscriber drops events and
	// catches up from the snapshot. Control signals get a deeper buffer and
	// are additionally persisted by the caller.
	progressBuffer = 64
	controlBuffer  = 8
)

// Bus fans control signals in and progress events out for a job.
type Bus interface {
	PublishControl(ctx context.Context, sig *model.ControlSignal) error
	SubscribeControl(ctx context.Context, jobID string) (<-chan *model.ControlSignal, func(), error)
	PublishProgress(ctx context.Context, event *model.ProgressEvent) error
	SubscribeProgress(ctx context.Context, jobID string) (<-chan *model.ProgressEvent, func(), error)
}

// RedisBus implements Bus over Redis pub/sub, one channel per job per
// direction. Every process that can host a runner or an SSE stream subscribes
// through here.
type RedisBus struct {
	client redis.UniversalClient
}

func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) PublishControl(ctx context.Context, sig *model.ControlSignal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal control signal: %w", err)
	}
	return b.client.Publish(ctx, controlChannelPrefix+sig.JobID, payload).Err()
}

func (b *RedisBus) SubscribeControl(ctx context.Context, jobID string) (<-chan *model.ControlSignal, func(), error) {
	sub := b.client.Subscribe(ctx, controlChannelPrefix+jobID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe control channel: %w", err)
	}

	out := make(chan *model.ControlSignal, controlBuffer)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			sig := &model.ControlSignal{}
			if err := json.Unmarshal([]byte(msg.Payload), sig); err != nil {
				logrus.Warnf("bus: dropping malformed control signal for job %s: %v", jobID, err)
				continue
			}
			select {
			case out <- sig:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}

func (b *RedisBus) PublishProgress(ctx context.Context, event *model.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return b.client.Publish(ctx, progressChannelPrefix+event.JobID, payload).Err()
}

func (b *RedisBus) SubscribeProgress(ctx context.Context, jobID string) (<-chan *model.ProgressEvent, func(), error) {
	sub := b.client.Subscribe(ctx, progressChannelPrefix+jobID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe progress channel: %w", err)
	}

	out := make(chan *model.ProgressEvent, progressBuffer)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			event := &model.ProgressEvent{}
			if err := json.Unmarshal([]byte(msg.Payload), event); err != nil {
				logrus.Warnf("bus: dropping malformed progress event for job %s: %v", jobID, err)
				continue
			}
			select {
			case out <- event:
			default:
				// Subscriber is behind; it re-syncs from the snapshot.
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}
