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
	"sync"
	"time"

	"github.com/leadline-hq/leadline/bus"
	"github.com/leadline-hq/leadline/cache"
	"github.com/leadline-hq/leadline/driver"
	"github.com/leadline-hq/leadline/model"
	"github.com/sirupsen/logrus"
)

const (
	progressRingSize    = 32
	progressSnapshotTTL = 24 * time.Hour
)

func progressSnapshotKey(jobID string) string {
	return "progress:latest:" + jobID
}

// progressRing is a single-producer ring buffer of the most recent events for
// one job. Late subscribers read the snapshot first and then follow the bus.
type progressRing struct {
	events [progressRingSize]*model.ProgressEvent
	next   int
	count  int
	latest *model.ProgressEvent
}

func (r *progressRing) push(event *model.ProgressEvent) {
	r.events[r.next] = event
	r.next = (r.next + 1) % progressRingSize
	if r.count < progressRingSize {
		r.count++
	}
	r.latest = event
}

func (r *progressRing) recent() []*model.ProgressEvent {
	out := make([]*model.ProgressEvent, 0, r.count)
	start := (r.next - r.count + progressRingSize) % progressRingSize
	for i := 0; i < r.count; i++ {
		out = append(out, r.events[(start+i)%progressRingSize])
	}
	return out
}

// ProgressPublisher turns job state changes into progress events. Every
// persisted counter change is followed by exactly one event; stage events
// interpolate between counter changes via the stage fraction table. Events
// for a job carry monotonically non-decreasing processedLeads because the
// owning runner is the only producer.
type ProgressPublisher struct {
	bus   bus.Bus
	cache cache.Cache

	mu    sync.RWMutex
	rings map[string]*progressRing
}

func NewProgressPublisher(b bus.Bus, ca cache.Cache) *ProgressPublisher {
	return &ProgressPublisher{
		bus:   b,
		cache: ca,
		rings: make(map[string]*progressRing),
	}
}

func (p *ProgressPublisher) publish(ctx context.Context, event *model.ProgressEvent) {
	event.Timestamp = time.Now().UTC()

	p.mu.Lock()
	ring, ok := p.rings[event.JobID]
	if !ok {
		ring = &progressRing{}
		p.rings[event.JobID] = ring
	}
	ring.push(event)
	p.mu.Unlock()

	// The snapshot lands in the shared cache so a subscriber in another
	// process replays current state before following the bus.
	if p.cache != nil {
		if err := p.cache.Set(ctx, progressSnapshotKey(event.JobID), event, progressSnapshotTTL); err != nil {
			logrus.Warnf("progress: snapshot cache write failed for job %s: %v", event.JobID, err)
		}
	}

	// Delivery is best effort; the store remains authoritative.
	if err := p.bus.PublishProgress(ctx, event); err != nil {
		logrus.Warnf("progress: publish failed for job %s: %v", event.JobID, err)
	}
}

// PublishStatus emits a status event reflecting the job row as persisted.
func (p *ProgressPublisher) PublishStatus(ctx context.Context, job *model.WorkflowJob) {
	p.publish(ctx, &model.ProgressEvent{
		JobID:              job.JobID,
		Type:               model.ProgressTypeStatus,
		Status:             job.Status,
		ProcessedLeads:     job.ProcessedLeads,
		TotalLeads:         job.TotalLeads,
		Progress:           job.Progress(),
		FractionalProgress: fractionalProgress(job, ""),
		Results:            job.Results,
		ErrorMessage:       job.ErrorMessage,
	})
}

// PublishStage emits a stage event for the lead currently in flight.
func (p *ProgressPublisher) PublishStage(ctx context.Context, job *model.WorkflowJob, leadID, stage string) {
	p.publish(ctx, &model.ProgressEvent{
		JobID:              job.JobID,
		Type:               model.ProgressTypeStage,
		Status:             job.Status,
		Stage:              stage,
		LeadID:             leadID,
		ProcessedLeads:     job.ProcessedLeads,
		TotalLeads:         job.TotalLeads,
		Progress:           job.Progress(),
		FractionalProgress: fractionalProgress(job, stage),
	})
}

// Latest returns the most recent event for a job. When this process never
// published for the job, the shared snapshot cache covers runners living in
// another process. Callers fall back to the job row when nothing is found.
func (p *ProgressPublisher) Latest(ctx context.Context, jobID string) *model.ProgressEvent {
	p.mu.RLock()
	ring, ok := p.rings[jobID]
	p.mu.RUnlock()
	if ok {
		return ring.latest
	}

	if p.cache == nil {
		return nil
	}
	event := &model.ProgressEvent{}
	if err := p.cache.Get(ctx, progressSnapshotKey(jobID), event); err != nil || event.JobID == "" {
		return nil
	}
	return event
}

// Recent returns the buffered events for a job, oldest first.
func (p *ProgressPublisher) Recent(jobID string) []*model.ProgressEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ring, ok := p.rings[jobID]; ok {
		return ring.recent()
	}
	return nil
}

// Forget drops the ring for a finished job.
func (p *ProgressPublisher) Forget(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rings, jobID)
}

// fractionalProgress is processed leads plus the in-lead stage fraction,
// normalized against total leads. It smooths the bar across a single lead.
func fractionalProgress(job *model.WorkflowJob, stage string) float64 {
	if job.TotalLeads == 0 {
		return 1
	}
	f := float64(job.ProcessedLeads) + driver.StageFraction(stage)
	if total := float64(job.TotalLeads); f > total {
		f = total
	}
	return f / float64(job.TotalLeads)
}
