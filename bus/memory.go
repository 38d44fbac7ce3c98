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

package bus

import (
	"context"
	"sync"

	"github.com/leadline-hq/leadline/model"
)

// MemoryBus is an in-process Bus for single-node deployments and tests.
// Semantics mirror RedisBus: control delivery blocks briefly, progress drops
// when a subscriber falls behind.
type MemoryBus struct {
	mu       sync.RWMutex
	control  map[string][]chan *model.ControlSignal
	progress map[string][]chan *model.ProgressEvent
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		control:  make(map[string][]chan *model.ControlSignal),
		progress: make(map[string][]chan *model.ProgressEvent),
	}
}

func (b *MemoryBus) PublishControl(ctx context.Context, sig *model.ControlSignal) error {
	b.mu.RLock()
	subs := append([]chan *model.ControlSignal(nil), b.control[sig.JobID]...)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- sig:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) SubscribeControl(_ context.Context, jobID string) (<-chan *model.ControlSignal, func(), error) {
	ch := make(chan *model.ControlSignal, controlBuffer)

	b.mu.Lock()
	b.control[jobID] = append(b.control[jobID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.control[jobID]
		for i, sub := range subs {
			if sub == ch {
				b.control[jobID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

func (b *MemoryBus) PublishProgress(_ context.Context, event *model.ProgressEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.progress[event.JobID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) SubscribeProgress(_ context.Context, jobID string) (<-chan *model.ProgressEvent, func(), error) {
	ch := make(chan *model.ProgressEvent, progressBuffer)

	b.mu.Lock()
	b.progress[jobID] = append(b.progress[jobID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.progress[jobID]
		for i, sub := range subs {
			if sub == ch {
				b.progress[jobID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}
