package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leadline-hq/leadline/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisBus(t *testing.T) *RedisBus {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBus(client)
}

func TestRedisBus_ControlRoundTrip(t *testing.T) {
	b := newTestRedisBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	signals, unsubscribe, err := b.SubscribeControl(ctx, "job_1")
	require.NoError(t, err)
	defer unsubscribe()

	sig := &model.ControlSignal{JobID: "job_1", Kind: model.SignalPause, IssuedAt: time.Now().UTC()}
	require.NoError(t, b.PublishControl(ctx, sig))

	select {
	case got := <-signals:
		assert.Equal(t, model.SignalPause, got.Kind)
		assert.Equal(t, "job_1", got.JobID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for control signal")
	}
}

func TestRedisBus_ProgressDoesNotCrossJobs(t *testing.T) {
	b := newTestRedisBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, unsubscribe, err := b.SubscribeProgress(ctx, "job_a")
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, b.PublishProgress(ctx, &model.ProgressEvent{JobID: "job_b", Type: model.ProgressTypeStage, Stage: "navigating"}))
	require.NoError(t, b.PublishProgress(ctx, &model.ProgressEvent{JobID: "job_a", Type: model.ProgressTypeStage, Stage: "sending"}))

	select {
	case got := <-events:
		assert.Equal(t, "job_a", got.JobID)
		assert.Equal(t, "sending", got.Stage)
	case <-ctx.Done():
		t.Fatal("timed out waiting for progress event")
	}
}

func TestRedisBus_UnsubscribeClosesChannel(t *testing.T) {
	b := newTestRedisBus(t)
	ctx := context.Background()

	signals, unsubscribe, err := b.SubscribeControl(ctx, "job_1")
	require.NoError(t, err)

	unsubscribe()

	select {
	case _, open := <-signals:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestMemoryBus_ControlFanOut(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	first, cancelFirst, err := b.SubscribeControl(ctx, "job_1")
	require.NoError(t, err)
	defer cancelFirst()

	second, cancelSecond, err := b.SubscribeControl(ctx, "job_1")
	require.NoError(t, err)
	defer cancelSecond()

	sig := &model.ControlSignal{JobID: "job_1", Kind: model.SignalCancel}
	require.NoError(t, b.PublishControl(ctx, sig))

	assert.Equal(t, model.SignalCancel, (<-first).Kind)
	assert.Equal(t, model.SignalCancel, (<-second).Kind)
}

func TestMemoryBus_SlowProgressSubscriberDrops(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	events, cancel, err := b.SubscribeProgress(ctx, "job_1")
	require.NoError(t, err)
	defer cancel()

	// Overfill the buffer; publish must not block.
	for i := 0; i < progressBuffer+10; i++ {
		require.NoError(t, b.PublishProgress(ctx, &model.ProgressEvent{JobID: "job_1", Type: model.ProgressTypeStage}))
	}
	assert.Len(t, events, progressBuffer)
}
