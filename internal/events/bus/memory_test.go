package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novahq/nova/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	b := NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	return b
}

func taskEvent(eventType, taskID string) *Event {
	return NewEvent(eventType, "tasks", map[string]interface{}{"task_id": taskID})
}

func waitForEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishReachesTaskSubscriber(t *testing.T) {
	b := newTestBus(t)
	require.True(t, b.IsConnected())

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("task.t1", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	event := taskEvent("task_complete", "t1")
	require.NoError(t, b.Publish(context.Background(), "task.t1", event))

	got := waitForEvent(t, received)
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, "task_complete", got.Type)
	assert.Equal(t, "t1", got.Data["task_id"])
}

func TestTaskWildcardMatchesEveryTask(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	received := make(chan *Event, 2)
	sub, err := b.Subscribe("task.*", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, b.Publish(ctx, "task.t1", taskEvent("progress_update", "t1")))
	require.NoError(t, b.Publish(ctx, "task.t2", taskEvent("interrupt", "t2")))

	first := waitForEvent(t, received)
	second := waitForEvent(t, received)
	assert.ElementsMatch(t,
		[]string{"t1", "t2"},
		[]string{first.Data["task_id"].(string), second.Data["task_id"].(string)})
}

func TestSubjectsAreIsolated(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var count int32
	sub, err := b.Subscribe("task.t1", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, b.Publish(ctx, "task.other", taskEvent("task_error", "other")))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&count))
}

func TestEveryRegularSubscriberGetsACopy(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var count int32
	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe("task.t1", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()
	}

	require.NoError(t, b.Publish(ctx, "task.t1", taskEvent("response_chunk", "t1")))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var count int32
	sub, err := b.Subscribe("task.t1", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, b.Publish(ctx, "task.t1", taskEvent("progress_update", "t1")))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&count))

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(ctx, "task.t1", taskEvent("progress_update", "t1")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestQueueSubscribeDeliversToOneWorker(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var count int32
	for i := 0; i < 3; i++ {
		sub, err := b.QueueSubscribe("task.created", "indexers", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, b.Publish(ctx, "task.created", taskEvent("task.created", "t1")))
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(6), atomic.LoadInt32(&count), "each publish lands on exactly one group member")
}

func TestRequestReply(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe("tasks.status", func(ctx context.Context, event *Event) error {
		reply, _ := event.Data["_reply"].(string)
		if reply == "" {
			return nil
		}
		return b.Publish(ctx, reply, NewEvent("status.reply", "tasks", map[string]interface{}{
			"status": "running",
		}))
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	response, err := b.Request(ctx, "tasks.status", NewEvent("status.query", "gateway", nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "running", response.Data["status"])
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	b := newTestBus(t)
	_, err := b.Request(context.Background(), "tasks.nobody", NewEvent("status.query", "gateway", nil), 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestClosedBusRejectsUse(t *testing.T) {
	b := newTestBus(t)
	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "task.t1", taskEvent("task_complete", "t1"))
	require.Error(t, err)

	_, err = b.Subscribe("task.t1", func(ctx context.Context, event *Event) error { return nil })
	require.Error(t, err)
}
