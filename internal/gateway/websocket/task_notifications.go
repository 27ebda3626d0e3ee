package websocket

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/events"
	"github.com/novahq/nova/internal/events/bus"
	ws "github.com/novahq/nova/pkg/websocket"
)

// TaskEventBroadcaster bridges the event bus into the websocket hub. Every
// event published on a per-task subject is forwarded to the clients that
// subscribed to that task; task lifecycle events go to all clients so list
// views can refresh.
type TaskEventBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterTaskNotifications subscribes the hub to the per-task wildcard
// subject and the task lifecycle subjects. Delivery is at-least-once to
// connected subscribers only; the UI reconciles against persisted state on
// reconnect.
func RegisterTaskNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *TaskEventBroadcaster {
	b := &TaskEventBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-task-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribeTaskStream(eventBus)
	b.subscribeLifecycle(eventBus, events.TaskCreated, ws.ActionTaskCreated)
	b.subscribeLifecycle(eventBus, events.TaskStateChanged, ws.ActionTaskStateChanged)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close detaches all bus subscriptions.
func (b *TaskEventBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *TaskEventBroadcaster) subscribeTaskStream(eventBus bus.EventBus) {
	subject := events.BuildTaskWildcardSubject()
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		taskID := taskIDFromData(event)
		if taskID == "" {
			return nil
		}
		msg, err := ws.NewNotification(event.Type, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification",
				zap.String("event_type", event.Type), zap.Error(err))
			return nil
		}
		b.hub.BroadcastToTask(taskID, msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to task stream", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

func (b *TaskEventBroadcaster) subscribeLifecycle(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification", zap.String("action", action), zap.Error(err))
			return nil
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

// taskIDFromData resolves the task id for a per-task event, preferring the
// payload's task_id field and falling back to the subject suffix.
func taskIDFromData(event *bus.Event) string {
	if event.Data != nil {
		if id, ok := event.Data["task_id"].(string); ok && id != "" {
			return id
		}
	}
	if strings.HasPrefix(event.Source, "task.") {
		return strings.TrimPrefix(event.Source, "task.")
	}
	return ""
}
