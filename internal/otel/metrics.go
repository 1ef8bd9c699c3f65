package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskdeck/internal/bus"
)

// Metrics holds all TaskDeck metric instruments.
type Metrics struct {
	MessagesHandled metric.Int64Counter
	HandleDuration  metric.Float64Histogram
	AuthEvents      metric.Int64Counter
	TaskEvents      metric.Int64Counter
	DialogsExpired  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesHandled, err = meter.Int64Counter("taskdeck.messages.handled",
		metric.WithDescription("Inbound chat messages handled"),
	)
	if err != nil {
		return nil, err
	}

	m.HandleDuration, err = meter.Float64Histogram("taskdeck.message.duration",
		metric.WithDescription("Message handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthEvents, err = meter.Int64Counter("taskdeck.auth.events",
		metric.WithDescription("Registration, login and logout events"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskEvents, err = meter.Int64Counter("taskdeck.task.events",
		metric.WithDescription("Task and subtask mutations"),
	)
	if err != nil {
		return nil, err
	}

	m.DialogsExpired, err = meter.Int64Counter("taskdeck.dialogs.expired",
		metric.WithDescription("Pending dialogs cleared by the expiry sweeper"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// MessageHandled satisfies the dispatcher's Metrics hook.
func (m *Metrics) MessageHandled(ctx context.Context, platform string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("platform", platform))
	m.MessagesHandled.Add(ctx, 1, attrs)
	m.HandleDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// WatchBus counts dialog lifecycle events from the bus until ctx is done.
func (m *Metrics) WatchBus(ctx context.Context, events *bus.Bus) {
	sub := events.Subscribe("")
	defer events.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			attrs := metric.WithAttributes(attribute.String("topic", ev.Topic))
			switch ev.Topic {
			case bus.TopicAuthRegistered, bus.TopicAuthLogin, bus.TopicAuthLogout:
				m.AuthEvents.Add(ctx, 1, attrs)
			case bus.TopicTaskAdded, bus.TopicTaskDeleted, bus.TopicTaskCompleted,
				bus.TopicSubtaskChanged, bus.TopicSnapshotImported:
				m.TaskEvents.Add(ctx, 1, attrs)
			case bus.TopicDialogExpired:
				m.DialogsExpired.Add(ctx, 1)
			}
		}
	}
}
