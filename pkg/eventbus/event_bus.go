// Package eventbus carries transient wake notifications between capflow
// processes. The durable history of a run lives only in the event log; the
// bus exists so workers learn promptly that a run has work waiting.
package eventbus

import (
	"context"

	"github.com/lainie-ftw/capflow/pkg/events"
)

type NotificationPublisher interface {
	Publish(ctx context.Context, notification events.Notification) error
}

type NotificationSubscriber interface {
	Handle(notificationType events.NotificationType, handler NotificationHandler)
	Subscribe(ctx context.Context) error
}

type NotificationHandler func(ctx context.Context, notification events.Notification) error

type EventBus interface {
	NotificationPublisher
	NotificationSubscriber
	Close() error
	GenerateID() string
}
