package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lainie-ftw/capflow/pkg/events"
)

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber

	mu            sync.RWMutex
	subscriptions map[events.NotificationType]NotificationHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.NotificationType]NotificationHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, notification events.Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.RunMetadataKey, notification.GetRunID())
	msg.Metadata.Set(events.NotificationMetadataKey, string(notification.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			notificationType := events.NotificationType(msg.Metadata.Get(events.NotificationMetadataKey))

			eb.mu.RLock()
			handler, exists := eb.subscriptions[notificationType]
			eb.mu.RUnlock()

			if !exists {
				msg.Ack()

				continue
			}

			var notification events.Notification

			switch notificationType {
			case events.RunSubmittedNotification:
				notification = &events.RunSubmitted{}
			case events.RunAdvanceRequestedNotification:
				notification = &events.RunAdvanceRequested{}
			case events.RunFinishedNotification:
				notification = &events.RunFinished{}
			default:
				msg.Nack()

				continue
			}

			err := json.Unmarshal(msg.Payload, notification)
			if err != nil {
				msg.Nack()

				continue
			}

			err = handler(ctx, notification)
			if err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) Handle(notificationType events.NotificationType, handler NotificationHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscriptions[notificationType] = handler
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
