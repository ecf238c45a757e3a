// Package kafka provides the Kafka channel used when multiple worker
// processes share one wake bus.
package kafka

import (
	"errors"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
)

// Config selects the brokers and consumer group for one deployment. All
// workers share a group so wake notifications are load-balanced rather
// than broadcast.
type Config struct {
	Brokers       []string
	ConsumerGroup string
}

// CreateChannel builds the Kafka publisher and subscriber pair. The
// subscriber starts from the oldest offset so wakes published while every
// worker was down are still delivered.
func CreateChannel(cfg Config, logger watermill.LoggerAdapter) (*kafka.Publisher, *kafka.Subscriber, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, errors.New("kafka: no brokers configured")
	}

	subCfg := kafka.DefaultSaramaSubscriberConfig()
	subCfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	subscriber, err := kafka.NewSubscriber(kafka.SubscriberConfig{
		Brokers:               cfg.Brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: subCfg,
		ConsumerGroup:         cfg.ConsumerGroup,
		OTELEnabled:           true,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	pubCfg := sarama.NewConfig()
	pubCfg.Producer.Return.Successes = true
	pubCfg.Producer.RequiredAcks = sarama.WaitForAll

	publisher, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:               cfg.Brokers,
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: pubCfg,
		OTELEnabled:           true,
	}, logger)
	if err != nil {
		subscriber.Close()

		return nil, nil, err
	}

	return publisher, subscriber, nil
}
