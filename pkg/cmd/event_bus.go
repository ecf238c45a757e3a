package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/lainie-ftw/capflow/pkg/channels/gochannel"
	"github.com/lainie-ftw/capflow/pkg/channels/kafka"
	"github.com/lainie-ftw/capflow/pkg/eventbus"
)

// NewEventBus builds the wake bus for the selected provider: "gochannel" for
// single-process deployments, "kafka" for multi-worker ones.
func NewEventBus(provider string, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "kafka":
		var brokers []string
		if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
			brokers = strings.Split(raw, ",")
		}

		pub, sub, err := kafka.CreateChannel(kafka.Config{
			Brokers:       brokers,
			ConsumerGroup: "cg-capflow",
		}, watermill.NewSlogLogger(logger))
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			panic(fmt.Errorf("failed to create gochannel pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}
