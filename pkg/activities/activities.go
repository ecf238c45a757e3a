// Package activities binds the handler names the deciders schedule to the
// external clients that do the actual work. Everything nondeterministic in
// the system lives behind these five handlers.
package activities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/lainie-ftw/capflow/pkg/activity"
	"github.com/lainie-ftw/capflow/pkg/capacity"
	"github.com/lainie-ftw/capflow/pkg/cloudops"
	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/workflows"
)

// MetricsSource reads per-namespace usage samples.
type MetricsSource interface {
	FetchNamespaceMetrics(ctx context.Context) (map[string]*models.NamespaceMetrics, error)
}

// CapacityAPI reads and writes namespace provisioning.
type CapacityAPI interface {
	GetCapacityState(ctx context.Context, namespace string) (*models.CapacityState, error)
	SetCapacityState(ctx context.Context, namespace string, mode models.CapacityMode, trus int) (*models.CapacityState, error)
}

// NotificationSink delivers operator notifications.
type NotificationSink interface {
	Send(ctx context.Context, notification models.Notification) error
}

// Handlers assembles the closed handler registry.
func Handlers(metrics MetricsSource, ops CapacityAPI, sink NotificationSink) activity.Handlers {
	return activity.Handlers{
		workflows.ActivityFetchAllMetrics:  fetchAllMetrics(metrics),
		workflows.ActivityAnalyzeNamespace: analyzeNamespace(ops),
		workflows.ActivityGetCapacityState: getCapacityState(ops),
		workflows.ActivitySetCapacityState: setCapacityState(ops),
		workflows.ActivityNotify:           sendNotification(sink),
	}
}

// fetchAllMetrics samples every namespace once and returns them sorted, so
// the decider's iteration order is fixed by the recorded result.
func fetchAllMetrics(source MetricsSource) activity.Handler {
	return func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		byNamespace, err := source.FetchNamespaceMetrics(ctx)
		if err != nil {
			return nil, err
		}

		out := make([]models.NamespaceMetrics, 0, len(byNamespace))
		for _, metrics := range byNamespace {
			out = append(out, *metrics)
		}

		sort.Slice(out, func(i, j int) bool {
			return out[i].Namespace < out[j].Namespace
		})

		return json.Marshal(models.FetchAllMetricsResult{Metrics: out})
	}
}

// analyzeNamespace enriches one usage sample with the namespace's current
// provisioning and a TRU recommendation.
func analyzeNamespace(ops CapacityAPI) activity.Handler {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var metrics models.NamespaceMetrics
		if err := json.Unmarshal(input, &metrics); err != nil {
			return nil, activity.Fatal(fmt.Errorf("failed to decode analysis input: %w", err))
		}

		state, err := ops.GetCapacityState(ctx, metrics.Namespace)
		if err != nil {
			if !errors.Is(err, cloudops.ErrNamespaceNotFound) {
				return nil, err
			}

			// Unknown to the control plane still gets a usage-based
			// recommendation.
			state = nil
		}

		recommendation := capacity.BuildRecommendation(metrics, state)

		return json.Marshal(recommendation)
	}
}

func getCapacityState(ops CapacityAPI) activity.Handler {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var request models.GetCapacityStateInput
		if err := json.Unmarshal(input, &request); err != nil {
			return nil, activity.Fatal(fmt.Errorf("failed to decode capacity read input: %w", err))
		}

		state, err := ops.GetCapacityState(ctx, request.Namespace)
		if err != nil {
			return nil, err
		}

		return json.Marshal(state)
	}
}

func setCapacityState(ops CapacityAPI) activity.Handler {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var request models.SetCapacityStateInput
		if err := json.Unmarshal(input, &request); err != nil {
			return nil, activity.Fatal(fmt.Errorf("failed to decode capacity write input: %w", err))
		}

		state, err := ops.SetCapacityState(ctx, request.Namespace, request.Mode, request.TRUCount)
		if err != nil {
			return nil, err
		}

		return json.Marshal(state)
	}
}

func sendNotification(sink NotificationSink) activity.Handler {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var notification models.Notification
		if err := json.Unmarshal(input, &notification); err != nil {
			return nil, activity.Fatal(fmt.Errorf("failed to decode notification input: %w", err))
		}

		if err := sink.Send(ctx, notification); err != nil {
			return nil, err
		}

		return nil, nil
	}
}
