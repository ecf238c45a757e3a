package workflows

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lainie-ftw/capflow/pkg/engine"
	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/models"
)

const fetchActivityID = "fetch_all_metrics"

// checkpointEvery is how many analyzed namespaces pass between progress
// checkpoints.
const checkpointEvery = 5

// BulkAnalysis fetches usage for every namespace once, then walks the
// managed namespaces in sorted order, enriching each with its capacity state
// and a TRU recommendation. A failed enrichment is recorded and skipped; the
// run completes with whatever it could analyze.
func BulkAnalysis(state *engine.RunState) (engine.Decision, error) {
	var input models.BulkAnalysisInput
	if len(state.Input) > 0 {
		if err := json.Unmarshal(state.Input, &input); err != nil {
			return engine.Decision{}, fmt.Errorf("failed to decode bulk analysis input: %w", err)
		}
	}

	fetch := state.Activity(fetchActivityID)
	if fetch == nil {
		return engine.ScheduleActivity(models.ActivityInvocation{
			ActivityID: fetchActivityID,
			Name:       ActivityFetchAllMetrics,
			Retry:      models.DefaultRetryPolicy(),
		}), nil
	}

	if fetch.Pending() {
		return engine.Wait(), nil
	}

	if !fetch.Succeeded() {
		return engine.Fail(nil, []string{"failed to fetch namespace metrics: " + fetch.Error}), nil
	}

	var fetched models.FetchAllMetricsResult
	if err := json.Unmarshal(fetch.Result, &fetched); err != nil {
		return engine.Decision{}, fmt.Errorf("failed to decode metrics result: %w", err)
	}

	managed := managedMetrics(fetched.Metrics, input)
	total := len(managed)

	var (
		processed       int
		recommendations []models.NamespaceRecommendation
		errs            []string
	)

	for _, metrics := range managed {
		if due, decision := checkpointDue(state, processed, total); due {
			return decision, nil
		}

		analysis := state.Activity(analyzeActivityID(metrics.Namespace))
		if analysis == nil {
			analysisInput, err := json.Marshal(metrics)
			if err != nil {
				return engine.Decision{}, fmt.Errorf("failed to encode analysis input: %w", err)
			}

			return engine.ScheduleActivity(models.ActivityInvocation{
				ActivityID: analyzeActivityID(metrics.Namespace),
				Name:       ActivityAnalyzeNamespace,
				Input:      analysisInput,
				Retry:      models.DefaultRetryPolicy(),
			}), nil
		}

		if analysis.Pending() {
			return engine.Wait(), nil
		}

		processed++

		if analysis.Succeeded() {
			var recommendation models.NamespaceRecommendation
			if err := json.Unmarshal(analysis.Result, &recommendation); err != nil {
				return engine.Decision{}, fmt.Errorf("failed to decode recommendation for %s: %w",
					metrics.Namespace, err)
			}

			recommendations = append(recommendations, recommendation)
		} else {
			errs = append(errs, fmt.Sprintf("failed to analyze namespace %s: %s",
				metrics.Namespace, analysis.Error))
		}
	}

	if due, decision := checkpointDue(state, processed, total); due {
		return decision, nil
	}

	result, err := json.Marshal(models.BulkAnalysisResult{Recommendations: recommendations})
	if err != nil {
		return engine.Decision{}, fmt.Errorf("failed to encode bulk analysis result: %w", err)
	}

	return engine.Complete(result, errs), nil
}

func analyzeActivityID(namespace string) string {
	return "analyze:" + namespace
}

// managedMetrics filters to the namespaces the run manages, in sorted order.
func managedMetrics(metrics []models.NamespaceMetrics, input models.BulkAnalysisInput) []models.NamespaceMetrics {
	out := make([]models.NamespaceMetrics, 0, len(metrics))

	for _, m := range metrics {
		if input.Managed(m.Namespace) {
			out = append(out, m)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Namespace < out[j].Namespace
	})

	return out
}

// checkpointDue reports whether a progress checkpoint is owed at the current
// processed count: one per full block of checkpointEvery namespaces, counted
// against the checkpoints already in the log.
func checkpointDue(state *engine.RunState, processed, total int) (bool, engine.Decision) {
	if processed == 0 || processed%checkpointEvery != 0 {
		return false, engine.Decision{}
	}

	if state.Checkpoints >= processed/checkpointEvery {
		return false, engine.Decision{}
	}

	return true, engine.RecordCheckpoint(processed, total, "")
}

// BulkAnalysisProgress answers the progress query from replayed state.
func BulkAnalysisProgress(state *engine.RunState) (json.RawMessage, error) {
	fetch := state.Activity(fetchActivityID)

	processed := 0

	for id, activity := range state.Activities {
		if id != fetchActivityID && activity.Done {
			processed++
		}
	}

	report := struct {
		FetchComplete bool                       `json:"fetch_complete"`
		Analyzed      int                        `json:"analyzed"`
		Checkpoints   int                        `json:"checkpoints"`
		Last          *events.ProgressCheckpoint `json:"last_checkpoint,omitempty"`
	}{
		FetchComplete: fetch != nil && fetch.Done,
		Analyzed:      processed,
		Checkpoints:   state.Checkpoints,
		Last:          state.LastCheckpoint,
	}

	return json.Marshal(report)
}
