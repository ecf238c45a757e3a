// Package workflows holds the decision functions for the capacity workflows.
// Each decider is a pure function of replayed run state: it reads recorded
// facts and the immutable run input, and returns exactly one next step. No
// clock, no I/O, no randomness; everything nondeterministic happens inside
// activities and is read back from the log.
package workflows

import (
	"github.com/lainie-ftw/capflow/pkg/control"
	"github.com/lainie-ftw/capflow/pkg/engine"
	"github.com/lainie-ftw/capflow/pkg/models"
)

// Activity handler names scheduled by the deciders.
const (
	ActivityFetchAllMetrics  = "fetch_all_metrics"
	ActivityAnalyzeNamespace = "analyze_namespace"
	ActivityGetCapacityState = "get_capacity_state"
	ActivitySetCapacityState = "set_capacity_state"
	ActivityNotify           = "notify"
)

// SignalUpdateEndTime moves a scheduled change's end time while the run is
// waiting for it.
const SignalUpdateEndTime = "update_end_time"

// Deciders returns the closed decision-function registry.
func Deciders() engine.Deciders {
	return engine.Deciders{
		models.WorkflowTypeBulkAnalysis:            BulkAnalysis,
		models.WorkflowTypeScheduledCapacityChange: ScheduledCapacityChange,
	}
}

// Queries returns the closed per-workflow-type query registry. The generic
// status query is answered by the control surface itself.
func Queries() control.Queries {
	return control.Queries{
		models.WorkflowTypeBulkAnalysis: {
			"progress": BulkAnalysisProgress,
		},
		models.WorkflowTypeScheduledCapacityChange: {
			"state": ScheduledCapacityChangeState,
		},
	}
}
