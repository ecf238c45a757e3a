// Package capacity implements the TRU sizing rules used by the analysis
// workflows.
package capacity

import (
	"math"

	"github.com/lainie-ftw/capflow/pkg/models"
)

const (
	// apsPerTRU is the action-per-second throughput purchased with one TRU.
	apsPerTRU = 500.0

	// baseCapacityAPS is the throughput available on-demand without any
	// provisioning.
	baseCapacityAPS = 500.0

	// scaleUpThreshold triggers adding a TRU once utilization reaches 80%.
	scaleUpThreshold = 0.8

	// minProvisionedTRUs: a single TRU is never recommended; it costs more
	// than the base capacity it replaces.
	minProvisionedTRUs = 2

	// chargedAPSPerTRU is the minimum charged throughput per TRU above the
	// first.
	chargedAPSPerTRU = 100.0
)

// MinimumChargedAPS returns the throughput a namespace is charged for at the
// given TRU count regardless of use. One TRU or fewer carries no minimum.
func MinimumChargedAPS(trus int) float64 {
	if trus <= 1 {
		return 0
	}

	return float64(trus-1) * chargedAPSPerTRU
}

// RecommendedTRUs sizes a namespace from its current action limit and
// observed action count.
//
// Scaling down removes at most one TRU per evaluation so a misread sample
// cannot collapse a namespace's capacity in one step.
func RecommendedTRUs(actionLimit, actionCount float64) int {
	current := int(actionLimit / apsPerTRU)

	// At zero or one TRU the namespace is effectively unprovisioned: the
	// base capacity applies.
	if current <= 1 {
		if actionCount <= baseCapacityAPS {
			return 0
		}

		needed := int(math.Ceil(actionCount / apsPerTRU))
		if needed < minProvisionedTRUs {
			needed = minProvisionedTRUs
		}

		return needed
	}

	if actionCount >= scaleUpThreshold*actionLimit {
		return current + 1
	}

	if actionCount < MinimumChargedAPS(current) {
		optimal := int(actionCount/chargedAPSPerTRU) + 1
		if optimal < current-1 {
			optimal = current - 1
		}

		if optimal <= 1 && actionCount <= baseCapacityAPS {
			return 0
		}

		return optimal
	}

	return current
}

// BuildRecommendation combines a usage sample with the namespace's current
// capacity state into a full recommendation.
func BuildRecommendation(metrics models.NamespaceMetrics, state *models.CapacityState) models.NamespaceRecommendation {
	recommended := RecommendedTRUs(metrics.ActionLimit, metrics.ActionCount)

	rec := models.NamespaceRecommendation{
		Namespace:               metrics.Namespace,
		ActionLimit:             metrics.ActionLimit,
		ActionCount:             metrics.ActionCount,
		RecommendedTRUs:         recommended,
		CurrentCapacityMode:     models.CapacityModeOnDemand,
		RecommendedCapacityMode: models.CapacityModeOnDemand,
		OverLimit:               overLimit(metrics),
	}

	if recommended >= minProvisionedTRUs {
		rec.RecommendedCapacityMode = models.CapacityModeProvisioned
	}

	if state != nil && state.Mode == models.CapacityModeProvisioned {
		rec.CurrentCapacityMode = models.CapacityModeProvisioned
		trus := state.TRUCount
		rec.CurrentTRUs = &trus
	}

	return rec
}

func overLimit(metrics models.NamespaceMetrics) bool {
	limit := metrics.ActionLimit
	if limit <= 0 {
		limit = baseCapacityAPS
	}

	return metrics.ActionCount > limit
}
