package models

import "time"

// CapacityMode is the billing mode of a cloud namespace.
type CapacityMode string

const (
	CapacityModeProvisioned CapacityMode = "provisioned"
	CapacityModeOnDemand    CapacityMode = "on-demand"
)

// CapacityState is the externally observed provisioning state of a namespace.
type CapacityState struct {
	Namespace string       `json:"namespace"`
	Mode      CapacityMode `json:"mode"`
	TRUCount  int          `json:"tru_count"`
}

// Matches reports whether the state already satisfies the given target.
// TRU count is only meaningful in provisioned mode.
func (s CapacityState) Matches(mode CapacityMode, trus int) bool {
	if s.Mode != mode {
		return false
	}

	return mode != CapacityModeProvisioned || s.TRUCount == trus
}

// NamespaceMetrics is one namespace's usage sample from the metrics endpoint.
type NamespaceMetrics struct {
	Namespace   string  `json:"namespace"`
	ActionLimit float64 `json:"action_limit"`
	ActionCount float64 `json:"action_count"`
}

// NamespaceRecommendation is the per-namespace output of a bulk analysis run.
type NamespaceRecommendation struct {
	Namespace               string       `json:"namespace"`
	ActionLimit             float64      `json:"action_limit"`
	ActionCount             float64      `json:"action_count"`
	RecommendedTRUs         int          `json:"recommended_trus"`
	CurrentCapacityMode     CapacityMode `json:"current_capacity_mode"`
	CurrentTRUs             *int         `json:"current_trus,omitempty"`
	RecommendedCapacityMode CapacityMode `json:"recommended_capacity_mode"`
	OverLimit               bool         `json:"over_limit"`
}

// BulkAnalysisInput configures a bulk analysis run. Both lists are optional;
// an empty allowlist means every namespace is eligible.
type BulkAnalysisInput struct {
	NamespaceAllowlist []string `json:"namespace_allowlist,omitempty"`
	NamespaceDenylist  []string `json:"namespace_denylist,omitempty"`
}

// Managed reports whether a namespace passes the allow/deny filters.
func (in BulkAnalysisInput) Managed(namespace string) bool {
	if len(in.NamespaceAllowlist) > 0 {
		found := false

		for _, ns := range in.NamespaceAllowlist {
			if ns == namespace {
				found = true

				break
			}
		}

		if !found {
			return false
		}
	}

	for _, ns := range in.NamespaceDenylist {
		if ns == namespace {
			return false
		}
	}

	return true
}

// BulkAnalysisResult is the terminal payload of a bulk analysis run.
type BulkAnalysisResult struct {
	Recommendations []NamespaceRecommendation `json:"recommendations"`
}

// ScheduledCapacityChangeInput configures a scheduled capacity change run.
type ScheduledCapacityChangeInput struct {
	Namespace   string     `json:"namespace"    validate:"required"`
	DesiredTRUs int        `json:"desired_trus" validate:"min=0"`
	EndTime     *time.Time `json:"end_time,omitempty"`

	// VerifyDelay is how long to wait after a capacity change before the
	// verification read. Callers send a duration string or a number of
	// seconds. Zero means verify immediately; the production default of two
	// minutes is applied at submission time.
	VerifyDelay Duration `json:"verify_delay,omitempty"`
}

// ScheduledCapacityChangeResult reports the outcome of every stage of a
// scheduled capacity change, including partial progress on failure.
type ScheduledCapacityChangeResult struct {
	Namespace                 string   `json:"namespace"`
	InitialChangeSuccess      bool     `json:"initial_change_success"`
	VerificationSuccess       bool     `json:"verification_success"`
	RevertedToOnDemand        bool     `json:"reverted_to_on_demand"`
	RevertVerificationSuccess bool     `json:"revert_verification_success"`
	Errors                    []string `json:"errors"`
}
