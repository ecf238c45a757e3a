package models

// Activity input/output payloads shared between the decision functions that
// schedule them and the handlers that run them.

// FetchAllMetricsResult carries every namespace's usage sample, sorted by
// namespace so downstream iteration is deterministic.
type FetchAllMetricsResult struct {
	Metrics []NamespaceMetrics `json:"metrics"`
}

// GetCapacityStateInput asks for one namespace's provisioning state.
type GetCapacityStateInput struct {
	Namespace string `json:"namespace" validate:"required"`
}

// SetCapacityStateInput requests a provisioning change.
type SetCapacityStateInput struct {
	Namespace string       `json:"namespace" validate:"required"`
	Mode      CapacityMode `json:"mode"      validate:"required"`
	TRUCount  int          `json:"tru_count" validate:"min=0"`
}

// UpdateEndTimePayload is the body of the update_end_time signal.
type UpdateEndTimePayload struct {
	EndTime string `json:"end_time" validate:"required"`
}
