package api

import "github.com/cicadatesting/cicada/pkg/types"

// CreateTestResponse returns the registered test ID.
type CreateTestResponse struct {
	TestID string `json:"testID"`
}

// CreateScenarioResponse returns the registered scenario ID.
type CreateScenarioResponse struct {
	ScenarioID string `json:"scenarioID"`
}

// CreateUsersResponse lists the user manager instances created by a
// scale-up.
type CreateUsersResponse struct {
	UserManagerIDs []string `json:"userManagerIDs"`
}

// TestEventsResponse carries a drained batch of test events.
type TestEventsResponse struct {
	Events []types.TestEvent `json:"events"`
}

// UserEventsResponse carries a drained batch of user events.
type UserEventsResponse struct {
	Events []types.UserEvent `json:"events"`
}

// InstanceResponse reports instance liveness.
type InstanceResponse struct {
	Running bool `json:"running"`
}

// WorkResponse carries a drained work count.
type WorkResponse struct {
	Amount int `json:"amount"`
}

// UserResultsResponse carries a drained batch of user results.
type UserResultsResponse struct {
	Results []types.Result `json:"results"`
}

// MetricValueResponse carries a single metric query value.
type MetricValueResponse struct {
	Value float64 `json:"value"`
}
