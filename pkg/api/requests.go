package api

import (
	"encoding/json"

	"github.com/cicadatesting/cicada/pkg/types"
)

// CreateTestRequest registers a test run.
type CreateTestRequest struct {
	BackendAddress     string            `json:"backendAddress" binding:"required"`
	SchedulingMetadata json.RawMessage   `json:"schedulingMetadata" binding:"required"`
	Tags               []string          `json:"tags"`
	Env                map[string]string `json:"env"`
}

// CreateScenarioRequest registers a scenario under a test.
type CreateScenarioRequest struct {
	Name             string   `json:"name" binding:"required"`
	EncodedContext   string   `json:"encodedContext"`
	UsersPerInstance int      `json:"usersPerInstance" binding:"required"`
	Tags             []string `json:"tags"`
}

// AmountRequest carries a user or work count.
type AmountRequest struct {
	Amount int `json:"amount" binding:"required"`
}

// AddUserResultsRequest appends a batch of results to a manager.
type AddUserResultsRequest struct {
	Results []types.Result `json:"results" binding:"required"`
}

// MoveUserResultsRequest drains up to Limit results.
type MoveUserResultsRequest struct {
	Limit int `json:"limit" binding:"required"`
}

// SetScenarioResultRequest records a scenario's final result.
type SetScenarioResultRequest struct {
	Output    json.RawMessage `json:"output"`
	Exception *string         `json:"exception"`
	Logs      string          `json:"logs"`
	TimeTaken float64         `json:"timeTaken"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

// AddMetricRequest appends one metric sample.
type AddMetricRequest struct {
	Name  string   `json:"name" binding:"required"`
	Value *float64 `json:"value" binding:"required"`
}
