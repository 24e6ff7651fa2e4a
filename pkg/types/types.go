// Package types holds the data model shared by the engine, the backend
// server, and the controller: user results, scenario results, user and
// test events, and metric aggregates.
package types

import (
	"encoding/json"
	"time"
)

// User event kinds understood by user managers.
const (
	StartUsersEvent = "START_USERS"
	StopUsersEvent  = "STOP_USERS"
)

// Test event kinds emitted by the test runner.
const (
	TestStartedEvent      = "TEST_STARTED"
	TestErroredEvent      = "TEST_ERRORED"
	TestFinishedEvent     = "TEST_FINISHED"
	ScenarioStartedEvent  = "SCENARIO_STARTED"
	ScenarioFinishedEvent = "SCENARIO_FINISHED"
	ScenarioMetricEvent   = "SCENARIO_METRIC"
)

// Result is a single invocation of a scenario function by a user.
type Result struct {
	ID        string          `json:"id"`
	Output    json.RawMessage `json:"output,omitempty"`
	Exception *string         `json:"exception,omitempty"`
	Logs      string          `json:"logs,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	TimeTaken float64         `json:"timeTaken"`
}

// Failed reports whether the invocation raised an exception.
func (r Result) Failed() bool {
	return r.Exception != nil
}

// ScenarioResult is the final outcome of one scenario in a test.
type ScenarioResult struct {
	ID        string          `json:"id"`
	Output    json.RawMessage `json:"output,omitempty"`
	Exception *string         `json:"exception,omitempty"`
	Logs      string          `json:"logs,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	TimeTaken float64         `json:"timeTaken"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

// UserEventPayload announces user IDs to the managers hosting them.
type UserEventPayload struct {
	IDs []string `json:"IDs"`
}

// UserEvent is a broadcast from a scenario to the users it controls.
type UserEvent struct {
	Kind    string           `json:"kind"`
	Payload UserEventPayload `json:"payload"`
}

// ContainsUser reports whether the event names the given user.
func (e UserEvent) ContainsUser(userID string) bool {
	for _, id := range e.Payload.IDs {
		if id == userID {
			return true
		}
	}

	return false
}

// TestEvent is a control-plane message from the test runner to the
// controller. Payload is a TestStatus for all kinds except
// SCENARIO_METRIC, which carries a ScenarioMetric.
type TestEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// TestStatus is the payload of lifecycle test events. Context holds the
// JSON encoding of the scenario results collected so far.
type TestStatus struct {
	Scenario   string `json:"scenario,omitempty"`
	ScenarioID string `json:"scenarioId,omitempty"`
	Message    string `json:"message"`
	Context    string `json:"context,omitempty"`
}

// ScenarioMetric is the payload of SCENARIO_METRIC events. A nil metric
// value means the display had no data yet.
type ScenarioMetric struct {
	Scenario string             `json:"scenario"`
	Metrics  map[string]*string `json:"metrics"`
}

// NewStatusEvent builds a test event with a TestStatus payload.
func NewStatusEvent(kind string, status TestStatus) (TestEvent, error) {
	payload, err := json.Marshal(status)

	if err != nil {
		return TestEvent{}, err
	}

	return TestEvent{Kind: kind, Payload: payload}, nil
}

// NewMetricEvent builds a SCENARIO_METRIC test event.
func NewMetricEvent(metric ScenarioMetric) (TestEvent, error) {
	payload, err := json.Marshal(metric)

	if err != nil {
		return TestEvent{}, err
	}

	return TestEvent{Kind: ScenarioMetricEvent, Payload: payload}, nil
}

// Status decodes the event payload as a TestStatus.
func (e TestEvent) Status() (TestStatus, error) {
	status := TestStatus{}
	err := json.Unmarshal(e.Payload, &status)

	return status, err
}

// Metric decodes the event payload as a ScenarioMetric.
func (e TestEvent) Metric() (ScenarioMetric, error) {
	metric := ScenarioMetric{}
	err := json.Unmarshal(e.Payload, &metric)

	return metric, err
}

// MetricStatistics summarizes a metric series.
type MetricStatistics struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Median  float64 `json:"median"`
	Average float64 `json:"average"`
	Len     int64   `json:"len"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
