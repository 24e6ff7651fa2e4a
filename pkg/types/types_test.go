package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultFailed(t *testing.T) {
	passed := Result{ID: "r1", Output: json.RawMessage(`42`)}
	failed := Result{ID: "r2", Exception: StringPtr("boom")}

	assert.False(t, passed.Failed())
	assert.True(t, failed.Failed())
}

func TestUserEventContainsUser(t *testing.T) {
	event := UserEvent{
		Kind:    StopUsersEvent,
		Payload: UserEventPayload{IDs: []string{"user-1", "user-2"}},
	}

	assert.True(t, event.ContainsUser("user-1"))
	assert.False(t, event.ContainsUser("user-3"))
}

func TestStatusEventRoundTrip(t *testing.T) {
	event, err := NewStatusEvent(ScenarioFinishedEvent, TestStatus{
		Scenario:   "checkout",
		ScenarioID: "scenario-abc12345",
		Message:    "Finished Scenario: checkout",
	})
	require.NoError(t, err)

	status, err := event.Status()
	require.NoError(t, err)

	assert.Equal(t, ScenarioFinishedEvent, event.Kind)
	assert.Equal(t, "checkout", status.Scenario)
	assert.Equal(t, "Finished Scenario: checkout", status.Message)
}

func TestMetricEventRoundTrip(t *testing.T) {
	runtimes := StringPtr("Min: 0.1, Median: 0.2, Average: 0.2, Max: 0.3, Len: 4")
	event, err := NewMetricEvent(ScenarioMetric{
		Scenario: "checkout",
		Metrics:  map[string]*string{"runtimes": runtimes, "success_rate": nil},
	})
	require.NoError(t, err)

	metric, err := event.Metric()
	require.NoError(t, err)

	assert.Equal(t, "checkout", metric.Scenario)
	assert.Equal(t, runtimes, metric.Metrics["runtimes"])
	assert.Nil(t, metric.Metrics["success_rate"])
}

func TestEncodeDecodeContextRoundTrip(t *testing.T) {
	timestamp := time.Date(2022, 3, 14, 15, 9, 26, 0, time.UTC)
	context := TestContext{
		"setup": {
			ID:        "sr-1",
			Output:    json.RawMessage(`{"token":"abc"}`),
			Timestamp: timestamp,
			TimeTaken: 1.5,
			Succeeded: 1,
		},
		"skipped": {
			ID:        "sr-2",
			Exception: StringPtr("Skipped"),
			Timestamp: timestamp,
		},
	}

	encoded, err := EncodeContext(context)
	require.NoError(t, err)

	decoded, err := DecodeContext(encoded)
	require.NoError(t, err)

	assert.Equal(t, context, decoded)
}

func TestDecodeDefaultContext(t *testing.T) {
	decoded, err := DecodeContext(DefaultEncodedContext())
	require.NoError(t, err)

	assert.Empty(t, decoded)
}

func TestDecodeContextRejectsGarbage(t *testing.T) {
	_, err := DecodeContext("not base64!!")
	assert.Error(t, err)
}
