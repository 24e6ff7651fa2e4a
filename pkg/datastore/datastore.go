// Package datastore stores the transient keyed state of running tests:
// registrations, work queues, user and test events, result queues, and
// metric series. Implementations back the same interface with process
// memory, redis, or postgres.
package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cicadatesting/cicada/pkg/types"
)

// ErrNotFound signals that the target key of an operation is absent.
// Callers treat it as "no data yet" and retry or return nothing.
var ErrNotFound = errors.New("not found")

// Test is a registered test run.
type Test struct {
	ID                 string
	BackendAddress     string
	SchedulingMetadata json.RawMessage
	Tags               []string
	Env                map[string]string
}

// Scenario is a registered scenario-in-test.
type Scenario struct {
	ID               string
	TestID           string
	Name             string
	Context          string
	UsersPerInstance int
	Tags             []string
}

// Datastore is the keyed-state contract shared by all backends. Every
// operation is independent; the store is the sole synchronization point
// between worker processes.
type Datastore interface {
	CreateTest(ctx context.Context, backendAddress string, schedulingMetadata json.RawMessage, tags []string, env map[string]string) (string, error)
	GetTest(ctx context.Context, testID string) (*Test, error)

	CreateScenario(ctx context.Context, testID, name, encodedContext string, usersPerInstance int, tags []string) (string, error)
	GetScenario(ctx context.Context, scenarioID string) (*Scenario, error)

	// CreateUsers assigns users to managers, filling existing managers to
	// the scenario's usersPerInstance before creating new ones. It emits
	// START_USERS events per manager and flushes any buffered work and
	// events. The returned IDs are the newly created managers.
	CreateUsers(ctx context.Context, scenarioID string, amount int) ([]string, error)

	// StopUsers retires up to amount users via STOP_USERS events and
	// returns the IDs of managers left empty, which the caller tears down.
	StopUsers(ctx context.Context, scenarioID string, amount int) ([]string, error)

	// DistributeWork splits amount work tokens across the scenario's
	// managers; with no managers yet the work is buffered until the next
	// CreateUsers call.
	DistributeWork(ctx context.Context, scenarioID string, amount int) error

	// GetUserWork atomically drains and returns the manager's work count.
	GetUserWork(ctx context.Context, userManagerID string) (int, error)

	// AddUserEvent broadcasts an event to every manager of the scenario,
	// buffering it when no managers exist yet.
	AddUserEvent(ctx context.Context, scenarioID string, event types.UserEvent) error

	// GetUserEvents drains the manager's event queue for one kind.
	GetUserEvents(ctx context.Context, userManagerID, kind string) ([]types.UserEvent, error)

	AddUserResults(ctx context.Context, userManagerID string, results []types.Result) error

	// MoveUserResults drains up to limit results across the scenario's
	// managers.
	MoveUserResults(ctx context.Context, scenarioID string, limit int) ([]types.Result, error)

	// SetScenarioResult records the scenario's one-shot final result.
	SetScenarioResult(ctx context.Context, scenarioID string, output json.RawMessage, exception *string, logs string, timeTaken float64, succeeded, failed int) error

	// MoveScenarioResult returns ErrNotFound until the result is set, then
	// returns it exactly once.
	MoveScenarioResult(ctx context.Context, scenarioID string) (*types.ScenarioResult, error)

	AddTestEvent(ctx context.Context, testID string, event types.TestEvent) error

	// GetTestEvents drains the accumulated test events.
	GetTestEvents(ctx context.Context, testID string) ([]types.TestEvent, error)

	AddMetric(ctx context.Context, scenarioID, name string, value float64) error
	GetMetricTotal(ctx context.Context, scenarioID, name string) (float64, error)
	GetLastMetric(ctx context.Context, scenarioID, name string) (float64, error)
	GetMetricStatistics(ctx context.Context, scenarioID, name string) (*types.MetricStatistics, error)

	// GetMetricRate returns the fraction of samples at or above splitPoint.
	GetMetricRate(ctx context.Context, scenarioID, name string, splitPoint float64) (float64, error)
}

func newTestID() string {
	return fmt.Sprintf("cicada-test-%s", uuid.NewString()[:8])
}

func newScenarioID() string {
	return fmt.Sprintf("scenario-%s", uuid.NewString()[:8])
}

func newUserManagerID() string {
	return fmt.Sprintf("user-manager-%s", uuid.NewString()[:8])
}

func newUserID() string {
	return fmt.Sprintf("user-%s", uuid.NewString()[:8])
}
