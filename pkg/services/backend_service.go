// Package services holds the backend's application layer. The backend
// service composes the keyed-state datastore with a scheduler so that
// registration operations both record state and launch the matching
// runner instances.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cicadatesting/cicada/pkg/datastore"
	"github.com/cicadatesting/cicada/pkg/scheduling"
	"github.com/cicadatesting/cicada/pkg/types"
)

// Scheduler is the launching surface the backend service needs. It is
// satisfied by scheduling.Router and by single-mode schedulers.
type Scheduler interface {
	CreateTest(testID, backendAddress string, metadata *scheduling.Metadata, tags []string, env map[string]string) error
	CreateScenario(testID, scenarioID, scenarioName, backendAddress, encodedContext string, metadata *scheduling.Metadata, env map[string]string) error
	CreateUserManagers(userManagerIDs []string, testID, scenarioName, backendAddress, encodedContext string, metadata *scheduling.Metadata, env map[string]string) error
	StopUserManagers(userManagerIDs []string, metadata *scheduling.Metadata) error
	CheckInstance(instanceID string, metadata *scheduling.Metadata) (bool, error)
	CleanTestInstances(testID string, metadata *scheduling.Metadata) error
}

// BackendService implements the backend protocol over a datastore and
// a scheduler.
type BackendService struct {
	store     datastore.Datastore
	scheduler Scheduler
}

// NewBackendService creates a new BackendService.
func NewBackendService(store datastore.Datastore, scheduler Scheduler) *BackendService {
	if store == nil {
		panic("NewBackendService: store must not be nil")
	}
	if scheduler == nil {
		panic("NewBackendService: scheduler must not be nil")
	}
	return &BackendService{store: store, scheduler: scheduler}
}

// CreateTest registers a test run and launches its test-runner
// instance.
func (s *BackendService) CreateTest(
	ctx context.Context,
	backendAddress string,
	schedulingMetadata json.RawMessage,
	tags []string,
	env map[string]string,
) (string, error) {
	metadata, err := scheduling.ParseMetadata(schedulingMetadata)

	if err != nil {
		return "", err
	}

	testID, err := s.store.CreateTest(ctx, backendAddress, schedulingMetadata, tags, env)

	if err != nil {
		return "", err
	}

	if err := s.scheduler.CreateTest(testID, backendAddress, metadata, tags, env); err != nil {
		return "", fmt.Errorf("error scheduling test: %w", err)
	}

	slog.Info("created test", "testID", testID, "mode", metadata.Mode)

	return testID, nil
}

// CreateScenario registers a scenario under a test and launches its
// scenario-runner instance with the given encoded context.
func (s *BackendService) CreateScenario(
	ctx context.Context,
	testID, name, encodedContext string,
	usersPerInstance int,
	tags []string,
) (string, error) {
	test, err := s.store.GetTest(ctx, testID)

	if err != nil {
		return "", err
	}

	metadata, err := scheduling.ParseMetadata(test.SchedulingMetadata)

	if err != nil {
		return "", err
	}

	scenarioID, err := s.store.CreateScenario(ctx, testID, name, encodedContext, usersPerInstance, tags)

	if err != nil {
		return "", err
	}

	err = s.scheduler.CreateScenario(testID, scenarioID, name, test.BackendAddress, encodedContext, metadata, test.Env)

	if err != nil {
		return "", fmt.Errorf("error scheduling scenario: %w", err)
	}

	slog.Info("created scenario", "testID", testID, "scenarioID", scenarioID, "name", name)

	return scenarioID, nil
}

// CreateUsers assigns users to managers and launches instances for the
// managers that did not exist before.
func (s *BackendService) CreateUsers(ctx context.Context, scenarioID string, amount int) ([]string, error) {
	scenario, err := s.store.GetScenario(ctx, scenarioID)

	if err != nil {
		return nil, err
	}

	test, err := s.store.GetTest(ctx, scenario.TestID)

	if err != nil {
		return nil, err
	}

	metadata, err := scheduling.ParseMetadata(test.SchedulingMetadata)

	if err != nil {
		return nil, err
	}

	newManagers, err := s.store.CreateUsers(ctx, scenarioID, amount)

	if err != nil {
		return nil, err
	}

	if len(newManagers) > 0 {
		err = s.scheduler.CreateUserManagers(
			newManagers,
			scenario.TestID,
			scenario.Name,
			test.BackendAddress,
			scenario.Context,
			metadata,
			test.Env,
		)

		if err != nil {
			return nil, fmt.Errorf("error scheduling user managers: %w", err)
		}
	}

	return newManagers, nil
}

// StopUsers retires users and tears down the manager instances left
// empty.
func (s *BackendService) StopUsers(ctx context.Context, scenarioID string, amount int) error {
	scenario, err := s.store.GetScenario(ctx, scenarioID)

	if err != nil {
		return err
	}

	test, err := s.store.GetTest(ctx, scenario.TestID)

	if err != nil {
		return err
	}

	metadata, err := scheduling.ParseMetadata(test.SchedulingMetadata)

	if err != nil {
		return err
	}

	stoppedManagers, err := s.store.StopUsers(ctx, scenarioID, amount)

	if err != nil {
		return err
	}

	if len(stoppedManagers) > 0 {
		if err := s.scheduler.StopUserManagers(stoppedManagers, metadata); err != nil {
			return fmt.Errorf("error stopping user managers: %w", err)
		}
	}

	return nil
}

// CheckTestInstance reports whether one of the test's instances is
// still running.
func (s *BackendService) CheckTestInstance(ctx context.Context, testID, instanceID string) (bool, error) {
	test, err := s.store.GetTest(ctx, testID)

	if err != nil {
		return false, err
	}

	metadata, err := scheduling.ParseMetadata(test.SchedulingMetadata)

	if err != nil {
		return false, err
	}

	return s.scheduler.CheckInstance(instanceID, metadata)
}

// CleanTestInstances tears down every instance launched for the test.
func (s *BackendService) CleanTestInstances(ctx context.Context, testID string) error {
	test, err := s.store.GetTest(ctx, testID)

	if err != nil {
		return err
	}

	metadata, err := scheduling.ParseMetadata(test.SchedulingMetadata)

	if err != nil {
		return err
	}

	if err := s.scheduler.CleanTestInstances(testID, metadata); err != nil {
		return err
	}

	slog.Info("cleaned test instances", "testID", testID)

	return nil
}

// DistributeWork splits work across the scenario's managers.
func (s *BackendService) DistributeWork(ctx context.Context, scenarioID string, amount int) error {
	return s.store.DistributeWork(ctx, scenarioID, amount)
}

// GetUserWork drains a manager's work counter.
func (s *BackendService) GetUserWork(ctx context.Context, userManagerID string) (int, error) {
	return s.store.GetUserWork(ctx, userManagerID)
}

// AddUserEvent broadcasts an event to the scenario's managers.
func (s *BackendService) AddUserEvent(ctx context.Context, scenarioID string, event types.UserEvent) error {
	return s.store.AddUserEvent(ctx, scenarioID, event)
}

// GetUserEvents drains a manager's event queue for one kind.
func (s *BackendService) GetUserEvents(ctx context.Context, userManagerID, kind string) ([]types.UserEvent, error) {
	return s.store.GetUserEvents(ctx, userManagerID, kind)
}

// AddUserResults appends a batch of user results to a manager's queue.
func (s *BackendService) AddUserResults(ctx context.Context, userManagerID string, results []types.Result) error {
	return s.store.AddUserResults(ctx, userManagerID, results)
}

// MoveUserResults drains up to limit results for a scenario.
func (s *BackendService) MoveUserResults(ctx context.Context, scenarioID string, limit int) ([]types.Result, error) {
	return s.store.MoveUserResults(ctx, scenarioID, limit)
}

// SetScenarioResult records a scenario's final result.
func (s *BackendService) SetScenarioResult(
	ctx context.Context,
	scenarioID string,
	output json.RawMessage,
	exception *string,
	logs string,
	timeTaken float64,
	succeeded, failed int,
) error {
	return s.store.SetScenarioResult(ctx, scenarioID, output, exception, logs, timeTaken, succeeded, failed)
}

// MoveScenarioResult returns the scenario's final result exactly once.
func (s *BackendService) MoveScenarioResult(ctx context.Context, scenarioID string) (*types.ScenarioResult, error) {
	return s.store.MoveScenarioResult(ctx, scenarioID)
}

// AddTestEvent appends an event to the test's stream.
func (s *BackendService) AddTestEvent(ctx context.Context, testID string, event types.TestEvent) error {
	return s.store.AddTestEvent(ctx, testID, event)
}

// GetTestEvents drains the test's event stream.
func (s *BackendService) GetTestEvents(ctx context.Context, testID string) ([]types.TestEvent, error) {
	return s.store.GetTestEvents(ctx, testID)
}

// AddMetric appends a metric sample to a scenario series.
func (s *BackendService) AddMetric(ctx context.Context, scenarioID, name string, value float64) error {
	return s.store.AddMetric(ctx, scenarioID, name, value)
}

// GetMetricTotal returns the running sum of a metric series.
func (s *BackendService) GetMetricTotal(ctx context.Context, scenarioID, name string) (float64, error) {
	return s.store.GetMetricTotal(ctx, scenarioID, name)
}

// GetLastMetric returns the latest sample of a metric series.
func (s *BackendService) GetLastMetric(ctx context.Context, scenarioID, name string) (float64, error) {
	return s.store.GetLastMetric(ctx, scenarioID, name)
}

// GetMetricStatistics returns order statistics over a metric series.
func (s *BackendService) GetMetricStatistics(ctx context.Context, scenarioID, name string) (*types.MetricStatistics, error) {
	return s.store.GetMetricStatistics(ctx, scenarioID, name)
}

// GetMetricRate returns the fraction of samples at or above splitPoint.
func (s *BackendService) GetMetricRate(ctx context.Context, scenarioID, name string, splitPoint float64) (float64, error) {
	return s.store.GetMetricRate(ctx, scenarioID, name, splitPoint)
}
