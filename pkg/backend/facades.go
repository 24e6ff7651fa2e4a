package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cicadatesting/cicada/pkg/types"
)

// TestBackend scopes the client to one test run for the test runner.
type TestBackend struct {
	client *Client
	testID string
}

// NewTestBackend builds the test runner's backend facade.
func NewTestBackend(address, testID string) *TestBackend {
	return &TestBackend{client: NewClient(address), testID: testID}
}

// TestID returns the test this facade is scoped to.
func (b *TestBackend) TestID() string {
	return b.testID
}

// CreateScenario launches a scenario runner under this test.
func (b *TestBackend) CreateScenario(ctx context.Context, name, encodedContext string, usersPerInstance int, tags []string) (string, error) {
	return b.client.CreateScenario(ctx, b.testID, name, encodedContext, usersPerInstance, tags)
}

// AddStatusEvent publishes a status-payload test event.
func (b *TestBackend) AddStatusEvent(ctx context.Context, kind string, status types.TestStatus) error {
	event, err := types.NewStatusEvent(kind, status)

	if err != nil {
		return err
	}

	return b.client.AddTestEvent(ctx, b.testID, event)
}

// AddMetricEvent publishes a metric-payload test event.
func (b *TestBackend) AddMetricEvent(ctx context.Context, metric types.ScenarioMetric) error {
	event, err := types.NewMetricEvent(metric)

	if err != nil {
		return err
	}

	return b.client.AddTestEvent(ctx, b.testID, event)
}

// MoveScenarioResult takes a scenario's final result; nil when not
// ready.
func (b *TestBackend) MoveScenarioResult(ctx context.Context, scenarioID string) (*types.ScenarioResult, error) {
	result, err := b.client.MoveScenarioResult(ctx, scenarioID)

	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return result, nil
}

// CheckInstance reports whether a runner instance is still up.
func (b *TestBackend) CheckInstance(ctx context.Context, instanceID string) (bool, error) {
	return b.client.CheckTestInstance(ctx, b.testID, instanceID)
}

// ScenarioMetrics returns a querier over one scenario's metric series.
func (b *TestBackend) ScenarioMetrics(scenarioID string) *MetricsQuerier {
	return &MetricsQuerier{client: b.client, scenarioID: scenarioID}
}

// MetricsQuerier reads live metric aggregates for one scenario.
// Queries return nil values while the series has no samples.
type MetricsQuerier struct {
	client     *Client
	scenarioID string
}

// Statistics returns order statistics, or nil when the series is
// empty.
func (q *MetricsQuerier) Statistics(ctx context.Context, name string) (*types.MetricStatistics, error) {
	stats, err := q.client.GetMetricStatistics(ctx, q.scenarioID, name)

	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return stats, nil
}

// Total returns the running sum, or nil when the series is empty.
func (q *MetricsQuerier) Total(ctx context.Context, name string) (*float64, error) {
	total, err := q.client.GetMetricTotal(ctx, q.scenarioID, name)

	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &total, nil
}

// Last returns the latest sample, or nil when the series is empty.
func (q *MetricsQuerier) Last(ctx context.Context, name string) (*float64, error) {
	last, err := q.client.GetLastMetric(ctx, q.scenarioID, name)

	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &last, nil
}

// Rate returns the fraction of samples at or above splitPoint, or nil
// when the series is empty.
func (q *MetricsQuerier) Rate(ctx context.Context, name string, splitPoint float64) (*float64, error) {
	rate, err := q.client.GetMetricRate(ctx, q.scenarioID, name, splitPoint)

	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &rate, nil
}

// ScenarioBackend scopes the client to one scenario for the scenario
// runner.
type ScenarioBackend struct {
	client     *Client
	testID     string
	scenarioID string
}

// NewScenarioBackend builds the scenario runner's backend facade.
func NewScenarioBackend(address, testID, scenarioID string) *ScenarioBackend {
	return &ScenarioBackend{client: NewClient(address), testID: testID, scenarioID: scenarioID}
}

// ScenarioID returns the scenario this facade is scoped to.
func (b *ScenarioBackend) ScenarioID() string {
	return b.scenarioID
}

// CreateUsers scales the scenario up by amount users.
func (b *ScenarioBackend) CreateUsers(ctx context.Context, amount int) ([]string, error) {
	return b.client.CreateUsers(ctx, b.scenarioID, amount)
}

// StopUsers scales the scenario down by amount users.
func (b *ScenarioBackend) StopUsers(ctx context.Context, amount int) error {
	return b.client.StopUsers(ctx, b.scenarioID, amount)
}

// DistributeWork pushes amount work units to the scenario's users.
func (b *ScenarioBackend) DistributeWork(ctx context.Context, amount int) error {
	return b.client.DistributeWork(ctx, b.scenarioID, amount)
}

// AddUserEvent broadcasts an event to the scenario's users.
func (b *ScenarioBackend) AddUserEvent(ctx context.Context, event types.UserEvent) error {
	return b.client.AddUserEvent(ctx, b.scenarioID, event)
}

// MoveUserResults drains up to limit results. An empty first drain
// waits out the timeout and drains once more, so pollers do not spin.
func (b *ScenarioBackend) MoveUserResults(ctx context.Context, limit int, timeout time.Duration) ([]types.Result, error) {
	results, err := b.client.MoveUserResults(ctx, b.scenarioID, limit)

	if err != nil {
		return nil, err
	}

	if len(results) > 0 || timeout <= 0 {
		return results, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
	}

	return b.client.MoveUserResults(ctx, b.scenarioID, limit)
}

// SetScenarioResult records the scenario's final result.
func (b *ScenarioBackend) SetScenarioResult(
	ctx context.Context,
	output json.RawMessage,
	exception *string,
	logs string,
	timeTaken float64,
	succeeded, failed int,
) error {
	return b.client.SetScenarioResult(ctx, b.scenarioID, output, exception, logs, timeTaken, succeeded, failed)
}

// AddMetric appends a sample to one of the scenario's metric series.
func (b *ScenarioBackend) AddMetric(ctx context.Context, name string, value float64) error {
	return b.client.AddMetric(ctx, b.scenarioID, name, value)
}

// Metrics returns a querier over the scenario's metric series.
func (b *ScenarioBackend) Metrics() *MetricsQuerier {
	return &MetricsQuerier{client: b.client, scenarioID: b.scenarioID}
}

// UserManagerBackend scopes the client to one user manager for the
// user scheduler.
type UserManagerBackend struct {
	client        *Client
	userManagerID string
}

// NewUserManagerBackend builds the user scheduler's backend facade.
func NewUserManagerBackend(address, userManagerID string) *UserManagerBackend {
	return &UserManagerBackend{client: NewClient(address), userManagerID: userManagerID}
}

// UserManagerID returns the manager this facade is scoped to.
func (b *UserManagerBackend) UserManagerID() string {
	return b.userManagerID
}

// GetUserEvents drains the manager's queue for one event kind.
func (b *UserManagerBackend) GetUserEvents(ctx context.Context, kind string) ([]types.UserEvent, error) {
	return b.client.GetUserEvents(ctx, b.userManagerID, kind)
}

// GetWork drains the manager's work counter. An empty first drain
// waits out the timeout and drains once more.
func (b *UserManagerBackend) GetWork(ctx context.Context, timeout time.Duration) (int, error) {
	amount, err := b.client.GetUserWork(ctx, b.userManagerID)

	if err != nil {
		return 0, err
	}

	if amount > 0 || timeout <= 0 {
		return amount, nil
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(timeout):
	}

	return b.client.GetUserWork(ctx, b.userManagerID)
}

// AddUserResults flushes a batch of user results to the manager's
// queue.
func (b *UserManagerBackend) AddUserResults(ctx context.Context, results []types.Result) error {
	return b.client.AddUserResults(ctx, b.userManagerID, results)
}
