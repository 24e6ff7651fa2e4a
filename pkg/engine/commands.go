package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/cicadatesting/cicada/pkg/backend"
	"github.com/cicadatesting/cicada/pkg/scenario"
	"github.com/cicadatesting/cicada/pkg/types"
)

// ScenarioRunnerBackend is the slice of the backend a scenario runner
// drives.
type ScenarioRunnerBackend interface {
	CreateUsers(ctx context.Context, amount int) ([]string, error)
	StopUsers(ctx context.Context, amount int) error
	DistributeWork(ctx context.Context, amount int) error
	AddUserEvent(ctx context.Context, event types.UserEvent) error
	MoveUserResults(ctx context.Context, limit int, timeout time.Duration) ([]types.Result, error)
	SetScenarioResult(ctx context.Context, output json.RawMessage, exception *string, logs string, timeTaken float64, succeeded, failed int) error
	AddMetric(ctx context.Context, name string, value float64) error
}

var _ ScenarioRunnerBackend = (*backend.ScenarioBackend)(nil)

// ScenarioCommands is the production scenario.Commands implementation:
// it tracks the pool size, collected results, the running aggregate,
// and accumulated errors, delegating side effects to the backend.
type ScenarioCommands struct {
	scenario   *scenario.Scenario
	testID     string
	scenarioID string
	backend    ScenarioRunnerBackend

	numUsers            int
	numResultsCollected int
	aggregated          any
	errors              []string
}

var _ scenario.Commands = (*ScenarioCommands)(nil)

// NewScenarioCommands builds the command surface for one scenario run.
func NewScenarioCommands(s *scenario.Scenario, testID, scenarioID string, b ScenarioRunnerBackend) *ScenarioCommands {
	if s == nil {
		panic("scenario is required")
	}

	if b == nil {
		panic("scenario backend is required")
	}

	return &ScenarioCommands{scenario: s, testID: testID, scenarioID: scenarioID, backend: b}
}

func (c *ScenarioCommands) TestID() string           { return c.testID }
func (c *ScenarioCommands) ScenarioID() string       { return c.scenarioID }
func (c *ScenarioCommands) NumUsers() int            { return c.numUsers }
func (c *ScenarioCommands) NumResultsCollected() int { return c.numResultsCollected }
func (c *ScenarioCommands) Errors() []string         { return c.errors }
func (c *ScenarioCommands) AggregatedResults() any   { return c.aggregated }

func (c *ScenarioCommands) SetAggregatedResults(aggregated any) { c.aggregated = aggregated }

// ScaleUsers moves the pool to exactly amount users.
func (c *ScenarioCommands) ScaleUsers(ctx context.Context, amount int) error {
	if amount > c.numUsers {
		return c.StartUsers(ctx, amount-c.numUsers)
	}

	return c.StopUsers(ctx, c.numUsers-amount)
}

// StartUsers grows the pool by amount users.
func (c *ScenarioCommands) StartUsers(ctx context.Context, amount int) error {
	if amount < 1 {
		return nil
	}

	if _, err := c.backend.CreateUsers(ctx, amount); err != nil {
		return err
	}

	c.numUsers += amount

	return nil
}

// StopUsers retires up to amount users, clamped at the pool size.
func (c *ScenarioCommands) StopUsers(ctx context.Context, amount int) error {
	if amount > c.numUsers {
		amount = c.numUsers
	}

	if amount < 1 {
		return nil
	}

	if err := c.backend.StopUsers(ctx, amount); err != nil {
		return err
	}

	c.numUsers -= amount

	return nil
}

// AddWork pushes amount work tokens to the scenario's users.
func (c *ScenarioCommands) AddWork(ctx context.Context, amount int) error {
	return c.backend.DistributeWork(ctx, amount)
}

// SendUserEvents broadcasts an event naming the given users.
func (c *ScenarioCommands) SendUserEvents(ctx context.Context, kind string, userIDs []string) error {
	return c.backend.AddUserEvent(ctx, types.UserEvent{
		Kind:    kind,
		Payload: types.UserEventPayload{IDs: userIDs},
	})
}

// GetLatestResults drains up to limit user results, waiting out the
// timeout once when the first drain is empty.
func (c *ScenarioCommands) GetLatestResults(ctx context.Context, timeout time.Duration, limit int) ([]types.Result, error) {
	latest, err := c.backend.MoveUserResults(ctx, limit, timeout)

	if err != nil {
		return nil, err
	}

	c.numResultsCollected += len(latest)

	return latest, nil
}

// AggregateResults folds the latest batch into the running aggregate.
// Without a user-supplied aggregator the latest output wins.
func (c *ScenarioCommands) AggregateResults(latest []types.Result) any {
	if c.scenario.ResultAggregator != nil {
		c.aggregated = c.scenario.ResultAggregator(c.aggregated, latest)
	} else if len(latest) > 0 {
		c.aggregated = latest[len(latest)-1].Output
	}

	return c.aggregated
}

// VerifyResults runs the scenario's verifier and accumulates its
// error strings.
func (c *ScenarioCommands) VerifyResults(latest []types.Result) []string {
	if c.scenario.ResultVerifier == nil {
		return nil
	}

	errorStrings := c.scenario.ResultVerifier(latest)
	c.errors = append(c.errors, errorStrings...)

	return errorStrings
}

// CollectMetrics feeds the latest batch to every configured collector.
func (c *ScenarioCommands) CollectMetrics(ctx context.Context, latest []types.Result) error {
	for _, collector := range c.scenario.MetricCollectors {
		if err := collector(ctx, latest, c.backend); err != nil {
			return err
		}
	}

	return nil
}

// UserCommands is the production scenario.UserCommands implementation
// for one user hosted in a worker process.
type UserCommands struct {
	scenario *scenario.Scenario
	userID   string
	buffer   *UserBuffer

	availableWork int
	stopped       bool
}

var _ scenario.UserCommands = (*UserCommands)(nil)

// NewUserCommands builds the command surface for one user.
func NewUserCommands(s *scenario.Scenario, userID string, buffer *UserBuffer) *UserCommands {
	if s == nil {
		panic("scenario is required")
	}

	if buffer == nil {
		panic("user buffer is required")
	}

	return &UserCommands{scenario: s, userID: userID, buffer: buffer}
}

// UserID returns the user this surface belongs to.
func (c *UserCommands) UserID() string { return c.userID }

// IsUp reports whether the user has been named in a STOP_USERS
// broadcast yet. Once stopped, a user stays stopped.
func (c *UserCommands) IsUp(ctx context.Context) bool {
	if c.stopped {
		return false
	}

	events, err := c.buffer.GetUserEvents(ctx, c.userID, types.StopUsersEvent)

	if err != nil {
		slog.Error("error polling stop events", "userID", c.userID, "error", err)

		return true
	}

	for _, event := range events {
		if event.ContainsUser(c.userID) {
			c.stopped = true

			return false
		}
	}

	return true
}

// HasWork consumes one work token if available, refilling from the
// buffer and waiting out the timeout once when the counter is empty.
func (c *UserCommands) HasWork(ctx context.Context, timeout time.Duration) bool {
	if c.availableWork < 1 {
		work, err := c.buffer.GetUserWork(ctx, c.userID)

		if err != nil {
			slog.Error("error polling work", "userID", c.userID, "error", err)

			return false
		}

		if work < 1 && timeout > 0 {
			timer := time.NewTimer(timeout)

			select {
			case <-ctx.Done():
				timer.Stop()

				return false
			case <-timer.C:
			}

			work, err = c.buffer.GetUserWork(ctx, c.userID)

			if err != nil {
				slog.Error("error polling work", "userID", c.userID, "error", err)

				return false
			}
		}

		c.availableWork += work
	}

	if c.availableWork > 0 {
		c.availableWork--

		return true
	}

	return false
}

// Run invokes the scenario body once, translating a panic into an
// error with the stack appended to the invocation's logs.
func (c *UserCommands) Run(ctx context.Context, testContext types.TestContext) (any, string, error) {
	inv := scenario.NewInvocation(testContext)
	output, err := c.invoke(inv)

	return output, inv.Logs(), err
}

func (c *UserCommands) invoke(inv *scenario.Invocation) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("panic: %v", r)
			inv.Logf("panic while running scenario %s:\n%s", c.scenario.Name, debug.Stack())
		}
	}()

	return c.scenario.Fn(inv)
}

// ReportResult stages one invocation's outcome in the buffer.
func (c *UserCommands) ReportResult(output any, err error, logs string, timeTaken float64) {
	result := types.Result{
		ID:        uuid.NewString(),
		Logs:      logs,
		Timestamp: time.Now(),
		TimeTaken: timeTaken,
	}

	if err != nil {
		result.Exception = types.StringPtr(err.Error())
	} else if output != nil {
		encoded, marshalErr := json.Marshal(output)

		if marshalErr != nil {
			result.Exception = types.StringPtr(fmt.Sprintf("error encoding result output: %v", marshalErr))
		} else {
			result.Output = encoded
		}
	}

	c.buffer.AddResult(result)
}
