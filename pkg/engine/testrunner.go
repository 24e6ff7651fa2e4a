package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cicadatesting/cicada/pkg/backend"
	"github.com/cicadatesting/cicada/pkg/metrics"
	"github.com/cicadatesting/cicada/pkg/scenario"
	"github.com/cicadatesting/cicada/pkg/types"
)

// TestRunnerBackend is the slice of the backend the test runner
// drives.
type TestRunnerBackend interface {
	CreateScenario(ctx context.Context, name, encodedContext string, usersPerInstance int, tags []string) (string, error)
	AddStatusEvent(ctx context.Context, kind string, status types.TestStatus) error
	AddMetricEvent(ctx context.Context, metric types.ScenarioMetric) error
	MoveScenarioResult(ctx context.Context, scenarioID string) (*types.ScenarioResult, error)
	CheckInstance(ctx context.Context, instanceID string) (bool, error)
	ScenarioMetrics(scenarioID string) metrics.Querier
}

// testBackendAdapter narrows the metrics querier return type to the
// interface the runner and its fakes share.
type testBackendAdapter struct {
	*backend.TestBackend
}

func (a testBackendAdapter) ScenarioMetrics(scenarioID string) metrics.Querier {
	return a.TestBackend.ScenarioMetrics(scenarioID)
}

// testRunner drives one test: it starts scenarios as their
// dependencies resolve, relays live metrics, and collects results
// until every selected scenario has one.
type testRunner struct {
	backend TestRunnerBackend
	poll    time.Duration

	started       map[string]string
	scenariosByID map[string]*scenario.Scenario
	results       map[string]types.ScenarioResult
}

func newTestRunner(b TestRunnerBackend, poll time.Duration) *testRunner {
	if poll <= 0 {
		poll = time.Second
	}

	return &testRunner{
		backend:       b,
		poll:          poll,
		started:       map[string]string{},
		scenariosByID: map[string]*scenario.Scenario{},
		results:       map[string]types.ScenarioResult{},
	}
}

// RunTest executes every scenario matching the tag filter and reports
// progress as test events.
func RunTest(ctx context.Context, scenarios []*scenario.Scenario, tags []string, b TestRunnerBackend) error {
	return newTestRunner(b, time.Second).run(ctx, scenarios, tags)
}

func (r *testRunner) run(ctx context.Context, scenarios []*scenario.Scenario, tags []string) error {
	var valid []*scenario.Scenario

	for _, s := range scenarios {
		if s.MatchesTags(tags) {
			valid = append(valid, s)
		}
	}

	for _, s := range valid {
		if len(s.Dependencies) > 0 {
			continue
		}

		if err := r.startScenario(ctx, s); err != nil {
			return err
		}
	}

	err := r.backend.AddStatusEvent(ctx, types.TestStartedEvent, types.TestStatus{
		Message: fmt.Sprintf("Collected %d Scenario(s)", len(valid)),
	})

	if err != nil {
		return err
	}

	for len(r.results) < len(valid) {
		for name, scenarioID := range r.started {
			if _, done := r.results[name]; done {
				continue
			}

			if err := r.observeScenario(ctx, name, scenarioID); err != nil {
				return err
			}
		}

		for _, s := range valid {
			if _, ok := r.started[s.Name]; ok {
				continue
			}

			if err := r.resolveDependencies(ctx, s); err != nil {
				return err
			}
		}

		if len(r.results) == len(valid) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.poll):
		}
	}

	return r.backend.AddStatusEvent(ctx, types.TestFinishedEvent, types.TestStatus{
		Message: fmt.Sprintf("Finished running %d Scenario(s)", len(valid)),
	})
}

// startScenario launches one scenario with the results collected so
// far as its context.
func (r *testRunner) startScenario(ctx context.Context, s *scenario.Scenario) error {
	encodedContext, err := types.EncodeContext(r.results)

	if err != nil {
		return err
	}

	scenarioID, err := r.backend.CreateScenario(ctx, s.Name, encodedContext, s.UsersPerInstance, s.Tags)

	if err != nil {
		return err
	}

	r.started[s.Name] = scenarioID
	r.scenariosByID[scenarioID] = s

	return r.backend.AddStatusEvent(ctx, types.ScenarioStartedEvent, types.TestStatus{
		Scenario:   s.Name,
		ScenarioID: scenarioID,
		Message:    fmt.Sprintf("Started scenario: %s (%s)", s.Name, scenarioID),
		Context:    r.contextJSON(),
	})
}

// observeScenario relays one started scenario's live metrics and
// collects its result, synthesizing a failure if its runner is gone.
func (r *testRunner) observeScenario(ctx context.Context, name, scenarioID string) error {
	s := r.scenariosByID[scenarioID]

	if len(s.ConsoleMetricDisplays) > 0 {
		if err := r.emitMetrics(ctx, name, scenarioID, s); err != nil {
			return err
		}
	}

	result, err := r.backend.MoveScenarioResult(ctx, scenarioID)

	if err != nil {
		return err
	}

	if result != nil {
		r.results[name] = *result

		return r.backend.AddStatusEvent(ctx, types.ScenarioFinishedEvent, types.TestStatus{
			Scenario:   name,
			ScenarioID: scenarioID,
			Message:    fmt.Sprintf("Finished Scenario: %s", name),
			Context:    r.contextJSON(),
		})
	}

	running, err := r.backend.CheckInstance(ctx, scenarioID)

	if err != nil {
		return err
	}

	if running {
		return nil
	}

	r.results[name] = synthesizedResult("Scenario Exited")

	return r.backend.AddStatusEvent(ctx, types.ScenarioFinishedEvent, types.TestStatus{
		Scenario:   name,
		ScenarioID: scenarioID,
		Message:    fmt.Sprintf("Scenario Exited Unexpectedly: %s", name),
		Context:    r.contextJSON(),
	})
}

func (r *testRunner) emitMetrics(ctx context.Context, name, scenarioID string, s *scenario.Scenario) error {
	querier := r.backend.ScenarioMetrics(scenarioID)
	rendered := make(map[string]*string, len(s.ConsoleMetricDisplays))

	for displayName, display := range s.ConsoleMetricDisplays {
		value, err := display(ctx, querier)

		if err != nil {
			slog.Error("error rendering metric display", "scenario", name, "display", displayName, "error", err)
		}

		rendered[displayName] = value
	}

	return r.backend.AddMetricEvent(ctx, types.ScenarioMetric{Scenario: name, Metrics: rendered})
}

// resolveDependencies starts a waiting scenario once every dependency
// has finished cleanly, or skips it once any dependency has failed.
func (r *testRunner) resolveDependencies(ctx context.Context, s *scenario.Scenario) error {
	allResulted := true
	anyErrored := false

	for _, dep := range s.Dependencies {
		result, ok := r.results[dep]

		if !ok {
			allResulted = false

			break
		}

		if result.Exception != nil {
			anyErrored = true
		}
	}

	if !allResulted {
		return nil
	}

	if !anyErrored {
		return r.startScenario(ctx, s)
	}

	r.started[s.Name] = uuid.NewString()[:8]
	r.results[s.Name] = synthesizedResult("Skipped")

	return r.backend.AddStatusEvent(ctx, types.ScenarioFinishedEvent, types.TestStatus{
		Scenario:   s.Name,
		ScenarioID: r.started[s.Name],
		Message:    fmt.Sprintf("Skipped Scenario: %s", s.Name),
		Context:    r.contextJSON(),
	})
}

func (r *testRunner) contextJSON() string {
	encoded, err := json.Marshal(r.results)

	if err != nil {
		slog.Error("error encoding test context", "error", err)

		return "{}"
	}

	return string(encoded)
}

func synthesizedResult(exception string) types.ScenarioResult {
	return types.ScenarioResult{
		ID:        uuid.NewString(),
		Exception: types.StringPtr(exception),
		Timestamp: time.Now(),
	}
}
