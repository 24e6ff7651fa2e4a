package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cicadatesting/cicada/pkg/metrics"
	"github.com/cicadatesting/cicada/pkg/scenario"
	"github.com/cicadatesting/cicada/pkg/types"
)

// stubQuerier serves fixed aggregates to metric displays.
type stubQuerier struct {
	stats *types.MetricStatistics
}

func (q stubQuerier) Statistics(context.Context, string) (*types.MetricStatistics, error) {
	return q.stats, nil
}

func (q stubQuerier) Total(context.Context, string) (*float64, error) { return nil, nil }

func (q stubQuerier) Last(context.Context, string) (*float64, error) { return nil, nil }

func (q stubQuerier) Rate(context.Context, string, float64) (*float64, error) { return nil, nil }

// recordedEvent pairs a test event kind with its decoded payload.
type recordedEvent struct {
	kind   string
	status types.TestStatus
	metric types.ScenarioMetric
}

// fakeTestBackend scripts the test-runner backend surface. Scenario
// results are keyed by name and handed out once.
type fakeTestBackend struct {
	nextID        int
	createdNames  []string
	namesByID     map[string]string
	events        []recordedEvent
	resultsByName map[string]*types.ScenarioResult
	stoppedIDs    map[string]bool
	querier       metrics.Querier
}

func newFakeTestBackend() *fakeTestBackend {
	return &fakeTestBackend{
		namesByID:     map[string]string{},
		resultsByName: map[string]*types.ScenarioResult{},
		stoppedIDs:    map[string]bool{},
		querier:       stubQuerier{},
	}
}

func (b *fakeTestBackend) CreateScenario(_ context.Context, name, _ string, _ int, _ []string) (string, error) {
	b.nextID++
	scenarioID := fmt.Sprintf("sid-%d", b.nextID)
	b.createdNames = append(b.createdNames, name)
	b.namesByID[scenarioID] = name

	return scenarioID, nil
}

func (b *fakeTestBackend) AddStatusEvent(_ context.Context, kind string, status types.TestStatus) error {
	b.events = append(b.events, recordedEvent{kind: kind, status: status})

	return nil
}

func (b *fakeTestBackend) AddMetricEvent(_ context.Context, metric types.ScenarioMetric) error {
	b.events = append(b.events, recordedEvent{kind: types.ScenarioMetricEvent, metric: metric})

	return nil
}

func (b *fakeTestBackend) MoveScenarioResult(_ context.Context, scenarioID string) (*types.ScenarioResult, error) {
	name := b.namesByID[scenarioID]
	result := b.resultsByName[name]

	if result != nil {
		delete(b.resultsByName, name)
	}

	return result, nil
}

func (b *fakeTestBackend) CheckInstance(_ context.Context, instanceID string) (bool, error) {
	return !b.stoppedIDs[instanceID], nil
}

func (b *fakeTestBackend) ScenarioMetrics(string) metrics.Querier {
	return b.querier
}

func (b *fakeTestBackend) eventKinds() []string {
	kinds := make([]string, len(b.events))

	for i, event := range b.events {
		kinds[i] = event.kind
	}

	return kinds
}

func (b *fakeTestBackend) findEvent(kind string) (recordedEvent, bool) {
	for _, event := range b.events {
		if event.kind == kind {
			return event, true
		}
	}

	return recordedEvent{}, false
}

func noop(inv *scenario.Invocation) (any, error) { return nil, nil }

func passingResult(output string) *types.ScenarioResult {
	return &types.ScenarioResult{Output: json.RawMessage(output), Succeeded: 1, Timestamp: time.Now()}
}

func failingResult(exception string) *types.ScenarioResult {
	return &types.ScenarioResult{Exception: types.StringPtr(exception), Failed: 1, Timestamp: time.Now()}
}

func runTestWith(t *testing.T, b *fakeTestBackend, scenarios ...*scenario.Scenario) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, newTestRunner(b, time.Millisecond).run(ctx, scenarios, nil))
}

func TestRunTestSingleScenario(t *testing.T) {
	b := newFakeTestBackend()
	b.resultsByName["A"] = passingResult(`42`)

	runTestWith(t, b, scenario.New("A", noop, scenario.WithConsoleMetricDisplays(nil)))

	assert.Equal(t, []string{"A"}, b.createdNames)
	assert.Equal(t, []string{
		types.ScenarioStartedEvent,
		types.TestStartedEvent,
		types.ScenarioFinishedEvent,
		types.TestFinishedEvent,
	}, b.eventKinds())

	started, ok := b.findEvent(types.TestStartedEvent)
	require.True(t, ok)
	assert.Equal(t, "Collected 1 Scenario(s)", started.status.Message)

	finished, ok := b.findEvent(types.ScenarioFinishedEvent)
	require.True(t, ok)
	assert.Equal(t, "Finished Scenario: A", finished.status.Message)
	assert.Contains(t, finished.status.Context, `"A"`)

	done, ok := b.findEvent(types.TestFinishedEvent)
	require.True(t, ok)
	assert.Equal(t, "Finished running 1 Scenario(s)", done.status.Message)
}

func TestRunTestDependencyChainWithFailure(t *testing.T) {
	b := newFakeTestBackend()
	b.resultsByName["A"] = passingResult(`1`)
	b.resultsByName["B"] = failingResult("assertion failed")

	runTestWith(t, b,
		scenario.New("A", noop, scenario.WithConsoleMetricDisplays(nil)),
		scenario.New("B", noop, scenario.WithConsoleMetricDisplays(nil), scenario.WithDependencies("A")),
		scenario.New("C", noop, scenario.WithConsoleMetricDisplays(nil), scenario.WithDependencies("B")),
	)

	// C is skipped without ever being launched
	assert.Equal(t, []string{"A", "B"}, b.createdNames)

	var skipped *recordedEvent

	for i := range b.events {
		if b.events[i].status.Scenario == "C" {
			skipped = &b.events[i]
		}
	}

	require.NotNil(t, skipped)
	assert.Equal(t, types.ScenarioFinishedEvent, skipped.kind)
	assert.Equal(t, "Skipped Scenario: C", skipped.status.Message)
	assert.Contains(t, skipped.status.Context, `"Skipped"`)
}

func TestRunTestStartsDependentAfterCleanFinish(t *testing.T) {
	b := newFakeTestBackend()
	b.resultsByName["A"] = passingResult(`1`)
	b.resultsByName["B"] = passingResult(`2`)

	runTestWith(t, b,
		scenario.New("A", noop, scenario.WithConsoleMetricDisplays(nil)),
		scenario.New("B", noop, scenario.WithConsoleMetricDisplays(nil), scenario.WithDependencies("A")),
	)

	assert.Equal(t, []string{"A", "B"}, b.createdNames)
}

func TestRunTestSynthesizesResultForDeadRunner(t *testing.T) {
	b := newFakeTestBackend()
	b.stoppedIDs["sid-1"] = true

	runTestWith(t, b, scenario.New("A", noop, scenario.WithConsoleMetricDisplays(nil)))

	exited, ok := b.findEvent(types.ScenarioFinishedEvent)
	require.True(t, ok)
	assert.Equal(t, "Scenario Exited Unexpectedly: A", exited.status.Message)
	assert.Contains(t, exited.status.Context, `"Scenario Exited"`)
}

func TestRunTestFiltersByTags(t *testing.T) {
	b := newFakeTestBackend()
	b.resultsByName["tagged"] = passingResult(`1`)

	scenarios := []*scenario.Scenario{
		scenario.New("tagged", noop, scenario.WithConsoleMetricDisplays(nil), scenario.WithTags("smoke")),
		scenario.New("untagged", noop, scenario.WithConsoleMetricDisplays(nil)),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, newTestRunner(b, time.Millisecond).run(ctx, scenarios, []string{"smoke"}))

	assert.Equal(t, []string{"tagged"}, b.createdNames)

	started, ok := b.findEvent(types.TestStartedEvent)
	require.True(t, ok)
	assert.Equal(t, "Collected 1 Scenario(s)", started.status.Message)
}

func TestRunTestEmitsLiveMetrics(t *testing.T) {
	b := newFakeTestBackend()
	b.querier = stubQuerier{stats: &types.MetricStatistics{Min: 1, Median: 2, Average: 2, Max: 3, Len: 3}}
	b.resultsByName["A"] = passingResult(`1`)

	displays := map[string]metrics.Display{"runtimes": metrics.ConsoleStats("runtime")}

	runTestWith(t, b, scenario.New("A", noop, scenario.WithConsoleMetricDisplays(displays)))

	metricEvent, ok := b.findEvent(types.ScenarioMetricEvent)
	require.True(t, ok)
	assert.Equal(t, "A", metricEvent.metric.Scenario)
	require.Contains(t, metricEvent.metric.Metrics, "runtimes")
	require.NotNil(t, metricEvent.metric.Metrics["runtimes"])
	assert.Equal(t, "Min: 1, Median: 2, Average: 2, Max: 3, Len: 3", *metricEvent.metric.Metrics["runtimes"])

	// the metric event precedes the finish event
	kinds := b.eventKinds()
	assert.Less(t, indexOf(kinds, types.ScenarioMetricEvent), indexOf(kinds, types.ScenarioFinishedEvent))
}

func indexOf(values []string, target string) int {
	for i, value := range values {
		if value == target {
			return i
		}
	}

	return -1
}
