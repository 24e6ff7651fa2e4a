package e2e

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cicadatesting/cicada/pkg/engine"
	"github.com/cicadatesting/cicada/pkg/scenario"
	"github.com/cicadatesting/cicada/pkg/types"
)

// fastOptions keeps e2e runs quick: small user pools and short polling
// periods instead of the production defaults.
func fastOptions(iterations, users int, extra ...scenario.Option) []scenario.Option {
	options := []scenario.Option{
		scenario.WithUsersPerInstance(10),
		scenario.WithLoadModel(scenario.NIterations(iterations, users, 100*time.Millisecond, 20*time.Second, false)),
		scenario.WithUserLoop(scenario.WhileHasWork(100 * time.Millisecond)),
	}

	return append(options, extra...)
}

func passingScenario(name string, extra ...scenario.Option) *scenario.Scenario {
	return scenario.New(name, func(inv *scenario.Invocation) (any, error) {
		inv.Log("ran one loop")

		return map[string]string{"status": "ok"}, nil
	}, fastOptions(2, 2, extra...)...)
}

func failingScenario(name string, extra ...scenario.Option) *scenario.Scenario {
	return scenario.New(name, func(inv *scenario.Invocation) (any, error) {
		return nil, errors.New("boom")
	}, fastOptions(1, 1, extra...)...)
}

func TestSingleScenarioCompletes(t *testing.T) {
	e := engine.New()
	e.AddScenario(passingScenario("checkout"))

	collected := runTest(t, startCluster(t, e), nil)

	assertMessage(t, collected, "Collected 1 Scenario(s)")
	assertMessage(t, collected, "Finished Scenario: checkout")
	assertMessage(t, collected, "Finished running 1 Scenario(s)")
	assert.False(t, collected.errored)

	result := collected.result(t, "checkout")
	assert.Nil(t, result.Exception)
	assert.JSONEq(t, `{"status":"ok"}`, string(result.Output))
	assert.Equal(t, 2, result.Succeeded)
	assert.Zero(t, result.Failed)
	assert.Greater(t, result.TimeTaken, 0.0)
}

func TestFailingScenarioReportsErrors(t *testing.T) {
	e := engine.New()
	e.AddScenario(failingScenario("search"))

	collected := runTest(t, startCluster(t, e), nil)

	assertMessage(t, collected, "Finished Scenario: search")

	result := collected.result(t, "search")
	require.NotNil(t, result.Exception)
	assert.Contains(t, *result.Exception, "1 error(s) were raised in scenario search:")
	assert.Contains(t, *result.Exception, "* error: boom")
	assert.Zero(t, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
}

func TestDependencyChainSkipsDownstreamOfFailure(t *testing.T) {
	e := engine.New()
	e.AddScenario(passingScenario("setup"))
	e.AddScenario(failingScenario("load", scenario.WithDependencies("setup")))
	e.AddScenario(passingScenario("teardown", scenario.WithDependencies("load")))

	collected := runTest(t, startCluster(t, e), nil)

	assertMessage(t, collected, "Collected 3 Scenario(s)")
	assertMessage(t, collected, "Finished Scenario: setup")
	assertMessage(t, collected, "Skipped Scenario: teardown")

	assert.Nil(t, collected.result(t, "setup").Exception)

	loadResult := collected.result(t, "load")
	require.NotNil(t, loadResult.Exception)

	skipped := collected.result(t, "teardown")
	require.NotNil(t, skipped.Exception)
	assert.Equal(t, "Skipped", *skipped.Exception)
}

func TestTagsFilterScenarios(t *testing.T) {
	e := engine.New()
	e.AddScenario(passingScenario("tagged", scenario.WithTags("smoke")))
	e.AddScenario(passingScenario("untagged"))

	collected := runTest(t, startCluster(t, e), []string{"smoke"})

	assertMessage(t, collected, "Collected 1 Scenario(s)")
	assertMessage(t, collected, "Finished Scenario: tagged")

	_, ok := collected.results["untagged"]
	assert.False(t, ok, "untagged scenario must not run")
}

func TestLiveMetricsReachTheController(t *testing.T) {
	e := engine.New()
	e.AddScenario(passingScenario("checkout"))

	collected := runTest(t, startCluster(t, e), nil)

	metrics, ok := collected.metrics["checkout"]
	require.True(t, ok, "no metric events observed for checkout")

	for _, display := range []string{"runtimes", "results_per_second", "success_rate"} {
		assert.Contains(t, metrics, display, fmt.Sprintf("missing display %s", display))
	}
}

func TestScenarioResultIsMovedExactlyOnce(t *testing.T) {
	e := engine.New()
	e.AddScenario(passingScenario("checkout"))

	c := startCluster(t, e)
	collected := runTest(t, c, nil)

	// the runner already moved the one-shot result while driving the
	// test, so the stream carries it in the finish event context
	result := collected.result(t, "checkout")
	assert.Nil(t, result.Exception)

	finishedCount := 0

	for _, kind := range collected.kinds {
		if kind == types.ScenarioFinishedEvent {
			finishedCount++
		}
	}

	assert.Equal(t, 1, finishedCount)
}
