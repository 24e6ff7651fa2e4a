package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cicadatesting/cicada/pkg/scenario"
	"github.com/cicadatesting/cicada/pkg/types"
)

// RunScenario drives one scenario's load model to completion and
// publishes its one-shot result. Verification errors fail the
// scenario only when it is configured to raise and produced no
// output.
func RunScenario(ctx context.Context, s *scenario.Scenario, testID, scenarioID string, b ScenarioRunnerBackend, testContext types.TestContext) error {
	commands := NewScenarioCommands(s, testID, scenarioID, b)

	start := time.Now()

	var output any
	var exception *string
	var logs string

	err := runLoadModel(ctx, s, commands, testContext, &logs)

	if err != nil {
		exception = types.StringPtr(err.Error())
	} else {
		if s.OutputTransformer != nil {
			output = s.OutputTransformer(commands.AggregatedResults())
		} else {
			output = commands.AggregatedResults()
		}

		if len(commands.Errors()) > 0 && isNullOutput(output) && s.RaiseException {
			lines := append(
				[]string{fmt.Sprintf("%d error(s) were raised in scenario %s:", len(commands.Errors()), s.Name)},
				commands.Errors()...,
			)
			exception = types.StringPtr(strings.Join(lines, "\n"))
		}
	}

	timeTaken := time.Since(start).Seconds()

	if exception != nil {
		slog.Error("scenario failed", "scenario", s.Name, "scenarioID", scenarioID, "exception", *exception)
	}

	// cleanup runs even when the surrounding context is cancelled
	cleanupCtx := context.WithoutCancel(ctx)

	if scaleErr := commands.ScaleUsers(cleanupCtx, 0); scaleErr != nil {
		slog.Error("error scaling down users", "scenario", s.Name, "error", scaleErr)
	}

	encodedOutput, encodeErr := encodeOutput(output)

	if encodeErr != nil && exception == nil {
		exception = types.StringPtr(encodeErr.Error())
	}

	failed := len(commands.Errors())

	return b.SetScenarioResult(
		cleanupCtx,
		encodedOutput,
		exception,
		logs,
		timeTaken,
		commands.NumResultsCollected()-failed,
		failed,
	)
}

// runLoadModel executes the load model, translating a panic into an
// error with the stack captured into the scenario's logs.
func runLoadModel(ctx context.Context, s *scenario.Scenario, commands *ScenarioCommands, testContext types.TestContext, logs *string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			*logs = fmt.Sprintf("panic while running scenario %s:\n%s", s.Name, debug.Stack())
		}
	}()

	return s.LoadModel(ctx, commands, testContext)
}

// isNullOutput reports whether the aggregate carries no data. The
// default aggregator hands through the last result's raw output, which
// is empty when that result failed.
func isNullOutput(output any) bool {
	if output == nil {
		return true
	}

	raw, ok := output.(json.RawMessage)

	return ok && len(raw) == 0
}

func encodeOutput(output any) (json.RawMessage, error) {
	if isNullOutput(output) {
		return nil, nil
	}

	if raw, ok := output.(json.RawMessage); ok {
		return raw, nil
	}

	encoded, err := json.Marshal(output)

	if err != nil {
		return nil, fmt.Errorf("error encoding scenario output: %w", err)
	}

	return encoded, nil
}
