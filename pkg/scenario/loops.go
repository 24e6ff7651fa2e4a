package scenario

import (
	"context"
	"time"

	"github.com/cicadatesting/cicada/pkg/types"
)

// WhileHasWork runs the scenario body once per acquired work token,
// polling for work with the given timeout between attempts.
func WhileHasWork(pollingTimeout time.Duration) UserLoop {
	return func(ctx context.Context, commands UserCommands, testContext types.TestContext) {
		for ctx.Err() == nil && commands.IsUp(ctx) {
			if !commands.HasWork(ctx, pollingTimeout) {
				continue
			}

			start := time.Now()
			output, logs, err := commands.Run(ctx, testContext)
			commands.ReportResult(output, err, logs, time.Since(start).Seconds())
		}
	}
}

// WhileAlive runs the scenario body back to back until the user is
// stopped.
func WhileAlive() UserLoop {
	return func(ctx context.Context, commands UserCommands, testContext types.TestContext) {
		for ctx.Err() == nil && commands.IsUp(ctx) {
			start := time.Now()
			output, logs, err := commands.Run(ctx, testContext)
			commands.ReportResult(output, err, logs, time.Since(start).Seconds())
		}
	}
}

// IterationsPerSecondLimited runs the scenario body at most limit
// times per one-second cycle, sleeping out the remainder of each
// cycle. The cycle boundary resets regardless of how many runs fit.
func IterationsPerSecondLimited(limit int) UserLoop {
	return func(ctx context.Context, commands UserCommands, testContext types.TestContext) {
		remaining := limit
		cycleStart := time.Now()

		for ctx.Err() == nil && commands.IsUp(ctx) {
			if remaining > 0 {
				start := time.Now()
				output, logs, err := commands.Run(ctx, testContext)
				commands.ReportResult(output, err, logs, time.Since(start).Seconds())
				remaining--
			} else if !sleep(ctx, time.Until(cycleStart.Add(time.Second))) {
				return
			}

			if !time.Now().Before(cycleStart.Add(time.Second)) {
				remaining = limit
				cycleStart = time.Now()
			}
		}
	}
}
