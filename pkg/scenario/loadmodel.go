package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cicadatesting/cicada/pkg/types"
)

// ErrWaitingForResults fails a load model whose deadline passed before
// enough results arrived.
var ErrWaitingForResults = errors.New("Timed out waiting for results")

const (
	resultPollTimeout = time.Second
	resultPollLimit   = 500
)

// pollCycle is the shared body of every load model cycle: drain the
// latest results, fold them into the aggregate, verify, and collect
// metrics.
func pollCycle(ctx context.Context, commands Commands) ([]types.Result, error) {
	latest, err := commands.GetLatestResults(ctx, resultPollTimeout, resultPollLimit)

	if err != nil {
		return nil, err
	}

	commands.AggregateResults(latest)
	commands.VerifyResults(latest)

	if err := commands.CollectMetrics(ctx, latest); err != nil {
		return nil, err
	}

	return latest, nil
}

// NIterations shares a fixed number of invocations across a pool of
// users. A zero timeout waits indefinitely.
func NIterations(iterations, users int, waitPeriod, timeout time.Duration, skipScaledown bool) LoadModel {
	return func(ctx context.Context, commands Commands, testContext types.TestContext) error {
		if err := commands.ScaleUsers(ctx, users); err != nil {
			return err
		}

		if err := commands.AddWork(ctx, iterations); err != nil {
			return err
		}

		collected := 0
		start := time.Now()

		for collected < iterations {
			if timeout > 0 && time.Since(start) > timeout {
				if err := commands.ScaleUsers(ctx, 0); err != nil {
					return err
				}

				return ErrWaitingForResults
			}

			latest, err := pollCycle(ctx, commands)

			if err != nil {
				return err
			}

			collected += len(latest)

			if !sleep(ctx, waitPeriod) {
				return ctx.Err()
			}
		}

		if skipScaledown {
			return nil
		}

		return commands.ScaleUsers(ctx, 0)
	}
}

// RunScenarioOnce runs the scenario with a single user until one clean
// result arrives, retrying failed attempts until the timeout passes.
func RunScenarioOnce(waitPeriod, timeout time.Duration) LoadModel {
	return func(ctx context.Context, commands Commands, testContext types.TestContext) error {
		if err := commands.ScaleUsers(ctx, 1); err != nil {
			return err
		}

		if err := commands.AddWork(ctx, 1); err != nil {
			return err
		}

		start := time.Now()

		for time.Since(start) < timeout {
			if _, err := pollCycle(ctx, commands); err != nil {
				return err
			}

			if len(commands.Errors()) == 0 && commands.NumResultsCollected() > 0 {
				break
			}

			if !sleep(ctx, waitPeriod) {
				return ctx.Err()
			}

			if err := commands.AddWork(ctx, 1); err != nil {
				return err
			}
		}

		return commands.ScaleUsers(ctx, 0)
	}
}

// NSeconds holds a pool of users for a fixed duration. Pair it with
// the WhileAlive user loop.
func NSeconds(duration time.Duration, users int, waitPeriod time.Duration, skipScaledown bool) LoadModel {
	return func(ctx context.Context, commands Commands, testContext types.TestContext) error {
		if err := commands.ScaleUsers(ctx, users); err != nil {
			return err
		}

		start := time.Now()

		for {
			if _, err := pollCycle(ctx, commands); err != nil {
				return err
			}

			if time.Since(start) > duration {
				break
			}

			if !sleep(ctx, waitPeriod) {
				return ctx.Err()
			}
		}

		if skipScaledown {
			return nil
		}

		return commands.ScaleUsers(ctx, 0)
	}
}

// NUsersRamping scales smoothly from the current pool size to
// targetUsers over the given duration, carrying fractional users in a
// buffer between cycles. With skipScaledown the pool is left at
// exactly targetUsers.
func NUsersRamping(duration time.Duration, targetUsers int, waitPeriod time.Duration, skipScaledown bool) LoadModel {
	return func(ctx context.Context, commands Commands, testContext types.TestContext) error {
		start := time.Now()
		startingUsers := commands.NumUsers()
		steps := int(duration / waitPeriod)

		if steps < 1 {
			steps = 1
		}

		buffered := 0.0

		for !time.Now().After(start.Add(duration)) {
			if startingUsers > targetUsers {
				buffered += float64(startingUsers-targetUsers) / float64(steps)

				if whole := int(buffered); whole > 0 {
					if err := commands.StopUsers(ctx, whole); err != nil {
						return err
					}

					buffered -= float64(whole)
				}
			} else {
				buffered += float64(targetUsers-startingUsers) / float64(steps)

				if whole := int(buffered); whole > 0 {
					if err := commands.StartUsers(ctx, whole); err != nil {
						return err
					}

					buffered -= float64(whole)
				}
			}

			if _, err := pollCycle(ctx, commands); err != nil {
				return err
			}

			if !sleep(ctx, waitPeriod) {
				return ctx.Err()
			}
		}

		if skipScaledown {
			return commands.ScaleUsers(ctx, targetUsers)
		}

		return commands.ScaleUsers(ctx, 0)
	}
}

// RampConfig tunes RampUsersToThreshold.
type RampConfig struct {
	// NextUsers computes the next pool size from the current one.
	// Defaults to adding 10 users.
	NextUsers func(current int) int

	// UpdateAggregate overwrites the final aggregate once the
	// threshold is reached. Defaults to "Users: N".
	UpdateAggregate func(users int, aggregated any) any

	// PeriodDuration is the time between scaling events.
	PeriodDuration time.Duration

	// PeriodLimit caps the number of scaling events; zero means no
	// cap.
	PeriodLimit int

	// WaitPeriod is the time between poll cycles.
	WaitPeriod time.Duration

	SkipScaledown bool
}

// RampUsersToThreshold grows the pool until the aggregate satisfies
// thresholdFn, then records the pool size that got there.
func RampUsersToThreshold(initialUsers int, thresholdFn func(aggregated any) bool, config RampConfig) LoadModel {
	nextUsers := config.NextUsers

	if nextUsers == nil {
		nextUsers = func(current int) int { return current + 10 }
	}

	updateAggregate := config.UpdateAggregate

	if updateAggregate == nil {
		updateAggregate = func(users int, aggregated any) any {
			return fmt.Sprintf("Users: %d", users)
		}
	}

	periodDuration := config.PeriodDuration

	if periodDuration <= 0 {
		periodDuration = 30 * time.Second
	}

	waitPeriod := config.WaitPeriod

	if waitPeriod <= 0 {
		waitPeriod = time.Second
	}

	return func(ctx context.Context, commands Commands, testContext types.TestContext) error {
		if err := commands.ScaleUsers(ctx, initialUsers); err != nil {
			return err
		}

		periodCount := 0
		periodStart := time.Now()

		for !thresholdFn(commands.AggregatedResults()) && (config.PeriodLimit <= 0 || periodCount < config.PeriodLimit) {
			if _, err := pollCycle(ctx, commands); err != nil {
				return err
			}

			if !sleep(ctx, waitPeriod) {
				return ctx.Err()
			}

			if !time.Now().Before(periodStart.Add(periodDuration)) {
				if err := commands.ScaleUsers(ctx, nextUsers(commands.NumUsers())); err != nil {
					return err
				}

				periodCount++
				periodStart = time.Now()
			}
		}

		commands.SetAggregatedResults(updateAggregate(commands.NumUsers(), commands.AggregatedResults()))

		if config.SkipScaledown {
			return nil
		}

		return commands.ScaleUsers(ctx, 0)
	}
}

// LoadStages chains load models sequentially and scales to zero after
// the last stage.
func LoadStages(stages ...LoadModel) LoadModel {
	return func(ctx context.Context, commands Commands, testContext types.TestContext) error {
		for _, stage := range stages {
			if err := stage(ctx, commands, testContext); err != nil {
				return err
			}
		}

		return commands.ScaleUsers(ctx, 0)
	}
}
