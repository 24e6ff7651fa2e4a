package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/cicadatesting/cicada/pkg/scenario"
	"github.com/cicadatesting/cicada/pkg/types"
)

// RunUserScheduler hosts a worker process's users: it registers users
// announced by START_USERS events, runs their loops on the pool, and
// flushes buffered results once per cycle. It returns after the
// context is cancelled, a final flush included.
func RunUserScheduler(ctx context.Context, s *scenario.Scenario, client ManagerClient, testContext types.TestContext) error {
	buffer := NewUserBuffer(client)
	pool := NewUserPool()

	for ctx.Err() == nil {
		events, err := client.GetUserEvents(ctx, types.StartUsersEvent)

		if err != nil {
			slog.Error("error polling for new users", "error", err)
		}

		for _, event := range events {
			buffer.AddUsers(event.Payload.IDs)

			for _, userID := range event.Payload.IDs {
				commands := NewUserCommands(s, userID, buffer)

				slog.Info("starting user", "userID", userID, "scenario", s.Name)

				pool.Submit(ctx, userID, func(ctx context.Context) {
					s.UserLoop(ctx, commands, testContext)
				})
			}
		}

		if err := buffer.Flush(ctx); err != nil {
			slog.Error("error flushing user results", "error", err)
		}

		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}

	pool.Wait()

	// deliver whatever the users reported before shutdown
	if err := buffer.Flush(context.WithoutCancel(ctx)); err != nil {
		slog.Error("error flushing user results on shutdown", "error", err)

		return err
	}

	return nil
}
