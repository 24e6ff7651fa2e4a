package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cicadatesting/cicada/pkg/types"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error

	postgresOnce sync.Once
	postgresURL  string
	postgresErr  error
)

// redisTestClient starts a shared redis container once per package and
// returns a client against a database unique to the calling test.
func redisTestClient(t *testing.T) *redis.Client {
	t.Helper()

	redisOnce.Do(func() {
		ctx := context.Background()

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})

		if err != nil {
			redisErr = fmt.Errorf("failed to start redis container: %w", err)
			return
		}

		endpoint, err := container.Endpoint(ctx, "")

		if err != nil {
			redisErr = fmt.Errorf("failed to get redis endpoint: %w", err)
			return
		}

		redisAddr = endpoint
	})

	require.NoError(t, redisErr)

	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})

	return client
}

// postgresTestURL starts a shared postgres container once per package.
func postgresTestURL(t *testing.T) string {
	t.Helper()

	postgresOnce.Do(func() {
		ctx := context.Background()

		container, err := tcpostgres.Run(ctx,
			"postgres:17-alpine",
			tcpostgres.WithDatabase("cicada"),
			tcpostgres.WithUsername("cicada"),
			tcpostgres.WithPassword("cicada"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)

		if err != nil {
			postgresErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		connStr, err := container.ConnectionString(ctx, "sslmode=disable")

		if err != nil {
			postgresErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}

		postgresURL = connStr
	})

	require.NoError(t, postgresErr)

	return postgresURL
}

func TestRedisDatastoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed tests in short mode")
	}

	store := NewRedisDatastore(redisTestClient(t))
	runDatastoreSuite(t, store)
}

func TestPostgresDatastoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed tests in short mode")
	}

	store, err := NewPostgresDatastore(context.Background(), postgresTestURL(t))
	require.NoError(t, err)

	t.Cleanup(store.Close)

	runDatastoreSuite(t, store)
}

// runDatastoreSuite exercises the shared behavioral contract against a
// real backing store.
func runDatastoreSuite(t *testing.T, store Datastore) {
	ctx := context.Background()

	newScenario := func(t *testing.T, usersPerInstance int) (string, string) {
		t.Helper()

		testID, err := store.CreateTest(ctx, "localhost:8283", json.RawMessage(`{"mode":"LOCAL"}`), nil, nil)
		require.NoError(t, err)

		scenarioID, err := store.CreateScenario(ctx, testID, "checkout", types.DefaultEncodedContext(), usersPerInstance, nil)
		require.NoError(t, err)

		return testID, scenarioID
	}

	t.Run("records round trip", func(t *testing.T) {
		testID, err := store.CreateTest(
			ctx,
			"cicada-distributed-backend:8283",
			json.RawMessage(`{"mode":"DOCKER","image":"cicada:latest"}`),
			[]string{"smoke"},
			map[string]string{"API_KEY": "k"},
		)
		require.NoError(t, err)

		test, err := store.GetTest(ctx, testID)
		require.NoError(t, err)
		assert.Equal(t, "cicada-distributed-backend:8283", test.BackendAddress)
		assert.Equal(t, []string{"smoke"}, test.Tags)
		assert.Equal(t, map[string]string{"API_KEY": "k"}, test.Env)
		assert.JSONEq(t, `{"mode":"DOCKER","image":"cicada:latest"}`, string(test.SchedulingMetadata))

		scenarioID, err := store.CreateScenario(ctx, testID, "checkout", types.DefaultEncodedContext(), 50, []string{"smoke"})
		require.NoError(t, err)

		scenario, err := store.GetScenario(ctx, scenarioID)
		require.NoError(t, err)
		assert.Equal(t, testID, scenario.TestID)
		assert.Equal(t, "checkout", scenario.Name)
		assert.Equal(t, 50, scenario.UsersPerInstance)

		_, err = store.GetTest(ctx, "cicada-test-missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("user lifecycle", func(t *testing.T) {
		_, scenarioID := newScenario(t, 3)

		first, err := store.CreateUsers(ctx, scenarioID, 2)
		require.NoError(t, err)
		require.Len(t, first, 1)

		second, err := store.CreateUsers(ctx, scenarioID, 4)
		require.NoError(t, err)
		require.Len(t, second, 1)

		events, err := store.GetUserEvents(ctx, first[0], types.StartUsersEvent)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Len(t, events[0].Payload.IDs, 2)
		assert.Len(t, events[1].Payload.IDs, 1)

		stopped, err := store.StopUsers(ctx, scenarioID, 6)
		require.NoError(t, err)
		assert.ElementsMatch(t, append(first, second...), stopped)
	})

	t.Run("work distribution and buffering", func(t *testing.T) {
		_, scenarioID := newScenario(t, 50)

		require.NoError(t, store.DistributeWork(ctx, scenarioID, 5))

		managers, err := store.CreateUsers(ctx, scenarioID, 1)
		require.NoError(t, err)
		require.Len(t, managers, 1)

		work, err := store.GetUserWork(ctx, managers[0])
		require.NoError(t, err)
		assert.Equal(t, 5, work)

		require.NoError(t, store.DistributeWork(ctx, scenarioID, 7))

		work, err = store.GetUserWork(ctx, managers[0])
		require.NoError(t, err)
		assert.Equal(t, 7, work)

		work, err = store.GetUserWork(ctx, managers[0])
		require.NoError(t, err)
		assert.Equal(t, 0, work)
	})

	t.Run("results and scenario result", func(t *testing.T) {
		_, scenarioID := newScenario(t, 50)

		managers, err := store.CreateUsers(ctx, scenarioID, 1)
		require.NoError(t, err)

		require.NoError(t, store.AddUserResults(ctx, managers[0], []types.Result{
			{ID: "r1", Output: json.RawMessage(`1`), TimeTaken: 0.5},
			{ID: "r2", Exception: types.StringPtr("boom")},
		}))

		moved, err := store.MoveUserResults(ctx, scenarioID, 1)
		require.NoError(t, err)
		require.Len(t, moved, 1)
		assert.Equal(t, "r1", moved[0].ID)

		moved, err = store.MoveUserResults(ctx, scenarioID, 10)
		require.NoError(t, err)
		require.Len(t, moved, 1)
		assert.Equal(t, "r2", moved[0].ID)

		_, err = store.MoveScenarioResult(ctx, scenarioID)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.SetScenarioResult(ctx, scenarioID, json.RawMessage(`{"ok":true}`), nil, "logs", 2.5, 1, 1))

		result, err := store.MoveScenarioResult(ctx, scenarioID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(result.Output))
		assert.Equal(t, 1, result.Succeeded)

		_, err = store.MoveScenarioResult(ctx, scenarioID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("test events drain in order", func(t *testing.T) {
		testID, _ := newScenario(t, 50)

		started, err := types.NewStatusEvent(types.TestStartedEvent, types.TestStatus{Message: "Collected 2 Scenario(s)"})
		require.NoError(t, err)
		finished, err := types.NewStatusEvent(types.TestFinishedEvent, types.TestStatus{Message: "Finished running 2 Scenario(s)"})
		require.NoError(t, err)

		require.NoError(t, store.AddTestEvent(ctx, testID, started))
		require.NoError(t, store.AddTestEvent(ctx, testID, finished))

		events, err := store.GetTestEvents(ctx, testID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, types.TestStartedEvent, events[0].Kind)
		assert.Equal(t, types.TestFinishedEvent, events[1].Kind)

		events, err = store.GetTestEvents(ctx, testID)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("metric aggregates", func(t *testing.T) {
		_, scenarioID := newScenario(t, 50)

		_, err := store.GetMetricTotal(ctx, scenarioID, "runtime")
		assert.ErrorIs(t, err, ErrNotFound)

		for _, value := range []float64{3, 1, 2, 4} {
			require.NoError(t, store.AddMetric(ctx, scenarioID, "runtime", value))
		}

		total, err := store.GetMetricTotal(ctx, scenarioID, "runtime")
		require.NoError(t, err)
		assert.InDelta(t, 10.0, total, 1e-9)

		last, err := store.GetLastMetric(ctx, scenarioID, "runtime")
		require.NoError(t, err)
		assert.Equal(t, 4.0, last)

		stats, err := store.GetMetricStatistics(ctx, scenarioID, "runtime")
		require.NoError(t, err)
		assert.Equal(t, 1.0, stats.Min)
		assert.Equal(t, 4.0, stats.Max)
		assert.InDelta(t, 2.5, stats.Median, 1e-9)
		assert.InDelta(t, 2.5, stats.Average, 1e-9)
		assert.Equal(t, int64(4), stats.Len)

		rate, err := store.GetMetricRate(ctx, scenarioID, "runtime", 2)
		require.NoError(t, err)
		assert.InDelta(t, 0.75, rate, 1e-9)
	})
}
