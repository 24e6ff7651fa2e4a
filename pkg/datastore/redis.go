package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cicadatesting/cicada/pkg/types"
)

const redisRecordTTL = time.Hour

// RedisDatastore stores test state in redis so that multiple backend
// replicas can share it. Queues are lists, manager registries are
// hashes, and metric series are sorted sets plus counters.
type RedisDatastore struct {
	client *redis.Client
}

var _ Datastore = (*RedisDatastore)(nil)

// NewRedisDatastore wraps an existing redis client.
func NewRedisDatastore(client *redis.Client) *RedisDatastore {
	return &RedisDatastore{client: client}
}

func testEventsKey(testID string) string {
	return fmt.Sprintf("%s-test-events", testID)
}

func userResultsKey(userManagerID string) string {
	return fmt.Sprintf("%s-results", userManagerID)
}

func userWorkKey(userManagerID string) string {
	return fmt.Sprintf("%s-work", userManagerID)
}

func userEventsKey(userManagerID, kind string) string {
	return fmt.Sprintf("%s-user-events-%s", userManagerID, kind)
}

func scenarioResultKey(scenarioID string) string {
	return fmt.Sprintf("%s-result", scenarioID)
}

func scenarioManagersKey(scenarioID string) string {
	return fmt.Sprintf("%s-user-managers", scenarioID)
}

func bufferedWorkKey(scenarioID string) string {
	return fmt.Sprintf("%s-buffered-work", scenarioID)
}

func bufferedEventsKey(scenarioID string) string {
	return fmt.Sprintf("%s-buffered-events", scenarioID)
}

func metricSetKey(scenarioID, name string) string {
	return fmt.Sprintf("%s-%s-metrics-set", scenarioID, name)
}

func metricTotalKey(scenarioID, name string) string {
	return fmt.Sprintf("%s-%s-metrics-inc", scenarioID, name)
}

func metricLastKey(scenarioID, name string) string {
	return fmt.Sprintf("%s-%s-metrics-last", scenarioID, name)
}

func (d *RedisDatastore) setJSON(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)

	if err != nil {
		return fmt.Errorf("error marshalling %s: %w", key, err)
	}

	return d.client.Set(ctx, key, b, redisRecordTTL).Err()
}

func (d *RedisDatastore) getJSON(ctx context.Context, key string, out any) error {
	b, err := d.client.Get(ctx, key).Bytes()

	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}

	if err != nil {
		return fmt.Errorf("error getting %s: %w", key, err)
	}

	return json.Unmarshal(b, out)
}

func (d *RedisDatastore) CreateTest(
	ctx context.Context,
	backendAddress string,
	schedulingMetadata json.RawMessage,
	tags []string,
	env map[string]string,
) (string, error) {
	testID := newTestID()

	test := Test{
		ID:                 testID,
		BackendAddress:     backendAddress,
		SchedulingMetadata: schedulingMetadata,
		Tags:               tags,
		Env:                env,
	}

	if err := d.setJSON(ctx, testID, test); err != nil {
		return "", err
	}

	return testID, nil
}

func (d *RedisDatastore) GetTest(ctx context.Context, testID string) (*Test, error) {
	test := Test{}

	if err := d.getJSON(ctx, testID, &test); err != nil {
		return nil, err
	}

	return &test, nil
}

func (d *RedisDatastore) CreateScenario(
	ctx context.Context,
	testID, name, encodedContext string,
	usersPerInstance int,
	tags []string,
) (string, error) {
	if _, err := d.GetTest(ctx, testID); err != nil {
		return "", err
	}

	scenarioID := newScenarioID()

	scenario := Scenario{
		ID:               scenarioID,
		TestID:           testID,
		Name:             name,
		Context:          encodedContext,
		UsersPerInstance: usersPerInstance,
		Tags:             tags,
	}

	if err := d.setJSON(ctx, scenarioID, scenario); err != nil {
		return "", err
	}

	return scenarioID, nil
}

func (d *RedisDatastore) GetScenario(ctx context.Context, scenarioID string) (*Scenario, error) {
	scenario := Scenario{}

	if err := d.getJSON(ctx, scenarioID, &scenario); err != nil {
		return nil, err
	}

	return &scenario, nil
}

func (d *RedisDatastore) getManagerUsers(ctx context.Context, scenarioID string) (map[string][]string, []string, error) {
	entries, err := d.client.HGetAll(ctx, scenarioManagersKey(scenarioID)).Result()

	if err != nil {
		return nil, nil, fmt.Errorf("error getting managers for %s: %w", scenarioID, err)
	}

	users := make(map[string][]string, len(entries))
	order := make([]string, 0, len(entries))

	for managerID, raw := range entries {
		userIDs := []string{}

		if err := json.Unmarshal([]byte(raw), &userIDs); err != nil {
			return nil, nil, fmt.Errorf("error loading users for manager %s: %w", managerID, err)
		}

		users[managerID] = userIDs
		order = append(order, managerID)
	}

	return users, order, nil
}

func (d *RedisDatastore) setManagerUsers(ctx context.Context, scenarioID, managerID string, userIDs []string) error {
	b, err := json.Marshal(userIDs)

	if err != nil {
		return fmt.Errorf("error marshalling user ids: %w", err)
	}

	return d.client.HSet(ctx, scenarioManagersKey(scenarioID), managerID, b).Err()
}

func (d *RedisDatastore) pushUserEvent(ctx context.Context, userManagerID string, event types.UserEvent) error {
	b, err := json.Marshal(event)

	if err != nil {
		return fmt.Errorf("error marshalling user event: %w", err)
	}

	return d.client.RPush(ctx, userEventsKey(userManagerID, event.Kind), b).Err()
}

func (d *RedisDatastore) CreateUsers(ctx context.Context, scenarioID string, amount int) ([]string, error) {
	scenario, err := d.GetScenario(ctx, scenarioID)

	if err != nil {
		return nil, err
	}

	if amount < 1 {
		return []string{}, nil
	}

	managerUsers, order, err := d.getManagerUsers(ctx, scenarioID)

	if err != nil {
		return nil, err
	}

	usersToCreate := map[string][]string{}
	newManagers := []string{}
	remaining := amount

	for _, managerID := range order {
		userIDs := managerUsers[managerID]
		available := scenario.UsersPerInstance - len(userIDs)

		for remaining > 0 && available > 0 {
			userID := newUserID()

			usersToCreate[managerID] = append(usersToCreate[managerID], userID)
			userIDs = append(userIDs, userID)

			remaining--
			available--
		}

		if err := d.setManagerUsers(ctx, scenarioID, managerID, userIDs); err != nil {
			return nil, err
		}
	}

	for remaining > 0 {
		managerID := newUserManagerID()
		count := min(scenario.UsersPerInstance, remaining)
		userIDs := make([]string, 0, count)

		for i := 0; i < count; i++ {
			userIDs = append(userIDs, newUserID())
		}

		usersToCreate[managerID] = userIDs
		newManagers = append(newManagers, managerID)

		if err := d.setManagerUsers(ctx, scenarioID, managerID, userIDs); err != nil {
			return nil, err
		}

		remaining -= count
	}

	for managerID, userIDs := range usersToCreate {
		event := types.UserEvent{
			Kind:    types.StartUsersEvent,
			Payload: types.UserEventPayload{IDs: userIDs},
		}

		if err := d.pushUserEvent(ctx, managerID, event); err != nil {
			return nil, err
		}
	}

	if err := d.flushBufferedWork(ctx, scenarioID); err != nil {
		return nil, err
	}

	if err := d.flushBufferedEvents(ctx, scenarioID); err != nil {
		return nil, err
	}

	return newManagers, nil
}

func (d *RedisDatastore) StopUsers(ctx context.Context, scenarioID string, amount int) ([]string, error) {
	if _, err := d.GetScenario(ctx, scenarioID); err != nil {
		return nil, err
	}

	managerUsers, order, err := d.getManagerUsers(ctx, scenarioID)

	if err != nil {
		return nil, err
	}

	stoppedManagers := []string{}
	remaining := amount

	for _, managerID := range order {
		if remaining < 1 {
			break
		}

		userIDs := managerUsers[managerID]
		removeCount := min(remaining, len(userIDs))
		removed := userIDs[:removeCount]
		kept := userIDs[removeCount:]

		event := types.UserEvent{
			Kind:    types.StopUsersEvent,
			Payload: types.UserEventPayload{IDs: removed},
		}

		if err := d.pushUserEvent(ctx, managerID, event); err != nil {
			return nil, err
		}

		if len(kept) < 1 {
			if err := d.client.HDel(ctx, scenarioManagersKey(scenarioID), managerID).Err(); err != nil {
				return nil, fmt.Errorf("error removing manager %s: %w", managerID, err)
			}

			stoppedManagers = append(stoppedManagers, managerID)
		} else if err := d.setManagerUsers(ctx, scenarioID, managerID, kept); err != nil {
			return nil, err
		}

		remaining -= removeCount
	}

	return stoppedManagers, nil
}

func (d *RedisDatastore) DistributeWork(ctx context.Context, scenarioID string, amount int) error {
	if _, err := d.GetScenario(ctx, scenarioID); err != nil {
		return err
	}

	return d.distributeWork(ctx, scenarioID, amount)
}

func (d *RedisDatastore) distributeWork(ctx context.Context, scenarioID string, amount int) error {
	managers, err := d.client.HKeys(ctx, scenarioManagersKey(scenarioID)).Result()

	if err != nil {
		return fmt.Errorf("error getting managers for %s: %w", scenarioID, err)
	}

	if len(managers) < 1 {
		return d.client.IncrBy(ctx, bufferedWorkKey(scenarioID), int64(amount)).Err()
	}

	rand.Shuffle(len(managers), func(i, j int) {
		managers[i], managers[j] = managers[j], managers[i]
	})

	base := amount / len(managers)
	remainder := amount % len(managers)

	for i, managerID := range managers {
		share := base

		if i < remainder {
			share++
		}

		if share < 1 {
			continue
		}

		if err := d.client.IncrBy(ctx, userWorkKey(managerID), int64(share)).Err(); err != nil {
			return fmt.Errorf("error adding work for %s: %w", managerID, err)
		}
	}

	return nil
}

func (d *RedisDatastore) flushBufferedWork(ctx context.Context, scenarioID string) error {
	raw, err := d.client.GetDel(ctx, bufferedWorkKey(scenarioID)).Result()

	if errors.Is(err, redis.Nil) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("error getting buffered work: %w", err)
	}

	amount, err := strconv.Atoi(raw)

	if err != nil {
		return fmt.Errorf("error parsing buffered work: %w", err)
	}

	if amount < 1 {
		return nil
	}

	return d.distributeWork(ctx, scenarioID, amount)
}

func (d *RedisDatastore) flushBufferedEvents(ctx context.Context, scenarioID string) error {
	entries, err := d.client.LRange(ctx, bufferedEventsKey(scenarioID), 0, -1).Result()

	if err != nil {
		return fmt.Errorf("error getting buffered events: %w", err)
	}

	if len(entries) < 1 {
		return nil
	}

	if err := d.client.Del(ctx, bufferedEventsKey(scenarioID)).Err(); err != nil {
		return fmt.Errorf("error clearing buffered events: %w", err)
	}

	managers, err := d.client.HKeys(ctx, scenarioManagersKey(scenarioID)).Result()

	if err != nil {
		return fmt.Errorf("error getting managers for %s: %w", scenarioID, err)
	}

	for _, raw := range entries {
		event := types.UserEvent{}

		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return fmt.Errorf("error loading buffered event: %w", err)
		}

		for _, managerID := range managers {
			if err := d.pushUserEvent(ctx, managerID, event); err != nil {
				return err
			}
		}
	}

	return nil
}

func (d *RedisDatastore) GetUserWork(ctx context.Context, userManagerID string) (int, error) {
	raw, err := d.client.GetDel(ctx, userWorkKey(userManagerID)).Result()

	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("error getting work for %s: %w", userManagerID, err)
	}

	return strconv.Atoi(raw)
}

func (d *RedisDatastore) AddUserEvent(ctx context.Context, scenarioID string, event types.UserEvent) error {
	if _, err := d.GetScenario(ctx, scenarioID); err != nil {
		return err
	}

	managers, err := d.client.HKeys(ctx, scenarioManagersKey(scenarioID)).Result()

	if err != nil {
		return fmt.Errorf("error getting managers for %s: %w", scenarioID, err)
	}

	if len(managers) < 1 {
		b, err := json.Marshal(event)

		if err != nil {
			return fmt.Errorf("error marshalling user event: %w", err)
		}

		return d.client.RPush(ctx, bufferedEventsKey(scenarioID), b).Err()
	}

	for _, managerID := range managers {
		if err := d.pushUserEvent(ctx, managerID, event); err != nil {
			return err
		}
	}

	return nil
}

func (d *RedisDatastore) GetUserEvents(ctx context.Context, userManagerID, kind string) ([]types.UserEvent, error) {
	key := userEventsKey(userManagerID, kind)

	pipe := d.client.TxPipeline()
	entries := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("error draining events for %s: %w", userManagerID, err)
	}

	events := []types.UserEvent{}

	for _, raw := range entries.Val() {
		event := types.UserEvent{}

		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, fmt.Errorf("error loading user event: %w", err)
		}

		events = append(events, event)
	}

	return events, nil
}

func (d *RedisDatastore) AddUserResults(ctx context.Context, userManagerID string, results []types.Result) error {
	for _, result := range results {
		b, err := json.Marshal(result)

		if err != nil {
			return fmt.Errorf("error marshalling result: %w", err)
		}

		if err := d.client.RPush(ctx, userResultsKey(userManagerID), b).Err(); err != nil {
			return fmt.Errorf("error adding result: %w", err)
		}
	}

	return nil
}

func (d *RedisDatastore) MoveUserResults(ctx context.Context, scenarioID string, limit int) ([]types.Result, error) {
	if _, err := d.GetScenario(ctx, scenarioID); err != nil {
		return nil, err
	}

	managers, err := d.client.HKeys(ctx, scenarioManagersKey(scenarioID)).Result()

	if err != nil {
		return nil, fmt.Errorf("error getting managers for %s: %w", scenarioID, err)
	}

	results := []types.Result{}
	remaining := limit

	for _, managerID := range managers {
		if remaining < 1 {
			break
		}

		entries, err := d.client.LPopCount(ctx, userResultsKey(managerID), remaining).Result()

		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("error popping results for %s: %w", managerID, err)
		}

		for _, raw := range entries {
			result := types.Result{}

			if err := json.Unmarshal([]byte(raw), &result); err != nil {
				return nil, fmt.Errorf("error loading result: %w", err)
			}

			results = append(results, result)
			remaining--
		}
	}

	return results, nil
}

func (d *RedisDatastore) SetScenarioResult(
	ctx context.Context,
	scenarioID string,
	output json.RawMessage,
	exception *string,
	logs string,
	timeTaken float64,
	succeeded, failed int,
) error {
	if _, err := d.GetScenario(ctx, scenarioID); err != nil {
		return err
	}

	result := types.ScenarioResult{
		ID:        uuid.NewString(),
		Output:    output,
		Exception: exception,
		Logs:      logs,
		Timestamp: time.Now(),
		TimeTaken: timeTaken,
		Succeeded: succeeded,
		Failed:    failed,
	}

	return d.setJSON(ctx, scenarioResultKey(scenarioID), result)
}

func (d *RedisDatastore) MoveScenarioResult(ctx context.Context, scenarioID string) (*types.ScenarioResult, error) {
	raw, err := d.client.GetDel(ctx, scenarioResultKey(scenarioID)).Result()

	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("error getting scenario result: %w", err)
	}

	result := types.ScenarioResult{}

	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("error loading scenario result: %w", err)
	}

	return &result, nil
}

func (d *RedisDatastore) AddTestEvent(ctx context.Context, testID string, event types.TestEvent) error {
	b, err := json.Marshal(event)

	if err != nil {
		return fmt.Errorf("error marshalling test event: %w", err)
	}

	return d.client.RPush(ctx, testEventsKey(testID), b).Err()
}

func (d *RedisDatastore) GetTestEvents(ctx context.Context, testID string) ([]types.TestEvent, error) {
	key := testEventsKey(testID)

	pipe := d.client.TxPipeline()
	entries := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("error draining test events: %w", err)
	}

	events := []types.TestEvent{}

	for _, raw := range entries.Val() {
		event := types.TestEvent{}

		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, fmt.Errorf("error loading test event: %w", err)
		}

		events = append(events, event)
	}

	return events, nil
}

func (d *RedisDatastore) AddMetric(ctx context.Context, scenarioID, name string, value float64) error {
	member := redis.Z{Score: value, Member: uuid.NewString()}

	if err := d.client.ZAdd(ctx, metricSetKey(scenarioID, name), member).Err(); err != nil {
		return fmt.Errorf("error adding metric sample: %w", err)
	}

	if err := d.client.IncrByFloat(ctx, metricTotalKey(scenarioID, name), value).Err(); err != nil {
		return fmt.Errorf("error incrementing metric total: %w", err)
	}

	return d.client.Set(ctx, metricLastKey(scenarioID, name), value, redisRecordTTL).Err()
}

func (d *RedisDatastore) GetMetricTotal(ctx context.Context, scenarioID, name string) (float64, error) {
	raw, err := d.client.Get(ctx, metricTotalKey(scenarioID, name)).Float64()

	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("error getting metric total: %w", err)
	}

	return raw, nil
}

func (d *RedisDatastore) GetLastMetric(ctx context.Context, scenarioID, name string) (float64, error) {
	raw, err := d.client.Get(ctx, metricLastKey(scenarioID, name)).Float64()

	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("error getting last metric: %w", err)
	}

	return raw, nil
}

func (d *RedisDatastore) GetMetricStatistics(ctx context.Context, scenarioID, name string) (*types.MetricStatistics, error) {
	key := metricSetKey(scenarioID, name)

	count, err := d.client.ZCard(ctx, key).Result()

	if err != nil {
		return nil, fmt.Errorf("error getting metric count: %w", err)
	}

	if count < 1 {
		return nil, ErrNotFound
	}

	low, err := d.client.ZRangeWithScores(ctx, key, 0, 0).Result()

	if err != nil {
		return nil, fmt.Errorf("error getting metric min: %w", err)
	}

	high, err := d.client.ZRangeWithScores(ctx, key, -1, -1).Result()

	if err != nil {
		return nil, fmt.Errorf("error getting metric max: %w", err)
	}

	middle, err := d.client.ZRangeWithScores(ctx, key, count/2, count/2).Result()

	if err != nil {
		return nil, fmt.Errorf("error getting metric median: %w", err)
	}

	median := middle[0].Score

	if count%2 == 0 {
		lower, err := d.client.ZRangeWithScores(ctx, key, count/2-1, count/2-1).Result()

		if err != nil {
			return nil, fmt.Errorf("error getting metric median: %w", err)
		}

		median = (lower[0].Score + median) / 2
	}

	total, err := d.GetMetricTotal(ctx, scenarioID, name)

	if err != nil {
		return nil, err
	}

	return &types.MetricStatistics{
		Min:     low[0].Score,
		Max:     high[0].Score,
		Median:  median,
		Average: total / float64(count),
		Len:     count,
	}, nil
}

func (d *RedisDatastore) GetMetricRate(ctx context.Context, scenarioID, name string, splitPoint float64) (float64, error) {
	key := metricSetKey(scenarioID, name)

	count, err := d.client.ZCard(ctx, key).Result()

	if err != nil {
		return 0, fmt.Errorf("error getting metric count: %w", err)
	}

	if count < 1 {
		return 0, ErrNotFound
	}

	above, err := d.client.ZCount(ctx, key, strconv.FormatFloat(splitPoint, 'f', -1, 64), "+inf").Result()

	if err != nil {
		return 0, fmt.Errorf("error counting metric range: %w", err)
	}

	return float64(above) / float64(count), nil
}
