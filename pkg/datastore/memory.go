package datastore

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cicadatesting/cicada/pkg/types"
)

// MemoryDatastore keeps all state in process memory. It is the default
// store for single-node backends and for tests.
type MemoryDatastore struct {
	mu sync.Mutex

	tests     map[string]Test
	scenarios map[string]Scenario

	// per scenario, managers in creation order with their assigned users
	managerOrder map[string][]string
	managerUsers map[string]map[string][]string

	userEvents     map[string]map[string][]types.UserEvent
	userWork       map[string]int
	userResults    map[string][]types.Result
	bufferedWork   map[string]int
	bufferedEvents map[string][]types.UserEvent

	testEvents      map[string][]types.TestEvent
	scenarioResults map[string]types.ScenarioResult

	metrics map[string]*metricSeries
}

type metricSeries struct {
	sorted []float64
	total  float64
	last   float64
}

var _ Datastore = (*MemoryDatastore)(nil)

// NewMemoryDatastore returns an empty in-memory store.
func NewMemoryDatastore() *MemoryDatastore {
	return &MemoryDatastore{
		tests:           make(map[string]Test),
		scenarios:       make(map[string]Scenario),
		managerOrder:    make(map[string][]string),
		managerUsers:    make(map[string]map[string][]string),
		userEvents:      make(map[string]map[string][]types.UserEvent),
		userWork:        make(map[string]int),
		userResults:     make(map[string][]types.Result),
		bufferedWork:    make(map[string]int),
		bufferedEvents:  make(map[string][]types.UserEvent),
		testEvents:      make(map[string][]types.TestEvent),
		scenarioResults: make(map[string]types.ScenarioResult),
		metrics:         make(map[string]*metricSeries),
	}
}

func (d *MemoryDatastore) CreateTest(
	ctx context.Context,
	backendAddress string,
	schedulingMetadata json.RawMessage,
	tags []string,
	env map[string]string,
) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	testID := newTestID()

	d.tests[testID] = Test{
		ID:                 testID,
		BackendAddress:     backendAddress,
		SchedulingMetadata: schedulingMetadata,
		Tags:               tags,
		Env:                env,
	}

	return testID, nil
}

func (d *MemoryDatastore) GetTest(ctx context.Context, testID string) (*Test, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	test, ok := d.tests[testID]

	if !ok {
		return nil, ErrNotFound
	}

	return &test, nil
}

func (d *MemoryDatastore) CreateScenario(
	ctx context.Context,
	testID, name, encodedContext string,
	usersPerInstance int,
	tags []string,
) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.tests[testID]; !ok {
		return "", ErrNotFound
	}

	scenarioID := newScenarioID()

	d.scenarios[scenarioID] = Scenario{
		ID:               scenarioID,
		TestID:           testID,
		Name:             name,
		Context:          encodedContext,
		UsersPerInstance: usersPerInstance,
		Tags:             tags,
	}

	return scenarioID, nil
}

func (d *MemoryDatastore) GetScenario(ctx context.Context, scenarioID string) (*Scenario, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	scenario, ok := d.scenarios[scenarioID]

	if !ok {
		return nil, ErrNotFound
	}

	return &scenario, nil
}

func (d *MemoryDatastore) CreateUsers(ctx context.Context, scenarioID string, amount int) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	scenario, ok := d.scenarios[scenarioID]

	if !ok {
		return nil, ErrNotFound
	}

	if amount < 1 {
		return []string{}, nil
	}

	if d.managerUsers[scenarioID] == nil {
		d.managerUsers[scenarioID] = make(map[string][]string)
	}

	usersToCreate := map[string][]string{}
	newManagers := []string{}
	remaining := amount

	// fill existing managers first
	for _, managerID := range d.managerOrder[scenarioID] {
		userIDs := d.managerUsers[scenarioID][managerID]
		available := scenario.UsersPerInstance - len(userIDs)

		for remaining > 0 && available > 0 {
			userID := newUserID()

			usersToCreate[managerID] = append(usersToCreate[managerID], userID)
			userIDs = append(userIDs, userID)

			remaining--
			available--
		}

		d.managerUsers[scenarioID][managerID] = userIDs
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
		d.managerOrder[scenarioID] = append(d.managerOrder[scenarioID], managerID)
		d.managerUsers[scenarioID][managerID] = userIDs
		remaining -= count
	}

	for managerID, userIDs := range usersToCreate {
		d.pushUserEvent(managerID, types.UserEvent{
			Kind:    types.StartUsersEvent,
			Payload: types.UserEventPayload{IDs: userIDs},
		})
	}

	if buffered := d.bufferedWork[scenarioID]; buffered > 0 {
		delete(d.bufferedWork, scenarioID)
		d.distributeWorkLocked(scenarioID, buffered)
	}

	if events := d.bufferedEvents[scenarioID]; len(events) > 0 {
		delete(d.bufferedEvents, scenarioID)

		for _, managerID := range d.managerOrder[scenarioID] {
			for _, event := range events {
				d.pushUserEvent(managerID, event)
			}
		}
	}

	return newManagers, nil
}

func (d *MemoryDatastore) StopUsers(ctx context.Context, scenarioID string, amount int) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.scenarios[scenarioID]; !ok {
		return nil, ErrNotFound
	}

	stoppedManagers := []string{}
	keptManagers := []string{}
	remaining := amount

	for _, managerID := range d.managerOrder[scenarioID] {
		userIDs := d.managerUsers[scenarioID][managerID]

		if remaining < 1 {
			keptManagers = append(keptManagers, managerID)
			continue
		}

		removeCount := min(remaining, len(userIDs))
		removed := userIDs[:removeCount]
		kept := userIDs[removeCount:]

		d.pushUserEvent(managerID, types.UserEvent{
			Kind:    types.StopUsersEvent,
			Payload: types.UserEventPayload{IDs: removed},
		})

		if len(kept) < 1 {
			delete(d.managerUsers[scenarioID], managerID)
			stoppedManagers = append(stoppedManagers, managerID)
		} else {
			d.managerUsers[scenarioID][managerID] = kept
			keptManagers = append(keptManagers, managerID)
		}

		remaining -= removeCount
	}

	d.managerOrder[scenarioID] = keptManagers

	return stoppedManagers, nil
}

func (d *MemoryDatastore) DistributeWork(ctx context.Context, scenarioID string, amount int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.scenarios[scenarioID]; !ok {
		return ErrNotFound
	}

	d.distributeWorkLocked(scenarioID, amount)

	return nil
}

func (d *MemoryDatastore) distributeWorkLocked(scenarioID string, amount int) {
	managers := d.managerOrder[scenarioID]

	if len(managers) < 1 {
		d.bufferedWork[scenarioID] += amount
		return
	}

	shuffled := make([]string, len(managers))
	copy(shuffled, managers)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	base := amount / len(shuffled)
	remainder := amount % len(shuffled)

	for i, managerID := range shuffled {
		share := base

		if i < remainder {
			share++
		}

		d.userWork[managerID] += share
	}
}

func (d *MemoryDatastore) GetUserWork(ctx context.Context, userManagerID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	work := d.userWork[userManagerID]
	d.userWork[userManagerID] = 0

	return work, nil
}

func (d *MemoryDatastore) AddUserEvent(ctx context.Context, scenarioID string, event types.UserEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.scenarios[scenarioID]; !ok {
		return ErrNotFound
	}

	managers := d.managerOrder[scenarioID]

	if len(managers) < 1 {
		d.bufferedEvents[scenarioID] = append(d.bufferedEvents[scenarioID], event)
		return nil
	}

	for _, managerID := range managers {
		d.pushUserEvent(managerID, event)
	}

	return nil
}

func (d *MemoryDatastore) pushUserEvent(userManagerID string, event types.UserEvent) {
	if d.userEvents[userManagerID] == nil {
		d.userEvents[userManagerID] = make(map[string][]types.UserEvent)
	}

	d.userEvents[userManagerID][event.Kind] = append(d.userEvents[userManagerID][event.Kind], event)
}

func (d *MemoryDatastore) GetUserEvents(ctx context.Context, userManagerID, kind string) ([]types.UserEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	queues, ok := d.userEvents[userManagerID]

	if !ok {
		return []types.UserEvent{}, nil
	}

	events := queues[kind]
	queues[kind] = nil

	if events == nil {
		events = []types.UserEvent{}
	}

	return events, nil
}

func (d *MemoryDatastore) AddUserResults(ctx context.Context, userManagerID string, results []types.Result) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.userResults[userManagerID] = append(d.userResults[userManagerID], results...)

	return nil
}

func (d *MemoryDatastore) MoveUserResults(ctx context.Context, scenarioID string, limit int) ([]types.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.scenarios[scenarioID]; !ok {
		return nil, ErrNotFound
	}

	results := []types.Result{}
	remaining := limit

	for _, managerID := range d.managerOrder[scenarioID] {
		queue := d.userResults[managerID]

		for len(queue) > 0 && remaining > 0 {
			results = append(results, queue[0])
			queue = queue[1:]
			remaining--
		}

		d.userResults[managerID] = queue

		if remaining < 1 {
			break
		}
	}

	return results, nil
}

func (d *MemoryDatastore) SetScenarioResult(
	ctx context.Context,
	scenarioID string,
	output json.RawMessage,
	exception *string,
	logs string,
	timeTaken float64,
	succeeded, failed int,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.scenarios[scenarioID]; !ok {
		return ErrNotFound
	}

	d.scenarioResults[scenarioID] = types.ScenarioResult{
		ID:        uuid.NewString(),
		Output:    output,
		Exception: exception,
		Logs:      logs,
		Timestamp: time.Now(),
		TimeTaken: timeTaken,
		Succeeded: succeeded,
		Failed:    failed,
	}

	return nil
}

func (d *MemoryDatastore) MoveScenarioResult(ctx context.Context, scenarioID string) (*types.ScenarioResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	result, ok := d.scenarioResults[scenarioID]

	if !ok {
		return nil, ErrNotFound
	}

	delete(d.scenarioResults, scenarioID)

	return &result, nil
}

func (d *MemoryDatastore) AddTestEvent(ctx context.Context, testID string, event types.TestEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.testEvents[testID] = append(d.testEvents[testID], event)

	return nil
}

func (d *MemoryDatastore) GetTestEvents(ctx context.Context, testID string) ([]types.TestEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	events := d.testEvents[testID]
	d.testEvents[testID] = nil

	if events == nil {
		events = []types.TestEvent{}
	}

	return events, nil
}

func metricKey(scenarioID, name string) string {
	return scenarioID + ":" + name
}

func (d *MemoryDatastore) AddMetric(ctx context.Context, scenarioID, name string, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := metricKey(scenarioID, name)
	series, ok := d.metrics[key]

	if !ok {
		series = &metricSeries{}
		d.metrics[key] = series
	}

	at := sort.SearchFloat64s(series.sorted, value)
	series.sorted = append(series.sorted, 0)
	copy(series.sorted[at+1:], series.sorted[at:])
	series.sorted[at] = value

	series.total += value
	series.last = value

	return nil
}

func (d *MemoryDatastore) GetMetricTotal(ctx context.Context, scenarioID, name string) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	series, ok := d.metrics[metricKey(scenarioID, name)]

	if !ok {
		return 0, ErrNotFound
	}

	return series.total, nil
}

func (d *MemoryDatastore) GetLastMetric(ctx context.Context, scenarioID, name string) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	series, ok := d.metrics[metricKey(scenarioID, name)]

	if !ok {
		return 0, ErrNotFound
	}

	return series.last, nil
}

func (d *MemoryDatastore) GetMetricStatistics(ctx context.Context, scenarioID, name string) (*types.MetricStatistics, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	series, ok := d.metrics[metricKey(scenarioID, name)]

	if !ok || len(series.sorted) < 1 {
		return nil, ErrNotFound
	}

	n := len(series.sorted)
	median := series.sorted[n/2]

	if n%2 == 0 {
		median = (series.sorted[n/2-1] + series.sorted[n/2]) / 2
	}

	return &types.MetricStatistics{
		Min:     series.sorted[0],
		Max:     series.sorted[n-1],
		Median:  median,
		Average: series.total / float64(n),
		Len:     int64(n),
	}, nil
}

func (d *MemoryDatastore) GetMetricRate(ctx context.Context, scenarioID, name string, splitPoint float64) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	series, ok := d.metrics[metricKey(scenarioID, name)]

	if !ok || len(series.sorted) < 1 {
		return 0, ErrNotFound
	}

	above := len(series.sorted) - sort.SearchFloat64s(series.sorted, splitPoint)

	return float64(above) / float64(len(series.sorted)), nil
}
