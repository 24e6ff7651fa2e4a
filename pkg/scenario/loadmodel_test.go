package scenario

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cicadatesting/cicada/pkg/types"
)

// fakeCommands implements Commands with the real scaling arithmetic
// and a scripted queue of result batches.
type fakeCommands struct {
	numUsers   int
	startCalls []int
	stopCalls  []int
	workAdded  []int

	batches    [][]types.Result
	collected  int
	errors     []string
	aggregated any
}

func (c *fakeCommands) TestID() string           { return "cicada-test-1" }
func (c *fakeCommands) ScenarioID() string       { return "scenario-1" }
func (c *fakeCommands) NumUsers() int            { return c.numUsers }
func (c *fakeCommands) NumResultsCollected() int { return c.collected }
func (c *fakeCommands) Errors() []string         { return c.errors }
func (c *fakeCommands) AggregatedResults() any   { return c.aggregated }

func (c *fakeCommands) SetAggregatedResults(aggregated any) { c.aggregated = aggregated }

func (c *fakeCommands) ScaleUsers(ctx context.Context, amount int) error {
	if amount > c.numUsers {
		return c.StartUsers(ctx, amount-c.numUsers)
	}

	return c.StopUsers(ctx, c.numUsers-amount)
}

func (c *fakeCommands) StartUsers(_ context.Context, amount int) error {
	if amount < 1 {
		return nil
	}

	c.startCalls = append(c.startCalls, amount)
	c.numUsers += amount

	return nil
}

func (c *fakeCommands) StopUsers(_ context.Context, amount int) error {
	if amount > c.numUsers {
		amount = c.numUsers
	}

	if amount < 1 {
		return nil
	}

	c.stopCalls = append(c.stopCalls, amount)
	c.numUsers -= amount

	return nil
}

func (c *fakeCommands) AddWork(_ context.Context, amount int) error {
	c.workAdded = append(c.workAdded, amount)

	return nil
}

func (c *fakeCommands) SendUserEvents(context.Context, string, []string) error { return nil }

func (c *fakeCommands) GetLatestResults(context.Context, time.Duration, int) ([]types.Result, error) {
	if len(c.batches) == 0 {
		return nil, nil
	}

	latest := c.batches[0]
	c.batches = c.batches[1:]
	c.collected += len(latest)

	return latest, nil
}

func (c *fakeCommands) AggregateResults(latest []types.Result) any {
	if len(latest) > 0 {
		c.aggregated = latest[len(latest)-1].Output
	}

	return c.aggregated
}

func (c *fakeCommands) VerifyResults(latest []types.Result) []string {
	errorStrings := BasicVerification(latest)
	c.errors = append(c.errors, errorStrings...)

	return errorStrings
}

func (c *fakeCommands) CollectMetrics(context.Context, []types.Result) error { return nil }

func sum(amounts []int) int {
	total := 0

	for _, amount := range amounts {
		total += amount
	}

	return total
}

func successBatch(n int) []types.Result {
	batch := make([]types.Result, n)

	for i := range batch {
		batch[i] = types.Result{ID: "r", Output: json.RawMessage(`1`), Timestamp: time.Now()}
	}

	return batch
}

func TestNIterationsCollectsAndScalesDown(t *testing.T) {
	commands := &fakeCommands{batches: [][]types.Result{successBatch(2), successBatch(1)}}
	model := NIterations(3, 2, time.Millisecond, time.Second, false)

	require.NoError(t, model(context.Background(), commands, nil))

	assert.Equal(t, []int{3}, commands.workAdded)
	assert.Equal(t, 3, commands.collected)
	assert.Zero(t, commands.numUsers)
}

func TestNIterationsTimesOut(t *testing.T) {
	commands := &fakeCommands{}
	model := NIterations(5, 1, time.Millisecond, 20*time.Millisecond, false)

	err := model(context.Background(), commands, nil)

	assert.ErrorIs(t, err, ErrWaitingForResults)
	assert.Zero(t, commands.numUsers, "timed out model still scales to zero")
}

func TestNIterationsSkipScaledownLeavesUsers(t *testing.T) {
	commands := &fakeCommands{batches: [][]types.Result{successBatch(1)}}
	model := NIterations(1, 4, time.Millisecond, time.Second, true)

	require.NoError(t, model(context.Background(), commands, nil))
	assert.Equal(t, 4, commands.numUsers)
}

func TestRunScenarioOnceRetriesUntilSuccess(t *testing.T) {
	commands := &fakeCommands{batches: [][]types.Result{nil, successBatch(1)}}
	model := RunScenarioOnce(time.Millisecond, time.Second)

	require.NoError(t, model(context.Background(), commands, nil))

	// one unit up front plus one retry after the empty poll
	assert.Equal(t, []int{1, 1}, commands.workAdded)
	assert.Zero(t, commands.numUsers)
}

func TestRunScenarioOnceGivesUpAtTimeout(t *testing.T) {
	commands := &fakeCommands{}
	model := RunScenarioOnce(time.Millisecond, 20*time.Millisecond)

	require.NoError(t, model(context.Background(), commands, nil))
	assert.Zero(t, commands.numUsers)
}

func TestNSecondsRunsForDuration(t *testing.T) {
	commands := &fakeCommands{batches: [][]types.Result{successBatch(1), successBatch(1)}}
	model := NSeconds(30*time.Millisecond, 3, time.Millisecond, false)

	start := time.Now()
	require.NoError(t, model(context.Background(), commands, nil))

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 2, commands.collected)
	assert.Zero(t, commands.numUsers)
}

func TestNUsersRampingUp(t *testing.T) {
	commands := &fakeCommands{}
	model := NUsersRamping(300*time.Millisecond, 5, 50*time.Millisecond, true)

	require.NoError(t, model(context.Background(), commands, nil))

	assert.Equal(t, 5, commands.numUsers)
	assert.Equal(t, 5, sum(commands.startCalls))
	assert.Empty(t, commands.stopCalls)
}

func TestNUsersRampingDown(t *testing.T) {
	commands := &fakeCommands{numUsers: 10}
	model := NUsersRamping(250*time.Millisecond, 6, 50*time.Millisecond, true)

	require.NoError(t, model(context.Background(), commands, nil))

	assert.Equal(t, 6, commands.numUsers)
	assert.Equal(t, 4, sum(commands.stopCalls))
	assert.Empty(t, commands.startCalls)
}

func TestRampUsersToThresholdStopsAtThreshold(t *testing.T) {
	commands := &fakeCommands{batches: [][]types.Result{nil, successBatch(1)}}

	model := RampUsersToThreshold(2, func(aggregated any) bool {
		return aggregated != nil
	}, RampConfig{
		NextUsers:      func(current int) int { return current + 2 },
		PeriodDuration: time.Hour,
		WaitPeriod:     time.Millisecond,
	})

	require.NoError(t, model(context.Background(), commands, nil))

	assert.Equal(t, "Users: 2", commands.aggregated)
	assert.Zero(t, commands.numUsers)
}

func TestRampUsersToThresholdHonorsPeriodLimit(t *testing.T) {
	commands := &fakeCommands{}

	model := RampUsersToThreshold(1, func(any) bool { return false }, RampConfig{
		NextUsers:      func(current int) int { return current + 1 },
		PeriodDuration: 5 * time.Millisecond,
		PeriodLimit:    2,
		WaitPeriod:     5 * time.Millisecond,
		SkipScaledown:  true,
	})

	require.NoError(t, model(context.Background(), commands, nil))

	// initial scale plus exactly two scaling periods
	assert.Equal(t, 3, commands.numUsers)
}

func TestLoadStagesRunInOrderAndScaleDown(t *testing.T) {
	commands := &fakeCommands{batches: [][]types.Result{successBatch(1), successBatch(1)}}

	model := LoadStages(
		NIterations(1, 2, time.Millisecond, time.Second, true),
		NIterations(1, 4, time.Millisecond, time.Second, true),
	)

	require.NoError(t, model(context.Background(), commands, nil))

	assert.Equal(t, 2, commands.collected)
	assert.Zero(t, commands.numUsers)
}

func TestLoadModelsStopOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	commands := &fakeCommands{}
	model := NIterations(5, 1, 10*time.Millisecond, 0, false)

	err := model(ctx, commands, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
