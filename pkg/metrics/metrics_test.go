package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cicadatesting/cicada/pkg/types"
)

type recordingEmitter struct {
	samples map[string][]float64
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{samples: map[string][]float64{}}
}

func (e *recordingEmitter) AddMetric(_ context.Context, name string, value float64) error {
	e.samples[name] = append(e.samples[name], value)

	return nil
}

type fakeQuerier struct {
	stats *types.MetricStatistics
	total *float64
	last  *float64
	rate  *float64
}

func (q fakeQuerier) Statistics(context.Context, string) (*types.MetricStatistics, error) {
	return q.stats, nil
}

func (q fakeQuerier) Total(context.Context, string) (*float64, error) { return q.total, nil }

func (q fakeQuerier) Last(context.Context, string) (*float64, error) { return q.last, nil }

func (q fakeQuerier) Rate(context.Context, string, float64) (*float64, error) { return q.rate, nil }

func floatPtr(v float64) *float64 { return &v }

func resultAt(offset time.Duration, timeTaken float64, exception *string) types.Result {
	return types.Result{
		Timestamp: time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC).Add(offset),
		TimeTaken: timeTaken,
		Exception: exception,
	}
}

func TestRuntimeSeconds(t *testing.T) {
	samples := RuntimeSeconds([]types.Result{
		resultAt(0, 0.25, nil),
		resultAt(time.Second, 1.5, nil),
	})

	assert.Equal(t, []float64{0.25, 1.5}, samples)
}

func TestPassOrFail(t *testing.T) {
	samples := PassOrFail([]types.Result{
		resultAt(0, 0, nil),
		resultAt(0, 0, types.StringPtr("boom")),
		resultAt(0, 0, nil),
	})

	assert.Equal(t, []float64{1, 0, 1}, samples)
}

func TestResultsPerSecond(t *testing.T) {
	tests := map[string]struct {
		results []types.Result
		want    []float64
	}{
		"single result yields nothing": {
			results: []types.Result{resultAt(0, 0, nil)},
			want:    nil,
		},
		"same second yields nothing": {
			results: []types.Result{resultAt(0, 0, nil), resultAt(0, 0, nil)},
			want:    nil,
		},
		"spread is rounded up to whole seconds": {
			results: []types.Result{
				resultAt(0, 0, nil),
				resultAt(1500*time.Millisecond, 0, nil),
				resultAt(900*time.Millisecond, 0, nil),
				resultAt(time.Second, 0, nil),
			},
			want: []float64{2},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.want, ResultsPerSecond(test.results))
		})
	}
}

func TestConsoleCollectorPublishesEverySample(t *testing.T) {
	emitter := newRecordingEmitter()
	collector := ConsoleCollector("runtime", RuntimeSeconds)

	err := collector(context.Background(), []types.Result{
		resultAt(0, 0.5, nil),
		resultAt(0, 0.75, nil),
	}, emitter)

	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.75}, emitter.samples["runtime"])
}

func TestConsoleStats(t *testing.T) {
	display := ConsoleStats("runtime")

	rendered, err := display(context.Background(), fakeQuerier{stats: &types.MetricStatistics{
		Min:     0.12345,
		Median:  2,
		Average: 2.5,
		Max:     10,
		Len:     7,
	}})
	require.NoError(t, err)
	require.NotNil(t, rendered)
	assert.Equal(t, "Min: 0.123, Median: 2, Average: 2.5, Max: 10, Len: 7", *rendered)

	rendered, err = display(context.Background(), fakeQuerier{})
	require.NoError(t, err)
	assert.Nil(t, rendered)
}

func TestConsoleValueDisplays(t *testing.T) {
	ctx := context.Background()

	rendered, err := ConsoleCount("runtime")(ctx, fakeQuerier{total: floatPtr(10.12349)})
	require.NoError(t, err)
	require.NotNil(t, rendered)
	assert.Equal(t, "10.123", *rendered)

	rendered, err = ConsoleLatest("runtime")(ctx, fakeQuerier{last: floatPtr(4)})
	require.NoError(t, err)
	require.NotNil(t, rendered)
	assert.Equal(t, "4", *rendered)

	rendered, err = ConsolePercent("pass_or_fail", 0.5)(ctx, fakeQuerier{rate: floatPtr(0.9996)})
	require.NoError(t, err)
	require.NotNil(t, rendered)
	assert.Equal(t, "1", *rendered)

	rendered, err = ConsoleCount("runtime")(ctx, fakeQuerier{})
	require.NoError(t, err)
	assert.Nil(t, rendered)
}
