package metrics

import (
	"context"
	"math"

	"github.com/cicadatesting/cicada/pkg/types"
)

// SampleFn extracts numeric samples from the latest batch of user
// results.
type SampleFn func(latest []types.Result) []float64

// ConsoleCollector builds a collector that publishes every sample
// produced by fn under the given metric name.
func ConsoleCollector(name string, fn SampleFn) Collector {
	return func(ctx context.Context, latest []types.Result, sink Emitter) error {
		for _, value := range fn(latest) {
			if err := sink.AddMetric(ctx, name, value); err != nil {
				return err
			}
		}

		return nil
	}
}

// RuntimeSeconds samples each result's execution time.
func RuntimeSeconds(latest []types.Result) []float64 {
	samples := make([]float64, len(latest))

	for i, result := range latest {
		samples[i] = result.TimeTaken
	}

	return samples
}

// PassOrFail samples 1 for each successful result and 0 for each
// failure.
func PassOrFail(latest []types.Result) []float64 {
	samples := make([]float64, len(latest))

	for i, result := range latest {
		if !result.Failed() {
			samples[i] = 1
		}
	}

	return samples
}

// ResultsPerSecond samples the collection throughput of the latest
// batch. Fewer than two results, or results inside the same second,
// yield no sample.
func ResultsPerSecond(latest []types.Result) []float64 {
	if len(latest) < 2 {
		return nil
	}

	minTimestamp := latest[0].Timestamp
	maxTimestamp := latest[0].Timestamp

	for _, result := range latest[1:] {
		if result.Timestamp.Before(minTimestamp) {
			minTimestamp = result.Timestamp
		}

		if result.Timestamp.After(maxTimestamp) {
			maxTimestamp = result.Timestamp
		}
	}

	seconds := math.Ceil(maxTimestamp.Sub(minTimestamp).Seconds())

	if seconds < 1 {
		return nil
	}

	return []float64{float64(len(latest)) / seconds}
}
