// Package metrics holds the collector and console display functions a
// scenario can attach to its live metric series. Collectors turn
// freshly polled user results into numeric samples; displays render one
// series as a short string for the controller's live output.
package metrics

import (
	"context"

	"github.com/cicadatesting/cicada/pkg/types"
)

// Emitter appends samples to a scenario's named metric series.
type Emitter interface {
	AddMetric(ctx context.Context, name string, value float64) error
}

// Querier reads live aggregates of a scenario's metric series. Queries
// return nil values while the series has no samples.
type Querier interface {
	Statistics(ctx context.Context, name string) (*types.MetricStatistics, error)
	Total(ctx context.Context, name string) (*float64, error)
	Last(ctx context.Context, name string) (*float64, error)
	Rate(ctx context.Context, name string, splitPoint float64) (*float64, error)
}

// Collector publishes samples derived from the latest batch of user
// results.
type Collector func(ctx context.Context, latest []types.Result, sink Emitter) error

// Display renders one live metric series as a string, or nil while the
// series has no samples.
type Display func(ctx context.Context, querier Querier) (*string, error)
