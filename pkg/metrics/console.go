package metrics

import (
	"context"
	"fmt"
	"math"
	"strconv"
)

func round3(value float64) float64 {
	return math.Round(value*1000) / 1000
}

func formatRounded(value float64) string {
	return strconv.FormatFloat(round3(value), 'g', -1, 64)
}

// ConsoleStats renders a series' order statistics.
func ConsoleStats(metricName string) Display {
	return func(ctx context.Context, querier Querier) (*string, error) {
		stats, err := querier.Statistics(ctx, metricName)

		if err != nil {
			return nil, err
		}

		if stats == nil {
			return nil, nil
		}

		rendered := fmt.Sprintf(
			"Min: %s, Median: %s, Average: %s, Max: %s, Len: %d",
			formatRounded(stats.Min),
			formatRounded(stats.Median),
			formatRounded(stats.Average),
			formatRounded(stats.Max),
			stats.Len,
		)

		return &rendered, nil
	}
}

// ConsoleCount renders a series' running total.
func ConsoleCount(metricName string) Display {
	return func(ctx context.Context, querier Querier) (*string, error) {
		total, err := querier.Total(ctx, metricName)

		if err != nil || total == nil {
			return nil, err
		}

		rendered := formatRounded(*total)

		return &rendered, nil
	}
}

// ConsoleLatest renders a series' most recent sample.
func ConsoleLatest(metricName string) Display {
	return func(ctx context.Context, querier Querier) (*string, error) {
		last, err := querier.Last(ctx, metricName)

		if err != nil || last == nil {
			return nil, err
		}

		rendered := formatRounded(*last)

		return &rendered, nil
	}
}

// ConsolePercent renders the fraction of a series' samples at or above
// splitPoint.
func ConsolePercent(metricName string, splitPoint float64) Display {
	return func(ctx context.Context, querier Querier) (*string, error) {
		rate, err := querier.Rate(ctx, metricName, splitPoint)

		if err != nil || rate == nil {
			return nil, err
		}

		rendered := formatRounded(*rate)

		return &rendered, nil
	}
}
