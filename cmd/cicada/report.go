package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

const reportWidth = 60

// printReport writes the end-of-test summary: pass/fail lists followed
// by a section per scenario with its result, logs, and metrics.
func printReport(w io.Writer, state *runReport, debug bool) {
	fmt.Fprintln(w, banner(" Test Complete ", "="))
	fmt.Fprintln(w)

	if len(state.passed) > 0 {
		fmt.Fprintln(w, "Passed:")

		for _, name := range state.passed {
			fmt.Fprintf(w, "* %s\n", name)
		}

		fmt.Fprintln(w)
	}

	if len(state.failed) > 0 {
		fmt.Fprintln(w, "Failed:")

		for _, name := range state.failed {
			fmt.Fprintf(w, "* %s\n", name)
		}

		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, banner(fmt.Sprintf(" %d passed, %d failed ", len(state.passed), len(state.failed)), "="))
	fmt.Fprintln(w)

	names := make([]string, 0, len(state.results))

	for name := range state.results {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		printScenarioSection(w, state, name, debug)
	}
}

func printScenarioSection(w io.Writer, state *runReport, name string, debug bool) {
	result := state.results[name]

	if result.Exception != nil {
		fmt.Fprintln(w, banner(fmt.Sprintf(" %s: Failed ", name), "-"))
		fmt.Fprintf(w, "Exception: %s\n\n", *result.Exception)
	} else {
		fmt.Fprintln(w, banner(fmt.Sprintf(" %s: Passed ", name), "-"))
	}

	if len(result.Output) > 0 {
		fmt.Fprintf(w, "Result: %s\n\n", result.Output)
	}

	if result.Logs != "" && (result.Exception != nil || debug) {
		fmt.Fprintf(w, "Logs:\n%s\n\n", result.Logs)
	}

	fmt.Fprintf(w, "Time Taken: %g Seconds\n", result.TimeTaken)
	fmt.Fprintf(w, "Succeeded: %d Loop(s)\n", result.Succeeded)
	fmt.Fprintf(w, "Failed: %d Loop(s)\n", result.Failed)

	if metrics, ok := state.metrics[name]; ok && len(metrics) > 0 {
		fmt.Fprintln(w, "Metrics:")

		metricNames := make([]string, 0, len(metrics))

		for metricName := range metrics {
			metricNames = append(metricNames, metricName)
		}

		sort.Strings(metricNames)

		for _, metricName := range metricNames {
			value := "-"

			if metrics[metricName] != nil {
				value = *metrics[metricName]
			}

			fmt.Fprintf(w, "  %s: %s\n", metricName, value)
		}
	}

	fmt.Fprintln(w)
}

// banner centers a title inside a line of fill characters.
func banner(title, fill string) string {
	if len(title) >= reportWidth {
		return title
	}

	remaining := reportWidth - len(title)
	left := remaining / 2

	return strings.Repeat(fill, left) + title + strings.Repeat(fill, remaining-left)
}
