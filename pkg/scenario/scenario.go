// Package scenario defines the user-facing model of a load test: the
// scenario record with its function body, the user loop and load model
// policies that schedule it, and the command surfaces those policies
// drive. The engine supplies backend-connected implementations of the
// command surfaces; tests supply fakes.
package scenario

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cicadatesting/cicada/pkg/metrics"
	"github.com/cicadatesting/cicada/pkg/types"
)

// Fn is a scenario's body, invoked once per work token by each user.
type Fn func(inv *Invocation) (any, error)

// Invocation carries the per-call inputs of a scenario function and
// captures anything it logs.
type Invocation struct {
	// Context holds the results of the scenario's finished
	// dependencies, keyed by scenario name.
	Context types.TestContext

	logs bytes.Buffer
}

// NewInvocation builds an invocation for one call of a scenario
// function.
func NewInvocation(testContext types.TestContext) *Invocation {
	if testContext == nil {
		testContext = types.TestContext{}
	}

	return &Invocation{Context: testContext}
}

// Log appends a line to the invocation's captured output.
func (inv *Invocation) Log(args ...any) {
	fmt.Fprintln(&inv.logs, args...)
}

// Logf appends a formatted line to the invocation's captured output.
func (inv *Invocation) Logf(format string, args ...any) {
	fmt.Fprintf(&inv.logs, format+"\n", args...)
}

// Logs returns everything the invocation has captured so far.
func (inv *Invocation) Logs() string {
	return inv.logs.String()
}

// UserCommands is the surface a user loop drives: liveness, work
// acquisition, invocation, and result reporting.
type UserCommands interface {
	UserID() string
	IsUp(ctx context.Context) bool
	HasWork(ctx context.Context, timeout time.Duration) bool
	Run(ctx context.Context, testContext types.TestContext) (output any, logs string, err error)
	ReportResult(output any, err error, logs string, timeTaken float64)
}

// UserLoop schedules invocations of the scenario body for one user.
// It returns when IsUp first reads false or the context is cancelled.
type UserLoop func(ctx context.Context, commands UserCommands, testContext types.TestContext)

// Commands is the surface a load model drives: scaling, work, result
// polling, aggregation, verification, and metric collection.
type Commands interface {
	TestID() string
	ScenarioID() string
	NumUsers() int
	NumResultsCollected() int
	Errors() []string
	AggregatedResults() any
	SetAggregatedResults(aggregated any)

	ScaleUsers(ctx context.Context, amount int) error
	StartUsers(ctx context.Context, amount int) error
	StopUsers(ctx context.Context, amount int) error
	AddWork(ctx context.Context, amount int) error
	SendUserEvents(ctx context.Context, kind string, userIDs []string) error
	GetLatestResults(ctx context.Context, timeout time.Duration, limit int) ([]types.Result, error)
	AggregateResults(latest []types.Result) any
	VerifyResults(latest []types.Result) []string
	CollectMetrics(ctx context.Context, latest []types.Result) error
}

// LoadModel drives a scenario's lifecycle: how many users, how much
// work, and for how long.
type LoadModel func(ctx context.Context, commands Commands, testContext types.TestContext) error

// Aggregator folds the latest batch of results into a running
// aggregate.
type Aggregator func(previous any, latest []types.Result) any

// Verifier derives error strings from a batch of results.
type Verifier func(latest []types.Result) []string

// Transformer reshapes the final aggregate into the scenario's output.
type Transformer func(aggregated any) any

// Scenario is an immutable description of one unit of test logic.
// Dependencies are names resolved against the engine's registry at
// scheduling time.
type Scenario struct {
	Name                  string
	Fn                    Fn
	UserLoop              UserLoop
	LoadModel             LoadModel
	Dependencies          []string
	ResultAggregator      Aggregator
	ResultVerifier        Verifier
	OutputTransformer     Transformer
	UsersPerInstance      int
	RaiseException        bool
	MetricCollectors      []metrics.Collector
	ConsoleMetricDisplays map[string]metrics.Display
	Tags                  []string
}

// Option configures a scenario under construction.
type Option func(*Scenario)

// New builds a scenario from its name and body. Unset policies default
// to a single-user single-run scenario with runtime, throughput, and
// success-rate metrics.
func New(name string, fn Fn, opts ...Option) *Scenario {
	s := &Scenario{
		Name:             name,
		Fn:               fn,
		UserLoop:         WhileHasWork(time.Second),
		LoadModel:        RunScenarioOnce(time.Second, 15*time.Second),
		ResultVerifier:   BasicVerification,
		UsersPerInstance: 50,
		RaiseException:   true,
		MetricCollectors: []metrics.Collector{
			metrics.ConsoleCollector("runtime", metrics.RuntimeSeconds),
			metrics.ConsoleCollector("pass_or_fail", metrics.PassOrFail),
			metrics.ConsoleCollector("results_per_second", metrics.ResultsPerSecond),
		},
		ConsoleMetricDisplays: map[string]metrics.Display{
			"runtimes":           metrics.ConsoleStats("runtime"),
			"results_per_second": metrics.ConsoleStats("results_per_second"),
			"success_rate":       metrics.ConsolePercent("pass_or_fail", 0.5),
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// WithUserLoop sets the per-user execution policy.
func WithUserLoop(loop UserLoop) Option {
	return func(s *Scenario) { s.UserLoop = loop }
}

// WithLoadModel sets the scenario-level scheduling policy.
func WithLoadModel(model LoadModel) Option {
	return func(s *Scenario) { s.LoadModel = model }
}

// WithDependencies names the scenarios that must finish cleanly before
// this one starts.
func WithDependencies(names ...string) Option {
	return func(s *Scenario) { s.Dependencies = names }
}

// WithResultAggregator sets the reducer folded over result batches.
func WithResultAggregator(aggregator Aggregator) Option {
	return func(s *Scenario) { s.ResultAggregator = aggregator }
}

// WithResultVerifier replaces the default error derivation.
func WithResultVerifier(verifier Verifier) Option {
	return func(s *Scenario) { s.ResultVerifier = verifier }
}

// WithOutputTransformer sets the final reshaping of the aggregate.
func WithOutputTransformer(transformer Transformer) Option {
	return func(s *Scenario) { s.OutputTransformer = transformer }
}

// WithUsersPerInstance caps how many users share one worker process.
func WithUsersPerInstance(n int) Option {
	return func(s *Scenario) { s.UsersPerInstance = n }
}

// WithRaiseException controls whether accumulated verification errors
// fail the scenario.
func WithRaiseException(raise bool) Option {
	return func(s *Scenario) { s.RaiseException = raise }
}

// WithMetricCollectors replaces the default metric collectors.
func WithMetricCollectors(collectors ...metrics.Collector) Option {
	return func(s *Scenario) { s.MetricCollectors = collectors }
}

// WithConsoleMetricDisplays replaces the default live metric displays.
func WithConsoleMetricDisplays(displays map[string]metrics.Display) Option {
	return func(s *Scenario) { s.ConsoleMetricDisplays = displays }
}

// WithTags marks the scenario for tag-filtered runs.
func WithTags(tags ...string) Option {
	return func(s *Scenario) { s.Tags = tags }
}

// MatchesTags reports whether the scenario should run for the given
// tag filter. An empty filter matches everything.
func (s *Scenario) MatchesTags(tags []string) bool {
	if len(tags) == 0 {
		return true
	}

	for _, tag := range tags {
		for _, own := range s.Tags {
			if tag == own {
				return true
			}
		}
	}

	return false
}

// sleep waits out d unless the context is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
