// Package engine links user-defined scenarios to the backend: it
// holds the scenario registry and the entrypoints the launcher invokes
// in each worker process (run-test, run-scenario, run-user).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cicadatesting/cicada/pkg/backend"
	"github.com/cicadatesting/cicada/pkg/scenario"
	"github.com/cicadatesting/cicada/pkg/types"
)

// DefaultBackendAddress is where worker processes reach the backend
// when no address is given.
const DefaultBackendAddress = "[::]:8283"

// Engine is the entrypoint of a test binary: scenarios register with
// it, and Start dispatches to the worker role the launcher requested.
type Engine struct {
	scenarios map[string]*scenario.Scenario
	order     []string
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{scenarios: map[string]*scenario.Scenario{}}
}

// AddScenario registers a scenario. Re-registering a name replaces
// the previous definition.
func (e *Engine) AddScenario(s *scenario.Scenario) {
	if s == nil {
		panic("scenario is required")
	}

	if _, ok := e.scenarios[s.Name]; !ok {
		e.order = append(e.order, s.Name)
	}

	e.scenarios[s.Name] = s
}

// Scenarios returns every registered scenario in registration order.
func (e *Engine) Scenarios() []*scenario.Scenario {
	scenarios := make([]*scenario.Scenario, 0, len(e.order))

	for _, name := range e.order {
		scenarios = append(scenarios, e.scenarios[name])
	}

	return scenarios
}

// Scenario looks up a registered scenario by name.
func (e *Engine) Scenario(name string) (*scenario.Scenario, bool) {
	s, ok := e.scenarios[name]

	return s, ok
}

// Start parses the worker command line and runs the requested role.
// It exits the process with a nonzero status on failure.
func (e *Engine) Start() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.Run(ctx, os.Args[1:]); err != nil {
		slog.Error("unexpected error while running test", "error", err)
		os.Exit(1)
	}
}

// Run executes one worker role with explicit arguments.
func (e *Engine) Run(ctx context.Context, args []string) error {
	root := e.newRootCommand()
	root.SetArgs(args)

	return root.ExecuteContext(ctx)
}

func (e *Engine) newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "engine",
		Short:         "Run load test worker roles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(e.newRunTestCommand())
	root.AddCommand(e.newRunScenarioCommand())
	root.AddCommand(e.newRunUserCommand())

	return root
}

func (e *Engine) newRunTestCommand() *cobra.Command {
	var testID, backendAddress string
	var tags []string

	cmd := &cobra.Command{
		Use:   "run-test",
		Short: "Run the test runner role",
		RunE: func(cmd *cobra.Command, args []string) error {
			b := testBackendAdapter{backend.NewTestBackend(backendAddress, testID)}

			if err := RunTest(cmd.Context(), e.Scenarios(), tags, b); err != nil {
				// best effort: the controller learns about the
				// failure even when the runner dies
				emitErr := b.AddStatusEvent(context.WithoutCancel(cmd.Context()), types.TestErroredEvent, types.TestStatus{
					Message: fmt.Sprintf("Unexpected error while running test: %v :: Check process logs for more details", err),
				})

				if emitErr != nil {
					slog.Error("error reporting test failure", "error", emitErr)
				}

				return err
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&testID, "test-id", "", "ID of the test being run")
	cmd.Flags().StringVar(&backendAddress, "backend-address", DefaultBackendAddress, "address of the backend server")
	cmd.Flags().StringArrayVarP(&tags, "tag", "t", nil, "only run scenarios matching a tag")
	_ = cmd.MarkFlagRequired("test-id")

	return cmd
}

func (e *Engine) newRunScenarioCommand() *cobra.Command {
	var name, testID, scenarioID, backendAddress, encodedContext string

	cmd := &cobra.Command{
		Use:   "run-scenario",
		Short: "Run the scenario runner role",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ok := e.Scenario(name)

			if !ok {
				return fmt.Errorf("unknown scenario: %s", name)
			}

			testContext, err := types.DecodeContext(encodedContext)

			if err != nil {
				return err
			}

			b := backend.NewScenarioBackend(backendAddress, testID, scenarioID)

			return RunScenario(cmd.Context(), s, testID, scenarioID, b, testContext)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "name of the scenario to run")
	cmd.Flags().StringVar(&testID, "test-id", "", "ID of the test being run")
	cmd.Flags().StringVar(&scenarioID, "scenario-id", "", "ID of this scenario run")
	cmd.Flags().StringVar(&backendAddress, "backend-address", DefaultBackendAddress, "address of the backend server")
	cmd.Flags().StringVar(&encodedContext, "encoded-context", types.DefaultEncodedContext(), "encoded results of upstream scenarios")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("test-id")
	_ = cmd.MarkFlagRequired("scenario-id")

	return cmd
}

func (e *Engine) newRunUserCommand() *cobra.Command {
	var name, userManagerID, backendAddress, encodedContext string

	cmd := &cobra.Command{
		Use:   "run-user",
		Short: "Run the user manager role",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ok := e.Scenario(name)

			if !ok {
				return fmt.Errorf("unknown scenario: %s", name)
			}

			testContext, err := types.DecodeContext(encodedContext)

			if err != nil {
				return err
			}

			client := backend.NewUserManagerBackend(backendAddress, userManagerID)

			return RunUserScheduler(cmd.Context(), s, client, testContext)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "name of the scenario this manager serves")
	cmd.Flags().StringVar(&userManagerID, "user-manager-id", "", "ID of this user manager")
	cmd.Flags().StringVar(&backendAddress, "backend-address", DefaultBackendAddress, "address of the backend server")
	cmd.Flags().StringVar(&encodedContext, "encoded-context", types.DefaultEncodedContext(), "encoded results of upstream scenarios")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("user-manager-id")

	return cmd
}
