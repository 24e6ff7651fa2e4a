package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cicadatesting/cicada/pkg/backend"
	"github.com/cicadatesting/cicada/pkg/engine"
	"github.com/cicadatesting/cicada/pkg/scheduling"
	"github.com/cicadatesting/cicada/pkg/types"
)

type runOptions struct {
	testBinary       string
	logPath          string
	image            string
	buildPath        string
	dockerfile       string
	network          string
	namespace        string
	mode             string
	tags             []string
	env              []string
	envFile          string
	backendAddress   string
	backendLocation  string
	testTimeout      int
	testStartTimeout int

	noExitUnsuccessful bool
	noCleanup          bool
}

func newRunCommand(debug *bool) *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a distributed test",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(cmd.Context(), opts, *debug)
		},
	}

	cmd.Flags().StringVar(&opts.testBinary, "test-binary", "./test", "compiled test binary to run")
	cmd.Flags().StringVar(&opts.logPath, "log-path", ".", "directory for local worker log files")
	cmd.Flags().StringVar(&opts.image, "image", "", "image containing the test binary")
	cmd.Flags().StringVar(&opts.buildPath, "build-path", ".", "docker build context path")
	cmd.Flags().StringVar(&opts.dockerfile, "dockerfile", "Dockerfile", "dockerfile to build the test image from")
	cmd.Flags().StringVar(&opts.network, "network", scheduling.DefaultDockerNetwork, "docker network for worker containers")
	cmd.Flags().StringVar(&opts.namespace, "namespace", "default", "kubernetes namespace for worker jobs")
	cmd.Flags().StringVar(&opts.mode, "mode", scheduling.ModeDocker, "LOCAL, DOCKER, or KUBE")
	cmd.Flags().StringArrayVarP(&opts.tags, "tag", "t", nil, "only run scenarios matching a tag")
	cmd.Flags().StringArrayVarP(&opts.env, "env", "e", nil, "env var for workers, ex. FOO=BAR")
	cmd.Flags().StringVar(&opts.envFile, "env-file", "", "env file containing key-value pairs for workers")
	cmd.Flags().StringVar(&opts.backendAddress, "backend-address", "localhost:8283", "address of the backend server")
	cmd.Flags().StringVar(&opts.backendLocation, "backend-location", ".", "directory the backend binary was installed to")
	cmd.Flags().IntVar(&opts.testTimeout, "test-timeout", 0, "time limit in seconds for the entire test (0 = no limit)")
	cmd.Flags().IntVar(&opts.testStartTimeout, "test-start-timeout", 10, "time limit in seconds for the test to start")
	cmd.Flags().BoolVar(&opts.noExitUnsuccessful, "no-exit-unsuccessful", false, "return 0 even if scenarios failed")
	cmd.Flags().BoolVar(&opts.noCleanup, "no-cleanup", false, "do not clean up test processes or containers")

	return cmd
}

func runTest(ctx context.Context, opts runOptions, debug bool) error {
	client := backend.NewClient(opts.backendAddress)

	metadata, workerBackendAddress, stopLocalBackend, err := prepareMode(ctx, client, opts, debug)

	if err != nil {
		return err
	}

	if stopLocalBackend != nil {
		defer stopLocalBackend()
	}

	env, err := workerEnv(opts)

	if err != nil {
		return err
	}

	encodedMetadata, err := json.Marshal(metadata)

	if err != nil {
		return fmt.Errorf("error encoding scheduling metadata: %w", err)
	}

	testID, err := client.CreateTest(ctx, workerBackendAddress, encodedMetadata, opts.tags, env)

	if err != nil {
		return fmt.Errorf("error creating test: %w", err)
	}

	slog.Debug("created test", "testID", testID)

	state, watchErr := watchTest(ctx, client, testID, opts, debug)

	if !opts.noCleanup {
		slog.Debug("cleaning test instances", "testID", testID)

		if err := client.CleanTestInstances(context.WithoutCancel(ctx), testID); err != nil {
			slog.Error("error cleaning test instances", "testID", testID, "error", err)
		}
	}

	if watchErr != nil {
		return watchErr
	}

	printReport(os.Stdout, state, debug)

	if len(state.failed) > 0 && !opts.noExitUnsuccessful {
		return errTestFailed
	}

	return nil
}

// prepareMode resolves the scheduling metadata for the selected mode
// and, for LOCAL, boots a backend process next to the CLI.
func prepareMode(ctx context.Context, client *backend.Client, opts runOptions, debug bool) (*scheduling.Metadata, string, func(), error) {
	switch opts.mode {
	case scheduling.ModeLocal:
		binaryPath, err := filepath.Abs(opts.testBinary)

		if err != nil {
			return nil, "", nil, err
		}

		if _, err := os.Stat(binaryPath); err != nil {
			return nil, "", nil, fmt.Errorf("test binary not found: %s", opts.testBinary)
		}

		stop, err := startLocalBackend(ctx, client, opts.backendLocation, debug)

		if err != nil {
			return nil, "", nil, err
		}

		metadata := &scheduling.Metadata{
			Mode:        scheduling.ModeLocal,
			RuntimePath: binaryPath,
			Logdir:      opts.logPath,
		}

		return metadata, engine.DefaultBackendAddress, stop, nil

	case scheduling.ModeDocker:
		image := opts.image

		if image == "" {
			built, err := buildTestImage(ctx, opts.buildPath, opts.dockerfile, debug)

			if err != nil {
				return nil, "", nil, err
			}

			image = built
		}

		metadata := &scheduling.Metadata{
			Mode:    scheduling.ModeDocker,
			Image:   image,
			Network: opts.network,
		}

		return metadata, containerBackendAddress, nil, nil

	case scheduling.ModeKube:
		if opts.image == "" {
			return nil, "", nil, fmt.Errorf("an image is required in %s mode", scheduling.ModeKube)
		}

		metadata := &scheduling.Metadata{
			Mode:      scheduling.ModeKube,
			Image:     opts.image,
			Namespace: opts.namespace,
		}

		return metadata, containerBackendAddress, nil, nil

	default:
		return nil, "", nil, fmt.Errorf("invalid mode: %s", opts.mode)
	}
}

// startLocalBackend boots the backend binary for a LOCAL run and waits
// for it to report healthy. The returned stop function terminates it.
func startLocalBackend(ctx context.Context, client *backend.Client, backendLocation string, debug bool) (func(), error) {
	binary := filepath.Join(backendLocation, "cicada-backend")
	cmd := exec.CommandContext(ctx, binary)
	cmd.Env = append(os.Environ(), fmt.Sprintf("DEBUG=%t", debug))

	if debug {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error starting local backend: %w", err)
	}

	slog.Debug("started local backend", "pid", cmd.Process.Pid)

	stop := func() {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			slog.Debug("error stopping local backend", "error", err)
		}

		_ = cmd.Wait()
	}

	deadline := time.Now().Add(10 * time.Second)

	for time.Now().Before(deadline) {
		if err := client.Health(ctx); err == nil {
			return stop, nil
		}

		select {
		case <-ctx.Done():
			stop()

			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	stop()

	return nil, fmt.Errorf("local backend did not become healthy")
}

// buildTestImage builds the test image through the docker CLI and
// returns its generated tag.
func buildTestImage(ctx context.Context, buildPath, dockerfile string, debug bool) (string, error) {
	tag := fmt.Sprintf("cicada-test-container-%s", uuid.NewString()[:8])

	build := exec.CommandContext(ctx, "docker", "build", "-t", tag, "-f", dockerfile, buildPath)

	if debug {
		build.Stdout = os.Stderr
		build.Stderr = os.Stderr
	}

	if err := build.Run(); err != nil {
		return "", fmt.Errorf("error building test image: %w", err)
	}

	slog.Debug("built test image", "tag", tag)

	return tag, nil
}

// workerEnv merges the env file with --env overrides.
func workerEnv(opts runOptions) (map[string]string, error) {
	env := map[string]string{}

	if opts.envFile != "" {
		fromFile, err := godotenv.Read(opts.envFile)

		if err != nil {
			return nil, fmt.Errorf("error reading env file: %w", err)
		}

		for key, value := range fromFile {
			env[key] = value
		}
	}

	for _, pair := range opts.env {
		key, value, ok := strings.Cut(pair, "=")

		if !ok {
			return nil, fmt.Errorf("invalid env var %q, expected KEY=VALUE", pair)
		}

		env[key] = value
	}

	return env, nil
}

// runReport accumulates what the controller learns from the test event
// stream.
type runReport struct {
	passed  []string
	failed  []string
	results map[string]types.ScenarioResult
	metrics map[string]map[string]*string
}

// watchTest polls the test's event stream until the test finishes,
// errors, or times out.
func watchTest(ctx context.Context, client *backend.Client, testID string, opts runOptions, debug bool) (*runReport, error) {
	state := &runReport{
		results: map[string]types.ScenarioResult{},
		metrics: map[string]map[string]*string{},
	}

	started := false
	startTime := time.Now()

	for {
		if !started && time.Since(startTime) > time.Duration(opts.testStartTimeout)*time.Second {
			return state, fmt.Errorf("test failed to start within %d seconds", opts.testStartTimeout)
		}

		if opts.testTimeout > 0 && time.Since(startTime) > time.Duration(opts.testTimeout)*time.Second {
			return state, fmt.Errorf("test timed out after %d seconds. Check test instance logs for more details", opts.testTimeout)
		}

		events, err := client.GetTestEvents(ctx, testID)

		if err != nil {
			return state, fmt.Errorf("error polling test events: %w", err)
		}

		for _, event := range events {
			if event.Kind == types.TestStartedEvent {
				started = true
			}

			finished, err := state.apply(event, testID, debug)

			if err != nil {
				return state, err
			}

			if finished {
				return state, nil
			}
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// apply folds one test event into the report. It returns true once the
// TEST_FINISHED event arrives.
func (r *runReport) apply(event types.TestEvent, testID string, debug bool) (bool, error) {
	switch event.Kind {
	case types.ScenarioMetricEvent:
		metric, err := event.Metric()

		if err != nil {
			return false, fmt.Errorf("error decoding metric event: %w", err)
		}

		r.metrics[metric.Scenario] = metric.Metrics

	case types.ScenarioStartedEvent:
		status, err := event.Status()

		if err != nil {
			return false, fmt.Errorf("error decoding status event: %w", err)
		}

		fmt.Println(status.Message)

	case types.ScenarioFinishedEvent:
		status, err := event.Status()

		if err != nil {
			return false, fmt.Errorf("error decoding status event: %w", err)
		}

		if err := json.Unmarshal([]byte(status.Context), &r.results); err != nil {
			return false, fmt.Errorf("error decoding test context: %w", err)
		}

		if result, ok := r.results[status.Scenario]; ok && result.Exception != nil {
			r.failed = append(r.failed, status.Scenario)
		} else {
			r.passed = append(r.passed, status.Scenario)
		}

		fmt.Println(status.Message)

	case types.TestStartedEvent:
		status, err := event.Status()

		if err != nil {
			return false, fmt.Errorf("error decoding status event: %w", err)
		}

		if debug {
			fmt.Printf("Started Test: %s: %s\n", testID, status.Message)
		}

	case types.TestErroredEvent:
		status, err := event.Status()

		if err != nil {
			return false, fmt.Errorf("error decoding status event: %w", err)
		}

		return false, fmt.Errorf("test failed: %s", status.Message)

	case types.TestFinishedEvent:
		return true, nil
	}

	return false, nil
}
