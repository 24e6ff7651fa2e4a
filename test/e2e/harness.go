// Package e2e runs whole tests against an in-process cluster: the gin
// server over the memory datastore, with worker roles launched as
// goroutines instead of containers.
package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/cicadatesting/cicada/pkg/api"
	"github.com/cicadatesting/cicada/pkg/backend"
	"github.com/cicadatesting/cicada/pkg/datastore"
	"github.com/cicadatesting/cicada/pkg/engine"
	"github.com/cicadatesting/cicada/pkg/scheduling"
	"github.com/cicadatesting/cicada/pkg/services"
	"github.com/cicadatesting/cicada/pkg/types"
)

// workerScheduler satisfies the backend's scheduler by running each
// worker role as an engine goroutine in this process.
type workerScheduler struct {
	engine *engine.Engine

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	done    map[string]chan struct{}
	tests   map[string][]string
}

var _ services.Scheduler = (*workerScheduler)(nil)

func newWorkerScheduler(e *engine.Engine) *workerScheduler {
	return &workerScheduler{
		engine:  e,
		cancels: map[string]context.CancelFunc{},
		done:    map[string]chan struct{}{},
		tests:   map[string][]string{},
	}
}

func (s *workerScheduler) launch(testID, instanceID string, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancels[instanceID] = cancel
	s.done[instanceID] = done
	s.tests[testID] = append(s.tests[testID], instanceID)
	s.mu.Unlock()

	go func() {
		defer close(done)

		if err := s.engine.Run(ctx, args); err != nil && !errors.Is(err, context.Canceled) {
			slog.Debug("worker exited with error", "instanceID", instanceID, "error", err)
		}
	}()
}

func (s *workerScheduler) CreateTest(testID, backendAddress string, metadata *scheduling.Metadata, tags []string, env map[string]string) error {
	args := []string{"run-test", "--test-id", testID, "--backend-address", backendAddress}

	for _, tag := range tags {
		args = append(args, "--tag", tag)
	}

	s.launch(testID, testID, args)

	return nil
}

func (s *workerScheduler) CreateScenario(testID, scenarioID, scenarioName, backendAddress, encodedContext string, metadata *scheduling.Metadata, env map[string]string) error {
	s.launch(testID, scenarioID, []string{
		"run-scenario",
		"--name", scenarioName,
		"--test-id", testID,
		"--scenario-id", scenarioID,
		"--encoded-context", encodedContext,
		"--backend-address", backendAddress,
	})

	return nil
}

func (s *workerScheduler) CreateUserManagers(userManagerIDs []string, testID, scenarioName, backendAddress, encodedContext string, metadata *scheduling.Metadata, env map[string]string) error {
	for _, userManagerID := range userManagerIDs {
		s.launch(testID, userManagerID, []string{
			"run-user",
			"--name", scenarioName,
			"--user-manager-id", userManagerID,
			"--backend-address", backendAddress,
			"--encoded-context", encodedContext,
		})
	}

	return nil
}

func (s *workerScheduler) StopUserManagers(userManagerIDs []string, metadata *scheduling.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, userManagerID := range userManagerIDs {
		if cancel, ok := s.cancels[userManagerID]; ok {
			cancel()
		}
	}

	return nil
}

func (s *workerScheduler) CheckInstance(instanceID string, metadata *scheduling.Metadata) (bool, error) {
	s.mu.Lock()
	done, ok := s.done[instanceID]
	s.mu.Unlock()

	if !ok {
		return false, nil
	}

	select {
	case <-done:
		return false, nil
	default:
		return true, nil
	}
}

func (s *workerScheduler) CleanTestInstances(testID string, metadata *scheduling.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, instanceID := range s.tests[testID] {
		if cancel, ok := s.cancels[instanceID]; ok {
			cancel()
		}
	}

	delete(s.tests, testID)

	return nil
}

// cluster is an in-process backend with a goroutine scheduler bound to
// one engine's scenarios.
type cluster struct {
	client *backend.Client
	addr   string
}

func startCluster(t *testing.T, e *engine.Engine) *cluster {
	t.Helper()
	gin.SetMode(gin.TestMode)

	service := services.NewBackendService(datastore.NewMemoryDatastore(), newWorkerScheduler(e))
	server := httptest.NewServer(api.NewServer(service).Router())
	t.Cleanup(server.Close)

	addr := strings.TrimPrefix(server.URL, "http://")

	return &cluster{client: backend.NewClient(addr), addr: addr}
}

// outcome is what the controller would learn from the event stream.
type outcome struct {
	kinds    []string
	messages []string
	results  map[string]types.ScenarioResult
	metrics  map[string]map[string]*string
	errored  bool
}

func (o *outcome) result(t *testing.T, scenario string) types.ScenarioResult {
	t.Helper()

	result, ok := o.results[scenario]
	require.True(t, ok, "no result for scenario %s", scenario)

	return result
}

// runTest creates a test and follows its event stream to completion.
func runTest(t *testing.T, c *cluster, tags []string) *outcome {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	testID, err := c.client.CreateTest(ctx, c.addr, json.RawMessage(`{"mode":"LOCAL"}`), tags, nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(testID, "cicada-test-"))

	t.Cleanup(func() {
		_ = c.client.CleanTestInstances(context.Background(), testID)
	})

	collected := &outcome{
		results: map[string]types.ScenarioResult{},
		metrics: map[string]map[string]*string{},
	}

	for {
		events, err := c.client.GetTestEvents(ctx, testID)
		require.NoError(t, err)

		for _, event := range events {
			collected.kinds = append(collected.kinds, event.Kind)

			if event.Kind == types.ScenarioMetricEvent {
				metric, err := event.Metric()
				require.NoError(t, err)

				collected.metrics[metric.Scenario] = metric.Metrics

				continue
			}

			status, err := event.Status()
			require.NoError(t, err)

			collected.messages = append(collected.messages, status.Message)

			if status.Context != "" {
				require.NoError(t, json.Unmarshal([]byte(status.Context), &collected.results))
			}

			switch event.Kind {
			case types.TestErroredEvent:
				collected.errored = true

				return collected
			case types.TestFinishedEvent:
				return collected
			}
		}

		select {
		case <-ctx.Done():
			t.Fatalf("test %s did not finish: %v", testID, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func assertMessage(t *testing.T, o *outcome, expected string) {
	t.Helper()

	for _, message := range o.messages {
		if message == expected {
			return
		}
	}

	t.Fatalf("message %q not found in %v", expected, o.messages)
}
