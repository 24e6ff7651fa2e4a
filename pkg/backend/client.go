// Package backend is the typed HTTP client for the backend protocol.
// Worker processes and the CLI use role-scoped facades over one shared
// client; not-found responses surface as ErrNotFound so pollers can
// treat them as "no data yet".
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cicadatesting/cicada/pkg/types"
)

// ErrNotFound mirrors the server's 404 responses: the target key of
// the operation holds no data.
var ErrNotFound = errors.New("not found")

// Client issues backend protocol requests against one server address.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client for a backend address such as
// "localhost:8283".
func NewClient(address string) *Client {
	baseURL := address

	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends one JSON request and decodes the JSON response into out
// when provided.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader

	if body != nil {
		b, err := json.Marshal(body)

		if err != nil {
			return fmt.Errorf("error marshalling request: %w", err)
		}

		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)

	if err != nil {
		return fmt.Errorf("error building request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)

	if err != nil {
		return fmt.Errorf("error calling backend: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("backend returned %d for %s %s: %s", resp.StatusCode, method, path, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("error decoding response: %w", err)
		}
	}

	return nil
}

type createTestRequest struct {
	BackendAddress     string            `json:"backendAddress"`
	SchedulingMetadata json.RawMessage   `json:"schedulingMetadata"`
	Tags               []string          `json:"tags,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
}

type createTestResponse struct {
	TestID string `json:"testID"`
}

type createScenarioRequest struct {
	Name             string   `json:"name"`
	EncodedContext   string   `json:"encodedContext"`
	UsersPerInstance int      `json:"usersPerInstance"`
	Tags             []string `json:"tags,omitempty"`
}

type createScenarioResponse struct {
	ScenarioID string `json:"scenarioID"`
}

type amountRequest struct {
	Amount int `json:"amount"`
}

type createUsersResponse struct {
	UserManagerIDs []string `json:"userManagerIDs"`
}

type testEventsResponse struct {
	Events []types.TestEvent `json:"events"`
}

type userEventsResponse struct {
	Events []types.UserEvent `json:"events"`
}

type instanceResponse struct {
	Running bool `json:"running"`
}

type workResponse struct {
	Amount int `json:"amount"`
}

type addUserResultsRequest struct {
	Results []types.Result `json:"results"`
}

type moveUserResultsRequest struct {
	Limit int `json:"limit"`
}

type userResultsResponse struct {
	Results []types.Result `json:"results"`
}

type setScenarioResultRequest struct {
	Output    json.RawMessage `json:"output,omitempty"`
	Exception *string         `json:"exception,omitempty"`
	Logs      string          `json:"logs"`
	TimeTaken float64         `json:"timeTaken"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

type addMetricRequest struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

type metricValueResponse struct {
	Value float64 `json:"value"`
}

// Health checks that the backend server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// CreateTest registers a test run and launches its runner instance.
func (c *Client) CreateTest(
	ctx context.Context,
	backendAddress string,
	schedulingMetadata json.RawMessage,
	tags []string,
	env map[string]string,
) (string, error) {
	resp := createTestResponse{}

	err := c.do(ctx, http.MethodPost, "/api/tests", createTestRequest{
		BackendAddress:     backendAddress,
		SchedulingMetadata: schedulingMetadata,
		Tags:               tags,
		Env:                env,
	}, &resp)

	if err != nil {
		return "", err
	}

	return resp.TestID, nil
}

// CreateScenario registers a scenario under a test.
func (c *Client) CreateScenario(
	ctx context.Context,
	testID, name, encodedContext string,
	usersPerInstance int,
	tags []string,
) (string, error) {
	resp := createScenarioResponse{}

	err := c.do(ctx, http.MethodPost, "/api/tests/"+testID+"/scenarios", createScenarioRequest{
		Name:             name,
		EncodedContext:   encodedContext,
		UsersPerInstance: usersPerInstance,
		Tags:             tags,
	}, &resp)

	if err != nil {
		return "", err
	}

	return resp.ScenarioID, nil
}

// AddTestEvent appends an event to a test's stream.
func (c *Client) AddTestEvent(ctx context.Context, testID string, event types.TestEvent) error {
	return c.do(ctx, http.MethodPost, "/api/tests/"+testID+"/events", event, nil)
}

// GetTestEvents drains a test's event stream.
func (c *Client) GetTestEvents(ctx context.Context, testID string) ([]types.TestEvent, error) {
	resp := testEventsResponse{}

	if err := c.do(ctx, http.MethodGet, "/api/tests/"+testID+"/events", nil, &resp); err != nil {
		return nil, err
	}

	return resp.Events, nil
}

// CheckTestInstance reports whether an instance of the test is still
// running.
func (c *Client) CheckTestInstance(ctx context.Context, testID, instanceID string) (bool, error) {
	resp := instanceResponse{}

	if err := c.do(ctx, http.MethodGet, "/api/tests/"+testID+"/instances/"+instanceID, nil, &resp); err != nil {
		return false, err
	}

	return resp.Running, nil
}

// CleanTestInstances tears down every instance of the test.
func (c *Client) CleanTestInstances(ctx context.Context, testID string) error {
	return c.do(ctx, http.MethodDelete, "/api/tests/"+testID+"/instances", nil, nil)
}

// CreateUsers scales a scenario up, returning new manager IDs.
func (c *Client) CreateUsers(ctx context.Context, scenarioID string, amount int) ([]string, error) {
	resp := createUsersResponse{}

	err := c.do(ctx, http.MethodPost, "/api/scenarios/"+scenarioID+"/users", amountRequest{Amount: amount}, &resp)

	if err != nil {
		return nil, err
	}

	return resp.UserManagerIDs, nil
}

// StopUsers scales a scenario down.
func (c *Client) StopUsers(ctx context.Context, scenarioID string, amount int) error {
	return c.do(ctx, http.MethodDelete, "/api/scenarios/"+scenarioID+"/users", amountRequest{Amount: amount}, nil)
}

// DistributeWork splits work across a scenario's managers.
func (c *Client) DistributeWork(ctx context.Context, scenarioID string, amount int) error {
	return c.do(ctx, http.MethodPost, "/api/scenarios/"+scenarioID+"/work", amountRequest{Amount: amount}, nil)
}

// AddUserEvent broadcasts an event to a scenario's managers.
func (c *Client) AddUserEvent(ctx context.Context, scenarioID string, event types.UserEvent) error {
	return c.do(ctx, http.MethodPost, "/api/scenarios/"+scenarioID+"/events", event, nil)
}

// GetUserWork drains a manager's work counter.
func (c *Client) GetUserWork(ctx context.Context, userManagerID string) (int, error) {
	resp := workResponse{}

	if err := c.do(ctx, http.MethodGet, "/api/user-managers/"+userManagerID+"/work", nil, &resp); err != nil {
		return 0, err
	}

	return resp.Amount, nil
}

// GetUserEvents drains a manager's event queue for one kind.
func (c *Client) GetUserEvents(ctx context.Context, userManagerID, kind string) ([]types.UserEvent, error) {
	resp := userEventsResponse{}

	path := "/api/user-managers/" + userManagerID + "/events?kind=" + url.QueryEscape(kind)

	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	return resp.Events, nil
}

// AddUserResults appends a batch of results to a manager's queue.
func (c *Client) AddUserResults(ctx context.Context, userManagerID string, results []types.Result) error {
	return c.do(ctx, http.MethodPost, "/api/user-managers/"+userManagerID+"/results", addUserResultsRequest{Results: results}, nil)
}

// MoveUserResults drains up to limit user results for a scenario.
func (c *Client) MoveUserResults(ctx context.Context, scenarioID string, limit int) ([]types.Result, error) {
	resp := userResultsResponse{}

	err := c.do(ctx, http.MethodPost, "/api/scenarios/"+scenarioID+"/results/move", moveUserResultsRequest{Limit: limit}, &resp)

	if err != nil {
		return nil, err
	}

	return resp.Results, nil
}

// SetScenarioResult records a scenario's one-shot final result.
func (c *Client) SetScenarioResult(
	ctx context.Context,
	scenarioID string,
	output json.RawMessage,
	exception *string,
	logs string,
	timeTaken float64,
	succeeded, failed int,
) error {
	return c.do(ctx, http.MethodPut, "/api/scenarios/"+scenarioID+"/result", setScenarioResultRequest{
		Output:    output,
		Exception: exception,
		Logs:      logs,
		TimeTaken: timeTaken,
		Succeeded: succeeded,
		Failed:    failed,
	}, nil)
}

// MoveScenarioResult takes a scenario's final result; ErrNotFound
// until it is set and after it is taken.
func (c *Client) MoveScenarioResult(ctx context.Context, scenarioID string) (*types.ScenarioResult, error) {
	result := types.ScenarioResult{}

	err := c.do(ctx, http.MethodPost, "/api/scenarios/"+scenarioID+"/result/move", nil, &result)

	if err != nil {
		return nil, err
	}

	return &result, nil
}

// AddMetric appends a metric sample to a scenario series.
func (c *Client) AddMetric(ctx context.Context, scenarioID, name string, value float64) error {
	return c.do(ctx, http.MethodPost, "/api/scenarios/"+scenarioID+"/metrics", addMetricRequest{Name: name, Value: value}, nil)
}

// GetMetricTotal returns the running sum of a metric series.
func (c *Client) GetMetricTotal(ctx context.Context, scenarioID, name string) (float64, error) {
	resp := metricValueResponse{}

	if err := c.do(ctx, http.MethodGet, "/api/scenarios/"+scenarioID+"/metrics/"+name+"/total", nil, &resp); err != nil {
		return 0, err
	}

	return resp.Value, nil
}

// GetLastMetric returns the latest sample of a metric series.
func (c *Client) GetLastMetric(ctx context.Context, scenarioID, name string) (float64, error) {
	resp := metricValueResponse{}

	if err := c.do(ctx, http.MethodGet, "/api/scenarios/"+scenarioID+"/metrics/"+name+"/last", nil, &resp); err != nil {
		return 0, err
	}

	return resp.Value, nil
}

// GetMetricStatistics returns order statistics over a metric series.
func (c *Client) GetMetricStatistics(ctx context.Context, scenarioID, name string) (*types.MetricStatistics, error) {
	stats := types.MetricStatistics{}

	if err := c.do(ctx, http.MethodGet, "/api/scenarios/"+scenarioID+"/metrics/"+name+"/statistics", nil, &stats); err != nil {
		return nil, err
	}

	return &stats, nil
}

// GetMetricRate returns the fraction of samples at or above
// splitPoint.
func (c *Client) GetMetricRate(ctx context.Context, scenarioID, name string, splitPoint float64) (float64, error) {
	resp := metricValueResponse{}

	path := fmt.Sprintf("/api/scenarios/%s/metrics/%s/rate?split=%v", scenarioID, name, splitPoint)

	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}

	return resp.Value, nil
}
