package scheduling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContainerClient struct {
	started []string
	stopped []string
	images  map[string]string
	labels  map[string]map[string]string
	nets    map[string]string
	running map[string]bool
}

func newFakeContainerClient() *fakeContainerClient {
	return &fakeContainerClient{
		images:  map[string]string{},
		labels:  map[string]map[string]string{},
		nets:    map[string]string{},
		running: map[string]bool{},
	}
}

func (f *fakeContainerClient) startContainer(image, name string, command []string, labels, env map[string]string, network string) error {
	f.started = append(f.started, name)
	f.images[name] = image
	f.labels[name] = labels
	f.nets[name] = network
	f.running[name] = true
	return nil
}

func (f *fakeContainerClient) stopContainer(name string) error {
	f.stopped = append(f.stopped, name)
	f.running[name] = false
	return nil
}

func (f *fakeContainerClient) containerIsRunning(name string) bool {
	return f.running[name]
}

func TestDockerSchedulerLaunchesLabeledContainers(t *testing.T) {
	client := newFakeContainerClient()
	scheduler := newDockerScheduler(client)
	metadata := &Metadata{Mode: ModeDocker, Image: "cicada:latest"}

	require.NoError(t, scheduler.CreateTest("cicada-test-1", "backend:8283", metadata, nil, nil))
	require.NoError(t, scheduler.CreateScenario("cicada-test-1", "scenario-1", "checkout", "backend:8283", "e30=", metadata, nil))
	require.NoError(t, scheduler.CreateUserManagers(
		[]string{"user-manager-1", "user-manager-2"},
		"cicada-test-1", "checkout", "backend:8283", "e30=", metadata, nil,
	))

	assert.Equal(t, []string{"cicada-test-1", "scenario-1", "user-manager-1", "user-manager-2"}, client.started)
	assert.Equal(t, "cicada:latest", client.images["scenario-1"])
	assert.Equal(t, DefaultDockerNetwork, client.nets["cicada-test-1"])

	assert.Equal(t, map[string]string{"type": "cicada-distributed-test", "test": "cicada-test-1"}, client.labels["cicada-test-1"])
	assert.Equal(t, map[string]string{
		"type":     "cicada-distributed-scenario",
		"test":     "cicada-test-1",
		"scenario": "checkout",
	}, client.labels["scenario-1"])
	assert.Equal(t, map[string]string{
		"type":     "cicada-distributed-user",
		"test":     "cicada-test-1",
		"scenario": "checkout",
	}, client.labels["user-manager-1"])
}

func TestDockerSchedulerUsesMetadataNetwork(t *testing.T) {
	client := newFakeContainerClient()
	scheduler := newDockerScheduler(client)
	metadata := &Metadata{Mode: ModeDocker, Image: "cicada:latest", Network: "perf-net"}

	require.NoError(t, scheduler.CreateTest("cicada-test-1", "backend:8283", metadata, nil, nil))
	assert.Equal(t, "perf-net", client.nets["cicada-test-1"])
}

func TestDockerSchedulerStopsAndChecksInstances(t *testing.T) {
	client := newFakeContainerClient()
	scheduler := newDockerScheduler(client)
	metadata := &Metadata{Mode: ModeDocker, Image: "cicada:latest"}

	require.NoError(t, scheduler.CreateUserManagers(
		[]string{"user-manager-1"}, "cicada-test-1", "checkout", "backend:8283", "e30=", metadata, nil,
	))

	running, err := scheduler.CheckInstance("user-manager-1", metadata)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, scheduler.StopUserManagers([]string{"user-manager-1"}, metadata))
	assert.Equal(t, []string{"user-manager-1"}, client.stopped)

	running, err = scheduler.CheckInstance("user-manager-1", metadata)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestDockerSchedulerCleansWholeTest(t *testing.T) {
	client := newFakeContainerClient()
	scheduler := newDockerScheduler(client)
	metadata := &Metadata{Mode: ModeDocker, Image: "cicada:latest"}

	require.NoError(t, scheduler.CreateTest("cicada-test-1", "backend:8283", metadata, nil, nil))
	require.NoError(t, scheduler.CreateScenario("cicada-test-1", "scenario-1", "checkout", "backend:8283", "e30=", metadata, nil))
	require.NoError(t, scheduler.CreateTest("cicada-test-2", "backend:8283", metadata, nil, nil))

	// already-stopped instances are skipped
	require.NoError(t, scheduler.StopUserManagers([]string{"scenario-1"}, metadata))
	client.stopped = nil

	require.NoError(t, scheduler.CleanTestInstances("cicada-test-1", metadata))
	assert.Equal(t, []string{"cicada-test-1"}, client.stopped)

	// the other test's instances stay up
	assert.True(t, client.running["cicada-test-2"])
}
