package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/moby/moby/api/types/container"
	dockerclient "github.com/moby/moby/client"
)

// DockerScheduler runs worker instances as labeled containers on the
// backend's docker daemon. Container names are the instance IDs, and a
// per-test registry records what was launched so a whole test can be
// torn down.
type DockerScheduler struct {
	client containerClient

	mu    sync.Mutex
	tests map[string][]string
}

var _ Scheduler = (*DockerScheduler)(nil)

// NewDockerScheduler connects to the docker daemon configured in the
// environment.
func NewDockerScheduler(ctx context.Context) (*DockerScheduler, error) {
	cli, err := dockerclient.New(dockerclient.WithAPIVersionNegotiation(), dockerclient.FromEnv)

	if err != nil {
		return nil, fmt.Errorf("error connecting to docker daemon: %w", err)
	}

	if _, err := cli.Ping(ctx, dockerclient.PingOptions{NegotiateAPIVersion: true}); err != nil {
		return nil, fmt.Errorf("error pinging docker daemon: %w", err)
	}

	return newDockerScheduler(&mobyClient{client: cli}), nil
}

func newDockerScheduler(client containerClient) *DockerScheduler {
	return &DockerScheduler{
		client: client,
		tests:  make(map[string][]string),
	}
}

func (s *DockerScheduler) track(testID, name string) {
	s.mu.Lock()
	s.tests[testID] = append(s.tests[testID], name)
	s.mu.Unlock()
}

func (s *DockerScheduler) network(metadata *Metadata) string {
	if metadata.Network != "" {
		return metadata.Network
	}

	return DefaultDockerNetwork
}

func (s *DockerScheduler) CreateTest(testID, backendAddress string, metadata *Metadata, tags []string, env map[string]string) error {
	err := s.client.startContainer(
		metadata.Image,
		testID,
		testCommand(testID, backendAddress, tags),
		testLabels(testID),
		env,
		s.network(metadata),
	)

	if err != nil {
		return fmt.Errorf("error starting test container: %w", err)
	}

	s.track(testID, testID)

	return nil
}

func (s *DockerScheduler) CreateScenario(testID, scenarioID, scenarioName, backendAddress, encodedContext string, metadata *Metadata, env map[string]string) error {
	err := s.client.startContainer(
		metadata.Image,
		scenarioID,
		scenarioCommand(testID, scenarioID, scenarioName, backendAddress, encodedContext),
		scenarioLabels(testID, scenarioName),
		env,
		s.network(metadata),
	)

	if err != nil {
		return fmt.Errorf("error starting scenario container: %w", err)
	}

	s.track(testID, scenarioID)

	return nil
}

func (s *DockerScheduler) CreateUserManagers(userManagerIDs []string, testID, scenarioName, backendAddress, encodedContext string, metadata *Metadata, env map[string]string) error {
	for _, userManagerID := range userManagerIDs {
		err := s.client.startContainer(
			metadata.Image,
			userManagerID,
			userCommand(userManagerID, scenarioName, backendAddress, encodedContext),
			userLabels(testID, scenarioName),
			env,
			s.network(metadata),
		)

		if err != nil {
			return fmt.Errorf("error starting user manager container: %w", err)
		}

		s.track(testID, userManagerID)
	}

	return nil
}

func (s *DockerScheduler) StopUserManagers(userManagerIDs []string, metadata *Metadata) error {
	for _, userManagerID := range userManagerIDs {
		if err := s.client.stopContainer(userManagerID); err != nil {
			return fmt.Errorf("error stopping user manager: %w", err)
		}
	}

	return nil
}

func (s *DockerScheduler) CheckInstance(instanceID string, metadata *Metadata) (bool, error) {
	return s.client.containerIsRunning(instanceID), nil
}

func (s *DockerScheduler) CleanTestInstances(testID string, metadata *Metadata) error {
	s.mu.Lock()
	names := s.tests[testID]
	delete(s.tests, testID)
	s.mu.Unlock()

	for _, name := range names {
		if !s.client.containerIsRunning(name) {
			continue
		}

		if err := s.client.stopContainer(name); err != nil {
			return fmt.Errorf("error stopping test instance: %w", err)
		}
	}

	return nil
}

type containerClient interface {
	startContainer(image, name string, command []string, labels, env map[string]string, network string) error
	stopContainer(name string) error
	containerIsRunning(name string) bool
}

type mobyClient struct {
	client *dockerclient.Client
}

func (c *mobyClient) startContainer(image, name string, command []string, labels, env map[string]string, network string) error {
	ctx := context.Background()

	envList := make([]string, 0, len(env))

	for key, value := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", key, value))
	}

	result, err := c.client.ContainerCreate(ctx, dockerclient.ContainerCreateOptions{
		Name:  name,
		Image: image,
		Config: &container.Config{
			Image:  image,
			Cmd:    command,
			Env:    envList,
			Labels: labels,
		},
		HostConfig: &container.HostConfig{
			NetworkMode: container.NetworkMode(network),
			AutoRemove:  true,
		},
	})

	if err != nil {
		return fmt.Errorf("error creating container: %w", err)
	}

	if _, err := c.client.ContainerStart(ctx, result.ID, dockerclient.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("error starting container: %w", err)
	}

	slog.Debug("started container", "name", name, "id", result.ID)

	return nil
}

func (c *mobyClient) stopContainer(name string) error {
	timeout := 3

	_, err := c.client.ContainerStop(context.Background(), name, dockerclient.ContainerStopOptions{Timeout: &timeout})

	return err
}

func (c *mobyClient) containerIsRunning(name string) bool {
	result, err := c.client.ContainerInspect(context.Background(), name, dockerclient.ContainerInspectOptions{})

	if err != nil {
		return false
	}

	state := result.Container.State

	return state != nil && state.Running
}
