package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	dockerclient "github.com/moby/moby/client"
	"github.com/spf13/cobra"

	"github.com/cicadatesting/cicada/pkg/scheduling"
)

const (
	backendContainerName = "cicada-distributed-backend"
	redisContainerName   = "cicada-distributed-redis"

	backendImage = "cicadatesting/cicada-distributed-backend:latest"
	redisImage   = "redis:6"

	// containerBackendAddress is where containerized workers reach the
	// backend over the cluster network.
	containerBackendAddress = "cicada-distributed-backend:8283"
)

//go:embed templates/cluster.yaml
var kubeClusterManifests string

func newStartClusterCommand() *cobra.Command {
	var networkName, mode string
	var createNetwork bool

	cmd := &cobra.Command{
		Use:   "start-cluster",
		Short: "Provision the backend cluster",
		Long: "Provision the backend cluster.\n\n" +
			"DOCKER starts a containerized local cluster; KUBE prints manifests to install it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch mode {
			case scheduling.ModeKube:
				fmt.Print(kubeClusterManifests)

				return nil
			case scheduling.ModeDocker:
				return startDockerCluster(cmd.Context(), networkName, createNetwork)
			default:
				return fmt.Errorf("invalid mode: %s", mode)
			}
		},
	}

	cmd.Flags().StringVar(&networkName, "network", scheduling.DefaultDockerNetwork, "network to add the cluster to")
	cmd.Flags().BoolVar(&createNetwork, "create-network", true, "create the network if it does not exist")
	cmd.Flags().StringVar(&mode, "mode", scheduling.ModeDocker, "DOCKER or KUBE")

	return cmd
}

func newStopClusterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-cluster",
		Short: "Tear down the docker backend cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, err := newClusterClient(cmd.Context())

			if err != nil {
				return err
			}

			defer cluster.Close()

			ctx := cmd.Context()

			if err := cluster.containerDown(ctx, backendContainerName); err != nil {
				return err
			}

			slog.Debug("stopped backend")

			if err := cluster.containerDown(ctx, redisContainerName); err != nil {
				return err
			}

			slog.Debug("stopped redis")

			return nil
		},
	}
}

func startDockerCluster(ctx context.Context, networkName string, createNetwork bool) error {
	cluster, err := newClusterClient(ctx)

	if err != nil {
		return err
	}

	defer cluster.Close()

	if err := cluster.ensureNetwork(ctx, networkName, createNetwork); err != nil {
		return err
	}

	slog.Debug("starting redis")

	err = cluster.containerUp(ctx, containerSpec{
		name:    redisContainerName,
		image:   redisImage,
		network: networkName,
		ports:   portBinding("6379/tcp", "6379"),
		pull:    true,
	})

	if err != nil {
		return fmt.Errorf("error starting redis: %w", err)
	}

	slog.Debug("starting backend")

	err = cluster.containerUp(ctx, containerSpec{
		name:    backendContainerName,
		image:   backendImage,
		network: networkName,
		ports:   portBinding("8283/tcp", "8283"),
		env: []string{
			"DATASTORE=redis",
			"REDIS_ADDR=" + redisContainerName + ":6379",
		},
		mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: "/var/run/docker.sock",
			Target: "/var/run/docker.sock",
		}},
		pull: true,
	})

	if err != nil {
		return fmt.Errorf("error starting backend: %w", err)
	}

	return nil
}

// clusterClient manages the long-lived cluster containers on the local
// docker daemon.
type clusterClient struct {
	client *dockerclient.Client
}

func newClusterClient(ctx context.Context) (*clusterClient, error) {
	cli, err := dockerclient.New(dockerclient.WithAPIVersionNegotiation(), dockerclient.FromEnv)

	if err != nil {
		return nil, fmt.Errorf("error connecting to docker daemon: %w", err)
	}

	if _, err := cli.Ping(ctx, dockerclient.PingOptions{NegotiateAPIVersion: true}); err != nil {
		return nil, fmt.Errorf("error pinging docker daemon: %w", err)
	}

	return &clusterClient{client: cli}, nil
}

func (c *clusterClient) Close() {
	if err := c.client.Close(); err != nil {
		slog.Debug("error closing docker client", "error", err)
	}
}

func (c *clusterClient) ensureNetwork(ctx context.Context, name string, create bool) error {
	if _, err := c.client.NetworkInspect(ctx, name, dockerclient.NetworkInspectOptions{}); err == nil {
		return nil
	}

	if !create {
		return fmt.Errorf("docker network %s not configured", name)
	}

	if _, err := c.client.NetworkCreate(ctx, name, dockerclient.NetworkCreateOptions{}); err != nil {
		return fmt.Errorf("error creating docker network: %w", err)
	}

	slog.Debug("created docker network", "network", name)

	return nil
}

type containerSpec struct {
	name    string
	image   string
	network string
	ports   network.PortMap
	env     []string
	mounts  []mount.Mount
	pull    bool
}

// containerUp makes sure a named container is running: a stopped
// leftover is replaced, a running one is left alone.
func (c *clusterClient) containerUp(ctx context.Context, spec containerSpec) error {
	inspected, err := c.client.ContainerInspect(ctx, spec.name, dockerclient.ContainerInspectOptions{})

	if err == nil {
		state := inspected.Container.State

		if state != nil && state.Running {
			slog.Debug("container already running", "name", spec.name)

			return nil
		}

		if _, err := c.client.ContainerRemove(ctx, spec.name, dockerclient.ContainerRemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("error removing stopped container: %w", err)
		}
	}

	if spec.pull {
		if err := c.pullImage(ctx, spec.image); err != nil {
			return err
		}
	}

	result, err := c.client.ContainerCreate(ctx, dockerclient.ContainerCreateOptions{
		Name:  spec.name,
		Image: spec.image,
		Config: &container.Config{
			Image:  spec.image,
			Env:    spec.env,
			Labels: map[string]string{"type": spec.name},
		},
		HostConfig: &container.HostConfig{
			NetworkMode:  container.NetworkMode(spec.network),
			PortBindings: spec.ports,
			Mounts:       spec.mounts,
		},
	})

	if err != nil {
		return fmt.Errorf("error creating container: %w", err)
	}

	if _, err := c.client.ContainerStart(ctx, result.ID, dockerclient.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("error starting container: %w", err)
	}

	slog.Debug("started container", "name", spec.name, "id", result.ID)

	return nil
}

func (c *clusterClient) containerDown(ctx context.Context, name string) error {
	timeout := 3

	if _, err := c.client.ContainerStop(ctx, name, dockerclient.ContainerStopOptions{Timeout: &timeout}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}

		return fmt.Errorf("error stopping %s: %w", name, err)
	}

	if _, err := c.client.ContainerRemove(ctx, name, dockerclient.ContainerRemoveOptions{}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("error removing %s: %w", name, err)
	}

	return nil
}

func (c *clusterClient) pullImage(ctx context.Context, image string) error {
	resp, err := c.client.ImagePull(ctx, image, dockerclient.ImagePullOptions{})

	if err != nil {
		return fmt.Errorf("error pulling %s: %w", image, err)
	}

	defer resp.Close()

	if err := resp.Wait(ctx); err != nil {
		return fmt.Errorf("error pulling %s: %w", image, err)
	}

	return nil
}

func portBinding(port, hostPort string) network.PortMap {
	return network.PortMap{
		network.MustParsePort(port): []network.PortBinding{{HostPort: hostPort}},
	}
}
