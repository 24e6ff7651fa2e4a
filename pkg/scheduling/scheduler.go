// Package scheduling launches and tears down test runner instances. A
// scheduler knows how to turn a test, scenario, or user manager ID into
// a running process, container, or job executing the matching worker
// subcommand of the user's test binary.
package scheduling

import (
	"encoding/json"
	"fmt"
)

// Scheduling modes carried in a test's scheduling metadata.
const (
	ModeLocal  = "LOCAL"
	ModeDocker = "DOCKER"
	ModeKube   = "KUBE"
)

// Instance type labels attached to launched containers and jobs.
const (
	testInstanceType     = "cicada-distributed-test"
	scenarioInstanceType = "cicada-distributed-scenario"
	userInstanceType     = "cicada-distributed-user"
)

// DefaultDockerNetwork joins instances to the cluster network when the
// test metadata does not name one.
const DefaultDockerNetwork = "cicada-distributed-network"

// Metadata is the mode-discriminated scheduling envelope stored with
// each test. Only the fields of the selected mode are meaningful.
type Metadata struct {
	Mode string `json:"mode"`

	// LOCAL
	RuntimePath string `json:"runtimePath,omitempty"`
	Logdir      string `json:"logdir,omitempty"`

	// DOCKER and KUBE
	Image     string `json:"image,omitempty"`
	Network   string `json:"network,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

// ParseMetadata loads a metadata envelope from its stored JSON form.
func ParseMetadata(raw json.RawMessage) (*Metadata, error) {
	metadata := Metadata{}

	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("error loading scheduling metadata: %w", err)
	}

	if metadata.Mode == "" {
		return nil, fmt.Errorf("scheduling metadata is missing a mode")
	}

	return &metadata, nil
}

// Scheduler launches worker instances for one scheduling mode.
type Scheduler interface {
	CreateTest(testID, backendAddress string, metadata *Metadata, tags []string, env map[string]string) error
	CreateScenario(testID, scenarioID, scenarioName, backendAddress, encodedContext string, metadata *Metadata, env map[string]string) error
	CreateUserManagers(userManagerIDs []string, testID, scenarioName, backendAddress, encodedContext string, metadata *Metadata, env map[string]string) error
	StopUserManagers(userManagerIDs []string, metadata *Metadata) error
	CheckInstance(instanceID string, metadata *Metadata) (bool, error)
	CleanTestInstances(testID string, metadata *Metadata) error
}

// Router dispatches scheduling calls to the scheduler matching the
// metadata's mode.
type Router struct {
	schedulers map[string]Scheduler
}

// NewRouter builds a router over the given mode implementations.
func NewRouter(local, docker, kube Scheduler) *Router {
	return &Router{
		schedulers: map[string]Scheduler{
			ModeLocal:  local,
			ModeDocker: docker,
			ModeKube:   kube,
		},
	}
}

func (r *Router) forMode(metadata *Metadata) (Scheduler, error) {
	scheduler, ok := r.schedulers[metadata.Mode]

	if !ok || scheduler == nil {
		return nil, fmt.Errorf("unsupported scheduling mode: %s", metadata.Mode)
	}

	return scheduler, nil
}

func (r *Router) CreateTest(testID, backendAddress string, metadata *Metadata, tags []string, env map[string]string) error {
	scheduler, err := r.forMode(metadata)

	if err != nil {
		return err
	}

	return scheduler.CreateTest(testID, backendAddress, metadata, tags, env)
}

func (r *Router) CreateScenario(testID, scenarioID, scenarioName, backendAddress, encodedContext string, metadata *Metadata, env map[string]string) error {
	scheduler, err := r.forMode(metadata)

	if err != nil {
		return err
	}

	return scheduler.CreateScenario(testID, scenarioID, scenarioName, backendAddress, encodedContext, metadata, env)
}

func (r *Router) CreateUserManagers(userManagerIDs []string, testID, scenarioName, backendAddress, encodedContext string, metadata *Metadata, env map[string]string) error {
	scheduler, err := r.forMode(metadata)

	if err != nil {
		return err
	}

	return scheduler.CreateUserManagers(userManagerIDs, testID, scenarioName, backendAddress, encodedContext, metadata, env)
}

func (r *Router) StopUserManagers(userManagerIDs []string, metadata *Metadata) error {
	scheduler, err := r.forMode(metadata)

	if err != nil {
		return err
	}

	return scheduler.StopUserManagers(userManagerIDs, metadata)
}

func (r *Router) CheckInstance(instanceID string, metadata *Metadata) (bool, error) {
	scheduler, err := r.forMode(metadata)

	if err != nil {
		return false, err
	}

	return scheduler.CheckInstance(instanceID, metadata)
}

func (r *Router) CleanTestInstances(testID string, metadata *Metadata) error {
	scheduler, err := r.forMode(metadata)

	if err != nil {
		return err
	}

	return scheduler.CleanTestInstances(testID, metadata)
}

// testCommand builds the run-test argv for a worker instance.
func testCommand(testID, backendAddress string, tags []string) []string {
	command := []string{
		"run-test",
		"--test-id",
		testID,
		"--backend-address",
		backendAddress,
	}

	for _, tag := range tags {
		command = append(command, "--tag", tag)
	}

	return command
}

// scenarioCommand builds the run-scenario argv for a worker instance.
func scenarioCommand(testID, scenarioID, scenarioName, backendAddress, encodedContext string) []string {
	return []string{
		"run-scenario",
		"--name",
		scenarioName,
		"--test-id",
		testID,
		"--scenario-id",
		scenarioID,
		"--encoded-context",
		encodedContext,
		"--backend-address",
		backendAddress,
	}
}

// userCommand builds the run-user argv for a worker instance.
func userCommand(userManagerID, scenarioName, backendAddress, encodedContext string) []string {
	return []string{
		"run-user",
		"--name",
		scenarioName,
		"--user-manager-id",
		userManagerID,
		"--backend-address",
		backendAddress,
		"--encoded-context",
		encodedContext,
	}
}

func testLabels(testID string) map[string]string {
	return map[string]string{"type": testInstanceType, "test": testID}
}

func scenarioLabels(testID, scenarioName string) map[string]string {
	return map[string]string{"type": scenarioInstanceType, "test": testID, "scenario": scenarioName}
}

func userLabels(testID, scenarioName string) map[string]string {
	return map[string]string{"type": userInstanceType, "test": testID, "scenario": scenarioName}
}
