package scheduling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// KubeScheduler runs worker instances as Kubernetes Jobs through
// kubectl. Manifests are generated as JSON and applied via stdin, so
// the backend only needs a configured kubectl on its PATH.
type KubeScheduler struct {
	client kubectlRunner
}

var _ Scheduler = (*KubeScheduler)(nil)

// NewKubeScheduler returns a scheduler driving the cluster kubectl is
// configured against.
func NewKubeScheduler() *KubeScheduler {
	return &KubeScheduler{client: &execKubectl{}}
}

func (s *KubeScheduler) CreateTest(testID, backendAddress string, metadata *Metadata, tags []string, env map[string]string) error {
	manifest, err := jobManifest(testID, metadata.Image, testCommand(testID, backendAddress, tags), env, testLabels(testID))

	if err != nil {
		return err
	}

	if err := s.client.apply(metadata.Namespace, manifest); err != nil {
		return fmt.Errorf("error starting test job: %w", err)
	}

	return nil
}

func (s *KubeScheduler) CreateScenario(testID, scenarioID, scenarioName, backendAddress, encodedContext string, metadata *Metadata, env map[string]string) error {
	manifest, err := jobManifest(
		scenarioID,
		metadata.Image,
		scenarioCommand(testID, scenarioID, scenarioName, backendAddress, encodedContext),
		env,
		scenarioLabels(testID, scenarioName),
	)

	if err != nil {
		return err
	}

	if err := s.client.apply(metadata.Namespace, manifest); err != nil {
		return fmt.Errorf("error starting scenario job: %w", err)
	}

	return nil
}

func (s *KubeScheduler) CreateUserManagers(userManagerIDs []string, testID, scenarioName, backendAddress, encodedContext string, metadata *Metadata, env map[string]string) error {
	for _, userManagerID := range userManagerIDs {
		manifest, err := jobManifest(
			userManagerID,
			metadata.Image,
			userCommand(userManagerID, scenarioName, backendAddress, encodedContext),
			env,
			userLabels(testID, scenarioName),
		)

		if err != nil {
			return err
		}

		if err := s.client.apply(metadata.Namespace, manifest); err != nil {
			return fmt.Errorf("error starting user manager job: %w", err)
		}
	}

	return nil
}

func (s *KubeScheduler) StopUserManagers(userManagerIDs []string, metadata *Metadata) error {
	for _, userManagerID := range userManagerIDs {
		if err := s.client.deleteJob(metadata.Namespace, userManagerID); err != nil {
			return fmt.Errorf("error stopping user manager: %w", err)
		}
	}

	return nil
}

func (s *KubeScheduler) CheckInstance(instanceID string, metadata *Metadata) (bool, error) {
	return s.client.jobIsActive(metadata.Namespace, instanceID), nil
}

func (s *KubeScheduler) CleanTestInstances(testID string, metadata *Metadata) error {
	if err := s.client.deleteJobsByLabel(metadata.Namespace, fmt.Sprintf("test=%s", testID)); err != nil {
		return fmt.Errorf("error stopping test instances: %w", err)
	}

	return nil
}

// jobManifest renders a single-completion Job running the worker
// command. Restarts are disabled so a crashed worker surfaces as a
// dead instance instead of silently rerunning.
func jobManifest(name, image string, command []string, env, labels map[string]string) ([]byte, error) {
	envVars := []map[string]string{}

	for key, value := range env {
		envVars = append(envVars, map[string]string{"name": key, "value": value})
	}

	manifest := map[string]any{
		"apiVersion": "batch/v1",
		"kind":       "Job",
		"metadata": map[string]any{
			"name":   name,
			"labels": labels,
		},
		"spec": map[string]any{
			"parallelism":  1,
			"completions":  1,
			"backoffLimit": 0,
			"template": map[string]any{
				"metadata": map[string]any{"labels": labels},
				"spec": map[string]any{
					"restartPolicy":      "Never",
					"serviceAccountName": "cicada-distributed-job",
					"containers": []map[string]any{
						{
							"name":  "runner",
							"image": image,
							"args":  command,
							"env":   envVars,
						},
					},
				},
			},
		},
	}

	b, err := json.Marshal(manifest)

	if err != nil {
		return nil, fmt.Errorf("error marshalling job manifest: %w", err)
	}

	return b, nil
}

type kubectlRunner interface {
	apply(namespace string, manifest []byte) error
	deleteJob(namespace, name string) error
	deleteJobsByLabel(namespace, selector string) error
	jobIsActive(namespace, name string) bool
}

type execKubectl struct{}

func (k *execKubectl) run(stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.Command("kubectl", args...)

	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	out, err := cmd.CombinedOutput()

	if err != nil {
		return nil, fmt.Errorf("kubectl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}

	return out, nil
}

func (k *execKubectl) apply(namespace string, manifest []byte) error {
	_, err := k.run(manifest, "apply", "-n", namespace, "-f", "-")

	return err
}

func (k *execKubectl) deleteJob(namespace, name string) error {
	_, err := k.run(nil, "delete", "job", name, "-n", namespace, "--ignore-not-found", "--wait=false")

	return err
}

func (k *execKubectl) deleteJobsByLabel(namespace, selector string) error {
	_, err := k.run(nil, "delete", "jobs", "-n", namespace, "-l", selector, "--ignore-not-found", "--wait=false")

	return err
}

func (k *execKubectl) jobIsActive(namespace, name string) bool {
	out, err := k.run(nil, "get", "job", name, "-n", namespace, "-o", "jsonpath={.status.active}")

	if err != nil {
		return false
	}

	return strings.TrimSpace(string(out)) != "" && strings.TrimSpace(string(out)) != "0"
}
