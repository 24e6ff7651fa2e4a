package scheduling

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// LocalScheduler runs worker instances as child processes of the
// backend, one per instance ID, with stdout piped to a log file.
type LocalScheduler struct {
	client localRunner
}

var _ Scheduler = (*LocalScheduler)(nil)

// NewLocalScheduler returns a scheduler executing instances on the
// backend's host.
func NewLocalScheduler() *LocalScheduler {
	return &LocalScheduler{client: newExecClient()}
}

// Teardown kills every process the scheduler still tracks.
func (s *LocalScheduler) Teardown() error {
	return s.client.teardown()
}

func (s *LocalScheduler) CreateTest(testID, backendAddress string, metadata *Metadata, tags []string, env map[string]string) error {
	command := append([]string{metadata.RuntimePath}, testCommand(testID, backendAddress, tags)...)

	if err := s.client.startProcess(testID, testID, metadata.Logdir, command, env); err != nil {
		return fmt.Errorf("error starting test process: %w", err)
	}

	return nil
}

func (s *LocalScheduler) CreateScenario(testID, scenarioID, scenarioName, backendAddress, encodedContext string, metadata *Metadata, env map[string]string) error {
	command := append(
		[]string{metadata.RuntimePath},
		scenarioCommand(testID, scenarioID, scenarioName, backendAddress, encodedContext)...,
	)

	if err := s.client.startProcess(testID, scenarioID, metadata.Logdir, command, env); err != nil {
		return fmt.Errorf("error starting scenario process: %w", err)
	}

	return nil
}

func (s *LocalScheduler) CreateUserManagers(userManagerIDs []string, testID, scenarioName, backendAddress, encodedContext string, metadata *Metadata, env map[string]string) error {
	for _, userManagerID := range userManagerIDs {
		command := append(
			[]string{metadata.RuntimePath},
			userCommand(userManagerID, scenarioName, backendAddress, encodedContext)...,
		)

		if err := s.client.startProcess(testID, userManagerID, metadata.Logdir, command, env); err != nil {
			return fmt.Errorf("error starting user manager process: %w", err)
		}
	}

	return nil
}

func (s *LocalScheduler) StopUserManagers(userManagerIDs []string, metadata *Metadata) error {
	for _, userManagerID := range userManagerIDs {
		if err := s.client.stopProcess(userManagerID); err != nil {
			return fmt.Errorf("error stopping user manager: %w", err)
		}
	}

	return nil
}

func (s *LocalScheduler) CheckInstance(instanceID string, metadata *Metadata) (bool, error) {
	return s.client.processIsRunning(instanceID), nil
}

func (s *LocalScheduler) CleanTestInstances(testID string, metadata *Metadata) error {
	if err := s.client.stopTestProcesses(testID); err != nil {
		return fmt.Errorf("error stopping test instances: %w", err)
	}

	return nil
}

type localRunner interface {
	startProcess(testID, name, logdir string, command []string, env map[string]string) error
	stopProcess(name string) error
	stopTestProcesses(testID string) error
	processIsRunning(name string) bool
	teardown() error
}

// execClient tracks the processes launched for each instance ID. Local
// instances belong to the launching backend process, so a registry is
// the source of truth for liveness and cleanup.
type execClient struct {
	mu        sync.Mutex
	processes map[string]*exec.Cmd
	logfiles  map[string]*os.File
	tests     map[string][]string
	exited    map[string]bool
}

func newExecClient() *execClient {
	return &execClient{
		processes: make(map[string]*exec.Cmd),
		logfiles:  make(map[string]*os.File),
		tests:     make(map[string][]string),
		exited:    make(map[string]bool),
	}
}

func createLogFile(name, logdir string) (*os.File, error) {
	if err := os.MkdirAll(logdir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating logdir: %w", err)
	}

	outfile, err := os.Create(filepath.Join(logdir, fmt.Sprintf("%s.log", name)))

	if err != nil {
		return nil, fmt.Errorf("error creating logfile: %w", err)
	}

	return outfile, nil
}

func convertEnvMap(env map[string]string) []string {
	envList := os.Environ()

	for key, val := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", key, val))
	}

	return envList
}

func (ec *execClient) startProcess(testID, name, logdir string, command []string, env map[string]string) error {
	cmd := exec.Command(command[0], command[1:]...)

	outfile, err := createLogFile(name, logdir)

	if err != nil {
		return err
	}

	cmd.Stdout = outfile
	cmd.Stderr = outfile
	cmd.Env = convertEnvMap(env)

	if err := cmd.Start(); err != nil {
		_ = outfile.Close()
		return fmt.Errorf("error starting process: %w", err)
	}

	slog.Debug("started process", "name", name, "pid", cmd.Process.Pid)

	ec.mu.Lock()
	ec.processes[name] = cmd
	ec.logfiles[name] = outfile
	ec.tests[testID] = append(ec.tests[testID], name)
	ec.mu.Unlock()

	// reap the child so liveness checks see it exit
	go func() {
		_ = cmd.Wait()

		ec.mu.Lock()
		ec.exited[name] = true
		ec.mu.Unlock()
	}()

	return nil
}

func (ec *execClient) stopProcess(name string) error {
	slog.Debug("stopping process", "name", name)

	ec.mu.Lock()
	defer ec.mu.Unlock()

	return ec.stopProcessLocked(name)
}

func (ec *execClient) stopProcessLocked(name string) error {
	cmd, hasCmd := ec.processes[name]

	if !hasCmd {
		return fmt.Errorf("process not found: %s", name)
	}

	if !ec.exited[name] {
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("error killing process: %w", err)
		}
	}

	delete(ec.processes, name)
	delete(ec.exited, name)

	if file, hasFile := ec.logfiles[name]; hasFile {
		delete(ec.logfiles, name)

		if err := file.Close(); err != nil {
			return fmt.Errorf("error closing logfile: %w", err)
		}
	}

	return nil
}

func (ec *execClient) stopTestProcesses(testID string) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	failures := []string{}

	for _, name := range ec.tests[testID] {
		if _, ok := ec.processes[name]; !ok {
			continue
		}

		if err := ec.stopProcessLocked(name); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
		}
	}

	delete(ec.tests, testID)

	if len(failures) > 0 {
		return fmt.Errorf("errors stopping test processes: %s", strings.Join(failures, ", "))
	}

	return nil
}

func (ec *execClient) processIsRunning(name string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	_, tracked := ec.processes[name]

	return tracked && !ec.exited[name]
}

func (ec *execClient) teardown() error {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	failures := []string{}

	for name, cmd := range ec.processes {
		if ec.exited[name] {
			continue
		}

		if err := cmd.Process.Kill(); err != nil {
			failures = append(failures, fmt.Sprintf("killing %s: %v", name, err))
		}
	}

	for name, logfile := range ec.logfiles {
		if err := logfile.Close(); err != nil {
			failures = append(failures, fmt.Sprintf("closing logfile %s: %v", name, err))
		}
	}

	ec.processes = make(map[string]*exec.Cmd)
	ec.logfiles = make(map[string]*os.File)
	ec.tests = make(map[string][]string)
	ec.exited = make(map[string]bool)

	if len(failures) > 0 {
		return fmt.Errorf("errors tearing down local scheduler: %s", strings.Join(failures, ", "))
	}

	return nil
}
