package scheduling

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStubRuntime creates a stand-in test binary that ignores the
// worker argv.
func writeStubRuntime(t *testing.T, script string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "runtime")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))

	return path
}

func TestLocalSchedulerRunsAndStopsProcesses(t *testing.T) {
	logdir := t.TempDir()

	scheduler := NewLocalScheduler()
	t.Cleanup(func() { _ = scheduler.Teardown() })

	metadata := &Metadata{
		Mode:        ModeLocal,
		RuntimePath: writeStubRuntime(t, "sleep 60"),
		Logdir:      logdir,
	}

	require.NoError(t, scheduler.CreateUserManagers(
		[]string{"user-manager-1"}, "cicada-test-1", "checkout", "backend:8283", "e30=", metadata, nil,
	))

	running, err := scheduler.CheckInstance("user-manager-1", metadata)
	require.NoError(t, err)
	assert.True(t, running)

	_, err = os.Stat(filepath.Join(logdir, "user-manager-1.log"))
	require.NoError(t, err)

	require.NoError(t, scheduler.StopUserManagers([]string{"user-manager-1"}, metadata))

	running, err = scheduler.CheckInstance("user-manager-1", metadata)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestLocalSchedulerDetectsExitedProcess(t *testing.T) {
	scheduler := NewLocalScheduler()
	t.Cleanup(func() { _ = scheduler.Teardown() })

	metadata := &Metadata{
		Mode:        ModeLocal,
		RuntimePath: writeStubRuntime(t, "echo done"),
		Logdir:      t.TempDir(),
	}

	require.NoError(t, scheduler.CreateUserManagers(
		[]string{"user-manager-1"}, "cicada-test-1", "checkout", "backend:8283", "e30=", metadata, nil,
	))

	require.Eventually(t, func() bool {
		running, err := scheduler.CheckInstance("user-manager-1", metadata)
		return err == nil && !running
	}, 3*time.Second, 10*time.Millisecond)
}

func TestLocalSchedulerCleansTestInstances(t *testing.T) {
	scheduler := NewLocalScheduler()
	t.Cleanup(func() { _ = scheduler.Teardown() })

	metadata := &Metadata{
		Mode:        ModeLocal,
		RuntimePath: writeStubRuntime(t, "sleep 60"),
		Logdir:      t.TempDir(),
	}

	require.NoError(t, scheduler.CreateUserManagers(
		[]string{"user-manager-1", "user-manager-2"}, "cicada-test-1", "checkout", "backend:8283", "e30=", metadata, nil,
	))

	require.NoError(t, scheduler.CleanTestInstances("cicada-test-1", metadata))

	for _, name := range []string{"user-manager-1", "user-manager-2"} {
		running, err := scheduler.CheckInstance(name, metadata)
		require.NoError(t, err)
		assert.False(t, running)
	}
}

func TestLocalSchedulerStopUnknownProcess(t *testing.T) {
	scheduler := NewLocalScheduler()

	err := scheduler.StopUserManagers([]string{"user-manager-missing"}, &Metadata{Mode: ModeLocal})
	assert.ErrorContains(t, err, "process not found")
}
