package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "tenantlink.pid")

	lm := NewLifecycleManager(pidFile, zerolog.Nop())
	assert.NotNil(t, lm)
	assert.Equal(t, pidFile, lm.PIDFile())
}

func TestLifecycleManagerStartStop(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "run", "tenantlink.pid")
	lm := NewLifecycleManager(pidFile, zerolog.Nop())

	// Start creates the parent directory and the PID file
	require.NoError(t, lm.Start())

	pid, err := ReadPIDFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Stop
	require.NoError(t, lm.Stop())

	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))

	// Stopping twice is fine
	assert.NoError(t, lm.Stop())
}

func TestLifecycleManagerReplacesStalePIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "tenantlink.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("not-a-pid"), 0644))

	lm := NewLifecycleManager(pidFile, zerolog.Nop())
	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := ReadPIDFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestLifecycleManagerAcceptsOwnPID(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "tenantlink.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))

	lm := NewLifecycleManager(pidFile, zerolog.Nop())
	assert.NoError(t, lm.Start())
	defer lm.Stop()
}

func TestLifecycleManagerRejectsLiveProcess(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "tenantlink.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("1\n"), 0644))

	lm := NewLifecycleManager(pidFile, zerolog.Nop())
	err := lm.Start()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPIDFile(filepath.Join(dir, "missing.pid"))
	assert.True(t, os.IsNotExist(err))

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("-4"), 0644))
	_, err = ReadPIDFile(bad)
	assert.Error(t, err)

	good := filepath.Join(dir, "good.pid")
	require.NoError(t, os.WriteFile(good, []byte(" 4242\n"), 0644))
	pid, err := ReadPIDFile(good)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestProcessRunning(t *testing.T) {
	assert.True(t, ProcessRunning(os.Getpid()))
	assert.False(t, ProcessRunning(1<<22+1))
}
