package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	daemon := createTestDaemon(t)

	lm := NewLifecycleManager(daemon)
	assert.Equal(t, daemon, lm.daemon)
	assert.Equal(t, filepath.Join(daemon.config.DataDir, "conduit.pid"), lm.pidFile)
}

func TestLifecycleManagerStartStop(t *testing.T) {
	daemon := createTestDaemon(t)
	lm := NewLifecycleManager(daemon)

	require.NoError(t, lm.Start())
	_, err := os.Stat(lm.pidFile)
	assert.NoError(t, err)
	assert.True(t, lm.IsRunning())

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.pidFile)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, lm.IsRunning())
}

func TestLifecycleManagerGetPID(t *testing.T) {
	daemon := createTestDaemon(t)
	lm := NewLifecycleManager(daemon)

	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestLifecycleManagerInvalidPID(t *testing.T) {
	daemon := createTestDaemon(t)
	lm := NewLifecycleManager(daemon)

	require.NoError(t, os.MkdirAll(filepath.Dir(lm.pidFile), 0755))
	require.NoError(t, os.WriteFile(lm.pidFile, []byte("nope"), 0644))

	_, err := lm.GetPID()
	assert.Error(t, err)
	assert.False(t, lm.IsRunning())
}
