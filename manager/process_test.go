package manager

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/TAnNbR/fleet/cluster/clustertest"
	"github.com/TAnNbR/fleet/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecLauncherExternalKill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("需要 /bin/sh")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("找不到 sh")
	}
	dir := t.TempDir()
	config := NewForkedConfig().
		WithExecutable(sh).
		WithLogDir(filepath.Join(dir, "logs")).
		WithTempDir(dir).
		WithStopGrace(100 * time.Millisecond)
	m := NewForkedManager(config, clustertest.NewClient("127.0.0.1:7000"), "agent-1")
	exits := make(chan ProcessExit, 1)
	m.OnProcessExit(func(e ProcessExit) { exits <- e })

	// sh -c 之后的参数成为脚本的位置参数
	a, err := m.CreateActor(fleet.NewActorConfig("X", "echo").
		WithForked().
		WithRuntimeArgs("-c", "echo started; sleep 30"))
	require.NoError(t, err)
	info, err := a.Start()
	require.NoError(t, err)
	require.Greater(t, info.PID, 0)

	w := m.Watchdog("X")
	require.NotNil(t, w)
	require.NoError(t, w.AwaitUntilStarted(context.Background()))

	logFile := filepath.Join(dir, "logs", "agent-1", "X.log")
	require.Eventually(t, func() bool {
		logs, err := os.ReadFile(logFile)
		return err == nil && strings.Contains(string(logs), "started")
	}, 5*time.Second, 10*time.Millisecond)

	proc, err := os.FindProcess(info.PID)
	require.NoError(t, err)
	require.NoError(t, proc.Kill())

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not terminate")
	}
	assert.True(t, w.HasProcessExited())
	assert.Empty(t, m.Tracked())

	select {
	case exit := <-exits:
		assert.False(t, exit.Requested)
		assert.Error(t, exit.Err)
		assert.Equal(t, info.PID, exit.PID)
	case <-time.After(time.Second):
		t.Fatal("exit was not reported")
	}

	// 已退出的进程再次 Kill 不报错
	assert.NoError(t, w.Process().Kill())

	require.NoError(t, a.Close())
	require.NoError(t, m.Close())
}
