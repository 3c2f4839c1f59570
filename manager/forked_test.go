package manager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TAnNbR/fleet/cluster"
	"github.com/TAnNbR/fleet/cluster/clustertest"
	"github.com/TAnNbR/fleet/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type forkedFixture struct {
	client   *clustertest.Client
	launcher *fakeLauncher
	manager  *ForkedManager

	mu    sync.Mutex
	exits []ProcessExit
}

func newForkedFixture(t *testing.T) *forkedFixture {
	t.Helper()
	dir := t.TempDir()
	f := &forkedFixture{
		client:   clustertest.NewClient("127.0.0.1:7000"),
		launcher: &fakeLauncher{},
	}
	config := NewForkedConfig().
		WithExecutable("/usr/bin/fleet").
		WithLogDir(filepath.Join(dir, "logs")).
		WithTempDir(dir).
		WithRegion("eu").
		WithStopGrace(50 * time.Millisecond).
		WithLauncher(f.launcher).
		WithBootstrapMember(cluster.MemberAddr{ListenAddr: "127.0.0.1:7000", ID: "node-1"})
	f.manager = NewForkedManager(config, f.client, "agent-1")
	f.manager.OnProcessExit(func(e ProcessExit) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.exits = append(f.exits, e)
	})
	return f
}

func (f *forkedFixture) processExits() []ProcessExit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ProcessExit(nil), f.exits...)
}

func (f *forkedFixture) start(t *testing.T, cfg fleet.ActorConfig) (ManagedActor, *fakeProcess) {
	t.Helper()
	a, err := f.manager.CreateActor(cfg)
	require.NoError(t, err)
	_, err = a.Start()
	require.NoError(t, err)
	proc, _ := f.launcher.last()
	w := f.manager.Watchdog(cfg.Key)
	require.NotNil(t, w)
	require.NoError(t, w.AwaitUntilStarted(context.Background()))
	return a, proc
}

func TestForkedCommandLine(t *testing.T) {
	f := newForkedFixture(t)
	cfg := fleet.NewActorConfig("X", "echo").
		WithForked().
		WithRuntimeArgs("--log-level", "debug").
		WithConfig(`{"greeting":"hi"}`)

	a, err := f.manager.CreateActor(cfg)
	require.NoError(t, err)
	info, err := a.Start()
	require.NoError(t, err)

	_, spec := f.launcher.last()
	require.Len(t, spec.Command, 7)
	assert.Equal(t, []string{"/usr/bin/fleet", "--log-level", "debug", "bootstrap", "X", "echo"}, spec.Command[:6])
	assert.Equal(t, spec.Command, info.Command)
	assert.Equal(t, 1000, info.PID)
	assert.NotEmpty(t, info.Endpoint)
	assert.Equal(t, "agent-1", filepath.Base(filepath.Dir(spec.LogFile)))

	boot, err := ReadBootstrapFile(spec.Command[6])
	require.NoError(t, err)
	assert.Equal(t, fleet.AgentKey("agent-1"), boot.Agent)
	assert.Equal(t, "127.0.0.1:7000", boot.AgentEndpoint)
	assert.Equal(t, "node-1", boot.AgentID)
	assert.Equal(t, info.Endpoint, boot.Cluster.ListenAddr)
	assert.Equal(t, "eu", boot.Cluster.Region)
	assert.JSONEq(t, `{"greeting":"hi"}`, string(boot.Config))

	_, err = os.Stat(spec.Command[6])
	assert.True(t, os.IsNotExist(err))
}

func TestForkedDuplicateKeyRejected(t *testing.T) {
	f := newForkedFixture(t)
	f.start(t, fleet.NewActorConfig("X", "echo").WithForked())

	_, err := f.manager.CreateActor(fleet.NewActorConfig("X", "other").WithForked())
	assert.ErrorIs(t, err, fleet.ErrInvalidArgument)
	assert.Equal(t, []fleet.ActorKey{"X"}, f.manager.Tracked())
	assert.Len(t, f.launcher.procs, 1)
	assert.False(t, f.manager.Watchdog("X").HasProcessExited())
}

func TestForkedUnusableLogDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	config := NewForkedConfig().WithLogDir(blocker).WithTempDir(dir).WithLauncher(&fakeLauncher{})
	m := NewForkedManager(config, clustertest.NewClient("127.0.0.1:7000"), "agent-1")
	_, err := m.CreateActor(fleet.NewActorConfig("X", "echo").WithForked())
	assert.ErrorIs(t, err, fleet.ErrIllegalState)
	assert.Empty(t, m.Tracked())
}

func TestForkedDoubleCloseIsIdempotent(t *testing.T) {
	f := newForkedFixture(t)
	a, proc := f.start(t, fleet.NewActorConfig("X", "echo").WithForked())
	f.start(t, fleet.NewActorConfig("Y", "echo").WithForked())

	// 子进程收到停止命令后正常退出
	require.NoError(t, f.client.Register(fleet.ActorAddress("X"), func(msg any) {
		if _, ok := msg.(*fleet.StopCommand); ok {
			proc.finish(nil)
		}
	}))

	require.NoError(t, a.Close())
	afterFirst := f.manager.Tracked()
	require.NoError(t, a.Close())
	assert.Equal(t, afterFirst, f.manager.Tracked())
	assert.Equal(t, []fleet.ActorKey{"Y"}, afterFirst)
	assert.Len(t, f.client.SentTo(fleet.ActorAddress("X")), 1)

	require.Eventually(t, func() bool { return len(f.processExits()) == 1 }, time.Second, 5*time.Millisecond)
	exit := f.processExits()[0]
	assert.Equal(t, fleet.ActorKey("X"), exit.Key)
	assert.True(t, exit.Requested)
	assert.Zero(t, proc.killed.Load())
}

func TestForkedCloseKillsStubbornProcess(t *testing.T) {
	f := newForkedFixture(t)
	a, proc := f.start(t, fleet.NewActorConfig("X", "echo").WithForked())

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return proc.killed.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.processExits()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.processExits()[0].Requested)
}

func TestForkedExternalKill(t *testing.T) {
	f := newForkedFixture(t)
	_, proc := f.start(t, fleet.NewActorConfig("X", "echo").WithForked())
	w := f.manager.Watchdog("X")

	require.NoError(t, proc.Kill())

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("watchdog did not terminate")
	}
	assert.True(t, w.HasProcessExited())
	assert.NotContains(t, f.manager.Tracked(), fleet.ActorKey("X"))

	exits := f.processExits()
	require.Len(t, exits, 1)
	assert.False(t, exits[0].Requested)
	assert.ErrorIs(t, exits[0].Err, errKilled)
	assert.Equal(t, 1000, exits[0].PID)
}

func TestForkedManagerClose(t *testing.T) {
	f := newForkedFixture(t)
	_, p1 := f.start(t, fleet.NewActorConfig("X", "echo").WithForked())
	_, p2 := f.start(t, fleet.NewActorConfig("Y", "echo").WithForked())
	unstarted, err := f.manager.CreateActor(fleet.NewActorConfig("Z", "echo").WithForked())
	require.NoError(t, err)

	require.NoError(t, f.manager.Close())
	assert.Empty(t, f.manager.Tracked())
	assert.Equal(t, int32(1), p1.killed.Load())
	assert.Equal(t, int32(1), p2.killed.Load())
	require.NoError(t, f.manager.Close())
	require.NoError(t, unstarted.Close())

	_, err = f.manager.CreateActor(fleet.NewActorConfig("W", "echo").WithForked())
	assert.ErrorIs(t, err, fleet.ErrIllegalState)
}

func TestForkedLaunchFailure(t *testing.T) {
	f := newForkedFixture(t)
	f.launcher.err = os.ErrPermission
	a, err := f.manager.CreateActor(fleet.NewActorConfig("X", "echo").WithForked())
	require.NoError(t, err)

	_, err = a.Start()
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Empty(t, f.manager.Tracked())
	require.NoError(t, a.Close())

	f.launcher.err = nil
	_, err = f.manager.CreateActor(fleet.NewActorConfig("X", "echo").WithForked())
	assert.NoError(t, err)
}

func TestRunChild(t *testing.T) {
	client := clustertest.NewClient("127.0.0.1:7001")
	reactor := &recordingReactor{}
	boot := &ForkedBootstrap{
		Config:        json.RawMessage(`{"a":1}`),
		Agent:         "agent-1",
		AgentEndpoint: "127.0.0.1:7000",
		Cluster:       ForkedCluster{ListenAddr: "127.0.0.1:7001"},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- runChild(context.Background(), catalogWith("echo", reactor), client, boot, "X", "echo", 0)
	}()

	require.Eventually(t, func() bool {
		return len(client.SentTo(fleet.AgentAddress("agent-1"))) == 1
	}, time.Second, 5*time.Millisecond)
	report := client.SentTo(fleet.AgentAddress("agent-1"))[0].(*fleet.ActorReadyReport)
	assert.Equal(t, fleet.ActorKey("X"), report.Key)
	assert.Equal(t, "127.0.0.1:7001", report.DeployInfo.Endpoint)
	assert.Equal(t, os.Getpid(), report.DeployInfo.PID)

	client.Disconnect("127.0.0.1:9999")
	require.NoError(t, client.Send(fleet.ActorAddress("X"), &fleet.BootstrapCommand{}))
	client.Disconnect("127.0.0.1:7000")

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("child did not stop")
	}
	closed := actorEvents(client, fleet.ActorClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "127.0.0.1:7001", closed[0].DeployInfo.Endpoint)
	assert.Equal(t, []string{"start", "bootstrap", "stop"}, reactor.Calls())
}

func TestForkedCloseDuringLaunch(t *testing.T) {
	for _, fail := range []bool{true, false} {
		dir := t.TempDir()
		launcher := newGatedLauncher()
		if fail {
			launcher.err = os.ErrPermission
		}
		config := NewForkedConfig().
			WithLogDir(filepath.Join(dir, "logs")).
			WithTempDir(dir).
			WithStopGrace(20 * time.Millisecond).
			WithLauncher(launcher)
		m := NewForkedManager(config, clustertest.NewClient("127.0.0.1:7000"), "agent-1")
		a, err := m.CreateActor(fleet.NewActorConfig("X", "echo").WithForked())
		require.NoError(t, err)

		started := make(chan error, 1)
		go func() {
			_, err := a.Start()
			started <- err
		}()
		<-launcher.entered

		closed := make(chan error, 1)
		go func() { closed <- m.Close() }()
		require.Eventually(t, func() bool { return len(m.Tracked()) == 0 }, time.Second, 5*time.Millisecond)
		close(launcher.release)

		select {
		case err := <-started:
			require.Error(t, err)
		case <-time.After(time.Second):
			t.Fatal("Start did not return")
		}
		select {
		case err := <-closed:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Close did not return")
		}
		assert.Nil(t, m.Watchdog("X"))
		if !fail {
			proc, _ := launcher.last()
			assert.Equal(t, int32(1), proc.killed.Load())
		}
		require.NoError(t, a.Close())
	}
}

func TestForkedStartTwiceRejected(t *testing.T) {
	f := newForkedFixture(t)
	a, _ := f.start(t, fleet.NewActorConfig("X", "echo").WithForked())
	_, err := a.Start()
	assert.ErrorIs(t, err, fleet.ErrIllegalState)
	assert.Len(t, f.launcher.procs, 1)
}
