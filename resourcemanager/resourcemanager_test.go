package resourcemanager

import (
	"math/rand"
	"testing"

	"github.com/TAnNbR/fleet/agent"
	"github.com/TAnNbR/fleet/cluster/clustertest"
	"github.com/TAnNbR/fleet/fleet"
	"github.com/TAnNbR/fleet/manager"
	"github.com/TAnNbR/fleet/metrics"
	"github.com/TAnNbR/fleet/registry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	client  *clustertest.Client
	actors  *registry.ActorRegistry
	agents  *registry.AgentRegistry
	metrics *metrics.Metrics
	rm      *ResourceManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		client:  clustertest.NewClient("127.0.0.1:7000"),
		actors:  registry.NewActorRegistry(),
		agents:  registry.NewAgentRegistry(),
		metrics: metrics.New(),
	}
	f.client.Subscribe(fleet.ActorTopic, f.actors.ClusterListener())
	f.client.Subscribe(fleet.AgentTopic, f.agents.ClusterListener())
	rm, err := New(NewConfig().
		WithStrategy(NewDeployStrategy(rand.NewSource(1))).
		WithMetrics(f.metrics), f.client, f.actors, f.agents)
	require.NoError(t, err)
	f.rm = rm
	return f
}

// registerAgent 只发布注册事件，不创建真正的 agent。
func (f *fixture) registerAgent(t *testing.T, key fleet.AgentKey, host string) {
	t.Helper()
	reg := testAgent(key, host)
	require.NoError(t, f.client.Publish(fleet.AgentTopic, &fleet.AgentLifecycleMessage{
		Key: key, State: fleet.AgentCreated, Registration: &reg,
	}))
}

type nopReactor struct{}

func (nopReactor) OnStart(*manager.Context) error                          { return nil }
func (nopReactor) OnBootstrap(*manager.Context) error                      { return nil }
func (nopReactor) OnMessage(*manager.Context, *fleet.DeliverMessage) error { return nil }
func (nopReactor) OnStop(*manager.Context) error                           { return nil }

func (f *fixture) startAgent(t *testing.T, key fleet.AgentKey) *agent.Agent {
	t.Helper()
	catalog := manager.NewCatalog()
	catalog.MustRegister("nop", func() manager.Reactor { return nopReactor{} })
	a, err := agent.New(agent.NewConfig().WithKey(key), f.client, catalog, f.actors)
	require.NoError(t, err)
	return a
}

func TestCreateActorWithoutAgents(t *testing.T) {
	f := newFixture(t)
	_, err := f.rm.CreateActor(fleet.NewActorConfig("X", "nop"))
	assert.ErrorIs(t, err, fleet.ErrIllegalState)
	assert.Empty(t, f.rm.Placements())
	assert.False(t, f.client.Declared(fleet.ActorAddress("X")))
	n, err := testutil.GatherAndCount(f.metrics.Registry(), "fleet_placement_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreateActorDispatches(t *testing.T) {
	f := newFixture(t)
	f.registerAgent(t, "agent-1", "host1")

	agentKey, err := f.rm.CreateActor(fleet.NewActorConfig("X", "nop").WithPreferredHosts("host9"))
	require.NoError(t, err)
	assert.Equal(t, fleet.AgentKey("agent-1"), agentKey)
	assert.True(t, f.client.Declared(fleet.ActorAddress("X")))
	assert.Equal(t, []Placement{{Actor: "X", Agent: "agent-1"}}, f.rm.Placements())

	sent := f.client.SentTo(fleet.AgentAddress("agent-1"))
	require.Len(t, sent, 1)
	cmd := sent[0].(*fleet.CreateActorCommand)
	assert.Equal(t, fleet.ActorKey("X"), cmd.Config.Key)

	_, err = f.rm.CreateActor(fleet.NewActorConfig("X", "nop"))
	assert.ErrorIs(t, err, fleet.ErrInvalidArgument)
	assert.Len(t, f.client.SentTo(fleet.AgentAddress("agent-1")), 1)
}

func TestCloseUnknownActor(t *testing.T) {
	f := newFixture(t)
	f.registerAgent(t, "agent-1", "host1")
	_, err := f.rm.CreateActor(fleet.NewActorConfig("X", "nop"))
	require.NoError(t, err)
	before := f.rm.Placements()

	err = f.rm.CloseActor("Y")
	assert.ErrorIs(t, err, fleet.ErrUnknownActor)
	assert.Equal(t, before, f.rm.Placements())
}

func TestCloseActorDispatches(t *testing.T) {
	f := newFixture(t)
	f.registerAgent(t, "agent-1", "host1")
	_, err := f.rm.CreateActor(fleet.NewActorConfig("X", "nop"))
	require.NoError(t, err)

	require.NoError(t, f.rm.CloseActor("X"))
	assert.Empty(t, f.rm.Placements())
	assert.False(t, f.client.Declared(fleet.ActorAddress("X")))
	sent := f.client.SentTo(fleet.AgentAddress("agent-1"))
	require.Len(t, sent, 2)
	assert.Equal(t, &fleet.CloseActorCommand{Key: "X"}, sent[1])

	assert.ErrorIs(t, f.rm.CloseActor("X"), fleet.ErrUnknownActor)
}

func TestPlacementPrunedOnFailure(t *testing.T) {
	f := newFixture(t)
	f.registerAgent(t, "agent-1", "host1")
	_, err := f.rm.CreateActor(fleet.NewActorConfig("X", "nop"))
	require.NoError(t, err)

	// 其他 agent 上同名 actor 的事件不影响记录
	require.NoError(t, f.client.Publish(fleet.ActorTopic, &fleet.ActorLifecycleMessage{
		Key: "X", Agent: "agent-2", State: fleet.ActorFailed, Cause: "boom",
	}))
	assert.Len(t, f.rm.Placements(), 1)

	require.NoError(t, f.client.Publish(fleet.ActorTopic, &fleet.ActorLifecycleMessage{
		Key: "X", Agent: "agent-1", State: fleet.ActorFailed, Cause: "boom",
	}))
	assert.Empty(t, f.rm.Placements())
	assert.False(t, f.client.Declared(fleet.ActorAddress("X")))

	_, err = f.rm.CreateActor(fleet.NewActorConfig("X", "nop"))
	assert.NoError(t, err)
}

func TestLifecycleWithAgent(t *testing.T) {
	f := newFixture(t)
	f.startAgent(t, "agent-1")

	_, err := f.rm.CreateActor(fleet.NewActorConfig("X", "nop"))
	require.NoError(t, err)
	entry, ok := f.actors.ByKey("X")
	require.True(t, ok)
	assert.Equal(t, fleet.ActorInitialized, entry.State)

	_, err = f.rm.CreateActor(fleet.NewActorConfig("Z", "missing"))
	require.NoError(t, err)
	_, ok = f.rm.Agent("Z")
	assert.False(t, ok)

	require.NoError(t, f.rm.CloseActor("X"))
	_, ok = f.actors.ByKey("X")
	assert.False(t, ok)
	n, err := testutil.GatherAndCount(f.metrics.Registry(), "fleet_placements_total", "fleet_close_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	a := f.startAgent(t, "agent-1")
	for _, key := range []fleet.ActorKey{"X", "Y"} {
		_, err := f.rm.CreateActor(fleet.NewActorConfig(key, "nop"))
		require.NoError(t, err)
	}

	require.NoError(t, f.rm.Close())
	assert.Empty(t, f.rm.Placements())
	assert.Empty(t, f.actors.All())
	assert.Empty(t, a.Hosted())

	_, err := f.rm.CreateActor(fleet.NewActorConfig("W", "nop"))
	assert.ErrorIs(t, err, fleet.ErrIllegalState)
	require.NoError(t, f.rm.Close())
}
