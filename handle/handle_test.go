package handle

import (
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/TAnNbR/fleet/agent"
	"github.com/TAnNbR/fleet/cluster/clustertest"
	"github.com/TAnNbR/fleet/fleet"
	"github.com/TAnNbR/fleet/manager"
	"github.com/TAnNbR/fleet/registry"
	"github.com/TAnNbR/fleet/resourcemanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = time.Second

type recordingReactor struct {
	mu       sync.Mutex
	calls    []string
	payloads []string
}

func (r *recordingReactor) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingReactor) OnStart(*manager.Context) error     { r.add("start"); return nil }
func (r *recordingReactor) OnBootstrap(*manager.Context) error { r.add("bootstrap"); return nil }
func (r *recordingReactor) OnStop(*manager.Context) error      { r.add("stop"); return nil }

func (r *recordingReactor) OnMessage(_ *manager.Context, msg *fleet.DeliverMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(msg.Payload))
	return nil
}

func (r *recordingReactor) Metrics() map[string]float64 {
	return map[string]float64{"calls": 1}
}

type fixture struct {
	client  *clustertest.Client
	actors  *registry.ActorRegistry
	agents  *registry.AgentRegistry
	agent   *agent.Agent
	reactor *recordingReactor
	handles *Actors
}

func newFixture(t *testing.T, withAgent bool) *fixture {
	t.Helper()
	f := &fixture{
		client:  clustertest.NewClient("127.0.0.1:7000"),
		actors:  registry.NewActorRegistry(),
		agents:  registry.NewAgentRegistry(),
		reactor: &recordingReactor{},
	}
	f.client.Subscribe(fleet.ActorTopic, f.actors.ClusterListener())
	f.client.Subscribe(fleet.AgentTopic, f.agents.ClusterListener())
	rm, err := resourcemanager.New(resourcemanager.NewConfig().
		WithStrategy(resourcemanager.NewDeployStrategy(rand.NewSource(1))), f.client, f.actors, f.agents)
	require.NoError(t, err)
	if withAgent {
		catalog := manager.NewCatalog()
		catalog.MustRegister("recording", func() manager.Reactor { return f.reactor })
		f.agent, err = agent.New(agent.NewConfig().WithKey("agent-1"), f.client, catalog, f.actors)
		require.NoError(t, err)
	}
	f.handles = NewActors(f.client, f.actors, rm)
	return f
}

func TestCreateEmbeddedActor(t *testing.T) {
	f := newFixture(t, true)
	h, err := f.handles.Create(fleet.NewActorConfig("X", "recording"))
	require.NoError(t, err)
	assert.Equal(t, fleet.ActorKey("X"), h.Key())

	created, err := h.Created().Await(wait)
	require.NoError(t, err)
	assert.Equal(t, fleet.AgentKey("agent-1"), created.Agent)
	assert.Equal(t, fleet.ActorCreated, created.State)

	info, err := h.Initialized().Await(wait)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "127.0.0.1:7000", info.Endpoint)
	assert.False(t, h.Closed().Resolved())
	assert.False(t, h.Failed().Resolved())
}

func TestCommands(t *testing.T) {
	f := newFixture(t, true)
	h, err := f.handles.Create(fleet.NewActorConfig("X", "recording"))
	require.NoError(t, err)

	require.NoError(t, h.Bootstrap())
	require.NoError(t, h.Send(map[string]string{"hello": "world"}))
	require.NoError(t, h.DumpMetrics())

	f.reactor.mu.Lock()
	assert.Equal(t, []string{"start", "bootstrap"}, f.reactor.calls)
	require.Len(t, f.reactor.payloads, 1)
	assert.JSONEq(t, `{"hello":"world"}`, f.reactor.payloads[0])
	f.reactor.mu.Unlock()

	reports := f.client.Published(fleet.MetricsTopic)
	require.Len(t, reports, 1)
	assert.Equal(t, fleet.ActorKey("X"), reports[0].(*fleet.MetricsReport).Key)

	assert.Error(t, h.Send(make(chan int)))
}

func TestClose(t *testing.T) {
	f := newFixture(t, true)
	h, err := f.handles.Create(fleet.NewActorConfig("X", "recording"))
	require.NoError(t, err)

	closed := h.Close()
	assert.Same(t, h.Closed(), closed)
	_, err = closed.Await(wait)
	require.NoError(t, err)

	cause, err := h.Failed().Await(wait)
	require.NoError(t, err)
	assert.NoError(t, cause)
	assert.Empty(t, f.agent.Hosted())
}

func TestCreationFailure(t *testing.T) {
	f := newFixture(t, true)
	h, err := f.handles.Create(fleet.NewActorConfig("X", "missing"))
	require.NoError(t, err)

	cause, err := h.Failed().Await(wait)
	require.NoError(t, err)
	require.Error(t, cause)

	for _, e := range []error{
		errOf(h.Created().Await(wait)),
		errOf(h.Initialized().Await(wait)),
		errOf(h.Closed().Await(wait)),
	} {
		var failure *fleet.ActorFailure
		require.True(t, errors.As(e, &failure))
		assert.Equal(t, fleet.ActorKey("X"), failure.Key)
		assert.Contains(t, failure.Cause, "missing")
	}

	// 终止后不再响应同一个 key 的事件
	require.NoError(t, f.client.Publish(fleet.ActorTopic, &fleet.ActorLifecycleMessage{
		Key: "X", Agent: "agent-1", State: fleet.ActorClosed,
	}))
	_, err = h.Closed().Await(wait)
	assert.Error(t, err)
}

func TestPlacementFailure(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.handles.Create(fleet.NewActorConfig("X", "recording"))
	assert.ErrorIs(t, err, fleet.ErrIllegalState)
}

func TestDisconnection(t *testing.T) {
	f := newFixture(t, true)
	h, err := f.handles.Create(fleet.NewActorConfig("X", "recording"))
	require.NoError(t, err)
	_, err = h.Initialized().Await(wait)
	require.NoError(t, err)

	f.client.Disconnect("127.0.0.1:7000")

	_, err = h.Closed().Await(wait)
	assert.ErrorIs(t, err, fleet.ErrDisconnected)
	cause, err := h.Failed().Await(wait)
	require.NoError(t, err)
	assert.ErrorIs(t, cause, fleet.ErrDisconnected)
}

func TestAttach(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.handles.Attach("X")
	assert.ErrorIs(t, err, fleet.ErrUnknownActor)

	_, err = f.handles.Create(fleet.NewActorConfig("X", "recording"))
	require.NoError(t, err)

	h, err := f.handles.Attach("X")
	require.NoError(t, err)
	info, err := h.Initialized().Await(wait)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", info.Endpoint)

	_, err = h.Close().Await(wait)
	require.NoError(t, err)
}

func TestDeliver(t *testing.T) {
	f := newFixture(t, true)
	h, err := f.handles.Create(fleet.NewActorConfig("X", "recording"))
	require.NoError(t, err)
	require.NoError(t, h.Deliver(&fleet.DeliverMessage{From: "Y", Payload: json.RawMessage(`1`)}))

	f.reactor.mu.Lock()
	defer f.reactor.mu.Unlock()
	assert.Equal(t, []string{"1"}, f.reactor.payloads)
}

func TestWatchAgent(t *testing.T) {
	f := newFixture(t, true)
	agents := NewAgents(f.agents)
	require.Len(t, agents.All(), 1)

	h, err := agents.Watch("agent-1")
	require.NoError(t, err)
	reg, err := h.Registered().Await(wait)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", reg.Endpoint)

	require.NoError(t, f.agent.Close())
	_, err = h.Closed().Await(wait)
	require.NoError(t, err)
	assert.Empty(t, agents.All())
}

func TestWatchAgentDisconnect(t *testing.T) {
	f := newFixture(t, false)
	agents := NewAgents(f.agents)
	h, err := agents.Watch("agent-2")
	require.NoError(t, err)
	assert.False(t, h.Registered().Resolved())

	reg := fleet.RegisteredAgent{Key: "agent-2", Endpoint: "127.0.0.1:7002"}
	require.NoError(t, f.client.Publish(fleet.AgentTopic, &fleet.AgentLifecycleMessage{
		Key: "agent-2", State: fleet.AgentCreated, Registration: &reg,
	}))
	_, err = h.Registered().Await(wait)
	require.NoError(t, err)

	f.client.Disconnect("127.0.0.1:7002")
	_, err = h.Closed().Await(wait)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:7002")
}

func errOf[T any](_ T, err error) error {
	return err
}
