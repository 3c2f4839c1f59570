package remote

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/TAnNbR/fleet/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMsg struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

type wrapped struct {
	Topic string  `json:"topic"`
	Inner Payload `json:"inner"`
}

func init() {
	RegisterType(&testMsg{})
	RegisterType(&wrapped{})
}

func TestSerializerKeepsPointerness(t *testing.T) {
	s := JSONSerializer{}

	b, err := s.Serialize(&testMsg{Name: "a", N: 1})
	require.NoError(t, err)
	v, err := s.Deserialize(b, s.TypeName(&testMsg{}))
	require.NoError(t, err)
	assert.Equal(t, &testMsg{Name: "a", N: 1}, v)

	b, err = s.Serialize(testMsg{Name: "b"})
	require.NoError(t, err)
	v, err = s.Deserialize(b, s.TypeName(testMsg{}))
	require.NoError(t, err)
	assert.Equal(t, testMsg{Name: "b"}, v)
}

func TestSerializeUnregisteredType(t *testing.T) {
	type unknown struct{}
	_, err := JSONSerializer{}.Serialize(unknown{})
	assert.Error(t, err)
	_, err = JSONSerializer{}.Deserialize([]byte(`{}`), "nope.Missing")
	assert.Error(t, err)
}

func TestPayloadCarriesNestedMessage(t *testing.T) {
	in := &wrapped{Topic: "t", Inner: NewPayload(&testMsg{Name: "x", N: 7})}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out wrapped
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "t", out.Topic)
	assert.Equal(t, &testMsg{Name: "x", N: 7}, out.Inner.Value)

	b, err = json.Marshal(wrapped{})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Nil(t, out.Inner.Value)
}

func newLoopbackEngine(t *testing.T, f *Fabric, addr string) *actor.Engine {
	t.Helper()
	e, err := actor.NewEngine(actor.NewEngineConfig().WithRemote(f.Remote(addr)))
	require.NoError(t, err)
	return e
}

func TestLoopbackDelivers(t *testing.T) {
	f := NewFabric()
	a := newLoopbackEngine(t, f, "node-a")
	b := newLoopbackEngine(t, f, "node-b")

	type received struct {
		msg    any
		sender *actor.PID
	}
	got := make(chan received, 1)
	pid := b.SpawnFunc(func(c *actor.Context) {
		if m, ok := c.Message().(*testMsg); ok {
			got <- received{msg: m, sender: c.Sender()}
		}
	}, "sink")

	from := actor.NewPID("node-a", "someone")
	a.SendWithSender(pid, &testMsg{Name: "hi"}, from)
	select {
	case r := <-got:
		assert.Equal(t, &testMsg{Name: "hi"}, r.msg)
		assert.True(t, from.Equals(r.sender))
	case <-time.After(time.Second):
		t.Fatal("消息没有送达")
	}
}

func TestLoopbackDuplicateAddress(t *testing.T) {
	f := NewFabric()
	newLoopbackEngine(t, f, "dup")
	_, err := actor.NewEngine(actor.NewEngineConfig().WithRemote(f.Remote("dup")))
	assert.Error(t, err)
}

func TestLoopbackDetachBroadcastsUnreachable(t *testing.T) {
	f := NewFabric()
	a := newLoopbackEngine(t, f, "node-a")
	newLoopbackEngine(t, f, "node-b")

	events := make(chan actor.RemoteUnreachableEvent, 1)
	sub := a.SpawnFunc(func(c *actor.Context) {
		if ev, ok := c.Message().(actor.RemoteUnreachableEvent); ok {
			events <- ev
		}
	}, "sub")
	a.Subscribe(sub)
	time.Sleep(10 * time.Millisecond)

	f.Detach("node-b")
	select {
	case ev := <-events:
		assert.Equal(t, "node-b", ev.ListenAddr)
	case <-time.After(time.Second):
		t.Fatal("没有收到 RemoteUnreachableEvent")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRemoteOverTCP(t *testing.T) {
	ra := New(freeAddr(t), NewConfig())
	rb := New(freeAddr(t), NewConfig())
	a, err := actor.NewEngine(actor.NewEngineConfig().WithRemote(ra))
	require.NoError(t, err)
	b, err := actor.NewEngine(actor.NewEngineConfig().WithRemote(rb))
	require.NoError(t, err)
	defer a.Shutdown()
	defer b.Shutdown()

	got := make(chan *testMsg, 3)
	pid := b.SpawnFunc(func(c *actor.Context) {
		if m, ok := c.Message().(*testMsg); ok {
			got <- m
		}
	}, "sink")

	for i := 0; i < 3; i++ {
		a.Send(pid, &testMsg{Name: "tcp", N: i})
	}
	for i := 0; i < 3; i++ {
		select {
		case m := <-got:
			assert.Equal(t, i, m.N)
		case <-time.After(3 * time.Second):
			t.Fatal("消息没有通过 TCP 送达")
		}
	}
}

func TestRemoteStartTwice(t *testing.T) {
	r := New(freeAddr(t), NewConfig())
	e, err := actor.NewEngine(actor.NewEngineConfig().WithRemote(r))
	require.NoError(t, err)
	defer e.Shutdown()
	assert.Error(t, r.Start(e))
}

func TestRemoteStopClosesStreamsQuietly(t *testing.T) {
	ra := New(freeAddr(t), NewConfig())
	rb := New(freeAddr(t), NewConfig())
	a, err := actor.NewEngine(actor.NewEngineConfig().WithRemote(ra))
	require.NoError(t, err)
	b, err := actor.NewEngine(actor.NewEngineConfig().WithRemote(rb))
	require.NoError(t, err)
	defer b.Shutdown()

	got := make(chan struct{}, 1)
	pid := b.SpawnFunc(func(c *actor.Context) {
		if _, ok := c.Message().(*testMsg); ok {
			got <- struct{}{}
		}
	}, "sink")
	a.Send(pid, &testMsg{Name: "before-stop"})
	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("消息没有通过 TCP 送达")
	}

	unreachable := make(chan actor.RemoteUnreachableEvent, 1)
	sub := a.SpawnFunc(func(c *actor.Context) {
		if ev, ok := c.Message().(actor.RemoteUnreachableEvent); ok {
			unreachable <- ev
		}
	}, "sub")
	a.Subscribe(sub)
	time.Sleep(10 * time.Millisecond)

	a.Shutdown()
	select {
	case ev := <-unreachable:
		t.Fatalf("主动停止不应报告不可达: %s", ev.ListenAddr)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Eventually(t, func() bool {
		return a.Registry.GetPID("stream", rb.Address()) == nil
	}, time.Second, 10*time.Millisecond)
}
