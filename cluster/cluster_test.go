package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/TAnNbR/fleet/actor"
	"github.com/TAnNbR/fleet/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type note struct {
	Text string `json:"text"`
}

func init() {
	remote.RegisterType(&note{})
}

func newTestNode(t *testing.T, f *remote.Fabric, id string, bootstrap ...string) *Node {
	t.Helper()
	e, err := actor.NewEngine(actor.NewEngineConfig().WithRemote(f.Remote(id)))
	require.NoError(t, err)
	cfg := NewSelfManagedConfig().WithPingInterval(20 * time.Millisecond)
	for _, b := range bootstrap {
		cfg = cfg.WithBootstrapMember(MemberAddr{ListenAddr: b, ID: b})
	}
	n, err := New(NewConfig().
		WithEngine(e).
		WithID(id).
		WithProvider(NewSelfManagedProvider(cfg)))
	require.NoError(t, err)
	n.Start()
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func waitMembers(t *testing.T, count int, nodes ...*Node) {
	t.Helper()
	for _, n := range nodes {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, n.WaitForMembers(ctx, count))
		cancel()
	}
}

type recordingListener struct {
	mu           sync.Mutex
	messages     []any
	disconnected []string
}

func (l *recordingListener) OnMessage(msg any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *recordingListener) OnEndpointDisconnected(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, endpoint)
}

func (l *recordingListener) snapshot() ([]any, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.messages...), append([]string(nil), l.disconnected...)
}

func TestMembershipConverges(t *testing.T) {
	f := remote.NewFabric()
	a := newTestNode(t, f, "a")
	b := newTestNode(t, f, "b", "a")
	c := newTestNode(t, f, "c", "a")
	waitMembers(t, 3, a, b, c)

	ids := []string{}
	for _, m := range c.Members() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestDeclaredNameQueuesUntilBound(t *testing.T) {
	f := remote.NewFabric()
	a := newTestNode(t, f, "a")
	b := newTestNode(t, f, "b", "a")
	waitMembers(t, 2, a, b)

	require.NoError(t, a.Declare("worker"))
	require.NoError(t, a.Send("worker", &note{Text: "early"}))

	got := make(chan string, 2)
	require.NoError(t, b.Register("worker", func(msg any) {
		if n, ok := msg.(*note); ok {
			got <- n.Text
		}
	}))
	select {
	case text := <-got:
		assert.Equal(t, "early", text)
	case <-time.After(2 * time.Second):
		t.Fatal("暂存的消息没有送达")
	}

	require.NoError(t, a.Send("worker", &note{Text: "late"}))
	select {
	case text := <-got:
		assert.Equal(t, "late", text)
	case <-time.After(2 * time.Second):
		t.Fatal("绑定后的消息没有送达")
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	f := remote.NewFabric()
	a := newTestNode(t, f, "a")
	require.NoError(t, a.Register("x", func(any) {}))
	assert.ErrorIs(t, a.Register("x", func(any) {}), ErrNameTaken)
	require.NoError(t, a.Unregister("x"))
	require.NoError(t, a.Register("x", func(any) {}))
	assert.Error(t, a.Unregister("missing"))
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	f := remote.NewFabric()
	a := newTestNode(t, f, "a")
	b := newTestNode(t, f, "b", "a")
	waitMembers(t, 2, a, b)

	la, lb := &recordingListener{}, &recordingListener{}
	a.Subscribe("events", la)
	unsubscribe := b.Subscribe("events", lb)
	b.Subscribe("other", &recordingListener{})

	require.NoError(t, a.Publish("events", &note{Text: "one"}))
	require.Eventually(t, func() bool {
		ma, _ := la.snapshot()
		mb, _ := lb.snapshot()
		return len(ma) == 1 && len(mb) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mb, _ := lb.snapshot()
	assert.Equal(t, &note{Text: "one"}, mb[0])

	unsubscribe()
	require.NoError(t, a.Publish("events", &note{Text: "two"}))
	require.Eventually(t, func() bool {
		ma, _ := la.snapshot()
		return len(ma) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mb, _ = lb.snapshot()
	assert.Len(t, mb, 1)
}

func TestMemberLossNotifiesDisconnection(t *testing.T) {
	f := remote.NewFabric()
	a := newTestNode(t, f, "a")
	b := newTestNode(t, f, "b", "a")
	waitMembers(t, 2, a, b)

	l := &recordingListener{}
	a.Subscribe("events", l)
	f.Detach(b.Endpoint())

	require.Eventually(t, func() bool {
		_, d := l.snapshot()
		return len(d) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, d := l.snapshot()
	assert.Equal(t, []string{"b"}, d)
	assert.Len(t, a.Members(), 1)
}

func TestGracefulCloseRemovesMember(t *testing.T) {
	f := remote.NewFabric()
	a := newTestNode(t, f, "a")
	b := newTestNode(t, f, "b", "a")
	waitMembers(t, 2, a, b)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return len(a.Members()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, b.Send("x", &note{}), ErrClosed)
}

func TestRequestState(t *testing.T) {
	f := remote.NewFabric()
	a := newTestNode(t, f, "a")
	b := newTestNode(t, f, "b", "a")
	waitMembers(t, 2, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := b.RequestState(ctx, "registry")
	assert.ErrorIs(t, err, ErrNoState)

	a.ProvideState("registry", func() any { return &note{Text: "state"} })
	state, err := b.RequestState(ctx, "registry")
	require.NoError(t, err)
	assert.Equal(t, &note{Text: "state"}, state)
}

func TestNodeNotStarted(t *testing.T) {
	e, err := actor.NewEngine(actor.NewEngineConfig())
	require.NoError(t, err)
	n, err := New(NewConfig().WithEngine(e))
	require.NoError(t, err)
	assert.ErrorIs(t, n.Send("x", "msg"), ErrNotStarted)
	assert.NoError(t, n.Close())
}

func TestMemberSetExcept(t *testing.T) {
	a := &Member{ID: "a", Host: "h1"}
	b := &Member{ID: "b", Host: "h2"}
	set := NewMemberSet(a, b)
	assert.Equal(t, []*Member{b}, set.Except([]*Member{a}))
	assert.Equal(t, b, set.RemoveByHost("h2"))
	assert.Nil(t, set.GetByHost("h2"))
	assert.Equal(t, 1, set.Len())
}
