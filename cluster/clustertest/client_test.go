package clustertest

import (
	"context"
	"testing"

	"github.com/TAnNbR/fleet/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	messages     []any
	disconnected []string
}

func (r *recorder) OnMessage(msg any)                { r.messages = append(r.messages, msg) }
func (r *recorder) OnEndpointDisconnected(ep string) { r.disconnected = append(r.disconnected, ep) }

func TestClient(t *testing.T) {
	c := NewClient("node-1")
	var got []any
	require.NoError(t, c.Register("a", func(msg any) { got = append(got, msg) }))
	assert.ErrorIs(t, c.Register("a", func(any) {}), cluster.ErrNameTaken)

	require.NoError(t, c.Send("a", "hello"))
	require.NoError(t, c.Send("b", "dropped"))
	assert.Equal(t, []any{"hello"}, got)
	assert.Equal(t, []any{"dropped"}, c.SentTo("b"))

	r := &recorder{}
	other := &recorder{}
	unsubscribe := c.Subscribe("t", r)
	c.Subscribe("u", other)
	require.NoError(t, c.Publish("t", 1))
	c.Disconnect("node-2")
	unsubscribe()
	unsubscribe()
	require.NoError(t, c.Publish("t", 2))

	assert.Equal(t, []any{1}, r.messages)
	assert.Equal(t, []string{"node-2"}, r.disconnected)
	assert.Empty(t, other.messages)
	assert.Equal(t, []any{1, 2}, c.Published("t"))

	_, err := c.RequestState(context.Background(), "s")
	assert.ErrorIs(t, err, cluster.ErrNoState)
	c.ProvideState("s", func() any { return 42 })
	v, err := c.RequestState(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send("a", "x"), cluster.ErrClosed)
}
