package actor

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(NewEngineConfig())
	require.NoError(t, err)
	return e
}

func TestSendReachesReceiver(t *testing.T) {
	e := newTestEngine(t)
	var wg sync.WaitGroup
	wg.Add(10)
	pid := e.SpawnFunc(func(c *Context) {
		if _, ok := c.Message().(string); ok {
			wg.Done()
		}
	}, "counter")
	for i := 0; i < 10; i++ {
		e.Send(pid, "hello")
	}
	wg.Wait()
	assert.Equal(t, LocalLookupAddr, pid.Address)
}

func TestRequestResponse(t *testing.T) {
	e := newTestEngine(t)
	pid := e.SpawnFunc(func(c *Context) {
		if s, ok := c.Message().(string); ok {
			c.Respond(s + "!")
		}
	}, "echo")
	resp, err := e.Request(pid, "ping", time.Second).Result()
	require.NoError(t, err)
	assert.Equal(t, "ping!", resp)
}

func TestRequestTimeout(t *testing.T) {
	e := newTestEngine(t)
	pid := e.SpawnFunc(func(*Context) {}, "silent")
	_, err := e.Request(pid, "ping", 20*time.Millisecond).Result()
	assert.Error(t, err)
}

func TestPoisonProcessesPendingMessages(t *testing.T) {
	e := newTestEngine(t)
	var (
		handled atomic.Int32
		stopped = make(chan struct{})
	)
	pid := e.SpawnFunc(func(c *Context) {
		switch c.Message().(type) {
		case int:
			handled.Add(1)
		case Stopped:
			close(stopped)
		}
	}, "graceful")
	for i := 0; i < 5; i++ {
		e.Send(pid, i)
	}
	<-e.Poison(pid).Done()
	<-stopped
	assert.Equal(t, int32(5), handled.Load())
	assert.Nil(t, e.Registry.get(pid))
}

func TestStopUnknownPIDCompletes(t *testing.T) {
	e := newTestEngine(t)
	ctx := e.Stop(NewPID(LocalLookupAddr, "nobody"))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("停止不存在的进程应立即完成")
	}
}

func TestDuplicateIDIsRejected(t *testing.T) {
	e := newTestEngine(t)
	events := make(chan ActorDuplicateIdEvent, 1)
	sub := e.SpawnFunc(func(c *Context) {
		if ev, ok := c.Message().(ActorDuplicateIdEvent); ok {
			events <- ev
		}
	}, "sub")
	e.Subscribe(sub)
	time.Sleep(10 * time.Millisecond)

	first := e.SpawnFunc(func(*Context) {}, "dup", WithID("1"))
	second := e.SpawnFunc(func(*Context) {}, "dup", WithID("1"))
	assert.True(t, first.Equals(second))

	select {
	case ev := <-events:
		assert.Equal(t, "dup/1", ev.PID.ID)
	case <-time.After(time.Second):
		t.Fatal("没有收到 ActorDuplicateIdEvent")
	}
}

func TestRestartAfterPanic(t *testing.T) {
	e := newTestEngine(t)
	var (
		starts atomic.Int32
		done   = make(chan struct{})
	)
	pid := e.SpawnFunc(func(c *Context) {
		switch msg := c.Message().(type) {
		case Started:
			starts.Add(1)
		case string:
			if msg == "boom" {
				panic("boom")
			}
			close(done)
		}
	}, "crashy", WithRestartDelay(time.Millisecond))
	e.Send(pid, "boom")
	e.Send(pid, "ok")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("重启后应继续处理剩余消息")
	}
	assert.Equal(t, int32(2), starts.Load())
}

func TestMaxRestartsExceeded(t *testing.T) {
	e := newTestEngine(t)
	events := make(chan ActorMaxRestartsExceededEvent, 1)
	sub := e.SpawnFunc(func(c *Context) {
		if ev, ok := c.Message().(ActorMaxRestartsExceededEvent); ok {
			events <- ev
		}
	}, "sub")
	e.Subscribe(sub)
	time.Sleep(10 * time.Millisecond)

	var starts atomic.Int32
	countStarts := func(next ReceiveFunc) ReceiveFunc {
		return func(c *Context) {
			if _, ok := c.Message().(Started); ok {
				starts.Add(1)
			}
			next(c)
		}
	}
	pid := e.SpawnFunc(func(c *Context) {
		if msg, ok := c.Message().(string); ok && msg == "boom" {
			panic(msg)
		}
	}, "crashy", WithID("1"), WithMaxRestarts(1), WithRestartDelay(time.Millisecond), WithMiddleware(countStarts))
	e.Send(pid, "boom")
	e.Send(pid, "boom")

	select {
	case ev := <-events:
		assert.True(t, pid.Equals(ev.PID))
	case <-time.After(time.Second):
		t.Fatal("没有收到 ActorMaxRestartsExceededEvent")
	}
	assert.Equal(t, int32(2), starts.Load())
	assert.Eventually(t, func() bool {
		return e.Registry.GetPID("crashy", "1") == nil
	}, time.Second, 5*time.Millisecond)
}

func TestChildrenArePoisonedWithParent(t *testing.T) {
	e := newTestEngine(t)
	childStopped := make(chan struct{})
	ready := make(chan *PID, 1)
	parent := e.SpawnFunc(func(c *Context) {
		if _, ok := c.Message().(Started); ok {
			child := c.SpawnChildFunc(func(cc *Context) {
				if _, ok := cc.Message().(Stopped); ok {
					close(childStopped)
				}
			}, "child")
			ready <- child
		}
	}, "parent")
	child := <-ready
	assert.True(t, strings.HasPrefix(child.ID, parent.ID+"/child/"))
	<-e.Poison(parent).Done()
	select {
	case <-childStopped:
	case <-time.After(time.Second):
		t.Fatal("子进程没有随父进程停止")
	}
}

func TestSendToRemoteWithoutRemoter(t *testing.T) {
	e := newTestEngine(t)
	got := make(chan EngineRemoteMissingEvent, 1)
	sub := e.SpawnFunc(func(c *Context) {
		if ev, ok := c.Message().(EngineRemoteMissingEvent); ok {
			got <- ev
		}
	}, "sub")
	e.Subscribe(sub)
	time.Sleep(10 * time.Millisecond)
	e.Send(NewPID("10.0.0.1:4000", "x"), "hi")
	select {
	case ev := <-got:
		assert.Equal(t, "x", ev.Target.ID)
	case <-time.After(time.Second):
		t.Fatal("没有收到 EngineRemoteMissingEvent")
	}
}

func TestSendRepeat(t *testing.T) {
	e := newTestEngine(t)
	var n atomic.Int32
	pid := e.SpawnFunc(func(c *Context) {
		if _, ok := c.Message().(string); ok {
			n.Add(1)
		}
	}, "tick")
	sr := e.SendRepeat(pid, "tick", 5*time.Millisecond)
	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, 5*time.Millisecond)
	sr.Stop()
}
