package actor

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/TAnNbR/fleet/safemap"
)

// Context 是进程处理消息时的上下文。
type Context struct {
	pid      *PID
	sender   *PID
	engine   *Engine
	receiver Receiver
	message  any
	// 父进程的上下文，子进程退出时用它把自己从父进程中摘除。
	parentCtx *Context
	children  *safemap.SafeMap[string, *PID]
	context   context.Context
}

func newContext(ctx context.Context, e *Engine, pid *PID) *Context {
	return &Context{
		context:  ctx,
		engine:   e,
		pid:      pid,
		children: safemap.New[string, *PID](),
	}
}

// Context 返回创建进程时指定的 context.Context，默认为 context.Background()。
func (c *Context) Context() context.Context {
	return c.context
}

func (c *Context) Receiver() Receiver {
	return c.receiver
}

// Request 向 pid 发送请求，返回可等待的 Response。
func (c *Context) Request(pid *PID, msg any, timeout time.Duration) *Response {
	return c.engine.Request(pid, msg, timeout)
}

// Respond 向当前消息的发送者回复 msg。
func (c *Context) Respond(msg any) {
	if c.sender == nil {
		slog.Warn("上下文没有发送者", "func", "Respond", "pid", c.PID())
		return
	}
	c.engine.Send(c.sender, msg)
}

// SpawnChild 创建当前进程的子进程。父进程终止时，所有子进程会被优雅关闭。
func (c *Context) SpawnChild(p Producer, name string, opts ...OptFunc) *PID {
	options := DefaultOpts(p)
	options.Kind = c.PID().ID + pidSeparator + name
	for _, opt := range opts {
		opt(&options)
	}
	if len(options.ID) == 0 {
		options.ID = strconv.Itoa(rand.Intn(math.MaxInt))
	}
	proc := newProcess(c.engine, options)
	proc.context.parentCtx = c
	pid := c.engine.SpawnProc(proc)
	c.children.Set(pid.ID, pid)
	return proc.PID()
}

// SpawnChildFunc 以函数作为子进程的 Receiver。
func (c *Context) SpawnChildFunc(f func(*Context), name string, opts ...OptFunc) *PID {
	return c.SpawnChild(newFuncReceiver(f), name, opts...)
}

// Send 以当前进程为发送者向 pid 发送消息。
func (c *Context) Send(pid *PID, msg any) {
	c.engine.SendWithSender(pid, msg, c.pid)
}

// SendRepeat 以 interval 为间隔重复向 pid 发送 msg，调用返回值的 Stop 停止。
func (c *Context) SendRepeat(pid *PID, msg any, interval time.Duration) SendRepeater {
	sr := SendRepeater{
		engine:   c.engine,
		self:     c.pid,
		target:   pid.Clone(),
		interval: interval,
		msg:      msg,
		cancelch: make(chan struct{}, 1),
	}
	sr.start()
	return sr
}

// Forward 把当前消息转发给 pid，并把当前进程设为发送者。
func (c *Context) Forward(pid *PID) {
	c.engine.SendWithSender(pid, c.message, c.pid)
}

func (c *Context) PID() *PID {
	return c.pid
}

// Sender 返回当前消息的发送者，可能为 nil。
func (c *Context) Sender() *PID {
	return c.sender
}

func (c *Context) Engine() *Engine {
	return c.engine
}

func (c *Context) Message() any {
	return c.message
}

// Children 返回所有子进程的 PID。
func (c *Context) Children() []*PID {
	return c.children.Values()
}
