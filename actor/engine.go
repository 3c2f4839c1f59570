package actor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// Remoter 是引擎使用的远程通信模块。
type Remoter interface {
	Address() string
	Send(*PID, any, *PID)
	Start(*Engine) error
	Stop() *sync.WaitGroup
}

// Producer 生产一个新的 Receiver，进程每次（重新）启动都会调用一次。
type Producer func() Receiver

// Receiver 处理投递给进程的消息。
type Receiver interface {
	Receive(*Context)
}

// Engine 管理本节点上的所有进程，并通过 Remoter 与其他节点通信。
type Engine struct {
	Registry    *Registry
	address     string
	remote      Remoter
	eventStream *PID
}

// EngineConfig 是引擎配置。
type EngineConfig struct {
	remote Remoter
}

func NewEngineConfig() EngineConfig {
	return EngineConfig{}
}

// WithRemote 设置远程模块，使引擎可以跨节点收发消息。
func (config EngineConfig) WithRemote(remote Remoter) EngineConfig {
	config.remote = remote
	return config
}

// NewEngine 创建引擎。配置了远程模块时会立即启动它。
func NewEngine(config EngineConfig) (*Engine, error) {
	e := &Engine{}
	e.Registry = newRegistry(e)
	e.address = LocalLookupAddr
	if config.remote != nil {
		e.remote = config.remote
		e.address = config.remote.Address()
		if err := config.remote.Start(e); err != nil {
			return nil, fmt.Errorf("启动远程模块失败: %w", err)
		}
	}
	e.eventStream = e.Spawn(newEventStream(), "eventstream")
	return e, nil
}

// Spawn 创建由 p 生产的进程，kind 和 opts 决定它的 PID。
func (e *Engine) Spawn(p Producer, kind string, opts ...OptFunc) *PID {
	options := DefaultOpts(p)
	options.Kind = kind
	for _, opt := range opts {
		opt(&options)
	}
	if len(options.ID) == 0 {
		options.ID = strconv.Itoa(rand.Intn(math.MaxInt))
	}
	proc := newProcess(e, options)
	return e.SpawnProc(proc)
}

// SpawnFunc 以函数作为无状态 Receiver 创建进程。
func (e *Engine) SpawnFunc(f func(*Context), kind string, opts ...OptFunc) *PID {
	return e.Spawn(newFuncReceiver(f), kind, opts...)
}

// SpawnProc 注册一个自定义的 Processer。
func (e *Engine) SpawnProc(p Processer) *PID {
	e.Registry.add(p)
	return p.PID()
}

// Address 返回引擎地址，没有远程模块时为 "local"。
func (e *Engine) Address() string {
	return e.address
}

// Request 向 pid 发送请求，返回的 Response 在应答到达或超时后完成。
func (e *Engine) Request(pid *PID, msg any, timeout time.Duration) *Response {
	resp := NewResponse(e, timeout)
	e.Registry.add(resp)
	e.SendWithSender(pid, msg, resp.PID())
	return resp
}

// SendWithSender 发送消息并附带发送者，接收方可以通过 Context.Sender 获取。
func (e *Engine) SendWithSender(pid *PID, msg any, sender *PID) {
	e.send(pid, msg, sender)
}

// Send 发送消息，找不到接收者时广播 DeadLetterEvent。
func (e *Engine) Send(pid *PID, msg any) {
	e.send(pid, msg, nil)
}

// BroadcastEvent 把消息投递到事件流。
func (e *Engine) BroadcastEvent(msg any) {
	if e.eventStream != nil {
		e.send(e.eventStream, msg, nil)
	}
}

func (e *Engine) send(pid *PID, msg any, sender *PID) {
	if pid == nil {
		return
	}
	if e.isLocalMessage(pid) {
		e.SendLocal(pid, msg, sender)
		return
	}
	if e.remote == nil {
		e.BroadcastEvent(EngineRemoteMissingEvent{Target: pid, Sender: sender, Message: msg})
		return
	}
	e.remote.Send(pid, msg, sender)
}

// SendRepeater 按固定间隔重复发送同一条消息。
type SendRepeater struct {
	engine   *Engine
	self     *PID
	target   *PID
	msg      any
	interval time.Duration
	cancelch chan struct{}
}

func (sr SendRepeater) start() {
	ticker := time.NewTicker(sr.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				sr.engine.SendWithSender(sr.target, sr.msg, sr.self)
			case <-sr.cancelch:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop 停止重复发送，只能调用一次。
func (sr SendRepeater) Stop() {
	if sr.cancelch != nil {
		close(sr.cancelch)
	}
}

// SendRepeat 以 interval 为间隔向 pid 发送 msg。
func (e *Engine) SendRepeat(pid *PID, msg any, interval time.Duration) SendRepeater {
	sr := SendRepeater{
		engine:   e,
		target:   pid.Clone(),
		interval: interval,
		msg:      msg,
		cancelch: make(chan struct{}, 1),
	}
	sr.start()
	return sr
}

// Stop 立即停止进程，不处理收件箱中剩余的消息。返回的 context 在进程停止后完成。
func (e *Engine) Stop(pid *PID) context.Context {
	return e.sendPoisonPill(context.Background(), false, pid)
}

// Poison 在处理完收件箱中已有的消息后停止进程。
func (e *Engine) Poison(pid *PID) context.Context {
	return e.sendPoisonPill(context.Background(), true, pid)
}

// PoisonCtx 与 Poison 相同，ctx 可以用来设置超时。
func (e *Engine) PoisonCtx(ctx context.Context, pid *PID) context.Context {
	return e.sendPoisonPill(ctx, true, pid)
}

func (e *Engine) sendPoisonPill(ctx context.Context, graceful bool, pid *PID) context.Context {
	var cancel context.CancelFunc
	ctx, cancel = context.WithCancel(ctx)
	pill := poisonPill{
		cancel:   cancel,
		graceful: graceful,
	}
	if e.Registry.get(pid) == nil {
		e.BroadcastEvent(DeadLetterEvent{
			Target:  pid,
			Message: pill,
		})
		cancel()
		return ctx
	}
	e.SendLocal(pid, pill, nil)
	return ctx
}

// SendLocal 把消息投递给本地进程，找不到时广播 DeadLetterEvent。
func (e *Engine) SendLocal(pid *PID, msg any, sender *PID) {
	proc := e.Registry.get(pid)
	if proc == nil {
		e.BroadcastEvent(DeadLetterEvent{
			Target:  pid,
			Message: msg,
			Sender:  sender,
		})
		return
	}
	proc.Send(pid, msg, sender)
}

// Subscribe 订阅事件流。
func (e *Engine) Subscribe(pid *PID) {
	e.Send(e.eventStream, eventSub{pid: pid})
}

// Unsubscribe 取消订阅事件流。
func (e *Engine) Unsubscribe(pid *PID) {
	e.Send(e.eventStream, eventUnsub{pid: pid})
}

// Shutdown 停止远程模块并等待监听结束。进程本身由调用者负责停止。
func (e *Engine) Shutdown() {
	if e.remote != nil {
		e.remote.Stop().Wait()
	}
}

func (e *Engine) isLocalMessage(pid *PID) bool {
	if pid == nil {
		return false
	}
	return e.address == pid.Address
}

type funcReceiver struct {
	f func(*Context)
}

func newFuncReceiver(f func(*Context)) Producer {
	return func() Receiver {
		return &funcReceiver{
			f: f,
		}
	}
}

func (r *funcReceiver) Receive(c *Context) {
	r.f(c)
}
