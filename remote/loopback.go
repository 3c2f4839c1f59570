package remote

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/TAnNbR/fleet/actor"
)

// Fabric 把同一进程内的多个引擎连接起来，用于测试和单进程集群。
// 消息在投递前会经过与网络传输相同的编码，未注册的类型会被丢弃。
type Fabric struct {
	mu      sync.RWMutex
	engines map[string]*actor.Engine
}

func NewFabric() *Fabric {
	return &Fabric{engines: make(map[string]*actor.Engine)}
}

// Remote 返回一个挂在 fabric 上、地址为 addr 的 Remoter。
func (f *Fabric) Remote(addr string) *Loopback {
	return &Loopback{fabric: f, addr: addr}
}

// Detach 把 addr 从 fabric 上摘除，其余引擎都会收到 RemoteUnreachableEvent。
func (f *Fabric) Detach(addr string) {
	f.mu.Lock()
	if _, ok := f.engines[addr]; !ok {
		f.mu.Unlock()
		return
	}
	delete(f.engines, addr)
	rest := make([]*actor.Engine, 0, len(f.engines))
	for _, e := range f.engines {
		rest = append(rest, e)
	}
	f.mu.Unlock()

	for _, e := range rest {
		e.BroadcastEvent(actor.RemoteUnreachableEvent{ListenAddr: addr})
	}
}

func (f *Fabric) attach(addr string, e *actor.Engine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.engines[addr]; ok {
		return fmt.Errorf("地址 %s 已被占用", addr)
	}
	f.engines[addr] = e
	return nil
}

func (f *Fabric) lookup(addr string) *actor.Engine {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.engines[addr]
}

// Loopback 是 Fabric 上的一个节点。
type Loopback struct {
	fabric     *Fabric
	addr       string
	engine     *actor.Engine
	serializer JSONSerializer
}

func (l *Loopback) Address() string {
	return l.addr
}

func (l *Loopback) Start(e *actor.Engine) error {
	l.engine = e
	return l.fabric.attach(l.addr, e)
}

func (l *Loopback) Stop() *sync.WaitGroup {
	l.fabric.Detach(l.addr)
	return &sync.WaitGroup{}
}

// Send 编码消息后直接投递给目标引擎。目标不存在时广播 RemoteUnreachableEvent。
func (l *Loopback) Send(pid *actor.PID, msg any, sender *actor.PID) {
	target := l.fabric.lookup(pid.Address)
	if target == nil {
		l.engine.BroadcastEvent(actor.RemoteUnreachableEvent{ListenAddr: pid.Address})
		return
	}
	data, err := l.serializer.Serialize(msg)
	if err != nil {
		slog.Error("序列化失败", "err", err, "target", pid)
		return
	}
	v, err := l.serializer.Deserialize(data, l.serializer.TypeName(msg))
	if err != nil {
		slog.Error("反序列化失败", "err", err, "target", pid)
		return
	}
	target.SendLocal(pid, v, sender.Clone())
}
