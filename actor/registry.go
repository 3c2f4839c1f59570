package actor

import (
	"sync"
)

// LocalLookupAddr 是没有远程模块时引擎使用的地址。
const LocalLookupAddr = "local"

// Registry 保存引擎内所有存活的进程，按 PID 的 ID 索引。
type Registry struct {
	mu     sync.RWMutex
	lookup map[string]Processer
	engine *Engine
}

func newRegistry(e *Engine) *Registry {
	return &Registry{
		lookup: make(map[string]Processer, 1024),
		engine: e,
	}
}

// GetPID 返回 kind/id 对应进程的 PID，不存在时返回 nil。
func (r *Registry) GetPID(kind, id string) *PID {
	proc := r.getByID(kind + pidSeparator + id)
	if proc != nil {
		return proc.PID()
	}
	return nil
}

func (r *Registry) Remove(pid *PID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lookup, pid.ID)
}

// get 返回 pid 对应的进程，找不到时返回 nil，调用者负责投递死信。
func (r *Registry) get(pid *PID) Processer {
	if pid == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup[pid.ID]
}

func (r *Registry) getByID(id string) Processer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup[id]
}

// add 注册并启动进程。ID 已被占用时广播 ActorDuplicateIdEvent 并返回 false。
func (r *Registry) add(proc Processer) bool {
	r.mu.Lock()
	id := proc.PID().ID
	if _, ok := r.lookup[id]; ok {
		r.mu.Unlock()
		r.engine.BroadcastEvent(ActorDuplicateIdEvent{PID: proc.PID()})
		return false
	}
	r.lookup[id] = proc
	r.mu.Unlock()
	proc.Start()
	return true
}
