package handle

import (
	"fmt"
	"sync"

	"github.com/TAnNbR/fleet/fleet"
	"github.com/TAnNbR/fleet/registry"
)

// Agents 跟踪 agent 的注册和关闭。
type Agents struct {
	registry *registry.AgentRegistry
}

func NewAgents(reg *registry.AgentRegistry) *Agents {
	return &Agents{registry: reg}
}

func (a *Agents) All() []fleet.RegisteredAgent {
	return a.registry.All()
}

// Watch 返回 key 的句柄，agent 已注册时 Registered 立即完成。
func (a *Agents) Watch(key fleet.AgentKey) (*Agent, error) {
	h := &Agent{
		key:        key,
		registry:   a.registry,
		registered: NewFuture[fleet.RegisteredAgent](),
		closed:     NewFuture[struct{}](),
	}
	h.listener = registry.NewAgentListener(h.onEvent)
	if err := a.registry.AddListener(h.listener); err != nil {
		return nil, err
	}
	if reg, ok := a.registry.ByKey(key); ok {
		h.registered.Complete(reg)
	}
	return h, nil
}

// Agent 是一个 agent 的句柄。
type Agent struct {
	key        fleet.AgentKey
	registry   *registry.AgentRegistry
	listener   registry.AgentListener
	registered *Future[fleet.RegisteredAgent]
	closed     *Future[struct{}]
	removeOnce sync.Once
}

func (h *Agent) Key() fleet.AgentKey { return h.key }

func (h *Agent) Registered() *Future[fleet.RegisteredAgent] { return h.registered }

// Closed 在 agent 关闭时完成，agent 失败或断开时以失败原因结束。
func (h *Agent) Closed() *Future[struct{}] { return h.closed }

func (h *Agent) onEvent(msg *fleet.AgentLifecycleMessage) {
	if msg.Key != h.key {
		return
	}
	switch msg.State {
	case fleet.AgentCreated:
		if msg.Registration != nil {
			h.registered.Complete(*msg.Registration)
		}
	case fleet.AgentClosed:
		h.registered.Fail(fmt.Errorf("%w: agent %s 已关闭", fleet.ErrIllegalState, h.key))
		h.closed.Complete(struct{}{})
		h.Stop()
	case fleet.AgentFailed:
		cause := msg.Cause
		if cause == "" {
			cause = "未知原因"
		}
		err := fmt.Errorf("agent %s 失败: %s", h.key, cause)
		h.registered.Fail(err)
		h.closed.Fail(err)
		h.Stop()
	}
}

// Stop 停止跟踪，未完成的 future 不再变化。
func (h *Agent) Stop() {
	h.removeOnce.Do(func() {
		h.registry.RemoveListener(h.listener)
	})
}
