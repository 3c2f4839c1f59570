package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/TAnNbR/fleet/cluster"
	"github.com/TAnNbR/fleet/fleet"
)

// AgentRegistry 是集群中已注册 agent 的权威视图，规则与 ActorRegistry 相同。
type AgentRegistry struct {
	mu        sync.RWMutex
	agents    map[fleet.AgentKey]fleet.RegisteredAgent
	listeners listenerSet[AgentListener]
}

func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		agents: make(map[fleet.AgentKey]fleet.RegisteredAgent),
	}
}

func (r *AgentRegistry) AddListener(l AgentListener) error {
	return r.listeners.add(l)
}

func (r *AgentRegistry) RemoveListener(l AgentListener) {
	if !r.listeners.remove(l) {
		slog.Warn("注销未注册的 agent 监听器", "listener", fmt.Sprintf("%T", l))
	}
}

func (r *AgentRegistry) ByKey(key fleet.AgentKey) (fleet.RegisteredAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[key]
	return a, ok
}

// All 返回按 key 排序的快照。
func (r *AgentRegistry) All() []fleet.RegisteredAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]fleet.RegisteredAgent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *AgentRegistry) ResetState(agents []fleet.RegisteredAgent) {
	next := make(map[fleet.AgentKey]fleet.RegisteredAgent, len(agents))
	for _, a := range agents {
		next[a.Key] = a
	}
	r.mu.Lock()
	r.agents = next
	r.mu.Unlock()
	slog.Info("agent 注册表状态已重置", "agents", len(agents))
}

// ClusterListener 返回修改注册表的唯一入口，应订阅 fleet.AgentTopic。
func (r *AgentRegistry) ClusterListener() cluster.Listener {
	return &logListener{registry: "agent", next: &agentClusterListener{registry: r}}
}

type agentClusterListener struct {
	registry *AgentRegistry
}

func (l *agentClusterListener) OnMessage(msg any) {
	event, ok := msg.(*fleet.AgentLifecycleMessage)
	if !ok {
		slog.Warn("agent 注册表收到未知消息", "msg", msg)
		return
	}
	if l.registry.apply(event) {
		l.registry.fanout(event)
	}
}

func (l *agentClusterListener) OnEndpointDisconnected(endpoint string) {
	l.registry.OnEndpointDisconnected(endpoint)
}

func (r *AgentRegistry) apply(msg *fleet.AgentLifecycleMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch msg.State {
	case fleet.AgentCreated:
		if msg.Registration == nil {
			slog.Warn("忽略没有注册信息的 agent CREATED", "agent", msg.Key)
			return false
		}
		if _, ok := r.agents[msg.Key]; ok {
			slog.Warn("忽略重复的 agent CREATED", "agent", msg.Key)
			return false
		}
		r.agents[msg.Key] = *msg.Registration
	case fleet.AgentClosed, fleet.AgentFailed:
		if _, ok := r.agents[msg.Key]; !ok {
			slog.Debug("终止事件对应的 agent 不在注册表中", "agent", msg.Key, "state", msg.State)
			return true
		}
		delete(r.agents, msg.Key)
	default:
		slog.Warn("忽略未知的 agent 状态", "agent", msg.Key, "state", msg.State)
		return false
	}
	slog.Debug("agent 事件已应用", "agent", msg.Key, "state", msg.State)
	return true
}

func (r *AgentRegistry) fanout(msg *fleet.AgentLifecycleMessage) {
	for _, l := range r.listeners.snapshot() {
		l.OnAgentEvent(msg)
	}
}

// OnEndpointDisconnected 删除位于 endpoint 上的 agent，并为每个 agent 分发一次 FAILED。
func (r *AgentRegistry) OnEndpointDisconnected(endpoint string) {
	r.mu.Lock()
	var lost []fleet.RegisteredAgent
	for key, a := range r.agents {
		if a.Endpoint == endpoint {
			lost = append(lost, a)
			delete(r.agents, key)
		}
	}
	r.mu.Unlock()

	sort.Slice(lost, func(i, j int) bool { return lost[i].Key < lost[j].Key })
	now := time.Now()
	for i := range lost {
		a := lost[i]
		slog.Warn("节点断开，agent 视为失败", "agent", a.Key, "endpoint", endpoint)
		r.fanout(&fleet.AgentLifecycleMessage{
			Key:          a.Key,
			State:        fleet.AgentFailed,
			Registration: &a,
			Cause:        fmt.Sprintf("节点 %s 已断开", endpoint),
			Timestamp:    now,
		})
	}
}
