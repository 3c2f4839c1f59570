package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/TAnNbR/fleet/cluster"
	"github.com/TAnNbR/fleet/fleet"
	"golang.org/x/exp/maps"
)

// ActorRegistry 是集群中存活 actor 的权威视图。
// 状态只由 ClusterListener 返回的监听器修改；状态锁和监听器锁相互独立，
// 监听器在状态锁之外、基于快照同步回调，回调中可以再访问注册表。
type ActorRegistry struct {
	mu        sync.RWMutex
	actors    map[fleet.ActorKey]fleet.RegisteredActor
	listeners listenerSet[ActorListener]
}

func NewActorRegistry() *ActorRegistry {
	return &ActorRegistry{
		actors: make(map[fleet.ActorKey]fleet.RegisteredActor),
	}
}

// AddListener 注册监听器，重复注册返回 ErrIllegalState。
func (r *ActorRegistry) AddListener(l ActorListener) error {
	return r.listeners.add(l)
}

// RemoveListener 注销监听器，未注册的监听器只记录日志。
func (r *ActorRegistry) RemoveListener(l ActorListener) {
	if !r.listeners.remove(l) {
		slog.Warn("注销未注册的 actor 监听器", "listener", fmt.Sprintf("%T", l))
	}
}

func (r *ActorRegistry) ByKey(key fleet.ActorKey) (fleet.RegisteredActor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[key]
	return a, ok
}

// All 返回按 key 排序的快照。
func (r *ActorRegistry) All() []fleet.RegisteredActor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedActors(r.actors)
}

// ResetState 用 actors 整体替换当前状态，用于新成员加入时接收已有成员的状态。不通知监听器。
func (r *ActorRegistry) ResetState(actors []fleet.RegisteredActor) {
	next := make(map[fleet.ActorKey]fleet.RegisteredActor, len(actors))
	for _, a := range actors {
		next[a.Key] = a
	}
	r.mu.Lock()
	r.actors = next
	r.mu.Unlock()
	slog.Info("actor 注册表状态已重置", "actors", len(actors))
}

// ClusterListener 返回修改注册表的唯一入口，应订阅 fleet.ActorTopic。
func (r *ActorRegistry) ClusterListener() cluster.Listener {
	return &logListener{registry: "actor", next: &actorClusterListener{registry: r}}
}

type actorClusterListener struct {
	registry *ActorRegistry
}

func (l *actorClusterListener) OnMessage(msg any) {
	event, ok := msg.(*fleet.ActorLifecycleMessage)
	if !ok {
		slog.Warn("actor 注册表收到未知消息", "msg", msg)
		return
	}
	if l.registry.apply(event) {
		l.registry.fanout(event)
	}
}

func (l *actorClusterListener) OnEndpointDisconnected(endpoint string) {
	l.registry.OnEndpointDisconnected(endpoint)
}

// apply 按状态规则修改注册表，返回事件是否需要分发。
// FAILED 和 CLOSED 总是分发，创建失败的 actor 不会有之前的 CREATED。
func (r *ActorRegistry) apply(msg *fleet.ActorLifecycleMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch msg.State {
	case fleet.ActorCreated:
		if _, ok := r.actors[msg.Key]; ok {
			slog.Warn("忽略重复的 CREATED", "actor", msg.Key, "agent", msg.Agent)
			return false
		}
		r.actors[msg.Key] = msg.Registered()
	case fleet.ActorInitialized:
		cur, ok := r.actors[msg.Key]
		if !ok {
			slog.Warn("忽略 INITIALIZED：actor 不存在", "actor", msg.Key)
			return false
		}
		if cur.State == fleet.ActorInitialized {
			slog.Warn("忽略 INITIALIZED：actor 已初始化", "actor", msg.Key)
			return false
		}
		r.actors[msg.Key] = msg.Registered()
	case fleet.ActorFailed, fleet.ActorClosed:
		if _, ok := r.actors[msg.Key]; !ok {
			slog.Debug("终止事件对应的 actor 不在注册表中", "actor", msg.Key, "state", msg.State)
			return true
		}
		delete(r.actors, msg.Key)
	default:
		slog.Warn("忽略未知的 actor 状态", "actor", msg.Key, "state", msg.State)
		return false
	}
	slog.Debug("actor 事件已应用", "actor", msg.Key, "state", msg.State, "agent", msg.Agent)
	return true
}

func (r *ActorRegistry) fanout(msg *fleet.ActorLifecycleMessage) {
	for _, l := range r.listeners.snapshot() {
		l.OnActorEvent(msg)
	}
}

// OnEndpointDisconnected 删除所有位于 endpoint 上的 actor，并为每个 actor 分发一次 FAILED。
func (r *ActorRegistry) OnEndpointDisconnected(endpoint string) {
	r.mu.Lock()
	lost := maps.Clone(r.actors)
	maps.DeleteFunc(lost, func(_ fleet.ActorKey, a fleet.RegisteredActor) bool {
		return a.Endpoint() != endpoint && a.AgentEndpoint != endpoint
	})
	for key := range lost {
		delete(r.actors, key)
	}
	r.mu.Unlock()

	now := time.Now()
	for _, a := range sortedActors(lost) {
		slog.Warn("节点断开，actor 视为失败", "actor", a.Key, "endpoint", endpoint)
		r.fanout(&fleet.ActorLifecycleMessage{
			Key:           a.Key,
			Agent:         a.Agent,
			AgentEndpoint: a.AgentEndpoint,
			State:         fleet.ActorFailed,
			DeployInfo:    a.DeployInfo,
			Cause:         fmt.Sprintf("节点 %s 已断开", endpoint),
			Disconnected:  true,
			Timestamp:     now,
		})
	}
}

func sortedActors(m map[fleet.ActorKey]fleet.RegisteredActor) []fleet.RegisteredActor {
	out := make([]fleet.RegisteredActor, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
