package registry

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/TAnNbR/fleet/fleet"
)

// ActorListener 接收注册表应用过的 actor 生命周期事件。
type ActorListener interface {
	OnActorEvent(msg *fleet.ActorLifecycleMessage)
}

// AgentListener 接收注册表应用过的 agent 生命周期事件。
type AgentListener interface {
	OnAgentEvent(msg *fleet.AgentLifecycleMessage)
}

type actorListenerFunc struct {
	fn func(*fleet.ActorLifecycleMessage)
}

func (l *actorListenerFunc) OnActorEvent(msg *fleet.ActorLifecycleMessage) { l.fn(msg) }

// NewActorListener 把函数包装成 ActorListener，每次调用返回不同的监听器。
func NewActorListener(fn func(*fleet.ActorLifecycleMessage)) ActorListener {
	return &actorListenerFunc{fn: fn}
}

type agentListenerFunc struct {
	fn func(*fleet.AgentLifecycleMessage)
}

func (l *agentListenerFunc) OnAgentEvent(msg *fleet.AgentLifecycleMessage) { l.fn(msg) }

// NewAgentListener 把函数包装成 AgentListener，每次调用返回不同的监听器。
func NewAgentListener(fn func(*fleet.AgentLifecycleMessage)) AgentListener {
	return &agentListenerFunc{fn: fn}
}

// listenerSet 是有序的监听器集合，有自己的锁，与注册表状态的锁互不相干。
type listenerSet[L comparable] struct {
	mu    sync.RWMutex
	items []L
}

func (s *listenerSet[L]) add(l L) error {
	if t := reflect.TypeOf(l); t == nil || !t.Comparable() {
		return fmt.Errorf("%w: 监听器必须是可比较的类型，例如指针", fleet.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.items, l) {
		return fmt.Errorf("%w: 监听器已注册", fleet.ErrIllegalState)
	}
	s.items = append(s.items, l)
	return nil
}

func (s *listenerSet[L]) remove(l L) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.items, l)
	if i < 0 {
		return false
	}
	s.items = slices.Delete(s.items, i, i+1)
	return true
}

// snapshot 返回当前监听器的副本，分发事件时不持有任何锁。
func (s *listenerSet[L]) snapshot() []L {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.items)
}

func (s *listenerSet[L]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
