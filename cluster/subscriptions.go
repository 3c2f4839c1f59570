package cluster

import (
	"sort"
	"sync"
)

type subscription struct {
	id       uint64
	topic    string
	listener Listener
}

// subscriptions 保存本节点的主题订阅。
type subscriptions struct {
	mu     sync.RWMutex
	next   uint64
	topics map[string]map[uint64]*subscription
}

func newSubscriptions() *subscriptions {
	return &subscriptions{topics: make(map[string]map[uint64]*subscription)}
}

func (s *subscriptions) add(topic string, l Listener) func() {
	s.mu.Lock()
	s.next++
	sub := &subscription{id: s.next, topic: topic, listener: l}
	if s.topics[topic] == nil {
		s.topics[topic] = make(map[uint64]*subscription)
	}
	s.topics[topic][sub.id] = sub
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.topics[topic], sub.id)
			if len(s.topics[topic]) == 0 {
				delete(s.topics, topic)
			}
		})
	}
}

// snapshot 返回按订阅顺序排列的监听器副本，topic 为空时返回全部。
func (s *subscriptions) snapshot(topic string) []*subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*subscription
	for t, subs := range s.topics {
		if topic != "" && t != topic {
			continue
		}
		for _, sub := range subs {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *subscriptions) dispatch(topic string, msg any) {
	for _, sub := range s.snapshot(topic) {
		sub.listener.OnMessage(msg)
	}
}

// disconnected 通知每个订阅成员 endpoint 已断开。
func (s *subscriptions) disconnected(endpoint string) {
	for _, sub := range s.snapshot("") {
		sub.listener.OnEndpointDisconnected(endpoint)
	}
}
