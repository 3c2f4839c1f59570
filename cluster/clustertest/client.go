// Package clustertest 提供同步投递的内存集群客户端，供测试使用。
package clustertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/TAnNbR/fleet/cluster"
)

// Message 是一条被记录的消息。
type Message struct {
	Name string
	Msg  any
}

type subscription struct {
	topic    string
	listener cluster.Listener
}

// Client 在调用者的 goroutine 上同步投递消息和主题事件，并记录所有发送和发布。
type Client struct {
	endpoint string

	mu        sync.Mutex
	inboxes   map[string]cluster.Handler
	declared  map[string]bool
	sent      []Message
	published []Message
	subs      map[int]subscription
	nextSub   int
	states    map[string]func() any
	closed    bool
}

var _ cluster.Client = (*Client)(nil)

func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		inboxes:  make(map[string]cluster.Handler),
		declared: make(map[string]bool),
		subs:     make(map[int]subscription),
		states:   make(map[string]func() any),
	}
}

func (c *Client) Endpoint() string { return c.endpoint }

func (c *Client) Register(name string, h cluster.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cluster.ErrClosed
	}
	if _, ok := c.inboxes[name]; ok {
		return fmt.Errorf("%w: %s", cluster.ErrNameTaken, name)
	}
	c.inboxes[name] = h
	return nil
}

func (c *Client) Unregister(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inboxes[name]; !ok {
		return fmt.Errorf("收件箱 %s 未注册", name)
	}
	delete(c.inboxes, name)
	return nil
}

func (c *Client) Declare(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared[name] = true
	return nil
}

func (c *Client) Undeclare(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.declared, name)
	return nil
}

// Send 记录消息，并在 name 已注册时同步调用它的处理函数。
func (c *Client) Send(name string, msg any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return cluster.ErrClosed
	}
	c.sent = append(c.sent, Message{Name: name, Msg: msg})
	h := c.inboxes[name]
	c.mu.Unlock()
	if h != nil {
		h(msg)
	}
	return nil
}

// Publish 记录消息并同步通知 topic 的订阅者。
func (c *Client) Publish(topic string, msg any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return cluster.ErrClosed
	}
	c.published = append(c.published, Message{Name: topic, Msg: msg})
	listeners := c.listeners(topic)
	c.mu.Unlock()
	for _, l := range listeners {
		l.OnMessage(msg)
	}
	return nil
}

func (c *Client) Subscribe(topic string, l cluster.Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = subscription{topic: topic, listener: l}
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
		})
	}
}

func (c *Client) ProvideState(topic string, fn func() any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[topic] = fn
}

// RequestState 返回本客户端自己提供的状态。
func (c *Client) RequestState(_ context.Context, topic string) (any, error) {
	c.mu.Lock()
	fn, ok := c.states[topic]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", cluster.ErrNoState, topic)
	}
	return fn(), nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Disconnect 模拟 endpoint 离开集群，通知所有订阅者。
func (c *Client) Disconnect(endpoint string) {
	c.mu.Lock()
	listeners := c.listeners("")
	c.mu.Unlock()
	for _, l := range listeners {
		l.OnEndpointDisconnected(endpoint)
	}
}

// listeners 按订阅顺序返回 topic 的监听器，topic 为空时返回全部。
func (c *Client) listeners(topic string) []cluster.Listener {
	var out []cluster.Listener
	for id := 0; id < c.nextSub; id++ {
		s, ok := c.subs[id]
		if ok && (topic == "" || s.topic == topic) {
			out = append(out, s.listener)
		}
	}
	return out
}

// Registered 判断 name 是否已注册。
func (c *Client) Registered(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inboxes[name]
	return ok
}

// Declared 判断 name 是否已声明。
func (c *Client) Declared(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.declared[name]
}

// SentTo 返回发给 name 的所有消息。
func (c *Client) SentTo(name string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []any
	for _, m := range c.sent {
		if m.Name == name {
			msgs = append(msgs, m.Msg)
		}
	}
	return msgs
}

// Published 返回发布到 topic 的所有消息。
func (c *Client) Published(topic string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []any
	for _, m := range c.published {
		if m.Name == topic {
			msgs = append(msgs, m.Msg)
		}
	}
	return msgs
}
