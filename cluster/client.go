package cluster

import (
	"context"
	"errors"
)

var (
	// ErrClosed 在节点关闭后调用时返回。
	ErrClosed = errors.New("集群节点已关闭")
	// ErrNotStarted 在节点启动之前调用时返回。
	ErrNotStarted = errors.New("集群节点尚未启动")
	// ErrNameTaken 在名称已经绑定到本节点的收件箱时返回。
	ErrNameTaken = errors.New("名称已被注册")
	// ErrNoState 在没有任何其他成员提供所请求的状态时返回。
	ErrNoState = errors.New("没有成员提供该状态")
)

// Handler 处理投递到命名收件箱的消息。同一个收件箱的消息按顺序逐条处理。
type Handler func(msg any)

// Listener 接收主题消息和成员断开通知，回调在节点的路由 goroutine 上同步执行。
type Listener interface {
	OnMessage(msg any)
	OnEndpointDisconnected(endpoint string)
}

// Client 是上层组件使用的集群通信接口。
type Client interface {
	// Endpoint 返回本节点的地址。
	Endpoint() string
	// Register 把 name 绑定到本节点上的一个收件箱。
	Register(name string, h Handler) error
	Unregister(name string) error
	// Declare 声明 name，name 被绑定之前发给它的消息会被暂存。
	Declare(name string) error
	Undeclare(name string) error
	// Send 尽力把 msg 投递给绑定到 name 的收件箱。
	Send(name string, msg any) error
	// Publish 把 msg 发布给所有成员上订阅了 topic 的监听器。
	Publish(topic string, msg any) error
	// Subscribe 订阅 topic，返回取消订阅的函数。
	Subscribe(topic string, l Listener) func()
	// ProvideState 为 topic 提供状态，供新加入的成员拉取。
	ProvideState(topic string, fn func() any)
	// RequestState 从其他成员拉取 topic 的状态。
	RequestState(ctx context.Context, topic string) (any, error)
	Close() error
}
