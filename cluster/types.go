package cluster

import (
	"github.com/TAnNbR/fleet/actor"
	"github.com/TAnNbR/fleet/remote"
)

// Member 是集群中的一个节点。
type Member struct {
	ID     string `json:"id"`
	Host   string `json:"host"`
	Region string `json:"region"`
}

// PID 返回成员路由进程的 PID。
func (m *Member) PID() *actor.PID {
	return actor.NewPID(m.Host, "cluster/"+m.ID)
}

// ProviderPID 返回成员 provider 进程的 PID。
func (m *Member) ProviderPID() *actor.PID {
	return actor.NewPID(m.Host, "provider/"+m.ID)
}

func (m *Member) Equals(other *Member) bool {
	return m.Host == other.Host && m.ID == other.ID
}

// Members 是 provider 发给路由的完整成员列表。
type Members struct {
	Members []*Member `json:"members"`
}

// Handshake 是新成员向已有成员发起的加入请求。
type Handshake struct {
	Member *Member `json:"member"`
}

// Goodbye 在成员主动离开时发送给其他成员。
type Goodbye struct {
	Member *Member `json:"member"`
}

// Binding 把一个名称绑定到某个节点上的收件箱。
type Binding struct {
	Name string     `json:"name"`
	PID  *actor.PID `json:"pid"`
}

// Unbinding 解除名称绑定，只有 PID 相同时才生效。
type Unbinding struct {
	Name string     `json:"name"`
	PID  *actor.PID `json:"pid"`
}

// Declaration 声明一个即将被绑定的名称，绑定之前发往它的消息会被暂存。
type Declaration struct {
	Name string `json:"name"`
}

// Undeclaration 撤销声明并丢弃暂存的消息。
type Undeclaration struct {
	Name string `json:"name"`
}

// Topology 在成员加入时同步本节点的绑定和声明。
type Topology struct {
	Bindings []*Binding `json:"bindings"`
	Declared []string   `json:"declared"`
}

// Publication 是发布到某个主题的消息。
type Publication struct {
	Topic   string         `json:"topic"`
	Payload remote.Payload `json:"payload"`
}

// StateRequest 向其他成员请求某个主题的状态。
type StateRequest struct {
	Topic string `json:"topic"`
}

// StateResponse 是 StateRequest 的应答，Found 为 false 表示该成员没有提供状态。
type StateResponse struct {
	Found bool           `json:"found"`
	State remote.Payload `json:"state"`
}

func init() {
	remote.RegisterType(&Member{})
	remote.RegisterType(&Members{})
	remote.RegisterType(&Handshake{})
	remote.RegisterType(&Goodbye{})
	remote.RegisterType(&Binding{})
	remote.RegisterType(&Unbinding{})
	remote.RegisterType(&Declaration{})
	remote.RegisterType(&Undeclaration{})
	remote.RegisterType(&Topology{})
	remote.RegisterType(&Publication{})
	remote.RegisterType(&StateRequest{})
	remote.RegisterType(&StateResponse{})
}
