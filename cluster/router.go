package cluster

import (
	"log/slog"

	"github.com/TAnNbR/fleet/actor"
	"golang.org/x/exp/maps"
)

// routedMessage 是本地发往某个名称的消息，只在本节点内传递。
type routedMessage struct {
	name string
	msg  any
}

// router 是每个节点上负责名称目录、主题分发和成员变化的进程。
// 所有目录状态只在它自己的 goroutine 上修改。
type router struct {
	node    *Node
	members *MemberSet
	// 名称 -> 收件箱，包括其他节点上的绑定。
	directory map[string]*actor.PID
	// 已声明但可能尚未绑定的名称，值为暂存的消息。
	declared map[string][]any
}

func newRouter(n *Node) actor.Producer {
	return func() actor.Receiver {
		return &router{
			node:      n,
			members:   NewMemberSet(),
			directory: make(map[string]*actor.PID),
			declared:  make(map[string][]any),
		}
	}
}

func (r *router) Receive(c *actor.Context) {
	switch msg := c.Message().(type) {
	case actor.Started:
	case actor.Stopped:
	case *Members:
		r.handleMembers(msg.Members)
	case *Binding:
		r.bind(msg)
	case *Unbinding:
		if pid, ok := r.directory[msg.Name]; ok && pid.Equals(msg.PID) {
			delete(r.directory, msg.Name)
		}
	case *Declaration:
		if _, ok := r.declared[msg.Name]; !ok {
			r.declared[msg.Name] = nil
		}
	case *Undeclaration:
		if pending := r.declared[msg.Name]; len(pending) > 0 {
			slog.Warn("撤销声明，丢弃暂存消息", "name", msg.Name, "dropped", len(pending))
		}
		delete(r.declared, msg.Name)
	case *Topology:
		r.handleTopology(msg)
	case *routedMessage:
		r.route(msg)
	case *Publication:
		r.node.subs.dispatch(msg.Topic, msg.Payload.Value)
	case *StateRequest:
		c.Respond(r.node.localState(msg.Topic))
	}
}

func (r *router) bind(msg *Binding) {
	if old, ok := r.directory[msg.Name]; ok && !old.Equals(msg.PID) {
		slog.Warn("名称被重新绑定", "name", msg.Name, "old", old, "new", msg.PID)
	}
	r.directory[msg.Name] = msg.PID
	pending := r.declared[msg.Name]
	if len(pending) == 0 {
		return
	}
	r.declared[msg.Name] = nil
	for _, m := range pending {
		r.node.engine.Send(msg.PID, m)
	}
	slog.Debug("投递暂存消息", "name", msg.Name, "count", len(pending))
}

func (r *router) route(msg *routedMessage) {
	if pid, ok := r.directory[msg.name]; ok {
		r.node.engine.Send(pid, msg.msg)
		return
	}
	if pending, ok := r.declared[msg.name]; ok {
		if len(pending) >= r.node.config.pendingLimit {
			slog.Warn("暂存队列已满，丢弃消息", "name", msg.name)
			return
		}
		r.declared[msg.name] = append(pending, msg.msg)
		return
	}
	slog.Warn("消息的目标名称未绑定", "name", msg.name)
}

func (r *router) handleTopology(msg *Topology) {
	for _, b := range msg.Bindings {
		r.bind(b)
	}
	for _, name := range msg.Declared {
		if _, ok := r.declared[name]; !ok {
			r.declared[name] = nil
		}
	}
}

// handleMembers 根据完整的成员列表计算加入和离开的成员。
func (r *router) handleMembers(members []*Member) {
	joined := NewMemberSet(members...).Except(r.members.Slice())
	left := r.members.Except(members)

	for _, member := range joined {
		r.memberJoin(member)
	}
	for _, member := range left {
		r.memberLeave(member)
	}
	r.node.setMembers(r.members.Slice())
}

func (r *router) memberJoin(member *Member) {
	r.members.Add(member)
	self := r.node.engine.Address()
	if member.Host != self {
		topology := &Topology{}
		for name := range r.declared {
			topology.Declared = append(topology.Declared, name)
		}
		for name, pid := range r.directory {
			if pid.Address == self {
				topology.Bindings = append(topology.Bindings, &Binding{Name: name, PID: pid})
			}
		}
		if len(topology.Bindings) > 0 || len(topology.Declared) > 0 {
			r.node.engine.Send(member.PID(), topology)
		}
	}
	r.node.engine.BroadcastEvent(MemberJoinEvent{Member: member})
}

// memberLeave 删除成员在目录中的所有绑定，并通知订阅者该地址已断开。
func (r *router) memberLeave(member *Member) {
	r.members.Remove(member)
	maps.DeleteFunc(r.directory, func(_ string, pid *actor.PID) bool {
		return pid.Address == member.Host
	})
	r.node.engine.BroadcastEvent(MemberLeaveEvent{Member: member})
	if member.Host != r.node.engine.Address() {
		r.node.subs.disconnected(member.Host)
	}
}
