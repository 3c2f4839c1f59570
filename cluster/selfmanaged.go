package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/TAnNbR/fleet/actor"
	"github.com/grandcat/zeroconf"
)

const (
	serviceName        = "_fleet._tcp"
	domain             = "local."
	memberPingInterval = time.Second * 2
)

// MemberAddr 是一个可达节点的地址和 ID。
type MemberAddr struct {
	ListenAddr string `json:"listenAddr"`
	ID         string `json:"id"`
}

type (
	memberLeave struct {
		ListenAddr string
	}
	memberPing struct{}
)

// SelfManagedConfig 是 SelfManaged provider 的配置。
type SelfManagedConfig struct {
	bootstrapMembers []MemberAddr
	pingInterval     time.Duration
	discovery        bool
}

func NewSelfManagedConfig() SelfManagedConfig {
	return SelfManagedConfig{
		bootstrapMembers: make([]MemberAddr, 0),
		pingInterval:     memberPingInterval,
	}
}

// WithBootstrapMember 添加一个启动时主动握手的成员。
func (c SelfManagedConfig) WithBootstrapMember(member MemberAddr) SelfManagedConfig {
	c.bootstrapMembers = append(c.bootstrapMembers, member)
	return c
}

// WithPingInterval 设置成员心跳间隔，默认 2 秒。
func (c SelfManagedConfig) WithPingInterval(d time.Duration) SelfManagedConfig {
	c.pingInterval = d
	return c
}

// WithDiscovery 开启局域网 mDNS 自动发现。
func (c SelfManagedConfig) WithDiscovery(enabled bool) SelfManagedConfig {
	c.discovery = enabled
	return c
}

// SelfManaged 通过握手和心跳维护成员列表，不依赖外部服务。
// 心跳失败时远程模块会广播 RemoteUnreachableEvent，成员随之被移除。
type SelfManaged struct {
	config       SelfManagedConfig
	node         *Node
	members      *MemberSet
	memberPinger actor.SendRepeater
	eventSubPID  *actor.PID
	pid          *actor.PID

	resolver  *zeroconf.Resolver
	announcer *zeroconf.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSelfManagedProvider 返回 SelfManaged provider。
func NewSelfManagedProvider(config SelfManagedConfig) Producer {
	return func(n *Node) actor.Producer {
		return func() actor.Receiver {
			return &SelfManaged{
				config:  config,
				node:    n,
				members: NewMemberSet(),
			}
		}
	}
}

func (s *SelfManaged) Receive(c *actor.Context) {
	switch msg := c.Message().(type) {
	case actor.Started:
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.pid = c.PID()
		s.members.Add(s.node.Member())
		s.sendMembersToRouter()
		s.memberPinger = c.SendRepeat(c.PID(), memberPing{}, s.config.pingInterval)
		s.start(c)
	case actor.Stopped:
		s.stop(c)
	case *Handshake:
		s.addMembers(c, msg.Member)
		c.Send(c.Sender(), &Members{Members: s.members.Slice()})
	case *Members:
		s.addMembers(c, msg.Members...)
	case *Goodbye:
		s.removeMember(s.members.GetByHost(msg.Member.Host))
	case memberPing:
		s.handleMemberPing(c)
	case memberLeave:
		s.removeMember(s.members.GetByHost(msg.ListenAddr))
	case *actor.Ping:
	}
}

func (s *SelfManaged) handleMemberPing(c *actor.Context) {
	self := s.node.Endpoint()
	s.members.ForEach(func(member *Member) bool {
		if member.Host != self {
			c.Send(member.ProviderPID(), &actor.Ping{From: c.PID()})
		}
		return true
	})
}

// addMembers 添加新成员，并向之前不认识的成员握手，让它们也认识自己。
func (s *SelfManaged) addMembers(c *actor.Context, members ...*Member) {
	self := s.node.Member()
	for _, member := range members {
		if member == nil || s.members.Contains(member) {
			continue
		}
		if old := s.members.GetByHost(member.Host); old != nil {
			s.members.Remove(old)
		}
		s.members.Add(member)
		if member.Host != self.Host {
			c.Send(member.ProviderPID(), &Handshake{Member: self})
		}
	}
	s.sendMembersToRouter()
}

func (s *SelfManaged) removeMember(member *Member) {
	if member == nil || member.Host == s.node.Endpoint() {
		return
	}
	s.members.Remove(member)
	s.sendMembersToRouter()
}

func (s *SelfManaged) sendMembersToRouter() {
	s.node.engine.Send(s.node.PID(), &Members{Members: s.members.Slice()})
}

func (s *SelfManaged) start(c *actor.Context) {
	s.eventSubPID = c.SpawnChildFunc(s.handleEventStream, "event")
	s.node.engine.Subscribe(s.eventSubPID)

	for _, member := range s.config.bootstrapMembers {
		memberPID := actor.NewPID(member.ListenAddr, "provider/"+member.ID)
		c.Send(memberPID, &Handshake{Member: s.node.Member()})
	}

	if s.config.discovery {
		if err := s.initAutoDiscovery(); err != nil {
			slog.Error("[CLUSTER] 初始化自动发现失败", "err", err)
			return
		}
		go s.startAutoDiscovery()
	}
}

func (s *SelfManaged) stop(c *actor.Context) {
	s.memberPinger.Stop()
	s.node.engine.Unsubscribe(s.eventSubPID)
	bye := &Goodbye{Member: s.node.Member()}
	self := s.node.Endpoint()
	s.members.ForEach(func(member *Member) bool {
		if member.Host != self {
			c.Send(member.ProviderPID(), bye)
		}
		return true
	})
	if s.announcer != nil {
		s.announcer.Shutdown()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *SelfManaged) initAutoDiscovery() error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return err
	}
	s.resolver = resolver

	host, portstr, err := net.SplitHostPort(s.node.Endpoint())
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portstr)
	if err != nil {
		return err
	}
	server, err := zeroconf.RegisterProxy(
		s.node.ID(),
		serviceName,
		domain,
		port,
		fmt.Sprintf("member_%s", s.node.ID()),
		[]string{host},
		[]string{"txtv=0", "region=" + s.node.Region()}, nil)
	if err != nil {
		return err
	}
	s.announcer = server
	return nil
}

func (s *SelfManaged) startAutoDiscovery() {
	entries := make(chan *zeroconf.ServiceEntry)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			if entry.Instance == s.node.ID() || len(entry.AddrIPv4) == 0 {
				continue
			}
			host := fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
			memberPID := actor.NewPID(host, "provider/"+entry.Instance)
			s.node.engine.SendWithSender(memberPID, &Handshake{Member: s.node.Member()}, s.pid)
		}
		slog.Debug("[CLUSTER] 停止发现", "id", s.node.ID())
	}(entries)

	if err := s.resolver.Browse(s.ctx, serviceName, domain, entries); err != nil {
		slog.Error("[CLUSTER] 发现失败", "err", err)
	}
}

func (s *SelfManaged) handleEventStream(c *actor.Context) {
	switch msg := c.Message().(type) {
	case actor.RemoteUnreachableEvent:
		c.Send(s.pid, memberLeave{ListenAddr: msg.ListenAddr})
	}
}
