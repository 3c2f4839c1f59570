package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/TAnNbR/fleet/actor"
	"github.com/hashicorp/consul/api"
)

const (
	consulServiceName = "fleet"
	consulCheckTTL    = 10 * time.Second
	consulWaitTime    = 30 * time.Second
)

type consulTTL struct{}

// ConsulConfig 是 Consul provider 的配置。
type ConsulConfig struct {
	address     string
	serviceName string
	checkTTL    time.Duration
}

func NewConsulConfig() ConsulConfig {
	return ConsulConfig{
		address:     api.DefaultConfig().Address,
		serviceName: consulServiceName,
		checkTTL:    consulCheckTTL,
	}
}

// WithAddress 设置 Consul agent 的地址，默认取 CONSUL_HTTP_ADDR 或 127.0.0.1:8500。
func (c ConsulConfig) WithAddress(addr string) ConsulConfig {
	c.address = addr
	return c
}

// WithServiceName 设置注册的服务名，同一个集群的节点必须相同。
func (c ConsulConfig) WithServiceName(name string) ConsulConfig {
	c.serviceName = name
	return c
}

// WithCheckTTL 设置健康检查的 TTL，节点按 TTL 的一半续约。
func (c ConsulConfig) WithCheckTTL(d time.Duration) ConsulConfig {
	c.checkTTL = d
	return c
}

// Consul 把节点注册为 Consul 服务，并通过阻塞查询健康实例维护成员列表。
type Consul struct {
	config  ConsulConfig
	node    *Node
	client  *api.Client
	pid     *actor.PID
	renewer actor.SendRepeater
	cancel  context.CancelFunc
}

// NewConsulProvider 返回 Consul provider。
func NewConsulProvider(config ConsulConfig) Producer {
	return func(n *Node) actor.Producer {
		return func() actor.Receiver {
			return &Consul{
				config: config,
				node:   n,
			}
		}
	}
}

func (p *Consul) checkID() string {
	return "service:" + p.node.ID()
}

func (p *Consul) Receive(c *actor.Context) {
	switch msg := c.Message().(type) {
	case actor.Started:
		p.pid = c.PID()
		if err := p.start(); err != nil {
			slog.Error("[CLUSTER] Consul 注册失败", "err", err, "addr", p.config.address)
			return
		}
		p.renewer = c.SendRepeat(c.PID(), consulTTL{}, p.config.checkTTL/2)
	case actor.Stopped:
		p.stop()
	case consulTTL:
		if err := p.client.Agent().UpdateTTL(p.checkID(), "", api.HealthPassing); err != nil {
			slog.Warn("[CLUSTER] Consul 续约失败", "err", err)
		}
	case *Members:
		c.Send(p.node.PID(), msg)
	}
}

func (p *Consul) start() error {
	cfg := api.DefaultConfig()
	cfg.Address = p.config.address
	client, err := api.NewClient(cfg)
	if err != nil {
		return err
	}
	p.client = client

	host, portstr, err := net.SplitHostPort(p.node.Endpoint())
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portstr)
	if err != nil {
		return err
	}
	reg := &api.AgentServiceRegistration{
		ID:      p.node.ID(),
		Name:    p.config.serviceName,
		Address: host,
		Port:    port,
		Meta: map[string]string{
			"id":     p.node.ID(),
			"region": p.node.Region(),
		},
		Check: &api.AgentServiceCheck{
			CheckID:                        p.checkID(),
			TTL:                            p.config.checkTTL.String(),
			DeregisterCriticalServiceAfter: (p.config.checkTTL * 6).String(),
		},
	}
	if err := client.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("注册服务失败: %w", err)
	}
	if err := client.Agent().UpdateTTL(p.checkID(), "", api.HealthPassing); err != nil {
		slog.Warn("[CLUSTER] Consul 首次续约失败", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watch(ctx)
	return nil
}

// watch 用阻塞查询等待健康实例变化，把完整成员列表发回 provider 进程。
func (p *Consul) watch(ctx context.Context) {
	var index uint64
	for {
		opts := (&api.QueryOptions{WaitIndex: index, WaitTime: consulWaitTime}).WithContext(ctx)
		entries, meta, err := p.client.Health().Service(p.config.serviceName, "", true, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("[CLUSTER] Consul 查询失败", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if meta.LastIndex == index {
			continue
		}
		index = meta.LastIndex
		p.node.engine.Send(p.pid, &Members{Members: membersFromEntries(entries)})
	}
}

func membersFromEntries(entries []*api.ServiceEntry) []*Member {
	members := make([]*Member, 0, len(entries))
	for _, entry := range entries {
		svc := entry.Service
		if svc == nil {
			continue
		}
		id := svc.Meta["id"]
		if id == "" {
			id = svc.ID
		}
		members = append(members, &Member{
			ID:     id,
			Host:   net.JoinHostPort(svc.Address, strconv.Itoa(svc.Port)),
			Region: svc.Meta["region"],
		})
	}
	return members
}

func (p *Consul) stop() {
	p.renewer.Stop()
	if p.cancel != nil {
		p.cancel()
	}
	if p.client != nil {
		if err := p.client.Agent().ServiceDeregister(p.node.ID()); err != nil {
			slog.Warn("[CLUSTER] Consul 注销失败", "err", err)
		}
	}
}
