package manager

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/TAnNbR/fleet/cluster"
	"github.com/TAnNbR/fleet/fleet"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Reactor 是被托管的 actor 实现。同一个 actor 的回调不会并发执行。
type Reactor interface {
	OnStart(ctx *Context) error
	OnBootstrap(ctx *Context) error
	OnMessage(ctx *Context, msg *fleet.DeliverMessage) error
	OnStop(ctx *Context) error
}

// MetricsSource 由可以导出指标的 Reactor 实现。
type MetricsSource interface {
	Metrics() map[string]float64
}

// Context 是 Reactor 回调可以使用的环境。
type Context struct {
	key    fleet.ActorKey
	agent  fleet.AgentKey
	config string
	client cluster.Client
	logger *slog.Logger
}

func newContext(key fleet.ActorKey, agent fleet.AgentKey, config string, client cluster.Client) *Context {
	return &Context{
		key:    key,
		agent:  agent,
		config: config,
		client: client,
		logger: slog.Default().With("actor", string(key), "agent", string(agent)),
	}
}

func (c *Context) Key() fleet.ActorKey { return c.key }

func (c *Context) Agent() fleet.AgentKey { return c.agent }

func (c *Context) Logger() *slog.Logger { return c.logger }

// RawConfig 返回原始的 JSON 配置。
func (c *Context) RawConfig() string { return c.config }

// Config 把 JSON 配置解析为 structpb.Struct，配置为空时返回空结构。
func (c *Context) Config() (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if c.config == "" {
		return s, nil
	}
	if err := protojson.Unmarshal([]byte(c.config), s); err != nil {
		return nil, fmt.Errorf("%w: 解析 actor 配置失败: %v", fleet.ErrInvalidArgument, err)
	}
	return s, nil
}

// Send 把 payload 编码为 JSON 并投递给另一个 actor。
func (c *Context) Send(to fleet.ActorKey, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码消息失败: %w", err)
	}
	return c.client.Send(fleet.ActorAddress(to), &fleet.DeliverMessage{From: string(c.key), Payload: data})
}

// Reply 回复 msg 的发送者。
func (c *Context) Reply(msg *fleet.DeliverMessage, payload any) error {
	if msg.From == "" {
		return fmt.Errorf("%w: 消息没有发送者", fleet.ErrInvalidArgument)
	}
	return c.Send(fleet.ActorKey(msg.From), payload)
}
