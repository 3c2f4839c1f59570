// Package resourcemanager 决定新 actor 部署到哪个 agent，并转发关闭请求。
package resourcemanager

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/TAnNbR/fleet/cluster"
	"github.com/TAnNbR/fleet/fleet"
	"github.com/TAnNbR/fleet/metrics"
	"github.com/TAnNbR/fleet/registry"
)

// Config 是资源管理器的配置。
type Config struct {
	strategy *DeployStrategy
	metrics  *metrics.Metrics
}

func NewConfig() Config {
	return Config{}
}

// WithStrategy 设置部署策略，测试中用它注入固定种子的随机源。
func (c Config) WithStrategy(s *DeployStrategy) Config {
	c.strategy = s
	return c
}

func (c Config) WithMetrics(m *metrics.Metrics) Config {
	c.metrics = m
	return c
}

// Placement 是一个 actor 的放置结果。
type Placement struct {
	Actor fleet.ActorKey `json:"actor"`
	Agent fleet.AgentKey `json:"agent"`
}

// ResourceManager 记录每个 actor 被放置到哪个 agent。
// 注册表报告 actor 终止后，对应的放置记录会被移除。
type ResourceManager struct {
	client   cluster.Client
	actors   *registry.ActorRegistry
	agents   *registry.AgentRegistry
	strategy *DeployStrategy
	metrics  *metrics.Metrics
	listener registry.ActorListener

	mu         sync.Mutex
	placements map[fleet.ActorKey]fleet.AgentKey
	closed     bool
}

func New(config Config, client cluster.Client, actors *registry.ActorRegistry, agents *registry.AgentRegistry) (*ResourceManager, error) {
	if config.strategy == nil {
		config.strategy = NewDeployStrategy(nil)
	}
	rm := &ResourceManager{
		client:     client,
		actors:     actors,
		agents:     agents,
		strategy:   config.strategy,
		metrics:    config.metrics,
		placements: make(map[fleet.ActorKey]fleet.AgentKey),
	}
	rm.listener = registry.NewActorListener(rm.onActorEvent)
	if err := actors.AddListener(rm.listener); err != nil {
		return nil, err
	}
	return rm, nil
}

// CreateActor 选择 agent 并发出创建命令，返回选中的 agent。
// 同一个 key 的 actor 存活期间只能创建一次。
func (rm *ResourceManager) CreateActor(cfg fleet.ActorConfig) (fleet.AgentKey, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return "", fmt.Errorf("%w: 资源管理器已关闭", fleet.ErrIllegalState)
	}
	if agent, ok := rm.placements[cfg.Key]; ok {
		rm.mu.Unlock()
		return "", fmt.Errorf("%w: actor %s 已部署在 %s", fleet.ErrInvalidArgument, cfg.Key, agent)
	}
	if existing, ok := rm.actors.ByKey(cfg.Key); ok {
		rm.mu.Unlock()
		return "", fmt.Errorf("%w: actor %s 已存在于 %s", fleet.ErrInvalidArgument, cfg.Key, existing.Agent)
	}
	agent, err := rm.strategy.Select(cfg, rm.agents.All())
	if err != nil {
		rm.mu.Unlock()
		rm.metrics.ObservePlacementFailure("no_agent")
		return "", err
	}
	// 先占位，发送期间到达的终止事件会清除它
	rm.placements[cfg.Key] = agent.Key
	rm.mu.Unlock()

	if err := rm.dispatch(cfg, agent.Key); err != nil {
		rm.forget(cfg.Key, agent.Key)
		rm.metrics.ObservePlacementFailure("dispatch")
		return "", err
	}
	rm.metrics.ObservePlacement(agent.Key)
	slog.Info("actor 已放置", "actor", cfg.Key, "agent", agent.Key, "endpoint", agent.Endpoint)
	return agent.Key, nil
}

func (rm *ResourceManager) dispatch(cfg fleet.ActorConfig, agent fleet.AgentKey) error {
	address := fleet.ActorAddress(cfg.Key)
	if err := rm.client.Declare(address); err != nil {
		return fmt.Errorf("声明 actor 地址失败: %w", err)
	}
	if err := rm.client.Send(fleet.AgentAddress(agent), &fleet.CreateActorCommand{Config: cfg}); err != nil {
		_ = rm.client.Undeclare(address)
		return fmt.Errorf("发送创建命令失败: %w", err)
	}
	return nil
}

// CloseActor 向托管 actor 的 agent 发出关闭命令。key 未被记录时返回 ErrUnknownActor。
func (rm *ResourceManager) CloseActor(key fleet.ActorKey) error {
	rm.mu.Lock()
	agent, ok := rm.placements[key]
	delete(rm.placements, key)
	rm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", fleet.ErrUnknownActor, key)
	}
	rm.metrics.ObserveCloseRequest()
	if err := rm.client.Undeclare(fleet.ActorAddress(key)); err != nil {
		slog.Warn("撤销 actor 地址声明失败", "actor", key, "err", err)
	}
	if err := rm.client.Send(fleet.AgentAddress(agent), &fleet.CloseActorCommand{Key: key}); err != nil {
		return fmt.Errorf("发送关闭命令失败: %w", err)
	}
	slog.Info("已请求关闭 actor", "actor", key, "agent", agent)
	return nil
}

// Placements 返回按 actor key 排序的放置记录。
func (rm *ResourceManager) Placements() []Placement {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]Placement, 0, len(rm.placements))
	for actor, agent := range rm.placements {
		out = append(out, Placement{Actor: actor, Agent: agent})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Actor < out[j].Actor })
	return out
}

// Agent 返回 actor 被放置到的 agent。
func (rm *ResourceManager) Agent(key fleet.ActorKey) (fleet.AgentKey, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	agent, ok := rm.placements[key]
	return agent, ok
}

func (rm *ResourceManager) onActorEvent(msg *fleet.ActorLifecycleMessage) {
	if !msg.State.Terminal() {
		return
	}
	if rm.forget(msg.Key, msg.Agent) {
		if err := rm.client.Undeclare(fleet.ActorAddress(msg.Key)); err != nil {
			slog.Debug("撤销 actor 地址声明失败", "actor", msg.Key, "err", err)
		}
		slog.Debug("actor 已终止，移除放置记录", "actor", msg.Key, "state", msg.State)
	}
}

// forget 只在 key 仍然放置在 agent 上时删除记录。
func (rm *ResourceManager) forget(key fleet.ActorKey, agent fleet.AgentKey) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if cur, ok := rm.placements[key]; ok && cur == agent {
		delete(rm.placements, key)
		return true
	}
	return false
}

// Close 关闭所有已放置的 actor，可以重复调用。
func (rm *ResourceManager) Close() error {
	rm.mu.Lock()
	rm.closed = true
	keys := make([]fleet.ActorKey, 0, len(rm.placements))
	for key := range rm.placements {
		keys = append(keys, key)
	}
	rm.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var errs []error
	for _, key := range keys {
		if err := rm.CloseActor(key); err != nil && !errors.Is(err, fleet.ErrUnknownActor) {
			errs = append(errs, err)
		}
	}
	rm.actors.RemoveListener(rm.listener)
	return errors.Join(errs...)
}
