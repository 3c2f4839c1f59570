// Package agent 托管本节点上的 actor，执行资源管理器发来的放置命令。
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TAnNbR/fleet/cluster"
	"github.com/TAnNbR/fleet/fleet"
	"github.com/TAnNbR/fleet/manager"
	"github.com/TAnNbR/fleet/metrics"
	"github.com/TAnNbR/fleet/registry"
	"github.com/TAnNbR/fleet/sysinfo"
	"github.com/google/uuid"
)

// Config 是 agent 的配置。
type Config struct {
	key     fleet.AgentKey
	system  *fleet.SystemDescription
	forked  manager.ForkedConfig
	metrics *metrics.Metrics
}

func NewConfig() Config {
	return Config{
		forked: manager.NewForkedConfig(),
	}
}

// WithKey 设置 agent key，默认为 "agent-<uuid>"。
func (c Config) WithKey(key fleet.AgentKey) Config {
	c.key = key
	return c
}

// WithSystem 覆盖注册时上报的主机描述。
func (c Config) WithSystem(system fleet.SystemDescription) Config {
	c.system = &system
	return c
}

// WithForked 设置子进程 actor 的配置。
func (c Config) WithForked(forked manager.ForkedConfig) Config {
	c.forked = forked
	return c
}

func (c Config) WithMetrics(m *metrics.Metrics) Config {
	c.metrics = m
	return c
}

type hostedActor struct {
	actor       manager.ManagedActor
	forked      bool
	initialized bool
}

// Agent 在本节点上托管 actor。放置命令在 agent 的收件箱上逐条处理。
type Agent struct {
	key          fleet.AgentKey
	client       cluster.Client
	actors       *registry.ActorRegistry
	embedded     *manager.EmbeddedManager
	forked       *manager.ForkedManager
	registration fleet.RegisteredAgent
	listener     registry.ActorListener
	metrics      *metrics.Metrics

	mu     sync.Mutex
	hosted map[fleet.ActorKey]*hostedActor
	closed bool

	closeOnce sync.Once
}

// New 注册 agent 的收件箱并发布 CREATED 事件。
func New(config Config, client cluster.Client, catalog *manager.Catalog, actors *registry.ActorRegistry) (*Agent, error) {
	key := config.key
	if key == "" {
		key = fleet.AgentKey("agent-" + uuid.NewString())
	}
	system := sysinfo.Describe()
	if config.system != nil {
		system = *config.system
	}
	a := &Agent{
		key:      key,
		client:   client,
		actors:   actors,
		embedded: manager.NewEmbeddedManager(catalog, client, key),
		forked:   manager.NewForkedManager(config.forked, client, key),
		registration: fleet.RegisteredAgent{
			Key:       key,
			System:    system,
			Endpoint:  client.Endpoint(),
			CreatedAt: time.Now(),
		},
		hosted:  make(map[fleet.ActorKey]*hostedActor),
		metrics: config.metrics,
	}
	a.forked.OnProcessExit(a.onProcessExit)
	a.listener = registry.NewActorListener(a.onActorEvent)
	if err := actors.AddListener(a.listener); err != nil {
		return nil, err
	}
	if err := client.Register(fleet.AgentAddress(key), a.handle); err != nil {
		actors.RemoveListener(a.listener)
		return nil, fmt.Errorf("注册 agent 收件箱失败: %w", err)
	}
	err := client.Publish(fleet.AgentTopic, &fleet.AgentLifecycleMessage{
		Key:          key,
		State:        fleet.AgentCreated,
		Registration: &a.registration,
		Timestamp:    a.registration.CreatedAt,
	})
	if err != nil {
		_ = client.Unregister(fleet.AgentAddress(key))
		actors.RemoveListener(a.listener)
		return nil, fmt.Errorf("发布 agent 注册事件失败: %w", err)
	}
	slog.Info("agent 已注册", "agent", key, "endpoint", client.Endpoint())
	return a, nil
}

func (a *Agent) Key() fleet.AgentKey { return a.key }

func (a *Agent) Registration() fleet.RegisteredAgent { return a.registration }

// Hosted 返回本地托管的 actor key。
func (a *Agent) Hosted() []fleet.ActorKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]fleet.ActorKey, 0, len(a.hosted))
	for key := range a.hosted {
		keys = append(keys, key)
	}
	return keys
}

func (a *Agent) handle(msg any) {
	switch m := msg.(type) {
	case *fleet.CreateActorCommand:
		a.onActorCreationRequest(m.Config)
	case *fleet.CloseActorCommand:
		a.onActorCloseRequest(m.Key)
	case *fleet.ActorReadyReport:
		a.onActorReady(m)
	default:
		slog.Warn("agent 收到未知命令", "agent", a.key, "type", fmt.Sprintf("%T", msg))
	}
}

func (a *Agent) onActorCreationRequest(cfg fleet.ActorConfig) {
	a.mu.Lock()
	_, exists := a.hosted[cfg.Key]
	closed := a.closed
	a.mu.Unlock()
	if exists {
		slog.Warn("actor 已经在本 agent 上运行", "agent", a.key, "actor", cfg.Key)
		return
	}
	if closed {
		a.publishFailed(cfg.Key, nil, fmt.Errorf("%w: agent %s 已关闭", fleet.ErrIllegalState, a.key))
		return
	}

	var (
		managed manager.ManagedActor
		err     error
	)
	if cfg.Deploy.Forked {
		managed, err = a.forked.CreateActor(cfg)
	} else {
		managed, err = a.embedded.CreateActor(cfg)
	}
	if err != nil {
		a.publishFailed(cfg.Key, nil, err)
		return
	}
	info, err := managed.Start()
	if err != nil {
		managed.Close()
		a.publishFailed(cfg.Key, nil, err)
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		managed.Close()
		a.publishFailed(cfg.Key, info, fmt.Errorf("%w: agent %s 已关闭", fleet.ErrIllegalState, a.key))
		return
	}
	a.hosted[cfg.Key] = &hostedActor{actor: managed, forked: cfg.Deploy.Forked, initialized: !cfg.Deploy.Forked}
	a.mu.Unlock()

	slog.Info("actor 已创建", "agent", a.key, "actor", cfg.Key, "forked", cfg.Deploy.Forked)
	a.publish(cfg.Key, fleet.ActorCreated, info, "")
	if !cfg.Deploy.Forked {
		a.publish(cfg.Key, fleet.ActorInitialized, info, "")
	}
}

func (a *Agent) onActorReady(report *fleet.ActorReadyReport) {
	a.mu.Lock()
	h, ok := a.hosted[report.Key]
	ready := ok && h.forked && !h.initialized
	if ready {
		h.initialized = true
	}
	a.mu.Unlock()
	if !ready {
		slog.Warn("忽略就绪报告", "agent", a.key, "actor", report.Key)
		return
	}
	info := report.DeployInfo
	if err := info.Validate(true); err != nil {
		slog.Warn("就绪报告的部署信息不完整", "agent", a.key, "actor", report.Key, "err", err)
	}
	a.publish(report.Key, fleet.ActorInitialized, &info, "")
}

func (a *Agent) onActorCloseRequest(key fleet.ActorKey) {
	a.mu.Lock()
	h, ok := a.hosted[key]
	delete(a.hosted, key)
	a.mu.Unlock()
	if !ok {
		slog.Warn("关闭未知的 actor", "agent", a.key, "actor", key)
		return
	}
	if err := h.actor.Close(); err != nil {
		slog.Warn("关闭 actor 出错", "agent", a.key, "actor", key, "err", err)
	}
}

// onActorEvent 在注册表报告本 agent 的 actor 终止后丢弃本地记录。
func (a *Agent) onActorEvent(msg *fleet.ActorLifecycleMessage) {
	if msg.Agent != a.key || !msg.State.Terminal() {
		return
	}
	a.mu.Lock()
	_, ok := a.hosted[msg.Key]
	delete(a.hosted, msg.Key)
	a.mu.Unlock()
	if ok {
		slog.Debug("actor 已终止，移除本地记录", "agent", a.key, "actor", msg.Key, "state", msg.State)
	}
}

// onProcessExit 在子进程意外退出且 actor 仍由本 agent 托管时发布 FAILED。
// 正常退出的子进程自己发布 CLOSED。
func (a *Agent) onProcessExit(exit manager.ProcessExit) {
	a.metrics.ObserveProcessExit(exit.Requested)
	if exit.Requested {
		return
	}
	a.mu.Lock()
	_, ok := a.hosted[exit.Key]
	if ok && exit.Err != nil {
		delete(a.hosted, exit.Key)
	}
	a.mu.Unlock()
	if !ok || exit.Err == nil {
		return
	}
	a.publishFailed(exit.Key, nil, fmt.Errorf("子进程 %d 意外退出: %w", exit.PID, exit.Err))
}

func (a *Agent) publish(key fleet.ActorKey, state fleet.ActorState, info *fleet.ActorDeployInfo, cause string) {
	msg := &fleet.ActorLifecycleMessage{
		Key:           key,
		Agent:         a.key,
		AgentEndpoint: a.client.Endpoint(),
		State:         state,
		DeployInfo:    info,
		Cause:         cause,
		Timestamp:     time.Now(),
	}
	if err := a.client.Publish(fleet.ActorTopic, msg); err != nil {
		slog.Error("发布 actor 事件失败", "agent", a.key, "actor", key, "state", state, "err", err)
	}
}

func (a *Agent) publishFailed(key fleet.ActorKey, info *fleet.ActorDeployInfo, err error) {
	slog.Error("actor 创建失败", "agent", a.key, "actor", key, "err", err)
	a.publish(key, fleet.ActorFailed, info, err.Error())
}

// Close 关闭所有本地 actor，然后发布 agent 的 CLOSED 事件。可以重复调用。
func (a *Agent) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		hosted := a.hosted
		a.hosted = make(map[fleet.ActorKey]*hostedActor)
		a.mu.Unlock()

		if err := a.client.Unregister(fleet.AgentAddress(a.key)); err != nil {
			errs = append(errs, err)
		}
		for key, h := range hosted {
			if err := h.actor.Close(); err != nil {
				errs = append(errs, fmt.Errorf("关闭 actor %s: %w", key, err))
			}
		}
		if err := a.forked.Close(); err != nil {
			errs = append(errs, err)
		}
		a.actors.RemoveListener(a.listener)
		err := a.client.Publish(fleet.AgentTopic, &fleet.AgentLifecycleMessage{
			Key:          a.key,
			State:        fleet.AgentClosed,
			Registration: &a.registration,
			Timestamp:    time.Now(),
		})
		if err != nil {
			errs = append(errs, err)
		}
		slog.Info("agent 已关闭", "agent", a.key, "actors", len(hosted))
	})
	return errors.Join(errs...)
}
