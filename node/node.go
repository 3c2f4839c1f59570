// Package node 把集群节点、注册表、agent、资源管理器和对外接口组装成一个进程。
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/TAnNbR/fleet/actor"
	"github.com/TAnNbR/fleet/agent"
	"github.com/TAnNbR/fleet/api"
	"github.com/TAnNbR/fleet/cluster"
	"github.com/TAnNbR/fleet/config"
	"github.com/TAnNbR/fleet/fleet"
	"github.com/TAnNbR/fleet/handle"
	"github.com/TAnNbR/fleet/journal"
	"github.com/TAnNbR/fleet/manager"
	"github.com/TAnNbR/fleet/metrics"
	"github.com/TAnNbR/fleet/registry"
	"github.com/TAnNbR/fleet/resourcemanager"
)

// RegistryStateTopic 是注册表状态转移使用的主题。
const RegistryStateTopic = "fleet.registry"

// HealthService 是 gRPC 健康检查中本节点的服务名。
const HealthService = "fleet"

const (
	joinTimeout     = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Option 修改节点的可选依赖，主要用于测试。
type Option func(*options)

type options struct {
	remote   actor.Remoter
	launcher manager.Launcher
	system   *fleet.SystemDescription
}

// WithRemote 使用给定的远程模块代替按监听地址创建的 drpc 远程模块。
func WithRemote(r actor.Remoter) Option {
	return func(o *options) { o.remote = r }
}

// WithLauncher 替换子进程启动方式。
func WithLauncher(l manager.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithSystem 覆盖 agent 上报的主机描述。
func WithSystem(s fleet.SystemDescription) Option {
	return func(o *options) { o.system = &s }
}

// Node 是一个 fleet 进程。
type Node struct {
	config  config.Config
	catalog *manager.Catalog
	opts    options

	engine     *actor.Engine
	ownsEngine bool
	cluster    *cluster.Node
	actors     *registry.ActorRegistry
	agents     *registry.AgentRegistry
	metrics    *metrics.Metrics
	journal    *journal.Journal
	rm         *resourcemanager.ResourceManager
	agent      *agent.Agent

	actorHandles *handle.Actors
	agentHandles *handle.Agents

	httpServer   *http.Server
	apiListener  net.Listener
	grpcServer   *grpc.Server
	health       *health.Server
	grpcListener net.Listener

	cleanups  []func()
	mu        sync.Mutex
	started   bool
	closeOnce sync.Once
	closeErr  error
}

func New(cfg config.Config, catalog *manager.Catalog, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if catalog == nil {
		catalog = manager.NewCatalog()
	}
	n := &Node{
		config:  cfg,
		catalog: catalog,
		actors:  registry.NewActorRegistry(),
		agents:  registry.NewAgentRegistry(),
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(&n.opts)
	}
	clusterCfg, err := n.clusterConfig()
	if err != nil {
		return nil, err
	}
	if n.opts.remote != nil {
		e, err := actor.NewEngine(actor.NewEngineConfig().WithRemote(n.opts.remote))
		if err != nil {
			return nil, err
		}
		n.engine = e
		n.ownsEngine = true
		clusterCfg = clusterCfg.WithEngine(e)
	}
	n.cluster, err = cluster.New(clusterCfg)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) clusterConfig() (cluster.Config, error) {
	c := cluster.NewConfig().
		WithListenAddr(n.config.Node.ListenAddr).
		WithRegion(n.config.Node.Region)
	if n.config.Node.ID != "" {
		c = c.WithID(n.config.Node.ID)
	}
	switch n.config.Node.Provider {
	case config.ProviderConsul:
		cc := cluster.NewConsulConfig().WithServiceName(n.config.Consul.Service)
		if n.config.Consul.Address != "" {
			cc = cc.WithAddress(n.config.Consul.Address)
		}
		c = c.WithProvider(cluster.NewConsulProvider(cc))
	default:
		members, err := n.config.BootstrapMembers()
		if err != nil {
			return c, err
		}
		sc := cluster.NewSelfManagedConfig().WithDiscovery(n.config.Node.Discovery)
		for _, m := range members {
			sc = sc.WithBootstrapMember(m)
		}
		c = c.WithProvider(cluster.NewSelfManagedProvider(sc))
	}
	return c, nil
}

// Start 加入集群，同步注册表，然后依次启动资源管理器、agent 和对外接口。
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return fmt.Errorf("%w: 节点已启动", fleet.ErrIllegalState)
	}
	n.started = true

	n.cleanups = append(n.cleanups,
		n.cluster.Subscribe(fleet.ActorTopic, n.actors.ClusterListener()),
		n.cluster.Subscribe(fleet.AgentTopic, n.agents.ClusterListener()),
		n.cluster.Subscribe(fleet.MetricsTopic, n.metrics),
	)
	n.cluster.ProvideState(RegistryStateTopic, n.snapshot)
	unwatch, err := n.metrics.WatchRegistries(n.actors, n.agents)
	if err != nil {
		return err
	}
	n.cleanups = append(n.cleanups, unwatch)

	if path := n.config.Journal.Path; path != "" {
		j, err := journal.Open(path)
		if err != nil {
			return err
		}
		n.journal = j
		unwatch, err := j.Watch(n.actors, n.agents)
		if err != nil {
			return err
		}
		n.cleanups = append(n.cleanups, unwatch)
	}

	n.cluster.Start()
	if len(n.config.Node.Bootstrap) > 0 {
		n.join(ctx)
	}

	n.rm, err = resourcemanager.New(resourcemanager.NewConfig().WithMetrics(n.metrics), n.cluster, n.actors, n.agents)
	if err != nil {
		return err
	}
	n.actorHandles = handle.NewActors(n.cluster, n.actors, n.rm)
	n.agentHandles = handle.NewAgents(n.agents)

	if n.config.Agent.Enabled {
		if err := n.startAgent(); err != nil {
			return err
		}
	}
	if err := n.startAPI(); err != nil {
		return err
	}
	if err := n.startHealth(); err != nil {
		return err
	}
	slog.Info("节点已启动", "id", n.cluster.ID(), "endpoint", n.cluster.Endpoint(), "agent", n.AgentKey())
	return nil
}

// join 等待其他成员出现后拉取注册表状态，超时只记录日志。
func (n *Node) join(ctx context.Context) {
	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()
	if err := n.cluster.WaitForMembers(joinCtx, 2); err != nil {
		slog.Warn("等待集群成员超时", "err", err)
		return
	}
	if err := n.SyncRegistries(joinCtx); err != nil {
		slog.Warn("同步注册表失败", "err", err)
	}
}

func (n *Node) snapshot() any {
	return &fleet.RegistrySnapshot{Actors: n.actors.All(), Agents: n.agents.All()}
}

// SyncRegistries 从其他成员拉取注册表并覆盖本地状态。
func (n *Node) SyncRegistries(ctx context.Context) error {
	state, err := n.cluster.RequestState(ctx, RegistryStateTopic)
	if err != nil {
		return err
	}
	var snap *fleet.RegistrySnapshot
	switch s := state.(type) {
	case *fleet.RegistrySnapshot:
		snap = s
	case fleet.RegistrySnapshot:
		snap = &s
	default:
		return fmt.Errorf("%w: 未知的注册表状态 %T", fleet.ErrIllegalState, state)
	}
	n.actors.ResetState(snap.Actors)
	n.agents.ResetState(snap.Agents)
	slog.Info("注册表已同步", "actors", len(snap.Actors), "agents", len(snap.Agents))
	return nil
}

func (n *Node) startAgent() error {
	forked := manager.NewForkedConfig().
		WithRegion(n.config.Node.Region).
		WithBootstrapMember(cluster.MemberAddr{ListenAddr: n.cluster.Endpoint(), ID: n.cluster.ID()})
	if n.config.Agent.LogDir != "" {
		forked = forked.WithLogDir(n.config.Agent.LogDir)
	}
	if n.config.Agent.StopGrace > 0 {
		forked = forked.WithStopGrace(n.config.Agent.StopGrace)
	}
	if n.opts.launcher != nil {
		forked = forked.WithLauncher(n.opts.launcher)
	}
	cfg := agent.NewConfig().
		WithKey(fleet.AgentKey(n.config.Agent.Key)).
		WithForked(forked).
		WithMetrics(n.metrics)
	if n.opts.system != nil {
		cfg = cfg.WithSystem(*n.opts.system)
	}
	a, err := agent.New(cfg, n.cluster, n.catalog, n.actors)
	if err != nil {
		return err
	}
	n.agent = a
	return nil
}

func (n *Node) startAPI() error {
	if n.config.API.Addr == "" {
		return nil
	}
	cfg := api.Config{
		ResourceManager: n.rm,
		Actors:          n.actors,
		Agents:          n.agents,
		Metrics:         n.metrics.Handler(),
		JWTSecret:       n.config.API.JWTSecret,
	}
	if n.journal != nil {
		cfg.Journal = n.journal
	}
	h, err := api.New(cfg)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", n.config.API.Addr)
	if err != nil {
		return fmt.Errorf("监听 API 地址失败: %w", err)
	}
	n.apiListener = ln
	n.httpServer = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := n.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API 服务退出", "err", err)
		}
	}()
	slog.Info("API 已启动", "addr", ln.Addr().String())
	return nil
}

func (n *Node) startHealth() error {
	if n.config.Health.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", n.config.Health.Addr)
	if err != nil {
		return fmt.Errorf("监听健康检查地址失败: %w", err)
	}
	n.grpcListener = ln
	n.health = health.NewServer()
	n.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	n.health.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)
	n.grpcServer = grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(n.grpcServer, n.health)
	go func() {
		if err := n.grpcServer.Serve(ln); err != nil {
			slog.Error("健康检查服务退出", "err", err)
		}
	}()
	return nil
}

func (n *Node) Endpoint() string { return n.cluster.Endpoint() }

func (n *Node) ID() string { return n.cluster.ID() }

func (n *Node) Cluster() *cluster.Node { return n.cluster }

func (n *Node) Actors() *handle.Actors { return n.actorHandles }

func (n *Node) Agents() *handle.Agents { return n.agentHandles }

func (n *Node) ActorRegistry() *registry.ActorRegistry { return n.actors }

func (n *Node) AgentRegistry() *registry.AgentRegistry { return n.agents }

func (n *Node) ResourceManager() *resourcemanager.ResourceManager { return n.rm }

func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

func (n *Node) Journal() *journal.Journal { return n.journal }

// AgentKey 返回本节点 agent 的 key，未启用 agent 时为空。
func (n *Node) AgentKey() fleet.AgentKey {
	if n.agent == nil {
		return ""
	}
	return n.agent.Key()
}

// APIAddr 返回 API 实际监听的地址，未启用时为空。
func (n *Node) APIAddr() string {
	if n.apiListener == nil {
		return ""
	}
	return n.apiListener.Addr().String()
}

// HealthAddr 返回 gRPC 健康检查实际监听的地址，未启用时为空。
func (n *Node) HealthAddr() string {
	if n.grpcListener == nil {
		return ""
	}
	return n.grpcListener.Addr().String()
}

// Close 先关闭 agent 和资源管理器，再离开集群，最后关闭日志。可以重复调用。
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		var errs []error
		if n.health != nil {
			n.health.Shutdown()
		}
		if n.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			errs = append(errs, n.httpServer.Shutdown(ctx))
			cancel()
		}
		if n.agent != nil {
			errs = append(errs, n.agent.Close())
		}
		if n.rm != nil {
			errs = append(errs, n.rm.Close())
		}
		errs = append(errs, n.cluster.Close())
		if n.ownsEngine {
			n.engine.Shutdown()
		}
		for i := len(n.cleanups) - 1; i >= 0; i-- {
			n.cleanups[i]()
		}
		if n.journal != nil {
			errs = append(errs, n.journal.Close())
		}
		if n.grpcServer != nil {
			n.grpcServer.Stop()
		}
		n.closeErr = errors.Join(errs...)
		slog.Info("节点已关闭", "id", n.cluster.ID())
	})
	return n.closeErr
}
