package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TAnNbR/fleet/actor"
	"github.com/TAnNbR/fleet/remote"
	"github.com/TAnNbR/fleet/safemap"
)

// 选择一个较宽松的超时，跨区域的节点也能正常应答。
var defaultRequestTimeout = time.Second

const defaultPendingLimit = 1024

// Producer 根据节点生产 provider 进程。
type Producer func(n *Node) actor.Producer

// Config 是集群节点的配置。
type Config struct {
	listenAddr     string
	id             string
	region         string
	engine         *actor.Engine
	provider       Producer
	requestTimeout time.Duration
	pendingLimit   int
}

// NewConfig 返回默认配置：随机端口、随机 ID、SelfManaged provider。
func NewConfig() Config {
	return Config{
		listenAddr:     getRandomListenAddr(),
		id:             fmt.Sprintf("%d", rand.Intn(math.MaxInt)),
		region:         "default",
		provider:       NewSelfManagedProvider(NewSelfManagedConfig()),
		requestTimeout: defaultRequestTimeout,
		pendingLimit:   defaultPendingLimit,
	}
}

// WithRequestTimeout 设置成员之间请求的超时时间，默认 1 秒。
func (config Config) WithRequestTimeout(d time.Duration) Config {
	config.requestTimeout = d
	return config
}

// WithProvider 设置成员发现方式，默认为 SelfManaged。
func (config Config) WithProvider(p Producer) Config {
	config.provider = p
	return config
}

// WithEngine 使用已有的引擎。未设置时节点会创建带 drpc 远程模块的引擎。
func (config Config) WithEngine(e *actor.Engine) Config {
	config.engine = e
	return config
}

// WithListenAddr 设置远程模块的监听地址，默认随机端口。
func (config Config) WithListenAddr(addr string) Config {
	config.listenAddr = addr
	return config
}

// WithID 设置节点 ID，默认随机生成。
func (config Config) WithID(id string) Config {
	config.id = id
	return config
}

// WithRegion 设置节点所在区域，默认 "default"。
func (config Config) WithRegion(region string) Config {
	config.region = region
	return config
}

// WithPendingLimit 设置每个已声明名称最多暂存的消息数。
func (config Config) WithPendingLimit(n int) Config {
	config.pendingLimit = n
	return config
}

// Node 是 Client 基于 actor 引擎的实现。
// 每个命名收件箱是引擎中的一个进程，路由进程维护全集群的名称目录。
type Node struct {
	config      Config
	engine      *actor.Engine
	ownsEngine  bool
	routerPID   *actor.PID
	providerPID *actor.PID
	inboxes     *safemap.SafeMap[string, *actor.PID]
	providers   *safemap.SafeMap[string, func() any]
	subs        *subscriptions
	members     atomic.Pointer[[]*Member]
	inboxSeq    atomic.Uint64
	started     atomic.Bool
	ready       atomic.Bool
	closed      atomic.Bool
	closeOnce   sync.Once
}

var _ Client = (*Node)(nil)

// New 创建节点，调用 Start 后才会加入集群。
func New(config Config) (*Node, error) {
	ownsEngine := false
	if config.engine == nil {
		r := remote.New(config.listenAddr, remote.NewConfig())
		e, err := actor.NewEngine(actor.NewEngineConfig().WithRemote(r))
		if err != nil {
			return nil, err
		}
		config.engine = e
		ownsEngine = true
	}
	if config.pendingLimit <= 0 {
		config.pendingLimit = defaultPendingLimit
	}
	if config.requestTimeout <= 0 {
		config.requestTimeout = defaultRequestTimeout
	}
	n := &Node{
		config:     config,
		engine:     config.engine,
		ownsEngine: ownsEngine,
		inboxes:    safemap.New[string, *actor.PID](),
		providers:  safemap.New[string, func() any](),
		subs:       newSubscriptions(),
	}
	n.setMembers(nil)
	return n, nil
}

// Start 启动路由和 provider 进程。
func (n *Node) Start() {
	if !n.started.CompareAndSwap(false, true) {
		return
	}
	n.routerPID = n.engine.Spawn(newRouter(n), "cluster", actor.WithID(n.config.id))
	n.providerPID = n.engine.Spawn(n.config.provider(n), "provider", actor.WithID(n.config.id))
	n.ready.Store(true)
}

// Close 注销本节点的所有收件箱并离开集群，可以重复调用。
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		for _, name := range n.inboxNames() {
			_ = n.Unregister(name)
		}
		n.closed.Store(true)
		if n.ready.Load() {
			<-n.engine.Poison(n.providerPID).Done()
			<-n.engine.Poison(n.routerPID).Done()
		}
		if n.ownsEngine {
			n.engine.Shutdown()
		}
	})
	return nil
}

func (n *Node) inboxNames() []string {
	var names []string
	n.inboxes.ForEach(func(name string, _ *actor.PID) {
		names = append(names, name)
	})
	return names
}

func (n *Node) Endpoint() string {
	return n.engine.Address()
}

func (n *Node) ID() string {
	return n.config.id
}

func (n *Node) Region() string {
	return n.config.region
}

func (n *Node) Engine() *actor.Engine {
	return n.engine
}

// PID 返回本节点路由进程的 PID。
func (n *Node) PID() *actor.PID {
	return n.routerPID
}

// Member 返回本节点的成员信息。
func (n *Node) Member() *Member {
	return &Member{
		ID:     n.config.id,
		Host:   n.engine.Address(),
		Region: n.config.region,
	}
}

// Members 返回路由当前已知的成员，按 ID 排序。
func (n *Node) Members() []*Member {
	return *n.members.Load()
}

func (n *Node) setMembers(members []*Member) {
	if members == nil {
		members = []*Member{}
	}
	n.members.Store(&members)
}

// WaitForMembers 等待直到已知成员数不少于 count。
func (n *Node) WaitForMembers(ctx context.Context, count int) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for len(n.Members()) < count {
		select {
		case <-ctx.Done():
			return fmt.Errorf("等待 %d 个成员超时，当前 %d 个: %w", count, len(n.Members()), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Register 为 name 创建收件箱进程并向所有成员广播绑定。
// 进程 ID 带有序号，同名收件箱注销后可以立即重新注册。
func (n *Node) Register(name string, h Handler) error {
	if err := n.usable(); err != nil {
		return err
	}
	if _, ok := n.inboxes.Get(name); ok {
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	id := fmt.Sprintf("%s/%d", name, n.inboxSeq.Add(1))
	pid := actor.NewPID(n.engine.Address(), "inbox/"+id)
	if !n.inboxes.SetIfAbsent(name, pid) {
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	n.engine.SpawnFunc(func(c *actor.Context) {
		h(c.Message())
	}, "inbox", actor.WithID(id), actor.WithMiddleware(skipLifecycle))
	n.broadcast(&Binding{Name: name, PID: pid})
	slog.Debug("收件箱已注册", "name", name, "pid", pid)
	return nil
}

// skipLifecycle 不把进程生命周期消息交给收件箱的处理函数。
func skipLifecycle(next actor.ReceiveFunc) actor.ReceiveFunc {
	return func(c *actor.Context) {
		switch c.Message().(type) {
		case actor.Initialized, actor.Started, actor.Stopped:
			return
		}
		next(c)
	}
}

// Unregister 解除绑定并优雅停止收件箱，已排队的消息会先处理完。
func (n *Node) Unregister(name string) error {
	pid, ok := n.inboxes.Delete(name)
	if !ok {
		return fmt.Errorf("收件箱 %s 未注册", name)
	}
	n.broadcast(&Unbinding{Name: name, PID: pid})
	n.engine.Poison(pid)
	return nil
}

func (n *Node) Declare(name string) error {
	if err := n.usable(); err != nil {
		return err
	}
	n.broadcast(&Declaration{Name: name})
	return nil
}

func (n *Node) Undeclare(name string) error {
	if err := n.usable(); err != nil {
		return err
	}
	n.broadcast(&Undeclaration{Name: name})
	return nil
}

func (n *Node) Send(name string, msg any) error {
	if err := n.usable(); err != nil {
		return err
	}
	n.engine.Send(n.routerPID, &routedMessage{name: name, msg: msg})
	return nil
}

func (n *Node) Publish(topic string, msg any) error {
	if err := n.usable(); err != nil {
		return err
	}
	n.broadcast(&Publication{Topic: topic, Payload: remote.NewPayload(msg)})
	return nil
}

func (n *Node) Subscribe(topic string, l Listener) func() {
	return n.subs.add(topic, l)
}

func (n *Node) ProvideState(topic string, fn func() any) {
	n.providers.Set(topic, fn)
}

// RequestState 按成员 ID 顺序询问其他成员，返回第一个提供了该主题状态的应答。
func (n *Node) RequestState(ctx context.Context, topic string) (any, error) {
	for _, member := range n.Members() {
		if member.ID == n.config.id {
			continue
		}
		resp, err := n.engine.Request(member.PID(), &StateRequest{Topic: topic}, n.config.requestTimeout).ResultCtx(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("请求状态失败", "member", member.ID, "topic", topic, "err", err)
			continue
		}
		if r, ok := resp.(*StateResponse); ok && r.Found {
			return r.State.Value, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoState, topic)
}

func (n *Node) localState(topic string) *StateResponse {
	fn, ok := n.providers.Get(topic)
	if !ok {
		return &StateResponse{}
	}
	return &StateResponse{Found: true, State: remote.NewPayload(fn())}
}

func (n *Node) usable() error {
	if n.closed.Load() {
		return ErrClosed
	}
	if !n.ready.Load() {
		return ErrNotStarted
	}
	return nil
}

// broadcast 把 msg 发给本节点和所有已知成员的路由。
func (n *Node) broadcast(msg any) {
	if n.routerPID == nil {
		return
	}
	n.engine.Send(n.routerPID, msg)
	self := n.engine.Address()
	for _, member := range n.Members() {
		if member.Host != self {
			n.engine.Send(member.PID(), msg)
		}
	}
}

func getRandomListenAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", rand.Intn(50000)+10000)
}
