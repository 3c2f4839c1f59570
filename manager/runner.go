package manager

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TAnNbR/fleet/cluster"
	"github.com/TAnNbR/fleet/fleet"
)

// runner 把一个 Reactor 绑定到集群收件箱上，嵌入模式和子进程模式共用。
type runner struct {
	ctx           *Context
	reactor       Reactor
	client        cluster.Client
	agentEndpoint string
	deployInfo    *fleet.ActorDeployInfo

	// mu 保证同一个 Reactor 的回调串行执行
	mu        sync.Mutex
	stopped   bool
	started   bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newRunner(cfg fleet.ActorConfig, reactor Reactor, client cluster.Client, agent fleet.AgentKey, agentEndpoint string) *runner {
	return &runner{
		ctx:           newContext(cfg.Key, agent, cfg.Config, client),
		reactor:       reactor,
		client:        client,
		agentEndpoint: agentEndpoint,
		done:          make(chan struct{}),
	}
}

func (r *runner) address() string {
	return fleet.ActorAddress(r.ctx.key)
}

// start 注册收件箱并执行 OnStart，OnStart 失败时收件箱会被注销。
func (r *runner) start(info *fleet.ActorDeployInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return fmt.Errorf("%w: actor %s 已关闭", fleet.ErrIllegalState, r.ctx.key)
	}
	if r.started {
		return fmt.Errorf("%w: actor %s 已启动", fleet.ErrIllegalState, r.ctx.key)
	}
	if err := r.client.Register(r.address(), r.handle); err != nil {
		return fmt.Errorf("注册 actor 收件箱失败: %w", err)
	}
	if err := r.call("start", func() error { return r.reactor.OnStart(r.ctx) }); err != nil {
		_ = r.client.Unregister(r.address())
		return fmt.Errorf("actor %s 启动失败: %w", r.ctx.key, err)
	}
	r.started = true
	r.deployInfo = info
	return nil
}

func (r *runner) handle(msg any) {
	switch m := msg.(type) {
	case *fleet.StopCommand:
		if err := r.close(); err != nil {
			slog.Warn("actor 关闭出错", "actor", r.ctx.key, "err", err)
		}
	case *fleet.BootstrapCommand:
		r.invoke("bootstrap", func() error { return r.reactor.OnBootstrap(r.ctx) })
	case *fleet.DeliverMessage:
		r.invoke("message", func() error { return r.reactor.OnMessage(r.ctx, m) })
	case *fleet.DumpMetricsCommand:
		r.dumpMetrics()
	default:
		slog.Warn("actor 收到未知命令", "actor", r.ctx.key, "type", fmt.Sprintf("%T", msg))
	}
}

func (r *runner) invoke(what string, fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if err := r.call(what, fn); err != nil {
		slog.Error("actor 处理命令失败", "actor", r.ctx.key, "command", what, "err", err)
	}
}

func (r *runner) dumpMetrics() {
	source, ok := r.reactor.(MetricsSource)
	if !ok {
		slog.Debug("actor 没有指标", "actor", r.ctx.key)
		return
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	var metrics map[string]float64
	err := r.call("metrics", func() error {
		metrics = source.Metrics()
		return nil
	})
	r.mu.Unlock()
	if err != nil {
		slog.Error("读取 actor 指标失败", "actor", r.ctx.key, "err", err)
		return
	}
	report := &fleet.MetricsReport{
		Key:       r.ctx.key,
		Agent:     r.ctx.agent,
		Metrics:   metrics,
		Timestamp: time.Now(),
	}
	if err := r.client.Publish(fleet.MetricsTopic, report); err != nil {
		slog.Warn("发布 actor 指标失败", "actor", r.ctx.key, "err", err)
	}
}

// call 执行一个 Reactor 回调，回调中的 panic 被转换成错误。
func (r *runner) call(what string, fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("actor %s 的 %s 回调 panic: %v", r.ctx.key, what, v)
		}
	}()
	return fn()
}

// close 注销收件箱，执行 OnStop 并发布 CLOSED。多次调用只生效一次。
func (r *runner) close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		started := r.started
		r.stopped = true
		if started {
			if err := r.client.Unregister(r.address()); err != nil {
				slog.Warn("注销 actor 收件箱失败", "actor", r.ctx.key, "err", err)
			}
			r.closeErr = r.call("stop", func() error { return r.reactor.OnStop(r.ctx) })
		}
		info := r.deployInfo
		r.mu.Unlock()

		if started {
			msg := &fleet.ActorLifecycleMessage{
				Key:           r.ctx.key,
				Agent:         r.ctx.agent,
				AgentEndpoint: r.agentEndpoint,
				State:         fleet.ActorClosed,
				DeployInfo:    info,
				Timestamp:     time.Now(),
			}
			if err := r.client.Publish(fleet.ActorTopic, msg); err != nil {
				slog.Warn("发布 CLOSED 事件失败", "actor", r.ctx.key, "err", err)
			}
		}
		close(r.done)
	})
	return r.closeErr
}
