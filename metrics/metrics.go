// Package metrics 把放置、注册表和 actor 上报的指标导出给 prometheus。
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/TAnNbR/fleet/fleet"
	"github.com/TAnNbR/fleet/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

// Metrics 持有本进程的所有收集器。nil 的 *Metrics 可以安全调用，什么也不做。
type Metrics struct {
	registry *prometheus.Registry

	placements        *prometheus.CounterVec
	placementFailures *prometheus.CounterVec
	closeRequests     prometheus.Counter
	processExits      *prometheus.CounterVec
	actors            *prometheus.GaugeVec
	agents            prometheus.Gauge
	actorValues       *prometheus.GaugeVec
	lifecycleEvents   *prometheus.CounterVec

	mu        sync.Mutex
	reporting map[fleet.ActorKey]struct{}
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placements_total",
			Help:      "按 agent 统计的 actor 放置次数。",
		}, []string{"agent"}),
		placementFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placement_failures_total",
			Help:      "放置失败次数。",
		}, []string{"reason"}),
		closeRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "close_requests_total",
			Help:      "发出的 actor 关闭请求次数。",
		}),
		processExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "观察到的子进程退出次数。",
		}, []string{"requested"}),
		actors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_actors",
			Help:      "注册表中按状态统计的 actor 数量。",
		}, []string{"state"}),
		agents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_agents",
			Help:      "注册表中的 agent 数量。",
		}),
		actorValues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "actor_metric",
			Help:      "actor 最近一次上报的指标值。",
		}, []string{"actor", "agent", "name"}),
		lifecycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actor_lifecycle_events_total",
			Help:      "按状态统计的 actor 生命周期事件。",
		}, []string{"state"}),
		reporting: make(map[fleet.ActorKey]struct{}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.placements,
		m.placementFailures,
		m.closeRequests,
		m.processExits,
		m.actors,
		m.agents,
		m.actorValues,
		m.lifecycleEvents,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePlacement(agent fleet.AgentKey) {
	if m == nil {
		return
	}
	m.placements.WithLabelValues(string(agent)).Inc()
}

func (m *Metrics) ObservePlacementFailure(reason string) {
	if m == nil {
		return
	}
	m.placementFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveCloseRequest() {
	if m == nil {
		return
	}
	m.closeRequests.Inc()
}

func (m *Metrics) ObserveProcessExit(requested bool) {
	if m == nil {
		return
	}
	m.processExits.WithLabelValues(strconv.FormatBool(requested)).Inc()
}

// WatchRegistries 在注册表变化时更新数量指标，返回取消监听的函数。
func (m *Metrics) WatchRegistries(actors *registry.ActorRegistry, agents *registry.AgentRegistry) (func(), error) {
	if m == nil {
		return func() {}, nil
	}
	actorListener := registry.NewActorListener(func(msg *fleet.ActorLifecycleMessage) {
		m.lifecycleEvents.WithLabelValues(string(msg.State)).Inc()
		if msg.State.Terminal() {
			m.forgetActor(msg.Key)
		}
		m.countActors(actors.All())
	})
	agentListener := registry.NewAgentListener(func(*fleet.AgentLifecycleMessage) {
		m.agents.Set(float64(len(agents.All())))
	})
	if err := actors.AddListener(actorListener); err != nil {
		return nil, err
	}
	if err := agents.AddListener(agentListener); err != nil {
		actors.RemoveListener(actorListener)
		return nil, err
	}
	m.countActors(actors.All())
	m.agents.Set(float64(len(agents.All())))
	return func() {
		actors.RemoveListener(actorListener)
		agents.RemoveListener(agentListener)
	}, nil
}

func (m *Metrics) countActors(all []fleet.RegisteredActor) {
	counts := map[fleet.ActorState]int{
		fleet.ActorCreated:     0,
		fleet.ActorInitialized: 0,
	}
	for _, a := range all {
		counts[a.State]++
	}
	for state, n := range counts {
		m.actors.WithLabelValues(string(state)).Set(float64(n))
	}
}

// OnMessage 记录 actor 在指标主题上发布的 MetricsReport。
func (m *Metrics) OnMessage(msg any) {
	report, ok := msg.(*fleet.MetricsReport)
	if m == nil || !ok {
		return
	}
	m.mu.Lock()
	m.reporting[report.Key] = struct{}{}
	m.mu.Unlock()
	for name, v := range report.Metrics {
		m.actorValues.WithLabelValues(string(report.Key), string(report.Agent), name).Set(v)
	}
}

func (m *Metrics) OnEndpointDisconnected(string) {}

func (m *Metrics) forgetActor(key fleet.ActorKey) {
	m.mu.Lock()
	_, ok := m.reporting[key]
	delete(m.reporting, key)
	m.mu.Unlock()
	if ok {
		m.actorValues.DeletePartialMatch(prometheus.Labels{"actor": string(key)})
	}
}
