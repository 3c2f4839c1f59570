package handle

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/TAnNbR/fleet/cluster"
	"github.com/TAnNbR/fleet/fleet"
	"github.com/TAnNbR/fleet/registry"
)

// Placer 放置新的 actor，*resourcemanager.ResourceManager 实现了它。
type Placer interface {
	CreateActor(cfg fleet.ActorConfig) (fleet.AgentKey, error)
}

// Actors 创建 actor 并返回跟踪其生命周期的句柄。
type Actors struct {
	client   cluster.Client
	registry *registry.ActorRegistry
	placer   Placer
}

func NewActors(client cluster.Client, reg *registry.ActorRegistry, placer Placer) *Actors {
	return &Actors{
		client:   client,
		registry: reg,
		placer:   placer,
	}
}

// Create 先注册监听器再放置 actor，事件不会在监听器存在之前发布。
func (a *Actors) Create(cfg fleet.ActorConfig) (*Actor, error) {
	h := newActor(cfg.Key, a.client, a.registry)
	if err := a.registry.AddListener(h.listener); err != nil {
		return nil, err
	}
	if _, err := a.placer.CreateActor(cfg); err != nil {
		h.fail(err)
		return nil, err
	}
	return h, nil
}

// Attach 返回已存在的 actor 的句柄，已经发生的状态立即生效。
func (a *Actors) Attach(key fleet.ActorKey) (*Actor, error) {
	h := newActor(key, a.client, a.registry)
	if err := a.registry.AddListener(h.listener); err != nil {
		return nil, err
	}
	entry, ok := a.registry.ByKey(key)
	if !ok {
		h.teardown()
		return nil, fmt.Errorf("%w: %s", fleet.ErrUnknownActor, key)
	}
	h.created.Complete(entry)
	if entry.State == fleet.ActorInitialized {
		h.initialized.Complete(entry.DeployInfo)
	}
	return h, nil
}

// Actor 是一个 actor 的句柄。Created、Initialized、Failed 和 Closed 分别在对应事件到达时完成；
// actor 失败时所有未完成的 future 都以失败原因结束。
type Actor struct {
	key      fleet.ActorKey
	client   cluster.Client
	registry *registry.ActorRegistry
	listener registry.ActorListener

	created     *Future[fleet.RegisteredActor]
	initialized *Future[*fleet.ActorDeployInfo]
	failed      *Future[error]
	closed      *Future[struct{}]
	removeOnce  sync.Once
}

func newActor(key fleet.ActorKey, client cluster.Client, reg *registry.ActorRegistry) *Actor {
	h := &Actor{
		key:         key,
		client:      client,
		registry:    reg,
		created:     NewFuture[fleet.RegisteredActor](),
		initialized: NewFuture[*fleet.ActorDeployInfo](),
		failed:      NewFuture[error](),
		closed:      NewFuture[struct{}](),
	}
	h.listener = registry.NewActorListener(h.onEvent)
	return h
}

func (h *Actor) Key() fleet.ActorKey { return h.key }

func (h *Actor) Created() *Future[fleet.RegisteredActor] { return h.created }

func (h *Actor) Initialized() *Future[*fleet.ActorDeployInfo] { return h.initialized }

// Failed 在 actor 失败时得到失败原因，正常关闭时得到 nil。
func (h *Actor) Failed() *Future[error] { return h.failed }

func (h *Actor) Closed() *Future[struct{}] { return h.closed }

func (h *Actor) onEvent(msg *fleet.ActorLifecycleMessage) {
	if msg.Key != h.key {
		return
	}
	switch msg.State {
	case fleet.ActorCreated:
		h.created.Complete(msg.Registered())
	case fleet.ActorInitialized:
		h.created.Complete(msg.Registered())
		h.initialized.Complete(msg.DeployInfo)
	case fleet.ActorFailed:
		h.fail(msg.Err())
	case fleet.ActorClosed:
		err := fmt.Errorf("%w: actor %s 已关闭", fleet.ErrIllegalState, h.key)
		h.created.Fail(err)
		h.initialized.Fail(err)
		h.failed.Complete(nil)
		h.closed.Complete(struct{}{})
		h.teardown()
	}
}

func (h *Actor) fail(cause error) {
	h.created.Fail(cause)
	h.initialized.Fail(cause)
	h.closed.Fail(cause)
	h.failed.Complete(cause)
	h.teardown()
}

func (h *Actor) teardown() {
	h.removeOnce.Do(func() {
		h.registry.RemoveListener(h.listener)
	})
}

// Close 向 actor 发送停止命令，返回在 CLOSED 事件到达时完成的 future。
func (h *Actor) Close() *Future[struct{}] {
	if err := h.client.Send(fleet.ActorAddress(h.key), &fleet.StopCommand{}); err != nil {
		slog.Warn("发送停止命令失败", "actor", h.key, "err", err)
	}
	return h.closed
}

// Send 把 payload 编码为 JSON 投递给 actor。
func (h *Actor) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码消息失败: %w", err)
	}
	return h.Deliver(&fleet.DeliverMessage{Payload: data})
}

func (h *Actor) Deliver(msg *fleet.DeliverMessage) error {
	return h.client.Send(fleet.ActorAddress(h.key), msg)
}

func (h *Actor) Bootstrap() error {
	return h.client.Send(fleet.ActorAddress(h.key), &fleet.BootstrapCommand{})
}

func (h *Actor) DumpMetrics() error {
	return h.client.Send(fleet.ActorAddress(h.key), &fleet.DumpMetricsCommand{})
}
