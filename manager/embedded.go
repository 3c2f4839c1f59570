package manager

import (
	"github.com/TAnNbR/fleet/cluster"
	"github.com/TAnNbR/fleet/fleet"
)

// ManagedActor 是 agent 持有的被托管 actor。Close 可以重复调用。
type ManagedActor interface {
	Key() fleet.ActorKey
	Start() (*fleet.ActorDeployInfo, error)
	Close() error
}

// EmbeddedManager 在 agent 进程内托管 actor。
type EmbeddedManager struct {
	catalog *Catalog
	client  cluster.Client
	agent   fleet.AgentKey
}

func NewEmbeddedManager(catalog *Catalog, client cluster.Client, agent fleet.AgentKey) *EmbeddedManager {
	return &EmbeddedManager{
		catalog: catalog,
		client:  client,
		agent:   agent,
	}
}

// CreateActor 按实现名称创建 actor，返回的 actor 还没有启动。
func (m *EmbeddedManager) CreateActor(cfg fleet.ActorConfig) (ManagedActor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reactor, err := m.catalog.New(cfg.Implementation)
	if err != nil {
		return nil, err
	}
	return &embeddedActor{
		key: cfg.Key,
		run: newRunner(cfg, reactor, m.client, m.agent, m.client.Endpoint()),
	}, nil
}

type embeddedActor struct {
	key fleet.ActorKey
	run *runner
}

func (a *embeddedActor) Key() fleet.ActorKey { return a.key }

func (a *embeddedActor) Start() (*fleet.ActorDeployInfo, error) {
	info := &fleet.ActorDeployInfo{Endpoint: a.run.client.Endpoint()}
	if err := a.run.start(info); err != nil {
		return nil, err
	}
	return info, nil
}

func (a *embeddedActor) Close() error {
	return a.run.close()
}
