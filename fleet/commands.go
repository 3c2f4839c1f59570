package fleet

import (
	"encoding/json"
	"time"

	"github.com/TAnNbR/fleet/remote"
)

// 集群主题。
const (
	ActorTopic   = "fleet.actors"
	AgentTopic   = "fleet.agents"
	MetricsTopic = "fleet.metrics"
)

// CreateActorCommand 由资源管理器发给选中的 agent。
type CreateActorCommand struct {
	Config ActorConfig `json:"config"`
}

// CloseActorCommand 由资源管理器发给托管 actor 的 agent。
type CloseActorCommand struct {
	Key ActorKey `json:"key"`
}

// BootstrapCommand 通知 actor 开始工作。
type BootstrapCommand struct{}

// StopCommand 让 actor 关闭自己，actor 关闭后发布 CLOSED。
type StopCommand struct{}

// DumpMetricsCommand 让 actor 把当前指标发布到 MetricsTopic。
type DumpMetricsCommand struct{}

// DeliverMessage 是投递给 actor 的业务消息。
type DeliverMessage struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// ActorReadyReport 由子进程中的 actor 启动完成后发给所属 agent。
type ActorReadyReport struct {
	Key        ActorKey        `json:"key"`
	DeployInfo ActorDeployInfo `json:"deployInfo"`
}

// MetricsReport 是 actor 发布的指标快照。
type MetricsReport struct {
	Key       ActorKey           `json:"key"`
	Agent     AgentKey           `json:"agent"`
	Metrics   map[string]float64 `json:"metrics"`
	Timestamp time.Time          `json:"timestamp"`
}

// RegistrySnapshot 是注册表状态转移时传输的完整内容。
type RegistrySnapshot struct {
	Actors []RegisteredActor `json:"actors,omitempty"`
	Agents []RegisteredAgent `json:"agents,omitempty"`
}

func init() {
	remote.RegisterType(&CreateActorCommand{})
	remote.RegisterType(&CloseActorCommand{})
	remote.RegisterType(&BootstrapCommand{})
	remote.RegisterType(&StopCommand{})
	remote.RegisterType(&DumpMetricsCommand{})
	remote.RegisterType(&DeliverMessage{})
	remote.RegisterType(&ActorReadyReport{})
	remote.RegisterType(&MetricsReport{})
	remote.RegisterType(&ActorLifecycleMessage{})
	remote.RegisterType(&AgentLifecycleMessage{})
	remote.RegisterType(&RegistrySnapshot{})
}
