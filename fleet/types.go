package fleet

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// ActorKey 是 actor 在集群内的唯一标识。
type ActorKey string

func (k ActorKey) String() string { return string(k) }

// AgentKey 是 agent 在集群内的唯一标识。
type AgentKey string

func (k AgentKey) String() string { return string(k) }

// ActorAddress 返回 actor 收件箱在集群中的名称。
func ActorAddress(key ActorKey) string { return "actor:" + string(key) }

// AgentAddress 返回 agent 收件箱在集群中的名称。
func AgentAddress(key AgentKey) string { return "agent:" + string(key) }

// DeployConfig 描述 actor 的托管方式。RuntimeArgs 放在子进程命令行中启动入口之前。
type DeployConfig struct {
	Forked         bool     `json:"forked"`
	PreferredHosts []string `json:"preferredHosts,omitempty"`
	RuntimeArgs    []string `json:"runtimeArgs,omitempty"`
}

// ActorConfig 是完整的 actor 部署描述，创建后不可修改。
// Config 是不透明的 JSON，原样交给 actor 实现。
type ActorConfig struct {
	Key            ActorKey     `json:"key"`
	Implementation string       `json:"implementation"`
	Deploy         DeployConfig `json:"deploy"`
	Config         string       `json:"config,omitempty"`
}

func NewActorConfig(key ActorKey, implementation string) ActorConfig {
	return ActorConfig{Key: key, Implementation: implementation}
}

// WithForked 让 actor 运行在独立的子进程中。
func (c ActorConfig) WithForked() ActorConfig {
	c.Deploy.Forked = true
	return c
}

// WithPreferredHosts 设置优先部署的主机名。
func (c ActorConfig) WithPreferredHosts(hosts ...string) ActorConfig {
	c.Deploy.PreferredHosts = append(slices.Clone(c.Deploy.PreferredHosts), hosts...)
	return c
}

// WithRuntimeArgs 设置子进程的运行时参数。
func (c ActorConfig) WithRuntimeArgs(args ...string) ActorConfig {
	c.Deploy.RuntimeArgs = append(slices.Clone(c.Deploy.RuntimeArgs), args...)
	return c
}

// WithConfig 设置 actor 的 JSON 配置。
func (c ActorConfig) WithConfig(config string) ActorConfig {
	c.Config = config
	return c
}

func (c ActorConfig) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("%w: actor key 为空", ErrInvalidArgument)
	}
	if c.Implementation == "" {
		return fmt.Errorf("%w: actor %s 没有指定实现", ErrInvalidArgument, c.Key)
	}
	if c.Config != "" && !json.Valid([]byte(c.Config)) {
		return fmt.Errorf("%w: actor %s 的配置不是合法的 JSON", ErrInvalidArgument, c.Key)
	}
	return nil
}

// ActorDeployInfo 是 actor 启动成功后的运行信息。PID 和 Command 只对子进程有意义。
type ActorDeployInfo struct {
	Endpoint string   `json:"endpoint"`
	PID      int      `json:"pid,omitempty"`
	Command  []string `json:"command,omitempty"`
}

func (d ActorDeployInfo) Validate(forked bool) error {
	if d.Endpoint == "" {
		return fmt.Errorf("%w: 部署信息缺少 endpoint", ErrInvalidArgument)
	}
	if forked && (d.PID <= 0 || len(d.Command) == 0) {
		return fmt.Errorf("%w: 子进程部署信息需要 pid 和命令行", ErrInvalidArgument)
	}
	return nil
}

// ActorState 是 actor 的生命周期状态。
type ActorState string

const (
	ActorCreated     ActorState = "CREATED"
	ActorInitialized ActorState = "INITIALIZED"
	ActorFailed      ActorState = "FAILED"
	ActorClosed      ActorState = "CLOSED"
)

// Terminal 判断状态是否为终止状态。
func (s ActorState) Terminal() bool {
	return s == ActorFailed || s == ActorClosed
}

// AgentState 是 agent 的生命周期状态。
type AgentState string

const (
	AgentCreated AgentState = "CREATED"
	AgentClosed  AgentState = "CLOSED"
	AgentFailed  AgentState = "FAILED"
)

// SystemDescription 是 agent 所在主机的描述，只作为不透明的注册信息。
type SystemDescription struct {
	Hostname    string `json:"hostname"`
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	CPUs        int    `json:"cpus"`
	MemoryBytes uint64 `json:"memoryBytes"`
	GoVersion   string `json:"goVersion"`
	PID         int    `json:"pid"`
}

// RegisteredActor 是注册表中的 actor。状态变化时整体替换，不原地修改。
type RegisteredActor struct {
	Key           ActorKey         `json:"key"`
	Agent         AgentKey         `json:"agent"`
	AgentEndpoint string           `json:"agentEndpoint"`
	State         ActorState       `json:"state"`
	DeployInfo    *ActorDeployInfo `json:"deployInfo,omitempty"`
}

// Endpoint 返回 actor 所在的节点地址：有部署信息时为部署地址，否则为 agent 地址。
func (a RegisteredActor) Endpoint() string {
	if a.DeployInfo != nil && a.DeployInfo.Endpoint != "" {
		return a.DeployInfo.Endpoint
	}
	return a.AgentEndpoint
}

// RegisteredAgent 是注册表中的 agent。
type RegisteredAgent struct {
	Key       AgentKey          `json:"key"`
	System    SystemDescription `json:"system"`
	Endpoint  string            `json:"endpoint"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ActorLifecycleMessage 是 actor 事件流上的一条事件。
type ActorLifecycleMessage struct {
	Key           ActorKey         `json:"key"`
	Agent         AgentKey         `json:"agent"`
	AgentEndpoint string           `json:"agentEndpoint"`
	State         ActorState       `json:"state"`
	DeployInfo    *ActorDeployInfo `json:"deployInfo,omitempty"`
	Cause         string           `json:"cause,omitempty"`
	Disconnected  bool             `json:"disconnected,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// Err 返回 FAILED 事件的失败原因，其他事件返回 nil。
func (m *ActorLifecycleMessage) Err() error {
	if m.State != ActorFailed {
		return nil
	}
	cause := m.Cause
	if cause == "" {
		cause = "未知原因"
	}
	return &ActorFailure{Key: m.Key, Cause: cause, Disconnected: m.Disconnected}
}

// Registered 把事件转换成注册表条目。
func (m *ActorLifecycleMessage) Registered() RegisteredActor {
	return RegisteredActor{
		Key:           m.Key,
		Agent:         m.Agent,
		AgentEndpoint: m.AgentEndpoint,
		State:         m.State,
		DeployInfo:    m.DeployInfo,
	}
}

// AgentLifecycleMessage 是 agent 事件流上的一条事件。
type AgentLifecycleMessage struct {
	Key          AgentKey         `json:"key"`
	State        AgentState       `json:"state"`
	Registration *RegisteredAgent `json:"registration,omitempty"`
	Cause        string           `json:"cause,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}
