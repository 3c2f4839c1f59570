package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/TAnNbR/fleet/cluster"
	"github.com/TAnNbR/fleet/fleet"
)

const (
	childJoinTimeout = 30 * time.Second
	// childLinger 让 CLOSED 事件在节点关闭前发送出去
	childLinger = 500 * time.Millisecond
)

// ReadBootstrapFile 读取子进程的启动参数，读取后删除文件。
func ReadBootstrapFile(path string) (*ForkedBootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取启动参数失败: %w", err)
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("删除启动参数文件失败", "path", path, "err", err)
	}
	var boot ForkedBootstrap
	if err := json.Unmarshal(data, &boot); err != nil {
		return nil, fmt.Errorf("%w: 解析启动参数失败: %v", fleet.ErrInvalidArgument, err)
	}
	if boot.Agent == "" || boot.Cluster.ListenAddr == "" {
		return nil, fmt.Errorf("%w: 启动参数缺少 agent 或监听地址", fleet.ErrInvalidArgument)
	}
	return &boot, nil
}

// RunForked 是子进程的入口：加入集群，启动 actor，向 agent 报告就绪，直到 actor 关闭或 ctx 结束。
func RunForked(ctx context.Context, catalog *Catalog, key fleet.ActorKey, implementation, path string) error {
	boot, err := ReadBootstrapFile(path)
	if err != nil {
		return err
	}
	provider := cluster.NewSelfManagedConfig()
	for _, member := range boot.Cluster.Bootstrap {
		provider = provider.WithBootstrapMember(member)
	}
	node, err := cluster.New(cluster.NewConfig().
		WithID(fmt.Sprintf("actor-%s-%d", fileName(string(key)), os.Getpid())).
		WithListenAddr(boot.Cluster.ListenAddr).
		WithRegion(boot.Cluster.Region).
		WithProvider(cluster.NewSelfManagedProvider(provider)))
	if err != nil {
		return err
	}
	node.Start()
	defer node.Close()

	if len(boot.Cluster.Bootstrap) > 0 {
		joinCtx, cancel := context.WithTimeout(ctx, childJoinTimeout)
		err := node.WaitForMembers(joinCtx, 2)
		cancel()
		if err != nil {
			return fmt.Errorf("加入集群失败: %w", err)
		}
	}
	return runChild(ctx, catalog, node, boot, key, implementation, childLinger)
}

func runChild(ctx context.Context, catalog *Catalog, client cluster.Client, boot *ForkedBootstrap, key fleet.ActorKey, implementation string, linger time.Duration) error {
	reactor, err := catalog.New(implementation)
	if err != nil {
		return err
	}
	cfg := fleet.ActorConfig{Key: key, Implementation: implementation, Config: string(boot.Config)}
	run := newRunner(cfg, reactor, client, boot.Agent, boot.AgentEndpoint)
	info := &fleet.ActorDeployInfo{
		Endpoint: client.Endpoint(),
		PID:      os.Getpid(),
		Command:  os.Args,
	}
	if err := run.start(info); err != nil {
		return err
	}
	unsubscribe := client.Subscribe(fleet.AgentTopic, &agentWatcher{boot: boot, run: run})
	defer unsubscribe()

	if err := client.Send(fleet.AgentAddress(boot.Agent), &fleet.ActorReadyReport{Key: key, DeployInfo: *info}); err != nil {
		run.close()
		return fmt.Errorf("报告就绪失败: %w", err)
	}
	slog.Info("子进程 actor 已就绪", "actor", key, "agent", boot.Agent, "endpoint", info.Endpoint)

	select {
	case <-run.done:
	case <-ctx.Done():
		run.close()
	}
	time.Sleep(linger)
	return nil
}

// agentWatcher 在所属 agent 关闭或断开时关闭子进程中的 actor。
type agentWatcher struct {
	boot *ForkedBootstrap
	run  *runner
}

func (w *agentWatcher) OnMessage(msg any) {
	m, ok := msg.(*fleet.AgentLifecycleMessage)
	if !ok || m.Key != w.boot.Agent || m.State == fleet.AgentCreated {
		return
	}
	slog.Info("所属 agent 已关闭，停止 actor", "agent", m.Key, "state", m.State)
	go w.run.close()
}

func (w *agentWatcher) OnEndpointDisconnected(endpoint string) {
	if endpoint != w.boot.AgentEndpoint {
		return
	}
	slog.Warn("所属 agent 已断开，停止 actor", "agent", w.boot.Agent, "endpoint", endpoint)
	go w.run.close()
}
