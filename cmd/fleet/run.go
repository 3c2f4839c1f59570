package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TAnNbR/fleet/config"
	"github.com/TAnNbR/fleet/examples"
	"github.com/TAnNbR/fleet/fleet"
	"github.com/TAnNbR/fleet/manager"
	"github.com/TAnNbR/fleet/node"
)

func runCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "启动节点",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper(), file)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := node.New(cfg, examples.Catalog())
			if err != nil {
				return err
			}
			if err := n.Start(ctx); err != nil {
				_ = n.Close()
				return err
			}
			<-ctx.Done()
			slog.Info("收到退出信号，关闭节点")
			return n.Close()
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&file, "config", "c", "", "配置文件")
	flags.String("id", "", "节点 ID，默认随机")
	flags.String("listen-addr", "127.0.0.1:7200", "集群监听地址")
	flags.String("region", "default", "节点所在区域")
	flags.StringSlice("bootstrap", nil, "启动时连接的成员，格式为 id@host:port")
	flags.Bool("discovery", false, "开启 mDNS 自动发现")
	flags.String("provider", config.ProviderSelfManaged, "成员发现方式 (selfmanaged, consul)")
	flags.String("consul-address", "", "Consul agent 地址")
	flags.Bool("agent", true, "在本节点上运行 agent")
	flags.String("agent-key", "", "agent key，默认随机")
	flags.String("log-dir", "tmp/fleet/logs", "子进程 actor 的日志目录")
	flags.String("api-addr", "127.0.0.1:7280", "HTTP API 地址，为空时不启动")
	flags.String("jwt-secret", "", "API 的 HS256 密钥，为空时不认证")
	flags.String("health-addr", "", "gRPC 健康检查地址，为空时不启动")
	flags.String("journal", "tmp/fleet/journal.db", "事件日志路径，为空时不记录")
	for key, name := range map[string]string{
		config.KeyNodeID:       "id",
		config.KeyListenAddr:   "listen-addr",
		config.KeyRegion:       "region",
		config.KeyBootstrap:    "bootstrap",
		config.KeyDiscovery:    "discovery",
		config.KeyProvider:     "provider",
		config.KeyConsulAddr:   "consul-address",
		config.KeyAgentEnabled: "agent",
		config.KeyAgentKey:     "agent-key",
		config.KeyLogDir:       "log-dir",
		config.KeyAPIAddr:      "api-addr",
		config.KeyAPISecret:    "jwt-secret",
		config.KeyHealthAddr:   "health-addr",
		config.KeyJournalPath:  "journal",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(name))
	}
	return cmd
}

// bootstrapCmd 是子进程 actor 的入口，由 agent 启动，不直接使用。
func bootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "bootstrap <key> <implementation> <file>",
		Short:  "运行子进程 actor",
		Hidden: true,
		Args:   cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err := manager.RunForked(ctx, examples.Catalog(), fleet.ActorKey(args[0]), args[1], args[2])
			if err != nil {
				return fmt.Errorf("子进程 actor %s 退出: %w", args[0], err)
			}
			return nil
		},
	}
}
