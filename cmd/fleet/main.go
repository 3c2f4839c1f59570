package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TAnNbR/fleet/config"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "fleet 在集群中放置和管理 actor",
	Long: `fleet 由若干节点组成集群。每个节点可以运行一个 agent 托管 actor，
资源管理器把 actor 放置到 agent 上，actor 可以嵌入在 agent 进程中或运行在独立的子进程中。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString(config.KeyLogLevel), viper.GetString(config.KeyLogFormat))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper())
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "info", "日志级别 (debug, info, warn, error)")
	flags.String("log-format", "text", "日志格式 (text, json)")
	flags.String("api", "127.0.0.1:7280", "API 地址，供客户端命令使用")
	flags.String("token", "", "API 的 bearer token")
	_ = viper.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
	_ = viper.BindPFlag(config.KeyLogFormat, flags.Lookup("log-format"))
	_ = viper.BindPFlag("client.api", flags.Lookup("api"))
	_ = viper.BindPFlag("client.token", flags.Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(bootstrapCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(versionCmd())
}

func setupLogging(level, format string) error {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("未知的日志格式 %q", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
