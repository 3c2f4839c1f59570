package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TAnNbR/fleet/api"
	"github.com/TAnNbR/fleet/config"
	"github.com/TAnNbR/fleet/fleet"
	"github.com/TAnNbR/fleet/journal"
)

func apiClient() *api.Client {
	return api.NewClient(viper.GetString("client.api"), viper.GetString("client.token"))
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "actor", Short: "管理 actor"}
	cmd.AddCommand(actorCreateCmd())
	cmd.AddCommand(actorCloseCmd())
	cmd.AddCommand(actorListCmd())
	return cmd
}

func actorCreateCmd() *cobra.Command {
	var (
		file, impl, cfgJSON string
		forked              bool
		hosts, runtimeArgs  []string
	)
	cmd := &cobra.Command{
		Use:   "create [key]",
		Short: "创建 actor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var configs []fleet.ActorConfig
			switch {
			case file != "":
				var err error
				if configs, err = config.LoadActorSpecs(file); err != nil {
					return err
				}
			case len(args) == 1:
				c := fleet.NewActorConfig(fleet.ActorKey(args[0]), impl).
					WithPreferredHosts(hosts...).
					WithRuntimeArgs(runtimeArgs...).
					WithConfig(cfgJSON)
				if forked {
					c = c.WithForked()
				}
				configs = append(configs, c)
			default:
				return fmt.Errorf("需要 actor key 或 -f 描述文件")
			}
			client := apiClient()
			t := newTable()
			t.AppendHeader(table.Row{"ACTOR", "AGENT"})
			for _, c := range configs {
				p, err := client.CreateActor(cmd.Context(), c)
				if err != nil {
					return fmt.Errorf("创建 actor %s 失败: %w", c.Key, err)
				}
				t.AppendRow(table.Row{p.Key, p.Agent})
			}
			t.Render()
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&file, "file", "f", "", "YAML 格式的 actor 描述文件")
	flags.StringVar(&impl, "impl", "", "actor 实现名称")
	flags.StringVar(&cfgJSON, "config", "", "JSON 格式的 actor 配置")
	flags.BoolVar(&forked, "forked", false, "在子进程中运行")
	flags.StringSliceVar(&hosts, "prefer", nil, "优先部署的主机")
	flags.StringSliceVar(&runtimeArgs, "runtime-arg", nil, "子进程的运行时参数")
	return cmd
}

func actorCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <key>...",
		Short: "关闭 actor",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := apiClient()
			for _, key := range args {
				if err := client.CloseActor(cmd.Context(), fleet.ActorKey(key)); err != nil {
					return fmt.Errorf("关闭 actor %s 失败: %w", key, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "closing", key)
			}
			return nil
		},
	}
}

func actorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "列出 actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			actors, err := apiClient().Actors(cmd.Context())
			if err != nil {
				return err
			}
			t := newTable()
			t.AppendHeader(table.Row{"ACTOR", "STATE", "AGENT", "ENDPOINT", "PID"})
			for _, a := range actors {
				pid := ""
				if a.DeployInfo != nil && a.DeployInfo.PID > 0 {
					pid = fmt.Sprint(a.DeployInfo.PID)
				}
				t.AppendRow(table.Row{a.Key, a.State, a.Agent, a.Endpoint(), pid})
			}
			t.Render()
			return nil
		},
	}
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "查看 agent"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "列出 agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, err := apiClient().Agents(cmd.Context())
			if err != nil {
				return err
			}
			t := newTable()
			t.AppendHeader(table.Row{"AGENT", "ENDPOINT", "HOST", "CPUS", "SINCE"})
			for _, a := range agents {
				t.AppendRow(table.Row{a.Key, a.Endpoint, a.System.Hostname, a.System.CPUs, a.CreatedAt.Format(time.RFC3339)})
			}
			t.Render()
			return nil
		},
	})
	return cmd
}

func journalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "journal", Short: "查看生命周期事件"}
	var (
		limit  int
		dbPath string
		asJSON bool
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "显示最近的事件",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				entries []journal.Entry
				err     error
			)
			if dbPath != "" {
				j, openErr := journal.Open(dbPath)
				if openErr != nil {
					return openErr
				}
				defer j.Close()
				entries, err = j.Tail(cmd.Context(), limit)
			} else {
				entries, err = apiClient().Events(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			t := newTable()
			t.AppendHeader(table.Row{"ID", "TIME", "KIND", "KEY", "STATE", "AGENT", "CAUSE"})
			for _, e := range entries {
				t.AppendRow(table.Row{e.ID, e.Time.Local().Format(time.DateTime), e.Kind, e.Key, e.State, e.Agent, strings.TrimSpace(e.Cause)})
			}
			t.Render()
			return nil
		},
	}
	tail.Flags().IntVarP(&limit, "limit", "n", 20, "显示的条数")
	tail.Flags().StringVar(&dbPath, "db", "", "直接读取本地事件日志，不经过 API")
	tail.Flags().BoolVar(&asJSON, "json", false, "输出 JSON")
	cmd.AddCommand(tail)
	return cmd
}
