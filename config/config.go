// Package config 加载 fleet 进程的配置。
// 配置来源依次为命令行参数、FLEET_ 前缀的环境变量和配置文件。
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TAnNbR/fleet/cluster"
)

const EnvPrefix = "FLEET"

const (
	ProviderSelfManaged = "selfmanaged"
	ProviderConsul      = "consul"
)

// 配置项的键，同时也是命令行参数名。
const (
	KeyNodeID        = "node.id"
	KeyListenAddr    = "node.listen-addr"
	KeyRegion        = "node.region"
	KeyBootstrap     = "node.bootstrap"
	KeyDiscovery     = "node.discovery"
	KeyProvider      = "node.provider"
	KeyConsulAddr    = "consul.address"
	KeyConsulService = "consul.service"
	KeyAgentEnabled  = "agent.enabled"
	KeyAgentKey      = "agent.key"
	KeyLogDir        = "agent.log-dir"
	KeyStopGrace     = "agent.stop-grace"
	KeyAPIAddr       = "api.addr"
	KeyAPISecret     = "api.jwt-secret"
	KeyHealthAddr    = "health.addr"
	KeyJournalPath   = "journal.path"
	KeyLogLevel      = "log.level"
	KeyLogFormat     = "log.format"
)

type NodeConfig struct {
	ID         string   `mapstructure:"id"`
	ListenAddr string   `mapstructure:"listen-addr"`
	Region     string   `mapstructure:"region"`
	Bootstrap  []string `mapstructure:"bootstrap"`
	Discovery  bool     `mapstructure:"discovery"`
	Provider   string   `mapstructure:"provider"`
}

type ConsulConfig struct {
	Address string `mapstructure:"address"`
	Service string `mapstructure:"service"`
}

type AgentConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Key       string        `mapstructure:"key"`
	LogDir    string        `mapstructure:"log-dir"`
	StopGrace time.Duration `mapstructure:"stop-grace"`
}

type APIConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt-secret"`
}

type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

type JournalConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config 是一个 fleet 进程的完整配置。
type Config struct {
	Node    NodeConfig    `mapstructure:"node"`
	Consul  ConsulConfig  `mapstructure:"consul"`
	Agent   AgentConfig   `mapstructure:"agent"`
	API     APIConfig     `mapstructure:"api"`
	Health  HealthConfig  `mapstructure:"health"`
	Journal JournalConfig `mapstructure:"journal"`
	Log     LogConfig     `mapstructure:"log"`
}

// SetDefaults 在 v 上设置所有配置项的默认值。
// 没有默认值的键也要登记，否则 Unmarshal 读不到对应的环境变量。
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyNodeID, "")
	v.SetDefault(KeyBootstrap, []string{})
	v.SetDefault(KeyDiscovery, false)
	v.SetDefault(KeyConsulAddr, "")
	v.SetDefault(KeyAgentKey, "")
	v.SetDefault(KeyAPISecret, "")
	v.SetDefault(KeyHealthAddr, "")
	v.SetDefault(KeyListenAddr, "127.0.0.1:7200")
	v.SetDefault(KeyRegion, "default")
	v.SetDefault(KeyProvider, ProviderSelfManaged)
	v.SetDefault(KeyConsulService, "fleet")
	v.SetDefault(KeyAgentEnabled, true)
	v.SetDefault(KeyLogDir, "tmp/fleet/logs")
	v.SetDefault(KeyStopGrace, 5*time.Second)
	v.SetDefault(KeyAPIAddr, "127.0.0.1:7280")
	v.SetDefault(KeyJournalPath, "tmp/fleet/journal.db")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
}

// BindEnv 让 v 读取 FLEET_ 前缀的环境变量，如 FLEET_NODE_LISTEN_ADDR。
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load 从 v 中读取配置并校验。file 不为空时先合并该配置文件。
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("读取配置文件 %s 失败: %w", file, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.Node.ListenAddr == "" {
		return fmt.Errorf("%s 不能为空", KeyListenAddr)
	}
	switch c.Node.Provider {
	case ProviderSelfManaged, ProviderConsul:
	default:
		return fmt.Errorf("未知的 provider %q", c.Node.Provider)
	}
	if _, err := c.BootstrapMembers(); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("未知的日志格式 %q", c.Log.Format)
	}
	if c.Agent.StopGrace < 0 {
		return fmt.Errorf("%s 不能为负数", KeyStopGrace)
	}
	return nil
}

// BootstrapMembers 解析 node.bootstrap 中 "id@host:port" 形式的成员地址。
func (c Config) BootstrapMembers() ([]cluster.MemberAddr, error) {
	members := make([]cluster.MemberAddr, 0, len(c.Node.Bootstrap))
	for _, s := range c.Node.Bootstrap {
		m, err := ParseMember(s)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, nil
}

func ParseMember(s string) (cluster.MemberAddr, error) {
	id, addr, ok := strings.Cut(s, "@")
	if !ok || id == "" || addr == "" {
		return cluster.MemberAddr{}, fmt.Errorf("非法的成员地址 %q，格式应为 id@host:port", s)
	}
	return cluster.MemberAddr{ID: id, ListenAddr: addr}, nil
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("未知的日志级别 %q", s)
	}
	return level, nil
}
