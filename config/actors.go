package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/TAnNbR/fleet/fleet"
)

// ActorSpec 是 actor 描述文件中的一项。
//
//	actors:
//	  - key: greeter
//	    implementation: echo
//	    forked: true
//	    preferredHosts: [node-a]
//	    config:
//	      greeting: hello
type ActorSpec struct {
	Key            string         `yaml:"key"`
	Implementation string         `yaml:"implementation"`
	Forked         bool           `yaml:"forked"`
	PreferredHosts []string       `yaml:"preferredHosts"`
	RuntimeArgs    []string       `yaml:"runtimeArgs"`
	Config         map[string]any `yaml:"config"`
}

type actorFile struct {
	Actors []ActorSpec `yaml:"actors"`
}

// ActorConfig 把描述转换为 fleet.ActorConfig，config 转换为 JSON 字符串。
func (s ActorSpec) ActorConfig() (fleet.ActorConfig, error) {
	cfg := fleet.NewActorConfig(fleet.ActorKey(s.Key), s.Implementation)
	if s.Forked {
		cfg = cfg.WithForked()
	}
	if len(s.PreferredHosts) > 0 {
		cfg = cfg.WithPreferredHosts(s.PreferredHosts...)
	}
	if len(s.RuntimeArgs) > 0 {
		cfg = cfg.WithRuntimeArgs(s.RuntimeArgs...)
	}
	if s.Config != nil {
		data, err := json.Marshal(s.Config)
		if err != nil {
			return fleet.ActorConfig{}, fmt.Errorf("%w: actor %s 的配置无法转换为 JSON: %v", fleet.ErrInvalidArgument, s.Key, err)
		}
		cfg = cfg.WithConfig(string(data))
	}
	return cfg, cfg.Validate()
}

// ParseActorSpecs 解析 YAML 格式的 actor 描述。
func ParseActorSpecs(data []byte) ([]fleet.ActorConfig, error) {
	var f actorFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: 解析 actor 描述失败: %v", fleet.ErrInvalidArgument, err)
	}
	if len(f.Actors) == 0 {
		return nil, fmt.Errorf("%w: actor 描述中没有 actor", fleet.ErrInvalidArgument)
	}
	seen := make(map[string]struct{}, len(f.Actors))
	configs := make([]fleet.ActorConfig, 0, len(f.Actors))
	for _, spec := range f.Actors {
		if _, ok := seen[spec.Key]; ok {
			return nil, fmt.Errorf("%w: actor %s 重复", fleet.ErrInvalidArgument, spec.Key)
		}
		seen[spec.Key] = struct{}{}
		cfg, err := spec.ActorConfig()
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func LoadActorSpecs(path string) ([]fleet.ActorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseActorSpecs(data)
}
