package resourcemanager

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/TAnNbR/fleet/fleet"
)

// DeployStrategy 为新 actor 选择 agent：优先在首选主机上均匀随机选择，
// 没有符合条件的 agent 时退回到全部 agent。
type DeployStrategy struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewDeployStrategy 使用给定的随机源，src 为 nil 时使用以当前时间为种子的随机源。
func NewDeployStrategy(src rand.Source) *DeployStrategy {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &DeployStrategy{rnd: rand.New(src)}
}

// Select 从 agents 中选出一个。agents 先按 key 排序，相同的随机源总是得到相同的结果。
func (s *DeployStrategy) Select(cfg fleet.ActorConfig, agents []fleet.RegisteredAgent) (fleet.RegisteredAgent, error) {
	if len(agents) == 0 {
		return fleet.RegisteredAgent{}, fmt.Errorf("%w: 没有可用的 agent 来部署 actor %s", fleet.ErrIllegalState, cfg.Key)
	}
	candidates := slices.Clone(agents)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Key < candidates[j].Key })

	if hosts := cfg.Deploy.PreferredHosts; len(hosts) > 0 {
		preferred := make([]fleet.RegisteredAgent, 0, len(candidates))
		for _, a := range candidates {
			if onHost(a, hosts) {
				preferred = append(preferred, a)
			}
		}
		if len(preferred) > 0 {
			candidates = preferred
		} else {
			slog.Warn("没有 agent 运行在首选主机上，在所有 agent 中选择", "actor", cfg.Key, "hosts", hosts)
		}
	}

	s.mu.Lock()
	i := s.rnd.Intn(len(candidates))
	s.mu.Unlock()
	return candidates[i], nil
}

// onHost 判断 agent 的主机名或 endpoint 的主机部分是否在 hosts 中。
func onHost(a fleet.RegisteredAgent, hosts []string) bool {
	host, _, err := net.SplitHostPort(a.Endpoint)
	if err != nil {
		host = a.Endpoint
	}
	for _, h := range hosts {
		if h == a.System.Hostname || h == host {
			return true
		}
	}
	return false
}
