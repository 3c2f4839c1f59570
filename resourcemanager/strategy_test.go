package resourcemanager

import (
	"math/rand"
	"testing"

	"github.com/TAnNbR/fleet/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAgent(key fleet.AgentKey, host string) fleet.RegisteredAgent {
	return fleet.RegisteredAgent{
		Key:      key,
		Endpoint: host + ":7000",
		System:   fleet.SystemDescription{Hostname: host},
	}
}

func TestSelectNoAgents(t *testing.T) {
	s := NewDeployStrategy(rand.NewSource(1))
	_, err := s.Select(fleet.NewActorConfig("X", "echo"), nil)
	assert.ErrorIs(t, err, fleet.ErrIllegalState)
}

func TestSelectPreferredHostFallback(t *testing.T) {
	agents := []fleet.RegisteredAgent{testAgent("A", "host1"), testAgent("B", "host2")}
	cfg := fleet.NewActorConfig("X", "echo").WithPreferredHosts("host3")
	for seed := int64(0); seed < 50; seed++ {
		s := NewDeployStrategy(rand.NewSource(seed))
		got, err := s.Select(cfg, agents)
		require.NoError(t, err)
		assert.Contains(t, []fleet.AgentKey{"A", "B"}, got.Key)
	}
}

func TestSelectPreferredHost(t *testing.T) {
	agents := []fleet.RegisteredAgent{
		testAgent("A", "host1"),
		testAgent("B", "host2"),
		testAgent("C", "host2"),
	}
	s := NewDeployStrategy(rand.NewSource(7))
	seen := map[fleet.AgentKey]int{}
	for i := 0; i < 200; i++ {
		got, err := s.Select(fleet.NewActorConfig("X", "echo").WithPreferredHosts("host2"), agents)
		require.NoError(t, err)
		seen[got.Key]++
	}
	assert.Zero(t, seen["A"])
	assert.NotZero(t, seen["B"])
	assert.NotZero(t, seen["C"])
}

func TestSelectDeterministic(t *testing.T) {
	agents := []fleet.RegisteredAgent{testAgent("C", "h"), testAgent("A", "h"), testAgent("B", "h")}
	reversed := []fleet.RegisteredAgent{agents[2], agents[1], agents[0]}
	s1 := NewDeployStrategy(rand.NewSource(42))
	s2 := NewDeployStrategy(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		a, err := s1.Select(fleet.NewActorConfig("X", "echo"), agents)
		require.NoError(t, err)
		b, err := s2.Select(fleet.NewActorConfig("X", "echo"), reversed)
		require.NoError(t, err)
		assert.Equal(t, a.Key, b.Key)
	}
}

func TestSelectUniform(t *testing.T) {
	agents := []fleet.RegisteredAgent{testAgent("A", "host1"), testAgent("B", "host2")}
	s := NewDeployStrategy(rand.NewSource(3))
	seen := map[fleet.AgentKey]int{}
	for i := 0; i < 2000; i++ {
		got, err := s.Select(fleet.NewActorConfig("X", "echo"), agents)
		require.NoError(t, err)
		seen[got.Key]++
	}
	assert.InDelta(t, 1000, seen["A"], 150)
	assert.InDelta(t, 1000, seen["B"], 150)
}

func TestOnHostMatchesEndpoint(t *testing.T) {
	a := fleet.RegisteredAgent{Key: "A", Endpoint: "10.0.0.5:7000"}
	assert.True(t, onHost(a, []string{"10.0.0.5"}))
	assert.False(t, onHost(a, []string{"10.0.0.6"}))
}
