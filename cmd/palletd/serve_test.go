package main

import (
	"context"
	"testing"

	"github.com/pallet-run/palletd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildProvidersOrdersByPriority(t *testing.T) {
	configs := []config.ProviderConfig{
		{Name: "second", Kind: "openai_compat", Priority: 2},
		{Name: "first", Kind: "openai_compat", Priority: 1},
	}

	providers, err := buildProviders(context.Background(), configs)
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "first", providers[0].Name())
	assert.Equal(t, "second", providers[1].Name())
}

func TestBuildProvidersRejectsUnknownKind(t *testing.T) {
	configs := []config.ProviderConfig{{Name: "x", Kind: "carrier_pigeon"}}
	_, err := buildProviders(context.Background(), configs)
	assert.Error(t, err)
}

func TestSkillNamesExtractsInOrder(t *testing.T) {
	names := skillNames([]config.SkillConfig{{Name: "a"}, {Name: "b"}})
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestSkillTimeoutSecondsDefaultsTo30(t *testing.T) {
	assert.Equal(t, 30, skillTimeoutSeconds(nil))
}

func TestSkillTimeoutSecondsUsesMax(t *testing.T) {
	skills := []config.SkillConfig{{TimeoutSeconds: 10}, {TimeoutSeconds: 45}, {TimeoutSeconds: 20}}
	assert.Equal(t, 45, skillTimeoutSeconds(skills))
}

func TestTaskTimeoutSecondsDefaultsTo300(t *testing.T) {
	assert.Equal(t, 300, taskTimeoutSeconds(&config.Config{}))
}

func TestTaskTimeoutSecondsGrowsWithSlowestSkill(t *testing.T) {
	cfg := &config.Config{Skills: []config.SkillConfig{{TimeoutSeconds: 400}}}
	assert.Equal(t, 460, taskTimeoutSeconds(cfg))
}
