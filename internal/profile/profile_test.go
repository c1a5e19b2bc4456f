package profile

import (
	"testing"

	"github.com/pallet-run/palletd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectExplicitName(t *testing.T) {
	caps, err := Select(config.ProfileConfig{Name: "2g"})
	require.NoError(t, err)
	assert.Equal(t, "2g", caps.Name)
	assert.Equal(t, 3, caps.WorkerCount)
	assert.Equal(t, 150, caps.QueueLimit)
	assert.Equal(t, 20, caps.UserRPM)
}

func TestSelectUnknownNameErrors(t *testing.T) {
	_, err := Select(config.ProfileConfig{Name: "16g"})
	assert.Error(t, err)
}

func TestSelectFieldOverridesWinOverBundleDefaults(t *testing.T) {
	caps, err := Select(config.ProfileConfig{
		Name:             "1g",
		WorkerCount:      9,
		LLMConcurrency:   9,
		SkillConcurrency: 9,
		CacheBudgetMB:    999,
		QueueLimit:       999,
		UserRPM:          999,
	})
	require.NoError(t, err)
	assert.Equal(t, 9, caps.WorkerCount)
	assert.Equal(t, 9, caps.LLMConcurrency)
	assert.Equal(t, 9, caps.SkillConcurrency)
	assert.Equal(t, 999, caps.CacheBudgetMB)
	assert.Equal(t, 999, caps.QueueLimit)
	assert.Equal(t, 999, caps.UserRPM)
}

func TestSelectZeroOverridesDoNotChangeBundleDefaults(t *testing.T) {
	caps, err := Select(config.ProfileConfig{Name: "4g"})
	require.NoError(t, err)
	assert.Equal(t, 6, caps.WorkerCount)
	assert.Equal(t, 4, caps.LLMConcurrency)
	assert.Equal(t, 256, caps.CacheBudgetMB)
}

func TestSelectDetectsFromSystemMemoryWhenNameEmpty(t *testing.T) {
	caps, err := Select(config.ProfileConfig{})
	require.NoError(t, err)
	assert.Contains(t, []string{"1g", "2g", "4g", "8g"}, caps.Name)
}
