package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Bind)
	assert.Equal(t, "palletd.db", cfg.Store.Path)
	assert.Equal(t, 5000, cfg.Store.BusyTimeoutMS)
	assert.Equal(t, 1000, cfg.Scheduler.PollIntervalMS)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Encoding)
	assert.Equal(t, 30, cfg.Retention.TaskMaxAgeDays)
	assert.Equal(t, 30, cfg.Retention.AuditMaxAgeDays)
	assert.Equal(t, 14, cfg.Retention.MemoryMaxAgeDays)
	assert.Equal(t, ".", cfg.Tool.WorkRoot)
	assert.Equal(t, int64(1<<20), cfg.Tool.MaxReadBytes)
}

func TestParseProviderAndSkillDefaults(t *testing.T) {
	yamlDoc := `
providers:
  - name: primary
    kind: openai_compat
    base_url: http://localhost:11434
skills:
  - name: summarize
    path: /usr/local/bin/summarize
`
	cfg, err := Parse([]byte(yamlDoc))
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, 30000, cfg.Providers[0].TimeoutMS)
	require.Len(t, cfg.Skills, 1)
	assert.Equal(t, 60, cfg.Skills[0].TimeoutSeconds)
}

func TestValidateRejectsUnknownProviderKind(t *testing.T) {
	yamlDoc := `
providers:
  - name: primary
    kind: carrier_pigeon
`
	_, err := Parse([]byte(yamlDoc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not one of openai_compat, bedrock, gemini")
}

func TestValidateRejectsMissingSkillFields(t *testing.T) {
	yamlDoc := `
skills:
  - timeout_seconds: 10
`
	_, err := Parse([]byte(yamlDoc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "skills[0].name is required")
	assert.Contains(t, err.Error(), "skills[0].path is required")
}

func TestParseUsersSection(t *testing.T) {
	yamlDoc := `
users:
  admins: [1, 2]
  allowlist: [3]
`
	cfg, err := Parse([]byte(yamlDoc))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, cfg.Users.Admins)
	assert.Equal(t, []int64{3}, cfg.Users.Allowlist)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/palletd.yaml")
	assert.Error(t, err)
}

func TestSanitizedIsACopy(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)

	sanitized := cfg.Sanitized()
	sanitized.Server.Bind = "changed"
	assert.NotEqual(t, sanitized.Server.Bind, cfg.Server.Bind)
}
