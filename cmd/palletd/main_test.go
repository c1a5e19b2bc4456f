package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmdRegistersSubcommands(t *testing.T) {
	cmd := newRootCmd()
	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"version", "migrate", "serve", "status"}, names)
}

func TestVersionCmdPrintsVersion(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "palletd")
	assert.Contains(t, out.String(), Version)
}

func TestExecuteReturnsNonZeroOnError(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"not-a-real-command"})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	assert.Equal(t, 1, execute(cmd))
}

func TestExecuteReturnsZeroOnSuccess(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"version"})
	assert.Equal(t, 0, execute(cmd))
}
