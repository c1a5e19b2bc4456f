package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tmc/langchaingo/llms"
)

func TestToLangchainRole(t *testing.T) {
	assert.Equal(t, llms.ChatMessageTypeSystem, toLangchainRole(RoleSystem))
	assert.Equal(t, llms.ChatMessageTypeAI, toLangchainRole(RoleAssistant))
	assert.Equal(t, llms.ChatMessageTypeHuman, toLangchainRole(RoleUser))
	assert.Equal(t, llms.ChatMessageTypeHuman, toLangchainRole("unknown"))
}

func TestClassifyTransportErrDistinguishesTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := classifyTransportErr(ctx, errors.New("boom"))
	var f *Failure
	assert.ErrorAs(t, err, &f)
	assert.Equal(t, FailureTimeout, f.Kind)
}

func TestClassifyTransportErrDefaultsToTransportError(t *testing.T) {
	err := classifyTransportErr(context.Background(), errors.New("boom"))
	var f *Failure
	assert.ErrorAs(t, err, &f)
	assert.Equal(t, FailureTransportError, f.Kind)
}
