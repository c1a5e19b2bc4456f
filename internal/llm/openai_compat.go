package llm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAICompatProvider adapts any OpenAI-compatible chat completion API
// (including self-hosted gateways) via langchaingo.
type OpenAICompatProvider struct {
	name    string
	model   string
	llm     llms.Model
	timeout time.Duration
}

// NewOpenAICompatProvider builds an adapter from config. apiKeyEnv names the
// environment variable holding the API key; baseURL may be empty to use the
// vendor default.
func NewOpenAICompatProvider(name, model, baseURL, apiKeyEnv string, timeout time.Duration) (*OpenAICompatProvider, error) {
	apiKey := os.Getenv(apiKeyEnv)
	opts := []openai.Option{openai.WithModel(model)}
	if apiKey != "" {
		opts = append(opts, openai.WithToken(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	chatModel, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("llm: create openai-compat provider %s: %w", name, err)
	}
	return &OpenAICompatProvider{name: name, model: model, llm: chatModel, timeout: timeout}, nil
}

func (p *OpenAICompatProvider) Name() string  { return p.name }
func (p *OpenAICompatProvider) Model() string { return p.model }

// Complete issues the request, classifying any failure per the gateway's
// FailureKind taxonomy (§4.3).
func (p *OpenAICompatProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	content := make([]llms.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		content = append(content, llms.TextParts(toLangchainRole(m.Role), m.Content))
	}

	var callOpts []llms.CallOption
	if req.Temperature != nil {
		callOpts = append(callOpts, llms.WithTemperature(*req.Temperature))
	}
	if req.MaxTokens != nil {
		callOpts = append(callOpts, llms.WithMaxTokens(*req.MaxTokens))
	}

	resp, err := p.llm.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return nil, classifyTransportErr(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Failure{Kind: FailureParseError, Msg: "openai-compat: no response choices"}
	}
	choice := resp.Choices[0]
	return &Response{
		Text:         choice.Content,
		FinishReason: choice.StopReason,
	}, nil
}

func toLangchainRole(role string) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

func classifyTransportErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &Failure{Kind: FailureTimeout, Msg: "llm: request timed out", Err: err}
	}
	return &Failure{Kind: FailureTransportError, Msg: "llm: transport error", Err: err}
}
