package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockProvider adapts Amazon Bedrock's InvokeModel API, sending an
// Anthropic messages request body, to the uniform Provider contract.
type BedrockProvider struct {
	name    string
	model   string
	client  *bedrockruntime.Client
	timeout time.Duration
}

// NewBedrockProvider builds an adapter using the default AWS credential
// chain for region.
func NewBedrockProvider(ctx context.Context, name, model, region string, timeout time.Duration) (*BedrockProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("llm: load aws config for %s: %w", name, err)
	}
	return &BedrockProvider{
		name:    name,
		model:   model,
		client:  bedrockruntime.NewFromConfig(awsCfg),
		timeout: timeout,
	}, nil
}

func (p *BedrockProvider) Name() string  { return p.name }
func (p *BedrockProvider) Model() string { return p.model }

type bedrockMessage struct {
	Role    string               `json:"role"`
	Content []bedrockContentPart `json:"content"`
}

type bedrockContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bedrockRequestBody struct {
	AnthropicVersion string           `json:"anthropic_version"`
	Messages         []bedrockMessage `json:"messages"`
	System           string           `json:"system,omitempty"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      *float64         `json:"temperature,omitempty"`
}

type bedrockResponseBody struct {
	Content    []bedrockContentPart `json:"content"`
	StopReason string               `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete invokes the configured Bedrock model, currently targeting the
// Anthropic Claude message format Bedrock exposes for its claude models.
func (p *BedrockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var system string
	var messages []bedrockMessage
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, bedrockMessage{
			Role:    role,
			Content: []bedrockContentPart{{Type: "text", Text: m.Content}},
		})
	}

	maxTokens := 1024
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	body := bedrockRequestBody{
		AnthropicVersion: "bedrock-2023-05-31",
		Messages:         messages,
		System:           system,
		MaxTokens:        maxTokens,
		Temperature:      req.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Failure{Kind: FailureParseError, Msg: "bedrock: marshal request", Err: err}
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &p.model,
		ContentType: strPtr("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, classifyBedrockErr(ctx, err)
	}

	var respBody bedrockResponseBody
	if err := json.NewDecoder(bytes.NewReader(out.Body)).Decode(&respBody); err != nil {
		return nil, &Failure{Kind: FailureParseError, Msg: "bedrock: decode response", Err: err}
	}
	if len(respBody.Content) == 0 {
		return nil, &Failure{Kind: FailureParseError, Msg: "bedrock: no content in response"}
	}

	return &Response{
		Text:         respBody.Content[0].Text,
		PromptTokens: respBody.Usage.InputTokens,
		OutputTokens: respBody.Usage.OutputTokens,
		FinishReason: respBody.StopReason,
	}, nil
}

func classifyBedrockErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &Failure{Kind: FailureTimeout, Msg: "bedrock: request timed out", Err: err}
	}
	return &Failure{Kind: FailureTransportError, Msg: "bedrock: transport error", Err: err}
}

func strPtr(s string) *string { return &s }
