package llm

import (
	"context"
	"fmt"
	"os"
	"time"

	"google.golang.org/genai"
)

// GeminiProvider adapts Google's Gemini API via google.golang.org/genai.
type GeminiProvider struct {
	name    string
	model   string
	client  *genai.Client
	timeout time.Duration
}

// NewGeminiProvider builds an adapter from config. apiKeyEnv names the
// environment variable holding the API key.
func NewGeminiProvider(ctx context.Context, name, model, apiKeyEnv string, timeout time.Duration) (*GeminiProvider, error) {
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("llm: gemini provider %s: %s is not set", name, apiKeyEnv)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("llm: create gemini client for %s: %w", name, err)
	}
	return &GeminiProvider{name: name, model: model, client: client, timeout: timeout}, nil
}

func (p *GeminiProvider) Name() string  { return p.name }
func (p *GeminiProvider) Model() string { return p.model }

// Complete issues the request against Gemini, folding system messages into
// the generation config's system instruction.
func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var system string
	var contents []*genai.Content
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = m.Content
			continue
		}
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	genCfg := &genai.GenerateContentConfig{}
	if system != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		genCfg.Temperature = &t
	}
	if req.MaxTokens != nil {
		mt := int32(*req.MaxTokens)
		genCfg.MaxOutputTokens = mt
	}

	result, err := p.client.Models.GenerateContent(ctx, p.model, contents, genCfg)
	if err != nil {
		return nil, classifyGeminiErr(ctx, err)
	}
	text := result.Text()
	if text == "" {
		return nil, &Failure{Kind: FailureParseError, Msg: "gemini: empty response"}
	}

	resp := &Response{Text: text}
	if result.UsageMetadata != nil {
		resp.PromptTokens = int(result.UsageMetadata.PromptTokenCount)
		resp.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	if len(result.Candidates) > 0 {
		resp.FinishReason = string(result.Candidates[0].FinishReason)
	}
	return resp, nil
}

func classifyGeminiErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &Failure{Kind: FailureTimeout, Msg: "gemini: request timed out", Err: err}
	}
	return &Failure{Kind: FailureTransportError, Msg: "gemini: transport error", Err: err}
}
