// Package vllm answers questions about images through an OpenAI-compatible
// vision endpoint. Unlike pkg/llm this is non-streaming; the HTTP vision
// endpoint wants one complete answer.
package vllm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/voicebridge-ai/voicebridge/pkg/config"
)

const defaultPrompt = "请描述这张图片的内容"

// Provider analyzes one image per call.
type Provider interface {
	Name() string
	AnalyzeImage(ctx context.Context, imageURL, prompt string) (string, error)
}

// OpenAIProvider drives qwen-vl style vision models.
type OpenAIProvider struct {
	name        string
	model       string
	temperature float64

	client openai.Client
}

// NewOpenAIProvider builds a provider from one VLLM provider config block.
func NewOpenAIProvider(name string, pc config.ProviderConfig) (*OpenAIProvider, error) {
	apiKey := pc.Str("api_key", "")
	if apiKey == "" {
		return nil, &config.Error{Key: "VLLM." + name + ".api_key", Message: "missing api_key"}
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := pc.Str("base_url", ""); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIProvider{
		name:        name,
		model:       pc.Str("model_name", pc.Str("model", "qwen-vl-plus")),
		temperature: pc.Float("temperature", 0),
		client:      openai.NewClient(opts...),
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

// AnalyzeImage sends the image plus a question and returns the answer.
func (p *OpenAIProvider) AnalyzeImage(ctx context.Context, imageURL, prompt string) (string, error) {
	if imageURL == "" {
		return "", fmt.Errorf("vllm: image_url is required")
	}
	if prompt == "" {
		prompt = defaultPrompt
	}

	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: imageURL,
		}),
		openai.TextContentPart(prompt),
	}
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfArrayOfContentParts: parts,
					},
				},
			},
		},
	}
	if p.temperature > 0 {
		params.Temperature = openai.Float(p.temperature)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("vllm: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("vllm: empty completion")
	}
	return completion.Choices[0].Message.Content, nil
}

var _ Provider = (*OpenAIProvider)(nil)
