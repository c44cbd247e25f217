package llm

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/voicebridge-ai/voicebridge/pkg/config"
)

// OpenAIProvider talks to any OpenAI-compatible chat endpoint (dashscope,
// deepseek, vllm gateways). enable_search is a dashscope extension injected
// as an extra body field.
type OpenAIProvider struct {
	name         string
	model        string
	systemPrompt string
	temperature  float64
	maxTokens    int
	topP         float64
	enableSearch bool
	log          *zap.Logger

	client openai.Client
}

// NewOpenAIProvider builds a provider from one LLM provider config block.
func NewOpenAIProvider(name string, pc config.ProviderConfig, logger *zap.Logger) (*OpenAIProvider, error) {
	apiKey := pc.Str("api_key", "")
	if apiKey == "" {
		return nil, &config.Error{Key: "LLM." + name + ".api_key", Message: "missing api_key"}
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := pc.Str("base_url", ""); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OpenAIProvider{
		name:         name,
		model:        pc.Str("model_name", pc.Str("model", "qwen-flash")),
		systemPrompt: pc.Str("system_prompt", ""),
		temperature:  pc.Float("temperature", 0),
		maxTokens:    pc.Int("max_tokens", 0),
		topP:         pc.Float("top_p", 0),
		enableSearch: pc.Bool("enable_search", false),
		log:          logger.Named("llm"),
		client:       openai.NewClient(opts...),
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

// ChatStream streams completion tokens for one user turn.
func (p *OpenAIProvider) ChatStream(ctx context.Context, text string, history []Message) (<-chan string, <-chan error) {
	tokens := make(chan string, 16)
	errs := make(chan error, 1)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if p.systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(p.systemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(text))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if p.temperature > 0 {
		params.Temperature = openai.Float(p.temperature)
	}
	if p.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.maxTokens))
	}
	if p.topP > 0 {
		params.TopP = openai.Float(p.topP)
	}

	var opts []option.RequestOption
	if p.enableSearch {
		opts = append(opts, option.WithJSONSet("enable_search", true))
	}

	go func() {
		defer close(tokens)
		defer close(errs)

		stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case tokens <- delta:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			p.log.Error("流式请求失败", zap.String("provider", p.name), zap.Error(err))
			errs <- err
		}
	}()

	return tokens, errs
}

var _ Provider = (*OpenAIProvider)(nil)
