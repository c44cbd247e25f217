package llm

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/voicebridge-ai/voicebridge/pkg/config"
)

// GeminiProvider streams completions from the Gemini API. History roles map
// onto genai's user/model pair.
type GeminiProvider struct {
	name         string
	apiKey       string
	model        string
	systemPrompt string
	temperature  float64
	topP         float64
	maxTokens    int
	log          *zap.Logger
}

// NewGeminiProvider builds a provider from one LLM provider config block.
func NewGeminiProvider(name string, pc config.ProviderConfig, logger *zap.Logger) (*GeminiProvider, error) {
	apiKey := pc.Str("api_key", "")
	if apiKey == "" {
		return nil, &config.Error{Key: "LLM." + name + ".api_key", Message: "missing api_key"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiProvider{
		name:         name,
		apiKey:       apiKey,
		model:        pc.Str("model_name", pc.Str("model", "gemini-2.0-flash")),
		systemPrompt: pc.Str("system_prompt", ""),
		temperature:  pc.Float("temperature", 0),
		topP:         pc.Float("top_p", 0),
		maxTokens:    pc.Int("max_tokens", 0),
		log:          logger.Named("llm"),
	}, nil
}

func (p *GeminiProvider) Name() string {
	return p.name
}

// ChatStream streams completion tokens for one user turn.
func (p *GeminiProvider) ChatStream(ctx context.Context, text string, history []Message) (<-chan string, <-chan error) {
	tokens := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errs)

		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGoogleAI,
		})
		if err != nil {
			errs <- err
			return
		}

		contents := make([]*genai.Content, 0, len(history)+1)
		for _, m := range history {
			role := "user"
			if m.Role == RoleAssistant {
				role = "model"
			}
			contents = append(contents, &genai.Content{
				Role:  role,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
		contents = append(contents, &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: text}},
		})

		cfg := &genai.GenerateContentConfig{}
		if p.systemPrompt != "" {
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: p.systemPrompt}},
			}
		}
		if p.temperature > 0 {
			cfg.Temperature = genai.Ptr(p.temperature)
		}
		if p.topP > 0 {
			cfg.TopP = genai.Ptr(p.topP)
		}
		if p.maxTokens > 0 {
			cfg.MaxOutputTokens = genai.Ptr(int64(p.maxTokens))
		}

		for resp, err := range client.Models.GenerateContentStream(ctx, p.model, contents, cfg) {
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error("流式请求失败", zap.String("provider", p.name), zap.Error(err))
					errs <- err
				}
				return
			}
			if t := responseText(resp); t != "" {
				select {
				case tokens <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return tokens, errs
}

// responseText joins the text parts of every candidate in one stream chunk.
func responseText(resp *genai.GenerateContentResponse) string {
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil {
				sb.WriteString(part.Text)
			}
		}
	}
	return sb.String()
}

var _ Provider = (*GeminiProvider)(nil)
