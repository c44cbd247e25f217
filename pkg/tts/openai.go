package tts

import (
	"context"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voicebridge-ai/voicebridge/pkg/config"
)

const openaiChunkSize = 4096

// OpenAIProvider synthesizes through POST /v1/audio/speech and streams the
// response body in fixed-size chunks.
type OpenAIProvider struct {
	name   string
	model  string
	voice  string
	speed  float64
	format string

	client *openai.Client
}

// NewOpenAIProvider builds a provider from one TTS provider config block.
func NewOpenAIProvider(name string, pc config.ProviderConfig) (*OpenAIProvider, error) {
	apiKey := pc.Str("api_key", "")
	if apiKey == "" {
		return nil, &config.Error{Key: "TTS." + name + ".api_key", Message: "missing api_key"}
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL := pc.Str("base_url", ""); baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	return &OpenAIProvider{
		name:   name,
		model:  pc.Str("model_name", pc.Str("model", "tts-1")),
		voice:  pc.Str("voice", "alloy"),
		speed:  pc.Float("speed", 1.0),
		format: pc.Str("format", "pcm"),
		client: openai.NewClientWithConfig(clientConfig),
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

// SynthesizeStream requests the speech audio and chunks the body.
func (p *OpenAIProvider) SynthesizeStream(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	audioChan := make(chan []byte, 16)
	errChan := make(chan error, 1)

	go func() {
		defer close(audioChan)
		defer close(errChan)

		resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(p.model),
			Input:          text,
			Voice:          openai.SpeechVoice(p.voice),
			Speed:          p.speed,
			ResponseFormat: openai.SpeechResponseFormat(p.format),
		})
		if err != nil {
			errChan <- fmt.Errorf("openai tts: %w", err)
			return
		}
		defer resp.Close()

		buf := make([]byte, openaiChunkSize)
		for {
			n, err := resp.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case audioChan <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					errChan <- fmt.Errorf("openai tts read: %w", err)
				}
				return
			}
		}
	}()

	return audioChan, errChan
}

var _ Provider = (*OpenAIProvider)(nil)
