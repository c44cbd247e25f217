package dialog

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/voicebridge-ai/voicebridge/pkg/asr"
	"github.com/voicebridge-ai/voicebridge/pkg/config"
	"github.com/voicebridge-ai/voicebridge/pkg/llm"
	"github.com/voicebridge-ai/voicebridge/pkg/tts"
	"github.com/voicebridge-ai/voicebridge/pkg/vllm"
)

// Factory resolves the selected provider of each family from config, built
// once on first use. A provider type falls back to the provider's own name
// so `doubao_stream` works without an explicit `type` key.
type Factory struct {
	cfg *config.Config
	log *zap.Logger

	asrOnce sync.Once
	asrProv asr.Provider
	asrErr  error

	llmOnce sync.Once
	llmProv llm.Provider
	llmErr  error

	ttsOnce sync.Once
	ttsProv tts.Provider
	ttsErr  error

	vllmOnce sync.Once
	vllmProv vllm.Provider
	vllmErr  error
}

func NewFactory(cfg *config.Config, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg, log: logger}
}

// ASR builds the selected recognition provider.
func (f *Factory) ASR() (asr.Provider, error) {
	f.asrOnce.Do(func() {
		name, pc, err := f.cfg.ActiveProvider("ASR")
		if err != nil {
			f.asrErr = err
			return
		}
		switch kind := pc.Str("type", name); {
		case matches(kind, "doubao"):
			f.asrProv, f.asrErr = asr.NewDoubaoProvider(name, pc, f.log)
		case matches(kind, "xunfei"):
			f.asrProv, f.asrErr = asr.NewXunfeiProvider(name, pc, f.log)
		default:
			f.asrErr = fmt.Errorf("unknown ASR provider type %q", kind)
		}
	})
	return f.asrProv, f.asrErr
}

// LLM builds the selected chat provider.
func (f *Factory) LLM() (llm.Provider, error) {
	f.llmOnce.Do(func() {
		name, pc, err := f.cfg.ActiveProvider("LLM")
		if err != nil {
			f.llmErr = err
			return
		}
		switch kind := pc.Str("type", name); {
		case matches(kind, "gemini"):
			f.llmProv, f.llmErr = llm.NewGeminiProvider(name, pc, f.log)
		default:
			// openai 协议兼容 qwen/deepseek 等所有 dashscope 风格后端
			f.llmProv, f.llmErr = llm.NewOpenAIProvider(name, pc, f.log)
		}
	})
	return f.llmProv, f.llmErr
}

// TTS builds the selected synthesis provider.
func (f *Factory) TTS() (tts.Provider, error) {
	f.ttsOnce.Do(func() {
		name, pc, err := f.cfg.ActiveProvider("TTS")
		if err != nil {
			f.ttsErr = err
			return
		}
		switch kind := pc.Str("type", name); {
		case matches(kind, "huoshan"):
			f.ttsProv, f.ttsErr = tts.NewHuoshanProvider(name, pc)
		case matches(kind, "openai"):
			f.ttsProv, f.ttsErr = tts.NewOpenAIProvider(name, pc)
		default:
			f.ttsErr = fmt.Errorf("unknown TTS provider type %q", kind)
		}
	})
	return f.ttsProv, f.ttsErr
}

// VLLM builds the selected vision provider.
func (f *Factory) VLLM() (vllm.Provider, error) {
	f.vllmOnce.Do(func() {
		name, pc, err := f.cfg.ActiveProvider("VLLM")
		if err != nil {
			f.vllmErr = err
			return
		}
		f.vllmProv, f.vllmErr = vllm.NewOpenAIProvider(name, pc)
	})
	return f.vllmProv, f.vllmErr
}

func matches(kind, family string) bool {
	return kind == family || strings.HasPrefix(kind, family+"_") || strings.HasPrefix(kind, family+"-")
}

var _ ProviderSource = (*Factory)(nil)
