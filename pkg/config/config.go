package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ServerConfig controls the two listeners and gateway-wide knobs.
type ServerConfig struct {
	IP            string `yaml:"ip"`
	Port          int    `yaml:"port"`
	HTTPPort      int    `yaml:"http_port"`
	AuthKey       string `yaml:"auth_key"`
	VisionExplain string `yaml:"vision_explain"`
}

// LogConfig controls log level and the directory for file output.
type LogConfig struct {
	Level  string `yaml:"level"`
	LogDir string `yaml:"log_dir"`
}

// SelectedModule names the active provider for each family.
type SelectedModule struct {
	ASR    string `yaml:"ASR"`
	LLM    string `yaml:"LLM"`
	TTS    string `yaml:"TTS"`
	VAD    string `yaml:"VAD"`
	VLLM   string `yaml:"VLLM"`
	Intent string `yaml:"Intent"`
	Memory string `yaml:"Memory"`
}

// ProviderConfig holds one provider's settings as loose key/value pairs.
// Values coming from YAML may be strings even for numeric knobs, so the
// accessors coerce.
type ProviderConfig map[string]any

// Config is the root of config.yaml after the overlay merge.
type Config struct {
	Server         ServerConfig   `yaml:"server"`
	Log            LogConfig      `yaml:"log"`
	SelectedModule SelectedModule `yaml:"selected_module"`
	MCPEndpoint    string         `yaml:"mcp_endpoint"`

	ASR  map[string]ProviderConfig `yaml:"ASR"`
	LLM  map[string]ProviderConfig `yaml:"LLM"`
	TTS  map[string]ProviderConfig `yaml:"TTS"`
	VAD  map[string]ProviderConfig `yaml:"VAD"`
	VLLM map[string]ProviderConfig `yaml:"VLLM"`
}

// Error is a fatal configuration problem found at startup.
type Error struct {
	Key     string
	Message string
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config: %s", e.Message)
	}
	return fmt.Sprintf("config: %s: %s", e.Key, e.Message)
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			IP:       "0.0.0.0",
			Port:     8000,
			HTTPPort: 8003,
			AuthKey:  "your-auth-key-change-this",
		},
		Log: LogConfig{
			Level:  "info",
			LogDir: "tmp",
		},
		SelectedModule: SelectedModule{
			ASR:    "xunfei_stream",
			LLM:    "qwen_flash",
			TTS:    "huoshan_stream",
			VAD:    "silero",
			VLLM:   "qwen_vl",
			Intent: "function_call",
			Memory: "mem_local_short",
		},
		MCPEndpoint: "ws://localhost:8000/mcp/",
	}
}

// Family returns the provider map for a module family name.
func (c *Config) Family(family string) map[string]ProviderConfig {
	switch family {
	case "ASR":
		return c.ASR
	case "LLM":
		return c.LLM
	case "TTS":
		return c.TTS
	case "VAD":
		return c.VAD
	case "VLLM":
		return c.VLLM
	}
	return nil
}

// Selected returns the active provider name for a family.
func (c *Config) Selected(family string) string {
	switch family {
	case "ASR":
		return c.SelectedModule.ASR
	case "LLM":
		return c.SelectedModule.LLM
	case "TTS":
		return c.SelectedModule.TTS
	case "VAD":
		return c.SelectedModule.VAD
	case "VLLM":
		return c.SelectedModule.VLLM
	case "Intent":
		return c.SelectedModule.Intent
	case "Memory":
		return c.SelectedModule.Memory
	}
	return ""
}

// ActiveProvider resolves selected_module.<family> against the family's
// provider map.
func (c *Config) ActiveProvider(family string) (string, ProviderConfig, error) {
	name := c.Selected(family)
	if name == "" {
		return "", nil, &Error{Key: "selected_module." + family, Message: "no provider selected"}
	}
	providers := c.Family(family)
	pc, ok := providers[name]
	if !ok {
		return "", nil, &Error{Key: family + "." + name, Message: "selected provider not configured"}
	}
	return name, pc, nil
}

// Str returns a string value, coercing non-string scalars via fmt.
func (p ProviderConfig) Str(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Int returns an integer value, accepting int, float and numeric strings.
func (p ProviderConfig) Int(key string, def int) int {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return def
}

// Float returns a float value, accepting int, float and numeric strings.
func (p ProviderConfig) Float(key string, def float64) float64 {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns a boolean value, accepting bool and common string forms.
func (p ProviderConfig) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
			return parsed
		}
	}
	return def
}
