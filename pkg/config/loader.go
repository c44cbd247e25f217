// Package config loads the gateway configuration from config.yaml with an
// optional data/.config.yaml overlay. 覆盖文件用于部署时注入私有凭据,
// 不进版本库。
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// OverlayPath is merged on top of the base file when present.
const OverlayPath = "data/.config.yaml"

// Load reads the base YAML file, merges the overlay on top and decodes the
// result into a Config pre-populated with defaults.
func Load(path string) (*Config, error) {
	base, err := readYAMLMap(path)
	if err != nil {
		return nil, err
	}

	if overlay, err := readYAMLMap(OverlayPath); err == nil {
		base = mergeMaps(base, overlay)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	merged, err := yaml.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("re-encode merged config: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(merged, cfg); err != nil {
		return nil, &Error{Key: path, Message: err.Error()}
	}
	return cfg, nil
}

func readYAMLMap(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, &Error{Key: path, Message: err.Error()}
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// mergeMaps merges overlay into base recursively. Nested maps merge key by
// key; any other value in the overlay replaces the base value.
func mergeMaps(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if ov, ok := v.(map[string]any); ok {
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = mergeMaps(bv, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// EnsureDirectories creates the directories the gateway writes to: the log
// directory, every configured ASR/TTS output_dir, and the data tree used by
// the overlay and firmware download endpoint.
func EnsureDirectories(cfg *Config) error {
	dirs := []string{cfg.Log.LogDir, "data", filepath.Join("data", "bin")}
	for _, family := range []map[string]ProviderConfig{cfg.ASR, cfg.TTS} {
		for _, pc := range family {
			if dir := pc.Str("output_dir", ""); dir != "" {
				dirs = append(dirs, dir)
			}
		}
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
