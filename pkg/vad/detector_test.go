//go:build vad

package vad

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// modelPath finds the Silero model next to the repo or in /tmp; tests that
// need real inference skip when it is absent.
func modelPath(t *testing.T) string {
	t.Helper()
	for _, p := range []string{
		"../../models/silero_vad.onnx",
		"models/silero_vad.onnx",
		"/tmp/silero_vad.onnx",
	} {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		if _, err := os.Stat(abs); err == nil {
			return abs
		}
	}
	t.Skip("silero_vad.onnx not found")
	return ""
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	det, err := NewDetector(DetectorConfig{
		ModelPath:  modelPath(t),
		SampleRate: 16000,
		LogLevel:   LogLevelWarn,
	})
	require.NoError(t, err)
	t.Cleanup(func() { det.Destroy() })
	return det
}

func TestDetectorConfigIsValid(t *testing.T) {
	cases := []struct {
		name    string
		cfg     DetectorConfig
		wantErr bool
	}{
		{"16kHz", DetectorConfig{ModelPath: "m.onnx", SampleRate: 16000}, false},
		{"8kHz", DetectorConfig{ModelPath: "m.onnx", SampleRate: 8000}, false},
		{"missing model path", DetectorConfig{SampleRate: 16000}, true},
		{"unsupported rate", DetectorConfig{ModelPath: "m.onnx", SampleRate: 44100}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.IsValid()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDetectorScoresSilenceLow(t *testing.T) {
	det := newTestDetector(t)

	// One gate window of digital silence.
	prob, err := det.Infer(make([]float32, WindowSamples))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, prob, float32(0))
	assert.Less(t, prob, float32(0.5))
}

func TestDetectorProbabilityInRange(t *testing.T) {
	det := newTestDetector(t)

	// A 440Hz tone is not speech but must still score inside [0,1].
	samples := make([]float32, WindowSamples)
	for i := range samples {
		samples[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/16000))
	}

	prob, err := det.Infer(samples)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, prob, float32(0))
	assert.LessOrEqual(t, prob, float32(1))
}

func TestDetectorResetClearsState(t *testing.T) {
	det := newTestDetector(t)

	_, err := det.Infer(make([]float32, WindowSamples))
	require.NoError(t, err)
	require.NoError(t, det.Reset())

	// Scores repeat once the recurrent state is cleared between runs.
	first, err := det.Infer(make([]float32, WindowSamples))
	require.NoError(t, err)
	require.NoError(t, det.Reset())
	second, err := det.Infer(make([]float32, WindowSamples))
	require.NoError(t, err)
	assert.InDelta(t, first, second, 1e-5)
}

func TestDetectorNilSafety(t *testing.T) {
	var det *Detector

	assert.Error(t, det.Reset())
	assert.Error(t, det.Destroy())
	_, err := det.Infer(make([]float32, WindowSamples))
	assert.Error(t, err)
}
