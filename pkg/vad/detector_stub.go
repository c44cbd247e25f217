//go:build !vad

package vad

import "fmt"

// LogLevel represents the ONNX Runtime logging level.
type LogLevel int

const (
	LogLevelVerbose LogLevel = iota + 1
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelFatal
)

// DetectorConfig holds configuration for creating a VAD detector.
type DetectorConfig struct {
	ModelPath  string
	SampleRate int
	LogLevel   LogLevel
}

// Detector is unavailable without the `vad` build tag.
type Detector struct{}

var errNoVADSupport = fmt.Errorf("vad: built without the `vad` tag (onnxruntime unavailable)")

// InitRuntime reports that ONNX inference is not compiled in.
func InitRuntime(libraryPath string) error { return errNoVADSupport }

// DestroyRuntime is a no-op without the `vad` build tag.
func DestroyRuntime() error { return nil }

// NewDetector reports that ONNX inference is not compiled in.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	return nil, errNoVADSupport
}

func (sd *Detector) Infer(samples []float32) (float32, error) { return 0, errNoVADSupport }
func (sd *Detector) Reset() error                             { return errNoVADSupport }
func (sd *Detector) Destroy() error                           { return nil }

var _ DetectorInterface = (*Detector)(nil)
