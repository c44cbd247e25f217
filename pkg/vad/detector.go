//go:build vad

// Silero VAD inference over onnxruntime_go. The `vad` build tag keeps the
// libonnxruntime dependency out of untagged builds; detector_stub.go takes
// over there and every gate degrades to manual listen mode.
//
// InitRuntime must run once before the first NewDetector and
// DestroyRuntime once at shutdown.
package vad

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Silero v5 model shapes: one (2,1,128) recurrent state plus 64 samples of
// carried context prepended to every window after the first.
const (
	stateLen   = 2 * 1 * 128
	contextLen = 64
)

// LogLevel selects the ONNX runtime log verbosity.
type LogLevel int

const (
	LogLevelVerbose LogLevel = iota + 1
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelFatal
)

var (
	runtimeMu          sync.Mutex
	runtimeInitialized bool
)

// InitRuntime loads libonnxruntime and initializes the environment. An
// empty libraryPath falls back to ONNXRUNTIME_LIB, the usual system
// locations and the dynamic linker search path. Safe to call twice.
func InitRuntime(libraryPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if runtimeInitialized {
		return nil
	}

	if libraryPath == "" {
		libraryPath = locateRuntimeLibrary()
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	runtimeInitialized = true
	return nil
}

// DestroyRuntime tears the environment down again.
func DestroyRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !runtimeInitialized {
		return nil
	}
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("destroy onnx runtime: %w", err)
	}
	runtimeInitialized = false
	return nil
}

func locateRuntimeLibrary() string {
	candidates := []string{
		os.Getenv("ONNXRUNTIME_LIB"),
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/opt/onnxruntime/lib/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
	}
	for _, dir := range filepath.SplitList(os.Getenv("LD_LIBRARY_PATH")) {
		candidates = append(candidates, filepath.Join(dir, "libonnxruntime.so"))
	}
	for _, dir := range filepath.SplitList(os.Getenv("DYLD_LIBRARY_PATH")) {
		candidates = append(candidates, filepath.Join(dir, "libonnxruntime.dylib"))
	}

	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// DetectorConfig describes one detector instance.
type DetectorConfig struct {
	// ModelPath points at the Silero VAD ONNX model.
	ModelPath string
	// SampleRate of the incoming PCM; the model accepts 8000 or 16000.
	SampleRate int
	// LogLevel for the runtime, LogLevelWarn when zero.
	LogLevel LogLevel
}

func (c DetectorConfig) IsValid() error {
	if c.ModelPath == "" {
		return fmt.Errorf("invalid ModelPath: should not be empty")
	}
	if c.SampleRate != 8000 && c.SampleRate != 16000 {
		return fmt.Errorf("invalid SampleRate: valid values are 8000 and 16000")
	}
	return nil
}

// Detector runs the Silero model over successive sample windows, carrying
// the recurrent state and trailing context between calls. Not safe for
// concurrent use.
type Detector struct {
	session *ort.DynamicAdvancedSession
	cfg     DetectorConfig

	state [stateLen]float32
	ctx   [contextLen]float32
	// total is the sample count seen so far; context is only prepended once
	// a previous window exists.
	total int

	inputNames  []string
	outputNames []string
}

// NewDetector validates cfg, initializes the runtime if nobody has yet and
// opens one inference session on the model.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	runtimeMu.Lock()
	initialized := runtimeInitialized
	runtimeMu.Unlock()
	if !initialized {
		if err := InitRuntime(""); err != nil {
			return nil, fmt.Errorf("onnx runtime not initialized: %w", err)
		}
	}

	d := &Detector{
		cfg:         cfg,
		inputNames:  []string{"input", "state", "sr"},
		outputNames: []string{"output", "stateN"},
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("set graph optimization level: %w", err)
	}
	// The model is tiny; a single thread per op pool keeps inference off
	// the scheduler's back.
	if err := options.SetIntraOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter-op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, d.inputNames, d.outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	d.session = session
	return d, nil
}

// Infer scores one window of normalized [-1,1] samples and returns the
// speech probability in [0,1].
func (d *Detector) Infer(samples []float32) (float32, error) {
	if d == nil {
		return 0, fmt.Errorf("invalid nil detector")
	}

	pcm := samples
	if d.total > 0 {
		pcm = append(d.ctx[:], samples...)
	}
	if len(samples) >= contextLen {
		copy(d.ctx[:], samples[len(samples)-contextLen:])
	}
	d.total += len(samples)

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(pcm))), pcm)
	if err != nil {
		return 0, fmt.Errorf("create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	stateTensor, err := ort.NewTensor(ort.NewShape(2, 1, 128), d.state[:])
	if err != nil {
		return 0, fmt.Errorf("create state tensor: %w", err)
	}
	defer stateTensor.Destroy()

	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(d.cfg.SampleRate)})
	if err != nil {
		return 0, fmt.Errorf("create sr tensor: %w", err)
	}
	defer srTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, fmt.Errorf("create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	stateNTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		return 0, fmt.Errorf("create stateN tensor: %w", err)
	}
	defer stateNTensor.Destroy()

	inputs := []ort.Value{inputTensor, stateTensor, srTensor}
	outputs := []ort.Value{outputTensor, stateNTensor}
	if err := d.session.Run(inputs, outputs); err != nil {
		return 0, fmt.Errorf("run inference: %w", err)
	}

	copy(d.state[:], stateNTensor.GetData())

	out := outputTensor.GetData()
	if len(out) == 0 {
		return 0, fmt.Errorf("empty output from inference")
	}
	return out[0], nil
}

// Reset clears the recurrent state and carried context for a new segment.
func (d *Detector) Reset() error {
	if d == nil {
		return fmt.Errorf("invalid nil detector")
	}
	clear(d.state[:])
	clear(d.ctx[:])
	d.total = 0
	return nil
}

// Destroy releases the session. The detector is unusable afterwards.
func (d *Detector) Destroy() error {
	if d == nil {
		return fmt.Errorf("invalid nil detector")
	}
	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			return fmt.Errorf("destroy session: %w", err)
		}
		d.session = nil
	}
	return nil
}

var _ DetectorInterface = (*Detector)(nil)
