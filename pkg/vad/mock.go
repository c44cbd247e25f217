package vad

import "sync"

// MockDetector scripts detection probabilities so the gate's hysteresis can
// be driven without the ONNX runtime. Behavior comes from InferFunc; the
// zero behavior reports silence.
type MockDetector struct {
	InferFunc func(samples []float32) (float32, error)

	// InferCalls holds a copy of every window handed to Infer.
	InferCalls [][]float32

	ResetCalled   bool
	DestroyCalled bool

	mu sync.Mutex
}

func NewMockDetector() *MockDetector {
	return &MockDetector{InferCalls: make([][]float32, 0)}
}

// NewMockDetectorWithProb reports the same probability for every window.
func NewMockDetectorWithProb(prob float32) *MockDetector {
	m := NewMockDetector()
	m.InferFunc = func([]float32) (float32, error) { return prob, nil }
	return m
}

// NewMockDetectorWithSequence replays probs window by window, cycling once
// the script runs out.
func NewMockDetectorWithSequence(probs []float32) *MockDetector {
	m := NewMockDetector()
	var idx int
	m.InferFunc = func([]float32) (float32, error) {
		if len(probs) == 0 {
			return 0, nil
		}
		prob := probs[idx%len(probs)]
		idx++
		return prob, nil
	}
	return m
}

// NewMockDetectorWithError fails every inference with err.
func NewMockDetectorWithError(err error) *MockDetector {
	m := NewMockDetector()
	m.InferFunc = func([]float32) (float32, error) { return 0, err }
	return m
}

func (m *MockDetector) Infer(samples []float32) (float32, error) {
	m.mu.Lock()
	// The gate reuses its window buffer across calls; keep a copy.
	recorded := make([]float32, len(samples))
	copy(recorded, samples)
	m.InferCalls = append(m.InferCalls, recorded)
	m.mu.Unlock()

	if m.InferFunc == nil {
		return 0, nil
	}
	return m.InferFunc(samples)
}

func (m *MockDetector) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResetCalled = true
	return nil
}

func (m *MockDetector) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DestroyCalled = true
	return nil
}

func (m *MockDetector) GetInferCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.InferCalls)
}

var _ DetectorInterface = (*MockDetector)(nil)
