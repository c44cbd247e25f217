package vad

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedWindows runs exactly one 512-sample window per probability in probs,
// advancing the fake clock by 32ms per window, and returns all verdicts.
func feedWindows(t *testing.T, probs []float32, clock *int64) []Verdict {
	t.Helper()

	g := NewGate(NewMockDetectorWithSequence(probs), GateConfig{
		Now: func() int64 { return *clock },
	})

	window := make([]byte, windowBytes)
	verdicts := make([]Verdict, 0, len(probs))
	for range probs {
		*clock += 32
		v, err := g.Feed(window)
		require.NoError(t, err)
		verdicts = append(verdicts, v)
	}
	return verdicts
}

func TestGateSilenceProducesNoEdges(t *testing.T) {
	clock := int64(0)
	probs := make([]float32, 60)

	for _, v := range feedWindows(t, probs, &clock) {
		assert.False(t, v.Voiced)
		assert.Equal(t, EdgeNone, v.Edge)
	}
}

func TestGateStartThenStop(t *testing.T) {
	clock := int64(0)
	// 6 voiced windows, then 40 silent ones (40*32ms > 1000ms).
	probs := make([]float32, 0, 46)
	for i := 0; i < 6; i++ {
		probs = append(probs, 0.9)
	}
	for i := 0; i < 40; i++ {
		probs = append(probs, 0.05)
	}

	verdicts := feedWindows(t, probs, &clock)

	starts, stops := 0, 0
	startIdx, stopIdx := -1, -1
	for i, v := range verdicts {
		switch v.Edge {
		case EdgeStart:
			starts++
			startIdx = i
		case EdgeStop:
			stops++
			stopIdx = i
		}
	}

	assert.Equal(t, 1, starts, "exactly one start edge")
	assert.Equal(t, 1, stops, "exactly one stop edge")
	// Start fires once 3 of the last 5 windows are voiced.
	assert.Equal(t, 2, startIdx)
	assert.Greater(t, stopIdx, startIdx)
	assert.True(t, verdicts[startIdx].Voiced)
	assert.False(t, verdicts[stopIdx].Voiced)
}

func TestGateStopWaitsForSilenceDuration(t *testing.T) {
	clock := int64(0)
	// 6 voiced windows then 10 silent ones: only 320ms of silence, no stop yet.
	probs := make([]float32, 0, 16)
	for i := 0; i < 6; i++ {
		probs = append(probs, 0.9)
	}
	for i := 0; i < 10; i++ {
		probs = append(probs, 0.05)
	}

	for _, v := range feedWindows(t, probs, &clock) {
		assert.NotEqual(t, EdgeStop, v.Edge)
	}
}

func TestGateMidBandInheritsPreviousVerdict(t *testing.T) {
	clock := int64(0)

	// Mid-band probabilities after voiced windows stay voiced.
	verdicts := feedWindows(t, []float32{0.9, 0.9, 0.9, 0.35, 0.35}, &clock)
	assert.True(t, verdicts[4].Voiced)

	// Mid-band probabilities from a cold start stay unvoiced.
	clock = 0
	verdicts = feedWindows(t, []float32{0.35, 0.35, 0.35, 0.35, 0.35}, &clock)
	for _, v := range verdicts {
		assert.False(t, v.Voiced)
		assert.Equal(t, EdgeNone, v.Edge)
	}
}

func TestGateBuffersPartialWindows(t *testing.T) {
	det := NewMockDetectorWithProb(0.9)
	g := NewGate(det, GateConfig{Now: func() int64 { return 0 }})

	// Half a window: no inference yet.
	half := make([]byte, windowBytes/2)
	_, err := g.Feed(half)
	require.NoError(t, err)
	assert.Equal(t, 0, det.GetInferCallCount())

	// Second half completes the window.
	_, err = g.Feed(half)
	require.NoError(t, err)
	assert.Equal(t, 1, det.GetInferCallCount())
}

func TestGateReset(t *testing.T) {
	clock := int64(0)
	det := NewMockDetectorWithProb(0.9)
	g := NewGate(det, GateConfig{Now: func() int64 { return clock }})

	window := make([]byte, windowBytes)
	for i := 0; i < 5; i++ {
		clock += 32
		_, err := g.Feed(window)
		require.NoError(t, err)
	}
	assert.True(t, g.InSpeech())

	g.Reset()
	assert.False(t, g.InSpeech())
	assert.False(t, g.StopLatched())
	assert.True(t, det.ResetCalled)

	// After reset the gate needs fresh votes again before reporting speech.
	clock += 32
	v, err := g.Feed(window)
	require.NoError(t, err)
	assert.False(t, v.Voiced)
	assert.Equal(t, EdgeNone, v.Edge)
}

func TestGateSurfacesDetectorErrors(t *testing.T) {
	want := errors.New("onnx session died")
	g := NewGate(NewMockDetectorWithError(want), GateConfig{})

	// A short frame never reaches the detector.
	_, err := g.Feed(make([]byte, windowBytes/2))
	require.NoError(t, err)

	// Completing the window does, and the failure comes back out.
	_, err = g.Feed(make([]byte, windowBytes/2))
	assert.ErrorIs(t, err, want)
}
