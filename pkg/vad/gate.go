package vad

import (
	"time"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
)

// WindowSamples is the model input size: one 32ms window at 16kHz.
const WindowSamples = 512

// windowBytes is WindowSamples of s16le PCM.
const windowBytes = WindowSamples * 2

// Edge is an instantaneous transition of the gate output.
type Edge int

const (
	EdgeNone Edge = iota
	EdgeStart
	EdgeStop
)

// Verdict is the outcome of feeding one PCM frame through the gate.
type Verdict struct {
	// Voiced reports whether the connection is considered in speech after
	// this frame.
	Voiced bool
	// Edge is EdgeStart on the not-in-speech to in-speech transition and
	// EdgeStop once silence has lasted long enough after speech.
	Edge Edge
}

// GateConfig tunes the hysteresis state machine. Zero values take the
// defaults matching the Silero windowing (0.5/0.2 thresholds, 5-window
// vote with 3 required, 1000ms of trailing silence).
type GateConfig struct {
	Threshold     float32
	ThresholdLow  float32
	WindowSize    int
	VoteThreshold int
	SilenceMs     int64

	// Now returns monotonic milliseconds; overridable in tests.
	Now func() int64
}

func (c *GateConfig) applyDefaults() {
	if c.Threshold == 0 {
		c.Threshold = 0.5
	}
	if c.ThresholdLow == 0 {
		c.ThresholdLow = 0.2
	}
	if c.WindowSize == 0 {
		c.WindowSize = 5
	}
	if c.VoteThreshold == 0 {
		c.VoteThreshold = 3
	}
	if c.SilenceMs == 0 {
		c.SilenceMs = 1000
	}
	if c.Now == nil {
		c.Now = func() int64 { return time.Now().UnixMilli() }
	}
}

// Gate buffers decoded PCM, evaluates the detector per 512-sample window
// and applies dual-threshold hysteresis plus a majority vote over the last
// few windows. Not safe for concurrent use; each connection owns one gate.
type Gate struct {
	det DetectorInterface
	cfg GateConfig

	pcm          []byte
	window       []bool
	inSpeech     bool
	lastVoiced   bool
	lastVoicedMs int64
	stopLatched  bool
}

// NewGate wraps a detector with the hysteresis state machine.
func NewGate(det DetectorInterface, cfg GateConfig) *Gate {
	cfg.applyDefaults()
	return &Gate{det: det, cfg: cfg}
}

// Feed appends one decoded PCM frame and consumes as many full windows as
// are available. At most one edge is reported per call.
func (g *Gate) Feed(pcm []byte) (Verdict, error) {
	g.pcm = append(g.pcm, pcm...)

	verdict := Verdict{Voiced: g.inSpeech}
	for len(g.pcm) >= windowBytes {
		chunk := g.pcm[:windowBytes]
		g.pcm = g.pcm[windowBytes:]

		prob, err := g.det.Infer(audio.Int16ToFloat32(audio.BytesToInt16(chunk)))
		if err != nil {
			return verdict, err
		}

		var voiced bool
		switch {
		case prob >= g.cfg.Threshold:
			voiced = true
		case prob <= g.cfg.ThresholdLow:
			voiced = false
		default:
			// 概率落在两阈值之间时沿用上一窗口的判定
			voiced = g.lastVoiced
		}
		g.lastVoiced = voiced

		g.window = append(g.window, voiced)
		if len(g.window) > g.cfg.WindowSize {
			g.window = g.window[1:]
		}

		votes := 0
		for _, v := range g.window {
			if v {
				votes++
			}
		}
		have := votes >= g.cfg.VoteThreshold

		if g.inSpeech && !have {
			if g.cfg.Now()-g.lastVoicedMs >= g.cfg.SilenceMs && !g.stopLatched {
				g.stopLatched = true
				g.inSpeech = false
				verdict.Edge = EdgeStop
			}
		}

		if have {
			if !g.inSpeech && verdict.Edge == EdgeNone {
				verdict.Edge = EdgeStart
			}
			g.inSpeech = true
			g.stopLatched = false
			g.lastVoicedMs = g.cfg.Now()
		}
		verdict.Voiced = have
	}

	return verdict, nil
}

// InSpeech reports whether the gate currently considers the stream voiced.
func (g *Gate) InSpeech() bool {
	return g.inSpeech
}

// StopLatched reports whether a stop edge fired and has not been consumed.
func (g *Gate) StopLatched() bool {
	return g.stopLatched
}

// Reset restores the idle state: pending PCM, vote window, flags and the
// stop latch. The detector's recurrent state is reset too.
func (g *Gate) Reset() {
	g.pcm = g.pcm[:0]
	g.window = g.window[:0]
	g.inSpeech = false
	g.lastVoiced = false
	g.lastVoicedMs = 0
	g.stopLatched = false
	if g.det != nil {
		_ = g.det.Reset()
	}
}
