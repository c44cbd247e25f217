// Package asr drives streaming speech recognition upstreams. A Provider
// dials one utterance-scoped Stream per voice segment; the connection layer
// feeds encoded client frames in and reads transcript results out of a
// channel. Each driver owns its audio decoding, so callers never touch PCM.
package asr

import "context"

// ResultKind classifies one recognition result.
type ResultKind int

const (
	// KindPartial is an interim hypothesis; downstream only logs it.
	KindPartial ResultKind = iota
	// KindFinal is a committed utterance transcript.
	KindFinal
	// KindEmptySpeech means the upstream heard enough audio but produced
	// no text at all for the whole segment.
	KindEmptySpeech
	// KindError carries a fatal stream error in Err.
	KindError
)

// Result is one item from Stream.Results.
type Result struct {
	Kind ResultKind
	Text string
	Err  error
}

// Stream is one open recognition session. SendFrame/Finish are called from
// the connection goroutine; Results is consumed elsewhere.
type Stream interface {
	// SendFrame forwards one encoded client audio frame upstream.
	SendFrame(encoded []byte) error

	// Finish signals last-audio. Results stay readable until the upstream
	// commits its final transcript.
	Finish() error

	// Results returns the receiver loop's output channel. It is closed
	// when the upstream completes or the stream is closed.
	Results() <-chan Result

	// Close tears down the socket and the receiver.
	Close() error
}

// Provider dials recognition streams.
type Provider interface {
	// Name returns the provider name (e.g. "doubao_stream").
	Name() string

	// Open dials the upstream and completes the init handshake.
	Open(ctx context.Context) (Stream, error)
}

// FrameDecoder turns one encoded client frame into s16le PCM.
// audio.Decoder is the production implementation.
type FrameDecoder interface {
	Decode(frame []byte) ([]byte, error)
}
