// Package tts streams synthesized speech. One SynthesizeStream call covers
// one sentence; the dialog layer calls it sequentially so sentence audio
// never interleaves.
package tts

import "context"

// Provider synthesizes speech for one text chunk at a time.
type Provider interface {
	// Name returns the provider name (e.g. "huoshan_stream").
	Name() string

	// SynthesizeStream starts synthesis and returns the audio chunk
	// channel plus an error channel. The audio channel closes when the
	// synthesis completes; at most one error is delivered.
	SynthesizeStream(ctx context.Context, text string) (<-chan []byte, <-chan error)
}
