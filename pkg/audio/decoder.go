package audio

import (
	"errors"
	"fmt"

	"github.com/hraban/opus"
)

const (
	// 客户端音频固定为 16kHz 单声道, 60ms 一帧
	SampleRate   = 16000
	Channels     = 1
	FrameSamples = 960
	FrameBytes   = FrameSamples * 2
)

var errEmptyFrame = errors.New("empty frame")

// DecodeError marks a single undecodable frame. Callers drop the frame and
// keep the connection alive.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("opus decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder turns 60ms Opus frames into s16le PCM. One decoder per stream;
// not safe for concurrent use.
type Decoder struct {
	dec *opus.Decoder
	buf []int16
}

func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &Decoder{
		dec: dec,
		buf: make([]int16, FrameSamples),
	}, nil
}

// Decode returns the decoded frame as freshly allocated s16le bytes, 1920
// bytes for a full 60ms frame.
func (d *Decoder) Decode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, &DecodeError{Err: errEmptyFrame}
	}
	n, err := d.dec.Decode(frame, d.buf)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return Int16ToBytes(d.buf[:n]), nil
}
