package audio

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrInvalidFrame is returned for payloads that cannot be forwarded as PCM.
	ErrInvalidFrame = errors.New("invalid audio frame")
	// ErrNotStreaming marks a frame that arrived outside the streaming window.
	ErrNotStreaming = errors.New("session is not streaming")
)

// Format describes the fixed PCM layout accepted from clients.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * (f.BitDepth / 8)
}

// Framer validates inbound binary frames (16-bit little-endian mono PCM) and
// counts accepted bytes. Frames are passed through unchanged and in order.
type Framer struct {
	format   Format
	maxBytes int
	open     atomic.Bool
	accepted atomic.Int64
	rejected atomic.Int64
}

func NewFramer(format Format, maxBytes int) *Framer {
	return &Framer{format: format, maxBytes: maxBytes}
}

// Open starts accepting frames.
func (f *Framer) Open() { f.open.Store(true) }

// Close stops accepting frames; later frames are rejected.
func (f *Framer) Close() { f.open.Store(false) }

// Accept validates a frame and returns it for forwarding. Rejected frames do
// not change the byte counter.
func (f *Framer) Accept(frame []byte) ([]byte, error) {
	if !f.open.Load() {
		f.rejected.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, ErrNotStreaming)
	}
	if len(frame) == 0 {
		f.rejected.Add(1)
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}
	if len(frame)%2 != 0 {
		f.rejected.Add(1)
		return nil, fmt.Errorf("%w: odd length %d is not a whole number of 16-bit samples", ErrInvalidFrame, len(frame))
	}
	if f.maxBytes > 0 && len(frame) > f.maxBytes {
		f.rejected.Add(1)
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrInvalidFrame, len(frame), f.maxBytes)
	}
	f.accepted.Add(int64(len(frame)))
	return frame, nil
}

// Bytes returns the number of accepted bytes.
func (f *Framer) Bytes() int64 { return f.accepted.Load() }

// Rejected returns the number of rejected frames.
func (f *Framer) Rejected() int64 { return f.rejected.Load() }

// AudioSeconds estimates the audio duration represented by accepted bytes.
func (f *Framer) AudioSeconds() float64 {
	rate := f.format.BytesPerSecond()
	if rate <= 0 {
		return 0
	}
	return float64(f.Bytes()) / float64(rate)
}
