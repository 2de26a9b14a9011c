package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// IntBuffer converts 16-bit little-endian PCM into a go-audio buffer.
func IntBuffer(pcm []byte, sampleRate, channels int) (*goaudio.IntBuffer, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}, nil
}

// WriteWAV encodes a complete PCM payload as a WAV stream.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	buffer, err := IntBuffer(pcm, sampleRate, channels)
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Recorder appends streamed PCM frames to a WAV file.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	format Format
	path   string
	closed bool
}

func NewRecorder(path string, format Format) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav file: %w", err)
	}
	return &Recorder{
		file:   file,
		enc:    wav.NewEncoder(file, format.SampleRate, format.BitDepth, format.Channels, 1),
		format: format,
		path:   path,
	}, nil
}

func (r *Recorder) Path() string { return r.path }

func (r *Recorder) Write(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder closed")
	}
	buffer, err := IntBuffer(pcm, r.format.SampleRate, r.format.Channels)
	if err != nil {
		return err
	}
	return r.enc.Write(buffer)
}

// Close finalizes the WAV header and closes the file. It is safe to call twice.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.enc.Close(); err != nil {
		r.file.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return r.file.Close()
}
