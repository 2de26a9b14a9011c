package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// Archive stores raw transcripts and, optionally, session audio on local disk.
// Returned paths are relative to the archive directory.
type Archive struct {
	dir       string
	keepAudio bool
}

func New(dir string, keepAudio bool) *Archive {
	return &Archive{dir: dir, keepAudio: keepAudio}
}

// TranscriptPath is the relative location used for a transcript saved at ts.
func TranscriptPath(identityID string, ts time.Time) string {
	return filepath.ToSlash(filepath.Join("transcripts", fmt.Sprintf("%s-%d.txt", identityID, ts.UnixMilli())))
}

// SaveTranscript writes the raw transcript text and returns its relative path.
func (a *Archive) SaveTranscript(identityID, text string, ts time.Time) (string, error) {
	rel := TranscriptPath(identityID, ts)
	full := filepath.Join(a.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}
	if err := os.WriteFile(full, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}
	return rel, nil
}

// Resolve maps a relative archive path to its location on disk.
func (a *Archive) Resolve(rel string) string {
	return filepath.Join(a.dir, filepath.FromSlash(rel))
}

// KeepsAudio reports whether session audio should be recorded.
func (a *Archive) KeepsAudio() bool { return a.keepAudio }

// NewRecorder opens a WAV recorder for a session's audio.
func (a *Archive) NewRecorder(sessionID string, format audio.Format) (*audio.Recorder, error) {
	return audio.NewRecorder(filepath.Join(a.dir, "audio", sessionID+".wav"), format)
}
