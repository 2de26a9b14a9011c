package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Client control message types.
const (
	TypeInit = "init"
	TypeStop = "stop"
)

// Server event types.
const (
	TypeTranscript      = "transcript"
	TypeWarning         = "warning"
	TypeError           = "error"
	TypeGeneratingNotes = "generating_notes"
	TypeNotes           = "notes"
	TypeFinal           = "final"
)

const (
	SubjectSessionStarted   = "scribe.session.started"
	SubjectSessionFinalized = "scribe.session.finalized"
	SubjectTranscriptFinal  = "scribe.transcript.final"
)

const DefaultSessionLabel = "Untitled Class"

// ErrUnknownMessage is returned for text frames that are not a known control message.
var ErrUnknownMessage = errors.New("unknown control message")

// Control is a decoded client text frame.
type Control struct {
	Type string
	Init *Init
}

// Init opens a session. The original client field names are accepted as aliases.
type Init struct {
	IdentityToken string
	SessionLabel  string
	Date          string
}

type rawControl struct {
	Type          string `json:"type"`
	IdentityToken string `json:"identityToken"`
	Token         string `json:"token"`
	SessionLabel  string `json:"sessionLabel"`
	ClassTitle    string `json:"classTitle"`
	Date          string `json:"date"`
	DateISO       string `json:"dateISO"`
}

// DecodeControl parses a client text frame. now supplies the default date.
func DecodeControl(data []byte, now time.Time) (Control, error) {
	var raw rawControl
	if err := json.Unmarshal(data, &raw); err != nil {
		return Control{}, fmt.Errorf("decode control message: %w", err)
	}
	switch raw.Type {
	case TypeInit:
		msg := &Init{
			IdentityToken: firstNonEmpty(raw.IdentityToken, raw.Token),
			SessionLabel:  firstNonEmpty(raw.SessionLabel, raw.ClassTitle, DefaultSessionLabel),
			Date:          firstNonEmpty(raw.Date, raw.DateISO, now.UTC().Format("2006-01-02")),
		}
		return Control{Type: TypeInit, Init: msg}, nil
	case TypeStop:
		return Control{Type: TypeStop}, nil
	default:
		return Control{}, fmt.Errorf("%w: %q", ErrUnknownMessage, raw.Type)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// NoteSections is the structured study-notes payload produced by summarization.
type NoteSections struct {
	Introduction  []string `json:"introduction"`
	KeyConcepts   []string `json:"keyConcepts"`
	Explanations  []string `json:"explanations"`
	Definitions   []string `json:"definitions"`
	Summary       []string `json:"summary"`
	ExamQuestions []string `json:"examQuestions"`
}

// Normalize replaces nil sections with empty slices so they encode as [].
func (n NoteSections) Normalize() NoteSections {
	fix := func(s []string) []string {
		if s == nil {
			return []string{}
		}
		return s
	}
	return NoteSections{
		Introduction:  fix(n.Introduction),
		KeyConcepts:   fix(n.KeyConcepts),
		Explanations:  fix(n.Explanations),
		Definitions:   fix(n.Definitions),
		Summary:       fix(n.Summary),
		ExamQuestions: fix(n.ExamQuestions),
	}
}

// Event is a server notification sent to the client as a JSON text frame.
type Event struct {
	Type           string        `json:"type"`
	Partial        *bool         `json:"partial,omitempty"`
	Text           string        `json:"text,omitempty"`
	Speaker        string        `json:"speaker,omitempty"`
	Message        string        `json:"message,omitempty"`
	Notes          *NoteSections `json:"notes,omitempty"`
	ExportURL      string        `json:"exportUrl,omitempty"`
	TranscriptPath *string       `json:"transcriptPath,omitempty"`
}

func TranscriptEvent(partial bool, text, speaker string) Event {
	return Event{Type: TypeTranscript, Partial: &partial, Text: text, Speaker: speaker}
}

func WarningEvent(message string) Event {
	return Event{Type: TypeWarning, Message: message}
}

func ErrorEvent(message string) Event {
	return Event{Type: TypeError, Message: message}
}

func GeneratingNotesEvent(message string) Event {
	return Event{Type: TypeGeneratingNotes, Message: message}
}

func NotesEvent(notes NoteSections) Event {
	normalized := notes.Normalize()
	return Event{Type: TypeNotes, Notes: &normalized}
}

func FinalEvent(exportURL, transcriptPath string) Event {
	return Event{Type: TypeFinal, ExportURL: exportURL, TranscriptPath: &transcriptPath}
}

// SessionStarted is broadcast on the bus when a session enters streaming.
type SessionStarted struct {
	SessionID  string    `json:"session_id"`
	IdentityID string    `json:"identity_id"`
	Label      string    `json:"label"`
	Date       string    `json:"date"`
	Limited    bool      `json:"limited"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionFinalized is broadcast once the finalization pipeline has run.
type SessionFinalized struct {
	SessionID       string    `json:"session_id"`
	IdentityID      string    `json:"identity_id"`
	State           string    `json:"state"`
	TranscriptPath  string    `json:"transcript_path,omitempty"`
	ExportURL       string    `json:"export_url,omitempty"`
	DurationMinutes float64   `json:"duration_minutes"`
	SpeechCost      float64   `json:"speech_cost"`
	AICost          float64   `json:"ai_cost"`
	Failures        []string  `json:"failures,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// TranscriptSegment is broadcast each time a segment is sealed.
type TranscriptSegment struct {
	SessionID string    `json:"session_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
