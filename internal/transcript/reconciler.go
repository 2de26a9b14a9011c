package transcript

import (
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// DefaultSpeaker labels lines whose events carried no speaker tag.
const DefaultSpeaker = "Speaker"

// Segment is a contiguous run of text attributed to one speaker.
type Segment struct {
	Speaker string
	Text    string
	IsFinal bool
}

// Update describes the effect of one applied event.
type Update struct {
	Speaker string
	Text    string
	Partial bool
	// Sealed is set when the event closed the previous speaker's segment.
	Sealed *Segment
}

type openSegment struct {
	speaker   string
	committed []string
	tail      string
	final     bool
}

func (o *openSegment) text() string {
	parts := append(append([]string{}, o.committed...), o.tail)
	return strings.Join(nonEmpty(parts), " ")
}

// Reconciler merges recognition events into per-speaker segments. It is owned
// by a single goroutine and does no locking.
//
// Within a speaker run the latest event wins: each event overwrites the open
// segment's text. With WithCommitFinals, a final followed by more events from
// the same speaker is kept and the run accumulates its finals instead.
type Reconciler struct {
	sealed       []Segment
	open         *openSegment
	commitFinals bool
	sawFinal     bool
}

type Option func(*Reconciler)

// WithCommitFinals keeps every final of a speaker run instead of only the
// latest one.
func WithCommitFinals(enabled bool) Option {
	return func(r *Reconciler) { r.commitFinals = enabled }
}

func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply folds one event into the transcript. ok is false when the event
// changed nothing and needs no client notification.
func (r *Reconciler) Apply(ev stt.TranscriptEvent) (Update, bool) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return Update{}, false
	}
	update := Update{Speaker: ev.SpeakerTag, Text: text, Partial: ev.IsPartial}
	if !ev.IsPartial {
		r.sawFinal = true
	}

	if r.open != nil && r.open.speaker == ev.SpeakerTag {
		if r.open.final {
			if !ev.IsPartial && r.open.tail == text {
				return Update{}, false
			}
			if r.commitFinals {
				r.open.committed = append(r.open.committed, r.open.tail)
			}
		}
		r.open.tail = text
		r.open.final = !ev.IsPartial
		return update, true
	}

	update.Sealed = r.seal()
	r.open = &openSegment{speaker: ev.SpeakerTag, tail: text, final: !ev.IsPartial}
	return update, true
}

func (r *Reconciler) seal() *Segment {
	if r.open == nil {
		return nil
	}
	open := r.open
	r.open = nil
	text := open.text()
	if text == "" {
		return nil
	}
	seg := Segment{Speaker: open.speaker, Text: text, IsFinal: true}
	r.sealed = append(r.sealed, seg)
	return &seg
}

// Segments returns sealed segments followed by the open one, if any.
func (r *Reconciler) Segments() []Segment {
	out := append([]Segment(nil), r.sealed...)
	if r.open != nil {
		if text := r.open.text(); text != "" {
			out = append(out, Segment{Speaker: r.open.speaker, Text: text, IsFinal: r.open.final})
		}
	}
	return out
}

// HasFinal reports whether at least one final result was recorded.
func (r *Reconciler) HasFinal() bool {
	return r.sawFinal
}

// Transcript renders one "speaker: text" line per segment, the open segment
// sealed implicitly.
func (r *Reconciler) Transcript() string {
	segments := r.Segments()
	lines := make([]string, 0, len(segments))
	for _, seg := range segments {
		speaker := seg.Speaker
		if speaker == "" {
			speaker = DefaultSpeaker
		}
		lines = append(lines, speaker+": "+seg.Text)
	}
	return strings.Join(lines, "\n")
}

func nonEmpty(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
