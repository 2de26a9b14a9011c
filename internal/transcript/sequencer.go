package transcript

import (
	"sort"

	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Sequencer restores backend order using the event sequence counter.
// Duplicates and events older than the last released one are dropped.
type Sequencer struct {
	next    uint64
	pending map[uint64]stt.TranscriptEvent
	limit   int
}

// NewSequencer buffers at most limit out-of-order events before skipping a gap.
func NewSequencer(limit int) *Sequencer {
	if limit <= 0 {
		limit = 64
	}
	return &Sequencer{next: 1, pending: make(map[uint64]stt.TranscriptEvent), limit: limit}
}

// Push accepts one event and returns the events now releasable in order.
func (s *Sequencer) Push(ev stt.TranscriptEvent) []stt.TranscriptEvent {
	if ev.Sequence < s.next {
		return nil
	}
	if _, dup := s.pending[ev.Sequence]; dup {
		return nil
	}
	s.pending[ev.Sequence] = ev

	var out []stt.TranscriptEvent
	out = s.drain(out)
	if len(s.pending) > s.limit {
		s.next = s.lowest()
		out = s.drain(out)
	}
	return out
}

// Flush releases everything still buffered, in sequence order.
func (s *Sequencer) Flush() []stt.TranscriptEvent {
	keys := make([]uint64, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]stt.TranscriptEvent, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.pending[k])
		delete(s.pending, k)
		s.next = k + 1
	}
	return out
}

func (s *Sequencer) drain(out []stt.TranscriptEvent) []stt.TranscriptEvent {
	for {
		ev, ok := s.pending[s.next]
		if !ok {
			return out
		}
		delete(s.pending, s.next)
		s.next++
		out = append(out, ev)
	}
}

func (s *Sequencer) lowest() uint64 {
	var lo uint64
	first := true
	for k := range s.pending {
		if first || k < lo {
			lo = k
			first = false
		}
	}
	return lo
}
