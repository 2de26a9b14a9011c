package stt

import "sync"

// emitter hands events to the consumer in order, numbering them and
// remembering the trailing partial so it can be flushed as a final.
type emitter struct {
	events chan TranscriptEvent
	errs   chan error
	done   <-chan struct{}

	mu      sync.Mutex
	seq     uint64
	pending *TranscriptEvent
}

func newEmitter(queue int, done <-chan struct{}) *emitter {
	if queue <= 0 {
		queue = 64
	}
	return &emitter{
		events: make(chan TranscriptEvent, queue),
		errs:   make(chan error, 8),
		done:   done,
	}
}

// emit blocks until the consumer takes the event or the stream is torn down.
func (e *emitter) emit(partial bool, text, speaker string) bool {
	if text == "" {
		return true
	}
	e.mu.Lock()
	e.seq++
	ev := TranscriptEvent{IsPartial: partial, Text: text, SpeakerTag: speaker, Sequence: e.seq}
	if partial {
		pending := ev
		e.pending = &pending
	} else {
		e.pending = nil
	}
	e.mu.Unlock()

	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

// flush re-emits an unconfirmed trailing partial as a final event.
func (e *emitter) flush() {
	e.mu.Lock()
	pending := e.pending
	e.mu.Unlock()
	if pending == nil {
		return
	}
	e.emit(false, pending.Text, pending.SpeakerTag)
}

// reject reports a non-terminal failure. Rejections are dropped when nobody drains them.
func (e *emitter) reject(err error) {
	select {
	case e.errs <- err:
	default:
	}
}

func (e *emitter) close() {
	close(e.events)
}
