package session

import (
	"errors"
	"testing"
)

func TestMachineForwardPath(t *testing.T) {
	var m machine
	for _, to := range []State{StateStreaming, StateStopping, StateFinalizing, StateClosed} {
		if _, err := m.transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if _, err := m.transition(StateFailed); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("closed is terminal, got %v", err)
	}
}

func TestMachineRejectsSkipsAndBackwardMoves(t *testing.T) {
	cases := []struct {
		name string
		path []State
		bad  State
	}{
		{name: "skip streaming", bad: StateStopping},
		{name: "back to streaming", path: []State{StateStreaming, StateStopping}, bad: StateStreaming},
		{name: "close while streaming", path: []State{StateStreaming}, bad: StateClosed},
		{name: "repeat stop", path: []State{StateStreaming, StateStopping}, bad: StateStopping},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m machine
			for _, s := range tc.path {
				if _, err := m.transition(s); err != nil {
					t.Fatalf("setup transition to %s: %v", s, err)
				}
			}
			before := m.current()
			if _, err := m.transition(tc.bad); !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("expected illegal transition, got %v", err)
			}
			if m.current() != before {
				t.Fatalf("state changed to %s", m.current())
			}
		})
	}
}

func TestMachineFailsFromAnyLiveState(t *testing.T) {
	for _, path := range [][]State{
		nil,
		{StateStreaming},
		{StateStreaming, StateStopping},
		{StateStreaming, StateStopping, StateFinalizing},
	} {
		var m machine
		for _, s := range path {
			if _, err := m.transition(s); err != nil {
				t.Fatal(err)
			}
		}
		from, err := m.transition(StateFailed)
		if err != nil {
			t.Fatalf("fail from %s: %v", from, err)
		}
		if !m.current().Terminal() {
			t.Fatal("failed must be terminal")
		}
	}
}

func TestStepErrorMatchesCollaborator(t *testing.T) {
	inner := errors.New("disk full")
	err := error(&StepError{Step: StepArchive, Err: inner})
	if !errors.Is(err, ErrCollaborator) || !errors.Is(err, inner) {
		t.Fatalf("unexpected error chain for %v", err)
	}
	if err.Error() != "archive: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
