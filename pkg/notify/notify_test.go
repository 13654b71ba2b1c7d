package notify

import (
	"errors"
	"testing"
)

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Notify(e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestDisabledIsNoop(t *testing.T) {
	if err := (Disabled{}).Notify(Event{Stage: StageReporting}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestMultiFansOutAndContinuesPastFailure(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("transport down")}
	ok := &recordingNotifier{}
	m := Multi{failing, ok}

	event := Event{RunID: "1", Stage: StageReporting, Outcome: OutcomeSuccess}
	err := m.Notify(event)
	if err == nil {
		t.Fatal("expected the first notifier's error to propagate")
	}
	if len(ok.events) != 1 {
		t.Fatalf("expected the second notifier to still receive the event, got %d", len(ok.events))
	}
}
