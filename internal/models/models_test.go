package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMessageStatusTransitions(t *testing.T) {
	next, err := MessageStatusPending.Claim()
	if err != nil || next != MessageStatusProcessing {
		t.Fatalf("Claim from pending: got %s, %v", next, err)
	}

	if _, err := MessageStatusCompleted.Claim(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition claiming completed message, got %v", err)
	}

	next, err = MessageStatusProcessing.Complete()
	if err != nil || next != MessageStatusCompleted {
		t.Fatalf("Complete from processing: got %s, %v", next, err)
	}
	if _, err := MessageStatusPending.Complete(); err == nil {
		t.Error("Expected error completing a pending message")
	}

	next, _ = MessageStatusProcessing.Fail(1, 3)
	if next != MessageStatusPending {
		t.Errorf("Expected pending after first failure, got %s", next)
	}
	next, _ = MessageStatusPending.Fail(3, 3)
	if next != MessageStatusDeadLetter {
		t.Errorf("Expected dead_letter at max retries, got %s", next)
	}
	if _, err := MessageStatusDeadLetter.Fail(4, 3); err == nil {
		t.Error("Expected error failing a dead-lettered message")
	}

	next, err = MessageStatusProcessing.Release()
	if err != nil || next != MessageStatusPending {
		t.Errorf("Release from processing: got %s, %v", next, err)
	}
	if _, err := MessageStatusPending.Release(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition releasing a pending message, got %v", err)
	}

	next, _ = MessageStatusProcessing.Reject()
	if next != MessageStatusFailed || !next.IsTerminal() {
		t.Errorf("Expected terminal failed status, got %s", next)
	}
}

func TestCanonicalJSONRejectsTrailingData(t *testing.T) {
	for _, raw := range []string{`{"x":1} {"y":2}`, `{"threshold":0.2}{"threshold":0.9}`, `{"x":1} garbage`} {
		if _, err := CanonicalJSON(json.RawMessage(raw)); err == nil {
			t.Errorf("Expected %q to be rejected", raw)
		}
	}
	got, err := CanonicalJSON(json.RawMessage(" {\"b\":1,\"a\":2}\n"))
	if err != nil || string(got) != `{"a":2,"b":1}` {
		t.Errorf("Expected surrounding whitespace to be accepted, got %s, %v", got, err)
	}
}

func TestParseMessageStatus(t *testing.T) {
	for _, st := range MessageStatuses {
		got, err := ParseMessageStatus(string(st))
		if err != nil || got != st {
			t.Errorf("ParseMessageStatus(%q) = %s, %v", st, got, err)
		}
	}
	if _, err := ParseMessageStatus("archived"); err == nil {
		t.Error("Expected error for unknown status")
	}
}

func TestOperatorViolated(t *testing.T) {
	tests := []struct {
		op        Operator
		value     float64
		threshold float64
		want      bool
	}{
		{OpGreaterEqual, 0.80, 0.88, true},
		{OpGreaterEqual, 0.90, 0.88, false},
		{OpGreater, 0.35, 0.2, true},
		{OpGreater, 0.1, 0.2, false},
		{OpLessEqual, 0.5, 0.4, true},
		{OpLessEqual, 0.4, 0.4, false},
		{OpLess, 0.1, 0.2, true},
		{OpLess, 0.3, 0.2, false},
	}
	for _, tt := range tests {
		if got := tt.op.Violated(tt.value, tt.threshold); got != tt.want {
			t.Errorf("%s.Violated(%v, %v) = %v, want %v", tt.op, tt.value, tt.threshold, got, tt.want)
		}
	}
}

func TestGoalUnmarshalRejectsUnknownAction(t *testing.T) {
	var g Goal
	err := json.Unmarshal([]byte(`{"metric":"x","threshold":1,"operator":">","priority":"high","action":"reboot"}`), &g)
	if err == nil {
		t.Fatal("Expected unknown action kind to be rejected")
	}

	err = json.Unmarshal([]byte(`{"metric":"x","threshold":1,"operator":"!=","priority":"high","action":"alert_ops"}`), &g)
	if err == nil {
		t.Fatal("Expected unknown operator to be rejected")
	}
}

func TestLevelRank(t *testing.T) {
	if !(LevelCritical.Rank() < LevelHigh.Rank() && LevelHigh.Rank() < LevelMedium.Rank() && LevelMedium.Rank() < LevelLow.Rank()) {
		t.Error("Level ranks are not ordered critical < high < medium < low")
	}
	if Level("unknown").Rank() != LevelLow.Rank() {
		t.Error("Unknown levels should rank as low")
	}
}
