package models

import "testing"

func TestPriorityString(t *testing.T) {
	cases := []struct {
		priority Priority
		want     string
	}{
		{PriorityLow, "low"},
		{PriorityNormal, "normal"},
		{PriorityHigh, "high"},
		{PriorityCritical, "critical"},
		{Priority(99), "unknown"},
	}

	for _, tc := range cases {
		if got := tc.priority.String(); got != tc.want {
			t.Errorf("Priority(%d).String() = %q, want %q", tc.priority, got, tc.want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	if got := ParsePriority("critical"); got != PriorityCritical {
		t.Errorf("ParsePriority(critical) = %v, want %v", got, PriorityCritical)
	}
	if got := ParsePriority("nonsense"); got != PriorityNormal {
		t.Errorf("ParsePriority(nonsense) = %v, want %v (fallback)", got, PriorityNormal)
	}
}

func TestPriorityValid(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		if !p.Valid() {
			t.Errorf("expected %v to be valid", p)
		}
	}
	if Priority(-1).Valid() {
		t.Error("expected Priority(-1) to be invalid")
	}
}

func TestPayloadTypeValid(t *testing.T) {
	for _, pt := range []PayloadType{PayloadTaskExecute, PayloadEvent, PayloadBroadcast, PayloadOpaque} {
		if !pt.Valid() {
			t.Errorf("expected %q to be valid", pt)
		}
	}
	if PayloadType("blob").Valid() {
		t.Error("expected unknown payload type to be invalid")
	}
}

func TestPayloadSize(t *testing.T) {
	p := Payload{
		Type: PayloadTaskExecute,
		Task: &TaskRequest{TaskID: "t1", Description: "build"},
	}
	if p.Size() == 0 {
		t.Error("expected non-zero size for task payload")
	}

	opaque := Payload{Type: PayloadOpaque, Opaque: make([]byte, 128)}
	if got := opaque.Size(); got < 128 {
		t.Errorf("opaque payload size = %d, want at least 128", got)
	}
}
