package task

import "testing"

func TestMaskAccepts(t *testing.T) {
	m := KindRollout.Bit() | KindAnalysis.Bit()
	if !m.Accepts(KindRollout) || !m.Accepts(KindAnalysis) {
		t.Fatalf("mask %s should accept rollout and analysis", m)
	}
	if m.Accepts(KindEval) {
		t.Fatalf("mask %s should not accept eval", m)
	}
	for _, k := range Kinds() {
		if !MaskAll.Accepts(k) {
			t.Errorf("MaskAll rejects %s", k)
		}
	}
	if Mask(0).String() != "none" {
		t.Errorf("empty mask string %q", Mask(0).String())
	}
}

func TestNewTask(t *testing.T) {
	for _, k := range Kinds() {
		tk := New(k)
		if tk.Status != StatusTodo || tk.Owner != NoPU {
			t.Fatalf("%s: unexpected initial state %v", k, tk)
		}
		if tk.Payload == nil || tk.Payload.Kind() != k {
			t.Fatalf("%s: payload kind mismatch", k)
		}
	}
	if NewPayload(Kind(42)) != nil {
		t.Fatalf("expected nil payload for unknown kind")
	}
}

func TestWireID(t *testing.T) {
	tk := New(KindEval)
	tk.ID = 7
	if tk.WireID() != 7 {
		t.Fatalf("wire id %d", tk.WireID())
	}
	tk.OriginID = 99
	if tk.WireID() != 99 {
		t.Fatalf("wire id %d, want origin", tk.WireID())
	}
}
