package devicestore

import (
	"testing"
	"time"
)

func TestStoreUpdate(t *testing.T) {
	s := New()
	t0 := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	s.Update("MA", "TEMP21.5", t0)
	s.Update("MA", "TEMP22.0", t0.Add(time.Minute))
	s.Update("MB", "BATT3.05", t0)
	s.Update("toolong", "X", t0)
	s.Update("m1", "X", t0)

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	e, ok := s.Get("MA")
	if !ok {
		t.Fatal("MA missing")
	}
	if e.Payload != "TEMP22.0" || !e.LastSeen.Equal(t0.Add(time.Minute)) {
		t.Errorf("MA entry = %+v", e)
	}

	snap := s.Snapshot()
	delete(snap, "MA")
	if _, ok := s.Get("MA"); !ok {
		t.Error("Snapshot() shares the underlying map")
	}
}

func TestRulesConsumption(t *testing.T) {
	r := NewRules()
	r.Add("MA", Rule{On: "A", Send: "B"})
	r.Add("MA", Rule{On: "B", Send: "C"})

	if _, ok := r.Match("MA", "B"); ok {
		t.Fatal("only the head rule may match")
	}
	if _, ok := r.Match("MB", "A"); ok {
		t.Fatal("rule matched for another id")
	}

	var sent []string
	for _, in := range []string{"A", "B"} {
		out, ok := r.Match("MA", in)
		if !ok {
			t.Fatalf("Match(MA, %q) did not fire", in)
		}
		sent = append(sent, out)
	}
	if len(sent) != 2 || sent[0] != "B" || sent[1] != "C" {
		t.Fatalf("sent = %v, want [B C]", sent)
	}
	if ids := r.Active(); len(ids) != 0 {
		t.Errorf("Active() = %v, want empty", ids)
	}
	if _, ok := r.Match("MA", "A"); ok {
		t.Error("consumed rule fired again")
	}
}

func TestRulesActive(t *testing.T) {
	r := NewRules()
	r.Add("MB", Rule{On: "X", Send: "Y"})
	r.Add("MA", Rule{On: "X", Send: "Y"})
	ids := r.Active()
	if len(ids) != 2 || ids[0] != "MA" || ids[1] != "MB" {
		t.Errorf("Active() = %v, want [MA MB]", ids)
	}
}
