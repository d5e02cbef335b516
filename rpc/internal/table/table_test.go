package table

import (
	"testing"
)

type testObserver struct {
	events []Event
}

func (o *testObserver) OnTableEvent(e Event) {
	o.events = append(o.events, e)
}

func TestSlots_ReuseFreedIDs(t *testing.T) {
	s := NewSlots[string]("questions")

	a := s.Add("a")
	b := s.Add("b")
	c := s.Add("c")
	if a != 0 || b != 1 || c != 2 {
		t.Fatalf("Expected ids 0,1,2, got %d,%d,%d", a, b, c)
	}

	if v, ok := s.Remove(b); !ok || v != "b" {
		t.Fatalf("Remove(%d) = %q, %v", b, v, ok)
	}
	if _, ok := s.Get(b); ok {
		t.Fatal("Expected Get to fail after Remove")
	}
	if _, ok := s.Remove(b); ok {
		t.Fatal("Expected second Remove to fail")
	}

	// The freed id comes back before the table grows.
	if d := s.Add("d"); d != b {
		t.Fatalf("Expected reused id %d, got %d", b, d)
	}
	if s.Len() != 3 {
		t.Fatalf("Expected Len() == 3, got %d", s.Len())
	}

	var seen []string
	s.Each(func(_ uint32, v string) bool {
		seen = append(seen, v)
		return true
	})
	if len(seen) != 3 || seen[0] != "a" || seen[1] != "d" || seen[2] != "c" {
		t.Fatalf("Each visited %v", seen)
	}
}

func TestSlots_OutOfRange(t *testing.T) {
	s := NewSlots[int]("exports")
	if _, ok := s.Get(0); ok {
		t.Fatal("Get on empty table should fail")
	}
	if _, ok := s.Get(1 << 31); ok {
		t.Fatal("Get past the end should fail")
	}
}

func TestSlots_Observer(t *testing.T) {
	s := NewSlots[int]("exports")
	obs := &testObserver{}
	s.Subscribe(obs)

	id := s.Add(1)
	s.Remove(id)
	s.Add(2)
	s.Add(3)
	vals := s.Clear()

	if len(vals) != 2 || vals[0] != 2 || vals[1] != 3 {
		t.Fatalf("Clear returned %v", vals)
	}
	if s.Len() != 0 {
		t.Fatalf("Expected empty table after Clear, got %d", s.Len())
	}

	want := []EventType{EventCreated, EventDropped, EventCreated, EventCreated, EventDropped, EventDropped}
	if len(obs.events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(obs.events))
	}
	for i, e := range obs.events {
		if e.Type != want[i] || e.Table != "exports" {
			t.Errorf("event %d = %+v", i, e)
		}
	}
}

func TestMap_PeerChosenIDs(t *testing.T) {
	m := NewMap[string]("answers")
	obs := &testObserver{}
	m.Subscribe(obs)

	if !m.Insert(42, "x") {
		t.Fatal("Insert failed")
	}
	if m.Insert(42, "y") {
		t.Fatal("Insert of a used id should fail")
	}
	if v, _ := m.Get(42); v != "x" {
		t.Fatalf("Expected original value, got %q", v)
	}
	if v, ok := m.Remove(42); !ok || v != "x" {
		t.Fatalf("Remove = %q, %v", v, ok)
	}
	if m.Len() != 0 {
		t.Fatal("Expected Len() == 0 after Remove")
	}

	m.Insert(1, "a")
	m.Insert(2, "b")
	if got := len(m.Clear()); got != 2 {
		t.Fatalf("Clear returned %d values", got)
	}
	if len(obs.events) != 6 {
		t.Fatalf("Expected 6 events, got %d", len(obs.events))
	}
}
