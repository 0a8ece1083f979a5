package signal

import "testing"

func TestEmitOrder(t *testing.T) {
	var s Signal[int]
	var got []int
	s.Add(func(v int) { got = append(got, v) })
	s.Add(func(v int) { got = append(got, v*10) })
	s.Emit(2)
	if len(got) != 2 || got[0] != 2 || got[1] != 20 {
		t.Fatalf("got %v", got)
	}
}

func TestDestroy(t *testing.T) {
	var s Signal[string]
	calls := 0
	l := s.Add(func(string) { calls++ })
	s.Emit("a")
	l.Destroy()
	l.Destroy()
	s.Emit("b")
	if calls != 1 {
		t.Errorf("called %d times", calls)
	}
	if s.Len() != 0 {
		t.Errorf("%d listeners left", s.Len())
	}
}

func TestRemoveDuringEmit(t *testing.T) {
	var s Signal[struct{}]
	var second *Listener
	calls := 0
	s.Add(func(struct{}) { second.Destroy() })
	second = s.Add(func(struct{}) { calls++ })
	s.Emit(struct{}{})
	if calls != 0 {
		t.Errorf("removed listener was called")
	}

	var self *Listener
	self = s.Add(func(struct{}) {
		calls++
		self.Destroy()
	})
	s.Emit(struct{}{})
	s.Emit(struct{}{})
	if calls != 1 {
		t.Errorf("self-removing listener called %d times", calls)
	}
}

func TestAddDuringEmit(t *testing.T) {
	var s Signal[int]
	calls := 0
	s.Add(func(int) {
		s.Add(func(int) { calls++ })
	})
	s.Emit(0)
	if calls != 0 {
		t.Errorf("listener added during emission was called")
	}
	s.Emit(0)
	if calls != 1 {
		t.Errorf("calls = %d", calls)
	}
	s.RemoveAll()
	if s.Len() != 0 {
		t.Errorf("RemoveAll left %d listeners", s.Len())
	}
}
