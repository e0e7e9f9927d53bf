package store

import "testing"

func TestMemStoreBasic(t *testing.T) {
	s := NewMemStore()
	if _, ok := s.Get("k"); ok {
		t.Fatalf("Get on empty store returned ok")
	}
	s.Set("k", "v")
	if v, ok := s.Get("k"); !ok || v != "v" {
		t.Fatalf("Get returned %q %v, want v true", v, ok)
	}
	s.Delete("k")
	if _, ok := s.Get("k"); ok {
		t.Fatalf("Get after Delete returned ok")
	}
}

func TestMemStoreChangeNotifications(t *testing.T) {
	s := NewMemStore()
	var changes []Change
	remove := s.OnChange(func(c Change) {
		changes = append(changes, c)
	})
	s.Set("a", "1")
	s.Set("a", "1") // no-op write, must not fire
	s.Set("a", "2")
	s.Delete("a")
	s.Delete("a") // already gone, must not fire
	want := []Change{
		{Key: "a", Value: "1"},
		{Key: "a", Value: "2"},
		{Key: "a", Deleted: true},
	}
	if len(changes) != len(want) {
		t.Fatalf("got %d changes %+v, want %d", len(changes), changes, len(want))
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d: got %+v want %+v", i, changes[i], want[i])
		}
	}

	remove()
	remove() // removing twice is fine
	s.Set("b", "1")
	if len(changes) != len(want) {
		t.Fatalf("listener fired after removal: %+v", changes)
	}
}

func TestMemStoreListenerReentrancy(t *testing.T) {
	s := NewMemStore()
	fired := 0
	s.OnChange(func(c Change) {
		fired++
		// listeners may read the store while handling a change
		if v, ok := s.Get(c.Key); !c.Deleted && (!ok || v != c.Value) {
			t.Errorf("re-entrant Get(%q) = %q, %v", c.Key, v, ok)
		}
	})
	s.Set("x", "y")
	if fired != 1 {
		t.Fatalf("listener fired %d times, want 1", fired)
	}
}
