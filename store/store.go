// Package store abstracts the per-tab and per-origin key-value stores the
// session client keeps its markers in, along with their change-notification
// mechanism. Browsers back these with sessionStorage/localStorage; native hosts
// and tests use MemStore.
package store

import "sync"

// Change describes a single mutation observed on a Store.
type Change struct {
	Key     string
	Value   string
	Deleted bool
}

// Store is a flat string key-value store with change notifications. A write
// which does not alter the stored value fires no change, matching browser
// storage-event semantics. Implementations must be safe for concurrent use.
type Store interface {
	Get(key string) (value string, ok bool)
	Set(key, value string)
	Delete(key string)
	// OnChange registers fn to be invoked for every mutation. The returned
	// function removes the registration and is safe to call more than once.
	OnChange(fn func(Change)) (remove func())
}

// MemStore is an in-memory Store. A tab-scoped store is a private MemStore; an
// origin-scoped store is a single MemStore shared by all tabs of one device.
type MemStore struct {
	mu        sync.Mutex
	data      map[string]string
	listeners map[int]func(Change)
	nextID    int
}

func NewMemStore() *MemStore {
	return &MemStore{
		data:      make(map[string]string),
		listeners: make(map[int]func(Change)),
	}
}

func (s *MemStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *MemStore) Set(key, value string) {
	s.mu.Lock()
	if old, ok := s.data[key]; ok && old == value {
		// no-op writes fire no change events
		s.mu.Unlock()
		return
	}
	s.data[key] = value
	fns := s.listenerList()
	s.mu.Unlock()
	dispatch(fns, Change{Key: key, Value: value})
}

func (s *MemStore) Delete(key string) {
	s.mu.Lock()
	if _, ok := s.data[key]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.data, key)
	fns := s.listenerList()
	s.mu.Unlock()
	dispatch(fns, Change{Key: key, Deleted: true})
}

func (s *MemStore) OnChange(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// called with mu held
func (s *MemStore) listenerList() []func(Change) {
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return fns
}

// dispatch runs outside the store lock so listeners may re-enter the store.
func dispatch(fns []func(Change), c Change) {
	for _, fn := range fns {
		fn(c)
	}
}
