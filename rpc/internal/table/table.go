// Package table implements the id spaces of an RPC connection: slot tables
// whose ids are allocated locally and reused, and maps whose ids are chosen
// by the peer.
//
// Tables are not safe for concurrent use. The connection serializes all
// access under its own lock.
package table

// EventType identifies a table lifecycle notification.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDropped
)

// Event is a table lifecycle notification.
type Event struct {
	Table string
	ID    uint32
	Type  EventType
}

// Observer receives notifications about entries entering or leaving a
// table. Observers run with the connection lock held and must not call
// back into the connection.
type Observer interface {
	OnTableEvent(Event)
}

type observers struct {
	name string
	obs  []Observer
}

// Subscribe adds an observer for lifecycle events.
func (o *observers) Subscribe(obs Observer) {
	o.obs = append(o.obs, obs)
}

func (o *observers) notify(id uint32, typ EventType) {
	for _, obs := range o.obs {
		obs.OnTableEvent(Event{Table: o.name, ID: id, Type: typ})
	}
}

// Slots holds values under ids it allocates. Freed ids are reused, most
// recently freed first, so the id space stays dense.
type Slots[T any] struct {
	observers
	entries []slot[T]
	free    []uint32
	n       int
}

type slot[T any] struct {
	value T
	valid bool
}

// NewSlots creates an empty slot table. name labels its events.
func NewSlots[T any](name string) *Slots[T] {
	return &Slots[T]{
		observers: observers{name: name},
		entries:   make([]slot[T], 0, 16),
	}
}

// Add stores v and returns its id.
func (t *Slots[T]) Add(v T) uint32 {
	var id uint32
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
		t.entries[id] = slot[T]{value: v, valid: true}
	} else {
		id = uint32(len(t.entries))
		t.entries = append(t.entries, slot[T]{value: v, valid: true})
	}
	t.n++
	t.notify(id, EventCreated)
	return id
}

// Get returns the value stored under id.
func (t *Slots[T]) Get(id uint32) (T, bool) {
	if int64(id) >= int64(len(t.entries)) || !t.entries[id].valid {
		var zero T
		return zero, false
	}
	return t.entries[id].value, true
}

// Remove frees id and returns the value that was stored under it.
func (t *Slots[T]) Remove(id uint32) (T, bool) {
	var zero T
	if int64(id) >= int64(len(t.entries)) || !t.entries[id].valid {
		return zero, false
	}
	v := t.entries[id].value
	t.entries[id] = slot[T]{}
	t.free = append(t.free, id)
	t.n--
	t.notify(id, EventDropped)
	return v, true
}

// Len returns the number of live entries.
func (t *Slots[T]) Len() int {
	return t.n
}

// Each calls fn for every live entry in id order until fn returns false.
func (t *Slots[T]) Each(fn func(uint32, T) bool) {
	for i, e := range t.entries {
		if e.valid && !fn(uint32(i), e.value) {
			return
		}
	}
}

// Clear removes every entry and returns the removed values in id order.
func (t *Slots[T]) Clear() []T {
	var out []T
	for i := range t.entries {
		if t.entries[i].valid {
			out = append(out, t.entries[i].value)
			t.notify(uint32(i), EventDropped)
		}
	}
	t.entries = t.entries[:0]
	t.free = t.free[:0]
	t.n = 0
	return out
}

// Map holds values under ids chosen by the peer.
type Map[T any] struct {
	observers
	m map[uint32]T
}

// NewMap creates an empty map table. name labels its events.
func NewMap[T any](name string) *Map[T] {
	return &Map[T]{
		observers: observers{name: name},
		m:         make(map[uint32]T),
	}
}

// Insert stores v under id. It reports false, leaving the table
// unchanged, if id is already in use.
func (t *Map[T]) Insert(id uint32, v T) bool {
	if _, ok := t.m[id]; ok {
		return false
	}
	t.m[id] = v
	t.notify(id, EventCreated)
	return true
}

// Get returns the value stored under id.
func (t *Map[T]) Get(id uint32) (T, bool) {
	v, ok := t.m[id]
	return v, ok
}

// Remove deletes id and returns the value that was stored under it.
func (t *Map[T]) Remove(id uint32) (T, bool) {
	v, ok := t.m[id]
	if !ok {
		return v, false
	}
	delete(t.m, id)
	t.notify(id, EventDropped)
	return v, true
}

// Len returns the number of entries.
func (t *Map[T]) Len() int {
	return len(t.m)
}

// Clear removes every entry and returns the removed values.
func (t *Map[T]) Clear() []T {
	out := make([]T, 0, len(t.m))
	for id, v := range t.m {
		out = append(out, v)
		t.notify(id, EventDropped)
	}
	clear(t.m)
	return out
}
