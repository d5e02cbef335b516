package wire

import "github.com/wippyai/caprpc/errors"

// CapRef is a reference-counted capability stored in a CapTable.
type CapRef interface {
	// Dup returns a new reference to the same capability.
	Dup() CapRef

	// Release drops this reference.
	Release()
}

// CapTable maps the capability indices used by a message's pointers to
// capability references. The table owns one reference per entry.
type CapTable struct {
	cs []CapRef
}

// Len returns the number of entries.
func (t CapTable) Len() int {
	return len(t.cs)
}

// At returns the entry at id. The table keeps its reference.
func (t CapTable) At(id CapabilityID) (CapRef, error) {
	if int64(id) >= int64(len(t.cs)) {
		return nil, errors.CapIndexOutOfRange(uint32(id), len(t.cs))
	}
	return t.cs[id], nil
}

// Add appends c, taking ownership of the reference, and returns its index.
func (t *CapTable) Add(c CapRef) CapabilityID {
	t.cs = append(t.cs, c)
	return CapabilityID(len(t.cs) - 1)
}

// Set replaces the entry at id, releasing the old reference.
func (t *CapTable) Set(id CapabilityID, c CapRef) error {
	if int64(id) >= int64(len(t.cs)) {
		return errors.CapIndexOutOfRange(uint32(id), len(t.cs))
	}
	if old := t.cs[id]; old != nil {
		old.Release()
	}
	t.cs[id] = c
	return nil
}

// Reset releases every entry and replaces the table contents with cs,
// taking ownership of them.
func (t *CapTable) Reset(cs ...CapRef) {
	for _, c := range t.cs {
		if c != nil {
			c.Release()
		}
	}
	t.cs = append(t.cs[:0], cs...)
}

// Each calls fn for every entry in index order.
func (t CapTable) Each(fn func(CapabilityID, CapRef)) {
	for i, c := range t.cs {
		fn(CapabilityID(i), c)
	}
}
