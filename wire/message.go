package wire

import (
	"sync"
	"sync/atomic"

	"github.com/wippyai/caprpc/errors"
)

const (
	// DefaultTraverseLimit is the read budget, in words, of a message
	// whose TraverseLimit is zero.
	DefaultTraverseLimit = 64 << 20 / 8

	// DefaultDepthLimit is the maximum pointer nesting of a message whose
	// DepthLimit is zero.
	DefaultDepthLimit = 64
)

// Limits bounds the work done decoding one message.
type Limits struct {
	// TraverseLimit is the number of words that may be read through
	// pointers. Every pointer traversal is charged, so an object
	// referenced many times costs many times.
	TraverseLimit uint64

	// DepthLimit is the maximum pointer nesting depth.
	DepthLimit uint
}

// DefaultLimits returns the limits applied when none are configured.
func DefaultLimits() Limits {
	return Limits{TraverseLimit: DefaultTraverseLimit, DepthLimit: DefaultDepthLimit}
}

// Message is a tree of objects stored in one or more segments, with a
// table of capabilities referenced from it. The root pointer lives at
// offset 0 of segment 0.
//
// A Message may be read from several goroutines but must not be mutated
// concurrently.
type Message struct {
	Arena    Arena
	CapTable CapTable

	// TraverseLimit and DepthLimit bound reads. Zero means the default.
	TraverseLimit uint64
	DepthLimit    uint

	// UncheckedCaps skips checking capability pointers against CapTable
	// when they are read. Interface.Ref still fails for a missing entry.
	// Tools that read frames without their capability tables set it.
	UncheckedCaps bool

	rlimit     atomic.Uint64
	rlimitInit sync.Once

	mu   sync.Mutex
	segs map[SegmentID]*Segment
}

// NewMessage creates a message for building in arena. arena must not hold
// any data yet. The returned segment holds the root pointer.
func NewMessage(arena Arena) (*Message, *Segment, error) {
	msg := &Message{Arena: arena}
	seg, _, err := msg.alloc(wordSize, nil)
	if err != nil {
		return nil, nil, err
	}
	if seg.id != 0 {
		return nil, nil, errors.New(errors.PhaseEncode, errors.KindAllocation).
			Detail("arena placed the root pointer in segment %d", seg.id).
			Build()
	}
	return msg, seg, nil
}

// Reset releases the message's capabilities and arena and starts over
// with a new arena.
func (m *Message) Reset(arena Arena) (*Segment, error) {
	m.CapTable.Reset()
	if m.Arena != nil && m.Arena != arena {
		m.Arena.Release()
	}
	m.mu.Lock()
	m.segs = nil
	m.mu.Unlock()
	m.Arena = arena
	m.rlimitInit = sync.Once{}
	seg, _, err := m.alloc(wordSize, nil)
	return seg, err
}

// Release drops every capability reference held by the message and the
// arena's buffers. The message must not be used afterward.
func (m *Message) Release() {
	if m == nil {
		return
	}
	m.CapTable.Reset()
	if m.Arena != nil {
		m.Arena.Release()
		m.Arena = nil
	}
	m.mu.Lock()
	m.segs = nil
	m.mu.Unlock()
}

func (m *Message) depthLimit() uint {
	if m.DepthLimit != 0 {
		return m.DepthLimit
	}
	return DefaultDepthLimit
}

func (m *Message) traverseLimit() uint64 {
	if m.TraverseLimit != 0 {
		return m.TraverseLimit
	}
	return DefaultTraverseLimit
}

func (m *Message) initReadLimit() {
	m.rlimitInit.Do(func() {
		m.rlimit.Store(m.traverseLimit())
	})
}

// canRead charges words against the read budget.
func (m *Message) canRead(words uint64) bool {
	m.initReadLimit()
	for {
		curr := m.rlimit.Load()
		if curr < words {
			return false
		}
		if m.rlimit.CompareAndSwap(curr, curr-words) {
			return true
		}
	}
}

// ResetReadLimit sets the remaining read budget to limit words.
func (m *Message) ResetReadLimit(limit uint64) {
	m.initReadLimit()
	m.rlimit.Store(limit)
}

// ReadLimitRemaining returns the remaining read budget in words.
func (m *Message) ReadLimitRemaining() uint64 {
	m.initReadLimit()
	return m.rlimit.Load()
}

// Root returns the root pointer. An empty message has a null root.
func (m *Message) Root() (Ptr, error) {
	if m.NumSegments() == 0 {
		return Ptr{}, nil
	}
	s, err := m.Segment(0)
	if err != nil {
		return Ptr{}, err
	}
	return s.root()
}

// SetRoot sets the root pointer. p is copied if it belongs to another
// message.
func (m *Message) SetRoot(p Ptr) error {
	s, err := m.Segment(0)
	if err != nil {
		return err
	}
	if !s.regionInBounds(0, wordSize) {
		return errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Detail("message has no root pointer word").
			Build()
	}
	return s.writePtr(0, p, false)
}

// NumSegments returns the number of segments in the message.
func (m *Message) NumSegments() int64 {
	if m.Arena == nil {
		return 0
	}
	return m.Arena.NumSegments()
}

// Segment returns the segment with the given id.
func (m *Message) Segment(id SegmentID) (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segment(id)
}

func (m *Message) segment(id SegmentID) (*Segment, error) {
	if s := m.segs[id]; s != nil {
		return s, nil
	}
	if m.Arena == nil || int64(id) >= m.Arena.NumSegments() {
		return nil, errors.OutOfBounds(errors.PhaseDecode, []string{"segment"}, int(id), int(m.NumSegments()))
	}
	data, err := m.Arena.Data(id)
	if err != nil {
		return nil, err
	}
	if m.segs == nil {
		m.segs = make(map[SegmentID]*Segment)
	}
	s := &Segment{msg: m, id: id, data: data}
	m.segs[id] = s
	return s, nil
}

// TotalSize returns the number of bytes in use across all segments.
func (m *Message) TotalSize() (uint64, error) {
	n := m.NumSegments()
	var total uint64
	for i := int64(0); i < n; i++ {
		s, err := m.Segment(SegmentID(i))
		if err != nil {
			return 0, err
		}
		total += uint64(len(s.data))
	}
	return total, nil
}

// alloc reserves sz bytes, preferring pref when it has room.
func (m *Message) alloc(sz Size, pref *Segment) (*Segment, Address, error) {
	if m.Arena == nil {
		return nil, 0, errors.Closed(errors.PhaseEncode, "message")
	}
	sz, ok := sz.padToWord()
	if !ok || sz > maxSegmentSize {
		return nil, 0, errors.AllocationFailed(errors.PhaseEncode, uint64(sz))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if pref != nil && pref.msg == m && hasCapacity(pref.data, sz) {
		addr := Address(len(pref.data))
		pref.data = pref.data[:len(pref.data)+int(sz)]
		return pref, addr, nil
	}

	id, data, err := m.Arena.Allocate(sz, m.segs)
	if err != nil {
		return nil, 0, err
	}
	if !hasCapacity(data, sz) {
		return nil, 0, errors.AllocationFailed(errors.PhaseEncode, uint64(sz))
	}
	s, err := m.segment(id)
	if err != nil {
		return nil, 0, err
	}
	addr := Address(len(data))
	s.data = data[:len(data)+int(sz)]
	return s, addr, nil
}
