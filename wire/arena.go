package wire

import (
	"github.com/wippyai/caprpc/errors"
)

// Arena owns the buffers that make up a message's segments.
type Arena interface {
	// NumSegments returns the number of segments the arena holds.
	NumSegments() int64

	// Data returns the in-use bytes of segment id.
	Data(id SegmentID) ([]byte, error)

	// Allocate selects a segment with at least minsz bytes of free
	// capacity. segs is the message's view of its segments: the length of
	// each segment's data is the number of bytes in use. The returned
	// slice holds the segment's in-use bytes with cap-len >= minsz.
	Allocate(minsz Size, segs map[SegmentID]*Segment) (SegmentID, []byte, error)

	// Release drops the arena's buffers.
	Release()
}

// SingleSegmentArena keeps a message in one segment that grows by
// reallocation.
type SingleSegmentArena struct {
	buf []byte
}

// SingleSegment returns an arena that builds a message in b's backing
// storage, reallocating when it runs out. b may be nil.
func SingleSegment(b []byte) *SingleSegmentArena {
	b = b[:cap(b)]
	clear(b)
	return &SingleSegmentArena{buf: b[:0]}
}

func (a *SingleSegmentArena) NumSegments() int64 {
	return 1
}

func (a *SingleSegmentArena) Data(id SegmentID) ([]byte, error) {
	if id != 0 {
		return nil, errors.OutOfBounds(errors.PhaseEncode, []string{"segment"}, int(id), 1)
	}
	return a.buf, nil
}

func (a *SingleSegmentArena) Allocate(sz Size, segs map[SegmentID]*Segment) (SegmentID, []byte, error) {
	data := a.buf
	if s := segs[0]; s != nil {
		data = s.data
	}
	if hasCapacity(data, sz) {
		return 0, data, nil
	}
	newCap, err := growCap(Size(len(data)), Size(cap(data)), sz, maxSegmentSize)
	if err != nil {
		return 0, nil, err
	}
	buf := make([]byte, len(data), newCap)
	copy(buf, data)
	a.buf = buf
	return 0, buf, nil
}

func (a *SingleSegmentArena) Release() {
	a.buf = nil
}

// MultiSegmentOptions configures a MultiSegmentArena.
type MultiSegmentOptions struct {
	// SegmentSize is the initial capacity of each new segment.
	SegmentSize Size

	// MaxSegmentSize is the ceiling a segment may grow to before
	// allocation moves to a new segment. A single object larger than the
	// ceiling gets a segment of its own.
	MaxSegmentSize Size
}

// DefaultMultiSegmentOptions returns the options used when none are given.
func DefaultMultiSegmentOptions() MultiSegmentOptions {
	return MultiSegmentOptions{
		SegmentSize:    8 * 1024,
		MaxSegmentSize: 1 << 20,
	}
}

// MultiSegmentArena keeps allocations in the newest segment, growing it up
// to a ceiling and opening a new segment once the ceiling is reached.
type MultiSegmentArena struct {
	bufs [][]byte
	opts MultiSegmentOptions
}

// MultiSegment returns an empty multi-segment arena.
func MultiSegment(opts MultiSegmentOptions) *MultiSegmentArena {
	def := DefaultMultiSegmentOptions()
	if opts.SegmentSize == 0 {
		opts.SegmentSize = def.SegmentSize
	}
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = def.MaxSegmentSize
	}
	opts.SegmentSize, _ = opts.SegmentSize.padToWord()
	opts.MaxSegmentSize &^= wordSize - 1
	if opts.MaxSegmentSize < opts.SegmentSize {
		opts.MaxSegmentSize = opts.SegmentSize
	}
	return &MultiSegmentArena{opts: opts}
}

func (a *MultiSegmentArena) NumSegments() int64 {
	return int64(len(a.bufs))
}

func (a *MultiSegmentArena) Data(id SegmentID) ([]byte, error) {
	if int64(id) >= int64(len(a.bufs)) {
		return nil, errors.OutOfBounds(errors.PhaseEncode, []string{"segment"}, int(id), len(a.bufs))
	}
	return a.bufs[id], nil
}

func (a *MultiSegmentArena) Allocate(sz Size, segs map[SegmentID]*Segment) (SegmentID, []byte, error) {
	if n := len(a.bufs); n > 0 {
		id := SegmentID(n - 1)
		data := a.bufs[id]
		if s := segs[id]; s != nil {
			data = s.data
		}
		if hasCapacity(data, sz) {
			return id, data, nil
		}
		if uint64(len(data))+uint64(sz) <= uint64(a.opts.MaxSegmentSize) {
			newCap, err := growCap(Size(len(data)), Size(cap(data)), sz, a.opts.MaxSegmentSize)
			if err != nil {
				return 0, nil, err
			}
			buf := make([]byte, len(data), newCap)
			copy(buf, data)
			a.bufs[id] = buf
			return id, buf, nil
		}
	}
	if int64(len(a.bufs)) >= maxSegments {
		return 0, nil, errors.New(errors.PhaseEncode, errors.KindAllocation).
			Detail("message has %d segments", len(a.bufs)).
			Build()
	}
	c := max(sz, a.opts.SegmentSize)
	c, ok := c.padToWord()
	if !ok {
		return 0, nil, errors.AllocationFailed(errors.PhaseEncode, uint64(sz))
	}
	id := SegmentID(len(a.bufs))
	buf := make([]byte, 0, c)
	a.bufs = append(a.bufs, buf)
	return id, buf, nil
}

func (a *MultiSegmentArena) Release() {
	a.bufs = nil
}

// readOnlyArena holds the segments of a received frame without copying.
type readOnlyArena struct {
	segs [][]byte
}

func (a *readOnlyArena) NumSegments() int64 {
	return int64(len(a.segs))
}

func (a *readOnlyArena) Data(id SegmentID) ([]byte, error) {
	if int64(id) >= int64(len(a.segs)) {
		return nil, errors.OutOfBounds(errors.PhaseDecode, []string{"segment"}, int(id), len(a.segs))
	}
	return a.segs[id], nil
}

func (a *readOnlyArena) Allocate(Size, map[SegmentID]*Segment) (SegmentID, []byte, error) {
	return 0, nil, errors.New(errors.PhaseEncode, errors.KindAllocation).
		Detail("received message is read-only").
		Build()
}

func (a *readOnlyArena) Release() {
	a.segs = nil
}

func hasCapacity(b []byte, sz Size) bool {
	return uint64(sz) <= uint64(cap(b)-len(b))
}

// growCap picks a new capacity for a segment holding used bytes that needs
// sz more, doubling where possible and never exceeding limit.
func growCap(used, curCap, sz, limit Size) (int, error) {
	need := uint64(used) + uint64(sz)
	if need > uint64(limit) {
		return 0, errors.AllocationFailed(errors.PhaseEncode, uint64(sz))
	}
	c := max(uint64(curCap)*2, need, 64)
	c = min(c, uint64(limit))
	c = (c + uint64(wordSize) - 1) &^ (uint64(wordSize) - 1)
	return int(c), nil
}
