package wire

import (
	"encoding/binary"

	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/wire/internal/pointer"
)

// Segment is one word buffer of a message.
type Segment struct {
	msg  *Message
	id   SegmentID
	data []byte
}

// Message returns the message containing s.
func (s *Segment) Message() *Message {
	return s.msg
}

// ID returns the segment's index within its message.
func (s *Segment) ID() SegmentID {
	return s.id
}

// Data returns the segment's in-use bytes.
func (s *Segment) Data() []byte {
	return s.data
}

func (s *Segment) inBounds(addr Address) bool {
	return uint64(addr) < uint64(len(s.data))
}

func (s *Segment) regionInBounds(base Address, sz Size) bool {
	end, ok := base.addSize(sz)
	return ok && uint64(end) <= uint64(len(s.data))
}

// slice returns the bytes [base, base+sz). The caller checks bounds.
func (s *Segment) slice(base Address, sz Size) []byte {
	return s.data[base : base+Address(sz)]
}

func (s *Segment) readUint8(addr Address) uint8 {
	return s.data[addr]
}

func (s *Segment) readUint16(addr Address) uint16 {
	return binary.LittleEndian.Uint16(s.data[addr:])
}

func (s *Segment) readUint32(addr Address) uint32 {
	return binary.LittleEndian.Uint32(s.data[addr:])
}

func (s *Segment) readUint64(addr Address) uint64 {
	return binary.LittleEndian.Uint64(s.data[addr:])
}

func (s *Segment) writeUint8(addr Address, v uint8) {
	s.data[addr] = v
}

func (s *Segment) writeUint16(addr Address, v uint16) {
	binary.LittleEndian.PutUint16(s.data[addr:], v)
}

func (s *Segment) writeUint32(addr Address, v uint32) {
	binary.LittleEndian.PutUint32(s.data[addr:], v)
}

func (s *Segment) writeUint64(addr Address, v uint64) {
	binary.LittleEndian.PutUint64(s.data[addr:], v)
}

func (s *Segment) readRawPointer(addr Address) pointer.Pointer {
	return pointer.Pointer(s.readUint64(addr))
}

func (s *Segment) writeRawPointer(addr Address, p pointer.Pointer) {
	s.writeUint64(addr, uint64(p))
}

// root reads the message's root pointer.
func (s *Segment) root() (Ptr, error) {
	if !s.regionInBounds(0, wordSize) {
		return Ptr{}, nil
	}
	return s.readPtr(0, s.msg.depthLimit())
}

// resolveFarPointer follows a far pointer at paddr, if any. It returns the
// segment holding the object, the address the object offset is relative
// to, and the pointer describing the object. At most two hops are taken.
func (s *Segment) resolveFarPointer(paddr Address) (dst *Segment, base Address, val pointer.Pointer, err error) {
	if !s.regionInBounds(paddr, wordSize) {
		return nil, 0, 0, errors.MalformedPointer("pointer address %d outside segment %d", paddr, s.id)
	}
	val = s.readRawPointer(paddr)
	if val.Type() != pointer.Far {
		return s, paddr + Address(wordSize), val, nil
	}

	padSeg, err := s.msg.Segment(SegmentID(val.FarSegment()))
	if err != nil {
		return nil, 0, 0, errors.MalformedPointer("far pointer to missing segment %d", val.FarSegment())
	}
	padAddr, ok := Address(0).addSize(Size(val.FarOffset()) * wordSize)
	if !ok {
		return nil, 0, 0, errors.MalformedPointer("far pointer landing pad overflows")
	}

	if !val.IsDoubleFar() {
		if !padSeg.regionInBounds(padAddr, wordSize) {
			return nil, 0, 0, errors.MalformedPointer("landing pad outside segment %d", padSeg.id)
		}
		if !s.msg.canRead(1) {
			return nil, 0, 0, errors.TraversalLimit(s.msg.traverseLimit())
		}
		pad := padSeg.readRawPointer(padAddr)
		if pad.Type() == pointer.Far {
			return nil, 0, 0, errors.MalformedPointer("landing pad holds another far pointer")
		}
		return padSeg, padAddr + Address(wordSize), pad, nil
	}

	if !padSeg.regionInBounds(padAddr, 2*wordSize) {
		return nil, 0, 0, errors.MalformedPointer("double-far landing pad outside segment %d", padSeg.id)
	}
	if !s.msg.canRead(2) {
		return nil, 0, 0, errors.TraversalLimit(s.msg.traverseLimit())
	}
	far := padSeg.readRawPointer(padAddr)
	tag := padSeg.readRawPointer(padAddr + Address(wordSize))
	if far.Type() != pointer.Far || far.IsDoubleFar() {
		return nil, 0, 0, errors.MalformedPointer("double-far landing pad does not start with a single far pointer")
	}
	if tag.Type() != pointer.Struct && tag.Type() != pointer.List {
		return nil, 0, 0, errors.MalformedPointer("double-far tag is a %v pointer", tag.Type())
	}
	if tag.Offset() != 0 {
		return nil, 0, 0, errors.MalformedPointer("double-far tag has non-zero offset %d", tag.Offset())
	}
	dst, err = s.msg.Segment(SegmentID(far.FarSegment()))
	if err != nil {
		return nil, 0, 0, errors.MalformedPointer("double-far pointer to missing segment %d", far.FarSegment())
	}
	base, ok = Address(0).addSize(Size(far.FarOffset()) * wordSize)
	if !ok {
		return nil, 0, 0, errors.MalformedPointer("double-far target overflows")
	}
	return dst, base, tag, nil
}

// readPtr decodes the pointer at paddr. depthLimit is the nesting budget
// remaining for the object it points to.
func (s *Segment) readPtr(paddr Address, depthLimit uint) (Ptr, error) {
	dst, base, val, err := s.resolveFarPointer(paddr)
	if err != nil {
		return Ptr{}, err
	}
	if val.IsNull() {
		return Ptr{}, nil
	}
	if depthLimit == 0 {
		return Ptr{}, errors.DepthExceeded(s.msg.depthLimit())
	}
	// A near pointer must not target a region containing itself.
	self := dst == s
	switch val.Type() {
	case pointer.Struct:
		sp, err := dst.readStructPtr(base, val, paddr, self)
		if err != nil {
			return Ptr{}, err
		}
		if !s.msg.canRead(max(sp.readWords(), 1)) {
			return Ptr{}, errors.TraversalLimit(s.msg.traverseLimit())
		}
		sp.depthLimit = depthLimit - 1
		return sp.ToPtr(), nil
	case pointer.List:
		lp, err := dst.readListPtr(base, val, paddr, self)
		if err != nil {
			return Ptr{}, err
		}
		if !s.msg.canRead(lp.readWords()) {
			return Ptr{}, errors.TraversalLimit(s.msg.traverseLimit())
		}
		lp.depthLimit = depthLimit - 1
		return lp.ToPtr(), nil
	case pointer.Other:
		if val.OtherType() != 0 {
			return Ptr{}, errors.MalformedPointer("unknown other-pointer type %d", val.OtherType())
		}
		idx := CapabilityID(val.CapabilityIndex())
		if !s.msg.UncheckedCaps && int64(idx) >= int64(s.msg.CapTable.Len()) {
			return Ptr{}, errors.CapIndexOutOfRange(uint32(idx), s.msg.CapTable.Len())
		}
		return Interface{seg: dst, cap: idx}.ToPtr(), nil
	default:
		return Ptr{}, errors.MalformedPointer("far pointer after far pointer")
	}
}

// containsWord reports whether the pointer word at paddr lies within the
// non-empty region [start, start+sz).
func containsWord(start Address, sz Size, paddr Address) bool {
	if sz == 0 {
		return false
	}
	return uint64(paddr) >= uint64(start) && uint64(paddr) < uint64(start)+uint64(sz)
}

func (s *Segment) readStructPtr(base Address, val pointer.Pointer, paddr Address, self bool) (Struct, error) {
	addr, ok := base.addOffset(int64(val.Offset()) * int64(wordSize))
	if !ok {
		return Struct{}, errors.MalformedPointer("struct pointer offset %d out of range", val.Offset())
	}
	dataWords, ptrCount := val.StructSize()
	sz := ObjectSize{DataSize: Size(dataWords) * wordSize, PointerCount: ptrCount}
	if !s.regionInBounds(addr, sz.totalSize()) {
		return Struct{}, errors.MalformedPointer("struct at %d (%d bytes) outside segment %d", addr, sz.totalSize(), s.id)
	}
	if self && containsWord(addr, sz.totalSize(), paddr) {
		return Struct{}, errors.MalformedPointer("struct at %d overlaps its own pointer", addr)
	}
	return Struct{seg: s, off: addr, size: sz}, nil
}

func (s *Segment) readListPtr(base Address, val pointer.Pointer, paddr Address, self bool) (List, error) {
	addr, ok := base.addOffset(int64(val.Offset()) * int64(wordSize))
	if !ok {
		return List{}, errors.MalformedPointer("list pointer offset %d out of range", val.Offset())
	}
	es := val.ElementSize()
	count := val.ListCount()

	if es == pointer.Composite {
		words := Size(count)
		total, ok := safeMulSize(words, wordSize)
		if !ok {
			return List{}, errors.MalformedPointer("composite list size overflows")
		}
		total += wordSize // tag
		if !s.regionInBounds(addr, total) {
			return List{}, errors.MalformedPointer("composite list at %d outside segment %d", addr, s.id)
		}
		if self && containsWord(addr, total, paddr) {
			return List{}, errors.MalformedPointer("composite list at %d overlaps its own pointer", addr)
		}
		tag := s.readRawPointer(addr)
		if tag.Type() != pointer.Struct {
			return List{}, errors.MalformedPointer("composite list tag is a %v pointer", tag.Type())
		}
		n := tag.CompositeCount()
		dataWords, ptrCount := tag.StructSize()
		sz := ObjectSize{DataSize: Size(dataWords) * wordSize, PointerCount: ptrCount}
		need := uint64(n) * uint64(sz.totalWordCount())
		if need > uint64(count) {
			return List{}, errors.MalformedPointer("composite list of %d elements needs %d words, has %d", n, need, count)
		}
		if n > pointer.MaxListCount {
			return List{}, errors.MalformedPointer("composite list count %d too large", n)
		}
		return List{
			seg:    s,
			off:    addr + Address(wordSize),
			length: int32(n),
			size:   sz,
			flags:  isCompositeList,
		}, nil
	}

	l := List{seg: s, off: addr, length: int32(count)}
	switch es {
	case pointer.Bit:
		l.flags = isBitList
	case pointer.PointerElem:
		l.size = ObjectSize{PointerCount: 1}
	default:
		l.size = ObjectSize{DataSize: Size(es.DataBits() / 8)}
	}
	total, ok := l.byteSize()
	if !ok {
		return List{}, errors.MalformedPointer("list size overflows")
	}
	if !s.regionInBounds(addr, total) {
		return List{}, errors.MalformedPointer("list at %d (%d bytes) outside segment %d", addr, total, s.id)
	}
	if self && containsWord(addr, total, paddr) {
		return List{}, errors.MalformedPointer("list at %d overlaps its own pointer", addr)
	}
	return l, nil
}

// writePtr stores src in the pointer slot at off. Objects from another
// message, or any object when forceCopy is set, are deep-copied first.
func (s *Segment) writePtr(off Address, src Ptr, forceCopy bool) error {
	if !src.IsValid() {
		s.writeRawPointer(off, 0)
		return nil
	}

	if src.flags.ptrType() == interfacePtrType {
		i := src.Interface()
		if src.seg.msg != s.msg {
			ref, err := i.Ref()
			if err != nil {
				return err
			}
			var id CapabilityID
			if ref != nil {
				id = s.msg.CapTable.Add(ref.Dup())
			} else {
				id = s.msg.CapTable.Add(nil)
			}
			i = NewInterface(s, id)
		}
		s.writeRawPointer(off, i.value())
		return nil
	}

	if forceCopy || src.seg.msg != s.msg {
		dup, err := copyObject(s, src, 0)
		if err != nil {
			return err
		}
		src = dup
	}

	srcAddr, raw := src.objectStart()
	if src.seg == s {
		s.writeRawPointer(off, nonNull(raw.WithOffset(nearOffset(off, srcAddr))))
		return nil
	}

	// Landing pad in the object's own segment when it has room.
	if hasCapacity(src.seg.data, wordSize) {
		padAddr := Address(len(src.seg.data))
		src.seg.data = src.seg.data[:len(src.seg.data)+int(wordSize)]
		src.seg.writeRawPointer(padAddr, nonNull(raw.WithOffset(nearOffset(padAddr, srcAddr))))
		s.writeRawPointer(off, pointer.NewFar(uint32(src.seg.id), uint32(padAddr/Address(wordSize)), false))
		return nil
	}

	padSeg, padAddr, err := s.msg.alloc(2*wordSize, nil)
	if err != nil {
		return err
	}
	padSeg.writeRawPointer(padAddr, pointer.NewFar(uint32(src.seg.id), uint32(srcAddr/Address(wordSize)), false))
	padSeg.writeRawPointer(padAddr+Address(wordSize), raw.WithOffset(0))
	s.writeRawPointer(off, pointer.NewFar(uint32(padSeg.id), uint32(padAddr/Address(wordSize)), true))
	return nil
}

// nonNull keeps a zero-sized struct placed right after its pointer from
// encoding as the null word: it points at offset -1 instead.
func nonNull(p pointer.Pointer) pointer.Pointer {
	if p.IsNull() {
		return p.WithOffset(-1)
	}
	return p
}
