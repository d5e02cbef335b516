package wire

import (
	"math"
	"strconv"

	"github.com/wippyai/caprpc/errors"
)

// maxDepth is the nesting budget of objects created while building.
const maxDepth = ^uint(0)

type structFlags uint8

const (
	isListMember structFlags = 1 << iota
)

// Struct is a view of a struct's data and pointer sections. Several views
// may alias the same bytes. The zero value reads every field as its
// default.
type Struct struct {
	seg        *Segment
	off        Address
	size       ObjectSize
	depthLimit uint
	flags      structFlags
}

// NewStruct allocates a struct of size sz in s's message, preferring s.
func NewStruct(s *Segment, sz ObjectSize) (Struct, error) {
	if !sz.isValid() {
		return Struct{}, errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Detail("struct data size %d is not a word multiple", sz.DataSize).
			Build()
	}
	seg, addr, err := s.msg.alloc(sz.totalSize(), s)
	if err != nil {
		return Struct{}, err
	}
	return Struct{
		seg:        seg,
		off:        addr,
		size:       sz,
		depthLimit: maxDepth,
	}, nil
}

// NewRootStruct allocates a struct and makes it the message root.
func NewRootStruct(s *Segment, sz ObjectSize) (Struct, error) {
	st, err := NewStruct(s, sz)
	if err != nil {
		return st, err
	}
	if err := s.msg.SetRoot(st.ToPtr()); err != nil {
		return st, err
	}
	return st, nil
}

// ToPtr converts the struct to a generic pointer.
func (p Struct) ToPtr() Ptr {
	return Ptr{
		seg:        p.seg,
		off:        p.off,
		size:       p.size,
		depthLimit: p.depthLimit,
		flags:      structPtrFlags(p.flags),
	}
}

// Segment returns the segment the struct lives in.
func (p Struct) Segment() *Segment {
	return p.seg
}

// Message returns the message the struct lives in.
func (p Struct) Message() *Message {
	if p.seg == nil {
		return nil
	}
	return p.seg.msg
}

// IsValid reports whether the struct is non-null.
func (p Struct) IsValid() bool {
	return p.seg != nil
}

// Size returns the struct's declared size.
func (p Struct) Size() ObjectSize {
	return p.size
}

// readWords is the read budget charged for traversing to this struct.
func (p Struct) readWords() uint64 {
	return uint64(p.size.totalWordCount())
}

// dataAddress returns the address of a field of sz bytes at off, or false
// if it lies beyond the data section.
func (p Struct) dataAddress(off DataOffset, sz Size) (Address, bool) {
	if p.seg == nil || uint64(off)+uint64(sz) > uint64(p.size.DataSize) {
		return 0, false
	}
	return p.off + Address(off), true
}

func (p Struct) pointerAddress(i uint16) (Address, bool) {
	if p.seg == nil || i >= p.size.PointerCount {
		return 0, false
	}
	return p.off + Address(p.size.DataSize) + Address(i)*Address(wordSize), true
}

func outsideStruct(what string) {
	panic("wire: set " + what + " field outside struct boundaries")
}

// Raw data accessors. Fields outside the data section read as zero.

func (p Struct) Bit(n BitOffset) bool {
	addr, ok := p.dataAddress(DataOffset(n/8), 1)
	if !ok {
		return false
	}
	return p.seg.readUint8(addr)&(1<<(n%8)) != 0
}

func (p Struct) SetBit(n BitOffset, v bool) {
	addr, ok := p.dataAddress(DataOffset(n/8), 1)
	if !ok {
		if v {
			outsideStruct("bit")
		}
		return
	}
	b := p.seg.readUint8(addr)
	if v {
		b |= 1 << (n % 8)
	} else {
		b &^= 1 << (n % 8)
	}
	p.seg.writeUint8(addr, b)
}

func (p Struct) Uint8(off DataOffset) uint8 {
	addr, ok := p.dataAddress(off, 1)
	if !ok {
		return 0
	}
	return p.seg.readUint8(addr)
}

func (p Struct) Uint16(off DataOffset) uint16 {
	addr, ok := p.dataAddress(off, 2)
	if !ok {
		return 0
	}
	return p.seg.readUint16(addr)
}

func (p Struct) Uint32(off DataOffset) uint32 {
	addr, ok := p.dataAddress(off, 4)
	if !ok {
		return 0
	}
	return p.seg.readUint32(addr)
}

func (p Struct) Uint64(off DataOffset) uint64 {
	addr, ok := p.dataAddress(off, 8)
	if !ok {
		return 0
	}
	return p.seg.readUint64(addr)
}

// Setters panic when a non-zero value would land outside the data section.
// A zero value outside it is the default and is dropped.

func (p Struct) SetUint8(off DataOffset, v uint8) {
	addr, ok := p.dataAddress(off, 1)
	if !ok {
		if v != 0 {
			outsideStruct("uint8")
		}
		return
	}
	p.seg.writeUint8(addr, v)
}

func (p Struct) SetUint16(off DataOffset, v uint16) {
	addr, ok := p.dataAddress(off, 2)
	if !ok {
		if v != 0 {
			outsideStruct("uint16")
		}
		return
	}
	p.seg.writeUint16(addr, v)
}

func (p Struct) SetUint32(off DataOffset, v uint32) {
	addr, ok := p.dataAddress(off, 4)
	if !ok {
		if v != 0 {
			outsideStruct("uint32")
		}
		return
	}
	p.seg.writeUint32(addr, v)
}

func (p Struct) SetUint64(off DataOffset, v uint64) {
	addr, ok := p.dataAddress(off, 8)
	if !ok {
		if v != 0 {
			outsideStruct("uint64")
		}
		return
	}
	p.seg.writeUint64(addr, v)
}

// Typed field accessors. The stored bits are the value XOR the field's
// default, so an absent or zeroed field reads as def.

func (p Struct) ReadBool(n BitOffset, def bool) bool {
	return p.Bit(n) != def
}

func (p Struct) WriteBool(n BitOffset, v, def bool) {
	p.SetBit(n, v != def)
}

func (p Struct) ReadUint8(off DataOffset, def uint8) uint8 {
	return p.Uint8(off) ^ def
}

func (p Struct) WriteUint8(off DataOffset, v, def uint8) {
	p.SetUint8(off, v^def)
}

func (p Struct) ReadUint16(off DataOffset, def uint16) uint16 {
	return p.Uint16(off) ^ def
}

func (p Struct) WriteUint16(off DataOffset, v, def uint16) {
	p.SetUint16(off, v^def)
}

func (p Struct) ReadUint32(off DataOffset, def uint32) uint32 {
	return p.Uint32(off) ^ def
}

func (p Struct) WriteUint32(off DataOffset, v, def uint32) {
	p.SetUint32(off, v^def)
}

func (p Struct) ReadUint64(off DataOffset, def uint64) uint64 {
	return p.Uint64(off) ^ def
}

func (p Struct) WriteUint64(off DataOffset, v, def uint64) {
	p.SetUint64(off, v^def)
}

func (p Struct) ReadInt8(off DataOffset, def int8) int8 {
	return int8(p.Uint8(off) ^ uint8(def))
}

func (p Struct) WriteInt8(off DataOffset, v, def int8) {
	p.SetUint8(off, uint8(v^def))
}

func (p Struct) ReadInt16(off DataOffset, def int16) int16 {
	return int16(p.Uint16(off) ^ uint16(def))
}

func (p Struct) WriteInt16(off DataOffset, v, def int16) {
	p.SetUint16(off, uint16(v^def))
}

func (p Struct) ReadInt32(off DataOffset, def int32) int32 {
	return int32(p.Uint32(off) ^ uint32(def))
}

func (p Struct) WriteInt32(off DataOffset, v, def int32) {
	p.SetUint32(off, uint32(v^def))
}

func (p Struct) ReadInt64(off DataOffset, def int64) int64 {
	return int64(p.Uint64(off) ^ uint64(def))
}

func (p Struct) WriteInt64(off DataOffset, v, def int64) {
	p.SetUint64(off, uint64(v^def))
}

func (p Struct) ReadFloat32(off DataOffset, def float32) float32 {
	return math.Float32frombits(p.Uint32(off) ^ math.Float32bits(def))
}

func (p Struct) WriteFloat32(off DataOffset, v, def float32) {
	p.SetUint32(off, math.Float32bits(v)^math.Float32bits(def))
}

func (p Struct) ReadFloat64(off DataOffset, def float64) float64 {
	return math.Float64frombits(p.Uint64(off) ^ math.Float64bits(def))
}

func (p Struct) WriteFloat64(off DataOffset, v, def float64) {
	p.SetUint64(off, math.Float64bits(v)^math.Float64bits(def))
}

// HasPtr reports whether pointer field i is non-null.
func (p Struct) HasPtr(i uint16) bool {
	addr, ok := p.pointerAddress(i)
	if !ok {
		return false
	}
	return !p.seg.readRawPointer(addr).IsNull()
}

// Ptr returns pointer field i. Fields beyond the pointer section are null.
func (p Struct) Ptr(i uint16) (Ptr, error) {
	addr, ok := p.pointerAddress(i)
	if !ok {
		return Ptr{}, nil
	}
	return p.seg.readPtr(addr, p.depthLimit)
}

// SetPtr stores src in pointer field i. Objects from another message are
// deep-copied into this one.
func (p Struct) SetPtr(i uint16, src Ptr) error {
	addr, ok := p.pointerAddress(i)
	if !ok {
		return errors.OutOfBounds(errors.PhaseEncode, []string{"ptr"}, int(i), int(p.size.PointerCount))
	}
	return p.seg.writePtr(addr, src, false)
}

// ReadText returns text field i, or def when the field is null.
func (p Struct) ReadText(i uint16, def string) (string, error) {
	ptr, err := p.Ptr(i)
	if err != nil {
		return "", err
	}
	if !ptr.IsValid() {
		return def, nil
	}
	return ptr.Text()
}

// ReadTextBytes returns text field i without copying, or nil when null.
func (p Struct) ReadTextBytes(i uint16) ([]byte, error) {
	ptr, err := p.Ptr(i)
	if err != nil {
		return nil, err
	}
	return ptr.TextBytes()
}

// SetText stores v as a NUL-terminated text field.
func (p Struct) SetText(i uint16, v string) error {
	if _, ok := p.pointerAddress(i); !ok {
		return errors.OutOfBounds(errors.PhaseEncode, []string{"ptr"}, int(i), int(p.size.PointerCount))
	}
	t, err := NewText(p.seg, v)
	if err != nil {
		return err
	}
	return p.SetPtr(i, t.ToPtr())
}

// ReadData returns data field i, or def when the field is null.
func (p Struct) ReadData(i uint16, def []byte) ([]byte, error) {
	ptr, err := p.Ptr(i)
	if err != nil {
		return nil, err
	}
	if !ptr.IsValid() {
		return def, nil
	}
	return ptr.Data()
}

// SetData stores v as a data field.
func (p Struct) SetData(i uint16, v []byte) error {
	if _, ok := p.pointerAddress(i); !ok {
		return errors.OutOfBounds(errors.PhaseEncode, []string{"ptr"}, int(i), int(p.size.PointerCount))
	}
	d, err := NewData(p.seg, v)
	if err != nil {
		return err
	}
	return p.SetPtr(i, d.ToPtr())
}

// ReadStruct returns struct field i. A null field yields the zero Struct,
// which reads every field as its default.
func (p Struct) ReadStruct(i uint16) (Struct, error) {
	ptr, err := p.Ptr(i)
	if err != nil || !ptr.IsValid() {
		return Struct{}, err
	}
	if ptr.flags.ptrType() != structPtrType {
		return Struct{}, errors.TypeMismatch(errors.PhaseDecode, []string{"ptr[" + strconv.Itoa(int(i)) + "]"}, "struct", ptr.Kind())
	}
	return ptr.Struct(), nil
}

// ReadList returns list field i. A null field yields the empty List.
func (p Struct) ReadList(i uint16) (List, error) {
	ptr, err := p.Ptr(i)
	if err != nil || !ptr.IsValid() {
		return List{}, err
	}
	if ptr.flags.ptrType() != listPtrType {
		return List{}, errors.TypeMismatch(errors.PhaseDecode, []string{"ptr[" + strconv.Itoa(int(i)) + "]"}, "list", ptr.Kind())
	}
	return ptr.List(), nil
}

// ReadCap returns capability field i. A null field yields the zero
// Interface.
func (p Struct) ReadCap(i uint16) (Interface, error) {
	ptr, err := p.Ptr(i)
	if err != nil || !ptr.IsValid() {
		return Interface{}, err
	}
	if ptr.flags.ptrType() != interfacePtrType {
		return Interface{}, errors.TypeMismatch(errors.PhaseDecode, []string{"ptr[" + strconv.Itoa(int(i)) + "]"}, "capability", ptr.Kind())
	}
	return ptr.Interface(), nil
}

// SetCap appends ref to the message's capability table and stores a
// pointer to it in field i. The table takes ownership of ref.
func (p Struct) SetCap(i uint16, ref CapRef) (CapabilityID, error) {
	if _, ok := p.pointerAddress(i); !ok {
		if ref != nil {
			ref.Release()
		}
		return 0, errors.OutOfBounds(errors.PhaseEncode, []string{"ptr"}, int(i), int(p.size.PointerCount))
	}
	id := p.seg.msg.CapTable.Add(ref)
	return id, p.SetPtr(i, NewInterface(p.seg, id).ToPtr())
}

// InitStruct returns struct field i, allocating it on first access. An
// existing struct smaller than sz is moved into a new allocation of the
// larger size.
func (p Struct) InitStruct(i uint16, sz ObjectSize) (Struct, error) {
	ptr, err := p.Ptr(i)
	if err != nil {
		return Struct{}, err
	}
	if !ptr.IsValid() {
		s, err := NewStruct(p.seg, sz)
		if err != nil {
			return Struct{}, err
		}
		return s, p.SetPtr(i, s.ToPtr())
	}
	old := ptr.Struct()
	if !old.IsValid() {
		return Struct{}, errors.TypeMismatch(errors.PhaseEncode, []string{"ptr[" + strconv.Itoa(int(i)) + "]"}, "struct", ptr.Kind())
	}
	if old.size.DataSize >= sz.DataSize && old.size.PointerCount >= sz.PointerCount {
		return old, nil
	}
	grown := ObjectSize{
		DataSize:     max(old.size.DataSize, sz.DataSize),
		PointerCount: max(old.size.PointerCount, sz.PointerCount),
	}
	s, err := NewStruct(p.seg, grown)
	if err != nil {
		return Struct{}, err
	}
	if err := s.CopyFrom(old); err != nil {
		return Struct{}, err
	}
	clear(old.seg.slice(old.off, old.size.totalSize()))
	return s, p.SetPtr(i, s.ToPtr())
}

// InitList allocates a new list in field i, replacing any existing value.
// elem is only used for composite lists.
func (p Struct) InitList(i uint16, es ElementSize, n int32, elem ObjectSize) (List, error) {
	if _, ok := p.pointerAddress(i); !ok {
		return List{}, errors.OutOfBounds(errors.PhaseEncode, []string{"ptr"}, int(i), int(p.size.PointerCount))
	}
	l, err := NewList(p.seg, es, n, elem)
	if err != nil {
		return List{}, err
	}
	return l, p.SetPtr(i, l.ToPtr())
}

// Disown detaches pointer field i and returns the object as an orphan.
// The field becomes null.
func (p Struct) Disown(i uint16) (*Orphan, error) {
	ptr, err := p.Ptr(i)
	if err != nil {
		return nil, err
	}
	addr, ok := p.pointerAddress(i)
	if ok {
		p.seg.writeRawPointer(addr, 0)
	}
	return &Orphan{ptr: ptr}, nil
}

// Adopt links the orphan into pointer field i. An orphan from another
// message is deep-copied. The orphan is unusable afterward.
func (p Struct) Adopt(i uint16, o *Orphan) error {
	if o == nil || !o.ptr.IsValid() {
		return errors.Closed(errors.PhaseEncode, "orphan")
	}
	if err := p.SetPtr(i, o.ptr); err != nil {
		return err
	}
	o.ptr = Ptr{}
	return nil
}

// CopyFrom copies other's fields into p. Sizes may differ: extra data is
// truncated, missing data is zeroed. Pointers into another message are
// deep-copied.
func (p Struct) CopyFrom(other Struct) error {
	if p.seg == nil {
		return errors.Closed(errors.PhaseEncode, "struct")
	}
	n := p.size.DataSize
	if other.seg == nil {
		n = 0
	} else {
		n = min(n, other.size.DataSize)
	}
	dst := p.seg.slice(p.off, p.size.DataSize)
	if n > 0 {
		copy(dst, other.seg.slice(other.off, n))
	}
	clear(dst[n:])
	for i := uint16(0); i < p.size.PointerCount; i++ {
		addr, _ := p.pointerAddress(i)
		src, err := other.Ptr(i)
		if err != nil {
			return err
		}
		if err := p.seg.writePtr(addr, src, false); err != nil {
			return err
		}
	}
	return nil
}

// Orphan is an object detached from the tree, waiting to be adopted.
type Orphan struct {
	ptr Ptr
}

// NewOrphan wraps an object, typically one allocated but never linked,
// so it can be adopted into a field.
func NewOrphan(p Ptr) *Orphan {
	return &Orphan{ptr: p}
}

// Ptr returns the orphaned object, or null once adopted.
func (o *Orphan) Ptr() Ptr {
	if o == nil {
		return Ptr{}
	}
	return o.ptr
}

// IsValid reports whether the orphan still holds an object.
func (o *Orphan) IsValid() bool {
	return o != nil && o.ptr.IsValid()
}
