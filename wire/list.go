package wire

import (
	"math"
	"unsafe"

	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/wire/internal/pointer"
)

// ElementSize is the encoding of a list's elements.
type ElementSize uint8

const (
	VoidElement ElementSize = iota
	BitElement
	ByteElement
	TwoByteElement
	FourByteElement
	EightByteElement
	PointerElement
	CompositeElement
)

func (es ElementSize) String() string {
	return pointer.ElementSize(es).String()
}

// MaxListLength is the largest number of elements a list may hold.
const MaxListLength = pointer.MaxListCount

type listFlags uint8

const (
	isBitList listFlags = 1 << iota
	isCompositeList
)

// List is a view of a list of any element encoding.
type List struct {
	seg        *Segment
	off        Address // first element; after the tag word for composite lists
	length     int32
	size       ObjectSize // element size; zero for bit lists
	depthLimit uint
	flags      listFlags
}

// NewList allocates a list of n elements. elem is only used for
// composite lists.
func NewList(s *Segment, es ElementSize, n int32, elem ObjectSize) (List, error) {
	switch es {
	case VoidElement:
		return newPrimitiveList(s, ObjectSize{}, n, 0)
	case BitElement:
		return newPrimitiveList(s, ObjectSize{}, n, isBitList)
	case ByteElement:
		return newPrimitiveList(s, ObjectSize{DataSize: 1}, n, 0)
	case TwoByteElement:
		return newPrimitiveList(s, ObjectSize{DataSize: 2}, n, 0)
	case FourByteElement:
		return newPrimitiveList(s, ObjectSize{DataSize: 4}, n, 0)
	case EightByteElement:
		return newPrimitiveList(s, ObjectSize{DataSize: 8}, n, 0)
	case PointerElement:
		return newPrimitiveList(s, ObjectSize{PointerCount: 1}, n, 0)
	case CompositeElement:
		sl, err := NewCompositeList(s, elem, n)
		return List(sl), err
	}
	return List{}, errors.New(errors.PhaseEncode, errors.KindInvalidData).
		Detail("unknown element size %d", es).
		Build()
}

func checkListLength(n int32) error {
	if n < 0 || n > MaxListLength {
		return errors.Overflow(errors.PhaseEncode, n, "list length")
	}
	return nil
}

func newPrimitiveList(s *Segment, elem ObjectSize, n int32, flags listFlags) (List, error) {
	if err := checkListLength(n); err != nil {
		return List{}, err
	}
	l := List{length: n, size: elem, depthLimit: maxDepth, flags: flags}
	sz, ok := l.byteSize()
	if !ok {
		return List{}, errors.Overflow(errors.PhaseEncode, n, "list size")
	}
	seg, addr, err := s.msg.alloc(sz, s)
	if err != nil {
		return List{}, err
	}
	l.seg, l.off = seg, addr
	return l, nil
}

// NewCompositeList allocates a list of n structs of size sz, preceded by
// a tag word describing the element size.
func NewCompositeList(s *Segment, sz ObjectSize, n int32) (StructList, error) {
	if err := checkListLength(n); err != nil {
		return StructList{}, err
	}
	if !sz.isValid() {
		return StructList{}, errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Detail("element data size %d is not a word multiple", sz.DataSize).
			Build()
	}
	body, ok := sz.totalSize().times(n)
	if !ok || uint64(body)/uint64(wordSize) > MaxListLength {
		return StructList{}, errors.Overflow(errors.PhaseEncode, n, "composite list size")
	}
	seg, addr, err := s.msg.alloc(body+wordSize, s)
	if err != nil {
		return StructList{}, err
	}
	seg.writeRawPointer(addr, pointer.NewCompositeTag(uint32(n), sz.dataWordCount(), sz.PointerCount))
	return StructList{
		seg:        seg,
		off:        addr + Address(wordSize),
		length:     n,
		size:       sz,
		depthLimit: maxDepth,
		flags:      isCompositeList,
	}, nil
}

// ToPtr converts the list to a generic pointer.
func (p List) ToPtr() Ptr {
	return Ptr{
		seg:        p.seg,
		off:        p.off,
		lenOrCap:   uint32(p.length),
		size:       p.size,
		depthLimit: p.depthLimit,
		flags:      listPtrFlags(p.flags),
	}
}

// Segment returns the segment the list lives in.
func (p List) Segment() *Segment {
	return p.seg
}

// Message returns the message the list lives in.
func (p List) Message() *Message {
	if p.seg == nil {
		return nil
	}
	return p.seg.msg
}

// IsValid reports whether the list is non-null.
func (p List) IsValid() bool {
	return p.seg != nil
}

// Len returns the number of elements.
func (p List) Len() int {
	if p.seg == nil {
		return 0
	}
	return int(p.length)
}

// ElementSize returns the list's element encoding.
func (p List) ElementSize() ElementSize {
	switch {
	case p.flags&isBitList != 0:
		return BitElement
	case p.flags&isCompositeList != 0:
		return CompositeElement
	case p.size.PointerCount == 1 && p.size.DataSize == 0:
		return PointerElement
	}
	switch p.size.DataSize {
	case 1:
		return ByteElement
	case 2:
		return TwoByteElement
	case 4:
		return FourByteElement
	case 8:
		return EightByteElement
	}
	return VoidElement
}

// ElementObjectSize returns the size of one element. Bit lists report zero.
func (p List) ElementObjectSize() ObjectSize {
	return p.size
}

// byteSize is the size of the element data, excluding any tag word,
// padded to a word.
func (p List) byteSize() (Size, bool) {
	if p.flags&isBitList != 0 {
		words := (uint64(p.length) + 63) / 64
		if words*uint64(wordSize) > math.MaxUint32 {
			return 0, false
		}
		return Size(words * uint64(wordSize)), true
	}
	sz, ok := p.size.totalSize().times(p.length)
	if !ok {
		return 0, false
	}
	return sz.padToWord()
}

// readWords is the read budget charged for traversing to this list.
// Elements that occupy no space are charged one word each.
func (p List) readWords() uint64 {
	var words uint64
	if p.flags&isCompositeList != 0 {
		words = 1 + uint64(p.length)*uint64(p.size.totalWordCount())
		if p.size.isZero() {
			words += uint64(p.length)
		}
		return words
	}
	if sz, ok := p.byteSize(); ok {
		words = sz.words()
	}
	if words == 0 {
		words = max(uint64(p.length), 1)
	}
	return words
}

func (p List) objectStart() (Address, pointer.Pointer) {
	if p.flags&isCompositeList != 0 {
		words := uint32(p.length) * p.size.totalWordCount()
		return p.off - Address(wordSize), pointer.NewList(0, pointer.Composite, words)
	}
	return p.off, pointer.NewList(0, pointer.ElementSize(p.ElementSize()), uint32(p.length))
}

// primitiveElem returns the address of element i read with the expected
// element size. Composite lists whose elements are at least that large
// are accepted, reading the leading field of each element.
func (p List) primitiveElem(i int, expected ObjectSize) (Address, error) {
	if p.seg == nil || i < 0 || i >= int(p.length) {
		return 0, errors.OutOfBounds(errors.PhaseDecode, []string{"list"}, i, p.Len())
	}
	if p.flags&isBitList != 0 {
		return 0, errors.TypeMismatch(errors.PhaseDecode, []string{"list"}, "non-bit list", "bit list")
	}
	if p.flags&isCompositeList == 0 && p.size != expected {
		return 0, errors.TypeMismatch(errors.PhaseDecode, []string{"list"}, ElementSizeOf(expected).String(), p.ElementSize().String())
	}
	if p.size.DataSize < expected.DataSize || p.size.PointerCount < expected.PointerCount {
		return 0, errors.TypeMismatch(errors.PhaseDecode, []string{"list"}, "larger elements", "composite list")
	}
	addr, ok := p.off.element(int32(i), p.size.totalSize())
	if !ok {
		return 0, errors.MalformedPointer("list element %d address overflows", i)
	}
	if expected.DataSize == 0 && expected.PointerCount > 0 {
		addr += Address(p.size.DataSize)
	}
	return addr, nil
}

// ElementSizeOf returns the non-composite element encoding of sz.
func ElementSizeOf(sz ObjectSize) ElementSize {
	return List{seg: nil, size: sz}.ElementSize()
}

// Struct returns element i as a struct. Elements of non-composite lists
// read as one-field structs. Bit lists yield the zero Struct.
func (p List) Struct(i int) Struct {
	if p.seg == nil || i < 0 || i >= int(p.length) || p.flags&isBitList != 0 {
		return Struct{}
	}
	addr, ok := p.off.element(int32(i), p.size.totalSize())
	if !ok {
		return Struct{}
	}
	return Struct{
		seg:        p.seg,
		off:        addr,
		size:       p.size,
		depthLimit: p.depthLimit,
		flags:      isListMember,
	}
}

// SetStruct copies s into element i.
func (p List) SetStruct(i int, s Struct) error {
	dst := p.Struct(i)
	if !dst.IsValid() {
		return errors.OutOfBounds(errors.PhaseEncode, []string{"list"}, i, p.Len())
	}
	return dst.CopyFrom(s)
}

// Integer is the set of element types stored in integer lists.
type Integer interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~uint64 | ~int64
}

// IntList is a list of fixed-width integers.
type IntList[T Integer] List

type (
	UInt8List  = IntList[uint8]
	Int8List   = IntList[int8]
	UInt16List = IntList[uint16]
	Int16List  = IntList[int16]
	UInt32List = IntList[uint32]
	Int32List  = IntList[int32]
	UInt64List = IntList[uint64]
	Int64List  = IntList[int64]
)

func intSize[T Integer]() Size {
	var z T
	return Size(unsafe.Sizeof(z))
}

// NewIntList allocates a list of n integers.
func NewIntList[T Integer](s *Segment, n int32) (IntList[T], error) {
	l, err := newPrimitiveList(s, ObjectSize{DataSize: intSize[T]()}, n, 0)
	return IntList[T](l), err
}

func (l IntList[T]) ToPtr() Ptr    { return List(l).ToPtr() }
func (l IntList[T]) IsValid() bool { return List(l).IsValid() }
func (l IntList[T]) Len() int      { return List(l).Len() }

// At returns element i, or zero when i is out of range.
func (l IntList[T]) At(i int) T {
	sz := intSize[T]()
	addr, err := List(l).primitiveElem(i, ObjectSize{DataSize: sz})
	if err != nil {
		return 0
	}
	switch sz {
	case 1:
		return T(l.seg.readUint8(addr))
	case 2:
		return T(l.seg.readUint16(addr))
	case 4:
		return T(l.seg.readUint32(addr))
	default:
		return T(l.seg.readUint64(addr))
	}
}

// Set stores v in element i.
func (l IntList[T]) Set(i int, v T) {
	sz := intSize[T]()
	addr, err := List(l).primitiveElem(i, ObjectSize{DataSize: sz})
	if err != nil {
		panic(err)
	}
	switch sz {
	case 1:
		l.seg.writeUint8(addr, uint8(v))
	case 2:
		l.seg.writeUint16(addr, uint16(v))
	case 4:
		l.seg.writeUint32(addr, uint32(v))
	default:
		l.seg.writeUint64(addr, uint64(v))
	}
}

// Float32List is a list of float32.
type Float32List List

func NewFloat32List(s *Segment, n int32) (Float32List, error) {
	l, err := newPrimitiveList(s, ObjectSize{DataSize: 4}, n, 0)
	return Float32List(l), err
}

func (l Float32List) ToPtr() Ptr { return List(l).ToPtr() }
func (l Float32List) Len() int   { return List(l).Len() }

func (l Float32List) At(i int) float32 {
	return math.Float32frombits(UInt32List(l).At(i))
}

func (l Float32List) Set(i int, v float32) {
	UInt32List(l).Set(i, math.Float32bits(v))
}

// Float64List is a list of float64.
type Float64List List

func NewFloat64List(s *Segment, n int32) (Float64List, error) {
	l, err := newPrimitiveList(s, ObjectSize{DataSize: 8}, n, 0)
	return Float64List(l), err
}

func (l Float64List) ToPtr() Ptr { return List(l).ToPtr() }
func (l Float64List) Len() int   { return List(l).Len() }

func (l Float64List) At(i int) float64 {
	return math.Float64frombits(UInt64List(l).At(i))
}

func (l Float64List) Set(i int, v float64) {
	UInt64List(l).Set(i, math.Float64bits(v))
}

// BitList is a list of packed booleans.
type BitList List

func NewBitList(s *Segment, n int32) (BitList, error) {
	l, err := newPrimitiveList(s, ObjectSize{}, n, isBitList)
	return BitList(l), err
}

func (l BitList) ToPtr() Ptr { return List(l).ToPtr() }
func (l BitList) Len() int   { return List(l).Len() }

func (l BitList) bitAddr(i int) (Address, uint8, bool) {
	if l.seg == nil || i < 0 || i >= int(l.length) || l.flags&isBitList == 0 {
		return 0, 0, false
	}
	return l.off + Address(i/8), uint8(1) << (i % 8), true
}

// At returns bit i, or false when i is out of range.
func (l BitList) At(i int) bool {
	addr, mask, ok := l.bitAddr(i)
	if !ok {
		return false
	}
	return l.seg.readUint8(addr)&mask != 0
}

// Set stores bit i.
func (l BitList) Set(i int, v bool) {
	addr, mask, ok := l.bitAddr(i)
	if !ok {
		panic(errors.OutOfBounds(errors.PhaseEncode, []string{"list"}, i, l.Len()))
	}
	b := l.seg.readUint8(addr)
	if v {
		b |= mask
	} else {
		b &^= mask
	}
	l.seg.writeUint8(addr, b)
}

// VoidList is a list of elements that occupy no space.
type VoidList List

func NewVoidList(s *Segment, n int32) (VoidList, error) {
	l, err := newPrimitiveList(s, ObjectSize{}, n, 0)
	return VoidList(l), err
}

func (l VoidList) ToPtr() Ptr { return List(l).ToPtr() }
func (l VoidList) Len() int   { return List(l).Len() }

// PointerList is a list of pointers of any kind.
type PointerList List

func NewPointerList(s *Segment, n int32) (PointerList, error) {
	l, err := newPrimitiveList(s, ObjectSize{PointerCount: 1}, n, 0)
	return PointerList(l), err
}

func (l PointerList) ToPtr() Ptr { return List(l).ToPtr() }
func (l PointerList) Len() int   { return List(l).Len() }

// At returns element i.
func (l PointerList) At(i int) (Ptr, error) {
	addr, err := List(l).primitiveElem(i, ObjectSize{PointerCount: 1})
	if err != nil {
		return Ptr{}, err
	}
	return l.seg.readPtr(addr, l.depthLimit)
}

// Set stores p in element i, copying it if it belongs to another message.
func (l PointerList) Set(i int, p Ptr) error {
	addr, err := List(l).primitiveElem(i, ObjectSize{PointerCount: 1})
	if err != nil {
		return err
	}
	return l.seg.writePtr(addr, p, false)
}

// TextList is a list of text values.
type TextList List

func NewTextList(s *Segment, n int32) (TextList, error) {
	l, err := NewPointerList(s, n)
	return TextList(l), err
}

func (l TextList) ToPtr() Ptr { return List(l).ToPtr() }
func (l TextList) Len() int   { return List(l).Len() }

// At returns element i.
func (l TextList) At(i int) (string, error) {
	p, err := PointerList(l).At(i)
	if err != nil {
		return "", err
	}
	return p.Text()
}

// BytesAt returns element i without copying.
func (l TextList) BytesAt(i int) ([]byte, error) {
	p, err := PointerList(l).At(i)
	if err != nil {
		return nil, err
	}
	return p.TextBytes()
}

// Set stores v in element i.
func (l TextList) Set(i int, v string) error {
	if l.seg == nil {
		return errors.Closed(errors.PhaseEncode, "list")
	}
	t, err := NewText(l.seg, v)
	if err != nil {
		return err
	}
	return PointerList(l).Set(i, t.ToPtr())
}

// DataList is a list of byte blobs.
type DataList List

func NewDataList(s *Segment, n int32) (DataList, error) {
	l, err := NewPointerList(s, n)
	return DataList(l), err
}

func (l DataList) ToPtr() Ptr { return List(l).ToPtr() }
func (l DataList) Len() int   { return List(l).Len() }

// At returns element i without copying.
func (l DataList) At(i int) ([]byte, error) {
	p, err := PointerList(l).At(i)
	if err != nil {
		return nil, err
	}
	return p.Data()
}

// Set stores v in element i.
func (l DataList) Set(i int, v []byte) error {
	if l.seg == nil {
		return errors.Closed(errors.PhaseEncode, "list")
	}
	d, err := NewData(l.seg, v)
	if err != nil {
		return err
	}
	return PointerList(l).Set(i, d.ToPtr())
}

// StructList is a list of structs.
type StructList List

func (l StructList) ToPtr() Ptr    { return List(l).ToPtr() }
func (l StructList) Len() int      { return List(l).Len() }
func (l StructList) IsValid() bool { return List(l).IsValid() }

// At returns element i.
func (l StructList) At(i int) Struct {
	return List(l).Struct(i)
}

// Set copies s into element i.
func (l StructList) Set(i int, s Struct) error {
	return List(l).SetStruct(i, s)
}

// NewText allocates NUL-terminated text.
func NewText(s *Segment, v string) (UInt8List, error) {
	if len(v) >= MaxListLength {
		return UInt8List{}, errors.Overflow(errors.PhaseEncode, len(v), "text length")
	}
	l, err := NewIntList[uint8](s, int32(len(v)+1))
	if err != nil {
		return l, err
	}
	copy(l.seg.slice(l.off, Size(len(v))), v)
	return l, nil
}

// NewData allocates a byte blob.
func NewData(s *Segment, v []byte) (UInt8List, error) {
	if len(v) > MaxListLength {
		return UInt8List{}, errors.Overflow(errors.PhaseEncode, len(v), "data length")
	}
	l, err := NewIntList[uint8](s, int32(len(v)))
	if err != nil {
		return l, err
	}
	copy(l.seg.slice(l.off, Size(len(v))), v)
	return l, nil
}
