// Package pointer encodes and decodes the single-word pointers that link
// objects inside a message.
//
// The two low bits select the kind:
//
//	0  struct  [offset:30 signed][data words:16][pointer count:16]
//	1  list    [offset:30 signed][element size:3][count:29]
//	2  far     [double:1][landing pad offset:29][segment id:32]
//	3  other   [type:30 (0 = capability)][capability index:32]
//
// Offsets of struct and list pointers are in words, relative to the word
// following the pointer.
package pointer

import "fmt"

// Pointer is one raw pointer word. The zero value is the null pointer.
type Pointer uint64

// Type is the kind stored in the low two bits.
type Type uint8

const (
	Struct Type = 0
	List   Type = 1
	Far    Type = 2
	Other  Type = 3
)

func (t Type) String() string {
	switch t {
	case Struct:
		return "struct"
	case List:
		return "list"
	case Far:
		return "far"
	case Other:
		return "other"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ElementSize is the three-bit element size tag of a list pointer.
type ElementSize uint8

const (
	Void ElementSize = iota
	Bit
	Byte
	TwoBytes
	FourBytes
	EightBytes
	PointerElem
	Composite
)

// DataBits returns the bits of data per element, or 0 for void, pointer
// and composite elements.
func (es ElementSize) DataBits() uint32 {
	switch es {
	case Bit:
		return 1
	case Byte:
		return 8
	case TwoBytes:
		return 16
	case FourBytes:
		return 32
	case EightBytes:
		return 64
	}
	return 0
}

func (es ElementSize) String() string {
	switch es {
	case Void:
		return "void"
	case Bit:
		return "bit"
	case Byte:
		return "byte"
	case TwoBytes:
		return "2 bytes"
	case FourBytes:
		return "4 bytes"
	case EightBytes:
		return "8 bytes"
	case PointerElem:
		return "pointer"
	case Composite:
		return "composite"
	}
	return fmt.Sprintf("element size(%d)", uint8(es))
}

// MaxOffset and MinOffset bound the signed 30-bit offset field.
const (
	MaxOffset = 1<<29 - 1
	MinOffset = -(1 << 29)
)

// MaxListCount is the largest element (or word) count a list pointer holds.
const MaxListCount = 1<<29 - 1

// NewStruct returns a struct pointer.
func NewStruct(off int32, dataWords, ptrCount uint16) Pointer {
	return Pointer(uint32(off)<<2|uint32(Struct)) |
		Pointer(dataWords)<<32 | Pointer(ptrCount)<<48
}

// NewList returns a list pointer. For composite lists count is the number
// of words following the tag word.
func NewList(off int32, es ElementSize, count uint32) Pointer {
	return Pointer(uint32(off)<<2|uint32(List)) |
		Pointer(es)<<32 | Pointer(count)<<35
}

// NewFar returns a far pointer to a landing pad at word offset padWords in
// segment seg.
func NewFar(seg uint32, padWords uint32, double bool) Pointer {
	p := Pointer(padWords<<3 | uint32(Far))
	if double {
		p |= 4
	}
	return p | Pointer(seg)<<32
}

// NewCapability returns a capability pointer referencing index idx of the
// message's capability table.
func NewCapability(idx uint32) Pointer {
	return Pointer(Other) | Pointer(idx)<<32
}

// Type returns the pointer kind.
func (p Pointer) Type() Type {
	return Type(p & 3)
}

// IsNull reports whether p is the null pointer.
func (p Pointer) IsNull() bool {
	return p == 0
}

// Offset returns the signed word offset of a struct or list pointer.
func (p Pointer) Offset() int32 {
	return int32(uint32(p)) >> 2
}

// WithOffset returns p with its offset field replaced.
func (p Pointer) WithOffset(off int32) Pointer {
	return p&^0xffffffff | Pointer(uint32(off)<<2|uint32(p&3))
}

// StructSize returns the data word count and pointer count of a struct
// pointer or composite tag word.
func (p Pointer) StructSize() (dataWords, ptrCount uint16) {
	return uint16(p >> 32), uint16(p >> 48)
}

// ElementSize returns the element size tag of a list pointer.
func (p Pointer) ElementSize() ElementSize {
	return ElementSize(p>>32) & 7
}

// ListCount returns the element count of a list pointer, or the word count
// of a composite list.
func (p Pointer) ListCount() uint32 {
	return uint32(p >> 35)
}

// CompositeCount returns the element count stored in a composite tag word.
func (p Pointer) CompositeCount() uint32 {
	return uint32(p) >> 2
}

// NewCompositeTag returns the tag word that precedes composite list elements.
func NewCompositeTag(count uint32, dataWords, ptrCount uint16) Pointer {
	return Pointer(count<<2|uint32(Struct)) |
		Pointer(dataWords)<<32 | Pointer(ptrCount)<<48
}

// IsDoubleFar reports whether a far pointer's landing pad is two words.
func (p Pointer) IsDoubleFar() bool {
	return p&4 != 0
}

// FarSegment returns the segment id of a far pointer.
func (p Pointer) FarSegment() uint32 {
	return uint32(p >> 32)
}

// FarOffset returns the landing pad word offset of a far pointer.
func (p Pointer) FarOffset() uint32 {
	return uint32(p) >> 3
}

// OtherType returns the 30-bit type field of an "other" pointer. Zero
// denotes a capability.
func (p Pointer) OtherType() uint32 {
	return uint32(p) >> 2
}

// CapabilityIndex returns the table index of a capability pointer.
func (p Pointer) CapabilityIndex() uint32 {
	return uint32(p >> 32)
}

func (p Pointer) String() string {
	if p == 0 {
		return "null"
	}
	switch p.Type() {
	case Struct:
		d, n := p.StructSize()
		return fmt.Sprintf("struct(off=%d, data=%d, ptrs=%d)", p.Offset(), d, n)
	case List:
		return fmt.Sprintf("list(off=%d, %v, n=%d)", p.Offset(), p.ElementSize(), p.ListCount())
	case Far:
		return fmt.Sprintf("far(seg=%d, off=%d, double=%t)", p.FarSegment(), p.FarOffset(), p.IsDoubleFar())
	default:
		if p.OtherType() == 0 {
			return fmt.Sprintf("capability(%d)", p.CapabilityIndex())
		}
		return fmt.Sprintf("other(type=%d)", p.OtherType())
	}
}
