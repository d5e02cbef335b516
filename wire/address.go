package wire

import "math"

// Address is a byte offset within a segment.
type Address uint32

// Size is a size in bytes.
type Size uint32

// DataOffset is a byte offset into a struct's data section.
type DataOffset uint32

// BitOffset is a bit offset into a struct's data section.
type BitOffset uint32

// CapabilityID is an index into a message's capability table.
type CapabilityID uint32

// SegmentID is the index of a segment within a message.
type SegmentID uint32

const wordSize Size = 8

// maxSegmentSize is the largest segment the framing header can describe
// within a 32-bit address space.
const maxSegmentSize Size = math.MaxUint32 &^ (Size(wordSize) - 1)

// ObjectSize is the size of a struct or of one composite list element.
type ObjectSize struct {
	DataSize     Size // multiple of the word size
	PointerCount uint16
}

// isZero reports whether the object occupies no words.
func (sz ObjectSize) isZero() bool {
	return sz.DataSize == 0 && sz.PointerCount == 0
}

// isValid reports whether the data section is word-aligned and fits the
// 16-bit word count of a struct pointer.
func (sz ObjectSize) isValid() bool {
	return sz.DataSize%wordSize == 0 && sz.DataSize <= math.MaxUint16*wordSize
}

// pointerSize is the byte size of the pointer section.
func (sz ObjectSize) pointerSize() Size {
	return Size(sz.PointerCount) * wordSize
}

// totalSize is the byte size of the whole object.
func (sz ObjectSize) totalSize() Size {
	return sz.DataSize + sz.pointerSize()
}

func (sz ObjectSize) dataWordCount() uint16 {
	return uint16(sz.DataSize / wordSize)
}

// totalWordCount is the number of words in the object.
func (sz ObjectSize) totalWordCount() uint32 {
	return uint32(sz.dataWordCount()) + uint32(sz.PointerCount)
}

func (sz Size) words() uint64 {
	return uint64(sz) / uint64(wordSize)
}

// padToWord rounds sz up to a word boundary.
func (sz Size) padToWord() (Size, bool) {
	n := uint64(sz) + uint64(wordSize) - 1
	n &^= uint64(wordSize) - 1
	if n > math.MaxUint32 {
		return 0, false
	}
	return Size(n), true
}

// times returns sz*n, reporting false on overflow.
func (sz Size) times(n int32) (Size, bool) {
	if n < 0 {
		return 0, false
	}
	return safeMulSize(sz, Size(n))
}

// addSize returns addr+sz, reporting false on overflow.
func (addr Address) addSize(sz Size) (Address, bool) {
	x := uint64(addr) + uint64(sz)
	if x > math.MaxUint32 {
		return 0, false
	}
	return Address(x), true
}

// addOffset returns addr+off for a word-scaled signed offset.
func (addr Address) addOffset(off int64) (Address, bool) {
	x := int64(addr) + off
	if x < 0 || x > math.MaxUint32 {
		return 0, false
	}
	return Address(x), true
}

// element returns the address of the i-th element of stride sz.
func (addr Address) element(i int32, sz Size) (Address, bool) {
	off, ok := sz.times(i)
	if !ok {
		return 0, false
	}
	return addr.addSize(off)
}

func safeMulSize(a, b Size) (Size, bool) {
	x := uint64(a) * uint64(b)
	if x > math.MaxUint32 {
		return 0, false
	}
	return Size(x), true
}

// nearOffset is the signed word offset stored in a pointer at paddr that
// targets addr.
func nearOffset(paddr, addr Address) int32 {
	return int32((int64(addr) - int64(paddr) - int64(wordSize)) / int64(wordSize))
}
