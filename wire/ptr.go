package wire

import (
	"bytes"
	"strconv"

	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/wire/internal/pointer"
)

type ptrType uint8

const (
	nullPtrType ptrType = iota
	structPtrType
	listPtrType
	interfacePtrType
)

// ptrFlags packs the pointer type in the low two bits and the struct or
// list flags above them.
type ptrFlags uint8

func (f ptrFlags) ptrType() ptrType {
	return ptrType(f & 3)
}

func (f ptrFlags) structFlags() structFlags {
	return structFlags(f >> 2)
}

func (f ptrFlags) listFlags() listFlags {
	return listFlags(f >> 2)
}

func structPtrFlags(sf structFlags) ptrFlags {
	return ptrFlags(sf)<<2 | ptrFlags(structPtrType)
}

func listPtrFlags(lf listFlags) ptrFlags {
	return ptrFlags(lf)<<2 | ptrFlags(listPtrType)
}

// Ptr is a reference to a struct, list or capability inside a message.
// The zero value is the null pointer.
type Ptr struct {
	seg        *Segment
	off        Address
	lenOrCap   uint32
	size       ObjectSize
	depthLimit uint
	flags      ptrFlags
}

// IsValid reports whether p is non-null.
func (p Ptr) IsValid() bool {
	return p.seg != nil && p.flags.ptrType() != nullPtrType
}

// Segment returns the segment the object lives in.
func (p Ptr) Segment() *Segment {
	return p.seg
}

// Message returns the message the object lives in, or nil for null.
func (p Ptr) Message() *Message {
	if p.seg == nil {
		return nil
	}
	return p.seg.msg
}

// Kind names the pointer type: "null", "struct", "list" or "capability".
func (p Ptr) Kind() string {
	switch p.flags.ptrType() {
	case structPtrType:
		return "struct"
	case listPtrType:
		return "list"
	case interfacePtrType:
		return "capability"
	}
	return "null"
}

// Struct converts p to a struct view. Non-struct pointers yield the zero
// Struct.
func (p Ptr) Struct() Struct {
	if p.flags.ptrType() != structPtrType {
		return Struct{}
	}
	return Struct{
		seg:        p.seg,
		off:        p.off,
		size:       p.size,
		depthLimit: p.depthLimit,
		flags:      p.flags.structFlags(),
	}
}

// List converts p to a list view. Non-list pointers yield the zero List.
func (p Ptr) List() List {
	if p.flags.ptrType() != listPtrType {
		return List{}
	}
	return List{
		seg:        p.seg,
		off:        p.off,
		length:     int32(p.lenOrCap),
		size:       p.size,
		depthLimit: p.depthLimit,
		flags:      p.flags.listFlags(),
	}
}

// Interface converts p to a capability view. Other pointers yield the
// zero Interface.
func (p Ptr) Interface() Interface {
	if p.flags.ptrType() != interfacePtrType {
		return Interface{}
	}
	return Interface{seg: p.seg, cap: CapabilityID(p.lenOrCap)}
}

// Text returns the NUL-terminated text p points to. A null pointer is the
// empty string.
func (p Ptr) Text() (string, error) {
	b, err := p.TextBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// TextBytes returns the text p points to without the terminator. The
// slice aliases the message.
func (p Ptr) TextBytes() ([]byte, error) {
	if !p.IsValid() {
		return nil, nil
	}
	b, err := p.byteList("text")
	if err != nil {
		return nil, err
	}
	if len(b) == 0 || b[len(b)-1] != 0 {
		return nil, errors.InvalidData(errors.PhaseDecode, nil, "text is missing its NUL terminator")
	}
	b = b[:len(b)-1]
	// Tolerate extra NUL padding written by some encoders.
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return b, nil
}

// Data returns the bytes p points to. The slice aliases the message.
func (p Ptr) Data() ([]byte, error) {
	if !p.IsValid() {
		return nil, nil
	}
	return p.byteList("data")
}

func (p Ptr) byteList(what string) ([]byte, error) {
	l := p.List()
	if !l.IsValid() {
		return nil, errors.TypeMismatch(errors.PhaseDecode, nil, what, p.Kind())
	}
	if l.flags&(isBitList|isCompositeList) != 0 || l.size != (ObjectSize{DataSize: 1}) {
		return nil, errors.TypeMismatch(errors.PhaseDecode, nil, what, "non-byte list")
	}
	return l.seg.slice(l.off, Size(l.length)), nil
}

// objectStart returns the address of the first word of the object and a
// raw pointer to it with a zero offset.
func (p Ptr) objectStart() (Address, pointer.Pointer) {
	switch p.flags.ptrType() {
	case structPtrType:
		return p.off, pointer.NewStruct(0, p.size.dataWordCount(), p.size.PointerCount)
	case listPtrType:
		l := p.List()
		return l.objectStart()
	}
	return 0, 0
}

// SamePtr reports whether p and q reference the same object.
func (p Ptr) SamePtr(q Ptr) bool {
	return p.seg == q.seg && p.off == q.off && p.flags.ptrType() == q.flags.ptrType() &&
		(p.flags.ptrType() != interfacePtrType || p.lenOrCap == q.lenOrCap)
}

// PipelineOp is one step of a path into a result: follow pointer Field of
// the current struct. DefaultValue, if set, is a framed message whose
// root is used when the field is null.
type PipelineOp struct {
	Field        uint16
	DefaultValue []byte
}

// Transform applies a path of pointer-field hops to p.
func Transform(p Ptr, ops []PipelineOp) (Ptr, error) {
	for i, op := range ops {
		s := p.Struct()
		if p.IsValid() && !s.IsValid() {
			return Ptr{}, errors.New(errors.PhaseDecode, errors.KindTypeMismatch).
				Path(opPath(ops[:i+1])...).
				Detail("pipeline step applied to a %s", p.Kind()).
				Build()
		}
		var err error
		p, err = s.Ptr(op.Field)
		if err != nil {
			return Ptr{}, err
		}
		if !p.IsValid() && op.DefaultValue != nil {
			dm, err := Unmarshal(op.DefaultValue)
			if err != nil {
				return Ptr{}, err
			}
			if p, err = dm.Root(); err != nil {
				return Ptr{}, err
			}
		}
	}
	return p, nil
}

func opPath(ops []PipelineOp) []string {
	path := make([]string, len(ops))
	for i, op := range ops {
		path[i] = "ptr[" + strconv.Itoa(int(op.Field)) + "]"
	}
	return path
}
