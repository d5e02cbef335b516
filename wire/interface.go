package wire

import "github.com/wippyai/caprpc/wire/internal/pointer"

// Interface is a pointer to an entry of the message's capability table.
type Interface struct {
	seg *Segment
	cap CapabilityID
}

// NewInterface returns a capability pointer to entry id of s's message.
func NewInterface(s *Segment, id CapabilityID) Interface {
	return Interface{seg: s, cap: id}
}

// ToPtr converts the interface to a generic pointer.
func (i Interface) ToPtr() Ptr {
	if i.seg == nil {
		return Ptr{}
	}
	return Ptr{
		seg:      i.seg,
		lenOrCap: uint32(i.cap),
		flags:    ptrFlags(interfacePtrType),
	}
}

// Message returns the message whose table the interface indexes.
func (i Interface) Message() *Message {
	if i.seg == nil {
		return nil
	}
	return i.seg.msg
}

// IsValid reports whether the interface is non-null.
func (i Interface) IsValid() bool {
	return i.seg != nil
}

// Capability returns the table index.
func (i Interface) Capability() CapabilityID {
	return i.cap
}

// Ref returns the table entry. The table keeps its reference.
func (i Interface) Ref() (CapRef, error) {
	if i.seg == nil {
		return nil, nil
	}
	return i.seg.msg.CapTable.At(i.cap)
}

func (i Interface) value() pointer.Pointer {
	return pointer.NewCapability(uint32(i.cap))
}
