package wire

import (
	"github.com/wippyai/caprpc/errors"
)

// copyObject deep-copies the struct or list src into dst's message and
// returns the new object. depth counts nesting from the top of the copy.
func copyObject(dst *Segment, src Ptr, depth uint) (Ptr, error) {
	if limit := dst.msg.depthLimit(); depth > limit {
		return Ptr{}, errors.DepthExceeded(limit)
	}
	switch src.flags.ptrType() {
	case structPtrType:
		s := src.Struct()
		ns, err := NewStruct(dst, s.size)
		if err != nil {
			return Ptr{}, err
		}
		if err := copyStruct(ns, s, depth); err != nil {
			return Ptr{}, err
		}
		return ns.ToPtr(), nil

	case listPtrType:
		l := src.List()
		if l.flags&isCompositeList != 0 {
			nl, err := NewCompositeList(dst, l.size, l.length)
			if err != nil {
				return Ptr{}, err
			}
			for i := 0; i < l.Len(); i++ {
				if err := copyStruct(nl.At(i), l.Struct(i), depth); err != nil {
					return Ptr{}, err
				}
			}
			return nl.ToPtr(), nil
		}

		nl, err := newPrimitiveList(dst, l.size, l.length, l.flags)
		if err != nil {
			return Ptr{}, err
		}
		if l.ElementSize() != PointerElement {
			sz, _ := l.byteSize()
			copy(nl.seg.slice(nl.off, sz), l.seg.slice(l.off, sz))
			return nl.ToPtr(), nil
		}
		for i := 0; i < l.Len(); i++ {
			p, err := PointerList(l).At(i)
			if err != nil {
				return Ptr{}, err
			}
			addr, _ := List(nl).primitiveElem(i, ObjectSize{PointerCount: 1})
			if err := copyPtr(nl.seg, addr, p, depth+1); err != nil {
				return Ptr{}, err
			}
		}
		return nl.ToPtr(), nil
	}
	return Ptr{}, errors.TypeMismatch(errors.PhaseEncode, nil, "struct or list", src.Kind())
}

// copyStruct copies src's sections into the freshly allocated dst of the
// same size.
func copyStruct(dst, src Struct, depth uint) error {
	n := min(dst.size.DataSize, src.size.DataSize)
	if n > 0 {
		copy(dst.seg.slice(dst.off, n), src.seg.slice(src.off, n))
	}
	for i := uint16(0); i < min(dst.size.PointerCount, src.size.PointerCount); i++ {
		p, err := src.Ptr(i)
		if err != nil {
			return err
		}
		addr, _ := dst.pointerAddress(i)
		if err := copyPtr(dst.seg, addr, p, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// copyPtr writes a copy of p into the pointer slot at addr. Capabilities
// are not copied; writePtr duplicates their table entries across messages.
func copyPtr(dst *Segment, addr Address, p Ptr, depth uint) error {
	if !p.IsValid() || p.flags.ptrType() == interfacePtrType {
		return dst.writePtr(addr, p, false)
	}
	cp, err := copyObject(dst, p, depth)
	if err != nil {
		return err
	}
	return dst.writePtr(addr, cp, false)
}

// Clone deep-copies p into dst's message and returns the copy, which is
// not yet linked into the tree.
func Clone(dst *Segment, p Ptr) (Ptr, error) {
	if !p.IsValid() || p.flags.ptrType() == interfacePtrType {
		return p, nil
	}
	return copyObject(dst, p, 0)
}
