package wire

import (
	"math"
	"testing"

	"github.com/wippyai/caprpc/errors"
)

func TestXORDefaults(t *testing.T) {
	msg, seg := newTestMessage(t)
	s, err := NewRootStruct(seg, ObjectSize{DataSize: 32})
	if err != nil {
		t.Fatal(err)
	}

	s.WriteBool(3, true, true)
	s.WriteUint8(1, 200, 7)
	s.WriteInt16(2, -5, 100)
	s.WriteInt32(4, math.MinInt32, -1)
	s.WriteUint64(8, 12345, 12345)
	s.WriteFloat32(16, 1.5, 2.5)
	s.WriteFloat64(24, -0.25, math.Pi)

	check := func(s Struct) {
		t.Helper()
		if !s.ReadBool(3, true) {
			t.Error("bool")
		}
		if s.Bit(3) {
			t.Error("default bool should store a zero bit")
		}
		if got := s.ReadUint8(1, 7); got != 200 {
			t.Errorf("uint8 = %d", got)
		}
		if got := s.ReadInt16(2, 100); got != -5 {
			t.Errorf("int16 = %d", got)
		}
		if got := s.ReadInt32(4, -1); got != math.MinInt32 {
			t.Errorf("int32 = %d", got)
		}
		if got := s.ReadUint64(8, 12345); got != 12345 {
			t.Errorf("uint64 = %d", got)
		}
		if s.Uint64(8) != 0 {
			t.Error("default uint64 should store zero")
		}
		if got := s.ReadFloat32(16, 2.5); got != 1.5 {
			t.Errorf("float32 = %v", got)
		}
		if got := s.ReadFloat64(24, math.Pi); got != -0.25 {
			t.Errorf("float64 = %v", got)
		}
	}
	check(s)
	check(rootStruct(t, roundTrip(t, msg)))
}

func TestDefaultsBeyondDataSection(t *testing.T) {
	msg, seg := newTestMessage(t)
	s, err := NewRootStruct(seg, ObjectSize{DataSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	s.WriteUint32(0, 11, 0)

	// Newer reader with a second word of fields.
	got := rootStruct(t, roundTrip(t, msg))
	if got.ReadUint32(0, 0) != 11 {
		t.Error("known field lost")
	}
	if got.ReadUint64(8, 99) != 99 {
		t.Error("field past data section should read as default")
	}
	if !got.ReadBool(70, true) {
		t.Error("bool past data section should read as default")
	}
	if got.ReadFloat64(16, 2.5) != 2.5 {
		t.Error("float past data section should read as default")
	}
	text, err := got.ReadText(3, "dflt")
	if err != nil || text != "dflt" {
		t.Errorf("text past pointer section = %q, %v", text, err)
	}

	// Writing a default past the data section is a no-op.
	got.WriteUint64(8, 99, 99)
	var zero Struct
	zero.WriteBool(0, false, false)
	if zero.ReadUint16(0, 4) != 4 {
		t.Error("zero struct should read defaults")
	}
}

func TestWriteOutsideStructPanics(t *testing.T) {
	_, seg := newTestMessage(t)
	s, err := NewStruct(seg, ObjectSize{DataSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	s.SetUint32(8, 1)
}

func TestOlderReaderIgnoresExtraFields(t *testing.T) {
	msg, seg := newTestMessage(t)
	s, err := NewRootStruct(seg, ObjectSize{DataSize: 16, PointerCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	s.SetUint64(0, 1)
	s.SetUint64(8, 2)
	if err := s.SetText(0, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetText(1, "b"); err != nil {
		t.Fatal(err)
	}
	got := rootStruct(t, roundTrip(t, msg))
	if got.Uint64(0) != 1 {
		t.Error("first field")
	}
	if text, err := got.ReadText(0, ""); err != nil || text != "a" {
		t.Errorf("first pointer = %q, %v", text, err)
	}
}

func TestPointerFieldKinds(t *testing.T) {
	msg, seg := newTestMessage(t)
	root, err := NewRootStruct(seg, ObjectSize{PointerCount: 4})
	if err != nil {
		t.Fatal(err)
	}
	child, err := root.InitStruct(0, ObjectSize{DataSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	child.SetUint16(0, 77)
	if err := root.SetData(1, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	refs := 1
	if _, err := root.SetCap(2, countingRef{&refs}); err != nil {
		t.Fatal(err)
	}
	if root.HasPtr(3) || !root.HasPtr(0) {
		t.Error("HasPtr mismatch")
	}

	out := roundTrip(t, msg)
	out.CapTable.Add(countingRef{&refs})
	got := rootStruct(t, out)

	cs, err := got.ReadStruct(0)
	if err != nil || cs.Uint16(0) != 77 {
		t.Errorf("struct field = %d, %v", cs.Uint16(0), err)
	}
	data, err := got.ReadData(1, nil)
	if err != nil || string(data) != "\x01\x02\x03" {
		t.Errorf("data = %v, %v", data, err)
	}
	iface, err := got.ReadCap(2)
	if err != nil || !iface.IsValid() || iface.Capability() != 0 {
		t.Errorf("cap = %+v, %v", iface, err)
	}
	if ref, err := iface.Ref(); err != nil || ref == nil {
		t.Errorf("Ref = %v, %v", ref, err)
	}
	empty, err := got.ReadStruct(3)
	if err != nil || empty.IsValid() {
		t.Error("null struct field should yield zero Struct")
	}

	_, err = got.ReadList(0)
	wantKind(t, err, errors.KindTypeMismatch)
	_, err = got.ReadStruct(1)
	wantKind(t, err, errors.KindTypeMismatch)
	_, err = got.ReadCap(0)
	wantKind(t, err, errors.KindTypeMismatch)
}

func TestTextWithoutTerminator(t *testing.T) {
	msg, seg := newTestMessage(t)
	root, err := NewRootStruct(seg, ObjectSize{PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := root.SetData(0, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	_, err = rootStruct(t, roundTrip(t, msg)).ReadText(0, "")
	wantKind(t, err, errors.KindInvalidData)
}

func TestInitStructGrowsInPlaceOfOld(t *testing.T) {
	_, seg := newTestMessage(t)
	root, err := NewRootStruct(seg, ObjectSize{PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	small, err := root.InitStruct(0, ObjectSize{DataSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	small.SetUint64(0, 7)

	again, err := root.InitStruct(0, ObjectSize{DataSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	if !again.ToPtr().SamePtr(small.ToPtr()) {
		t.Error("second InitStruct should return the existing struct")
	}

	big, err := root.InitStruct(0, ObjectSize{DataSize: 16, PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	if big.Size() != (ObjectSize{DataSize: 16, PointerCount: 1}) {
		t.Errorf("size = %+v", big.Size())
	}
	if big.Uint64(0) != 7 {
		t.Error("grown struct lost data")
	}
	cur, err := root.ReadStruct(0)
	if err != nil || !cur.ToPtr().SamePtr(big.ToPtr()) {
		t.Error("field should point at the grown struct")
	}
}

func TestOrphans(t *testing.T) {
	_, seg := newTestMessage(t)
	root, err := NewRootStruct(seg, ObjectSize{PointerCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := root.SetText(0, "moved"); err != nil {
		t.Fatal(err)
	}

	o, err := root.Disown(0)
	if err != nil {
		t.Fatal(err)
	}
	if root.HasPtr(0) {
		t.Error("disowned field should be null")
	}
	if err := root.Adopt(1, o); err != nil {
		t.Fatal(err)
	}
	if o.IsValid() {
		t.Error("orphan should be unusable after Adopt")
	}
	if err := root.Adopt(0, o); err == nil {
		t.Error("adopting a spent orphan should fail")
	}
	text, err := root.ReadText(1, "")
	if err != nil || text != "moved" {
		t.Errorf("adopted text = %q, %v", text, err)
	}

	// Adopting across messages copies.
	_, other := newTestMessage(t)
	dst, err := NewRootStruct(other, ObjectSize{PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	o, err = root.Disown(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := dst.Adopt(0, o); err != nil {
		t.Fatal(err)
	}
	p, err := dst.Ptr(0)
	if err != nil {
		t.Fatal(err)
	}
	if p.Message() != other.Message() {
		t.Error("cross-message adopt should copy into the destination")
	}
	if text, _ := p.Text(); text != "moved" {
		t.Errorf("copied text = %q", text)
	}
}

func TestTransform(t *testing.T) {
	msg, seg := newTestMessage(t)
	root, err := NewRootStruct(seg, ObjectSize{PointerCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	mid, err := root.InitStruct(0, ObjectSize{PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := mid.InitStruct(0, ObjectSize{DataSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	leaf.SetUint32(0, 5)
	if err := root.SetText(1, "x"); err != nil {
		t.Fatal(err)
	}

	rp, err := msg.Root()
	if err != nil {
		t.Fatal(err)
	}
	p, err := Transform(rp, []PipelineOp{{Field: 0}, {Field: 0}})
	if err != nil {
		t.Fatal(err)
	}
	if p.Struct().Uint32(0) != 5 {
		t.Error("transform reached the wrong struct")
	}

	p, err = Transform(rp, []PipelineOp{{Field: 0}, {Field: 0}, {Field: 0}})
	if err != nil || p.IsValid() {
		t.Errorf("path past a data-only struct should be null, got %v, %v", p.Kind(), err)
	}

	_, err = Transform(rp, []PipelineOp{{Field: 1}, {Field: 0}})
	wantKind(t, err, errors.KindTypeMismatch)
}

func TestCopyFromDifferentSizes(t *testing.T) {
	_, seg := newTestMessage(t)
	src, err := NewStruct(seg, ObjectSize{DataSize: 16, PointerCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	src.SetUint64(0, 1)
	src.SetUint64(8, 2)
	if err := src.SetText(0, "keep"); err != nil {
		t.Fatal(err)
	}
	if err := src.SetText(1, "drop"); err != nil {
		t.Fatal(err)
	}

	_, other := newTestMessage(t)
	dst, err := NewStruct(other, ObjectSize{DataSize: 8, PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := dst.CopyFrom(src); err != nil {
		t.Fatal(err)
	}
	if dst.Uint64(0) != 1 || dst.Uint64(8) != 0 {
		t.Error("data section copy")
	}
	if text, _ := dst.ReadText(0, ""); text != "keep" {
		t.Errorf("pointer copy = %q", text)
	}
}
