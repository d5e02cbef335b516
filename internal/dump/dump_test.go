package dump

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wippyai/caprpc/wire"
)

// sample builds a message exercising each pointer kind and returns it
// re-read from its framed bytes.
func sample(t *testing.T, arena wire.Arena) *wire.Message {
	t.Helper()
	msg, seg, err := wire.NewMessage(arena)
	require.NoError(t, err)
	defer msg.Release()

	root, err := wire.NewRootStruct(seg, wire.ObjectSize{DataSize: 16, PointerCount: 6})
	require.NoError(t, err)
	root.SetUint64(0, 42)
	root.SetUint64(8, 0xdeadbeef)
	require.NoError(t, root.SetText(0, "hello"))

	nums, err := wire.NewIntList[uint16](seg, 3)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		nums.Set(i, uint16(i+1))
	}
	require.NoError(t, root.SetPtr(1, nums.ToPtr()))

	items, err := wire.NewCompositeList(seg, wire.ObjectSize{DataSize: 8}, 2)
	require.NoError(t, err)
	items.At(0).SetUint64(0, 7)
	items.At(1).SetUint64(0, 9)
	require.NoError(t, root.SetPtr(2, items.ToPtr()))

	require.NoError(t, root.SetPtr(3, wire.NewInterface(seg, 4).ToPtr()))
	require.NoError(t, root.SetData(4, []byte{0x00, 0xff}))

	data, err := msg.Marshal()
	require.NoError(t, err)
	in, err := wire.Unmarshal(data)
	require.NoError(t, err)
	return in
}

func TestWalk(t *testing.T) {
	n, err := Walk(sample(t, wire.SingleSegment(nil)))
	require.NoError(t, err)

	require.Equal(t, KindStruct, n.Kind)
	require.Equal(t, []uint64{42, 0xdeadbeef}, n.Data)
	require.Len(t, n.Ptrs, 6)

	require.Equal(t, "hello", n.Ptrs[0].Text)
	require.Equal(t, []uint64{1, 2, 3}, n.Ptrs[1].Values)
	require.Equal(t, "2 bytes", n.Ptrs[1].Elem)

	require.Equal(t, "composite", n.Ptrs[2].Elem)
	require.Len(t, n.Ptrs[2].Items, 2)
	require.Equal(t, []uint64{9}, n.Ptrs[2].Items[1].Data)

	require.Equal(t, KindCapability, n.Ptrs[3].Kind)
	require.Equal(t, uint32(4), n.Ptrs[3].Cap)

	require.Equal(t, []byte{0x00, 0xff}, n.Ptrs[4].Bytes)
	require.Empty(t, n.Ptrs[4].Text)

	require.Equal(t, KindNull, n.Ptrs[5].Kind)
}

func TestWalkAcrossSegments(t *testing.T) {
	arena := wire.MultiSegment(wire.MultiSegmentOptions{SegmentSize: 16, MaxSegmentSize: 16})
	msg := sample(t, arena)
	segs, err := Segments(msg)
	require.NoError(t, err)
	require.Greater(t, len(segs), 1)

	single, err := Walk(sample(t, wire.SingleSegment(nil)))
	require.NoError(t, err)
	multi, err := Walk(msg)
	require.NoError(t, err)
	require.Equal(t, single, multi)
}

func TestCBORIsCanonical(t *testing.T) {
	a, err := Walk(sample(t, wire.SingleSegment(nil)))
	require.NoError(t, err)
	b, err := Walk(sample(t, wire.MultiSegment(wire.MultiSegmentOptions{SegmentSize: 16, MaxSegmentSize: 16})))
	require.NoError(t, err)

	ea, err := CBOR(a)
	require.NoError(t, err)
	eb, err := CBOR(b)
	require.NoError(t, err)
	require.Equal(t, ea, eb)

	back, err := DecodeCBOR(ea)
	require.NoError(t, err)
	require.Equal(t, a, back)

	_, err = DecodeCBOR([]byte{0xff})
	require.Error(t, err)
}

func TestWriteText(t *testing.T) {
	n, err := Walk(sample(t, wire.SingleSegment(nil)))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, n))
	out := buf.String()
	require.Contains(t, out, "root: struct data=2 ptrs=6\n")
	require.Contains(t, out, "  data[0]: 0x000000000000002a (42)\n")
	require.Contains(t, out, "  ptr[0]: list<byte> len=6 text \"hello\"\n")
	require.Contains(t, out, "  ptr[1]: list<2 bytes> len=3 [1 2 3]\n")
	require.Contains(t, out, "  ptr[3]: capability #4\n")
	require.Contains(t, out, "    [1]: struct data=1 ptrs=0\n")
	require.Contains(t, out, "  ptr[5]: null\n")
}

func TestWalkRecordsBadPointers(t *testing.T) {
	msg, seg, err := wire.NewMessage(wire.SingleSegment(nil))
	require.NoError(t, err)
	root, err := wire.NewRootStruct(seg, wire.ObjectSize{PointerCount: 1})
	require.NoError(t, err)
	require.NoError(t, root.SetText(0, "x"))
	data, err := msg.Marshal()
	require.NoError(t, err)

	// The root struct's only pointer is segment word 1, after the 8-byte
	// frame header. Move its target far past the end of the segment.
	ptr := data[8+8:]
	ptr[0], ptr[1], ptr[2], ptr[3] = 0xfd, 0xff, 0xff, 0x1f
	in, err := wire.Unmarshal(data)
	require.NoError(t, err)

	n, err := Walk(in)
	require.NoError(t, err)
	require.Len(t, n.Ptrs, 1)
	require.NotEmpty(t, n.Ptrs[0].Err)
}
