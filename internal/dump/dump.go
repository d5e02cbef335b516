// Package dump walks a message without a schema and renders what it finds.
package dump

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"

	"github.com/wippyai/caprpc/wire"
)

// Node kinds.
const (
	KindNull       = "null"
	KindStruct     = "struct"
	KindList       = "list"
	KindCapability = "capability"
)

// Node is one object of a message. Fields that do not apply to Kind are
// left empty. A pointer that could not be read keeps its Kind as far as
// it was decoded and sets Err.
type Node struct {
	Kind string `cbor:"1,keyasint"`

	// Struct
	Data []uint64 `cbor:"2,keyasint,omitempty"`
	Ptrs []*Node  `cbor:"3,keyasint,omitempty"`

	// List
	Elem   string   `cbor:"4,keyasint,omitempty"`
	Len    int      `cbor:"5,keyasint,omitempty"`
	Values []uint64 `cbor:"6,keyasint,omitempty"`
	Bits   []bool   `cbor:"7,keyasint,omitempty"`
	Bytes  []byte   `cbor:"8,keyasint,omitempty"`
	Items  []*Node  `cbor:"9,keyasint,omitempty"`

	// Text is set for byte lists that look like NUL-terminated UTF-8.
	Text string `cbor:"10,keyasint,omitempty"`

	// Cap is the capability table index.
	Cap uint32 `cbor:"11,keyasint,omitempty"`

	Err string `cbor:"12,keyasint,omitempty"`
}

// Walk decodes the message's root. Read errors below the root are kept
// in the tree; only a failure to read the root itself is returned.
//
// A framed message arrives without its capability table, so Walk sets
// msg.UncheckedCaps and reports capability indices as written.
func Walk(msg *wire.Message) (*Node, error) {
	msg.UncheckedCaps = true
	root, err := msg.Root()
	if err != nil {
		return nil, err
	}
	return walk(root), nil
}

func walk(p wire.Ptr) *Node {
	switch p.Kind() {
	case KindStruct:
		return walkStruct(p.Struct())
	case KindList:
		return walkList(p.List())
	case KindCapability:
		return &Node{Kind: KindCapability, Cap: uint32(p.Interface().Capability())}
	}
	return &Node{Kind: KindNull}
}

func walkStruct(s wire.Struct) *Node {
	n := &Node{Kind: KindStruct}
	sz := s.Size()
	for off := wire.Size(0); off+8 <= sz.DataSize; off += 8 {
		n.Data = append(n.Data, s.Uint64(wire.DataOffset(off)))
	}
	for i := uint16(0); i < sz.PointerCount; i++ {
		p, err := s.Ptr(i)
		if err != nil {
			n.Ptrs = append(n.Ptrs, &Node{Kind: KindNull, Err: err.Error()})
			continue
		}
		n.Ptrs = append(n.Ptrs, walk(p))
	}
	return n
}

func walkList(l wire.List) *Node {
	es := l.ElementSize()
	n := &Node{Kind: KindList, Elem: es.String(), Len: l.Len()}
	switch es {
	case wire.BitElement:
		bl := wire.BitList(l)
		for i := 0; i < bl.Len(); i++ {
			n.Bits = append(n.Bits, bl.At(i))
		}
	case wire.ByteElement:
		b, err := l.ToPtr().Data()
		if err != nil {
			n.Err = err.Error()
			break
		}
		if text, ok := asText(b); ok {
			n.Text = text
		} else {
			n.Bytes = append([]byte(nil), b...)
		}
	case wire.TwoByteElement:
		il := wire.IntList[uint16](l)
		for i := 0; i < il.Len(); i++ {
			n.Values = append(n.Values, uint64(il.At(i)))
		}
	case wire.FourByteElement:
		il := wire.IntList[uint32](l)
		for i := 0; i < il.Len(); i++ {
			n.Values = append(n.Values, uint64(il.At(i)))
		}
	case wire.EightByteElement:
		il := wire.IntList[uint64](l)
		for i := 0; i < il.Len(); i++ {
			n.Values = append(n.Values, il.At(i))
		}
	case wire.PointerElement:
		pl := wire.PointerList(l)
		for i := 0; i < pl.Len(); i++ {
			p, err := pl.At(i)
			if err != nil {
				n.Items = append(n.Items, &Node{Kind: KindNull, Err: err.Error()})
				continue
			}
			n.Items = append(n.Items, walk(p))
		}
	case wire.CompositeElement:
		sl := wire.StructList(l)
		for i := 0; i < sl.Len(); i++ {
			n.Items = append(n.Items, walkStruct(sl.At(i)))
		}
	}
	return n
}

// asText reports whether b is a NUL-terminated run of printable UTF-8.
func asText(b []byte) (string, bool) {
	if len(b) == 0 || b[len(b)-1] != 0 {
		return "", false
	}
	body := b[:len(b)-1]
	if bytes.IndexByte(body, 0) >= 0 || !utf8.Valid(body) {
		return "", false
	}
	for _, r := range string(body) {
		if r < 0x20 && r != '\n' && r != '\t' && r != '\r' {
			return "", false
		}
	}
	return string(body), true
}

// Segment describes one segment of a message.
type Segment struct {
	ID    uint32 `cbor:"1,keyasint"`
	Words int    `cbor:"2,keyasint"`
}

// Segments lists the message's segments in order.
func Segments(msg *wire.Message) ([]Segment, error) {
	n := msg.NumSegments()
	out := make([]Segment, 0, n)
	for i := int64(0); i < n; i++ {
		seg, err := msg.Segment(wire.SegmentID(i))
		if err != nil {
			return nil, err
		}
		out = append(out, Segment{ID: uint32(i), Words: len(seg.Data()) / 8})
	}
	return out, nil
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dump: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// CBOR encodes the tree in canonical CBOR. Equal trees encode to equal
// bytes.
func CBOR(n *Node) ([]byte, error) {
	return encMode.Marshal(n)
}

// DecodeCBOR is the inverse of CBOR.
func DecodeCBOR(data []byte) (*Node, error) {
	var n Node
	if err := cbor.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("dump: decode: %w", err)
	}
	return &n, nil
}

// Write renders the tree as indented text.
func Write(w io.Writer, n *Node) error {
	var b strings.Builder
	for _, l := range Lines(n) {
		b.WriteString(l.String())
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Line is one row of the text rendering.
type Line struct {
	Depth int
	Label string
	Value string
	Node  *Node
}

func (l Line) String() string {
	pad := strings.Repeat("  ", l.Depth)
	if l.Label == "" {
		return pad + l.Value
	}
	return pad + l.Label + ": " + l.Value
}

// Lines flattens the tree into display rows, depth first.
func Lines(n *Node) []Line {
	var out []Line
	appendLines(&out, 0, "root", n)
	return out
}

func appendLines(out *[]Line, depth int, label string, n *Node) {
	*out = append(*out, Line{Depth: depth, Label: label, Value: summary(n), Node: n})
	switch n.Kind {
	case KindStruct:
		for i, w := range n.Data {
			*out = append(*out, Line{Depth: depth + 1, Label: fmt.Sprintf("data[%d]", i), Value: fmt.Sprintf("0x%016x (%d)", w, w)})
		}
		for i, p := range n.Ptrs {
			appendLines(out, depth+1, fmt.Sprintf("ptr[%d]", i), p)
		}
	case KindList:
		for i, it := range n.Items {
			appendLines(out, depth+1, fmt.Sprintf("[%d]", i), it)
		}
	}
}

func summary(n *Node) string {
	var s string
	switch n.Kind {
	case KindStruct:
		s = fmt.Sprintf("struct data=%d ptrs=%d", len(n.Data), len(n.Ptrs))
	case KindList:
		s = fmt.Sprintf("list<%s> len=%d", n.Elem, n.Len)
		switch {
		case n.Text != "":
			s += fmt.Sprintf(" text %q", n.Text)
		case n.Bytes != nil:
			s += fmt.Sprintf(" bytes %x", n.Bytes)
		case n.Values != nil:
			s += fmt.Sprintf(" %v", n.Values)
		case n.Bits != nil:
			s += fmt.Sprintf(" %v", n.Bits)
		}
	case KindCapability:
		s = fmt.Sprintf("capability #%d", n.Cap)
	default:
		s = "null"
	}
	if n.Err != "" {
		s += " error: " + n.Err
	}
	return s
}
