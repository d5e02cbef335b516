package wire

import (
	"encoding/binary"
	"io"

	"github.com/wippyai/caprpc/errors"
)

// maxSegments bounds the segment count accepted in a frame header.
const maxSegments = 512

// DefaultMaxMessageSize bounds frames read by a Decoder.
const DefaultMaxMessageSize = 64 << 20

// Marshal encodes the message as a frame: the segment count minus one and
// each segment's word count as little-endian uint32s, padded to a word,
// followed by the segments.
func (m *Message) Marshal() ([]byte, error) {
	n := m.NumSegments()
	if n == 0 {
		return nil, errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Detail("message has no segments").
			Build()
	}
	if n > maxSegments {
		return nil, errors.New(errors.PhaseEncode, errors.KindOverflow).
			Detail("message has %d segments, limit %d", n, maxSegments).
			Build()
	}
	segs := make([][]byte, n)
	total := uint64(headerSize(n))
	for i := range segs {
		s, err := m.Segment(SegmentID(i))
		if err != nil {
			return nil, err
		}
		segs[i] = s.data
		total += uint64(len(s.data))
	}

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf, uint32(n-1))
	for i, data := range segs {
		binary.LittleEndian.PutUint32(buf[4+4*i:], uint32(len(data)/int(wordSize)))
	}
	off := headerSize(n)
	for _, data := range segs {
		off += copy(buf[off:], data)
	}
	return buf, nil
}

func headerSize(n int64) int {
	h := 4 + 4*int(n)
	return (h + int(wordSize) - 1) &^ (int(wordSize) - 1)
}

// Unmarshal decodes a frame with the default limits. The message aliases
// data.
func Unmarshal(data []byte) (*Message, error) {
	return UnmarshalWithOptions(data, Limits{})
}

// UnmarshalWithOptions decodes a frame with the given read limits. Zero
// limit fields use the defaults.
func UnmarshalWithOptions(data []byte, lim Limits) (*Message, error) {
	sizes, hdr, err := parseSegmentTable(data)
	if err != nil {
		return nil, err
	}
	var total uint64
	for _, sz := range sizes {
		total += sz
	}
	if uint64(len(data)-hdr) != total {
		return nil, errors.InvalidData(errors.PhaseDecode, []string{"frame"},
			"frame length does not match segment table")
	}
	segs := make([][]byte, len(sizes))
	off := uint64(hdr)
	for i, sz := range sizes {
		segs[i] = data[off : off+sz : off+sz]
		off += sz
	}
	return &Message{
		Arena:         &readOnlyArena{segs: segs},
		TraverseLimit: lim.TraverseLimit,
		DepthLimit:    lim.DepthLimit,
	}, nil
}

// parseSegmentTable returns each segment's size in bytes and the header
// length. It needs only as much of data as the header occupies.
func parseSegmentTable(data []byte) ([]uint64, int, error) {
	if len(data) < 4 {
		return nil, 0, errors.InvalidData(errors.PhaseDecode, []string{"frame"}, "short segment table")
	}
	n := uint64(binary.LittleEndian.Uint32(data)) + 1
	if n > maxSegments {
		return nil, 0, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Path("frame").
			Detail("frame declares %d segments, limit %d", n, maxSegments).
			Build()
	}
	hdr := headerSize(int64(n))
	if len(data) < hdr {
		return nil, 0, errors.InvalidData(errors.PhaseDecode, []string{"frame"}, "short segment table")
	}
	sizes := make([]uint64, n)
	for i := range sizes {
		words := uint64(binary.LittleEndian.Uint32(data[4+4*i:]))
		sizes[i] = words * uint64(wordSize)
		if sizes[i] > uint64(maxSegmentSize) {
			return nil, 0, errors.New(errors.PhaseDecode, errors.KindInvalidData).
				Path("frame").
				Detail("segment %d declares %d words", i, words).
				Build()
		}
	}
	return sizes, hdr, nil
}

// Encoder writes frames to a stream.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one message.
func (e *Encoder) Encode(m *Message) error {
	b, err := m.Marshal()
	if err != nil {
		return err
	}
	if _, err := e.w.Write(b); err != nil {
		return errors.Wrap(errors.PhaseTransport, errors.KindDisconnected, err, "write frame")
	}
	return nil
}

// Decoder reads frames from a stream.
type Decoder struct {
	r io.Reader

	// MaxMessageSize bounds the total bytes of one frame. Zero means
	// DefaultMaxMessageSize.
	MaxMessageSize uint64

	// Limits is applied to every decoded message.
	Limits Limits
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// DecodeFrame reads the bytes of one frame.
func (d *Decoder) DecodeFrame() ([]byte, error) {
	maxSize := d.MaxMessageSize
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}

	var first [8]byte
	if _, err := io.ReadFull(d.r, first[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.Wrap(errors.PhaseTransport, errors.KindDisconnected, err, "read frame header")
	}
	n := uint64(binary.LittleEndian.Uint32(first[:])) + 1
	if n > maxSegments {
		return nil, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Path("frame").
			Detail("frame declares %d segments, limit %d", n, maxSegments).
			Build()
	}
	hdr := make([]byte, headerSize(int64(n)))
	copy(hdr, first[:])
	if _, err := io.ReadFull(d.r, hdr[len(first):]); err != nil {
		return nil, errors.Wrap(errors.PhaseTransport, errors.KindDisconnected, err, "read segment table")
	}
	sizes, _, err := parseSegmentTable(hdr)
	if err != nil {
		return nil, err
	}
	total := uint64(len(hdr))
	for _, sz := range sizes {
		total += sz
		if total > maxSize {
			return nil, errors.New(errors.PhaseDecode, errors.KindOverflow).
				Path("frame").
				Detail("frame exceeds %d bytes", maxSize).
				Build()
		}
	}
	buf := make([]byte, total)
	copy(buf, hdr)
	if _, err := io.ReadFull(d.r, buf[len(hdr):]); err != nil {
		return nil, errors.Wrap(errors.PhaseTransport, errors.KindDisconnected, err, "read segments")
	}
	return buf, nil
}

// Decode reads and decodes one message.
func (d *Decoder) Decode() (*Message, error) {
	buf, err := d.DecodeFrame()
	if err != nil {
		return nil, err
	}
	return UnmarshalWithOptions(buf, d.Limits)
}
