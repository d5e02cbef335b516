// Package transport provides caprpc.Transport implementations: a stream
// transport that frames messages over any byte stream, and an in-memory
// pipe for connecting two vats in one process.
package transport

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/wippyai/caprpc"
	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/wire"
)

var (
	_ caprpc.Transport    = (*Stream)(nil)
	_ caprpc.FrameCounter = (*Stream)(nil)
	_ caprpc.Transport    = (*PipeEnd)(nil)
	_ caprpc.FrameCounter = (*PipeEnd)(nil)
)

// Stream sends and receives frames over a byte stream. Frames are
// delimited by their own segment table, so no extra framing is added.
type Stream struct {
	rwc io.ReadWriteCloser
	dec *wire.Decoder

	writeMu sync.Mutex
	closed  atomic.Bool

	sent     atomic.Uint64
	received atomic.Uint64
}

// NewStream returns a transport over rwc. maxFrame bounds the size of a
// received frame; zero means wire.DefaultMaxMessageSize.
func NewStream(rwc io.ReadWriteCloser, maxFrame uint64) *Stream {
	dec := wire.NewDecoder(rwc)
	dec.MaxMessageSize = maxFrame
	return &Stream{rwc: rwc, dec: dec}
}

// Send writes one frame.
func (s *Stream) Send(ctx context.Context, frame []byte) error {
	if s.closed.Load() {
		return errors.Closed(errors.PhaseTransport, "stream")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	_, err := s.rwc.Write(frame)
	s.writeMu.Unlock()
	if err != nil {
		return errors.Wrap(errors.PhaseTransport, errors.KindDisconnected, err, "write frame")
	}
	s.sent.Add(1)
	return nil
}

// Recv reads the next frame. A blocked Recv returns once the stream is
// closed; ctx is only checked before reading.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame, err := s.dec.DecodeFrame()
	if err != nil {
		if err == io.EOF || s.closed.Load() {
			return nil, errors.Wrap(errors.PhaseTransport, errors.KindDisconnected, io.EOF, "stream closed")
		}
		return nil, err
	}
	s.received.Add(1)
	return frame, nil
}

// Close closes the underlying stream.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.rwc.Close()
}

// Sent returns the number of frames written.
func (s *Stream) Sent() uint64 { return s.sent.Load() }

// Received returns the number of frames read.
func (s *Stream) Received() uint64 { return s.received.Load() }

// DefaultPipeBuffer is the number of frames a pipe direction holds before
// Send blocks.
const DefaultPipeBuffer = 64

// PipeEnd is one end of an in-memory pipe.
type PipeEnd struct {
	in  <-chan []byte
	out chan<- []byte

	done     chan struct{}
	peerDone <-chan struct{}
	once     sync.Once

	sent     atomic.Uint64
	received atomic.Uint64
}

// NewPipe returns two connected transports. buffer is the number of
// frames each direction holds; zero means DefaultPipeBuffer.
func NewPipe(buffer int) (*PipeEnd, *PipeEnd) {
	if buffer <= 0 {
		buffer = DefaultPipeBuffer
	}
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	a := &PipeEnd{in: ba, out: ab, done: make(chan struct{})}
	b := &PipeEnd{in: ab, out: ba, done: make(chan struct{})}
	a.peerDone = b.done
	b.peerDone = a.done
	return a, b
}

// Send copies frame to the peer.
func (p *PipeEnd) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.done:
		return errors.Closed(errors.PhaseTransport, "pipe")
	case <-p.peerDone:
		return errors.Disconnected(io.ErrClosedPipe)
	default:
	}
	buf := append([]byte(nil), frame...)
	select {
	case p.out <- buf:
		p.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return errors.Closed(errors.PhaseTransport, "pipe")
	case <-p.peerDone:
		return errors.Disconnected(io.ErrClosedPipe)
	}
}

// Recv returns the next frame from the peer. Frames sent before the peer
// closed are still delivered.
func (p *PipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		p.received.Add(1)
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, errors.Closed(errors.PhaseTransport, "pipe")
	case <-p.peerDone:
		select {
		case frame := <-p.in:
			p.received.Add(1)
			return frame, nil
		default:
			return nil, errors.Disconnected(io.EOF)
		}
	}
}

// Close closes this end. The peer sees a disconnect once it has drained
// the frames already sent.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// Sent returns the number of frames sent.
func (p *PipeEnd) Sent() uint64 { return p.sent.Load() }

// Received returns the number of frames received.
func (p *PipeEnd) Received() uint64 { return p.received.Load() }
