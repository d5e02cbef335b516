package caprpc

import "context"

// Transport moves whole encoded messages between two vats.
// Each frame is exactly one message: segment table followed by segments.
type Transport interface {
	// Send writes one frame. The transport must not retain frame after
	// Send returns.
	Send(ctx context.Context, frame []byte) error

	// Recv blocks until the next frame arrives. The returned slice is
	// owned by the caller.
	Recv(ctx context.Context) ([]byte, error)

	Close() error
}

// FrameCounter is implemented by transports that count frames in each
// direction.
type FrameCounter interface {
	Sent() uint64
	Received() uint64
}
