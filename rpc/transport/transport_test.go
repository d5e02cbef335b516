package transport

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/wire"
)

func testFrame(t *testing.T, v uint64) []byte {
	t.Helper()
	msg, seg, err := wire.NewMessage(wire.SingleSegment(nil))
	if err != nil {
		t.Fatal(err)
	}
	s, err := wire.NewRootStruct(seg, wire.ObjectSize{DataSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	s.SetUint64(0, v)
	b, err := msg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestStreamRoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	a := NewStream(c1, 0)
	b := NewStream(c2, 0)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	frames := [][]byte{testFrame(t, 1), testFrame(t, 2)}
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for _, f := range frames {
			if err := a.Send(ctx, f); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i, want := range frames {
		got, err := b.Recv(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d differs", i)
		}
	}
	// A write on net.Pipe completes before Send counts it.
	<-sent
	if a.Sent() != 2 || b.Received() != 2 {
		t.Fatalf("counters: sent %d, received %d", a.Sent(), b.Received())
	}
}

func TestStreamCloseUnblocksRecv(t *testing.T) {
	c1, c2 := net.Pipe()
	a := NewStream(c1, 0)
	defer c2.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := a.Recv(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	a.Close()

	select {
	case err := <-errc:
		if !errors.IsDisconnected(err) {
			t.Fatalf("Recv after Close = %v, want disconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not return after Close")
	}
	if err := a.Send(context.Background(), testFrame(t, 1)); errors.KindOf(err) != errors.KindClosed {
		t.Fatalf("Send after Close = %v", err)
	}
}

func TestStreamRejectsOversizedFrame(t *testing.T) {
	c1, c2 := net.Pipe()
	a := NewStream(c1, 0)
	b := NewStream(c2, 16)
	defer a.Close()
	defer b.Close()

	go a.Send(context.Background(), testFrame(t, 1))
	if _, err := b.Recv(context.Background()); errors.KindOf(err) != errors.KindOverflow {
		t.Fatalf("Recv = %v, want overflow", err)
	}
}

func TestPipeDrainsAfterPeerClose(t *testing.T) {
	a, b := NewPipe(0)
	ctx := context.Background()

	for v := uint64(1); v <= 3; v++ {
		if err := a.Send(ctx, testFrame(t, v)); err != nil {
			t.Fatal(err)
		}
	}
	a.Close()

	for i := 0; i < 3; i++ {
		if _, err := b.Recv(ctx); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if _, err := b.Recv(ctx); !errors.IsDisconnected(err) {
		t.Fatalf("Recv after drain = %v, want disconnected", err)
	}
	if err := b.Send(ctx, testFrame(t, 4)); !errors.IsDisconnected(err) {
		t.Fatalf("Send to closed peer = %v", err)
	}
	if a.Sent() != 3 || b.Received() != 3 {
		t.Fatalf("counters: sent %d, received %d", a.Sent(), b.Received())
	}
}

func TestPipeSendCopiesFrame(t *testing.T) {
	a, b := NewPipe(1)
	defer a.Close()
	defer b.Close()

	frame := testFrame(t, 7)
	want := append([]byte(nil), frame...)
	if err := a.Send(context.Background(), frame); err != nil {
		t.Fatal(err)
	}
	clear(frame)
	got, err := b.Recv(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("frame changed after Send returned")
	}
}

func TestPipeRecvHonorsContext(t *testing.T) {
	a, b := NewPipe(0)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := b.Recv(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Recv = %v, want deadline exceeded", err)
	}
}
