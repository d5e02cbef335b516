package wasmcap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wippyai/caprpc/capability"
	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/rpc"
	"github.com/wippyai/caprpc/rpc/transport"
	"github.com/wippyai/caprpc/wire"
)

// echoGuest is a hand-assembled module. cap_alloc always returns 1024.
// cap_call returns its arguments as the results for method 0, reports
// every other method as unimplemented, and traps on method 2.
var echoGuest = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,

	// types: (i32) -> i32, (i64 i32 i32 i32) -> i64
	0x01, 0x0e, 0x02,
	0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x60, 0x04, 0x7e, 0x7f, 0x7f, 0x7f, 0x01, 0x7e,

	// functions
	0x03, 0x03, 0x02, 0x00, 0x01,

	// memory: one page
	0x05, 0x03, 0x01, 0x00, 0x01,

	// exports
	0x07, 0x21, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x09, 'c', 'a', 'p', '_', 'a', 'l', 'l', 'o', 'c', 0x00, 0x00,
	0x08, 'c', 'a', 'p', '_', 'c', 'a', 'l', 'l', 0x00, 0x01,

	// code
	0x0a, 0x25, 0x02,
	// cap_alloc
	0x05, 0x00,
	0x41, 0x80, 0x08, // i32.const 1024
	0x0b,
	// cap_call
	0x1d, 0x00,
	0x20, 0x01, 0x41, 0x02, 0x46, // method == 2
	0x04, 0x40, 0x00, 0x0b, // if: unreachable
	0x20, 0x01, // method
	0x04, 0x7e, // if (result i64)
	0x42, 0x00, // 0
	0x05, // else ptr<<32 | len
	0x20, 0x02, 0xad, 0x42, 0x20, 0x86,
	0x20, 0x03, 0xad, 0x84,
	0x0b,
	0x0b,
}

var (
	echoMethod  = capability.Method{InterfaceID: 0x51c0ffee, MethodID: 0, InterfaceName: "Guest", MethodName: "echo"}
	otherMethod = capability.Method{InterfaceID: 0x51c0ffee, MethodID: 1, InterfaceName: "Guest", MethodName: "other"}
	trapMethod  = capability.Method{InterfaceID: 0x51c0ffee, MethodID: 2, InterfaceName: "Guest", MethodName: "trap"}
)

func loadEcho(t *testing.T) *Module {
	t.Helper()
	ctx := context.Background()
	m, err := Load(ctx, echoGuest, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(ctx) })
	return m
}

func sendPair(ctx context.Context, c *capability.Client, m capability.Method, a uint64, text string) (*capability.Answer, capability.ReleaseFunc) {
	return c.SendCall(ctx, capability.Send{
		Method:   m,
		ArgsSize: wire.ObjectSize{DataSize: 8, PointerCount: 1},
		PlaceArgs: func(s wire.Struct) error {
			s.SetUint64(0, a)
			return s.SetText(0, text)
		},
	})
}

func TestEchoCall(t *testing.T) {
	m := loadEcho(t)
	c := m.Client()
	defer c.Release()

	ans, release := sendPair(context.Background(), c, echoMethod, 42, "hello")
	defer release()
	res, err := ans.Struct()
	require.NoError(t, err)
	require.Equal(t, uint64(42), res.Uint64(0))
	text, err := res.ReadText(0, "")
	require.NoError(t, err)
	require.Equal(t, "hello", text)
}

func TestGuestErrors(t *testing.T) {
	m := loadEcho(t)
	c := m.Client()
	defer c.Release()

	tests := []struct {
		name   string
		method capability.Method
		kind   errors.Kind
	}{
		{"unimplemented", otherMethod, errors.KindUnimplementedMethod},
		{"trap", trapMethod, errors.KindFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ans, release := sendPair(context.Background(), c, tt.method, 1, "x")
			defer release()
			_, err := ans.Struct()
			require.Error(t, err)
			require.Equal(t, tt.kind, errors.KindOf(err))
		})
	}
}

func TestLoadRejectsMissingExports(t *testing.T) {
	// An empty module: header only.
	_, err := Load(context.Background(), echoGuest[:8], nil)
	require.Error(t, err)
	require.Equal(t, errors.KindInvalidData, errors.KindOf(err))

	_, err = Load(context.Background(), []byte("not wasm"), nil)
	require.Error(t, err)
}

func TestCallAfterClose(t *testing.T) {
	ctx := context.Background()
	m, err := Load(ctx, echoGuest, nil)
	require.NoError(t, err)
	c := m.Client()
	defer c.Release()
	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))

	ans, release := sendPair(ctx, c, echoMethod, 1, "x")
	defer release()
	_, err = ans.Struct()
	require.Equal(t, errors.KindClosed, errors.KindOf(err))
}

func TestGuestAsBootstrap(t *testing.T) {
	m := loadEcho(t)
	a, b := transport.NewPipe(0)
	srv := rpc.NewConn(b, &rpc.Options{BootstrapClient: m.Client()})
	cli := rpc.NewConn(a, nil)
	defer srv.Close()
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	boot := cli.Bootstrap(ctx)
	defer boot.Release()

	ans, release := sendPair(ctx, boot, echoMethod, 7, "over the wire")
	defer release()
	res, err := ans.Struct()
	require.NoError(t, err)
	require.Equal(t, uint64(7), res.Uint64(0))
	text, err := res.ReadText(0, "")
	require.NoError(t, err)
	require.Equal(t, "over the wire", text)
}
