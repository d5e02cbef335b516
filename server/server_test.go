package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wippyai/caprpc/capability"
	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/wire"
)

const counterID = 0x8a3c5e01d2f4b607

var (
	incrMethod = capability.Method{InterfaceID: counterID, MethodID: 0, InterfaceName: "Counter", MethodName: "incr"}
	waitMethod = capability.Method{InterfaceID: counterID, MethodID: 1, InterfaceName: "Counter", MethodName: "wait"}
	gapMethod  = capability.Method{InterfaceID: counterID, MethodID: 2}
	capMethod  = capability.Method{InterfaceID: counterID, MethodID: 3, InterfaceName: "Counter", MethodName: "self"}
)

func incr(_ context.Context, call *Call) error {
	res, err := call.AllocResults(wire.ObjectSize{DataSize: 8})
	if err != nil {
		return err
	}
	res.SetUint64(0, call.Args().Uint64(0)+1)
	return nil
}

func sendUint(c *capability.Client, m capability.Method, v uint64) (*capability.Answer, capability.ReleaseFunc) {
	return sendUintCtx(context.Background(), c, m, v)
}

func sendUintCtx(ctx context.Context, c *capability.Client, m capability.Method, v uint64) (*capability.Answer, capability.ReleaseFunc) {
	return c.SendCall(ctx, capability.Send{
		Method:   m,
		ArgsSize: wire.ObjectSize{DataSize: 8},
		PlaceArgs: func(s wire.Struct) error {
			s.SetUint64(0, v)
			return nil
		},
	})
}

func waitDone(t *testing.T, ans *capability.Answer) {
	t.Helper()
	select {
	case <-ans.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("answer did not resolve")
	}
}

func TestDispatch(t *testing.T) {
	c := capability.NewClient(New(Methods{{Method: incrMethod, Impl: incr}}, nil))
	defer c.Release()

	ans, release := sendUint(c, incrMethod, 41)
	defer release()
	res, err := ans.Struct()
	require.NoError(t, err)
	require.Equal(t, uint64(42), res.Uint64(0))
}

func TestUnimplemented(t *testing.T) {
	c := capability.NewClient(New(Methods{
		{Method: incrMethod, Impl: incr},
		{Method: capMethod, Impl: incr},
	}, nil))
	defer c.Release()

	tests := []struct {
		name   string
		method capability.Method
		kind   errors.Kind
	}{
		{"unknown interface", capability.Method{InterfaceID: 0xdead, MethodID: 0}, errors.KindUnimplementedInterface},
		{"past the table", capability.Method{InterfaceID: counterID, MethodID: 9}, errors.KindUnimplementedMethod},
		{"gap in the table", gapMethod, errors.KindUnimplementedMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ans, release := sendUint(c, tt.method, 1)
			defer release()
			_, err := ans.Struct()
			require.Equal(t, tt.kind, errors.KindOf(err))
			require.True(t, errors.IsUnimplemented(err))
		})
	}

	ans, release := sendUint(c, incrMethod, 1)
	defer release()
	_, err := ans.Struct()
	require.NoError(t, err, "server keeps working after unimplemented calls")
}

func TestApplicationErrorIsFailed(t *testing.T) {
	cause := fmt.Errorf("disk full")
	c := capability.NewClient(New(Methods{{
		Method: incrMethod,
		Impl:   func(context.Context, *Call) error { return cause },
	}}, nil))
	defer c.Release()

	ans, release := sendUint(c, incrMethod, 1)
	defer release()
	_, err := ans.Struct()
	require.Equal(t, errors.KindFailed, errors.KindOf(err))
	require.ErrorIs(t, err, cause)
}

func TestCallsStartInOrder(t *testing.T) {
	var (
		mu      sync.Mutex
		started []uint64
	)
	gate := make(chan struct{})
	c := capability.NewClient(New(Methods{{
		Method: waitMethod,
		Impl: func(_ context.Context, call *Call) error {
			v := call.Args().Uint64(0)
			mu.Lock()
			started = append(started, v)
			mu.Unlock()
			if v == 1 {
				<-gate
			}
			return nil
		},
	}}, nil))
	defer c.Release()

	var answers []*capability.Answer
	for v := uint64(1); v <= 3; v++ {
		ans, release := sendUint(c, waitMethod, v)
		defer release()
		answers = append(answers, ans)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.Equal(t, []uint64{1}, started, "later calls wait for the first to return")
	mu.Unlock()

	close(gate)
	for _, ans := range answers {
		waitDone(t, ans)
	}
	require.Equal(t, []uint64{1, 2, 3}, started)
}

func TestGoStartsNextCall(t *testing.T) {
	gate := make(chan struct{})
	second := make(chan struct{})
	c := capability.NewClient(New(Methods{{
		Method: waitMethod,
		Impl: func(_ context.Context, call *Call) error {
			if call.Args().Uint64(0) == 1 {
				call.Go()
				<-gate
				return nil
			}
			close(second)
			return nil
		},
	}}, nil))
	defer c.Release()

	a1, rel1 := sendUint(c, waitMethod, 1)
	defer rel1()
	a2, rel2 := sendUint(c, waitMethod, 2)
	defer rel2()

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("second call did not start after Go")
	}
	waitDone(t, a2)
	close(gate)
	waitDone(t, a1)
}

func TestCancellation(t *testing.T) {
	gate := make(chan struct{})
	c := capability.NewClient(New(Methods{
		{
			Method: waitMethod,
			Impl: func(ctx context.Context, call *Call) error {
				if call.Args().Uint64(0) == 0 {
					<-gate
					return nil
				}
				<-ctx.Done()
				return ctx.Err()
			},
		},
	}, nil))
	defer c.Release()

	blocker, rel := sendUint(c, waitMethod, 0)
	defer rel()

	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		ans, release := sendUintCtx(ctx, c, waitMethod, 1)
		defer release()
		cancel()
		close(gate)
		_, err := ans.Struct()
		require.True(t, errors.IsCanceled(err), "got %v", err)
		waitDone(t, blocker)
	})

	t.Run("while running", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		ans, release := sendUintCtx(ctx, c, waitMethod, 1)
		defer release()
		time.Sleep(10 * time.Millisecond)
		cancel()
		_, err := ans.Struct()
		require.True(t, errors.IsCanceled(err), "got %v", err)
	})
}

func TestOverloaded(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 4)
	c := capability.NewClient(New(Methods{{
		Method: waitMethod,
		Impl: func(context.Context, *Call) error {
			entered <- struct{}{}
			<-gate
			return nil
		},
	}}, &Options{MaxQueue: 1}))
	defer c.Release()
	defer close(gate)

	_, rel1 := sendUint(c, waitMethod, 1)
	defer rel1()
	<-entered
	_, rel2 := sendUint(c, waitMethod, 2)
	defer rel2()

	ans, rel3 := sendUint(c, waitMethod, 3)
	defer rel3()
	_, err := ans.Struct()
	require.Equal(t, errors.KindOverloaded, errors.KindOf(err))
}

func TestShutdown(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	shutdown := make(chan struct{})
	srv := New(Methods{{
		Method: waitMethod,
		Impl: func(ctx context.Context, _ *Call) error {
			entered <- struct{}{}
			select {
			case <-ctx.Done():
			case <-gate:
			}
			return ctx.Err()
		},
	}}, &Options{OnShutdown: func() { close(shutdown) }})
	c := capability.NewClient(srv)

	running, rel1 := sendUint(c, waitMethod, 1)
	defer rel1()
	<-entered
	queued, rel2 := sendUint(c, waitMethod, 2)
	defer rel2()

	c.Release()
	<-shutdown

	_, err := queued.Struct()
	require.Equal(t, errors.KindClosed, errors.KindOf(err))
	waitDone(t, running)
	_, err = running.Struct()
	require.Error(t, err)
}

func TestTailCall(t *testing.T) {
	inner := make(chan struct{})
	target := capability.NewClient(New(Methods{
		{Method: incrMethod, Impl: func(ctx context.Context, call *Call) error {
			<-inner
			return incr(ctx, call)
		}},
		{Method: capMethod, Impl: func(_ context.Context, call *Call) error {
			res, err := call.AllocResults(wire.ObjectSize{PointerCount: 1})
			if err != nil {
				return err
			}
			leaf := capability.NewClient(New(Methods{{Method: incrMethod, Impl: incr}}, nil))
			return capability.SetClient(res, 0, leaf)
		}},
	}, nil))
	defer target.Release()

	front := capability.NewClient(New(Methods{
		{Method: incrMethod, Impl: func(ctx context.Context, call *Call) error {
			v := call.Args().Uint64(0)
			return call.TailCall(ctx, target, capability.Send{
				Method:   incrMethod,
				ArgsSize: wire.ObjectSize{DataSize: 8},
				PlaceArgs: func(s wire.Struct) error {
					s.SetUint64(0, v*10)
					return nil
				},
			})
		}},
		{Method: capMethod, Impl: func(ctx context.Context, call *Call) error {
			return call.TailCall(ctx, target, capability.Send{Method: capMethod})
		}},
	}, nil))
	defer front.Release()

	t.Run("results come from the target", func(t *testing.T) {
		ans, release := sendUint(front, incrMethod, 4)
		defer release()
		close(inner)
		res, err := ans.Struct()
		require.NoError(t, err)
		require.Equal(t, uint64(41), res.Uint64(0))
	})

	t.Run("pipelined calls follow the tail call", func(t *testing.T) {
		ans, release := front.SendCall(context.Background(), capability.Send{Method: capMethod})
		defer release()

		leaf := ans.Field(0, nil).Client()
		defer leaf.Release()
		piped, release2 := sendUint(leaf, incrMethod, 1)
		defer release2()

		res, err := piped.Struct()
		require.NoError(t, err)
		require.Equal(t, uint64(2), res.Uint64(0))
	})
}

func TestPanicIsFailedAnswer(t *testing.T) {
	c := capability.NewClient(New(Methods{
		{Method: incrMethod, Impl: incr},
		{Method: waitMethod, Impl: func(context.Context, *Call) error {
			var m map[string]int
			m["boom"]++
			return nil
		}},
	}, nil))
	defer c.Release()

	ans, release := sendUint(c, waitMethod, 1)
	defer release()
	waitDone(t, ans)
	_, err := ans.Struct()
	require.Equal(t, errors.KindFailed, errors.KindOf(err))
	require.ErrorContains(t, err, "method panicked")

	ans, release2 := sendUint(c, incrMethod, 1)
	defer release2()
	res, err := ans.Struct()
	require.NoError(t, err, "server keeps working after a panic")
	require.Equal(t, uint64(2), res.Uint64(0))
}

// messageReturner allocates results in a fresh message and does not
// support forwarding.
type messageReturner struct {
	msg      *wire.Message
	res      wire.Struct
	returned chan error
}

func (r *messageReturner) AllocResults(sz wire.ObjectSize) (wire.Struct, error) {
	msg, seg, err := wire.NewMessage(wire.SingleSegment(nil))
	if err != nil {
		return wire.Struct{}, err
	}
	r.msg = msg
	r.res, err = wire.NewRootStruct(seg, sz)
	return r.res, err
}

func (r *messageReturner) Return(err error) {
	r.returned <- err
}

func TestTailCallCopiesWithoutForwarder(t *testing.T) {
	target := capability.NewClient(New(Methods{{Method: incrMethod, Impl: incr}}, nil))
	defer target.Release()

	ret := &messageReturner{returned: make(chan error, 1)}
	call := &Call{
		method:   &Method{Method: incrMethod},
		returner: ret,
		acked:    make(chan struct{}),
	}
	err := call.TailCall(context.Background(), target, capability.Send{
		Method:   incrMethod,
		ArgsSize: wire.ObjectSize{DataSize: 8},
		PlaceArgs: func(s wire.Struct) error {
			s.SetUint64(0, 6)
			return nil
		},
	})
	require.NoError(t, err)
	require.NotNil(t, ret.msg)
	defer ret.msg.Release()
	require.Equal(t, uint64(7), ret.res.Uint64(0))
	require.False(t, call.forwarded.Load())

	_, err = call.AllocResults(wire.ObjectSize{DataSize: 8})
	require.Error(t, err, "results were filled by the tail call")
}
