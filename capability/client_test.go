package capability

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/wire"
)

var testMethod = Method{InterfaceID: 0xc0ffee, MethodID: 1, InterfaceName: "Counter", MethodName: "add"}

// recordHook records the uint64 argument of every call it receives and
// returns it back as the result.
type recordHook struct {
	mu       sync.Mutex
	seen     []uint64
	shutdown atomic.Int32
}

func (h *recordHook) Send(_ context.Context, s Send) (*Answer, ReleaseFunc) {
	args, err := s.AllocArgs()
	if err != nil {
		return ErrorAnswer(s.Method, err), noop
	}
	defer args.Message().Release()
	v := args.Uint64(0)

	h.mu.Lock()
	h.seen = append(h.seen, v)
	h.mu.Unlock()

	msg, seg, err := wire.NewMessage(wire.SingleSegment(nil))
	if err != nil {
		return ErrorAnswer(s.Method, err), noop
	}
	res, err := wire.NewRootStruct(seg, wire.ObjectSize{DataSize: 8})
	if err != nil {
		return ErrorAnswer(s.Method, err), noop
	}
	res.SetUint64(0, v)
	return ImmediateAnswer(s.Method, res), msg.Release
}

func (h *recordHook) Recv(ctx context.Context, r Recv) PipelineCaller {
	return ForwardRecv(ctx, h.Send, r)
}

func (h *recordHook) Brand() Brand { return Brand{Value: h} }

func (h *recordHook) Shutdown() { h.shutdown.Add(1) }

func (h *recordHook) calls() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.seen...)
}

func sendValue(c *Client, v uint64) (*Answer, ReleaseFunc) {
	return c.SendCall(context.Background(), Send{
		Method:   testMethod,
		ArgsSize: wire.ObjectSize{DataSize: 8},
		PlaceArgs: func(s wire.Struct) error {
			s.SetUint64(0, v)
			return nil
		},
	})
}

func resultValue(t *testing.T, ans *Answer) uint64 {
	t.Helper()
	s, err := ans.Struct()
	require.NoError(t, err)
	return s.Uint64(0)
}

func TestMethodString(t *testing.T) {
	require.Equal(t, "Counter.add", testMethod.String())
	require.Equal(t, "@0xff.@3", Method{InterfaceID: 0xff, MethodID: 3}.String())
}

func TestClientReferenceCounting(t *testing.T) {
	hook := &recordHook{}
	c := NewClient(hook)
	c2 := c.AddRef()

	c.Release()
	require.Zero(t, hook.shutdown.Load(), "one reference is still open")

	ans, release := sendValue(c2, 7)
	require.Equal(t, uint64(7), resultValue(t, ans))
	release()

	c2.Release()
	require.Equal(t, int32(1), hook.shutdown.Load())

	c2.Release()
	require.Equal(t, int32(1), hook.shutdown.Load(), "double release is a no-op")

	ans, _ = sendValue(c2, 1)
	_, err := ans.Struct()
	require.Equal(t, errors.KindClosed, errors.KindOf(err))
}

func TestNullClient(t *testing.T) {
	var c *Client
	require.False(t, c.IsValid())
	require.Nil(t, c.AddRef())
	c.Release()

	ans, release := sendValue(c, 1)
	defer release()
	_, err := ans.Struct()
	require.Error(t, err)
	require.True(t, c.State().IsNull)
}

func TestErrorClient(t *testing.T) {
	cause := errors.New(errors.PhaseDispatch, errors.KindOverloaded).Detail("busy").Build()
	c := ErrorClient(cause)
	defer c.Release()

	require.Equal(t, error(cause), ClientError(c))
	require.Nil(t, ClientError(NewClient(&recordHook{})))

	ans, _ := sendValue(c, 1)
	_, err := ans.Struct()
	require.ErrorIs(t, err, cause)
}

func TestLocalPromiseDeliversQueuedCallsInOrder(t *testing.T) {
	hook := &recordHook{}
	c, r := NewLocalPromise()
	require.True(t, c.State().IsPromise)

	var answers []*Answer
	for v := uint64(1); v <= 3; v++ {
		ans, release := sendValue(c, v)
		defer release()
		answers = append(answers, ans)
	}
	require.Empty(t, hook.calls())

	r.Fulfill(NewClient(hook))

	ans, release := sendValue(c, 4)
	defer release()
	answers = append(answers, ans)

	for i, ans := range answers {
		require.Equal(t, uint64(i+1), resultValue(t, ans))
	}
	require.Equal(t, []uint64{1, 2, 3, 4}, hook.calls())
	require.False(t, c.State().IsPromise)

	c.Release()
	require.Equal(t, int32(1), hook.shutdown.Load())
}

func TestLocalPromiseRejectFailsEveryQueuedCall(t *testing.T) {
	cause := errors.Disconnected(nil)
	c, r := NewLocalPromise()
	defer c.Release()

	a1, rel1 := sendValue(c, 1)
	defer rel1()
	a2, rel2 := sendValue(c, 2)
	defer rel2()

	r.Reject(cause)

	for _, ans := range []*Answer{a1, a2} {
		_, err := ans.Struct()
		require.ErrorIs(t, err, cause)
	}
}

func TestPromiseChainResolvesIteratively(t *testing.T) {
	const n = 2000
	hook := &recordHook{}

	clients := make([]*Client, n)
	resolvers := make([]*ClientResolver, n)
	for i := range clients {
		clients[i], resolvers[i] = NewLocalPromise()
	}
	head := clients[0].AddRef()

	queued, release := sendValue(head, 1)
	defer release()

	for i := 0; i < n-1; i++ {
		resolvers[i].Fulfill(clients[i+1])
	}
	resolvers[n-1].Fulfill(NewClient(hook))

	require.Equal(t, uint64(1), resultValue(t, queued))

	direct, release2 := sendValue(head, 2)
	defer release2()
	require.Equal(t, uint64(2), resultValue(t, direct))
	require.Equal(t, []uint64{1, 2}, hook.calls())

	clients[0].Release()
	head.Release()
	require.Equal(t, int32(1), hook.shutdown.Load())
}

func TestResolutionCycleIsRejected(t *testing.T) {
	t.Run("self", func(t *testing.T) {
		c, r := NewLocalPromise()
		defer c.Release()
		r.Fulfill(c.AddRef())

		ans, _ := sendValue(c, 1)
		_, err := ans.Struct()
		require.Equal(t, errors.KindResolutionCycle, errors.KindOf(err))
	})

	t.Run("two promises", func(t *testing.T) {
		c1, r1 := NewLocalPromise()
		defer c1.Release()
		c2, r2 := NewLocalPromise()
		defer c2.Release()

		r1.Fulfill(c2.AddRef())
		r2.Fulfill(c1.AddRef())

		ans, _ := sendValue(c1, 1)
		_, err := ans.Struct()
		require.Equal(t, errors.KindResolutionCycle, errors.KindOf(err))
	})
}

func TestClientResolve(t *testing.T) {
	c, r := NewLocalPromise()
	defer c.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Resolve(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- c.Resolve(context.Background()) }()
	r.Fulfill(NewClient(&recordHook{}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Resolve did not return after Fulfill")
	}
	require.True(t, c.IsValid())
}

func TestFulfillToNullClient(t *testing.T) {
	c, r := NewLocalPromise()
	defer c.Release()
	r.Fulfill(nil)

	require.False(t, c.IsValid())
	require.True(t, c.State().IsNull)
}

func TestIsSameAndIdentity(t *testing.T) {
	hook := &recordHook{}
	c := NewClient(hook)
	defer c.Release()
	c2 := c.AddRef()
	defer c2.Release()
	other := NewClient(&recordHook{})
	defer other.Release()

	require.True(t, c.IsSame(c2))
	require.False(t, c.IsSame(other))

	p, r := NewLocalPromise()
	defer p.Release()
	require.False(t, p.IsSame(c))
	r.Fulfill(c.AddRef())
	require.True(t, p.IsSame(c))
	require.Equal(t, c.Identity(), p.Identity())
}

func TestWeakRef(t *testing.T) {
	hook := &recordHook{}
	c := NewClient(hook)
	w := c.WeakRef()

	strong, ok := w.AddRef()
	require.True(t, ok)
	require.True(t, strong.IsValid())
	strong.Release()

	c.Release()
	_, ok = w.AddRef()
	require.False(t, ok)
}
