package capability

import (
	"context"
	"sync"

	"github.com/wippyai/caprpc/wire"
)

// NewLocalPromise returns a client whose calls queue until the resolver
// settles it. On Fulfill the queued calls are delivered to the resolution
// in the order they were made, before any call made afterward. On Reject
// every queued call fails with the same error.
func NewLocalPromise() (*Client, *ClientResolver) {
	q := &localQueue{}
	c, r := NewPromisedClient(q)
	r.onSet = q.flush
	return c, r
}

// localQueue is the hook of a local promise.
type localQueue struct {
	mu       sync.Mutex
	calls    []queuedCall
	target   *Client
	draining bool
	settled  bool
}

type queuedCall struct {
	ctx     context.Context
	send    Send
	args    wire.Struct
	recv    *Recv
	promise *Promise
}

func (q *localQueue) Send(ctx context.Context, s Send) (*Answer, ReleaseFunc) {
	q.mu.Lock()
	if q.settled {
		t := q.target.AddRef()
		q.mu.Unlock()
		defer t.Release()
		return t.SendCall(ctx, s)
	}
	q.mu.Unlock()

	args, err := s.AllocArgs()
	if err != nil {
		return ErrorAnswer(s.Method, err), noop
	}
	p := NewPromise(s.Method, nil)
	q.mu.Lock()
	if q.settled {
		// Settled while the arguments were being placed.
		t := q.target.AddRef()
		q.mu.Unlock()
		defer t.Release()
		defer args.Message().Release()
		return t.SendCall(ctx, Send{Method: s.Method, ArgsSize: args.Size(), PlaceArgs: copyArgs(args)})
	}
	q.calls = append(q.calls, queuedCall{ctx: ctx, send: s, args: args, promise: p})
	q.mu.Unlock()
	return p.Answer(), p.ReleaseClients
}

func (q *localQueue) Recv(ctx context.Context, r Recv) PipelineCaller {
	q.mu.Lock()
	if q.settled {
		t := q.target.AddRef()
		q.mu.Unlock()
		defer t.Release()
		return t.RecvCall(ctx, r)
	}
	p := NewPromise(r.Method, nil)
	r.Returner = NewPromiseReturner(p, r.Returner)
	q.calls = append(q.calls, queuedCall{ctx: ctx, recv: &r, promise: p})
	q.mu.Unlock()
	return p.Answer()
}

func (q *localQueue) Brand() Brand {
	return Brand{Value: q}
}

func (q *localQueue) Shutdown() {
	q.mu.Lock()
	t := q.target
	q.target = nil
	q.mu.Unlock()
	t.Release()
}

// flush delivers the queued calls to target in order. Calls that arrive
// while flushing are appended and delivered by the same loop.
func (q *localQueue) flush(target *Client) {
	q.mu.Lock()
	if q.draining || q.settled {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.target = target.AddRef()
	for len(q.calls) > 0 {
		batch := q.calls
		q.calls = nil
		q.mu.Unlock()
		for _, qc := range batch {
			q.deliver(target, qc)
		}
		q.mu.Lock()
	}
	q.settled = true
	q.mu.Unlock()
}

func (q *localQueue) deliver(target *Client, qc queuedCall) {
	if qc.recv != nil {
		pc := target.RecvCall(qc.ctx, *qc.recv)
		if ans, ok := pc.(*Answer); ok {
			qc.promise.Forward(ans, nil)
		}
		return
	}
	defer qc.args.Message().Release()
	ans, release := target.SendCall(qc.ctx, Send{
		Method:    qc.send.Method,
		ArgsSize:  qc.args.Size(),
		PlaceArgs: copyArgs(qc.args),
	})
	qc.promise.Forward(ans, release)
}

func copyArgs(args wire.Struct) func(wire.Struct) error {
	return func(dst wire.Struct) error {
		return dst.CopyFrom(args)
	}
}

// NewPromiseReturner returns a Returner that resolves p with the call's
// outcome and passes it on to r. It implements Forwarder.
func NewPromiseReturner(p *Promise, r Returner) Returner {
	return &resolvingReturner{Returner: r, p: p}
}

type resolvingReturner struct {
	Returner
	p       *Promise
	results wire.Struct
}

func (rr *resolvingReturner) AllocResults(sz wire.ObjectSize) (wire.Struct, error) {
	s, err := rr.Returner.AllocResults(sz)
	if err == nil {
		rr.results = s
	}
	return s, err
}

func (rr *resolvingReturner) Return(err error) {
	rr.p.Resolve(rr.results, err)
	rr.Returner.Return(err)
}

// Forward aliases the promise and the wrapped returner to ans when the
// returner supports forwarding. Otherwise the results are copied once
// ans returns.
func (rr *resolvingReturner) Forward(ans *Answer, release ReleaseFunc) {
	if fw, ok := rr.Returner.(Forwarder); ok {
		rr.p.Forward(ans, nil)
		fw.Forward(ans, release)
		return
	}
	go func() {
		defer release()
		<-ans.Done()
		rr.Return(CopyResults(ans, rr))
	}()
}

// CopyResults waits for ans and copies its results into a fresh results
// struct allocated from ret. It returns ans's error, if any.
func CopyResults(ans *Answer, ret Returner) error {
	s, err := ans.Struct()
	if err != nil {
		return err
	}
	res, err := ret.AllocResults(s.Size())
	if err != nil {
		return err
	}
	return res.CopyFrom(s)
}

// ForwardRecv implements ClientHook.Recv for hooks that only know how to
// send: the arguments are copied into a new call and the answer is
// forwarded to, or copied into, r's Returner.
func ForwardRecv(ctx context.Context, send func(context.Context, Send) (*Answer, ReleaseFunc), r Recv) PipelineCaller {
	ans, release := send(ctx, Send{
		Method:    r.Method,
		ArgsSize:  r.Args.Size(),
		PlaceArgs: copyArgs(r.Args),
	})
	r.releaseArgs()
	if fw, ok := r.Returner.(Forwarder); ok {
		fw.Forward(ans, release)
		return ans
	}
	go func() {
		defer release()
		<-ans.Done()
		r.Returner.Return(CopyResults(ans, r.Returner))
	}()
	return ans
}
