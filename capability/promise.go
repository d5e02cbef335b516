package capability

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/wire"
)

// Promise is the producer side of an Answer. It starts pending, may be
// forwarded to another answer, and is resolved exactly once.
//
// While pending, calls on capabilities inside the results go to the
// PipelineCaller given to NewPromise. With no caller they queue locally
// and are delivered in order once the promise resolves or is forwarded.
type Promise struct {
	method Method
	ans    Answer
	done   chan struct{}

	mu        sync.Mutex
	caller    PipelineCaller
	forwarded bool
	resolved  bool
	released  bool
	result    wire.Struct
	err       error
	clients   map[string]*pipelineEntry
	onRelease ReleaseFunc
}

type pipelineEntry struct {
	transform []PipelineOp
	client    *Client
	resolver  *ClientResolver
}

// NewPromise returns a pending promise for a call to m. Pipelined calls
// go to pc until the promise resolves; pc may be nil.
func NewPromise(m Method, pc PipelineCaller) *Promise {
	p := &Promise{
		method: m,
		caller: pc,
		done:   make(chan struct{}),
	}
	p.ans.f = Future{p: p}
	return p
}

// Answer returns the consumer view of the promise.
func (p *Promise) Answer() *Answer {
	return &p.ans
}

// Fulfill resolves the promise with the results struct s.
func (p *Promise) Fulfill(s wire.Struct) {
	p.Resolve(s, nil)
}

// Reject resolves the promise with an error.
func (p *Promise) Reject(err error) {
	if err == nil {
		err = errors.New(errors.PhaseDispatch, errors.KindFailed).
			Method(p.method.String()).
			Detail("promise rejected").
			Build()
	}
	p.Resolve(wire.Struct{}, err)
}

// Resolve settles the promise. Pipelined clients resolve to the
// capabilities found in s, or to err. Later calls are no-ops.
func (p *Promise) Resolve(s wire.Struct, err error) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	p.result, p.err = s, err
	p.caller = nil
	entries := p.pendingEntries()
	close(p.done)
	p.mu.Unlock()

	for _, e := range entries {
		if err != nil {
			e.resolver.Reject(err)
			continue
		}
		e.resolver.Fulfill(clientAt(s, e.transform))
	}
}

// Forward makes the promise an alias of ans: pipelined calls, queued or
// future, go to ans right away, and the promise resolves with ans's
// results. release is called when the promise is released.
func (p *Promise) Forward(ans *Answer, release ReleaseFunc) {
	if release == nil {
		release = noop
	}
	p.mu.Lock()
	if p.resolved || p.forwarded || p.released {
		p.mu.Unlock()
		release()
		return
	}
	p.forwarded = true
	p.caller = ans
	p.onRelease = release
	entries := p.pendingEntries()
	p.mu.Unlock()

	for _, e := range entries {
		e.resolver.Fulfill(ans.f.path(e.transform).Client())
	}
	go func() {
		<-ans.Done()
		s, err := ans.Struct()
		p.Resolve(s, err)
	}()
}

// pendingEntries returns the pipeline clients that still wait for a
// resolution, each with its own resolver. The stored entries give up
// their resolvers so each is settled once. Callers hold p.mu.
func (p *Promise) pendingEntries() []pipelineEntry {
	var entries []pipelineEntry
	for _, e := range p.clients {
		if e.resolver != nil {
			entries = append(entries, pipelineEntry{transform: e.transform, resolver: e.resolver})
			e.resolver = nil
		}
	}
	return entries
}

// ReleaseClients releases the pipelined clients and the forwarded
// answer. The results struct itself belongs to whoever allocated it.
func (p *Promise) ReleaseClients() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	clients := p.clients
	p.clients = nil
	release := p.onRelease
	p.onRelease = nil
	p.mu.Unlock()

	for _, e := range clients {
		e.client.Release()
	}
	if release != nil {
		release()
	}
}

// field returns a new reference to the client at transform.
func (p *Promise) field(transform []PipelineOp) *Client {
	p.mu.Lock()
	if p.resolved {
		s, err := p.result, p.err
		p.mu.Unlock()
		if err != nil {
			return ErrorClient(err)
		}
		return clientAt(s, transform)
	}
	if p.released {
		p.mu.Unlock()
		return ErrorClient(errors.Closed(errors.PhaseRPC, "answer"))
	}
	key := transformKey(transform)
	if e, ok := p.clients[key]; ok {
		c := e.client.AddRef()
		p.mu.Unlock()
		return c
	}
	if p.forwarded {
		// The other answer's pipeline is the destination.
		other := p.caller.(*Answer)
		p.mu.Unlock()
		return other.f.path(transform).Client()
	}
	e := &pipelineEntry{transform: cloneTransform(transform)}
	if p.caller == nil {
		e.client, e.resolver = NewLocalPromise()
	} else {
		e.client, e.resolver = NewPromisedClient(&pipelineHook{p: p, transform: e.transform})
	}
	if p.clients == nil {
		p.clients = make(map[string]*pipelineEntry)
	}
	p.clients[key] = e
	c := e.client.AddRef()
	p.mu.Unlock()
	return c
}

// pipelineHook sends calls on a pending promise's capability through the
// promise's PipelineCaller.
type pipelineHook struct {
	p         *Promise
	transform []PipelineOp
}

func (h *pipelineHook) Send(ctx context.Context, s Send) (*Answer, ReleaseFunc) {
	h.p.mu.Lock()
	caller := h.p.caller
	h.p.mu.Unlock()
	if caller == nil {
		// Resolved between startCall and here.
		c := h.p.field(h.transform)
		defer c.Release()
		return c.SendCall(ctx, s)
	}
	return caller.PipelineSend(ctx, h.transform, s)
}

func (h *pipelineHook) Recv(ctx context.Context, r Recv) PipelineCaller {
	h.p.mu.Lock()
	caller := h.p.caller
	h.p.mu.Unlock()
	if caller == nil {
		c := h.p.field(h.transform)
		defer c.Release()
		return c.RecvCall(ctx, r)
	}
	return caller.PipelineRecv(ctx, h.transform, r)
}

// Brand returns a PipelineBrand naming the caller that currently receives
// the capability's calls.
func (h *pipelineHook) Brand() Brand {
	h.p.mu.Lock()
	caller := h.p.caller
	h.p.mu.Unlock()
	return Brand{Value: PipelineBrand{Caller: caller, Transform: h.transform}}
}

// PipelineBrand is the brand of a capability that stands for a path
// inside an answer that has not resolved yet. Connections use it to
// refer to a promised answer of their own instead of exporting a new
// capability.
type PipelineBrand struct {
	Caller    PipelineCaller
	Transform []PipelineOp
}

func (h *pipelineHook) Shutdown() {}

// Answer is the eventual result of a call.
type Answer struct {
	f Future
}

// ErrorAnswer returns an answer that has already failed with err.
func ErrorAnswer(m Method, err error) *Answer {
	p := NewPromise(m, nil)
	p.Reject(err)
	return p.Answer()
}

// ImmediateAnswer returns an answer that has already returned s.
func ImmediateAnswer(m Method, s wire.Struct) *Answer {
	p := NewPromise(m, nil)
	p.Fulfill(s)
	return p.Answer()
}

// Method returns the method the answer belongs to.
func (a *Answer) Method() Method {
	return a.f.p.method
}

// Future returns the future for the whole results struct.
func (a *Answer) Future() *Future {
	return &a.f
}

// Done is closed once the answer resolves.
func (a *Answer) Done() <-chan struct{} {
	return a.f.p.done
}

// Struct waits for the answer and returns the results struct.
func (a *Answer) Struct() (wire.Struct, error) {
	return a.f.Struct()
}

// Field returns a future for pointer field off of the results. def, if
// set, is a framed message whose root is used when the field is null.
func (a *Answer) Field(off uint16, def []byte) *Future {
	return a.f.Field(off, def)
}

// PipelineSend sends a call to the capability at transform.
func (a *Answer) PipelineSend(ctx context.Context, transform []PipelineOp, s Send) (*Answer, ReleaseFunc) {
	c := a.f.p.field(transform)
	defer c.Release()
	return c.SendCall(ctx, s)
}

// PipelineRecv delivers a call to the capability at transform.
func (a *Answer) PipelineRecv(ctx context.Context, transform []PipelineOp, r Recv) PipelineCaller {
	c := a.f.p.field(transform)
	defer c.Release()
	return c.RecvCall(ctx, r)
}

// Future is a path into an answer's results.
type Future struct {
	p   *Promise
	ops []PipelineOp
}

// Field extends the path by pointer field off.
func (f *Future) Field(off uint16, def []byte) *Future {
	ops := make([]PipelineOp, len(f.ops)+1)
	copy(ops, f.ops)
	ops[len(f.ops)] = PipelineOp{Field: off, DefaultValue: def}
	return &Future{p: f.p, ops: ops}
}

func (f *Future) path(ops []PipelineOp) *Future {
	return &Future{p: f.p, ops: ops}
}

// Transform returns the path from the results root.
func (f *Future) Transform() []PipelineOp {
	return f.ops
}

// Done is closed once the answer resolves.
func (f *Future) Done() <-chan struct{} {
	return f.p.done
}

// Ptr waits for the answer and returns the pointer at the path.
func (f *Future) Ptr() (wire.Ptr, error) {
	<-f.p.done
	if f.p.err != nil {
		return wire.Ptr{}, f.p.err
	}
	return wire.Transform(f.p.result.ToPtr(), f.ops)
}

// Struct waits for the answer and returns the struct at the path.
func (f *Future) Struct() (wire.Struct, error) {
	p, err := f.Ptr()
	if err != nil {
		return wire.Struct{}, err
	}
	if p.IsValid() && !p.Struct().IsValid() {
		return wire.Struct{}, errors.TypeMismatch(errors.PhaseDecode, nil, "struct", p.Kind())
	}
	return p.Struct(), nil
}

// Client returns the capability at the path. Before the answer resolves
// this is a promise whose calls are pipelined. The caller owns the
// returned reference.
func (f *Future) Client() *Client {
	return f.p.field(f.ops)
}

// clientAt returns a new reference to the capability at transform inside
// s. A null pointer yields the null client.
func clientAt(s wire.Struct, transform []PipelineOp) *Client {
	ptr, err := wire.Transform(s.ToPtr(), transform)
	if err != nil {
		return ErrorClient(err)
	}
	if !ptr.IsValid() {
		return nil
	}
	iface := ptr.Interface()
	if !iface.IsValid() {
		return ErrorClient(errors.TypeMismatch(errors.PhaseDecode, nil, "capability", ptr.Kind()))
	}
	ref, err := iface.Ref()
	if err != nil {
		return ErrorClient(err)
	}
	c, _ := ref.(*Client)
	return c.AddRef()
}

func transformKey(t []PipelineOp) string {
	var b strings.Builder
	for i, op := range t {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(int(op.Field)))
	}
	return b.String()
}

func cloneTransform(t []PipelineOp) []PipelineOp {
	return append([]PipelineOp(nil), t...)
}
