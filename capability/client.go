package capability

import (
	"context"
	"sync"

	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/wire"
)

// ClientHook is the implementation behind a Client: a local server, a
// remote import, a promise queue or an error. A ClientHook must be safe to
// use from multiple goroutines.
type ClientHook interface {
	// Send starts a call. The arguments must be placed before Send
	// returns.
	//
	// Calls are delivered in the order they are sent: if foo() is sent
	// before bar(), the hook acknowledges foo() before bar().
	Send(ctx context.Context, s Send) (*Answer, ReleaseFunc)

	// Recv delivers a call whose arguments are already decoded. The
	// returned PipelineCaller accepts calls on the results before the
	// call returns.
	Recv(ctx context.Context, r Recv) PipelineCaller

	// Brand returns an implementation-specific value.
	Brand() Brand

	// Shutdown releases the hook's resources. It is called once, after
	// the last reference and the last in-flight call are gone.
	Shutdown()
}

// Client is a reference to a capability. The nil *Client is the null
// capability: calls on it fail and Release is a no-op.
//
// Every Client returned by this package owns one reference and must be
// released. AddRef makes another reference to the same capability.
type Client struct {
	mu       sync.Mutex
	h        *clientHook
	released bool
}

// clientHook is a reference-counted ClientHook. Promise hooks settle once
// and then point at the hook they resolved to.
type clientHook struct {
	ClientHook

	mu           sync.Mutex
	refs         int
	calls        int
	shutdown     bool
	promise      bool
	resolved     bool
	resolution   chan struct{} // closed once resolved
	resolvedHook *clientHook   // owned reference when != self; nil is null
}

func newClientHook(hook ClientHook, promise bool) *clientHook {
	h := &clientHook{
		ClientHook: hook,
		refs:       1,
		promise:    promise,
	}
	if promise {
		h.resolution = make(chan struct{})
	} else {
		h.resolved = true
		h.resolution = closedSignal
		h.resolvedHook = h
	}
	return h
}

// NewClient wraps hook in a Client holding its first reference.
func NewClient(hook ClientHook) *Client {
	return &Client{h: newClientHook(hook, false)}
}

// NewPromisedClient returns a client that sends calls to hook until the
// resolver settles it. Afterward calls go to the resolution.
func NewPromisedClient(hook ClientHook) (*Client, *ClientResolver) {
	h := newClientHook(hook, true)
	return &Client{h: h}, &ClientResolver{h: h}
}

// addRef must be called only while another reference keeps h alive.
func (h *clientHook) addRef() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// drop removes a reference and a call slot as requested and shuts h down
// when nothing uses it anymore. Chains of resolved hooks are released
// iteratively.
func (h *clientHook) drop(refs, calls int) {
	for h != nil {
		h.mu.Lock()
		h.refs -= refs
		h.calls -= calls
		if h.refs > 0 || h.calls > 0 || h.shutdown {
			h.mu.Unlock()
			return
		}
		h.shutdown = true
		next := h.resolvedHook
		if next == h {
			next = nil
		}
		h.resolvedHook = nil
		h.mu.Unlock()

		h.Shutdown()
		h, refs, calls = next, 1, 0
	}
}

// settle resolves a promise hook to r, taking ownership of r's reference.
// It reports false if h was already settled.
func (h *clientHook) settle(r *clientHook) bool {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return false
	}
	h.resolved = true
	h.resolvedHook = r
	close(h.resolution)
	h.mu.Unlock()
	return true
}

// next returns the hook h resolved to, or h itself while it is pending
// or when it is not a promise.
func (h *clientHook) next() (*clientHook, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.resolved || h.resolvedHook == h {
		return h, false
	}
	return h.resolvedHook, true
}

var noop = func() {}

// startCall advances c along its resolution chain and reserves a call
// slot on the hook it ends at. The chain is walked iteratively; a hook
// seen twice is a resolution cycle.
func (c *Client) startCall() (_ *clientHook, _ func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, noop, errors.Closed(errors.PhaseDispatch, "client")
	}
	var seen map[*clientHook]struct{}
	for {
		h := c.h
		if h == nil {
			return nil, noop, nil
		}
		h.mu.Lock()
		if !h.resolved || h.resolvedHook == h {
			h.calls++
			h.mu.Unlock()
			return h, func() { h.drop(0, 1) }, nil
		}
		r := h.resolvedHook
		h.mu.Unlock()

		if seen == nil {
			seen = make(map[*clientHook]struct{})
		}
		if _, ok := seen[h]; ok {
			return nil, noop, errors.ResolutionCycle()
		}
		seen[h] = struct{}{}

		// h holds a reference on r, and c holds one on h.
		if r != nil {
			r.addRef()
		}
		c.h = r
		h.drop(1, 0)
	}
}

// SendCall starts a call on the capability. The returned ReleaseFunc
// releases the results and must be called once they are no longer needed.
func (c *Client) SendCall(ctx context.Context, s Send) (*Answer, ReleaseFunc) {
	if c == nil {
		return ErrorAnswer(s.Method, errNullClient(s.Method)), noop
	}
	h, finish, err := c.startCall()
	defer finish()
	if err != nil {
		return ErrorAnswer(s.Method, err), noop
	}
	if h == nil {
		return ErrorAnswer(s.Method, errNullClient(s.Method)), noop
	}
	if err := ctx.Err(); err != nil {
		return ErrorAnswer(s.Method, errors.Canceled(s.Method.String())), noop
	}
	return h.Send(ctx, s)
}

// RecvCall delivers a decoded call to the capability.
func (c *Client) RecvCall(ctx context.Context, r Recv) PipelineCaller {
	var (
		h      *clientHook
		finish = noop
		err    error
	)
	if c != nil {
		h, finish, err = c.startCall()
	}
	defer finish()
	if err == nil && h == nil {
		err = errNullClient(r.Method)
	}
	if err != nil {
		r.releaseArgs()
		r.Returner.Return(err)
		return ErrorAnswer(r.Method, err)
	}
	return h.Recv(ctx, r)
}

func errNullClient(m Method) error {
	return errors.New(errors.PhaseDispatch, errors.KindFailed).
		Method(m.String()).
		Detail("call on null client").
		Build()
}

// AddRef returns a new reference to the same capability. It returns nil
// for a nil, null or released client.
func (c *Client) AddRef() *Client {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released || c.h == nil {
		return nil
	}
	c.h.addRef()
	return &Client{h: c.h}
}

// Dup implements wire.CapRef.
func (c *Client) Dup() wire.CapRef {
	return c.AddRef()
}

// Release drops the reference. When it was the last one, the hook is
// shut down once its in-flight calls finish. Releasing twice is a no-op.
func (c *Client) Release() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	h := c.h
	c.h = nil
	c.mu.Unlock()
	if h != nil {
		h.drop(1, 0)
	}
}

// IsValid reports whether c refers to a capability: it is not nil, not
// released and has not resolved to null.
func (c *Client) IsValid() bool {
	if c == nil {
		return false
	}
	h, finish, err := c.startCall()
	finish()
	return err == nil && h != nil
}

// IsSame reports whether c and o refer to the same capability. It can
// report false negatives for unresolved promises; use Resolve first.
func (c *Client) IsSame(o *Client) bool {
	return c.Identity() == o.Identity()
}

// Identity returns a comparable key for the capability c currently
// refers to, or nil for the null capability.
func (c *Client) Identity() any {
	if c == nil {
		return nil
	}
	h, finish, _ := c.startCall()
	finish()
	if h == nil {
		return nil
	}
	return h
}

// Resolve blocks until c is no longer an unresolved promise or ctx is
// done.
func (c *Client) Resolve(ctx context.Context) error {
	if c == nil {
		return nil
	}
	for {
		h, finish, err := c.startCall()
		if err != nil || h == nil {
			finish()
			return err
		}
		h.mu.Lock()
		resolved, ch := h.resolved, h.resolution
		h.mu.Unlock()
		finish()
		if resolved {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ClientState is a snapshot of a client's hook.
type ClientState struct {
	Brand     Brand
	IsPromise bool
	IsNull    bool
	Released  bool
}

// State returns the current state of c after following resolutions
// that have already happened.
func (c *Client) State() ClientState {
	if c == nil {
		return ClientState{IsNull: true}
	}
	h, finish, err := c.startCall()
	defer finish()
	if err != nil {
		return ClientState{Released: true}
	}
	if h == nil {
		return ClientState{IsNull: true}
	}
	h.mu.Lock()
	pending := !h.resolved
	h.mu.Unlock()
	return ClientState{Brand: h.Brand(), IsPromise: pending}
}

// WeakRef returns a reference that does not keep the capability alive.
func (c *Client) WeakRef() *WeakClient {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released || c.h == nil {
		return nil
	}
	return &WeakClient{h: c.h}
}

// String describes the client for logs.
func (c *Client) String() string {
	st := c.State()
	switch {
	case st.Released:
		return "<released client>"
	case st.IsNull:
		return "<null client>"
	case st.IsPromise:
		return "<promised client>"
	}
	return "<client>"
}

// WeakClient refers to a capability without holding a reference.
type WeakClient struct {
	mu sync.Mutex
	h  *clientHook
}

// AddRef returns a strong reference, or ok == false if the capability
// has already been shut down.
func (w *WeakClient) AddRef() (c *Client, ok bool) {
	if w == nil {
		return nil, true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.h != nil {
		w.h.mu.Lock()
		if w.h.resolved && w.h.resolvedHook != w.h && !w.h.shutdown {
			r := w.h.resolvedHook
			w.h.mu.Unlock()
			w.h = r
			continue
		}
		if w.h.refs == 0 || w.h.shutdown {
			w.h.mu.Unlock()
			return nil, false
		}
		w.h.refs++
		w.h.mu.Unlock()
		return &Client{h: w.h}, true
	}
	return nil, true
}

// ClientResolver settles a client created by NewPromisedClient or
// NewLocalPromise.
type ClientResolver struct {
	h     *clientHook
	onSet func(*Client) // runs before settling; local promises flush here
}

// Fulfill resolves the promise to c, taking ownership of c. A promise
// that would resolve to itself is rejected with a resolution cycle
// error. Settling an already settled promise releases c and does nothing.
func (r *ClientResolver) Fulfill(c *Client) {
	t := c.take()
	if t != nil && reaches(t, r.h) {
		t.drop(1, 0)
		r.Reject(errors.ResolutionCycle())
		return
	}
	if r.onSet != nil {
		var target *Client
		if t != nil {
			t.addRef()
			target = &Client{h: t}
		}
		r.onSet(target)
		target.Release()
	}
	if !r.h.settle(t) && t != nil {
		t.drop(1, 0)
	}
}

// Reject resolves the promise to a client whose calls fail with err.
func (r *ClientResolver) Reject(err error) {
	r.Fulfill(ErrorClient(err))
}

// take removes c's hook after following completed resolutions and
// returns it with c's reference. c is released.
func (c *Client) take() *clientHook {
	if c == nil {
		return nil
	}
	h, finish, err := c.startCall()
	finish()
	if err != nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
	c.h = nil
	return h
}

// reaches reports whether the resolution chain starting at from contains
// target.
func reaches(from, target *clientHook) bool {
	seen := make(map[*clientHook]struct{})
	for h := from; h != nil; {
		if h == target {
			return true
		}
		if _, ok := seen[h]; ok {
			return true
		}
		seen[h] = struct{}{}
		n, moved := h.next()
		if !moved {
			return false
		}
		h = n
	}
	return false
}

// ErrorClient returns a client whose calls fail with err.
func ErrorClient(err error) *Client {
	return NewClient(errorHook{err: err})
}

// ClientError returns the error of a client created by ErrorClient, or
// nil for any other client.
func ClientError(c *Client) error {
	if eh, ok := c.State().Brand.Value.(errorHook); ok {
		return eh.err
	}
	return nil
}

type errorHook struct {
	err error
}

func (e errorHook) Send(_ context.Context, s Send) (*Answer, ReleaseFunc) {
	return ErrorAnswer(s.Method, e.err), noop
}

func (e errorHook) Recv(_ context.Context, r Recv) PipelineCaller {
	r.releaseArgs()
	r.Returner.Return(e.err)
	return ErrorAnswer(r.Method, e.err)
}

func (e errorHook) Brand() Brand {
	return Brand{Value: e}
}

func (errorHook) Shutdown() {}

var closedSignal = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()
