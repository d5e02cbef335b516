package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wippyai/caprpc/capability"
	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/wire"
)

// Call is a call being served.
type Call struct {
	method   *Method
	args     wire.Struct
	returner capability.Returner

	ackOnce   sync.Once
	acked     chan struct{}
	allocated atomic.Bool
	forwarded atomic.Bool
}

// Method returns the method being called.
func (c *Call) Method() capability.Method {
	return c.method.Method
}

// Args returns the call's arguments. They are valid until the method
// returns.
func (c *Call) Args() wire.Struct {
	return c.args
}

// AllocResults allocates the results struct. It may be called once.
func (c *Call) AllocResults(sz wire.ObjectSize) (wire.Struct, error) {
	if !c.allocated.CompareAndSwap(false, true) {
		return wire.Struct{}, errors.New(errors.PhaseDispatch, errors.KindFailed).
			Method(c.method.String()).
			Detail("results already allocated").
			Build()
	}
	return c.returner.AllocResults(sz)
}

// Go lets the server start its next call while this one keeps running.
func (c *Call) Go() {
	c.ackOnce.Do(func() { close(c.acked) })
}

// TailCall sends s to target and makes this call's answer an alias of
// the new call's answer. Calls pipelined on this call's results go to the
// new call without waiting for it to return. The method must not
// allocate results and should return nil right after.
func (c *Call) TailCall(ctx context.Context, target *capability.Client, s capability.Send) error {
	if c.allocated.Load() {
		return errors.New(errors.PhaseDispatch, errors.KindFailed).
			Method(c.method.String()).
			Detail("tail call after results were allocated").
			Build()
	}
	if !c.forwarded.CompareAndSwap(false, true) {
		return errors.New(errors.PhaseDispatch, errors.KindFailed).
			Method(c.method.String()).
			Detail("second tail call").
			Build()
	}
	// The method's context ends when it returns; the new call must not.
	ans, release := target.SendCall(context.WithoutCancel(ctx), s)
	if fw, ok := c.returner.(capability.Forwarder); ok {
		fw.Forward(ans, release)
		return nil
	}
	c.forwarded.Store(false)
	c.allocated.Store(true)
	defer release()
	return capability.CopyResults(ans, c.returner)
}
