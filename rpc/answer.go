package rpc

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/caprpc/capability"
	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/rpc/internal/rpcmsg"
	"github.com/wippyai/caprpc/wire"
)

var bootstrapMethod = capability.Method{InterfaceName: "Bootstrap", MethodName: "bootstrap"}

// answer is a call or bootstrap request received from the peer. It is
// the Returner of the delivered call. The fields below cancel are guarded
// by c.mu.
type answer struct {
	c      *Conn
	id     uint32
	method capability.Method
	p      *capability.Promise
	ctx    context.Context
	cancel context.CancelFunc

	pcall             capability.PipelineCaller
	bootstrap         *capability.Client
	msg               *wire.Message
	payload           rpcmsg.Payload
	results           wire.Struct
	returned          bool
	finished          bool
	releaseResultCaps bool
	resultExports     []uint32
}

// newAnswerLocked registers an answer under the peer's question id.
func (c *Conn) newAnswerLocked(id uint32, m capability.Method) (*answer, error) {
	a := &answer{c: c, id: id, method: m}
	a.p = capability.NewPromise(m, a)
	a.ctx, a.cancel = context.WithCancel(c.bgctx)
	if !c.answers.Insert(id, a) {
		a.cancel()
		return nil, errors.Protocol("question id %d already in use", id)
	}
	return a, nil
}

// clientAt returns a new reference to the capability at transform inside
// the answer. Before the call returns this is a promise whose calls are
// pipelined to the callee.
func (a *answer) clientAt(transform []capability.PipelineOp) (*capability.Client, error) {
	if a.bootstrap != nil || a.method == bootstrapMethod {
		if len(transform) != 0 {
			return nil, errors.Protocol("pipeline path into bootstrap answer %d", a.id)
		}
		return a.bootstrap.AddRef(), nil
	}
	f := a.p.Answer().Future()
	if a.returned && a.results.IsValid() {
		// The results are on the wire; the promise may not have caught up.
		f = capability.ImmediateAnswer(a.method, a.results).Future()
	}
	for _, op := range transform {
		f = f.Field(op.Field, nil)
	}
	return f.Client(), nil
}

func (a *answer) pipeline() capability.PipelineCaller {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	return a.pcall
}

// PipelineSend implements capability.PipelineCaller for calls the peer
// addresses to this answer before it returns.
func (a *answer) PipelineSend(ctx context.Context, transform []capability.PipelineOp, s capability.Send) (*capability.Answer, capability.ReleaseFunc) {
	pc := a.pipeline()
	if pc == nil {
		return capability.ErrorAnswer(s.Method, errNoPipeline(a.method)), func() {}
	}
	return pc.PipelineSend(ctx, transform, s)
}

// PipelineRecv implements capability.PipelineCaller.
func (a *answer) PipelineRecv(ctx context.Context, transform []capability.PipelineOp, r capability.Recv) capability.PipelineCaller {
	pc := a.pipeline()
	if pc == nil {
		err := errNoPipeline(a.method)
		if r.ReleaseArgs != nil {
			r.ReleaseArgs()
		}
		r.Returner.Return(err)
		return capability.ErrorAnswer(r.Method, err)
	}
	return pc.PipelineRecv(ctx, transform, r)
}

func errNoPipeline(m capability.Method) error {
	return errors.New(errors.PhaseRPC, errors.KindFailed).
		Method(m.String()).
		Detail("call does not support pipelining").
		Build()
}

// AllocResults implements capability.Returner. The results are placed
// directly in the Return message.
func (a *answer) AllocResults(sz wire.ObjectSize) (wire.Struct, error) {
	msg, om, err := newOutgoing()
	if err != nil {
		return wire.Struct{}, err
	}
	ret, err := om.NewReturn()
	if err != nil {
		msg.Release()
		return wire.Struct{}, err
	}
	ret.SetAnswerID(a.id)
	ret.SetReleaseParamCaps(false)
	payload, err := ret.NewResults()
	if err != nil {
		msg.Release()
		return wire.Struct{}, err
	}
	res, err := wire.NewStruct(om.Segment(), sz)
	if err == nil {
		err = payload.SetContent(res.ToPtr())
	}
	if err != nil {
		msg.Release()
		return wire.Struct{}, err
	}

	a.c.mu.Lock()
	old := a.msg
	a.msg, a.payload, a.results = msg, payload, res
	a.c.mu.Unlock()
	old.Release()
	return res, nil
}

// returnCap returns c as the whole content of the answer.
func (a *answer) returnCap(c *capability.Client) {
	msg, om, err := newOutgoing()
	if err == nil {
		var ret rpcmsg.Return
		if ret, err = om.NewReturn(); err == nil {
			ret.SetAnswerID(a.id)
			ret.SetReleaseParamCaps(false)
			var payload rpcmsg.Payload
			if payload, err = ret.NewResults(); err == nil {
				id := msg.CapTable.Add(c.AddRef())
				if err = payload.SetContent(wire.NewInterface(om.Segment(), id).ToPtr()); err == nil {
					a.c.mu.Lock()
					a.msg, a.payload = msg, payload
					a.c.mu.Unlock()
					a.Return(nil)
					return
				}
			}
		}
		msg.Release()
	}
	a.Return(err)
}

// Return implements capability.Returner.
func (a *answer) Return(err error) {
	if err == nil {
		a.c.mu.Lock()
		empty := a.msg == nil
		a.c.mu.Unlock()
		if empty {
			_, err = a.AllocResults(wire.ObjectSize{})
		}
	}

	c := a.c
	var d deferred
	c.mu.Lock()
	if a.returned {
		c.mu.Unlock()
		return
	}
	a.returned = true
	results := a.results
	if c.closing {
		d.releaseMsg(a.msg)
		a.msg = nil
		c.mu.Unlock()
		d.run()
		a.p.Resolve(results, c.disconnected(err))
		return
	}
	if err == nil {
		if err = c.sendResultsLocked(a, &d); err != nil {
			c.log.Warn("results not sent", zap.Stringer("method", a.method), zap.Error(err))
		}
	}
	if err != nil {
		d.releaseMsg(a.msg)
		a.msg = nil
		results = wire.Struct{}
		if serr := c.sendExceptionLocked(a.id, err); serr != nil {
			c.log.Debug("exception not sent", zap.Error(serr))
		}
	}
	if a.finished {
		c.dropAnswerLocked(a, &d)
	}
	c.mu.Unlock()

	a.p.Resolve(results, err)
	d.run()
	a.cancel()
}

func (c *Conn) sendResultsLocked(a *answer, d *deferred) error {
	exports, err := c.describeCapsLocked(a.payload, a.msg, d)
	if err != nil {
		return err
	}
	if err := c.sendLocked(a.msg, rpcmsg.MessageReturn); err != nil {
		c.releaseExportsLocked(exports, d)
		return err
	}
	a.resultExports = exports
	return nil
}

func (c *Conn) sendExceptionLocked(id uint32, err error) error {
	msg, om, merr := newOutgoing()
	if merr != nil {
		return merr
	}
	defer msg.Release()
	ret, merr := om.NewReturn()
	if merr != nil {
		return merr
	}
	ret.SetAnswerID(id)
	ret.SetReleaseParamCaps(false)
	if errors.KindOf(err) == errors.KindCanceled {
		ret.SetCanceled()
	} else {
		exc, merr := ret.NewException()
		if merr != nil {
			return merr
		}
		if merr := setException(exc, err); merr != nil {
			return merr
		}
	}
	return c.sendLocked(msg, rpcmsg.MessageReturn)
}

// dropAnswerLocked removes a returned and finished answer.
func (c *Conn) dropAnswerLocked(a *answer, d *deferred) {
	if cur, ok := c.answers.Get(a.id); ok && cur == a {
		c.answers.Remove(a.id)
	}
	if a.releaseResultCaps {
		c.releaseExportsLocked(a.resultExports, d)
	}
	a.resultExports = nil
	d.releaseMsg(a.msg)
	a.msg = nil
	d.add(a.p.ReleaseClients)
	d.release(a.bootstrap)
	a.bootstrap = nil
}

// Forward implements capability.Forwarder. The results are copied from
// ans once it returns; until then calls pipelined on this answer reach
// ans through the server's forwarded promise.
func (a *answer) Forward(ans *capability.Answer, release capability.ReleaseFunc) {
	go func() {
		defer release()
		select {
		case <-ans.Done():
		case <-a.ctx.Done():
			a.Return(errors.Canceled(a.method.String()))
			return
		}
		a.Return(capability.CopyResults(ans, a))
	}()
}

// abandon cancels the answer when the connection shuts down.
func (a *answer) abandon() {
	a.cancel()
	a.c.mu.Lock()
	var msg *wire.Message
	if a.returned {
		msg, a.msg = a.msg, nil
	}
	bs := a.bootstrap
	a.bootstrap = nil
	a.c.mu.Unlock()
	msg.Release()
	bs.Release()
	a.p.ReleaseClients()
}

func (c *Conn) handleBootstrap(m rpcmsg.Message) error {
	b, err := m.Bootstrap()
	if err != nil {
		return err
	}
	c.mu.Lock()
	a, err := c.newAnswerLocked(b.QuestionID(), bootstrapMethod)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	a.bootstrap = c.bootstrap.AddRef()
	client := a.bootstrap
	c.mu.Unlock()

	if client == nil {
		a.Return(errors.New(errors.PhaseRPC, errors.KindFailed).
			Method(bootstrapMethod.String()).
			Detail("no bootstrap interface").
			Build())
		return nil
	}
	a.returnCap(client)
	return nil
}

// handleCall delivers a call to its target. The received message owns the
// arguments until the callee releases them.
func (c *Conn) handleCall(msg *wire.Message, m rpcmsg.Message) error {
	call, err := m.Call()
	if err != nil {
		msg.Release()
		return err
	}
	method := capability.Method{InterfaceID: call.InterfaceID(), MethodID: call.MethodID()}
	target, err := call.Target()
	if err != nil {
		msg.Release()
		return err
	}
	params, err := call.Params()
	if err != nil {
		msg.Release()
		return err
	}
	content, err := params.Content()
	if err != nil {
		msg.Release()
		return err
	}

	var d deferred
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		msg.Release()
		return nil
	}
	a, err := c.newAnswerLocked(call.QuestionID(), method)
	if err != nil {
		c.mu.Unlock()
		msg.Release()
		return err
	}
	caps, _, err := c.receiveCapsLocked(params, &d)
	var client *capability.Client
	if err == nil {
		msg.CapTable.Reset(caps...)
		client, err = c.callTargetLocked(target)
	}
	if err != nil {
		c.answers.Remove(a.id)
		c.mu.Unlock()
		d.run()
		msg.Release()
		a.cancel()
		return err
	}
	c.mu.Unlock()
	d.run()

	if call.SendResultsTo() != rpcmsg.SendResultsToCaller {
		msg.Release()
		client.Release()
		a.Return(errors.New(errors.PhaseRPC, errors.KindUnimplementedMethod).
			Method(method.String()).
			Detail("results can only be sent to the caller").
			Build())
		return nil
	}

	pc := client.RecvCall(a.ctx, capability.Recv{
		Method:      method,
		Args:        content.Struct(),
		ReleaseArgs: msg.Release,
		Returner:    a,
	})
	client.Release()
	c.mu.Lock()
	a.pcall = pc
	c.mu.Unlock()
	return nil
}

// callTargetLocked returns a new reference to the capability a call or
// disembargo is addressed to.
func (c *Conn) callTargetLocked(t rpcmsg.MessageTarget) (*capability.Client, error) {
	switch t.Which() {
	case rpcmsg.TargetImportedCap:
		e, ok := c.exports.Get(t.ImportedCap())
		if !ok {
			return nil, errors.Protocol("call to unknown export %d", t.ImportedCap())
		}
		return e.client.AddRef(), nil
	case rpcmsg.TargetPromisedAnswer:
		pa, err := t.PromisedAnswer()
		if err != nil {
			return nil, err
		}
		a, ok := c.answers.Get(pa.QuestionID())
		if !ok {
			return nil, errors.Protocol("call to unknown answer %d", pa.QuestionID())
		}
		ops, err := pa.Transform()
		if err != nil {
			return nil, err
		}
		return a.clientAt(ops)
	}
	return nil, errors.Protocol("unsupported message target %d", t.Which())
}

// handleFinish ends an answer. A finish for an answer still running
// cancels it.
func (c *Conn) handleFinish(m rpcmsg.Message) error {
	fin, err := m.Finish()
	if err != nil {
		return err
	}
	var d deferred
	c.mu.Lock()
	a, ok := c.answers.Get(fin.QuestionID())
	if !ok || a.finished {
		c.mu.Unlock()
		return nil
	}
	a.finished = true
	a.releaseResultCaps = fin.ReleaseResultCaps()
	if a.returned {
		c.dropAnswerLocked(a, &d)
	} else {
		d.add(a.cancel)
	}
	c.mu.Unlock()
	d.run()
	return nil
}
