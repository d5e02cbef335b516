package rpc

import (
	"context"

	"github.com/wippyai/caprpc/capability"
	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/rpc/internal/rpcmsg"
	"github.com/wippyai/caprpc/wire"
)

// question is a call or bootstrap request this side sent and has not
// finished. The fields below c are guarded by c.mu.
type question struct {
	c      *Conn
	id     uint32
	method capability.Method
	p      *capability.Promise

	bootstrap    bool
	returned     bool
	finishSent   bool
	paramExports []uint32
	pipelined    map[string][]capability.PipelineOp
	resultMsg    *wire.Message
	stop         func() bool
}

// newQuestion allocates a question id. Callers hold c.mu.
func (c *Conn) newQuestion(m capability.Method) *question {
	q := &question{c: c, method: m}
	q.p = capability.NewPromise(m, q)
	q.id = c.questions.Add(q)
	return q
}

// watch cancels the question when ctx is done before the return arrives.
func (q *question) watch(ctx context.Context) {
	if ctx.Done() == nil {
		return
	}
	stop := context.AfterFunc(ctx, q.cancel)
	q.c.mu.Lock()
	q.stop = stop
	q.c.mu.Unlock()
}

// stopWatchLocked detaches the context watcher.
func (q *question) stopWatchLocked() {
	if q.stop != nil {
		q.stop()
		q.stop = nil
	}
}

// cancel sends an early Finish so the peer can stop work on the call.
// The answer fails with a canceled error right away; the peer's return,
// when it comes, is dropped.
func (q *question) cancel() {
	c := q.c
	c.mu.Lock()
	if q.returned || q.finishSent {
		c.mu.Unlock()
		return
	}
	q.finishSent = true
	err := c.sendFinishLocked(q.id, true)
	c.mu.Unlock()
	if err != nil {
		c.log.Debug("finish not sent")
	}
	q.p.Reject(errors.Canceled(q.method.String()))
}

// release is the caller's ReleaseFunc. Before the return it cancels the
// question; afterward it drops the results.
func (q *question) release() {
	q.p.ReleaseClients()
	q.cancel()
	c := q.c
	c.mu.Lock()
	q.stopWatchLocked()
	msg := q.resultMsg
	q.resultMsg = nil
	c.mu.Unlock()
	msg.Release()
}

// fail rejects the question when the connection goes away.
func (q *question) fail(err error) {
	c := q.c
	c.mu.Lock()
	q.stopWatchLocked()
	q.returned = true
	c.mu.Unlock()
	q.p.Reject(err)
}

// wireTransform converts a path relative to the answer's results into a
// path relative to the returned content. A bootstrap answer's content is
// the capability itself, held as field 0 of the results.
func (q *question) wireTransform(t []capability.PipelineOp) []capability.PipelineOp {
	if q.bootstrap && len(t) > 0 {
		return t[1:]
	}
	return t
}

// PipelineSend implements capability.PipelineCaller by sending a call
// addressed to the promised answer.
func (q *question) PipelineSend(ctx context.Context, transform []capability.PipelineOp, s capability.Send) (*capability.Answer, capability.ReleaseFunc) {
	return q.c.newCall(ctx, callTarget{question: q, transform: transform}, s)
}

// PipelineRecv implements capability.PipelineCaller.
func (q *question) PipelineRecv(ctx context.Context, transform []capability.PipelineOp, r capability.Recv) capability.PipelineCaller {
	return capability.ForwardRecv(ctx, func(ctx context.Context, s capability.Send) (*capability.Answer, capability.ReleaseFunc) {
		return q.PipelineSend(ctx, transform, s)
	}, r)
}

// callTarget addresses an outgoing call: an imported capability, or a
// path inside one of this side's outstanding questions.
type callTarget struct {
	importID  uint32
	question  *question
	transform []capability.PipelineOp
}

// newCall sends a call to the peer.
func (c *Conn) newCall(ctx context.Context, tgt callTarget, s capability.Send) (*capability.Answer, capability.ReleaseFunc) {
	args, err := s.AllocArgs()
	if err != nil {
		return capability.ErrorAnswer(s.Method, err), func() {}
	}
	argsMsg := args.Message()

	var d deferred
	c.mu.Lock()
	if c.closing {
		err := c.disconnectedLocked()
		c.mu.Unlock()
		argsMsg.Release()
		return capability.ErrorAnswer(s.Method, err), func() {}
	}
	if tq := tgt.question; tq != nil && (tq.returned || tq.finishSent) {
		c.mu.Unlock()
		defer argsMsg.Release()
		return sendToSettled(ctx, tq, tgt.transform, s.Method, args)
	}

	q := c.newQuestion(s.Method)
	msg, err := c.buildCallLocked(q, tgt, args, &d)
	if err == nil {
		err = c.sendLocked(msg, rpcmsg.MessageCall)
	}
	if err != nil {
		c.questions.Remove(q.id)
		c.releaseExportsLocked(q.paramExports, &d)
		q.paramExports = nil
	} else if tq := tgt.question; tq != nil {
		if tq.pipelined == nil {
			tq.pipelined = make(map[string][]capability.PipelineOp)
		}
		tq.pipelined[pathKey(tgt.transform)] = append([]capability.PipelineOp(nil), tgt.transform...)
	}
	c.mu.Unlock()

	d.releaseMsg(msg)
	d.releaseMsg(argsMsg)
	d.run()
	if err != nil {
		return capability.ErrorAnswer(s.Method, err), func() {}
	}
	q.watch(ctx)
	return q.p.Answer(), q.release
}

// sendToSettled delivers a pipelined call whose question has already
// settled to the capability the answer resolved to.
func sendToSettled(ctx context.Context, q *question, transform []capability.PipelineOp, m capability.Method, args wire.Struct) (*capability.Answer, capability.ReleaseFunc) {
	ans := q.p.Answer()
	select {
	case <-ans.Done():
	case <-ctx.Done():
		return capability.ErrorAnswer(m, errors.Canceled(m.String())), func() {}
	}
	f := ans.Future()
	for _, op := range transform {
		f = f.Field(op.Field, op.DefaultValue)
	}
	target := f.Client()
	defer target.Release()
	return target.SendCall(ctx, capability.Send{
		Method:   m,
		ArgsSize: args.Size(),
		PlaceArgs: func(dst wire.Struct) error {
			return dst.CopyFrom(args)
		},
	})
}

// buildCallLocked encodes a Call message for q. The returned message is
// owned by the caller even on error.
func (c *Conn) buildCallLocked(q *question, tgt callTarget, args wire.Struct, d *deferred) (*wire.Message, error) {
	msg, om, err := newOutgoing()
	if err != nil {
		return nil, err
	}
	call, err := om.NewCall()
	if err != nil {
		return msg, err
	}
	call.SetQuestionID(q.id)
	call.SetInterfaceID(q.method.InterfaceID)
	call.SetMethodID(q.method.MethodID)

	target, err := call.NewTarget()
	if err != nil {
		return msg, err
	}
	if tq := tgt.question; tq != nil {
		pa, err := target.NewPromisedAnswer()
		if err != nil {
			return msg, err
		}
		pa.SetQuestionID(tq.id)
		if err := pa.SetTransform(tq.wireTransform(tgt.transform)); err != nil {
			return msg, err
		}
	} else {
		target.SetImportedCap(tgt.importID)
	}

	params, err := call.NewParams()
	if err != nil {
		return msg, err
	}
	if err := params.SetContent(args.ToPtr()); err != nil {
		return msg, err
	}
	q.paramExports, err = c.describeCapsLocked(params, msg, d)
	return msg, err
}

func (c *Conn) sendFinishLocked(id uint32, releaseResultCaps bool) error {
	msg, om, err := newOutgoing()
	if err != nil {
		return err
	}
	defer msg.Release()
	fin, err := om.NewFinish()
	if err != nil {
		return err
	}
	fin.SetQuestionID(id)
	fin.SetReleaseResultCaps(releaseResultCaps)
	return c.sendLocked(msg, rpcmsg.MessageFinish)
}

// handleReturn settles a question. Capabilities in the results become
// imports. Results that point back at this side and were pipelined on are
// embargoed until a disembargo round trip shows the pipelined calls have
// been delivered.
func (c *Conn) handleReturn(msg *wire.Message, m rpcmsg.Message) error {
	ret, err := m.Return()
	if err != nil {
		msg.Release()
		return err
	}
	var d deferred
	c.mu.Lock()
	q, ok := c.questions.Get(ret.AnswerID())
	if !ok || q.returned {
		c.mu.Unlock()
		msg.Release()
		return errors.Protocol("return for unknown question %d", ret.AnswerID())
	}
	q.returned = true
	q.stopWatchLocked()
	if ret.ReleaseParamCaps() {
		c.releaseExportsLocked(q.paramExports, &d)
	}
	q.paramExports = nil

	if q.finishSent {
		// Canceled by the caller; the peer releases the result caps.
		c.questions.Remove(q.id)
		c.mu.Unlock()
		msg.Release()
		d.run()
		return nil
	}

	var (
		results wire.Struct
		resMsg  *wire.Message
		rerr    error
		perr    error
	)
	switch ret.Which() {
	case rpcmsg.ReturnResults:
		results, resMsg, rerr = c.acceptResultsLocked(q, msg, ret, &d)
		if rerr != nil {
			d.releaseMsg(msg)
		}
	case rpcmsg.ReturnException:
		d.releaseMsg(msg)
		exc, err := ret.Exception()
		if err != nil {
			rerr = err
		} else {
			rerr = exceptionError(exc, q.method.String())
		}
	case rpcmsg.ReturnCanceled:
		d.releaseMsg(msg)
		rerr = errors.Canceled(q.method.String())
	default:
		d.releaseMsg(msg)
		perr = errors.Protocol("unsupported return variant %d", ret.Which())
		rerr = perr
	}

	q.finishSent = true
	if err := c.sendFinishLocked(q.id, false); err != nil {
		c.log.Debug("finish not sent")
	}
	c.questions.Remove(q.id)
	q.resultMsg = resMsg
	c.mu.Unlock()

	q.p.Resolve(results, rerr)
	d.run()
	if q.bootstrap {
		q.p.ReleaseClients()
		q.c.mu.Lock()
		bm := q.resultMsg
		q.resultMsg = nil
		q.c.mu.Unlock()
		bm.Release()
	}
	return perr
}

// acceptResultsLocked imports the results' capabilities into msg and
// places embargoes on pipelined paths that lead back to this side. It
// returns the results struct and the message that owns it.
func (c *Conn) acceptResultsLocked(q *question, msg *wire.Message, ret rpcmsg.Return, d *deferred) (wire.Struct, *wire.Message, error) {
	payload, err := ret.Results()
	if err != nil {
		return wire.Struct{}, nil, err
	}
	caps, local, err := c.receiveCapsLocked(payload, d)
	if err != nil {
		return wire.Struct{}, nil, err
	}
	msg.CapTable.Reset(caps...)
	content, err := payload.Content()
	if err != nil {
		return wire.Struct{}, nil, err
	}

	results, resMsg := content.Struct(), msg
	if q.bootstrap {
		bm, seg, err := wire.NewMessage(wire.SingleSegment(nil))
		if err != nil {
			return wire.Struct{}, nil, err
		}
		root, err := wire.NewRootStruct(seg, wire.ObjectSize{PointerCount: 1})
		if err == nil {
			err = root.SetPtr(0, content)
		}
		if err != nil {
			bm.Release()
			return wire.Struct{}, nil, err
		}
		d.releaseMsg(msg)
		results, resMsg = root, bm
	}

	for _, path := range q.pipelined {
		c.embargoPathLocked(q, results, resMsg, path, local)
	}
	return results, resMsg, nil
}

// embargoPathLocked replaces the local capability at path with a promise
// that resolves once a loopback disembargo returns.
func (c *Conn) embargoPathLocked(q *question, results wire.Struct, resMsg *wire.Message, path []capability.PipelineOp, local map[any]bool) {
	ptr, err := wire.Transform(results.ToPtr(), path)
	if err != nil {
		return
	}
	iface := ptr.Interface()
	if !iface.IsValid() {
		return
	}
	ref, err := iface.Ref()
	if err != nil {
		return
	}
	target, _ := ref.(*capability.Client)
	if target == nil || !local[target.Identity()] {
		return
	}

	promise, resolver := capability.NewLocalPromise()
	e := &embargo{resolver: resolver, target: target.AddRef()}
	e.id = c.embargoes.Add(e)
	if err := c.sendDisembargoLocked(rpcmsg.DisembargoSenderLoopback, e.id, func(t rpcmsg.MessageTarget) error {
		pa, err := t.NewPromisedAnswer()
		if err != nil {
			return err
		}
		pa.SetQuestionID(q.id)
		return pa.SetTransform(q.wireTransform(path))
	}); err != nil {
		c.embargoes.Remove(e.id)
		promise.Release()
		e.target.Release()
		return
	}
	// The old entry stays alive through e.target.
	_ = resMsg.CapTable.Set(iface.Capability(), promise)
}

func pathKey(t []capability.PipelineOp) string {
	b := make([]byte, 0, 2*len(t))
	for _, op := range t {
		b = append(b, byte(op.Field>>8), byte(op.Field))
	}
	return string(b)
}
