package rpc

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/caprpc/capability"
	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/rpc/internal/rpcmsg"
	"github.com/wippyai/caprpc/wire"
)

// export is a capability this side hosts for the peer.
type export struct {
	id       uint32
	key      any
	client   *capability.Client
	wireRefs uint32
	promise  bool
}

// importEntry tracks a capability the peer hosts. wireRefs counts the
// descriptors received for it and is handed back in one Release when the
// local client goes away.
type importEntry struct {
	id       uint32
	wireRefs uint32
	hook     *importClient
	client   *capability.WeakClient
	resolver *capability.ClientResolver
}

// importClient is the hook behind capabilities hosted by the peer.
type importClient struct {
	c         *Conn
	id        uint32
	entry     *importEntry
	callsMade atomic.Bool
}

func (h *importClient) Send(ctx context.Context, s capability.Send) (*capability.Answer, capability.ReleaseFunc) {
	h.callsMade.Store(true)
	return h.c.newCall(ctx, callTarget{importID: h.id}, s)
}

func (h *importClient) Recv(ctx context.Context, r capability.Recv) capability.PipelineCaller {
	return capability.ForwardRecv(ctx, h.Send, r)
}

func (h *importClient) Brand() capability.Brand {
	return capability.Brand{Value: h}
}

// Shutdown sends the Release for every reference received for the
// import. It can run from inside client bookkeeping done under c.mu, so
// the release happens on its own goroutine.
func (h *importClient) Shutdown() {
	go h.release()
}

func (h *importClient) release() {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.imports.Get(h.id); ok && e == h.entry {
		c.imports.Remove(h.id)
	}
	if c.closing || h.entry.wireRefs == 0 {
		return
	}
	msg, om, err := newOutgoing()
	if err != nil {
		return
	}
	defer msg.Release()
	rel, err := om.NewRelease()
	if err != nil {
		return
	}
	rel.SetID(h.id)
	rel.SetReferenceCount(h.entry.wireRefs)
	if err := c.sendLocked(msg, rpcmsg.MessageRelease); err != nil {
		c.log.Debug("release not sent", zap.Uint32("import", h.id), zap.Error(err))
	}
}

// importLocked returns a client for import id, reusing the live client
// when there is one.
func (c *Conn) importLocked(id uint32, promise bool) *capability.Client {
	if e, ok := c.imports.Get(id); ok {
		if cl, live := e.client.AddRef(); live && cl != nil {
			e.wireRefs++
			return cl
		}
		// The old hook is shutting down and releases its own count.
		c.imports.Remove(id)
	}
	e := &importEntry{id: id, wireRefs: 1}
	h := &importClient{c: c, id: id, entry: e}
	e.hook = h
	var cl *capability.Client
	if promise {
		cl, e.resolver = capability.NewPromisedClient(h)
	} else {
		cl = capability.NewClient(h)
	}
	e.client = cl.WeakRef()
	c.imports.Insert(id, e)
	return cl
}

// receiveCapsLocked decodes the capability table of a received payload.
// The returned local set holds the identities of capabilities that point
// back at this side.
func (c *Conn) receiveCapsLocked(p rpcmsg.Payload, d *deferred) ([]wire.CapRef, map[any]bool, error) {
	list, err := p.CapTable()
	if err != nil || list.Len() == 0 {
		return nil, nil, err
	}
	caps := make([]wire.CapRef, 0, list.Len())
	local := make(map[any]bool)
	for i := 0; i < list.Len(); i++ {
		cl, isLocal, err := c.receiveCapLocked(rpcmsg.CapDescriptor{Struct: list.At(i)})
		if err != nil {
			for _, ref := range caps {
				if ref != nil {
					d.add(ref.Release)
				}
			}
			return nil, nil, err
		}
		if cl == nil {
			caps = append(caps, nil)
			continue
		}
		if isLocal {
			local[cl.Identity()] = true
		}
		caps = append(caps, cl)
	}
	return caps, local, nil
}

// receiveCapLocked decodes one descriptor into a client reference.
func (c *Conn) receiveCapLocked(desc rpcmsg.CapDescriptor) (*capability.Client, bool, error) {
	switch desc.Which() {
	case rpcmsg.CapNone:
		return nil, false, nil
	case rpcmsg.CapSenderHosted:
		return c.importLocked(desc.ID(), false), false, nil
	case rpcmsg.CapSenderPromise:
		return c.importLocked(desc.ID(), true), false, nil
	case rpcmsg.CapReceiverHosted:
		e, ok := c.exports.Get(desc.ID())
		if !ok {
			return nil, false, errors.Protocol("descriptor names unknown export %d", desc.ID())
		}
		return e.client.AddRef(), true, nil
	case rpcmsg.CapReceiverAnswer:
		pa, err := desc.ReceiverAnswer()
		if err != nil {
			return nil, false, err
		}
		a, ok := c.answers.Get(pa.QuestionID())
		if !ok {
			return nil, false, errors.Protocol("descriptor names unknown answer %d", pa.QuestionID())
		}
		ops, err := pa.Transform()
		if err != nil {
			return nil, false, err
		}
		cl, err := a.clientAt(ops)
		return cl, true, err
	}
	return nil, false, errors.Protocol("unsupported capability descriptor %d", desc.Which())
}

// describeCapsLocked writes the descriptor table for the capabilities in
// msg and returns the export ids it referenced.
func (c *Conn) describeCapsLocked(p rpcmsg.Payload, msg *wire.Message, d *deferred) ([]uint32, error) {
	n := msg.CapTable.Len()
	if n == 0 {
		return nil, nil
	}
	list, err := p.NewCapTable(int32(n))
	if err != nil {
		return nil, err
	}
	var exports []uint32
	msg.CapTable.Each(func(i wire.CapabilityID, ref wire.CapRef) {
		if err != nil {
			return
		}
		cl, _ := ref.(*capability.Client)
		var (
			id       uint32
			exported bool
		)
		id, exported, err = c.describeLocked(cl, rpcmsg.CapDescriptor{Struct: list.At(int(i))})
		if exported {
			exports = append(exports, id)
		}
	})
	if err != nil {
		c.releaseExportsLocked(exports, d)
		return nil, err
	}
	return exports, nil
}

// describeLocked fills desc for cl. Capabilities the peer hosts are sent
// back as receiverHosted or receiverAnswer; anything else is exported.
func (c *Conn) describeLocked(cl *capability.Client, desc rpcmsg.CapDescriptor) (uint32, bool, error) {
	st := cl.State()
	if st.IsNull || st.Released {
		desc.SetNone()
		return 0, false, nil
	}
	switch b := st.Brand.Value.(type) {
	case *importClient:
		if b.c == c {
			desc.SetReceiverHosted(b.id)
			return 0, false, nil
		}
	case capability.PipelineBrand:
		if q, ok := b.Caller.(*question); ok && q.c == c && !q.returned && !q.finishSent {
			pa, err := desc.NewReceiverAnswer()
			if err != nil {
				return 0, false, err
			}
			pa.SetQuestionID(q.id)
			return 0, false, pa.SetTransform(q.wireTransform(b.Transform))
		}
	}

	key := cl.Identity()
	if id, ok := c.exportIDs[key]; ok {
		e, _ := c.exports.Get(id)
		e.wireRefs++
		c.setExportDesc(desc, e)
		return id, true, nil
	}
	e := &export{key: key, client: cl.AddRef(), wireRefs: 1, promise: st.IsPromise}
	e.id = c.exports.Add(e)
	c.exportIDs[key] = e.id
	c.setExportDesc(desc, e)
	if e.promise {
		go c.resolveExport(e)
	}
	return e.id, true, nil
}

func (c *Conn) setExportDesc(desc rpcmsg.CapDescriptor, e *export) {
	if e.promise {
		desc.SetSenderPromise(e.id)
	} else {
		desc.SetSenderHosted(e.id)
	}
}

// resolveExport waits for an exported promise and tells the peer what it
// resolved to.
func (c *Conn) resolveExport(e *export) {
	if err := e.client.Resolve(c.bgctx); err != nil {
		return
	}
	var d deferred
	c.mu.Lock()
	if cur, ok := c.exports.Get(e.id); c.closing || !ok || cur != e {
		c.mu.Unlock()
		return
	}
	err := c.sendResolveLocked(e, &d)
	c.mu.Unlock()
	d.run()
	if err != nil {
		c.log.Debug("resolve not sent", zap.Uint32("export", e.id), zap.Error(err))
	}
}

func (c *Conn) sendResolveLocked(e *export, d *deferred) error {
	msg, om, err := newOutgoing()
	if err != nil {
		return err
	}
	d.releaseMsg(msg)
	res, err := om.NewResolve()
	if err != nil {
		return err
	}
	res.SetPromiseID(e.id)
	if cerr := capability.ClientError(e.client); cerr != nil {
		exc, err := res.NewException()
		if err != nil {
			return err
		}
		if err := setException(exc, cerr); err != nil {
			return err
		}
		return c.sendLocked(msg, rpcmsg.MessageResolve)
	}
	desc, err := res.NewCap()
	if err != nil {
		return err
	}
	if _, _, err := c.describeLocked(e.client, desc); err != nil {
		return err
	}
	return c.sendLocked(msg, rpcmsg.MessageResolve)
}

// releaseExportsLocked drops one wire reference for each id.
func (c *Conn) releaseExportsLocked(ids []uint32, d *deferred) {
	for _, id := range ids {
		if err := c.releaseExportLocked(id, 1, d); err != nil {
			c.log.Debug("export release", zap.Error(err))
		}
	}
}

func (c *Conn) releaseExportLocked(id, n uint32, d *deferred) error {
	e, ok := c.exports.Get(id)
	if !ok {
		return errors.Protocol("release of unknown export %d", id)
	}
	if n > e.wireRefs {
		return errors.Protocol("release of %d references to export %d holding %d", n, id, e.wireRefs)
	}
	e.wireRefs -= n
	if e.wireRefs > 0 {
		return nil
	}
	c.exports.Remove(id)
	if c.exportIDs[e.key] == id {
		delete(c.exportIDs, e.key)
	}
	d.release(e.client)
	return nil
}

func (c *Conn) handleRelease(m rpcmsg.Message) error {
	rel, err := m.Release()
	if err != nil {
		return err
	}
	var d deferred
	c.mu.Lock()
	err = c.releaseExportLocked(rel.ID(), rel.ReferenceCount(), &d)
	c.mu.Unlock()
	d.run()
	return err
}

// handleResolve settles an imported promise. When calls were already
// made on the promise and it resolves to a capability on this side, the
// resolution is embargoed until those calls have looped back.
func (c *Conn) handleResolve(msg *wire.Message, m rpcmsg.Message) error {
	defer msg.Release()
	res, err := m.Resolve()
	if err != nil {
		return err
	}
	var (
		target   *capability.Client
		local    bool
		resolver *capability.ClientResolver
	)
	c.mu.Lock()
	switch res.Which() {
	case rpcmsg.ResolveCap:
		desc, derr := res.Cap()
		if derr == nil {
			target, local, derr = c.receiveCapLocked(desc)
		}
		err = derr
	case rpcmsg.ResolveException:
		exc, eerr := res.Exception()
		if eerr == nil {
			target = capability.ErrorClient(exceptionError(exc, ""))
		}
		err = eerr
	default:
		err = errors.Protocol("unsupported resolve variant %d", res.Which())
	}
	if err != nil {
		c.mu.Unlock()
		return err
	}

	e, ok := c.imports.Get(res.PromiseID())
	if !ok || e.resolver == nil {
		// Already released or not a promise.
		c.mu.Unlock()
		target.Release()
		return nil
	}
	resolver, e.resolver = e.resolver, nil
	if local && e.hook.callsMade.Load() {
		promise, r := capability.NewLocalPromise()
		em := &embargo{resolver: r, target: target}
		em.id = c.embargoes.Add(em)
		serr := c.sendDisembargoLocked(rpcmsg.DisembargoSenderLoopback, em.id, func(t rpcmsg.MessageTarget) error {
			t.SetImportedCap(e.id)
			return nil
		})
		if serr != nil {
			c.embargoes.Remove(em.id)
			promise.Release()
		} else {
			target = promise
		}
	}
	c.mu.Unlock()
	resolver.Fulfill(target)
	return nil
}
