package rpc

import (
	"github.com/wippyai/caprpc/capability"
	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/rpc/internal/rpcmsg"
)

// embargo holds calls to a capability that now resolves locally until
// the calls pipelined through the peer have come back. resolver settles
// the promise handed out in the capability's place; target is where it
// goes once the loopback returns.
type embargo struct {
	id       uint32
	resolver *capability.ClientResolver
	target   *capability.Client
}

func (c *Conn) sendDisembargoLocked(which uint16, id uint32, setTarget func(rpcmsg.MessageTarget) error) error {
	msg, om, err := newOutgoing()
	if err != nil {
		return err
	}
	defer msg.Release()
	dis, err := om.NewDisembargo()
	if err != nil {
		return err
	}
	switch which {
	case rpcmsg.DisembargoSenderLoopback:
		dis.SetSenderLoopback(id)
	case rpcmsg.DisembargoReceiverLoopback:
		dis.SetReceiverLoopback(id)
	}
	t, err := dis.NewTarget()
	if err != nil {
		return err
	}
	if err := setTarget(t); err != nil {
		return err
	}
	return c.sendLocked(msg, rpcmsg.MessageDisembargo)
}

// handleDisembargo reflects a senderLoopback back to the peer, or lifts
// one of this side's embargoes on receiverLoopback.
func (c *Conn) handleDisembargo(m rpcmsg.Message) error {
	dis, err := m.Disembargo()
	if err != nil {
		return err
	}
	switch dis.Which() {
	case rpcmsg.DisembargoSenderLoopback:
		return c.reflectDisembargo(dis)

	case rpcmsg.DisembargoReceiverLoopback:
		c.mu.Lock()
		e, ok := c.embargoes.Remove(dis.EmbargoID())
		c.mu.Unlock()
		if !ok {
			return errors.Protocol("disembargo for unknown embargo %d", dis.EmbargoID())
		}
		e.resolver.Fulfill(e.target)
		return nil
	}
	return c.sendUnimplemented(m)
}

// reflectDisembargo answers a senderLoopback. Its target must resolve to a
// capability the peer hosts; every call this side forwarded to it was
// queued before the reply, so the reply reaches the peer after them.
func (c *Conn) reflectDisembargo(dis rpcmsg.Disembargo) error {
	target, err := dis.Target()
	if err != nil {
		return err
	}
	c.mu.Lock()
	client, err := c.callTargetLocked(target)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	defer client.Release()

	ic, ok := client.State().Brand.Value.(*importClient)
	if !ok || ic.c != c {
		return errors.Protocol("disembargo target %d does not point back to the sender", dis.EmbargoID())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendDisembargoLocked(rpcmsg.DisembargoReceiverLoopback, dis.EmbargoID(), func(t rpcmsg.MessageTarget) error {
		t.SetImportedCap(ic.id)
		return nil
	})
}
