package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/caprpc"
	"github.com/wippyai/caprpc/capability"
	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/rpc/internal/rpcmsg"
	"github.com/wippyai/caprpc/rpc/internal/table"
	"github.com/wippyai/caprpc/wire"
)

// flushTimeout bounds how long shutdown waits for queued frames, the
// abort message included, to reach the transport.
const flushTimeout = time.Second

// Options configures a Conn.
type Options struct {
	// BootstrapClient is returned to the peer's Bootstrap requests. The
	// connection takes ownership of the reference.
	BootstrapClient *capability.Client

	// Logger overrides the package logger.
	Logger *zap.Logger

	// Metrics receives traffic and table counts. May be nil.
	Metrics *Metrics

	// AbortOnMalformed makes a message that fails to decode abort the
	// connection. By default the message is logged, counted and dropped.
	AbortOnMalformed bool

	// Limits bounds the decoding of every received message. Zero fields
	// mean the wire defaults.
	Limits wire.Limits
}

// Conn is a connection to another vat. All table state is guarded by mu;
// received messages are handled one at a time by the receive loop.
type Conn struct {
	id        ulid.ULID
	log       *zap.Logger
	transport caprpc.Transport
	opts      Options
	metrics   *Metrics
	bootstrap *capability.Client

	bgctx    context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	sendDone chan struct{}

	mu        sync.Mutex
	closing   bool
	err       error
	closeErr  error
	questions *table.Slots[*question]
	answers   *table.Map[*answer]
	imports   *table.Map[*importEntry]
	exports   *table.Slots[*export]
	exportIDs map[any]uint32
	embargoes *table.Slots[*embargo]

	outMu     sync.Mutex
	out       []outFrame
	outReady  chan struct{}
	outClosed chan struct{}
}

type outFrame struct {
	data  []byte
	which rpcmsg.Which
}

// NewConn starts a connection over t. The connection owns t and closes it
// on shutdown.
func NewConn(t caprpc.Transport, opts *Options) *Conn {
	var o Options
	if opts != nil {
		o = *opts
	}
	c := &Conn{
		id:        ulid.Make(),
		transport: t,
		opts:      o,
		metrics:   o.Metrics,
		bootstrap: o.BootstrapClient,
		done:      make(chan struct{}),
		sendDone:  make(chan struct{}),
		questions: table.NewSlots[*question]("questions"),
		answers:   table.NewMap[*answer]("answers"),
		imports:   table.NewMap[*importEntry]("imports"),
		exports:   table.NewSlots[*export]("exports"),
		exportIDs: make(map[any]uint32),
		embargoes: table.NewSlots[*embargo]("embargoes"),
		outReady:  make(chan struct{}, 1),
		outClosed: make(chan struct{}),
	}
	log := o.Logger
	if log == nil {
		log = Logger()
	}
	c.log = log.With(zap.Stringer("conn", c.id))
	if c.metrics != nil {
		c.questions.Subscribe(c.metrics)
		c.answers.Subscribe(c.metrics)
		c.imports.Subscribe(c.metrics)
		c.exports.Subscribe(c.metrics)
		c.embargoes.Subscribe(c.metrics)
	}

	c.bgctx, c.cancel = context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(c.bgctx)
	g.Go(func() error { return c.recvLoop(ctx) })
	g.Go(func() error {
		defer close(c.sendDone)
		return c.sendLoop(ctx)
	})
	go func() {
		err := g.Wait()
		c.shutdown(errors.Disconnected(err), false)
		close(c.done)
	}()
	c.log.Debug("connection started")
	return c
}

// ID returns the connection's identifier as it appears in logs.
func (c *Conn) ID() ulid.ULID {
	return c.id
}

// Bootstrap returns the peer's bootstrap capability. The client is a
// promise until the peer answers; calls on it are pipelined.
func (c *Conn) Bootstrap(ctx context.Context) *capability.Client {
	c.mu.Lock()
	if c.closing {
		err := c.disconnectedLocked()
		c.mu.Unlock()
		return capability.ErrorClient(err)
	}
	q := c.newQuestion(bootstrapMethod)
	q.bootstrap = true
	msg, om, err := newOutgoing()
	if err == nil {
		var b rpcmsg.Bootstrap
		if b, err = om.NewBootstrap(); err == nil {
			b.SetQuestionID(q.id)
			err = c.sendLocked(msg, rpcmsg.MessageBootstrap)
		}
		msg.Release()
	}
	if err != nil {
		c.questions.Remove(q.id)
		c.mu.Unlock()
		return capability.ErrorClient(err)
	}
	c.mu.Unlock()

	q.watch(ctx)
	return q.p.Answer().Field(0, nil).Client()
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection shut down, or nil while it is
// running.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends an abort to the peer, fails every outstanding call and
// releases every capability the connection holds.
func (c *Conn) Close() error {
	c.shutdown(errors.Closed(errors.PhaseRPC, "connection"), true)
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// shutdown tears the connection down once. With abort set, an Abort
// carrying err is queued before the transport closes.
func (c *Conn) shutdown(err error, abort bool) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.err = err
	if abort {
		c.queueAbortLocked(err)
	}
	questions := c.questions.Clear()
	answers := c.answers.Clear()
	imports := c.imports.Clear()
	exports := c.exports.Clear()
	embargoes := c.embargoes.Clear()
	clear(c.exportIDs)
	bootstrap := c.bootstrap
	c.bootstrap = nil
	c.mu.Unlock()

	c.log.Debug("connection shutting down", zap.Error(err))
	derr := c.disconnected(err)
	for _, q := range questions {
		q.fail(derr)
	}
	for _, a := range answers {
		a.abandon()
	}
	for _, e := range embargoes {
		e.resolver.Reject(derr)
		e.target.Release()
	}
	for _, imp := range imports {
		if imp.resolver != nil {
			imp.resolver.Reject(derr)
		}
	}
	for _, e := range exports {
		e.client.Release()
	}
	bootstrap.Release()

	close(c.outClosed)
	c.waitSendLoop()
	terr := c.transport.Close()
	c.cancel()

	c.mu.Lock()
	c.closeErr = multierr.Append(c.closeErr, terr)
	c.mu.Unlock()
}

// waitSendLoop waits for the send loop to flush and exit, or for the
// flush timeout.
func (c *Conn) waitSendLoop() {
	t := time.NewTimer(flushTimeout)
	defer t.Stop()
	select {
	case <-c.sendDone:
	case <-t.C:
		c.log.Warn("dropping unsent frames on shutdown")
	}
}

func (c *Conn) disconnected(err error) error {
	if errors.KindOf(err) == errors.KindDisconnected {
		return err
	}
	return errors.Disconnected(err)
}

func (c *Conn) disconnectedLocked() error {
	return c.disconnected(c.err)
}

// newOutgoing starts a message to send.
func newOutgoing() (*wire.Message, rpcmsg.Message, error) {
	msg, seg, err := wire.NewMessage(wire.SingleSegment(nil))
	if err != nil {
		return nil, rpcmsg.Message{}, err
	}
	m, err := rpcmsg.NewMessage(seg)
	if err != nil {
		msg.Release()
		return nil, rpcmsg.Message{}, err
	}
	return msg, m, nil
}

// sendLocked marshals msg and queues it. Frames leave in the order they
// are queued. The caller still owns msg.
func (c *Conn) sendLocked(msg *wire.Message, which rpcmsg.Which) error {
	if c.closing {
		return c.disconnectedLocked()
	}
	return c.queueFrame(msg, which)
}

func (c *Conn) queueFrame(msg *wire.Message, which rpcmsg.Which) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	c.outMu.Lock()
	c.out = append(c.out, outFrame{data: data, which: which})
	c.outMu.Unlock()
	select {
	case c.outReady <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) queueAbortLocked(err error) {
	msg, om, merr := newOutgoing()
	if merr != nil {
		return
	}
	defer msg.Release()
	exc, merr := om.NewAbort()
	if merr != nil {
		return
	}
	if merr := setException(exc, err); merr != nil {
		return
	}
	if merr := c.queueFrame(msg, rpcmsg.MessageAbort); merr == nil {
		c.metrics.aborted("local")
	}
}

func (c *Conn) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-c.outReady:
		case <-c.outClosed:
			return c.flush()
		case <-ctx.Done():
			return nil
		}
		if err := c.flush(); err != nil {
			return err
		}
	}
}

// flush sends every queued frame.
func (c *Conn) flush() error {
	for {
		c.outMu.Lock()
		frames := c.out
		c.out = nil
		c.outMu.Unlock()
		if len(frames) == 0 {
			return nil
		}
		for _, f := range frames {
			ctx, cancel := context.WithTimeout(c.bgctx, flushTimeout)
			err := c.transport.Send(ctx, f.data)
			cancel()
			if err != nil {
				c.outMu.Lock()
				c.out = nil
				c.outMu.Unlock()
				return err
			}
			c.metrics.sent(f.which)
			c.log.Debug("sent", zap.Stringer("msg", f.which))
		}
	}
}

func (c *Conn) recvLoop(ctx context.Context) error {
	for {
		frame, err := c.transport.Recv(ctx)
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if closing {
				return nil
			}
			c.log.Debug("receive failed", zap.Error(err))
			return err
		}
		msg, err := wire.UnmarshalWithOptions(frame, c.opts.Limits)
		if err != nil {
			if c.malformed(err, "frame") {
				return err
			}
			continue
		}
		if err := c.handleMessage(msg); err != nil {
			if c.malformed(err, "message") {
				return err
			}
		}
	}
}

// malformed applies the malformed-message policy to err and reports
// whether the connection should stop.
func (c *Conn) malformed(err error, what string) bool {
	c.metrics.decodeFailed()
	if c.opts.AbortOnMalformed || errors.KindOf(err) == errors.KindProtocol {
		c.log.Error("aborting on bad "+what, zap.Error(err))
		c.shutdown(err, true)
		return true
	}
	c.log.Warn("dropping bad "+what, zap.Error(err))
	return false
}

// handleMessage dispatches one received message. msg is owned by the
// handler from here on.
func (c *Conn) handleMessage(msg *wire.Message) error {
	m, err := rpcmsg.ReadMessage(msg)
	if err != nil {
		msg.Release()
		return err
	}
	if !m.IsValid() {
		msg.Release()
		return errors.InvalidData(errors.PhaseDecode, []string{"message"}, "root is not a struct")
	}
	which := m.Which()
	c.metrics.received(which)
	c.log.Debug("received", zap.Stringer("msg", which))

	switch which {
	case rpcmsg.MessageCall:
		return c.handleCall(msg, m)
	case rpcmsg.MessageReturn:
		return c.handleReturn(msg, m)
	case rpcmsg.MessageFinish:
		defer msg.Release()
		return c.handleFinish(m)
	case rpcmsg.MessageBootstrap:
		defer msg.Release()
		return c.handleBootstrap(m)
	case rpcmsg.MessageResolve:
		return c.handleResolve(msg, m)
	case rpcmsg.MessageRelease:
		defer msg.Release()
		return c.handleRelease(m)
	case rpcmsg.MessageDisembargo:
		defer msg.Release()
		return c.handleDisembargo(m)
	case rpcmsg.MessageAbort:
		defer msg.Release()
		c.handleAbort(m)
		return nil
	case rpcmsg.MessageUnimplemented:
		defer msg.Release()
		return c.handleUnimplemented(m)
	default:
		defer msg.Release()
		return c.sendUnimplemented(m)
	}
}

func (c *Conn) handleAbort(m rpcmsg.Message) {
	exc, err := m.Abort()
	cause := err
	if err == nil {
		cause = exceptionError(exc, "")
	}
	c.metrics.aborted("remote")
	c.log.Info("peer aborted", zap.Error(cause))
	go c.shutdown(cause, false)
}

// sendUnimplemented echoes a message this side does not handle.
func (c *Conn) sendUnimplemented(orig rpcmsg.Message) error {
	msg, om, err := newOutgoing()
	if err != nil {
		return err
	}
	defer msg.Release()
	if err := om.SetUnimplemented(orig); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(msg, rpcmsg.MessageUnimplemented)
}

// handleUnimplemented handles the peer's echo of a message it does not
// handle. Only echoed calls and resolves need cleanup.
func (c *Conn) handleUnimplemented(m rpcmsg.Message) error {
	orig, err := m.Unimplemented()
	if err != nil {
		return err
	}
	switch orig.Which() {
	case rpcmsg.MessageCall:
		call, err := orig.Call()
		if err != nil {
			return err
		}
		c.mu.Lock()
		q, ok := c.questions.Get(call.QuestionID())
		if !ok {
			c.mu.Unlock()
			return nil
		}
		var d deferred
		q.returned = true
		q.finishSent = true
		q.stopWatchLocked()
		c.releaseExportsLocked(q.paramExports, &d)
		q.paramExports = nil
		c.questions.Remove(q.id)
		c.mu.Unlock()
		d.run()
		q.p.Reject(errors.New(errors.PhaseRPC, errors.KindUnimplementedMethod).
			Method(q.method.String()).
			Detail("peer does not implement calls").
			Build())
	case rpcmsg.MessageResolve:
		res, err := orig.Resolve()
		if err != nil {
			return err
		}
		if res.Which() != rpcmsg.ResolveCap {
			return nil
		}
		desc, err := res.Cap()
		if err != nil {
			return err
		}
		if w := desc.Which(); w != rpcmsg.CapSenderHosted && w != rpcmsg.CapSenderPromise {
			return nil
		}
		var d deferred
		c.mu.Lock()
		err = c.releaseExportLocked(desc.ID(), 1, &d)
		c.mu.Unlock()
		d.run()
		return err
	default:
		c.log.Warn("peer did not implement message", zap.Stringer("msg", orig.Which()))
	}
	return nil
}

// deferred collects work that must run after mu is released, such as
// dropping client references whose shutdown calls back into the
// connection.
type deferred []func()

func (d *deferred) add(f func()) {
	*d = append(*d, f)
}

func (d *deferred) release(c *capability.Client) {
	if c != nil {
		d.add(c.Release)
	}
}

func (d *deferred) releaseMsg(m *wire.Message) {
	if m != nil {
		d.add(m.Release)
	}
}

func (d deferred) run() {
	for _, f := range d {
		f()
	}
}
