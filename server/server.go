package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/caprpc/capability"
	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/wire"
)

// DefaultMaxQueue is the number of calls that may wait for a server when
// Options.MaxQueue is zero.
const DefaultMaxQueue = 1024

// Method is one method of an interface together with its implementation.
type Method struct {
	capability.Method

	// Impl runs the method. It should return once the results are placed
	// or call Call.Go first if it will block for long.
	Impl func(ctx context.Context, call *Call) error
}

// Methods is the set of methods a server implements, possibly spanning
// several interfaces.
type Methods []Method

// Options configures a Server.
type Options struct {
	// MaxQueue bounds the calls waiting to start. Calls past the bound
	// fail with an overloaded error.
	MaxQueue int

	// Logger overrides the package logger.
	Logger *zap.Logger

	// Brand is returned by the server's Brand method.
	Brand any

	// OnShutdown runs once the last reference to the server is released.
	OnShutdown func()
}

// interfaceTable maps method ids of one interface to their methods. Gaps
// in the id space are nil.
type interfaceTable struct {
	id      uint64
	methods []*Method
}

// Server dispatches calls to a method table. It implements
// capability.ClientHook; wrap it with capability.NewClient.
//
// Calls start in the order they arrive. The next call starts when the
// current one returns or calls Call.Go.
type Server struct {
	tables []interfaceTable
	opts   Options
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []*pendingCall
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

type pendingCall struct {
	ctx         context.Context
	method      *Method
	args        wire.Struct
	releaseArgs capability.ReleaseFunc
	returner    capability.Returner
}

// New builds a server for methods. The method table is fixed at this
// point; methods with the same interface and method id replace earlier
// ones.
func New(methods Methods, opts *Options) *Server {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.MaxQueue <= 0 {
		o.MaxQueue = DefaultMaxQueue
	}
	log := o.Logger
	if log == nil {
		log = Logger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		tables: buildTables(methods),
		opts:   o,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.serve()
	return s
}

func buildTables(methods Methods) []interfaceTable {
	byID := make(map[uint64][]*Method)
	for i := range methods {
		m := &methods[i]
		tbl := byID[m.InterfaceID]
		if n := int(m.MethodID) + 1; n > len(tbl) {
			tbl = append(tbl, make([]*Method, n-len(tbl))...)
		}
		tbl[m.MethodID] = m
		byID[m.InterfaceID] = tbl
	}
	tables := make([]interfaceTable, 0, len(byID))
	for id, ms := range byID {
		tables = append(tables, interfaceTable{id: id, methods: ms})
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].id < tables[j].id })
	return tables
}

// lookup resolves m against the method table.
func (s *Server) lookup(m capability.Method) (*Method, error) {
	i := sort.Search(len(s.tables), func(i int) bool { return s.tables[i].id >= m.InterfaceID })
	if i == len(s.tables) || s.tables[i].id != m.InterfaceID {
		return nil, errors.UnimplementedInterface(m.String(), m.InterfaceID)
	}
	ms := s.tables[i].methods
	if int(m.MethodID) >= len(ms) || ms[m.MethodID] == nil {
		return nil, errors.UnimplementedMethod(m.String(), m.MethodID)
	}
	return ms[m.MethodID], nil
}

// Send implements capability.ClientHook.
func (s *Server) Send(ctx context.Context, send capability.Send) (*capability.Answer, capability.ReleaseFunc) {
	method, err := s.lookup(send.Method)
	if err != nil {
		return capability.ErrorAnswer(send.Method, err), func() {}
	}
	args, err := send.AllocArgs()
	if err != nil {
		return capability.ErrorAnswer(send.Method, err), func() {}
	}
	p := capability.NewPromise(send.Method, nil)
	results := &localResults{}
	err = s.enqueue(&pendingCall{
		ctx:         ctx,
		method:      method,
		args:        args,
		releaseArgs: args.Message().Release,
		returner:    capability.NewPromiseReturner(p, results),
	})
	if err != nil {
		args.Message().Release()
		return capability.ErrorAnswer(send.Method, err), func() {}
	}
	return p.Answer(), func() {
		p.ReleaseClients()
		results.release()
	}
}

// Recv implements capability.ClientHook.
func (s *Server) Recv(ctx context.Context, r capability.Recv) capability.PipelineCaller {
	method, err := s.lookup(r.Method)
	if err == nil {
		p := capability.NewPromise(r.Method, nil)
		err = s.enqueue(&pendingCall{
			ctx:         ctx,
			method:      method,
			args:        r.Args,
			releaseArgs: r.ReleaseArgs,
			returner:    capability.NewPromiseReturner(p, r.Returner),
		})
		if err == nil {
			return p.Answer()
		}
	}
	if r.ReleaseArgs != nil {
		r.ReleaseArgs()
	}
	r.Returner.Return(err)
	return capability.ErrorAnswer(r.Method, err)
}

func (s *Server) enqueue(pc *pendingCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Closed(errors.PhaseDispatch, "server")
	}
	if len(s.queue) >= s.opts.MaxQueue {
		s.log.Warn("call queue full", zap.Stringer("method", pc.method.Method), zap.Int("queued", len(s.queue)))
		return errors.New(errors.PhaseDispatch, errors.KindOverloaded).
			Method(pc.method.String()).
			Detail("%d calls queued", len(s.queue)).
			Build()
	}
	s.queue = append(s.queue, pc)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// serve starts queued calls one at a time.
func (s *Server) serve() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
			case <-s.done:
			}
			continue
		}
		pc := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.start(pc)
	}
}

// start runs pc and waits until it returns or acknowledges delivery.
func (s *Server) start(pc *pendingCall) {
	name := pc.method.String()
	if pc.ctx.Err() != nil {
		s.finish(pc, errors.Canceled(name))
		return
	}
	ctx, cancel := mergeCancel(pc.ctx, s.ctx)
	call := &Call{
		method:   pc.method,
		args:     pc.args,
		returner: pc.returner,
		acked:    make(chan struct{}),
	}
	s.log.Debug("call started", zap.String("method", name))
	go func() {
		defer cancel()
		err := s.runImpl(ctx, call)
		call.Go()
		if call.forwarded.Load() {
			if err != nil {
				s.log.Warn("error after tail call ignored", zap.String("method", name), zap.Error(err))
			}
			pc.release()
			return
		}
		if err != nil {
			if stderrors.Is(err, context.Canceled) && pc.ctx.Err() != nil {
				err = errors.Canceled(name)
			} else {
				err = errors.Failed(name, err)
			}
			s.log.Debug("call failed", zap.String("method", name), zap.Error(err))
		}
		s.finish(pc, err)
	}()
	select {
	case <-call.acked:
	case <-s.done:
	}
}

// runImpl runs the method body. A panic becomes the call's error.
func (s *Server) runImpl(ctx context.Context, call *Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("method panicked",
				zap.String("method", call.method.String()),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("method panicked: %v", r)
		}
	}()
	return call.method.Impl(ctx, call)
}

func (s *Server) finish(pc *pendingCall, err error) {
	pc.release()
	pc.returner.Return(err)
}

func (pc *pendingCall) release() {
	if pc.releaseArgs != nil {
		pc.releaseArgs()
		pc.releaseArgs = nil
	}
}

// Brand implements capability.ClientHook.
func (s *Server) Brand() capability.Brand {
	if s.opts.Brand != nil {
		return capability.Brand{Value: s.opts.Brand}
	}
	return capability.Brand{Value: s}
}

// Shutdown implements capability.ClientHook. Running calls see their
// context canceled; queued calls fail.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	queue := s.queue
	s.queue = nil
	close(s.done)
	s.mu.Unlock()

	s.cancel()
	for _, pc := range queue {
		s.finish(pc, errors.Closed(errors.PhaseDispatch, "server"))
	}
	if s.opts.OnShutdown != nil {
		s.opts.OnShutdown()
	}
}

// mergeCancel returns a context canceled when either parent is.
func mergeCancel(call, server context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(call)
	stop := context.AfterFunc(server, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// localResults is the Returner of calls made through Send: results live
// in a message owned by the caller's ReleaseFunc.
type localResults struct {
	mu       sync.Mutex
	msg      *wire.Message
	forward  capability.ReleaseFunc
	released bool
}

func (lr *localResults) AllocResults(sz wire.ObjectSize) (wire.Struct, error) {
	msg, seg, err := wire.NewMessage(wire.SingleSegment(nil))
	if err != nil {
		return wire.Struct{}, err
	}
	res, err := wire.NewRootStruct(seg, sz)
	if err != nil {
		msg.Release()
		return wire.Struct{}, err
	}
	lr.mu.Lock()
	old := lr.msg
	lr.msg = msg
	lr.mu.Unlock()
	old.Release()
	return res, nil
}

func (lr *localResults) Return(error) {
	lr.mu.Lock()
	released := lr.released
	lr.mu.Unlock()
	if released {
		lr.release()
	}
}

func (lr *localResults) Forward(_ *capability.Answer, release capability.ReleaseFunc) {
	lr.mu.Lock()
	if lr.released {
		lr.mu.Unlock()
		release()
		return
	}
	lr.forward = release
	lr.mu.Unlock()
}

func (lr *localResults) release() {
	lr.mu.Lock()
	lr.released = true
	msg, fwd := lr.msg, lr.forward
	lr.msg, lr.forward = nil, nil
	lr.mu.Unlock()
	msg.Release()
	if fwd != nil {
		fwd()
	}
}
