package wasmcap

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/caprpc/capability"
	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/wire"
)

// Guest exports.
const (
	ExportMemory = "memory"
	ExportAlloc  = "cap_alloc"
	ExportCall   = "cap_call"
)

// Options configures a Module.
type Options struct {
	// Name is the module name inside the runtime. Defaults to "guest".
	Name string

	// MemoryLimitPages caps guest memory in 64KiB pages.
	// 0 means the wazero default.
	MemoryLimitPages uint32

	// Limits bounds the decoding of result messages.
	Limits wire.Limits

	Logger *zap.Logger
}

// Module is an instantiated guest serving calls. Calls run one at a time;
// the guest has a single linear memory and no reentrancy.
type Module struct {
	runtime wazero.Runtime
	mod     api.Module
	mem     api.Memory
	alloc   api.Function
	call    api.Function
	limits  wire.Limits
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Load compiles and instantiates wasm. The module must export memory,
// cap_alloc(size i32) -> i32 and
// cap_call(interface i64, method i32, ptr i32, len i32) -> i64.
//
// cap_call receives a framed message whose root is the arguments struct
// and returns ptr<<32|len of a framed message whose root is the results.
// A zero length reports that the guest does not implement the method.
func Load(ctx context.Context, wasm []byte, opts *Options) (*Module, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Name == "" {
		o.Name = "guest"
	}
	log := o.Logger
	if log == nil {
		log = Logger()
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if o.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(o.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, multierr.Append(loadError(err, "compile failed"), rt.Close(ctx))
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(o.Name))
	if err != nil {
		return nil, multierr.Append(loadError(err, "instantiate failed"), rt.Close(ctx))
	}

	m := &Module{
		runtime: rt,
		mod:     mod,
		mem:     mod.Memory(),
		alloc:   mod.ExportedFunction(ExportAlloc),
		call:    mod.ExportedFunction(ExportCall),
		limits:  o.Limits,
		log:     log.With(zap.String("module", o.Name)),
	}
	var missing []string
	if m.mem == nil {
		missing = append(missing, ExportMemory)
	}
	if m.alloc == nil {
		missing = append(missing, ExportAlloc)
	}
	if m.call == nil {
		missing = append(missing, ExportCall)
	}
	if len(missing) > 0 {
		err := errors.New(errors.PhaseConfig, errors.KindInvalidData).
			Path(o.Name).
			Detail("missing exports %v", missing).
			Build()
		return nil, multierr.Append(err, m.Close(ctx))
	}
	m.log.Debug("guest loaded")
	return m, nil
}

func loadError(err error, detail string) error {
	return errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, detail)
}

// Client returns a capability whose calls run in the guest. Releasing
// the client does not close the module.
func (m *Module) Client() *capability.Client {
	return capability.NewClient(&hook{m: m})
}

// Close shuts down the guest and its runtime.
func (m *Module) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return multierr.Append(m.mod.Close(ctx), m.runtime.Close(ctx))
}

// invoke runs one call in the guest and returns the decoded results
// message.
func (m *Module) invoke(ctx context.Context, method capability.Method, args wire.Struct) (*wire.Message, error) {
	frame, err := args.Message().Marshal()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.Closed(errors.PhaseDispatch, "wasm module")
	}

	ret, err := m.alloc.Call(ctx, uint64(len(frame)))
	if err != nil {
		return nil, m.trap(ctx, method, err)
	}
	ptr := uint32(ret[0])
	if ptr == 0 {
		return nil, errors.AllocationFailed(errors.PhaseDispatch, uint64(len(frame)))
	}
	if !m.mem.Write(ptr, frame) {
		return nil, errors.OutOfBounds(errors.PhaseDispatch, []string{method.String(), "args"}, int(ptr), int(m.mem.Size()))
	}

	ret, err = m.call.Call(ctx, method.InterfaceID, uint64(method.MethodID), uint64(ptr), uint64(len(frame)))
	if err != nil {
		return nil, m.trap(ctx, method, err)
	}
	rptr, rlen := uint32(ret[0]>>32), uint32(ret[0])
	if rlen == 0 {
		return nil, errors.UnimplementedMethod(method.String(), method.MethodID)
	}
	view, ok := m.mem.Read(rptr, rlen)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseDispatch, []string{method.String(), "results"}, int(rptr), int(m.mem.Size()))
	}
	// view aliases guest memory, which the next call may overwrite.
	return wire.UnmarshalWithOptions(append([]byte(nil), view...), m.limits)
}

func (m *Module) trap(ctx context.Context, method capability.Method, err error) error {
	if ctx.Err() != nil {
		return errors.Canceled(method.String())
	}
	m.log.Warn("guest trapped", zap.Stringer("method", method), zap.Error(err))
	return errors.Failed(method.String(), err)
}

// hook adapts a Module to capability.ClientHook.
type hook struct {
	m *Module
}

func (h *hook) Send(ctx context.Context, s capability.Send) (*capability.Answer, capability.ReleaseFunc) {
	args, err := s.AllocArgs()
	if err != nil {
		return capability.ErrorAnswer(s.Method, err), func() {}
	}
	msg, err := h.m.invoke(ctx, s.Method, args)
	args.Message().Release()
	if err != nil {
		return capability.ErrorAnswer(s.Method, err), func() {}
	}
	root, err := msg.Root()
	if err != nil {
		msg.Release()
		return capability.ErrorAnswer(s.Method, err), func() {}
	}
	return capability.ImmediateAnswer(s.Method, root.Struct()), msg.Release
}

func (h *hook) Recv(ctx context.Context, r capability.Recv) capability.PipelineCaller {
	return capability.ForwardRecv(ctx, h.Send, r)
}

func (h *hook) Brand() capability.Brand {
	return capability.Brand{Value: h.m}
}

func (h *hook) Shutdown() {}
