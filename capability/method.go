package capability

import (
	"context"
	"strconv"

	"github.com/wippyai/caprpc/wire"
)

// Method identifies an interface method, with optional names used in
// errors and logs.
type Method struct {
	InterfaceID uint64
	MethodID    uint16

	// Canonical name of the interface. May be empty.
	InterfaceName string
	// Method name as it appears in the schema. May be empty.
	MethodName string
}

// String returns "Interface.method", falling back to the raw ids for
// names that are not set.
func (m Method) String() string {
	buf := make([]byte, 0, 64)
	if m.InterfaceName == "" {
		buf = append(buf, "@0x"...)
		buf = strconv.AppendUint(buf, m.InterfaceID, 16)
	} else {
		buf = append(buf, m.InterfaceName...)
	}
	buf = append(buf, '.')
	if m.MethodName == "" {
		buf = append(buf, '@')
		buf = strconv.AppendUint(buf, uint64(m.MethodID), 10)
	} else {
		buf = append(buf, m.MethodName...)
	}
	return string(buf)
}

// ReleaseFunc releases the resources held by a call's results.
// Calling it more than once is a no-op.
type ReleaseFunc func()

// PipelineOp is one step of a path into a call's results.
type PipelineOp = wire.PipelineOp

// Send is an outgoing call built by a client stub.
type Send struct {
	Method Method

	// PlaceArgs fills in the arguments struct, which is allocated with
	// ArgsSize. It is called before SendCall returns. A nil PlaceArgs
	// sends an empty struct.
	PlaceArgs func(wire.Struct) error
	ArgsSize  wire.ObjectSize
}

// AllocArgs places the arguments as the root of a fresh message. The
// caller releases the message.
func (s Send) AllocArgs() (wire.Struct, error) {
	msg, seg, err := wire.NewMessage(wire.SingleSegment(nil))
	if err != nil {
		return wire.Struct{}, err
	}
	args, err := wire.NewRootStruct(seg, s.ArgsSize)
	if err != nil {
		msg.Release()
		return wire.Struct{}, err
	}
	if s.PlaceArgs != nil {
		if err := s.PlaceArgs(args); err != nil {
			msg.Release()
			return wire.Struct{}, err
		}
	}
	return args, nil
}

// Recv is an incoming call whose arguments are already decoded.
type Recv struct {
	Method Method
	Args   wire.Struct

	// ReleaseArgs is called once the arguments are no longer needed.
	ReleaseArgs ReleaseFunc

	// Returner receives the results.
	Returner Returner
}

func (r Recv) releaseArgs() {
	if r.ReleaseArgs != nil {
		r.ReleaseArgs()
	}
}

// Returner is the result sink of a received call.
type Returner interface {
	// AllocResults allocates the results struct. It may be called at
	// most once, before Return.
	AllocResults(sz wire.ObjectSize) (wire.Struct, error)

	// Return completes the call. A nil error means the results are final.
	Return(err error)
}

// Forwarder is implemented by returners that can make their answer an
// alias of another call's answer. Pipelined calls on the aliased answer
// go to ans without waiting for it to return. The forwarder calls
// release once it no longer needs ans.
type Forwarder interface {
	Forward(ans *Answer, release ReleaseFunc)
}

// PipelineCaller delivers calls addressed to a path inside a call's
// results before the call has returned.
type PipelineCaller interface {
	PipelineSend(ctx context.Context, transform []PipelineOp, s Send) (*Answer, ReleaseFunc)
	PipelineRecv(ctx context.Context, transform []PipelineOp, r Recv) PipelineCaller
}

// Brand is an implementation-specific value used to recognize hooks.
type Brand struct {
	Value any
}
