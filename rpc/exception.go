package rpc

import (
	stderrors "errors"

	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/rpc/internal/rpcmsg"
)

// setException encodes err into exc. The error kind travels in the trace
// field so both ends of a caprpc connection agree on it; other peers see
// the coarse exception type.
func setException(exc rpcmsg.Exception, err error) error {
	kind := errors.KindOf(err)
	switch kind {
	case errors.KindOverloaded:
		exc.SetType(rpcmsg.ExceptionOverloaded)
	case errors.KindDisconnected:
		exc.SetType(rpcmsg.ExceptionDisconnected)
	case errors.KindUnimplementedMethod, errors.KindUnimplementedInterface:
		exc.SetType(rpcmsg.ExceptionUnimplemented)
	default:
		exc.SetType(rpcmsg.ExceptionFailed)
	}
	if err := exc.SetReason(err.Error()); err != nil {
		return err
	}
	if kind != "" {
		return exc.SetTrace(kindTracePrefix + string(kind))
	}
	return nil
}

const kindTracePrefix = "caprpc.kind="

var knownKinds = map[errors.Kind]struct{}{
	errors.KindMalformedPointer:       {},
	errors.KindTraversalLimit:         {},
	errors.KindDepthExceeded:          {},
	errors.KindOutOfBounds:            {},
	errors.KindCapIndexOutOfRange:     {},
	errors.KindTypeMismatch:           {},
	errors.KindAllocation:             {},
	errors.KindOverflow:               {},
	errors.KindInvalidData:            {},
	errors.KindUnimplementedMethod:    {},
	errors.KindUnimplementedInterface: {},
	errors.KindFailed:                 {},
	errors.KindOverloaded:             {},
	errors.KindDisconnected:           {},
	errors.KindCanceled:               {},
	errors.KindResolutionCycle:        {},
	errors.KindProtocol:               {},
	errors.KindClosed:                 {},
}

// RemoteError is an error received from the peer. Reason is the text of
// the error on the remote side.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Reason
}

// exceptionError decodes exc into a structured error whose cause is a
// *RemoteError carrying the peer's reason.
func exceptionError(exc rpcmsg.Exception, method string) error {
	reason, err := exc.Reason()
	if err != nil {
		return err
	}
	kind := errors.KindFailed
	switch exc.Type() {
	case rpcmsg.ExceptionOverloaded:
		kind = errors.KindOverloaded
	case rpcmsg.ExceptionDisconnected:
		kind = errors.KindDisconnected
	case rpcmsg.ExceptionUnimplemented:
		kind = errors.KindUnimplementedMethod
	}
	if trace, err := exc.Trace(); err == nil && len(trace) > len(kindTracePrefix) && trace[:len(kindTracePrefix)] == kindTracePrefix {
		k := errors.Kind(trace[len(kindTracePrefix):])
		if _, ok := knownKinds[k]; ok {
			kind = k
		}
	}
	return errors.New(errors.PhaseRPC, kind).
		Method(method).
		Cause(&RemoteError{Reason: reason}).
		Build()
}

// IsRemote reports whether err came from the peer.
func IsRemote(err error) bool {
	var re *RemoteError
	return stderrors.As(err, &re)
}
