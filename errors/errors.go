package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseDecode    Phase = "decode"    // reading a received message
	PhaseEncode    Phase = "encode"    // building a message
	PhaseRPC       Phase = "rpc"       // connection and protocol state
	PhaseDispatch  Phase = "dispatch"  // delivering a call to a method
	PhaseTransport Phase = "transport" // moving frames
	PhaseConfig    Phase = "config"    // loading configuration
)

// Kind categorizes the error
type Kind string

const (
	KindMalformedPointer       Kind = "malformed_pointer"
	KindTraversalLimit         Kind = "traversal_limit"
	KindDepthExceeded          Kind = "depth_exceeded"
	KindOutOfBounds            Kind = "out_of_bounds"
	KindCapIndexOutOfRange     Kind = "cap_index_out_of_range"
	KindTypeMismatch           Kind = "type_mismatch"
	KindAllocation             Kind = "allocation"
	KindOverflow               Kind = "overflow"
	KindInvalidData            Kind = "invalid_data"
	KindUnimplementedMethod    Kind = "unimplemented_method"
	KindUnimplementedInterface Kind = "unimplemented_interface"
	KindFailed                 Kind = "failed"
	KindOverloaded             Kind = "overloaded"
	KindDisconnected           Kind = "disconnected"
	KindCanceled               Kind = "canceled"
	KindResolutionCycle        Kind = "resolution_cycle"
	KindProtocol               Kind = "protocol"
	KindClosed                 Kind = "closed"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Method string
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Method != "" {
		b.WriteString(" in ")
		b.WriteString(e.Method)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Phase == "" {
			return e.Kind == t.Kind
		}
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field or pipeline path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Method sets the method the error is attributed to
func (b *Builder) Method(m string) *Builder {
	b.err.Method = m
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// MalformedPointer creates an error for a pointer that escapes its
// segment or forms an invalid far-pointer chain.
func MalformedPointer(detail string, args ...any) *Error {
	return New(PhaseDecode, KindMalformedPointer).Detail(detail, args...).Build()
}

// TraversalLimit creates an error for a message that exhausted its read budget.
func TraversalLimit(limit uint64) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindTraversalLimit,
		Detail: fmt.Sprintf("read limit of %d words exceeded", limit),
		Value:  limit,
	}
}

// DepthExceeded creates an error for pointer nesting deeper than limit.
func DepthExceeded(limit uint) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindDepthExceeded,
		Detail: fmt.Sprintf("nesting limit of %d exceeded", limit),
		Value:  limit,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// CapIndexOutOfRange creates an error for a capability pointer whose
// index is not present in the message's capability table.
func CapIndexOutOfRange(index uint32, length int) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindCapIndexOutOfRange,
		Detail: fmt.Sprintf("capability index %d out of range (table size %d)", index, length),
		Value:  index,
	}
}

// TypeMismatch creates an error for a pointer of the wrong kind.
func TypeMismatch(phase Phase, path []string, want, got string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Path:   path,
		Detail: fmt.Sprintf("expected %s, found %s", want, got),
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes", size),
		Value:  size,
	}
}

// Overflow creates an overflow error
func Overflow(phase Phase, value any, target string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOverflow,
		Detail: fmt.Sprintf("value %v overflows %s", value, target),
		Value:  value,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// UnimplementedMethod creates the error returned to a caller whose method
// index is outside the interface's method table.
func UnimplementedMethod(method string, index uint16) *Error {
	return &Error{
		Phase:  PhaseDispatch,
		Kind:   KindUnimplementedMethod,
		Method: method,
		Detail: fmt.Sprintf("method index %d not implemented", index),
		Value:  index,
	}
}

// UnimplementedInterface creates the error returned to a caller that
// targets an interface the server does not implement.
func UnimplementedInterface(method string, interfaceID uint64) *Error {
	return &Error{
		Phase:  PhaseDispatch,
		Kind:   KindUnimplementedInterface,
		Method: method,
		Detail: fmt.Sprintf("interface @0x%x not implemented", interfaceID),
		Value:  interfaceID,
	}
}

// Failed wraps an application error raised by a method body.
// A nil cause yields nil. Structured errors pass through unchanged.
func Failed(method string, cause error) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if stderrors.As(cause, &e) {
		return cause
	}
	return &Error{
		Phase:  PhaseDispatch,
		Kind:   KindFailed,
		Method: method,
		Cause:  cause,
	}
}

// Disconnected creates an error for a connection that went away.
func Disconnected(cause error) *Error {
	return &Error{
		Phase:  PhaseRPC,
		Kind:   KindDisconnected,
		Detail: "connection closed",
		Cause:  cause,
	}
}

// Canceled creates the outcome of a call whose caller stopped waiting.
func Canceled(method string) *Error {
	return &Error{
		Phase:  PhaseRPC,
		Kind:   KindCanceled,
		Method: method,
		Detail: "call canceled",
	}
}

// ResolutionCycle creates an error for a promise that resolves to itself.
func ResolutionCycle() *Error {
	return &Error{
		Phase:  PhaseRPC,
		Kind:   KindResolutionCycle,
		Detail: "promise resolves to itself",
	}
}

// Protocol creates an error for a peer that violated the protocol.
func Protocol(detail string, args ...any) *Error {
	return New(PhaseRPC, KindProtocol).Detail(detail, args...).Build()
}

// Closed creates an error for use of a released or shut down object.
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: what + " closed",
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// KindOf returns the Kind of the outermost structured error in err's
// chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsCanceled reports whether err is a canceled call outcome.
func IsCanceled(err error) bool {
	return stderrors.Is(err, &Error{Kind: KindCanceled})
}

// IsUnimplemented reports whether err reports a missing method or interface.
func IsUnimplemented(err error) bool {
	return stderrors.Is(err, &Error{Kind: KindUnimplementedMethod}) ||
		stderrors.Is(err, &Error{Kind: KindUnimplementedInterface})
}

// IsDisconnected reports whether err reports a lost connection.
func IsDisconnected(err error) bool {
	return stderrors.Is(err, &Error{Kind: KindDisconnected})
}
