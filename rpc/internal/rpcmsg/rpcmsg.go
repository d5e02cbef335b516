// Package rpcmsg holds accessors for the RPC protocol envelope. The
// layouts match the standard rpc.capnp schema so connections interoperate
// with other implementations of the protocol.
package rpcmsg

import (
	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/wire"
)

// Which selects the body of a Message.
type Which uint16

const (
	MessageUnimplemented Which = 0
	MessageAbort         Which = 1
	MessageCall          Which = 2
	MessageReturn        Which = 3
	MessageFinish        Which = 4
	MessageResolve       Which = 5
	MessageRelease       Which = 6
	MessageObsoleteSave  Which = 7
	MessageBootstrap     Which = 8
	MessageObsoleteDel   Which = 9
	MessageProvide       Which = 10
	MessageAccept        Which = 11
	MessageJoin          Which = 12
	MessageDisembargo    Which = 13
)

var messageNames = [...]string{
	"unimplemented", "abort", "call", "return", "finish", "resolve",
	"release", "obsoleteSave", "bootstrap", "obsoleteDelete", "provide",
	"accept", "join", "disembargo",
}

func (w Which) String() string {
	if int(w) < len(messageNames) {
		return messageNames[w]
	}
	return "unknown"
}

var (
	messageSize        = wire.ObjectSize{DataSize: 8, PointerCount: 1}
	bootstrapSize      = wire.ObjectSize{DataSize: 8, PointerCount: 1}
	callSize           = wire.ObjectSize{DataSize: 24, PointerCount: 3}
	returnSize         = wire.ObjectSize{DataSize: 16, PointerCount: 1}
	finishSize         = wire.ObjectSize{DataSize: 8}
	resolveSize        = wire.ObjectSize{DataSize: 8, PointerCount: 1}
	releaseSize        = wire.ObjectSize{DataSize: 8}
	disembargoSize     = wire.ObjectSize{DataSize: 8, PointerCount: 1}
	messageTargetSize  = wire.ObjectSize{DataSize: 8, PointerCount: 1}
	payloadSize        = wire.ObjectSize{PointerCount: 2}
	capDescriptorSize  = wire.ObjectSize{DataSize: 8, PointerCount: 1}
	promisedAnswerSize = wire.ObjectSize{DataSize: 8, PointerCount: 1}
	opSize             = wire.ObjectSize{DataSize: 8}
	exceptionSize      = wire.ObjectSize{DataSize: 8, PointerCount: 2}
)

// Message is the envelope of every frame on a connection.
type Message struct{ wire.Struct }

// NewMessage allocates a message as the root of seg's message.
func NewMessage(seg *wire.Segment) (Message, error) {
	s, err := wire.NewRootStruct(seg, messageSize)
	return Message{s}, err
}

// ReadMessage returns the root message of msg.
func ReadMessage(msg *wire.Message) (Message, error) {
	p, err := msg.Root()
	if err != nil {
		return Message{}, err
	}
	return Message{p.Struct()}, nil
}

func (m Message) Which() Which { return Which(m.Uint16(0)) }

func (m Message) body() (wire.Struct, error) { return m.ReadStruct(0) }

func (m Message) initBody(w Which, sz wire.ObjectSize) (wire.Struct, error) {
	m.SetUint16(0, uint16(w))
	s, err := wire.NewStruct(m.Segment(), sz)
	if err != nil {
		return wire.Struct{}, err
	}
	return s, m.SetPtr(0, s.ToPtr())
}

// Unimplemented returns the echoed message of an unimplemented reply.
func (m Message) Unimplemented() (Message, error) {
	s, err := m.body()
	return Message{s}, err
}

// SetUnimplemented echoes orig back to the peer.
func (m Message) SetUnimplemented(orig Message) error {
	m.SetUint16(0, uint16(MessageUnimplemented))
	return m.SetPtr(0, orig.ToPtr())
}

func (m Message) Abort() (Exception, error) {
	s, err := m.body()
	return Exception{s}, err
}

func (m Message) NewAbort() (Exception, error) {
	s, err := m.initBody(MessageAbort, exceptionSize)
	return Exception{s}, err
}

func (m Message) Bootstrap() (Bootstrap, error) {
	s, err := m.body()
	return Bootstrap{s}, err
}

func (m Message) NewBootstrap() (Bootstrap, error) {
	s, err := m.initBody(MessageBootstrap, bootstrapSize)
	return Bootstrap{s}, err
}

func (m Message) Call() (Call, error) {
	s, err := m.body()
	return Call{s}, err
}

func (m Message) NewCall() (Call, error) {
	s, err := m.initBody(MessageCall, callSize)
	return Call{s}, err
}

func (m Message) Return() (Return, error) {
	s, err := m.body()
	return Return{s}, err
}

func (m Message) NewReturn() (Return, error) {
	s, err := m.initBody(MessageReturn, returnSize)
	if err != nil {
		return Return{}, err
	}
	r := Return{s}
	r.SetReleaseParamCaps(true)
	return r, nil
}

func (m Message) Finish() (Finish, error) {
	s, err := m.body()
	return Finish{s}, err
}

func (m Message) NewFinish() (Finish, error) {
	s, err := m.initBody(MessageFinish, finishSize)
	if err != nil {
		return Finish{}, err
	}
	f := Finish{s}
	f.SetReleaseResultCaps(true)
	return f, nil
}

func (m Message) Resolve() (Resolve, error) {
	s, err := m.body()
	return Resolve{s}, err
}

func (m Message) NewResolve() (Resolve, error) {
	s, err := m.initBody(MessageResolve, resolveSize)
	return Resolve{s}, err
}

func (m Message) Release() (Release, error) {
	s, err := m.body()
	return Release{s}, err
}

func (m Message) NewRelease() (Release, error) {
	s, err := m.initBody(MessageRelease, releaseSize)
	return Release{s}, err
}

func (m Message) Disembargo() (Disembargo, error) {
	s, err := m.body()
	return Disembargo{s}, err
}

func (m Message) NewDisembargo() (Disembargo, error) {
	s, err := m.initBody(MessageDisembargo, disembargoSize)
	return Disembargo{s}, err
}

// Bootstrap asks for the peer's bootstrap interface.
type Bootstrap struct{ wire.Struct }

func (b Bootstrap) QuestionID() uint32      { return b.Uint32(0) }
func (b Bootstrap) SetQuestionID(id uint32) { b.SetUint32(0, id) }

// Call is a method call on an imported capability or a promised answer.
type Call struct{ wire.Struct }

// SendResultsTo values.
const (
	SendResultsToCaller     uint16 = 0
	SendResultsToYourself   uint16 = 1
	SendResultsToThirdParty uint16 = 2
)

func (c Call) QuestionID() uint32        { return c.Uint32(0) }
func (c Call) SetQuestionID(id uint32)   { c.SetUint32(0, id) }
func (c Call) MethodID() uint16          { return c.Uint16(4) }
func (c Call) SetMethodID(id uint16)     { c.SetUint16(4, id) }
func (c Call) InterfaceID() uint64       { return c.Uint64(8) }
func (c Call) SetInterfaceID(id uint64)  { c.SetUint64(8, id) }
func (c Call) SendResultsTo() uint16     { return c.Uint16(6) }
func (c Call) SetSendResultsTo(w uint16) { c.SetUint16(6, w) }

// NoPromisePipelining is a hint that no calls will be pipelined on the
// answer.
func (c Call) NoPromisePipelining() bool     { return c.Bit(129) }
func (c Call) SetNoPromisePipelining(v bool) { c.SetBit(129, v) }

func (c Call) Target() (MessageTarget, error) {
	s, err := c.ReadStruct(0)
	return MessageTarget{s}, err
}

func (c Call) NewTarget() (MessageTarget, error) {
	s, err := c.InitStruct(0, messageTargetSize)
	return MessageTarget{s}, err
}

func (c Call) Params() (Payload, error) {
	s, err := c.ReadStruct(1)
	return Payload{s}, err
}

func (c Call) NewParams() (Payload, error) {
	s, err := c.InitStruct(1, payloadSize)
	return Payload{s}, err
}

// MessageTarget addresses a call or disembargo.
type MessageTarget struct{ wire.Struct }

const (
	TargetImportedCap    uint16 = 0
	TargetPromisedAnswer uint16 = 1
)

func (t MessageTarget) Which() uint16       { return t.Uint16(4) }
func (t MessageTarget) ImportedCap() uint32 { return t.Uint32(0) }

func (t MessageTarget) SetImportedCap(id uint32) {
	t.SetUint16(4, TargetImportedCap)
	t.SetUint32(0, id)
}

func (t MessageTarget) PromisedAnswer() (PromisedAnswer, error) {
	s, err := t.ReadStruct(0)
	return PromisedAnswer{s}, err
}

func (t MessageTarget) NewPromisedAnswer() (PromisedAnswer, error) {
	t.SetUint16(4, TargetPromisedAnswer)
	s, err := t.InitStruct(0, promisedAnswerSize)
	return PromisedAnswer{s}, err
}

// Payload is a content pointer plus the capability table it refers to.
type Payload struct{ wire.Struct }

func (p Payload) Content() (wire.Ptr, error)  { return p.Ptr(0) }
func (p Payload) SetContent(c wire.Ptr) error { return p.SetPtr(0, c) }

func (p Payload) CapTable() (wire.StructList, error) {
	l, err := p.ReadList(1)
	return wire.StructList(l), err
}

func (p Payload) NewCapTable(n int32) (wire.StructList, error) {
	l, err := p.InitList(1, wire.CompositeElement, n, capDescriptorSize)
	return wire.StructList(l), err
}

// CapDescriptor describes one capability in a payload's table.
type CapDescriptor struct{ wire.Struct }

const (
	CapNone             uint16 = 0
	CapSenderHosted     uint16 = 1
	CapSenderPromise    uint16 = 2
	CapReceiverHosted   uint16 = 3
	CapReceiverAnswer   uint16 = 4
	CapThirdPartyHosted uint16 = 5
)

func (d CapDescriptor) Which() uint16 { return d.Uint16(0) }

// ID is the export or import id of the senderHosted, senderPromise and
// receiverHosted variants.
func (d CapDescriptor) ID() uint32 { return d.Uint32(4) }

func (d CapDescriptor) SetNone() { d.SetUint16(0, CapNone) }

func (d CapDescriptor) SetSenderHosted(id uint32) {
	d.SetUint16(0, CapSenderHosted)
	d.SetUint32(4, id)
}

func (d CapDescriptor) SetSenderPromise(id uint32) {
	d.SetUint16(0, CapSenderPromise)
	d.SetUint32(4, id)
}

func (d CapDescriptor) SetReceiverHosted(id uint32) {
	d.SetUint16(0, CapReceiverHosted)
	d.SetUint32(4, id)
}

func (d CapDescriptor) ReceiverAnswer() (PromisedAnswer, error) {
	s, err := d.ReadStruct(0)
	return PromisedAnswer{s}, err
}

func (d CapDescriptor) NewReceiverAnswer() (PromisedAnswer, error) {
	d.SetUint16(0, CapReceiverAnswer)
	s, err := d.InitStruct(0, promisedAnswerSize)
	return PromisedAnswer{s}, err
}

// AttachedFd is the index of a file descriptor attached to the message.
// Default 0xff means none.
func (d CapDescriptor) AttachedFd() uint8 { return d.ReadUint8(2, 0xff) }

// PromisedAnswer addresses a capability inside an answer's results.
type PromisedAnswer struct{ wire.Struct }

func (a PromisedAnswer) QuestionID() uint32      { return a.Uint32(0) }
func (a PromisedAnswer) SetQuestionID(id uint32) { a.SetUint32(0, id) }

// Transform decodes the path of pointer-field hops. Noop steps are
// skipped.
func (a PromisedAnswer) Transform() ([]wire.PipelineOp, error) {
	l, err := a.ReadList(0)
	if err != nil || !l.IsValid() {
		return nil, err
	}
	ops := make([]wire.PipelineOp, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		op := l.Struct(i)
		switch op.Uint16(0) {
		case 0:
		case 1:
			ops = append(ops, wire.PipelineOp{Field: op.Uint16(2)})
		default:
			return nil, errUnknownOp(op.Uint16(0))
		}
	}
	return ops, nil
}

// SetTransform encodes ops as getPointerField steps. Default values are
// not carried on the wire.
func (a PromisedAnswer) SetTransform(ops []wire.PipelineOp) error {
	if len(ops) == 0 {
		return nil
	}
	l, err := a.InitList(0, wire.CompositeElement, int32(len(ops)), opSize)
	if err != nil {
		return err
	}
	for i, op := range ops {
		s := l.Struct(i)
		s.SetUint16(0, 1)
		s.SetUint16(2, op.Field)
	}
	return nil
}

// Return carries the outcome of a call or bootstrap.
type Return struct{ wire.Struct }

const (
	ReturnResults               uint16 = 0
	ReturnException             uint16 = 1
	ReturnCanceled              uint16 = 2
	ReturnResultsSentElsewhere  uint16 = 3
	ReturnTakeFromOtherQuestion uint16 = 4
	ReturnAcceptFromThirdParty  uint16 = 5
)

func (r Return) AnswerID() uint32      { return r.Uint32(0) }
func (r Return) SetAnswerID(id uint32) { r.SetUint32(0, id) }
func (r Return) Which() uint16         { return r.Uint16(6) }

// ReleaseParamCaps defaults to true.
func (r Return) ReleaseParamCaps() bool     { return r.ReadBool(32, true) }
func (r Return) SetReleaseParamCaps(v bool) { r.WriteBool(32, v, true) }

func (r Return) Results() (Payload, error) {
	s, err := r.ReadStruct(0)
	return Payload{s}, err
}

func (r Return) NewResults() (Payload, error) {
	r.SetUint16(6, ReturnResults)
	s, err := r.InitStruct(0, payloadSize)
	return Payload{s}, err
}

func (r Return) Exception() (Exception, error) {
	s, err := r.ReadStruct(0)
	return Exception{s}, err
}

func (r Return) NewException() (Exception, error) {
	r.SetUint16(6, ReturnException)
	s, err := r.InitStruct(0, exceptionSize)
	return Exception{s}, err
}

func (r Return) SetCanceled() { r.SetUint16(6, ReturnCanceled) }

func (r Return) TakeFromOtherQuestion() uint32 { return r.Uint32(8) }

// Finish tells the callee the caller is done with a question.
type Finish struct{ wire.Struct }

func (f Finish) QuestionID() uint32      { return f.Uint32(0) }
func (f Finish) SetQuestionID(id uint32) { f.SetUint32(0, id) }

// ReleaseResultCaps defaults to true.
func (f Finish) ReleaseResultCaps() bool     { return f.ReadBool(32, true) }
func (f Finish) SetReleaseResultCaps(v bool) { f.WriteBool(32, v, true) }

// Resolve settles an exported promise.
type Resolve struct{ wire.Struct }

const (
	ResolveCap       uint16 = 0
	ResolveException uint16 = 1
)

func (r Resolve) PromiseID() uint32      { return r.Uint32(0) }
func (r Resolve) SetPromiseID(id uint32) { r.SetUint32(0, id) }
func (r Resolve) Which() uint16          { return r.Uint16(4) }

func (r Resolve) Cap() (CapDescriptor, error) {
	s, err := r.ReadStruct(0)
	return CapDescriptor{s}, err
}

func (r Resolve) NewCap() (CapDescriptor, error) {
	r.SetUint16(4, ResolveCap)
	s, err := r.InitStruct(0, capDescriptorSize)
	return CapDescriptor{s}, err
}

func (r Resolve) Exception() (Exception, error) {
	s, err := r.ReadStruct(0)
	return Exception{s}, err
}

func (r Resolve) NewException() (Exception, error) {
	r.SetUint16(4, ResolveException)
	s, err := r.InitStruct(0, exceptionSize)
	return Exception{s}, err
}

// Release drops references to an export.
type Release struct{ wire.Struct }

func (r Release) ID() uint32                 { return r.Uint32(0) }
func (r Release) SetID(id uint32)            { r.SetUint32(0, id) }
func (r Release) ReferenceCount() uint32     { return r.Uint32(4) }
func (r Release) SetReferenceCount(n uint32) { r.SetUint32(4, n) }

// Disembargo lifts an embargo on a resolved promise.
type Disembargo struct{ wire.Struct }

const (
	DisembargoSenderLoopback   uint16 = 0
	DisembargoReceiverLoopback uint16 = 1
	DisembargoAccept           uint16 = 2
	DisembargoProvide          uint16 = 3
)

func (d Disembargo) Which() uint16 { return d.Uint16(4) }

// EmbargoID is the id of the senderLoopback and receiverLoopback
// variants.
func (d Disembargo) EmbargoID() uint32 { return d.Uint32(0) }

func (d Disembargo) SetSenderLoopback(id uint32) {
	d.SetUint16(4, DisembargoSenderLoopback)
	d.SetUint32(0, id)
}

func (d Disembargo) SetReceiverLoopback(id uint32) {
	d.SetUint16(4, DisembargoReceiverLoopback)
	d.SetUint32(0, id)
}

func (d Disembargo) Target() (MessageTarget, error) {
	s, err := d.ReadStruct(0)
	return MessageTarget{s}, err
}

func (d Disembargo) NewTarget() (MessageTarget, error) {
	s, err := d.InitStruct(0, messageTargetSize)
	return MessageTarget{s}, err
}

// Exception is an error carried on the wire.
type Exception struct{ wire.Struct }

// ExceptionType is the coarse error category on the wire.
type ExceptionType uint16

const (
	ExceptionFailed        ExceptionType = 0
	ExceptionOverloaded    ExceptionType = 1
	ExceptionDisconnected  ExceptionType = 2
	ExceptionUnimplemented ExceptionType = 3
)

func (e Exception) Reason() (string, error)  { return e.ReadText(0, "") }
func (e Exception) SetReason(v string) error { return e.SetText(0, v) }
func (e Exception) Type() ExceptionType      { return ExceptionType(e.Uint16(4)) }
func (e Exception) SetType(t ExceptionType)  { e.SetUint16(4, uint16(t)) }
func (e Exception) Trace() (string, error)   { return e.ReadText(1, "") }
func (e Exception) SetTrace(v string) error  { return e.SetText(1, v) }

func errUnknownOp(tag uint16) error {
	return errors.New(errors.PhaseDecode, errors.KindInvalidData).
		Path("transform").
		Detail("unknown pipeline op %d", tag).
		Build()
}
