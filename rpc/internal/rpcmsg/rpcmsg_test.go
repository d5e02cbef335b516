package rpcmsg

import (
	"testing"

	"github.com/wippyai/caprpc/wire"
)

func build(t *testing.T, fill func(Message)) Message {
	t.Helper()
	msg, seg, err := wire.NewMessage(wire.SingleSegment(nil))
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewMessage(seg)
	if err != nil {
		t.Fatal(err)
	}
	fill(m)
	data, err := msg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	in, err := wire.Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	out, err := ReadMessage(in)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestCallToPromisedAnswer(t *testing.T) {
	m := build(t, func(m Message) {
		call, err := m.NewCall()
		if err != nil {
			t.Fatal(err)
		}
		call.SetQuestionID(7)
		call.SetInterfaceID(0xabcdef0123456789)
		call.SetMethodID(3)
		target, err := call.NewTarget()
		if err != nil {
			t.Fatal(err)
		}
		pa, err := target.NewPromisedAnswer()
		if err != nil {
			t.Fatal(err)
		}
		pa.SetQuestionID(2)
		if err := pa.SetTransform([]wire.PipelineOp{{Field: 1}, {Field: 0}}); err != nil {
			t.Fatal(err)
		}
		params, err := call.NewParams()
		if err != nil {
			t.Fatal(err)
		}
		caps, err := params.NewCapTable(2)
		if err != nil {
			t.Fatal(err)
		}
		CapDescriptor{caps.At(0)}.SetSenderHosted(5)
		CapDescriptor{caps.At(1)}.SetReceiverHosted(9)
	})

	if m.Which() != MessageCall {
		t.Fatalf("which = %v, want call", m.Which())
	}
	call, err := m.Call()
	if err != nil {
		t.Fatal(err)
	}
	if call.QuestionID() != 7 || call.MethodID() != 3 || call.InterfaceID() != 0xabcdef0123456789 {
		t.Fatalf("call header = %d %d %x", call.QuestionID(), call.MethodID(), call.InterfaceID())
	}
	if call.SendResultsTo() != SendResultsToCaller {
		t.Fatalf("sendResultsTo = %d", call.SendResultsTo())
	}
	target, err := call.Target()
	if err != nil {
		t.Fatal(err)
	}
	if target.Which() != TargetPromisedAnswer {
		t.Fatalf("target = %d", target.Which())
	}
	pa, err := target.PromisedAnswer()
	if err != nil {
		t.Fatal(err)
	}
	ops, err := pa.Transform()
	if err != nil {
		t.Fatal(err)
	}
	if pa.QuestionID() != 2 || len(ops) != 2 || ops[0].Field != 1 || ops[1].Field != 0 {
		t.Fatalf("promised answer = %d %+v", pa.QuestionID(), ops)
	}

	params, err := call.Params()
	if err != nil {
		t.Fatal(err)
	}
	caps, err := params.CapTable()
	if err != nil {
		t.Fatal(err)
	}
	if caps.Len() != 2 {
		t.Fatalf("cap table len = %d", caps.Len())
	}
	tests := []struct {
		which uint16
		id    uint32
	}{
		{CapSenderHosted, 5},
		{CapReceiverHosted, 9},
	}
	for i, tt := range tests {
		d := CapDescriptor{caps.At(i)}
		if d.Which() != tt.which || d.ID() != tt.id {
			t.Errorf("cap %d = (%d, %d), want (%d, %d)", i, d.Which(), d.ID(), tt.which, tt.id)
		}
		if d.AttachedFd() != 0xff {
			t.Errorf("cap %d attachedFd = %d, want none", i, d.AttachedFd())
		}
	}
}

func TestDefaultTrueFlags(t *testing.T) {
	m := build(t, func(m Message) {
		ret, err := m.NewReturn()
		if err != nil {
			t.Fatal(err)
		}
		ret.SetAnswerID(4)
		ret.SetCanceled()
	})
	ret, err := m.Return()
	if err != nil {
		t.Fatal(err)
	}
	if !ret.ReleaseParamCaps() {
		t.Error("releaseParamCaps should default to true")
	}
	if ret.Which() != ReturnCanceled || ret.AnswerID() != 4 {
		t.Errorf("return = %d/%d", ret.Which(), ret.AnswerID())
	}

	m = build(t, func(m Message) {
		fin, err := m.NewFinish()
		if err != nil {
			t.Fatal(err)
		}
		fin.SetQuestionID(1)
		fin.SetReleaseResultCaps(false)
	})
	fin, err := m.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if fin.ReleaseResultCaps() {
		t.Error("releaseResultCaps = true after clearing it")
	}
	if fin.Uint64(0)&(1<<32) == 0 {
		t.Error("false for a default-true flag should be stored as a set bit")
	}
}

func TestExceptionAndUnimplementedEcho(t *testing.T) {
	m := build(t, func(m Message) {
		exc, err := m.NewAbort()
		if err != nil {
			t.Fatal(err)
		}
		exc.SetType(ExceptionDisconnected)
		if err := exc.SetReason("peer went away"); err != nil {
			t.Fatal(err)
		}
	})
	if m.Which() != MessageAbort {
		t.Fatalf("which = %v", m.Which())
	}
	exc, err := m.Abort()
	if err != nil {
		t.Fatal(err)
	}
	reason, err := exc.Reason()
	if err != nil {
		t.Fatal(err)
	}
	if exc.Type() != ExceptionDisconnected || reason != "peer went away" {
		t.Fatalf("exception = %d %q", exc.Type(), reason)
	}

	echo := build(t, func(out Message) {
		if err := out.SetUnimplemented(m); err != nil {
			t.Fatal(err)
		}
	})
	inner, err := echo.Unimplemented()
	if err != nil {
		t.Fatal(err)
	}
	if echo.Which() != MessageUnimplemented || inner.Which() != MessageAbort {
		t.Fatalf("echo = %v(%v)", echo.Which(), inner.Which())
	}
}

func TestUnknownTransformOp(t *testing.T) {
	msg, seg, err := wire.NewMessage(wire.SingleSegment(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer msg.Release()
	s, err := wire.NewRootStruct(seg, promisedAnswerSize)
	if err != nil {
		t.Fatal(err)
	}
	l, err := s.InitList(0, wire.CompositeElement, 1, opSize)
	if err != nil {
		t.Fatal(err)
	}
	l.Struct(0).SetUint16(0, 9)
	if _, err := (PromisedAnswer{s}).Transform(); err == nil {
		t.Fatal("expected error for unknown op")
	}
}

func TestWhichString(t *testing.T) {
	tests := map[Which]string{
		MessageCall:       "call",
		MessageDisembargo: "disembargo",
		Which(99):         "unknown",
	}
	for w, want := range tests {
		if got := w.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", w, got, want)
		}
	}
}
