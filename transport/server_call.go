package transport

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"msgpack-rpc/protocol"
)

const (
	statePending int32 = iota
	stateReplied
	stateRejected
)

// ServerCall is one inbound request (or notification) waiting for its reply.
//
// Exactly one of Reply, ReplyError or Reject may be called; a second call
// panics with ErrAlreadyReplied. Replies to notifications are accepted and
// dropped. A ServerCall left without a reply when the connection dies is
// simply abandoned.
type ServerCall struct {
	seq    uint32
	method string
	arg    msgpack.RawMessage
	notify bool
	eof    bool
	d      *Dispatcher

	state atomic.Int32
	sent  atomic.Bool

	errPayload msgpack.RawMessage
	result     msgpack.RawMessage
}

func newServerCall(d *Dispatcher, f *protocol.Frame) *ServerCall {
	return &ServerCall{
		seq:    f.Seq,
		method: f.Method,
		arg:    f.Param,
		notify: f.Type == protocol.MsgTypeNotify,
		d:      d,
	}
}

func newEOFCall(d *Dispatcher) *ServerCall {
	return &ServerCall{eof: true, d: d}
}

func (sc *ServerCall) Seq() uint32 { return sc.seq }

// Method is the full method name, "prog.method".
func (sc *ServerCall) Method() string { return sc.method }

// Procedure is the method name without its program prefix.
func (sc *ServerCall) Procedure() string {
	if _, proc, found := strings.Cut(sc.method, "."); found {
		return proc
	}
	return sc.method
}

// Arg is the raw param value, nil when the peer sent null.
func (sc *ServerCall) Arg() msgpack.RawMessage { return sc.arg }

// Decode decodes the param into v with the transport's codec.
func (sc *ServerCall) Decode(v any) error {
	return sc.d.t.Codec().Decode(sc.arg, v)
}

func (sc *ServerCall) IsNotify() bool { return sc.notify }

// EOF reports that this is the end-of-connection signal rather than a request.
func (sc *ServerCall) EOF() bool { return sc.eof }

func (sc *ServerCall) Dispatcher() *Dispatcher { return sc.d }

// Replied reports whether Reply, ReplyError or Reject has been called.
func (sc *ServerCall) Replied() bool { return sc.state.Load() != statePending }

func (sc *ServerCall) oneway() bool { return sc.notify || sc.eof }

// Reply sends result as the successful outcome of the call.
func (sc *ServerCall) Reply(result any) error {
	raw, err := sc.d.t.Codec().Encode(result)
	if err != nil {
		sc.finish(stateRejected)
		sc.errPayload = encodeRejection(StatSystemErr, "cannot encode result")
		_ = sc.d.Reply(sc)
		return fmt.Errorf("msgpackrpc: encode %s result: %w", sc.method, err)
	}
	sc.finish(stateReplied)
	if !protocol.IsNil(raw) {
		sc.result = raw
	}
	return sc.d.Reply(sc)
}

// ReplyError sends v in the error slot of the response: the call ran and
// failed. An error value is sent as its message string.
func (sc *ServerCall) ReplyError(v any) error {
	if err, ok := v.(error); ok {
		v = err.Error()
	}
	raw, err := sc.d.t.Codec().Encode(v)
	sc.finish(stateRejected)
	if err != nil || protocol.IsNil(raw) {
		// the error slot must be non-null for the caller to see a failure
		raw = encodeRejection(StatSystemErr, "")
	}
	sc.errPayload = raw
	return sc.d.Reply(sc)
}

// Reject refuses the call with an accept status, e.g. StatGarbageArgs.
func (sc *ServerCall) Reject(stat AcceptStat) error {
	sc.finish(stateRejected)
	sc.errPayload = encodeRejection(stat, "")
	return sc.d.Reply(sc)
}

func (sc *ServerCall) finish(to int32) {
	if !sc.state.CompareAndSwap(statePending, to) {
		panic(fmt.Errorf("%w: %s (seq %d)", ErrAlreadyReplied, sc.method, sc.seq))
	}
}
