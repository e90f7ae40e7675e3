package transport

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"msgpack-rpc/protocol"
)

var (
	ErrClosed         = errors.New("msgpackrpc: connection closed")
	ErrTimeout        = errors.New("msgpackrpc: call timed out")
	ErrSeqExhausted   = errors.New("msgpackrpc: no free call id")
	ErrAlreadyReplied = errors.New("msgpackrpc: call already replied")
	ErrNotReplied     = errors.New("msgpackrpc: call has no reply yet")
)

// AcceptStat is the server-side outcome of an inbound request, using the
// classic RPC accept_stat values.
type AcceptStat int

const (
	StatSuccess      AcceptStat = 0 // RPC executed successfully
	StatProgUnavail  AcceptStat = 1 // remote hasn't exported program
	StatProgMismatch AcceptStat = 2 // remote can't support version
	StatProcUnavail  AcceptStat = 3 // program can't support procedure
	StatGarbageArgs  AcceptStat = 4 // procedure can't decode params
	StatSystemErr    AcceptStat = 5 // e.g. memory allocation failure
)

func (s AcceptStat) String() string {
	switch s {
	case StatSuccess:
		return "success"
	case StatProgUnavail:
		return "program unavailable"
	case StatProgMismatch:
		return "program version mismatch"
	case StatProcUnavail:
		return "procedure unavailable"
	case StatGarbageArgs:
		return "garbage arguments"
	case StatSystemErr:
		return "system error"
	default:
		return fmt.Sprintf("accept_stat(%d)", int(s))
	}
}

// ClientStatus classifies how a call finished from the caller's point of view.
type ClientStatus int

const (
	StatusOK ClientStatus = iota
	StatusConnClosed
	StatusProtocolError
	StatusTimeout
	StatusRemoteError
)

func (s ClientStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusConnClosed:
		return "connection closed"
	case StatusProtocolError:
		return "protocol error"
	case StatusTimeout:
		return "timeout"
	case StatusRemoteError:
		return "remote error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// StatusOf maps an error returned by a call to its ClientStatus.
func StatusOf(err error) ClientStatus {
	var remote *RemoteError
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.As(err, &remote):
		return StatusRemoteError
	case errors.Is(err, protocol.ErrMalformedFrame):
		return StatusProtocolError
	case errors.Is(err, ErrClosed):
		return StatusConnClosed
	default:
		return StatusProtocolError
	}
}

// RemoteError is the error slot of a Response.
//
// When the peer rejected the call, Stat says why. When the call ran and the
// handler reported a failure of its own, Stat is StatSuccess and Data holds the
// handler's error value verbatim.
type RemoteError struct {
	Stat    AcceptStat
	Message string
	Data    msgpack.RawMessage
}

func (e *RemoteError) Error() string {
	if e.Stat != StatSuccess {
		if e.Message != "" {
			return fmt.Sprintf("msgpackrpc: call rejected: %v: %s", e.Stat, e.Message)
		}
		return fmt.Sprintf("msgpackrpc: call rejected: %v", e.Stat)
	}
	if e.Message != "" {
		return "msgpackrpc: remote error: " + e.Message
	}
	return fmt.Sprintf("msgpackrpc: remote error: %x", []byte(e.Data))
}

// Rejected reports whether the peer refused the call rather than running it.
func (e *RemoteError) Rejected() bool { return e.Stat != StatSuccess }

type errorObject struct {
	Code AcceptStat `msgpack:"code"`
	Msg  string     `msgpack:"msg"`
}

type errorObjectIn struct {
	Code *int   `msgpack:"code"`
	Msg  string `msgpack:"msg"`
}

func encodeRejection(stat AcceptStat, msg string) msgpack.RawMessage {
	if msg == "" {
		msg = stat.String()
	}
	b, err := msgpack.Marshal(&errorObject{Code: stat, Msg: msg})
	if err != nil {
		// a struct of an int and a string always encodes
		panic(err)
	}
	return b
}

func decodeRemoteError(raw msgpack.RawMessage) *RemoteError {
	re := &RemoteError{Stat: StatSuccess, Data: raw}

	var obj errorObjectIn
	if err := msgpack.Unmarshal(raw, &obj); err == nil && obj.Code != nil {
		re.Stat = AcceptStat(*obj.Code)
		re.Message = obj.Msg
		return re
	}
	var s string
	if err := msgpack.Unmarshal(raw, &s); err == nil {
		re.Message = s
	}
	return re
}

func closedErr(reason error) error {
	if reason == nil || errors.Is(reason, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, reason)
}
