package transport

import (
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// Call represents an outstanding outbound request.
type Call struct {
	// call id, valid once the request has been registered
	Seq uint32
	// full method name, "prog.method"
	Method string
	Arg    any
	// result value, nil when the peer replied with null
	Result msgpack.RawMessage
	// set when the call failed; *RemoteError for application or routing errors
	Err error
	// receives the call exactly once when it completes
	Done chan *Call

	log logrus.FieldLogger
}

func newCall(method string, arg any, done chan *Call, log logrus.FieldLogger) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	} else if cap(done) == 0 {
		panic("msgpackrpc: done channel is unbuffered")
	}
	return &Call{
		Method: method,
		Arg:    arg,
		Done:   done,
		log:    log,
	}
}

func (call *Call) done() {
	select {
	case call.Done <- call:
	default:
		// Done was supplied by the caller and is full
		log := call.log
		if log == nil {
			log = logrus.StandardLogger()
		}
		log.WithFields(logrus.Fields{
			"seq":    call.Seq,
			"method": call.Method,
		}).Debug("msgpackrpc: discarding call completion, done channel is full")
	}
}
