package transport

import (
	"sync"

	"github.com/sirupsen/logrus"

	"msgpack-rpc/protocol"
)

// Handler receives inbound requests and notifications for one program.
//
// It runs on the connection's receive loop, so it should hand slow work to a
// goroutine and reply from there. When the connection dies the handler is
// called one last time with a ServerCall whose EOF method reports true.
type Handler func(sc *ServerCall)

// Dispatcher binds a program name and its Handler to a Transport.
type Dispatcher struct {
	t       *Transport
	prog    string
	handler Handler
	log     *logrus.Entry
	eofOnce sync.Once
}

// NewDispatcher creates a Dispatcher and registers it on t under prog.
// An empty prog makes it the default dispatcher of t.
func NewDispatcher(t *Transport, prog string, h Handler) *Dispatcher {
	d := &Dispatcher{
		t:       t,
		prog:    prog,
		handler: h,
		log:     t.c.log.WithField("prog", prog),
	}
	t.Register(prog, d)
	return d
}

func (d *Dispatcher) Program() string { return d.prog }

func (d *Dispatcher) Transport() *Transport { return d.t }

func (d *Dispatcher) dispatch(sc *ServerCall) {
	d.handler(sc)
}

// Reply queues the Response frame for sc, which must already hold its reply.
// Notifications and EOF contexts never produce a frame, and each context is
// written at most once.
func (d *Dispatcher) Reply(sc *ServerCall) error {
	if sc.state.Load() == statePending {
		return ErrNotReplied
	}
	if sc.oneway() || !sc.sent.CompareAndSwap(false, true) {
		return nil
	}
	return d.t.c.write(protocol.NewResponse(sc.seq, sc.errPayload, sc.result))
}

// Error reports a fault that is not tied to a single call. It is logged
// locally and sent to the peer as an rpc.error notification.
func (d *Dispatcher) Error(msg string) error {
	d.log.WithField("error", msg).Error("msgpackrpc: dispatcher error")
	return d.t.Notify(errorMethod, msg)
}

// EOF tells the handler that the connection is gone. Only the first call
// has any effect.
func (d *Dispatcher) EOF() {
	d.eofOnce.Do(func() {
		d.log.Debug("msgpackrpc: dispatcher eof")
		d.handler(newEOFCall(d))
	})
}
