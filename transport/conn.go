// Package transport multiplexes msgpack-rpc calls and handlers over one byte stream.
//
// A conn owns the stream. Outbound calls get a sequence id and wait in the
// pending table; a single receive loop reads frames in arrival order and either
// completes the matching pending call or routes the frame to the Dispatcher
// registered for the method's program name.
//
//	goroutine-1 ──Call(seq=1)──┐                        ┌── Dispatcher "math"
//	goroutine-2 ──Call(seq=2)──┼──→ one stream ←── loop ─┼── Dispatcher "echo"
//	ServerCall  ──Reply(seq=9)─┘                        └── pending[seq] → Call.Done
//
// Outbound frames are marshalled by whoever produces them and queued; one
// writer goroutine drains the queue a whole frame per Write. Neither callers
// nor the receive loop ever block on the stream, so two peers that both stop
// reading to write cannot wedge each other.
package transport

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"msgpack-rpc/protocol"
)

// Reserved notifications consumed by the connection itself.
const (
	pingMethod  = "rpc.ping"
	errorMethod = "rpc.error"
)

type conn struct {
	rwc    io.ReadWriteCloser
	dec    *protocol.Decoder
	opts   *options
	log    *logrus.Entry
	remote string

	// signalled when queue goes from empty to non-empty
	wake chan struct{}

	mu          sync.Mutex // guards the fields below
	queue       []outFrame
	seq         uint32
	pending     map[uint32]*Call
	dispatch    map[string]*Dispatcher
	dispatchDef *Dispatcher
	dispatchers []*Dispatcher // registration order, for the eof broadcast
	closed      bool
	err         error

	done chan struct{}
}

func newConn(rwc io.ReadWriteCloser, opts *options) *conn {
	remote := "-"
	if rc, ok := rwc.(interface{ RemoteAddr() net.Addr }); ok && rc.RemoteAddr() != nil {
		remote = rc.RemoteAddr().String()
	}
	return &conn{
		rwc:      rwc,
		dec:      protocol.NewDecoder(rwc, opts.readBufferSize),
		opts:     opts,
		log:      opts.logger.WithField("remote", remote),
		remote:   remote,
		pending:  make(map[uint32]*Call),
		dispatch: make(map[string]*Dispatcher),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// outFrame is one queued write. A nil b marks a flush point; errc, when set,
// receives the outcome once the writer reaches the entry.
type outFrame struct {
	b    []byte
	errc chan error
}

func (c *conn) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *conn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return closedErr(c.err)
}

// registerCall assigns the next free sequence id to call and adds it to the
// pending table. Ids still outstanding after a wrap-around are skipped.
func (c *conn) registerCall(call *Call) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, closedErr(c.err)
	}
	if uint64(len(c.pending)) > math.MaxUint32 {
		return 0, ErrSeqExhausted
	}
	for {
		c.seq++
		if _, busy := c.pending[c.seq]; !busy {
			break
		}
	}
	call.Seq = c.seq
	c.pending[c.seq] = call
	return c.seq, nil
}

func (c *conn) removeCall(seq uint32) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.pending[seq]
	delete(c.pending, seq)
	return call
}

// abandon drops call from the pending table if it is still there.
// It reports whether the caller now owns completing it.
func (c *conn) abandon(call *Call) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[call.Seq] != call {
		return false
	}
	delete(c.pending, call.Seq)
	return true
}

// write marshals f and queues it for the writer. It never blocks on the
// stream; frames are never queued on a closed connection.
func (c *conn) write(f *protocol.Frame) error {
	b, err := protocol.Marshal(f)
	if err != nil {
		return err
	}
	return c.enqueue(outFrame{b: b})
}

func (c *conn) enqueue(o outFrame) error {
	c.mu.Lock()
	if c.closed {
		err := closedErr(c.err)
		c.mu.Unlock()
		return err
	}
	c.queue = append(c.queue, o)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// writeLoop is the only goroutine writing to the stream. A failed write is
// fatal to the connection.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
		for {
			c.mu.Lock()
			batch := c.queue
			c.queue = nil
			closed := c.closed
			c.mu.Unlock()
			if closed || len(batch) == 0 {
				break
			}
			for _, o := range batch {
				var err error
				if o.b != nil {
					_, err = c.rwc.Write(o.b)
				}
				if o.errc != nil {
					o.errc <- err
				}
				if err != nil {
					c.close(err)
					return
				}
			}
		}
	}
}

// flush waits until every frame queued before it has been written.
func (c *conn) flush(ctx context.Context) error {
	errc := make(chan error, 1)
	if err := c.enqueue(outFrame{errc: errc}); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		select {
		case err := <-errc:
			return err
		default:
			return c.closeErr()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call registers call, then queues its Request frame. The pending entry exists
// before the frame is on the wire so the loop can never see an unknown reply.
func (c *conn) call(call *Call, param msgpack.RawMessage) {
	call.log = c.log
	seq, err := c.registerCall(call)
	if err != nil {
		call.Err = err
		call.done()
		return
	}

	if err := c.write(protocol.NewRequest(seq, call.Method, param)); err != nil {
		// closed meanwhile, or an unmarshalable method name
		if call := c.removeCall(seq); call != nil {
			call.Err = err
			call.done()
		}
	}
}

func (c *conn) send(method string, param msgpack.RawMessage) error {
	return c.write(protocol.NewNotify(method, param))
}

// register binds d to prog. The empty prog names the default dispatcher.
// A later registration for the same prog replaces the earlier one.
func (c *conn) register(prog string, d *Dispatcher) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		d.EOF()
		return
	}

	var prev *Dispatcher
	if prog == "" {
		prev, c.dispatchDef = c.dispatchDef, d
	} else {
		prev = c.dispatch[prog]
		c.dispatch[prog] = d
	}
	if prev != nil && prev != d {
		c.log.WithField("prog", prog).Warn("msgpackrpc: replacing dispatcher")
		if !c.boundLocked(prev) {
			c.dispatchers = removeDispatcher(c.dispatchers, prev)
		}
	}
	if !containsDispatcher(c.dispatchers, d) {
		c.dispatchers = append(c.dispatchers, d)
	}
	c.mu.Unlock()
}

// boundLocked reports whether d is still reachable from the dispatch table.
func (c *conn) boundLocked(d *Dispatcher) bool {
	if c.dispatchDef == d {
		return true
	}
	for _, v := range c.dispatch {
		if v == d {
			return true
		}
	}
	return false
}

func (c *conn) lookup(prog string) *Dispatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.dispatch[prog]; ok {
		return d
	}
	return c.dispatchDef
}

// loop is the receive loop. It reads one frame at a time until the stream
// fails, then closes the connection.
func (c *conn) loop() {
	var err error
	for {
		var f *protocol.Frame
		if f, err = c.dec.Decode(); err != nil {
			break
		}
		switch f.Type {
		case protocol.MsgTypeResponse:
			c.dispatchReply(f)
		case protocol.MsgTypeRequest, protocol.MsgTypeNotify:
			c.dispatchCall(f)
		}
	}

	switch {
	case errors.Is(err, io.EOF):
		c.log.Debug("msgpackrpc: peer closed the stream")
	case c.isOpen():
		c.log.WithError(err).Warn("msgpackrpc: receive failed")
	}
	c.close(err)
}

func (c *conn) dispatchReply(f *protocol.Frame) {
	call := c.removeCall(f.Seq)
	if call == nil {
		// duplicate, stale, or already timed out
		c.log.WithField("seq", f.Seq).Debug("msgpackrpc: response for unknown call")
		return
	}
	if !protocol.IsNil(f.Error) {
		call.Err = decodeRemoteError(f.Error)
	} else {
		call.Result = f.Result
	}
	call.done()
}

func (c *conn) dispatchCall(f *protocol.Frame) {
	notify := f.Type == protocol.MsgTypeNotify
	if notify && c.handleReserved(f) {
		return
	}

	prog := programOf(f.Method)
	d := c.lookup(prog)
	if d == nil {
		entry := c.log.WithFields(logrus.Fields{"method": f.Method, "prog": prog})
		if notify {
			entry.Debug("msgpackrpc: dropping notification for unknown program")
			return
		}
		entry.Info("msgpackrpc: request for unknown program")
		resp := protocol.NewResponse(f.Seq, encodeRejection(StatProgUnavail, "no such program: "+prog), nil)
		if err := c.write(resp); err != nil {
			entry.WithError(err).Debug("msgpackrpc: rejection not sent")
		}
		return
	}

	d.dispatch(newServerCall(d, f))
}

func (c *conn) handleReserved(f *protocol.Frame) bool {
	switch f.Method {
	case pingMethod:
		return true
	case errorMethod:
		var msg string
		if err := c.opts.codec.Decode(f.Param, &msg); err != nil {
			msg = "<undecodable>"
		}
		c.log.WithField("error", msg).Warn("msgpackrpc: peer reported an error")
		return true
	}
	return false
}

// close tears the connection down once: queued frames are dropped, the stream
// is closed, every pending call fails with ErrClosed and every registered
// dispatcher sees EOF.
func (c *conn) close(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = reason
	c.queue = nil
	err := closedErr(reason)
	pending := c.pending
	c.pending = make(map[uint32]*Call)
	dispatchers := c.dispatchers
	c.dispatchers = nil
	c.dispatch = make(map[string]*Dispatcher)
	c.dispatchDef = nil
	c.mu.Unlock()

	if cerr := c.rwc.Close(); cerr != nil {
		c.log.WithError(cerr).Debug("msgpackrpc: close stream")
	}
	for _, call := range pending {
		call.Err = err
		call.done()
	}
	for _, d := range dispatchers {
		d.EOF()
	}
	close(c.done)
}

// programOf returns the leading segment of a method name: "math.add" → "math".
// A method without a dot belongs to the default program "".
func programOf(method string) string {
	prog, _, found := strings.Cut(method, ".")
	if !found {
		return ""
	}
	return prog
}

func containsDispatcher(list []*Dispatcher, d *Dispatcher) bool {
	for _, v := range list {
		if v == d {
			return true
		}
	}
	return false
}

func removeDispatcher(list []*Dispatcher, d *Dispatcher) []*Dispatcher {
	out := list[:0]
	for _, v := range list {
		if v != d {
			out = append(out, v)
		}
	}
	return out
}
