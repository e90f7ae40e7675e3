package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"msgpack-rpc/codec"
)

// Transport is the handle applications hold on a connection. It owns the
// lifetime of the receive loop: New starts it, Close stops it.
//
// Clients and Dispatchers share one Transport; all of its methods are safe for
// concurrent use.
type Transport struct {
	c       *conn
	started sync.Once
}

// New binds rwc to a new connection and starts its receive loop.
// The Transport owns rwc from now on and closes it on teardown.
func New(rwc io.ReadWriteCloser, opts ...Option) *Transport {
	t := Wrap(rwc, opts...)
	t.Start()
	return t
}

// Wrap binds rwc to a new connection without reading from it yet, so that
// Dispatchers can be registered before the first inbound frame is seen.
// Call Start to begin receiving.
func Wrap(rwc io.ReadWriteCloser, opts ...Option) *Transport {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Transport{c: newConn(rwc, o)}
}

// Start launches the receive and write loops, and the keepalive ticker when
// configured. Calls after the first are no-ops.
func (t *Transport) Start() {
	t.started.Do(func() {
		go t.c.loop()
		go t.c.writeLoop()
		if d := t.c.opts.keepalive; d > 0 {
			go t.keepaliveLoop(d)
		}
	})
}

// Dial connects to address and wraps the connection in a Transport.
func Dial(ctx context.Context, network, address string, opts ...Option) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("msgpackrpc: dial %s: %w", address, err)
	}
	return New(conn, opts...), nil
}

// Go issues an asynchronous call. The returned Call is delivered on done
// (or on a new buffered channel when done is nil) exactly once. Go never
// waits for the stream: the request is queued for the writer.
func (t *Transport) Go(method string, arg any, done chan *Call) *Call {
	param, err := t.c.opts.codec.Encode(arg)
	if err != nil {
		return t.GoError(method, arg, fmt.Errorf("msgpackrpc: encode %s args: %w", method, err), done)
	}
	call := newCall(method, arg, done, t.c.log)
	t.c.call(call, param)
	return call
}

// GoError completes a Call with err without sending anything, for callers
// that fail before a request can be built. done follows the rules of Go.
func (t *Transport) GoError(method string, arg any, err error, done chan *Call) *Call {
	call := newCall(method, arg, done, t.c.log)
	call.Err = err
	call.done()
	return call
}

// Call issues a call and waits for its result. If ctx ends first the call is
// abandoned and an error wrapping ErrTimeout is returned; a late response
// for it is discarded.
func (t *Transport) Call(ctx context.Context, method string, arg any) (msgpack.RawMessage, error) {
	if d := t.c.opts.callTimeout; d > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	call := t.Go(method, arg, make(chan *Call, 1))
	select {
	case <-ctx.Done():
		if t.c.abandon(call) {
			return nil, fmt.Errorf("%w: %s: %w", ErrTimeout, method, ctx.Err())
		}
		// completed while we were giving up on it
		call = <-call.Done
	case call = <-call.Done:
	}
	return call.Result, call.Err
}

// Notify queues a one-way message. It fails only on a closed connection or
// an unencodable arg.
func (t *Transport) Notify(method string, arg any) error {
	param, err := t.c.opts.codec.Encode(arg)
	if err != nil {
		return fmt.Errorf("msgpackrpc: encode %s args: %w", method, err)
	}
	return t.c.send(method, param)
}

// Register binds d to inbound requests whose method starts with "prog.".
// The empty prog registers the default dispatcher, used when nothing else
// matches. The last registration for a prog wins.
func (t *Transport) Register(prog string, d *Dispatcher) {
	t.c.register(prog, d)
}

// Flush waits until every frame queued so far has been written, or ctx ends.
func (t *Transport) Flush(ctx context.Context) error {
	return t.c.flush(ctx)
}

// Close shuts the connection down at once, failing outstanding calls. Frames
// still queued are dropped; call Flush first to send them.
func (t *Transport) Close() error {
	t.c.close(nil)
	return nil
}

// Done is closed once the connection is torn down.
func (t *Transport) Done() <-chan struct{} { return t.c.done }

// Err returns why the connection closed, or nil while it is open or after
// a local Close.
func (t *Transport) Err() error {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.c.err
}

func (t *Transport) IsOpen() bool { return t.c.isOpen() }

// RemoteAddr is the peer address when the stream is a net.Conn, "-" otherwise.
func (t *Transport) RemoteAddr() string { return t.c.remote }

func (t *Transport) Codec() codec.Codec { return t.c.opts.codec }

// keepaliveLoop sends rpc.ping notifications so idle peers see traffic.
func (t *Transport) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.c.done:
			return
		case <-ticker.C:
			if err := t.c.send(pingMethod, nil); err != nil {
				return
			}
		}
	}
}
