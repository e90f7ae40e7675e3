// Package server exposes programs over msgpack-rpc connections, with
// reflective service registration, a middleware chain, parallel request
// processing and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → ServeConn (transport receive loop reads frames)
//	  → Dispatcher for the method's program
//	    → go handle (one goroutine per request)
//	      → Middleware Chain → service.handle (reflect.Call) → ServerCall.Reply
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"msgpack-rpc/codec"
	"msgpack-rpc/middleware"
	"msgpack-rpc/transport"
)

// Server accepts connections and binds every registered program to each of them.
type Server struct {
	mu          sync.Mutex
	handlers    map[string]transport.Handler // program name → handler
	middlewares []middleware.Middleware      // applied in the order they were added
	listener    net.Listener
	conns       map[*transport.Transport]struct{}

	wg       sync.WaitGroup // in-flight requests, for graceful shutdown
	shutdown atomic.Bool    // set under mu before the listener closes

	log      logrus.FieldLogger
	connOpts []transport.Option
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

// WithTransportOptions applies opts to every accepted connection.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(s *Server) { s.connOpts = append(s.connOpts, opts...) }
}

// WithCodec selects the codec handlers use to decode args and encode replies.
func WithCodec(c codec.Codec) Option {
	return WithTransportOptions(transport.WithCodec(c))
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		handlers: make(map[string]transport.Handler),
		conns:    make(map[*transport.Transport]struct{}),
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes the exported methods of rcvr (e.g. &Arith{}) as the
// program named after its type: "Arith.Add" calls rcvr.Add(args, reply).
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	svr.Handle(svc.name, svc.handle)
	return nil
}

// Handle binds h to prog on every connection accepted from now on. The empty
// prog catches methods no other program claims.
func (svr *Server) Handle(prog string, h transport.Handler) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.handlers[prog]; dup {
		svr.log.WithField("prog", prog).Warn("msgpackrpc: replacing program")
	}
	svr.handlers[prog] = h
}

// Use registers a middleware for connections accepted from now on.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
}

// ServeConn serves rwc until the peer goes away or the server shuts down.
// It returns at once; the Transport can be used to call back into the peer.
func (svr *Server) ServeConn(rwc io.ReadWriteCloser) *transport.Transport {
	opts := append([]transport.Option{transport.WithLogger(svr.log)}, svr.connOpts...)
	t := transport.Wrap(rwc, opts...)

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		t.Close()
		return t
	}
	svr.conns[t] = struct{}{}
	chain := middleware.Chain(svr.middlewares...)
	for prog, h := range svr.handlers {
		transport.NewDispatcher(t, prog, svr.async(chain(h)))
	}
	svr.mu.Unlock()
	t.Start()

	go func() {
		<-t.Done()
		svr.mu.Lock()
		delete(svr.conns, t)
		svr.mu.Unlock()
	}()
	return t
}

// async moves each request off the receive loop so a slow handler does not
// hold up the rest of the connection. Once Shutdown has begun, new requests
// are refused with StatSystemErr and never reach h.
func (svr *Server) async(h transport.Handler) transport.Handler {
	return func(sc *transport.ServerCall) {
		if sc.EOF() {
			h(sc)
			return
		}
		// wg.Add must not race the Wait in Shutdown
		svr.mu.Lock()
		if svr.shutdown.Load() {
			svr.mu.Unlock()
			_ = sc.Reject(transport.StatSystemErr)
			return
		}
		svr.wg.Add(1)
		svr.mu.Unlock()
		go func() {
			defer svr.wg.Done()
			h(sc)
		}()
	}
}

// Serve listens on address and serves every connection accepted there.
func (svr *Server) Serve(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(l)
}

// ServeListener runs the accept loop on l. It returns nil after Shutdown.
func (svr *Server) ServeListener(l net.Listener) error {
	svr.mu.Lock()
	svr.listener = l
	svr.mu.Unlock()
	if svr.shutdown.Load() {
		l.Close()
		return nil
	}

	svr.log.WithField("addr", l.Addr().String()).Info("msgpackrpc: serving")
	for {
		conn, err := l.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.log.WithField("remote", conn.RemoteAddr().String()).Debug("msgpackrpc: accepted connection")
		svr.ServeConn(conn)
	}
}

// Addr is the listening address, nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

var errShutdownTimeout = errors.New("msgpackrpc: timeout waiting for ongoing requests to finish")

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag (requests arriving from now on are refused)
//  2. Close the listener (stop accepting new connections)
//  3. Wait for in-flight requests to finish (with timeout)
//  4. Flush queued replies, then close every connection
func (svr *Server) Shutdown(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	svr.mu.Lock()
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("%w after %v", errShutdownTimeout, timeout)
	}

	svr.mu.Lock()
	conns := make([]*transport.Transport, 0, len(svr.conns))
	for t := range svr.conns {
		conns = append(conns, t)
	}
	svr.mu.Unlock()

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	for _, t := range conns {
		if ferr := t.Flush(ctx); ferr != nil {
			svr.log.WithError(ferr).WithField("remote", t.RemoteAddr()).Debug("msgpackrpc: replies not flushed")
		}
		t.Close()
	}
	return err
}
