package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"msgpack-rpc/middleware"
	"msgpack-rpc/protocol"
	"msgpack-rpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

type Sleeper struct{}

func (s *Sleeper) Sleep(d *time.Duration, reply *bool) error {
	time.Sleep(*d)
	*reply = true
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// startServer serves svr on a loopback listener and shuts it down with the test.
func startServer(t *testing.T, svr *Server) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- svr.ServeListener(l) }()
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		if err := <-errc; err != nil {
			t.Errorf("Serve returned %v after Shutdown", err)
		}
	})
	return l.Addr().String()
}

func dial(t *testing.T, addr string) *transport.Transport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := transport.Dial(ctx, "tcp", addr, transport.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestServer(t *testing.T) {
	svr := NewServer(WithLogger(quietLogger()))
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}
	addr := startServer(t, svr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	param, err := msgpack.Marshal(&Args{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := protocol.Encode(conn, protocol.NewRequest(123, "Arith.Add", param)); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := protocol.NewDecoder(conn, 0).Decode()
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != protocol.MsgTypeResponse {
		t.Fatalf("Expect a response, got %v", f.Type)
	}
	if f.Seq != 123 {
		t.Fatalf("Expect response with seq: 123, got %v", f.Seq)
	}
	if f.Error != nil {
		t.Fatalf("Expect no error, got %x", f.Error)
	}

	var reply Reply
	if err := msgpack.Unmarshal(f.Result, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("Expect result = 3, got %v", reply.Result)
	}
}

func TestServerErrors(t *testing.T) {
	svr := NewServer(WithLogger(quietLogger()))
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	tr := dial(t, startServer(t, svr))

	tests := []struct {
		name     string
		method   string
		arg      any
		rejected bool
		stat     transport.AcceptStat
		message  string
	}{
		{"unknown program", "Nope.Add", &Args{1, 2}, true, transport.StatProgUnavail, ""},
		{"unknown procedure", "Arith.Pow", &Args{1, 2}, true, transport.StatProcUnavail, ""},
		{"garbage args", "Arith.Add", "not a struct", true, transport.StatGarbageArgs, ""},
		{"method error", "Arith.Div", &Args{1, 0}, false, transport.StatSuccess, "divide by zero"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Call(context.Background(), tt.method, tt.arg)
			var re *transport.RemoteError
			if !errors.As(err, &re) {
				t.Fatalf("expect a remote error, got %v", err)
			}
			if re.Rejected() != tt.rejected || re.Stat != tt.stat {
				t.Fatalf("expect stat %v, got %v", tt.stat, re.Stat)
			}
			if tt.message != "" && re.Message != tt.message {
				t.Fatalf("expect message %q, got %q", tt.message, re.Message)
			}
		})
	}
}

func TestRegisterRejectsBadReceivers(t *testing.T) {
	svr := NewServer(WithLogger(quietLogger()))
	if err := svr.Register(Arith{}); err == nil {
		t.Fatal("expect an error for a non-pointer receiver")
	}
	n := 1
	if err := svr.Register(&n); err == nil {
		t.Fatal("expect an error for a pointer to a non-struct")
	}
	type empty struct{}
	if err := svr.Register(&empty{}); err == nil {
		t.Fatal("expect an error for a type without RPC methods")
	}
}

func TestHandleAndMiddleware(t *testing.T) {
	var seen atomic.Int32
	count := func(next transport.Handler) transport.Handler {
		return func(sc *transport.ServerCall) {
			if !sc.EOF() {
				seen.Add(1)
			}
			next(sc)
		}
	}

	svr := NewServer(WithLogger(quietLogger()))
	svr.Use(count)
	svr.Use(middleware.LoggingMiddleware(quietLogger()))
	svr.Handle("echo", func(sc *transport.ServerCall) {
		if sc.EOF() {
			return
		}
		_ = sc.Reply(sc.Arg())
	})
	tr := dial(t, startServer(t, svr))

	res, err := tr.Call(context.Background(), "echo.ping", "hi")
	if err != nil {
		t.Fatal(err)
	}
	var s string
	if err := msgpack.Unmarshal(res, &s); err != nil || s != "hi" {
		t.Fatalf("expect 'hi', got %q (%v)", s, err)
	}
	if seen.Load() != 1 {
		t.Fatalf("expect the middleware to see 1 call, got %d", seen.Load())
	}
}

// The server can call back into a program the client exports on the same connection.
func TestServeConnCallback(t *testing.T) {
	svr := NewServer(WithLogger(quietLogger()))

	a, b := net.Pipe()
	client := transport.New(a, transport.WithLogger(quietLogger()))
	defer client.Close()
	transport.NewDispatcher(client, "cb", func(sc *transport.ServerCall) {
		if sc.EOF() {
			return
		}
		_ = sc.Reply("pong")
	})

	serverSide := svr.ServeConn(b)
	defer svr.Shutdown(time.Second)

	res, err := serverSide.Call(context.Background(), "cb.ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	var s string
	if err := msgpack.Unmarshal(res, &s); err != nil || s != "pong" {
		t.Fatalf("expect 'pong', got %q (%v)", s, err)
	}
}

func TestParallelRequests(t *testing.T) {
	svr := NewServer(WithLogger(quietLogger()))
	if err := svr.Register(&Sleeper{}); err != nil {
		t.Fatal(err)
	}
	tr := dial(t, startServer(t, svr))

	slow := tr.Go("Sleeper.Sleep", 300*time.Millisecond, nil)
	fast := tr.Go("Sleeper.Sleep", time.Duration(0), nil)

	select {
	case <-fast.Done:
	case <-slow.Done:
		t.Fatal("a slow request held up the fast one")
	case <-time.After(5 * time.Second):
		t.Fatal("no request completed")
	}
	if fast.Err != nil {
		t.Fatal(fast.Err)
	}
	<-slow.Done
}

func TestShutdown(t *testing.T) {
	svr := NewServer(WithLogger(quietLogger()))
	if err := svr.Register(&Sleeper{}); err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- svr.ServeListener(l) }()

	tr := dial(t, l.Addr().String())
	call := tr.Go("Sleeper.Sleep", 200*time.Millisecond, nil)
	// let the request reach the handler
	time.Sleep(50 * time.Millisecond)

	if err := svr.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Serve returned %v", err)
	}

	// the in-flight request finished before its connection was closed
	<-call.Done
	if call.Err != nil {
		t.Fatalf("in-flight request failed: %v", call.Err)
	}
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection still open after Shutdown")
	}
	if _, err := net.DialTimeout("tcp", l.Addr().String(), time.Second); err == nil {
		t.Fatal("listener still accepting after Shutdown")
	}
}

func TestShutdownTimeout(t *testing.T) {
	svr := NewServer(WithLogger(quietLogger()))
	if err := svr.Register(&Sleeper{}); err != nil {
		t.Fatal(err)
	}
	tr := dial(t, startServer(t, svr))

	tr.Go("Sleeper.Sleep", time.Second, nil)
	time.Sleep(50 * time.Millisecond)

	if err := svr.Shutdown(10 * time.Millisecond); !errors.Is(err, errShutdownTimeout) {
		t.Fatalf("expect a shutdown timeout, got %v", err)
	}
}

// Requests keep arriving on open connections while Shutdown waits for the
// in-flight ones; Shutdown still finishes well inside its timeout.
func TestShutdownUnderLoad(t *testing.T) {
	svr := NewServer(WithLogger(quietLogger()))
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- svr.ServeListener(l) }()
	tr := dial(t, l.Addr().String())

	var g errgroup.Group
	var answered atomic.Int32
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			for {
				var reply Reply
				res, err := tr.Call(context.Background(), "Arith.Add", &Args{i, 1})
				var re *transport.RemoteError
				switch {
				case err == nil:
					if err := msgpack.Unmarshal(res, &reply); err != nil || reply.Result != i+1 {
						return fmt.Errorf("Arith.Add: got %v (%v)", reply.Result, err)
					}
					answered.Add(1)
				case errors.As(err, &re):
					if re.Stat != transport.StatSystemErr {
						return fmt.Errorf("unexpected rejection %v", re.Stat)
					}
				case errors.Is(err, transport.ErrClosed):
					return nil
				default:
					return err
				}
			}
		})
	}

	for answered.Load() < 100 {
		time.Sleep(time.Millisecond)
	}
	start := time.Now()
	if err := svr.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown under load: %v", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("Shutdown took %v", d)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Serve returned %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRequestAfterShutdownIsRefused(t *testing.T) {
	svr := NewServer(WithLogger(quietLogger()))
	var ran atomic.Bool
	svr.Handle("svc", func(sc *transport.ServerCall) {
		if !sc.EOF() {
			ran.Store(true)
			_ = sc.Reply(nil)
		}
	})

	a, b := net.Pipe()
	client := transport.New(a, transport.WithLogger(quietLogger()))
	defer client.Close()
	srv := svr.ServeConn(b)

	// refuse without tearing the connection down, as Shutdown does first
	svr.mu.Lock()
	svr.shutdown.Store(true)
	svr.mu.Unlock()

	_, err := client.Call(context.Background(), "svc.op", nil)
	var re *transport.RemoteError
	if !errors.As(err, &re) || re.Stat != transport.StatSystemErr {
		t.Fatalf("expect a system error rejection, got %v", err)
	}
	if ran.Load() {
		t.Fatal("handler ran after shutdown began")
	}
	srv.Close()
}

func TestRateLimitSharedAcrossConnections(t *testing.T) {
	svr := NewServer(WithLogger(quietLogger()))
	svr.Use(middleware.RateLimitMiddleware(0.001, 1))
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	addr := startServer(t, svr)

	first := dial(t, addr)
	if _, err := first.Call(context.Background(), "Arith.Add", &Args{1, 2}); err != nil {
		t.Fatal(err)
	}

	_, err := dial(t, addr).Call(context.Background(), "Arith.Add", &Args{1, 2})
	var re *transport.RemoteError
	if !errors.As(err, &re) || re.Stat != transport.StatSystemErr {
		t.Fatalf("expect the second connection to share the exhausted limit, got %v", err)
	}
}
