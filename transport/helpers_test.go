package transport

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"msgpack-rpc/protocol"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// peer is the raw far end of a pipe, used to script the remote side frame by frame.
type peer struct {
	t    *testing.T
	conn net.Conn
	dec  *protocol.Decoder
}

func newPeer(t *testing.T, opts ...Option) (*Transport, *peer) {
	t.Helper()
	a, b := net.Pipe()
	tr := New(a, append([]Option{WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(func() {
		tr.Close()
		b.Close()
	})
	return tr, &peer{t: t, conn: b, dec: protocol.NewDecoder(b, 0)}
}

func (p *peer) read() *protocol.Frame {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := p.dec.Decode()
	if err != nil {
		p.t.Fatalf("peer read failed: %v", err)
	}
	return f
}

func (p *peer) write(f *protocol.Frame) {
	p.t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := protocol.Encode(p.conn, f); err != nil {
		p.t.Fatalf("peer write failed: %v", err)
	}
}

// newPair connects two transports back to back.
func newPair(t *testing.T, opts ...Option) (client, server *Transport) {
	t.Helper()
	a, b := net.Pipe()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	client = New(a, opts...)
	server = New(b, opts...)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func raw(t *testing.T, v any) msgpack.RawMessage {
	t.Helper()
	b, err := msgpack.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return b
}

func waitCall(t *testing.T, call *Call) *Call {
	t.Helper()
	select {
	case c := <-call.Done:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("call %s (seq %d) never completed", call.Method, call.Seq)
		return nil
	}
}

func waitClosed(t *testing.T, tr *Transport) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not close")
	}
}

func expectPanic(t *testing.T, target error, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatal("expected a panic")
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, target) {
			t.Fatalf("expected panic wrapping %v, got %v", target, r)
		}
	}()
	f()
}
