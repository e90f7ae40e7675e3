// Package client issues calls to one remote program over a shared Transport.
//
// A Client is cheap: it holds a program name and a codec, and every method
// call goes straight to the Transport it was built on. Many Clients, for
// different programs, can share one Transport with any number of Dispatchers.
package client

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"msgpack-rpc/codec"
	"msgpack-rpc/transport"
)

type Client struct {
	t     *transport.Transport
	prog  string
	codec codec.Codec
}

// Option configures a Client.
type Option func(*Client)

// WithCodec overrides the codec used for args and replies. By default the
// Client uses the codec of its Transport.
func WithCodec(c codec.Codec) Option {
	return func(cl *Client) { cl.codec = c }
}

// New returns a Client for prog on t. An empty prog sends bare method names.
func New(t *transport.Transport, prog string, opts ...Option) *Client {
	c := &Client{
		t:     t,
		prog:  prog,
		codec: t.Codec(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Program() string { return c.prog }

func (c *Client) Transport() *transport.Transport { return c.t }

func (c *Client) mkMethod(method string) string {
	if c.prog == "" {
		return method
	}
	return c.prog + "." + method
}

// Call invokes method with args and decodes the result into reply. A nil
// reply discards the result; a null result leaves reply untouched.
//
// The error is nil, a *transport.RemoteError, or wraps transport.ErrClosed or
// transport.ErrTimeout; transport.StatusOf classifies it.
func (c *Client) Call(ctx context.Context, method string, args any, reply any) error {
	param, err := c.codec.Encode(args)
	if err != nil {
		return fmt.Errorf("msgpackrpc: encode %s args: %w", c.mkMethod(method), err)
	}
	res, err := c.CallRaw(ctx, method, param)
	if err != nil {
		return err
	}
	if reply == nil || res == nil {
		return nil
	}
	if err := c.codec.Decode(res, reply); err != nil {
		return fmt.Errorf("msgpackrpc: decode %s reply: %w", c.mkMethod(method), err)
	}
	return nil
}

// CallRaw is Call without the codec: param goes on the wire as is and the raw
// result comes back.
func (c *Client) CallRaw(ctx context.Context, method string, param msgpack.RawMessage) (msgpack.RawMessage, error) {
	return c.t.Call(ctx, c.mkMethod(method), param)
}

// Go issues method asynchronously. The returned Call arrives on done, or on
// a fresh buffered channel when done is nil; an unbuffered done panics, as
// with Transport.Go. Its Arg is the encoded args and its Result is read with
// Decode.
func (c *Client) Go(method string, args any, done chan *transport.Call) *transport.Call {
	name := c.mkMethod(method)
	param, err := c.codec.Encode(args)
	if err != nil {
		return c.t.GoError(name, args, fmt.Errorf("msgpackrpc: encode %s args: %w", name, err), done)
	}
	return c.t.Go(name, param, done)
}

// Decode decodes the result of a completed Call into reply.
func (c *Client) Decode(call *transport.Call, reply any) error {
	if call.Err != nil {
		return call.Err
	}
	if reply == nil || call.Result == nil {
		return nil
	}
	return c.codec.Decode(call.Result, reply)
}

// Notify sends method as a one-way message; no reply will come back.
func (c *Client) Notify(method string, args any) error {
	param, err := c.codec.Encode(args)
	if err != nil {
		return fmt.Errorf("msgpackrpc: encode %s args: %w", c.mkMethod(method), err)
	}
	return c.t.Notify(c.mkMethod(method), param)
}
