package transport

import (
	"time"

	"github.com/sirupsen/logrus"

	"msgpack-rpc/codec"
)

// Option configures a Transport.
type Option func(*options)

type options struct {
	logger         logrus.FieldLogger
	codec          codec.Codec
	callTimeout    time.Duration
	keepalive      time.Duration
	readBufferSize int
}

func defaultOptions() *options {
	return &options{
		logger: logrus.StandardLogger(),
		codec:  codec.Default,
	}
}

// WithLogger sets the logger; connection fields are added to every entry.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithCodec sets the codec used for call arguments, results and ServerCall payloads.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithCallTimeout bounds every Transport.Call that is issued with a context
// lacking its own deadline. Zero, the default, means calls wait for their
// response or for the connection to die.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithKeepalive sends an rpc.ping notification every d. Zero disables it.
func WithKeepalive(d time.Duration) Option {
	return func(o *options) { o.keepalive = d }
}

// WithReadBufferSize sets the size of the buffered reader in front of the stream.
func WithReadBufferSize(n int) Option {
	return func(o *options) { o.readBufferSize = n }
}
