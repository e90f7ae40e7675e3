// Package protocol implements the msgpack-rpc frame envelope.
//
// Every message on the stream is a single msgpack array whose first element is
// a tag. msgpack values are self-delimiting, so no length prefix is needed: the
// receiver decodes exactly one array and the next byte starts the next frame.
//
//	REQUEST   [0, seqid, method, param]
//	RESPONSE  [1, seqid, error, result]
//	NOTIFY    [2, method, param]
//
// Payload slots (param, error, result) are carried as msgpack.RawMessage. The
// envelope code never looks inside them.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// MsgType is the tag in the first slot of every frame.
type MsgType byte

const (
	MsgTypeRequest  MsgType = 0 // [0, seqid, method, param]
	MsgTypeResponse MsgType = 1 // [1, seqid, error, result]
	MsgTypeNotify   MsgType = 2 // [2, method, param]
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeNotify:
		return "notify"
	default:
		return fmt.Sprintf("msgtype(%d)", byte(t))
	}
}

// ErrMalformedFrame is wrapped by every decode error caused by a bad envelope,
// as opposed to an I/O failure on the underlying stream.
var ErrMalformedFrame = errors.New("malformed frame")

// DefaultReadBufferSize is the size of the buffered reader placed in front of the stream.
const DefaultReadBufferSize = 4096

// Frame is one decoded wire message. Which fields are meaningful depends on Type:
//
//   - Request:  Seq, Method, Param
//   - Response: Seq, Error, Result (a non-nil Error means the call failed)
//   - Notify:   Method, Param
type Frame struct {
	Type   MsgType
	Seq    uint32
	Method string
	Param  msgpack.RawMessage
	Error  msgpack.RawMessage
	Result msgpack.RawMessage
}

// NewRequest builds a Request frame.
func NewRequest(seq uint32, method string, param msgpack.RawMessage) *Frame {
	return &Frame{Type: MsgTypeRequest, Seq: seq, Method: method, Param: param}
}

// NewResponse builds a Response frame.
func NewResponse(seq uint32, errPayload, result msgpack.RawMessage) *Frame {
	return &Frame{Type: MsgTypeResponse, Seq: seq, Error: errPayload, Result: result}
}

// NewNotify builds a Notify frame.
func NewNotify(method string, param msgpack.RawMessage) *Frame {
	return &Frame{Type: MsgTypeNotify, Method: method, Param: param}
}

// IsNil reports whether a payload slot is absent or holds the msgpack nil value.
func IsNil(raw msgpack.RawMessage) bool {
	return len(raw) == 0 || (len(raw) == 1 && raw[0] == msgpcode.Nil)
}

// Marshal encodes f into a self-contained byte slice.
func Marshal(f *Frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	var err error
	switch f.Type {
	case MsgTypeRequest:
		err = firstErr(
			enc.EncodeArrayLen(4),
			enc.EncodeUint(uint64(f.Type)),
			enc.EncodeUint(uint64(f.Seq)),
			enc.EncodeString(f.Method),
			encodeRaw(enc, f.Param),
		)
	case MsgTypeResponse:
		err = firstErr(
			enc.EncodeArrayLen(4),
			enc.EncodeUint(uint64(f.Type)),
			enc.EncodeUint(uint64(f.Seq)),
			encodeRaw(enc, f.Error),
			encodeRaw(enc, f.Result),
		)
	case MsgTypeNotify:
		err = firstErr(
			enc.EncodeArrayLen(3),
			enc.EncodeUint(uint64(f.Type)),
			enc.EncodeString(f.Method),
			encodeRaw(enc, f.Param),
		)
	default:
		return nil, fmt.Errorf("protocol: cannot encode %v", f.Type)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes a complete frame to w with a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different writers will interleave and corrupt the stream.
func Encode(w io.Writer, f *Frame) error {
	b, err := Marshal(f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func encodeRaw(enc *msgpack.Encoder, raw msgpack.RawMessage) error {
	if len(raw) == 0 {
		return enc.EncodeNil()
	}
	return enc.Encode(raw)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Decoder reads frames one at a time from a byte stream.
// It is not safe for concurrent use; a connection has exactly one reader.
type Decoder struct {
	dec *msgpack.Decoder
}

// NewDecoder returns a Decoder reading from r through a buffer of size bytes.
// A size <= 0 selects DefaultReadBufferSize.
func NewDecoder(r io.Reader, size int) *Decoder {
	if size <= 0 {
		size = DefaultReadBufferSize
	}
	return &Decoder{dec: msgpack.NewDecoder(bufio.NewReaderSize(r, size))}
}

// Decode reads exactly one frame. A clean end of stream before the first byte
// of a frame is reported as io.EOF.
func (d *Decoder) Decode() (*Frame, error) {
	n, err := d.dec.DecodeArrayLen()
	if err != nil {
		return nil, envelopeErr(err)
	}
	if n < 3 || n > 4 {
		return nil, fmt.Errorf("%w: array of %d elements", ErrMalformedFrame, n)
	}

	tag, err := d.dec.DecodeInt64()
	if err != nil {
		return nil, envelopeErr(err)
	}

	f := &Frame{Type: MsgType(tag)}
	switch {
	case tag == int64(MsgTypeRequest) && n == 4:
		if f.Seq, err = d.decodeSeq(); err != nil {
			return nil, err
		}
		if f.Method, err = d.decodeMethod(); err != nil {
			return nil, err
		}
		if f.Param, err = d.decodeRaw(); err != nil {
			return nil, err
		}
	case tag == int64(MsgTypeResponse) && n == 4:
		if f.Seq, err = d.decodeSeq(); err != nil {
			return nil, err
		}
		if f.Error, err = d.decodeRaw(); err != nil {
			return nil, err
		}
		if f.Result, err = d.decodeRaw(); err != nil {
			return nil, err
		}
	case tag == int64(MsgTypeNotify) && n == 3:
		if f.Method, err = d.decodeMethod(); err != nil {
			return nil, err
		}
		if f.Param, err = d.decodeRaw(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: tag %d with %d elements", ErrMalformedFrame, tag, n)
	}
	return f, nil
}

func (d *Decoder) decodeSeq() (uint32, error) {
	seq, err := d.dec.DecodeInt64()
	if err != nil {
		return 0, envelopeErr(err)
	}
	if seq < 0 || seq > math.MaxUint32 {
		return 0, fmt.Errorf("%w: seqid %d out of range", ErrMalformedFrame, seq)
	}
	return uint32(seq), nil
}

func (d *Decoder) decodeMethod() (string, error) {
	m, err := d.dec.DecodeString()
	if err != nil {
		return "", envelopeErr(err)
	}
	return m, nil
}

func (d *Decoder) decodeRaw() (msgpack.RawMessage, error) {
	raw, err := d.dec.DecodeRaw()
	if err != nil {
		return nil, envelopeErr(err)
	}
	if IsNil(raw) {
		return nil, nil
	}
	return raw, nil
}

// envelopeErr keeps stream errors as they are and tags everything else as malformed.
func envelopeErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return err
	}
	if errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
}
