// Package codec turns Go values into the opaque payload values carried in
// msgpack-rpc frames, and back.
//
// The transport never inspects a payload. It hands param/result slots to a Codec
// as msgpack.RawMessage, so any Go value the codec can represent can cross the wire.
package codec

import "github.com/vmihailenco/msgpack/v5"

type CodecType byte

const (
	CodecTypeMsgpack     CodecType = 0 // msgpack struct tags, falling back to field names
	CodecTypeMsgpackJSON CodecType = 1 // msgpack encoding driven by `json` struct tags
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeMsgpack:
		return "msgpack"
	case CodecTypeMsgpackJSON:
		return "msgpack+json-tags"
	default:
		return "unknown"
	}
}

// Codec encodes payload values. Implementations must be safe for concurrent use.
type Codec interface {
	Encode(v any) (msgpack.RawMessage, error)
	Decode(data msgpack.RawMessage, v any) error
	Type() CodecType
}

// Default is the codec used when none is configured.
var Default Codec = &MsgpackCodec{}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeMsgpackJSON {
		return &MsgpackCodec{StructTag: "json"}
	}

	return Default
}
