package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec encodes values with vmihailenco/msgpack.
//
// StructTag selects the struct tag consulted for field names; empty means the
// library default (`msgpack`). Setting it to "json" lets types already annotated
// for encoding/json travel without a second set of tags.
type MsgpackCodec struct {
	StructTag string
}

func (c *MsgpackCodec) Encode(v any) (msgpack.RawMessage, error) {
	if raw, ok := v.(msgpack.RawMessage); ok {
		return raw, nil
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if c.StructTag != "" {
		enc.SetCustomStructTag(c.StructTag)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *MsgpackCodec) Decode(data msgpack.RawMessage, v any) error {
	if raw, ok := v.(*msgpack.RawMessage); ok {
		*raw = data
		return nil
	}
	if len(data) == 0 {
		// an absent slot decodes like msgpack nil
		data = msgpack.RawMessage{0xc0}
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	if c.StructTag != "" {
		dec.SetCustomStructTag(c.StructTag)
	}
	return dec.Decode(v)
}

func (c *MsgpackCodec) Type() CodecType {
	if c.StructTag == "json" {
		return CodecTypeMsgpackJSON
	}
	return CodecTypeMsgpack
}
