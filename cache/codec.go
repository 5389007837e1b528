package cache

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts values to and from the bytes stored in the remote tier.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec stores values as UTF-8 JSON text. It is the default so that
// other services reading the same keys can decode them.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// MsgpackCodec stores values as msgpack.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string                       { return "msgpack" }
func (MsgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, errors.Newf("cache: unknown codec %q", name)
	}
}

// Encoded is a value read from the remote or fallback tier that has not yet
// been decoded into a concrete type. Use Get[T] or Decode.
type Encoded struct {
	Data  []byte
	codec Codec
}

// Decode unmarshals the value into v.
func (e Encoded) Decode(v any) error {
	if e.codec == nil {
		return errors.New("cache: encoded value has no codec")
	}
	return e.codec.Unmarshal(e.Data, v)
}

// valid reports whether data decodes at all. Remote values that fail this
// check are treated as misses.
func valid(codec Codec, data []byte) error {
	if _, ok := codec.(JSONCodec); ok {
		if !json.Valid(data) {
			return errors.New("invalid json")
		}
		return nil
	}
	var v any
	return codec.Unmarshal(data, &v)
}
