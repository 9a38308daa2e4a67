package publisher

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"raydium-pair-stream/internal/domain"
)

// Codec selects the wire encoding of published envelopes.
type Codec string

// Supported codecs
const (
	CodecJSON    Codec = "json"
	CodecMsgpack Codec = "msgpack"
)

// Valid reports whether the codec is supported.
func (c Codec) Valid() bool {
	return c == CodecJSON || c == CodecMsgpack
}

// Encode serializes the event envelope. The msgpack form carries the same
// map as the JSON form.
func (c Codec) Encode(ev domain.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	switch c {
	case CodecJSON, "":
		return data, nil
	case CodecMsgpack:
		var m map[string]interface{}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		return msgpack.Marshal(normalize(m))
	}
	return nil, fmt.Errorf("unsupported codec %q", c)
}

// Decode parses an envelope produced by Encode.
func (c Codec) Decode(data []byte) (domain.Event, error) {
	var ev domain.Event
	switch c {
	case CodecJSON, "":
		err := json.Unmarshal(data, &ev)
		return ev, err
	case CodecMsgpack:
		var m map[string]interface{}
		if err := msgpack.Unmarshal(data, &m); err != nil {
			return ev, fmt.Errorf("decode msgpack: %w", err)
		}
		js, err := json.Marshal(m)
		if err != nil {
			return ev, err
		}
		err = json.Unmarshal(js, &ev)
		return ev, err
	}
	return ev, fmt.Errorf("unsupported codec %q", c)
}

// normalize turns json.Number into int64 or float64 so msgpack emits
// numeric types.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	return v
}
