package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// JSONCodec speaks the flat JSON objects used on the wire, e.g. {"ClientID": 7}.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(msg Message) ([]byte, error) {
	f, err := fields(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

func (JSONCodec) Decode(kind Kind, data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: %s: invalid json", ErrMalformed, kind)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: %s: not an object", ErrMalformed, kind)
	}
	return fromFields(kind, gjsonFields{root: root})
}

type gjsonFields struct {
	root gjson.Result
}

func (g gjsonFields) Int(key string) (int64, bool) {
	r := g.root.Get(gjson.Escape(key))
	if r.Type != gjson.Number {
		return 0, false
	}
	if n, err := strconv.ParseInt(r.Raw, 10, 64); err == nil {
		return n, true
	}
	return integral(r.Num)
}

func (g gjsonFields) String(key string) (string, bool) {
	r := g.root.Get(gjson.Escape(key))
	if r.Type != gjson.String {
		return "", false
	}
	return r.Str, true
}
