package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Report is a decoded report.options payload. Every field is optional.
type Report struct {
	Underlying *Scalar `json:"underlying" msgpack:"underlying"`
	Expiry     *Scalar `json:"expiry" msgpack:"expiry"`
	Rows       []Row   `json:"rows" msgpack:"rows"`
}

type Row struct {
	Strike *Scalar `json:"strike" msgpack:"strike"`
	Call   *Side   `json:"call" msgpack:"call"`
	Put    *Side   `json:"put" msgpack:"put"`
}

type Side struct {
	Delta *Scalar `json:"delta" msgpack:"delta"`
}

// Scalar holds the display text of a decoded value. Strings lose their
// quotes, JSON numbers keep their wire text.
type Scalar string

func (s *Scalar) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = Scalar(str)
		return nil
	}
	*s = Scalar(b)
	return nil
}

func (s *Scalar) DecodeMsgpack(d *msgpack.Decoder) error {
	v, err := d.DecodeInterface()
	if err != nil {
		return err
	}
	*s = Scalar(fmt.Sprint(v))
	return nil
}

// Or returns the scalar text, or placeholder when the value is absent.
func (s *Scalar) Or(placeholder string) string {
	if s == nil {
		return placeholder
	}
	return string(*s)
}

func (s *Side) delta() *Scalar {
	if s == nil {
		return nil
	}
	return s.Delta
}

var errNullPayload = errors.New("payload is null, want an object")

type Codec interface {
	Name() string
	Decode(payload []byte, r *Report) error
}

func NewCodec(name string) (Codec, error) {
	switch name {
	case CodecJSON:
		return jsonCodec{}, nil
	case CodecMsgpack:
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q (want %s or %s)", name, CodecJSON, CodecMsgpack)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "JSON" }

func (jsonCodec) Decode(payload []byte, r *Report) error {
	if bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		return errNullPayload
	}
	return json.Unmarshal(payload, r)
}

const msgpackNil = 0xc0

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "MessagePack" }

func (msgpackCodec) Decode(payload []byte, r *Report) error {
	if len(payload) == 1 && payload[0] == msgpackNil {
		return errNullPayload
	}
	return msgpack.Unmarshal(payload, r)
}
