// Package wire converts between bus payloads and model types.
//
// The canonical sample shape is the delimited string
//
//	node_id/round_token/x,y,z
//
// with exactly three '/'-separated fields and exactly three comma-separated
// numeric coordinates. The structured shape {uuid, session_id, xyz:{x,y,z}}
// is accepted as JSON or msgpack when a deployment is configured for it.
// Fused positions are always structured: {uuid, session_id,
// calculated_position:{x,y,z}}.
package wire

import (
	"errors"
	"fmt"
	"strings"

	"github.com/signalsfoundry/uwb-fusion/model"
)

// Format names a payload encoding.
type Format string

const (
	FormatDelimited Format = "delimited"
	FormatJSON      Format = "json"
	FormatMsgpack   Format = "msgpack"
)

// ParseFormat resolves a configured format name. The empty string selects the
// canonical delimited format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatDelimited:
		return FormatDelimited, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatMsgpack:
		return FormatMsgpack, nil
	default:
		return "", fmt.Errorf("unknown wire format %q", s)
	}
}

// ErrDecode classifies every payload rejected by a Decoder.
var ErrDecode = errors.New("decode error")

// DecodeError describes why a payload was rejected.
type DecodeError struct {
	Topic  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode %q: %s", e.Topic, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecode}
	}
	return []error{ErrDecode, e.Err}
}

func decodeErr(topic, reason string, err error) error {
	return &DecodeError{Topic: topic, Reason: reason, Err: err}
}

// Decoder turns a raw payload received on topic into a Sample. It never
// returns a partially populated Sample alongside an error.
type Decoder interface {
	Decode(topic string, payload []byte) (model.Sample, error)
}

// Codec encodes and decodes payloads in a single Format.
type Codec struct {
	format Format
}

var _ Decoder = Codec{}

// NewCodec returns a codec for format.
func NewCodec(format Format) (Codec, error) {
	f, err := ParseFormat(string(format))
	if err != nil {
		return Codec{}, err
	}
	return Codec{format: f}, nil
}

// Format reports the codec's sample format.
func (c Codec) Format() Format { return c.format }

// Decode implements Decoder.
func (c Codec) Decode(topic string, payload []byte) (model.Sample, error) {
	switch c.format {
	case FormatJSON:
		return decodeStructuredJSON(topic, payload)
	case FormatMsgpack:
		return decodeStructuredMsgpack(topic, payload)
	default:
		return decodeDelimited(topic, payload)
	}
}

// EncodeSample renders s in the codec's format.
func (c Codec) EncodeSample(s model.Sample) ([]byte, error) {
	switch c.format {
	case FormatJSON:
		return encodeStructuredJSON(s)
	case FormatMsgpack:
		return encodeStructuredMsgpack(s)
	default:
		return encodeDelimited(s)
	}
}

// EncodeFused renders a fused position. Delimited deployments publish fused
// positions as JSON.
func (c Codec) EncodeFused(f model.FusedPosition) ([]byte, error) {
	if c.format == FormatMsgpack {
		return encodeFusedMsgpack(f)
	}
	return encodeFusedJSON(f)
}

// DecodeFused parses a fused position published by EncodeFused.
func (c Codec) DecodeFused(topic string, payload []byte) (model.FusedPosition, error) {
	if c.format == FormatMsgpack {
		return decodeFusedMsgpack(topic, payload)
	}
	return decodeFusedJSON(topic, payload)
}
