package wire

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/signalsfoundry/uwb-fusion/core"
	"github.com/signalsfoundry/uwb-fusion/model"
)

const topic = "home/nodes/node-a"

func mustCodec(t *testing.T, f Format) Codec {
	t.Helper()
	c, err := NewCodec(f)
	if err != nil {
		t.Fatalf("NewCodec(%q): %v", f, err)
	}
	return c
}

func TestDecodeDelimited(t *testing.T) {
	c := mustCodec(t, FormatDelimited)
	got, err := c.Decode(topic, []byte("node-a/3f2a9c1d/1.5,-2,3.25\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := model.Sample{NodeID: "node-a", RoundToken: "3f2a9c1d", Position: core.Vec3{X: 1.5, Y: -2, Z: 3.25}}
	if got != want {
		t.Fatalf("Decode = %+v, want %+v", got, want)
	}
}

func TestDecodeDelimitedRejectsMalformed(t *testing.T) {
	c := mustCodec(t, FormatDelimited)
	cases := map[string]string{
		"two fields":         "a/b",
		"four fields":        "a/b/1,2,3/extra",
		"two coordinates":    "a/b/1,2",
		"four coordinates":   "a/b/1,2,3,4",
		"non-numeric":        "a/b/1,two,3",
		"empty coordinate":   "a/b/1,,3",
		"nan":                "a/b/NaN,1,1",
		"inf":                "a/b/1,+Inf,1",
		"empty node":         "/b/1,2,3",
		"empty token":        "a//1,2,3",
		"empty payload":      "",
		"padded coordinates": "a/b/1, 2,3",
		"binary":             "\xff\xfe/b/1,2,3",
		"hex mantissa":       "a/b/0x1p1,2,3",
		"hex exponent only":  "a/b/1,0X10,3",
		"digit separator":    "a/b/1_000,2,3",
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			s, err := c.Decode(topic, []byte(payload))
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("Decode(%q) err = %v, want ErrDecode", payload, err)
			}
			var de *DecodeError
			if !errors.As(err, &de) || de.Topic != topic {
				t.Fatalf("expected *DecodeError carrying topic, got %v", err)
			}
			if s != (model.Sample{}) {
				t.Fatalf("Decode returned partial sample %+v alongside error", s)
			}
		})
	}
}

func TestDelimitedRoundTrip(t *testing.T) {
	c := mustCodec(t, FormatDelimited)
	in := model.Sample{NodeID: "node-b", RoundToken: "abcd", Position: core.Vec3{X: 10.01, Y: -3, Z: 0.5}}
	payload, err := c.EncodeSample(in)
	if err != nil {
		t.Fatalf("EncodeSample: %v", err)
	}
	if string(payload) != "node-b/abcd/10.01,-3,0.5" {
		t.Fatalf("payload = %q", payload)
	}
	out, err := c.Decode(topic, payload)
	if err != nil || out != in {
		t.Fatalf("Decode = %+v, %v; want %+v", out, err, in)
	}
}

func TestEncodeDelimitedRejectsSeparatorInID(t *testing.T) {
	c := mustCodec(t, FormatDelimited)
	if _, err := c.EncodeSample(model.Sample{NodeID: "a/b", RoundToken: "t"}); err == nil {
		t.Fatalf("expected error for node id containing '/'")
	}
}

func TestDecodeStructuredJSON(t *testing.T) {
	c := mustCodec(t, FormatJSON)
	got, err := c.Decode(topic, []byte(`{"uuid":"node-a","session_id":"s1","xyz":{"x":1,"y":2,"z":3}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.NodeID != "node-a" || got.RoundToken != "s1" || got.Position != (core.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("Decode = %+v", got)
	}

	bad := []string{
		`{"uuid":"node-a","session_id":"s1","xyz":{"x":1,"y":2}}`,
		`{"uuid":"node-a","xyz":{"x":1,"y":2,"z":3}}`,
		`{"uuid":"node-a","session_id":"s1","xyz":{"x":"1","y":2,"z":3}}`,
		`{"uuid":"node-a","session_id":"s1","xyz":{"x":1,"y":2,"z":3},"extra":true}`,
		`{"uuid":"node-a","session_id":"s1","xyz":{"x":1,"y":2,"z":3}} {}`,
		`node-a/s1/1,2,3`,
	}
	for _, payload := range bad {
		if _, err := c.Decode(topic, []byte(payload)); !errors.Is(err, ErrDecode) {
			t.Errorf("Decode(%s) err = %v, want ErrDecode", payload, err)
		}
	}
}

func TestStructuredMsgpackRoundTrip(t *testing.T) {
	c := mustCodec(t, FormatMsgpack)
	in := model.Sample{NodeID: "node-c", RoundToken: "r9", Position: core.Vec3{X: 4, Y: 5, Z: 6}}
	payload, err := c.EncodeSample(in)
	if err != nil {
		t.Fatalf("EncodeSample: %v", err)
	}
	out, err := c.Decode(topic, payload)
	if err != nil || out != in {
		t.Fatalf("Decode = %+v, %v; want %+v", out, err, in)
	}

	partial, err := msgpack.Marshal(map[string]any{"uuid": "node-c", "session_id": "r9"})
	if err != nil {
		t.Fatalf("msgpack.Marshal: %v", err)
	}
	if _, err := c.Decode(topic, partial); !errors.Is(err, ErrDecode) {
		t.Fatalf("Decode partial map err = %v, want ErrDecode", err)
	}
	if _, err := c.Decode(topic, []byte{0xc1}); !errors.Is(err, ErrDecode) {
		t.Fatalf("Decode garbage err = %v, want ErrDecode", err)
	}
}

func TestEncodeFusedJSONShape(t *testing.T) {
	c := mustCodec(t, FormatDelimited)
	payload, err := c.EncodeFused(model.FusedPosition{
		SourceID:   "node-a",
		RoundToken: "s1",
		Position:   core.Vec3{X: 2, Y: 2, Z: 2},
	})
	if err != nil {
		t.Fatalf("EncodeFused: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("fused payload is not JSON: %v", err)
	}
	for _, key := range []string{"uuid", "session_id", "calculated_position"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("fused payload %s missing %q", payload, key)
		}
	}
	if _, ok := raw["contributors"]; ok {
		t.Fatalf("empty contributors should be omitted: %s", payload)
	}

	back, err := c.DecodeFused("home/position", payload)
	if err != nil {
		t.Fatalf("DecodeFused: %v", err)
	}
	if back.Position != (core.Vec3{X: 2, Y: 2, Z: 2}) || back.SourceID != "node-a" {
		t.Fatalf("DecodeFused = %+v", back)
	}
}

func TestFusedMsgpackRoundTrip(t *testing.T) {
	c := mustCodec(t, FormatMsgpack)
	in := model.FusedPosition{SourceID: "a", RoundToken: "t", Position: core.Vec3{X: 1}, Contributors: []string{"a", "b", "c"}}
	payload, err := c.EncodeFused(in)
	if err != nil {
		t.Fatalf("EncodeFused: %v", err)
	}
	out, err := c.DecodeFused("home/position", payload)
	if err != nil {
		t.Fatalf("DecodeFused: %v", err)
	}
	if out.SourceID != "a" || strings.Join(out.Contributors, ",") != "a,b,c" {
		t.Fatalf("DecodeFused = %+v", out)
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatDelimited, "JSON": FormatJSON, " msgpack ": FormatMsgpack} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, err := NewCodec("xml"); err == nil {
		t.Fatalf("expected NewCodec to reject unknown format")
	}
}

func TestNewCodecNormalisesFormatName(t *testing.T) {
	c, err := NewCodec("JSON")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	if c.Format() != FormatJSON {
		t.Fatalf("Format() = %q, want %q", c.Format(), FormatJSON)
	}
	got, err := c.Decode(topic, []byte(`{"uuid":"node-a","session_id":"t1","xyz":{"x":1,"y":2,"z":3}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.NodeID != "node-a" || got.Position != (core.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("Decode = %+v", got)
	}

	mp, err := NewCodec(" MsgPack ")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	fused := model.FusedPosition{SourceID: "a", RoundToken: "t1", Position: core.Vec3{X: 1}}
	payload, err := mp.EncodeFused(fused)
	if err != nil {
		t.Fatalf("EncodeFused: %v", err)
	}
	if json.Valid(payload) {
		t.Fatalf("msgpack codec produced JSON %q", payload)
	}
}
