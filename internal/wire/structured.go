package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/signalsfoundry/uwb-fusion/core"
	"github.com/signalsfoundry/uwb-fusion/model"
)

type vecWire struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
}

func toWire(v core.Vec3) vecWire { return vecWire{X: v.X, Y: v.Y, Z: v.Z} }
func (v vecWire) vec() core.Vec3 { return core.Vec3{X: v.X, Y: v.Y, Z: v.Z} }

type sampleWire struct {
	UUID      string  `json:"uuid" msgpack:"uuid"`
	SessionID string  `json:"session_id" msgpack:"session_id"`
	XYZ       vecWire `json:"xyz" msgpack:"xyz"`
}

// sampleIn mirrors sampleWire with pointers so missing fields are detected.
type sampleIn struct {
	UUID      *string `json:"uuid" msgpack:"uuid"`
	SessionID *string `json:"session_id" msgpack:"session_id"`
	XYZ       *struct {
		X *float64 `json:"x" msgpack:"x"`
		Y *float64 `json:"y" msgpack:"y"`
		Z *float64 `json:"z" msgpack:"z"`
	} `json:"xyz" msgpack:"xyz"`
}

type fusedWire struct {
	UUID         string   `json:"uuid" msgpack:"uuid"`
	SessionID    string   `json:"session_id" msgpack:"session_id"`
	Position     vecWire  `json:"calculated_position" msgpack:"calculated_position"`
	Contributors []string `json:"contributors,omitempty" msgpack:"contributors,omitempty"`
}

func decodeStructuredJSON(topic string, payload []byte) (model.Sample, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	var in sampleIn
	if err := dec.Decode(&in); err != nil {
		return model.Sample{}, decodeErr(topic, "malformed JSON", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return model.Sample{}, decodeErr(topic, "trailing data after JSON object", nil)
	}
	return in.sample(topic)
}

func decodeStructuredMsgpack(topic string, payload []byte) (model.Sample, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields(true)

	var in sampleIn
	if err := dec.Decode(&in); err != nil {
		return model.Sample{}, decodeErr(topic, "malformed msgpack", err)
	}
	if _, err := dec.DecodeInterface(); !errors.Is(err, io.EOF) {
		return model.Sample{}, decodeErr(topic, "trailing data after msgpack map", nil)
	}
	return in.sample(topic)
}

func (in sampleIn) sample(topic string) (model.Sample, error) {
	switch {
	case in.UUID == nil || *in.UUID == "":
		return model.Sample{}, decodeErr(topic, "missing uuid", nil)
	case in.SessionID == nil || *in.SessionID == "":
		return model.Sample{}, decodeErr(topic, "missing session_id", nil)
	case in.XYZ == nil:
		return model.Sample{}, decodeErr(topic, "missing xyz", nil)
	case in.XYZ.X == nil || in.XYZ.Y == nil || in.XYZ.Z == nil:
		return model.Sample{}, decodeErr(topic, "xyz requires x, y and z", nil)
	}
	pos := core.Vec3{X: *in.XYZ.X, Y: *in.XYZ.Y, Z: *in.XYZ.Z}
	if !pos.IsFinite() {
		return model.Sample{}, decodeErr(topic, "xyz is not finite", nil)
	}
	return model.Sample{NodeID: *in.UUID, RoundToken: *in.SessionID, Position: pos}, nil
}

func sampleToWire(s model.Sample) (sampleWire, error) {
	if s.NodeID == "" || s.RoundToken == "" {
		return sampleWire{}, fmt.Errorf("sample requires node id and round token")
	}
	if !s.Position.IsFinite() {
		return sampleWire{}, fmt.Errorf("position %+v is not finite", s.Position)
	}
	return sampleWire{UUID: s.NodeID, SessionID: s.RoundToken, XYZ: toWire(s.Position)}, nil
}

func encodeStructuredJSON(s model.Sample) ([]byte, error) {
	w, err := sampleToWire(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func encodeStructuredMsgpack(s model.Sample) ([]byte, error) {
	w, err := sampleToWire(s)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(w)
}

func fusedToWire(f model.FusedPosition) fusedWire {
	return fusedWire{
		UUID:         f.SourceID,
		SessionID:    f.RoundToken,
		Position:     toWire(f.Position),
		Contributors: f.Contributors,
	}
}

func (w fusedWire) fused() model.FusedPosition {
	return model.FusedPosition{
		SourceID:     w.UUID,
		RoundToken:   w.SessionID,
		Position:     w.Position.vec(),
		Contributors: w.Contributors,
	}
}

func encodeFusedJSON(f model.FusedPosition) ([]byte, error) {
	return json.Marshal(fusedToWire(f))
}

func encodeFusedMsgpack(f model.FusedPosition) ([]byte, error) {
	return msgpack.Marshal(fusedToWire(f))
}

func decodeFusedJSON(topic string, payload []byte) (model.FusedPosition, error) {
	var w fusedWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return model.FusedPosition{}, decodeErr(topic, "malformed JSON", err)
	}
	return w.fused(), nil
}

func decodeFusedMsgpack(topic string, payload []byte) (model.FusedPosition, error) {
	var w fusedWire
	if err := msgpack.Unmarshal(payload, &w); err != nil {
		return model.FusedPosition{}, decodeErr(topic, "malformed msgpack", err)
	}
	return w.fused(), nil
}
