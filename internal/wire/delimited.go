package wire

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/signalsfoundry/uwb-fusion/core"
	"github.com/signalsfoundry/uwb-fusion/model"
)

const (
	fieldSep = "/"
	coordSep = ","
)

func decodeDelimited(topic string, payload []byte) (model.Sample, error) {
	if !utf8.Valid(payload) {
		return model.Sample{}, decodeErr(topic, "payload is not valid UTF-8", nil)
	}
	s := string(bytes.TrimSpace(payload))

	parts := strings.Split(s, fieldSep)
	if len(parts) != 3 {
		return model.Sample{}, decodeErr(topic,
			fmt.Sprintf("expected 3 %q-separated fields, got %d", fieldSep, len(parts)), nil)
	}
	nodeID, token, xyz := parts[0], parts[1], parts[2]
	if nodeID == "" {
		return model.Sample{}, decodeErr(topic, "empty node id", nil)
	}
	if token == "" {
		return model.Sample{}, decodeErr(topic, "empty round token", nil)
	}

	coords := strings.Split(xyz, coordSep)
	if len(coords) != 3 {
		return model.Sample{}, decodeErr(topic,
			fmt.Sprintf("expected 3 %q-separated coordinates, got %d", coordSep, len(coords)), nil)
	}
	var v [3]float64
	for i, raw := range coords {
		// ParseFloat also takes hex mantissas and digit separators.
		if strings.ContainsAny(raw, "xXpP_") {
			return model.Sample{}, decodeErr(topic, fmt.Sprintf("coordinate %d is not a decimal number", i), nil)
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return model.Sample{}, decodeErr(topic, fmt.Sprintf("coordinate %d is not numeric", i), err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return model.Sample{}, decodeErr(topic, fmt.Sprintf("coordinate %d is not finite", i), nil)
		}
		v[i] = f
	}

	return model.Sample{
		NodeID:     nodeID,
		RoundToken: token,
		Position:   core.Vec3{X: v[0], Y: v[1], Z: v[2]},
	}, nil
}

func encodeDelimited(s model.Sample) ([]byte, error) {
	if s.NodeID == "" || strings.Contains(s.NodeID, fieldSep) {
		return nil, fmt.Errorf("node id %q cannot be encoded in delimited form", s.NodeID)
	}
	if s.RoundToken == "" || strings.Contains(s.RoundToken, fieldSep) {
		return nil, fmt.Errorf("round token %q cannot be encoded in delimited form", s.RoundToken)
	}
	if !s.Position.IsFinite() {
		return nil, fmt.Errorf("position %+v is not finite", s.Position)
	}
	var b strings.Builder
	b.WriteString(s.NodeID)
	b.WriteString(fieldSep)
	b.WriteString(s.RoundToken)
	b.WriteString(fieldSep)
	b.WriteString(formatFloat(s.Position.X))
	b.WriteString(coordSep)
	b.WriteString(formatFloat(s.Position.Y))
	b.WriteString(coordSep)
	b.WriteString(formatFloat(s.Position.Z))
	return []byte(b.String()), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
