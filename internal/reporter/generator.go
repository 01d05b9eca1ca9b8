package reporter

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/uwb-fusion/core"
)

// Reading is one raw measurement before it is addressed to a node.
type Reading struct {
	RoundToken string
	Position   core.Vec3
}

// Generator produces the measurement to publish at a given instant. A
// hardware-backed implementation would read the ranging board here.
type Generator interface {
	Read(now time.Time) (Reading, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(now time.Time) (Reading, error)

// Read implements Generator.
func (f GeneratorFunc) Read(now time.Time) (Reading, error) { return f(now) }

// tokenLen is the number of characters kept from a fresh UUID.
const tokenLen = 8

// SyntheticGenerator stands in for real ranging hardware. Coordinates sweep
// with wall time:
//
//	x = 1 + t mod 10, y = 5 - t mod 8, z = 3 + t mod 5
//
// where t is seconds since the Unix epoch, each rounded to two decimals. Every
// reading gets a fresh round token.
type SyntheticGenerator struct {
	// NewToken overrides token generation, mainly for tests.
	NewToken func() string
}

// Read implements Generator.
func (g SyntheticGenerator) Read(now time.Time) (Reading, error) {
	t := float64(now.UnixNano()) / float64(time.Second)
	pos := core.Vec3{
		X: 1 + math.Mod(t, 10),
		Y: 5 - math.Mod(t, 8),
		Z: 3 + math.Mod(t, 5),
	}.Round(2)

	token := ""
	if g.NewToken != nil {
		token = g.NewToken()
	} else {
		token = uuid.NewString()[:tokenLen]
	}
	return Reading{RoundToken: token, Position: pos}, nil
}
