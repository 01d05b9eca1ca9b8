package model

import (
	"time"

	"github.com/signalsfoundry/uwb-fusion/core"
)

// Sample is one ranging report from a sensor node.
type Sample struct {
	NodeID     string
	RoundToken string // opaque; not guaranteed to agree across nodes
	Position   core.Vec3

	// ReceivedAt is stamped by the coordinator on arrival. It never travels
	// on the wire.
	ReceivedAt time.Time
}

// FusedPosition is the combined estimate for one aggregation round.
type FusedPosition struct {
	SourceID   string
	RoundToken string
	Position   core.Vec3

	// Contributors lists the node ids whose samples were fused, sorted.
	Contributors []string
}
