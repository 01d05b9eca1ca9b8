package model

import "time"

// Presence is the retained online/offline state a node advertises.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// Valid reports whether p is one of the two literal presence values.
func (p Presence) Valid() bool {
	return p == PresenceOnline || p == PresenceOffline
}

// NodePresence is the coordinator's view of a single node.
type NodePresence struct {
	NodeID    string
	State     Presence
	ChangedAt time.Time
}
