// Package kb keeps the coordinator's view of which sensor nodes are online.
//
// Nodes advertise presence with retained "online"/"offline" messages on
// their status topic, and the broker publishes the node's last will
// ("offline") when it disconnects without saying goodbye. Presence is
// informational: it never changes what the aggregator fuses.
package kb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/signalsfoundry/uwb-fusion/internal/bus"
	"github.com/signalsfoundry/uwb-fusion/internal/logging"
	"github.com/signalsfoundry/uwb-fusion/model"
	"github.com/signalsfoundry/uwb-fusion/timectrl"
)

// EventType indicates what kind of change happened in the registry.
type EventType int

const (
	EventNodeOnline EventType = iota
	EventNodeOffline
)

func (t EventType) String() string {
	if t == EventNodeOnline {
		return "online"
	}
	return "offline"
}

// Event is emitted to subscribers when a node's presence changes.
type Event struct {
	Type     EventType
	Presence model.NodePresence
	Online   int
}

// Registry is an in-memory, thread-safe store of node presence.
type Registry struct {
	mu sync.RWMutex

	clock timectrl.Clock
	log   logging.Logger
	nodes map[string]model.NodePresence

	subs   map[int]func(Event)
	nextID int
}

// NewRegistry constructs an empty registry. A nil clock uses wall time.
func NewRegistry(clock timectrl.Clock, log logging.Logger) *Registry {
	if clock == nil {
		clock = timectrl.Real()
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Registry{
		clock: clock,
		log:   log,
		nodes: make(map[string]model.NodePresence),
		subs:  make(map[int]func(Event)),
	}
}

// Observe records state for nodeID. It reports whether the state changed;
// repeated announcements of the same state are not events.
func (r *Registry) Observe(nodeID string, state model.Presence) (bool, error) {
	if nodeID == "" {
		return false, fmt.Errorf("empty node id")
	}
	if !state.Valid() {
		return false, fmt.Errorf("invalid presence %q for node %q", state, nodeID)
	}

	r.mu.Lock()
	prev, known := r.nodes[nodeID]
	if known && prev.State == state {
		r.mu.Unlock()
		return false, nil
	}
	np := model.NodePresence{NodeID: nodeID, State: state, ChangedAt: r.clock.Now()}
	r.nodes[nodeID] = np
	event := Event{Type: EventNodeOffline, Presence: np, Online: r.onlineLocked()}
	if state == model.PresenceOnline {
		event.Type = EventNodeOnline
	}
	subs := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	// Notify outside the lock so subscribers may call back into the registry.
	for _, sub := range subs {
		sub(event)
	}
	return true, nil
}

// Get returns the presence recorded for nodeID.
func (r *Registry) Get(nodeID string) (model.NodePresence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	np, ok := r.nodes[nodeID]
	return np, ok
}

// List returns a snapshot of every known node, sorted by id.
func (r *Registry) List() []model.NodePresence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]model.NodePresence, 0, len(r.nodes))
	for _, np := range r.nodes {
		res = append(res, np)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].NodeID < res[j].NodeID })
	return res
}

// Online reports how many nodes are currently online.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

func (r *Registry) onlineLocked() int {
	n := 0
	for _, np := range r.nodes {
		if np.State == model.PresenceOnline {
			n++
		}
	}
	return n
}

// Subscribe registers a callback for presence events. It returns an
// unsubscribe function.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// HandleMessage applies one status message. The node id is the last level
// of the topic; an empty payload (a cleared retained message) is ignored.
func (r *Registry) HandleMessage(ctx context.Context, msg bus.Message) error {
	if len(msg.Payload) == 0 {
		return nil
	}
	nodeID := bus.LastLevel(msg.Topic)
	state := model.Presence(strings.TrimSpace(string(msg.Payload)))

	changed, err := r.Observe(nodeID, state)
	if err != nil {
		r.log.Warn(ctx, "ignoring status message",
			logging.String("topic", msg.Topic),
			logging.Err(err),
		)
		return err
	}
	if changed {
		r.log.Info(ctx, "node presence changed",
			logging.String("node", nodeID),
			logging.String("state", string(state)),
			logging.Bool("retained", msg.Retained),
			logging.Int("online", r.Online()),
		)
	}
	return nil
}

// Run consumes status messages until ctx is done or msgs closes.
func (r *Registry) Run(ctx context.Context, msgs <-chan bus.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			_ = r.HandleMessage(ctx, msg)
		}
	}
}
