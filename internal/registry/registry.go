// Package registry implements the Peer Registry: thread-safe tables of
// live endpoints (client/node/computation) plus the per-session listener
// list and pending-envelope stash, grounded on the teacher's
// internal/jobmanager.JobManager shape — one mutex, several maps, typed
// sentinel errors — generalized from job states to peer endpoints.
package registry

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/compute-node-agent/internal/wire"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// ErrDuplicatePeer mirrors the teacher's ErrDuplicateJob: a second
// registration attempt for a slot that only tolerates one occupant
// (CONTROL, or a session's CLIENT).
var ErrDuplicatePeer = errors.New("registry: peer already registered")

// Endpoint is the minimal surface the registry needs from a live peer
// connection. The Router's concrete endpoint types implement this; the
// registry never constructs or tears one down itself.
type Endpoint interface {
	Kind() model.PeerKind
}

// Registry is the thread-safe table set described in the spec's Peer
// Registry component.
type Registry struct {
	mu sync.RWMutex

	clients   map[model.SessionID]Endpoint
	nodes     map[model.NodeID]Endpoint
	comps     map[model.CompID]Endpoint
	control   Endpoint
	listeners map[model.SessionID][]Endpoint

	stashMu sync.Mutex
	stash   map[model.SessionID][]wire.Envelope
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		clients:   make(map[model.SessionID]Endpoint),
		nodes:     make(map[model.NodeID]Endpoint),
		comps:     make(map[model.CompID]Endpoint),
		listeners: make(map[model.SessionID][]Endpoint),
		stash:     make(map[model.SessionID][]wire.Envelope),
	}
}

// TrackClient registers the session's client endpoint. A second attempt
// while one is already live is a duplicate.
func (r *Registry) TrackClient(session model.SessionID, ep Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[session]; exists {
		return ErrDuplicatePeer
	}
	r.clients[session] = ep
	return nil
}

// TrackNode registers a peer-node endpoint.
func (r *Registry) TrackNode(node model.NodeID, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[node] = ep
}

// TrackComputation registers a local computation's IPC endpoint.
func (r *Registry) TrackComputation(comp model.CompID, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comps[comp] = ep
}

// TrackControl registers the singleton Session Manager control
// connection. A second attempt is rejected.
func (r *Registry) TrackControl(ep Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.control != nil {
		return ErrDuplicatePeer
	}
	r.control = ep
	return nil
}

// TrackListener adds a passive listener endpoint to a session's list.
func (r *Registry) TrackListener(session model.SessionID, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[session] = append(r.listeners[session], ep)
}

// Client, Node, Computation, and Control look up a live endpoint by id.
func (r *Registry) Client(session model.SessionID) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.clients[session]
	return ep, ok
}

func (r *Registry) Node(node model.NodeID) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.nodes[node]
	return ep, ok
}

func (r *Registry) Computation(comp model.CompID) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.comps[comp]
	return ep, ok
}

func (r *Registry) Control() (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.control, r.control != nil
}

// Listeners returns the passive listener list for a session.
func (r *Registry) Listeners(session model.SessionID) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, len(r.listeners[session]))
	copy(out, r.listeners[session])
	return out
}

// Destroy removes ep from whichever table it lives in and reports what
// kind and id it was, so the caller can emit the right lifecycle
// notification. It is a no-op (ok=false) if ep isn't tracked anywhere.
func (r *Registry) Destroy(ep Endpoint) (kind model.PeerKind, id [16]byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sid, e := range r.clients {
		if e == ep {
			delete(r.clients, sid)
			return model.PeerClient, sid, true
		}
	}
	for nid, e := range r.nodes {
		if e == ep {
			delete(r.nodes, nid)
			return model.PeerNode, nid, true
		}
	}
	for cid, e := range r.comps {
		if e == ep {
			delete(r.comps, cid)
			return model.PeerComputation, cid, true
		}
	}
	if r.control == ep {
		r.control = nil
		return model.PeerService, [16]byte{}, true
	}
	for sid, list := range r.listeners {
		for i, e := range list {
			if e == ep {
				r.listeners[sid] = append(list[:i], list[i+1:]...)
				return model.PeerListener, sid, true
			}
		}
	}
	return model.PeerNone, [16]byte{}, false
}

// RemoveSession clears every table entry belonging to a session: its
// client, its listeners, and its stash. Node and computation tables are
// keyed by node/comp id, not session, and are cleaned up individually as
// their owning endpoints close.
func (r *Registry) RemoveSession(session model.SessionID) {
	r.mu.Lock()
	delete(r.clients, session)
	delete(r.listeners, session)
	r.mu.Unlock()
	r.ClearStash(session)
}

// Stash buffers an envelope destined for a not-yet-connected client.
func (r *Registry) Stash(session model.SessionID, e wire.Envelope) {
	r.stashMu.Lock()
	defer r.stashMu.Unlock()
	r.stash[session] = append(r.stash[session], e)
}

// DrainStash returns and clears the buffered envelopes for a session, in
// arrival order.
func (r *Registry) DrainStash(session model.SessionID) []wire.Envelope {
	r.stashMu.Lock()
	defer r.stashMu.Unlock()
	items := r.stash[session]
	delete(r.stash, session)
	return items
}

// ClearStash discards any buffered envelopes for a session without
// delivering them (session delete, or a kick).
func (r *Registry) ClearStash(session model.SessionID) {
	r.stashMu.Lock()
	defer r.stashMu.Unlock()
	delete(r.stash, session)
}
