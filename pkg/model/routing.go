package model

import "sync"

// PeerKind identifies what an endpoint connected to the Router is.
type PeerKind uint8

const (
	PeerNone PeerKind = iota
	PeerClient
	PeerNode
	PeerComputation
	PeerService
	PeerListener
)

func (k PeerKind) String() string {
	switch k {
	case PeerClient:
		return "CLIENT"
	case PeerNode:
		return "NODE"
	case PeerComputation:
		return "EXECUTOR"
	case PeerService:
		return "CONTROL"
	case PeerListener:
		return "LISTENER"
	default:
		return "NONE"
	}
}

// Address is a single forwarding destination: session is always set, node
// and computation are optional (a nil pointer is the wire "null").
// A nil Node means "the client"; a non-nil Node equal to this node with a
// non-nil Comp means a local computation; anything else is a remote node.
type Address struct {
	Session SessionID
	Node    *NodeID
	Comp    *CompID
}

// ClientAddresser rewrites a client-originated message's destination list
// based on the session's message routing filter. It exists only on the
// entry node.
type ClientAddresser interface {
	// Route returns the destination addresses for a message with the given
	// routing name and class, originating from the client.
	Route(name string, classID uint16, payload []byte) []Address
}

// RoutingData is the per-session table shared between the Session Manager
// and the Router: the node map (additive-only) plus, on the entry node,
// the client addresser.
type RoutingData struct {
	mu        sync.RWMutex
	SessionID SessionID
	EntryNode NodeID
	nodes     map[NodeID]NodeRoutingInfo
	addresser ClientAddresser // nil unless this node is the entry node
}

// NewRoutingData constructs an empty routing table for a session.
func NewRoutingData(sessionID SessionID, entryNode NodeID) *RoutingData {
	return &RoutingData{
		SessionID: sessionID,
		EntryNode: entryNode,
		nodes:     make(map[NodeID]NodeRoutingInfo),
	}
}

// AddNode inserts a node map entry if it isn't already present. Existing
// entries are never modified or removed — additive-only per the spec.
func (r *RoutingData) AddNode(id NodeID, info NodeRoutingInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[id]; exists {
		return
	}
	r.nodes[id] = info
}

// Node looks up a node map entry.
func (r *RoutingData) Node(id NodeID) (NodeRoutingInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.nodes[id]
	return info, ok
}

// IsEntryNode reports whether the given node is this session's entry node.
func (r *RoutingData) IsEntryNode(id NodeID) bool {
	return r.EntryNode == id
}

// SetAddresser installs the client addresser. Only meaningful on the entry
// node.
func (r *RoutingData) SetAddresser(a ClientAddresser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addresser = a
}

// Addresser returns the installed client addresser, or nil if none.
func (r *RoutingData) Addresser() ClientAddresser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.addresser
}
