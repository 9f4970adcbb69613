package router

import (
	"net"

	"github.com/ChuLiYu/compute-node-agent/internal/wire"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// forward is the Router's core dispatch: classes that need local
// handling are peeled off first, everything else is parsed into
// destination addresses and routed.
func (r *Router) forward(from *endpoint, env wire.Envelope) {
	switch env.Class {
	case wire.ClassExecutorHeartbeat:
		r.handleHeartbeat(from, env)
		return
	case wire.ClassPong:
		return
	case wire.ClassControl:
		if r.addressedToSelf(env) {
			r.log.Warn("unexpected control message addressed to this node", "from", env.From)
			return
		}
	}

	if from.kind == model.PeerClient && len(env.To) == 0 {
		r.forwardClientOriginated(from, env)
		return
	}

	for _, addr := range env.To {
		switch {
		case addr.Node == nil:
			r.deliverToClient(addr.Session, env)
		case *addr.Node == r.selfNode && addr.Comp != nil:
			r.deliverToComputation(*addr.Comp, env)
		default:
			r.deliverToNode(*addr.Node, env)
		}
	}
}

// addressedToSelf reports whether a control message names this node and
// no computation, the "{self-node, null}" shape the spec calls out as
// unexpected (control messages are normally consumed by whichever peer
// they're meant for before reaching the forwarding path at all).
func (r *Router) addressedToSelf(env wire.Envelope) bool {
	for _, addr := range env.To {
		if addr.Node != nil && *addr.Node == r.selfNode && addr.Comp == nil {
			return true
		}
	}
	return false
}

// forwardClientOriginated handles a message whose destination list is
// empty because the Client endpoint leaves addressing to the session's
// addresser: Ping is broadcast to every local computation, everything
// else is filtered through the addresser.
func (r *Router) forwardClientOriginated(from *endpoint, env wire.Envelope) {
	if env.Class == wire.ClassPing {
		r.broadcastToLocalComputations(from.sessionID, env)
		return
	}

	data := r.routingFor(from, from.sessionID)
	if data == nil || data.Addresser() == nil {
		r.log.Error("client message with no addresser available", "session", from.sessionID)
		r.markDropped("no_addresser")
		return
	}
	for _, addr := range data.Addresser().Route(env.RoutingName, uint16(env.Class), env.Payload) {
		switch {
		case addr.Node == nil:
			r.deliverToClient(addr.Session, env)
		case *addr.Node == r.selfNode && addr.Comp != nil:
			r.deliverToComputation(*addr.Comp, env)
		default:
			r.deliverToNode(*addr.Node, env)
		}
	}
}

func (r *Router) broadcastToLocalComputations(session model.SessionID, env wire.Envelope) {
	for _, ep := range r.registry.Listeners(session) {
		if e, ok := ep.(*endpoint); ok {
			r.enqueue(e, env)
		}
	}
}

// deliverToClient enqueues to the client endpoint if this node hosts
// it, stashes if the client hasn't attached yet, or forwards on to the
// entry node when this isn't it.
func (r *Router) deliverToClient(session model.SessionID, env wire.Envelope) {
	var ep *endpoint
	if peer, ok := r.registry.Client(session); ok {
		ep, _ = peer.(*endpoint)
	}
	data := r.routingFor(ep, session)
	if data == nil {
		r.log.Warn("no routing data for client-directed envelope", "session", session)
		r.markDropped("no_routing_data")
		return
	}
	if !data.IsEntryNode(r.selfNode) {
		r.deliverToNode(data.EntryNode, env)
		return
	}
	if ep != nil {
		r.enqueue(ep, env)
		return
	}
	r.registry.Stash(session, env)
	if r.metrics != nil {
		r.metrics.EnvelopeStashed()
	}
}

func (r *Router) deliverToComputation(comp model.CompID, env wire.Envelope) {
	ep, ok := r.registry.Computation(comp)
	if !ok {
		r.log.Error("computation destination not registered on this node", "comp", comp)
		r.markDropped("computation_not_registered")
		return
	}
	if e, ok := ep.(*endpoint); ok {
		r.enqueue(e, env)
	}
}

// deliverToNode looks up an existing node connection, or builds one
// under the node mutex per the spec's "acquire the node-connection
// mutex, re-check, and if still absent build a new outbound endpoint"
// algorithm.
func (r *Router) deliverToNode(nodeID model.NodeID, env wire.Envelope) {
	if ep, ok := r.registry.Node(nodeID); ok {
		if e, ok := ep.(*endpoint); ok {
			r.enqueue(e, env)
			return
		}
	}

	r.nodeMu.Lock()
	if ep, ok := r.registry.Node(nodeID); ok {
		r.nodeMu.Unlock()
		if e, ok := ep.(*endpoint); ok {
			r.enqueue(e, env)
		}
		return
	}
	if _, pending := r.nodeConns[nodeID]; pending {
		r.nodeMu.Unlock()
		r.log.Warn("node connection still pending, dropping envelope", "node", nodeID)
		r.markDropped("node_pending")
		return
	}
	slot := &nodeSlot{pendingOutbound: true, ready: make(chan net.Conn, 1)}
	r.nodeConns[nodeID] = slot
	r.nodeMu.Unlock()

	// dialNode blocks until the outbound connection is established (or
	// a simultaneous inbound wins the handoff, or both time out), per
	// the spec's "build a new outbound endpoint... enqueue under the
	// same mutex" — we don't literally hold nodeMu across the dial
	// itself (that would stall every other node's forwarding), but the
	// enqueue below only proceeds once the slot has settled.
	r.dialNode(nodeID, slot)

	if ep, ok := r.registry.Node(nodeID); ok {
		if e, ok := ep.(*endpoint); ok {
			r.enqueue(e, env)
			return
		}
	}
	r.log.Error("failed to establish outbound node connection, dropping envelope", "node", nodeID)
	r.markDropped("node_unreachable")
}

func (r *Router) enqueue(ep *endpoint, env wire.Envelope) {
	if err := ep.queue.Enqueue(env); err != nil {
		r.log.Debug("enqueue on closed endpoint dropped envelope", "kind", ep.kind)
		r.markDropped("endpoint_closed")
		return
	}
	if r.metrics != nil {
		r.metrics.EnvelopeForwarded()
	}
}

func (r *Router) markDropped(reason string) {
	if r.metrics != nil {
		r.metrics.EnvelopeDropped(reason)
	}
}

func (r *Router) handleHeartbeat(from *endpoint, env wire.Envelope) {
	var msg wire.ExecutorHeartbeatMessage
	if err := wire.UnmarshalPayload(env.Payload, &msg); err != nil {
		r.log.Error("malformed heartbeat payload", "err", err)
		return
	}
	ctl, ok := r.registry.Control()
	if !ok {
		return
	}
	node := r.selfNode
	synthesized := wire.Envelope{
		Class:   wire.ClassExecutorHeartbeat,
		From:    model.Address{Session: from.sessionID, Node: &node, Comp: &from.compID},
		Payload: env.Payload,
	}
	if e, ok := ctl.(*endpoint); ok {
		r.enqueue(e, synthesized)
	}
}
