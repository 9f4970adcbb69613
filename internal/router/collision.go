package router

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/ChuLiYu/compute-node-agent/internal/wire"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// nodeSlot tracks the in-progress state of a node-to-node connection
// while the collision protocol settles. ready carries an inbound
// connection over to a blocked dialer during the handoff case.
type nodeSlot struct {
	pendingOutbound bool
	ready           chan net.Conn
}

// resolveNodeCollision implements the spec's node-to-node collision
// rule: the final connection always runs from the greater node id to
// the lesser. A single mutex (r.nodeMu) is held across the registry
// lookup and the possibly-new slot creation, guaranteeing exactly one
// final connection per pair regardless of which side dialed first.
func (r *Router) resolveNodeCollision(peerID model.NodeID, conn net.Conn, reader *bufio.Reader) {
	lessThanSelf := model.CompareID(peerID, r.selfNode) < 0

	r.nodeMu.Lock()
	slot, exists := r.nodeConns[peerID]

	switch {
	case !exists && lessThanSelf:
		// We are the greater id: per the rule the final connection must
		// run from us to them. Close the inbound half and become the
		// dialer ourselves.
		slot = &nodeSlot{pendingOutbound: true, ready: make(chan net.Conn, 1)}
		r.nodeConns[peerID] = slot
		r.nodeMu.Unlock()
		conn.Close()
		go r.dialNode(peerID, slot)

	case !exists:
		// peerID > self: accept normally, we are the lesser id.
		r.nodeConns[peerID] = &nodeSlot{}
		r.nodeMu.Unlock()
		r.establishNodeEndpoint(peerID, conn, reader)

	case slot.pendingOutbound && lessThanSelf:
		// We already started dialing out to them; this inbound is the
		// losing half of the same race. Drop it, the outbound completes.
		r.nodeMu.Unlock()
		conn.Close()

	case slot.pendingOutbound:
		// Our own outbound attempt is pending but this inbound carries
		// the winning direction: hand the connection to the blocked
		// dialer instead of establishing it here.
		r.nodeMu.Unlock()
		select {
		case slot.ready <- conn:
		default:
			conn.Close()
		}

	default:
		// A connection for this peer is already established.
		r.nodeMu.Unlock()
		conn.Close()
	}
}

// dialNode performs the outbound half of the collision protocol. If the
// dial loses a race to an inbound handoff, it adopts that connection
// instead of its own.
func (r *Router) dialNode(peerID model.NodeID, slot *nodeSlot) {
	info, ok := r.store.FindNodeInfo(peerID)
	if !ok {
		r.log.Error("no routing info for peer node, cannot dial", "node", peerID)
		r.nodeMu.Lock()
		delete(r.nodeConns, peerID)
		r.nodeMu.Unlock()
		return
	}

	addr := fmt.Sprintf("%s:%d", info.IP, info.Port)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		r.log.Warn("outbound node dial failed, waiting for handoff", "node", peerID, "err", err)
		select {
		case handoff := <-slot.ready:
			r.establishNodeEndpoint(peerID, handoff, wire.NewReader(handoff))
		case <-time.After(5 * time.Second):
			r.nodeMu.Lock()
			delete(r.nodeConns, peerID)
			r.nodeMu.Unlock()
		}
		return
	}

	if err := wire.WriteHandshake(conn, wire.Handshake{
		Version: wire.Version,
		Kind:    model.PeerNode,
		NodeID:  r.selfNode,
	}); err != nil {
		r.log.Error("failed to send node handshake", "node", peerID, "err", err)
		conn.Close()
		r.nodeMu.Lock()
		delete(r.nodeConns, peerID)
		r.nodeMu.Unlock()
		return
	}

	r.establishNodeEndpoint(peerID, conn, wire.NewReader(conn))
}

func (r *Router) establishNodeEndpoint(peerID model.NodeID, conn net.Conn, reader *bufio.Reader) {
	ep := newEndpoint(model.PeerNode, conn, reader)
	ep.nodeID = peerID
	r.registry.TrackNode(peerID, ep)
	r.runEndpoint(ep)
}
