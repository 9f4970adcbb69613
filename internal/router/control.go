package router

import (
	"time"

	"github.com/ChuLiYu/compute-node-agent/internal/wire"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// This file implements session.RouterPort: the narrow surface the
// Session Manager uses to drive the Router. These are direct in-process
// method calls rather than wire traffic over the CONTROL connection —
// the node agent runs Router and Session Manager in the same process,
// so the CONTROL socket exists for the notifications that genuinely
// flow the other way (RouterInfo at connect, forwarded heartbeats,
// computationReady), not for installs the Manager already has a direct
// handle for.

// routingFor returns the session's routing data, preferring ep's own
// cached strong reference over the store's weak one. On a fresh hit
// through the store it caches the result on ep so this connection never
// has to depend on the weak side surviving a GC cycle again. Callers
// with no endpoint to cache on (ep == nil) get a genuinely independent,
// one-shot lookup, which is the only case the weak side is meant to
// serve on its own.
func (r *Router) routingFor(ep *endpoint, session model.SessionID) *model.RoutingData {
	if ep != nil {
		if cached := ep.routing.Load(); cached != nil {
			return cached
		}
	}
	data := r.store.Lookup(session)
	if data != nil && ep != nil {
		ep.routing.Store(data)
	}
	return data
}

// InstallRouting adds the session's routing data to the store. The
// strong reference is dropped immediately after: this call is the only
// synchronous setup step the Manager needs the routing data back for
// (to report any install failure), so from here on every consumer goes
// through the weak side, per the store's two-phase lifecycle.
func (r *Router) InstallRouting(session model.SessionID, data *model.RoutingData) error {
	r.store.Add(session, data)
	r.store.Release(session)
	return nil
}

// ReleaseRouting drops both references and clears the registry's
// per-session state (client endpoint entry, listeners, stash).
func (r *Router) ReleaseRouting(session model.SessionID) error {
	r.store.Delete(session)
	r.registry.RemoveSession(session)
	return nil
}

// SendControl delivers a "go"/"update" control message to a local
// computation's IPC endpoint.
func (r *Router) SendControl(comp model.CompID, control string, payload []byte) error {
	ep, ok := r.registry.Computation(comp)
	if !ok {
		return nil // computation not yet connected; nothing to deliver
	}
	e, ok := ep.(*endpoint)
	if !ok {
		return nil
	}
	msg := wire.ControlMessage{Status: control}
	if len(payload) > 0 {
		_ = wire.UnmarshalPayload(payload, &msg.Data)
	}
	return e.queue.Enqueue(wire.Envelope{Class: wire.ClassControl, Payload: wire.MarshalPayload(msg)})
}

// UpdateAddresser installs the session's client addresser, used only on
// the entry node.
func (r *Router) UpdateAddresser(session model.SessionID, addresser model.ClientAddresser) error {
	var ep *endpoint
	if peer, ok := r.registry.Client(session); ok {
		ep, _ = peer.(*endpoint)
	}
	data := r.routingFor(ep, session)
	if data == nil {
		return nil
	}
	data.SetAddresser(addresser)
	return nil
}

// SignalEngineReady forwards an EngineReady message to the remote
// client with an empty computation destination.
func (r *Router) SignalEngineReady(session model.SessionID, payload []byte) error {
	env := wire.Envelope{
		Class:   wire.ClassEngineReady,
		Payload: wire.MarshalPayload(wire.EngineReadyMessage{}),
	}
	if len(payload) > 0 {
		env.Payload = payload
	}
	r.deliverToClient(session, env)
	return nil
}

// Kick delivers the session's final status to its client (if any),
// drains the send queue for up to 5 seconds, then disconnects, and
// clears the stash.
func (r *Router) Kick(session model.SessionID, reason string) error {
	ep, ok := r.registry.Client(session)
	if !ok {
		r.registry.ClearStash(session)
		return nil
	}
	e, ok := ep.(*endpoint)
	if !ok {
		return nil
	}
	payload := wire.MarshalPayload(wire.SessionStatusMessage{DisconnectReason: reason})
	_ = e.queue.Enqueue(wire.Envelope{Class: wire.ClassSessionStatus, Payload: payload})

	go func() {
		_ = e.queue.DrainFor(e.conn, 5*time.Second)
		r.teardown(e)
	}()
	r.registry.ClearStash(session)
	return nil
}
