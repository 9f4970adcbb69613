// Package router implements the Router: the connection surface every
// peer (CLIENT, NODE, EXECUTOR, CONTROL) speaks to, and the forwarding
// core that moves envelopes between them. Grounded on
// original_source/cmd/node/router/NodeRouter.h for the responsibilities
// (accept, resolve a destination to a connection, forward, tear down on
// peer loss) and on the teacher's internal/server for the general shape
// of "a listener accepting connections and dispatching per-connection
// handling to a goroutine," generalized from a single gRPC service
// method to a handshake-negotiated multi-kind peer protocol.
package router

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/compute-node-agent/internal/metrics"
	"github.com/ChuLiYu/compute-node-agent/internal/registry"
	"github.com/ChuLiYu/compute-node-agent/internal/routingstore"
	"github.com/ChuLiYu/compute-node-agent/internal/wire"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// ClientConnectHook is invoked after a client endpoint is successfully
// tracked, letting the Session Manager clear the session's expiration
// deadline without the router package importing internal/session.
type ClientConnectHook func(session model.SessionID)

// Router owns both listening sockets, the peer registry, and the
// routing store, and runs the forwarding algorithm between them.
type Router struct {
	selfNode model.NodeID
	registry *registry.Registry
	store    *routingstore.Store
	log      *slog.Logger
	metrics  *metrics.Collector

	ipcSocketPath string
	ipcListener   net.Listener
	tcpListener   net.Listener
	port          int

	nodeMu    sync.Mutex
	nodeConns map[model.NodeID]*nodeSlot

	onClientConnect ClientConnectHook

	closing chan struct{}
	wg      sync.WaitGroup
}

// New creates a router for selfNode. Listen must be called to start
// accepting connections.
func New(selfNode model.NodeID, reg *registry.Registry, store *routingstore.Store, ipcSocketPath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		selfNode:      selfNode,
		registry:      reg,
		store:         store,
		log:           log,
		ipcSocketPath: ipcSocketPath,
		nodeConns:     make(map[model.NodeID]*nodeSlot),
		closing:       make(chan struct{}),
	}
}

// SetOnClientConnect installs the client-connect hook.
func (r *Router) SetOnClientConnect(hook ClientConnectHook) { r.onClientConnect = hook }

// SetMetrics installs the Prometheus collector the forwarding path
// reports envelope outcomes to. Nil (the default) disables reporting.
func (r *Router) SetMetrics(c *metrics.Collector) { r.metrics = c }

// Listen opens the IPC socket (local filesystem, 0700) and a TCP socket
// on an ephemeral port, and starts their accept loops. Port() reports
// the TCP port chosen once this returns.
func (r *Router) Listen() error {
	_ = os.Remove(r.ipcSocketPath)
	ipcLn, err := net.Listen("unix", r.ipcSocketPath)
	if err != nil {
		return fmt.Errorf("router: ipc listen: %w", err)
	}
	if err := os.Chmod(r.ipcSocketPath, 0o700); err != nil {
		ipcLn.Close()
		return fmt.Errorf("router: chmod ipc socket: %w", err)
	}
	r.ipcListener = ipcLn

	tcpLn, err := net.Listen("tcp", ":0")
	if err != nil {
		ipcLn.Close()
		return fmt.Errorf("router: tcp listen: %w", err)
	}
	r.tcpListener = tcpLn
	r.port = tcpLn.Addr().(*net.TCPAddr).Port

	r.wg.Add(2)
	go r.acceptLoop(r.ipcListener)
	go r.acceptLoop(r.tcpListener)
	return nil
}

// Port returns the TCP port the Router is listening on.
func (r *Router) Port() int { return r.port }

// Close stops accepting new connections, tears down both listeners, and
// closes every live endpoint so its send/receive goroutines exit. The IPC
// socket file is removed per the spec's resource-acquisition policy.
func (r *Router) Close() {
	close(r.closing)
	if r.ipcListener != nil {
		r.ipcListener.Close()
	}
	if r.tcpListener != nil {
		r.tcpListener.Close()
	}
	r.wg.Wait()
	_ = os.Remove(r.ipcSocketPath)
}

// acceptLoop uses a bounded poll deadline so Close is prompt, matching
// the spec's ~1s accept-loop deadline for shutdown responsiveness.
func (r *Router) acceptLoop(ln net.Listener) {
	defer r.wg.Done()
	type deadlineSetter interface {
		SetDeadline(time.Time) error
	}
	for {
		select {
		case <-r.closing:
			return
		default:
		}
		if ds, ok := ln.(deadlineSetter); ok {
			_ = ds.SetDeadline(time.Now().Add(time.Second))
		}
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-r.closing:
				return
			default:
				r.log.Warn("accept failed", "err", err)
				continue
			}
		}
		go r.handleConn(conn)
	}
}

// handleConn reads the fixed-size handshake and dispatches to the
// per-kind state machine. A bad magic or major-version mismatch is
// logged and the connection closed; it never brings the router down.
func (r *Router) handleConn(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(wire.HandshakeTimeout))
	reader := wire.NewReader(conn)
	hs, err := wire.ReadHandshake(reader)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		r.log.Warn("handshake rejected", "err", err, "remote", conn.RemoteAddr())
		conn.Close()
		return
	}

	switch hs.Kind {
	case model.PeerService:
		r.acceptControl(conn, reader)
	case model.PeerClient:
		r.acceptClient(conn, reader, hs)
	case model.PeerComputation:
		r.acceptComputation(conn, reader, hs)
	case model.PeerNode:
		r.resolveNodeCollision(hs.NodeID, conn, reader)
	default:
		r.log.Warn("handshake carried unknown peer kind", "kind", hs.Kind)
		conn.Close()
	}
}

func (r *Router) acceptControl(conn net.Conn, reader *bufio.Reader) {
	ep := newEndpoint(model.PeerService, conn, reader)
	if err := r.registry.TrackControl(ep); err != nil {
		r.log.Warn("duplicate control connection rejected", "err", err)
		conn.Close()
		return
	}
	r.runEndpoint(ep)

	info := wire.RouterInfoMessage{Port: r.port}
	_ = ep.queue.Enqueue(wire.Envelope{Class: wire.ClassRouterInfo, Payload: wire.MarshalPayload(info)})
}

func (r *Router) acceptClient(conn net.Conn, reader *bufio.Reader, hs wire.Handshake) {
	session := hs.SessionID
	ep := newEndpoint(model.PeerClient, conn, reader)
	ep.sessionID = session

	data := r.routingFor(ep, session)
	if data == nil {
		r.log.Warn("client connected to unknown or defunct session", "session", session)
		r.briefKick(ep, "session not found")
		return
	}

	if err := r.registry.TrackClient(session, ep); err != nil {
		r.log.Warn("duplicate client rejected", "session", session, "err", err)
		conn.Close()
		return
	}
	r.runEndpoint(ep)

	for _, stashed := range r.registry.DrainStash(session) {
		_ = ep.queue.Enqueue(stashed)
	}

	if r.onClientConnect != nil {
		r.onClientConnect(session)
	}
}

func (r *Router) acceptComputation(conn net.Conn, reader *bufio.Reader, hs wire.Handshake) {
	ep := newEndpoint(model.PeerComputation, conn, reader)
	ep.compID = hs.CompID
	ep.sessionID = hs.SessionID
	r.registry.TrackComputation(hs.CompID, ep)
	r.registry.TrackListener(hs.SessionID, ep)
	r.runEndpoint(ep)

	if ctl, ok := r.registry.Control(); ok {
		status := wire.ComputationStatusMessage{CompID: hs.CompID, Status: "ready"}
		env := wire.Envelope{Class: wire.ClassComputationStatus, Payload: wire.MarshalPayload(status)}
		if controlEP, ok := ctl.(*endpoint); ok {
			_ = controlEP.queue.Enqueue(env)
		}
	}
}

// runEndpoint starts the endpoint's send and receive goroutines, plus a
// watcher that tears the endpoint down when the Router closes.
func (r *Router) runEndpoint(ep *endpoint) {
	r.wg.Add(2)
	received := make(chan struct{})
	go r.runSend(ep)
	go func() {
		defer close(received)
		r.runReceive(ep)
	}()
	go func() {
		select {
		case <-r.closing:
			r.teardown(ep)
		case <-received:
		}
	}()
}

func (r *Router) runSend(ep *endpoint) {
	defer r.wg.Done()
	if err := ep.queue.Run(ep.conn, sendBatchSize, sendFlushInterval); err != nil {
		r.log.Debug("endpoint send loop ended", "kind", ep.kind, "err", err)
	}
	r.teardown(ep)
}

func (r *Router) runReceive(ep *endpoint) {
	defer r.wg.Done()
	for {
		env, err := wire.Decode(ep.reader)
		if err != nil {
			r.log.Debug("endpoint receive loop ended", "kind", ep.kind, "err", err)
			r.teardown(ep)
			return
		}
		r.forward(ep, env)
	}
}

// teardown removes ep from the registry and closes it. Both loops call
// this; endpoint.close is idempotent so double-teardown is harmless.
func (r *Router) teardown(ep *endpoint) {
	ep.close()
	kind, id, ok := r.registry.Destroy(ep)
	if !ok {
		return
	}
	if kind == model.PeerComputation {
		// A computation is also on its session's listener list.
		r.registry.Destroy(ep)
	}
	if kind == model.PeerNode {
		r.nodeMu.Lock()
		delete(r.nodeConns, model.NodeID(id))
		r.nodeMu.Unlock()
	}
}

// briefKick is used when a client connects to a session the router
// doesn't know about: deliver the final status, drain for up to 5s,
// disconnect. Only acceptClient calls it; the control surface's Kick
// carries its own copy of this sequence.
func (r *Router) briefKick(ep *endpoint, reason string) {
	payload := wire.MarshalPayload(wire.SessionStatusMessage{DisconnectReason: reason})
	env := wire.Envelope{Class: wire.ClassSessionStatus, Payload: payload}
	_ = wire.Encode(ep.conn, env)
	_ = ep.queue.DrainFor(ep.conn, 5*time.Second)
	ep.close()
}
