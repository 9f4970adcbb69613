package router

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/compute-node-agent/internal/registry"
	"github.com/ChuLiYu/compute-node-agent/internal/routingstore"
	"github.com/ChuLiYu/compute-node-agent/internal/wire"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// farEnd pairs a net.Conn with a buffered reader over it, for decoding
// whatever a live endpoint's send queue wrote to the other half of a
// net.Pipe.
type farEnd struct {
	conn   net.Conn
	reader *bufio.Reader
}

// pipeEndpoint wires an in-memory net.Pipe to a live endpoint whose send
// queue is actually drained, so a test can decode whatever the router
// enqueued to it from the far end of the pipe.
func pipeEndpoint(t *testing.T, kind model.PeerKind) (*endpoint, *farEnd) {
	t.Helper()
	server, client := net.Pipe()
	ep := newEndpoint(kind, server, wire.NewReader(server))
	go ep.queue.Run(server, sendBatchSize, sendFlushInterval)
	t.Cleanup(func() { ep.close(); client.Close() })
	return ep, &farEnd{conn: client, reader: wire.NewReader(client)}
}

func TestBroadcastToLocalComputationsReachesAllListeners(t *testing.T) {
	self := model.NewID()
	reg := registry.New()
	store := routingstore.New(nil)
	r := &Router{selfNode: self, registry: reg, store: store, log: noopLogger(), nodeConns: map[model.NodeID]*nodeSlot{}}

	session := model.NewID()
	ep1, dec1 := pipeEndpoint(t, model.PeerComputation)
	ep2, dec2 := pipeEndpoint(t, model.PeerComputation)
	reg.TrackListener(session, ep1)
	reg.TrackListener(session, ep2)

	r.broadcastToLocalComputations(session, wire.Envelope{Class: wire.ClassPing, RoutingName: "ping"})

	for _, dec := range []*farEnd{dec1, dec2} {
		dec.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		env, err := wire.Decode(dec.reader)
		require.NoError(t, err)
		require.Equal(t, "ping", env.RoutingName)
	}
}

func TestDeliverToComputationEnqueuesOnMatch(t *testing.T) {
	self := model.NewID()
	reg := registry.New()
	store := routingstore.New(nil)
	r := &Router{selfNode: self, registry: reg, store: store, log: noopLogger(), nodeConns: map[model.NodeID]*nodeSlot{}}

	comp := model.NewID()
	ep, dec := pipeEndpoint(t, model.PeerComputation)
	reg.TrackComputation(comp, ep)

	r.deliverToComputation(comp, wire.Envelope{Class: wire.ClassControl, RoutingName: "go"})

	dec.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := wire.Decode(dec.reader)
	require.NoError(t, err)
	require.Equal(t, "go", env.RoutingName)
}

func TestAddressedToSelfDetectsSelfNodeNullComp(t *testing.T) {
	self := model.NewID()
	r := &Router{selfNode: self}

	other := model.NewID()
	require.False(t, r.addressedToSelf(wire.Envelope{To: []model.Address{{Node: &other}}}))

	comp := model.NewID()
	require.False(t, r.addressedToSelf(wire.Envelope{To: []model.Address{{Node: &self, Comp: &comp}}}))

	require.True(t, r.addressedToSelf(wire.Envelope{To: []model.Address{{Node: &self}}}))
}

func TestForwardClientOriginatedRoutesThroughRealAddresser(t *testing.T) {
	self := model.NewID()
	reg := registry.New()
	store := routingstore.New(nil)
	r := &Router{selfNode: self, registry: reg, store: store, log: noopLogger(), nodeConns: map[model.NodeID]*nodeSlot{}}

	session := model.NewID()
	comp := model.NewID()

	data := model.NewRoutingData(session, self)
	data.SetAddresser(model.NewMessageFilterAddresser(session, map[string]any{
		"(client)": map[string]any{
			"comp1": "*",
		},
	}, map[string]model.ComputationPlacement{
		"comp1": {CompID: comp, NodeID: self},
	}))
	store.Add(session, data)
	store.Release(session)

	compEp, dec := pipeEndpoint(t, model.PeerComputation)
	compEp.sessionID = session
	compEp.compID = comp
	reg.TrackComputation(comp, compEp)

	from, _ := pipeEndpoint(t, model.PeerClient)
	from.sessionID = session

	r.forwardClientOriginated(from, wire.Envelope{Class: wire.ClassOpaque, RoutingName: "renderData"})

	dec.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := wire.Decode(dec.reader)
	require.NoError(t, err)
	require.Equal(t, "renderData", env.RoutingName)
}

func TestForwardClientOriginatedWithoutAddresserLogsAndDrops(t *testing.T) {
	self := model.NewID()
	reg := registry.New()
	store := routingstore.New(nil)
	r := &Router{selfNode: self, registry: reg, store: store, log: noopLogger(), nodeConns: map[model.NodeID]*nodeSlot{}}

	session := model.NewID()
	data := model.NewRoutingData(session, self)
	store.Add(session, data)
	store.Release(session)

	from, _ := pipeEndpoint(t, model.PeerClient)
	from.sessionID = session

	// No addresser installed: the entry node still has routing data for
	// the session, but forwardClientOriginated must not panic and must
	// not deliver anywhere.
	r.forwardClientOriginated(from, wire.Envelope{Class: wire.ClassOpaque, RoutingName: "renderData"})
}

func TestForwardDropsUnexpectedSelfAddressedControl(t *testing.T) {
	self := model.NewID()
	reg := registry.New()
	store := routingstore.New(nil)
	r := &Router{selfNode: self, registry: reg, store: store, log: noopLogger(), nodeConns: map[model.NodeID]*nodeSlot{}}

	from, _ := pipeEndpoint(t, model.PeerNode)
	// No destination endpoint is registered; forward must return without
	// panicking even though the control message is self-addressed.
	r.forward(from, wire.Envelope{Class: wire.ClassControl, To: []model.Address{{Node: &self}}})
}
