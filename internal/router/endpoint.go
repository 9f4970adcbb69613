package router

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/compute-node-agent/internal/wire"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

const (
	sendQueueDepth   = 256
	sendBatchSize    = 16
	sendFlushInterval = 20 * time.Millisecond
)

// endpoint is one live peer connection: exactly one receive goroutine
// and one send goroutine per endpoint, giving the FIFO-per-endpoint
// ordering guarantee. It implements registry.Endpoint.
type endpoint struct {
	kind   model.PeerKind
	conn   net.Conn
	reader *bufio.Reader
	queue  *wire.SendQueue

	sessionID model.SessionID
	nodeID    model.NodeID
	compID    model.CompID

	// routing caches the session's *model.RoutingData for the lifetime
	// of this connection, mirroring the original's RemoteEndpoint::
	// mRoutingData field. The Routing Store's own copy is only weakly
	// held once install completes, so without this cache a GC cycle
	// could collect a still-live session's routing data out from under
	// every consumer that only ever calls Store.Lookup.
	routing atomic.Pointer[model.RoutingData]

	closeOnce sync.Once
}

func newEndpoint(kind model.PeerKind, conn net.Conn, reader *bufio.Reader) *endpoint {
	return &endpoint{
		kind:   kind,
		conn:   conn,
		reader: reader,
		queue:  wire.NewSendQueue(sendQueueDepth),
	}
}

func (e *endpoint) Kind() model.PeerKind { return e.kind }

// close is idempotent: either the send loop or the receive loop may
// discover the connection is dead first.
func (e *endpoint) close() {
	e.closeOnce.Do(func() {
		e.queue.Close()
		_ = e.conn.Close()
	})
}
