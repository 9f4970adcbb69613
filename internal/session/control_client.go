package session

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/ChuLiYu/compute-node-agent/internal/wire"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// ControlClient is the Session Manager's end of the CONTROL connection
// described in the spec's handshake peer kinds: it dials the Router's
// IPC socket as the singleton CONTROL peer and turns the asynchronous
// notifications that arrive on it (RouterInfo, forwarded heartbeats,
// computationReady) into Manager calls. Everything the Manager drives
// synchronously (InstallRouting, Kick, ...) goes through RouterPort's
// direct method calls instead — this connection only carries the
// traffic that genuinely flows Router -> Manager.
type ControlClient struct {
	mgr        *Manager
	socketPath string
	log        *slog.Logger
	retryDelay time.Duration
}

// NewControlClient creates a client bound to the router's IPC socket
// path. Call Run in its own goroutine.
func NewControlClient(mgr *Manager, socketPath string, log *slog.Logger) *ControlClient {
	if log == nil {
		log = slog.Default()
	}
	return &ControlClient{mgr: mgr, socketPath: socketPath, log: log, retryDelay: time.Second}
}

// Run connects and decodes notifications until ctx is cancelled,
// reconnecting after a fixed delay if the connection drops.
func (c *ControlClient) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := net.Dial("unix", c.socketPath)
		if err != nil {
			c.log.Warn("control connection to router failed, retrying", "err", err)
			if !c.sleep(ctx) {
				return
			}
			continue
		}
		if err := c.handshakeAndServe(ctx, conn); err != nil {
			c.log.Warn("control connection to router ended", "err", err)
		}
		conn.Close()
		if !c.sleep(ctx) {
			return
		}
	}
}

func (c *ControlClient) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retryDelay):
		return true
	}
}

func (c *ControlClient) handshakeAndServe(ctx context.Context, conn net.Conn) error {
	if err := wire.WriteHandshake(conn, wire.Handshake{Version: wire.Version, Kind: model.PeerService}); err != nil {
		return err
	}
	reader := wire.NewReader(conn)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		env, err := wire.Decode(reader)
		if err != nil {
			return err
		}
		c.dispatch(env)
	}
}

func (c *ControlClient) dispatch(env wire.Envelope) {
	switch env.Class {
	case wire.ClassRouterInfo:
		var msg wire.RouterInfoMessage
		if err := wire.UnmarshalPayload(env.Payload, &msg); err == nil {
			c.log.Info("router listening", "port", msg.Port)
		}
	case wire.ClassComputationStatus:
		var msg wire.ComputationStatusMessage
		if err := wire.UnmarshalPayload(env.Payload, &msg); err != nil {
			c.log.Error("malformed computation status payload", "err", err)
			return
		}
		c.mgr.HandleComputationReady(msg.CompID)
	case wire.ClassExecutorHeartbeat:
		var msg wire.ExecutorHeartbeatMessage
		if err := wire.UnmarshalPayload(env.Payload, &msg); err != nil {
			c.log.Error("malformed heartbeat payload", "err", err)
			return
		}
		c.mgr.HandleHeartbeat(msg.CompID, msg.Sample)
	default:
		c.log.Debug("unhandled control notification", "class", env.Class)
	}
}
