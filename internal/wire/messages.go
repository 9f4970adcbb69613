package wire

import (
	"encoding/json"

	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// Every payload type below is JSON-encoded into an Envelope.Payload, the
// same encoding the teacher's WAL uses for its event records. Payload
// classes not listed here (ClassOpaque) are opaque bytes the agent never
// interprets.

// ControlMessage is the "go"/"update" message sent to a computation.
type ControlMessage struct {
	Status string         `json:"status"` // "go" or "update"
	Data   map[string]any `json:"data,omitempty"`
}

// RouterInfoMessage tells the Session Manager which TCP port the Router
// bound for node/client connections, sent immediately after a CONTROL
// peer's handshake completes.
type RouterInfoMessage struct {
	Port int `json:"port"`
}

// RoutingAction is one of the four SessionRoutingData actions exchanged
// between the Session Manager and the Router.
type RoutingAction string

const (
	RoutingInitialize RoutingAction = "Initialize"
	RoutingUpdate     RoutingAction = "Update"
	RoutingDelete     RoutingAction = "Delete"
	RoutingAcknowledge RoutingAction = "Acknowledge"
)

// SessionRoutingDataMessage installs, updates, or deletes a session's
// routing table, and carries the Router's acknowledgement back.
type SessionRoutingDataMessage struct {
	Action    RoutingAction              `json:"action"`
	SessionID model.SessionID            `json:"sessionId"`
	EntryNode model.NodeID               `json:"entryNode,omitempty"`
	Nodes     map[model.NodeID]model.NodeRoutingInfo `json:"nodes,omitempty"`
}

// SessionStatusMessage is the final status delivered to a client that
// connects to a session which has already been deleted or is otherwise
// unreachable.
type SessionStatusMessage struct {
	DisconnectReason string `json:"disconnectReason"`
}

// EngineReadyMessage carries no computation destination; it means
// "deliver to the remote client".
type EngineReadyMessage struct {
	Data map[string]any `json:"data,omitempty"`
}

// ClientConnectionStatusMessage informs the Session Manager the client
// connected or disconnected.
type ClientConnectionStatusMessage struct {
	Reason string `json:"reason"` // "connected", "disconnected", ...
}

// ComputationStatusMessage announces a computation is ready. mStatus is
// faithfully serialized (Open Question resolved in DESIGN.md) rather than
// silently dropped.
type ComputationStatusMessage struct {
	CompID model.CompID `json:"compId"`
	Status string       `json:"status"` // always "ready" today
}

// ExecutorHeartbeatMessage is the periodic sample a computation
// subprocess reports over its IPC connection.
type ExecutorHeartbeatMessage struct {
	CompID model.CompID          `json:"compId"`
	Sample model.HeartbeatSample `json:"sample"`
}

// MarshalPayload JSON-encodes a message struct for use as an
// Envelope.Payload.
func MarshalPayload(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every payload type here is a plain struct of JSON-safe fields;
		// a marshal failure would be a programming error, not a runtime
		// condition callers should have to check for.
		panic("wire: payload marshal: " + err.Error())
	}
	return b
}

// UnmarshalPayload decodes an Envelope.Payload into v.
func UnmarshalPayload(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}
