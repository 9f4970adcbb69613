// Package wire implements the framed message protocol shared by every
// peer connection the Router accepts: the fixed-size handshake block, the
// envelope framing used for every message after that, and a batched
// writer that coalesces outbound frames the way the teacher's
// write-ahead log batches fsyncs.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// Magic identifies the messaging API on the wire. A mismatch is rejected
// with a log line, never a core failure.
const Magic uint32 = 0x41525241 // "ARRA"

// Version is this build's messaging API version.
var Version = ProtocolVersion{Major: 4, Minor: 0, Patch: 0}

// ProtocolVersion is the major/minor/patch triple exchanged at handshake.
// Only a Major mismatch is fatal to the connection; Minor/Patch drift is
// tolerated.
type ProtocolVersion struct {
	Major, Minor, Patch uint8
}

// handshakeWireSize is the fixed size of the registration block: magic(4)
// + version(3) + kind(1) + session(16) + comp(16) + node(16).
const handshakeWireSize = 4 + 3 + 1 + 16 + 16 + 16

// HandshakeTimeout is how long a new connection has to send its
// registration block before the Router gives up on it.
const HandshakeTimeout = 5 * time.Second

// Handshake is the fixed-size registration block every new peer sends
// immediately after connecting.
type Handshake struct {
	Version   ProtocolVersion
	Kind      model.PeerKind
	SessionID model.SessionID // set for CLIENT/EXECUTOR
	CompID    model.CompID    // set for EXECUTOR
	NodeID    model.NodeID    // set for NODE
}

// ErrBadMagic and ErrVersionMismatch reject a handshake without tearing
// down the Router itself.
var (
	ErrBadMagic         = fmt.Errorf("wire: bad magic number")
	ErrVersionMismatch  = fmt.Errorf("wire: incompatible major version")
	ErrHandshakeTimeout = fmt.Errorf("wire: handshake not received in time")
)

// WriteHandshake encodes and writes a registration block.
func WriteHandshake(w io.Writer, h Handshake) error {
	buf := make([]byte, handshakeWireSize)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4], buf[5], buf[6] = h.Version.Major, h.Version.Minor, h.Version.Patch
	buf[7] = byte(h.Kind)
	copy(buf[8:24], h.SessionID[:])
	copy(buf[24:40], h.CompID[:])
	copy(buf[40:56], h.NodeID[:])
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and decodes a registration block, applying
// HandshakeTimeout via the deadline set by the caller on conn.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, handshakeWireSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, err
	}
	if binary.BigEndian.Uint32(buf[0:4]) != Magic {
		return Handshake{}, ErrBadMagic
	}
	h := Handshake{
		Version: ProtocolVersion{Major: buf[4], Minor: buf[5], Patch: buf[6]},
		Kind:    model.PeerKind(buf[7]),
	}
	if h.Version.Major != Version.Major {
		return Handshake{}, ErrVersionMismatch
	}
	copy(h.SessionID[:], buf[8:24])
	copy(h.CompID[:], buf[24:40])
	copy(h.NodeID[:], buf[40:56])
	return h, nil
}

// NewReader wraps r in the buffered reader ReadHandshake and Decode
// read from; kept as a helper so callers can wrap a net.Conn once.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 4096)
}
