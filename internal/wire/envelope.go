package wire

// ============================================================================
// Envelope framing
// Grounded on internal/storage/wal's checksum.go: a CRC32-IEEE checksum
// covering a record's payload, computed the same way, applied here to a
// message frame instead of a WAL record.
// ============================================================================

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// ClassID identifies the type of an envelope's payload. Control,
// heartbeat, and pong classes are handled locally by the Router; the rest
// pass through to their destination unopened.
type ClassID uint16

const (
	ClassOpaque                 ClassID = iota // computation/client-defined payload
	ClassControl                                // "go" / "update" control message
	ClassExecutorHeartbeat
	ClassPong
	ClassPing
	ClassSessionStatus
	ClassEngineReady
	ClassClientConnectionStatus
	ClassComputationStatus
	ClassRouterInfo
	ClassSessionRoutingData
)

// ErrChecksumMismatch means a frame was corrupted in transit.
var ErrChecksumMismatch = fmt.Errorf("wire: envelope checksum mismatch")

// ErrFrameTooLarge guards against a malformed length prefix turning into
// an unbounded allocation.
var ErrFrameTooLarge = fmt.Errorf("wire: frame exceeds maximum size")

// MaxFrameSize bounds a single envelope's encoded size.
const MaxFrameSize = 64 << 20 // 64 MiB

// Envelope is a single framed message: typed content plus routing
// metadata identical for every peer kind.
type Envelope struct {
	Class       ClassID
	From        model.Address
	To          []model.Address
	RoutingName string
	Payload     []byte
}

// checksum computes the CRC32-IEEE checksum over the class id and the
// payload; addresses and routing name are not covered. Same algorithm the teacher's WAL uses for
// its event records.
func checksum(class ClassID, payload []byte) uint32 {
	h := crc32.NewIEEE()
	var classBuf [2]byte
	binary.BigEndian.PutUint16(classBuf[:], uint16(class))
	h.Write(classBuf[:])
	h.Write(payload)
	return h.Sum32()
}

func writeAddress(buf *bytes.Buffer, a model.Address) {
	buf.Write(a.Session[:])
	writeOptionalID(buf, a.Node)
	writeOptionalID(buf, a.Comp)
}

func writeOptionalID(buf *bytes.Buffer, id *model.NodeID) {
	if id == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	buf.Write(id[:])
}

func readAddress(r io.Reader) (model.Address, error) {
	var a model.Address
	if _, err := io.ReadFull(r, a.Session[:]); err != nil {
		return a, err
	}
	node, err := readOptionalID(r)
	if err != nil {
		return a, err
	}
	a.Node = node
	comp, err := readOptionalID(r)
	if err != nil {
		return a, err
	}
	a.Comp = comp
	return a, nil
}

func readOptionalID(r io.Reader) (*model.NodeID, error) {
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, err
	}
	if flag[0] == 0 {
		return nil, nil
	}
	var id model.NodeID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return nil, err
	}
	return &id, nil
}

// Encode serializes an envelope into a single length-prefixed frame:
//
//	[u32 length][u32 checksum][u16 class][from][u16 toCount][to...][u16 nameLen][name][payload]
func Encode(w io.Writer, e Envelope) error {
	var body bytes.Buffer
	var classBuf [2]byte
	binary.BigEndian.PutUint16(classBuf[:], uint16(e.Class))
	body.Write(classBuf[:])
	writeAddress(&body, e.From)

	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(e.To)))
	body.Write(countBuf[:])
	for _, a := range e.To {
		writeAddress(&body, a)
	}

	nameBytes := []byte(e.RoutingName)
	var nameLenBuf [2]byte
	binary.BigEndian.PutUint16(nameLenBuf[:], uint16(len(nameBytes)))
	body.Write(nameLenBuf[:])
	body.Write(nameBytes)

	body.Write(e.Payload)

	sum := checksum(e.Class, e.Payload)

	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(body.Len()))
	binary.BigEndian.PutUint32(header[4:8], sum)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// Decode reads and validates one frame.
func Decode(r io.Reader) (Envelope, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Envelope{}, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	sum := binary.BigEndian.Uint32(header[4:8])
	if length > MaxFrameSize {
		return Envelope{}, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, err
	}
	br := bytes.NewReader(body)

	var classBuf [2]byte
	if _, err := io.ReadFull(br, classBuf[:]); err != nil {
		return Envelope{}, err
	}
	e := Envelope{Class: ClassID(binary.BigEndian.Uint16(classBuf[:]))}

	from, err := readAddress(br)
	if err != nil {
		return Envelope{}, err
	}
	e.From = from

	var countBuf [2]byte
	if _, err := io.ReadFull(br, countBuf[:]); err != nil {
		return Envelope{}, err
	}
	count := binary.BigEndian.Uint16(countBuf[:])
	e.To = make([]model.Address, 0, count)
	for i := uint16(0); i < count; i++ {
		a, err := readAddress(br)
		if err != nil {
			return Envelope{}, err
		}
		e.To = append(e.To, a)
	}

	var nameLenBuf [2]byte
	if _, err := io.ReadFull(br, nameLenBuf[:]); err != nil {
		return Envelope{}, err
	}
	nameLen := binary.BigEndian.Uint16(nameLenBuf[:])
	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(br, nameBytes); err != nil {
		return Envelope{}, err
	}
	e.RoutingName = string(nameBytes)

	payload := make([]byte, br.Len())
	if _, err := io.ReadFull(br, payload); err != nil {
		return Envelope{}, err
	}
	e.Payload = payload

	if checksum(e.Class, e.Payload) != sum {
		return Envelope{}, ErrChecksumMismatch
	}
	return e, nil
}
