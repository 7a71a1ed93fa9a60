// Package wire implements the fixed-size binary protocol spoken between
// v120irqd and its clients over an AF_UNIX SOCK_SEQPACKET socket.
//
// Every message is exactly one frame: a 4-byte tag followed by the larger
// of the two payload shapes (the 12-byte selector or the 16-byte status
// report), for a 20-byte frame total. SOCK_SEQPACKET preserves message
// boundaries, so there is no length prefix and exactly one Read or Write
// syscall carries one frame.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Tag identifies the kind of frame being sent.
type Tag uint32

const (
	NAK Tag = iota
	ACK
	REQUEST
	RELEASE
	SIGNAL
	STATUS
)

func (t Tag) String() string {
	switch t {
	case NAK:
		return "NAK"
	case ACK:
		return "ACK"
	case REQUEST:
		return "REQUEST"
	case RELEASE:
		return "RELEASE"
	case SIGNAL:
		return "SIGNAL"
	case STATUS:
		return "STATUS"
	default:
		return fmt.Sprintf("Tag(%d)", uint32(t))
	}
}

// Wildcard and sentinel values for Selector fields, carried unchanged from
// the original library header's ANYCRATE/ANYIRQ/ANYVECTOR constants.
const (
	AnyCrate  uint16 = 0xFFFF
	AnyIRQ    uint8  = 0xFE
	AnyVector uint32 = 0xFFFFFFFF
)

// Selector describes either a request for interrupt notification (when one
// or more bits are set in Crate/IRQ, or Vector is AnyVector) or a concrete
// delivered event (exactly one bit in Crate, exactly one bit in IRQ,
// Vector is the real bus-acknowledge value fetched from the backplane).
//
// Unused high bits of Vector must be padded with ones rather than zeros:
// the VME backplane is idle-high, so a D16 interrupter returning 0x1234
// reports a Vector of 0xFFFF1234.
type Selector struct {
	Crate   uint16
	IRQ     uint8
	Vector  uint32
	Payload uint32
}

const selectorWireSize = 2 + 1 + 1 + 4 + 4 // crate, irq, pad, vector, payload

func (s Selector) putTo(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], s.Crate)
	b[2] = s.IRQ
	b[3] = 0
	binary.LittleEndian.PutUint32(b[4:8], s.Vector)
	binary.LittleEndian.PutUint32(b[8:12], s.Payload)
}

func selectorFrom(b []byte) Selector {
	return Selector{
		Crate:   binary.LittleEndian.Uint16(b[0:2]),
		IRQ:     b[2],
		Vector:  binary.LittleEndian.Uint32(b[4:8]),
		Payload: binary.LittleEndian.Uint32(b[8:12]),
	}
}

// Status is the server's answer to a STATUS request.
//
// ClientCount includes the client that asked, matching the documented
// behavior of the original server status report.
type Status struct {
	PID               uint32
	CrateMask         uint32
	ClientCount       uint32
	SubscriptionCount uint32
}

const statusWireSize = 4 + 4 + 4 + 4

func (s Status) putTo(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], s.PID)
	binary.LittleEndian.PutUint32(b[4:8], s.CrateMask)
	binary.LittleEndian.PutUint32(b[8:12], s.ClientCount)
	binary.LittleEndian.PutUint32(b[12:16], s.SubscriptionCount)
}

func statusFrom(b []byte) Status {
	return Status{
		PID:               binary.LittleEndian.Uint32(b[0:4]),
		CrateMask:         binary.LittleEndian.Uint32(b[4:8]),
		ClientCount:       binary.LittleEndian.Uint32(b[8:12]),
		SubscriptionCount: binary.LittleEndian.Uint32(b[12:16]),
	}
}

const (
	tagSize     = 4
	payloadSize = 16 // max(selectorWireSize, statusWireSize)
	// FrameSize is the fixed length of every frame on the wire.
	FrameSize = tagSize + payloadSize
)

// Frame is the decoded form of one wire message. Which of Selector/Status
// is meaningful depends on Tag: REQUEST, RELEASE, and SIGNAL carry a
// Selector; STATUS carries a Status in responses (the request itself
// carries no payload). ACK and NAK carry no payload.
type Frame struct {
	Tag      Tag
	Selector Selector
	Status   Status
}

// Errors returned by Encode/Decode. The dispatcher and client libraries
// translate these into the error kinds of the daemon's error model; they
// are not returned across the wire themselves.
var (
	ErrBadMessage = errors.New("wire: malformed frame")
)

// Encode renders f into a FrameSize byte buffer suitable for a single
// Write to a SOCK_SEQPACKET socket.
func Encode(f Frame) [FrameSize]byte {
	var buf [FrameSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.Tag))
	switch f.Tag {
	case REQUEST, RELEASE, SIGNAL:
		f.Selector.putTo(buf[4:])
	case STATUS:
		f.Status.putTo(buf[4:])
	}
	return buf
}

// Decode parses a FrameSize byte buffer received in a single Read from a
// SOCK_SEQPACKET socket. It never validates tag-specific field values
// (e.g. selector legality); callers check those against table semantics.
func Decode(buf []byte) (Frame, error) {
	if len(buf) != FrameSize {
		return Frame{}, fmt.Errorf("%w: got %d bytes, want %d", ErrBadMessage, len(buf), FrameSize)
	}
	f := Frame{Tag: Tag(binary.LittleEndian.Uint32(buf[0:4]))}
	switch f.Tag {
	case NAK, ACK:
		// no payload
	case REQUEST, RELEASE, SIGNAL:
		f.Selector = selectorFrom(buf[4:])
	case STATUS:
		f.Status = statusFrom(buf[4:])
	default:
		return Frame{}, fmt.Errorf("%w: unknown tag %d", ErrBadMessage, f.Tag)
	}
	return f, nil
}

// HighestSetBit returns the index of the highest set bit in x, the same
// convention as the original library's floor-log2 convenience function:
// HighestSetBit(16) == HighestSetBit(31) == 4, HighestSetBit(0) == -1.
// The dispatcher's own priority sweep scans bits directly and has no need
// for this; it exists for client code that wants to turn a delivered
// single-bit IRQ mask back into a line number.
func HighestSetBit(x uint32) int {
	if x == 0 {
		return -1
	}
	ret := 0
	if x&0xFFFF0000 != 0 {
		ret += 16
		x >>= 16
	}
	if x&0x0000FF00 != 0 {
		ret += 8
		x >>= 8
	}
	if x&0x000000F0 != 0 {
		ret += 4
		x >>= 4
	}
	if x&0x0000000C != 0 {
		ret += 2
		x >>= 2
	}
	if x&0x00000002 != 0 {
		ret++
	}
	return ret
}
