package connector

import (
	"fmt"

	"github.com/mdlayher/netlink/nlenc"
)

// field is a fixed byte range [start, end) inside a message.
type field struct {
	start, end int
}

func (f field) uint16(b []byte) uint16 { return nlenc.Uint16(b[f.start:f.end]) }
func (f field) uint32(b []byte) uint32 { return nlenc.Uint32(b[f.start:f.end]) }
func (f field) uint64(b []byte) uint64 { return nlenc.Uint64(b[f.start:f.end]) }

func (f field) putUint16(b []byte, v uint16) { nlenc.PutUint16(b[f.start:f.end], v) }
func (f field) putUint32(b []byte, v uint32) { nlenc.PutUint32(b[f.start:f.end], v) }
func (f field) putUint64(b []byte, v uint64) { nlenc.PutUint64(b[f.start:f.end], v) }

// struct cn_msg
var (
	idxField   = field{0, 4}
	valField   = field{4, 8}
	seqField   = field{8, 12}
	ackField   = field{12, 16}
	lenField   = field{16, 18}
	flagsField = field{18, 20}
)

const dataOffset = HeaderLen

// struct proc_event header
var (
	whatField      = field{0, 4}
	cpuField       = field{4, 8}
	timestampField = field{8, 16}
)

const eventPayloadOffset = EventHeaderLen

var mcastOpField = field{0, 4}

// need reports a truncation error for section when b is shorter than n.
func need(section string, b []byte, n int) error {
	if len(b) < n {
		return &DecodeError{
			Section: section,
			Err:     fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, len(b)),
		}
	}
	return nil
}

// Buffer is a read-only view over a serialized connector message.
// It is only obtainable through NewBuffer, so every accessor is in bounds.
type Buffer struct {
	b []byte
}

// NewBuffer validates that b holds at least a connector header.
func NewBuffer(b []byte) (Buffer, error) {
	if err := need("connector header", b, HeaderLen); err != nil {
		return Buffer{}, err
	}
	return Buffer{b: b}, nil
}

func (b Buffer) Idx() uint32 { return idxField.uint32(b.b) }
func (b Buffer) Val() uint32 { return valField.uint32(b.b) }
func (b Buffer) Seq() uint32 { return seqField.uint32(b.b) }
func (b Buffer) Ack() uint32 { return ackField.uint32(b.b) }
func (b Buffer) Len() uint16 { return lenField.uint16(b.b) }
func (b Buffer) Flags() uint16 { return flagsField.uint16(b.b) }

// Header returns all header fields at once.
func (b Buffer) Header() Header {
	return Header{
		Idx:   b.Idx(),
		Val:   b.Val(),
		Seq:   b.Seq(),
		Ack:   b.Ack(),
		Len:   b.Len(),
		Flags: b.Flags(),
	}
}

// Data returns everything after the header. The declared Len is not
// enforced here; the outer netlink framing bounds the slice.
func (b Buffer) Data() []byte { return b.b[dataOffset:] }

// EventBuffer is a read-only view over a proc_event.
type EventBuffer struct {
	b []byte
}

// NewEventBuffer validates that b holds at least the proc_event header.
func NewEventBuffer(b []byte) (EventBuffer, error) {
	if err := need("proc event header", b, EventHeaderLen); err != nil {
		return EventBuffer{}, err
	}
	return EventBuffer{b: b}, nil
}

func (e EventBuffer) What() EventKind { return EventKind(whatField.uint32(e.b)) }
func (e EventBuffer) CPU() uint32 { return cpuField.uint32(e.b) }
func (e EventBuffer) Timestamp() uint64 { return timestampField.uint64(e.b) }

// Payload returns the event specific bytes that follow the header.
func (e EventBuffer) Payload() []byte { return e.b[eventPayloadOffset:] }
