package transport

import (
	"iter"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"
)

const nlmsgHeaderLen = unix.NLMSG_HDRLEN

// Replies is a lazily received sequence of inbound messages.
// Stopping the range loop early releases it.
type Replies = iter.Seq2[Message, error]

// Message is one inbound netlink message split into its header and payload.
type Message struct {
	Header  netlink.Header
	Payload Payload
}

// Payload is Ack, ErrorPayload or Data.
type Payload interface {
	payload()
}

// Ack is an NLMSG_ERROR message with a zero error code.
type Ack struct {
	// Request is the header of the message being acknowledged.
	Request netlink.Header
}

// ErrorPayload is an NLMSG_ERROR message reporting a failure.
type ErrorPayload struct {
	Errno   unix.Errno
	Request netlink.Header
}

// Data is any other payload, kept as raw bytes.
type Data []byte

func (Ack) payload()          {}
func (ErrorPayload) payload() {}
func (Data) payload()         {}

func (e ErrorPayload) Error() string {
	return e.Errno.Error()
}

// final reports whether m ends a request's reply sequence.
func (m Message) final() bool {
	switch m.Payload.(type) {
	case Ack, ErrorPayload:
		return true
	}
	if m.Header.Type == netlink.Done {
		return true
	}
	return m.Header.Flags&netlink.Multi == 0
}

// classify turns a raw netlink message into a Message.
func classify(m netlink.Message) Message {
	if m.Header.Type != netlink.Error || len(m.Data) < 4 {
		return Message{Header: m.Header, Payload: Data(m.Data)}
	}

	code := nlenc.Int32(m.Data[0:4])
	var req netlink.Header
	if len(m.Data) >= 4+nlmsgHeaderLen {
		req = parseHeader(m.Data[4 : 4+nlmsgHeaderLen])
	}

	if code == 0 {
		return Message{Header: m.Header, Payload: Ack{Request: req}}
	}
	return Message{Header: m.Header, Payload: ErrorPayload{Errno: unix.Errno(-code), Request: req}}
}

func parseHeader(b []byte) netlink.Header {
	return netlink.Header{
		Length:   nlenc.Uint32(b[0:4]),
		Type:     netlink.HeaderType(nlenc.Uint16(b[4:6])),
		Flags:    netlink.HeaderFlags(nlenc.Uint16(b[6:8])),
		Sequence: nlenc.Uint32(b[8:12]),
		PID:      nlenc.Uint32(b[12:16]),
	}
}

func nlmsgAlign(n int) int {
	return (n + unix.NLMSG_ALIGNTO - 1) &^ (unix.NLMSG_ALIGNTO - 1)
}
