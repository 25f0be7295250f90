package handle

import (
	"errors"
	"fmt"

	"github.com/mrzor/proc-connector/internal/transport"
)

var (
	// ErrRequestFailed wraps transport failures, both on submission and
	// while receiving replies.
	ErrRequestFailed = errors.New("connector request failed")

	// ErrNoReply is returned by AckedRequest when the reply stream ends
	// before any message arrived.
	ErrNoReply = errors.New("connector request got no reply")
)

// NetlinkError is a kernel-reported failure for a correlated request.
type NetlinkError struct {
	Payload transport.ErrorPayload
}

func (e *NetlinkError) Error() string {
	return fmt.Sprintf("netlink error: %v", e.Payload.Errno)
}

// Unwrap returns the kernel errno, so errors.Is(err, unix.EPERM) works.
func (e *NetlinkError) Unwrap() error {
	return e.Payload.Errno
}

// UnexpectedMessageError carries a reply that was neither an ack nor an
// error.
type UnexpectedMessageError struct {
	Message transport.Message
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("unexpected reply: type %d, seq %d, payload %T",
		e.Message.Header.Type, e.Message.Header.Sequence, e.Message.Payload)
}
