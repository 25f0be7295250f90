package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated is wrapped by decode errors for buffers shorter than the
	// layout being read.
	ErrTruncated = errors.New("truncated buffer")

	// ErrBufferTooSmall is returned by Emit when the destination cannot hold the message.
	ErrBufferTooSmall = errors.New("buffer too small")
)

// DecodeError reports a buffer that could not be decoded.
// The offending datagram should be dropped.
type DecodeError struct {
	Section string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Section, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// UnknownEventError carries a proc_event.what value with no decoder,
// either from a newer kernel or from corrupt input.
type UnknownEventError struct {
	What uint32
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown proc event kind %#x", e.What)
}

// UnknownOpError carries an unrecognized multicast control operation.
type UnknownOpError struct {
	Op uint32
}

func (e *UnknownOpError) Error() string {
	return fmt.Sprintf("unknown multicast op %d", e.Op)
}
