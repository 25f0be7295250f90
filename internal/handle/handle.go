package handle

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"

	"github.com/mdlayher/netlink"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mrzor/proc-connector/internal/connector"
	"github.com/mrzor/proc-connector/internal/transport"
)

const tracerName = "github.com/mrzor/proc-connector/internal/handle"

// Conn is the netlink capability a Handle wraps. *transport.Conn
// implements it.
type Conn interface {
	Request(ctx context.Context, m netlink.Message, dst transport.Addr) (transport.Replies, error)
	Notify(ctx context.Context, m netlink.Message, dst transport.Addr) (transport.Replies, error)
}

// Handle sends connector messages over a shared Conn.
// It holds no mutable state; copies share the connection.
type Handle struct {
	conn   Conn
	dst    transport.Addr
	portID uint32
	logger *zap.Logger
	tracer trace.Tracer
}

// Option configures a Handle.
type Option func(*Handle)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handle) {
		h.logger = logger
	}
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(h *Handle) {
		h.tracer = tracer
	}
}

// WithPortID overrides the port id put in outgoing netlink headers.
func WithPortID(id uint32) Option {
	return func(h *Handle) {
		h.portID = id
	}
}

// New returns a Handle sending to dst, normally transport.KernelAddr().
func New(conn Conn, dst transport.Addr, opts ...Option) Handle {
	h := Handle{
		conn: conn,
		dst:  dst,
		//nolint:gosec // pids are positive and fit in 32 bits
		portID: uint32(os.Getpid()),
		logger: zap.NewNop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

// Request sends msg and returns the replies correlated to it.
// Submission failures wrap ErrRequestFailed.
func (h Handle) Request(ctx context.Context, msg connector.Message) (transport.Replies, error) {
	ctx, span := h.tracer.Start(ctx, "connector.request", trace.WithAttributes(headerAttributes(msg.Header)...))
	defer span.End()

	replies, err := h.request(ctx, msg)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return replies, nil
}

func (h Handle) request(ctx context.Context, msg connector.Message) (transport.Replies, error) {
	nlmsg, err := h.frame(msg, netlink.Request|netlink.Acknowledge)
	if err != nil {
		return nil, err
	}

	replies, err := h.conn.Request(ctx, nlmsg, h.dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	return replies, nil
}

// AckedRequest sends msg and resolves its first reply: an ack is success,
// a kernel error is a *NetlinkError, anything else an
// *UnexpectedMessageError. Later replies are not consumed.
func (h Handle) AckedRequest(ctx context.Context, msg connector.Message) error {
	ctx, span := h.tracer.Start(ctx, "connector.acked_request", trace.WithAttributes(headerAttributes(msg.Header)...))
	defer span.End()

	err := h.ackedRequest(ctx, msg)
	if err != nil {
		recordError(span, err)
		h.logger.Debug("acked request failed", zap.Uint32("idx", msg.Header.Idx), zap.Error(err))
	}
	return err
}

func (h Handle) ackedRequest(ctx context.Context, msg connector.Message) error {
	replies, err := h.request(ctx, msg)
	if err != nil {
		return err
	}

	for reply, err := range replies {
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRequestFailed, err)
		}
		return resolveAck(reply)
	}
	return ErrNoReply
}

func resolveAck(reply transport.Message) error {
	switch p := reply.Payload.(type) {
	case transport.Ack:
		return nil
	case transport.ErrorPayload:
		return &NetlinkError{Payload: p}
	default:
		return &UnexpectedMessageError{Message: reply}
	}
}

// EnableEvents asks the kernel to multicast process events to this
// socket. It returns once the transport accepted the message and does not
// wait for a reply.
func (h Handle) EnableEvents(ctx context.Context) error {
	_, err := h.control(ctx, connector.McastListen)
	return err
}

// DisableEvents sends the ignore control message. A subscription also ends
// when the socket is closed.
func (h Handle) DisableEvents(ctx context.Context) error {
	_, err := h.control(ctx, connector.McastIgnore)
	return err
}

// Subscribe enables events and returns the decoded stream. Decode errors
// and transport errors are yielded and the stream continues; the caller
// decides which ones end it.
func (h Handle) Subscribe(ctx context.Context) (iter.Seq2[connector.Message, error], error) {
	replies, err := h.control(ctx, connector.McastListen)
	if err != nil {
		return nil, err
	}

	return func(yield func(connector.Message, error) bool) {
		for reply, err := range replies {
			if err != nil {
				if !yield(connector.Message{}, err) {
					return
				}
				continue
			}

			switch p := reply.Payload.(type) {
			case transport.Data:
				if !yield(connector.Decode(p)) {
					return
				}
			case transport.ErrorPayload:
				if !yield(connector.Message{}, &NetlinkError{Payload: p}) {
					return
				}
			}
		}
	}, nil
}

func (h Handle) control(ctx context.Context, op connector.McastOp) (transport.Replies, error) {
	ctx, span := h.tracer.Start(ctx, "connector."+op.String(),
		trace.WithAttributes(attribute.Int64("connector.port_id", int64(h.portID))))
	defer span.End()

	msg, err := connector.NewControlMessage(op)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	nlmsg, err := h.frame(msg, 0)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	replies, err := h.conn.Notify(ctx, nlmsg, h.dst)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrRequestFailed, op, err)
		recordError(span, err)
		return nil, err
	}

	h.logger.Debug("sent proc connector control message",
		zap.Stringer("op", op),
		zap.Uint32("port_id", h.portID),
		zap.Stringer("dst", h.dst))
	return replies, nil
}

// frame wraps a serialised connector message in a netlink message.
// Length and sequence are left to the transport.
func (h Handle) frame(msg connector.Message, flags netlink.HeaderFlags) (netlink.Message, error) {
	b, err := msg.MarshalBinary()
	if err != nil {
		return netlink.Message{}, fmt.Errorf("encoding connector message: %w", err)
	}

	return netlink.Message{
		Header: netlink.Header{
			Type:  netlink.HeaderType(msg.MessageType()),
			Flags: flags,
			PID:   h.portID,
		},
		Data: b,
	}, nil
}

func headerAttributes(hdr connector.Header) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("connector.idx", int64(hdr.Idx)),
		attribute.Int64("connector.val", int64(hdr.Val)),
		attribute.Int64("connector.seq", int64(hdr.Seq)),
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	var nlErr *NetlinkError
	if errors.As(err, &nlErr) {
		span.SetAttributes(attribute.String("netlink.errno", nlErr.Payload.Errno.Error()))
	}
	span.SetStatus(codes.Error, err.Error())
}
