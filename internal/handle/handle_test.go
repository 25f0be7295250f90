package handle

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/mdlayher/netlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sys/unix"

	"github.com/mrzor/proc-connector/internal/connector"
	"github.com/mrzor/proc-connector/internal/transport"
)

type call struct {
	method string
	msg    netlink.Message
	dst    transport.Addr
}

// fakeConn records what was sent and replays canned replies.
type fakeConn struct {
	calls   []call
	replies []result
	err     error
	// consumed counts replies pulled by the caller.
	consumed int
}

type result struct {
	msg transport.Message
	err error
}

func (c *fakeConn) Request(_ context.Context, m netlink.Message, dst transport.Addr) (transport.Replies, error) {
	return c.record("request", m, dst)
}

func (c *fakeConn) Notify(_ context.Context, m netlink.Message, dst transport.Addr) (transport.Replies, error) {
	return c.record("notify", m, dst)
}

func (c *fakeConn) record(method string, m netlink.Message, dst transport.Addr) (transport.Replies, error) {
	c.calls = append(c.calls, call{method: method, msg: m, dst: dst})
	if c.err != nil {
		return nil, c.err
	}
	return func(yield func(transport.Message, error) bool) {
		for _, r := range c.replies {
			c.consumed++
			if !yield(r.msg, r.err) {
				return
			}
		}
	}, nil
}

func ack() result {
	return result{msg: transport.Message{Header: netlink.Header{Type: netlink.Error}, Payload: transport.Ack{}}}
}

func nlError(errno unix.Errno) result {
	return result{msg: transport.Message{Header: netlink.Header{Type: netlink.Error}, Payload: transport.ErrorPayload{Errno: errno}}}
}

func data(t *testing.T, msg connector.Message) result {
	t.Helper()
	b, err := msg.MarshalBinary()
	require.NoError(t, err)
	return result{msg: transport.Message{
		Header:  netlink.Header{Type: netlink.HeaderType(connector.NetlinkTypeDone)},
		Payload: transport.Data(b),
	}}
}

func listenMessage(t *testing.T) connector.Message {
	t.Helper()
	msg, err := connector.NewControlMessage(connector.McastListen)
	require.NoError(t, err)
	return msg
}

func TestEnableEvents(t *testing.T) {
	conn := &fakeConn{replies: []result{ack()}}
	h := New(conn, transport.KernelAddr())

	require.NoError(t, h.EnableEvents(context.Background()))
	assert.Zero(t, conn.consumed, "no reply is consumed")

	require.Len(t, conn.calls, 1)
	c := conn.calls[0]
	assert.Equal(t, "notify", c.method)
	assert.Equal(t, transport.KernelAddr(), c.dst)
	assert.Equal(t, netlink.HeaderType(connector.NetlinkTypeDone), c.msg.Header.Type)
	assert.Equal(t, netlink.HeaderFlags(0), c.msg.Header.Flags)
	assert.Equal(t, uint32(os.Getpid()), c.msg.Header.PID) //nolint:gosec // test pid

	got, err := connector.Decode(c.msg.Data)
	require.NoError(t, err)
	assert.Equal(t, connector.Message{
		Header:  connector.Header{Idx: connector.IdxProc, Val: connector.ValProc, Len: 4},
		Payload: connector.Listen{},
	}, got)
}

func TestEnableEvents_SubmissionFailure(t *testing.T) {
	conn := &fakeConn{err: unix.ENOBUFS}
	h := New(conn, transport.KernelAddr())

	err := h.EnableEvents(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.ErrorIs(t, err, unix.ENOBUFS)
}

func TestDisableEvents(t *testing.T) {
	conn := &fakeConn{}
	h := New(conn, transport.KernelAddr(), WithPortID(77))

	require.NoError(t, h.DisableEvents(context.Background()))

	require.Len(t, conn.calls, 1)
	assert.Equal(t, uint32(77), conn.calls[0].msg.Header.PID)

	got, err := connector.Decode(conn.calls[0].msg.Data)
	require.NoError(t, err)
	assert.Equal(t, connector.Ignore{}, got.Payload)
}

func TestAckedRequest(t *testing.T) {
	unexpected := data(t, listenMessage(t))

	tests := []struct {
		name    string
		replies []result
		check   func(t *testing.T, err error)
	}{
		{
			name:    "ack",
			replies: []result{ack()},
			check: func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
		{
			name:    "kernel error",
			replies: []result{nlError(unix.EPERM)},
			check: func(t *testing.T, err error) {
				var nlErr *NetlinkError
				require.ErrorAs(t, err, &nlErr)
				assert.Equal(t, transport.ErrorPayload{Errno: unix.EPERM}, nlErr.Payload)
				assert.ErrorIs(t, err, unix.EPERM)

				var unexpectedErr *UnexpectedMessageError
				assert.False(t, errors.As(err, &unexpectedErr))
			},
		},
		{
			name:    "unexpected message",
			replies: []result{unexpected},
			check: func(t *testing.T, err error) {
				var unexpectedErr *UnexpectedMessageError
				require.ErrorAs(t, err, &unexpectedErr)
				assert.Equal(t, unexpected.msg, unexpectedErr.Message)
			},
		},
		{
			name:    "only the first reply counts",
			replies: []result{nlError(unix.EINVAL), ack()},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, unix.EINVAL)
			},
		},
		{
			name: "no reply",
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNoReply)
			},
		},
		{
			name:    "receive error",
			replies: []result{{err: transport.ErrOverrun}},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrRequestFailed)
				assert.ErrorIs(t, err, transport.ErrOverrun)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{replies: tt.replies}
			h := New(conn, transport.KernelAddr())

			err := h.AckedRequest(context.Background(), listenMessage(t))
			tt.check(t, err)

			require.Len(t, conn.calls, 1)
			assert.Equal(t, "request", conn.calls[0].method)
			assert.Equal(t, netlink.Request|netlink.Acknowledge, conn.calls[0].msg.Header.Flags)
			assert.LessOrEqual(t, conn.consumed, 1)
		})
	}
}

func TestRequest_SubmissionFailure(t *testing.T) {
	conn := &fakeConn{err: transport.ErrClosed}
	h := New(conn, transport.KernelAddr())

	_, err := h.Request(context.Background(), listenMessage(t))
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestSubscribe(t *testing.T) {
	fork := connector.ProcEvent{
		CPU:       1,
		Timestamp: 1000,
		Event:     connector.Fork{ParentPID: 1, ParentTGID: 1, ChildPID: 2, ChildTGID: 2},
	}
	forkMsg := connector.Message{
		Header:  connector.Header{Idx: connector.IdxProc, Val: connector.ValProc, Len: uint16(connector.EventHeaderLen + fork.Event.Size())},
		Payload: fork,
	}
	foreign := connector.Message{Header: connector.Header{Idx: 0x2, Val: 0x1}, Payload: connector.Other{}}
	garbage := result{msg: transport.Message{Payload: transport.Data{1, 2, 3}}}

	conn := &fakeConn{replies: []result{
		ack(),
		data(t, forkMsg),
		garbage,
		{err: transport.ErrOverrun},
		data(t, foreign),
		nlError(unix.EPERM),
	}}
	h := New(conn, transport.KernelAddr())

	events, err := h.Subscribe(context.Background())
	require.NoError(t, err)

	var (
		msgs []connector.Message
		errs []error
	)
	for msg, err := range events {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, msg)
	}

	assert.Equal(t, []connector.Message{forkMsg, foreign}, msgs)
	require.Len(t, errs, 3)
	assert.ErrorIs(t, errs[0], connector.ErrTruncated)
	assert.ErrorIs(t, errs[1], transport.ErrOverrun)
	assert.ErrorIs(t, errs[2], unix.EPERM)
}

func TestSubscribe_StopEarly(t *testing.T) {
	msg := data(t, listenMessage(t))
	conn := &fakeConn{replies: []result{msg, msg, msg}}
	h := New(conn, transport.KernelAddr())

	events, err := h.Subscribe(context.Background())
	require.NoError(t, err)

	for range events {
		break
	}
	assert.Equal(t, 1, conn.consumed)
}

func TestHandle_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	conn := &fakeConn{replies: []result{nlError(unix.EACCES)}}
	h := New(conn, transport.KernelAddr(), WithTracer(provider.Tracer("test")))

	require.NoError(t, h.EnableEvents(context.Background()))
	require.Error(t, h.AckedRequest(context.Background(), listenMessage(t)))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "connector.listen", spans[0].Name())
	assert.Equal(t, "connector.acked_request", spans[1].Name())
	assert.Equal(t, "Error", spans[1].Status().Code.String())
}
