package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/socket"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	defaultReadBufferSize = 8192
	defaultQueueLen       = 256
)

var (
	// ErrOverrun is yielded when the kernel dropped messages because the
	// socket receive buffer was full. The stream continues after it.
	ErrOverrun = errors.New("netlink receive buffer overrun")

	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = net.ErrClosed
)

// Config configures a connector socket.
type Config struct {
	// Groups is the multicast group bitmask to bind to.
	Groups uint32
	// NetNS is a network namespace file descriptor, 0 for the current one.
	NetNS int
	// ReceiveBufferSize sets SO_RCVBUF when non-zero.
	ReceiveBufferSize int
	// ReadBufferSize is the size of each datagram read.
	ReadBufferSize int
	// QueueLen bounds the messages buffered per open reply stream.
	QueueLen int
}

func (c Config) readBufferSize() int {
	if c.ReadBufferSize > 0 {
		return c.ReadBufferSize
	}
	return defaultReadBufferSize
}

func (c Config) queueLen() int {
	if c.QueueLen > 0 {
		return c.QueueLen
	}
	return defaultQueueLen
}

// rawSocket is the subset of *socket.Conn used by Conn.
type rawSocket interface {
	Sendmsg(ctx context.Context, p, oob []byte, to unix.Sockaddr, flags int) (int, error)
	Recvmsg(ctx context.Context, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error)
	Close() error
}

type result struct {
	msg Message
	err error
}

// Conn is a NETLINK_CONNECTOR socket.
//
// A single reader goroutine, started on first use, receives datagrams and
// routes them: unicast replies whose sequence number matches an open
// Request go to that request, everything else goes to every open Notify
// stream. A stream that falls QueueLen messages behind loses messages.
type Conn struct {
	sock   rawSocket
	addr   Addr
	cfg    Config
	logger *zap.Logger
	seq    atomic.Uint32

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}

	mu        sync.Mutex
	readErr   error
	pending   map[uint32]chan result
	listeners map[chan result]struct{}
}

// Dial opens a connector socket bound to cfg.Groups.
func Dial(cfg Config, logger *zap.Logger) (*Conn, error) {
	sock, err := socket.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_CONNECTOR, "netlink-connector", &socket.Config{NetNS: cfg.NetNS})
	if err != nil {
		return nil, fmt.Errorf("opening connector socket: %w", err)
	}

	if err := sock.Bind(&unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: cfg.Groups}); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("binding connector socket to groups %#x: %w", cfg.Groups, err)
	}

	if cfg.ReceiveBufferSize > 0 {
		if err := sock.SetsockoptInt(unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.ReceiveBufferSize); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("setting receive buffer size: %w", err)
		}
	}

	sa, err := sock.Getsockname()
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("reading socket address: %w", err)
	}
	nsa, ok := sa.(*unix.SockaddrNetlink)
	if !ok {
		_ = sock.Close()
		return nil, fmt.Errorf("unexpected socket address type %T", sa)
	}

	return newConn(sock, Addr{PID: nsa.Pid, Groups: nsa.Groups}, cfg, logger), nil
}

func newConn(sock rawSocket, addr Addr, cfg Config, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		sock:      sock,
		addr:      addr,
		cfg:       cfg,
		logger:    logger.With(zap.Uint32("port_id", addr.PID)),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		pending:   make(map[uint32]chan result),
		listeners: make(map[chan result]struct{}),
	}
}

// LocalAddr returns the address the kernel assigned to the socket.
func (c *Conn) LocalAddr() Addr {
	return c.addr
}

// Request sends m to dst and returns the replies correlated to it.
//
// A zero sequence number is replaced by the next one from the Conn.
// The returned Replies ends after an Ack, an ErrorPayload, NLMSG_DONE or
// a reply without NLM_F_MULTI. Replies should be ranged over; an
// abandoned one is only released by Close.
func (c *Conn) Request(ctx context.Context, m netlink.Message, dst Addr) (Replies, error) {
	if m.Header.Sequence == 0 {
		m.Header.Sequence = c.seq.Add(1)
	}
	seq := m.Header.Sequence

	ch := make(chan result, c.cfg.queueLen())
	if err := c.register(func() {
		c.pending[seq] = ch
	}); err != nil {
		return nil, err
	}
	release := func() {
		c.mu.Lock()
		if c.pending[seq] == ch {
			delete(c.pending, seq)
		}
		c.mu.Unlock()
	}

	if err := c.send(ctx, m, dst); err != nil {
		release()
		return nil, err
	}

	return func(yield func(Message, error) bool) {
		defer release()
		for {
			r, ok := c.next(ctx, ch)
			if !ok {
				if err := c.streamErr(ctx); err != nil {
					yield(Message{}, err)
				}
				return
			}
			if !yield(r.msg, r.err) {
				return
			}
			if r.err == nil && r.msg.final() {
				return
			}
		}
	}, nil
}

// Notify sends m to dst without waiting for a reply. The returned Replies
// yields every message received while it is being ranged over that is not
// a reply to a Request, which for a multicast subscription is the event
// stream. A Replies that is never ranged over holds no resources.
func (c *Conn) Notify(ctx context.Context, m netlink.Message, dst Addr) (Replies, error) {
	if err := c.err(); err != nil {
		return nil, err
	}
	if err := c.send(ctx, m, dst); err != nil {
		return nil, err
	}

	return func(yield func(Message, error) bool) {
		ch := make(chan result, c.cfg.queueLen())
		if err := c.register(func() {
			c.listeners[ch] = struct{}{}
		}); err != nil {
			if !errors.Is(err, ErrClosed) {
				yield(Message{}, err)
			}
			return
		}
		defer func() {
			c.mu.Lock()
			delete(c.listeners, ch)
			c.mu.Unlock()
		}()

		for {
			r, ok := c.next(ctx, ch)
			if !ok {
				if err := c.streamErr(ctx); err != nil {
					yield(Message{}, err)
				}
				return
			}
			if !yield(r.msg, r.err) {
				return
			}
		}
	}, nil
}

// Close stops the reader and closes the socket. Open reply streams end.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.sock.Close()

		started := true
		c.startOnce.Do(func() { started = false })
		if started {
			<-c.done
		}
		c.fail(ErrClosed)
	})
	return err
}

func (c *Conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

func (c *Conn) register(add func()) error {
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return err
	}
	add()
	c.mu.Unlock()

	c.startOnce.Do(func() { go c.readLoop() })
	return nil
}

func (c *Conn) next(ctx context.Context, ch chan result) (result, bool) {
	select {
	case <-ctx.Done():
		return result{}, false
	case r, ok := <-ch:
		return r, ok
	}
}

func (c *Conn) streamErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(c.readErr, ErrClosed) {
		return nil
	}
	return c.readErr
}

func (c *Conn) send(ctx context.Context, m netlink.Message, dst Addr) error {
	if m.Header.PID == 0 {
		m.Header.PID = c.addr.PID
	}
	if m.Header.Length == 0 {
		m.Header.Length = uint32(nlmsgAlign(nlmsgHeaderLen + len(m.Data)))
	}

	b, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling netlink message: %w", err)
	}

	if _, err := c.sock.Sendmsg(ctx, b, nil, dst.sockaddr(), 0); err != nil {
		return fmt.Errorf("sending to %s: %w", dst, err)
	}

	c.logger.Debug("sent netlink message",
		zap.Uint32("seq", m.Header.Sequence),
		zap.Stringer("dst", dst),
		zap.Int("bytes", len(b)))
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.done)

	for {
		msgs, err := c.receive()
		switch {
		case err == nil:
		case c.ctx.Err() != nil:
			return
		case errors.Is(err, unix.ENOBUFS):
			c.logger.Warn("netlink receive buffer overrun, messages were dropped")
			c.broadcast(result{err: ErrOverrun})
			continue
		default:
			c.logger.Error("netlink receive failed", zap.Error(err))
			c.fail(fmt.Errorf("receiving from connector socket: %w", err))
			return
		}

		for _, m := range msgs {
			c.dispatch(classify(m))
		}
	}
}

// receive reads one datagram into a fresh buffer, so yielded messages
// may be retained by consumers.
func (c *Conn) receive() ([]netlink.Message, error) {
	b := make([]byte, c.cfg.readBufferSize())
	n, _, _, _, err := c.sock.Recvmsg(c.ctx, b, nil, 0)
	if err != nil {
		return nil, err
	}

	raw, err := syscall.ParseNetlinkMessage(b[:n])
	if err != nil {
		c.logger.Warn("dropping malformed netlink datagram", zap.Int("bytes", n), zap.Error(err))
		return nil, nil
	}

	msgs := make([]netlink.Message, 0, len(raw))
	for _, r := range raw {
		msgs = append(msgs, netlink.Message{
			Header: netlink.Header{
				Length:   r.Header.Len,
				Type:     netlink.HeaderType(r.Header.Type),
				Flags:    netlink.HeaderFlags(r.Header.Flags),
				Sequence: r.Header.Seq,
				PID:      r.Header.Pid,
			},
			Data: r.Data,
		})
	}
	return msgs, nil
}

func (c *Conn) dispatch(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Kernel multicasts carry port id 0; unicast replies carry ours.
	if m.Header.PID != 0 {
		if ch, ok := c.pending[m.Header.Sequence]; ok {
			c.deliver(ch, result{msg: m})
			return
		}
	}

	for ch := range c.listeners {
		c.deliver(ch, result{msg: m})
	}
}

func (c *Conn) broadcast(r result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.pending {
		c.deliver(ch, r)
	}
	for ch := range c.listeners {
		c.deliver(ch, r)
	}
}

// deliver must be called with c.mu held.
func (c *Conn) deliver(ch chan result, r result) {
	select {
	case ch <- r:
	default:
		c.logger.Warn("reply stream is full, dropping message",
			zap.Uint32("seq", r.msg.Header.Sequence))
	}
}

// fail ends every open stream with err and rejects new ones.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readErr != nil {
		return
	}
	c.readErr = err
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	for ch := range c.listeners {
		close(ch)
		delete(c.listeners, ch)
	}
}
