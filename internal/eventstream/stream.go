package eventstream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/mrzor/proc-connector/internal/connector"
	"github.com/mrzor/proc-connector/internal/handle"
	"github.com/mrzor/proc-connector/internal/metrics"
	"github.com/mrzor/proc-connector/internal/transport"
)

// Source produces decoded connector messages. handle.Handle implements it.
type Source interface {
	Subscribe(ctx context.Context) (iter.Seq2[connector.Message, error], error)
}

// MessageHandler consumes decoded messages.
type MessageHandler interface {
	HandleMessage(msg connector.Message) error
}

// Stream reads messages from a Source and dispatches them to a handler.
type Stream struct {
	source  Source
	handler MessageHandler
	metrics *metrics.Metrics
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// New creates a new Stream. m may be nil.
func New(source Source, handler MessageHandler, m *metrics.Metrics, logger *zap.Logger) *Stream {
	return &Stream{
		source:  source,
		handler: handler,
		metrics: m,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start subscribes and processes messages in a goroutine until the
// context is cancelled, Stop is called, or the source fails.
// A failed subscription is returned directly.
func (s *Stream) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	messages, err := s.source.Subscribe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribing to process events: %w", err)
	}

	s.cancel = cancel
	go s.processEvents(ctx, messages)
	return nil
}

// Stop signals the processing goroutine to stop and waits for it.
func (s *Stream) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	return s.Wait()
}

// Done is closed when processing has ended.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until processing ends and returns the error that ended it,
// or nil after cancellation or a closed source.
func (s *Stream) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) processEvents(ctx context.Context, messages iter.Seq2[connector.Message, error]) {
	defer close(s.done)
	defer s.cancel()

	for msg, err := range messages {
		if err != nil {
			if s.recoverable(err) {
				continue
			}
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		if err := s.handler.HandleMessage(msg); err != nil {
			s.logger.Warn("handling message", zap.Error(err))
		}
	}
}

// recoverable reports whether err only costs the current datagram.
func (s *Stream) recoverable(err error) bool {
	var decodeErr *connector.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		s.metrics.ReportDropped(metrics.ReasonDecode)
		s.logger.Warn("dropping undecodable message", zap.Error(err))
		return true
	case errors.Is(err, transport.ErrOverrun):
		s.metrics.ReportOverrun()
		s.logger.Warn("socket receive buffer overrun, process events were lost")
		return true
	default:
		return false
	}
}

func (s *Stream) setErr(err error) {
	var nlErr *handle.NetlinkError
	if errors.As(err, &nlErr) {
		err = fmt.Errorf("kernel rejected subscription: %w", err)
	} else {
		err = fmt.Errorf("reading process events: %w", err)
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
