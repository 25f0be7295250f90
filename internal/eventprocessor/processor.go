package eventprocessor

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/mrzor/proc-connector/internal/attributes"
	"github.com/mrzor/proc-connector/internal/connector"
	"github.com/mrzor/proc-connector/internal/metrics"
	"github.com/mrzor/proc-connector/internal/procmeta"
)

// EventHandler receives the process events that pass the processor's
// kind mask and filter.
type EventHandler interface {
	HandleEvent(ev connector.ProcEvent) error
}

// Processor routes decoded connector messages. Process events are counted,
// selected by kind and filter, then passed to the handler; everything else
// is counted and dropped.
type Processor struct {
	kinds   []connector.EventKind
	filter  *attributes.Filter
	handler EventHandler
	table   *procmeta.Manager
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithKinds limits the handler to events of the given kinds.
// An empty list keeps every kind.
func WithKinds(kinds ...connector.EventKind) Option {
	return func(p *Processor) {
		p.kinds = kinds
	}
}

// WithFilter sets the filter events must match.
func WithFilter(filter *attributes.Filter) Option {
	return func(p *Processor) {
		p.filter = filter
	}
}

// WithProcessTable records every process event in table, before the kind
// mask and filter apply. Exited thread groups are removed after the
// handler ran.
func WithProcessTable(table *procmeta.Manager) Option {
	return func(p *Processor) {
		p.table = table
	}
}

// WithMetrics sets the counters the processor reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithLogger sets the processor's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// NewProcessor creates a new event processor.
func NewProcessor(handler EventHandler, opts ...Option) *Processor {
	p := &Processor{
		handler: handler,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleMessage routes a message by payload. The returned error is the
// handler's; messages that are dropped return nil.
func (p *Processor) HandleMessage(msg connector.Message) error {
	switch payload := msg.Payload.(type) {
	case connector.ProcEvent:
		return p.handleEvent(payload)
	case connector.Listen, connector.Ignore:
		// Control messages travel toward the kernel; count any that arrive.
		p.metrics.ReportControl()
		p.logger.Debug("received control message",
			zap.String("op", fmt.Sprint(payload)),
			zap.Uint32("seq", msg.Header.Seq))
		return nil
	default:
		p.metrics.ReportForeign()
		p.logger.Debug("message for another connector",
			zap.Uint32("idx", msg.Header.Idx),
			zap.Uint32("val", msg.Header.Val))
		return nil
	}
}

func (p *Processor) handleEvent(ev connector.ProcEvent) error {
	kind := ev.Event.Kind()
	p.metrics.ReportEvent(kind)

	if p.table != nil && p.table.Observe(ev) {
		if _, tgid, ok := attributes.Subject(ev.Event); ok {
			defer p.table.Delete(tgid)
		}
	}

	if len(p.kinds) > 0 && !slices.Contains(p.kinds, kind) {
		p.metrics.ReportDropped(metrics.ReasonKind)
		return nil
	}

	if p.filter != nil {
		ok, err := p.filter.Match(ev)
		if err != nil {
			p.metrics.ReportDropped(metrics.ReasonFiltered)
			p.logger.Warn("filter evaluation failed, dropping event",
				zap.Stringer("kind", kind), zap.Error(err))
			return nil
		}
		if !ok {
			p.metrics.ReportDropped(metrics.ReasonFiltered)
			return nil
		}
	}

	if err := p.handler.HandleEvent(ev); err != nil {
		p.metrics.ReportDropped(metrics.ReasonHandler)
		return fmt.Errorf("handling %s event: %w", kind, err)
	}
	return nil
}
