package output

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mrzor/proc-connector/internal/attributes"
	"github.com/mrzor/proc-connector/internal/connector"
	"github.com/mrzor/proc-connector/internal/procmeta"
	"github.com/mrzor/proc-connector/internal/timesync"
)

const processSpanName = "process"

// processSpan is an open span for one thread group.
type processSpan struct {
	span      trace.Span
	startTime uint64 // monotonic nanoseconds
}

// OTELFormatter turns process lifecycles into spans. A span starts when a
// new thread group is forked (or when an untracked process execs) and
// ends when its leader exits. Spans of forked children are parented to
// the span of the parent thread group. Everything else a tracked process
// does becomes a span event.
type OTELFormatter struct {
	tracer    trace.Tracer
	converter *timesync.Converter
	evaluator *attributes.Evaluator
	traceIDs  *attributes.TraceIDEvaluator
	metadata  *procmeta.Manager
	logger    *zap.Logger

	spans map[uint32]*processSpan // TGID -> span
}

// NewOTELFormatter creates a new OTELFormatter. evaluator, traceIDs and
// metadata may be nil. When metadata is set, exiting processes get the
// attributes it accumulated; it must be fed by the same event stream.
func NewOTELFormatter(
	tracer trace.Tracer,
	converter *timesync.Converter,
	evaluator *attributes.Evaluator,
	traceIDs *attributes.TraceIDEvaluator,
	metadata *procmeta.Manager,
	logger *zap.Logger,
) *OTELFormatter {
	return &OTELFormatter{
		tracer:    tracer,
		converter: converter,
		evaluator: evaluator,
		traceIDs:  traceIDs,
		metadata:  metadata,
		logger:    logger,
		spans:     make(map[uint32]*processSpan),
	}
}

// HandleEvent formats events as OpenTelemetry spans.
func (f *OTELFormatter) HandleEvent(ev connector.ProcEvent) error {
	switch e := ev.Event.(type) {
	case connector.Fork:
		return f.handleFork(ev, e)
	case connector.Exec:
		return f.handleExec(ev, e)
	case connector.Exit:
		return f.handleExit(ev, e)
	case connector.Ack:
		return nil
	default:
		f.addEvent(ev)
		return nil
	}
}

// OpenSpans returns the number of processes with an open span.
func (f *OTELFormatter) OpenSpans() int {
	return len(f.spans)
}

// Close ends every open span at the current time. Those processes were
// still running when tracing stopped.
func (f *OTELFormatter) Close() error {
	now := time.Now()
	for tgid, ps := range f.spans {
		ps.span.SetAttributes(attribute.Bool("process.exit_observed", false))
		ps.span.End(trace.WithTimestamp(now))
		delete(f.spans, tgid)
	}
	return nil
}

func (f *OTELFormatter) handleFork(ev connector.ProcEvent, fork connector.Fork) error {
	if fork.ChildPID != fork.ChildTGID {
		// New thread in an existing thread group.
		f.addEvent(ev)
		return nil
	}

	var parentCtx trace.SpanContext
	if parent, ok := f.spans[fork.ParentTGID]; ok {
		parentCtx = parent.span.SpanContext()
	}

	f.startSpan(ev, fork.ChildTGID, parentCtx,
		attribute.Int64("process.pid", int64(fork.ChildTGID)),
		attribute.Int64("process.parent_pid", int64(fork.ParentTGID)),
	)
	return nil
}

func (f *OTELFormatter) handleExec(ev connector.ProcEvent, exec connector.Exec) error {
	if _, ok := f.spans[exec.TGID]; ok {
		f.addEvent(ev)
		return nil
	}

	// The process predates tracing; it gets a root span from here on.
	f.startSpan(ev, exec.TGID, trace.SpanContext{},
		attribute.Int64("process.pid", int64(exec.TGID)),
		attribute.Bool("process.fork_observed", false),
	)
	f.addEvent(ev)
	return nil
}

func (f *OTELFormatter) handleExit(ev connector.ProcEvent, exit connector.Exit) error {
	ps, ok := f.spans[exit.ProcessTGID]
	if !ok {
		// No span found - process started before tracing
		return nil
	}

	if exit.ProcessPID != exit.ProcessTGID {
		// A thread exited; the process goes on.
		f.addEvent(ev)
		return nil
	}

	//nolint:gosec // uint64 to int64 conversion for duration is safe
	ps.span.SetAttributes(
		attribute.Int64("process.exit.code", int64(exit.ExitCode)),
		attribute.Int64("process.exit.signal", int64(exit.ExitSignal)),
		attribute.Int64("process.duration_ns", int64(ev.Timestamp-ps.startTime)),
	)

	f.setMetadataAttributes(ps.span, exit.ProcessTGID)

	customAttrs, err := f.evaluator.EvaluateCustomAttributes(ev)
	if len(customAttrs) > 0 {
		ps.span.SetAttributes(customAttrs...)
	}
	if err != nil {
		ps.span.SetAttributes(attribute.String("_tracing_error_0", err.Error()))
	}

	if exit.ExitCode != 0 {
		ps.span.SetStatus(codes.Error, fmt.Sprintf("exit status %#x", exit.ExitCode))
	}

	ps.span.End(trace.WithTimestamp(f.converter.MonotonicToWallClock(ev.Timestamp)))
	delete(f.spans, exit.ProcessTGID)
	return nil
}

// setMetadataAttributes copies what the process table knows about tgid
// onto span.
func (f *OTELFormatter) setMetadataAttributes(span trace.Span, tgid uint32) {
	if f.metadata == nil {
		return
	}
	md, ok := f.metadata.Get(tgid)
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{attribute.Int("process.exec.count", md.Execs)}
	if md.Comm != "" {
		attrs = append(attrs, attribute.String("process.command", md.Comm))
	}
	if md.UIDKnown {
		attrs = append(attrs,
			attribute.Int64("process.real_user.id", int64(md.UID)),
			attribute.Int64("process.user.id", int64(md.EUID)),
		)
	}
	if md.GIDKnown {
		attrs = append(attrs,
			attribute.Int64("process.real_group.id", int64(md.GID)),
			attribute.Int64("process.group.id", int64(md.EGID)),
		)
	}
	if md.CoreDumped {
		attrs = append(attrs, attribute.Bool("process.core_dumped", true))
	}
	for i, issue := range f.metadata.GetIssues(tgid) {
		attrs = append(attrs, attribute.String(fmt.Sprintf("_tracing_warning_%d", i), issue))
	}
	span.SetAttributes(attrs...)
}

// startSpan opens the span of thread group tgid. Without a parent, the
// trace ID comes from the trace-id expression when one is configured.
func (f *OTELFormatter) startSpan(ev connector.ProcEvent, tgid uint32, parent trace.SpanContext, attrs ...attribute.KeyValue) {
	if prev, ok := f.spans[tgid]; ok {
		// The pid was reused before we saw the old process exit.
		prev.span.SetAttributes(attribute.Bool("process.exit_observed", false))
		prev.span.End(trace.WithTimestamp(f.converter.MonotonicToWallClock(ev.Timestamp)))
	}

	ctx := context.Background()
	if parent.IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, parent)
	} else {
		var warnings []attribute.KeyValue
		ctx, warnings = f.rootContext(ctx, ev)
		attrs = append(attrs, warnings...)
	}

	_, span := f.tracer.Start(ctx, processSpanName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(f.converter.MonotonicToWallClock(ev.Timestamp)),
		trace.WithAttributes(attrs...),
	)

	f.spans[tgid] = &processSpan{span: span, startTime: ev.Timestamp}
}

// rootContext places a root span in the trace chosen by the trace-id
// expression. The remote parent's span ID is derived from the trace ID,
// so all roots of one trace hang off the same parent.
func (f *OTELFormatter) rootContext(ctx context.Context, ev connector.ProcEvent) (context.Context, []attribute.KeyValue) {
	traceID, warnings, err := f.traceIDs.EvaluateAndValidate(ev)
	if err != nil {
		f.logger.Warn("trace-id evaluation failed, using a random trace ID", zap.Error(err))
		return ctx, []attribute.KeyValue{attribute.String("_tracing_error_0", err.Error())}
	}
	if !traceID.IsValid() {
		return ctx, warnings
	}

	sum := sha256.Sum256(traceID[:])
	var spanID trace.SpanID
	copy(spanID[:], sum[:])

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc), warnings
}

// addEvent records ev on the span of the process it is about.
func (f *OTELFormatter) addEvent(ev connector.ProcEvent) {
	_, tgid, ok := attributes.Subject(ev.Event)
	if !ok {
		return
	}
	ps, ok := f.spans[tgid]
	if !ok {
		return
	}

	fields := attributes.EventFields(ev.Event)
	attrs := make([]attribute.KeyValue, 0, len(fields)+1)
	attrs = append(attrs, attribute.Int64("cpu", int64(ev.CPU)))
	for _, field := range fields {
		attrs = append(attrs, fieldAttribute(field))
	}

	if c, ok := ev.Event.(connector.Comm); ok {
		ps.span.SetAttributes(attribute.String("process.command", c.Name()))
	}

	ps.span.AddEvent("process."+ev.Event.Kind().String(),
		trace.WithTimestamp(f.converter.MonotonicToWallClock(ev.Timestamp)),
		trace.WithAttributes(attrs...),
	)
}

func fieldAttribute(field attributes.Field) attribute.KeyValue {
	switch v := field.Value.(type) {
	case uint32:
		return attribute.Int64(field.Key, int64(v))
	case string:
		return attribute.String(field.Key, v)
	default:
		return attribute.String(field.Key, fmt.Sprint(v))
	}
}
