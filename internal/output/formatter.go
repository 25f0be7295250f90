package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mrzor/proc-connector/internal/attributes"
	"github.com/mrzor/proc-connector/internal/connector"
	"github.com/mrzor/proc-connector/internal/timesync"
)

// Formatter renders process events. Formatters are not safe for
// concurrent use; the event stream calls them from one goroutine.
type Formatter interface {
	HandleEvent(ev connector.ProcEvent) error
	Close() error
}

// lineFormatter holds what the text and JSON formatters share.
type lineFormatter struct {
	w         io.Writer
	converter *timesync.Converter
	evaluator *attributes.Evaluator
	logger    *zap.Logger
}

func (f *lineFormatter) customAttributes(ev connector.ProcEvent) []attribute.KeyValue {
	attrs, err := f.evaluator.EvaluateCustomAttributes(ev)
	if err != nil {
		f.logger.Warn("custom attribute evaluation failed", zap.Stringer("kind", ev.Event.Kind()), zap.Error(err))
	}
	return attrs
}

// TextFormatter writes one line per event:
//
//	2026-10-18T09:14:03.512339071Z cpu=3 exit pid=4211 tgid=4211 exit_code=0 ...
type TextFormatter struct {
	lineFormatter
}

// NewTextFormatter creates a TextFormatter writing to w. evaluator may be nil.
func NewTextFormatter(w io.Writer, converter *timesync.Converter, evaluator *attributes.Evaluator, logger *zap.Logger) *TextFormatter {
	return &TextFormatter{lineFormatter{w: w, converter: converter, evaluator: evaluator, logger: logger}}
}

func (f *TextFormatter) HandleEvent(ev connector.ProcEvent) error {
	var b strings.Builder

	b.WriteString(f.converter.MonotonicToWallClock(ev.Timestamp).UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, " cpu=%d %s", ev.CPU, ev.Event.Kind())
	for _, field := range attributes.EventFields(ev.Event) {
		if s, ok := field.Value.(string); ok {
			fmt.Fprintf(&b, " %s=%q", field.Key, s)
		} else {
			fmt.Fprintf(&b, " %s=%v", field.Key, field.Value)
		}
	}
	for _, attr := range f.customAttributes(ev) {
		fmt.Fprintf(&b, " %s=%q", attr.Key, attr.Value.Emit())
	}
	b.WriteByte('\n')

	_, err := io.WriteString(f.w, b.String())
	return err
}

func (f *TextFormatter) Close() error { return nil }

// JSONFormatter writes one JSON object per line. Event fields keep their
// wire order; custom attributes go under "attributes".
type JSONFormatter struct {
	lineFormatter
	api jsoniter.API
}

// NewJSONFormatter creates a JSONFormatter writing to w. evaluator may be nil.
func NewJSONFormatter(w io.Writer, converter *timesync.Converter, evaluator *attributes.Evaluator, logger *zap.Logger) *JSONFormatter {
	return &JSONFormatter{
		lineFormatter: lineFormatter{w: w, converter: converter, evaluator: evaluator, logger: logger},
		api:           jsoniter.ConfigCompatibleWithStandardLibrary,
	}
}

func (f *JSONFormatter) HandleEvent(ev connector.ProcEvent) error {
	stream := f.api.BorrowStream(f.w)
	defer f.api.ReturnStream(stream)

	stream.WriteObjectStart()
	stream.WriteObjectField("time")
	stream.WriteString(f.converter.MonotonicToWallClock(ev.Timestamp).UTC().Format(time.RFC3339Nano))
	stream.WriteMore()
	stream.WriteObjectField("cpu")
	stream.WriteUint32(ev.CPU)
	stream.WriteMore()
	stream.WriteObjectField("timestamp")
	stream.WriteUint64(ev.Timestamp)
	stream.WriteMore()
	stream.WriteObjectField("kind")
	stream.WriteString(ev.Event.Kind().String())

	for _, field := range attributes.EventFields(ev.Event) {
		stream.WriteMore()
		stream.WriteObjectField(field.Key)
		stream.WriteVal(field.Value)
	}

	if attrs := f.customAttributes(ev); len(attrs) > 0 {
		stream.WriteMore()
		stream.WriteObjectField("attributes")
		stream.WriteObjectStart()
		for i, attr := range attrs {
			if i > 0 {
				stream.WriteMore()
			}
			stream.WriteObjectField(string(attr.Key))
			stream.WriteString(attr.Value.Emit())
		}
		stream.WriteObjectEnd()
	}

	stream.WriteObjectEnd()
	stream.WriteRaw("\n")

	if stream.Error != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Event.Kind(), stream.Error)
	}
	return stream.Flush()
}

func (f *JSONFormatter) Close() error { return nil }
