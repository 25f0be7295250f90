package attributes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/proc-connector/internal/connector"
)

// TraceIDEvaluator derives a trace ID from an event, so that related
// events (for example all events of one thread group) share a trace.
type TraceIDEvaluator struct {
	program *vm.Program
}

// NewTraceIDEvaluator compiles exprStr. If exprStr is empty, the evaluator
// returns zero trace IDs and the SDK picks random ones.
func NewTraceIDEvaluator(exprStr string) (*TraceIDEvaluator, error) {
	if exprStr == "" {
		return &TraceIDEvaluator{}, nil
	}

	program, err := expr.Compile(exprStr, expr.Env(envKeys))
	if err != nil {
		return nil, fmt.Errorf("failed to compile trace-id expression: %w", err)
	}
	return &TraceIDEvaluator{program: program}, nil
}

// EvaluateAndValidate evaluates the trace-id expression for ev.
// A result that is not 32 hex characters is hashed with SHA-256; the
// returned attributes record that conversion.
func (e *TraceIDEvaluator) EvaluateAndValidate(ev connector.ProcEvent) (trace.TraceID, []attribute.KeyValue, error) {
	if e == nil || e.program == nil {
		return trace.TraceID{}, nil, nil
	}

	output, err := expr.Run(e.program, Env(ev))
	if err != nil {
		return trace.TraceID{}, nil, fmt.Errorf("failed to evaluate trace-id expression: %w", err)
	}

	resultStr := fmt.Sprint(output)
	if len(resultStr) == 32 {
		if traceID, err := trace.TraceIDFromHex(resultStr); err == nil {
			return traceID, nil, nil
		}
	}

	hash := sha256.Sum256([]byte(resultStr))
	traceID, err := trace.TraceIDFromHex(hex.EncodeToString(hash[:16]))
	if err != nil {
		return trace.TraceID{}, nil, fmt.Errorf("failed to create trace ID from hash: %w", err)
	}

	warnings := []attribute.KeyValue{
		attribute.String("_trace_id_expr_result", resultStr),
		attribute.String("_trace_id_invalid_warning", fmt.Sprintf("expression result %q is not a 32-char hex trace ID, used its SHA-256 hash", resultStr)),
	}
	return traceID, warnings, nil
}
