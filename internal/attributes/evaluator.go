package attributes

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"

	"github.com/mrzor/proc-connector/internal/config"
	"github.com/mrzor/proc-connector/internal/connector"
)

// Filter decides whether an event is kept.
type Filter struct {
	program *vm.Program
}

// NewFilter compiles a boolean expression over the event environment.
// An empty expression keeps every event.
func NewFilter(exprStr string) (*Filter, error) {
	if exprStr == "" {
		return &Filter{}, nil
	}

	program, err := expr.Compile(exprStr, expr.Env(envKeys), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter expression: %w", err)
	}
	return &Filter{program: program}, nil
}

// Match runs the filter against ev.
func (f *Filter) Match(ev connector.ProcEvent) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}

	output, err := expr.Run(f.program, Env(ev))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter expression: %w", err)
	}
	keep, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("filter expression returned %T, want bool", output)
	}
	return keep, nil
}

// Evaluator handles compilation and evaluation of custom attribute expressions.
type Evaluator struct {
	customAttrs   []config.CustomAttribute
	compiledExprs []*vm.Program
}

// NewEvaluator creates a new attribute evaluator.
// It pre-compiles all custom attribute expressions.
func NewEvaluator(customAttrs []config.CustomAttribute) (*Evaluator, error) {
	compiledExprs := make([]*vm.Program, len(customAttrs))
	for i, attr := range customAttrs {
		program, err := expr.Compile(attr.Expression, expr.Env(envKeys))
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", attr.Name, err)
		}
		compiledExprs[i] = program
	}

	return &Evaluator{
		customAttrs:   customAttrs,
		compiledExprs: compiledExprs,
	}, nil
}

// EvaluateCustomAttributes evaluates every custom attribute against ev.
// An attribute whose expression fails is skipped; the failures are
// returned together with the attributes that did evaluate.
func (e *Evaluator) EvaluateCustomAttributes(ev connector.ProcEvent) ([]attribute.KeyValue, error) {
	if e == nil || len(e.customAttrs) == 0 {
		return nil, nil
	}

	env := Env(ev)

	var (
		attrs []attribute.KeyValue
		errs  error
	)
	for i, customAttr := range e.customAttrs {
		output, err := expr.Run(e.compiledExprs[i], env)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("attribute %q: %w", customAttr.Name, err))
			continue
		}
		attrs = append(attrs, expand(customAttr.Name, output)...)
	}

	return attrs, errs
}

// expand turns an expression result into attributes. Maps expand into one
// attribute per key, named name.key, in key order.
func expand(name string, output any) []attribute.KeyValue {
	outputValue := reflect.ValueOf(output)
	if outputValue.Kind() != reflect.Map {
		return []attribute.KeyValue{attribute.String(name, fmt.Sprint(output))}
	}

	keys := make([]string, 0, outputValue.Len())
	values := make(map[string]any, outputValue.Len())
	for _, key := range outputValue.MapKeys() {
		k := sanitizeAttributeName(fmt.Sprint(key.Interface()))
		keys = append(keys, k)
		values[k] = outputValue.MapIndex(key).Interface()
	}
	slices.Sort(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(name+"."+k, fmt.Sprint(values[k])))
	}
	return attrs
}

// sanitizeAttributeName replaces non-alphanumeric characters with underscores.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
