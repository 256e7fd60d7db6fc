package filter

import (
	"context"

	"github.com/flowrelay/relay/pkg/schema"
)

// Engine evaluates trigger filter expressions against event payloads.
// Two implementations: Expr (default) and CEL. Webhook payload transforms
// use the jq engine separately (see JQEngine).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines bundles the available engines for trigger evaluation.
type Engines struct {
	Expr *ExprEngine
	CEL  *CELEngine
	JQ   *JQEngine
}

// NewEngines constructs all engines.
func NewEngines() (*Engines, error) {
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		Expr: NewExprEngine(),
		CEL:  celEng,
		JQ:   NewJQEngine(),
	}, nil
}

// ForName returns the filter engine registered under name.
// An empty name selects expr, the default.
func (e *Engines) ForName(name string) (Engine, error) {
	switch name {
	case "", "expr":
		return e.Expr, nil
	case "cel":
		return e.CEL, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown filter engine %q", name)
	}
}

// Match evaluates a filter expression and coerces the result to a boolean.
// Non-boolean results are truthy when non-nil and non-false.
func Match(ctx context.Context, eng Engine, expression string, data map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}
	out, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return true, nil
	}
}
