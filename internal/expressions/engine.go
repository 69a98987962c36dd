// Package expressions provides the expression engines behind rule condition
// guards and the execution-log query tool. Three languages are supported:
// CEL (the default for conditions), Expr (deterministic logic) and jq (JSON
// transforms).
package expressions

import (
	"context"

	"github.com/rendis/autoflow/pkg/schema"
)

// Engine compiles and evaluates expressions of one language.
type Engine interface {
	Name() string
	// Check compiles the expression without evaluating it, for validation.
	Check(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope variable names available to condition expressions.
const (
	ScopeWorkItem   = "workitem"
	ScopeSubtasks   = "subtasks"
	ScopeActivities = "activities"
	ScopeVars       = "vars"
	ScopeState      = "state"
)

// Conditions dispatches condition specs to the engine matching their lang.
type Conditions struct {
	engines map[string]Engine
}

// NewConditions wires the three engines. CEL construction can fail; the
// others cannot.
func NewConditions() (*Conditions, error) {
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	c := &Conditions{engines: map[string]Engine{
		"cel":  celEng,
		"expr": NewExprEngine(),
		"jq":   NewGoJQEngine(),
	}}
	return c, nil
}

func (c *Conditions) engine(lang string) (Engine, error) {
	if lang == "" {
		lang = "cel"
	}
	eng, ok := c.engines[lang]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition language %q", lang)
	}
	return eng, nil
}

// Check verifies that a condition spec compiles.
func (c *Conditions) Check(spec *schema.ConditionSpec) error {
	if spec == nil || spec.Expression == "" {
		return nil
	}
	eng, err := c.engine(spec.Lang)
	if err != nil {
		return err
	}
	return eng.Check(spec.Expression)
}

// Evaluate runs a condition spec against the scope and coerces the result to
// a boolean. A nil spec or empty expression passes. Non-boolean results are
// truthy unless nil or false, matching how guards behave in the evaluator.
func (c *Conditions) Evaluate(ctx context.Context, spec *schema.ConditionSpec, scope map[string]any) (bool, error) {
	if spec == nil || spec.Expression == "" {
		return true, nil
	}
	eng, err := c.engine(spec.Lang)
	if err != nil {
		return false, err
	}
	out, err := eng.Evaluate(ctx, spec.Expression, scope)
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return true, nil
	}
}

// Query runs a jq expression over arbitrary JSON-shaped data, exposed by the
// flow.query tool for inspecting the execution log.
func (c *Conditions) Query(ctx context.Context, expression string, data map[string]any) (any, error) {
	return c.engines["jq"].Evaluate(ctx, expression, data)
}
