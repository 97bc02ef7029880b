package quarantine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// RuleInput is the candidate quarantine a validation rule inspects.
type RuleInput struct {
	ModelName      string
	ObjectID       string
	CorruptionType string
	Reason         string
	Actor          string
	OriginalData   map[string]any
}

// RuleResult is a rule's verdict. A denied result carries the reason that
// is surfaced to the caller.
type RuleResult struct {
	Allowed bool
	Reason  string
}

// ValidationRule is one check in the ordered list the System runs before
// isolating a record. Rules are composed explicitly; there is no implicit
// dispatch.
type ValidationRule interface {
	Name() string
	Check(ctx context.Context, input RuleInput) RuleResult
}

// RuleFunc adapts a function to ValidationRule.
type RuleFunc struct {
	RuleName string
	Fn       func(ctx context.Context, input RuleInput) RuleResult
}

func (r RuleFunc) Name() string { return r.RuleName }

func (r RuleFunc) Check(ctx context.Context, input RuleInput) RuleResult {
	return r.Fn(ctx, input)
}

// RequireReason denies quarantines submitted without a reason.
func RequireReason() ValidationRule {
	return RuleFunc{
		RuleName: "require_reason",
		Fn: func(_ context.Context, input RuleInput) RuleResult {
			if input.Reason == "" {
				return RuleResult{Allowed: false, Reason: "quarantine reason is required"}
			}
			return RuleResult{Allowed: true}
		},
	}
}

// CELRule evaluates a CEL expression against the candidate quarantine.
// The expression must evaluate to bool; true allows the quarantine.
// Programs are compiled once and cached.
type CELRule struct {
	name string
	expr string

	once    sync.Once
	program cel.Program
	initErr error
}

// NewCELRule creates a rule from a CEL expression over the variables
// model_name, object_id, corruption_type, reason, actor, and data.
func NewCELRule(name, expr string) *CELRule {
	return &CELRule{name: name, expr: expr}
}

func (r *CELRule) Name() string { return r.name }

func (r *CELRule) compile() {
	env, err := cel.NewEnv(
		cel.Variable("model_name", cel.StringType),
		cel.Variable("object_id", cel.StringType),
		cel.Variable("corruption_type", cel.StringType),
		cel.Variable("reason", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("data", cel.DynType),
	)
	if err != nil {
		r.initErr = fmt.Errorf("cel environment: %w", err)
		return
	}
	ast, issues := env.Compile(r.expr)
	if issues != nil && issues.Err() != nil {
		r.initErr = fmt.Errorf("compile rule %s: %w", r.name, issues.Err())
		return
	}
	program, err := env.Program(ast)
	if err != nil {
		r.initErr = fmt.Errorf("program rule %s: %w", r.name, err)
		return
	}
	r.program = program
}

// Check evaluates the expression. Compile or evaluation errors deny the
// quarantine (fail closed) with the error as the reason.
func (r *CELRule) Check(_ context.Context, input RuleInput) RuleResult {
	r.once.Do(r.compile)
	if r.initErr != nil {
		return RuleResult{Allowed: false, Reason: r.initErr.Error()}
	}

	data := input.OriginalData
	if data == nil {
		data = map[string]any{}
	}
	out, _, err := r.program.Eval(map[string]any{
		"model_name":      input.ModelName,
		"object_id":       input.ObjectID,
		"corruption_type": input.CorruptionType,
		"reason":          input.Reason,
		"actor":           input.Actor,
		"data":            data,
	})
	if err != nil {
		return RuleResult{Allowed: false, Reason: fmt.Sprintf("rule %s evaluation failed: %v", r.name, err)}
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return RuleResult{Allowed: false, Reason: fmt.Sprintf("rule %s did not evaluate to bool", r.name)}
	}
	if !allowed {
		return RuleResult{Allowed: false, Reason: fmt.Sprintf("rule %s denied quarantine", r.name)}
	}
	return RuleResult{Allowed: true}
}
