package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

// CELSpec declares an extra policy as a boolean CEL expression over
// `case` (the case as a JSON map) and `confidence`. The policy passes when
// the expression is true.
type CELSpec struct {
	ID          string                   `yaml:"id" json:"id"`
	Name        string                   `yaml:"name" json:"name"`
	Expression  string                   `yaml:"expression" json:"expression"`
	Action      contracts.RequiredAction `yaml:"action" json:"action"`
	Recoverable bool                     `yaml:"recoverable" json:"recoverable"`
	Reason      string                   `yaml:"reason" json:"reason"`
}

// CELPolicy is a compiled CELSpec. Programs are safe for concurrent use.
type CELPolicy struct {
	spec CELSpec
	prg  cel.Program
}

// NewCELPolicy compiles spec.
func NewCELPolicy(spec CELSpec) (*CELPolicy, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("cel policy: id is required")
	}
	switch spec.Action {
	case contracts.ActionBlock, contracts.ActionEscalate, contracts.ActionHumanReview:
	case contracts.ActionNone:
		spec.Action = contracts.ActionHumanReview
	default:
		return nil, fmt.Errorf("cel policy %s: unknown action %q", spec.ID, spec.Action)
	}

	env, err := cel.NewEnv(
		cel.Variable("case", cel.DynType),
		cel.Variable("confidence", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(spec.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel policy %s: compile: %w", spec.ID, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("cel policy %s: expression must be boolean, got %s", spec.ID, out)
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("cel policy %s: program: %w", spec.ID, err)
	}
	return &CELPolicy{spec: spec, prg: prg}, nil
}

// CompileCEL compiles every spec, stopping at the first error.
func CompileCEL(specs []CELSpec) ([]Policy, error) {
	out := make([]Policy, 0, len(specs))
	for _, s := range specs {
		p, err := NewCELPolicy(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (p *CELPolicy) ID() string { return p.spec.ID }

func (p *CELPolicy) Name() string {
	if p.spec.Name == "" {
		return p.spec.ID
	}
	return p.spec.Name
}

func (p *CELPolicy) Check(ctx context.Context, in Input) (contracts.PolicyResult, error) {
	caseMap, err := asMap(in.Case)
	if err != nil {
		return contracts.PolicyResult{}, err
	}
	out, _, err := p.prg.ContextEval(ctx, map[string]any{
		"case":       caseMap,
		"confidence": in.Confidence,
	})
	if err != nil {
		return contracts.PolicyResult{}, fmt.Errorf("eval: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return contracts.PolicyResult{}, fmt.Errorf("result not bool")
	}
	if ok {
		return pass(p, "expression satisfied"), nil
	}
	reason := p.spec.Reason
	if reason == "" {
		reason = "expression not satisfied: " + p.spec.Expression
	}
	return fail(p, p.spec.Action, p.spec.Recoverable, reason, nil), nil
}

func asMap(c contracts.Case) (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
