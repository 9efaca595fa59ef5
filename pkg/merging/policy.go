package merging

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Ramsey-B/fern/pkg/models"
)

// DefaultPolicy merges only exact document matches with a near-certain score
const DefaultPolicy = "features.document_exact == 1.0 && score >= 0.95"

// Policy is a compiled auto-merge CEL expression over score, auto_suggest and features
type Policy struct {
	source  string
	program cel.Program
}

func NewPolicy(expression string) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("score", cel.DoubleType),
		cel.Variable("auto_suggest", cel.BoolType),
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("auto-merge policy must evaluate to bool, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	return &Policy{source: expression, program: program}, nil
}

func (p *Policy) String() string {
	return p.source
}

// Matches evaluates the policy against one candidate
func (p *Policy) Matches(candidate models.MergeCandidate) (bool, error) {
	features := make(map[string]float64, 5)
	for name, v := range candidate.Features.AsMap() {
		features[name] = v.(float64)
	}

	out, _, err := p.program.Eval(map[string]any{
		"score":        candidate.Score,
		"auto_suggest": candidate.AutoSuggest,
		"features":     features,
	})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not boolean")
	}
	return matched, nil
}
