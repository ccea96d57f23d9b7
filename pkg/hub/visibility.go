package hub

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// visibilityExpr is evaluated once per dependency-edge candidate (spec
// §4.6: "A's output would be visible to B"). It is a fixed constant,
// compiled once by NewVisibilityChecker; there is no configuration path
// for it, so changing the rule means editing this expression.
const visibilityExpr = `provider_index_uri == consumer_index_uri || consumer_remote_index_uris.exists(u, u == provider_index_uri)`

// VisibilityChecker evaluates the DAG edge visibility predicate.
type VisibilityChecker struct {
	program cel.Program
}

// NewVisibilityChecker compiles the default visibility expression.
func NewVisibilityChecker() (*VisibilityChecker, error) {
	env, err := cel.NewEnv(
		cel.Variable("provider_index_uri", cel.StringType),
		cel.Variable("consumer_index_uri", cel.StringType),
		cel.Variable("consumer_remote_index_uris", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("hub: visibility env: %w", err)
	}

	ast, issues := env.Compile(visibilityExpr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("hub: compile visibility expr: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("hub: visibility program: %w", err)
	}
	return &VisibilityChecker{program: prg}, nil
}

// Visible reports whether a provider task's output in profile providerIdx
// would be visible to a consumer profile with index consumerIdx and
// remotes consumerRemotes.
func (v *VisibilityChecker) Visible(providerIdx, consumerIdx string, consumerRemotes []string) (bool, error) {
	out, _, err := v.program.Eval(map[string]any{
		"provider_index_uri":        providerIdx,
		"consumer_index_uri":        consumerIdx,
		"consumer_remote_index_uris": consumerRemotes,
	})
	if err != nil {
		return false, fmt.Errorf("hub: evaluate visibility: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("hub: visibility expression did not return bool")
	}
	return b, nil
}
