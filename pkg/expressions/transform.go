package expressions

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// MaxTransformLength bounds the source size of a field transform.
const MaxTransformLength = 1024

// TransformEvaluator runs field transforms such as `value * 100` or
// `upper(trim(value))`. Programs see a single `value` variable and the expr
// builtins; they cannot call Go functions or reach the host.
type TransformEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

func NewTransformEvaluator() *TransformEvaluator {
	return &TransformEvaluator{cache: make(map[string]*vm.Program)}
}

type transformEnv struct {
	Value any `expr:"value"`
}

func (t *TransformEvaluator) Evaluate(expression string, value any) (any, error) {
	program, err := t.compile(expression)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, transformEnv{Value: value})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate transform %q: %w", expression, err)
	}
	return out, nil
}

func (t *TransformEvaluator) Validate(expression string) error {
	_, err := t.compile(expression)
	return err
}

func (t *TransformEvaluator) compile(expression string) (*vm.Program, error) {
	if len(expression) > MaxTransformLength {
		return nil, fmt.Errorf("transform exceeds %d characters", MaxTransformLength)
	}

	t.mu.RLock()
	if program, ok := t.cache[expression]; ok {
		t.mu.RUnlock()
		return program, nil
	}
	t.mu.RUnlock()

	program, err := expr.Compile(expression, expr.Env(transformEnv{}))
	if err != nil {
		return nil, fmt.Errorf("invalid transform %q: %w", expression, err)
	}

	t.mu.Lock()
	t.cache[expression] = program
	t.mu.Unlock()
	return program, nil
}
