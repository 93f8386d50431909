package service

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ConditionEvaluator compiles and runs step conditions. Compiled programs are
// cached by source text.
type ConditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewConditionEvaluator creates an evaluator with an empty program cache.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{cache: make(map[string]*vm.Program)}
}

// ConditionEnv is the data a step condition can reference.
type ConditionEnv struct {
	Payload       map[string]any
	RequesterID   string
	RequesterRole string
	RequesterRank int
	Category      string
}

func (c ConditionEnv) toMap() map[string]any {
	payload := c.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"payload": payload,
		"requester": map[string]any{
			"id":   c.RequesterID,
			"role": c.RequesterRole,
			"rank": c.RequesterRank,
		},
		"category": c.Category,
	}
}

// Compile checks that source is a valid boolean expression.
func (e *ConditionEvaluator) Compile(source string) error {
	_, err := e.program(source)
	return err
}

// Evaluate runs source against env. An empty condition is always true.
func (e *ConditionEvaluator) Evaluate(source string, env ConditionEnv) (bool, error) {
	if source == "" {
		return true, nil
	}
	program, err := e.program(source)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env.toMap())
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", source, out)
	}
	return b, nil
}

func (e *ConditionEvaluator) program(source string) (*vm.Program, error) {
	e.mu.RLock()
	if p, ok := e.cache[source]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.cache[source]; ok {
		return p, nil
	}

	p, err := expr.Compile(source, expr.Env(ConditionEnv{}.toMap()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", source, err)
	}
	e.cache[source] = p
	return p, nil
}
