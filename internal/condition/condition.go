// Package condition compiles and evaluates tuple conditions.
//
// A condition is a named boolean CEL expression over a declared, typed
// parameter schema. Expressions are limited to comparisons, boolean
// connectives and arithmetic; no custom functions are registered, so a
// condition cannot perform I/O or unbounded work.
package condition

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// ErrEvaluation marks a condition that could not be evaluated: missing
// required parameter, parameter type mismatch, or an expression runtime
// failure. Callers treat it as deny but log it apart from a structural
// deny.
var ErrEvaluation = errors.New("condition: evaluation error")

// ParamType is a declared condition parameter type.
type ParamType string

const (
	TypeString    ParamType = "string"
	TypeInt       ParamType = "int"
	TypeBool      ParamType = "bool"
	TypeTimestamp ParamType = "timestamp"
	TypeIPAddress ParamType = "ipaddress"
)

// Definition is a named condition with its parameter schema and body.
type Definition struct {
	Name       string
	Params     map[string]ParamType
	Expression string
}

func celType(p ParamType) (*cel.Type, error) {
	switch p {
	case TypeString, TypeIPAddress:
		return cel.StringType, nil
	case TypeInt:
		return cel.IntType, nil
	case TypeBool:
		return cel.BoolType, nil
	case TypeTimestamp:
		return cel.TimestampType, nil
	default:
		return nil, fmt.Errorf("condition: unknown parameter type %q", p)
	}
}

// Compile type-checks the condition body against its parameter schema
// and returns an evaluable program. The expression must produce a bool.
func Compile(def Definition) (cel.Program, error) {
	opts := make([]cel.EnvOption, 0, len(def.Params))
	for name, typ := range def.Params {
		ct, err := celType(typ)
		if err != nil {
			return nil, err
		}
		opts = append(opts, cel.Variable(name, ct))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(def.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition %q: %w", def.Name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition %q: expression must evaluate to bool, got %s", def.Name, ast.OutputType())
	}
	return env.Program(ast)
}

// Evaluator caches compiled programs per (model version, condition name)
// and evaluates them against merged tuple and request context.
type Evaluator struct {
	programs sync.Map
}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate runs the named condition with args. Every declared parameter
// must be present and of the declared type; anything else is
// ErrEvaluation.
func (e *Evaluator) Evaluate(modelID string, def Definition, args map[string]any) (bool, error) {
	program, err := e.load(modelID, def)
	if err != nil {
		return false, err
	}
	activation, err := coerceArgs(def, args)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("%w: condition %q: %v", ErrEvaluation, def.Name, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: condition %q: non-boolean result", ErrEvaluation, def.Name)
	}
	return allowed, nil
}

func (e *Evaluator) load(modelID string, def Definition) (cel.Program, error) {
	key := modelID + "/" + def.Name
	if cached, ok := e.programs.Load(key); ok {
		return cached.(cel.Program), nil
	}
	program, err := Compile(def)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	e.programs.Store(key, program)
	return program, nil
}

func coerceArgs(def Definition, args map[string]any) (map[string]any, error) {
	activation := make(map[string]any, len(def.Params))
	for name, typ := range def.Params {
		raw, ok := args[name]
		if !ok {
			return nil, fmt.Errorf("%w: condition %q: missing parameter %q", ErrEvaluation, def.Name, name)
		}
		v, err := coerceValue(typ, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: condition %q: parameter %q: %v", ErrEvaluation, def.Name, name, err)
		}
		activation[name] = v
	}
	return activation, nil
}

func coerceValue(typ ParamType, raw any) (any, error) {
	switch typ {
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil
	case TypeInt:
		switch v := raw.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			// JSON numbers decode as float64; accept integral values only.
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected int, got fractional %v", v)
			}
			return int64(v), nil
		default:
			return nil, fmt.Errorf("expected int, got %T", raw)
		}
	case TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", raw)
		}
		return b, nil
	case TypeTimestamp:
		switch v := raw.(type) {
		case time.Time:
			return v, nil
		case string:
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("expected RFC3339 timestamp: %v", err)
			}
			return ts, nil
		default:
			return nil, fmt.Errorf("expected timestamp, got %T", raw)
		}
	case TypeIPAddress:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected ip address string, got %T", raw)
		}
		if _, err := netip.ParseAddr(s); err != nil {
			return nil, fmt.Errorf("invalid ip address: %v", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown parameter type %q", typ)
	}
}
