// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package solver

import (
	"fmt"
	"hash/fnv"

	"github.com/pkg/errors"

	"snicheck/internal/lir"
	"snicheck/internal/mir"
)

// arrayVal is a finite-override view of an SMT array: every index maps to
// def except the ones recorded in overrides. It mirrors store/select
// exactly enough to replay the handful of array operations LIR emits
// (mem/cache/btb/pht reads and writes), without attempting to decode a
// solver's own array-model syntax (chains of (store ((as const ...) ...)
// ...) terms, whose shape and whether it even comes back in the model at
// all varies by solver).
type arrayVal struct {
	def       uint64
	overrides map[uint64]uint64
}

func (a arrayVal) get(i uint64) uint64 {
	if v, ok := a.overrides[i]; ok {
		return v
	}
	return a.def
}

func (a arrayVal) store(i, v uint64) arrayVal {
	out := arrayVal{def: a.def, overrides: make(map[uint64]uint64, len(a.overrides)+1)}
	for k, vv := range a.overrides {
		out.overrides[k] = vv
	}
	out.overrides[i] = v
	return out
}

// buildEnv replays every AssignNode in program order, seeded with the
// model's free-variable bindings, reconstructing a concrete value for
// every LIR variable the program defines. This only works because LIR is
// SSA-ordered: by the time a node reads a variable, that variable's
// AssignNode has already run.
func buildEnv(p *lir.Program, bits map[string]uint64, bools map[string]bool) (map[string]any, error) {
	env := map[string]any{}
	for name, sort := range p.VarSorts {
		switch sort {
		case lir.SortBool:
			if v, ok := bools[name]; ok {
				env[name] = v
			}
		case lir.SortBitVector:
			if v, ok := bits[name]; ok {
				env[name] = v
			}
		}
	}
	for _, n := range p.Nodes {
		a, ok := n.(lir.AssignNode)
		if !ok {
			continue
		}
		v, err := evalExpr(a.Expr, env)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluating %s", a.Var)
		}
		env[a.Var] = v
	}
	return env, nil
}

func asUint64(v any) (uint64, error) {
	switch t := v.(type) {
	case uint64:
		return t, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, errors.Errorf("expected a scalar value, got %T", v)
	}
}

func asBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case uint64:
		return t != 0, nil
	default:
		return false, errors.Errorf("expected a boolean value, got %T", v)
	}
}

// evalExpr interprets a LIR expression over a concrete environment. A
// VarRef with no entry in env is a free variable the solver left
// unconstrained (nothing in the formula pins its value); it defaults to
// zero, the same convention the encoder's own array defaults use.
//
// UFCallExpr has no real interpretation available here: reading a
// solver's reported interpretation of an uninterpreted function back out
// of its model text is solver-specific and not attempted. Instead this
// derives a value deterministically from the function's name and its
// already-evaluated arguments, which preserves the one property the
// counterexample actually needs — equal arguments under the same
// function name always evaluate to the same result, so two copies that
// reach an indirect call or BTB lookup with identical resolved targets
// read back identical values, and divergent targets read back different
// ones.
func evalExpr(e lir.Expr, env map[string]any) (any, error) {
	switch t := e.(type) {
	case lir.VarRef:
		if v, ok := env[t.Name]; ok {
			return v, nil
		}
		return uint64(0), nil
	case lir.Const:
		return t.Value, nil
	case lir.BoolConst:
		return t.Value, nil
	case lir.BinExpr:
		left, err := evalExpr(t.Left, env)
		if err != nil {
			return nil, err
		}
		right, err := evalExpr(t.Right, env)
		if err != nil {
			return nil, err
		}
		if t.Op == mir.OpAnd || t.Op == mir.OpOr {
			if lb, ok := left.(bool); ok {
				rb, err := asBool(right)
				if err != nil {
					return nil, err
				}
				if t.Op == mir.OpAnd {
					return lb && rb, nil
				}
				return lb || rb, nil
			}
		}
		l, err := asUint64(left)
		if err != nil {
			return nil, err
		}
		r, err := asUint64(right)
		if err != nil {
			return nil, err
		}
		switch t.Op {
		case mir.OpAdd:
			return l + r, nil
		case mir.OpSub:
			return l - r, nil
		case mir.OpMul:
			return l * r, nil
		case mir.OpAnd:
			return l & r, nil
		case mir.OpOr:
			return l | r, nil
		case mir.OpXor:
			return l ^ r, nil
		case mir.OpShl:
			return l << (r % 64), nil
		case mir.OpShr:
			return l >> (r % 64), nil
		default:
			return nil, errors.Errorf("unhandled binary operator %v", t.Op)
		}
	case lir.UnExpr:
		x, err := evalExpr(t.X, env)
		if err != nil {
			return nil, err
		}
		if t.Op == mir.UnNot {
			if b, ok := x.(bool); ok {
				return !b, nil
			}
			u, err := asUint64(x)
			if err != nil {
				return nil, err
			}
			return ^u, nil
		}
		u, err := asUint64(x)
		if err != nil {
			return nil, err
		}
		return -u, nil
	case lir.CmpExpr:
		left, err := evalExpr(t.Left, env)
		if err != nil {
			return nil, err
		}
		right, err := evalExpr(t.Right, env)
		if err != nil {
			return nil, err
		}
		if t.Op == mir.CmpEq || t.Op == mir.CmpNe {
			var eq bool
			if lb, ok := left.(bool); ok {
				rb, err := asBool(right)
				if err != nil {
					return nil, err
				}
				eq = lb == rb
			} else {
				l, err := asUint64(left)
				if err != nil {
					return nil, err
				}
				r, err := asUint64(right)
				if err != nil {
					return nil, err
				}
				eq = l == r
			}
			if t.Op == mir.CmpEq {
				return eq, nil
			}
			return !eq, nil
		}
		l, err := asUint64(left)
		if err != nil {
			return nil, err
		}
		r, err := asUint64(right)
		if err != nil {
			return nil, err
		}
		switch t.Op {
		case mir.CmpLt:
			return l < r, nil
		case mir.CmpLe:
			return l <= r, nil
		case mir.CmpGt:
			return l > r, nil
		case mir.CmpGe:
			return l >= r, nil
		default:
			return nil, errors.Errorf("unhandled comparison operator %v", t.Op)
		}
	case lir.IteExpr:
		cond, err := evalExpr(t.Cond, env)
		if err != nil {
			return nil, err
		}
		b, err := asBool(cond)
		if err != nil {
			return nil, err
		}
		if b {
			return evalExpr(t.Then, env)
		}
		return evalExpr(t.Else, env)
	case lir.SelectExpr:
		arr, err := evalExpr(t.Array, env)
		if err != nil {
			return nil, err
		}
		idx, err := evalExpr(t.Index, env)
		if err != nil {
			return nil, err
		}
		i, err := asUint64(idx)
		if err != nil {
			return nil, err
		}
		a, ok := arr.(arrayVal)
		if !ok {
			return uint64(0), nil
		}
		return a.get(i), nil
	case lir.StoreExpr:
		arr, err := evalExpr(t.Array, env)
		if err != nil {
			return nil, err
		}
		idx, err := evalExpr(t.Index, env)
		if err != nil {
			return nil, err
		}
		val, err := evalExpr(t.Value, env)
		if err != nil {
			return nil, err
		}
		i, err := asUint64(idx)
		if err != nil {
			return nil, err
		}
		v, err := asUint64(val)
		if err != nil {
			return nil, err
		}
		a, _ := arr.(arrayVal)
		return a.store(i, v), nil
	case lir.ConstArrayExpr:
		val, err := evalExpr(t.Value, env)
		if err != nil {
			return nil, err
		}
		v, err := asUint64(val)
		if err != nil {
			return nil, err
		}
		return arrayVal{def: v}, nil
	case lir.UFCallExpr:
		h := fnv.New64a()
		fmt.Fprint(h, t.Name)
		for _, arg := range t.Args {
			v, err := evalExpr(arg, env)
			if err != nil {
				return nil, err
			}
			u, err := asUint64(v)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(h, "|%d", u)
		}
		return h.Sum64(), nil
	default:
		return nil, errors.Errorf("unhandled expression %T", e)
	}
}
