// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package optimizer rewrites a lir.Program at one of three levels: none
// (identity), basic (copy propagation), full (constant folding plus
// algebraic simplification, then copy propagation). Every level is
// implemented as a single forward substitution pass rather than an
// explicit fixpoint loop over separate fold/propagate passes — LIR is
// SSA-ordered (every definition strictly precedes its uses in Program's
// node list), so a variable's simplified, fully-substituted value is
// always already known by the time a later node reads it, and iterating
// further would never find anything new.
package optimizer

import (
	"reflect"

	"snicheck/internal/envcfg"
	"snicheck/internal/lir"
)

// Optimize returns a new program; p is never mutated.
func Optimize(p *lir.Program, level string) *lir.Program {
	fold := level == envcfg.OptFull
	propagate := level != envcfg.OptNone

	out := &lir.Program{VarSorts: make(map[string]lir.Sort, len(p.VarSorts)), LowInputs: append([]string(nil), p.LowInputs...)}
	subst := map[string]lir.Expr{}

	for name, sort := range p.VarSorts {
		out.VarSorts[name] = sort
	}

	for _, n := range p.Nodes {
		switch t := n.(type) {
		case lir.AssignNode:
			expr := rewrite(subst, t.Expr, fold)
			if propagate && isTrivial(expr, fold) {
				subst[t.Var] = expr
				delete(out.VarSorts, t.Var)
				continue
			}
			out.Nodes = append(out.Nodes, lir.AssignNode{Var: t.Var, Expr: expr, Sort: t.Sort})

		case lir.AssumeNode:
			out.Nodes = append(out.Nodes, lir.AssumeNode{Expr: rewrite(subst, t.Expr, fold)})

		case lir.AssertNode:
			out.Nodes = append(out.Nodes, lir.AssertNode{Expr: rewrite(subst, t.Expr, fold)})

		case lir.ObserveNode:
			out.Nodes = append(out.Nodes, lir.ObserveNode{Expr: rewrite(subst, t.Expr, fold), Channel: t.Channel, Copy: t.Copy})
		}
	}
	return out
}

// isTrivial reports whether e is a value simple enough to substitute
// directly at every use rather than keep as a named binding. VarRef
// copies are always trivial (copy propagation, basic level and up);
// Const/BoolConst are only trivial once folding is enabled, since
// propagating a bare source-level constant literal is constant
// propagation, a full-level-only optimization.
func isTrivial(e lir.Expr, fold bool) bool {
	switch e.(type) {
	case lir.VarRef:
		return true
	case lir.Const, lir.BoolConst:
		return fold
	default:
		return false
	}
}

func exprEqual(a, b lir.Expr) bool { return reflect.DeepEqual(a, b) }

func rewrite(subst map[string]lir.Expr, e lir.Expr, fold bool) lir.Expr {
	switch t := e.(type) {
	case lir.VarRef:
		if v, ok := subst[t.Name]; ok {
			return v
		}
		return t
	case lir.Const, lir.BoolConst:
		return t
	case lir.BinExpr:
		left := rewrite(subst, t.Left, fold)
		right := rewrite(subst, t.Right, fold)
		if fold {
			if folded, ok := foldBin(t.Op, left, right); ok {
				return folded
			}
		}
		return lir.BinExpr{Op: t.Op, Left: left, Right: right}
	case lir.UnExpr:
		x := rewrite(subst, t.X, fold)
		if fold {
			if folded, ok := foldUn(t.Op, x); ok {
				return folded
			}
		}
		return lir.UnExpr{Op: t.Op, X: x}
	case lir.CmpExpr:
		left := rewrite(subst, t.Left, fold)
		right := rewrite(subst, t.Right, fold)
		if fold {
			if folded, ok := foldCmp(t.Op, left, right); ok {
				return folded
			}
		}
		return lir.CmpExpr{Op: t.Op, Left: left, Right: right}
	case lir.IteExpr:
		cond := rewrite(subst, t.Cond, fold)
		then := rewrite(subst, t.Then, fold)
		els := rewrite(subst, t.Else, fold)
		if fold {
			if folded, ok := foldIte(cond, then, els); ok {
				return folded
			}
		}
		return lir.IteExpr{Cond: cond, Then: then, Else: els}
	case lir.SelectExpr:
		array := rewrite(subst, t.Array, fold)
		index := rewrite(subst, t.Index, fold)
		if fold {
			if store, ok := array.(lir.StoreExpr); ok && exprEqual(store.Index, index) {
				return store.Value
			}
		}
		return lir.SelectExpr{Array: array, Index: index}
	case lir.StoreExpr:
		return lir.StoreExpr{Array: rewrite(subst, t.Array, fold), Index: rewrite(subst, t.Index, fold), Value: rewrite(subst, t.Value, fold)}
	case lir.ConstArrayExpr:
		return lir.ConstArrayExpr{Value: rewrite(subst, t.Value, fold)}
	case lir.UFCallExpr:
		args := make([]lir.Expr, len(t.Args))
		for i, a := range t.Args {
			args[i] = rewrite(subst, a, fold)
		}
		return lir.UFCallExpr{Name: t.Name, Args: args, Sort: t.Sort}
	default:
		return e
	}
}
