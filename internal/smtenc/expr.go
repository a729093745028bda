// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package smtenc

import (
	"fmt"

	"github.com/pkg/errors"

	"snicheck/internal/lir"
	"snicheck/internal/mir"
)

const bvWidth = mir.RegisterWidth

// quote wraps name as an SMT-LIB quoted symbol. LIR variable names carry
// '#' and '.' freely (namespace prefixes, ".init" suffixes, ".phi"
// counters); quoting sidesteps the plain-symbol character grammar
// entirely instead of trying to transliterate every name that needs it.
func quote(name string) string { return "|" + name + "|" }

func sortString(s lir.Sort) string {
	switch s {
	case lir.SortBool:
		return "Bool"
	case lir.SortArray:
		return fmt.Sprintf("(Array (_ BitVec %d) (_ BitVec %d))", bvWidth, bvWidth)
	default:
		return fmt.Sprintf("(_ BitVec %d)", bvWidth)
	}
}

func bvLiteral(v uint64) string { return fmt.Sprintf("(_ bv%d %d)", v, bvWidth) }

// sortOf infers an expression's sort structurally. It exists because mir's
// BinOp/UnOp enum has no separate boolean variant: guard conjunction and
// negation reuse the bitwise And/Or/Not operators over Bool-sorted
// operands (see internal/lir's and/not/implies helpers), so the same
// opcode means "bvand" over register values and "and" over path
// conditions depending on what it's applied to.
func sortOf(e lir.Expr, varSorts map[string]lir.Sort) lir.Sort {
	switch t := e.(type) {
	case lir.VarRef:
		if s, ok := varSorts[t.Name]; ok {
			return s
		}
		return lir.SortBitVector
	case lir.Const:
		return lir.SortBitVector
	case lir.BoolConst:
		return lir.SortBool
	case lir.BinExpr:
		switch t.Op {
		case mir.OpAnd, mir.OpOr:
			if sortOf(t.Left, varSorts) == lir.SortBool {
				return lir.SortBool
			}
			return lir.SortBitVector
		default:
			return lir.SortBitVector
		}
	case lir.UnExpr:
		if t.Op == mir.UnNot && sortOf(t.X, varSorts) == lir.SortBool {
			return lir.SortBool
		}
		return lir.SortBitVector
	case lir.CmpExpr:
		return lir.SortBool
	case lir.IteExpr:
		return sortOf(t.Then, varSorts)
	case lir.SelectExpr:
		return lir.SortBitVector
	case lir.StoreExpr, lir.ConstArrayExpr:
		return lir.SortArray
	case lir.UFCallExpr:
		return t.Sort
	default:
		return lir.SortBitVector
	}
}

// coerceBV wraps a Bool-sorted expression as a 1/0 bit-vector. Only the
// cache channel ever stores a boolean ("touched") value into an
// otherwise uniformly bit-vector-valued array (internal/lir's LoadInstr
// lowering stores BoolConst{true} to mark an address touched); every
// array in the encoding is declared with a bit-vector element sort, so
// that one write site needs this conversion and nothing reads an array
// expecting a boolean back out.
func coerceBV(e lir.Expr, varSorts map[string]lir.Sort) lir.Expr {
	if sortOf(e, varSorts) != lir.SortBool {
		return e
	}
	return lir.IteExpr{Cond: e, Then: lir.Const{Value: 1}, Else: lir.Const{Value: 0}}
}

type ufSig struct {
	name    string
	arity   int
	argSort lir.Sort
	result  lir.Sort
}

// encoder threads the variable-sort table and UF signature registry
// through expression translation; both are read-only once Encode's
// declaration pass has populated them.
type encoder struct {
	varSorts map[string]lir.Sort
	ufs      map[string]ufSig
}

func (enc *encoder) registerUF(name string, arity int, argSort, result lir.Sort) error {
	if existing, ok := enc.ufs[name]; ok {
		if existing.arity != arity || existing.argSort != argSort || existing.result != result {
			return errors.Errorf("smt encoding: function %q used with inconsistent signature", name)
		}
		return nil
	}
	enc.ufs[name] = ufSig{name: name, arity: arity, argSort: argSort, result: result}
	return nil
}

func (enc *encoder) collectUFs(e lir.Expr) error {
	switch t := e.(type) {
	case lir.BinExpr:
		if err := enc.collectUFs(t.Left); err != nil {
			return err
		}
		return enc.collectUFs(t.Right)
	case lir.UnExpr:
		return enc.collectUFs(t.X)
	case lir.CmpExpr:
		if err := enc.collectUFs(t.Left); err != nil {
			return err
		}
		return enc.collectUFs(t.Right)
	case lir.IteExpr:
		if err := enc.collectUFs(t.Cond); err != nil {
			return err
		}
		if err := enc.collectUFs(t.Then); err != nil {
			return err
		}
		return enc.collectUFs(t.Else)
	case lir.SelectExpr:
		if err := enc.collectUFs(t.Array); err != nil {
			return err
		}
		return enc.collectUFs(t.Index)
	case lir.StoreExpr:
		if err := enc.collectUFs(t.Array); err != nil {
			return err
		}
		if err := enc.collectUFs(t.Index); err != nil {
			return err
		}
		return enc.collectUFs(t.Value)
	case lir.ConstArrayExpr:
		return enc.collectUFs(t.Value)
	case lir.UFCallExpr:
		argSort := lir.Sort(lir.SortBitVector)
		if len(t.Args) > 0 {
			argSort = sortOf(t.Args[0], enc.varSorts)
		}
		if err := enc.registerUF(t.Name, len(t.Args), argSort, t.Sort); err != nil {
			return err
		}
		for _, a := range t.Args {
			if err := enc.collectUFs(a); err != nil {
				return err
			}
		}
	}
	return nil
}

func (enc *encoder) sexpr(e lir.Expr) (string, error) {
	switch t := e.(type) {
	case lir.VarRef:
		return quote(t.Name), nil
	case lir.Const:
		return bvLiteral(t.Value), nil
	case lir.BoolConst:
		if t.Value {
			return "true", nil
		}
		return "false", nil
	case lir.BinExpr:
		return enc.binSexpr(t)
	case lir.UnExpr:
		return enc.unSexpr(t)
	case lir.CmpExpr:
		return enc.cmpSexpr(t)
	case lir.IteExpr:
		cond, err := enc.sexpr(t.Cond)
		if err != nil {
			return "", err
		}
		then, err := enc.sexpr(t.Then)
		if err != nil {
			return "", err
		}
		els, err := enc.sexpr(t.Else)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(ite %s %s %s)", cond, then, els), nil
	case lir.SelectExpr:
		array, err := enc.sexpr(t.Array)
		if err != nil {
			return "", err
		}
		index, err := enc.sexpr(t.Index)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(select %s %s)", array, index), nil
	case lir.StoreExpr:
		array, err := enc.sexpr(t.Array)
		if err != nil {
			return "", err
		}
		index, err := enc.sexpr(t.Index)
		if err != nil {
			return "", err
		}
		value, err := enc.sexpr(coerceBV(t.Value, enc.varSorts))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(store %s %s %s)", array, index, value), nil
	case lir.ConstArrayExpr:
		value, err := enc.sexpr(coerceBV(t.Value, enc.varSorts))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("((as const %s) %s)", sortString(lir.SortArray), value), nil
	case lir.UFCallExpr:
		if len(t.Args) == 0 {
			return quote(t.Name), nil
		}
		parts := make([]string, len(t.Args))
		for i, a := range t.Args {
			s, err := enc.sexpr(a)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return fmt.Sprintf("(%s %s)", quote(t.Name), joinSpace(parts)), nil
	default:
		return "", errors.Errorf("smt encoding: unhandled expression %T", e)
	}
}

func (enc *encoder) binSexpr(t lir.BinExpr) (string, error) {
	left, err := enc.sexpr(t.Left)
	if err != nil {
		return "", err
	}
	right, err := enc.sexpr(t.Right)
	if err != nil {
		return "", err
	}
	boolean := t.Op == mir.OpAnd || t.Op == mir.OpOr
	if boolean && sortOf(t.Left, enc.varSorts) == lir.SortBool {
		op := "and"
		if t.Op == mir.OpOr {
			op = "or"
		}
		return fmt.Sprintf("(%s %s %s)", op, left, right), nil
	}
	ops := map[mir.BinOp]string{
		mir.OpAdd: "bvadd", mir.OpSub: "bvsub", mir.OpMul: "bvmul",
		mir.OpAnd: "bvand", mir.OpOr: "bvor", mir.OpXor: "bvxor",
		mir.OpShl: "bvshl", mir.OpShr: "bvlshr",
	}
	op, ok := ops[t.Op]
	if !ok {
		return "", errors.Errorf("smt encoding: unhandled binary operator %v", t.Op)
	}
	return fmt.Sprintf("(%s %s %s)", op, left, right), nil
}

func (enc *encoder) unSexpr(t lir.UnExpr) (string, error) {
	x, err := enc.sexpr(t.X)
	if err != nil {
		return "", err
	}
	if t.Op == mir.UnNot && sortOf(t.X, enc.varSorts) == lir.SortBool {
		return fmt.Sprintf("(not %s)", x), nil
	}
	if t.Op == mir.UnNot {
		return fmt.Sprintf("(bvnot %s)", x), nil
	}
	return fmt.Sprintf("(bvneg %s)", x), nil
}

func (enc *encoder) cmpSexpr(t lir.CmpExpr) (string, error) {
	left, err := enc.sexpr(t.Left)
	if err != nil {
		return "", err
	}
	right, err := enc.sexpr(t.Right)
	if err != nil {
		return "", err
	}
	ops := map[mir.CmpOp]string{
		mir.CmpEq: "=", mir.CmpLt: "bvult", mir.CmpLe: "bvule",
		mir.CmpGt: "bvugt", mir.CmpGe: "bvuge",
	}
	if t.Op == mir.CmpNe {
		eq, err := enc.sexpr(lir.CmpExpr{Op: mir.CmpEq, Left: t.Left, Right: t.Right})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(not %s)", eq), nil
	}
	op, ok := ops[t.Op]
	if !ok {
		return "", errors.Errorf("smt encoding: unhandled comparison operator %v", t.Op)
	}
	return fmt.Sprintf("(%s %s %s)", op, left, right), nil
}

func joinSpace(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
