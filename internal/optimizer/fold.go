// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package optimizer

import (
	"snicheck/internal/lir"
	"snicheck/internal/mir"
)

func foldBin(op mir.BinOp, left, right lir.Expr) (lir.Expr, bool) {
	lc, lok := left.(lir.Const)
	rc, rok := right.(lir.Const)
	if lok && rok {
		switch op {
		case mir.OpAdd:
			return lir.Const{Value: lc.Value + rc.Value}, true
		case mir.OpSub:
			return lir.Const{Value: lc.Value - rc.Value}, true
		case mir.OpMul:
			return lir.Const{Value: lc.Value * rc.Value}, true
		case mir.OpAnd:
			return lir.Const{Value: lc.Value & rc.Value}, true
		case mir.OpOr:
			return lir.Const{Value: lc.Value | rc.Value}, true
		case mir.OpXor:
			return lir.Const{Value: lc.Value ^ rc.Value}, true
		case mir.OpShl:
			return lir.Const{Value: lc.Value << rc.Value}, true
		case mir.OpShr:
			return lir.Const{Value: lc.Value >> rc.Value}, true
		}
	}

	switch op {
	case mir.OpAnd:
		if (lok && lc.Value == 0) || (rok && rc.Value == 0) {
			return lir.Const{Value: 0}, true
		}
	case mir.OpOr:
		if lok && lc.Value == 0 {
			return right, true
		}
		if rok && rc.Value == 0 {
			return left, true
		}
	case mir.OpXor:
		if exprEqual(left, right) {
			return lir.Const{Value: 0}, true
		}
		if lok && lc.Value == 0 {
			return right, true
		}
		if rok && rc.Value == 0 {
			return left, true
		}
	case mir.OpAdd:
		if lok && lc.Value == 0 {
			return right, true
		}
		if rok && rc.Value == 0 {
			return left, true
		}
	case mir.OpSub:
		if rok && rc.Value == 0 {
			return left, true
		}
		if exprEqual(left, right) {
			return lir.Const{Value: 0}, true
		}
	case mir.OpMul:
		if (lok && lc.Value == 0) || (rok && rc.Value == 0) {
			return lir.Const{Value: 0}, true
		}
		if lok && lc.Value == 1 {
			return right, true
		}
		if rok && rc.Value == 1 {
			return left, true
		}
	case mir.OpShl, mir.OpShr:
		if rok && rc.Value == 0 {
			return left, true
		}
	}
	return nil, false
}

func foldUn(op mir.UnOp, x lir.Expr) (lir.Expr, bool) {
	switch op {
	case mir.UnNot:
		if b, ok := x.(lir.BoolConst); ok {
			return lir.BoolConst{Value: !b.Value}, true
		}
		if c, ok := x.(lir.Const); ok {
			return lir.Const{Value: ^c.Value}, true
		}
	case mir.UnNeg:
		if c, ok := x.(lir.Const); ok {
			return lir.Const{Value: -c.Value}, true
		}
	}
	return nil, false
}

func foldCmp(op mir.CmpOp, left, right lir.Expr) (lir.Expr, bool) {
	lc, lok := left.(lir.Const)
	rc, rok := right.(lir.Const)
	if lok && rok {
		switch op {
		case mir.CmpEq:
			return lir.BoolConst{Value: lc.Value == rc.Value}, true
		case mir.CmpNe:
			return lir.BoolConst{Value: lc.Value != rc.Value}, true
		case mir.CmpLt:
			return lir.BoolConst{Value: lc.Value < rc.Value}, true
		case mir.CmpLe:
			return lir.BoolConst{Value: lc.Value <= rc.Value}, true
		case mir.CmpGt:
			return lir.BoolConst{Value: lc.Value > rc.Value}, true
		case mir.CmpGe:
			return lir.BoolConst{Value: lc.Value >= rc.Value}, true
		}
	}
	if op == mir.CmpEq && exprEqual(left, right) {
		return lir.BoolConst{Value: true}, true
	}
	return nil, false
}

func foldIte(cond, then, els lir.Expr) (lir.Expr, bool) {
	if b, ok := cond.(lir.BoolConst); ok {
		if b.Value {
			return then, true
		}
		return els, true
	}
	if exprEqual(then, els) {
		return then, true
	}
	return nil, false
}
