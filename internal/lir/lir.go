// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package lir is the low-level, self-composed, single-assignment IR: a
// flat sequence of SSA-style nodes with no control flow of its own.
// Branches never appear as LIR nodes; instead each variable definition
// downstream of a branch is either a plain value (valid regardless of
// which way the branch resolved, since the transient CFG already walked
// every direction separately as a distinct node) or, at a point where two
// distinct control paths converge on the same program point, a guarded
// merge of the two incoming values — the "phi-style conditional assign"
// the data model calls for. This keeps the IR a pure dataflow formula, the
// shape an SMT encoder wants.
package lir

import "snicheck/internal/mir"

// Sort is the SMT-visible type of a LIR value.
type Sort int

const (
	SortBitVector Sort = iota
	SortBool
	SortArray
)

// Expr is a LIR-level expression: a closed sum over variable references,
// literals, bit-vector/boolean operators, array select/store, and
// uninterpreted function calls (used for opaque operations such as an
// indirect call's return value or a BTB/cache lookup result).
type Expr interface {
	lirExprNode()
}

// VarRef reads the current value of a previously defined LIR variable.
type VarRef struct {
	Name string
}

func (VarRef) lirExprNode() {}

// Const is a literal bit-vector constant.
type Const struct {
	Value uint64
}

func (Const) lirExprNode() {}

// BoolConst is a literal boolean constant.
type BoolConst struct {
	Value bool
}

func (BoolConst) lirExprNode() {}

// BinExpr mirrors mir.BinExpr at the LIR level.
type BinExpr struct {
	Op    mir.BinOp
	Left  Expr
	Right Expr
}

func (BinExpr) lirExprNode() {}

// UnExpr mirrors mir.UnExpr at the LIR level.
type UnExpr struct {
	Op mir.UnOp
	X  Expr
}

func (UnExpr) lirExprNode() {}

// CmpExpr mirrors mir.CmpExpr at the LIR level, yielding a boolean.
type CmpExpr struct {
	Op    mir.CmpOp
	Left  Expr
	Right Expr
}

func (CmpExpr) lirExprNode() {}

// IteExpr is a conditional value: the phi-style merge at a control-flow
// join, and the gating construct used to make a guarded effect (a
// transient write, a gated observation) collapse to "no change" when its
// guard does not hold.
type IteExpr struct {
	Cond Expr
	Then Expr
	Else Expr
}

func (IteExpr) lirExprNode() {}

// SelectExpr reads Index out of an array-sorted expression (memory or a
// microarchitectural table).
type SelectExpr struct {
	Array Expr
	Index Expr
}

func (SelectExpr) lirExprNode() {}

// StoreExpr produces a new array value equal to Array everywhere except
// at Index, which now holds Value.
type StoreExpr struct {
	Array Expr
	Index Expr
	Value Expr
}

func (StoreExpr) lirExprNode() {}

// ConstArrayExpr is an array whose every index maps to Value — the
// "start with an empty cache" initial state, and the default initial
// state of any microarchitectural table otherwise left unconstrained.
type ConstArrayExpr struct {
	Value Expr
}

func (ConstArrayExpr) lirExprNode() {}

// UFCallExpr invokes an uninterpreted function — the opaque abstraction
// for an indirect call's return value and for the BTB's attacker-steered
// target.
type UFCallExpr struct {
	Name string
	Args []Expr
	Sort Sort
}

func (UFCallExpr) lirExprNode() {}

// Node is one LIR statement.
type Node interface {
	lirNode()
}

// AssignNode binds Var, fresh, to Expr's value. Sort records Var's SMT
// sort so the encoder can declare it without re-inferring types.
type AssignNode struct {
	Var  string
	Expr Expr
	Sort Sort
}

func (AssignNode) lirNode() {}

// AssumeNode restricts the formula to models where Expr holds.
type AssumeNode struct {
	Expr Expr
}

func (AssumeNode) lirNode() {}

// AssertNode obliges Expr to hold; the encoder seeks a counterexample by
// asserting its negation.
type AssertNode struct {
	Expr Expr
}

func (AssertNode) lirNode() {}

// ObserveNode records one attacker-visible observation on Channel. Copy
// distinguishes the self-composition namespace ("a" or "b", empty before
// self-composition runs) so a later pass can pair up corresponding
// observations across the two executions.
type ObserveNode struct {
	Expr    Expr
	Channel string
	Copy    string
}

func (ObserveNode) lirNode() {}

// Program is the flat LIR program: every node in the order it was
// produced, plus the declared sort of every variable Program's nodes
// reference by name (needed by the encoder to declare SMT constants for
// variables that are read — e.g. the two initial copies of a low input —
// without having been the Var of an AssignNode).
type Program struct {
	Nodes     []Node
	VarSorts  map[string]Sort
	LowInputs []string // variable names equated between the two copies
}

func (p *Program) declare(name string, sort Sort) {
	if p.VarSorts == nil {
		p.VarSorts = make(map[string]Sort)
	}
	p.VarSorts[name] = sort
}
