// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package solver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"snicheck/internal/lir"
	"snicheck/internal/mir"
	"snicheck/internal/smtenc"
)

func diverdingProgram() *lir.Program {
	return &lir.Program{
		VarSorts: map[string]lir.Sort{
			"a#x.init": lir.SortBitVector,
			"b#x.init": lir.SortBitVector,
			"a#y":      lir.SortBitVector,
			"b#y":      lir.SortBitVector,
			"a#pht.1":  lir.SortArray,
			"b#pht.1":  lir.SortArray,
		},
		Nodes: []lir.Node{
			lir.AssignNode{Var: "a#y", Expr: lir.BinExpr{Op: mir.OpAdd, Left: lir.VarRef{Name: "a#x.init"}, Right: lir.Const{Value: 1}}, Sort: lir.SortBitVector},
			lir.AssignNode{Var: "b#y", Expr: lir.BinExpr{Op: mir.OpAdd, Left: lir.VarRef{Name: "b#x.init"}, Right: lir.Const{Value: 1}}, Sort: lir.SortBitVector},
			lir.AssignNode{Var: "a#pht.1", Expr: lir.StoreExpr{Array: lir.ConstArrayExpr{Value: lir.Const{Value: 0}}, Index: lir.Const{Value: 7}, Value: lir.Const{Value: 1}}, Sort: lir.SortArray},
			lir.AssignNode{Var: "b#pht.1", Expr: lir.StoreExpr{Array: lir.ConstArrayExpr{Value: lir.Const{Value: 0}}, Index: lir.Const{Value: 7}, Value: lir.Const{Value: 0}}, Sort: lir.SortArray},
			lir.ObserveNode{Expr: lir.VarRef{Name: "a#y"}, Channel: "cache", Copy: "a"},
			lir.ObserveNode{Expr: lir.VarRef{Name: "b#y"}, Channel: "cache", Copy: "b"},
		},
	}
}

func TestReconstructSplitsInitialStateByCopy(t *testing.T) {
	p := diverdingProgram()
	script := &smtenc.Script{FreeVars: []string{"a#x.init", "b#x.init"}, VarSorts: p.VarSorts, Program: p}
	result := &Result{Model: map[string]uint64{"a#x.init": 5, "b#x.init": 9}}

	cex, err := Reconstruct(script, result)
	require.NoError(t, err)
	require.Equal(t, []NamedValue{{Name: "x.init", Value: 5}}, cex.InitialA)
	require.Equal(t, []NamedValue{{Name: "x.init", Value: 9}}, cex.InitialB)
}

func TestReconstructFindsDivergingObservation(t *testing.T) {
	p := diverdingProgram()
	script := &smtenc.Script{FreeVars: []string{"a#x.init", "b#x.init"}, VarSorts: p.VarSorts, Program: p}
	result := &Result{Model: map[string]uint64{"a#x.init": 5, "b#x.init": 9}}

	cex, err := Reconstruct(script, result)
	require.NoError(t, err)
	require.Equal(t, "cache", cex.Channel)
	require.Equal(t, uint64(6), cex.ObservedA)
	require.Equal(t, uint64(10), cex.ObservedB)
}

func TestReconstructRecordsPredictorChoices(t *testing.T) {
	p := diverdingProgram()
	script := &smtenc.Script{FreeVars: []string{"a#x.init", "b#x.init"}, VarSorts: p.VarSorts, Program: p}
	result := &Result{Model: map[string]uint64{"a#x.init": 5, "b#x.init": 9}}

	cex, err := Reconstruct(script, result)
	require.NoError(t, err)
	require.Equal(t, []NamedValue{{Name: "pht.1", Value: 1}}, cex.ChoicesA)
	require.Equal(t, []NamedValue{{Name: "pht.1", Value: 0}}, cex.ChoicesB)
}

func TestReconstructRequiresProgramOnScript(t *testing.T) {
	_, err := Reconstruct(&smtenc.Script{}, &Result{})
	require.Error(t, err)
}

func TestReconstructNoDivergenceLeavesChannelEmpty(t *testing.T) {
	p := diverdingProgram()
	// make both copies observe the same value: no leak to report.
	p.Nodes[1] = lir.AssignNode{Var: "b#y", Expr: lir.BinExpr{Op: mir.OpAdd, Left: lir.VarRef{Name: "b#x.init"}, Right: lir.Const{Value: 1}}, Sort: lir.SortBitVector}
	script := &smtenc.Script{FreeVars: []string{"a#x.init", "b#x.init"}, VarSorts: p.VarSorts, Program: p}
	result := &Result{Model: map[string]uint64{"a#x.init": 5, "b#x.init": 5}}

	cex, err := Reconstruct(script, result)
	require.NoError(t, err)
	require.Empty(t, cex.Channel)
}

func TestCounterexampleStringIncludesChannel(t *testing.T) {
	cex := &Counterexample{Channel: "cache", ObservedA: 6, ObservedB: 10}
	require.Contains(t, cex.String(), `diverging observation on channel "cache"`)
}
