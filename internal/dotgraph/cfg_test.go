// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package dotgraph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"snicheck/internal/mir"
)

func sampleFunction() *mir.Function {
	return &mir.Function{
		Name:  "main",
		Entry: "entry",
		Order: []string{"entry", "exit"},
		Blocks: map[string]*mir.BasicBlock{
			"entry": {Label: "entry", Instrs: []mir.Instr{
				&mir.AssignInstr{Dest: "r0", Src: &mir.ConstExpr{Value: 1}},
				&mir.BranchInstr{Cond: &mir.RegExpr{Name: "r0"}, TrueTarget: "exit", FalseTarget: "exit"},
			}},
			"exit": {Label: "exit", Instrs: []mir.Instr{
				&mir.ReturnInstr{},
			}},
		},
	}
}

func TestCFGRendersEveryBlockAndEdge(t *testing.T) {
	out := CFG(sampleFunction())
	require.Contains(t, out, "digraph cfg {")
	require.Contains(t, out, `"entry"`)
	require.Contains(t, out, `"exit"`)
	require.Contains(t, out, `"entry" -> "exit"`)
	require.Contains(t, out, "r0 := 1")
}

func TestCFGMarksEntryBold(t *testing.T) {
	out := CFG(sampleFunction())
	require.Contains(t, out, `"entry" [label=`)
	require.Contains(t, out, "style=bold")
}

func sampleProgram() *mir.Program {
	fn := sampleFunction()
	fn.Blocks["entry"].Instrs = []mir.Instr{
		&mir.CallInstr{Target: "helper"},
		&mir.CallInstr{Indirect: true, TargetExpr: &mir.RegExpr{Name: "r1"}},
		&mir.ReturnInstr{},
	}
	helper := &mir.Function{Name: "helper", Entry: "h0", Order: []string{"h0"}, Blocks: map[string]*mir.BasicBlock{
		"h0": {Label: "h0", Instrs: []mir.Instr{&mir.ReturnInstr{}}},
	}}
	return &mir.Program{Entry: "main", Functions: map[string]*mir.Function{"main": fn, "helper": helper}}
}

func TestCallGraphRendersDirectAndIndirectCalls(t *testing.T) {
	out := CallGraph(sampleProgram())
	require.Contains(t, out, `"main" -> "helper"`)
	require.Contains(t, out, "style=dashed")
	require.Contains(t, out, "shape=diamond")
}
