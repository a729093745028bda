// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package looptree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"snicheck/internal/envcfg"
	"snicheck/internal/mir"
)

// straightLine builds a function with no loops: entry -> exit.
func straightLine() *mir.Function {
	return &mir.Function{
		Name:  "f",
		Entry: "entry",
		Order: []string{"entry", "exit"},
		Blocks: map[string]*mir.BasicBlock{
			"entry": {Label: "entry", Instrs: []mir.Instr{&mir.JumpInstr{Target: "exit"}}},
			"exit":  {Label: "exit", Instrs: []mir.Instr{&mir.ReturnInstr{}}},
		},
	}
}

// simpleLoop builds: entry -> header -(cond false)-> body -> header (back edge); header -(cond true)-> exit.
func simpleLoop() *mir.Function {
	cond := &mir.CmpExpr{Op: mir.CmpEq, Left: &mir.RegExpr{Name: "i"}, Right: &mir.ConstExpr{Value: 10}}
	return &mir.Function{
		Name:  "f",
		Entry: "entry",
		Order: []string{"entry", "header", "body", "exit"},
		Blocks: map[string]*mir.BasicBlock{
			"entry":  {Label: "entry", Instrs: []mir.Instr{&mir.JumpInstr{Target: "header"}}},
			"header": {Label: "header", Instrs: []mir.Instr{&mir.BranchInstr{Cond: cond, TrueTarget: "exit", FalseTarget: "body"}}},
			"body":   {Label: "body", Instrs: []mir.Instr{&mir.AssignInstr{Dest: "i", Src: &mir.ConstExpr{Value: 1}}, &mir.JumpInstr{Target: "header"}}},
			"exit":   {Label: "exit", Instrs: []mir.Instr{&mir.ReturnInstr{}}},
		},
	}
}

// nestedLoop builds an outer loop whose body contains an inner loop:
// entry -> outer -> inner -(cond)-> innerBody -> inner (back edge)
//
//	inner -(cond)-> outer (back edge)
//
// outer -(cond)-> exit
func nestedLoop() *mir.Function {
	innerCond := &mir.CmpExpr{Op: mir.CmpEq, Left: &mir.RegExpr{Name: "j"}, Right: &mir.ConstExpr{Value: 4}}
	outerCond := &mir.CmpExpr{Op: mir.CmpEq, Left: &mir.RegExpr{Name: "i"}, Right: &mir.ConstExpr{Value: 4}}
	return &mir.Function{
		Name:  "f",
		Entry: "entry",
		Order: []string{"entry", "outer", "inner", "innerBody", "exit"},
		Blocks: map[string]*mir.BasicBlock{
			"entry":     {Label: "entry", Instrs: []mir.Instr{&mir.JumpInstr{Target: "outer"}}},
			"outer":     {Label: "outer", Instrs: []mir.Instr{&mir.BranchInstr{Cond: outerCond, TrueTarget: "exit", FalseTarget: "inner"}}},
			"inner":     {Label: "inner", Instrs: []mir.Instr{&mir.BranchInstr{Cond: innerCond, TrueTarget: "outer", FalseTarget: "innerBody"}}},
			"innerBody": {Label: "innerBody", Instrs: []mir.Instr{&mir.AssignInstr{Dest: "j", Src: &mir.ConstExpr{Value: 1}}, &mir.JumpInstr{Target: "inner"}}},
			"exit":      {Label: "exit", Instrs: []mir.Instr{&mir.ReturnInstr{}}},
		},
	}
}

func TestBuildForestNoLoops(t *testing.T) {
	fn := straightLine()
	roots, err := BuildForest(fn)
	require.NoError(t, err)
	require.Empty(t, roots)
}

func TestBuildForestSimpleLoop(t *testing.T) {
	fn := simpleLoop()
	roots, err := BuildForest(fn)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	loop := roots[0]
	require.Equal(t, "header", loop.Header)
	require.True(t, loop.Blocks.Contains("header"))
	require.True(t, loop.Blocks.Contains("body"))
	require.False(t, loop.Blocks.Contains("entry"))
	require.False(t, loop.Blocks.Contains("exit"))
	require.Len(t, loop.BackEdges, 1)
	require.Equal(t, Edge{From: "body", To: "header"}, loop.BackEdges[0])
	require.Empty(t, loop.Children)
}

func TestBuildForestNestedLoop(t *testing.T) {
	fn := nestedLoop()
	roots, err := BuildForest(fn)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	outer := roots[0]
	require.Equal(t, "outer", outer.Header)
	require.Len(t, outer.Children, 1)
	inner := outer.Children[0]
	require.Equal(t, "inner", inner.Header)
	require.True(t, outer.Blocks.Contains("inner"))
	require.True(t, outer.Blocks.Contains("innerBody"))
	require.True(t, inner.Blocks.Contains("innerBody"))
	require.False(t, inner.Blocks.Contains("outer"))
}

func TestBuildForestRejectsUnknownSuccessor(t *testing.T) {
	fn := &mir.Function{
		Name:  "f",
		Entry: "entry",
		Order: []string{"entry"},
		Blocks: map[string]*mir.BasicBlock{
			"entry": {Label: "entry", Instrs: []mir.Instr{&mir.JumpInstr{Target: "ghost"}}},
		},
	}
	_, err := BuildForest(fn)
	require.Error(t, err)
}

func TestInlineCallsDirectCall(t *testing.T) {
	prog := &mir.Program{
		Entry: "main",
		Functions: map[string]*mir.Function{
			"main": {
				Name:  "main",
				Entry: "entry",
				Order: []string{"entry"},
				Blocks: map[string]*mir.BasicBlock{
					"entry": {Label: "entry", Instrs: []mir.Instr{
						&mir.CallInstr{Dest: "r", Target: "helper"},
						&mir.ReturnInstr{Value: &mir.RegExpr{Name: "r"}},
					}},
				},
			},
			"helper": {
				Name:  "helper",
				Entry: "h",
				Order: []string{"h"},
				Blocks: map[string]*mir.BasicBlock{
					"h": {Label: "h", Instrs: []mir.Instr{&mir.ReturnInstr{Value: &mir.ConstExpr{Value: 7}}}},
				},
			},
		},
	}

	out, err := InlineCalls(prog, "main", 2, envcfg.GuardAssumption, nil)
	require.NoError(t, err)
	require.NoError(t, out.Validate())

	foundAssign := false
	for _, label := range out.Order {
		for _, instr := range out.Blocks[label].Instrs {
			if a, ok := instr.(*mir.AssignInstr); ok && a.Dest == "r" {
				foundAssign = true
			}
			_, isCall := instr.(*mir.CallInstr)
			require.False(t, isCall, "call should have been inlined away")
		}
	}
	require.True(t, foundAssign, "inlined callee's return value should be assigned to the call's destination")
}

func TestInlineCallsRecursionLimitInsertsAssumeGuard(t *testing.T) {
	prog := &mir.Program{
		Entry: "main",
		Functions: map[string]*mir.Function{
			"main": {
				Name:  "main",
				Entry: "entry",
				Order: []string{"entry"},
				Blocks: map[string]*mir.BasicBlock{
					"entry": {Label: "entry", Instrs: []mir.Instr{&mir.CallInstr{Target: "rec"}}},
				},
			},
			"rec": {
				Name:  "rec",
				Entry: "r",
				Order: []string{"r"},
				Blocks: map[string]*mir.BasicBlock{
					"r": {Label: "r", Instrs: []mir.Instr{&mir.CallInstr{Target: "rec"}, &mir.ReturnInstr{}}},
				},
			},
		},
	}

	out, err := InlineCalls(prog, "main", 1, envcfg.GuardAssumption, nil)
	require.NoError(t, err)
	require.NoError(t, out.Validate())

	foundAssume := false
	for _, label := range out.Order {
		for _, instr := range out.Blocks[label].Instrs {
			if _, ok := instr.(*mir.AssumeInstr); ok {
				foundAssume = true
			}
		}
	}
	require.True(t, foundAssume, "a call beyond the recursion limit must be replaced by a guard stub")
}

func TestInlineCallsRecursionLimitInsertsAssertGuard(t *testing.T) {
	prog := &mir.Program{
		Entry: "main",
		Functions: map[string]*mir.Function{
			"main": {
				Name:  "main",
				Entry: "entry",
				Order: []string{"entry"},
				Blocks: map[string]*mir.BasicBlock{
					"entry": {Label: "entry", Instrs: []mir.Instr{&mir.CallInstr{Target: "rec"}}},
				},
			},
			"rec": {
				Name:  "rec",
				Entry: "r",
				Order: []string{"r"},
				Blocks: map[string]*mir.BasicBlock{
					"r": {Label: "r", Instrs: []mir.Instr{&mir.CallInstr{Target: "rec"}, &mir.ReturnInstr{}}},
				},
			},
		},
	}

	out, err := InlineCalls(prog, "main", 1, envcfg.GuardAssertion, nil)
	require.NoError(t, err)

	foundAssert := false
	for _, label := range out.Order {
		for _, instr := range out.Blocks[label].Instrs {
			if _, ok := instr.(*mir.AssertInstr); ok {
				foundAssert = true
			}
		}
	}
	require.True(t, foundAssert, "unwinding_guard=assertion must stub recursion overflow with an assert, not an assume")
}

func TestInlineCallsIgnoreListStubsCallInstead(t *testing.T) {
	prog := &mir.Program{
		Entry: "main",
		Functions: map[string]*mir.Function{
			"main": {
				Name:  "main",
				Entry: "entry",
				Order: []string{"entry"},
				Blocks: map[string]*mir.BasicBlock{
					"entry": {Label: "entry", Instrs: []mir.Instr{
						&mir.CallInstr{Dest: "r", Target: "libc_exit"},
						&mir.ReturnInstr{Value: &mir.RegExpr{Name: "r"}},
					}},
				},
			},
			"libc_exit": {
				Name:  "libc_exit",
				Entry: "e",
				Order: []string{"e"},
				Blocks: map[string]*mir.BasicBlock{
					"e": {Label: "e", Instrs: []mir.Instr{&mir.ReturnInstr{Value: &mir.ConstExpr{Value: 0}}}},
				},
			},
		},
	}

	out, err := InlineCalls(prog, "main", 2, envcfg.GuardAssumption, []string{"libc_exit"})
	require.NoError(t, err)
	require.NoError(t, out.Validate())

	foundAssume := false
	for _, label := range out.Order {
		for _, instr := range out.Blocks[label].Instrs {
			if _, ok := instr.(*mir.AssumeInstr); ok {
				foundAssume = true
			}
			_, isCall := instr.(*mir.CallInstr)
			require.False(t, isCall, "ignored call should have been replaced by a guard stub")
		}
	}
	require.True(t, foundAssume, "a call to an ignored function must be replaced by a guard stub, not inlined")
}

func TestInlineCallsIndirectCallLeftUntouched(t *testing.T) {
	prog := &mir.Program{
		Entry: "main",
		Functions: map[string]*mir.Function{
			"main": {
				Name:  "main",
				Entry: "entry",
				Order: []string{"entry"},
				Blocks: map[string]*mir.BasicBlock{
					"entry": {Label: "entry", Instrs: []mir.Instr{
						&mir.CallInstr{Dest: "r", Indirect: true, TargetExpr: &mir.RegExpr{Name: "target"}},
						&mir.ReturnInstr{},
					}},
				},
			},
		},
	}

	out, err := InlineCalls(prog, "main", 2, envcfg.GuardAssumption, nil)
	require.NoError(t, err)
	foundIndirect := false
	for _, label := range out.Order {
		for _, instr := range out.Blocks[label].Instrs {
			if c, ok := instr.(*mir.CallInstr); ok && c.Indirect {
				foundIndirect = true
			}
		}
	}
	require.True(t, foundIndirect, "indirect calls are resolved later via the BTB abstraction, not by this pass")
}

func TestUnwindAllRemovesBackEdge(t *testing.T) {
	fn := simpleLoop()
	err := UnwindAll(fn, func(string) int { return 3 }, envcfg.GuardAssumption)
	require.NoError(t, err)
	require.NoError(t, fn.Validate())

	roots, err := BuildForest(fn)
	require.NoError(t, err)
	require.Empty(t, roots, "every back edge should have been eliminated by unwinding")

	foundAssume := false
	for _, label := range fn.Order {
		for _, instr := range fn.Blocks[label].Instrs {
			if _, ok := instr.(*mir.AssumeInstr); ok {
				foundAssume = true
			}
		}
	}
	require.True(t, foundAssume, "the final generation's back edge must be replaced by a guard stub")
}

func TestUnwindAllAssertionGuard(t *testing.T) {
	fn := simpleLoop()
	err := UnwindAll(fn, func(string) int { return 2 }, envcfg.GuardAssertion)
	require.NoError(t, err)

	foundAssert := false
	for _, label := range fn.Order {
		for _, instr := range fn.Blocks[label].Instrs {
			if _, ok := instr.(*mir.AssertInstr); ok {
				foundAssert = true
			}
		}
	}
	require.True(t, foundAssert)
}

func TestUnwindAllNestedLoopsFullyEliminated(t *testing.T) {
	fn := nestedLoop()
	err := UnwindAll(fn, func(string) int { return 2 }, envcfg.GuardAssumption)
	require.NoError(t, err)
	require.NoError(t, fn.Validate())

	roots, err := BuildForest(fn)
	require.NoError(t, err)
	require.Empty(t, roots, "both the inner and outer loop must be unwound away")
}

func TestUnwindAllNoLoopsIsNoop(t *testing.T) {
	fn := straightLine()
	before := len(fn.Order)
	err := UnwindAll(fn, func(string) int { return 2 }, envcfg.GuardAssumption)
	require.NoError(t, err)
	require.Equal(t, before, len(fn.Order))
}

func TestUnwindAllPerLoopOverride(t *testing.T) {
	fn := simpleLoop()
	calls := 0
	err := UnwindAll(fn, func(id string) int {
		calls++
		require.Equal(t, "header", id)
		return 1
	}, envcfg.GuardAssumption)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}
