// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package looptree

import (
	"fmt"

	"snicheck/internal/mir"
)

// UnwindAll eliminates every natural loop in fn by repeated single-loop
// unwinding: find an innermost loop, unwind it away (turning its back
// edge into a guard stub), rebuild the loop forest, and repeat. Rebuilding
// after each step means nested loops are unwound correctly without this
// package having to reason about how an outer unwinding duplicates an
// inner loop's own back edge — the duplicate's back edge is simply found
// and unwound again on the next iteration.
func UnwindAll(fn *mir.Function, unwindFor func(loopID string) int, guard string) error {
	for {
		roots, err := BuildForest(fn)
		if err != nil {
			return err
		}
		leaf := findLeafLoop(roots)
		if leaf == nil {
			return nil
		}
		if err := unwindOneLoop(fn, leaf, unwindFor(leaf.ID), guard); err != nil {
			return err
		}
	}
}

// findLeafLoop returns any loop with no nested loops of its own, or nil
// if the forest is empty.
func findLeafLoop(roots []*Loop) *Loop {
	var find func(l *Loop) *Loop
	find = func(l *Loop) *Loop {
		for _, c := range l.Children {
			if leaf := find(c); leaf != nil {
				return leaf
			}
		}
		if len(l.Children) == 0 {
			return l
		}
		return nil
	}
	for _, r := range roots {
		if leaf := find(r); leaf != nil {
			return leaf
		}
	}
	return nil
}

// unwindOneLoop duplicates loop's body k-1 times (k total passes through
// the body) and replaces the final generation's back edge with a guard
// stub that makes a (k+1)-th iteration either unreachable (assumption) or
// a reported violation (assertion). A loop requiring more than k passes
// to reach its natural exit is exactly the unwinding-assertion-violation
// scenario.
func unwindOneLoop(fn *mir.Function, loop *Loop, k int, guard string) error {
	if k < 1 {
		k = 1
	}

	exitLabel, ok := exitOf(loop, fn)
	if !ok {
		exitLabel = fmt.Sprintf("%s.dead", loop.Header)
		fn.Blocks[exitLabel] = &mir.BasicBlock{Label: exitLabel, Instrs: []mir.Instr{&mir.ReturnInstr{}}}
		fn.Order = append(fn.Order, exitLabel)
	}

	identity := make(map[string]string, loop.Blocks.Cardinality())
	for _, l := range loop.Blocks.ToSlice() {
		identity[l] = l
	}

	generations := make([]map[string]string, k)
	generations[0] = identity
	for g := 1; g < k; g++ {
		generations[g] = cloneGeneration(fn, loop, fmt.Sprintf("$u%d", g))
	}

	for g := 0; g < k; g++ {
		for _, e := range loop.BackEdges {
			sourceLabel := generations[g][e.From]
			headerInGen := generations[g][e.To]
			block, ok := fn.Blocks[sourceLabel]
			if !ok || len(block.Instrs) == 0 {
				continue
			}
			idx := len(block.Instrs) - 1
			if g == k-1 {
				guardLabel := fmt.Sprintf("%s.guard%d", e.To, g)
				fn.Blocks[guardLabel] = &mir.BasicBlock{Label: guardLabel, Instrs: []mir.Instr{guardStub(guard), &mir.JumpInstr{Target: exitLabel}}}
				fn.Order = append(fn.Order, guardLabel)
				block.Instrs[idx] = retarget(block.Instrs[idx], headerInGen, guardLabel)
			} else {
				nextHeader := generations[g+1][e.To]
				block.Instrs[idx] = retarget(block.Instrs[idx], headerInGen, nextHeader)
			}
		}
	}

	return fn.Validate()
}

// cloneGeneration duplicates every block of loop.Blocks under a
// suffixed label, rewriting branch/jump targets that stay within the loop
// body to the same generation's clones. Targets outside the loop body
// (the loop's exit edges) are left pointing at the original, shared exit
// block.
func cloneGeneration(fn *mir.Function, loop *Loop, suffix string) map[string]string {
	labelOf := make(map[string]string, loop.Blocks.Cardinality())
	for _, l := range loop.Blocks.ToSlice() {
		labelOf[l] = l + suffix
	}
	for _, l := range loop.Blocks.ToSlice() {
		src := fn.Blocks[l]
		instrs := make([]mir.Instr, len(src.Instrs))
		for i, instr := range src.Instrs {
			instrs[i] = renameInternal(instr, labelOf)
		}
		newLabel := labelOf[l]
		fn.Blocks[newLabel] = &mir.BasicBlock{Label: newLabel, Instrs: instrs}
		fn.Order = append(fn.Order, newLabel)
	}
	return labelOf
}

func renameInternal(instr mir.Instr, labelOf map[string]string) mir.Instr {
	switch t := instr.(type) {
	case *mir.BranchInstr:
		nt := *t
		if newT, ok := labelOf[nt.TrueTarget]; ok {
			nt.TrueTarget = newT
		}
		if newT, ok := labelOf[nt.FalseTarget]; ok {
			nt.FalseTarget = newT
		}
		return &nt
	case *mir.JumpInstr:
		if newT, ok := labelOf[t.Target]; ok {
			return &mir.JumpInstr{Target: newT}
		}
		return instr
	default:
		return instr
	}
}

// exitOf returns a block outside loop.Blocks that some block inside the
// loop transfers control to directly — the loop's natural exit.
func exitOf(loop *Loop, fn *mir.Function) (string, bool) {
	for _, l := range loop.Blocks.ToSlice() {
		block := fn.Blocks[l]
		for _, t := range terminatorTargets(block.Terminator()) {
			if !loop.Blocks.Contains(t) {
				return t, true
			}
		}
	}
	return "", false
}

func terminatorTargets(instr mir.Instr) []string {
	switch t := instr.(type) {
	case *mir.BranchInstr:
		return []string{t.TrueTarget, t.FalseTarget}
	case *mir.JumpInstr:
		return []string{t.Target}
	default:
		return nil
	}
}

func retarget(instr mir.Instr, from, to string) mir.Instr {
	switch t := instr.(type) {
	case *mir.BranchInstr:
		nt := *t
		if nt.TrueTarget == from {
			nt.TrueTarget = to
		}
		if nt.FalseTarget == from {
			nt.FalseTarget = to
		}
		return &nt
	case *mir.JumpInstr:
		if t.Target == from {
			return &mir.JumpInstr{Target: to}
		}
		return instr
	default:
		return instr
	}
}
