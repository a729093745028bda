// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package looptree

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"snicheck/internal/envcfg"
	"snicheck/internal/mir"
)

// inliner holds the small amount of mutable state a single InlineCalls
// run needs: a counter that keeps generated block labels globally unique.
type inliner struct {
	guard  string
	limit  int
	ignore mapset.Set[string]
	seq    int
}

func (in *inliner) fresh(base string) string {
	in.seq++
	return fmt.Sprintf("%s~%d", base, in.seq)
}

// InlineCalls inlines every direct call reachable from entryName up to
// recursionLimit occurrences of the same callee on one call chain; beyond
// the limit, or when the callee's name is listed in ignore, the call is
// replaced by the same guard stub (assume(false) or assert(false), per
// guard) that never executes the callee. ignore lets an environment file
// name functions (stubs, library calls, anything outside the analysis
// boundary) that should never be inlined regardless of depth. Indirect
// calls are left untouched — their target is only known once
// transient-CFG construction resolves it through the BTB abstraction.
func InlineCalls(prog *mir.Program, entryName string, recursionLimit int, guard string, ignore []string) (*mir.Function, error) {
	entryFn, ok := prog.Functions[entryName]
	if !ok {
		return nil, errors.Errorf("entry function %q not found", entryName)
	}

	in := &inliner{guard: guard, limit: recursionLimit, ignore: mapset.NewSet(ignore...)}
	out := cloneFunction(entryFn)
	out.ResolveFallthrough()

	depth := make(map[string]map[string]int, len(out.Order))
	for _, label := range out.Order {
		depth[label] = map[string]int{entryName: 1}
	}

	worklist := append([]string{}, out.Order...)
	for len(worklist) > 0 {
		label := worklist[0]
		worklist = worklist[1:]

		block, ok := out.Blocks[label]
		if !ok {
			continue
		}
		callIdx := indexOfCall(block.Instrs)
		if callIdx < 0 {
			continue
		}
		call := block.Instrs[callIdx].(*mir.CallInstr)
		if call.Indirect {
			continue
		}
		before := append([]mir.Instr{}, block.Instrs[:callIdx]...)
		after := append([]mir.Instr{}, block.Instrs[callIdx+1:]...)
		contLabel := in.fresh(label + ".cont")
		out.Blocks[contLabel] = &mir.BasicBlock{Label: contLabel, Instrs: after}
		out.Order = append(out.Order, contLabel)
		depth[contLabel] = depth[label]
		worklist = append(worklist, contLabel)

		if in.ignore.Contains(call.Target) {
			block.Instrs = append(before, guardStub(in.guard), &mir.JumpInstr{Target: contLabel})
			continue
		}

		callee, ok := prog.Functions[call.Target]
		if !ok {
			return nil, errors.Errorf("call to unknown function %q", call.Target)
		}

		callDepth := depth[label][call.Target] + 1
		if in.limit > 0 && callDepth > in.limit {
			block.Instrs = append(before, guardStub(in.guard), &mir.JumpInstr{Target: contLabel})
			continue
		}

		prefix := in.fresh(call.Target)
		calleeLabels := in.cloneInto(out, callee, prefix, contLabel, call.Dest)
		block.Instrs = append(before, &mir.JumpInstr{Target: calleeLabels[0]})

		nextDepth := cloneDepthMap(depth[label])
		nextDepth[call.Target] = callDepth
		for _, l := range calleeLabels {
			depth[l] = nextDepth
		}
		worklist = append(worklist, calleeLabels...)
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// cloneInto copies callee's blocks into out under fresh, prefixed labels,
// rewriting internal branch/jump targets and turning every return into an
// assignment (when the call has a destination) followed by a jump back to
// the call's continuation block.
func (in *inliner) cloneInto(out *mir.Function, callee *mir.Function, prefix, contLabel, dest string) []string {
	rename := make(map[string]string, len(callee.Order))
	for _, l := range callee.Order {
		rename[l] = prefix + "." + l
	}

	labels := make([]string, 0, len(callee.Order))
	for _, l := range callee.Order {
		src := callee.Blocks[l]
		instrs := make([]mir.Instr, 0, len(src.Instrs)+1)
		for _, instr := range src.Instrs {
			switch t := instr.(type) {
			case *mir.BranchInstr:
				instrs = append(instrs, &mir.BranchInstr{Cond: t.Cond, TrueTarget: rename[t.TrueTarget], FalseTarget: rename[t.FalseTarget]})
			case *mir.JumpInstr:
				instrs = append(instrs, &mir.JumpInstr{Target: rename[t.Target]})
			case *mir.ReturnInstr:
				if dest != "" {
					value := t.Value
					if value == nil {
						value = &mir.ConstExpr{Value: 0}
					}
					instrs = append(instrs, &mir.AssignInstr{Dest: dest, Src: value})
				}
				instrs = append(instrs, &mir.JumpInstr{Target: contLabel})
			default:
				instrs = append(instrs, instr)
			}
		}
		newLabel := rename[l]
		out.Blocks[newLabel] = &mir.BasicBlock{Label: newLabel, Instrs: instrs}
		out.Order = append(out.Order, newLabel)
		labels = append(labels, newLabel)
	}
	return labels
}

func guardStub(guard string) mir.Instr {
	if guard == envcfg.GuardAssertion {
		return &mir.AssertInstr{Cond: &mir.BoolConst{Value: false}}
	}
	return &mir.AssumeInstr{Cond: &mir.BoolConst{Value: false}}
}

func indexOfCall(instrs []mir.Instr) int {
	for i, instr := range instrs {
		if _, ok := instr.(*mir.CallInstr); ok {
			return i
		}
	}
	return -1
}

func cloneFunction(fn *mir.Function) *mir.Function {
	blocks := make(map[string]*mir.BasicBlock, len(fn.Blocks))
	for label, b := range fn.Blocks {
		blocks[label] = &mir.BasicBlock{Label: label, Instrs: append([]mir.Instr{}, b.Instrs...)}
	}
	return &mir.Function{
		Name:   fn.Name,
		Entry:  fn.Entry,
		Blocks: blocks,
		Order:  append([]string{}, fn.Order...),
	}
}

func cloneDepthMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
