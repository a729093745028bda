// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package dotgraph

import (
	"fmt"
	"sort"
	"strings"

	"snicheck/internal/mir"
)

// CFG renders fn's basic-block control-flow graph: one box per block,
// its instructions as the label body, one edge per successor.
func CFG(fn *mir.Function) string {
	var b strings.Builder
	header(&b, "cfg")
	for _, label := range fn.Order {
		block := fn.Blocks[label]
		var lines []string
		lines = append(lines, label+":")
		for _, instr := range block.Instrs {
			lines = append(lines, "  "+renderInstr(instr))
		}
		attrs := ""
		if label == fn.Entry {
			attrs = "style=bold"
		}
		if attrs != "" {
			node(&b, label, strings.Join(lines, "\n"), attrs)
		} else {
			node(&b, label, strings.Join(lines, "\n"))
		}
	}
	for i, label := range fn.Order {
		block := fn.Blocks[label]
		for _, succ := range block.Successors(fn.Order, i) {
			edge(&b, label, succ, "")
		}
	}
	footer(&b)
	return b.String()
}

// CallGraph renders prog's call graph: one node per function, a solid
// edge per direct call, a dashed edge per indirect call site (which
// cannot be labeled with a concrete target until transient-CFG
// construction resolves it through the BTB).
func CallGraph(prog *mir.Program) string {
	var b strings.Builder
	header(&b, "callgraph")

	names := make([]string, 0, len(prog.Functions))
	for name := range prog.Functions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		attrs := ""
		if name == prog.Entry {
			attrs = "style=bold"
		}
		if attrs != "" {
			node(&b, name, name, attrs)
		} else {
			node(&b, name, name)
		}
	}

	indirectSeq := 0
	for _, name := range names {
		fn := prog.Functions[name]
		for _, label := range fn.Order {
			for _, instr := range fn.Blocks[label].Instrs {
				call, ok := instr.(*mir.CallInstr)
				if !ok {
					continue
				}
				if call.Indirect {
					indirectSeq++
					sink := fmt.Sprintf("indirect~%d", indirectSeq)
					node(&b, sink, "?", "shape=diamond")
					edge(&b, name, sink, "", "style=dashed")
					continue
				}
				edge(&b, name, call.Target, "")
			}
		}
	}
	footer(&b)
	return b.String()
}
