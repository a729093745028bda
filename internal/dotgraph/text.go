// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package dotgraph

import (
	"fmt"
	"sort"
	"strings"

	"snicheck/internal/lir"
	"snicheck/internal/mir"
)

// MIRText renders prog as an assembly-like listing: one function per
// section, blocks in declaration order, one instruction per line. It
// reuses renderInstr/renderExpr, the same expression-stringification the
// --cfg/--trans-cfg DOT labels use, so a --mir dump and a graph label
// never disagree about how an instruction reads.
func MIRText(prog *mir.Program) string {
	names := make([]string, 0, len(prog.Functions))
	for name := range prog.Functions {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString("\n")
		}
		MIRFunctionText(&b, prog.Functions[name])
	}
	return b.String()
}

// MIRFunctionText renders one function's blocks, in the order the parser
// recorded them, to b.
func MIRFunctionText(b *strings.Builder, fn *mir.Function) {
	fmt.Fprintf(b, "function %s (entry %s)\n", fn.Name, fn.Entry)
	for _, label := range fn.Order {
		block := fn.Blocks[label]
		fmt.Fprintf(b, "%s:\n", label)
		for _, instr := range block.Instrs {
			fmt.Fprintf(b, "    %s\n", renderInstr(instr))
		}
	}
}

// LIRText renders p as a flat listing of its nodes, in program order.
// Every name is written exactly as it appears in an SMT variable
// declaration, so a --lir dump and a --smt dump of the same program
// cross-reference without translation.
func LIRText(p *lir.Program) string {
	var b strings.Builder
	for _, n := range p.Nodes {
		switch t := n.(type) {
		case lir.AssignNode:
			fmt.Fprintf(&b, "%s := %s\n", t.Var, lirExpr(t.Expr))
		case lir.AssumeNode:
			fmt.Fprintf(&b, "assume %s\n", lirExpr(t.Expr))
		case lir.AssertNode:
			fmt.Fprintf(&b, "assert %s\n", lirExpr(t.Expr))
		case lir.ObserveNode:
			fmt.Fprintf(&b, "observe[%s/%s] %s\n", t.Channel, t.Copy, lirExpr(t.Expr))
		default:
			fmt.Fprintf(&b, "%v\n", t)
		}
	}
	return b.String()
}

// lirExpr renders a lir.Expr as infix text, mirroring renderExpr's
// treatment of the mir-level expression tree.
func lirExpr(e lir.Expr) string {
	switch t := e.(type) {
	case lir.VarRef:
		return t.Name
	case lir.Const:
		return fmt.Sprintf("%d", t.Value)
	case lir.BoolConst:
		if t.Value {
			return "true"
		}
		return "false"
	case lir.BinExpr:
		return fmt.Sprintf("(%s %s %s)", lirExpr(t.Left), t.Op, lirExpr(t.Right))
	case lir.UnExpr:
		return fmt.Sprintf("(%s%s)", t.Op, lirExpr(t.X))
	case lir.CmpExpr:
		return fmt.Sprintf("(%s %s %s)", lirExpr(t.Left), t.Op, lirExpr(t.Right))
	case lir.IteExpr:
		return fmt.Sprintf("(ite %s %s %s)", lirExpr(t.Cond), lirExpr(t.Then), lirExpr(t.Else))
	case lir.SelectExpr:
		return fmt.Sprintf("%s[%s]", lirExpr(t.Array), lirExpr(t.Index))
	case lir.StoreExpr:
		return fmt.Sprintf("store(%s, %s, %s)", lirExpr(t.Array), lirExpr(t.Index), lirExpr(t.Value))
	case lir.ConstArrayExpr:
		return fmt.Sprintf("const-array(%s)", lirExpr(t.Value))
	case lir.UFCallExpr:
		args := make([]string, len(t.Args))
		for i, a := range t.Args {
			args[i] = lirExpr(a)
		}
		return fmt.Sprintf("%s(%s)", t.Name, strings.Join(args, ", "))
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
