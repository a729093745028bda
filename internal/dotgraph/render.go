// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package dotgraph renders the program's various artifacts as plain text
// for the dump flags: the control-flow graph, the transient CFG, the call
// graph, the loop-tree forest, and a found counterexample as Graphviz DOT
// (--cfg/--trans-cfg/--call-graph/--loop-tree/--cex), plus the MIR and LIR
// programs themselves as an assembly-like listing (--mir/--lir). Neither
// format needs a client library anywhere in the corpus this module was
// built from, so this package builds its output with the standard
// library's string/fmt facilities rather than reaching for a rendering
// dependency that has no grounding here.
package dotgraph

import (
	"fmt"
	"strings"

	"snicheck/internal/mir"
)

// escape quotes s for use as a DOT string literal label.
func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

func node(b *strings.Builder, id, label string, attrs ...string) {
	fmt.Fprintf(b, "  %q [label=%q", id, label)
	for _, a := range attrs {
		fmt.Fprintf(b, ", %s", a)
	}
	b.WriteString("];\n")
}

func edge(b *strings.Builder, from, to, label string, attrs ...string) {
	fmt.Fprintf(b, "  %q -> %q", from, to)
	if label != "" || len(attrs) > 0 {
		b.WriteString(" [")
		first := true
		if label != "" {
			fmt.Fprintf(b, "label=%q", label)
			first = false
		}
		for _, a := range attrs {
			if !first {
				b.WriteString(", ")
			}
			b.WriteString(a)
			first = false
		}
		b.WriteString("]")
	}
	b.WriteString(";\n")
}

// renderExpr renders a mir.Expr as the infix text a reader would expect,
// leaning on BinOp/UnOp/CmpOp's own String methods for operator spelling.
func renderExpr(e mir.Expr) string {
	switch t := e.(type) {
	case *mir.RegExpr:
		return t.Name
	case *mir.ConstExpr:
		return fmt.Sprintf("%d", t.Value)
	case *mir.BoolConst:
		if t.Value {
			return "true"
		}
		return "false"
	case *mir.BinExpr:
		return fmt.Sprintf("(%s %s %s)", renderExpr(t.Left), t.Op, renderExpr(t.Right))
	case *mir.UnExpr:
		return fmt.Sprintf("(%s%s)", t.Op, renderExpr(t.X))
	case *mir.CmpExpr:
		return fmt.Sprintf("(%s %s %s)", renderExpr(t.Left), t.Op, renderExpr(t.Right))
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// renderInstr renders one mir.Instr as a single-line, assembly-like
// statement for use in a block's DOT label.
func renderInstr(instr mir.Instr) string {
	switch t := instr.(type) {
	case *mir.AssignInstr:
		return fmt.Sprintf("%s := %s", t.Dest, renderExpr(t.Src))
	case *mir.LoadInstr:
		return fmt.Sprintf("%s := load%d[%s]", t.Dest, t.Width, renderExpr(t.Addr))
	case *mir.StoreInstr:
		return fmt.Sprintf("store%d[%s] := %s", t.Width, renderExpr(t.Addr), renderExpr(t.Value))
	case *mir.BranchInstr:
		return fmt.Sprintf("branch %s ? %s : %s", renderExpr(t.Cond), t.TrueTarget, t.FalseTarget)
	case *mir.JumpInstr:
		return fmt.Sprintf("jump %s", t.Target)
	case *mir.CallInstr:
		if t.Indirect {
			if t.Dest != "" {
				return fmt.Sprintf("%s := call *%s", t.Dest, renderExpr(t.TargetExpr))
			}
			return fmt.Sprintf("call *%s", renderExpr(t.TargetExpr))
		}
		if t.Dest != "" {
			return fmt.Sprintf("%s := call %s", t.Dest, t.Target)
		}
		return fmt.Sprintf("call %s", t.Target)
	case *mir.ReturnInstr:
		if t.Value != nil {
			return fmt.Sprintf("return %s", renderExpr(t.Value))
		}
		return "return"
	case *mir.SpbarrInstr:
		return "spbarr"
	case *mir.SkipInstr:
		return "skip"
	case *mir.AssumeInstr:
		return fmt.Sprintf("assume %s", renderExpr(t.Cond))
	case *mir.AssertInstr:
		return fmt.Sprintf("assert %s", renderExpr(t.Cond))
	default:
		return fmt.Sprintf("%v", t)
	}
}

func header(b *strings.Builder, name string) {
	fmt.Fprintf(b, "digraph %s {\n  node [shape=box, fontname=monospace];\n", name)
}

func footer(b *strings.Builder) {
	b.WriteString("}\n")
}
