// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package dotgraph

import (
	"fmt"
	"strings"

	"snicheck/internal/tcfg"
)

func edgeKindLabel(k tcfg.EdgeKind) string {
	switch k {
	case tcfg.EdgeFallthrough:
		return "fallthrough"
	case tcfg.EdgeBranchResolved:
		return "resolved"
	case tcfg.EdgeMisspeculate:
		return "misspeculate"
	case tcfg.EdgeSTLBypass:
		return "stl-bypass"
	case tcfg.EdgeIndirectBTB:
		return "btb"
	case tcfg.EdgeRollback:
		return "rollback"
	default:
		return "?"
	}
}

// TransCFG renders a built transient control-flow graph. Transient nodes
// are drawn dashed to set them visually apart from the architectural
// path; every edge is labeled with the reason it exists, since that
// reason (resolved vs. mis-speculated vs. STL bypass vs. BTB) is exactly
// what distinguishes the transient semantics from an ordinary CFG.
func TransCFG(t *tcfg.TCFG) string {
	var b strings.Builder
	header(&b, "trans_cfg")

	for _, id := range t.Order {
		n := t.Nodes[id]
		var lines []string
		lines = append(lines, fmt.Sprintf("%s [%s, depth %d]", n.Block, n.Kind, n.Depth))
		if n.Instr != nil {
			lines = append(lines, "  "+renderInstr(n.Instr))
		}
		attrs := []string{}
		if n.Kind == tcfg.Transient {
			attrs = append(attrs, "style=dashed")
		}
		if id == t.Entry {
			attrs = append(attrs, "style=bold")
		}
		node(&b, id, strings.Join(lines, "\n"), attrs...)
	}
	node(&b, tcfg.RollbackNode, "rollback", "shape=point")

	for _, e := range t.Edges {
		attrs := []string{}
		if e.Kind == tcfg.EdgeMisspeculate || e.Kind == tcfg.EdgeSTLBypass || e.Kind == tcfg.EdgeIndirectBTB {
			attrs = append(attrs, "color=red")
		}
		edge(&b, e.From, e.To, edgeKindLabel(e.Kind), attrs...)
	}
	footer(&b)
	return b.String()
}
