// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package dotgraph

import (
	"fmt"
	"sort"
	"strings"

	"snicheck/internal/looptree"
)

// LoopTree renders a function's natural-loop forest: one node per loop,
// labeled with its header and member blocks, nested under its parent.
// Top-level loops (Parent == nil) are drawn as children of a synthetic
// root so the forest renders as a single connected tree.
func LoopTree(forest []*looptree.Loop) string {
	var b strings.Builder
	header(&b, "loop_tree")
	node(&b, "root", "function")

	var walk func(l *looptree.Loop, parentID string)
	walk = func(l *looptree.Loop, parentID string) {
		blocks := l.Blocks.ToSlice()
		sort.Strings(blocks)
		label := fmt.Sprintf("%s\nheader: %s\nblocks: %s", l.ID, l.Header, strings.Join(blocks, ", "))
		node(&b, l.ID, label)
		edge(&b, parentID, l.ID, "")
		for _, child := range l.Children {
			walk(child, l.ID)
		}
	}
	for _, l := range forest {
		walk(l, "root")
	}
	footer(&b)
	return b.String()
}
