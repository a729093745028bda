// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package dotgraph

import (
	"fmt"
	"strings"

	"snicheck/internal/solver"
)

// Counterexample renders a reconstructed witness as a small two-lane
// graph: the initial state of each self-composed copy, its recorded
// predictor/BTB choices in order, and the observation where the two
// lanes' values finally diverge.
func Counterexample(cex *solver.Counterexample) string {
	var b strings.Builder
	header(&b, "counterexample")

	lane := func(tag string, initial, choices []solver.NamedValue) string {
		var lines []string
		lines = append(lines, fmt.Sprintf("copy %s", tag))
		for _, v := range initial {
			lines = append(lines, fmt.Sprintf("  %s = 0x%x", v.Name, v.Value))
		}
		id := "initial_" + tag
		node(&b, id, strings.Join(lines, "\n"), "style=bold")

		prev := id
		for i, c := range choices {
			cid := fmt.Sprintf("choice_%s_%d", tag, i)
			node(&b, cid, fmt.Sprintf("%s = 0x%x", c.Name, c.Value))
			edge(&b, prev, cid, "")
			prev = cid
		}
		return prev
	}

	lastA := lane("a", cex.InitialA, cex.ChoicesA)
	lastB := lane("b", cex.InitialB, cex.ChoicesB)

	if cex.Channel != "" {
		obsID := "observation"
		label := fmt.Sprintf("channel %q\na = 0x%x\nb = 0x%x", cex.Channel, cex.ObservedA, cex.ObservedB)
		node(&b, obsID, label, "shape=ellipse", "color=red", "style=filled", "fillcolor=mistyrose")
		edge(&b, lastA, obsID, "observes")
		edge(&b, lastB, obsID, "observes")
	}

	footer(&b)
	return b.String()
}
