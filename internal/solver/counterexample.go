// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package solver

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"snicheck/internal/lir"
	"snicheck/internal/smtenc"
)

// NamedValue is one reconstructed variable binding in a counterexample.
type NamedValue struct {
	Name  string
	Value uint64
}

// Counterexample is a reconstructed witness: concrete initial state for
// both self-composed executions, the branch-predictor and indirect-call
// target choices recorded along the way, and the first channel whose
// paired observations diverge.
type Counterexample struct {
	InitialA, InitialB []NamedValue
	ChoicesA, ChoicesB []NamedValue
	Channel            string
	ObservedA          uint64
	ObservedB          uint64
}

var copyPrefixPattern = regexp.MustCompile(`^([ab])#(.+)$`)

// tableStems names the microarchitectural tables whose writes record a
// speculative choice rather than ordinary dataflow: a PHT write is a
// branch's resolved direction, a BTB write is an indirect call's
// attacker-steered target.
var tableStems = map[string]bool{"pht": true, "btb": true}

// Reconstruct replays result's model through script's originating program
// (self-composed and optimized LIR) to recover a concrete value for every
// variable, then partitions that trace into initial state, recorded
// predictor/BTB choices, and the first diverging observation.
func Reconstruct(script *smtenc.Script, result *Result) (*Counterexample, error) {
	if script.Program == nil {
		return nil, errors.New("solver: counterexample reconstruction requires the originating program")
	}
	env, err := buildEnv(script.Program, result.Model, result.BoolModel)
	if err != nil {
		return nil, errors.Wrap(err, "solver: reconstructing counterexample")
	}

	cex := &Counterexample{}
	for _, name := range script.FreeVars {
		copyTag, stem, ok := splitCopy(name)
		if !ok || !strings.HasSuffix(stem, ".init") {
			continue
		}
		v, err := asUint64(env[name])
		if err != nil {
			continue
		}
		nv := NamedValue{Name: stem, Value: v}
		if copyTag == "a" {
			cex.InitialA = append(cex.InitialA, nv)
		} else {
			cex.InitialB = append(cex.InitialB, nv)
		}
	}
	sort.Slice(cex.InitialA, func(i, j int) bool { return cex.InitialA[i].Name < cex.InitialA[j].Name })
	sort.Slice(cex.InitialB, func(i, j int) bool { return cex.InitialB[i].Name < cex.InitialB[j].Name })

	for _, n := range script.Program.Nodes {
		a, ok := n.(lir.AssignNode)
		if !ok {
			continue
		}
		copyTag, stem, ok := splitCopy(a.Var)
		if !ok || !tableStems[tableBase(stem)] {
			continue
		}
		store, ok := a.Expr.(lir.StoreExpr)
		if !ok {
			continue
		}
		// The recorded choice is the value written into the table (a
		// resolved branch direction bit, or an indirect target), not the
		// whole post-store table.
		v, err := evalExpr(store.Value, env)
		if err != nil {
			continue
		}
		u, err := asUint64(v)
		if err != nil {
			continue
		}
		nv := NamedValue{Name: stem, Value: u}
		if copyTag == "a" {
			cex.ChoicesA = append(cex.ChoicesA, nv)
		} else {
			cex.ChoicesB = append(cex.ChoicesB, nv)
		}
	}

	channel, av, bv, found := divergingObservation(script.Program, env)
	if found {
		cex.Channel = channel
		cex.ObservedA = av
		cex.ObservedB = bv
	}
	return cex, nil
}

// divergingObservation evaluates every channel's paired observation
// sequences under env and returns the first pair whose values differ,
// in channel-name order (the encoder's own violation disjunction has no
// single distinguished witness, so any one suffices to explain the
// leak).
func divergingObservation(p *lir.Program, env map[string]any) (channel string, a, b uint64, found bool) {
	type pair struct{ a, b []lir.Expr }
	byChannel := map[string]pair{}
	for _, n := range p.Nodes {
		o, ok := n.(lir.ObserveNode)
		if !ok {
			continue
		}
		entry := byChannel[o.Channel]
		if o.Copy == "a" {
			entry.a = append(entry.a, o.Expr)
		} else {
			entry.b = append(entry.b, o.Expr)
		}
		byChannel[o.Channel] = entry
	}

	names := make([]string, 0, len(byChannel))
	for ch := range byChannel {
		names = append(names, ch)
	}
	sort.Strings(names)

	for _, ch := range names {
		pr := byChannel[ch]
		n := len(pr.a)
		if len(pr.b) < n {
			n = len(pr.b)
		}
		for i := 0; i < n; i++ {
			av, err1 := evalExpr(pr.a[i], env)
			bv, err2 := evalExpr(pr.b[i], env)
			if err1 != nil || err2 != nil {
				continue
			}
			au, err1 := asUint64(av)
			bu, err2 := asUint64(bv)
			if err1 != nil || err2 != nil {
				continue
			}
			if au != bu {
				return ch, au, bu, true
			}
		}
	}
	return "", 0, 0, false
}

// splitCopy separates a self-composed variable name's "a#"/"b#" prefix
// from its original stem.
func splitCopy(name string) (copyTag, stem string, ok bool) {
	m := copyPrefixPattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// tableBase strips lower's fresh-name allocation counter (the trailing
// ".N") from a copy-stripped stem, leaving the base name the lowering
// pass assigned the variable ("pht", "btb", "mem", ...).
func tableBase(stem string) string {
	if i := strings.LastIndex(stem, "."); i >= 0 {
		if _, err := strconv.Atoi(stem[i+1:]); err == nil {
			return stem[:i]
		}
	}
	return stem
}

// String renders a counterexample as a human-readable trace, the basis
// internal/dotgraph's counterexample graph annotates further.
func (c *Counterexample) String() string {
	var b strings.Builder
	writeValues := func(title string, vs []NamedValue) {
		fmt.Fprintf(&b, "%s:\n", title)
		for _, v := range vs {
			fmt.Fprintf(&b, "  %s = 0x%x\n", v.Name, v.Value)
		}
	}
	writeValues("initial state, copy a", c.InitialA)
	writeValues("initial state, copy b", c.InitialB)
	if len(c.ChoicesA) > 0 || len(c.ChoicesB) > 0 {
		writeValues("predictor/BTB choices, copy a", c.ChoicesA)
		writeValues("predictor/BTB choices, copy b", c.ChoicesB)
	}
	if c.Channel != "" {
		fmt.Fprintf(&b, "diverging observation on channel %q: a=0x%x b=0x%x\n", c.Channel, c.ObservedA, c.ObservedB)
	}
	return b.String()
}
