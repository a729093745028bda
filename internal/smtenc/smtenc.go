// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package smtenc lowers a self-composed, optimized lir.Program into an
// SMT-LIB 2 script in QF_ABV (arrays and bit-vectors) plus uninterpreted
// functions for the program's opaque external calls.
package smtenc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"snicheck/internal/envcfg"
	"snicheck/internal/lir"
)

// Options controls script shape that is independent of the program
// itself: whether speculative-non-interference observations are paired
// pointwise ("tuple", across sequential/parallel/full modes) or folded
// into one ordered value per channel via an uninterpreted "trace"
// function ("sequence", the trace mode).
type Options struct {
	ObserveMode  string
	IncludeModel bool
}

// Script is the textual SMT-LIB 2 program together with the bookkeeping
// internal/solver needs to map a returned model back to source.
type Script struct {
	Text     string
	FreeVars []string // names whose model values matter for a counterexample
	VarSorts map[string]lir.Sort
	Program  *lir.Program // the encoded program, kept for counterexample replay
}

// Encode renders p (already self-composed and optimized) as a complete
// SMT-LIB 2 script. Logic is fixed to QF_ABV, also when the script
// declares uninterpreted functions; internal/solver pipes the script to
// the solver unchanged.
func Encode(p *lir.Program, opts Options) (*Script, error) {
	enc := &encoder{varSorts: p.VarSorts, ufs: map[string]ufSig{}}

	defined := map[string]bool{}
	for _, n := range p.Nodes {
		if a, ok := n.(lir.AssignNode); ok {
			defined[a.Var] = true
		}
	}

	if err := walkUFs(enc, p); err != nil {
		return nil, err
	}

	var obligations []lir.Expr
	observeByChannel := map[string]struct{ a, bb []lir.Expr }{}
	for _, n := range p.Nodes {
		switch t := n.(type) {
		case lir.AssertNode:
			obligations = append(obligations, t.Expr)
		case lir.ObserveNode:
			entry := observeByChannel[t.Channel]
			switch t.Copy {
			case "a":
				entry.a = append(entry.a, t.Expr)
			case "b":
				entry.bb = append(entry.bb, t.Expr)
			default:
				return nil, errors.Errorf("smt encoding: observation on channel %q has no self-composition copy tag", t.Channel)
			}
			observeByChannel[t.Channel] = entry
		}
	}

	// buildViolations must run before any declare-fun text is rendered: on
	// trace mode it registers a fresh "trace_<channel>" uninterpreted
	// function as a side effect, and that signature has to be known before
	// the declare-fun section below is written.
	violations, err := buildViolations(enc, obligations, observeByChannel, opts.ObserveMode)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("(set-logic QF_ABV)\n")

	freeNames := make([]string, 0, len(p.VarSorts))
	for name := range p.VarSorts {
		if !defined[name] {
			freeNames = append(freeNames, name)
		}
	}
	sort.Strings(freeNames)
	for _, name := range freeNames {
		fmt.Fprintf(&b, "(declare-const %s %s)\n", quote(name), sortString(p.VarSorts[name]))
	}

	ufNames := make([]string, 0, len(enc.ufs))
	for name := range enc.ufs {
		ufNames = append(ufNames, name)
	}
	sort.Strings(ufNames)
	for _, name := range ufNames {
		sig := enc.ufs[name]
		args := make([]string, sig.arity)
		for i := range args {
			args[i] = sortString(sig.argSort)
		}
		fmt.Fprintf(&b, "(declare-fun %s (%s) %s)\n", quote(name), strings.Join(args, " "), sortString(sig.result))
	}

	for _, n := range p.Nodes {
		switch t := n.(type) {
		case lir.AssignNode:
			text, err := enc.sexpr(coerceBV(t.Expr, p.VarSorts))
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&b, "(define-fun %s () %s %s)\n", quote(t.Var), sortString(t.Sort), text)
		case lir.AssumeNode:
			text, err := enc.sexpr(t.Expr)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&b, "(assert %s)\n", text)
		}
	}

	if len(violations) == 0 {
		b.WriteString("(assert false)\n")
	} else {
		fmt.Fprintf(&b, "(assert (or %s))\n", strings.Join(violations, " "))
	}

	b.WriteString("(check-sat)\n")
	if opts.IncludeModel {
		b.WriteString("(get-model)\n")
	}

	return &Script{Text: b.String(), FreeVars: freeNames, VarSorts: p.VarSorts, Program: p}, nil
}

func walkUFs(enc *encoder, p *lir.Program) error {
	for _, n := range p.Nodes {
		var e lir.Expr
		switch t := n.(type) {
		case lir.AssignNode:
			e = t.Expr
		case lir.AssumeNode:
			e = t.Expr
		case lir.AssertNode:
			e = t.Expr
		case lir.ObserveNode:
			e = t.Expr
		}
		if e != nil {
			if err := enc.collectUFs(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildViolations assembles the disjunction the solver is asked to
// satisfy: a negated obligation witnesses a plain assertion failure, and
// a channel's observation mismatch witnesses an SNI leak. Either is a
// reportable finding, so they share one list rather than two separate
// queries.
func buildViolations(enc *encoder, obligations []lir.Expr, byChannel map[string]struct{ a, bb []lir.Expr }, mode string) ([]string, error) {
	var out []string
	for _, ob := range obligations {
		text, err := enc.sexpr(ob)
		if err != nil {
			return nil, err
		}
		out = append(out, fmt.Sprintf("(not %s)", text))
	}

	channels := make([]string, 0, len(byChannel))
	for ch := range byChannel {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	for _, ch := range channels {
		pair := byChannel[ch]
		if len(pair.a) != len(pair.bb) {
			return nil, errors.Errorf("smt encoding: channel %q observed %d times on copy a but %d times on copy b", ch, len(pair.a), len(pair.bb))
		}
		if mode == envcfg.ObserveTrace {
			clause, err := traceViolation(enc, ch, pair.a, pair.bb)
			if err != nil {
				return nil, err
			}
			out = append(out, clause)
			continue
		}
		for i := range pair.a {
			aText, err := enc.sexpr(pair.a[i])
			if err != nil {
				return nil, err
			}
			bText, err := enc.sexpr(pair.bb[i])
			if err != nil {
				return nil, err
			}
			out = append(out, fmt.Sprintf("(not (= %s %s))", aText, bText))
		}
	}
	return out, nil
}

// traceViolation folds each copy's ordered per-channel observation
// sequence into a single value via a dedicated uninterpreted function,
// then compares the two folded values — "a sequence rather than a
// tuple" read as a representational difference: trace mode asks the
// solver to equate one combined value standing for the whole run's
// channel history, instead of one equality per point.
func traceViolation(enc *encoder, channel string, a, b []lir.Expr) (string, error) {
	name := "trace_" + channel
	if err := enc.registerUF(name, len(a), lir.SortBitVector, lir.SortBitVector); err != nil {
		return "", err
	}
	aCall := lir.UFCallExpr{Name: name, Args: a, Sort: lir.SortBitVector}
	bCall := lir.UFCallExpr{Name: name, Args: b, Sort: lir.SortBitVector}
	aText, err := enc.sexpr(aCall)
	if err != nil {
		return "", err
	}
	bText, err := enc.sexpr(bCall)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(not (= %s %s))", aText, bText), nil
}
