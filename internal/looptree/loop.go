// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package looptree builds the natural-loop forest of a function's CFG and
// implements the two ways an unbounded program is turned into a bounded
// one: call inlining up to a recursion limit, and loop unwinding to a
// fixed depth, both guarded by an `assume` or `assert` stub beyond the
// bound.
package looptree

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"snicheck/internal/mir"
)

// Loop is one natural loop: Header is the single entry block, Blocks is
// every block in the loop body (including Header), and BackEdges are the
// edges that re-enter Header from inside the body.
type Loop struct {
	ID        string
	Header    string
	Blocks    mapset.Set[string]
	BackEdges []Edge
	Parent    *Loop
	Children  []*Loop
}

// Edge is a directed CFG edge between two block labels.
type Edge struct {
	From string
	To   string
}

// successors returns fn's CFG successor map, keyed by block label.
func successors(fn *mir.Function) map[string][]string {
	succ := make(map[string][]string, len(fn.Order))
	for i, label := range fn.Order {
		b := fn.Blocks[label]
		succ[label] = b.Successors(fn.Order, i)
	}
	return succ
}

// predecessors inverts a successor map.
func predecessors(succ map[string][]string) map[string][]string {
	pred := make(map[string][]string)
	for from, tos := range succ {
		for _, to := range tos {
			pred[to] = append(pred[to], from)
		}
	}
	return pred
}

// BuildForest finds every natural loop in fn and nests them by
// containment. The CFG is assumed reducible, which holds for every
// program a `beqz`/`jmp`-based grammar without computed gotos can express.
func BuildForest(fn *mir.Function) ([]*Loop, error) {
	succ := successors(fn)
	backEdges, err := findBackEdges(fn, succ)
	if err != nil {
		return nil, err
	}
	if len(backEdges) == 0 {
		return nil, nil
	}

	pred := predecessors(succ)
	byHeader := make(map[string]*Loop)
	var headers []string
	for _, e := range backEdges {
		lp, ok := byHeader[e.To]
		if !ok {
			lp = &Loop{ID: e.To, Header: e.To, Blocks: mapset.NewSet(e.To)}
			byHeader[e.To] = lp
			headers = append(headers, e.To)
		}
		lp.BackEdges = append(lp.BackEdges, e)
		body := naturalLoopBody(e.From, e.To, pred)
		lp.Blocks = lp.Blocks.Union(body)
	}

	var loops []*Loop
	for _, h := range headers {
		loops = append(loops, byHeader[h])
	}
	nest(loops)
	return roots(loops), nil
}

// findBackEdges runs a DFS from the entry block, classifying an edge
// u->v as a back edge when v is on the current DFS stack (standard
// Tarjan-style on-stack tracking, here over the CFG rather than an SCC
// decomposition since a single DFS pass is enough to find back edges in
// a reducible graph).
func findBackEdges(fn *mir.Function, succ map[string][]string) ([]Edge, error) {
	visited := mapset.NewSet[string]()
	onStack := mapset.NewSet[string]()
	var backEdges []Edge

	var visit func(label string) error
	visit = func(label string) error {
		visited.Add(label)
		onStack.Add(label)
		for _, next := range succ[label] {
			if _, ok := fn.Blocks[next]; !ok {
				return errors.Errorf("function %s: block %s has unknown successor %s", fn.Name, label, next)
			}
			if onStack.Contains(next) {
				backEdges = append(backEdges, Edge{From: label, To: next})
				continue
			}
			if !visited.Contains(next) {
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		onStack.Remove(label)
		return nil
	}

	if err := visit(fn.Entry); err != nil {
		return nil, err
	}
	return backEdges, nil
}

// naturalLoopBody computes the set of blocks that reach the latch (from)
// without passing through the header (to), via a reverse-CFG worklist.
func naturalLoopBody(from, to string, pred map[string][]string) mapset.Set[string] {
	body := mapset.NewSet(to, from)
	worklist := []string{from}
	for len(worklist) > 0 {
		n := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		for _, p := range pred[n] {
			if !body.Contains(p) {
				body.Add(p)
				worklist = append(worklist, p)
			}
		}
	}
	return body
}

// nest assigns Parent/Children by containment: a loop whose block set is a
// strict subset of another's is nested inside it; the smallest enclosing
// loop wins as the direct parent.
func nest(loops []*Loop) {
	for _, inner := range loops {
		var bestParent *Loop
		for _, outer := range loops {
			if inner == outer {
				continue
			}
			if outer.Blocks.Contains(inner.Header) && outer.Blocks.Cardinality() > inner.Blocks.Cardinality() {
				if bestParent == nil || outer.Blocks.Cardinality() < bestParent.Blocks.Cardinality() {
					bestParent = outer
				}
			}
		}
		if bestParent != nil {
			inner.Parent = bestParent
			bestParent.Children = append(bestParent.Children, inner)
		}
	}
}

func roots(loops []*Loop) []*Loop {
	var out []*Loop
	for _, l := range loops {
		if l.Parent == nil {
			out = append(out, l)
		}
	}
	return out
}
