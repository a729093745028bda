// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package tcfg

import (
	"fmt"

	"github.com/pkg/errors"

	"snicheck/internal/envcfg"
	"snicheck/internal/mir"
)

// Config carries the subset of the resolved environment that shapes
// transient-CFG construction.
type Config struct {
	Predictor  string // envcfg.PredictorInvert or envcfg.PredictorChoose
	Window     int    // speculation window W
	SpectrePHT bool
	SpectreSTL bool
}

// key identifies one node before it exists: the location a path is at,
// the kind of path, and — for transient paths — the cumulative
// speculation depth. Architectural locations are deliberately
// depth-independent: architecture is never bounded by the window.
type key struct {
	block string
	index int
	kind  Kind
	depth int
}

// builder walks fn once per reachable key, memoizing nodes so that two
// paths converging on the same key share one node instead of duplicating
// the remainder of the walk.
type builder struct {
	fn          *mir.Function
	cfg         Config
	nodes       map[key]*Node
	order       []string
	edges       []Edge
	pending     []key
	seq         int
	hasRollback bool
}

// Build constructs the transient CFG of fn, which must already be
// loop-free and call-free (recursion inlined, loops unwound — see
// snicheck/internal/looptree) so that the walk below is guaranteed to
// terminate without needing a visited-set cycle check of its own.
func Build(fn *mir.Function, cfg Config) (*TCFG, error) {
	if _, ok := fn.Blocks[fn.Entry]; !ok {
		return nil, errors.Errorf("function %s: entry block %q not found", fn.Name, fn.Entry)
	}
	b := &builder{fn: fn, cfg: cfg, nodes: make(map[key]*Node)}

	entryKey := key{block: fn.Entry, index: 0, kind: Architectural}
	b.enqueue(entryKey, nil)
	if err := b.run(); err != nil {
		return nil, err
	}

	out := &TCFG{Entry: b.nodes[entryKey].ID, Nodes: make(map[string]*Node, len(b.nodes)), Order: b.order, Edges: b.edges}
	for _, n := range b.nodes {
		out.Nodes[n.ID] = n
	}
	if b.hasRollback {
		out.Nodes[RollbackNode] = &Node{ID: RollbackNode}
		out.Order = append(out.Order, RollbackNode)
	}
	return out, nil
}

func (b *builder) freshID(k key) string {
	b.seq++
	return fmt.Sprintf("%s#%d.%s.%d.%d", k.kind, b.seq, k.block, k.index, k.depth)
}

// enqueue returns the node for k, creating and scheduling it for
// processing the first time it is reached. A node reached again through a
// different edge keeps its original Guard — Guard exists for readable
// CFG/TCFG dumps, not as the source of truth for per-path conditions,
// which LIR lowering reconstructs from the edges themselves.
func (b *builder) enqueue(k key, guard mir.Expr) *Node {
	if n, ok := b.nodes[k]; ok {
		return n
	}
	instr := b.fn.Blocks[k.block].Instrs[k.index]
	n := &Node{ID: b.freshID(k), Block: k.block, Index: k.index, Instr: instr, Depth: k.depth, Kind: k.kind, Guard: guard}
	b.nodes[k] = n
	b.order = append(b.order, n.ID)
	b.pending = append(b.pending, k)
	return n
}

func (b *builder) addEdge(from, to string, kind EdgeKind) {
	b.edges = append(b.edges, Edge{From: from, To: to, Kind: kind})
}

func (b *builder) rollback(from string) {
	b.hasRollback = true
	b.addEdge(from, RollbackNode, EdgeRollback)
}

func (b *builder) run() error {
	for len(b.pending) > 0 {
		k := b.pending[0]
		b.pending = b.pending[1:]
		if err := b.step(k); err != nil {
			return err
		}
	}
	return nil
}

// step computes the successors of the node at k and links them in.
func (b *builder) step(k key) error {
	node := b.nodes[k]
	block, ok := b.fn.Blocks[k.block]
	if !ok {
		return errors.Errorf("function %s: unknown block %q", b.fn.Name, k.block)
	}
	instr := block.Instrs[k.index]

	// A transient path that has exhausted its window never executes
	// another instruction; it is cut off before stepping. Every fork that
	// advances a transient path's depth routes through here, so this is
	// the one place the window bound is enforced.
	if k.kind == Transient && k.depth >= b.cfg.Window {
		b.rollback(node.ID)
		return nil
	}
	if _, ok := instr.(*mir.SpbarrInstr); ok && k.kind == Transient {
		b.rollback(node.ID)
		return nil
	}

	switch t := instr.(type) {
	case *mir.BranchInstr:
		b.stepBranch(k, node, t)
	case *mir.JumpInstr:
		b.advance(k, node, t.Target, EdgeFallthrough, nil)
	case *mir.ReturnInstr:
		// end of the explorable path, architectural or transient.
	case *mir.LoadInstr:
		b.stepLoad(k, node, t)
	case *mir.CallInstr:
		b.stepCall(k, node, t)
	default:
		// AssignInstr, StoreInstr, SpbarrInstr (architectural), SkipInstr,
		// AssumeInstr, AssertInstr: straight-line, no fork.
		b.advanceWithin(k, node)
	}
	return nil
}

// advanceWithin steps to the next instruction in the same block.
func (b *builder) advanceWithin(k key, node *Node) {
	nextIdx := k.index + 1
	if nextIdx >= len(b.fn.Blocks[k.block].Instrs) {
		return
	}
	nk := key{block: k.block, index: nextIdx, kind: k.kind, depth: b.nextDepth(k)}
	succ := b.enqueue(nk, nil)
	b.addEdge(node.ID, succ.ID, EdgeFallthrough)
}

// advance steps to the first instruction of a different block under the
// given guard (nil for an unconditional transfer), creating a node of the
// same kind as k — use forkTransient instead to spawn a new speculative
// path out of an architectural (or already-transient) one.
func (b *builder) advance(k key, node *Node, targetBlock string, edgeKind EdgeKind, guard mir.Expr) {
	nk := key{block: targetBlock, index: 0, kind: k.kind, depth: b.nextDepth(k)}
	succ := b.enqueue(nk, guard)
	b.addEdge(node.ID, succ.ID, edgeKind)
}

// forkTransient spawns a Transient successor out of k regardless of k's
// own kind — nested speculation composes additively onto the single depth
// counter rather than resetting it.
func (b *builder) forkTransient(k key, node *Node, targetBlock string, edgeKind EdgeKind, guard mir.Expr) {
	depth := k.depth + 1
	nk := key{block: targetBlock, index: 0, kind: Transient, depth: depth}
	succ := b.enqueue(nk, guard)
	b.addEdge(node.ID, succ.ID, edgeKind)
}

// nextDepth is k's depth for a successor one step later: pinned at 0 for
// architecture, incremented for a transient path (every instruction
// executed transiently consumes one unit of the window, branches
// included).
func (b *builder) nextDepth(k key) int {
	if k.kind == Transient {
		return k.depth + 1
	}
	return 0
}

// archTargets returns which target is resolved (committed architecturally,
// or — for an already-transient path — the direction it continues along)
// and which is the mis-speculated one, for each value cond might resolve
// to, per the configured predictor strategy. choose_path predicts
// correctly (the resolved target always matches cond's eventual value);
// invert_condition is the pessimistic, sound-by-default strategy that
// always resolves to the opposite of cond's value, pushing the
// condition-consistent edge into the mis-speculated exploration instead.
func (b *builder) archTargets(trueTarget, falseTarget string) (resolvedOnTrue, resolvedOnFalse, specOnTrue, specOnFalse string) {
	if b.cfg.Predictor == envcfg.PredictorInvert {
		return falseTarget, trueTarget, trueTarget, falseTarget
	}
	return trueTarget, falseTarget, falseTarget, trueTarget
}

func notExpr(e mir.Expr) mir.Expr { return &mir.UnExpr{Op: mir.UnNot, X: e} }

func (b *builder) stepBranch(k key, node *Node, branch *mir.BranchInstr) {
	resolvedOnTrue, resolvedOnFalse, specOnTrue, specOnFalse := b.archTargets(branch.TrueTarget, branch.FalseTarget)

	b.advance(k, node, resolvedOnTrue, EdgeBranchResolved, branch.Cond)
	b.advance(k, node, resolvedOnFalse, EdgeBranchResolved, notExpr(branch.Cond))

	if !b.cfg.SpectrePHT {
		return
	}
	b.forkTransient(k, node, specOnTrue, EdgeMisspeculate, branch.Cond)
	b.forkTransient(k, node, specOnFalse, EdgeMisspeculate, notExpr(branch.Cond))
}

// stepLoad advances past a load and, when Spectre-STL is enabled, spawns
// one transient fork per store seen earlier in the same block, modeling
// the load speculatively bypassing that store and forwarding whatever
// stale value preceded it. Aliasing is left to the SMT encoding — the
// bypass fires unconditionally here, and the solver decides whether the
// addresses can actually coincide.
func (b *builder) stepLoad(k key, node *Node, load *mir.LoadInstr) {
	_ = load
	b.advanceWithin(k, node)
	if !b.cfg.SpectreSTL || k.kind != Architectural {
		return
	}
	for _, store := range precedingStores(b.fn, k.block, k.index) {
		nk := key{block: k.block, index: k.index + 1, kind: Transient, depth: 1}
		succ := b.enqueueStale(nk, store)
		b.addEdge(node.ID, succ.ID, EdgeSTLBypass)
	}
}

// stepCall advances past a call and, for an indirect call under
// Spectre-PHT, spawns one transient fork representing the BTB steering
// execution to an attacker-influenced stale target. There is no candidate
// callee body to redirect into at this stage (call inlining has already
// flattened every direct call away, and an indirect call's real targets
// are unknown statically), so the fork continues at the call's own
// fallthrough point under Transient kind — enough for LIR lowering to
// attach a btb-channel observation to it without inventing a fictitious
// control-flow target.
func (b *builder) stepCall(k key, node *Node, call *mir.CallInstr) {
	b.advanceWithin(k, node)
	if !call.Indirect || !b.cfg.SpectrePHT || k.kind != Architectural {
		return
	}
	nextIdx := k.index + 1
	if nextIdx >= len(b.fn.Blocks[k.block].Instrs) {
		return
	}
	nk := key{block: k.block, index: nextIdx, kind: Transient, depth: 1}
	succ := b.enqueue(nk, nil)
	b.addEdge(node.ID, succ.ID, EdgeIndirectBTB)
}

// enqueueStale is like enqueue but tags a freshly created node with the
// store it bypasses. A node reached a second time (by a different
// preceding store in the same scan) keeps whichever store first claimed
// it — the key space does not distinguish bypass origin, a deliberate
// simplification that keeps the graph finite.
func (b *builder) enqueueStale(k key, store *mir.StoreInstr) *Node {
	if n, ok := b.nodes[k]; ok {
		return n
	}
	n := b.enqueue(k, nil)
	n.StaleStore = store
	return n
}

// precedingStores scans block's instructions strictly before index for
// StoreInstr occurrences, most recent first.
func precedingStores(fn *mir.Function, block string, index int) []*mir.StoreInstr {
	var out []*mir.StoreInstr
	instrs := fn.Blocks[block].Instrs
	for i := index - 1; i >= 0; i-- {
		if s, ok := instrs[i].(*mir.StoreInstr); ok {
			out = append(out, s)
		}
	}
	return out
}
