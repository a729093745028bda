// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package lir

import (
	"fmt"

	"snicheck/internal/mir"
	"snicheck/internal/policy"
)

// SelfCompose produces the two-copy program SNI checking needs: every
// variable of p is duplicated under an "a#"/"b#" namespace prefix, and an
// AssumeNode equates the two copies of every variable the policy labels
// low — the two executions agree on everything the attacker can supply or
// already sees, and differ (if at all) only in secret-classified state.
// Registers are equated name by name; memory is equated address by
// address, via memoryLowEquality, since the policy's memory labels are a
// range-indexed function rather than a finite set of names. The
// microarchitectural tables are never equated here: in
// start_with_empty_cache mode lowering starts the cache from the same
// all-empty constant array in both copies, otherwise it is a free array
// per copy, and btb and pht are always independent free arrays per copy.
func SelfCompose(p *Program, pol *policy.Policy) *Program {
	out := &Program{VarSorts: map[string]Sort{}}

	emitCopy := func(copy string) {
		for _, n := range p.Nodes {
			out.Nodes = append(out.Nodes, renameNode(n, copy))
		}
	}
	emitCopy("a")
	emitCopy("b")

	for name, s := range p.VarSorts {
		out.VarSorts["a#"+name] = s
		out.VarSorts["b#"+name] = s
	}

	for _, name := range initialLowNames(p, pol) {
		out.Nodes = append(out.Nodes, AssumeNode{
			Expr: CmpExpr{Op: mir.CmpEq, Left: VarRef{Name: "a#" + name}, Right: VarRef{Name: "b#" + name}},
		})
		out.LowInputs = append(out.LowInputs, name)
	}

	if _, ok := p.VarSorts[symMem+".init"]; ok {
		if nodes := memoryLowEquality(pol); len(nodes) > 0 {
			out.Nodes = append(out.Nodes, nodes...)
			out.LowInputs = append(out.LowInputs, symMem+".init")
		}
	}
	return out
}

// initialLowNames returns every ".init" free variable name (suffix kept)
// whose register the policy classifies low — these are exactly the
// program's free register inputs, and equating them is the definition of
// SNI's "agree on all low inputs" hypothesis. Memory is handled separately
// by memoryLowEquality, since it is not addressed by name.
func initialLowNames(p *Program, pol *policy.Policy) []string {
	const suffix = ".init"
	var out []string
	for name := range p.VarSorts {
		base, ok := stripSuffix(name, suffix)
		if !ok {
			continue
		}
		switch base {
		case symMem, symCache, symBTB, symPHT:
			continue
		default:
			if pol.RegisterLabel(base) == policy.Low {
				out = append(out, base+suffix)
			}
		}
	}
	return out
}

// memoryLowEquality builds the AssumeNodes that pin a#mem.init and
// b#mem.init together everywhere the policy calls memory low (a single
// node when memory defaults to low, one node per byte of each declared
// low range when it defaults to high), mirroring
// applySetup's per-byte pinning but comparing the two copies instead of
// pinning to a literal.
//
// The default label applies to an address space too large to enumerate
// byte by byte, so the two finite cases are built in opposite directions:
//   - DefaultMemory low: start from whole-array equality (arrays compare
//     by extensionality in the encoding's array theory, no enumeration
//     needed) and carve the declared high ranges back out byte by byte,
//     by overwriting the right-hand side at each high address with the
//     left-hand side's own value there — that address is then compared to
//     itself and carries no constraint.
//   - DefaultMemory high: start from no constraint at all and add it back
//     byte by byte for each declared low range.
//
// A declared range whose label matches the default is redundant and
// skipped. Ranges are finite by construction (policy.Build evaluates
// Start/End to concrete bounds), so both loops terminate.
func memoryLowEquality(pol *policy.Policy) []Node {
	left := VarRef{Name: "a#" + symMem + ".init"}
	right := VarRef{Name: "b#" + symMem + ".init"}

	switch pol.DefaultMemory {
	case policy.Low:
		var masked Expr = right
		for _, r := range pol.MemoryRanges {
			if r.Label != policy.High {
				continue
			}
			for addr := r.Start; addr < r.End; addr++ {
				masked = StoreExpr{
					Array: masked,
					Index: Const{Value: addr},
					Value: SelectExpr{Array: left, Index: Const{Value: addr}},
				}
			}
		}
		return []Node{AssumeNode{Expr: CmpExpr{Op: mir.CmpEq, Left: left, Right: masked}}}
	default:
		var out []Node
		for _, r := range pol.MemoryRanges {
			if r.Label != policy.Low {
				continue
			}
			for addr := r.Start; addr < r.End; addr++ {
				out = append(out, AssumeNode{Expr: CmpExpr{
					Op:    mir.CmpEq,
					Left:  SelectExpr{Array: left, Index: Const{Value: addr}},
					Right: SelectExpr{Array: right, Index: Const{Value: addr}},
				}})
			}
		}
		return out
	}
}

func stripSuffix(s, suffix string) (string, bool) {
	if len(s) <= len(suffix) || s[len(s)-len(suffix):] != suffix {
		return "", false
	}
	return s[:len(s)-len(suffix)], true
}

func renameNode(n Node, copy string) Node {
	switch t := n.(type) {
	case AssignNode:
		return AssignNode{Var: copy + "#" + t.Var, Expr: renameExpr(t.Expr, copy), Sort: t.Sort}
	case AssumeNode:
		return AssumeNode{Expr: renameExpr(t.Expr, copy)}
	case AssertNode:
		return AssertNode{Expr: renameExpr(t.Expr, copy)}
	case ObserveNode:
		return ObserveNode{Expr: renameExpr(t.Expr, copy), Channel: t.Channel, Copy: copy}
	default:
		panic(fmt.Sprintf("lir self-composition: unhandled node %T", n))
	}
}

func renameExpr(e Expr, copy string) Expr {
	switch t := e.(type) {
	case VarRef:
		return VarRef{Name: copy + "#" + t.Name}
	case Const, BoolConst:
		return t
	case BinExpr:
		return BinExpr{Op: t.Op, Left: renameExpr(t.Left, copy), Right: renameExpr(t.Right, copy)}
	case UnExpr:
		return UnExpr{Op: t.Op, X: renameExpr(t.X, copy)}
	case CmpExpr:
		return CmpExpr{Op: t.Op, Left: renameExpr(t.Left, copy), Right: renameExpr(t.Right, copy)}
	case IteExpr:
		return IteExpr{Cond: renameExpr(t.Cond, copy), Then: renameExpr(t.Then, copy), Else: renameExpr(t.Else, copy)}
	case SelectExpr:
		return SelectExpr{Array: renameExpr(t.Array, copy), Index: renameExpr(t.Index, copy)}
	case StoreExpr:
		return StoreExpr{Array: renameExpr(t.Array, copy), Index: renameExpr(t.Index, copy), Value: renameExpr(t.Value, copy)}
	case ConstArrayExpr:
		return ConstArrayExpr{Value: renameExpr(t.Value, copy)}
	case UFCallExpr:
		args := make([]Expr, len(t.Args))
		for i, a := range t.Args {
			args[i] = renameExpr(a, copy)
		}
		return UFCallExpr{Name: t.Name, Args: args, Sort: t.Sort}
	default:
		panic(fmt.Sprintf("lir self-composition: unhandled expression %T", e))
	}
}
