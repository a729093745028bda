// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package lir

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"snicheck/internal/envcfg"
	"snicheck/internal/mir"
	"snicheck/internal/tcfg"
)

// reserved symbol names for the threaded memory and microarchitectural
// arrays, kept out of the register namespace: Lower rejects a function
// that uses a register named this way.
const (
	symMem   = "mem"
	symCache = "cache"
	symBTB   = "btb"
	symPHT   = "pht"
)

// lowerer walks a TCFG and produces one Program. Node environments are
// computed lazily and memoized by TCFG node ID, so the walk is correct
// regardless of whether tg.Order happens to be a valid topological order
// (it usually is, but a node reached by a "later" predecessor than the one
// that first created it would break a naive forward pass).
type lowerer struct {
	tg       *tcfg.TCFG
	fn       *mir.Function
	env      envcfg.Environment
	predOf   map[string]string   // node id -> the predecessor that first created it
	predsAll map[string][]string // node id -> every distinct predecessor
	pcIndex  map[string]int      // node id -> a stable per-node program-counter number
	condMemo map[string]Expr
	envMemo  map[string]map[string]Expr
	counters map[string]int
	prog     *Program
	visiting map[string]bool

	obsMode   string
	obsModel  string
	window    int
	checkMode string
}

// Lower produces a single-copy LIR program from a built transient CFG.
// fn must be the same (bounded, loop-free) function tg was built from.
func Lower(tg *tcfg.TCFG, fn *mir.Function, env envcfg.Environment) (*Program, error) {
	if tg.Entry == "" {
		return nil, errors.New("lowering an empty transient CFG")
	}
	for _, reg := range collectRegisters(fn) {
		switch reg {
		case symMem, symCache, symBTB, symPHT:
			return nil, errors.Errorf("register %q clashes with a reserved LIR array name", reg)
		}
	}
	lw := &lowerer{
		tg:       tg,
		fn:       fn,
		env:      env,
		predOf:   map[string]string{},
		predsAll: map[string][]string{},
		pcIndex:  map[string]int{},
		condMemo: map[string]Expr{},
		envMemo:  map[string]map[string]Expr{},
		counters: map[string]int{},
		prog:     &Program{},
		visiting: map[string]bool{},
		obsMode:   env.Analysis.Observe,
		obsModel:  env.Analysis.Model,
		window:    env.SpeculationWindowValue(),
		checkMode: env.Analysis.Check,
	}
	for _, e := range tg.Edges {
		if e.To == tcfg.RollbackNode {
			continue
		}
		lw.predsAll[e.To] = append(lw.predsAll[e.To], e.From)
		if _, ok := lw.predOf[e.To]; !ok {
			lw.predOf[e.To] = e.From
		}
	}
	for i, id := range tg.Order {
		lw.pcIndex[id] = i
	}

	if _, err := lw.envAt(tg.Entry); err != nil {
		return nil, err
	}
	if err := lw.applySetup(); err != nil {
		return nil, err
	}
	// Force every reachable node to be lowered, not just those upstream of
	// the node the walk happened to start memoizing from — envAt above
	// only recurses through predOf chains reached while resolving the
	// entry node itself, which is all of them for a connected TCFG, but
	// walking the full Order list defensively covers any node Build
	// produced that the entry's own recursion did not need a value from
	// (e.g. a block reachable only by a path whose every effect is a
	// rollback).
	for _, id := range tg.Order {
		if id == tcfg.RollbackNode {
			continue
		}
		if _, err := lw.envAt(id); err != nil {
			return nil, err
		}
	}
	return lw.prog, nil
}

func (lw *lowerer) fresh(base string) string {
	lw.counters[base]++
	return fmt.Sprintf("%s.%d", base, lw.counters[base])
}

func (lw *lowerer) emit(n Node) { lw.prog.Nodes = append(lw.prog.Nodes, n) }

// cond returns the accumulated reachability condition for node id: the
// conjunction of every Guard along the single predecessor chain that first
// discovered id. nil means "always" (the entry node, or any node reached
// only through unconditional edges).
func (lw *lowerer) cond(id string) Expr {
	if c, ok := lw.condMemo[id]; ok {
		return c
	}
	node := lw.tg.Nodes[id]
	var base Expr
	if pred, ok := lw.predOf[id]; ok {
		base = lw.cond(pred)
	}
	var own Expr
	if node.Guard != nil {
		own = lw.lowerExprWithEnv(lw.envForGuard(lw.predOf[id]), node.Guard)
	}
	result := and(base, own)
	lw.condMemo[id] = result
	return result
}

// envForGuard is the environment a node's own Guard expression should be
// evaluated in: the predecessor's environment, since the guard names
// registers as of just before the transfer (a branch condition, read
// before the branch's successor exists). By every call site, the
// predecessor's environment has already been computed as part of
// resolving id's own env, so this is a plain memo lookup except for the
// entry node, which has no predecessor and whose Guard is always nil.
func (lw *lowerer) envForGuard(predID string) map[string]Expr {
	if predID == "" {
		return lw.initialEnv()
	}
	return lw.envMemo[predID]
}

func and(a, b Expr) Expr {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return BinExpr{Op: mir.OpAnd, Left: a, Right: b}
	}
}

func not(e Expr) Expr { return UnExpr{Op: mir.UnNot, X: e} }

// implies builds "guard => expr", the form every AssumeNode/AssertNode
// uses: an obligation or restriction only has force along the path that
// actually reaches it.
func implies(guard, expr Expr) Expr {
	if guard == nil {
		return expr
	}
	return BinExpr{Op: mir.OpOr, Left: not(guard), Right: expr}
}

func (lw *lowerer) initialEnv() map[string]Expr {
	env := map[string]Expr{}
	for _, reg := range collectRegisters(lw.fn) {
		name := reg + ".init"
		lw.prog.declare(name, SortBitVector)
		env[reg] = VarRef{Name: name}
	}
	lw.prog.declare(symMem+".init", SortArray)
	env[symMem] = VarRef{Name: symMem + ".init"}

	if lw.env.Analysis.EffectiveStartWithEmptyCache() {
		env[symCache] = ConstArrayExpr{Value: BoolConst{Value: false}}
	} else {
		lw.prog.declare(symCache+".init", SortArray)
		env[symCache] = VarRef{Name: symCache + ".init"}
	}
	lw.prog.declare(symBTB+".init", SortArray)
	env[symBTB] = VarRef{Name: symBTB + ".init"}
	lw.prog.declare(symPHT+".init", SortArray)
	env[symPHT] = VarRef{Name: symPHT + ".init"}

	for _, ch := range allObservationChannels {
		env[obsKey(ch)] = Const{Value: 0}
	}
	return env
}

// envAt returns the environment in effect once node id (and its own
// instruction) has executed, computing and memoizing it on first visit.
func (lw *lowerer) envAt(id string) (map[string]Expr, error) {
	if e, ok := lw.envMemo[id]; ok {
		return e, nil
	}
	if lw.visiting[id] {
		return nil, errors.Errorf("cycle detected lowering transient CFG at node %s", id)
	}
	lw.visiting[id] = true
	defer delete(lw.visiting, id)

	preds := lw.predsAll[id]
	var env map[string]Expr
	switch len(preds) {
	case 0:
		env = lw.initialEnv()
	case 1:
		pe, err := lw.envAt(preds[0])
		if err != nil {
			return nil, err
		}
		env = cloneEnv(pe)
	default:
		merged, err := lw.mergeEnvs(id, preds)
		if err != nil {
			return nil, err
		}
		env = merged
	}

	node, ok := lw.tg.Nodes[id]
	if !ok {
		return nil, errors.Errorf("lowering: unknown transient CFG node %s", id)
	}
	out, err := lw.applyNode(id, node, env)
	if err != nil {
		return nil, err
	}
	lw.envMemo[id] = out
	return out, nil
}

func cloneEnv(e map[string]Expr) map[string]Expr {
	out := make(map[string]Expr, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// mergeEnvs builds the phi-style conditional assign for every symbol whose
// binding differs across id's predecessors — the control-flow join case.
func (lw *lowerer) mergeEnvs(id string, preds []string) (map[string]Expr, error) {
	envs := make([]map[string]Expr, len(preds))
	conds := make([]Expr, len(preds))
	for i, p := range preds {
		pe, err := lw.envAt(p)
		if err != nil {
			return nil, err
		}
		envs[i] = pe
		conds[i] = lw.cond(p)
	}
	base := envs[0]
	names := make([]string, 0, len(base))
	for name := range base {
		names = append(names, name)
	}
	sort.Strings(names)

	out := map[string]Expr{}
	for _, name := range names {
		first := envs[0][name]
		same := true
		for _, e := range envs[1:] {
			if !sameRef(e[name], first) {
				same = false
				break
			}
		}
		if same {
			out[name] = first
			continue
		}
		merged := envs[len(envs)-1][name]
		for i := len(envs) - 2; i >= 0; i-- {
			merged = IteExpr{Cond: orNil(conds[i]), Then: envs[i][name], Else: merged}
		}
		v := lw.fresh(name + ".phi")
		lw.prog.declare(v, sortOfSymbol(name))
		lw.emit(AssignNode{Var: v, Expr: merged, Sort: sortOfSymbol(name)})
		out[name] = VarRef{Name: v}
	}
	return out, nil
}

func orNil(e Expr) Expr {
	if e == nil {
		return BoolConst{Value: true}
	}
	return e
}

func sameRef(a, b Expr) bool {
	va, ok1 := a.(VarRef)
	vb, ok2 := b.(VarRef)
	if ok1 && ok2 {
		return va.Name == vb.Name
	}
	return false
}

func sortOfSymbol(name string) Sort {
	switch name {
	case symMem, symCache, symBTB, symPHT:
		return SortArray
	default:
		return SortBitVector
	}
}

// applyNode lowers node's own instruction, threading env forward.
func (lw *lowerer) applyNode(id string, node *tcfg.Node, env map[string]Expr) (map[string]Expr, error) {
	if node.StaleStore != nil {
		loadDest, ok := lw.precedingLoadDest(node)
		if ok {
			v := lw.fresh(loadDest + ".stl")
			lw.prog.declare(v, SortBitVector)
			lw.emit(AssignNode{Var: v, Expr: lw.lowerExprWithEnv(env, node.StaleStore.Value), Sort: SortBitVector})
			env[loadDest] = VarRef{Name: v}
		}
	}

	switch t := node.Instr.(type) {
	case *mir.AssignInstr:
		v := lw.fresh(t.Dest)
		lw.prog.declare(v, SortBitVector)
		lw.emit(AssignNode{Var: v, Expr: lw.lowerExprWithEnv(env, t.Src), Sort: SortBitVector})
		env[t.Dest] = VarRef{Name: v}

	case *mir.LoadInstr:
		addr := lw.lowerExprWithEnv(env, t.Addr)
		v := lw.fresh(t.Dest)
		lw.prog.declare(v, SortBitVector)
		lw.emit(AssignNode{Var: v, Expr: SelectExpr{Array: env[symMem], Index: addr}, Sort: SortBitVector})
		env[t.Dest] = VarRef{Name: v}

		cv := lw.fresh(symCache)
		lw.prog.declare(cv, SortArray)
		lw.emit(AssignNode{Var: cv, Expr: StoreExpr{Array: env[symCache], Index: addr, Value: BoolConst{Value: true}}, Sort: SortArray})
		env[symCache] = VarRef{Name: cv}

	case *mir.StoreInstr:
		addr := lw.lowerExprWithEnv(env, t.Addr)
		val := lw.lowerExprWithEnv(env, t.Value)
		mv := lw.fresh(symMem)
		lw.prog.declare(mv, SortArray)
		lw.emit(AssignNode{Var: mv, Expr: StoreExpr{Array: env[symMem], Index: addr, Value: val}, Sort: SortArray})
		env[symMem] = VarRef{Name: mv}

	case *mir.BranchInstr:
		pc := Const{Value: uint64(lw.pcIndex[id])}
		bit := IteExpr{Cond: lw.lowerExprWithEnv(env, t.Cond), Then: Const{Value: 1}, Else: Const{Value: 0}}
		pv := lw.fresh(symPHT)
		lw.prog.declare(pv, SortArray)
		lw.emit(AssignNode{Var: pv, Expr: StoreExpr{Array: env[symPHT], Index: pc, Value: bit}, Sort: SortArray})
		env[symPHT] = VarRef{Name: pv}

	case *mir.CallInstr:
		if t.Indirect {
			target := lw.lowerExprWithEnv(env, t.TargetExpr)
			pc := Const{Value: uint64(lw.pcIndex[id])}
			bv := lw.fresh(symBTB)
			lw.prog.declare(bv, SortArray)
			lw.emit(AssignNode{Var: bv, Expr: StoreExpr{Array: env[symBTB], Index: pc, Value: target}, Sort: SortArray})
			env[symBTB] = VarRef{Name: bv}
			if t.Dest != "" {
				v := lw.fresh(t.Dest)
				lw.prog.declare(v, SortBitVector)
				lw.emit(AssignNode{Var: v, Expr: UFCallExpr{Name: "indirect_call_result", Args: []Expr{target}, Sort: SortBitVector}, Sort: SortBitVector})
				env[t.Dest] = VarRef{Name: v}
			}
		} else if t.Dest != "" {
			v := lw.fresh(t.Dest)
			lw.prog.declare(v, SortBitVector)
			lw.emit(AssignNode{Var: v, Expr: UFCallExpr{Name: "call_" + t.Target, Sort: SortBitVector}, Sort: SortBitVector})
			env[t.Dest] = VarRef{Name: v}
		}

	case *mir.AssumeInstr:
		lw.emit(AssumeNode{Expr: implies(lw.cond(id), lw.lowerExprWithEnv(env, t.Cond))})

	case *mir.AssertInstr:
		lw.emit(AssertNode{Expr: implies(lw.cond(id), lw.lowerExprWithEnv(env, t.Cond))})

	case *mir.JumpInstr, *mir.ReturnInstr, *mir.SpbarrInstr, *mir.SkipInstr:
		// no dataflow effect of their own.

	default:
		return nil, errors.Errorf("lir lowering: unhandled instruction %T", node.Instr)
	}

	lw.updateObservationTrackers(id, node, env)
	lw.emitObservations(id, node, env)
	return env, nil
}

func (lw *lowerer) precedingLoadDest(node *tcfg.Node) (string, bool) {
	instrs := lw.fn.Blocks[node.Block].Instrs
	if node.Index == 0 || node.Index-1 >= len(instrs) {
		return "", false
	}
	load, ok := instrs[node.Index-1].(*mir.LoadInstr)
	if !ok {
		return "", false
	}
	return load.Dest, true
}

func (lw *lowerer) lowerExprWithEnv(env map[string]Expr, e mir.Expr) Expr {
	switch t := e.(type) {
	case *mir.RegExpr:
		if v, ok := env[t.Name]; ok {
			return v
		}
		return VarRef{Name: t.Name + ".init"}
	case *mir.ConstExpr:
		return Const{Value: t.Value}
	case *mir.BoolConst:
		return BoolConst{Value: t.Value}
	case *mir.BinExpr:
		return BinExpr{Op: t.Op, Left: lw.lowerExprWithEnv(env, t.Left), Right: lw.lowerExprWithEnv(env, t.Right)}
	case *mir.UnExpr:
		return UnExpr{Op: t.Op, X: lw.lowerExprWithEnv(env, t.X)}
	case *mir.CmpExpr:
		return CmpExpr{Op: t.Op, Left: lw.lowerExprWithEnv(env, t.Left), Right: lw.lowerExprWithEnv(env, t.Right)}
	default:
		panic(fmt.Sprintf("lir lowering: unhandled expression %T", e))
	}
}

// CollectRegisters returns every register name fn's instructions read or
// write, deterministically ordered. Exported so callers building a
// policy.Build's knownRegisters set (or a setup-file validation pass) use
// the exact same register universe lowering itself declares.
func CollectRegisters(fn *mir.Function) []string {
	return collectRegisters(fn)
}

// collectRegisters returns every register name fn's instructions read or
// write, deterministically ordered.
func collectRegisters(fn *mir.Function) []string {
	set := map[string]bool{}
	var walkExpr func(mir.Expr)
	walkExpr = func(e mir.Expr) {
		switch t := e.(type) {
		case *mir.RegExpr:
			set[t.Name] = true
		case *mir.BinExpr:
			walkExpr(t.Left)
			walkExpr(t.Right)
		case *mir.UnExpr:
			walkExpr(t.X)
		case *mir.CmpExpr:
			walkExpr(t.Left)
			walkExpr(t.Right)
		}
	}
	for _, name := range fn.Order {
		block := fn.Blocks[name]
		for _, instr := range block.Instrs {
			switch t := instr.(type) {
			case *mir.AssignInstr:
				set[t.Dest] = true
				walkExpr(t.Src)
			case *mir.LoadInstr:
				set[t.Dest] = true
				walkExpr(t.Addr)
			case *mir.StoreInstr:
				walkExpr(t.Addr)
				walkExpr(t.Value)
			case *mir.BranchInstr:
				walkExpr(t.Cond)
			case *mir.CallInstr:
				if t.Dest != "" {
					set[t.Dest] = true
				}
				if t.TargetExpr != nil {
					walkExpr(t.TargetExpr)
				}
			case *mir.ReturnInstr:
				if t.Value != nil {
					walkExpr(t.Value)
				}
			case *mir.AssumeInstr:
				walkExpr(t.Cond)
			case *mir.AssertInstr:
				walkExpr(t.Cond)
			}
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
